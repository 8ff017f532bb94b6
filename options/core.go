package options

import "github.com/zclconf/go-cty/cty"

// CoreGroup is the option group every configuration carries.
const CoreGroup = "core"

// Core option names.
const (
	CPU                       = "cpu"
	HostCPU                   = "host_cpu"
	CompilationMode           = "compilation_mode"
	HostCompilationMode       = "host_compilation_mode"
	DistinctHostConfiguration = "distinct_host_configuration"
	ConfigsMode               = "configs_mode"
	IsHost                    = "is_host"
)

// Values of the configs_mode option.
const (
	ConfigsModeOn     = "on"
	ConfigsModeNoTrim = "notrim"
)

var compilationModes = []string{"fastbuild", "dbg", "opt"}

// CoreDefinitions returns the options every schema should include.
func CoreDefinitions() []Definition {
	return []Definition{
		{
			Name: CPU, Group: CoreGroup, Type: cty.String, Default: cty.StringVal("k8"),
			Help: "The target CPU.",
		},
		{
			Name: HostCPU, Group: CoreGroup, Type: cty.String, Default: cty.StringVal("k8"),
			Help: "The host CPU.",
		},
		{
			Name: CompilationMode, Group: CoreGroup, Type: cty.String, Default: cty.StringVal("fastbuild"),
			Allowed: compilationModes,
			Help:    "Specify the mode the binary will be built in.",
		},
		{
			Name: HostCompilationMode, Group: CoreGroup, Type: cty.String, Default: cty.StringVal("opt"),
			Allowed: compilationModes,
			Help:    "Specify the mode the tools used during the build will be built in.",
		},
		{
			Name: DistinctHostConfiguration, Group: CoreGroup, Type: cty.Bool, Default: cty.True,
			Help: "Build all the tools used during the build for a distinct configuration.",
		},
		{
			Name: ConfigsMode, Group: CoreGroup, Type: cty.String, Default: cty.StringVal(ConfigsModeNoTrim),
			Allowed: []string{ConfigsModeOn, ConfigsModeNoTrim},
			Help:    "Whether configurations are trimmed to the fragments each target needs.",
		},
		{
			Name: IsHost, Group: CoreGroup, Type: cty.Bool, Default: cty.False,
			Help: "Set internally for the host configuration.",
		},
	}
}
