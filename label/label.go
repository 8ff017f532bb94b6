// Package label provides validated, comparable Bazel labels and package identifiers.
//
// All types in this package are immutable value types and can be used as map keys.
// Zero values are generally invalid - use Parse, ParseRelative or NewPackageID to
// create valid instances.
//
// # Forms
//
// The accepted label forms are:
//   - "@repo//pkg:name" and "@@repo//pkg:name" (repository-qualified)
//   - "//pkg:name" and "//pkg" (shorthand for "//pkg:<last segment of pkg>")
//   - ":name" and "name" (relative, only through ParseRelative)
//
// # Validation Patterns
//
// Repository names must match: [a-zA-Z][a-zA-Z0-9._+~-]*
// Package paths must match: ([a-zA-Z0-9_.+-]+(/[a-zA-Z0-9_.+-]+)*)?
// Target names must not be empty, contain ':' or start with '/'.
package label

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	repoRegex    = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9._+~-]*$`)
	packageRegex = regexp.MustCompile(`^([a-zA-Z0-9_.+-]+(/[a-zA-Z0-9_.+-]+)*)?$`)
)

// PackageID identifies a package within a repository.
type PackageID struct {
	repo string
	pkg  string
}

// NewPackageID creates a validated PackageID. An empty repo means the main repository.
func NewPackageID(repo, pkg string) (PackageID, error) {
	if repo != "" && !repoRegex.MatchString(repo) {
		return PackageID{}, fmt.Errorf("invalid repository name %q", repo)
	}
	if !packageRegex.MatchString(pkg) {
		return PackageID{}, fmt.Errorf("invalid package name %q", pkg)
	}
	return PackageID{repo: repo, pkg: pkg}, nil
}

// MustPackageID creates a PackageID or panics. Use only for constants/tests.
func MustPackageID(repo, pkg string) PackageID {
	id, err := NewPackageID(repo, pkg)
	if err != nil {
		panic(err)
	}
	return id
}

// Repo returns the repository name, empty for the main repository.
func (p PackageID) Repo() string {
	return p.repo
}

// Path returns the package path relative to the repository root.
func (p PackageID) Path() string {
	return p.pkg
}

// Label returns the label of the named target inside this package.
func (p PackageID) Label(name string) (Label, error) {
	if err := validateName(name); err != nil {
		return Label{}, err
	}
	return Label{pkg: p, name: name}, nil
}

// Equal reports whether p and other identify the same package.
func (p PackageID) Equal(other PackageID) bool {
	return p == other
}

// String returns "@repo//pkg" or "//pkg".
func (p PackageID) String() string {
	if p.repo != "" {
		return "@" + p.repo + "//" + p.pkg
	}
	return "//" + p.pkg
}

// Label is a fully qualified target label.
type Label struct {
	pkg  PackageID
	name string
}

// Parse parses an absolute label string.
func Parse(s string) (Label, error) {
	if !strings.HasPrefix(s, "@") && !strings.HasPrefix(s, "//") {
		return Label{}, fmt.Errorf("invalid label %q: must start with // or @", s)
	}
	return parse(s, PackageID{})
}

// ParseRelative parses a label that may be relative to base.
// ":name" and "name" resolve against base; absolute forms ignore it.
func ParseRelative(s string, base PackageID) (Label, error) {
	return parse(s, base)
}

// MustParse parses a label or panics. Use only for constants/tests.
func MustParse(s string) Label {
	l, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return l
}

func parse(s string, base PackageID) (Label, error) {
	raw := s
	if s == "" {
		return Label{}, fmt.Errorf("label cannot be empty")
	}

	var repo string
	switch {
	case strings.HasPrefix(s, "@"):
		s = strings.TrimPrefix(strings.TrimPrefix(s, "@"), "@")
		idx := strings.Index(s, "//")
		if idx == -1 {
			return Label{}, fmt.Errorf("invalid label %q: missing //", raw)
		}
		repo = s[:idx]
		s = s[idx:]
	case !strings.HasPrefix(s, "//"):
		// Relative label: ":name" or "name".
		name := strings.TrimPrefix(s, ":")
		if err := validateName(name); err != nil {
			return Label{}, fmt.Errorf("invalid label %q: %w", raw, err)
		}
		return Label{pkg: base, name: name}, nil
	}

	s = s[2:]
	var pkg, name string
	if idx := strings.Index(s, ":"); idx == -1 {
		pkg = s
		name = s[strings.LastIndex(s, "/")+1:]
	} else {
		pkg = s[:idx]
		name = s[idx+1:]
	}

	id, err := NewPackageID(repo, pkg)
	if err != nil {
		return Label{}, fmt.Errorf("invalid label %q: %w", raw, err)
	}
	if err := validateName(name); err != nil {
		return Label{}, fmt.Errorf("invalid label %q: %w", raw, err)
	}
	return Label{pkg: id, name: name}, nil
}

func validateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("target name cannot be empty")
	case strings.Contains(name, ":"):
		return fmt.Errorf("target name %q contains ':'", name)
	case strings.HasPrefix(name, "/"):
		return fmt.Errorf("target name %q starts with '/'", name)
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == ".." || seg == "." {
			return fmt.Errorf("target name %q contains up-level references", name)
		}
	}
	return nil
}

// Package returns the package containing the target.
func (l Label) Package() PackageID {
	return l.pkg
}

// Name returns the target name.
func (l Label) Name() string {
	return l.name
}

// IsEmpty returns true if this is a zero-value Label.
func (l Label) IsEmpty() bool {
	return l.name == ""
}

// Equal reports whether l and other are the same label.
func (l Label) Equal(other Label) bool {
	return l == other
}

// String returns the canonical form "@repo//pkg:name" or "//pkg:name".
func (l Label) String() string {
	return l.pkg.String() + ":" + l.name
}

// Compare orders labels by their canonical string form.
func Compare(a, b Label) int {
	return strings.Compare(a.String(), b.String())
}
