package gobzlconfig

import (
	"errors"
	"fmt"

	"github.com/albertocavalcante/go-bzlconfig/config"
)

// Sentinel errors for resolution failures.
var (
	// ErrInvalidOptions indicates that one or more target configurations
	// failed validation.
	ErrInvalidOptions = errors.New("build options are invalid")

	// ErrHostConfiguration indicates the host configuration could not be built.
	ErrHostConfiguration = errors.New("invalid host configuration")
)

// InvalidOptionsError names every invalid target configuration.
type InvalidOptionsError struct {
	// Configurations are the keys of the invalid configurations, in request order.
	Configurations []config.Key

	// Err aggregates one error per invalid configuration.
	Err error
}

func (e *InvalidOptionsError) Error() string {
	return fmt.Sprintf("%v: %v", ErrInvalidOptions, e.Err)
}

func (e *InvalidOptionsError) Unwrap() error {
	return e.Err
}

func (e *InvalidOptionsError) Is(target error) bool {
	return target == ErrInvalidOptions
}

// HostConfigurationError wraps the failure to build the host configuration.
type HostConfigurationError struct {
	Err error
}

func (e *HostConfigurationError) Error() string {
	return "host configuration: " + e.Err.Error()
}

func (e *HostConfigurationError) Unwrap() error {
	return e.Err
}

func (e *HostConfigurationError) Is(target error) bool {
	return target == ErrHostConfiguration
}
