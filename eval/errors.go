package eval

import (
	"errors"
	"strings"
)

var (
	// ErrCycle indicates a key depends on itself.
	ErrCycle = errors.New("dependency cycle")

	// ErrNoFunction indicates no function is registered for a key's FunctionName.
	ErrNoFunction = errors.New("no function registered")

	// ErrNoProgress indicates a function suspended without requesting any missing value.
	ErrNoProgress = errors.New("function suspended without missing dependencies")
)

// CycleError reports the chain of keys forming a cycle.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return "dependency cycle: " + strings.Join(e.Path, " -> ")
}

func (e *CycleError) Unwrap() error {
	return ErrCycle
}
