// Package eval defines the contract between configuration resolution and the
// incremental evaluation substrate it runs inside, and provides a small
// in-memory implementation of that substrate.
//
// A Function computes the value of a Key. When it needs values it does not have
// yet it asks its Environment for them in batches, checks ValuesMissing, and
// returns Suspend. The substrate computes the missing values and calls the
// function again from the start. Functions therefore must be deterministic and
// must not emit side effects until they are about to return a final result.
package eval

import (
	"context"
	"errors"
	"fmt"

	"github.com/albertocavalcante/go-bzlconfig/events"
)

// FunctionName identifies the function computing a family of keys.
type FunctionName string

// Key identifies a value computed by the substrate.
// Implementations must be comparable and String must be unique per function.
type Key interface {
	Function() FunctionName
	String() string
}

// Value is anything a Function computes.
type Value any

// Result is the outcome of a computation step: a value, a suspension, or a failure.
type Result[T any] struct {
	value     T
	err       error
	suspended bool
}

// Ready returns a successful result.
func Ready[T any](v T) Result[T] {
	return Result[T]{value: v}
}

// Suspend returns a result signalling that required values are not available yet.
func Suspend[T any]() Result[T] {
	return Result[T]{suspended: true}
}

// Fail returns a failed result.
func Fail[T any](err error) Result[T] {
	if err == nil {
		err = errors.New("eval: Fail called with nil error")
	}
	return Result[T]{err: err}
}

// IsReady reports whether the result holds a value.
func (r Result[T]) IsReady() bool {
	return !r.suspended && r.err == nil
}

// IsSuspended reports whether the computation must be retried.
func (r Result[T]) IsSuspended() bool {
	return r.suspended
}

// Err returns the failure, or nil.
func (r Result[T]) Err() error {
	return r.err
}

// Value returns the value; it is the zero value unless IsReady.
func (r Result[T]) Value() T {
	return r.value
}

func (r Result[T]) String() string {
	switch {
	case r.suspended:
		return "Suspend"
	case r.err != nil:
		return "Failed(" + r.err.Error() + ")"
	default:
		return fmt.Sprintf("Ready(%v)", r.value)
	}
}

// As converts a Result[Value] into a typed result. A ready value of the wrong
// type becomes a failure.
func As[T any](r Result[Value]) Result[T] {
	switch {
	case r.suspended:
		return Suspend[T]()
	case r.err != nil:
		return Fail[T](r.err)
	}
	v, ok := r.value.(T)
	if !ok {
		var zero T
		return Fail[T](fmt.Errorf("eval: value has type %T, want %T", r.value, zero))
	}
	return Ready(v)
}

// Environment is what a Function sees of the substrate during one attempt.
type Environment interface {
	// GetValue returns the value for key, or Suspend if it has not been computed.
	GetValue(key Key) Result[Value]

	// GetValues is the batched form of GetValue.
	GetValues(keys []Key) map[Key]Result[Value]

	// ValuesMissing reports whether any value requested during this attempt
	// was not available.
	ValuesMissing() bool

	// Listener receives diagnostic events. Events are delivered to the user
	// only once the computation completes.
	Listener() events.Handler
}

// Function computes values for keys of one FunctionName.
type Function interface {
	Compute(ctx context.Context, key Key, env Environment) Result[Value]
}

// FunctionFunc adapts a plain function to Function.
type FunctionFunc func(ctx context.Context, key Key, env Environment) Result[Value]

func (f FunctionFunc) Compute(ctx context.Context, key Key, env Environment) Result[Value] {
	return f(ctx, key, env)
}

// keyID is the identity of a key across function namespaces.
func keyID(k Key) string {
	return string(k.Function()) + "|" + k.String()
}
