// Package wheelproxy defines the shared domain types and error plumbing used
// across the caching, compiling package-index proxy: the data model of §3
// (Platform, BackingIndex, Package, Release, Build, CompiledRequirements), the
// normalized-name helpers of §6, and the wrapped error type propagated between
// the HTTP API, the task runtime and their clients.
package wheelproxy

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrReasonUnknown signals the reason for a WrappedError is unknown
var ErrReasonUnknown = errors.New("reason unknown")

// WrappedError represents an error returned by a component of the proxy.
// This custom error type facilitates extracting the reason of an error
// by using the errors.Unwrap method.
// It also facilitates checking an error (or its reason) using errors.Is by
// comparing the error and its reason.
// This custom type has the following known limitations:
// - A nil WrappedError 'e' will not satisfy errors.Is(e, nil)
type WrappedError struct {
	Err    error `json:"error,omitempty"`
	Reason error `json:"reason,omitempty"`
}

// Error returns the WrappedError as a string
func (e *WrappedError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err, e.Reason)
}

// Is returns true if the target error is the same as the WrappedError or its reason.
// It attempts several strategies:
// - compare error and reason to target's Error()
// - unwrap the error and reason and compare to target's Error()
// - unwrap target and compare to the error recursively
func (e *WrappedError) Is(target error) bool {
	if target == nil {
		return false
	}

	if e.Err.Error() == target.Error() {
		return true
	}

	if e.Reason != nil && e.Reason.Error() == target.Error() {
		return true
	}

	if u := errors.Unwrap(e.Err); u != nil && u.Error() == target.Error() {
		return true
	}

	if u := errors.Unwrap(e.Reason); u != nil && u.Error() == target.Error() {
		return true
	}

	return e.Is(errors.Unwrap(target))
}

// Unwrap returns the underlying reason for the WrappedError
func (e *WrappedError) Unwrap() error {
	return e.Reason
}

type jsonError struct {
	Err    string     `json:"error,omitempty"`
	Reason *jsonError `json:"reason,omitempty"`
}

// wrap returns a jsonError as a WrappedError
func wrap(e *jsonError) error {
	if e == nil {
		return nil
	}
	err := errors.New(e.Err)
	if e.Reason == nil {
		return err
	}

	return NewWrappedError(err, wrap(e.Reason))
}

func unwrap(e error) *jsonError {
	if e == nil {
		return nil
	}

	err, ok := AsError(e)
	if !ok {
		return &jsonError{Err: e.Error()}
	}

	return &jsonError{Err: err.Err.Error(), Reason: unwrap(errors.Unwrap(err))}
}

// MarshalJSON implements the json.Marshaler interface for the WrappedError type
func (e *WrappedError) MarshalJSON() ([]byte, error) {
	return json.Marshal(unwrap(e))
}

// UnmarshalJSON implements the json.Unmarshaler interface for the WrappedError type
func (e *WrappedError) UnmarshalJSON(data []byte) error {
	val := jsonError{}

	if err := json.Unmarshal(data, &val); err != nil {
		return err
	}

	e.Err = errors.New(val.Err)
	e.Reason = wrap(val.Reason)
	return nil
}

// NewWrappedError creates a WrappedError from an error and a reason.
// If the reason is nil, ErrReasonUnknown is used.
func NewWrappedError(err error, reason error) *WrappedError {
	if reason == nil {
		reason = ErrReasonUnknown
	}
	return &WrappedError{
		Err:    err,
		Reason: reason,
	}
}

// AsError returns an error as a WrappedError, if possible
func AsError(e error) (*WrappedError, bool) {
	err := &WrappedError{}
	if !errors.As(e, &err) {
		return nil, false
	}
	return err, true
}
