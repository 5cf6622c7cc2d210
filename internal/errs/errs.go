// Package errs defines the caller-facing error taxonomy shared by the engine,
// the API and the CLI.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError reports bad caller input. It is never retried automatically.
type ValidationError struct {
	Field   string
	Value   string
	Message string
	Hint    []string // valid values, when the set is known
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	if e.Field != "" {
		fmt.Fprintf(&b, "invalid %s", e.Field)
		if e.Value != "" {
			fmt.Fprintf(&b, " %q", e.Value)
		}
		if e.Message != "" {
			b.WriteString(": ")
		}
	}
	b.WriteString(e.Message)
	if len(e.Hint) > 0 {
		fmt.Fprintf(&b, " (valid values: %s)", strings.Join(e.Hint, ", "))
	}
	return b.String()
}

// Invalid builds a ValidationError.
func Invalid(field, value, message string, hint ...string) *ValidationError {
	return &ValidationError{Field: field, Value: value, Message: message, Hint: hint}
}

// NotFoundError reports an unknown finding, execution, plan, assessment or package id.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// NotFound builds a NotFoundError.
func NotFound(kind, id string) *NotFoundError {
	return &NotFoundError{Kind: kind, ID: id}
}

// ExecutionFailure describes a remediation step that failed mid-flight. It is
// recorded on the execution record rather than returned to callers.
type ExecutionFailure struct {
	ExecutionID string
	Step        int
	Err         error
}

func (e *ExecutionFailure) Error() string {
	return fmt.Sprintf("execution %s failed at step %d: %v", e.ExecutionID, e.Step, e.Err)
}

func (e *ExecutionFailure) Unwrap() error { return e.Err }

// UpstreamUnavailableError reports a scanner or cloud API that timed out or
// refused the call. Callers should retry later.
type UpstreamUnavailableError struct {
	Service string
	Err     error
}

func (e *UpstreamUnavailableError) Error() string {
	return fmt.Sprintf("%s unavailable, retry later: %v", e.Service, e.Err)
}

func (e *UpstreamUnavailableError) Unwrap() error { return e.Err }

// Upstream builds an UpstreamUnavailableError.
func Upstream(service string, err error) *UpstreamUnavailableError {
	return &UpstreamUnavailableError{Service: service, Err: err}
}

// SerializationError reports evidence that cannot be rendered in the requested format.
type SerializationError struct {
	Format string
	Item   string
	Err    error
}

func (e *SerializationError) Error() string {
	if e.Item != "" {
		return fmt.Sprintf("%s export failed on %s: %v", e.Format, e.Item, e.Err)
	}
	return fmt.Sprintf("%s export failed: %v", e.Format, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// IsValidation reports whether err wraps a ValidationError.
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsNotFound reports whether err wraps a NotFoundError.
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

// IsUpstream reports whether err wraps an UpstreamUnavailableError.
func IsUpstream(err error) bool {
	var target *UpstreamUnavailableError
	return errors.As(err, &target)
}

// IsSerialization reports whether err wraps a SerializationError.
func IsSerialization(err error) bool {
	var target *SerializationError
	return errors.As(err, &target)
}
