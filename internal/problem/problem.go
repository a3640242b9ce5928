// Package problem holds the error taxonomy shared by the scheduling core
// and translated to HTTP responses by the API layer.
package problem

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError reports malformed or contradictory request parameters.
type ValidationError struct {
	Problems []string
	Message  string
}

func (e *ValidationError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("invalid parameters: %s", strings.Join(e.Problems, ", "))
}

// Invalid builds a ValidationError naming the offending fields.
func Invalid(message string, fields ...string) *ValidationError {
	return &ValidationError{Message: message, Problems: fields}
}

// NotFoundError reports an unknown entity.
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

// ConfigError reports a malformed project config. It is never surfaced to a
// caller; it resolves to "do not build" with the error as the reason.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid project config %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// VCSError reports a version-control failure. Permanent failures name the
// request field they stem from; transient ones are retried by background
// tasks only.
type VCSError struct {
	Field     string
	Transient bool
	Err       error
}

func (e *VCSError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("%s vcs error: %v", kind, e.Err)
}

func (e *VCSError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err wraps a transient VCSError.
func IsTransient(err error) bool {
	var vcsErr *VCSError
	return errors.As(err, &vcsErr) && vcsErr.Transient
}
