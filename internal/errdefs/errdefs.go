// Package errdefs holds the error categories shared by every sandflow
// component. Components wrap these sentinels with context; the API layer maps
// them to stable error codes with errors.Is.
package errdefs

import "errors"

var (
	ErrUnauthorized        = errors.New("unauthorized")
	ErrOwnershipMismatch   = errors.New("session not found or not owned by caller")
	ErrValidation          = errors.New("validation failed")
	ErrProvisioning        = errors.New("sandbox provisioning failed")
	ErrNotFound            = errors.New("not found")
	ErrTimeout             = errors.New("operation timed out")
	ErrUpstream            = errors.New("upstream model failure")
	ErrProviderUnavailable = errors.New("sandbox provider not configured")
)

// ValidationError carries a human-readable reason for a rejected input.
type ValidationError struct {
	Field  string
	Reason string
	// Rule names the validator rule that rejected a command, if any.
	Rule string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + ": " + e.Reason
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Invalid builds a ValidationError for field.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
