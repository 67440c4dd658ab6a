// Package problem renders RFC 7807 problem-details errors at the
// repository/API boundary, alongside a field-level ValidationError
// used wherever a caller needs per-field detail.
package problem

import "fmt"

// RFC7807Problem is an RFC 7807 "problem details" payload.
type RFC7807Problem struct {
	Type       string         `json:"type,omitempty"`
	Title      string         `json:"title"`
	Status     int            `json:"status"`
	Detail     string         `json:"detail,omitempty"`
	Instance   string         `json:"instance,omitempty"`
	Extensions map[string]any `json:"-"`
}

func (p *RFC7807Problem) Error() string {
	return fmt.Sprintf("%s: %s (status %d)", p.Title, p.Detail, p.Status)
}

// NewValidationErrorProblem builds a 400 problem for structural/field
// validation failures.
func NewValidationErrorProblem(detail string) *RFC7807Problem {
	return &RFC7807Problem{Title: "Validation Error", Status: 400, Detail: detail}
}

// NewNotFoundProblem builds a 404 problem for a missing resource.
func NewNotFoundProblem(resource, detail string) *RFC7807Problem {
	return &RFC7807Problem{Title: fmt.Sprintf("%s Not Found", resource), Status: 404, Detail: detail}
}

// NewConflictProblem builds a 409 problem, typically from a unique
// constraint violation.
func NewConflictProblem(resource, detail string) *RFC7807Problem {
	return &RFC7807Problem{Title: fmt.Sprintf("%s Conflict", resource), Status: 409, Detail: detail}
}

// NewInternalErrorProblem builds a 500 problem, marked retryable.
func NewInternalErrorProblem(detail string) *RFC7807Problem {
	return &RFC7807Problem{
		Title: "Internal Error", Status: 500, Detail: detail,
		Extensions: map[string]any{"retry": true},
	}
}

// NewServiceUnavailableProblem builds a 503 problem, marked
// retryable. Used when a storage backend is unavailable.
func NewServiceUnavailableProblem(detail string) *RFC7807Problem {
	return &RFC7807Problem{
		Title: "Service Unavailable", Status: 503, Detail: detail,
		Extensions: map[string]any{"retry": true},
	}
}

// ValidationError accumulates field-level errors for a single
// resource, e.g. a rejected environment specification.
type ValidationError struct {
	Resource    string
	Message     string
	FieldErrors map[string]string
}

// NewValidationError starts a ValidationError for resource with a
// top-level message.
func NewValidationError(resource, message string) *ValidationError {
	return &ValidationError{Resource: resource, Message: message, FieldErrors: map[string]string{}}
}

// AddFieldError records a per-field validation failure.
func (e *ValidationError) AddFieldError(field, msg string) *ValidationError {
	e.FieldErrors[field] = msg
	return e
}

func (e *ValidationError) Error() string {
	if len(e.FieldErrors) == 0 {
		return fmt.Sprintf("%s: %s", e.Resource, e.Message)
	}
	return fmt.Sprintf("%s: %s (%d field errors)", e.Resource, e.Message, len(e.FieldErrors))
}

// ToRFC7807 renders the ValidationError as an RFC7807Problem with the
// field errors attached as an extension.
func (e *ValidationError) ToRFC7807() *RFC7807Problem {
	p := NewValidationErrorProblem(e.Message)
	if len(e.FieldErrors) > 0 {
		p.Extensions = map[string]any{"field_errors": e.FieldErrors}
	}
	return p
}
