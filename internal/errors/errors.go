// Package errors defines condastore's HTTP-facing error taxonomy: a small
// set of ErrorType kinds, each carrying a fixed HTTP status code and a safe
// message suitable for returning to a caller without leaking internals.
package errors

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/conda-store/condastore/pkg/shared/logging"
)

// ErrorType classifies an AppError for status-code mapping and safe-message
// lookup.
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeDatabase   ErrorType = "database"
	ErrorTypeNetwork    ErrorType = "network"
	ErrorTypeAuth       ErrorType = "auth"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeConflict   ErrorType = "conflict"
	ErrorTypeInternal   ErrorType = "internal"
	ErrorTypeTimeout    ErrorType = "timeout"
	ErrorTypeRateLimit  ErrorType = "rate_limit"

	// Domain-specific kinds layered on top of the generic taxonomy above.
	ErrorTypeChannelNotAllowed  ErrorType = "channel_not_allowed"
	ErrorTypePackageRequired    ErrorType = "package_required"
	ErrorTypePackageIncluded    ErrorType = "package_included"
	ErrorTypePluginNotFound     ErrorType = "plugin_not_found"
	ErrorTypeBuildPath          ErrorType = "build_path"
	ErrorTypeExternalCommand    ErrorType = "external_command_failed"
	ErrorTypeStorageUnavailable ErrorType = "storage_unavailable"
	ErrorTypeBuildStuck         ErrorType = "build_stuck"
	ErrorTypeBucketMissing      ErrorType = "bucket_missing"
)

var statusCodes = map[ErrorType]int{
	ErrorTypeValidation:         http.StatusBadRequest,
	ErrorTypeAuth:               http.StatusUnauthorized,
	ErrorTypeNotFound:           http.StatusNotFound,
	ErrorTypeConflict:           http.StatusConflict,
	ErrorTypeTimeout:            http.StatusRequestTimeout,
	ErrorTypeRateLimit:          http.StatusTooManyRequests,
	ErrorTypeDatabase:           http.StatusInternalServerError,
	ErrorTypeNetwork:            http.StatusInternalServerError,
	ErrorTypeInternal:           http.StatusInternalServerError,
	ErrorTypeChannelNotAllowed:  http.StatusBadRequest,
	ErrorTypePackageRequired:    http.StatusBadRequest,
	ErrorTypePackageIncluded:    http.StatusBadRequest,
	ErrorTypePluginNotFound:     http.StatusInternalServerError,
	ErrorTypeBuildPath:          http.StatusBadRequest,
	ErrorTypeExternalCommand:    http.StatusInternalServerError,
	ErrorTypeStorageUnavailable: http.StatusServiceUnavailable,
	ErrorTypeBuildStuck:         http.StatusInternalServerError,
	ErrorTypeBucketMissing:      http.StatusInternalServerError,
}

// AppError is the single error type every HTTP handler and orchestrator
// stage returns; its Type drives both the response status code and the
// message shown to the caller.
type AppError struct {
	Type       ErrorType
	Message    string
	StatusCode int
	Details    string
	Cause      error
}

func New(errType ErrorType, message string) *AppError {
	return &AppError{
		Type:       errType,
		Message:    message,
		StatusCode: statusCodeFor(errType),
	}
}

func Wrap(cause error, errType ErrorType, message string) *AppError {
	return &AppError{
		Type:       errType,
		Message:    message,
		StatusCode: statusCodeFor(errType),
		Cause:      cause,
	}
}

func Wrapf(cause error, errType ErrorType, format string, args ...interface{}) *AppError {
	return Wrap(cause, errType, fmt.Sprintf(format, args...))
}

func statusCodeFor(errType ErrorType) int {
	if code, ok := statusCodes[errType]; ok {
		return code
	}
	return http.StatusInternalServerError
}

func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Type, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithDetails sets Details in place and returns the same *AppError.
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// WithDetailsf sets a formatted Details in place.
func (e *AppError) WithDetailsf(format string, args ...interface{}) *AppError {
	e.Details = fmt.Sprintf(format, args...)
	return e
}

// Predefined constructors for the generic taxonomy.

func NewValidationError(message string) *AppError {
	return New(ErrorTypeValidation, message)
}

func NewDatabaseError(operation string, cause error) *AppError {
	return Wrapf(cause, ErrorTypeDatabase, "database operation failed: %s", operation)
}

func NewNotFoundError(resource string) *AppError {
	return New(ErrorTypeNotFound, fmt.Sprintf("%s not found", resource))
}

func NewAuthError(message string) *AppError {
	return New(ErrorTypeAuth, message)
}

func NewTimeoutError(operation string) *AppError {
	return New(ErrorTypeTimeout, fmt.Sprintf("operation timed out: %s", operation))
}

func NewConflictError(message string) *AppError {
	return New(ErrorTypeConflict, message)
}

func NewRateLimitError(message string) *AppError {
	return New(ErrorTypeRateLimit, message)
}

// Domain-specific constructors, one per condastore build/spec failure mode.

func NewChannelNotAllowedError(channel string) *AppError {
	return New(ErrorTypeChannelNotAllowed, fmt.Sprintf("channel not allowed: %s", channel))
}

func NewPackageRequiredError(pkg string) *AppError {
	return New(ErrorTypePackageRequired, fmt.Sprintf("required package missing: %s", pkg))
}

func NewPackageIncludedError(pkg string) *AppError {
	return New(ErrorTypePackageIncluded, fmt.Sprintf("package is not allowed: %s", pkg))
}

func NewPluginNotFoundError(kind, name string) *AppError {
	return New(ErrorTypePluginNotFound, fmt.Sprintf("no %s plugin registered for %q", kind, name))
}

func NewBuildPathError(path string) *AppError {
	return New(ErrorTypeBuildPath, fmt.Sprintf("invalid build path: %s", path))
}

func NewExternalCommandError(command string, cause error) *AppError {
	return Wrapf(cause, ErrorTypeExternalCommand, "external command failed: %s", command)
}

func NewStorageUnavailableError(backend string, cause error) *AppError {
	return Wrapf(cause, ErrorTypeStorageUnavailable, "storage backend unavailable: %s", backend)
}

func NewBuildStuckError(buildID int64) *AppError {
	return New(ErrorTypeBuildStuck, fmt.Sprintf("build %d has no active task and is not in a terminal state", buildID))
}

func NewBucketMissingError(bucket string) *AppError {
	return New(ErrorTypeBucketMissing, fmt.Sprintf("bucket does not exist: %s", bucket))
}

// IsType reports whether err is an *AppError of the given type.
func IsType(err error, errType ErrorType) bool {
	appErr, ok := err.(*AppError)
	if !ok {
		return false
	}
	return appErr.Type == errType
}

// GetType returns err's ErrorType, or ErrorTypeInternal if err is not an *AppError.
func GetType(err error) ErrorType {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Type
	}
	return ErrorTypeInternal
}

// GetStatusCode returns err's HTTP status code, or 500 if err is not an *AppError.
func GetStatusCode(err error) int {
	if appErr, ok := err.(*AppError); ok {
		return appErr.StatusCode
	}
	return http.StatusInternalServerError
}

// ErrorMessages holds the safe, caller-facing text for each non-validation
// error type. Validation messages are passed through verbatim since they
// already describe the caller's own mistake.
var ErrorMessages = struct {
	ResourceNotFound       string
	AuthenticationFailed   string
	OperationTimeout       string
	RateLimitExceeded      string
	ConcurrentModification string
	InternalError          string
}{
	ResourceNotFound:       "The requested resource was not found",
	AuthenticationFailed:   "Authentication failed",
	OperationTimeout:       "The operation timed out",
	RateLimitExceeded:      "Rate limit exceeded, please try again later",
	ConcurrentModification: "The resource was modified concurrently, please retry",
	InternalError:          "An internal error occurred",
}

// SafeErrorMessage returns a message safe to return to an API caller: for
// AppErrors it looks up (or passes through, for validation) a canned safe
// message; for any other error it returns a generic message so internals
// never leak.
func SafeErrorMessage(err error) string {
	appErr, ok := err.(*AppError)
	if !ok {
		return "An unexpected error occurred"
	}
	switch appErr.Type {
	case ErrorTypeValidation:
		return appErr.Message
	case ErrorTypeNotFound:
		return ErrorMessages.ResourceNotFound
	case ErrorTypeAuth:
		return ErrorMessages.AuthenticationFailed
	case ErrorTypeTimeout:
		return ErrorMessages.OperationTimeout
	case ErrorTypeRateLimit:
		return ErrorMessages.RateLimitExceeded
	case ErrorTypeConflict:
		return ErrorMessages.ConcurrentModification
	default:
		return ErrorMessages.InternalError
	}
}

// LogFields builds structured logging fields for err, suitable for
// zap.Any("error_fields", ...) or a logrus.WithFields call.
func LogFields(err error) logging.Fields {
	fields := logging.NewFields().Custom("error", err.Error())
	appErr, ok := err.(*AppError)
	if !ok {
		return fields
	}
	fields = fields.
		Custom("error_type", string(appErr.Type)).
		Custom("status_code", appErr.StatusCode)
	if appErr.Details != "" {
		fields = fields.Custom("error_details", appErr.Details)
	}
	if appErr.Cause != nil {
		fields = fields.Custom("underlying_error", appErr.Cause.Error())
	}
	return fields
}

// Chain joins non-nil errors into a single " -> "-separated error, mirroring
// a call stack from outermost to innermost failure. Returns nil if every
// error is nil, and the bare error if exactly one is non-nil.
func Chain(errs ...error) error {
	var nonNil []string
	var first error
	for _, err := range errs {
		if err == nil {
			continue
		}
		if first == nil {
			first = err
		}
		nonNil = append(nonNil, err.Error())
	}
	switch len(nonNil) {
	case 0:
		return nil
	case 1:
		return first
	default:
		return fmt.Errorf("%s", strings.Join(nonNil, " -> "))
	}
}
