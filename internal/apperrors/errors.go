// Package apperrors defines the error taxonomy shared by the orchestration
// core: a single error value carrying a kind tag, a stable code, optional
// context/metadata, and retry hints. Handlers render these into the HTTP
// error envelope; the retry logic classifies them.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind tags an error with its place in the taxonomy
type Kind string

const (
	KindValidationFailed Kind = "VALIDATION_FAILED"
	KindNotFound         Kind = "NOT_FOUND"
	KindForbidden        Kind = "FORBIDDEN"
	KindInvalidState     Kind = "INVALID_STATE"
	KindStoreFailure     Kind = "STORE_FAILURE"
	KindBrokerFailure    Kind = "BROKER_FAILURE"
	KindDomainFailure    Kind = "DOMAIN_FAILURE"
	KindTimeout          Kind = "TIMEOUT"
	KindRateLimited      Kind = "RATE_LIMITED"
	KindUnknown          Kind = "UNKNOWN"
)

// Error is the single error value used across the core. Context carries
// request-scoped identifiers (userId, jobId); Metadata carries free-form
// diagnostic values. The logged marker prevents duplicate logging as the
// error bubbles.
type Error struct {
	Kind       Kind
	Code       string
	Message    string
	Context    map[string]interface{}
	Metadata   map[string]interface{}
	RetryAfter time.Duration

	cause     error
	retryable *bool
	logged    bool
}

// New creates an error of the given kind. Code defaults to the kind tag.
func New(kind Kind, message string) *Error {
	return &Error{
		Kind:    kind,
		Code:    string(kind),
		Message: message,
	}
}

// Newf creates an error of the given kind with a formatted message
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap attaches taxonomy information to an underlying error
func Wrap(err error, kind Kind, message string) *Error {
	return &Error{
		Kind:    kind,
		Code:    string(kind),
		Message: message,
		cause:   err,
	}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// WithCode overrides the stable code rendered in the HTTP envelope
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// WithContext attaches a request-scoped identifier (userId, jobId, resourceId)
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithOperation tags the error with the operation that raised it
func (e *Error) WithOperation(op string) *Error {
	return e.WithContext("operation", op)
}

// WithMetadata attaches a diagnostic value
func (e *Error) WithMetadata(key string, value interface{}) *Error {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// WithRetryable overrides retry classification for this error instance
func (e *Error) WithRetryable(retryable bool) *Error {
	e.retryable = &retryable
	return e
}

// WithRetryAfter sets the minimum wait hint surfaced to clients on 429s
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// RetryableOverride reports an explicit retryable flag, if one was set
func (e *Error) RetryableOverride() (bool, bool) {
	if e.retryable == nil {
		return false, false
	}
	return *e.retryable, true
}

// MarkLogged flags the error as already logged so callers up the stack
// don't log it a second time
func (e *Error) MarkLogged() *Error {
	e.logged = true
	return e
}

// AlreadyLogged reports whether the error was logged at first observation
func (e *Error) AlreadyLogged() bool {
	return e.logged
}

// As extracts an *Error from an error chain
func As(err error) (*Error, bool) {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// KindOf returns the taxonomy kind of an error chain, or KindUnknown
func KindOf(err error) Kind {
	if appErr, ok := As(err); ok {
		return appErr.Kind
	}
	return KindUnknown
}

// Is reports whether the error chain carries the given kind
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// MarkLogged flags any error chain containing an *Error; other errors are
// returned unchanged
func MarkLogged(err error) error {
	if appErr, ok := As(err); ok {
		appErr.MarkLogged()
	}
	return err
}

// AlreadyLogged reports whether an error chain was already logged
func AlreadyLogged(err error) bool {
	if appErr, ok := As(err); ok {
		return appErr.AlreadyLogged()
	}
	return false
}

// HTTPStatus maps a kind to the status code used by the REST surface
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidationFailed:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindInvalidState:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
