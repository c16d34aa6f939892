// Package taskerr defines the closed error taxonomy every component above
// the upstream HTTP boundary deals in. The upstream adapter classifies raw
// upstream response text (internal/classify) into a TaskError. The
// orchestrator fails a non-retryable TaskError outright; for any other
// error the retry arbiter is handed its Error() string and classifies it
// again to pick its retry policy.
package taskerr

import "fmt"

// Class is one of the closed set of error categories.
type Class string

const (
	ClassNetwork        Class = "NetworkError"
	ClassRateLimit      Class = "RateLimit"
	ClassQuotaExhausted Class = "QuotaExhausted"
	ClassFile           Class = "FileError"
	ClassAuth           Class = "AuthError"
	ClassServer         Class = "ServerError"
	ClassClient         Class = "ClientError"
	ClassUpstreamDomain Class = "UpstreamDomainError"
	ClassTimeout        Class = "TimeoutError"
	ClassStateCorrupt   Class = "StateCorruption"
	ClassConfig         Class = "ConfigError"
	ClassUnknown        Class = "Unknown"
)

// TaskError is a structured error carrying the classification, the
// triggering message, and an optional explicit retry-after hint parsed out
// of the upstream text.
type TaskError struct {
	Class      Class
	Message    string
	Cause      error
	Retryable  bool
	RetryAfter *float64 // seconds; nil if the upstream gave no explicit hint
	Context    map[string]any
}

// Error implements error.
func (e *TaskError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Class, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Message)
}

// Unwrap exposes the cause for errors.Is/errors.As.
func (e *TaskError) Unwrap() error {
	return e.Cause
}

// IsClass reports whether e is classified as class.
func (e *TaskError) IsClass(class Class) bool {
	return e != nil && e.Class == class
}

// New builds a TaskError of the given class.
func New(class Class, message string) *TaskError {
	return &TaskError{Class: class, Message: message}
}

// Wrap builds a TaskError of the given class around a cause.
func Wrap(class Class, message string, cause error) *TaskError {
	return &TaskError{Class: class, Message: message, Cause: cause}
}

// WithContext attaches a key/value pair of diagnostic context, e.g. the
// task id or credential id the error occurred under. Returns e for chaining.
func (e *TaskError) WithContext(key string, value any) *TaskError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithRetryAfter attaches an explicit retry-after hint in seconds, parsed
// out of the upstream error body or a Retry-After header.
func (e *TaskError) WithRetryAfter(seconds float64) *TaskError {
	e.RetryAfter = &seconds
	return e
}

// MakeRetryable marks the error retryable regardless of its class's default
// policy, e.g. when an upstream response carries an explicit Retry-After
// header on a class that would otherwise not be retried.
func (e *TaskError) MakeRetryable() *TaskError {
	e.Retryable = true
	return e
}

// As unwraps err into a *TaskError, following Unwrap chains. It returns
// false for any error not produced by this package.
func As(err error) (*TaskError, bool) {
	for err != nil {
		if te, ok := err.(*TaskError); ok {
			return te, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}

// ClassOf returns the class of err, or ClassUnknown if err was not produced
// by this package.
func ClassOf(err error) Class {
	if te, ok := As(err); ok {
		return te.Class
	}
	return ClassUnknown
}
