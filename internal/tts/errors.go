package tts

import (
	"errors"
	"fmt"
)

// Kind identifies the class of a service failure.
type Kind string

const (
	// KindValidation marks requests rejected before admission
	KindValidation Kind = "VALIDATION"

	// KindQueueTimeout marks requests that waited too long for a slot
	KindQueueTimeout Kind = "QUEUE_TIMEOUT"

	// KindRequestTimeout marks admitted requests the worker did not answer in time
	KindRequestTimeout Kind = "REQUEST_TIMEOUT"

	// KindGeneration marks requests the worker answered with success=false
	KindGeneration Kind = "GENERATION"

	// KindProcessExit marks requests lost because the worker died
	KindProcessExit Kind = "PROCESS_EXIT"

	// KindInitialization marks requests that could not run because the
	// worker failed to start
	KindInitialization Kind = "INITIALIZATION"

	// KindShutdown marks requests rejected because the service is stopping
	KindShutdown Kind = "SHUTDOWN"
)

// Sentinels for errors.Is. Every *Error matches the sentinel of its Kind.
var (
	ErrValidation     = &Error{Kind: KindValidation}
	ErrQueueTimeout   = &Error{Kind: KindQueueTimeout}
	ErrRequestTimeout = &Error{Kind: KindRequestTimeout}
	ErrGeneration     = &Error{Kind: KindGeneration}
	ErrProcessExit    = &Error{Kind: KindProcessExit}
	ErrInitialization = &Error{Kind: KindInitialization}
	ErrShutdown       = &Error{Kind: KindShutdown}
)

// Error is the failure type returned by the service.
type Error struct {
	Kind      Kind
	Message   string
	RequestID uint64
	Cause     error
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.RequestID != 0 {
		msg += fmt.Sprintf(" (request %d)", e.RequestID)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Retryable returns true if submitting the same request again may succeed.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindQueueTimeout, KindRequestTimeout, KindProcessExit, KindInitialization:
		return true
	default:
		return false
	}
}

func newError(kind Kind, id uint64, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, RequestID: id, Cause: cause}
}

func validationError(format string, args ...any) *Error {
	return newError(KindValidation, 0, fmt.Sprintf(format, args...), nil)
}

// KindOf returns the Kind of err, or "" when err is not a service error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable reports whether err is a service error worth retrying.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable()
}
