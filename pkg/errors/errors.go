package errors

import (
	"context"
	"errors"
	"net"
)

// Sentinels for domain errors.
var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrValidation    = errors.New("validation error")
	ErrUnavailable   = errors.New("service unavailable")
	ErrQuotaExceeded = errors.New("quota exceeded")
)

// Kind classifies failures for retry and reporting decisions.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindTransientDispatch Kind = "transient_dispatch"
	KindTransientStream   Kind = "transient_stream"
	KindFatalSession      Kind = "fatal_session"
	KindAuth              Kind = "auth"
	KindInternal          Kind = "internal"
)

// Error is a classified error carrying a kind and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Message + ": " + e.Err.Error()
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets validation errors match ErrValidation.
func (e *Error) Is(target error) bool {
	return e.Kind == KindValidation && target == ErrValidation
}

// Validation reports malformed input. Never retried.
func Validation(message string) error {
	return &Error{Kind: KindValidation, Message: message}
}

// TransientDispatch reports a vendor timeout, 5xx or rate-limit rejection.
func TransientDispatch(message string, err error) error {
	return &Error{Kind: KindTransientDispatch, Message: message, Err: err}
}

// TransientStream reports a synthesis or transport hiccup.
func TransientStream(message string, err error) error {
	return &Error{Kind: KindTransientStream, Message: message, Err: err}
}

// FatalSession reports a call the vendor ended unexpectedly.
func FatalSession(message string) error {
	return &Error{Kind: KindFatalSession, Message: message}
}

// Auth reports rejected credentials.
func Auth(message string, err error) error {
	return &Error{Kind: KindAuth, Message: message, Err: err}
}

// KindOf classifies err. Unclassified errors are KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, ErrValidation) {
		return KindValidation
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrQuotaExceeded) || errors.Is(err, ErrUnavailable) {
		return KindTransientDispatch
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTransientDispatch
	}
	return KindInternal
}

// Retryable reports whether the kind may be retried by a dispatch policy.
func (k Kind) Retryable() bool {
	return k == KindTransientDispatch
}

// Is reports whether err is one of the sentinels.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As is errors.As.
func As(err error, target any) bool {
	return errors.As(err, target)
}
