// Package errors provides error wrapping utilities and the classified error
// type every flash run terminates with.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Wrap wraps an error with additional context information.
// If err is nil, it returns nil without wrapping.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}

// Kind classifies why a flash run ended abnormally.
type Kind string

const (
	KindUnsupportedPlatform Kind = "unsupported_platform"
	KindNoDeviceSelected    Kind = "no_device_selected"
	KindFetchFailed         Kind = "fetch_failed"
	KindVerificationFailed  Kind = "verification_failed"
	KindWriteTimeout        Kind = "write_timeout"
	KindWriteFailed         Kind = "write_failed"
	KindInsufficientStorage Kind = "insufficient_storage"
	KindDeviceNotConnected  Kind = "device_not_connected"
	KindUnknown             Kind = "unknown"
)

// Error is a classified error. Message is what a user sees; Op names the
// operation that failed.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a classified error without a cause.
func New(kind Kind, op, message string) *Error {
	return &Error{
		Kind:    kind,
		Op:      op,
		Message: message,
	}
}

// Classify wraps err as a classified error of the given kind. An err that is
// already classified keeps its original kind. Returns nil for a nil err.
func Classify(kind Kind, op, message string, err error) *Error {
	if err == nil {
		return nil
	}

	var typed *Error
	if stderrors.As(err, &typed) {
		return typed
	}

	return &Error{
		Kind:    kind,
		Op:      op,
		Message: message,
		Cause:   err,
	}
}

// KindOf returns the kind of the first classified error in the chain,
// or KindUnknown.
func KindOf(err error) Kind {
	var typed *Error
	if stderrors.As(err, &typed) {
		return typed.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return stderrors.As(err, target)
}

// MessageOf returns the user facing message of a classified error, or
// err.Error() for anything else.
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var typed *Error
	if stderrors.As(err, &typed) {
		return typed.Message
	}
	return err.Error()
}
