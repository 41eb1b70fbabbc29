package domain

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the flat error taxonomy surfaced to callers.
type Kind string

const (
	KindNotAuthenticated  Kind = "not_authenticated"
	KindPermissionDenied  Kind = "permission_denied"
	KindValidation        Kind = "validation_error"
	KindRemoteUnavailable Kind = "remote_unavailable"
	KindNotFound          Kind = "not_found"
)

// Error carries a kind and a human-readable message.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message == "" && e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	if e.Message == "" {
		return string(e.Kind)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrNotAuthenticated  = &Error{Kind: KindNotAuthenticated, Message: "not authenticated"}
	ErrPermissionDenied  = &Error{Kind: KindPermissionDenied, Message: "permission denied"}
	ErrValidation        = &Error{Kind: KindValidation, Message: "validation failed"}
	ErrRemoteUnavailable = &Error{Kind: KindRemoteUnavailable, Message: "remote unavailable"}
	ErrNotFound          = &Error{Kind: KindNotFound, Message: "not found"}
)

// Errorf builds an *Error of the given kind.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf classifies err. Errors without a kind are remote failures.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindRemoteUnavailable
}

// AsRemote wraps transport-level failures (including deadlines) as
// remote_unavailable while leaving classified errors untouched.
func AsRemote(err error) error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(KindRemoteUnavailable, err, "remote timed out")
	}
	return Wrap(KindRemoteUnavailable, err, "remote call failed")
}
