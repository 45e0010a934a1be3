// Package apperr classifies errors into the kinds the API and the workers act on.
package apperr

import (
	"context"
	"errors"
	"net"
)

type Kind int

const (
	KindUnknown Kind = iota
	// KindValidation is malformed input rejected before any state mutation.
	KindValidation
	// KindNotFound is a referenced subject or record that does not exist.
	KindNotFound
	// KindConflict covers exhausted limits, duplicate processing and state races.
	KindConflict
	// KindTransient is a timeout or rate limit from an external dependency; safe to retry.
	KindTransient
	// KindTerminal is an external failure that will not succeed on retry.
	KindTerminal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindTransient:
		return "transient"
	case KindTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Error is a classified error. Code is a stable snake_case reason surfaced to API callers.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code
	}
	if e.Err != nil {
		if msg == "" {
			return e.Err.Error()
		}
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a sentinel-style error without a cause.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap attaches a kind and code to err. A nil err yields nil.
func Wrap(kind Kind, code string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Code: code, Err: err}
}

func Validation(code, message string) error { return New(KindValidation, code, message) }

func Transient(code string, err error) error { return Wrap(KindTransient, code, err) }

func Terminal(code string, err error) error { return Wrap(KindTerminal, code, err) }

// KindOf returns the kind of the outermost classified error in the chain.
// Context deadlines and network timeouts count as transient.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTransient
	}
	return KindUnknown
}

// CodeOf returns the reason code of the outermost classified error, or "internal_error".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Code != "" {
		return e.Code
	}
	return "internal_error"
}

func IsTransient(err error) bool { return KindOf(err) == KindTransient }

func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

func IsConflict(err error) bool { return KindOf(err) == KindConflict }
