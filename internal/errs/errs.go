package errs

import (
	"errors"
	"fmt"
)

// Kind classifies every error this module produces. Public operations
// reject with exactly one kind; raw untyped errors only appear as causes.
type Kind int

const (
	KindUnknown Kind = iota
	KindConnectionFailed
	KindConnectionTimeout
	KindNotConnected
	KindCommandTimeout
	KindCommandFailed
	KindSessionNotFound
	KindSessionLimit
	KindSandboxCreation
	KindSandboxNotFound
	KindSandboxTimeout
	KindProvider
)

// String returns the string representation of the kind
func (k Kind) String() string {
	switch k {
	case KindConnectionFailed:
		return "connection_failed"
	case KindConnectionTimeout:
		return "connection_timeout"
	case KindNotConnected:
		return "not_connected"
	case KindCommandTimeout:
		return "command_timeout"
	case KindCommandFailed:
		return "command_failed"
	case KindSessionNotFound:
		return "session_not_found"
	case KindSessionLimit:
		return "session_limit_reached"
	case KindSandboxCreation:
		return "sandbox_creation_failed"
	case KindSandboxNotFound:
		return "sandbox_not_found"
	case KindSandboxTimeout:
		return "sandbox_timeout"
	case KindProvider:
		return "provider_error"
	default:
		return "unknown"
	}
}

// Remote sub-codes reported by the in-sandbox command engine.
const (
	CodeSelectorNotFound = "selector_not_found"
	CodeNavigationError  = "navigation_error"
	CodeExecutionError   = "execution_error"
	CodeUnknownMethod    = "unknown_method"
	CodeInvalidParams    = "invalid_params"
)

// Error is the concrete error type carried by every failure path.
type Error struct {
	Kind Kind
	Op   string // originating operation, e.g. "client.Navigate"
	Code string // remote sub-code, only set for KindCommandFailed
	Msg  string
	Err  error // wrapped cause, may be nil
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.String()
	}
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, msg, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", msg, e.Err)
	default:
		return msg
	}
}

// Unwrap exposes the cause for errors.Is/As chains
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error of the given kind
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap wraps a cause with a kind, preserving the chain
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Wrapf wraps a cause with a kind and formatted message
func Wrapf(kind Kind, op string, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Remote builds a command-failed error from a remote result payload.
// Unknown codes still map to KindCommandFailed for forward compatibility.
func Remote(op, code, msg string) *Error {
	return &Error{Kind: KindCommandFailed, Op: op, Code: code, Msg: msg}
}

// KindOf extracts the kind from any error in the chain, KindUnknown otherwise
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether the error chain contains the given kind
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// CodeOf extracts the remote sub-code, empty when absent
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
