package lsm

import (
	"errors"
	"fmt"
)

// Kind classifies an *Error the way mydb::StatusCode does in the original
// engine this package is modeled on, mapped onto Go's (value, error) idiom
// instead of a Result<T> wrapper.
type Kind int

const (
	KindOK Kind = iota
	KindNotFound
	KindCorruption
	KindNotSupported
	KindInvalidArgument
	KindIOError
	KindAlreadyExists
	KindBusy
	KindTimedOut
	KindAborted
	KindOutOfMemory
)

func (k Kind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindNotFound:
		return "not found"
	case KindCorruption:
		return "corruption"
	case KindNotSupported:
		return "not supported"
	case KindInvalidArgument:
		return "invalid argument"
	case KindIOError:
		return "io error"
	case KindAlreadyExists:
		return "already exists"
	case KindBusy:
		return "busy"
	case KindTimedOut:
		return "timed out"
	case KindAborted:
		return "aborted"
	case KindOutOfMemory:
		return "out of memory"
	default:
		return "unknown"
	}
}

// Error is the engine's error type. Kind lets callers branch on failure
// class with errors.Is against the sentinel Err* values below; Cause
// carries the wrapped underlying error, if any.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, ErrNotFound) match any *Error of the same Kind,
// regardless of message or wrapped cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func newErr(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

func NotFoundf(format string, args ...any) *Error {
	return newErr(KindNotFound, fmt.Sprintf(format, args...), nil)
}

func Corruptionf(format string, args ...any) *Error {
	return newErr(KindCorruption, fmt.Sprintf(format, args...), nil)
}

func InvalidArgf(format string, args ...any) *Error {
	return newErr(KindInvalidArgument, fmt.Sprintf(format, args...), nil)
}

func IOErrorWrap(msg string, cause error) *Error {
	return newErr(KindIOError, msg, cause)
}

func AlreadyExistsf(format string, args ...any) *Error {
	return newErr(KindAlreadyExists, fmt.Sprintf(format, args...), nil)
}

// Sentinels for errors.Is comparisons against a specific Kind without
// caring about message or cause.
var (
	ErrNotFound       = &Error{Kind: KindNotFound, Msg: "not found"}
	ErrCorruption     = &Error{Kind: KindCorruption, Msg: "corruption"}
	ErrNotSupported   = &Error{Kind: KindNotSupported, Msg: "not supported"}
	ErrInvalidArgument = &Error{Kind: KindInvalidArgument, Msg: "invalid argument"}
	ErrIOError        = &Error{Kind: KindIOError, Msg: "io error"}
	ErrAlreadyExists  = &Error{Kind: KindAlreadyExists, Msg: "already exists"}
	ErrBusy           = &Error{Kind: KindBusy, Msg: "busy"}
	ErrClosed         = &Error{Kind: KindAborted, Msg: "db is closed"}
)

// IsNotFound reports whether err represents a not-found condition,
// unwrapping plain errors.Is chains as well as *Error kinds.
func IsNotFound(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == KindNotFound
	}
	return false
}
