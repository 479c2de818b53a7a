// Package dberr defines the error taxonomy shared by every layer of the
// engine. Errors carry a Kind so callers can branch on the class of failure
// without string matching, and wrap an underlying cause for errors.Is/As.
package dberr

import (
	"errors"
	"fmt"
)

// Kind classifies an engine error.
type Kind uint8

const (
	// KindNotFound — the requested id/key is not present or not visible.
	KindNotFound Kind = iota + 1
	// KindInvalid — caller violated a contract (lock conflict, bad argument).
	KindInvalid
	// KindCorruption — on-disk invariant violation (CRC, magic, bad header).
	KindCorruption
	// KindIo — underlying file I/O failure.
	KindIo
	// KindCancelled — cooperative cancellation was requested.
	KindCancelled
	// KindSerialization — property/row encode or decode failure.
	KindSerialization
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindInvalid:
		return "invalid"
	case KindCorruption:
		return "corruption"
	case KindIo:
		return "io"
	case KindCancelled:
		return "cancelled"
	case KindSerialization:
		return "serialization"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Error is the concrete error type used across the engine.
type Error struct {
	Kind Kind
	Msg  string
	Err  error // wrapped cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Msg != "" {
			return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality so sentinel comparisons work:
//
//	errors.Is(err, dberr.NotFound("")) matches any NotFound error, since an
//	empty target message matches every message of the same kind.
//	errors.Is(err, dberr.ErrShortRead) matches the short-read sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Msg == "" || t.Msg == e.Msg)
}

// ErrShortRead is returned by the file layer when a positioned read hits EOF
// before filling the buffer. Higher layers treat the tail as uninitialized
// data rather than corruption.
var ErrShortRead = &Error{Kind: KindIo, Msg: "short read at end of file"}

// NotFound builds a KindNotFound error.
func NotFound(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

// Invalid builds a KindInvalid error.
func Invalid(format string, args ...any) error {
	return &Error{Kind: KindInvalid, Msg: fmt.Sprintf(format, args...)}
}

// Corruption builds a KindCorruption error.
func Corruption(format string, args ...any) error {
	return &Error{Kind: KindCorruption, Msg: fmt.Sprintf(format, args...)}
}

// Io wraps an OS-level error.
func Io(err error, format string, args ...any) error {
	return &Error{Kind: KindIo, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Cancelled builds a KindCancelled error.
func Cancelled() error {
	return &Error{Kind: KindCancelled, Msg: "operation cancelled"}
}

// Serialization builds a KindSerialization error.
func Serialization(format string, args ...any) error {
	return &Error{Kind: KindSerialization, Msg: fmt.Sprintf(format, args...)}
}

// IsKind reports whether err (or anything it wraps) has the given kind.
func IsKind(err error, k Kind) bool {
	var e *Error
	for ; err != nil; err = errors.Unwrap(err) {
		if errors.As(err, &e) && e.Kind == k {
			return true
		}
	}
	return false
}

// IsNotFound is shorthand for IsKind(err, KindNotFound).
func IsNotFound(err error) bool { return IsKind(err, KindNotFound) }

// IsCorruption is shorthand for IsKind(err, KindCorruption).
func IsCorruption(err error) bool { return IsKind(err, KindCorruption) }

// IsCancelled is shorthand for IsKind(err, KindCancelled).
func IsCancelled(err error) bool { return IsKind(err, KindCancelled) }
