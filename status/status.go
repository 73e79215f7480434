// Package status defines the error kinds shared by all stores and the block
// cache, and maps them into a signed status code space where zero means
// success and every failure is negative.
package status

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies an error.
type Kind int

const (
	// KindNone is the kind of a nil error.
	KindNone = Kind(iota)
	// KindUnknown is used for errors that did not originate in this module.
	KindUnknown
	// OutOfMemory means a store object, cache index or buffer pool could
	// not be allocated. Callers may retry later.
	OutOfMemory
	// InvalidArgument is a caller error, never retried internally.
	InvalidArgument
	// AccessDenied is returned for faults on null stores, guard pages and
	// offsets that no backing can deliver.
	AccessDenied
	// NotFound is returned when a vnode was already invalidated.
	NotFound
	// IOError means the underlying device failed to read or write.
	IOError
	// Busy means the object is still in use (attached, pinned pages).
	Busy
	// NotInitialized means the block cache was used before Init().
	NotInitialized
)

// Codes for the status space. They are stable, but not meant to be
// compatible with any other system's numbering.
const (
	CodeOK             = int32(0)
	CodeUnknown        = int32(-1)
	CodeNoMemory       = int32(-2)
	CodeBadValue       = int32(-3)
	CodeAccessDenied   = int32(-4)
	CodeNotFound       = int32(-5)
	CodeIOError        = int32(-6)
	CodeBusy           = int32(-7)
	CodeNotInitialized = int32(-8)
)

var kindToCode = map[Kind]int32{
	KindNone:        CodeOK,
	KindUnknown:     CodeUnknown,
	OutOfMemory:     CodeNoMemory,
	InvalidArgument: CodeBadValue,
	AccessDenied:    CodeAccessDenied,
	NotFound:        CodeNotFound,
	IOError:         CodeIOError,
	Busy:            CodeBusy,
	NotInitialized:  CodeNotInitialized,
}

var kindToString = map[Kind]string{
	KindNone:        "ok",
	KindUnknown:     "unknown error",
	OutOfMemory:     "out of memory",
	InvalidArgument: "invalid argument",
	AccessDenied:    "access denied",
	NotFound:        "not found",
	IOError:         "i/o error",
	Busy:            "busy",
	NotInitialized:  "not initialized",
}

func (k Kind) String() string {
	s, ok := kindToString[k]
	if !ok {
		return fmt.Sprintf("kind(%d)", int(k))
	}

	return s
}

// Error is an error of a certain Kind, optionally wrapping a cause.
type Error struct {
	kind  Kind
	msg   string
	cause error
}

func (e *Error) Error() string {
	if e.cause == nil {
		return fmt.Sprintf("%s: %s", e.msg, e.kind)
	}

	return fmt.Sprintf("%s: %s: %v", e.msg, e.kind, e.cause)
}

// Kind returns the classification of this error.
func (e *Error) Kind() Kind {
	return e.kind
}

// Cause makes Error compatible with errors.Cause().
// It returns the error itself when there is no underlying cause,
// so classification stops here.
func (e *Error) Cause() error {
	if e.cause == nil {
		return e
	}

	return e.cause
}

// New creates a new error of `kind` with a formatted message.
func New(kind Kind, format string, args ...interface{}) error {
	return errors.WithStack(&Error{
		kind: kind,
		msg:  fmt.Sprintf(format, args...),
	})
}

// Wrap annotates `err` with `kind` and a formatted message.
// A nil `err` yields nil.
func Wrap(kind Kind, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}

	return errors.WithStack(&Error{
		kind:  kind,
		msg:   fmt.Sprintf(format, args...),
		cause: err,
	})
}

// KindOf walks the chain of wrapped errors and returns the kind of the
// outermost *Error found. Errors from other sources are KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}

	for err != nil {
		if se, ok := err.(*Error); ok {
			return se.kind
		}

		causer, ok := err.(interface{ Cause() error })
		if !ok {
			break
		}

		next := causer.Cause()
		if next == err {
			break
		}

		err = next
	}

	return KindUnknown
}

// Is reports whether `err` is of `kind`.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Code maps `err` into the status code space.
func Code(err error) int32 {
	code, ok := kindToCode[KindOf(err)]
	if !ok {
		return CodeUnknown
	}

	return code
}
