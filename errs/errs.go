// Package errs classifies storage-engine failures into the handful of kinds
// callers actually need to branch on, instead of making them pattern-match
// error strings.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is the cause category for an Error, per the error handling design:
// IO failures, on-disk corruption, invariant violations, and poisoned
// concurrency primitives are handled differently by callers.
type Kind int

const (
	// IO covers storage failures: disk full, permission denied, missing file.
	IO Kind = iota
	// Corruption covers short reads and malformed WAL/sstable records.
	Corruption
	// Invariant covers rotation-contract violations, filter size mismatches,
	// and duplicate file creation. These indicate a programming or
	// environment bug and the caller should treat them as fatal.
	Invariant
	// Concurrency covers poisoned locks.
	Concurrency
)

func (k Kind) String() string {
	switch k {
	case IO:
		return "io"
	case Corruption:
		return "corruption"
	case Invariant:
		return "invariant"
	case Concurrency:
		return "concurrency"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Kind so callers can branch on
// errors.As instead of matching message text.
type Error struct {
	Kind  Kind
	cause error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.cause)
}

func (e *Error) Unwrap() error { return e.cause }

// New wraps cause as an Error of the given Kind. Returns nil if cause is nil.
func New(kind Kind, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, cause: cause}
}

// Wrap wraps cause with a message and a Kind, using pkg/errors so the
// resulting error carries a stack trace from the point of failure.
func Wrap(kind Kind, cause error, msg string) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, cause: errors.Wrap(cause, msg)}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(kind Kind, cause error, format string, args ...any) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, cause: errors.Wrapf(cause, format, args...)}
}

// Is reports whether err is an *Error of the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}
