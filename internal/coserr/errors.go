// Package coserr defines the supervisor's small error taxonomy.
//
// Every boundary in cosd (task admission, persistence, process control)
// wraps its failures in one of these kinds so callers can distinguish
// "the caller did something wrong" from "the world did something wrong"
// without string-matching error messages.
package coserr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure the way the control surface needs to react to it.
type Kind int

const (
	// Internal is the zero value: an unclassified failure that bubbles
	// all the way up and is treated as a bug, not an expected condition.
	Internal Kind = iota
	NotFound
	Validation
	Conflict
	IO
	ChildProcess
	External
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case Validation:
		return "validation"
	case Conflict:
		return "conflict"
	case IO:
		return "io"
	case ChildProcess:
		return "child_process"
	case External:
		return "external"
	default:
		return "internal"
	}
}

// Error is a kind-tagged, wrapped error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a kind-tagged error, wrapping err with op context.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf is New with a formatted message instead of a wrapped error.
func Newf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the Kind of err, defaulting to Internal if err was
// never tagged through this package.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err (or any error it wraps) carries kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
