// Package fault defines the error taxonomy shared by every keel component.
//
// Faults carry the operation, the entity id, and a kind so callers can act on
// an error without inspecting internals. Only Contention is retried inside
// the store (bounded); every other kind propagates to the caller intact.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a fault.
type Kind string

const (
	// Contention means a collection lock was not acquired within budget.
	// Retryable by the caller.
	Contention Kind = "CONTENTION"
	// Validation means the input was malformed. Never retried.
	Validation Kind = "VALIDATION"
	// NotFound means an unknown work or agent id.
	NotFound Kind = "NOT_FOUND"
	// StaleClaim means the claim expired and was (or may be) reassigned.
	StaleClaim Kind = "STALE_CLAIM"
	// StorageCorruption means a snapshot failed schema validation. Mutations
	// on the affected collection halt until external intervention.
	StorageCorruption Kind = "STORAGE_CORRUPTION"
	// AlreadyCompleted signals an idempotent repeat of a terminal transition.
	AlreadyCompleted Kind = "ALREADY_COMPLETED"
)

// Error is the concrete fault type.
type Error struct {
	Kind     Kind
	Op       string // e.g. "lifecycle.complete"
	EntityID string // work item or agent id, may be empty
	Msg      string
	Err      error // wrapped cause, may be nil
}

func (e *Error) Error() string {
	s := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.EntityID != "" {
		s += " [" + e.EntityID + "]"
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a fault without a cause.
func New(kind Kind, op, entityID, msg string) *Error {
	return &Error{Kind: kind, Op: op, EntityID: entityID, Msg: msg}
}

// Wrap creates a fault wrapping a cause.
func Wrap(kind Kind, op, entityID string, err error) *Error {
	return &Error{Kind: kind, Op: op, EntityID: entityID, Err: err}
}

// IsKind reports whether err is (or wraps) a fault of the given kind.
func IsKind(err error, kind Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}

// KindOf returns the kind of err, or "" when err is not a fault.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Retryable reports whether the caller may retry the operation.
func Retryable(err error) bool {
	return IsKind(err, Contention)
}

// ExitCode maps a fault to a process exit code for the CLI layer.
func ExitCode(err error) int {
	switch KindOf(err) {
	case "":
		if err == nil {
			return 0
		}
		return 1
	case Validation:
		return 2
	case NotFound:
		return 3
	case Contention:
		return 4
	case StaleClaim:
		return 5
	case StorageCorruption:
		return 6
	case AlreadyCompleted:
		return 0
	default:
		return 1
	}
}
