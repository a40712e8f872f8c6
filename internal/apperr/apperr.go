// Package apperr defines the error kinds shared by the scheduling and
// encounter workflows. Every rejected mutation carries a Kind (used for HTTP
// mapping and errors.Is checks) and a reason precise enough to tell a taken
// time slot apart from a missing permission or a finished appointment.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation        Kind = "validation_error"
	KindSlotConflict      Kind = "slot_conflict"
	KindForbidden         Kind = "forbidden"
	KindNotFound          Kind = "not_found"
	KindInvalidTransition Kind = "invalid_transition"
	KindPersistence       Kind = "persistence_error"
)

// Error is a typed workflow error.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Reason != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	case e.Reason != "":
		return e.Reason
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same kind, so callers can
// match against the sentinels below.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrValidation        = &Error{Kind: KindValidation}
	ErrSlotConflict      = &Error{Kind: KindSlotConflict}
	ErrForbidden         = &Error{Kind: KindForbidden}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrInvalidTransition = &Error{Kind: KindInvalidTransition}
	ErrPersistence       = &Error{Kind: KindPersistence}
)

func Validation(format string, args ...any) error {
	return &Error{Kind: KindValidation, Reason: fmt.Sprintf(format, args...)}
}

func SlotConflict(format string, args ...any) error {
	return &Error{Kind: KindSlotConflict, Reason: fmt.Sprintf(format, args...)}
}

func Forbidden(reason string) error {
	return &Error{Kind: KindForbidden, Reason: reason}
}

func NotFound(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Reason: fmt.Sprintf(format, args...)}
}

func InvalidTransition(format string, args ...any) error {
	return &Error{Kind: KindInvalidTransition, Reason: fmt.Sprintf(format, args...)}
}

// Persistence wraps a store failure. op names the failed step.
func Persistence(op string, err error) error {
	return &Error{Kind: KindPersistence, Reason: op, Err: err}
}

// KindOf returns the kind of err, or KindPersistence for untyped errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindPersistence
}

// ReasonOf returns the user-facing reason for err.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Reason != "" {
			return e.Reason
		}
		return string(e.Kind)
	}
	return err.Error()
}
