// Package apperr defines the error taxonomy shared across the
// orchestration core. Every package that can fail at a domain boundary
// wraps its errors in one of these kinds so callers (HTTP handlers,
// event consumers, the graph executor) can make dispatch decisions
// without inspecting error strings.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry/response-mapping purposes.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindAuth           Kind = "auth"
	KindNotFound       Kind = "not_found"
	KindConflict       Kind = "conflict"
	KindTransient      Kind = "transient"
	KindPoisonMessage  Kind = "poison_message"
	KindGraphInterrupt Kind = "graph_interrupt"
	KindCancelled      Kind = "cancelled"
	KindInternal       Kind = "internal"
)

// Error is the concrete error type carrying a Kind alongside the
// wrapped cause. Use Is/As via errors.Is/errors.As against the
// sentinel Kind values, or Of(err) to recover the Kind.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Op != "" {
			return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs a new apperr.Error of the given kind.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap attaches a Kind and operation name to an existing error.
func Wrap(kind Kind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Message: err.Error(), Err: err}
}

// Of returns the Kind of err, walking the unwrap chain. It returns
// KindInternal if err does not carry a Kind.
func Of(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// Is reports whether err (or anything it wraps) has the given Kind.
func Is(err error, kind Kind) bool {
	return Of(err) == kind
}

// Retryable reports whether an error kind indicates the caller should
// retry the operation (with backoff) rather than surface it.
func Retryable(err error) bool {
	switch Of(err) {
	case KindTransient:
		return true
	default:
		return false
	}
}

func Validation(op, msg string) *Error     { return New(KindValidation, op, msg) }
func NotFound(op, msg string) *Error       { return New(KindNotFound, op, msg) }
func Conflict(op, msg string) *Error       { return New(KindConflict, op, msg) }
func Transient(op string, err error) *Error {
	return Wrap(KindTransient, op, err)
}
func Internal(op string, err error) *Error { return Wrap(KindInternal, op, err) }
