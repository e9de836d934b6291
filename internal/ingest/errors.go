package ingest

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrInvalidInput         = errors.New("invalid input")
	ErrNotYetVisible        = errors.New("not yet visible")
	ErrConflictingDuplicate = errors.New("conflicting duplicate")
	ErrRejected             = errors.New("rejected")
	ErrFinishDenied         = errors.New("finish denied")
	ErrIdempotencyRace      = errors.New("idempotency race")
	ErrUnknownKind          = errors.New("unknown kind")
	ErrNotImplemented       = errors.New("not implemented")
	ErrTransient            = errors.New("transient storage failure")
)

// FailureClass selects the retry policy for a failed envelope.
type FailureClass string

const (
	ClassMalformed FailureClass = "malformed"
	ClassConflict  FailureClass = "conflict"
	ClassRejected  FailureClass = "rejected"
	ClassBlocked   FailureClass = "blocked"
	ClassTransient FailureClass = "transient"
)

func FailureClasses() []FailureClass {
	return []FailureClass{ClassMalformed, ClassConflict, ClassRejected, ClassBlocked, ClassTransient}
}

func (c FailureClass) Retryable() bool {
	return c == ClassBlocked || c == ClassTransient
}

func (c FailureClass) Valid() bool {
	switch c {
	case ClassMalformed, ClassConflict, ClassRejected, ClassBlocked, ClassTransient:
		return true
	default:
		return false
	}
}

type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return "malformed envelope: " + e.Reason
	}
	return fmt.Sprintf("malformed envelope: %s: %v", e.Reason, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func (e *DecodeError) Is(target error) bool {
	return target == ErrInvalidInput
}

// RejectionError is a semantically invalid transition. It is never retried.
type RejectionError struct {
	Entity string
	ID     string
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("%s %s rejected: %s", e.Entity, e.ID, e.Reason)
}

func (e *RejectionError) Is(target error) bool {
	return target == ErrRejected
}

type FinishDeniedError struct {
	Entity   string
	ID       string
	Blocking int
}

func (e *FinishDeniedError) Error() string {
	return fmt.Sprintf("finish of %s %s denied: %d descendant(s) in progress", e.Entity, e.ID, e.Blocking)
}

func (e *FinishDeniedError) Is(target error) bool {
	return target == ErrFinishDenied
}

func rejectf(entity, id, format string, args ...any) error {
	return &RejectionError{Entity: entity, ID: id, Reason: fmt.Sprintf(format, args...)}
}

// Classify maps a pipeline error to its failure class. Anything it does not
// recognise is treated as transient infrastructure trouble.
func Classify(err error) FailureClass {
	if err == nil {
		return ""
	}
	var decodeErr *DecodeError
	switch {
	case errors.As(err, &decodeErr),
		errors.Is(err, ErrUnknownKind),
		errors.Is(err, ErrInvalidInput):
		return ClassMalformed
	case errors.Is(err, ErrConflictingDuplicate):
		return ClassConflict
	case errors.Is(err, ErrRejected):
		return ClassRejected
	case errors.Is(err, ErrFinishDenied), errors.Is(err, ErrNotYetVisible):
		return ClassBlocked
	default:
		return ClassTransient
	}
}
