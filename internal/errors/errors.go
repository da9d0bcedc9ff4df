package errors

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Base error types
var (
	ErrTransient         = errors.New("transient i/o failure")
	ErrInconclusive      = errors.New("inconclusive evidence")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrMissingEntity     = errors.New("missing external entity")
	ErrConfiguration     = errors.New("configuration error")
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("invalid input")
)

// Kind represents the category of a fault.
type Kind string

const (
	KindTransient         Kind = "transient_io"
	KindInconclusive      Kind = "inconclusive"
	KindInvalidTransition Kind = "invalid_transition"
	KindMissingEntity     Kind = "missing_entity"
	KindConfiguration     Kind = "configuration"
	KindNotFound          Kind = "not_found"
	KindValidation        Kind = "validation"
	KindInternal          Kind = "internal"
)

// Fault is a classified failure raised by the ledger, the workflow or a
// platform call.
type Fault struct {
	Kind      Kind
	Op        string // operation that failed (e.g. "add_role", "mark_paid")
	Subject   string // order, entitlement or member the operation targeted
	Err       error
	Timestamp time.Time
	Retryable bool
}

func (f *Fault) Error() string {
	if f.Subject != "" {
		return fmt.Sprintf("%s failed for %s: %v", f.Op, f.Subject, f.Err)
	}
	return fmt.Sprintf("%s failed: %v", f.Op, f.Err)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// Is implements errors.Is interface
func (f *Fault) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrTransient:
		return f.Kind == KindTransient
	case ErrInconclusive:
		return f.Kind == KindInconclusive
	case ErrInvalidTransition:
		return f.Kind == KindInvalidTransition
	case ErrMissingEntity:
		return f.Kind == KindMissingEntity
	case ErrConfiguration:
		return f.Kind == KindConfiguration
	case ErrNotFound:
		return f.Kind == KindNotFound
	case ErrValidation:
		return f.Kind == KindValidation
	}

	return errors.Is(f.Err, target)
}

// New creates a Fault of the given kind.
func New(kind Kind, op, subject string, err error) *Fault {
	if err == nil {
		err = sentinelFor(kind)
	}
	return &Fault{
		Kind:      kind,
		Op:        op,
		Subject:   subject,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: kind == KindTransient,
	}
}

func sentinelFor(kind Kind) error {
	switch kind {
	case KindTransient:
		return ErrTransient
	case KindInconclusive:
		return ErrInconclusive
	case KindInvalidTransition:
		return ErrInvalidTransition
	case KindMissingEntity:
		return ErrMissingEntity
	case KindConfiguration:
		return ErrConfiguration
	case KindNotFound:
		return ErrNotFound
	case KindValidation:
		return ErrValidation
	default:
		return errors.New("internal error")
	}
}

// Helper functions

// Transient wraps a network or platform failure that may succeed on retry.
func Transient(op, subject string, err error) error {
	return New(KindTransient, op, subject, err)
}

// MissingEntity records that a member, role or channel no longer exists.
func MissingEntity(op, subject string, err error) error {
	return New(KindMissingEntity, op, subject, err)
}

// InvalidTransition records an attempted mutation the order state machine forbids.
func InvalidTransition(op, subject string, from, to string) error {
	return New(KindInvalidTransition, op, subject, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to))
}

// Configuration records a request that references unknown configuration.
func Configuration(op, subject string, err error) error {
	return New(KindConfiguration, op, subject, err)
}

// NotFound records a lookup that matched nothing.
func NotFound(op, subject string) error {
	return New(KindNotFound, op, subject, ErrNotFound)
}

// Validation records malformed caller input.
func Validation(op, subject string, err error) error {
	return New(KindValidation, op, subject, err)
}

// Classify maps any error onto the taxonomy. Unclassified errors are internal.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}

	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrTransient):
		return KindTransient
	case errors.Is(err, ErrInconclusive):
		return KindInconclusive
	case errors.Is(err, ErrInvalidTransition):
		return KindInvalidTransition
	case errors.Is(err, ErrMissingEntity):
		return KindMissingEntity
	case errors.Is(err, ErrConfiguration):
		return KindConfiguration
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrValidation):
		return KindValidation
	}
	return KindInternal
}

// IsRetryableError checks if an error should be retried on the next tick.
func IsRetryableError(err error) bool {
	var f *Fault
	if errors.As(err, &f) {
		return f.Retryable
	}
	return errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded)
}

// UserMessage renders a failure for the buyer or overseer who triggered it.
func UserMessage(err error) string {
	switch Classify(err) {
	case "":
		return ""
	case KindTransient:
		return "The service is temporarily unavailable. Please try again in a moment."
	case KindConfiguration:
		return "That plan is not available. Please pick one of the listed plans."
	case KindNotFound:
		return "No matching order was found."
	case KindInvalidTransition:
		return "This order has already been decided."
	case KindMissingEntity:
		return "The member or role no longer exists on the server."
	case KindValidation:
		var f *Fault
		if errors.As(err, &f) {
			return f.Err.Error()
		}
		return err.Error()
	default:
		return "Something went wrong. Staff have been notified."
	}
}
