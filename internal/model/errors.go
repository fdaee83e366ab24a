package model

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthNotReady is returned by writes attempted before an identity is resolved.
	ErrAuthNotReady = errors.New("identity not ready")
	// ErrValidation is the class of input errors rejected before any I/O.
	ErrValidation = errors.New("validation failed")
	// ErrNetwork is the class of transient upstream failures.
	ErrNetwork = errors.New("network error")
	// ErrOffline is returned when a write is refused because the device is offline.
	ErrOffline = fmt.Errorf("%w: offline", ErrNetwork)
	// ErrNotFound is returned for chat or message ids unknown upstream.
	ErrNotFound = errors.New("not found")
	// ErrBusy is returned when a send is already in flight.
	ErrBusy = errors.New("send already in flight")
)

// ValidationError describes a rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Invalid builds a ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// Kind is the wire-level classification of an error.
type Kind string

const (
	KindNone         Kind = ""
	KindAuthNotReady Kind = "AUTH_NOT_READY"
	KindValidation   Kind = "VALIDATION"
	KindNetwork      Kind = "NETWORK"
	KindNotFound     Kind = "NOT_FOUND"
	KindBusy         Kind = "BUSY"
	KindInternal     Kind = "INTERNAL"
)

// KindOf classifies err against the error taxonomy.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrAuthNotReady):
		return KindAuthNotReady
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrNetwork):
		return KindNetwork
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrBusy):
		return KindBusy
	}
	return KindInternal
}

// Transient reports whether err is worth retrying.
func Transient(err error) bool {
	return errors.Is(err, ErrNetwork) && !errors.Is(err, ErrOffline)
}
