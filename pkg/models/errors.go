package models

import (
	"errors"
	"fmt"
)

var (
	// ErrLimited is returned by ingestion adapters when a device exceeds its rate.
	ErrLimited = errors.New("rate limit exceeded")

	// ErrClosed is returned when an operation is attempted on a closed client or hub.
	ErrClosed = errors.New("connection closed")
)

// ValidationError rejects a single malformed reading or vital.
type ValidationError struct {
	PatientID string
	Vital     Vital
	Value     float64
	Reason    string
}

func (e *ValidationError) Error() string {
	if e.Vital != "" {
		return fmt.Sprintf("validation error: patient %q vital %q value %v: %s", e.PatientID, e.Vital, e.Value, e.Reason)
	}
	return fmt.Sprintf("validation error: patient %q: %s", e.PatientID, e.Reason)
}

// PartialReadingError reports vitals that were rejected from a reading whose
// other vitals were still ingested. It unwraps to the validation errors.
type PartialReadingError struct {
	PatientID string
	Rejected  []Vital
	Err       error
}

func (e *PartialReadingError) Error() string {
	return fmt.Sprintf("reading for patient %q partly rejected: %v", e.PatientID, e.Err)
}

func (e *PartialReadingError) Unwrap() error {
	return e.Err
}

// AuthError terminates a connection attempt; it is never retried automatically.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return "authentication failed: " + e.Reason
}

type NotFoundError struct {
	AlertID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("alert %q not found", e.AlertID)
}

// ForbiddenError is returned when an authenticated identity asks for a
// patient it is not linked to.
type ForbiddenError struct {
	UserID    string
	PatientID string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("user %q may not access patient %q", e.UserID, e.PatientID)
}

// TransportError is a network level failure. Clients react to it with their
// reconnect policy.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsPartial reports whether err only rejected some vitals of an ingested
// reading. Check it before IsValidation.
func IsPartial(err error) bool {
	var target *PartialReadingError
	return errors.As(err, &target)
}

func IsAuth(err error) bool {
	var target *AuthError
	return errors.As(err, &target)
}

func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

func IsForbidden(err error) bool {
	var target *ForbiddenError
	return errors.As(err, &target)
}

func IsTransport(err error) bool {
	var target *TransportError
	return errors.As(err, &target)
}
