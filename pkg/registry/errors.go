package registry

import "errors"

var (
	// ErrUnknownClient is returned when a client subscribes before registering
	ErrUnknownClient = errors.New("client not registered")

	// ErrInvalidTarget is returned for a target naming neither a patient nor the wildcard
	ErrInvalidTarget = errors.New("invalid subscription target")

	// ErrWildcardNotAllowed is returned when a family client asks for all critical alerts
	ErrWildcardNotAllowed = errors.New("all-critical subscription not allowed for role")
)
