package session

import "errors"

var (
	// ErrSessionNotFound is returned by mutations on a thread without a session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrInvalidRuntimeContext is returned when a recovered context fails validation.
	ErrInvalidRuntimeContext = errors.New("invalid runtime context")
	// ErrConcurrencyConflict is returned on version mismatch when StrictVersioning is set.
	ErrConcurrencyConflict = errors.New("session version conflict")
)
