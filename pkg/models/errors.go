package models

import "errors"

// Error taxonomy shared by every layer of the engine.
var (
	// ErrInput marks malformed identities, unknown chains or bad formats.
	// Rejected immediately, never partially processed.
	ErrInput = errors.New("invalid input")

	// ErrUpstreamTimeout is returned by chain-stats providers that did not
	// answer in time. Scoring recovers from it with partial features.
	ErrUpstreamTimeout = errors.New("upstream timeout")

	// ErrDataInconsistency marks graph references to unknown addresses.
	ErrDataInconsistency = errors.New("data inconsistency")

	// ErrPersistenceConflict is a concurrent write on the same address.
	// Callers may retry.
	ErrPersistenceConflict = errors.New("persistence conflict")

	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
)
