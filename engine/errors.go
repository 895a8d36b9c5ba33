package engine

import "errors"

var (
	// ErrNotFound means the key is absent. An expected outcome, not a
	// failure; callers test with errors.Is.
	ErrNotFound = errors.New("key not found")

	// ErrConflict means commit-time validation rejected the overlay.
	// With a single writer there is no race to lose, so today this only
	// fires for invariant violations; it stays in the contract for
	// future validation rules.
	ErrConflict = errors.New("commit conflict")

	// ErrInvalidState means the operation was applied to a transaction
	// already committed or aborted.
	ErrInvalidState = errors.New("transaction is not active")

	// ErrClosed means the engine has been shut down.
	ErrClosed = errors.New("engine is closed")
)
