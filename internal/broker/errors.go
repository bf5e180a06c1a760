package broker

import "errors"

var (
	// ErrValidation covers malformed or over-limit caller input.
	ErrValidation = errors.New("invalid request")
	// ErrNotFound means the referenced broker config does not exist.
	ErrNotFound = errors.New("broker config not found")
	// ErrTokenNotFound means the config has no stored token pair; the
	// caller must re-authorize instead of refreshing.
	ErrTokenNotFound = errors.New("broker token not found")
	// ErrInvalidState is the CSRF defense: the returned state did not
	// match the pending authorization state.
	ErrInvalidState = errors.New("authorization state mismatch")
	// ErrExchange wraps brokerage-side failures. Callback failures are
	// retryable only by re-initiating; refresh failures retryable as-is.
	ErrExchange = errors.New("brokerage exchange failed")
	// ErrConflict marks a lost concurrent-write race. Lost refresh races
	// resolve internally to the already-fresh status; lost creation races
	// surface so the caller retries.
	ErrConflict = errors.New("concurrent update conflict")
	// ErrTooManyAttempts is returned when a user exceeds the setup
	// attempt budget within the cooldown window.
	ErrTooManyAttempts = errors.New("too many setup attempts")
)
