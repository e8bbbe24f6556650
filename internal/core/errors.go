package core

import "errors"

var (
	// ErrTransient indicates a network or server-side failure that may succeed on retry.
	ErrTransient = errors.New("transient failure")
	// ErrRateLimited indicates the request budget is exhausted.
	ErrRateLimited = errors.New("rate limited")
	// ErrUnauthorized indicates the exchange rejected the credentials or signature.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidResponse indicates a payload that could not be decoded.
	ErrInvalidResponse = errors.New("invalid response")
	// ErrGapDetected indicates a sequence discontinuity in a diff stream.
	ErrGapDetected = errors.New("sequence gap detected")
	// ErrNotSynced indicates no book has been built for the symbol yet.
	ErrNotSynced = errors.New("order book not synced")
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrDuplicateOrder      = errors.New("duplicate order")
	ErrOrderNotFound       = errors.New("order not found")
	ErrOrderRejected       = errors.New("order rejected")
)

// Retryable reports whether err is worth retrying on an idempotent request.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrInvalidResponse)
}
