// Package dexerr defines the error kinds surfaced by the settlement core.
// Callers classify failures with errors.Is against these sentinels; the
// request layer maps them to status codes.
package dexerr

import "errors"

var (
	// ErrValidation rejects malformed input before any state is touched.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound signals an unknown pair, order, pool, position or offer.
	ErrNotFound = errors.New("not found")
	// ErrInsufficientLiquidity rejects a swap that would drain a pool.
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
	// ErrInsufficientBalance rejects an order the caller cannot pay for.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrInsufficientPoolFees means a fee claim exceeds the pool's
	// accumulated total. This never happens while the bookkeeping
	// invariants hold, so it is logged as a consistency violation.
	ErrInsufficientPoolFees = errors.New("insufficient pool fees")
	// ErrUnauthorized means the caller does not own the target entity.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidState rejects an operation on a terminal or wrong-state entity.
	ErrInvalidState = errors.New("invalid state transition")
	// ErrConflict reports lock contention or a version mismatch. It is the
	// one kind callers may retry with the same inputs: the failed attempt
	// never partially committed.
	ErrConflict = errors.New("concurrency conflict")
)
