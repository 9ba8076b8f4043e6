// Package qerr defines the engine's abstract error-kind taxonomy (spec
// section "ERROR HANDLING DESIGN"). Components return one of these
// sentinels (often wrapped with extra context via fmt.Errorf("...: %w",
// ErrX)) so the cron driver and the API layer can switch on kind with
// errors.Is rather than pattern-match an error string.
package qerr

import "errors"

var (
	// ErrOracleUnavailable is returned by the price feed when fewer than
	// the configured minimum number of sources answered in time.
	ErrOracleUnavailable = errors.New("oracle unavailable")

	// ErrInsufficientBalance is returned by a wager or withdrawal that
	// would take an account's balance negative.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrRoundNotOpen is returned when a wager targets a round that is
	// not currently accepting entries.
	ErrRoundNotOpen = errors.New("round not open")

	// ErrDuplicateUserEntry is returned when an address already has an
	// entry in the targeted round.
	ErrDuplicateUserEntry = errors.New("already placed a wager in this round")

	// ErrRateLimited is returned when an address exceeds the configured
	// wager rate limit.
	ErrRateLimited = errors.New("rate limited")

	// ErrInvalidIdentifier is returned for a malformed address.
	ErrInvalidIdentifier = errors.New("invalid identifier")

	// ErrDuplicateDepositHash is returned when a deposit's external
	// transaction hash has already been credited.
	ErrDuplicateDepositHash = errors.New("deposit hash already credited")

	// ErrLockNotAcquired names the case of a named lock already held by a
	// different, non-expired owner. Store.AcquireLock reports that case as
	// a false result rather than returning this error.
	ErrLockNotAcquired = errors.New("lock not acquired")

	// ErrHouseCapacityExceeded is returned by the house bank when a match
	// would exceed a configured exposure cap, or the house is disabled or
	// underfunded.
	ErrHouseCapacityExceeded = errors.New("house capacity exceeded")

	// ErrSettlementFailed wraps an error from inside a settlement
	// transaction; the transaction is rolled back and the round is left
	// in resolving. Later cycles do not re-run settlement for it; the
	// stale-resolving phase cancels and refunds it once past the cutoff.
	ErrSettlementFailed = errors.New("settlement failed")

	// ErrBoundsViolation is returned when a wager amount falls outside
	// [minBet, maxBet].
	ErrBoundsViolation = errors.New("amount outside allowed bounds")

	// ErrUnauthorized is returned by authenticate() for a missing or
	// unrecognised bearer token.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrAddressMismatch is returned when a request body's address
	// parameter does not match the authenticated account.
	ErrAddressMismatch = errors.New("address mismatch")
)
