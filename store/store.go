// Package store defines the durable-store contract (spec component C2) and
// provides two implementations: a Postgres-backed production store and an
// in-memory store for tests. Every mutation that touches more than one row
// goes through WithTx so it either fully applies or leaves no trace.
package store

import (
	"context"
	"time"

	"github.com/qflashio/engine/core"
)

// Store is the durable-store contract every other component depends on.
// Implementations must make CASRoundStatus and AcquireLock atomic against
// concurrent callers, including callers in other processes.
type Store interface {
	// Rounds
	CreateRound(ctx context.Context, r *core.Round) error
	GetRound(ctx context.Context, id string) (*core.Round, error)
	CASRoundStatus(ctx context.Context, id string, expected, next core.RoundStatus) (bool, error)
	RoundsReadyToOpen(ctx context.Context) ([]*core.Round, error)
	RoundsReadyToLock(ctx context.Context) ([]*core.Round, error)
	RoundsReadyToResolve(ctx context.Context) ([]*core.Round, error)
	StaleResolvingRounds(ctx context.Context, olderThan time.Duration) ([]*core.Round, error)
	UpcomingCount(ctx context.Context, pair string, duration core.Duration) (int, error)
	ActiveRounds(ctx context.Context, pair string, duration core.Duration) ([]*core.Round, error)
	RecentResolved(ctx context.Context, n int) ([]*core.Round, error)
	LastCloseAt(ctx context.Context, pair string, duration core.Duration) (time.Time, bool, error)

	// ListRounds returns rounds matching every non-zero filter field,
	// most recently opened first, capped at limit. Backs GET /rounds.
	ListRounds(ctx context.Context, pair string, duration core.Duration, status core.RoundStatus, limit int) ([]*core.Round, error)

	// Entries
	ListEntriesForRound(ctx context.Context, roundID string) ([]*core.Entry, error)
	GetEntryByAddress(ctx context.Context, roundID, address string) (*core.Entry, error)

	// Accounts
	GetAccount(ctx context.Context, address string) (*core.Account, error)
	EnsureAccount(ctx context.Context, address string) (acc *core.Account, created bool, err error)

	// Snapshots
	ListSnapshots(ctx context.Context, roundID string) ([]*core.PriceSnapshot, error)

	// Ledger
	ListRecentLedgerTx(ctx context.Context, address string, n int) ([]*core.LedgerTx, error)
	HasConfirmedDeposit(ctx context.Context, address, externalTxHash string) (bool, error)
	PendingWithdrawals(ctx context.Context) ([]*core.LedgerTx, error)
	MarkLedgerTxStatus(ctx context.Context, id string, status core.TxStatus) error

	// House
	HouseExposureTotal(ctx context.Context) (int64, error)

	// Accounts, aggregate: used by the cron driver's platform-balance
	// sanity check, which flags a negative total of user balances.
	TotalBalancesQU(ctx context.Context) (int64, error)

	// Named locks
	AcquireLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, name, owner string) error

	// WithTx runs fn inside one atomic transaction. A non-nil return from
	// fn rolls everything back; a nil return commits everything. This is
	// the single primitive spec.md's "atomic multi-statement transactions"
	// requirement is built from: placeWager, settleRound, and
	// refundAllEntriesAndAccounts are each one WithTx call.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	Close() error
}

// Tx is the set of operations available inside a WithTx callback. Every
// method here participates in the enclosing transaction.
type Tx interface {
	GetRoundForUpdate(ctx context.Context, id string) (*core.Round, error)
	InsertRound(ctx context.Context, r *core.Round) error
	UpdateRound(ctx context.Context, r *core.Round) error
	CASRoundStatus(ctx context.Context, id string, expected, next core.RoundStatus) (bool, error)

	InsertSnapshot(ctx context.Context, s *core.PriceSnapshot) error

	InsertEntry(ctx context.Context, e *core.Entry) error
	GetEntryByAddress(ctx context.Context, roundID, address string) (*core.Entry, error)
	ListActiveEntries(ctx context.Context, roundID string) ([]*core.Entry, error)
	UpdateEntry(ctx context.Context, e *core.Entry) error

	GetAccountForUpdate(ctx context.Context, address string) (*core.Account, error)
	EnsureAccount(ctx context.Context, address string) (acc *core.Account, created bool, err error)
	UpdateAccount(ctx context.Context, a *core.Account) error

	InsertLedgerTx(ctx context.Context, t *core.LedgerTx) error
	HasConfirmedDeposit(ctx context.Context, address, externalTxHash string) (bool, error)

	InsertHouseLedgerEntry(ctx context.Context, e *core.HouseLedgerEntry) error
}
