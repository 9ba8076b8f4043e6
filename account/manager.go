// Package account implements the account/balance manager (spec component
// C4): identifier validation, deposit crediting, wager placement with
// bounds and rate limiting, and withdrawal bookkeeping.
package account

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/qflashio/engine/core"
	"github.com/qflashio/engine/events"
	"github.com/qflashio/engine/house"
	"github.com/qflashio/engine/qerr"
	"github.com/qflashio/engine/store"
)

// identifierPattern matches a well-formed Qubic identifier: 60 uppercase
// A-Z characters.
var identifierPattern = regexp.MustCompile(`^[A-Z]{60}$`)

// ValidIdentifier reports whether addr is a well-formed Qubic identifier.
func ValidIdentifier(addr string) bool {
	return identifierPattern.MatchString(addr)
}

// OnChainChecker does a best-effort sanity check that addr has plausible
// on-chain activity. Implementations must never block deposit crediting on
// failure; Manager treats any error as "skip, don't fail".
type OnChainChecker interface {
	HasActivity(ctx context.Context, addr string) (bool, error)
}

// Config carries the manager's bounds and rate limit.
type Config struct {
	MinBetQU         int64
	MaxBetQU         int64
	MaxBetsPerMinute int
}

// Manager is the account/balance manager.
type Manager struct {
	store   store.Store
	bank    *house.Bank // nil if house matching is disabled
	checker OnChainChecker
	cfg     Config
	emitter *events.Emitter // may be nil

	rateMu sync.Mutex
	recent map[string][]time.Time
}

// New returns a Manager. bank, checker, and emitter may be nil.
func New(s store.Store, bank *house.Bank, checker OnChainChecker, cfg Config, emitter *events.Emitter) *Manager {
	return &Manager{
		store:   s,
		bank:    bank,
		checker: checker,
		cfg:     cfg,
		emitter: emitter,
		recent:  make(map[string][]time.Time),
	}
}

func (m *Manager) emit(ev events.Event) {
	if m.emitter != nil {
		m.emitter.Emit(ev)
	}
}

func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// EnsureAccount idempotently creates address's account, seeding an opaque
// auth token on first creation.
func (m *Manager) EnsureAccount(ctx context.Context, address string) (*core.Account, error) {
	if !ValidIdentifier(address) {
		return nil, qerr.ErrInvalidIdentifier
	}
	acc, created, err := m.store.EnsureAccount(ctx, address)
	if err != nil {
		return nil, err
	}
	if !created {
		return acc, nil
	}
	token, err := generateToken()
	if err != nil {
		return nil, fmt.Errorf("generate auth token: %w", err)
	}
	return acc, m.store.WithTx(ctx, func(tx store.Tx) error {
		a, err := tx.GetAccountForUpdate(ctx, address)
		if err != nil {
			return err
		}
		a.AuthToken = token
		acc.AuthToken = token
		return tx.UpdateAccount(ctx, a)
	})
}

// RotateToken replaces address's bearer token and returns the new value.
func (m *Manager) RotateToken(ctx context.Context, address string) (string, error) {
	token, err := generateToken()
	if err != nil {
		return "", err
	}
	err = m.store.WithTx(ctx, func(tx store.Tx) error {
		a, err := tx.GetAccountForUpdate(ctx, address)
		if err != nil {
			return err
		}
		a.AuthToken = token
		return tx.UpdateAccount(ctx, a)
	})
	return token, err
}

var bearerPattern = regexp.MustCompile(`^Bearer\s+(\S+)$`)

// Authenticate checks that authorizationHeader is a valid bearer token for
// address, returning the account on success. There is no secondary index
// by token at this scale, so the caller supplies the address (the
// X-Account-Address header or a path parameter) and this only confirms the token
// matches that specific account.
func (m *Manager) Authenticate(ctx context.Context, address, authorizationHeader string) (*core.Account, error) {
	matches := bearerPattern.FindStringSubmatch(authorizationHeader)
	if matches == nil {
		return nil, qerr.ErrUnauthorized
	}
	acc, err := m.store.GetAccount(ctx, address)
	if err != nil {
		return nil, qerr.ErrUnauthorized
	}
	if acc.AuthToken == "" || acc.AuthToken != matches[1] {
		return nil, qerr.ErrUnauthorized
	}
	return acc, nil
}

// CreditDeposit credits amountQU to address, idempotent on externalTxHash.
func (m *Manager) CreditDeposit(ctx context.Context, address string, amountQU int64, externalTxHash string) error {
	if !ValidIdentifier(address) {
		return qerr.ErrInvalidIdentifier
	}
	if m.checker != nil {
		if ok, err := m.checker.HasActivity(ctx, address); err != nil {
			log.Printf("[account] on-chain check skipped: %v", err)
		} else if !ok {
			log.Printf("[account] on-chain check found no activity for %s (proceeding anyway)", address)
		}
	}

	err := m.store.WithTx(ctx, func(tx store.Tx) error {
		dup, err := tx.HasConfirmedDeposit(ctx, address, externalTxHash)
		if err != nil {
			return err
		}
		if dup {
			return qerr.ErrDuplicateDepositHash
		}
		acc, _, err := tx.EnsureAccount(ctx, address)
		if err != nil {
			return err
		}
		acc.BalanceQU += amountQU
		acc.TotalDepositedQU += amountQU
		if err := tx.UpdateAccount(ctx, acc); err != nil {
			return err
		}
		return tx.InsertLedgerTx(ctx, &core.LedgerTx{
			ID:             uuid.NewString(),
			Address:        address,
			Kind:           core.TxDeposit,
			AmountQU:       amountQU,
			ExternalTxHash: externalTxHash,
			Status:         core.TxConfirmed,
			CreatedAt:      time.Now(),
		})
	})
	if err != nil {
		return err
	}
	m.emit(events.Event{
		Type:    events.EventDepositCredited,
		Address: address,
		Data:    map[string]any{"amountQU": amountQU},
	})
	return nil
}

func (m *Manager) checkRateLimit(address string) bool {
	m.rateMu.Lock()
	defer m.rateMu.Unlock()
	now := time.Now()
	cutoff := now.Add(-time.Minute)

	kept := m.recent[address][:0]
	for _, t := range m.recent[address] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= m.cfg.MaxBetsPerMinute {
		m.recent[address] = kept
		return false
	}
	m.recent[address] = append(kept, now)
	return true
}

// PlaceWager validates bounds and rate limit, then atomically places the
// wager through the store and best-effort requests a house match. A
// house-matching failure never rolls back the wager.
func (m *Manager) PlaceWager(ctx context.Context, address, roundID string, side core.Side, amountQU int64) (*core.Entry, error) {
	if !ValidIdentifier(address) {
		return nil, qerr.ErrInvalidIdentifier
	}
	if amountQU < m.cfg.MinBetQU || amountQU > m.cfg.MaxBetQU {
		return nil, qerr.ErrBoundsViolation
	}
	if !m.checkRateLimit(address) {
		return nil, qerr.ErrRateLimited
	}

	entry := &core.Entry{
		ID:       uuid.NewString(),
		RoundID:  roundID,
		Address:  address,
		Side:     side,
		AmountQU: amountQU,
		Status:   core.EntryActive,
	}

	err := m.store.WithTx(ctx, func(tx store.Tx) error {
		round, err := tx.GetRoundForUpdate(ctx, roundID)
		if err != nil {
			return err
		}
		if round.Status != core.RoundOpen {
			return qerr.ErrRoundNotOpen
		}
		if _, err := tx.GetEntryByAddress(ctx, roundID, address); err == nil {
			return qerr.ErrDuplicateUserEntry
		} else if err != core.ErrNotFound {
			return err
		}

		acc, err := tx.GetAccountForUpdate(ctx, address)
		if err != nil {
			return err
		}
		if acc.BalanceQU < amountQU {
			return qerr.ErrInsufficientBalance
		}
		acc.BalanceQU -= amountQU
		acc.TotalWageredQU += amountQU
		if err := tx.UpdateAccount(ctx, acc); err != nil {
			return err
		}

		if err := tx.InsertEntry(ctx, entry); err != nil {
			return err
		}
		if side == core.SideUp {
			round.UpPoolQU += amountQU
		} else {
			round.DownPoolQU += amountQU
		}
		round.EntryCount++
		if err := tx.UpdateRound(ctx, round); err != nil {
			return err
		}

		return tx.InsertLedgerTx(ctx, &core.LedgerTx{
			ID:        uuid.NewString(),
			Address:   address,
			Kind:      core.TxWager,
			AmountQU:  amountQU,
			RoundID:   roundID,
			Status:    core.TxConfirmed,
			CreatedAt: time.Now(),
		})
	})
	if err != nil {
		return nil, err
	}

	if m.bank != nil {
		if err := m.bank.MatchBet(ctx, roundID, side, amountQU); err != nil {
			log.Printf("[account] house match skipped for round %s: %v", roundID, err)
		}
	}

	m.emit(events.Event{
		Type:    events.EventWagerPlaced,
		RoundID: roundID,
		Address: address,
		Data:    map[string]any{"side": string(side), "amountQU": amountQU},
	})

	return entry, nil
}

// RequestWithdrawal validates both identifiers, debits balance immediately,
// and records a pending withdrawal for the external relayer to broadcast.
func (m *Manager) RequestWithdrawal(ctx context.Context, address, destination string, amountQU int64) (*core.LedgerTx, error) {
	if !ValidIdentifier(address) || !ValidIdentifier(destination) {
		return nil, qerr.ErrInvalidIdentifier
	}
	if amountQU <= 0 {
		return nil, qerr.ErrBoundsViolation
	}

	tx := &core.LedgerTx{
		ID:        uuid.NewString(),
		Address:   address,
		Kind:      core.TxWithdrawal,
		AmountQU:  amountQU,
		Status:    core.TxPending,
		CreatedAt: time.Now(),
	}

	err := m.store.WithTx(ctx, func(storeTx store.Tx) error {
		acc, err := storeTx.GetAccountForUpdate(ctx, address)
		if err != nil {
			return err
		}
		if acc.BalanceQU < amountQU {
			return qerr.ErrInsufficientBalance
		}
		acc.BalanceQU -= amountQU
		acc.TotalWithdrawnQU += amountQU
		if err := storeTx.UpdateAccount(ctx, acc); err != nil {
			return err
		}
		return storeTx.InsertLedgerTx(ctx, tx)
	})
	if err != nil {
		return nil, err
	}
	m.emit(events.Event{
		Type:    events.EventWithdrawalRequested,
		Address: address,
		Data:    map[string]any{"amountQU": amountQU, "destination": destination},
	})
	return tx, nil
}
