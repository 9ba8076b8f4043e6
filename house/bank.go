// Package house implements the house bank (spec component C3): the
// opposite-side liquidity provider that backstops one-sided rounds subject
// to configurable exposure caps.
package house

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/qflashio/engine/core"
	"github.com/qflashio/engine/events"
	"github.com/qflashio/engine/qerr"
	"github.com/qflashio/engine/store"
)

// Config carries the house bank's tunables, all sourced from the engine
// configuration file.
type Config struct {
	Enabled              bool
	InitialBalanceQU     int64
	MaxExposurePerRoundQU int64
	MaxTotalExposureQU   int64
	MatchRatio           float64
}

// Bank is the house counterparty.
type Bank struct {
	store   store.Store
	cfg     Config
	emitter *events.Emitter // may be nil
}

// New returns a Bank backed by s. emitter may be nil to disable event
// publication.
func New(s store.Store, cfg Config, emitter *events.Emitter) *Bank {
	return &Bank{store: s, cfg: cfg, emitter: emitter}
}

// EnsureAccount idempotently seeds the reserved HOUSE account with its
// starting balance, the way the teacher's config.CreateGenesisBlock
// idempotently seeds genesis allocations before the pipeline starts.
func (b *Bank) EnsureAccount(ctx context.Context) error {
	if !b.cfg.Enabled {
		return nil
	}
	_, created, err := b.store.EnsureAccount(ctx, core.HouseAddress)
	if err != nil {
		return fmt.Errorf("ensure house account: %w", err)
	}
	if !created {
		return nil
	}
	return b.store.WithTx(ctx, func(tx store.Tx) error {
		a, err := tx.GetAccountForUpdate(ctx, core.HouseAddress)
		if err != nil {
			return err
		}
		a.BalanceQU = b.cfg.InitialBalanceQU
		return tx.UpdateAccount(ctx, a)
	})
}

// MatchBet attempts to place a house entry on the side opposite userSide,
// sized at matchRatio * userAmountQU, per spec.md §4.4. Any refusal
// (disabled, underfunded, cap exceeded) returns qerr.ErrHouseCapacityExceeded
// and is non-fatal to the user's wager — callers must treat it as
// best-effort.
func (b *Bank) MatchBet(ctx context.Context, roundID string, userSide core.Side, userAmountQU int64) error {
	if !b.cfg.Enabled {
		return qerr.ErrHouseCapacityExceeded
	}
	matchAmount := int64(float64(userAmountQU) * b.cfg.MatchRatio)
	if matchAmount <= 0 {
		return qerr.ErrHouseCapacityExceeded
	}

	totalExposure, err := b.store.HouseExposureTotal(ctx)
	if err != nil {
		return err
	}

	err = b.store.WithTx(ctx, func(tx store.Tx) error {
		round, err := tx.GetRoundForUpdate(ctx, roundID)
		if err != nil {
			return err
		}
		if round.Status != core.RoundOpen {
			return qerr.ErrRoundNotOpen
		}

		houseSide := userSide.Opposite()
		roundExposure := round.PoolFor(houseSide)
		if roundExposure+matchAmount > b.cfg.MaxExposurePerRoundQU {
			return qerr.ErrHouseCapacityExceeded
		}

		if totalExposure+matchAmount > b.cfg.MaxTotalExposureQU {
			return qerr.ErrHouseCapacityExceeded
		}

		acc, err := tx.GetAccountForUpdate(ctx, core.HouseAddress)
		if err != nil {
			return err
		}
		if acc.BalanceQU < matchAmount {
			return qerr.ErrHouseCapacityExceeded
		}
		acc.BalanceQU -= matchAmount
		if err := tx.UpdateAccount(ctx, acc); err != nil {
			return err
		}

		entry := &core.Entry{
			ID:       uuid.NewString(),
			RoundID:  roundID,
			Address:  core.HouseAddress,
			Side:     houseSide,
			AmountQU: matchAmount,
			Status:   core.EntryActive,
			IsHouse:  true,
		}
		if err := tx.InsertEntry(ctx, entry); err != nil {
			return err
		}

		if houseSide == core.SideUp {
			round.UpPoolQU += matchAmount
		} else {
			round.DownPoolQU += matchAmount
		}
		round.EntryCount++
		if err := tx.UpdateRound(ctx, round); err != nil {
			return err
		}

		return tx.InsertHouseLedgerEntry(ctx, &core.HouseLedgerEntry{
			ID:             uuid.NewString(),
			RoundID:        roundID,
			EntryID:        entry.ID,
			Kind:           core.HouseMatchBet,
			AmountQU:       matchAmount,
			BalanceAfterQU: acc.BalanceQU,
			CreatedAt:      time.Now(),
		})
	})
	if err != nil {
		return err
	}
	if b.emitter != nil {
		b.emitter.Emit(events.Event{
			Type:    events.EventHouseMatched,
			RoundID: roundID,
			Data:    map[string]any{"side": string(userSide.Opposite()), "amountQU": matchAmount},
		})
	}
	return nil
}
