// Package settlement implements the parimutuel payout engine (spec
// component C6): given a round's outcome, it credits winners, marks
// losers, handles pushes and one-sided refunds, and records the house's
// side of every house entry.
package settlement

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

// Engine settles resolving rounds against the durable store, one round per
// call, entirely inside a single transaction.
type Engine struct {
	store   store.Store
	emitter *events.Emitter // may be nil
}

// New returns an Engine backed by s. emitter may be nil to disable event
// publication.
func New(s store.Store, emitter *events.Emitter) *Engine {
	return &Engine{store: s, emitter: emitter}
}

func (e *Engine) emit(ev events.Event) {
	if e.emitter != nil {
		e.emitter.Emit(ev)
	}
}

// Settle applies outcome to round, crediting winners, marking losers, and
// emitting a platform-fee ledger row if the fee computed from feeBps over
// the loser pool is > 0. Only entries still in
// EntryActive are touched, which makes a retried or partially-applied
// settlement idempotent.
func (e *Engine) Settle(ctx context.Context, closed *core.Round, outcome core.Outcome, feeBps int64) error {
	var credited []events.Event
	var noop bool
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		credited = nil
		noop = false
		round, err := tx.GetRoundForUpdate(ctx, closed.ID)
		if err != nil {
			return fmt.Errorf("get round for update: %w", err)
		}
		if round.Status != core.RoundResolving {
			// Already settled (or cancelled) by a prior call; every entry is
			// terminal, so there is nothing left to credit. A retried
			// settleRound is a no-op, not an error.
			noop = true
			return nil
		}
		round.ClosingPrice = closed.ClosingPrice

		entries, err := tx.ListActiveEntries(ctx, round.ID)
		if err != nil {
			return fmt.Errorf("list active entries: %w", err)
		}
		if len(entries) == 0 {
			return finishRound(ctx, tx, round, outcome, 0)
		}

		if outcome == core.OutcomePush {
			for _, entry := range entries {
				if err := creditEntry(ctx, tx, entry, entry.AmountQU, core.EntryPush, core.HouseRefund); err != nil {
					return err
				}
			}
			return finishRound(ctx, tx, round, outcome, 0)
		}

		winSide := core.SideUp
		if outcome == core.OutcomeDown {
			winSide = core.SideDown
		}
		var winners, losers []*core.Entry
		for _, entry := range entries {
			if entry.Side == winSide {
				winners = append(winners, entry)
			} else {
				losers = append(losers, entry)
			}
		}

		if len(winners) == 0 || len(losers) == 0 {
			for _, entry := range entries {
				if err := creditEntry(ctx, tx, entry, entry.AmountQU, core.EntryRefunded, core.HouseRefund); err != nil {
					return err
				}
			}
			return finishRound(ctx, tx, round, outcome, 0)
		}

		var winnerPool, loserPool int64
		for _, w := range winners {
			winnerPool += w.AmountQU
		}
		for _, l := range losers {
			loserPool += l.AmountQU
		}
		fee := (loserPool * feeBps) / 10_000
		netLoserPool := loserPool - fee

		for _, w := range winners {
			share := netLoserPool * w.AmountQU / winnerPool
			payout := w.AmountQU + share
			if err := creditEntry(ctx, tx, w, payout, core.EntryWon, core.HouseWin); err != nil {
				return err
			}
			if !w.IsHouse {
				credited = append(credited, events.Event{
					Type:    events.EventPayoutCredited,
					RoundID: round.ID,
					Address: w.Address,
					Data:    map[string]any{"payoutQU": payout},
				})
			}
		}
		for _, l := range losers {
			if err := settleLoser(ctx, tx, l); err != nil {
				return err
			}
		}

		if fee > 0 {
			if err := tx.InsertLedgerTx(ctx, &core.LedgerTx{
				ID:        uuid.NewString(),
				Address:   core.HouseAddress,
				Kind:      core.TxPlatformFee,
				AmountQU:  fee,
				RoundID:   round.ID,
				Status:    core.TxConfirmed,
				CreatedAt: time.Now(),
			}); err != nil {
				return fmt.Errorf("insert platform fee ledger row: %w", err)
			}
		}

		return finishRound(ctx, tx, round, outcome, fee)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", qerr.ErrSettlementFailed, err)
	}
	if noop {
		return nil
	}
	e.emit(events.Event{Type: events.EventRoundResolved, RoundID: closed.ID, Data: map[string]any{"outcome": string(outcome)}})
	for _, ev := range credited {
		e.emit(ev)
	}
	return nil
}

// CancelAndRefund cancels round and refunds every still-active entry at
// full amount, used when a closing price is unavailable or a round was
// abandoned mid-resolution past the stale-recovery cutoff.
func (e *Engine) CancelAndRefund(ctx context.Context, roundID string) error {
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		round, err := tx.GetRoundForUpdate(ctx, roundID)
		if err != nil {
			return err
		}
		entries, err := tx.ListActiveEntries(ctx, roundID)
		if err != nil {
			return fmt.Errorf("list active entries: %w", err)
		}
		for _, entry := range entries {
			if err := creditEntry(ctx, tx, entry, entry.AmountQU, core.EntryRefunded, core.HouseRefund); err != nil {
				return err
			}
		}
		round.ResolvedAt = time.Now()
		if err := tx.UpdateRound(ctx, round); err != nil {
			return err
		}
		ok, err := tx.CASRoundStatus(ctx, roundID, core.RoundResolving, core.RoundCancelled)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("round %s: expected resolving, lost the cancel CAS race", roundID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", qerr.ErrSettlementFailed, err)
	}
	e.emit(events.Event{Type: events.EventRoundCancelled, RoundID: roundID})
	return nil
}

// creditEntry marks entry settled with payoutQU and status, crediting the
// account (or the house account for is-house entries) and recording
// statistics. houseKind labels the house-ledger row emitted for is-house
// entries (ignored for user entries).
func creditEntry(ctx context.Context, tx store.Tx, entry *core.Entry, payoutQU int64, status core.EntryStatus, houseKind core.HouseKind) error {
	entry.PayoutQU = &payoutQU
	entry.Status = status
	if err := tx.UpdateEntry(ctx, entry); err != nil {
		return fmt.Errorf("update entry %s: %w", entry.ID, err)
	}

	acc, err := tx.GetAccountForUpdate(ctx, entry.Address)
	if err != nil {
		return fmt.Errorf("get account %s: %w", entry.Address, err)
	}
	acc.BalanceQU += payoutQU
	switch status {
	case core.EntryWon:
		// payoutQU is gross (stake + winnings); TotalWageredQU already
		// debited the stake at wager time, so the full payout must be
		// credited back here for balance = deposited + won + refunded -
		// withdrawn - wagered - lost to hold.
		acc.TotalWonQU += payoutQU
	case core.EntryRefunded, core.EntryPush:
		acc.TotalRefundedQU += payoutQU
	}
	acc.RecordOutcome(status)
	if err := tx.UpdateAccount(ctx, acc); err != nil {
		return fmt.Errorf("update account %s: %w", entry.Address, err)
	}

	kind := core.TxPayout
	if status == core.EntryRefunded || status == core.EntryPush {
		kind = core.TxRefund
	}
	if err := tx.InsertLedgerTx(ctx, &core.LedgerTx{
		ID:        uuid.NewString(),
		Address:   entry.Address,
		Kind:      kind,
		AmountQU:  payoutQU,
		RoundID:   entry.RoundID,
		Status:    core.TxConfirmed,
		CreatedAt: time.Now(),
	}); err != nil {
		return fmt.Errorf("insert ledger tx: %w", err)
	}

	if entry.IsHouse {
		if err := tx.InsertHouseLedgerEntry(ctx, &core.HouseLedgerEntry{
			ID:             uuid.NewString(),
			RoundID:        entry.RoundID,
			EntryID:        entry.ID,
			Kind:           houseKind,
			AmountQU:       payoutQU,
			BalanceAfterQU: acc.BalanceQU,
			CreatedAt:      time.Now(),
		}); err != nil {
			return fmt.Errorf("insert house ledger entry: %w", err)
		}
	}
	return nil
}

// settleLoser marks a losing entry terminal with zero payout. The stake
// was already debited at wager time, so only statistics move.
func settleLoser(ctx context.Context, tx store.Tx, entry *core.Entry) error {
	zero := int64(0)
	entry.PayoutQU = &zero
	entry.Status = core.EntryLost
	if err := tx.UpdateEntry(ctx, entry); err != nil {
		return fmt.Errorf("update entry %s: %w", entry.ID, err)
	}
	acc, err := tx.GetAccountForUpdate(ctx, entry.Address)
	if err != nil {
		return fmt.Errorf("get account %s: %w", entry.Address, err)
	}
	// PlaceWager already debited the stake into TotalWageredQU; reclassify
	// it into TotalLostQU here instead of leaving both counters holding the
	// same stake, which would double-subtract it from the balance identity.
	acc.TotalWageredQU -= entry.AmountQU
	acc.TotalLostQU += entry.AmountQU
	acc.RecordOutcome(core.EntryLost)
	if err := tx.UpdateAccount(ctx, acc); err != nil {
		return fmt.Errorf("update account %s: %w", entry.Address, err)
	}
	if entry.IsHouse {
		if err := tx.InsertHouseLedgerEntry(ctx, &core.HouseLedgerEntry{
			ID:             uuid.NewString(),
			RoundID:        entry.RoundID,
			EntryID:        entry.ID,
			Kind:           core.HouseLoss,
			AmountQU:       0,
			BalanceAfterQU: acc.BalanceQU,
			CreatedAt:      time.Now(),
		}); err != nil {
			return fmt.Errorf("insert house ledger entry: %w", err)
		}
	}
	return nil
}

func finishRound(ctx context.Context, tx store.Tx, round *core.Round, outcome core.Outcome, feeQU int64) error {
	round.Outcome = outcome
	round.PlatformFeeQU = feeQU
	round.ResolvedAt = time.Now()
	if err := tx.UpdateRound(ctx, round); err != nil {
		return fmt.Errorf("update round %s: %w", round.ID, err)
	}
	ok, err := tx.CASRoundStatus(ctx, round.ID, core.RoundResolving, core.RoundResolved)
	if err != nil {
		return fmt.Errorf("finish round CAS: %w", err)
	}
	if !ok {
		return fmt.Errorf("round %s: expected resolving, lost the resolve CAS race", round.ID)
	}
	return nil
}
