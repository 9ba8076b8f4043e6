// Package round implements the round lifecycle state machine and pipeline
// (spec component C5): creating upcoming rounds far enough ahead, opening
// them on schedule with a committed price, locking, and handing resolution
// off to the settlement engine.
package round

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/qflashio/engine/core"
	"github.com/qflashio/engine/crypto"
	"github.com/qflashio/engine/events"
	"github.com/qflashio/engine/price"
	"github.com/qflashio/engine/settlement"
	"github.com/qflashio/engine/store"
)

// Market is one (pair, duration) the engine keeps a pipeline of rounds
// running for.
type Market struct {
	Pair     string
	Duration core.Duration
}

// Config carries the round engine's scheduling tunables.
type Config struct {
	Markets              []Market
	LockBeforeClose      time.Duration
	PipelineDepth        int // minimum rounds in {upcoming, open} per market; spec default 2
	MaxResolutionDelay   time.Duration
	PlatformFeeBps       int64
	AttestationKey       []byte
}

// Engine drives the round lifecycle. All of its methods are meant to be
// called from the cron driver's single-writer loop; none of them assume
// they are the only process running them, since CAS transitions and the
// named lock are what actually guarantee single-writer semantics.
type Engine struct {
	store   store.Store
	feed    *price.Feed
	settler *settlement.Engine
	cfg     Config
	emitter *events.Emitter // may be nil
}

// New returns an Engine. emitter may be nil to disable event publication.
func New(s store.Store, feed *price.Feed, settler *settlement.Engine, cfg Config, emitter *events.Emitter) *Engine {
	if cfg.PipelineDepth <= 0 {
		cfg.PipelineDepth = 2
	}
	return &Engine{store: s, feed: feed, settler: settler, cfg: cfg, emitter: emitter}
}

func (e *Engine) emit(ev events.Event) {
	if e.emitter != nil {
		e.emitter.Emit(ev)
	}
}

// EnsureUpcomingRounds tops up every configured market's pipeline so at
// least PipelineDepth rounds exist with status in {upcoming, open}.
func (e *Engine) EnsureUpcomingRounds(ctx context.Context) (int, error) {
	created := 0
	for _, m := range e.cfg.Markets {
		n, err := e.store.UpcomingCount(ctx, m.Pair, m.Duration)
		if err != nil {
			return created, fmt.Errorf("upcoming count for %s/%d: %w", m.Pair, m.Duration, err)
		}
		active, err := e.store.ActiveRounds(ctx, m.Pair, m.Duration)
		if err != nil {
			return created, fmt.Errorf("active rounds for %s/%d: %w", m.Pair, m.Duration, err)
		}
		have := n
		for _, r := range active {
			if r.Status == core.RoundOpen {
				have++
			}
		}

		nextOpenAt, err := e.nextOpenAt(ctx, m)
		if err != nil {
			return created, err
		}

		for have < e.cfg.PipelineDepth {
			dur := time.Duration(m.Duration) * time.Second
			r := &core.Round{
				ID:       uuid.NewString(),
				Pair:     m.Pair,
				Duration: m.Duration,
				Status:   core.RoundUpcoming,
				OpenAt:   nextOpenAt,
				LockAt:   nextOpenAt.Add(dur).Add(-e.cfg.LockBeforeClose),
				CloseAt:  nextOpenAt.Add(dur),
			}
			if err := e.store.CreateRound(ctx, r); err != nil {
				return created, fmt.Errorf("create round: %w", err)
			}
			created++
			have++
			nextOpenAt = r.CloseAt
		}
	}
	return created, nil
}

// nextOpenAt picks where to append the next round in m's schedule: right
// after the last known close-at, or if the pipeline is empty, the next
// clean boundary aligned to the market's duration.
func (e *Engine) nextOpenAt(ctx context.Context, m Market) (time.Time, error) {
	last, ok, err := e.store.LastCloseAt(ctx, m.Pair, m.Duration)
	if err != nil {
		return time.Time{}, fmt.Errorf("last close at for %s/%d: %w", m.Pair, m.Duration, err)
	}
	if ok {
		return last, nil
	}
	durSecs := float64(m.Duration)
	nowSecs := float64(time.Now().Unix())
	boundary := int64(math.Ceil(nowSecs/durSecs)) * int64(m.Duration)
	return time.Unix(boundary, 0).UTC(), nil
}

// OpenReadyRounds opens every upcoming round whose open-at has passed, by
// force-fetching the opening price, persisting a snapshot, computing the
// commitment hash, and transitioning to open. A round whose price is
// unavailable at open time is cancelled directly (no entries exist yet).
func (e *Engine) OpenReadyRounds(ctx context.Context) (int, error) {
	ready, err := e.store.RoundsReadyToOpen(ctx)
	if err != nil {
		return 0, fmt.Errorf("rounds ready to open: %w", err)
	}
	opened := 0
	for _, r := range ready {
		if err := e.openOne(ctx, r); err != nil {
			return opened, err
		}
		if r.Status == core.RoundOpen {
			opened++
		}
	}
	return opened, nil
}

func (e *Engine) openOne(ctx context.Context, r *core.Round) error {
	quote, err := e.feed.PriceFor(ctx, r.Pair, true)
	if err != nil {
		_, casErr := e.store.CASRoundStatus(ctx, r.ID, core.RoundUpcoming, core.RoundCancelled)
		return casErr
	}

	hash, err := crypto.AttestHMAC(e.cfg.AttestationKey, core.CommitmentFields{
		RoundID:      r.ID,
		Pair:         r.Pair,
		OpeningPrice: quote.MedianPrice,
		OpenAt:       r.OpenAt.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("commitment hash: %w", err)
	}

	err = e.store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertSnapshot(ctx, &core.PriceSnapshot{
			ID:              uuid.NewString(),
			RoundID:         r.ID,
			Kind:            core.SnapshotOpening,
			Pair:            r.Pair,
			MedianPrice:     quote.MedianPrice,
			Sources:         quote.Sources,
			AttestationHash: quote.AttestationHash,
			FetchedAt:       quote.FetchedAt,
		}); err != nil {
			return fmt.Errorf("insert opening snapshot: %w", err)
		}
		round, err := tx.GetRoundForUpdate(ctx, r.ID)
		if err != nil {
			return err
		}
		round.OpeningPrice = quote.MedianPrice
		round.CommitmentHash = hash
		if err := tx.UpdateRound(ctx, round); err != nil {
			return err
		}
		ok, err := tx.CASRoundStatus(ctx, r.ID, core.RoundUpcoming, core.RoundOpen)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("round %s: expected upcoming, lost the open CAS race", r.ID)
		}
		r.Status = core.RoundOpen
		r.OpeningPrice = quote.MedianPrice
		return nil
	})
	if err != nil {
		return err
	}
	e.emit(events.Event{
		Type:    events.EventRoundOpened,
		RoundID: r.ID,
		Data:    map[string]any{"pair": r.Pair, "openingPrice": r.OpeningPrice},
	})
	return nil
}

// LockReadyRounds transitions every open round whose lock-at has passed
// into locked. No side effects beyond the status change.
func (e *Engine) LockReadyRounds(ctx context.Context) (int, error) {
	ready, err := e.store.RoundsReadyToLock(ctx)
	if err != nil {
		return 0, fmt.Errorf("rounds ready to lock: %w", err)
	}
	locked := 0
	for _, r := range ready {
		ok, err := e.store.CASRoundStatus(ctx, r.ID, core.RoundOpen, core.RoundLocked)
		if err != nil {
			return locked, fmt.Errorf("lock round %s: %w", r.ID, err)
		}
		if ok {
			locked++
			e.emit(events.Event{Type: events.EventRoundLocked, RoundID: r.ID})
		}
	}
	return locked, nil
}

// ResolveReadyRounds CAS-claims every locked round whose close-at has
// passed, fetches the closing price, derives the outcome, and hands off
// to the settlement engine. A round whose closing price is unavailable is
// cancelled and refunded instead.
func (e *Engine) ResolveReadyRounds(ctx context.Context) (int, error) {
	ready, err := e.store.RoundsReadyToResolve(ctx)
	if err != nil {
		return 0, fmt.Errorf("rounds ready to resolve: %w", err)
	}
	resolved := 0
	for _, r := range ready {
		ok, err := e.store.CASRoundStatus(ctx, r.ID, core.RoundLocked, core.RoundResolving)
		if err != nil {
			return resolved, fmt.Errorf("claim round %s for resolving: %w", r.ID, err)
		}
		if !ok {
			continue // another worker owns it
		}
		r.Status = core.RoundResolving
		if err := e.resolveOne(ctx, r); err != nil {
			return resolved, err
		}
		resolved++
	}
	return resolved, nil
}

func (e *Engine) resolveOne(ctx context.Context, r *core.Round) error {
	e.feed.Invalidate(r.Pair)
	quote, err := e.feed.PriceFor(ctx, r.Pair, true)
	if err != nil {
		return e.settler.CancelAndRefund(ctx, r.ID)
	}

	outcome := core.OutcomePush
	switch {
	case quote.MedianPrice > r.OpeningPrice:
		outcome = core.OutcomeUp
	case quote.MedianPrice < r.OpeningPrice:
		outcome = core.OutcomeDown
	}

	if err := e.store.WithTx(ctx, func(tx store.Tx) error {
		return tx.InsertSnapshot(ctx, &core.PriceSnapshot{
			ID:              uuid.NewString(),
			RoundID:         r.ID,
			Kind:            core.SnapshotClosing,
			Pair:            r.Pair,
			MedianPrice:     quote.MedianPrice,
			Sources:         quote.Sources,
			AttestationHash: quote.AttestationHash,
			FetchedAt:       quote.FetchedAt,
		})
	}); err != nil {
		return fmt.Errorf("insert closing snapshot: %w", err)
	}

	r.ClosingPrice = quote.MedianPrice
	r.Outcome = outcome
	return e.settler.Settle(ctx, r, outcome, e.cfg.PlatformFeeBps)
}

// HandleStaleResolvingRounds cancels and refunds any round stuck in
// resolving past MaxResolutionDelay, guaranteeing a dead worker never
// leaves a round stranded.
func (e *Engine) HandleStaleResolvingRounds(ctx context.Context) (int, error) {
	stale, err := e.store.StaleResolvingRounds(ctx, e.cfg.MaxResolutionDelay)
	if err != nil {
		return 0, fmt.Errorf("stale resolving rounds: %w", err)
	}
	recovered := 0
	for _, r := range stale {
		if err := e.settler.CancelAndRefund(ctx, r.ID); err != nil {
			return recovered, fmt.Errorf("recover stale round %s: %w", r.ID, err)
		}
		recovered++
	}
	return recovered, nil
}
