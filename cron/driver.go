// Package cron implements the single-threaded cooperative scheduling loop
// (spec component C7) that drives the entire round pipeline: it acquires
// a cross-process named lock, runs every lifecycle phase in fixed order,
// and tolerates any one phase failing without skipping the rest.
package cron

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/qflashio/engine/core"
	"github.com/qflashio/engine/historycache"
	"github.com/qflashio/engine/house"
	"github.com/qflashio/engine/round"
	"github.com/qflashio/engine/store"
)

// lockName is the cross-process named lock every cron instance contends
// for. Only the holder runs a cycle's phases.
const lockName = "qflash_cron"

// lockTTL is how long a held lock survives without renewal; a worker that
// dies mid-cycle releases ownership to the next instance within this
// window.
const lockTTL = 30 * time.Second

// PhaseResult is one phase's outcome within a Cycle.
type PhaseResult struct {
	Name  string
	Count int
	Err   error
}

// CycleResult summarizes one full cron cycle.
type CycleResult struct {
	LockAcquired bool
	Phases       []PhaseResult
}

// Driver owns the ticker loop and the fixed phase table.
type Driver struct {
	store   store.Store
	round   *round.Engine
	bank    *house.Bank
	history *historycache.Cache
	pairs   []string

	ownerID string
	done    chan struct{}
	stopped chan struct{}
}

// New returns a Driver. bank and history may both be nil, disabling house
// initialization and price-history capture respectively.
func New(s store.Store, r *round.Engine, bank *house.Bank, history *historycache.Cache, pairs []string) *Driver {
	return &Driver{
		store:   s,
		round:   r,
		bank:    bank,
		history: history,
		pairs:   pairs,
		ownerID: uuid.NewString(),
	}
}

// Start launches the ticker loop in a goroutine. Calling Start twice is a
// no-op: the second call is ignored while the loop is already running.
func (d *Driver) Start(interval time.Duration) {
	if d.done != nil {
		return
	}
	d.done = make(chan struct{})
	d.stopped = make(chan struct{})
	go d.run(interval)
}

// Stop signals the loop to exit and waits for it to do so. Calling Stop
// twice, or before Start, is a no-op.
func (d *Driver) Stop() {
	if d.done == nil {
		return
	}
	close(d.done)
	<-d.stopped
	d.done = nil
}

func (d *Driver) run(interval time.Duration) {
	defer close(d.stopped)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	d.runCycle()
	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
			d.runCycle()
		}
	}
}

func (d *Driver) runCycle() CycleResult {
	ctx := context.Background()
	acquired, err := d.store.AcquireLock(ctx, lockName, d.ownerID, lockTTL)
	if err != nil {
		log.Printf("[cron] acquire lock error: %v", err)
		return CycleResult{}
	}
	if !acquired {
		return CycleResult{}
	}
	defer func() {
		if err := d.store.ReleaseLock(ctx, lockName, d.ownerID); err != nil {
			log.Printf("[cron] release lock error: %v", err)
		}
	}()

	result := CycleResult{LockAcquired: true}
	phases := []struct {
		name string
		fn   func(context.Context) (int, error)
	}{
		{"house_init", d.houseInit},
		{"ensure_upcoming_rounds", d.round.EnsureUpcomingRounds},
		{"open_ready_rounds", d.round.OpenReadyRounds},
		{"lock_ready_rounds", d.round.LockReadyRounds},
		{"resolve_ready_rounds", d.round.ResolveReadyRounds},
		{"handle_stale_resolving_rounds", d.round.HandleStaleResolvingRounds},
		{"capture_price_history", d.capturePriceHistory},
		{"platform_balance_check", d.platformBalanceCheck},
		{"process_pending_withdrawals", d.processPendingWithdrawals},
	}

	for _, phase := range phases {
		count, err := phase.fn(ctx)
		if err != nil {
			log.Printf("[cron] phase %s error: %v", phase.name, err)
		}
		result.Phases = append(result.Phases, PhaseResult{Name: phase.name, Count: count, Err: err})
	}
	return result
}

func (d *Driver) houseInit(ctx context.Context) (int, error) {
	if d.bank == nil {
		return 0, nil
	}
	if err := d.bank.EnsureAccount(ctx); err != nil {
		return 0, fmt.Errorf("house account init: %w", err)
	}
	return 1, nil
}

// platformBalanceCheck is a best-effort solvency sanity check: total user
// liabilities should never go negative. It never mutates state — a
// violation indicates a bug elsewhere and is only logged, matching
// spec.md's framing of this as a sanity check, not an enforcement point.
func (d *Driver) platformBalanceCheck(ctx context.Context) (int, error) {
	total, err := d.store.TotalBalancesQU(ctx)
	if err != nil {
		return 0, fmt.Errorf("total balances: %w", err)
	}
	if total < 0 {
		return 0, fmt.Errorf("platform balance sanity check failed: total user balances = %d", total)
	}
	return 1, nil
}

// processPendingWithdrawals reports how many withdrawals are still
// awaiting external broadcast. Actually broadcasting is the external
// relayer's job; this phase exists so a stuck queue shows up in cron
// metrics rather than going unnoticed.
func (d *Driver) processPendingWithdrawals(ctx context.Context) (int, error) {
	pending, err := d.store.PendingWithdrawals(ctx)
	if err != nil {
		return 0, fmt.Errorf("pending withdrawals: %w", err)
	}
	return len(pending), nil
}

func (d *Driver) capturePriceHistory(ctx context.Context) (int, error) {
	if d.history == nil {
		return 0, nil
	}
	captured := 0
	for _, pair := range d.pairs {
		rounds, err := d.store.ActiveRounds(ctx, pair, 0)
		if err != nil {
			return captured, fmt.Errorf("active rounds for %s: %w", pair, err)
		}
		var price float64
		found := false
		for _, r := range rounds {
			if r.Status != core.RoundUpcoming {
				price = r.OpeningPrice
				found = true
				break
			}
		}
		if !found {
			continue
		}
		if err := d.history.Append(historycache.Tick{Pair: pair, Price: price, Timestamp: time.Now().UnixNano()}); err != nil {
			return captured, fmt.Errorf("append tick for %s: %w", pair, err)
		}
		captured++
	}
	return captured, nil
}
