package cron_test

import (
	"context"
	"testing"
	"time"

	"github.com/qflashio/engine/core"
	"github.com/qflashio/engine/cron"
	"github.com/qflashio/engine/historycache"
	"github.com/qflashio/engine/house"
	"github.com/qflashio/engine/price"
	"github.com/qflashio/engine/round"
	"github.com/qflashio/engine/settlement"
	"github.com/qflashio/engine/store"
)

func fixedSource(p float64) price.Fetch {
	return func(ctx context.Context, pair string) (float64, error) { return p, nil }
}

func newDriver(t *testing.T, s store.Store) *cron.Driver {
	t.Helper()
	reg := price.NewRegistry()
	reg.Register("a", fixedSource(100))
	reg.Register("b", fixedSource(100))
	feed := price.NewFeed(reg, 2, time.Second, time.Millisecond, []byte("k"))
	settler := settlement.New(s, nil)
	re := round.New(s, feed, settler, round.Config{
		Markets:            []round.Market{{Pair: "BTC-USD", Duration: core.Duration30s}},
		LockBeforeClose:    5 * time.Second,
		PipelineDepth:      2,
		MaxResolutionDelay: 2 * time.Minute,
		PlatformFeeBps:     300,
		AttestationKey:     []byte("k"),
	}, nil)
	bank := house.New(s, house.Config{Enabled: false}, nil)
	return cron.New(s, re, bank, nil, []string{"BTC-USD"})
}

func TestStartStopIsIdempotent(t *testing.T) {
	s := store.NewMemStore()
	d := newDriver(t, s)
	d.Start(20 * time.Millisecond)
	d.Start(20 * time.Millisecond) // no-op, must not panic or deadlock
	time.Sleep(50 * time.Millisecond)
	d.Stop()
	d.Stop() // no-op

	count, err := s.UpcomingCount(context.Background(), "BTC-USD", core.Duration30s)
	if err != nil {
		t.Fatal(err)
	}
	if count == 0 {
		t.Fatal("expected the cycle to have created upcoming rounds")
	}
}

func TestRunCycleSkipsWhenLockHeldByAnotherOwner(t *testing.T) {
	s := store.NewMemStore()
	ctx := context.Background()
	acquired, err := s.AcquireLock(ctx, "qflash_cron", "someone-else", time.Minute)
	if err != nil || !acquired {
		t.Fatalf("setup: acquired=%v err=%v", acquired, err)
	}

	d := newDriver(t, s)
	d.Start(10 * time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	d.Stop()

	count, err := s.UpcomingCount(ctx, "BTC-USD", core.Duration30s)
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("upcoming count = %d, want 0 (lock held by another owner)", count)
	}
}

func TestCronPicksUpHistoryCache(t *testing.T) {
	s := store.NewMemStore()
	dir := t.TempDir()
	hc, err := historycache.Open(dir + "/ticks")
	if err != nil {
		t.Fatal(err)
	}
	defer hc.Close()

	// Seed a round whose open-at has already passed so the first cycle
	// opens it; ticks are captured from an opened round's opening price.
	now := time.Now().UTC()
	if err := s.CreateRound(context.Background(), &core.Round{
		ID: "r-open", Pair: "BTC-USD", Duration: core.Duration30s, Status: core.RoundUpcoming,
		OpenAt: now.Add(-time.Second), LockAt: now.Add(25 * time.Second), CloseAt: now.Add(30 * time.Second),
	}); err != nil {
		t.Fatal(err)
	}

	reg := price.NewRegistry()
	reg.Register("a", fixedSource(100))
	reg.Register("b", fixedSource(100))
	feed := price.NewFeed(reg, 2, time.Second, time.Millisecond, []byte("k"))
	re := round.New(s, feed, settlement.New(s, nil), round.Config{
		Markets:            []round.Market{{Pair: "BTC-USD", Duration: core.Duration30s}},
		LockBeforeClose:    5 * time.Second,
		PipelineDepth:      2,
		MaxResolutionDelay: 2 * time.Minute,
		AttestationKey:     []byte("k"),
	}, nil)
	d := cron.New(s, re, nil, hc, []string{"BTC-USD"})
	d.Start(10 * time.Millisecond)
	time.Sleep(40 * time.Millisecond)
	d.Stop()

	ticks, err := hc.Recent("BTC-USD", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(ticks) == 0 {
		t.Fatal("expected at least one captured tick once a round opened")
	}
}
