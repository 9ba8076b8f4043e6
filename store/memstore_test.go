package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/qflashio/engine/core"
	"github.com/qflashio/engine/store"
)

func TestCASRoundStatusOnlyTransitionsFromExpected(t *testing.T) {
	s := store.NewMemStore()
	ctx := context.Background()
	r := &core.Round{ID: "r1", Pair: "BTC-USD", Duration: core.Duration30s, Status: core.RoundUpcoming}
	if err := s.CreateRound(ctx, r); err != nil {
		t.Fatal(err)
	}

	ok, err := s.CASRoundStatus(ctx, "r1", core.RoundOpen, core.RoundLocked)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("CAS should not succeed against a stale expected status")
	}

	ok, err = s.CASRoundStatus(ctx, "r1", core.RoundUpcoming, core.RoundOpen)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("CAS should succeed when expected status matches")
	}

	got, err := s.GetRound(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != core.RoundOpen {
		t.Fatalf("status = %s, want open", got.Status)
	}
}

func TestWithTxRollsBackEverythingOnError(t *testing.T) {
	s := store.NewMemStore()
	ctx := context.Background()
	r := &core.Round{ID: "r1", Status: core.RoundOpen, UpPoolQU: 100}
	if err := s.CreateRound(ctx, r); err != nil {
		t.Fatal(err)
	}

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx store.Tx) error {
		rr, err := tx.GetRoundForUpdate(ctx, "r1")
		if err != nil {
			return err
		}
		rr.UpPoolQU = 999
		if err := tx.UpdateRound(ctx, rr); err != nil {
			return err
		}
		if err := tx.InsertEntry(ctx, &core.Entry{ID: "e1", RoundID: "r1", Address: "addr1", AmountQU: 50}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	got, err := s.GetRound(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if got.UpPoolQU != 100 {
		t.Fatalf("UpPoolQU = %d, want 100 (rolled back)", got.UpPoolQU)
	}
	entries, err := s.ListEntriesForRound(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected entry insert to be rolled back, got %d entries", len(entries))
	}
}

func TestWithTxCommitsOnSuccess(t *testing.T) {
	s := store.NewMemStore()
	ctx := context.Background()
	r := &core.Round{ID: "r1", Status: core.RoundOpen}
	if err := s.CreateRound(ctx, r); err != nil {
		t.Fatal(err)
	}

	err := s.WithTx(ctx, func(tx store.Tx) error {
		return tx.InsertEntry(ctx, &core.Entry{ID: "e1", RoundID: "r1", Address: "addr1", AmountQU: 50})
	})
	if err != nil {
		t.Fatal(err)
	}
	entries, err := s.ListEntriesForRound(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
}

func TestAcquireLockRespectsExpiry(t *testing.T) {
	s := store.NewMemStore()
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.Clock = func() time.Time { return now }

	ok, err := s.AcquireLock(ctx, "qflash_cron", "worker-a", 10*time.Second)
	if err != nil || !ok {
		t.Fatalf("expected first acquire to succeed, ok=%v err=%v", ok, err)
	}
	ok, err = s.AcquireLock(ctx, "qflash_cron", "worker-b", 10*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("a second worker should not steal a live lock")
	}

	now = now.Add(11 * time.Second)
	ok, err = s.AcquireLock(ctx, "qflash_cron", "worker-b", 10*time.Second)
	if err != nil || !ok {
		t.Fatalf("expected worker-b to steal an expired lock, ok=%v err=%v", ok, err)
	}
}

func TestGetEntryByAddressIgnoresHouseEntries(t *testing.T) {
	s := store.NewMemStore()
	ctx := context.Background()
	err := s.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertEntry(ctx, &core.Entry{ID: "house1", RoundID: "r1", Address: core.HouseAddress, IsHouse: true}); err != nil {
			return err
		}
		return tx.InsertEntry(ctx, &core.Entry{ID: "e1", RoundID: "r1", Address: "addr1"})
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = s.GetEntryByAddress(ctx, "r1", core.HouseAddress)
	if !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for house address lookup, got %v", err)
	}
	e, err := s.GetEntryByAddress(ctx, "r1", "addr1")
	if err != nil {
		t.Fatal(err)
	}
	if e.ID != "e1" {
		t.Fatalf("got entry %s, want e1", e.ID)
	}
}
