package settlement_test

import (
	"context"
	"testing"

	"github.com/qflashio/engine/core"
	"github.com/qflashio/engine/settlement"
	"github.com/qflashio/engine/store"
)

func seedRound(t *testing.T, s store.Store, ctx context.Context, id string) {
	t.Helper()
	if err := s.CreateRound(ctx, &core.Round{
		ID: id, Pair: "BTC-USD", Duration: core.Duration30s,
		Status: core.RoundResolving, OpeningPrice: 100.0,
	}); err != nil {
		t.Fatal(err)
	}
}

func seedEntry(t *testing.T, s store.Store, ctx context.Context, id, roundID, address string, side core.Side, amount int64, isHouse bool) {
	t.Helper()
	if err := s.WithTx(ctx, func(tx store.Tx) error {
		if _, _, err := tx.EnsureAccount(ctx, address); err != nil {
			return err
		}
		return tx.InsertEntry(ctx, &core.Entry{
			ID: id, RoundID: roundID, Address: address, Side: side,
			AmountQU: amount, Status: core.EntryActive, IsHouse: isHouse,
		})
	}); err != nil {
		t.Fatal(err)
	}
}

func balanceOf(t *testing.T, s store.Store, ctx context.Context, address string) int64 {
	t.Helper()
	acc, err := s.GetAccount(ctx, address)
	if err != nil {
		t.Fatal(err)
	}
	return acc.BalanceQU
}

// TestSettleTwoSidedWinMatchesWorkedExample reproduces the two-sided up
// win example: A bets 100000 up, B bets 200000 down, closing price rises,
// feeBps=300 ⇒ fee=6000, A.payout=294000, B.payout=0.
func TestSettleTwoSidedWinMatchesWorkedExample(t *testing.T) {
	s := store.NewMemStore()
	ctx := context.Background()
	seedRound(t, s, ctx, "r1")
	seedEntry(t, s, ctx, "eA", "r1", "A", core.SideUp, 100_000, false)
	seedEntry(t, s, ctx, "eB", "r1", "B", core.SideDown, 200_000, false)

	eng := settlement.New(s, nil)
	round, err := s.GetRound(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	round.ClosingPrice = 101.0
	if err := eng.Settle(ctx, round, core.OutcomeUp, 300); err != nil {
		t.Fatal(err)
	}

	if got := balanceOf(t, s, ctx, "A"); got != 294_000 {
		t.Fatalf("A balance = %d, want 294000", got)
	}
	if got := balanceOf(t, s, ctx, "B"); got != 0 {
		t.Fatalf("B balance = %d, want 0", got)
	}
	r, err := s.GetRound(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != core.RoundResolved {
		t.Fatalf("round status = %s, want resolved", r.Status)
	}
	if r.PlatformFeeQU != 6_000 {
		t.Fatalf("platform fee = %d, want 6000", r.PlatformFeeQU)
	}
}

// TestSettlePushRefundsBothSides reproduces the push example: both entries
// get status push with payout equal to their stake, fee 0.
func TestSettlePushRefundsBothSides(t *testing.T) {
	s := store.NewMemStore()
	ctx := context.Background()
	seedRound(t, s, ctx, "r1")
	seedEntry(t, s, ctx, "eA", "r1", "A", core.SideUp, 50_000, false)
	seedEntry(t, s, ctx, "eB", "r1", "B", core.SideDown, 50_000, false)

	eng := settlement.New(s, nil)
	round, _ := s.GetRound(ctx, "r1")
	round.ClosingPrice = 100.0
	if err := eng.Settle(ctx, round, core.OutcomePush, 300); err != nil {
		t.Fatal(err)
	}

	if got := balanceOf(t, s, ctx, "A"); got != 50_000 {
		t.Fatalf("A balance = %d, want 50000", got)
	}
	if got := balanceOf(t, s, ctx, "B"); got != 50_000 {
		t.Fatalf("B balance = %d, want 50000", got)
	}
	entries, err := s.ListEntriesForRound(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.Status != core.EntryPush {
			t.Fatalf("entry %s status = %s, want push", e.ID, e.Status)
		}
	}
}

// TestSettleOneSidedWithHouseMatchesWorkedExample reproduces the
// one-sided-with-house example: A bets 100000 up, house matched 100000
// down, outcome up, fee=3000, A.payout=197000, house entry lost.
func TestSettleOneSidedWithHouseMatchesWorkedExample(t *testing.T) {
	s := store.NewMemStore()
	ctx := context.Background()
	seedRound(t, s, ctx, "r1")
	seedEntry(t, s, ctx, "eA", "r1", "A", core.SideUp, 100_000, false)
	seedEntry(t, s, ctx, "eHouse", "r1", core.HouseAddress, core.SideDown, 100_000, true)

	eng := settlement.New(s, nil)
	round, _ := s.GetRound(ctx, "r1")
	round.ClosingPrice = 101.0
	if err := eng.Settle(ctx, round, core.OutcomeUp, 300); err != nil {
		t.Fatal(err)
	}

	if got := balanceOf(t, s, ctx, "A"); got != 197_000 {
		t.Fatalf("A balance = %d, want 197000", got)
	}
	houseEntries, err := s.ListEntriesForRound(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range houseEntries {
		if e.IsHouse && e.Status != core.EntryLost {
			t.Fatalf("house entry status = %s, want lost", e.Status)
		}
	}
}

// TestSettleOneSidedNoHouseRefundsEverything covers the one-sided guard
// when no house match exists: the sole side gets its stake back in full.
func TestSettleOneSidedNoHouseRefundsEverything(t *testing.T) {
	s := store.NewMemStore()
	ctx := context.Background()
	seedRound(t, s, ctx, "r1")
	seedEntry(t, s, ctx, "eA", "r1", "A", core.SideUp, 100_000, false)

	eng := settlement.New(s, nil)
	round, _ := s.GetRound(ctx, "r1")
	round.ClosingPrice = 101.0
	if err := eng.Settle(ctx, round, core.OutcomeUp, 300); err != nil {
		t.Fatal(err)
	}

	if got := balanceOf(t, s, ctx, "A"); got != 100_000 {
		t.Fatalf("A balance = %d, want 100000 (full refund)", got)
	}
	entries, _ := s.ListEntriesForRound(ctx, "r1")
	if entries[0].Status != core.EntryRefunded {
		t.Fatalf("entry status = %s, want refunded", entries[0].Status)
	}
}

// TestSettleTwiceIsNoop verifies the round-trip law: calling Settle again
// on an already-resolved round must not re-credit any entry or account.
func TestSettleTwiceIsNoop(t *testing.T) {
	s := store.NewMemStore()
	ctx := context.Background()
	seedRound(t, s, ctx, "r1")
	seedEntry(t, s, ctx, "eA", "r1", "A", core.SideUp, 100_000, false)
	seedEntry(t, s, ctx, "eB", "r1", "B", core.SideDown, 200_000, false)

	eng := settlement.New(s, nil)
	round, err := s.GetRound(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	round.ClosingPrice = 101.0
	if err := eng.Settle(ctx, round, core.OutcomeUp, 300); err != nil {
		t.Fatal(err)
	}

	balA := balanceOf(t, s, ctx, "A")
	balB := balanceOf(t, s, ctx, "B")
	accA, err := s.GetAccount(ctx, "A")
	if err != nil {
		t.Fatal(err)
	}
	wonA, wageredA := accA.TotalWonQU, accA.TotalWageredQU

	if err := eng.Settle(ctx, round, core.OutcomeUp, 300); err != nil {
		t.Fatalf("second Settle call returned an error, want a no-op: %v", err)
	}

	if got := balanceOf(t, s, ctx, "A"); got != balA {
		t.Fatalf("A balance changed on second Settle: got %d, want %d", got, balA)
	}
	if got := balanceOf(t, s, ctx, "B"); got != balB {
		t.Fatalf("B balance changed on second Settle: got %d, want %d", got, balB)
	}
	accA, err = s.GetAccount(ctx, "A")
	if err != nil {
		t.Fatal(err)
	}
	if accA.TotalWonQU != wonA || accA.TotalWageredQU != wageredA {
		t.Fatalf("A stats changed on second Settle: won %d->%d, wagered %d->%d", wonA, accA.TotalWonQU, wageredA, accA.TotalWageredQU)
	}
	r, err := s.GetRound(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != core.RoundResolved {
		t.Fatalf("round status = %s, want resolved", r.Status)
	}
}

func TestCancelAndRefundReturnsStakesAndCancelsRound(t *testing.T) {
	s := store.NewMemStore()
	ctx := context.Background()
	seedRound(t, s, ctx, "r1")
	seedEntry(t, s, ctx, "eA", "r1", "A", core.SideUp, 40_000, false)

	eng := settlement.New(s, nil)
	if err := eng.CancelAndRefund(ctx, "r1"); err != nil {
		t.Fatal(err)
	}
	if got := balanceOf(t, s, ctx, "A"); got != 40_000 {
		t.Fatalf("A balance = %d, want 40000", got)
	}
	r, err := s.GetRound(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != core.RoundCancelled {
		t.Fatalf("round status = %s, want cancelled", r.Status)
	}
}
