package account_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/qflashio/engine/account"
	"github.com/qflashio/engine/core"
	"github.com/qflashio/engine/qerr"
	"github.com/qflashio/engine/store"
)

const validAddr = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"
const otherAddr = "BBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB"

func newManager(t *testing.T) (*account.Manager, store.Store) {
	t.Helper()
	s := store.NewMemStore()
	cfg := account.Config{MinBetQU: 10_000, MaxBetQU: 10_000_000, MaxBetsPerMinute: 10}
	return account.New(s, nil, nil, cfg, nil), s
}

func fundAccount(t *testing.T, ctx context.Context, s store.Store, addr string, amount int64) {
	t.Helper()
	if err := s.WithTx(ctx, func(tx store.Tx) error {
		a, _, err := tx.EnsureAccount(ctx, addr)
		if err != nil {
			return err
		}
		a.BalanceQU = amount
		return tx.UpdateAccount(ctx, a)
	}); err != nil {
		t.Fatal(err)
	}
}

func TestValidIdentifierRequiresSixtyUppercase(t *testing.T) {
	if !account.ValidIdentifier(strings.Repeat("A", 60)) {
		t.Fatal("60 uppercase letters should be valid")
	}
	if account.ValidIdentifier(strings.Repeat("A", 59)) {
		t.Fatal("59 letters should be invalid")
	}
	if account.ValidIdentifier(strings.ToLower(strings.Repeat("A", 60))) {
		t.Fatal("lowercase should be invalid")
	}
}

func TestEnsureAccountSeedsTokenOnlyOnce(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	a1, err := m.EnsureAccount(ctx, validAddr)
	if err != nil {
		t.Fatal(err)
	}
	if a1.AuthToken == "" {
		t.Fatal("expected a seeded auth token")
	}
	a2, err := m.EnsureAccount(ctx, validAddr)
	if err != nil {
		t.Fatal(err)
	}
	if a2.AuthToken != a1.AuthToken {
		t.Fatal("second EnsureAccount call must not rotate the token")
	}
}

func TestCreditDepositIsIdempotentOnExternalHash(t *testing.T) {
	m, s := newManager(t)
	ctx := context.Background()

	if err := m.CreditDeposit(ctx, validAddr, 50_000, "0xhash1"); err != nil {
		t.Fatal(err)
	}
	err := m.CreditDeposit(ctx, validAddr, 50_000, "0xhash1")
	if !errors.Is(err, qerr.ErrDuplicateDepositHash) {
		t.Fatalf("expected ErrDuplicateDepositHash, got %v", err)
	}

	acc, err := s.GetAccount(ctx, validAddr)
	if err != nil {
		t.Fatal(err)
	}
	if acc.BalanceQU != 50_000 {
		t.Fatalf("balance = %d, want 50000 (second credit must not apply)", acc.BalanceQU)
	}
}

func TestPlaceWagerRejectsBoundsViolation(t *testing.T) {
	m, s := newManager(t)
	ctx := context.Background()
	s.CreateRound(ctx, &core.Round{ID: "r1", Status: core.RoundOpen})
	fundAccount(t, ctx, s, validAddr, 1_000_000)

	_, err := m.PlaceWager(ctx, validAddr, "r1", core.SideUp, 1)
	if !errors.Is(err, qerr.ErrBoundsViolation) {
		t.Fatalf("expected ErrBoundsViolation, got %v", err)
	}
}

func TestPlaceWagerRejectsDuplicateEntry(t *testing.T) {
	m, s := newManager(t)
	ctx := context.Background()
	s.CreateRound(ctx, &core.Round{ID: "r1", Status: core.RoundOpen})
	fundAccount(t, ctx, s, validAddr, 1_000_000)

	if _, err := m.PlaceWager(ctx, validAddr, "r1", core.SideUp, 100_000); err != nil {
		t.Fatal(err)
	}
	_, err := m.PlaceWager(ctx, validAddr, "r1", core.SideDown, 100_000)
	if !errors.Is(err, qerr.ErrDuplicateUserEntry) {
		t.Fatalf("expected ErrDuplicateUserEntry, got %v", err)
	}
}

func TestPlaceWagerRejectsInsufficientBalance(t *testing.T) {
	m, s := newManager(t)
	ctx := context.Background()
	s.CreateRound(ctx, &core.Round{ID: "r1", Status: core.RoundOpen})
	fundAccount(t, ctx, s, validAddr, 50_000)

	_, err := m.PlaceWager(ctx, validAddr, "r1", core.SideUp, 100_000)
	if !errors.Is(err, qerr.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestPlaceWagerRejectsClosedRound(t *testing.T) {
	m, s := newManager(t)
	ctx := context.Background()
	s.CreateRound(ctx, &core.Round{ID: "r1", Status: core.RoundLocked})
	fundAccount(t, ctx, s, validAddr, 1_000_000)

	_, err := m.PlaceWager(ctx, validAddr, "r1", core.SideUp, 100_000)
	if !errors.Is(err, qerr.ErrRoundNotOpen) {
		t.Fatalf("expected ErrRoundNotOpen, got %v", err)
	}
}

func TestPlaceWagerEnforcesRollingRateLimit(t *testing.T) {
	m, s := newManager(t)
	ctx := context.Background()
	fundAccount(t, ctx, s, validAddr, 100_000_000)

	for i := 0; i < 10; i++ {
		id := "round-" + string(rune('a'+i))
		s.CreateRound(ctx, &core.Round{ID: id, Status: core.RoundOpen})
		if _, err := m.PlaceWager(ctx, validAddr, id, core.SideUp, 10_000); err != nil {
			t.Fatalf("wager %d: %v", i, err)
		}
	}
	s.CreateRound(ctx, &core.Round{ID: "round-eleventh", Status: core.RoundOpen})
	_, err := m.PlaceWager(ctx, validAddr, "round-eleventh", core.SideUp, 10_000)
	if !errors.Is(err, qerr.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited on the 11th wager, got %v", err)
	}
}

func TestAuthenticateRejectsWrongToken(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	acc, err := m.EnsureAccount(ctx, validAddr)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := m.Authenticate(ctx, validAddr, "Bearer wrong-token"); !errors.Is(err, qerr.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	got, err := m.Authenticate(ctx, validAddr, "Bearer "+acc.AuthToken)
	if err != nil {
		t.Fatal(err)
	}
	if got.Address != validAddr {
		t.Fatalf("authenticated address = %s, want %s", got.Address, validAddr)
	}
}

func TestRequestWithdrawalDebitsImmediatelyAndRecordsPending(t *testing.T) {
	m, s := newManager(t)
	ctx := context.Background()
	fundAccount(t, ctx, s, validAddr, 200_000)

	tx, err := m.RequestWithdrawal(ctx, validAddr, otherAddr, 50_000)
	if err != nil {
		t.Fatal(err)
	}
	if tx.Status != core.TxPending {
		t.Fatalf("status = %s, want pending", tx.Status)
	}
	acc, err := s.GetAccount(ctx, validAddr)
	if err != nil {
		t.Fatal(err)
	}
	if acc.BalanceQU != 150_000 {
		t.Fatalf("balance = %d, want 150000", acc.BalanceQU)
	}
}
