package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/qflashio/engine/core"
)

// MemStore is an in-memory Store used by tests. It adapts the teacher's
// StateDB write-buffer-plus-snapshot pattern: WithTx takes a deep copy of
// every map before running the callback and restores it on error, which
// gives the same all-or-nothing guarantee a real transaction gives without
// needing an actual database. Never import this in production code.
type MemStore struct {
	mu sync.Mutex

	rounds    map[string]*core.Round
	entries   map[string]*core.Entry
	accounts  map[string]*core.Account
	snapshots map[string][]*core.PriceSnapshot
	ledger    []*core.LedgerTx
	house     []*core.HouseLedgerEntry
	locks     map[string]*core.NamedLock

	// Clock lets tests control lock expiry without sleeping.
	Clock func() time.Time
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		rounds:    make(map[string]*core.Round),
		entries:   make(map[string]*core.Entry),
		accounts:  make(map[string]*core.Account),
		snapshots: make(map[string][]*core.PriceSnapshot),
		locks:     make(map[string]*core.NamedLock),
		Clock:     time.Now,
	}
}

func (m *MemStore) Close() error { return nil }

func cloneRound(r *core.Round) *core.Round {
	cp := *r
	return &cp
}

func cloneEntry(e *core.Entry) *core.Entry {
	cp := *e
	if e.PayoutQU != nil {
		v := *e.PayoutQU
		cp.PayoutQU = &v
	}
	return &cp
}

func cloneAccount(a *core.Account) *core.Account {
	cp := *a
	return &cp
}

// ---- memSnapshot / restore, mirroring storage.stateSnapshot ----

type memSnapshot struct {
	rounds    map[string]*core.Round
	entries   map[string]*core.Entry
	accounts  map[string]*core.Account
	snapshots map[string][]*core.PriceSnapshot
	ledgerLen int
	houseLen  int
}

func (m *MemStore) takeSnapshot() memSnapshot {
	s := memSnapshot{
		rounds:    make(map[string]*core.Round, len(m.rounds)),
		entries:   make(map[string]*core.Entry, len(m.entries)),
		accounts:  make(map[string]*core.Account, len(m.accounts)),
		snapshots: make(map[string][]*core.PriceSnapshot, len(m.snapshots)),
		ledgerLen: len(m.ledger),
		houseLen:  len(m.house),
	}
	for k, v := range m.rounds {
		s.rounds[k] = cloneRound(v)
	}
	for k, v := range m.entries {
		s.entries[k] = cloneEntry(v)
	}
	for k, v := range m.accounts {
		s.accounts[k] = cloneAccount(v)
	}
	for k, v := range m.snapshots {
		cp := make([]*core.PriceSnapshot, len(v))
		copy(cp, v)
		s.snapshots[k] = cp
	}
	return s
}

func (m *MemStore) restore(s memSnapshot) {
	m.rounds = s.rounds
	m.entries = s.entries
	m.accounts = s.accounts
	m.snapshots = s.snapshots
	if s.ledgerLen < len(m.ledger) {
		m.ledger = m.ledger[:s.ledgerLen]
	}
	if s.houseLen < len(m.house) {
		m.house = m.house[:s.houseLen]
	}
}

// ---- Rounds ----

func (m *MemStore) CreateRound(_ context.Context, r *core.Round) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rounds[r.ID] = cloneRound(r)
	return nil
}

func (m *MemStore) GetRound(_ context.Context, id string) (*core.Round, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rounds[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	return cloneRound(r), nil
}

func (m *MemStore) CASRoundStatus(_ context.Context, id string, expected, next core.RoundStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rounds[id]
	if !ok {
		return false, core.ErrNotFound
	}
	if r.Status != expected {
		return false, nil
	}
	r.Status = next
	return true, nil
}

func (m *MemStore) RoundsReadyToOpen(_ context.Context) ([]*core.Round, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.Clock()
	var out []*core.Round
	for _, r := range m.rounds {
		if r.Status == core.RoundUpcoming && !now.Before(r.OpenAt) {
			out = append(out, cloneRound(r))
		}
	}
	return out, nil
}

func (m *MemStore) RoundsReadyToLock(_ context.Context) ([]*core.Round, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.Clock()
	var out []*core.Round
	for _, r := range m.rounds {
		if r.Status == core.RoundOpen && !now.Before(r.LockAt) {
			out = append(out, cloneRound(r))
		}
	}
	return out, nil
}

func (m *MemStore) RoundsReadyToResolve(_ context.Context) ([]*core.Round, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.Clock()
	var out []*core.Round
	for _, r := range m.rounds {
		if r.Status == core.RoundLocked && !now.Before(r.CloseAt) {
			out = append(out, cloneRound(r))
		}
	}
	return out, nil
}

func (m *MemStore) StaleResolvingRounds(_ context.Context, olderThan time.Duration) ([]*core.Round, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.Clock().Add(-olderThan)
	var out []*core.Round
	for _, r := range m.rounds {
		if r.Status == core.RoundResolving && r.CloseAt.Before(cutoff) {
			out = append(out, cloneRound(r))
		}
	}
	return out, nil
}

func (m *MemStore) UpcomingCount(_ context.Context, pair string, duration core.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.rounds {
		if r.Status == core.RoundUpcoming && r.Pair == pair && r.Duration == duration {
			n++
		}
	}
	return n, nil
}

func (m *MemStore) ActiveRounds(_ context.Context, pair string, duration core.Duration) ([]*core.Round, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*core.Round
	for _, r := range m.rounds {
		if r.Status.Terminal() {
			continue
		}
		if pair != "" && r.Pair != pair {
			continue
		}
		if duration != 0 && r.Duration != duration {
			continue
		}
		out = append(out, cloneRound(r))
	}
	return out, nil
}

func (m *MemStore) RecentResolved(_ context.Context, n int) ([]*core.Round, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*core.Round
	for _, r := range m.rounds {
		if r.Status == core.RoundResolved {
			out = append(out, cloneRound(r))
		}
	}
	// Simple insertion sort by ResolvedAt desc; round counts are small in tests.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].ResolvedAt.After(out[j-1].ResolvedAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	if len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (m *MemStore) ListRounds(_ context.Context, pair string, duration core.Duration, status core.RoundStatus, limit int) ([]*core.Round, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*core.Round
	for _, r := range m.rounds {
		if pair != "" && r.Pair != pair {
			continue
		}
		if duration != 0 && r.Duration != duration {
			continue
		}
		if status != "" && r.Status != status {
			continue
		}
		out = append(out, cloneRound(r))
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].OpenAt.After(out[j-1].OpenAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) LastCloseAt(_ context.Context, pair string, duration core.Duration) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest time.Time
	found := false
	for _, r := range m.rounds {
		if r.Pair != pair || r.Duration != duration {
			continue
		}
		if !found || r.CloseAt.After(latest) {
			latest = r.CloseAt
			found = true
		}
	}
	return latest, found, nil
}

// ---- Entries ----

func (m *MemStore) ListEntriesForRound(_ context.Context, roundID string) ([]*core.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*core.Entry
	for _, e := range m.entries {
		if e.RoundID == roundID {
			out = append(out, cloneEntry(e))
		}
	}
	return out, nil
}

func (m *MemStore) GetEntryByAddress(_ context.Context, roundID, address string) (*core.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.RoundID == roundID && e.Address == address && !e.IsHouse {
			return cloneEntry(e), nil
		}
	}
	return nil, core.ErrNotFound
}

// ---- Accounts ----

func (m *MemStore) GetAccount(_ context.Context, address string) (*core.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[address]
	if !ok {
		return nil, core.ErrNotFound
	}
	return cloneAccount(a), nil
}

func (m *MemStore) EnsureAccount(_ context.Context, address string) (*core.Account, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.accounts[address]; ok {
		return cloneAccount(a), false, nil
	}
	a := &core.Account{Address: address}
	m.accounts[address] = a
	return cloneAccount(a), true, nil
}

// ---- Snapshots ----

func (m *MemStore) ListSnapshots(_ context.Context, roundID string) ([]*core.PriceSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]*core.PriceSnapshot, len(m.snapshots[roundID]))
	copy(cp, m.snapshots[roundID])
	return cp, nil
}

// ---- Ledger ----

func (m *MemStore) ListRecentLedgerTx(_ context.Context, address string, n int) ([]*core.LedgerTx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*core.LedgerTx
	for i := len(m.ledger) - 1; i >= 0 && len(out) < n; i-- {
		if m.ledger[i].Address == address {
			out = append(out, m.ledger[i])
		}
	}
	return out, nil
}

func (m *MemStore) HasConfirmedDeposit(_ context.Context, address, externalTxHash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.ledger {
		if t.Address == address && t.ExternalTxHash == externalTxHash && t.Kind == core.TxDeposit && t.Status == core.TxConfirmed {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemStore) PendingWithdrawals(_ context.Context) ([]*core.LedgerTx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*core.LedgerTx
	for _, t := range m.ledger {
		if t.Kind == core.TxWithdrawal && t.Status == core.TxPending {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *MemStore) MarkLedgerTxStatus(_ context.Context, id string, status core.TxStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.ledger {
		if t.ID == id {
			t.Status = status
			return nil
		}
	}
	return core.ErrNotFound
}

func (m *MemStore) TotalBalancesQU(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, a := range m.accounts {
		total += a.BalanceQU
	}
	return total, nil
}

// ---- House ----

func (m *MemStore) HouseExposureTotal(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, e := range m.entries {
		if e.IsHouse && e.Status == core.EntryActive {
			total += e.AmountQU
		}
	}
	return total, nil
}

// ---- Locks ----

func (m *MemStore) AcquireLock(_ context.Context, name, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.Clock()
	if l, ok := m.locks[name]; ok && l.ExpiresAt.After(now) && l.Owner != owner {
		return false, nil
	}
	m.locks[name] = &core.NamedLock{Name: name, Owner: owner, AcquiredAt: now, ExpiresAt: now.Add(ttl)}
	return true, nil
}

func (m *MemStore) ReleaseLock(_ context.Context, name, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.locks[name]; ok && l.Owner == owner {
		delete(m.locks, name)
	}
	return nil
}

// ---- WithTx ----

func (m *MemStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := m.takeSnapshot()
	tx := &memTx{store: m}
	if err := fn(tx); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

// memTx operates directly on the locked MemStore; WithTx holds m.mu for the
// callback's entire lifetime, so no further locking is needed here. On
// error WithTx discards everything memTx wrote by restoring the snapshot
// taken before fn ran.
type memTx struct {
	store *MemStore
}

func (t *memTx) GetRoundForUpdate(_ context.Context, id string) (*core.Round, error) {
	r, ok := t.store.rounds[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	return cloneRound(r), nil
}

func (t *memTx) InsertRound(_ context.Context, r *core.Round) error {
	t.store.rounds[r.ID] = cloneRound(r)
	return nil
}

func (t *memTx) UpdateRound(_ context.Context, r *core.Round) error {
	if _, ok := t.store.rounds[r.ID]; !ok {
		return core.ErrNotFound
	}
	t.store.rounds[r.ID] = cloneRound(r)
	return nil
}

func (t *memTx) CASRoundStatus(_ context.Context, id string, expected, next core.RoundStatus) (bool, error) {
	r, ok := t.store.rounds[id]
	if !ok {
		return false, core.ErrNotFound
	}
	if r.Status != expected {
		return false, nil
	}
	r.Status = next
	return true, nil
}

func (t *memTx) InsertSnapshot(_ context.Context, s *core.PriceSnapshot) error {
	t.store.snapshots[s.RoundID] = append(t.store.snapshots[s.RoundID], s)
	return nil
}

func (t *memTx) InsertEntry(_ context.Context, e *core.Entry) error {
	if e.ID == "" {
		return fmt.Errorf("entry id required")
	}
	t.store.entries[e.ID] = cloneEntry(e)
	return nil
}

func (t *memTx) GetEntryByAddress(_ context.Context, roundID, address string) (*core.Entry, error) {
	for _, e := range t.store.entries {
		if e.RoundID == roundID && e.Address == address && !e.IsHouse {
			return cloneEntry(e), nil
		}
	}
	return nil, core.ErrNotFound
}

func (t *memTx) ListActiveEntries(_ context.Context, roundID string) ([]*core.Entry, error) {
	var out []*core.Entry
	for _, e := range t.store.entries {
		if e.RoundID == roundID && e.Status == core.EntryActive {
			out = append(out, cloneEntry(e))
		}
	}
	return out, nil
}

func (t *memTx) UpdateEntry(_ context.Context, e *core.Entry) error {
	if _, ok := t.store.entries[e.ID]; !ok {
		return core.ErrNotFound
	}
	t.store.entries[e.ID] = cloneEntry(e)
	return nil
}

func (t *memTx) GetAccountForUpdate(_ context.Context, address string) (*core.Account, error) {
	a, ok := t.store.accounts[address]
	if !ok {
		return nil, core.ErrNotFound
	}
	return cloneAccount(a), nil
}

func (t *memTx) EnsureAccount(_ context.Context, address string) (*core.Account, bool, error) {
	if a, ok := t.store.accounts[address]; ok {
		return cloneAccount(a), false, nil
	}
	a := &core.Account{Address: address}
	t.store.accounts[address] = a
	return cloneAccount(a), true, nil
}

func (t *memTx) UpdateAccount(_ context.Context, a *core.Account) error {
	if _, ok := t.store.accounts[a.Address]; !ok {
		return core.ErrNotFound
	}
	t.store.accounts[a.Address] = cloneAccount(a)
	return nil
}

func (t *memTx) InsertLedgerTx(_ context.Context, tx *core.LedgerTx) error {
	t.store.ledger = append(t.store.ledger, tx)
	return nil
}

func (t *memTx) HasConfirmedDeposit(_ context.Context, address, externalTxHash string) (bool, error) {
	for _, tx := range t.store.ledger {
		if tx.Address == address && tx.ExternalTxHash == externalTxHash && tx.Kind == core.TxDeposit && tx.Status == core.TxConfirmed {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) InsertHouseLedgerEntry(_ context.Context, e *core.HouseLedgerEntry) error {
	t.store.house = append(t.store.house, e)
	return nil
}
