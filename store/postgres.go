package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq"

	"github.com/qflashio/engine/core"
)

// Schema is the DDL applied by Migrate. It is intentionally plain SQL run
// through database/sql rather than a migration framework, matching the
// rest of the dependency pack's direct lib/pq usage.
const Schema = `
CREATE TABLE IF NOT EXISTS rounds (
	id               TEXT PRIMARY KEY,
	pair             TEXT NOT NULL,
	duration         INTEGER NOT NULL,
	status           TEXT NOT NULL,
	open_at          TIMESTAMPTZ NOT NULL,
	lock_at          TIMESTAMPTZ NOT NULL,
	close_at         TIMESTAMPTZ NOT NULL,
	opening_price    DOUBLE PRECISION NOT NULL DEFAULT 0,
	closing_price    DOUBLE PRECISION NOT NULL DEFAULT 0,
	outcome          TEXT NOT NULL DEFAULT '',
	up_pool_qu       BIGINT NOT NULL DEFAULT 0,
	down_pool_qu     BIGINT NOT NULL DEFAULT 0,
	entry_count      INTEGER NOT NULL DEFAULT 0,
	platform_fee_qu  BIGINT NOT NULL DEFAULT 0,
	commitment_hash  TEXT NOT NULL DEFAULT '',
	resolved_at      TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS rounds_status_idx ON rounds (status);
CREATE INDEX IF NOT EXISTS rounds_pair_duration_idx ON rounds (pair, duration);

CREATE TABLE IF NOT EXISTS entries (
	id         TEXT PRIMARY KEY,
	round_id   TEXT NOT NULL REFERENCES rounds(id),
	address    TEXT NOT NULL,
	side       TEXT NOT NULL,
	amount_qu  BIGINT NOT NULL,
	payout_qu  BIGINT,
	status     TEXT NOT NULL,
	is_house   BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS entries_round_idx ON entries (round_id);
CREATE UNIQUE INDEX IF NOT EXISTS entries_round_address_uniq
	ON entries (round_id, address) WHERE NOT is_house;

CREATE TABLE IF NOT EXISTS accounts (
	address             TEXT PRIMARY KEY,
	balance_qu          BIGINT NOT NULL DEFAULT 0,
	total_deposited_qu  BIGINT NOT NULL DEFAULT 0,
	total_withdrawn_qu  BIGINT NOT NULL DEFAULT 0,
	total_wagered_qu    BIGINT NOT NULL DEFAULT 0,
	total_won_qu        BIGINT NOT NULL DEFAULT 0,
	total_lost_qu       BIGINT NOT NULL DEFAULT 0,
	total_refunded_qu   BIGINT NOT NULL DEFAULT 0,
	win_count           INTEGER NOT NULL DEFAULT 0,
	loss_count          INTEGER NOT NULL DEFAULT 0,
	push_count          INTEGER NOT NULL DEFAULT 0,
	current_streak      INTEGER NOT NULL DEFAULT 0,
	best_streak         INTEGER NOT NULL DEFAULT 0,
	auth_token          TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS price_snapshots (
	id               TEXT PRIMARY KEY,
	round_id         TEXT NOT NULL REFERENCES rounds(id),
	kind             TEXT NOT NULL,
	pair             TEXT NOT NULL,
	median_price     DOUBLE PRECISION NOT NULL,
	sources          JSONB NOT NULL,
	attestation_hash TEXT NOT NULL,
	fetched_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS snapshots_round_idx ON price_snapshots (round_id);

CREATE TABLE IF NOT EXISTS ledger_tx (
	id               TEXT PRIMARY KEY,
	address          TEXT NOT NULL,
	kind             TEXT NOT NULL,
	amount_qu        BIGINT NOT NULL,
	round_id         TEXT NOT NULL DEFAULT '',
	external_tx_hash TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS ledger_tx_address_idx ON ledger_tx (address, created_at DESC);
CREATE UNIQUE INDEX IF NOT EXISTS ledger_tx_deposit_hash_uniq
	ON ledger_tx (address, external_tx_hash) WHERE kind = 'deposit' AND external_tx_hash <> '';

CREATE TABLE IF NOT EXISTS house_ledger (
	id               TEXT PRIMARY KEY,
	round_id         TEXT NOT NULL,
	entry_id         TEXT NOT NULL DEFAULT '',
	kind             TEXT NOT NULL,
	amount_qu        BIGINT NOT NULL,
	balance_after_qu BIGINT NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS named_locks (
	name        TEXT PRIMARY KEY,
	owner       TEXT NOT NULL,
	acquired_at TIMESTAMPTZ NOT NULL,
	expires_at  TIMESTAMPTZ NOT NULL
);
`

// PostgresStore is the production Store implementation.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres opens a connection pool to dsn and verifies connectivity.
// Pool sizing follows the teacher pack's convention of a modest bounded
// pool rather than the default unbounded one.
func OpenPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// Migrate applies Schema. Safe to call on every startup.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, Schema)
	return err
}

func (p *PostgresStore) Close() error {
	return p.db.Close()
}

func scanRound(row interface{ Scan(...any) error }) (*core.Round, error) {
	var r core.Round
	var outcome, commitmentHash string
	var resolvedAt sql.NullTime
	err := row.Scan(
		&r.ID, &r.Pair, &r.Duration, &r.Status, &r.OpenAt, &r.LockAt, &r.CloseAt,
		&r.OpeningPrice, &r.ClosingPrice, &outcome, &r.UpPoolQU, &r.DownPoolQU,
		&r.EntryCount, &r.PlatformFeeQU, &commitmentHash, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Outcome = core.Outcome(outcome)
	r.CommitmentHash = commitmentHash
	if resolvedAt.Valid {
		r.ResolvedAt = resolvedAt.Time
	}
	return &r, nil
}

const roundColumns = `id, pair, duration, status, open_at, lock_at, close_at,
	opening_price, closing_price, outcome, up_pool_qu, down_pool_qu,
	entry_count, platform_fee_qu, commitment_hash, resolved_at`

func (p *PostgresStore) CreateRound(ctx context.Context, r *core.Round) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO rounds (id, pair, duration, status, open_at, lock_at, close_at,
			opening_price, closing_price, outcome, up_pool_qu, down_pool_qu,
			entry_count, platform_fee_qu, commitment_hash, resolved_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`, r.ID, r.Pair, r.Duration, r.Status, r.OpenAt, r.LockAt, r.CloseAt,
		r.OpeningPrice, r.ClosingPrice, string(r.Outcome), r.UpPoolQU, r.DownPoolQU,
		r.EntryCount, r.PlatformFeeQU, r.CommitmentHash, nullTime(r.ResolvedAt))
	return err
}

func (p *PostgresStore) GetRound(ctx context.Context, id string) (*core.Round, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+roundColumns+` FROM rounds WHERE id = $1`, id)
	r, err := scanRound(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) CASRoundStatus(ctx context.Context, id string, expected, next core.RoundStatus) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE rounds SET status = $1 WHERE id = $2 AND status = $3`, next, id, expected)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (p *PostgresStore) queryRounds(ctx context.Context, query string, args ...any) ([]*core.Round, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*core.Round
	for rows.Next() {
		r, err := scanRound(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) RoundsReadyToOpen(ctx context.Context) ([]*core.Round, error) {
	return p.queryRounds(ctx, `SELECT `+roundColumns+` FROM rounds WHERE status = $1 AND open_at <= NOW()`, core.RoundUpcoming)
}

func (p *PostgresStore) RoundsReadyToLock(ctx context.Context) ([]*core.Round, error) {
	return p.queryRounds(ctx, `SELECT `+roundColumns+` FROM rounds WHERE status = $1 AND lock_at <= NOW()`, core.RoundOpen)
}

func (p *PostgresStore) RoundsReadyToResolve(ctx context.Context) ([]*core.Round, error) {
	return p.queryRounds(ctx, `SELECT `+roundColumns+` FROM rounds WHERE status = $1 AND close_at <= NOW()`, core.RoundLocked)
}

func (p *PostgresStore) StaleResolvingRounds(ctx context.Context, olderThan time.Duration) ([]*core.Round, error) {
	return p.queryRounds(ctx,
		`SELECT `+roundColumns+` FROM rounds WHERE status = $1 AND close_at < NOW() - $2::interval`,
		core.RoundResolving, fmt.Sprintf("%d seconds", int(olderThan.Seconds())))
}

func (p *PostgresStore) UpcomingCount(ctx context.Context, pair string, duration core.Duration) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM rounds WHERE status = $1 AND pair = $2 AND duration = $3`,
		core.RoundUpcoming, pair, duration).Scan(&n)
	return n, err
}

func (p *PostgresStore) ActiveRounds(ctx context.Context, pair string, duration core.Duration) ([]*core.Round, error) {
	query := `SELECT ` + roundColumns + ` FROM rounds WHERE status NOT IN ('resolved', 'cancelled')`
	var args []any
	n := 1
	if pair != "" {
		query += fmt.Sprintf(" AND pair = $%d", n)
		args = append(args, pair)
		n++
	}
	if duration != 0 {
		query += fmt.Sprintf(" AND duration = $%d", n)
		args = append(args, duration)
		n++
	}
	return p.queryRounds(ctx, query, args...)
}

func (p *PostgresStore) RecentResolved(ctx context.Context, n int) ([]*core.Round, error) {
	return p.queryRounds(ctx,
		`SELECT `+roundColumns+` FROM rounds WHERE status = $1 ORDER BY resolved_at DESC LIMIT $2`,
		core.RoundResolved, n)
}

func (p *PostgresStore) ListRounds(ctx context.Context, pair string, duration core.Duration, status core.RoundStatus, limit int) ([]*core.Round, error) {
	query := `SELECT ` + roundColumns + ` FROM rounds WHERE 1=1`
	var args []any
	n := 1
	if pair != "" {
		query += fmt.Sprintf(" AND pair = $%d", n)
		args = append(args, pair)
		n++
	}
	if duration != 0 {
		query += fmt.Sprintf(" AND duration = $%d", n)
		args = append(args, duration)
		n++
	}
	if status != "" {
		query += fmt.Sprintf(" AND status = $%d", n)
		args = append(args, status)
		n++
	}
	query += " ORDER BY open_at DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", n)
		args = append(args, limit)
		n++
	}
	return p.queryRounds(ctx, query, args...)
}

func (p *PostgresStore) LastCloseAt(ctx context.Context, pair string, duration core.Duration) (time.Time, bool, error) {
	var t time.Time
	err := p.db.QueryRowContext(ctx,
		`SELECT MAX(close_at) FROM rounds WHERE pair = $1 AND duration = $2`, pair, duration).Scan(&t)
	if errors.Is(err, sql.ErrNoRows) || t.IsZero() {
		return time.Time{}, false, nil
	}
	return t, err == nil, err
}

func scanEntry(row interface{ Scan(...any) error }) (*core.Entry, error) {
	var e core.Entry
	var side, status string
	var payout sql.NullInt64
	if err := row.Scan(&e.ID, &e.RoundID, &e.Address, &side, &e.AmountQU, &payout, &status, &e.IsHouse); err != nil {
		return nil, err
	}
	e.Side = core.Side(side)
	e.Status = core.EntryStatus(status)
	if payout.Valid {
		v := payout.Int64
		e.PayoutQU = &v
	}
	return &e, nil
}

const entryColumns = `id, round_id, address, side, amount_qu, payout_qu, status, is_house`

func (p *PostgresStore) ListEntriesForRound(ctx context.Context, roundID string) ([]*core.Entry, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM entries WHERE round_id = $1`, roundID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*core.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) GetEntryByAddress(ctx context.Context, roundID, address string) (*core.Entry, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM entries WHERE round_id = $1 AND address = $2 AND NOT is_house`, roundID, address)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	return e, err
}

func scanAccount(row interface{ Scan(...any) error }) (*core.Account, error) {
	var a core.Account
	err := row.Scan(&a.Address, &a.BalanceQU, &a.TotalDepositedQU, &a.TotalWithdrawnQU,
		&a.TotalWageredQU, &a.TotalWonQU, &a.TotalLostQU, &a.TotalRefundedQU,
		&a.WinCount, &a.LossCount, &a.PushCount, &a.CurrentStreak, &a.BestStreak, &a.AuthToken)
	return &a, err
}

const accountColumns = `address, balance_qu, total_deposited_qu, total_withdrawn_qu,
	total_wagered_qu, total_won_qu, total_lost_qu, total_refunded_qu,
	win_count, loss_count, push_count, current_streak, best_streak, auth_token`

func (p *PostgresStore) GetAccount(ctx context.Context, address string) (*core.Account, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE address = $1`, address)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	return a, err
}

func (p *PostgresStore) EnsureAccount(ctx context.Context, address string) (*core.Account, bool, error) {
	var created bool
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO accounts (address) VALUES ($1)
		ON CONFLICT (address) DO NOTHING
		RETURNING true
	`, address)
	var ok sql.NullBool
	err := row.Scan(&ok)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, false, err
	}
	created = ok.Valid && ok.Bool
	acc, err := p.GetAccount(ctx, address)
	return acc, created, err
}

func (p *PostgresStore) ListSnapshots(ctx context.Context, roundID string) ([]*core.PriceSnapshot, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, round_id, kind, pair, median_price, sources, attestation_hash, fetched_at
		FROM price_snapshots WHERE round_id = $1 ORDER BY fetched_at ASC`, roundID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*core.PriceSnapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanSnapshot(row interface{ Scan(...any) error }) (*core.PriceSnapshot, error) {
	var s core.PriceSnapshot
	var kind string
	var sourcesJSON []byte
	if err := row.Scan(&s.ID, &s.RoundID, &kind, &s.Pair, &s.MedianPrice, &sourcesJSON, &s.AttestationHash, &s.FetchedAt); err != nil {
		return nil, err
	}
	s.Kind = core.SnapshotKind(kind)
	if err := json.Unmarshal(sourcesJSON, &s.Sources); err != nil {
		return nil, err
	}
	return &s, nil
}

func (p *PostgresStore) ListRecentLedgerTx(ctx context.Context, address string, n int) ([]*core.LedgerTx, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, address, kind, amount_qu, round_id, external_tx_hash, status, created_at
		FROM ledger_tx WHERE address = $1 ORDER BY created_at DESC LIMIT $2`, address, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*core.LedgerTx
	for rows.Next() {
		var t core.LedgerTx
		var kind, status string
		if err := rows.Scan(&t.ID, &t.Address, &kind, &t.AmountQU, &t.RoundID, &t.ExternalTxHash, &status, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Kind = core.TxKind(kind)
		t.Status = core.TxStatus(status)
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (p *PostgresStore) HasConfirmedDeposit(ctx context.Context, address, externalTxHash string) (bool, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM ledger_tx
		WHERE address = $1 AND external_tx_hash = $2 AND kind = 'deposit' AND status = 'confirmed'`,
		address, externalTxHash).Scan(&n)
	return n > 0, err
}

func (p *PostgresStore) PendingWithdrawals(ctx context.Context) ([]*core.LedgerTx, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, address, kind, amount_qu, round_id, external_tx_hash, status, created_at
		FROM ledger_tx WHERE kind = 'withdrawal' AND status = 'pending' ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*core.LedgerTx
	for rows.Next() {
		var t core.LedgerTx
		var kind, status string
		if err := rows.Scan(&t.ID, &t.Address, &kind, &t.AmountQU, &t.RoundID, &t.ExternalTxHash, &status, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Kind = core.TxKind(kind)
		t.Status = core.TxStatus(status)
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (p *PostgresStore) MarkLedgerTxStatus(ctx context.Context, id string, status core.TxStatus) error {
	res, err := p.db.ExecContext(ctx, `UPDATE ledger_tx SET status = $2 WHERE id = $1`, id, string(status))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return core.ErrNotFound
	}
	return nil
}

func (p *PostgresStore) TotalBalancesQU(ctx context.Context) (int64, error) {
	var total sql.NullInt64
	err := p.db.QueryRowContext(ctx, `SELECT SUM(balance_qu) FROM accounts`).Scan(&total)
	return total.Int64, err
}

func (p *PostgresStore) HouseExposureTotal(ctx context.Context) (int64, error) {
	var total sql.NullInt64
	err := p.db.QueryRowContext(ctx, `
		SELECT SUM(e.amount_qu) FROM entries e
		JOIN rounds r ON r.id = e.round_id
		WHERE e.is_house AND e.status = 'active' AND r.status NOT IN ('resolved', 'cancelled')`).Scan(&total)
	return total.Int64, err
}

// AcquireLock steals the lock if it is unheld or expired, atomically, via a
// single UPSERT guarded by the expiry predicate.
func (p *PostgresStore) AcquireLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO named_locks (name, owner, acquired_at, expires_at)
		VALUES ($1, $2, NOW(), NOW() + $3::interval)
		ON CONFLICT (name) DO UPDATE SET owner = EXCLUDED.owner,
			acquired_at = EXCLUDED.acquired_at, expires_at = EXCLUDED.expires_at
		WHERE named_locks.expires_at < NOW() OR named_locks.owner = $2
	`, name, owner, fmt.Sprintf("%d seconds", int(ttl.Seconds())))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (p *PostgresStore) ReleaseLock(ctx context.Context, name, owner string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM named_locks WHERE name = $1 AND owner = $2`, name, owner)
	return err
}

// WithTx follows the teacher pack's BeginTx / defer Rollback / Commit shape:
// a transaction that is never explicitly committed rolls back harmlessly
// when the function returns, so a panic or early return can never leave a
// half-applied settlement visible to other readers.
func (p *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			log.Printf("[store] rollback failed: %v", rbErr)
		}
	}()

	if err := fn(&pgTx{tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) GetRoundForUpdate(ctx context.Context, id string) (*core.Round, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+roundColumns+` FROM rounds WHERE id = $1 FOR UPDATE`, id)
	r, err := scanRound(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	return r, err
}

func (t *pgTx) InsertRound(ctx context.Context, r *core.Round) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO rounds (id, pair, duration, status, open_at, lock_at, close_at,
			opening_price, closing_price, outcome, up_pool_qu, down_pool_qu,
			entry_count, platform_fee_qu, commitment_hash, resolved_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`, r.ID, r.Pair, r.Duration, r.Status, r.OpenAt, r.LockAt, r.CloseAt,
		r.OpeningPrice, r.ClosingPrice, string(r.Outcome), r.UpPoolQU, r.DownPoolQU,
		r.EntryCount, r.PlatformFeeQU, r.CommitmentHash, nullTime(r.ResolvedAt))
	return err
}

func (t *pgTx) UpdateRound(ctx context.Context, r *core.Round) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE rounds SET pair=$2, duration=$3, status=$4, open_at=$5, lock_at=$6, close_at=$7,
			opening_price=$8, closing_price=$9, outcome=$10, up_pool_qu=$11, down_pool_qu=$12,
			entry_count=$13, platform_fee_qu=$14, commitment_hash=$15, resolved_at=$16
		WHERE id=$1
	`, r.ID, r.Pair, r.Duration, r.Status, r.OpenAt, r.LockAt, r.CloseAt,
		r.OpeningPrice, r.ClosingPrice, string(r.Outcome), r.UpPoolQU, r.DownPoolQU,
		r.EntryCount, r.PlatformFeeQU, r.CommitmentHash, nullTime(r.ResolvedAt))
	return err
}

func (t *pgTx) CASRoundStatus(ctx context.Context, id string, expected, next core.RoundStatus) (bool, error) {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE rounds SET status = $1 WHERE id = $2 AND status = $3`, next, id, expected)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (t *pgTx) InsertSnapshot(ctx context.Context, s *core.PriceSnapshot) error {
	sourcesJSON, err := json.Marshal(s.Sources)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO price_snapshots (id, round_id, kind, pair, median_price, sources, attestation_hash, fetched_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, s.ID, s.RoundID, string(s.Kind), s.Pair, s.MedianPrice, sourcesJSON, s.AttestationHash, s.FetchedAt)
	return err
}

func (t *pgTx) InsertEntry(ctx context.Context, e *core.Entry) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO entries (id, round_id, address, side, amount_qu, payout_qu, status, is_house)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, e.ID, e.RoundID, e.Address, string(e.Side), e.AmountQU, nullInt64(e.PayoutQU), string(e.Status), e.IsHouse)
	return err
}

func (t *pgTx) GetEntryByAddress(ctx context.Context, roundID, address string) (*core.Entry, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM entries WHERE round_id = $1 AND address = $2 AND NOT is_house FOR UPDATE`, roundID, address)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	return e, err
}

func (t *pgTx) ListActiveEntries(ctx context.Context, roundID string) ([]*core.Entry, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT `+entryColumns+` FROM entries WHERE round_id = $1 AND status = 'active' FOR UPDATE`, roundID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*core.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (t *pgTx) UpdateEntry(ctx context.Context, e *core.Entry) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE entries SET side=$2, amount_qu=$3, payout_qu=$4, status=$5, is_house=$6 WHERE id=$1
	`, e.ID, string(e.Side), e.AmountQU, nullInt64(e.PayoutQU), string(e.Status), e.IsHouse)
	return err
}

func (t *pgTx) GetAccountForUpdate(ctx context.Context, address string) (*core.Account, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE address = $1 FOR UPDATE`, address)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	return a, err
}

func (t *pgTx) EnsureAccount(ctx context.Context, address string) (*core.Account, bool, error) {
	var ok sql.NullBool
	row := t.tx.QueryRowContext(ctx, `
		INSERT INTO accounts (address) VALUES ($1)
		ON CONFLICT (address) DO NOTHING
		RETURNING true
	`, address)
	err := row.Scan(&ok)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, false, err
	}
	created := ok.Valid && ok.Bool
	acc, err := t.GetAccountForUpdate(ctx, address)
	return acc, created, err
}

func (t *pgTx) UpdateAccount(ctx context.Context, a *core.Account) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE accounts SET balance_qu=$2, total_deposited_qu=$3, total_withdrawn_qu=$4,
			total_wagered_qu=$5, total_won_qu=$6, total_lost_qu=$7, total_refunded_qu=$8,
			win_count=$9, loss_count=$10, push_count=$11, current_streak=$12, best_streak=$13,
			auth_token=$14
		WHERE address=$1
	`, a.Address, a.BalanceQU, a.TotalDepositedQU, a.TotalWithdrawnQU, a.TotalWageredQU,
		a.TotalWonQU, a.TotalLostQU, a.TotalRefundedQU, a.WinCount, a.LossCount,
		a.PushCount, a.CurrentStreak, a.BestStreak, a.AuthToken)
	return err
}

func (t *pgTx) InsertLedgerTx(ctx context.Context, tx *core.LedgerTx) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO ledger_tx (id, address, kind, amount_qu, round_id, external_tx_hash, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, tx.ID, tx.Address, string(tx.Kind), tx.AmountQU, tx.RoundID, tx.ExternalTxHash, string(tx.Status), tx.CreatedAt)
	return err
}

func (t *pgTx) HasConfirmedDeposit(ctx context.Context, address, externalTxHash string) (bool, error) {
	var n int
	err := t.tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM ledger_tx
		WHERE address = $1 AND external_tx_hash = $2 AND kind = 'deposit' AND status = 'confirmed'`,
		address, externalTxHash).Scan(&n)
	return n > 0, err
}

func (t *pgTx) InsertHouseLedgerEntry(ctx context.Context, e *core.HouseLedgerEntry) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO house_ledger (id, round_id, entry_id, kind, amount_qu, balance_after_qu, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, e.ID, e.RoundID, e.EntryID, string(e.Kind), e.AmountQU, e.BalanceAfterQU, e.CreatedAt)
	return err
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
