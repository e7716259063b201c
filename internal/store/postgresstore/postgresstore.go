// Package postgresstore implements store.Store over database/sql with the
// pgx/v5 stdlib driver, following the teacher's own pattern in
// internal/platform/server/wagering_postgres.go and ledger_postgres.go: a
// thin struct wrapping *sql.DB, hand-written SQL with $N placeholders,
// ON CONFLICT upserts for idempotent writes, and sql.ErrNoRows mapped to a
// typed "not found" result. The teacher opens its pool with
// sql.Open("pgx", url) against the anonymously imported
// github.com/jackc/pgx/v5/stdlib driver rather than a native pgxpool.Pool;
// this package does the same so cmd/balanced/main.go can keep using
// database/sql's *sql.DB as the single handle type across the service,
// exactly like cmd/rgsd/main.go does.
package postgresstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wizardbeardstudio/balance-service/internal/domain"
	"github.com/wizardbeardstudio/balance-service/internal/store"
)

// row is satisfied by both *sql.Row and *sql.Rows, letting scanTransaction
// and scanReservation share one body regardless of single-row or
// multi-row callers.
type row interface {
	Scan(dest ...any) error
}

func marshalMetadata(m domain.Metadata) ([]byte, error) {
	return json.Marshal(m)
}

func unmarshalMetadata(raw []byte, m *domain.Metadata) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, m)
}

func scanTransaction(r row) (*domain.Transaction, error) {
	var tx domain.Transaction
	var txType, status string
	var meta []byte
	err := r.Scan(&tx.TransactionID, &tx.IdempotencyKey, &txType, &tx.AccountID, &tx.Amount, &tx.BalanceAfter, &tx.BalanceBefore, &meta, &status, &tx.CreatedAt, &tx.CompletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	tx.Type = domain.TransactionType(txType)
	tx.Status = domain.TransactionStatus(status)
	if err := unmarshalMetadata(meta, &tx.Metadata); err != nil {
		return nil, err
	}
	return &tx, nil
}

func scanReservation(r row) (*domain.Reservation, error) {
	var res domain.Reservation
	var status string
	err := r.Scan(&res.ReservationID, &res.AccountID, &res.Amount, &res.TableID, &res.IdempotencyKey, &res.ExpiresAt, &status, &res.TransactionID, &res.CreatedAt, &res.CommittedAt, &res.ReleasedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	res.Status = domain.ReservationStatus(status)
	return &res, nil
}

// Store implements store.Store against Postgres.
type Store struct {
	db *sql.DB
}

// New wraps an already-opened *sql.DB. Callers are expected to have opened
// it via sql.Open("pgx", url) against the pgx/v5/stdlib driver, exactly as
// cmd/balanced/main.go does.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Schema is the DDL this store expects; cmd/balanced/main.go executes it at
// startup before building the store, mirroring how the teacher
// ships its schema alongside wagering_postgres.go rather than through a
// generated migration tool.
const Schema = `
CREATE TABLE IF NOT EXISTS balance_accounts (
  account_id  TEXT PRIMARY KEY,
  balance     BIGINT NOT NULL,
  currency    TEXT NOT NULL,
  version     BIGINT NOT NULL,
  created_at  TIMESTAMPTZ NOT NULL,
  updated_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS balance_transactions (
  transaction_id   TEXT PRIMARY KEY,
  idempotency_key  TEXT NOT NULL,
  type             TEXT NOT NULL,
  account_id       TEXT NOT NULL REFERENCES balance_accounts(account_id),
  amount           BIGINT NOT NULL,
  balance_after    BIGINT NOT NULL,
  balance_before   BIGINT NOT NULL,
  metadata         JSONB NOT NULL,
  status           TEXT NOT NULL,
  created_at       TIMESTAMPTZ NOT NULL,
  completed_at     TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS balance_transactions_account_idx ON balance_transactions (account_id, created_at DESC);

CREATE TABLE IF NOT EXISTS balance_reservations (
  reservation_id   TEXT PRIMARY KEY,
  account_id       TEXT NOT NULL,
  amount           BIGINT NOT NULL,
  table_id         TEXT NOT NULL,
  idempotency_key  TEXT NOT NULL,
  expires_at       TIMESTAMPTZ NOT NULL,
  status           TEXT NOT NULL,
  transaction_id   TEXT NOT NULL DEFAULT '',
  created_at       TIMESTAMPTZ NOT NULL,
  committed_at     TIMESTAMPTZ,
  released_at      TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS balance_reservations_account_idx ON balance_reservations (account_id, status);
CREATE INDEX IF NOT EXISTS balance_reservations_expiry_idx ON balance_reservations (status, expires_at);

CREATE TABLE IF NOT EXISTS balance_ledger (
  entry_id          TEXT PRIMARY KEY,
  account_id        TEXT NOT NULL,
  transaction_id    TEXT NOT NULL,
  type              TEXT NOT NULL,
  amount            BIGINT NOT NULL,
  balance_before    BIGINT NOT NULL,
  balance_after     BIGINT NOT NULL,
  metadata          JSONB NOT NULL,
  previous_checksum TEXT NOT NULL,
  checksum          TEXT NOT NULL,
  occurred_at       TIMESTAMPTZ NOT NULL,
  seq               BIGSERIAL
);
CREATE INDEX IF NOT EXISTS balance_ledger_account_seq_idx ON balance_ledger (account_id, seq);

CREATE TABLE IF NOT EXISTS balance_pots (
  pot_id              TEXT PRIMARY KEY,
  table_id            TEXT NOT NULL,
  hand_id             TEXT NOT NULL,
  contributions       JSONB NOT NULL,
  contribution_types  JSONB NOT NULL DEFAULT '{}',
  pots                JSONB NOT NULL,
  rake_amount         BIGINT NOT NULL,
  status              TEXT NOT NULL,
  version             BIGINT NOT NULL,
  created_at          TIMESTAMPTZ NOT NULL,
  settled_at          TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS balance_idempotency (
  key               TEXT PRIMARY KEY,
  serialized_result JSONB NOT NULL,
  request_hash      TEXT NOT NULL,
  expires_at        TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS balance_idempotency_expiry_idx ON balance_idempotency (expires_at);
`

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *Store) GetAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	const q = `SELECT account_id, balance, currency, version, created_at, updated_at FROM balance_accounts WHERE account_id = $1`
	var acc domain.Account
	err := s.db.QueryRowContext(ctx, q, accountID).Scan(&acc.AccountID, &acc.Balance, &acc.Currency, &acc.Version, &acc.CreatedAt, &acc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

func (s *Store) CreateAccount(ctx context.Context, acc domain.Account) error {
	const q = `INSERT INTO balance_accounts (account_id, balance, currency, version, created_at, updated_at) VALUES ($1,$2,$3,$4,$5,$6)`
	_, err := s.db.ExecContext(ctx, q, acc.AccountID, acc.Balance, acc.Currency, acc.Version, acc.CreatedAt, acc.UpdatedAt)
	if isUniqueViolation(err) {
		return store.ErrVersionConflict
	}
	return err
}

func (s *Store) UpdateAccountWithVersion(ctx context.Context, next domain.Account, expectedVersion int64) error {
	const q = `UPDATE balance_accounts SET balance=$1, version=$2, updated_at=$3 WHERE account_id=$4 AND version=$5`
	res, err := s.db.ExecContext(ctx, q, next.Balance, next.Version, next.UpdatedAt, next.AccountID, expectedVersion)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		exists, gerr := s.GetAccount(ctx, next.AccountID)
		if gerr != nil {
			return gerr
		}
		if exists == nil {
			return store.ErrNotFound
		}
		return store.ErrVersionConflict
	}
	return nil
}

func (s *Store) PutTransaction(ctx context.Context, tx domain.Transaction) error {
	meta, err := marshalMetadata(tx.Metadata)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO balance_transactions (transaction_id, idempotency_key, type, account_id, amount, balance_after, balance_before, metadata, status, created_at, completed_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (transaction_id) DO UPDATE SET status = EXCLUDED.status, completed_at = EXCLUDED.completed_at`
	_, err = s.db.ExecContext(ctx, q, tx.TransactionID, tx.IdempotencyKey, string(tx.Type), tx.AccountID, tx.Amount, tx.BalanceAfter, tx.BalanceBefore, meta, string(tx.Status), tx.CreatedAt, tx.CompletedAt)
	return err
}

func (s *Store) GetTransaction(ctx context.Context, transactionID string) (*domain.Transaction, error) {
	const q = `SELECT transaction_id, idempotency_key, type, account_id, amount, balance_after, balance_before, metadata, status, created_at, completed_at FROM balance_transactions WHERE transaction_id = $1`
	return scanTransaction(s.db.QueryRowContext(ctx, q, transactionID))
}

func (s *Store) ListTransactionsByAccount(ctx context.Context, accountID string, txType domain.TransactionType, limit, offset int) ([]domain.Transaction, int, error) {
	args := []any{accountID}
	typeClause := ""
	if txType != "" {
		typeClause = ` AND type = $2`
		args = append(args, string(txType))
	}

	var total int
	countQ := `SELECT COUNT(*) FROM balance_transactions WHERE account_id = $1` + typeClause
	if err := s.db.QueryRowContext(ctx, countQ, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	q := `SELECT transaction_id, idempotency_key, type, account_id, amount, balance_after, balance_before, metadata, status, created_at, completed_at FROM balance_transactions WHERE account_id = $1` + typeClause + ` ORDER BY created_at DESC`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *tx)
	}
	return out, total, rows.Err()
}

func (s *Store) GetReservation(ctx context.Context, reservationID string) (*domain.Reservation, error) {
	const q = `SELECT reservation_id, account_id, amount, table_id, idempotency_key, expires_at, status, transaction_id, created_at, committed_at, released_at FROM balance_reservations WHERE reservation_id = $1`
	return scanReservation(s.db.QueryRowContext(ctx, q, reservationID))
}

func (s *Store) PutReservation(ctx context.Context, r domain.Reservation) error {
	const q = `
INSERT INTO balance_reservations (reservation_id, account_id, amount, table_id, idempotency_key, expires_at, status, transaction_id, created_at, committed_at, released_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (reservation_id) DO UPDATE SET
  status = EXCLUDED.status,
  transaction_id = EXCLUDED.transaction_id,
  committed_at = EXCLUDED.committed_at,
  released_at = EXCLUDED.released_at`
	_, err := s.db.ExecContext(ctx, q, r.ReservationID, r.AccountID, r.Amount, r.TableID, r.IdempotencyKey, r.ExpiresAt, string(r.Status), r.TransactionID, r.CreatedAt, r.CommittedAt, r.ReleasedAt)
	return err
}

func (s *Store) ListHeldReservationsByAccount(ctx context.Context, accountID string) ([]domain.Reservation, error) {
	const q = `SELECT reservation_id, account_id, amount, table_id, idempotency_key, expires_at, status, transaction_id, created_at, committed_at, released_at FROM balance_reservations WHERE account_id = $1 AND status = 'HELD'`
	rows, err := s.db.QueryContext(ctx, q, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *Store) ListExpiredHeld(ctx context.Context, asOf time.Time) ([]string, error) {
	const q = `SELECT reservation_id FROM balance_reservations WHERE status = 'HELD' AND expires_at <= $1 ORDER BY reservation_id`
	rows, err := s.db.QueryContext(ctx, q, asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) AppendLedgerEntry(ctx context.Context, e domain.LedgerEntry) error {
	meta, err := marshalMetadata(e.Metadata)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO balance_ledger (entry_id, account_id, transaction_id, type, amount, balance_before, balance_after, metadata, previous_checksum, checksum, occurred_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`
	_, err = s.db.ExecContext(ctx, q, e.EntryID, e.AccountID, e.TransactionID, string(e.Type), e.Amount, e.BalanceBefore, e.BalanceAfter, meta, e.PreviousChecksum, e.Checksum, e.Timestamp)
	return err
}

func (s *Store) LatestChecksum(ctx context.Context, accountID string) (string, error) {
	const q = `SELECT checksum FROM balance_ledger WHERE account_id = $1 ORDER BY seq DESC LIMIT 1`
	var checksum string
	err := s.db.QueryRowContext(ctx, q, accountID).Scan(&checksum)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return checksum, err
}

func (s *Store) ListLedgerEntries(ctx context.Context, accountID string) ([]domain.LedgerEntry, error) {
	const q = `SELECT entry_id, account_id, transaction_id, type, amount, balance_before, balance_after, metadata, previous_checksum, checksum, occurred_at FROM balance_ledger WHERE account_id = $1 ORDER BY seq`
	rows, err := s.db.QueryContext(ctx, q, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		var meta []byte
		var txType string
		if err := rows.Scan(&e.EntryID, &e.AccountID, &e.TransactionID, &txType, &e.Amount, &e.BalanceBefore, &e.BalanceAfter, &meta, &e.PreviousChecksum, &e.Checksum, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Type = domain.TransactionType(txType)
		if err := unmarshalMetadata(meta, &e.Metadata); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) ListAccountIDs(ctx context.Context) ([]string, error) {
	const q = `SELECT DISTINCT account_id FROM balance_ledger ORDER BY account_id`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) GetPot(ctx context.Context, potID string) (*domain.TablePot, error) {
	const q = `SELECT pot_id, table_id, hand_id, contributions, contribution_types, pots, rake_amount, status, version, created_at, settled_at FROM balance_pots WHERE pot_id = $1`
	var p domain.TablePot
	var contributions, contributionTypes, pots []byte
	var status string
	err := s.db.QueryRowContext(ctx, q, potID).Scan(&p.PotID, &p.TableID, &p.HandID, &contributions, &contributionTypes, &pots, &p.RakeAmount, &status, &p.Version, &p.CreatedAt, &p.SettledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.Status = domain.PotStatus(status)
	if err := json.Unmarshal(contributions, &p.Contributions); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(contributionTypes, &p.ContributionTypes); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(pots, &p.Pots); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) PutPot(ctx context.Context, p domain.TablePot) error {
	contributions, err := json.Marshal(p.Contributions)
	if err != nil {
		return err
	}
	contributionTypes, err := json.Marshal(p.ContributionTypes)
	if err != nil {
		return err
	}
	pots, err := json.Marshal(p.Pots)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO balance_pots (pot_id, table_id, hand_id, contributions, contribution_types, pots, rake_amount, status, version, created_at, settled_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (pot_id) DO UPDATE SET
  contributions = EXCLUDED.contributions,
  contribution_types = EXCLUDED.contribution_types,
  pots = EXCLUDED.pots,
  rake_amount = EXCLUDED.rake_amount,
  status = EXCLUDED.status,
  version = EXCLUDED.version,
  settled_at = EXCLUDED.settled_at`
	_, err = s.db.ExecContext(ctx, q, p.PotID, p.TableID, p.HandID, contributions, contributionTypes, pots, p.RakeAmount, string(p.Status), p.Version, p.CreatedAt, p.SettledAt)
	return err
}

func (s *Store) GetIdempotency(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	const q = `SELECT key, serialized_result, request_hash, expires_at FROM balance_idempotency WHERE key = $1 AND expires_at > NOW()`
	var rec domain.IdempotencyRecord
	var payload []byte
	err := s.db.QueryRowContext(ctx, q, key).Scan(&rec.Key, &payload, &rec.RequestHash, &rec.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.SerializedResult = payload
	return &rec, nil
}

func (s *Store) PutIdempotency(ctx context.Context, rec domain.IdempotencyRecord) error {
	const q = `
INSERT INTO balance_idempotency (key, serialized_result, request_hash, expires_at)
VALUES ($1,$2,$3,$4)
ON CONFLICT (key) DO UPDATE SET serialized_result = EXCLUDED.serialized_result, request_hash = EXCLUDED.request_hash, expires_at = EXCLUDED.expires_at`
	_, err := s.db.ExecContext(ctx, q, rec.Key, rec.SerializedResult, rec.RequestHash, rec.ExpiresAt)
	return err
}

func (s *Store) DeleteExpiredIdempotency(ctx context.Context, now time.Time, batchSize int) (int64, error) {
	const q = `DELETE FROM balance_idempotency WHERE key IN (SELECT key FROM balance_idempotency WHERE expires_at <= $1 LIMIT $2)`
	res, err := s.db.ExecContext(ctx, q, now, batchSize)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

var _ store.Store = (*Store)(nil)
