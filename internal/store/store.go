// Package store defines the typed persistence contract used by every
// engine in the balance service. Three interchangeable backends implement
// it: internal/store/memstore (process-local map, the default for tests and
// single-instance deployments), internal/store/postgresstore (pgx-backed,
// grounded in the teacher's wagering_postgres.go/ledger_postgres.go SQL
// idioms), and internal/store/redisstore (go-redis-backed, grounded in the
// example pack's Redis idempotency services and this spec's explicit
// hash/list/sorted-set/set/TTL keyspace layout).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/wizardbeardstudio/balance-service/internal/domain"
)

// ErrVersionConflict is returned by UpdateAccountWithVersion when the
// expected version no longer matches the stored version. Engines translate
// this into domain.CodeVersionConflict and retry.
var ErrVersionConflict = errors.New("store: account version conflict")

// ErrNotFound is returned by UpdateAccountWithVersion when the account does
// not exist. Getters signal an absent record with a nil result instead.
var ErrNotFound = errors.New("store: not found")

// AccountStore persists Account records with optimistic version CAS.
type AccountStore interface {
	GetAccount(ctx context.Context, accountID string) (*domain.Account, error)
	// CreateAccount inserts a brand new account at version 0. Returns
	// ErrVersionConflict (reused as the "already exists" signal) if the
	// account id is already taken; callers treat that as "use the existing
	// one" per ensureAccount's semantics.
	CreateAccount(ctx context.Context, acc domain.Account) error
	// UpdateAccountWithVersion performs the CAS write described in §4.3:
	// succeeds only if the stored version equals expectedVersion.
	UpdateAccountWithVersion(ctx context.Context, next domain.Account, expectedVersion int64) error
}

// TransactionStore persists immutable Transaction records.
type TransactionStore interface {
	PutTransaction(ctx context.Context, tx domain.Transaction) error
	GetTransaction(ctx context.Context, transactionID string) (*domain.Transaction, error)
	ListTransactionsByAccount(ctx context.Context, accountID string, txType domain.TransactionType, limit, offset int) ([]domain.Transaction, int, error)
}

// ReservationStore persists Reservation records and the expiry index.
type ReservationStore interface {
	GetReservation(ctx context.Context, reservationID string) (*domain.Reservation, error)
	PutReservation(ctx context.Context, r domain.Reservation) error
	// ListHeldReservationsByAccount returns every HELD reservation for an
	// account; used to compute the reserved total under the account lock.
	ListHeldReservationsByAccount(ctx context.Context, accountID string) ([]domain.Reservation, error)
	// ListExpiredHeld returns reservation ids with status HELD and
	// expiresAt <= asOf, for the expiry job to drive.
	ListExpiredHeld(ctx context.Context, asOf time.Time) ([]string, error)
}

// LedgerStore persists the append-only per-account hash chain.
type LedgerStore interface {
	AppendLedgerEntry(ctx context.Context, e domain.LedgerEntry) error
	LatestChecksum(ctx context.Context, accountID string) (string, error)
	ListLedgerEntries(ctx context.Context, accountID string) ([]domain.LedgerEntry, error)
	// ListAccountIDs enumerates every account id with at least one ledger
	// entry, for the bulk verification job. redisstore also returns accounts
	// that were created but have no ledger entries yet.
	ListAccountIDs(ctx context.Context) ([]string, error)
}

// PotStore persists TablePot records.
type PotStore interface {
	GetPot(ctx context.Context, potID string) (*domain.TablePot, error)
	PutPot(ctx context.Context, p domain.TablePot) error
}

// IdempotencyStore persists idempotency records with TTL.
type IdempotencyStore interface {
	GetIdempotency(ctx context.Context, key string) (*domain.IdempotencyRecord, error)
	PutIdempotency(ctx context.Context, rec domain.IdempotencyRecord) error
	// DeleteExpiredIdempotency removes up to batchSize records whose TTL has
	// elapsed as of now, returning the count removed. Grounded in the
	// teacher's ticker+batched-delete cleanup idiom.
	DeleteExpiredIdempotency(ctx context.Context, now time.Time, batchSize int) (int64, error)
}

// Store is the union every engine depends on. Backends implement all of it;
// engines narrow to the sub-interface they actually need in constructors to
// keep call sites honest about what they touch.
type Store interface {
	AccountStore
	TransactionStore
	ReservationStore
	LedgerStore
	PotStore
	IdempotencyStore
}
