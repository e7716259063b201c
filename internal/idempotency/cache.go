// Package idempotency implements the get/lock/re-check/execute/store pattern
// used by every write command in the balance service. The pattern itself is
// grounded directly in the teacher's wagering and ledger gRPC handlers
// (internal/platform/server/wagering_grpc.go: idemKey lookup, in-memory
// cache, db-backed replay) and in the Postgres idempotency table helpers in
// wagering_postgres.go (loadIdempotencyResponse/persistIdempotencyResponse).
// The two-tier lock-then-result approach additionally mirrors
// other_examples/d9239494_itskum47-FluxForge's Redis LOCKED/RESULT key
// split, adapted here onto the process-local KeyedMutex instead of a second
// Redis lock key, since this service's lock is in-process, not distributed.
// Per spec §4.2's collision policy, a requestHash is still recorded with
// every stored Envelope for operator-facing diagnostics, but it is never
// compared on lookup: a key reused with a different payload always replays
// the first completed result, exactly as the spec requires.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/wizardbeardstudio/balance-service/internal/domain"
	"github.com/wizardbeardstudio/balance-service/internal/keyedmutex"
)

// ErrCorruptRecord is returned by Decode functions (and never escapes the
// cache) when a stored blob cannot be interpreted as the expected type; the
// command re-executes when this happens.
var ErrCorruptRecord = errors.New("idempotency: corrupt or incompatible cached record")

// Store is the subset of the backing store the cache needs: a typed getter
// and setter for idempotency records, independent of which Store backend
// (memory/postgres/redis) is configured.
type Store interface {
	GetIdempotency(ctx context.Context, key string) (*domain.IdempotencyRecord, error)
	PutIdempotency(ctx context.Context, rec domain.IdempotencyRecord) error
}

// Cache coordinates per-key locking with the backing Store so that
// concurrent callers sharing an idempotency key collapse onto a single
// execution of the underlying command.
type Cache struct {
	store Store
	locks *keyedmutex.KeyedMutex
	ttl   time.Duration
}

// New builds a Cache backed by store, serializing on locks, with ttl applied
// to every record it writes.
func New(store Store, locks *keyedmutex.KeyedMutex, ttl time.Duration) *Cache {
	return &Cache{store: store, locks: locks, ttl: ttl}
}

// Envelope is the wire shape persisted for every cached command result: the
// request hash (recorded for diagnostics; lookups never compare it) plus the
// command-specific payload as a raw JSON blob.
type Envelope struct {
	RequestHash string          `json:"requestHash"`
	Payload     json.RawMessage `json:"payload"`
}

// Execute implements the five-step pattern from the idempotency cache
// contract: read cache, lock, double-check, execute, store. Per §4.2's
// collision policy, the caller is responsible for choosing keys unique per
// distinct intent; this cache never disambiguates conflicting payloads under
// the same key — it always returns the first completed result, whatever
// requestHash the call that produced it carried. fn produces the command's
// result, JSON-encodable.
func Execute[T any](ctx context.Context, c *Cache, key string, requestHash string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	if rec, ok, err := c.lookup(ctx, key); err != nil {
		return zero, err
	} else if ok {
		return decode[T](rec)
	}

	result, err := keyedmutex.WithLockResult(ctx, c.locks, "idempotency:"+key, func(ctx context.Context) (T, error) {
		if rec, ok, err := c.lookup(ctx, key); err != nil {
			return zero, err
		} else if ok {
			return decode[T](rec)
		}

		result, ferr := fn(ctx)
		if storeErr := c.persist(ctx, key, requestHash, result, ferr); storeErr != nil {
			return zero, storeErr
		}
		return result, ferr
	})
	return result, err
}

// Peek looks up a previously stored command result for key without
// executing anything or acquiring key's lock. It exists for §4.4's
// already_committed fallback: commitReservation recovers the committed
// transaction id either from the reservation record or, failing that, from
// the debitBalance command's own idempotency record, which the accounting
// engine stores under "tx:commit-<reservationId>" — a key the reservation
// engine didn't itself
// call Execute with, but knows the shape of. Returns ok=false if the key is
// absent or the stored record doesn't decode as T.
func Peek[T any](ctx context.Context, c *Cache, key string) (T, bool, error) {
	var zero T
	rec, ok, err := c.lookup(ctx, key)
	if err != nil {
		return zero, false, err
	}
	if !ok {
		return zero, false, nil
	}
	v, derr := decode[T](rec)
	if derr != nil {
		return zero, false, nil
	}
	return v, true, nil
}

// lookup reads the cache for key. It returns the stored record as-is with no
// request-hash comparison: §4.2's collision policy leaves disambiguation of
// conflicting payloads under one key entirely to the caller.
func (c *Cache) lookup(ctx context.Context, key string) (*domain.IdempotencyRecord, bool, error) {
	rec, err := c.store.GetIdempotency(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if rec == nil {
		return nil, false, nil
	}
	return rec, true, nil
}

func decode[T any](rec *domain.IdempotencyRecord) (T, error) {
	var zero T
	var env Envelope
	if err := json.Unmarshal(rec.SerializedResult, &env); err != nil {
		return zero, ErrCorruptRecord
	}
	var stored storedOutcome[T]
	if err := json.Unmarshal(env.Payload, &stored); err != nil {
		return zero, ErrCorruptRecord
	}
	if stored.DomainErr != nil {
		return zero, stored.DomainErr
	}
	return stored.Value, nil
}

// storedOutcome captures both success and failure outcomes so that a
// replayed failing command returns the identical failure, per §7's
// "idempotency cache stores both success and failure outcomes" rule.
type storedOutcome[T any] struct {
	Value     T             `json:"value"`
	DomainErr *domain.Error `json:"domainError,omitempty"`
}

// persist stores result/err under key. Only domain.Error failures are
// cached (so the replay is stable); unexpected infrastructure errors are not
// cached, allowing the caller to retry against a fresh attempt.
func (c *Cache) persist(ctx context.Context, key, requestHash string, result any, err error) error {
	var domainErr *domain.Error
	if err != nil {
		de, ok := domain.AsDomainError(err)
		if !ok {
			return nil
		}
		domainErr = de
	}
	outcome := map[string]any{"value": result}
	if domainErr != nil {
		outcome["domainError"] = domainErr
	}
	payload, merr := json.Marshal(outcome)
	if merr != nil {
		return merr
	}
	env := Envelope{RequestHash: requestHash, Payload: payload}
	blob, merr := json.Marshal(env)
	if merr != nil {
		return merr
	}
	rec := domain.IdempotencyRecord{
		Key:              key,
		SerializedResult: blob,
		RequestHash:      requestHash,
		ExpiresAt:        time.Now().UTC().Add(c.ttl),
	}
	return c.store.PutIdempotency(ctx, rec)
}
