// Package jobs implements the two background jobs from spec §4.7: the
// reservation expiry scan and the ledger verification sweep. Both follow
// the teacher's ticker-loop idiom used for idempotency-key cleanup
// (internal/platform/server/ledger_postgres.go's
// StartIdempotencyCleanupWorker) and session cleanup
// (internal/platform/server/identity_postgres.go's
// StartSessionCleanupWorker): a time.NewTicker driving a select against
// ctx.Done(), with a logger callback and (here) explicit observer hooks
// instead of the teacher's (logger func(string, ...any), observer
// func(int64, error)) pair, generalized to the two distinct jobs this
// service runs.
package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/wizardbeardstudio/balance-service/internal/idempotency"
	"github.com/wizardbeardstudio/balance-service/internal/ledger"
	"github.com/wizardbeardstudio/balance-service/internal/metrics"
	"github.com/wizardbeardstudio/balance-service/internal/reservation"
)

// ReservationExpiryJob periodically invokes ProcessExpiredReservations,
// per §4.7. Overlapping runs are harmless: the reservation KeyedMutex each
// run acquires prevents any reservation from transitioning twice.
type ReservationExpiryJob struct {
	engine   *reservation.Engine
	interval time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewReservationExpiryJob builds a ReservationExpiryJob.
func NewReservationExpiryJob(engine *reservation.Engine, interval time.Duration, logger *slog.Logger, m *metrics.Metrics) *ReservationExpiryJob {
	return &ReservationExpiryJob{engine: engine, interval: interval, logger: logger, metrics: m}
}

// Run blocks, ticking every j.interval until ctx is cancelled. Intended to
// be launched in its own goroutine by the composition root.
func (j *ReservationExpiryJob) Run(ctx context.Context) {
	if j.interval <= 0 {
		return
	}
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.tick(ctx)
		}
	}
}

func (j *ReservationExpiryJob) tick(ctx context.Context) {
	n, err := j.engine.ProcessExpiredReservations(ctx)
	if err != nil {
		if j.metrics != nil {
			j.metrics.ReservationExpiryRuns.WithLabelValues("error").Inc()
		}
		if j.logger != nil {
			j.logger.Error("reservation expiry job failed", "error", err)
		}
		return
	}
	if j.metrics != nil {
		j.metrics.ReservationExpiryRuns.WithLabelValues("ok").Inc()
	}
	if n > 0 && j.logger != nil {
		j.logger.Info("reservation expiry job transitioned reservations", "count", n)
	}
}

// LedgerVerificationJob periodically enumerates every account with ledger
// activity and verifies its hash chain, per §4.7.
type LedgerVerificationJob struct {
	chain    *ledger.Chain
	interval time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewLedgerVerificationJob builds a LedgerVerificationJob.
func NewLedgerVerificationJob(chain *ledger.Chain, interval time.Duration, logger *slog.Logger, m *metrics.Metrics) *LedgerVerificationJob {
	return &LedgerVerificationJob{chain: chain, interval: interval, logger: logger, metrics: m}
}

// Run blocks, ticking every j.interval until ctx is cancelled.
func (j *LedgerVerificationJob) Run(ctx context.Context, listAccountIDs func(context.Context) ([]string, error)) {
	if j.interval <= 0 {
		return
	}
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.tick(ctx, listAccountIDs)
		}
	}
}

func (j *LedgerVerificationJob) tick(ctx context.Context, listAccountIDs func(context.Context) ([]string, error)) {
	ids, err := listAccountIDs(ctx)
	if err != nil {
		if j.logger != nil {
			j.logger.Error("ledger verification job failed to list accounts", "error", err)
		}
		return
	}
	allValid, results, err := j.chain.VerifyAll(ctx, ids)
	if err != nil {
		if j.metrics != nil {
			j.metrics.LedgerVerifyRuns.WithLabelValues("error").Inc()
		}
		if j.logger != nil {
			j.logger.Error("ledger verification job failed", "error", err)
		}
		return
	}
	label := "ok"
	if !allValid {
		label = "invalid"
	}
	if j.metrics != nil {
		j.metrics.LedgerVerifyRuns.WithLabelValues(label).Inc()
	}
	if !allValid {
		for accountID, r := range results {
			if !r.Valid {
				if j.metrics != nil {
					j.metrics.LedgerIntegrityAlerts.Inc()
				}
				if j.logger != nil {
					j.logger.Error("ledger integrity check failed",
						"accountId", accountID,
						"entriesChecked", r.EntriesChecked,
						"firstInvalidEntry", r.FirstInvalidID,
					)
				}
			}
		}
	}
}

// StartIdempotencyCleanupWorker periodically deletes expired idempotency
// records via store, directly mirroring the teacher's
// StartIdempotencyCleanupWorker/StartSessionCleanupWorker ticker-plus-
// inner-drain-loop idiom: each tick drains the expired backlog in batches
// until a batch returns fewer than batchSize rows.
func StartIdempotencyCleanupWorker(ctx context.Context, st idempotency.Store, interval time.Duration, batchSize int, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	if batchSize <= 0 {
		batchSize = 500
	}
	deleter, ok := st.(interface {
		DeleteExpiredIdempotency(ctx context.Context, now time.Time, batchSize int) (int64, error)
	})
	if !ok {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for {
					deleted, err := deleter.DeleteExpiredIdempotency(ctx, time.Now().UTC(), batchSize)
					if err != nil {
						if logger != nil {
							logger.Error("idempotency cleanup failed", "error", err)
						}
						break
					}
					if deleted == 0 {
						break
					}
					if logger != nil {
						logger.Info("idempotency cleanup removed expired keys", "count", deleted)
					}
					if deleted < int64(batchSize) {
						break
					}
				}
			}
		}
	}()
}
