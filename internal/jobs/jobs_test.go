package jobs

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/wizardbeardstudio/balance-service/internal/accounting"
	"github.com/wizardbeardstudio/balance-service/internal/domain"
	"github.com/wizardbeardstudio/balance-service/internal/idempotency"
	"github.com/wizardbeardstudio/balance-service/internal/keyedmutex"
	"github.com/wizardbeardstudio/balance-service/internal/ledger"
	"github.com/wizardbeardstudio/balance-service/internal/platform/clock"
	"github.com/wizardbeardstudio/balance-service/internal/reservation"
	"github.com/wizardbeardstudio/balance-service/internal/store/memstore"
)

func TestReservationExpiryJobTickTransitionsExpiredHolds(t *testing.T) {
	st := memstore.New()
	chain := ledger.New(st)
	accountLock := keyedmutex.New()
	resvLock := keyedmutex.New()
	acctCache := idempotency.New(st, keyedmutex.New(), time.Hour)
	resvCache := idempotency.New(st, keyedmutex.New(), time.Hour)
	clk := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	acct := accounting.New(st, chain, accountLock, acctCache, clk, nil)
	resv := reservation.New(st, acct, accountLock, resvLock, resvCache, clk, nil, 30*time.Second)

	ctx := context.Background()
	if _, err := acct.EnsureAccount(ctx, "player-1", 1000); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	rr, err := resv.ReserveForBuyIn(ctx, "player-1", "table-1", 500, "job-key-1", 5)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	clk.Advance(10 * time.Second)

	job := NewReservationExpiryJob(resv, time.Second, slog.Default(), nil)
	job.tick(ctx)

	_, err = resv.CommitReservation(ctx, rr.ReservationID)
	if !domain.IsCode(err, domain.CodeReservationExpired) {
		t.Fatalf("expected job tick to have expired the reservation, got %v", err)
	}
}

func TestReservationExpiryJobRunStopsOnCancel(t *testing.T) {
	st := memstore.New()
	chain := ledger.New(st)
	accountLock := keyedmutex.New()
	resvLock := keyedmutex.New()
	acctCache := idempotency.New(st, keyedmutex.New(), time.Hour)
	resvCache := idempotency.New(st, keyedmutex.New(), time.Hour)
	clk := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	acct := accounting.New(st, chain, accountLock, acctCache, clk, nil)
	resv := reservation.New(st, acct, accountLock, resvLock, resvCache, clk, nil, 30*time.Second)

	job := NewReservationExpiryJob(resv, 5*time.Millisecond, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		job.Run(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestLedgerVerificationJobTickValidChain(t *testing.T) {
	st := memstore.New()
	chain := ledger.New(st)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	entry := domain.LedgerEntry{
		EntryID: "l1", TransactionID: "t1", AccountID: "acc-2",
		Type: domain.TxDeposit, Amount: 100, BalanceBefore: 0, BalanceAfter: 100, Timestamp: now,
	}
	if _, err := chain.Append(ctx, entry); err != nil {
		t.Fatalf("append: %v", err)
	}

	job := NewLedgerVerificationJob(chain, time.Second, slog.Default(), nil)
	// tick must not panic and must complete against a real store-backed
	// account listing.
	job.tick(ctx, st.ListAccountIDs)
}

func TestDeleteExpiredIdempotencyDrainsInBatches(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		rec := domain.IdempotencyRecord{
			Key:       "k" + string(rune('a'+i)),
			ExpiresAt: now.Add(-time.Minute),
		}
		if err := st.PutIdempotency(ctx, rec); err != nil {
			t.Fatalf("put idempotency: %v", err)
		}
	}

	deleted, err := st.DeleteExpiredIdempotency(ctx, now, 2)
	if err != nil {
		t.Fatalf("delete expired: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("expected first batch to remove 2 records, got %d", deleted)
	}
	deleted, err = st.DeleteExpiredIdempotency(ctx, now, 2)
	if err != nil {
		t.Fatalf("delete expired second batch: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected second batch to remove the remaining 1 record, got %d", deleted)
	}
}

func TestStartIdempotencyCleanupWorkerStopsOnCancel(t *testing.T) {
	st := memstore.New()
	ctx, cancel := context.WithCancel(context.Background())
	StartIdempotencyCleanupWorker(ctx, st, 5*time.Millisecond, 10, nil)
	time.Sleep(20 * time.Millisecond)
	cancel()
	// Give the background goroutine a moment to observe cancellation; there
	// is no handle to join on, so this just exercises the path without
	// panicking.
	time.Sleep(20 * time.Millisecond)
}
