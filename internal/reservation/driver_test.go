package reservation

import (
	"context"
	"testing"
	"time"

	"github.com/wizardbeardstudio/balance-service/internal/accounting"
	"github.com/wizardbeardstudio/balance-service/internal/domain"
	"github.com/wizardbeardstudio/balance-service/internal/idempotency"
	"github.com/wizardbeardstudio/balance-service/internal/keyedmutex"
	"github.com/wizardbeardstudio/balance-service/internal/ledger"
	"github.com/wizardbeardstudio/balance-service/internal/platform/clock"
	"github.com/wizardbeardstudio/balance-service/internal/store/memstore"
)

func newTestReservationEngine() (*Engine, *accounting.Engine, *memstore.Store, *clock.Manual) {
	st := memstore.New()
	chain := ledger.New(st)
	accountLock := keyedmutex.New()
	resvLock := keyedmutex.New()
	acctCache := idempotency.New(st, keyedmutex.New(), time.Hour)
	resvCache := idempotency.New(st, keyedmutex.New(), time.Hour)
	clk := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	acct := accounting.New(st, chain, accountLock, acctCache, clk, nil)
	resv := New(st, acct, accountLock, resvLock, resvCache, clk, nil, 30*time.Second)
	return resv, acct, st, clk
}

func TestTwoPhaseBuyInThenCommit(t *testing.T) {
	resv, acct, _, _ := newTestReservationEngine()
	ctx := context.Background()

	if _, err := acct.EnsureAccount(ctx, "player-1", 5000); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	rr, err := resv.ReserveForBuyIn(ctx, "player-1", "table-1", 2000, "reserve-key-1", 0)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if rr.AvailableBalance != 3000 {
		t.Fatalf("expected available balance 3000 after hold, got %d", rr.AvailableBalance)
	}

	bal, err := acct.GetBalance(ctx, "player-1")
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if bal.Balance != 5000 || bal.AvailableBalance != 3000 {
		t.Fatalf("expected raw=5000 available=3000 while held, got %+v", bal)
	}

	cr, err := resv.CommitReservation(ctx, rr.ReservationID)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if cr.NewBalance != 3000 {
		t.Fatalf("expected balance 3000 after commit, got %d", cr.NewBalance)
	}

	bal, err = acct.GetBalance(ctx, "player-1")
	if err != nil {
		t.Fatalf("get balance after commit: %v", err)
	}
	if bal.Balance != 3000 || bal.AvailableBalance != 3000 {
		t.Fatalf("expected balance and available balance both 3000 post-commit, got %+v", bal)
	}
}

func TestReserveRejectsWhenInsufficientAvailableBalance(t *testing.T) {
	resv, acct, _, _ := newTestReservationEngine()
	ctx := context.Background()
	if _, err := acct.EnsureAccount(ctx, "player-2", 1000); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	_, err := resv.ReserveForBuyIn(ctx, "player-2", "table-1", 5000, "reserve-key-2", 0)
	if !domain.IsCode(err, domain.CodeInsufficientBalance) {
		t.Fatalf("expected INSUFFICIENT_BALANCE, got %v", err)
	}
}

func TestReleaseRestoresAvailability(t *testing.T) {
	resv, acct, _, _ := newTestReservationEngine()
	ctx := context.Background()
	if _, err := acct.EnsureAccount(ctx, "player-3", 4000); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	rr, err := resv.ReserveForBuyIn(ctx, "player-3", "table-1", 1500, "reserve-key-3", 0)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	available, err := resv.ReleaseReservation(ctx, rr.ReservationID, "player left table")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if available != 4000 {
		t.Fatalf("expected available balance restored to 4000, got %d", available)
	}
}

func TestCommitRejectsReleasedReservation(t *testing.T) {
	resv, acct, _, _ := newTestReservationEngine()
	ctx := context.Background()
	if _, err := acct.EnsureAccount(ctx, "player-4", 1000); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	rr, err := resv.ReserveForBuyIn(ctx, "player-4", "table-1", 500, "reserve-key-4", 0)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := resv.ReleaseReservation(ctx, rr.ReservationID, "cancel"); err != nil {
		t.Fatalf("release: %v", err)
	}

	_, err = resv.CommitReservation(ctx, rr.ReservationID)
	if !domain.IsCode(err, domain.CodeReservationNotHeld) {
		t.Fatalf("expected RESERVATION_NOT_HELD committing a released reservation, got %v", err)
	}
}

func TestCommitIsIdempotentOnDoubleCall(t *testing.T) {
	resv, acct, _, _ := newTestReservationEngine()
	ctx := context.Background()
	if _, err := acct.EnsureAccount(ctx, "player-5", 2000); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	rr, err := resv.ReserveForBuyIn(ctx, "player-5", "table-1", 700, "reserve-key-5", 0)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	first, err := resv.CommitReservation(ctx, rr.ReservationID)
	if err != nil {
		t.Fatalf("first commit: %v", err)
	}
	second, err := resv.CommitReservation(ctx, rr.ReservationID)
	if err != nil {
		t.Fatalf("second commit: %v", err)
	}
	if second.TransactionID != first.TransactionID || second.NewBalance != first.NewBalance {
		t.Fatalf("expected identical replay on re-commit, got %+v vs %+v", first, second)
	}
}

func TestProcessExpiredReservationsTransitionsPastExpiryHoldsOnly(t *testing.T) {
	resv, acct, _, clk := newTestReservationEngine()
	ctx := context.Background()
	if _, err := acct.EnsureAccount(ctx, "player-6", 3000); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	expiring, err := resv.ReserveForBuyIn(ctx, "player-6", "table-1", 1000, "reserve-key-6", 5)
	if err != nil {
		t.Fatalf("reserve expiring: %v", err)
	}
	stillLive, err := resv.ReserveForBuyIn(ctx, "player-6", "table-1", 500, "reserve-key-6b", 3600)
	if err != nil {
		t.Fatalf("reserve still-live: %v", err)
	}

	clk.Advance(10 * time.Second)

	n, err := resv.ProcessExpiredReservations(ctx)
	if err != nil {
		t.Fatalf("process expired: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected exactly one reservation to expire, got %d", n)
	}

	_, err = resv.CommitReservation(ctx, expiring.ReservationID)
	if !domain.IsCode(err, domain.CodeReservationExpired) {
		t.Fatalf("expected expired reservation to reject commit with RESERVATION_EXPIRED, got %v", err)
	}

	bal, err := acct.GetBalance(ctx, "player-6")
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	// Only the still-live 500 hold remains against the 3000 balance.
	if bal.AvailableBalance != 2500 {
		t.Fatalf("expected available balance 2500 after expiry swept the first hold, got %d", bal.AvailableBalance)
	}
	_ = stillLive
}
