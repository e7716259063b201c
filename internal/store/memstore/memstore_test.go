package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/wizardbeardstudio/balance-service/internal/domain"
	"github.com/wizardbeardstudio/balance-service/internal/store"
)

func TestCreateAccountRejectsDuplicate(t *testing.T) {
	s := New()
	ctx := context.Background()
	acc := domain.Account{AccountID: "a1", Balance: 100}
	if err := s.CreateAccount(ctx, acc); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.CreateAccount(ctx, acc); err != store.ErrVersionConflict {
		t.Fatalf("expected ErrVersionConflict on duplicate create, got %v", err)
	}
}

func TestUpdateAccountWithVersionEnforcesCAS(t *testing.T) {
	s := New()
	ctx := context.Background()
	acc := domain.Account{AccountID: "a2", Balance: 100, Version: 0}
	if err := s.CreateAccount(ctx, acc); err != nil {
		t.Fatalf("create: %v", err)
	}

	next := acc
	next.Balance = 200
	next.Version = 1
	if err := s.UpdateAccountWithVersion(ctx, next, 0); err != nil {
		t.Fatalf("update at correct version: %v", err)
	}

	stale := acc
	stale.Balance = 300
	stale.Version = 1
	if err := s.UpdateAccountWithVersion(ctx, stale, 0); err != store.ErrVersionConflict {
		t.Fatalf("expected ErrVersionConflict updating against a stale version, got %v", err)
	}
}

func TestUpdateAccountWithVersionMissingAccount(t *testing.T) {
	s := New()
	err := s.UpdateAccountWithVersion(context.Background(), domain.Account{AccountID: "ghost"}, 0)
	if err != store.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListTransactionsByAccountFiltersByTypeAndPaginates(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		txType := domain.TxDeposit
		if i%2 == 0 {
			txType = domain.TxWithdraw
		}
		tx := domain.Transaction{
			TransactionID: "tx" + string(rune('0'+i)),
			AccountID:     "acc",
			Type:          txType,
			CreatedAt:     base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.PutTransaction(ctx, tx); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}

	deposits, total, err := s.ListTransactionsByAccount(ctx, "acc", domain.TxDeposit, 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 2 || len(deposits) != 2 {
		t.Fatalf("expected 2 deposit transactions, got total=%d len=%d", total, len(deposits))
	}

	all, total, err := s.ListTransactionsByAccount(ctx, "acc", "", 2, 1)
	if err != nil {
		t.Fatalf("list paginated: %v", err)
	}
	if total != 5 || len(all) != 2 {
		t.Fatalf("expected page of 2 out of 5 total, got total=%d len=%d", total, len(all))
	}
}

func TestListHeldReservationsByAccountExcludesNonHeld(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()

	held := domain.Reservation{ReservationID: "r1", AccountID: "acc", Amount: 100, Status: domain.ReservationHeld, ExpiresAt: now.Add(time.Hour)}
	released := domain.Reservation{ReservationID: "r2", AccountID: "acc", Amount: 50, Status: domain.ReservationReleased, ExpiresAt: now.Add(time.Hour)}
	if err := s.PutReservation(ctx, held); err != nil {
		t.Fatalf("put held: %v", err)
	}
	if err := s.PutReservation(ctx, released); err != nil {
		t.Fatalf("put released: %v", err)
	}

	list, err := s.ListHeldReservationsByAccount(ctx, "acc")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].ReservationID != "r1" {
		t.Fatalf("expected only the HELD reservation, got %+v", list)
	}
}

func TestPutReservationTransitionRemovesFromHeldIndex(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()
	r := domain.Reservation{ReservationID: "r3", AccountID: "acc2", Amount: 100, Status: domain.ReservationHeld, ExpiresAt: now.Add(time.Hour)}
	if err := s.PutReservation(ctx, r); err != nil {
		t.Fatalf("put: %v", err)
	}
	r.Status = domain.ReservationCommitted
	if err := s.PutReservation(ctx, r); err != nil {
		t.Fatalf("put committed: %v", err)
	}

	list, err := s.ListHeldReservationsByAccount(ctx, "acc2")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected committed reservation removed from held index, got %+v", list)
	}
}

func TestListExpiredHeldOnlyReturnsPastExpiry(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	expired := domain.Reservation{ReservationID: "r4", AccountID: "acc3", Status: domain.ReservationHeld, ExpiresAt: now.Add(-time.Minute)}
	live := domain.Reservation{ReservationID: "r5", AccountID: "acc3", Status: domain.ReservationHeld, ExpiresAt: now.Add(time.Minute)}
	if err := s.PutReservation(ctx, expired); err != nil {
		t.Fatalf("put expired: %v", err)
	}
	if err := s.PutReservation(ctx, live); err != nil {
		t.Fatalf("put live: %v", err)
	}

	ids, err := s.ListExpiredHeld(ctx, now)
	if err != nil {
		t.Fatalf("list expired: %v", err)
	}
	if len(ids) != 1 || ids[0] != "r4" {
		t.Fatalf("expected only r4 expired, got %v", ids)
	}
}

func TestGetPotReturnsDefensiveCopy(t *testing.T) {
	s := New()
	ctx := context.Background()
	p := domain.TablePot{PotID: "p1", Contributions: map[int]int64{1: 100}}
	if err := s.PutPot(ctx, p); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := s.GetPot(ctx, "p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	got.Contributions[1] = 999
	got.Contributions[2] = 42

	again, err := s.GetPot(ctx, "p1")
	if err != nil {
		t.Fatalf("get again: %v", err)
	}
	if again.Contributions[1] != 100 {
		t.Fatalf("mutating the returned pot must not affect stored state, got %+v", again.Contributions)
	}
	if _, ok := again.Contributions[2]; ok {
		t.Fatalf("mutating the returned pot must not leak new keys into stored state")
	}
}

func TestIdempotencyGetExpiresEntries(t *testing.T) {
	s := New()
	ctx := context.Background()
	rec := domain.IdempotencyRecord{Key: "k1", ExpiresAt: time.Now().Add(-time.Minute)}
	if err := s.PutIdempotency(ctx, rec); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := s.GetIdempotency(ctx, "k1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Fatalf("expected expired idempotency record to read back as absent, got %+v", got)
	}
}

func TestAppendLedgerEntryAndListAccountIDs(t *testing.T) {
	s := New()
	ctx := context.Background()
	e1 := domain.LedgerEntry{EntryID: "e1", AccountID: "acc-x"}
	e2 := domain.LedgerEntry{EntryID: "e2", AccountID: "acc-y"}
	if err := s.AppendLedgerEntry(ctx, e1); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.AppendLedgerEntry(ctx, e2); err != nil {
		t.Fatalf("append: %v", err)
	}
	ids, err := s.ListAccountIDs(ctx)
	if err != nil {
		t.Fatalf("list account ids: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 distinct accounts with ledger activity, got %v", ids)
	}
}
