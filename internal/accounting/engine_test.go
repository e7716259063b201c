package accounting

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/wizardbeardstudio/balance-service/internal/domain"
	"github.com/wizardbeardstudio/balance-service/internal/idempotency"
	"github.com/wizardbeardstudio/balance-service/internal/keyedmutex"
	"github.com/wizardbeardstudio/balance-service/internal/ledger"
	"github.com/wizardbeardstudio/balance-service/internal/platform/clock"
	"github.com/wizardbeardstudio/balance-service/internal/store/memstore"
)

func newTestEngine() (*Engine, *memstore.Store) {
	st := memstore.New()
	chain := ledger.New(st)
	locks := keyedmutex.New()
	cache := idempotency.New(st, keyedmutex.New(), time.Hour)
	clk := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return New(st, chain, locks, cache, clk, nil), st
}

func TestEnsureAccountCreatesOnce(t *testing.T) {
	e, _ := newTestEngine()
	ctx := context.Background()

	first, err := e.EnsureAccount(ctx, "p1", 500)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if !first.Created || first.Account.Balance != 500 || first.Account.Version != 0 {
		t.Fatalf("unexpected first ensure result: %+v", first)
	}

	second, err := e.EnsureAccount(ctx, "p1", 999)
	if err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if second.Created || second.Account.Balance != 500 {
		t.Fatalf("expected existing account returned unchanged, got %+v", second)
	}
}

func TestEnsureAccountClampsNegativeInitialBalance(t *testing.T) {
	e, _ := newTestEngine()
	res, err := e.EnsureAccount(context.Background(), "p-neg", -10)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if res.Account.Balance != 0 {
		t.Fatalf("expected clamped balance 0, got %d", res.Account.Balance)
	}
}

func TestCreditBalanceAppendsLedgerAndTransaction(t *testing.T) {
	e, st := newTestEngine()
	ctx := context.Background()
	if _, err := e.EnsureAccount(ctx, "p2", 0); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	tx, err := e.CreditBalance(ctx, "p2", 1000, domain.TxDeposit, "k1", domain.Metadata{Source: "PURCHASE"})
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	if tx.BalanceAfter != 1000 || tx.BalanceBefore != 0 || tx.Status != domain.TxStatusCompleted {
		t.Fatalf("unexpected transaction: %+v", tx)
	}

	entries, err := st.ListLedgerEntries(ctx, "p2")
	if err != nil {
		t.Fatalf("list ledger: %v", err)
	}
	if len(entries) != 1 || entries[0].Amount != 1000 {
		t.Fatalf("expected one +1000 ledger entry, got %+v", entries)
	}
}

func TestDebitBalanceInsufficientFunds(t *testing.T) {
	e, _ := newTestEngine()
	ctx := context.Background()
	if _, err := e.EnsureAccount(ctx, "p3", 100); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	_, err := e.DebitBalance(ctx, "p3", 500, domain.TxWithdraw, "k2", domain.Metadata{}, MutateOptions{UseAvailableBalance: true})
	if !domain.IsCode(err, domain.CodeInsufficientBalance) {
		t.Fatalf("expected INSUFFICIENT_BALANCE, got %v", err)
	}
}

func TestDebitBalanceRespectsReservedFundsWhenUsingAvailableBalance(t *testing.T) {
	e, st := newTestEngine()
	ctx := context.Background()
	if _, err := e.EnsureAccount(ctx, "p4", 1000); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := st.PutReservation(ctx, domain.Reservation{
		ReservationID: "r1", AccountID: "p4", Amount: 800, Status: domain.ReservationHeld,
		ExpiresAt: time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("put reservation: %v", err)
	}

	// Available balance is 1000-800=200; withdrawing 300 must fail.
	_, err := e.DebitBalance(ctx, "p4", 300, domain.TxWithdraw, "k3", domain.Metadata{}, MutateOptions{UseAvailableBalance: true})
	if !domain.IsCode(err, domain.CodeInsufficientBalance) {
		t.Fatalf("expected INSUFFICIENT_BALANCE against available balance, got %v", err)
	}

	// With UseAvailableBalance false (reservation commit path), the raw
	// balance of 1000 covers a 300 debit even though it's reserved.
	tx, err := e.DebitBalance(ctx, "p4", 300, domain.TxBuyIn, "k4", domain.Metadata{}, MutateOptions{UseAvailableBalance: false})
	if err != nil {
		t.Fatalf("debit against raw balance: %v", err)
	}
	if tx.BalanceAfter != 700 {
		t.Fatalf("expected balance 700 after debit, got %d", tx.BalanceAfter)
	}
}

func TestMutateRejectsNonPositiveAmount(t *testing.T) {
	e, _ := newTestEngine()
	ctx := context.Background()
	if _, err := e.EnsureAccount(ctx, "p5", 100); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if _, err := e.CreditBalance(ctx, "p5", 0, domain.TxDeposit, "k5", domain.Metadata{}); !domain.IsCode(err, domain.CodeInvalidAmount) {
		t.Fatalf("expected INVALID_AMOUNT for zero amount, got %v", err)
	}
	if _, err := e.CreditBalance(ctx, "p5", -5, domain.TxDeposit, "k6", domain.Metadata{}); !domain.IsCode(err, domain.CodeInvalidAmount) {
		t.Fatalf("expected INVALID_AMOUNT for negative amount, got %v", err)
	}
}

func TestCreditBalanceAccountNotFound(t *testing.T) {
	e, _ := newTestEngine()
	_, err := e.CreditBalance(context.Background(), "ghost", 10, domain.TxDeposit, "k7", domain.Metadata{})
	if !domain.IsCode(err, domain.CodeAccountNotFound) {
		t.Fatalf("expected ACCOUNT_NOT_FOUND, got %v", err)
	}
}

func TestCreditBalanceIdempotentUnderConcurrency(t *testing.T) {
	e, _ := newTestEngine()
	ctx := context.Background()
	if _, err := e.EnsureAccount(ctx, "p6", 0); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	var wg sync.WaitGroup
	ids := make([]string, 5)
	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx, err := e.ProcessDeposit(ctx, "p6", 1000, domain.SourcePurchase, "samekey")
			if err != nil {
				t.Errorf("deposit %d: %v", i, err)
				return
			}
			ids[i] = tx.TransactionID
		}()
	}
	wg.Wait()

	bal, err := e.GetBalance(ctx, "p6")
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if bal.Balance != 1000 {
		t.Fatalf("expected balance 1000 after 5 concurrent deposits sharing one key, got %d", bal.Balance)
	}
	for i, id := range ids {
		if id != ids[0] {
			t.Fatalf("expected all responses to share one transactionId, got %q at index %d vs %q at 0", id, i, ids[0])
		}
	}
}

func TestGetBalanceComputesAvailableBalance(t *testing.T) {
	e, st := newTestEngine()
	ctx := context.Background()
	if _, err := e.EnsureAccount(ctx, "p7", 10000); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := st.PutReservation(ctx, domain.Reservation{
		ReservationID: "r7", AccountID: "p7", Amount: 1000, Status: domain.ReservationHeld,
		ExpiresAt: time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("put reservation: %v", err)
	}

	bal, err := e.GetBalance(ctx, "p7")
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if bal.Balance != 10000 || bal.AvailableBalance != 9000 {
		t.Fatalf("expected balance=10000 available=9000, got %+v", bal)
	}
}

func TestGetBalanceAbsentAccount(t *testing.T) {
	e, _ := newTestEngine()
	bal, err := e.GetBalance(context.Background(), "nope")
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if bal != nil {
		t.Fatalf("expected nil balance for absent account, got %+v", bal)
	}
}
