package ledger

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/wizardbeardstudio/balance-service/internal/domain"
)

type fakeLedgerStore struct {
	entries map[string][]domain.LedgerEntry
}

func newFakeLedgerStore() *fakeLedgerStore {
	return &fakeLedgerStore{entries: make(map[string][]domain.LedgerEntry)}
}

func (f *fakeLedgerStore) AppendLedgerEntry(ctx context.Context, e domain.LedgerEntry) error {
	f.entries[e.AccountID] = append(f.entries[e.AccountID], e)
	return nil
}

func (f *fakeLedgerStore) LatestChecksum(ctx context.Context, accountID string) (string, error) {
	es := f.entries[accountID]
	if len(es) == 0 {
		return "", nil
	}
	return es[len(es)-1].Checksum, nil
}

func (f *fakeLedgerStore) ListLedgerEntries(ctx context.Context, accountID string) ([]domain.LedgerEntry, error) {
	return f.entries[accountID], nil
}

func (f *fakeLedgerStore) ListAccountIDs(ctx context.Context) ([]string, error) {
	var ids []string
	for id := range f.entries {
		ids = append(ids, id)
	}
	return ids, nil
}

func mkEntry(accountID string, i int, amount, before, after int64, at time.Time) domain.LedgerEntry {
	return domain.LedgerEntry{
		EntryID:       "ledger-" + accountID + "-" + strconv.Itoa(i),
		TransactionID: "tx-" + accountID,
		AccountID:     accountID,
		Type:          domain.TxDeposit,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		Timestamp:     at,
	}
}

func TestAppendChainsFromGenesis(t *testing.T) {
	st := newFakeLedgerStore()
	c := New(st)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	first, err := c.Append(ctx, mkEntry("acc-1", 1, 100, 0, 100, now))
	if err != nil {
		t.Fatalf("append 1: %v", err)
	}
	if first.PreviousChecksum != Genesis {
		t.Fatalf("expected first entry to chain from GENESIS, got %q", first.PreviousChecksum)
	}

	second, err := c.Append(ctx, mkEntry("acc-1", 2, 50, 100, 150, now.Add(time.Second)))
	if err != nil {
		t.Fatalf("append 2: %v", err)
	}
	if second.PreviousChecksum != first.Checksum {
		t.Fatalf("expected entry 2 to chain from entry 1's checksum")
	}
}

func TestVerifyIntegrityValidChain(t *testing.T) {
	st := newFakeLedgerStore()
	c := New(st)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 10; i++ {
		amount := int64(10)
		if i%2 == 1 {
			amount = -5
		}
		before := int64(i * 10)
		if _, err := c.Append(ctx, mkEntry("acc-2", i, amount, before, before+amount, now.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	result, err := c.VerifyIntegrity(ctx, "acc-2")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !result.Valid || result.EntriesChecked != 10 {
		t.Fatalf("expected valid chain of 10 entries, got %+v", result)
	}
}

func TestVerifyIntegrityDetectsTamperedEntry(t *testing.T) {
	st := newFakeLedgerStore()
	c := New(st)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	if _, err := c.Append(ctx, mkEntry("acc-3", 0, 100, 0, 100, now)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := c.Append(ctx, mkEntry("acc-3", 1, 50, 100, 150, now.Add(time.Second))); err != nil {
		t.Fatalf("append: %v", err)
	}

	// Tamper with the first entry's persisted amount without recomputing
	// its checksum.
	tampered := st.entries["acc-3"][0]
	tampered.Amount = 999
	st.entries["acc-3"][0] = tampered

	result, err := c.VerifyIntegrity(ctx, "acc-3")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result.Valid {
		t.Fatal("expected tampered chain to be reported invalid")
	}
	if result.FirstInvalidID != tampered.EntryID {
		t.Fatalf("expected first invalid entry to be %q, got %q", tampered.EntryID, result.FirstInvalidID)
	}
}

func TestVerifyIntegrityEmptyChainIsValid(t *testing.T) {
	st := newFakeLedgerStore()
	c := New(st)
	result, err := c.VerifyIntegrity(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !result.Valid || result.EntriesChecked != 0 {
		t.Fatalf("expected empty chain to be trivially valid, got %+v", result)
	}
}

func TestVerifyAllAggregatesAcrossAccounts(t *testing.T) {
	st := newFakeLedgerStore()
	c := New(st)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	if _, err := c.Append(ctx, mkEntry("good", 0, 10, 0, 10, now)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := c.Append(ctx, mkEntry("bad", 0, 10, 0, 10, now)); err != nil {
		t.Fatalf("append: %v", err)
	}
	tampered := st.entries["bad"][0]
	tampered.Amount = -1
	st.entries["bad"][0] = tampered

	allValid, results, err := c.VerifyAll(ctx, []string{"good", "bad"})
	if err != nil {
		t.Fatalf("verify all: %v", err)
	}
	if allValid {
		t.Fatal("expected overall result to be invalid")
	}
	if !results["good"].Valid {
		t.Fatal("expected account 'good' to be independently valid")
	}
	if results["bad"].Valid {
		t.Fatal("expected account 'bad' to be independently invalid")
	}
}
