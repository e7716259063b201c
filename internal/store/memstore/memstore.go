// Package memstore implements store.Store as a process-local map guarded by
// a single mutex, in the same style as the teacher's in-memory maps in
// internal/platform/server/wagering_grpc.go and ledger_grpc.go (wagers map,
// accounts map, *ByIdempotency maps, all under one sync.Mutex). This is the
// default backend for tests and for single-instance deployments that don't
// configure a redisUrl or databaseURL.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/wizardbeardstudio/balance-service/internal/domain"
	"github.com/wizardbeardstudio/balance-service/internal/store"
)

// Store is an in-memory implementation of store.Store.
type Store struct {
	mu sync.Mutex

	accounts          map[string]domain.Account
	transactions      map[string]domain.Transaction
	txByAccount       map[string][]string // accountID -> ordered transactionIDs
	reservations      map[string]domain.Reservation
	heldByAccount     map[string]map[string]struct{} // accountID -> set of HELD reservationIDs
	ledger            map[string][]domain.LedgerEntry
	pots              map[string]domain.TablePot
	idempotency       map[string]domain.IdempotencyRecord
}

// New builds an empty in-memory store.
func New() *Store {
	return &Store{
		accounts:      make(map[string]domain.Account),
		transactions:  make(map[string]domain.Transaction),
		txByAccount:   make(map[string][]string),
		reservations:  make(map[string]domain.Reservation),
		heldByAccount: make(map[string]map[string]struct{}),
		ledger:        make(map[string][]domain.LedgerEntry),
		pots:          make(map[string]domain.TablePot),
		idempotency:   make(map[string]domain.IdempotencyRecord),
	}
}

func (s *Store) GetAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[accountID]
	if !ok {
		return nil, nil
	}
	return &acc, nil
}

func (s *Store) CreateAccount(ctx context.Context, acc domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.accounts[acc.AccountID]; exists {
		return store.ErrVersionConflict
	}
	s.accounts[acc.AccountID] = acc
	return nil
}

func (s *Store) UpdateAccountWithVersion(ctx context.Context, next domain.Account, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.accounts[next.AccountID]
	if !ok {
		return store.ErrNotFound
	}
	if cur.Version != expectedVersion {
		return store.ErrVersionConflict
	}
	s.accounts[next.AccountID] = next
	return nil
}

func (s *Store) PutTransaction(ctx context.Context, tx domain.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.transactions[tx.TransactionID]; !exists {
		s.txByAccount[tx.AccountID] = append(s.txByAccount[tx.AccountID], tx.TransactionID)
	}
	s.transactions[tx.TransactionID] = tx
	return nil
}

func (s *Store) GetTransaction(ctx context.Context, transactionID string) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.transactions[transactionID]
	if !ok {
		return nil, nil
	}
	return &tx, nil
}

func (s *Store) ListTransactionsByAccount(ctx context.Context, accountID string, txType domain.TransactionType, limit, offset int) ([]domain.Transaction, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.txByAccount[accountID]
	var matched []domain.Transaction
	for _, id := range ids {
		tx := s.transactions[id]
		if txType != "" && tx.Type != txType {
			continue
		}
		matched = append(matched, tx)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	total := len(matched)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func (s *Store) GetReservation(ctx context.Context, reservationID string) (*domain.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[reservationID]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (s *Store) PutReservation(ctx context.Context, r domain.Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reservations[r.ReservationID] = r
	set, ok := s.heldByAccount[r.AccountID]
	if !ok {
		set = make(map[string]struct{})
		s.heldByAccount[r.AccountID] = set
	}
	if r.Status == domain.ReservationHeld {
		set[r.ReservationID] = struct{}{}
	} else {
		delete(set, r.ReservationID)
	}
	return nil
}

func (s *Store) ListHeldReservationsByAccount(ctx context.Context, accountID string) ([]domain.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Reservation
	for id := range s.heldByAccount[accountID] {
		if r, ok := s.reservations[id]; ok && r.Status == domain.ReservationHeld {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) ListExpiredHeld(ctx context.Context, asOf time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id, r := range s.reservations {
		if r.Status == domain.ReservationHeld && !r.ExpiresAt.After(asOf) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) AppendLedgerEntry(ctx context.Context, e domain.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ledger[e.AccountID] = append(s.ledger[e.AccountID], e)
	return nil
}

func (s *Store) LatestChecksum(ctx context.Context, accountID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.ledger[accountID]
	if len(entries) == 0 {
		return "", nil
	}
	return entries[len(entries)-1].Checksum, nil
}

func (s *Store) ListLedgerEntries(ctx context.Context, accountID string) ([]domain.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.ledger[accountID]
	out := make([]domain.LedgerEntry, len(entries))
	copy(out, entries)
	return out, nil
}

func (s *Store) ListAccountIDs(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.ledger))
	for id := range s.ledger {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) GetPot(ctx context.Context, potID string) (*domain.TablePot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pots[potID]
	if !ok {
		return nil, nil
	}
	return clonePot(p), nil
}

func (s *Store) PutPot(ctx context.Context, p domain.TablePot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pots[p.PotID] = *clonePot(p)
	return nil
}

func clonePot(p domain.TablePot) *domain.TablePot {
	out := p
	out.Contributions = make(map[int]int64, len(p.Contributions))
	for k, v := range p.Contributions {
		out.Contributions[k] = v
	}
	out.ContributionTypes = make(map[int]domain.TransactionType, len(p.ContributionTypes))
	for k, v := range p.ContributionTypes {
		out.ContributionTypes[k] = v
	}
	out.Pots = append([]domain.PotLayer(nil), p.Pots...)
	return &out
}

func (s *Store) GetIdempotency(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.idempotency[key]
	if !ok || rec.ExpiresAt.Before(time.Now().UTC()) {
		return nil, nil
	}
	return &rec, nil
}

func (s *Store) PutIdempotency(ctx context.Context, rec domain.IdempotencyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idempotency[rec.Key] = rec
	return nil
}

func (s *Store) DeleteExpiredIdempotency(ctx context.Context, now time.Time, batchSize int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for key, rec := range s.idempotency {
		if deleted >= int64(batchSize) {
			break
		}
		if rec.ExpiresAt.Before(now) {
			delete(s.idempotency, key)
			deleted++
		}
	}
	return deleted, nil
}

var _ store.Store = (*Store)(nil)
