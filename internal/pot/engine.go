// Package pot implements the pot settlement engine from spec §4.5:
// contribution bookkeeping, deterministic side-pot layering, rake, winner
// normalization with deterministic remainder distribution, and all-or-
// nothing multi-account settlement with compensating rollback.
//
// settlePot's requirement to acquire every distinct winner account's lock
// in ascending accountId order before issuing credits is grounded directly
// on other_examples/d68db87b_punchamoorthee-ledgerops's ExecTransfer, whose
// "Deterministic Locking (Smallest ID first)" step does exactly this against
// Postgres row locks (`first, second := from, to; if first > second { swap
// }`) to avoid a classic two-account deadlock; this engine generalizes that
// two-account swap to a full sort over however many winner accounts a
// settlement touches.
package pot

import (
	"context"
	"fmt"
	"sort"

	"github.com/wizardbeardstudio/balance-service/internal/accounting"
	"github.com/wizardbeardstudio/balance-service/internal/domain"
	"github.com/wizardbeardstudio/balance-service/internal/idempotency"
	"github.com/wizardbeardstudio/balance-service/internal/keyedmutex"
	"github.com/wizardbeardstudio/balance-service/internal/metrics"
	"github.com/wizardbeardstudio/balance-service/internal/platform/clock"
	"github.com/wizardbeardstudio/balance-service/internal/store"
)

// RakeConfig holds the deployment-configured rake parameters from §6.
type RakeConfig struct {
	BasisPoints int64 // max 10000
	CapChips    int64
	MinPotChips int64
}

// CalculateRake implements §4.5's calculateRake.
func (c RakeConfig) CalculateRake(totalPot int64) int64 {
	if c.BasisPoints <= 0 || c.CapChips <= 0 || totalPot <= c.MinPotChips {
		return 0
	}
	rake := (totalPot * c.BasisPoints) / 10000
	if rake > c.CapChips {
		rake = c.CapChips
	}
	return rake
}

// Store is the persistence surface the pot engine needs.
type Store interface {
	store.PotStore
}

// Engine implements recordContribution, calculatePots, settlePot, cancelPot.
type Engine struct {
	store      Store
	accounting *accounting.Engine
	potLock    *keyedmutex.KeyedMutex
	acctLock   *keyedmutex.KeyedMutex // shared with accounting engine per §5
	cache      *idempotency.Cache
	clock      clock.Clock
	rake       RakeConfig
	metrics    *metrics.Metrics
}

// New builds a pot Engine.
func New(st Store, acctEngine *accounting.Engine, potLock, acctLock *keyedmutex.KeyedMutex, cache *idempotency.Cache, clk clock.Clock, rake RakeConfig, m *metrics.Metrics) *Engine {
	return &Engine{store: st, accounting: acctEngine, potLock: potLock, acctLock: acctLock, cache: cache, clock: clk, rake: rake, metrics: m}
}

func potLockKey(potID string) string     { return "pot:" + potID }
func acctLockKeyForPot(id string) string { return "account:" + id }

// ContributionResult is the outcome of RecordContribution.
type ContributionResult struct {
	TotalPot          int64
	SeatContribution  int64
}

// RecordContribution implements §4.5's recordContribution. contributionType
// (BLIND, BET, or whatever else a caller's action type vocabulary carries)
// is pure bookkeeping alongside the seat's accumulated amount — it never
// affects the settlement math — and is persisted per seat on the pot's
// ContributionTypes map.
func (e *Engine) RecordContribution(ctx context.Context, tableID, handID string, seatID int, accountID string, amount int64, contributionType domain.TransactionType, idempotencyKey string) (ContributionResult, error) {
	if amount <= 0 {
		return ContributionResult{}, domain.NewError(domain.CodeInvalidAmount, "amount must be positive")
	}
	if idempotencyKey == "" {
		return ContributionResult{}, domain.NewError(domain.CodeMissingIdempotencyKey, "idempotency key is required")
	}
	potID := domain.PotID(tableID, handID)
	cacheKey := "contribute:" + idempotencyKey
	requestHash := fmt.Sprintf("%s|%d|%s|%d|%s", potID, seatID, accountID, amount, contributionType)

	return idempotency.Execute(ctx, e.cache, cacheKey, requestHash, func(ctx context.Context) (ContributionResult, error) {
		return keyedmutex.WithLockResult(ctx, e.potLock, potLockKey(potID), func(ctx context.Context) (ContributionResult, error) {
			p, err := e.store.GetPot(ctx, potID)
			if err != nil {
				return ContributionResult{}, err
			}
			if p == nil {
				now := e.clock.Now()
				p = &domain.TablePot{
					PotID:             potID,
					TableID:           tableID,
					HandID:            handID,
					Contributions:     map[int]int64{},
					ContributionTypes: map[int]domain.TransactionType{},
					Status:            domain.PotActive,
					CreatedAt:         now,
				}
			}
			if p.Status != domain.PotActive {
				return ContributionResult{}, domain.NewError(domain.CodePotNotActive, potID)
			}
			p.Contributions[seatID] += amount
			if p.ContributionTypes == nil {
				p.ContributionTypes = map[int]domain.TransactionType{}
			}
			p.ContributionTypes[seatID] = contributionType
			p.Version++
			if err := e.store.PutPot(ctx, *p); err != nil {
				return ContributionResult{}, err
			}
			var total int64
			for _, v := range p.Contributions {
				total += v
			}
			return ContributionResult{TotalPot: total, SeatContribution: p.Contributions[seatID]}, nil
		})
	})
}

// contributionEntry is a single seat's contribution, used by CalculatePots.
type contributionEntry struct {
	SeatID int
	Amount int64
	Folded bool
}

// CalculatePots implements §4.5's calculatePots: deterministic side-pot
// layering over the contributions map and the set of folded seats.
func CalculatePots(contributions map[int]int64, foldedSeatIDs map[int]struct{}) []domain.PotLayer {
	var entries []contributionEntry
	for seat, amount := range contributions {
		if amount <= 0 {
			continue
		}
		_, folded := foldedSeatIDs[seat]
		entries = append(entries, contributionEntry{SeatID: seat, Amount: amount, Folded: folded})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Amount != entries[j].Amount {
			return entries[i].Amount < entries[j].Amount
		}
		return entries[i].SeatID < entries[j].SeatID
	})

	var layers []domain.PotLayer
	var previousLevel int64
	for i := range entries {
		if entries[i].Amount <= previousLevel {
			continue
		}
		increment := entries[i].Amount - previousLevel
		var eligible []int
		for _, e := range entries[i:] {
			if !e.Folded {
				eligible = append(eligible, e.SeatID)
			}
		}
		potAmount := increment * int64(len(entries)-i)
		if potAmount > 0 && len(eligible) > 0 {
			sort.Ints(eligible)
			layers = append(layers, domain.PotLayer{Amount: potAmount, EligibleSeatIDs: eligible})
		}
		previousLevel = entries[i].Amount
	}
	return layers
}

// Winner is a requested payout before normalization.
type Winner struct {
	SeatID    int
	AccountID string
	Amount    int64
}

// NormalizeWinners implements §4.5's normalizeWinners: proportional
// distribution of targetTotal across winners' requested amounts, with
// deterministic remainder handed out one chip at a time in ascending
// seatId order.
func NormalizeWinners(winners []Winner, targetTotal int64) []Winner {
	out := make([]Winner, len(winners))
	copy(out, winners)

	var totalRequested int64
	for _, w := range winners {
		totalRequested += w.Amount
	}
	if totalRequested <= 0 || targetTotal <= 0 {
		for i := range out {
			out[i].Amount = 0
		}
		return out
	}

	var sumBase int64
	for i, w := range winners {
		base := (w.Amount * targetTotal) / totalRequested
		out[i].Amount = base
		sumBase += base
	}
	remainder := targetTotal - sumBase
	if remainder <= 0 {
		return out
	}

	order := make([]int, len(out))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool { return out[order[i]].SeatID < out[order[j]].SeatID })

	for r := int64(0); r < remainder; r++ {
		idx := order[int(r)%len(order)]
		out[idx].Amount++
	}

	sorted := make([]Winner, len(out))
	for i, idx := range order {
		sorted[i] = out[idx]
	}
	return sorted
}

// PayoutResult describes one completed winner credit. SeatID is carried
// through so a compensating rollback can key its REFUND debit by seat
// rather than account — two winning seats can share one AccountID (the same
// player cashing out from two seats), and the rollback key must stay
// distinct per seat the way the forward credit key already is.
type PayoutResult struct {
	AccountID     string
	SeatID        int
	TransactionID string
	Amount        int64
	NewBalance    int64
}

// SettlePotResult is the outcome of SettlePot.
type SettlePotResult struct {
	OK      bool
	Results []PayoutResult
}

// SettlePot implements §4.5's settlePot.
func (e *Engine) SettlePot(ctx context.Context, tableID, handID string, winners []Winner, idempotencyKey string) (SettlePotResult, error) {
	if idempotencyKey == "" {
		return SettlePotResult{}, domain.NewError(domain.CodeMissingIdempotencyKey, "idempotency key is required")
	}
	potID := domain.PotID(tableID, handID)
	cacheKey := "settle:" + idempotencyKey
	requestHash := fmt.Sprintf("%s|%d", potID, len(winners))

	return idempotency.Execute(ctx, e.cache, cacheKey, requestHash, func(ctx context.Context) (SettlePotResult, error) {
		ctx = keyedmutex.WithTask(ctx)
		return keyedmutex.WithLockResult(ctx, e.potLock, potLockKey(potID), func(ctx context.Context) (SettlePotResult, error) {
			return e.runSettlement(ctx, potID, tableID, handID, winners, idempotencyKey)
		})
	})
}

func (e *Engine) runSettlement(ctx context.Context, potID, tableID, handID string, winners []Winner, idempotencyKey string) (SettlePotResult, error) {
	p, err := e.store.GetPot(ctx, potID)
	if err != nil {
		return SettlePotResult{}, err
	}
	if p == nil {
		return SettlePotResult{}, domain.NewError(domain.CodePotNotFound, potID)
	}
	if p.Status == domain.PotSettled {
		return SettlePotResult{OK: true}, nil
	}
	if p.Status != domain.PotActive {
		return SettlePotResult{}, domain.NewError(domain.CodePotNotActive, potID)
	}

	var totalPot int64
	for _, v := range p.Contributions {
		totalPot += v
	}
	rake := e.rake.CalculateRake(totalPot)
	net := totalPot - rake
	if net < 0 {
		net = 0
	}

	normalized := NormalizeWinners(winners, net)
	var positive []Winner
	for _, w := range normalized {
		if w.Amount > 0 {
			positive = append(positive, w)
		}
	}

	now := e.clock.Now()
	if len(positive) == 0 {
		settled := *p
		settled.Status = domain.PotSettled
		settled.RakeAmount = rake
		settled.SettledAt = &now
		if err := e.store.PutPot(ctx, settled); err != nil {
			return SettlePotResult{}, err
		}
		if e.metrics != nil {
			e.metrics.PotsSettled.Inc()
		}
		return SettlePotResult{OK: true}, nil
	}

	// Ascending accountId lock order across every distinct winner account,
	// to prevent deadlock against any other multi-account operation that
	// also follows this rule.
	distinctAccounts := distinctSortedAccountIDs(positive)

	results, err := e.creditWinnersWithRollback(ctx, distinctAccounts, positive, tableID, handID, idempotencyKey)
	if err != nil {
		return SettlePotResult{}, err
	}

	settled := *p
	settled.Status = domain.PotSettled
	settled.RakeAmount = rake
	settled.SettledAt = &now
	if err := e.store.PutPot(ctx, settled); err != nil {
		return SettlePotResult{}, err
	}
	if e.metrics != nil {
		e.metrics.PotsSettled.Inc()
		e.metrics.RakeCollectedTotal.Add(float64(rake))
	}
	return SettlePotResult{OK: true, Results: results}, nil
}

func distinctSortedAccountIDs(winners []Winner) []string {
	seen := map[string]struct{}{}
	var ids []string
	for _, w := range winners {
		if _, ok := seen[w.AccountID]; !ok {
			seen[w.AccountID] = struct{}{}
			ids = append(ids, w.AccountID)
		}
	}
	sort.Strings(ids)
	return ids
}

// creditWinnersWithRollback acquires every distinct winner account's lock in
// ascending order, ensures each account exists, then credits winners in
// order. On the first credit failure it compensates every already-completed
// credit in reverse order via a REFUND debit, per §4.5 step 6.
func (e *Engine) creditWinnersWithRollback(ctx context.Context, distinctAccounts []string, winners []Winner, tableID, handID, idempotencyKey string) ([]PayoutResult, error) {
	return acquireAccountsInOrder(ctx, e.acctLock, distinctAccounts, func(ctx context.Context) ([]PayoutResult, error) {
		for _, accountID := range distinctAccounts {
			if _, err := e.accounting.EnsureAccount(ctx, accountID, 0); err != nil {
				return nil, err
			}
		}

		var completed []PayoutResult
		for _, w := range winners {
			meta := domain.Metadata{TableID: tableID, HandID: handID, SeatID: w.SeatID}
			key := fmt.Sprintf("%s:%d", idempotencyKey, w.SeatID)
			tx, err := e.accounting.CreditBalance(ctx, w.AccountID, w.Amount, domain.TxPotWin, key, meta)
			if err != nil {
				if e.metrics != nil {
					e.metrics.PotSettlementRollback.Inc()
				}
				e.rollback(ctx, completed, tableID, handID, idempotencyKey)
				return nil, err
			}
			completed = append(completed, PayoutResult{AccountID: w.AccountID, SeatID: w.SeatID, TransactionID: tx.TransactionID, Amount: w.Amount, NewBalance: tx.BalanceAfter})
		}
		return completed, nil
	})
}

// rollback issues a compensating REFUND debit for every already-completed
// credit, in reverse order, per §4.5 step 6: the key is
// "<idempotencyKey>:rollback:<seatId>", keyed by seat id exactly as the
// forward credit path keys by seat id in creditWinnersWithRollback — not
// by account id. Two winning seats can
// share one AccountID (the same player cashing out from two seats), and an
// account-keyed rollback key would collide across them, so the second
// seat's compensating debit would be served the first seat's cached
// rollback result instead of actually reversing its own credit. A rollback
// failure is not itself retried here: the outer idempotency cache still
// stores the failed settlement result for replay, and operators must
// intervene, exactly as the spec requires.
func (e *Engine) rollback(ctx context.Context, completed []PayoutResult, tableID, handID, idempotencyKey string) {
	for i := len(completed) - 1; i >= 0; i-- {
		c := completed[i]
		meta := domain.Metadata{TableID: tableID, HandID: handID, Reason: "settlement_rollback"}
		key := fmt.Sprintf("%s:rollback:%d", idempotencyKey, c.SeatID)
		_, _ = e.accounting.DebitBalance(ctx, c.AccountID, c.Amount, domain.TxRefund, key, meta, accounting.MutateOptions{UseAvailableBalance: false})
	}
}

// acquireAccountsInOrder recursively acquires lock.WithLock for each account
// id in ids (already sorted ascending), then invokes fn once all are held.
func acquireAccountsInOrder[T any](ctx context.Context, lock *keyedmutex.KeyedMutex, ids []string, fn func(ctx context.Context) (T, error)) (T, error) {
	if len(ids) == 0 {
		return fn(ctx)
	}
	return keyedmutex.WithLockResult(ctx, lock, acctLockKeyForPot(ids[0]), func(ctx context.Context) (T, error) {
		return acquireAccountsInOrder(ctx, lock, ids[1:], fn)
	})
}

// CancelPot implements §4.5's cancelPot.
func (e *Engine) CancelPot(ctx context.Context, tableID, handID, reason string) error {
	potID := domain.PotID(tableID, handID)
	return e.potLock.WithLock(ctx, potLockKey(potID), func(ctx context.Context) error {
		p, err := e.store.GetPot(ctx, potID)
		if err != nil {
			return err
		}
		if p == nil {
			return domain.NewError(domain.CodePotNotFound, potID)
		}
		if p.Status == domain.PotCancelled {
			return nil
		}
		if p.Status != domain.PotActive {
			return domain.NewError(domain.CodePotNotActive, potID)
		}
		now := e.clock.Now()
		cancelled := *p
		cancelled.Status = domain.PotCancelled
		cancelled.SettledAt = &now
		if err := e.store.PutPot(ctx, cancelled); err != nil {
			return err
		}
		if e.metrics != nil {
			e.metrics.PotsCancelled.Inc()
		}
		return nil
	})
}
