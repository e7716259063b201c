// Package accounting implements the credit/debit engine from spec §4.3:
// optimistic version-CAS balance updates, reservation-aware available
// balance, transaction/ledger recording, and idempotent replay. The
// retry-on-CAS-conflict loop is grounded in the teacher's account mutation
// style generalized from fandangolas-core-banking-lab's
// withAccountLock/AddAmount/RemoveAmount (lock, check, mutate, unlock) onto
// this repo's explicit version field and store.ErrVersionConflict, since
// the teacher itself never needed a CAS retry loop (it held one process-
// wide mutex for the whole account map).
package accounting

import (
	"context"
	"strconv"

	"github.com/wizardbeardstudio/balance-service/internal/domain"
	"github.com/wizardbeardstudio/balance-service/internal/idempotency"
	"github.com/wizardbeardstudio/balance-service/internal/keyedmutex"
	"github.com/wizardbeardstudio/balance-service/internal/ledger"
	"github.com/wizardbeardstudio/balance-service/internal/metrics"
	"github.com/wizardbeardstudio/balance-service/internal/platform/clock"
	"github.com/wizardbeardstudio/balance-service/internal/store"
)

// maxCASRetries bounds updateBalanceWithRetry per §4.3 step 3.
const maxCASRetries = 10

// direction distinguishes credit from debit for the delta sign and for the
// "direction" metrics label.
type direction int

const (
	directionCredit direction = iota
	directionDebit
)

func (d direction) label() string {
	if d == directionCredit {
		return "credit"
	}
	return "debit"
}

// Store is the persistence surface the accounting engine needs.
type Store interface {
	store.AccountStore
	store.TransactionStore
	store.ReservationStore
}

// Engine implements ensureAccount/getBalance/creditBalance/debitBalance and
// the deposit/withdrawal/cash-out convenience wrappers.
type Engine struct {
	store   Store
	chain   *ledger.Chain
	locks   *keyedmutex.KeyedMutex
	cache   *idempotency.Cache
	clock   clock.Clock
	metrics *metrics.Metrics
}

// New builds an accounting Engine. locks must be the account-scoped
// KeyedMutex shared with the reservation and pot engines whenever an
// account id might also be touched by them, since §5 requires all account
// mutation to serialize through one lock per account id regardless of which
// engine issues it.
func New(st Store, chain *ledger.Chain, locks *keyedmutex.KeyedMutex, cache *idempotency.Cache, clk clock.Clock, m *metrics.Metrics) *Engine {
	return &Engine{store: st, chain: chain, locks: locks, cache: cache, clock: clk, metrics: m}
}

func accountLockKey(accountID string) string { return "account:" + accountID }

// EnsureResult is the outcome of ensureAccount.
type EnsureResult struct {
	Account domain.Account
	Created bool
}

// EnsureAccount implements §4.3's ensureAccount.
func (e *Engine) EnsureAccount(ctx context.Context, accountID string, initialBalance int64) (EnsureResult, error) {
	if initialBalance < 0 {
		initialBalance = 0
	}
	return keyedmutex.WithLockResult(ctx, e.locks, accountLockKey(accountID), func(ctx context.Context) (EnsureResult, error) {
		existing, err := e.store.GetAccount(ctx, accountID)
		if err != nil {
			return EnsureResult{}, err
		}
		if existing != nil {
			return EnsureResult{Account: *existing, Created: false}, nil
		}
		now := e.clock.Now()
		acc := domain.Account{
			AccountID: accountID,
			Balance:   initialBalance,
			Currency:  domain.Currency,
			Version:   0,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := e.store.CreateAccount(ctx, acc); err != nil {
			if err == store.ErrVersionConflict {
				// Lost a race to another creator between the read above and
				// this write; the account now exists, return it.
				existing, gerr := e.store.GetAccount(ctx, accountID)
				if gerr != nil {
					return EnsureResult{}, gerr
				}
				return EnsureResult{Account: *existing, Created: false}, nil
			}
			return EnsureResult{}, err
		}
		return EnsureResult{Account: acc, Created: true}, nil
	})
}

// Balance is the response shape for getBalance.
type Balance struct {
	AccountID        string
	Balance          int64
	AvailableBalance int64
	Version          int64
	Currency         string
}

// GetBalance implements §4.3's getBalance.
func (e *Engine) GetBalance(ctx context.Context, accountID string) (*Balance, error) {
	return keyedmutex.WithLockResult(ctx, e.locks, accountLockKey(accountID), func(ctx context.Context) (*Balance, error) {
		acc, err := e.store.GetAccount(ctx, accountID)
		if err != nil {
			return nil, err
		}
		if acc == nil {
			return nil, nil
		}
		reserved, err := e.reservedTotal(ctx, accountID)
		if err != nil {
			return nil, err
		}
		return &Balance{
			AccountID:        acc.AccountID,
			Balance:          acc.Balance,
			AvailableBalance: domain.AvailableBalance(*acc, reserved),
			Version:          acc.Version,
			Currency:         acc.Currency,
		}, nil
	})
}

func (e *Engine) reservedTotal(ctx context.Context, accountID string) (int64, error) {
	held, err := e.store.ListHeldReservationsByAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, r := range held {
		total += r.Amount
	}
	return total, nil
}

// MutateOptions configures a single credit/debit call.
type MutateOptions struct {
	// UseAvailableBalance, when true (the default for plain debits), checks
	// balance-minus-reserved rather than raw balance. Reservation commit
	// passes false since the funds were already reserved at hold time.
	UseAvailableBalance bool
	// Validate is an optional extra guard invoked with the freshly read
	// account on every CAS attempt, per §4.3 step 3b.
	Validate func(domain.Account) error
}

// CreditBalance implements §4.3's creditBalance.
func (e *Engine) CreditBalance(ctx context.Context, accountID string, amount int64, txType domain.TransactionType, idempotencyKey string, meta domain.Metadata) (domain.Transaction, error) {
	return e.mutate(ctx, accountID, amount, directionCredit, txType, idempotencyKey, meta, MutateOptions{})
}

// DebitBalance implements §4.3's debitBalance.
func (e *Engine) DebitBalance(ctx context.Context, accountID string, amount int64, txType domain.TransactionType, idempotencyKey string, meta domain.Metadata, opts MutateOptions) (domain.Transaction, error) {
	return e.mutate(ctx, accountID, amount, directionDebit, txType, idempotencyKey, meta, opts)
}

// ProcessDeposit, ProcessWithdrawal and ProcessCashOut are the named
// convenience wrappers from §4.3.
func (e *Engine) ProcessDeposit(ctx context.Context, accountID string, amount int64, source domain.DepositSource, idempotencyKey string) (domain.Transaction, error) {
	return e.CreditBalance(ctx, accountID, amount, domain.TxDeposit, idempotencyKey, domain.Metadata{Source: string(source)})
}

func (e *Engine) ProcessWithdrawal(ctx context.Context, accountID string, amount int64, reason string, idempotencyKey string) (domain.Transaction, error) {
	opts := MutateOptions{UseAvailableBalance: true}
	return e.DebitBalance(ctx, accountID, amount, domain.TxWithdraw, idempotencyKey, domain.Metadata{Reason: reason}, opts)
}

func (e *Engine) ProcessCashOut(ctx context.Context, accountID, tableID string, seatID int, amount int64, idempotencyKey string, handID string) (domain.Transaction, error) {
	meta := domain.Metadata{TableID: tableID, SeatID: seatID, HandID: handID}
	opts := MutateOptions{UseAvailableBalance: true}
	return e.DebitBalance(ctx, accountID, amount, domain.TxCashOut, idempotencyKey, meta, opts)
}

// mutate runs the full credit/debit algorithm from §4.3 under the account
// lock and the idempotency cache.
func (e *Engine) mutate(ctx context.Context, accountID string, amount int64, dir direction, txType domain.TransactionType, idempotencyKey string, meta domain.Metadata, opts MutateOptions) (domain.Transaction, error) {
	if amount <= 0 {
		return domain.Transaction{}, domain.NewError(domain.CodeInvalidAmount, "amount must be positive")
	}
	if idempotencyKey == "" {
		return domain.Transaction{}, domain.NewError(domain.CodeMissingIdempotencyKey, "idempotency key is required")
	}

	requestHash := requestHashFor(accountID, amount, dir, txType, meta)
	cacheKey := "tx:" + idempotencyKey

	return idempotency.Execute(ctx, e.cache, cacheKey, requestHash, func(ctx context.Context) (domain.Transaction, error) {
		ctx = keyedmutex.WithTask(ctx)
		return keyedmutex.WithLockResult(ctx, e.locks, accountLockKey(accountID), func(ctx context.Context) (domain.Transaction, error) {
			return e.runMutation(ctx, accountID, amount, dir, txType, idempotencyKey, meta, opts)
		})
	})
}

func (e *Engine) runMutation(ctx context.Context, accountID string, amount int64, dir direction, txType domain.TransactionType, idempotencyKey string, meta domain.Metadata, opts MutateOptions) (domain.Transaction, error) {
	delta := amount
	if dir == directionDebit {
		delta = -amount
	}

	var committed domain.Account
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		acc, err := e.store.GetAccount(ctx, accountID)
		if err != nil {
			return domain.Transaction{}, err
		}
		if acc == nil {
			return domain.Transaction{}, domain.NewError(domain.CodeAccountNotFound, accountID)
		}

		if dir == directionDebit {
			if err := e.checkSufficientFunds(ctx, *acc, amount, opts); err != nil {
				return domain.Transaction{}, err
			}
		}
		if opts.Validate != nil {
			if err := opts.Validate(*acc); err != nil {
				return domain.Transaction{}, err
			}
		}

		now := e.clock.Now()
		next := *acc
		next.Balance = acc.Balance + delta
		next.Version = acc.Version + 1
		next.UpdatedAt = now

		err = e.store.UpdateAccountWithVersion(ctx, next, acc.Version)
		if err == nil {
			committed = next
			break
		}
		if err == store.ErrVersionConflict {
			if e.metrics != nil {
				e.metrics.VersionConflictsTotal.Inc()
			}
			continue
		}
		return domain.Transaction{}, domain.NewError(domain.CodeUpdateFailed, err.Error())
	}
	if committed.AccountID == "" {
		return domain.Transaction{}, domain.NewError(domain.CodeVersionConflict, "exhausted retry budget")
	}

	now := e.clock.Now()
	tx := domain.Transaction{
		TransactionID:  nextID("tx"),
		IdempotencyKey: idempotencyKey,
		Type:           txType,
		AccountID:      accountID,
		Amount:         amount,
		BalanceAfter:   committed.Balance,
		BalanceBefore:  committed.Balance - delta,
		Metadata:       meta,
		Status:         domain.TxStatusCompleted,
		CreatedAt:      now,
		CompletedAt:    &now,
	}
	if err := e.store.PutTransaction(ctx, tx); err != nil {
		return domain.Transaction{}, err
	}

	entry := domain.LedgerEntry{
		EntryID:       nextID("ledger"),
		TransactionID: tx.TransactionID,
		AccountID:     accountID,
		Type:          txType,
		Amount:        delta,
		BalanceBefore: tx.BalanceBefore,
		BalanceAfter:  tx.BalanceAfter,
		Metadata:      meta,
		Timestamp:     now,
	}
	if _, err := e.chain.Append(ctx, entry); err != nil {
		return domain.Transaction{}, err
	}

	if e.metrics != nil {
		e.metrics.TransactionsTotal.WithLabelValues(string(txType), dir.label()).Inc()
	}

	return tx, nil
}

// checkSufficientFunds implements the debit validator from §4.3: when
// UseAvailableBalance is set (the default), the check is against
// balance-minus-reserved; reservation commit passes UseAvailableBalance:
// false since the funds are already held.
func (e *Engine) checkSufficientFunds(ctx context.Context, acc domain.Account, amount int64, opts MutateOptions) error {
	if !opts.UseAvailableBalance {
		if acc.Balance < amount {
			return &domain.Error{Code: domain.CodeInsufficientBalance, AvailableBalance: acc.Balance}
		}
		return nil
	}
	reserved, err := e.reservedTotal(ctx, acc.AccountID)
	if err != nil {
		return err
	}
	available := domain.AvailableBalance(acc, reserved)
	if available < amount {
		return &domain.Error{Code: domain.CodeInsufficientBalance, AvailableBalance: available}
	}
	return nil
}

// requestHashFor derives a stable hash of a mutation's logical payload,
// following the approach in the teacher's wagering_postgres.go
// (hashWageringRequest) and other_examples/8ea6aa48's ComputeHash. The
// idempotency cache records it alongside the cached result but does not
// compare it on replay.
func requestHashFor(accountID string, amount int64, dir direction, txType domain.TransactionType, meta domain.Metadata) string {
	return accountID + "|" + dir.label() + "|" + string(txType) + "|" + strconv.FormatInt(amount, 10) + "|" + meta.TableID + "|" + meta.HandID + "|" + meta.ReservationID
}
