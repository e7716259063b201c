package reservation

import (
	"context"
	"fmt"
	"time"

	"github.com/wizardbeardstudio/balance-service/internal/accounting"
	"github.com/wizardbeardstudio/balance-service/internal/domain"
	"github.com/wizardbeardstudio/balance-service/internal/idempotency"
	"github.com/wizardbeardstudio/balance-service/internal/keyedmutex"
	"github.com/wizardbeardstudio/balance-service/internal/metrics"
	"github.com/wizardbeardstudio/balance-service/internal/platform/clock"
	"github.com/wizardbeardstudio/balance-service/internal/store"
)

// Store is the persistence surface the reservation engine needs.
type Store interface {
	store.ReservationStore
}

// Engine drives reservation lifecycle operations: reserveForBuyIn,
// commitReservation, releaseReservation, processExpiredReservations.
type Engine struct {
	store       Store
	accounting  *accounting.Engine
	accountLock *keyedmutex.KeyedMutex // same instance as accounting's, per §5
	resvLock    *keyedmutex.KeyedMutex
	cache       *idempotency.Cache
	clock       clock.Clock
	metrics     *metrics.Metrics

	defaultTimeout time.Duration
}

// New builds a reservation Engine. accountLock MUST be the same KeyedMutex
// instance passed to the accounting engine, since §5 requires account
// mutations from every engine to serialize through one lock per account id.
func New(st Store, acctEngine *accounting.Engine, accountLock, resvLock *keyedmutex.KeyedMutex, cache *idempotency.Cache, clk clock.Clock, m *metrics.Metrics, defaultTimeout time.Duration) *Engine {
	return &Engine{
		store:          st,
		accounting:     acctEngine,
		accountLock:    accountLock,
		resvLock:       resvLock,
		cache:          cache,
		clock:          clk,
		metrics:        m,
		defaultTimeout: defaultTimeout,
	}
}

func reservationLockKey(id string) string { return "reservation:" + id }
func accountLockKey(id string) string     { return "account:" + id }

// ReserveResult is the outcome of ReserveForBuyIn.
type ReserveResult struct {
	ReservationID    string
	AvailableBalance int64
}

// ReserveForBuyIn implements §4.4's reserveForBuyIn.
func (e *Engine) ReserveForBuyIn(ctx context.Context, accountID, tableID string, amount int64, idempotencyKey string, timeoutSeconds int) (ReserveResult, error) {
	if amount <= 0 {
		return ReserveResult{}, domain.NewError(domain.CodeInvalidAmount, "amount must be positive")
	}
	if idempotencyKey == "" {
		return ReserveResult{}, domain.NewError(domain.CodeMissingIdempotencyKey, "idempotency key is required")
	}

	cacheKey := "reserve:" + idempotencyKey
	requestHash := fmt.Sprintf("%s|%s|%d", accountID, tableID, amount)

	return idempotency.Execute(ctx, e.cache, cacheKey, requestHash, func(ctx context.Context) (ReserveResult, error) {
		ctx = keyedmutex.WithTask(ctx)
		return keyedmutex.WithLockResult(ctx, e.accountLock, accountLockKey(accountID), func(ctx context.Context) (ReserveResult, error) {
			bal, err := e.accounting.GetBalance(ctx, accountID)
			if err != nil {
				return ReserveResult{}, err
			}
			if bal == nil {
				return ReserveResult{}, domain.NewError(domain.CodeAccountNotFound, accountID)
			}
			if bal.AvailableBalance < amount {
				return ReserveResult{}, &domain.Error{Code: domain.CodeInsufficientBalance, AvailableBalance: bal.AvailableBalance}
			}

			timeout := e.defaultTimeout
			if timeoutSeconds > 0 {
				timeout = time.Duration(timeoutSeconds) * time.Second
			}
			now := e.clock.Now()
			r := domain.Reservation{
				ReservationID:  "resv-" + idempotencyKey,
				AccountID:      accountID,
				Amount:         amount,
				TableID:        tableID,
				IdempotencyKey: idempotencyKey,
				ExpiresAt:      now.Add(timeout),
				Status:         domain.ReservationHeld,
				CreatedAt:      now,
			}
			if err := e.store.PutReservation(ctx, r); err != nil {
				return ReserveResult{}, err
			}
			if e.metrics != nil {
				e.metrics.ReservationsHeld.Inc()
			}
			return ReserveResult{ReservationID: r.ReservationID, AvailableBalance: bal.AvailableBalance - amount}, nil
		})
	})
}

// CommitResult is the outcome of CommitReservation.
type CommitResult struct {
	TransactionID string
	NewBalance    int64
}

// CommitReservation implements §4.4's commitReservation.
func (e *Engine) CommitReservation(ctx context.Context, reservationID string) (CommitResult, error) {
	ctx = keyedmutex.WithTask(ctx)
	return keyedmutex.WithLockResult(ctx, e.resvLock, reservationLockKey(reservationID), func(ctx context.Context) (CommitResult, error) {
		r, err := e.store.GetReservation(ctx, reservationID)
		if err != nil {
			return CommitResult{}, err
		}
		if r == nil {
			return CommitResult{}, domain.NewError(domain.CodeReservationNotFound, reservationID)
		}

		now := e.clock.Now()
		plan := PlanCommit(*r, now)
		switch plan.Kind {
		case CommitAlreadyCommitted:
			bal, err := e.accounting.GetBalance(ctx, r.AccountID)
			if err != nil {
				return CommitResult{}, err
			}
			txID := r.TransactionID
			if txID == "" {
				if tx, ok, perr := idempotency.Peek[domain.Transaction](ctx, e.cache, "tx:commit-"+reservationID); perr == nil && ok {
					txID = tx.TransactionID
				}
			}
			if txID == "" {
				txID = "committed-" + reservationID
			}
			newBalance := int64(0)
			if bal != nil {
				newBalance = bal.Balance
			}
			return CommitResult{TransactionID: txID, NewBalance: newBalance}, nil

		case CommitReject:
			return CommitResult{}, domain.NewError(plan.Error, reservationID)

		case CommitExpireThenReject:
			if err := e.store.PutReservation(ctx, plan.UpdatedReservation); err != nil {
				return CommitResult{}, err
			}
			if e.metrics != nil {
				e.metrics.ReservationsExpired.Inc()
			}
			return CommitResult{}, domain.NewError(plan.Error, reservationID)

		case CommitDebitThenCommit:
			meta := domain.Metadata{TableID: r.TableID, ReservationID: reservationID}
			tx, err := e.accounting.DebitBalance(ctx, r.AccountID, r.Amount, domain.TxBuyIn, "commit-"+reservationID, meta, accounting.MutateOptions{UseAvailableBalance: false})
			if err != nil {
				return CommitResult{}, err
			}
			committed := *r
			committed.Status = domain.ReservationCommitted
			committed.CommittedAt = &plan.CommittedAt
			committed.TransactionID = tx.TransactionID
			if err := e.store.PutReservation(ctx, committed); err != nil {
				return CommitResult{}, err
			}
			if e.metrics != nil {
				e.metrics.ReservationsCommitted.Inc()
			}
			return CommitResult{TransactionID: tx.TransactionID, NewBalance: tx.BalanceAfter}, nil

		default:
			return CommitResult{}, domain.NewError(domain.CodeInternal, "unreachable commit plan")
		}
	})
}

// ReleaseReservation implements §4.4's releaseReservation.
func (e *Engine) ReleaseReservation(ctx context.Context, reservationID, reason string) (int64, error) {
	ctx = keyedmutex.WithTask(ctx)
	return keyedmutex.WithLockResult(ctx, e.resvLock, reservationLockKey(reservationID), func(ctx context.Context) (int64, error) {
		r, err := e.store.GetReservation(ctx, reservationID)
		if err != nil {
			return 0, err
		}
		if r == nil {
			return 0, domain.NewError(domain.CodeReservationNotFound, reservationID)
		}

		now := e.clock.Now()
		plan := PlanRelease(*r, now)
		switch plan.Kind {
		case ReleaseReject:
			return 0, domain.NewError(plan.Error, reservationID)
		case ReleaseNow:
			released := *r
			released.Status = domain.ReservationReleased
			released.ReleasedAt = &plan.ReleasedAt
			if err := e.store.PutReservation(ctx, released); err != nil {
				return 0, err
			}
			if e.metrics != nil {
				e.metrics.ReservationsReleased.Inc()
			}
		}

		bal, err := e.accounting.GetBalance(ctx, r.AccountID)
		if err != nil {
			return 0, err
		}
		if bal == nil {
			return 0, domain.NewError(domain.CodeAccountNotFound, r.AccountID)
		}
		return bal.AvailableBalance, nil
	})
}

// ProcessExpiredReservations implements §4.4's processExpiredReservations:
// scans for HELD reservations past their expiry and transitions each under
// its own reservation lock, with a double-check re-fetch so a concurrent
// commit/release always wins the race for a given reservation.
func (e *Engine) ProcessExpiredReservations(ctx context.Context) (int, error) {
	now := e.clock.Now()
	ids, err := e.store.ListExpiredHeld(ctx, now)
	if err != nil {
		return 0, err
	}
	transitioned := 0
	for _, id := range ids {
		ctx := keyedmutex.WithTask(ctx)
		changed, err := keyedmutex.WithLockResult(ctx, e.resvLock, reservationLockKey(id), func(ctx context.Context) (bool, error) {
			r, err := e.store.GetReservation(ctx, id)
			if err != nil || r == nil {
				return false, err
			}
			plan := PlanExpire(*r, e.clock.Now())
			if plan.Kind == ExpireNoop {
				return false, nil
			}
			if err := e.store.PutReservation(ctx, plan.UpdatedReservation); err != nil {
				return false, err
			}
			return true, nil
		})
		if err != nil {
			return transitioned, err
		}
		if changed {
			transitioned++
			if e.metrics != nil {
				e.metrics.ReservationsExpired.Inc()
			}
		}
	}
	return transitioned, nil
}
