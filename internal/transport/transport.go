// Package transport declares the external surface of the balance service as
// plain Go interfaces: the set of operations a gRPC/HTTP layer would expose
// to callers such as the game engine and the wallet UI. Spec §1 scopes the
// wire protocol (gRPC/HTTP handlers, auth middleware, request validation
// framework) out of this repository — those live in the platform's
// API-gateway layer, described here only by the interfaces they would
// consume. This mirrors the teacher's own internal/platform/server package,
// which defines its RPC surface against generated protobuf service
// interfaces (e.g. rgsv1.RoundServiceServer) rather than inlining transport
// code into the domain engines; here no single engine satisfies
// BalanceService, and cmd/balanced binds the three engines to it through a
// thin forwarding struct.
package transport

import (
	"context"

	"github.com/wizardbeardstudio/balance-service/internal/accounting"
	"github.com/wizardbeardstudio/balance-service/internal/domain"
	"github.com/wizardbeardstudio/balance-service/internal/pot"
	"github.com/wizardbeardstudio/balance-service/internal/reservation"
)

// AccountService is the account balance surface from spec §6.
type AccountService interface {
	EnsureAccount(ctx context.Context, accountID string, initialBalance int64) (accounting.EnsureResult, error)
	GetBalance(ctx context.Context, accountID string) (*accounting.Balance, error)
	ProcessDeposit(ctx context.Context, accountID string, amount int64, source domain.DepositSource, idempotencyKey string) (domain.Transaction, error)
	ProcessWithdrawal(ctx context.Context, accountID string, amount int64, reason string, idempotencyKey string) (domain.Transaction, error)
	ProcessCashOut(ctx context.Context, accountID, tableID string, seatID int, amount int64, idempotencyKey string, handID string) (domain.Transaction, error)
}

// ReservationService is the buy-in hold surface from spec §4.4 and §6.
type ReservationService interface {
	ReserveForBuyIn(ctx context.Context, accountID, tableID string, amount int64, idempotencyKey string, timeoutSeconds int) (reservation.ReserveResult, error)
	CommitReservation(ctx context.Context, reservationID string) (reservation.CommitResult, error)
	ReleaseReservation(ctx context.Context, reservationID, reason string) (int64, error)
}

// PotService is the contribution/settlement surface from spec §4.5 and §6.
type PotService interface {
	RecordContribution(ctx context.Context, tableID, handID string, seatID int, accountID string, amount int64, contributionType domain.TransactionType, idempotencyKey string) (pot.ContributionResult, error)
	SettlePot(ctx context.Context, tableID, handID string, winners []pot.Winner, idempotencyKey string) (pot.SettlePotResult, error)
	CancelPot(ctx context.Context, tableID, handID, reason string) error
}

// BalanceService is the full external surface of the balance service: the
// union an RPC layer outside this repository would bind to handlers.
type BalanceService interface {
	AccountService
	ReservationService
	PotService
}
