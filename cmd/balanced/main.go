package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/wizardbeardstudio/balance-service/internal/accounting"
	"github.com/wizardbeardstudio/balance-service/internal/config"
	"github.com/wizardbeardstudio/balance-service/internal/domain"
	"github.com/wizardbeardstudio/balance-service/internal/idempotency"
	"github.com/wizardbeardstudio/balance-service/internal/jobs"
	"github.com/wizardbeardstudio/balance-service/internal/keyedmutex"
	"github.com/wizardbeardstudio/balance-service/internal/ledger"
	"github.com/wizardbeardstudio/balance-service/internal/metrics"
	"github.com/wizardbeardstudio/balance-service/internal/platform/clock"
	"github.com/wizardbeardstudio/balance-service/internal/pot"
	"github.com/wizardbeardstudio/balance-service/internal/reservation"
	"github.com/wizardbeardstudio/balance-service/internal/store"
	"github.com/wizardbeardstudio/balance-service/internal/store/memstore"
	"github.com/wizardbeardstudio/balance-service/internal/store/postgresstore"
	"github.com/wizardbeardstudio/balance-service/internal/store/redisstore"
	"github.com/wizardbeardstudio/balance-service/internal/transport"
)

// service binds the three domain engines into the single surface an
// external API-gateway layer would consume; see internal/transport. The
// three engines have non-overlapping method sets, so each forwarding method
// is a thin pass-through with no logic of its own.
type service struct {
	accounts     *accounting.Engine
	reservations *reservation.Engine
	pots         *pot.Engine
}

func (s service) EnsureAccount(ctx context.Context, accountID string, initialBalance int64) (accounting.EnsureResult, error) {
	return s.accounts.EnsureAccount(ctx, accountID, initialBalance)
}

func (s service) GetBalance(ctx context.Context, accountID string) (*accounting.Balance, error) {
	return s.accounts.GetBalance(ctx, accountID)
}

func (s service) ProcessDeposit(ctx context.Context, accountID string, amount int64, source domain.DepositSource, idempotencyKey string) (domain.Transaction, error) {
	return s.accounts.ProcessDeposit(ctx, accountID, amount, source, idempotencyKey)
}

func (s service) ProcessWithdrawal(ctx context.Context, accountID string, amount int64, reason string, idempotencyKey string) (domain.Transaction, error) {
	return s.accounts.ProcessWithdrawal(ctx, accountID, amount, reason, idempotencyKey)
}

func (s service) ProcessCashOut(ctx context.Context, accountID, tableID string, seatID int, amount int64, idempotencyKey string, handID string) (domain.Transaction, error) {
	return s.accounts.ProcessCashOut(ctx, accountID, tableID, seatID, amount, idempotencyKey, handID)
}

func (s service) ReserveForBuyIn(ctx context.Context, accountID, tableID string, amount int64, idempotencyKey string, timeoutSeconds int) (reservation.ReserveResult, error) {
	return s.reservations.ReserveForBuyIn(ctx, accountID, tableID, amount, idempotencyKey, timeoutSeconds)
}

func (s service) CommitReservation(ctx context.Context, reservationID string) (reservation.CommitResult, error) {
	return s.reservations.CommitReservation(ctx, reservationID)
}

func (s service) ReleaseReservation(ctx context.Context, reservationID, reason string) (int64, error) {
	return s.reservations.ReleaseReservation(ctx, reservationID, reason)
}

func (s service) RecordContribution(ctx context.Context, tableID, handID string, seatID int, accountID string, amount int64, contributionType domain.TransactionType, idempotencyKey string) (pot.ContributionResult, error) {
	return s.pots.RecordContribution(ctx, tableID, handID, seatID, accountID, amount, contributionType, idempotencyKey)
}

func (s service) SettlePot(ctx context.Context, tableID, handID string, winners []pot.Winner, idempotencyKey string) (pot.SettlePotResult, error) {
	return s.pots.SettlePot(ctx, tableID, handID, winners, idempotencyKey)
}

func (s service) CancelPot(ctx context.Context, tableID, handID, reason string) error {
	return s.pots.CancelPot(ctx, tableID, handID, reason)
}

var _ transport.BalanceService = service{}

// main is the composition root: it wires the config, store backend, shared
// locks, idempotency cache and the three domain engines, starts the
// background jobs from §4.7, and serves /metrics. Binding the engines onto
// an actual gRPC/HTTP surface is out of scope (§1) — the teacher's
// cmd/rgsd/main.go wires grpc.NewServer and a grpc-gateway mux at the
// equivalent point; here that block is replaced by nothing more than the
// promhttp handler, since the transport package only declares interfaces
// for an external API-gateway layer to consume.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	clk := clock.RealClock{}
	m := metrics.New()

	st, err := buildStore(cfg)
	if err != nil {
		logger.Error("failed to configure store backend", "error", err)
		os.Exit(1)
	}

	accountLock := keyedmutex.New()
	resvLock := keyedmutex.New()
	potLock := keyedmutex.New()

	idemCache := idempotency.New(st, keyedmutex.New(), cfg.IdempotencyTTL)
	chain := ledger.New(st)

	acctEngine := accounting.New(st, chain, accountLock, idemCache, clk, m)
	resvEngine := reservation.New(st, acctEngine, accountLock, resvLock, idemCache, clk, m, cfg.ReservationTimeout)
	rakeCfg := pot.RakeConfig{
		BasisPoints: cfg.RakeBasisPoints,
		CapChips:    cfg.RakeCapChips,
		MinPotChips: cfg.RakeMinPotChips,
	}
	potEngine := pot.New(st, acctEngine, potLock, accountLock, idemCache, clk, rakeCfg, m)
	svc := service{accounts: acctEngine, reservations: resvEngine, pots: potEngine}
	_ = transport.BalanceService(svc) // bound to an RPC/HTTP surface outside this repository (§1)

	logger.Info("balance service engines initialized",
		"reservationTimeout", cfg.ReservationTimeout,
		"idempotencyTtl", cfg.IdempotencyTTL,
		"rakeBasisPoints", cfg.RakeBasisPoints,
	)

	expiryJob := jobs.NewReservationExpiryJob(resvEngine, cfg.ReservationExpiryInterval, logger, m)
	go expiryJob.Run(ctx)

	verifyJob := jobs.NewLedgerVerificationJob(chain, cfg.LedgerVerificationInterval, logger, m)
	go verifyJob.Run(ctx, st.ListAccountIDs)

	jobs.StartIdempotencyCleanupWorker(ctx, st, cfg.ReservationExpiryInterval, cfg.IdempotencyCacheMaxEntries, logger)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/health", healthHandler(st, clk))
	mux.HandleFunc("/api/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ready":true}`))
	})
	metricsServer := &http.Server{Addr: ":" + strconv.Itoa(cfg.MetricsPort), Handler: mux}

	go func() {
		logger.Info("metrics listening", "addr", metricsServer.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown", "error", err)
	}
}

// buildStore picks the store backend per §6: Postgres when databaseURL is
// set, Redis when redisUrl is set, otherwise the in-memory store used by
// tests and single-instance deployments. Postgres takes precedence since a
// durable ledger is the stronger default for a balance service.
func buildStore(cfg config.Config) (store.Store, error) {
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("pgx", cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if _, err := db.Exec(postgresstore.Schema); err != nil {
			return nil, err
		}
		return postgresstore.New(db), nil
	}
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		return redisstore.New(redis.NewClient(opts)), nil
	}
	return memstore.New(), nil
}

// pinger is implemented by redisstore.Store; other backends report healthy
// unconditionally since /api/health's "redis" field is only meaningful when
// a Redis backend is actually configured.
type pinger interface {
	Ping(ctx context.Context) error
}

func healthHandler(st store.Store, clk clock.Clock) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		redisStatus := "not_configured"
		if p, ok := st.(pinger); ok {
			if err := p.Ping(r.Context()); err != nil {
				redisStatus = "down"
			} else {
				redisStatus = "ok"
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":    "ok",
			"timestamp": clk.Now().Format(time.RFC3339),
			"redis":     redisStatus,
		})
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
