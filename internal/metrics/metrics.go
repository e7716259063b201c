// Package metrics defines the in-process Prometheus counters the engines
// emit, following the teacher's internal/platform/server/metrics.go
// convention of a single struct of promauto-registered vectors under one
// namespace (there "open_rgs", here "balance"), constructed once and passed
// explicitly into every engine rather than reached for as a global. The
// HTTP /metrics export surface that reads these is an out-of-scope external
// collaborator (§1); cmd/balanced/main.go registers only the thinnest
// possible promhttp.Handler so the counters below have somewhere to be
// scraped from.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the full set of observability counters named by §4.3 ("Emit
// observability counters: transactions[type,direction] += 1") and §4.7
// (background job run/alert counters).
type Metrics struct {
	TransactionsTotal     *prometheus.CounterVec
	ReservationsHeld      prometheus.Counter
	ReservationsCommitted prometheus.Counter
	ReservationsReleased  prometheus.Counter
	ReservationsExpired   prometheus.Counter
	ReservationExpiryRuns *prometheus.CounterVec
	PotsSettled           prometheus.Counter
	PotsCancelled         prometheus.Counter
	PotSettlementRollback prometheus.Counter
	RakeCollectedTotal    prometheus.Counter
	LedgerVerifyRuns      *prometheus.CounterVec
	LedgerIntegrityAlerts prometheus.Counter
	VersionConflictsTotal prometheus.Counter
}

// New constructs and registers every metric against the default Prometheus
// registry, in the teacher's style (promauto, one namespace, per-concern
// subsystem labels).
func New() *Metrics {
	return &Metrics{
		TransactionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "balance",
				Subsystem: "accounting",
				Name:      "transactions_total",
				Help:      "Completed transactions partitioned by type and direction.",
			},
			[]string{"type", "direction"},
		),
		ReservationsHeld: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "balance", Subsystem: "reservation", Name: "held_total",
			Help: "Reservations created in the HELD state.",
		}),
		ReservationsCommitted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "balance", Subsystem: "reservation", Name: "committed_total",
			Help: "Reservations transitioned to COMMITTED.",
		}),
		ReservationsReleased: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "balance", Subsystem: "reservation", Name: "released_total",
			Help: "Reservations transitioned to RELEASED.",
		}),
		ReservationsExpired: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "balance", Subsystem: "reservation", Name: "expired_total",
			Help: "Reservations transitioned to EXPIRED.",
		}),
		ReservationExpiryRuns: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "balance", Subsystem: "reservation", Name: "expiry_job_runs_total",
				Help: "Reservation expiry job runs partitioned by result.",
			},
			[]string{"result"},
		),
		PotsSettled: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "balance", Subsystem: "pot", Name: "settled_total",
			Help: "Pots successfully settled.",
		}),
		PotsCancelled: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "balance", Subsystem: "pot", Name: "cancelled_total",
			Help: "Pots cancelled before settlement.",
		}),
		PotSettlementRollback: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "balance", Subsystem: "pot", Name: "settlement_rollback_total",
			Help: "Settlements that triggered a compensating rollback.",
		}),
		RakeCollectedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "balance", Subsystem: "pot", Name: "rake_collected_total",
			Help: "Total rake chips collected across all settlements.",
		}),
		LedgerVerifyRuns: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "balance", Subsystem: "ledger", Name: "verify_job_runs_total",
				Help: "Ledger verification job runs partitioned by result.",
			},
			[]string{"result"},
		),
		LedgerIntegrityAlerts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "balance", Subsystem: "ledger", Name: "integrity_alerts_total",
			Help: "Ledger chains found invalid by the background verifier.",
		}),
		VersionConflictsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "balance", Subsystem: "accounting", Name: "version_conflicts_total",
			Help: "Account CAS retries caused by a version conflict.",
		}),
	}
}
