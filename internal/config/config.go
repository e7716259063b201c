// Package config loads the balance service's configuration from the
// environment, per spec §6, into one explicit Config struct built once at
// the composition root in cmd/balanced/main.go and threaded everywhere else
// — never a package-level singleton, per §9's redesign flag against
// implicit global state. The env-parsing helpers (envOr/mustParse*Env) are
// copied verbatim in spirit from the teacher's cmd/rgsd/main.go, which uses
// the same small helpers instead of viper or envconfig; no third-party
// config library appears anywhere in the example pack's go.mod files for
// this concern, so this stays on the teacher's own plain-stdlib idiom.
package config

import (
	"log"
	"os"
	"strconv"
	"time"
)

// Config is every environment-configurable knob named in spec §6. There is
// no HTTPPort/GRPCPort/JWTSecret here: §1 scopes the RPC/HTTP transport surface
// itself out of this repository (see internal/transport), so this process
// never listens on anything but MetricsPort.
type Config struct {
	MetricsPort int

	RedisURL    string
	DatabaseURL string

	ReservationTimeout         time.Duration
	IdempotencyTTL             time.Duration
	IdempotencyCacheMaxEntries int
	ReservationExpiryInterval  time.Duration
	LedgerVerificationInterval time.Duration

	RakeBasisPoints int64
	RakeCapChips    int64
	RakeMinPotChips int64

	LogLevel             string
	OTelExporterEndpoint string
}

// Load reads Config from the process environment, applying the defaults
// from spec §6.
func Load() Config {
	return Config{
		MetricsPort: mustParseIntEnv("METRICS_PORT", 9102),

		RedisURL:    envOr("REDIS_URL", ""),
		DatabaseURL: envOr("DATABASE_URL", ""),

		ReservationTimeout:         mustParseDurationEnv("RESERVATION_TIMEOUT_MS", "30s", true),
		IdempotencyTTL:             mustParseDurationEnv("IDEMPOTENCY_TTL_MS", "24h", true),
		IdempotencyCacheMaxEntries: mustParseIntEnv("IDEMPOTENCY_CACHE_MAX_ENTRIES", 100000),
		ReservationExpiryInterval:  mustParseDurationEnv("RESERVATION_EXPIRY_INTERVAL_MS", "5s", true),
		LedgerVerificationInterval: mustParseDurationEnv("LEDGER_VERIFICATION_INTERVAL_MS", "60s", true),

		RakeBasisPoints: int64(mustParseIntEnv("RAKE_BASIS_POINTS", 500)),
		RakeCapChips:    int64(mustParseIntEnv("RAKE_CAP_CHIPS", 5)),
		RakeMinPotChips: int64(mustParseIntEnv("RAKE_MIN_POT_CHIPS", 20)),

		LogLevel:             envOr("LOG_LEVEL", "info"),
		OTelExporterEndpoint: envOr("OTEL_EXPORTER_ENDPOINT", ""),
	}
}

func envOr(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

// mustParseDurationEnv reads key as a millisecond integer when msStyle is
// true (matching spec §6's *Ms-suffixed env var names), falling back to
// def (a Go duration literal, e.g. "30s") when the env var is unset.
func mustParseDurationEnv(key, def string, msStyle bool) time.Duration {
	raw := envOr(key, "")
	if raw == "" {
		d, err := time.ParseDuration(def)
		if err != nil {
			log.Fatalf("invalid default duration for %s=%q: %v", key, def, err)
		}
		return d
	}
	if msStyle {
		ms, err := strconv.Atoi(raw)
		if err != nil {
			log.Fatalf("invalid integer milliseconds for %s=%q: %v", key, raw, err)
		}
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		log.Fatalf("invalid duration for %s=%q: %v", key, raw, err)
	}
	return d
}

func mustParseIntEnv(key string, def int) int {
	raw := envOr(key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		log.Fatalf("invalid integer for %s=%q: %v", key, raw, err)
	}
	return v
}

