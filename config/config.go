/*
config.go - Process configuration

PURPOSE:
  Collects every tunable of the server in one struct. Values come from
  command-line flags; each flag falls back to an environment variable so
  container deployments can configure the process without arguments.

PRECEDENCE:
  flag > environment > built-in default

ENVIRONMENT:
  TXCORE_PORT / SERVER_PORT    HTTP port
  TXCORE_STORE                 memory | sqlite | postgres | redis
  TXCORE_DB                    SQLite path
  DB_SOURCE                    PostgreSQL connection string
  REDIS_ADDR, REDIS_PASSWORD,
  REDIS_DB, REDIS_PREFIX       Redis connection
  TXCORE_RATELIMIT_POLICY      open | closed
  TXCORE_ADMIN_ADDR            admin listener, empty disables it
  TXCORE_LOG_LEVEL             debug | info | warn | error
  TXCORE_LOG_FORMAT            text | json
  ENVIRONMENT                  development | production
*/
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/warp/txcore/ratelimit"
)

type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendSQLite   Backend = "sqlite"
	BackendPostgres Backend = "postgres"
	BackendRedis    Backend = "redis"
)

type Config struct {
	Port int
	Env  string
	// AdminAddr is the operator listener. Empty disables the admin router.
	AdminAddr string

	Backend       Backend
	SQLitePath    string
	PostgresDSN   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	// Operation ledger
	StaleAfter time.Duration
	Retention  time.Duration

	// Balance engine
	AllowOverdraft bool
	CacheTTL       time.Duration

	// Sharded counter
	CounterShards     int
	ReconcileInterval time.Duration

	// Rate limiter
	RateLimitPolicy ratelimit.FailurePolicy
	RateLimitHeader string
	PerMinute       int
	PerHour         int
	PerDay          int
	BucketIdle      time.Duration
	CleanupInterval time.Duration

	// Usage tracking
	UsageLog       bool
	UsageRetention time.Duration

	AllowedOrigins []string
	LogLevel       slog.Level
	LogFormat      string
}

// Tiers builds the rate limit tiers from the per-window limits. A zero
// limit disables that tier.
func (c *Config) Tiers() []ratelimit.Tier {
	var tiers []ratelimit.Tier
	for _, t := range []ratelimit.Tier{
		{Name: "minute", MaxRequests: c.PerMinute, Window: time.Minute},
		{Name: "hour", MaxRequests: c.PerHour, Window: time.Hour},
		{Name: "day", MaxRequests: c.PerDay, Window: 24 * time.Hour},
	} {
		if t.MaxRequests > 0 {
			tiers = append(tiers, t)
		}
	}
	return tiers
}

// NewLogger builds the process logger.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.LogLevel}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Load parses args (without the program name) on top of the environment.
func Load(args []string) (*Config, error) {
	cfg := &Config{}
	fs := flag.NewFlagSet("txcore", flag.ContinueOnError)

	var (
		backend, policy, level, origins string
	)

	fs.IntVar(&cfg.Port, "port", envInt("8080", "TXCORE_PORT", "SERVER_PORT"), "HTTP server port")
	fs.StringVar(&cfg.Env, "env", envString("development", "ENVIRONMENT"), "deployment environment")

	fs.StringVar(&backend, "store", envString(string(BackendSQLite), "TXCORE_STORE"), "store backend: memory, sqlite, postgres, redis")
	fs.StringVar(&cfg.SQLitePath, "db", envString("txcore.db", "TXCORE_DB"), "SQLite database path (\":memory:\" for in-memory)")
	fs.StringVar(&cfg.PostgresDSN, "pg", envString("", "DB_SOURCE"), "PostgreSQL connection string")
	fs.StringVar(&cfg.RedisAddr, "redis", envString("localhost:6379", "REDIS_ADDR"), "Redis address")
	fs.StringVar(&cfg.RedisPassword, "redis-password", envString("", "REDIS_PASSWORD"), "Redis password")
	fs.IntVar(&cfg.RedisDB, "redis-db", envInt("0", "REDIS_DB"), "Redis database number")
	fs.StringVar(&cfg.RedisPrefix, "redis-prefix", envString("txcore", "REDIS_PREFIX"), "Redis key prefix")

	fs.DurationVar(&cfg.StaleAfter, "stale-after", envDuration("5m", "TXCORE_STALE_AFTER"), "pending operations older than this may be retried")
	fs.DurationVar(&cfg.Retention, "retention", envDuration("720h", "TXCORE_RETENTION"), "terminal operation records older than this are deleted")

	fs.BoolVar(&cfg.AllowOverdraft, "allow-overdraft", envBool(false, "TXCORE_ALLOW_OVERDRAFT"), "let debits take balances below zero")
	fs.DurationVar(&cfg.CacheTTL, "cache-ttl", envDuration("5s", "TXCORE_CACHE_TTL"), "advisory read cache TTL (0 disables)")

	fs.IntVar(&cfg.CounterShards, "counter-shards", envInt("10", "TXCORE_COUNTER_SHARDS"), "default shard count for new counters")
	fs.DurationVar(&cfg.ReconcileInterval, "reconcile-interval", envDuration("1h", "TXCORE_RECONCILE_INTERVAL"), "counter reconciliation sweep interval")

	fs.StringVar(&policy, "ratelimit-policy", envString("open", "TXCORE_RATELIMIT_POLICY"), "behaviour when the store is down: open or closed")
	fs.StringVar(&cfg.RateLimitHeader, "ratelimit-header", envString("X-Api-Key", "TXCORE_RATELIMIT_HEADER"), "request header identifying the caller")
	fs.IntVar(&cfg.PerMinute, "rate-minute", envInt("60", "TXCORE_RATE_MINUTE"), "requests per minute per caller (0 disables)")
	fs.IntVar(&cfg.PerHour, "rate-hour", envInt("1000", "TXCORE_RATE_HOUR"), "requests per hour per caller (0 disables)")
	fs.IntVar(&cfg.PerDay, "rate-day", envInt("10000", "TXCORE_RATE_DAY"), "requests per day per caller (0 disables)")
	fs.DurationVar(&cfg.BucketIdle, "bucket-idle", envDuration("24h", "TXCORE_BUCKET_IDLE"), "rate limit buckets idle this long are garbage-collected")
	fs.DurationVar(&cfg.CleanupInterval, "cleanup-interval", envDuration("15m", "TXCORE_CLEANUP_INTERVAL"), "retention and bucket cleanup interval")
	fs.BoolVar(&cfg.UsageLog, "usage-log", envBool(true, "TXCORE_USAGE_LOG"), "log every rate-limited request for usage analytics")
	fs.DurationVar(&cfg.UsageRetention, "usage-retention", envDuration("2160h", "TXCORE_USAGE_RETENTION"), "request logs older than this are deleted")
	fs.StringVar(&cfg.AdminAddr, "admin-addr", envString("127.0.0.1:9091", "TXCORE_ADMIN_ADDR"), "admin listener address (empty disables)")

	fs.StringVar(&origins, "cors-origins", envString("http://localhost:5173,http://localhost:8080", "TXCORE_CORS_ORIGINS"), "comma-separated CORS origins")
	fs.StringVar(&level, "log-level", envString("info", "TXCORE_LOG_LEVEL"), "debug, info, warn or error")
	fs.StringVar(&cfg.LogFormat, "log-format", envString("text", "TXCORE_LOG_FORMAT"), "text or json")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.Backend = Backend(strings.ToLower(backend))
	var err error
	if cfg.RateLimitPolicy, err = ratelimit.ParseFailurePolicy(policy); err != nil {
		return nil, err
	}
	if err := cfg.LogLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	for _, o := range strings.Split(origins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Backend {
	case BackendMemory, BackendSQLite, BackendRedis:
	case BackendPostgres:
		if c.PostgresDSN == "" {
			errs = append(errs, errors.New("postgres store needs -pg or DB_SOURCE"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.Backend))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port %d", c.Port))
	}
	if c.StaleAfter <= 0 {
		errs = append(errs, errors.New("stale-after must be positive"))
	}
	if c.CounterShards <= 0 {
		errs = append(errs, errors.New("counter-shards must be positive"))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// =============================================================================
// ENVIRONMENT HELPERS
// =============================================================================

// envString returns the first non-empty variable among keys, or def.
func envString(def string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return v
		}
	}
	return def
}

func envInt(def string, keys ...string) int {
	n, err := strconv.Atoi(envString(def, keys...))
	if err != nil {
		n, _ = strconv.Atoi(def)
	}
	return n
}

func envBool(def bool, keys ...string) bool {
	b, err := strconv.ParseBool(envString(strconv.FormatBool(def), keys...))
	if err != nil {
		return def
	}
	return b
}

func envDuration(def string, keys ...string) time.Duration {
	d, err := time.ParseDuration(envString(def, keys...))
	if err != nil {
		d, _ = time.ParseDuration(def)
	}
	return d
}
