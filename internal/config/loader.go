package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies SWAPROUTER_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known SWAPROUTER_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Orchestrator ──
	setDuration(&cfg.Orchestrator.SoftTimeout, "SWAPROUTER_ORCHESTRATOR_SOFT_TIMEOUT")
	setDuration(&cfg.Orchestrator.HardDeadline, "SWAPROUTER_ORCHESTRATOR_HARD_DEADLINE")
	setDuration(&cfg.Orchestrator.GraceWindow, "SWAPROUTER_ORCHESTRATOR_GRACE_WINDOW")
	setInt(&cfg.Orchestrator.MinQuotes, "SWAPROUTER_ORCHESTRATOR_MIN_QUOTES")
	setInt(&cfg.Orchestrator.MaxOrders, "SWAPROUTER_ORCHESTRATOR_MAX_ORDERS")

	// ── Dispatch ──
	setInt(&cfg.Dispatch.QuoteMaxAttempts, "SWAPROUTER_DISPATCH_QUOTE_MAX_ATTEMPTS")
	setDuration(&cfg.Dispatch.QuoteBackoff, "SWAPROUTER_DISPATCH_QUOTE_BACKOFF")
	setInt(&cfg.Dispatch.ExecuteMaxAttempts, "SWAPROUTER_DISPATCH_EXECUTE_MAX_ATTEMPTS")
	setDuration(&cfg.Dispatch.ExecuteBackoff, "SWAPROUTER_DISPATCH_EXECUTE_BACKOFF")
	setInt(&cfg.Dispatch.WorkersPerProvider, "SWAPROUTER_DISPATCH_WORKERS_PER_PROVIDER")
	setFloat64(&cfg.Dispatch.RatePerSecond, "SWAPROUTER_DISPATCH_RATE_PER_SECOND")
	setInt(&cfg.Dispatch.RateBurst, "SWAPROUTER_DISPATCH_RATE_BURST")

	// ── Routing ──
	setStr(&cfg.Routing.DefaultStrategy, "SWAPROUTER_ROUTING_DEFAULT_STRATEGY")
	setStringSlice(&cfg.Routing.SpeedRank, "SWAPROUTER_ROUTING_SPEED_RANK")

	// ── Simulator ──
	setInt64(&cfg.Simulator.Seed, "SWAPROUTER_SIMULATOR_SEED")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "SWAPROUTER_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "SWAPROUTER_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "SWAPROUTER_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "SWAPROUTER_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "SWAPROUTER_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "SWAPROUTER_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "SWAPROUTER_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "SWAPROUTER_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "SWAPROUTER_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "SWAPROUTER_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "SWAPROUTER_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "SWAPROUTER_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "SWAPROUTER_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "SWAPROUTER_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "SWAPROUTER_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "SWAPROUTER_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "SWAPROUTER_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "SWAPROUTER_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "SWAPROUTER_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "SWAPROUTER_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "SWAPROUTER_S3_REGION")
	setStr(&cfg.S3.Bucket, "SWAPROUTER_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "SWAPROUTER_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "SWAPROUTER_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "SWAPROUTER_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "SWAPROUTER_S3_FORCE_PATH_STYLE")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "SWAPROUTER_ARCHIVE_ENABLED")
	setDuration(&cfg.Archive.Interval, "SWAPROUTER_ARCHIVE_INTERVAL")
	setInt(&cfg.Archive.RetentionDays, "SWAPROUTER_ARCHIVE_RETENTION_DAYS")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "SWAPROUTER_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "SWAPROUTER_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "SWAPROUTER_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "SWAPROUTER_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimitPerMinute, "SWAPROUTER_SERVER_RATE_LIMIT_PER_MINUTE")
	setDuration(&cfg.Server.IdempotencyTTL, "SWAPROUTER_SERVER_IDEMPOTENCY_TTL")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "SWAPROUTER_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "SWAPROUTER_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "SWAPROUTER_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "SWAPROUTER_NOTIFY_EVENTS")

	// ── Metrics ──
	setBool(&cfg.Metrics.Enabled, "SWAPROUTER_METRICS_ENABLED")

	// ── Top-level ──
	setStr(&cfg.Mode, "SWAPROUTER_MODE")
	setStr(&cfg.LogLevel, "SWAPROUTER_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
