// Package config defines the top-level configuration for the swap router
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by SWAPROUTER_* environment variables.
type Config struct {
	Orchestrator OrchestratorConfig `toml:"orchestrator"`
	Dispatch     DispatchConfig     `toml:"dispatch"`
	Routing      RoutingConfig      `toml:"routing"`
	Providers    []ProviderConfig   `toml:"providers"`
	Simulator    SimulatorConfig    `toml:"simulator"`
	Wallets      WalletsConfig      `toml:"wallets"`
	Postgres     PostgresConfig     `toml:"postgres"`
	Redis        RedisConfig        `toml:"redis"`
	S3           S3Config           `toml:"s3"`
	Archive      ArchiveConfig      `toml:"archive"`
	Server       ServerConfig       `toml:"server"`
	Notify       NotifyConfig       `toml:"notify"`
	Metrics      MetricsConfig      `toml:"metrics"`
	Mode         string             `toml:"mode"`
	LogLevel     string             `toml:"log_level"`
}

// OrchestratorConfig holds the per-order timing policy.
type OrchestratorConfig struct {
	SoftTimeout      duration `toml:"soft_timeout"`
	HardDeadline     duration `toml:"hard_deadline"`
	GraceWindow      duration `toml:"grace_window"`
	CompletedCleanup duration `toml:"completed_cleanup"`
	FailedCleanup    duration `toml:"failed_cleanup"`
	MinQuotes        int      `toml:"min_quotes"`
	// MaxOrders caps the number of orders held in memory at once. Zero means
	// unlimited.
	MaxOrders int `toml:"max_orders"`
}

// DispatchConfig holds the job queue and retry parameters.
type DispatchConfig struct {
	QuoteMaxAttempts   int      `toml:"quote_max_attempts"`
	QuoteBackoff       duration `toml:"quote_backoff"`
	ExecuteMaxAttempts int      `toml:"execute_max_attempts"`
	ExecuteBackoff     duration `toml:"execute_backoff"`
	MaxBackoff         duration `toml:"max_backoff"`
	AttemptTimeout     duration `toml:"attempt_timeout"`
	MaxPending         int      `toml:"max_pending"`
	WorkersPerProvider int      `toml:"workers_per_provider"`
	// RatePerSecond throttles each provider queue; zero disables throttling.
	RatePerSecond float64 `toml:"rate_per_second"`
	RateBurst     int     `toml:"rate_burst"`
}

// RoutingConfig holds routing hub parameters.
type RoutingConfig struct {
	DefaultStrategy string `toml:"default_strategy"`
	// SpeedRank lists providers from fastest to slowest.
	SpeedRank []string `toml:"speed_rank"`
}

// ProviderConfig describes one simulated liquidity provider.
type ProviderConfig struct {
	Name              string   `toml:"name"`
	MinLatency        duration `toml:"min_latency"`
	MaxLatency        duration `toml:"max_latency"`
	QuoteFailureRate  float64  `toml:"quote_failure_rate"`
	ExecFailureRate   float64  `toml:"exec_failure_rate"`
	Fee               float64  `toml:"fee"`
	Liquidity         float64  `toml:"liquidity"`
	Slippage          float64  `toml:"slippage"`
	PriceSkew         float64  `toml:"price_skew"`
	MissingTxHashRate float64  `toml:"missing_tx_hash_rate"`
}

// SimulatorConfig holds reference prices for the simulated providers.
type SimulatorConfig struct {
	// Prices maps a pair such as "ETH/USDC" to the quote-asset price of one
	// unit of the base asset.
	Prices map[string]float64 `toml:"prices"`
	Jitter float64            `toml:"jitter"`
	Seed   int64              `toml:"seed"`
}

// WalletsConfig seeds the in-memory wallet store.
type WalletsConfig struct {
	// Balances maps wallet address to asset to balance.
	Balances map[string]map[string]float64 `toml:"balances"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled      bool   `toml:"enabled"`
	Addr         string `toml:"addr"`
	Password     string `toml:"password"`
	DB           int    `toml:"db"`
	PoolSize     int    `toml:"pool_size"`
	MaxRetries   int    `toml:"max_retries"`
	TLSEnabled   bool   `toml:"tls_enabled"`
	StreamMaxLen int    `toml:"stream_max_len"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig controls the order-history archiver.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	Interval      duration `toml:"interval"`
	RetentionDays int      `toml:"retention_days"`
	LockTTL       duration `toml:"lock_ttl"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// APIKey, when set, is required on every /api request except health.
	APIKey string `toml:"api_key"`
	// RateLimitPerMinute caps API requests per client IP. Without redis the
	// limit is enforced per instance.
	RateLimitPerMinute int `toml:"rate_limit_per_minute"`
	// IdempotencyTTL is how long an Idempotency-Key replays its order. Zero
	// disables idempotency keys.
	IdempotencyTTL duration `toml:"idempotency_ttl"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	BufferSize        int      `toml:"buffer_size"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Orchestrator: OrchestratorConfig{
			SoftTimeout:      duration{10 * time.Second},
			HardDeadline:     duration{12 * time.Second},
			GraceWindow:      duration{2 * time.Second},
			CompletedCleanup: duration{5 * time.Second},
			FailedCleanup:    duration{3 * time.Second},
			MinQuotes:        2,
			MaxOrders:        10000,
		},
		Dispatch: DispatchConfig{
			QuoteMaxAttempts:   3,
			QuoteBackoff:       duration{5 * time.Second},
			ExecuteMaxAttempts: 2,
			ExecuteBackoff:     duration{10 * time.Second},
			MaxBackoff:         duration{time.Minute},
			AttemptTimeout:     duration{30 * time.Second},
			MaxPending:         1000,
			WorkersPerProvider: 1,
			RatePerSecond:      0,
			RateBurst:          1,
		},
		Routing: RoutingConfig{
			DefaultStrategy: "BEST_PRICE",
			SpeedRank:       []string{"uniswap", "sushiswap", "balancer", "curve"},
		},
		Providers: []ProviderConfig{
			{Name: "uniswap", MinLatency: duration{200 * time.Millisecond}, MaxLatency: duration{800 * time.Millisecond}, QuoteFailureRate: 0.05, ExecFailureRate: 0.02, Fee: 0.003, Liquidity: 5_000_000, Slippage: 0.5, PriceSkew: 0},
			{Name: "sushiswap", MinLatency: duration{300 * time.Millisecond}, MaxLatency: duration{1200 * time.Millisecond}, QuoteFailureRate: 0.05, ExecFailureRate: 0.03, Fee: 0.003, Liquidity: 2_000_000, Slippage: 0.8, PriceSkew: -0.002},
			{Name: "curve", MinLatency: duration{500 * time.Millisecond}, MaxLatency: duration{2 * time.Second}, QuoteFailureRate: 0.08, ExecFailureRate: 0.03, Fee: 0.0004, Liquidity: 8_000_000, Slippage: 0.2, PriceSkew: -0.001},
			{Name: "balancer", MinLatency: duration{400 * time.Millisecond}, MaxLatency: duration{1500 * time.Millisecond}, QuoteFailureRate: 0.08, ExecFailureRate: 0.04, Fee: 0.002, Liquidity: 1_500_000, Slippage: 1.1, PriceSkew: 0.001},
		},
		Simulator: SimulatorConfig{
			Prices: map[string]float64{
				"ETH/USDC":  3000,
				"WBTC/USDC": 60000,
				"ETH/DAI":   3000,
				"USDC/ETH":  1.0 / 3000,
			},
			Jitter: 0.005,
		},
		Wallets: WalletsConfig{
			Balances: map[string]map[string]float64{
				"0x1111111111111111111111111111111111111111": {"ETH": 100, "USDC": 500000, "WBTC": 5},
			},
		},
		Postgres: PostgresConfig{
			Enabled:       false,
			Host:          "localhost",
			Port:          5432,
			Database:      "swaprouter",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:      false,
			Addr:         "localhost:6379",
			PoolSize:     20,
			MaxRetries:   3,
			StreamMaxLen: 10000,
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "swaprouter-archive",
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			Interval:      duration{time.Hour},
			RetentionDays: 30,
			LockTTL:       duration{10 * time.Minute},
		},
		Server: ServerConfig{
			Enabled:            true,
			Port:               8000,
			CORSOrigins:        []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimitPerMinute: 120,
			IdempotencyTTL:     duration{10 * time.Minute},
		},
		Notify: NotifyConfig{
			Events:     []string{"order_failed"},
			BufferSize: 1024,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Mode:     "server",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server": true,
	"demo":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validStrategies mirrors the routing package's strategy names. It is kept
// here so config does not import routing.
var validStrategies = map[string]bool{
	"BEST_PRICE":        true,
	"LOWEST_SLIPPAGE":   true,
	"HIGHEST_LIQUIDITY": true,
	"FASTEST_EXECUTION": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, demo)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Orchestrator
	o := c.Orchestrator
	if o.SoftTimeout.Duration <= 0 {
		errs = append(errs, "orchestrator: soft_timeout must be > 0")
	}
	if o.HardDeadline.Duration <= o.SoftTimeout.Duration {
		errs = append(errs, "orchestrator: hard_deadline must be greater than soft_timeout")
	}
	if o.GraceWindow.Duration <= 0 {
		errs = append(errs, "orchestrator: grace_window must be > 0")
	}
	if o.CompletedCleanup.Duration < 0 || o.FailedCleanup.Duration < 0 {
		errs = append(errs, "orchestrator: cleanup delays must not be negative")
	}
	if o.MinQuotes < 1 {
		errs = append(errs, "orchestrator: min_quotes must be >= 1")
	}
	if o.MaxOrders < 0 {
		errs = append(errs, "orchestrator: max_orders must be >= 0")
	}

	// Dispatch
	d := c.Dispatch
	if d.QuoteMaxAttempts < 1 {
		errs = append(errs, "dispatch: quote_max_attempts must be >= 1")
	}
	if d.ExecuteMaxAttempts < 1 {
		errs = append(errs, "dispatch: execute_max_attempts must be >= 1")
	}
	if d.QuoteBackoff.Duration < 0 || d.ExecuteBackoff.Duration < 0 {
		errs = append(errs, "dispatch: backoff must not be negative")
	}
	if d.MaxPending < 1 {
		errs = append(errs, "dispatch: max_pending must be >= 1")
	}
	if d.WorkersPerProvider < 1 {
		errs = append(errs, "dispatch: workers_per_provider must be >= 1")
	}
	if d.RatePerSecond < 0 {
		errs = append(errs, "dispatch: rate_per_second must be >= 0")
	}
	if d.RatePerSecond > 0 && d.RateBurst < 1 {
		errs = append(errs, "dispatch: rate_burst must be >= 1 when rate_per_second is set")
	}

	// Routing
	if !validStrategies[c.Routing.DefaultStrategy] {
		errs = append(errs, fmt.Sprintf("routing: unknown default_strategy %q", c.Routing.DefaultStrategy))
	}

	// Providers
	if len(c.Providers) < o.MinQuotes {
		errs = append(errs, fmt.Sprintf("providers: at least %d providers are required to reach min_quotes", o.MinQuotes))
	}
	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.Name == "" {
			errs = append(errs, fmt.Sprintf("providers[%d]: name must not be empty", i))
			continue
		}
		if seen[p.Name] {
			errs = append(errs, fmt.Sprintf("providers[%d]: duplicate name %q", i, p.Name))
		}
		seen[p.Name] = true
		if p.MaxLatency.Duration < p.MinLatency.Duration {
			errs = append(errs, fmt.Sprintf("providers[%s]: max_latency must be >= min_latency", p.Name))
		}
		for _, rate := range []float64{p.QuoteFailureRate, p.ExecFailureRate, p.MissingTxHashRate} {
			if rate < 0 || rate > 1 {
				errs = append(errs, fmt.Sprintf("providers[%s]: failure rates must be within [0, 1]", p.Name))
				break
			}
		}
	}

	// Simulator
	for pair, price := range c.Simulator.Prices {
		if price <= 0 {
			errs = append(errs, fmt.Sprintf("simulator: price for %q must be > 0", pair))
		}
	}

	// Wallets
	for addr := range c.Wallets.Balances {
		if !common.IsHexAddress(addr) {
			errs = append(errs, fmt.Sprintf("wallets: %q is not a hex address", addr))
		}
	}

	// Postgres
	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
	}

	// Archive
	if c.Archive.Enabled {
		if !c.Postgres.Enabled || !c.S3.Enabled || !c.Redis.Enabled {
			errs = append(errs, "archive: requires postgres, s3 and redis to be enabled")
		}
		if c.Archive.Interval.Duration <= 0 {
			errs = append(errs, "archive: interval must be > 0")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
