package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/swaprouter/internal/blob/s3"
	"github.com/alanyoungcy/swaprouter/internal/cache/memory"
	"github.com/alanyoungcy/swaprouter/internal/cache/redis"
	"github.com/alanyoungcy/swaprouter/internal/config"
	"github.com/alanyoungcy/swaprouter/internal/domain"
	"github.com/alanyoungcy/swaprouter/internal/notify"
	"github.com/alanyoungcy/swaprouter/internal/server/handler"
	"github.com/alanyoungcy/swaprouter/internal/store/postgres"
	memstore "github.com/alanyoungcy/swaprouter/internal/store/memory"
)

// Dependencies bundles the backends the modes run on. Optional backends are
// nil when disabled.
type Dependencies struct {
	// Stores
	OrderHistory domain.OrderHistoryStore
	AuditStore   domain.AuditStore
	Wallets      domain.WalletStore

	// Caches
	SignalBus   domain.SignalBus
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager

	// Blob storage
	Archiver domain.Archiver

	// Notifications
	Notifier *notify.Notifier

	// HealthChecks are pinged by GET /api/health.
	HealthChecks map[string]handler.Pinger
}

// pingFunc adapts a health probe to handler.Pinger.
type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Wire constructs the configured backends and returns them with a cleanup
// function that releases them in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{HealthChecks: make(map[string]handler.Pinger)}

	// --- PostgreSQL ---
	if cfg.Postgres.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		wallets := postgres.NewWalletStore(pool)
		if len(cfg.Wallets.Balances) > 0 {
			if err := wallets.Seed(ctx, cfg.Wallets.Balances); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: seed wallets: %w", err)
			}
		}
		deps.OrderHistory = postgres.NewOrderHistoryStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
		deps.Wallets = wallets
		deps.HealthChecks["postgres"] = pgClient
	} else {
		deps.Wallets = memstore.NewWalletStore(cfg.Wallets.Balances)
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MaxRetries:   cfg.Redis.MaxRetries,
			TLSEnabled:   cfg.Redis.TLSEnabled,
			StreamMaxLen: int64(cfg.Redis.StreamMaxLen),
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.HealthChecks["redis"] = redisClient
	} else {
		logger.InfoContext(ctx, "redis disabled, using in-process signal bus and rate limiter")
		deps.SignalBus = memory.NewSignalBus(cfg.Redis.StreamMaxLen)
		deps.RateLimiter = memory.NewRateLimiter()
	}

	// --- S3 archive ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.HealthChecks["s3"] = pingFunc(s3Client.Health)

		if deps.OrderHistory != nil {
			deps.Archiver = s3blob.NewArchiver(s3blob.NewBucket(s3Client), deps.OrderHistory, deps.AuditStore, logger)
		}
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
