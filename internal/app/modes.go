package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/swaprouter/internal/dispatch"
	"github.com/alanyoungcy/swaprouter/internal/domain"
	"github.com/alanyoungcy/swaprouter/internal/notify"
	"github.com/alanyoungcy/swaprouter/internal/orchestrator"
	"github.com/alanyoungcy/swaprouter/internal/provider"
	"github.com/alanyoungcy/swaprouter/internal/routing"
	"github.com/alanyoungcy/swaprouter/internal/server"
	"github.com/alanyoungcy/swaprouter/internal/server/handler"
	"github.com/alanyoungcy/swaprouter/internal/server/ws"
)

const archiveLockKey = "archive:orders"

// core is the order pipeline shared by every mode.
type core struct {
	providers    []string
	dispatcher   *dispatch.Dispatcher
	hub          *routing.Hub
	orchestrator *orchestrator.Orchestrator
	publisher    *notify.Publisher
}

// buildCore creates the simulated providers, the dispatcher, the routing hub
// and the orchestrator, and connects dispatcher callbacks to it.
func (a *App) buildCore(deps *Dependencies) (*core, error) {
	cfg := a.cfg

	adapters := make([]provider.Adapter, 0, len(cfg.Providers))
	names := make([]string, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		adapters = append(adapters, provider.NewSimulator(provider.SimulatorConfig{
			Name:              p.Name,
			MinLatency:        p.MinLatency.Duration,
			MaxLatency:        p.MaxLatency.Duration,
			QuoteFailureRate:  p.QuoteFailureRate,
			ExecFailureRate:   p.ExecFailureRate,
			MissingTxHashRate: p.MissingTxHashRate,
			Fee:               p.Fee,
			Liquidity:         p.Liquidity,
			Slippage:          p.Slippage,
			PriceSkew:         p.PriceSkew,
		}, cfg.Simulator.Prices, cfg.Simulator.Jitter, cfg.Simulator.Seed))
		names = append(names, p.Name)
	}
	registry := provider.NewRegistry(adapters...)

	dispatcher := dispatch.New(dispatch.Config{
		Providers:          names,
		WorkersPerProvider: cfg.Dispatch.WorkersPerProvider,
		MaxPending:         cfg.Dispatch.MaxPending,
		MaxBackoff:         cfg.Dispatch.MaxBackoff.Duration,
		AttemptTimeout:     cfg.Dispatch.AttemptTimeout.Duration,
		RatePerSecond:      cfg.Dispatch.RatePerSecond,
		RateBurst:          cfg.Dispatch.RateBurst,
	}, registry, a.logger)

	defaultStrategy, err := routing.ParseStrategy(cfg.Routing.DefaultStrategy)
	if err != nil {
		return nil, fmt.Errorf("app: routing: %w", err)
	}
	hub := routing.NewHub(cfg.Routing.SpeedRank, defaultStrategy)

	publisher := notify.NewPublisher(deps.SignalBus, deps.Notifier, cfg.Notify.BufferSize, a.logger)

	orch := orchestrator.New(orchestrator.Config{
		Providers:        names,
		SoftTimeout:      cfg.Orchestrator.SoftTimeout.Duration,
		HardDeadline:     cfg.Orchestrator.HardDeadline.Duration,
		GraceWindow:      cfg.Orchestrator.GraceWindow.Duration,
		CompletedCleanup: cfg.Orchestrator.CompletedCleanup.Duration,
		FailedCleanup:    cfg.Orchestrator.FailedCleanup.Duration,
		MinQuotes:        cfg.Orchestrator.MinQuotes,
		MaxOrders:        cfg.Orchestrator.MaxOrders,
		QuotePolicy: domain.RetryPolicy{
			MaxAttempts: cfg.Dispatch.QuoteMaxAttempts,
			Backoff:     cfg.Dispatch.QuoteBackoff.Duration,
		},
		ExecutePolicy: domain.RetryPolicy{
			MaxAttempts: cfg.Dispatch.ExecuteMaxAttempts,
			Backoff:     cfg.Dispatch.ExecuteBackoff.Duration,
		},
	}, orchestrator.NewMemoryStore(), dispatcher, hub, deps.Wallets, publisher, a.logger)
	if deps.OrderHistory != nil {
		orch.WithHistory(deps.OrderHistory)
	}
	if deps.AuditStore != nil {
		orch.WithAudit(deps.AuditStore)
	}
	dispatcher.SetHandler(orch)

	return &core{
		providers:    names,
		dispatcher:   dispatcher,
		hub:          hub,
		orchestrator: orch,
		publisher:    publisher,
	}, nil
}

// ServerMode serves the HTTP API and the order event stream, and runs the
// archiver when it is configured.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	c, err := a.buildCore(deps)
	if err != nil {
		return err
	}
	defer c.orchestrator.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.dispatcher.Run(ctx) })
	g.Go(func() error { return c.publisher.Run(ctx) })

	if a.cfg.Server.Enabled {
		wsHub := ws.NewHub(deps.SignalBus, c.orchestrator, a.cfg.Server.CORSOrigins, a.logger)
		g.Go(func() error { return wsHub.Run(ctx) })

		orders := handler.NewOrderHandler(c.orchestrator, deps.OrderHistory, a.logger)
		if ttl := a.cfg.Server.IdempotencyTTL.Duration; ttl > 0 {
			keys := handler.NewIdempotencyCache(ttl)
			orders.WithIdempotency(keys)
			g.Go(func() error { return sweep(ctx, ttl, keys.Cleanup) })
		}

		srv := server.NewServer(server.Config{
			Port:               a.cfg.Server.Port,
			CORSOrigins:        a.cfg.Server.CORSOrigins,
			APIKey:             a.cfg.Server.APIKey,
			RateLimitPerMinute: a.cfg.Server.RateLimitPerMinute,
			MetricsPath:        a.metricsPath(),
		}, server.Handlers{
			Health:     handler.NewHealthHandler(deps.HealthChecks, a.logger),
			Orders:     orders,
			Strategies: handler.NewStrategyHandler(c.hub.DefaultStrategy()),
			Providers:  handler.NewProviderHandler(c.providers, c.hub.Rank, c.dispatcher),
			Audit:      handler.NewAuditHandler(deps.AuditStore, a.logger),
		}, wsHub, deps.RateLimiter, a.logger)

		g.Go(srv.Start)
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if a.cfg.Archive.Enabled && deps.Archiver != nil {
		g.Go(func() error { return a.archiveLoop(ctx, deps) })
	}

	return g.Wait()
}

// sweep calls fn every interval until ctx ends.
func sweep(ctx context.Context, interval time.Duration, fn func()) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn()
		}
	}
}

func (a *App) metricsPath() string {
	if !a.cfg.Metrics.Enabled {
		return ""
	}
	if a.cfg.Metrics.Path == "" {
		return "/metrics"
	}
	return a.cfg.Metrics.Path
}

// archiveLoop moves order history past the retention window to object
// storage on every tick. With a lock manager only one instance archives per
// tick.
func (a *App) archiveLoop(ctx context.Context, deps *Dependencies) error {
	interval := a.cfg.Archive.Interval.Duration
	retention := time.Duration(a.cfg.Archive.RetentionDays) * 24 * time.Hour
	a.logger.InfoContext(ctx, "archiver started",
		slog.Duration("interval", interval),
		slog.Duration("retention", retention),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.archiveOnce(ctx, deps, time.Now().Add(-retention))
		}
	}
}

func (a *App) archiveOnce(ctx context.Context, deps *Dependencies, before time.Time) {
	if deps.LockManager != nil {
		unlock, err := deps.LockManager.Acquire(ctx, archiveLockKey, a.cfg.Archive.LockTTL.Duration)
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				a.logger.DebugContext(ctx, "archive skipped, another instance holds the lock")
				return
			}
			a.logger.WarnContext(ctx, "archive lock failed", slog.String("error", err.Error()))
			return
		}
		defer unlock()
	}

	n, err := deps.Archiver.ArchiveOrders(ctx, before)
	if err != nil {
		a.logger.ErrorContext(ctx, "archive run failed", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		a.logger.InfoContext(ctx, "archive run finished", slog.Int64("orders", n))
	}
}

// DemoMode submits one order per strategy against the simulated providers,
// logs each outcome and returns once every order has finished.
func (a *App) DemoMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting demo mode")

	c, err := a.buildCore(deps)
	if err != nil {
		return err
	}

	wallet, pair, amount, err := demoOrder(a.cfg.Wallets.Balances, a.cfg.Simulator.Prices)
	if err != nil {
		return err
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return c.dispatcher.Run(gctx) })
	g.Go(func() error { return c.publisher.Run(gctx) })

	events, err := deps.SignalBus.Subscribe(gctx, notify.OrderChannelPattern)
	if err != nil {
		stop()
		_ = g.Wait()
		return fmt.Errorf("app: demo subscribe: %w", err)
	}

	pending := make(map[string]string)
	for _, s := range routing.Strategies() {
		acc, err := c.orchestrator.Create(ctx, domain.OrderRequest{
			Pair:      pair,
			Amount:    amount,
			Strategy:  string(s.Name),
			WalletRef: wallet,
		})
		if err != nil {
			a.logger.ErrorContext(ctx, "demo order rejected",
				slog.String("strategy", string(s.Name)),
				slog.String("error", err.Error()),
			)
			continue
		}
		pending[acc.OrderID] = string(s.Name)
		a.logger.InfoContext(ctx, "demo order created",
			slog.String("order_id", acc.OrderID),
			slog.String("strategy", acc.Strategy),
			slog.Int("expected_quotes", acc.ExpectedQuotes),
		)
	}

	deadline := time.NewTimer(a.demoTimeout())
	defer deadline.Stop()

	var waitErr error
	for len(pending) > 0 && waitErr == nil {
		select {
		case <-ctx.Done():
			waitErr = ctx.Err()
		case <-deadline.C:
			waitErr = fmt.Errorf("app: demo timed out with %d order(s) unfinished", len(pending))
		case msg, ok := <-events:
			if !ok {
				waitErr = errors.New("app: demo event stream closed")
				break
			}
			a.logDemoOutcome(msg, pending)
		}
	}

	c.orchestrator.Close()
	stop()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return waitErr
}

func (a *App) logDemoOutcome(msg domain.BusMessage, pending map[string]string) {
	var ev struct {
		Type    domain.EventType    `json:"type"`
		OrderID string              `json:"order_id"`
		Data    domain.OrderOutcome `json:"data"`
	}
	if err := json.Unmarshal(msg.Payload, &ev); err != nil || !ev.Type.Terminal() {
		return
	}
	strategy, ok := pending[ev.OrderID]
	if !ok {
		return
	}
	delete(pending, ev.OrderID)

	attrs := []any{
		slog.String("order_id", ev.OrderID),
		slog.String("strategy", strategy),
		slog.String("outcome", string(ev.Type)),
	}
	if ev.Type == domain.EventOrderCompleted {
		attrs = append(attrs,
			slog.String("provider", ev.Data.Provider),
			slog.Duration("execution_time", ev.Data.ExecutionTime),
		)
		if ev.Data.Result != nil {
			attrs = append(attrs,
				slog.Float64("output_amount", ev.Data.Result.OutputAmount),
				slog.String("tx_hash", ev.Data.Result.TxHash),
			)
		}
	} else {
		attrs = append(attrs, slog.String("code", ev.Data.Code), slog.String("reason", ev.Data.Reason))
	}
	a.logger.Info("demo order finished", attrs...)
}

// demoTimeout covers the hard deadline plus every execution retry.
func (a *App) demoTimeout() time.Duration {
	d := a.cfg.Dispatch
	total := a.cfg.Orchestrator.HardDeadline.Duration + 30*time.Second
	backoff := d.ExecuteBackoff.Duration
	for i := 1; i < d.ExecuteMaxAttempts; i++ {
		total += backoff + d.AttemptTimeout.Duration
		backoff *= 2
	}
	return total
}

// demoOrder picks the first wallet (by address) holding the base asset of a
// priced pair, and trades a tenth of that balance.
func demoOrder(balances map[string]map[string]float64, prices map[string]float64) (wallet, pair string, amount float64, err error) {
	wallets := make([]string, 0, len(balances))
	for w := range balances {
		wallets = append(wallets, w)
	}
	sort.Strings(wallets)
	pairs := make([]string, 0, len(prices))
	for p := range prices {
		pairs = append(pairs, p)
	}
	sort.Strings(pairs)

	for _, w := range wallets {
		for _, p := range pairs {
			base, _, splitErr := domain.SplitPair(p)
			if splitErr != nil {
				continue
			}
			for asset, bal := range balances[w] {
				if strings.EqualFold(asset, base) && bal > 0 {
					return w, p, bal / 10, nil
				}
			}
		}
	}
	return "", "", 0, errors.New("app: demo needs a wallet holding the base asset of a simulator pair")
}
