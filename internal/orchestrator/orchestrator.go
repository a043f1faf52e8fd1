// Package orchestrator owns the per-order state machine: it fans quote jobs
// out to every provider, decides when enough quotes are in to route, sends
// one execution job to the winner and finalizes the order.
//
// All mutation of one order happens under that order's mutex, whether it is
// triggered by a job callback or by one of the order's timers. Routing is a
// single guarded decision point, so it runs at most once per order no matter
// how many triggers fire.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/alanyoungcy/swaprouter/internal/dispatch"
	"github.com/alanyoungcy/swaprouter/internal/domain"
	"github.com/alanyoungcy/swaprouter/internal/metrics"
	"github.com/alanyoungcy/swaprouter/internal/routing"
)

// Dispatcher is the part of the job dispatch layer the orchestrator uses.
type Dispatcher interface {
	Submit(job domain.Job) error
}

// EventSink receives order progress events. Publish must not block; delivery
// failures are the sink's concern and never affect order state.
type EventSink interface {
	Publish(event domain.OrderEvent)
	// Detach releases any listeners for orderID once the order is removed.
	Detach(orderID string)
}

// HistoryRecorder persists terminal orders.
type HistoryRecorder interface {
	Record(ctx context.Context, rec domain.OrderRecord) error
}

// Config holds the timing and retry policy for orders.
type Config struct {
	// Providers is the fixed provider set every order fans out to.
	Providers        []string
	SoftTimeout      time.Duration
	HardDeadline     time.Duration
	GraceWindow      time.Duration
	CompletedCleanup time.Duration
	FailedCleanup    time.Duration
	MinQuotes        int
	// MaxOrders caps in-flight orders. Zero means unlimited.
	MaxOrders     int
	QuotePolicy   domain.RetryPolicy
	ExecutePolicy domain.RetryPolicy
	// StoreTimeout bounds wallet and history calls.
	StoreTimeout time.Duration
	Now          func() time.Time
}

// DefaultConfig returns the reference timing policy.
func DefaultConfig(providers []string) Config {
	return Config{
		Providers:        providers,
		SoftTimeout:      10 * time.Second,
		HardDeadline:     12 * time.Second,
		GraceWindow:      2 * time.Second,
		CompletedCleanup: 5 * time.Second,
		FailedCleanup:    3 * time.Second,
		MinQuotes:        2,
		QuotePolicy:      domain.RetryPolicy{MaxAttempts: 3, Backoff: 5 * time.Second},
		ExecutePolicy:    domain.RetryPolicy{MaxAttempts: 2, Backoff: 10 * time.Second},
		StoreTimeout:     5 * time.Second,
	}
}

// Accepted is returned to the caller of Create.
type Accepted struct {
	OrderID        string `json:"order_id"`
	ExpectedQuotes int    `json:"expected_quotes"`
	Strategy       string `json:"strategy"`
	Stage          string `json:"stage"`
}

// Orchestrator runs orders from creation to cleanup.
type Orchestrator struct {
	cfg        Config
	store      Store
	dispatcher Dispatcher
	hub        *routing.Hub
	wallets    domain.WalletStore
	sink       EventSink
	history    HistoryRecorder
	audit      domain.AuditStore
	logger     *slog.Logger

	// background tracks history and audit writes so Close can wait for them.
	background sync.WaitGroup
}

// New creates an Orchestrator. Register it with the dispatcher via
// dispatcher.SetHandler so job outcomes reach it.
func New(
	cfg Config,
	store Store,
	dispatcher Dispatcher,
	hub *routing.Hub,
	wallets domain.WalletStore,
	sink EventSink,
	logger *slog.Logger,
) *Orchestrator {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MinQuotes < 1 {
		cfg.MinQuotes = 1
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	if sink == nil {
		sink = nopSink{}
	}
	return &Orchestrator{
		cfg:        cfg,
		store:      store,
		dispatcher: dispatcher,
		hub:        hub,
		wallets:    wallets,
		sink:       sink,
		logger:     logger.With(slog.String("component", "orchestrator")),
	}
}

// WithHistory records every terminal order through h.
func (o *Orchestrator) WithHistory(h HistoryRecorder) *Orchestrator {
	o.history = h
	return o
}

// WithAudit writes lifecycle transitions to the audit log.
func (o *Orchestrator) WithAudit(a domain.AuditStore) *Orchestrator {
	o.audit = a
	return o
}

// Providers returns the provider set orders fan out to.
func (o *Orchestrator) Providers() []string {
	out := make([]string, len(o.cfg.Providers))
	copy(out, o.cfg.Providers)
	return out
}

// Create validates req, fans out one quote job per provider and arms the
// hard deadline. It returns as soon as the jobs are queued.
func (o *Orchestrator) Create(ctx context.Context, req domain.OrderRequest) (Accepted, error) {
	strategy, err := o.validate(req)
	if err != nil {
		return Accepted{}, err
	}
	if o.cfg.MaxOrders > 0 && o.store.Len() >= o.cfg.MaxOrders {
		return Accepted{}, fmt.Errorf("orchestrator: %w (%d orders in flight)", domain.ErrCapacity, o.cfg.MaxOrders)
	}

	now := o.cfg.Now().UTC()
	e := &entry{
		order: domain.Order{
			ID:          uuid.New().String(),
			Pair:        req.Pair,
			InputAmount: req.Amount,
			Strategy:    string(strategy),
			Preferences: req.Preferences,
			WalletRef:   req.WalletRef,
			Stage:       domain.StageQuoting,
			StartTime:   now,
			QuoteJobs:   make(map[string]string, len(o.cfg.Providers)),
			UpdatedAt:   now,
		},
		done: make(map[string]bool, len(o.cfg.Providers)),
	}
	id := e.order.ID
	log := o.logger.With(slog.String("order_id", id))

	// Hold the order lock across fan-out so early job callbacks wait until
	// the QuoteSet knows how many quotes to expect.
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := o.store.Insert(e); err != nil {
		return Accepted{}, fmt.Errorf("orchestrator: insert order: %w", err)
	}

	payload := domain.JobPayload{Pair: req.Pair, Amount: req.Amount, WalletRef: req.WalletRef}
	for _, p := range o.cfg.Providers {
		job := dispatch.NewJob(domain.JobKindQuote, p, id, payload, o.cfg.QuotePolicy)
		o.store.IndexJob(job.ID, id)
		if err := o.dispatcher.Submit(job); err != nil {
			o.store.UnindexJobs(job.ID)
			log.WarnContext(ctx, "quote job not queued",
				slog.String("provider", p),
				slog.String("error", err.Error()),
			)
			continue
		}
		e.order.QuoteJobs[job.ID] = p
	}
	e.expected = len(e.order.QuoteJobs)

	if e.expected == 0 {
		o.store.Delete(id)
		return Accepted{}, fmt.Errorf("orchestrator: no provider accepted a quote job: %w", domain.ErrQueueFull)
	}

	e.hardTimer = time.AfterFunc(o.cfg.HardDeadline, func() { o.onHardDeadline(id) })

	metrics.OrdersCreated.WithLabelValues(string(strategy)).Inc()
	metrics.OrdersInFlight.Inc()
	log.InfoContext(ctx, "order created",
		slog.String("pair", req.Pair),
		slog.Float64("amount", req.Amount),
		slog.String("strategy", string(strategy)),
		slog.Int("expected_quotes", e.expected),
	)
	o.emit(e, domain.EventOrderCreated, map[string]any{
		"pair":            req.Pair,
		"amount":          req.Amount,
		"strategy":        string(strategy),
		"expected_quotes": e.expected,
	})
	o.auditAsync("order.created", map[string]any{
		"order_id": id,
		"pair":     req.Pair,
		"amount":   req.Amount,
		"strategy": string(strategy),
		"wallet":   req.WalletRef,
	})

	return Accepted{
		OrderID:        id,
		ExpectedQuotes: e.expected,
		Strategy:       string(strategy),
		Stage:          string(domain.StageQuoting),
	}, nil
}

func (o *Orchestrator) validate(req domain.OrderRequest) (routing.Strategy, error) {
	if _, _, err := domain.SplitPair(req.Pair); err != nil {
		return "", err
	}
	if !(req.Amount > 0) || math.IsInf(req.Amount, 0) {
		return "", fmt.Errorf("%w: amount must be a positive number", domain.ErrValidation)
	}
	if req.WalletRef == "" {
		return "", fmt.Errorf("%w: wallet is required", domain.ErrValidation)
	}
	if !common.IsHexAddress(req.WalletRef) {
		return "", fmt.Errorf("%w: wallet %q is not a hex address", domain.ErrValidation, req.WalletRef)
	}
	if req.Preferences.MinLiquidity < 0 || req.Preferences.MaxSlippage < 0 {
		return "", fmt.Errorf("%w: preference thresholds must not be negative", domain.ErrValidation)
	}

	if req.Strategy == "" {
		return o.hub.DefaultStrategy(), nil
	}
	return routing.ParseStrategy(req.Strategy)
}

// Snapshot returns the current state of an order. Unknown or cleaned-up
// orders return ErrNotFound.
func (o *Orchestrator) Snapshot(orderID string) (domain.OrderSnapshot, error) {
	e, ok := o.store.Get(orderID)
	if !ok {
		return domain.OrderSnapshot{}, fmt.Errorf("orchestrator: order %s: %w", orderID, domain.ErrNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cleaned {
		return domain.OrderSnapshot{}, fmt.Errorf("orchestrator: order %s: %w", orderID, domain.ErrNotFound)
	}
	return e.snapshot(), nil
}

func (e *entry) snapshot() domain.OrderSnapshot {
	s := domain.OrderSnapshot{
		OrderID:     e.order.ID,
		Pair:        e.order.Pair,
		Amount:      e.order.InputAmount,
		Strategy:    e.order.Strategy,
		Preferences: e.order.Preferences,
		Stage:       e.order.Stage,
		Expected:    e.expected,
		Received:    len(e.quotes),
		Quotes:      append([]domain.Quote(nil), e.quotes...),
		ErrorCode:   e.order.FailureCode,
		Error:       e.order.FailureReason,
		CreatedAt:   e.order.StartTime,
		UpdatedAt:   e.order.UpdatedAt,
	}
	if e.selected != nil {
		sel := *e.selected
		s.Selected = &sel
	}
	if e.result != nil {
		res := *e.result
		s.Result = &res
	}
	return s
}

// Cleanup removes an order, cancels its timers and detaches its listeners.
// Calling it again for the same id does nothing.
func (o *Orchestrator) Cleanup(orderID string) {
	e, ok := o.store.Delete(orderID)
	if !ok {
		return
	}

	e.mu.Lock()
	e.cleaned = true
	e.stopTimers()
	jobIDs := make([]string, 0, len(e.order.QuoteJobs)+1)
	for id := range e.order.QuoteJobs {
		jobIDs = append(jobIDs, id)
	}
	if e.order.ExecutionJobID != "" {
		jobIDs = append(jobIDs, e.order.ExecutionJobID)
	}
	stage := e.order.Stage
	e.mu.Unlock()

	o.store.UnindexJobs(jobIDs...)
	o.sink.Detach(orderID)
	metrics.OrdersInFlight.Dec()
	o.logger.Debug("order cleaned up",
		slog.String("order_id", orderID),
		slog.String("stage", string(stage)),
	)
}

// Close cleans up every remaining order and waits for pending history and
// audit writes.
func (o *Orchestrator) Close() {
	for _, id := range o.store.IDs() {
		o.Cleanup(id)
	}
	o.background.Wait()
}

func (o *Orchestrator) emit(e *entry, typ domain.EventType, data any) {
	o.sink.Publish(domain.OrderEvent{
		Type:      typ,
		OrderID:   e.order.ID,
		Stage:     e.order.Stage,
		Timestamp: o.cfg.Now().UTC(),
		Data:      data,
	})
}

func (o *Orchestrator) auditAsync(event string, detail map[string]any) {
	if o.audit == nil {
		return
	}
	o.background.Add(1)
	go func() {
		defer o.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.StoreTimeout)
		defer cancel()
		if err := o.audit.Log(ctx, event, detail); err != nil {
			o.logger.Warn("audit log failed",
				slog.String("event", event),
				slog.String("error", err.Error()),
			)
		}
	}()
}

type nopSink struct{}

func (nopSink) Publish(domain.OrderEvent) {}
func (nopSink) Detach(string)             {}
