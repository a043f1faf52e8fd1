// Package dispatch runs provider work off the request path. Each provider
// gets its own queue and workers, so a slow provider only delays its own jobs.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/alanyoungcy/swaprouter/internal/domain"
	"github.com/alanyoungcy/swaprouter/internal/metrics"
)

// Performer carries out one attempt of a job against its provider.
type Performer interface {
	Perform(ctx context.Context, job domain.Job) (domain.JobResult, error)
}

// Handler receives terminal job outcomes. Calls are made from worker
// goroutines and must not block for long.
type Handler interface {
	JobCompleted(job domain.Job, result domain.JobResult)
	JobFailed(job domain.Job, err error)
}

// Config tunes the dispatcher.
type Config struct {
	Providers          []string
	WorkersPerProvider int
	// MaxPending caps queued jobs per provider. Zero means unbounded.
	MaxPending int
	// MaxBackoff caps the exponential retry delay. Zero means uncapped.
	MaxBackoff time.Duration
	// AttemptTimeout bounds a single provider call. Zero means no bound.
	AttemptTimeout time.Duration
	// RatePerSecond throttles each provider queue. Zero disables throttling.
	RatePerSecond float64
	RateBurst     int
}

// Dispatcher owns the per-provider queues and their workers.
type Dispatcher struct {
	cfg       Config
	performer Performer
	logger    *slog.Logger

	queues map[string]*queue

	mu      sync.Mutex
	handler Handler
	runCtx  context.Context
	timers  map[*time.Timer]struct{}
}

// New creates a Dispatcher with one queue per configured provider.
func New(cfg Config, performer Performer, logger *slog.Logger) *Dispatcher {
	if cfg.WorkersPerProvider < 1 {
		cfg.WorkersPerProvider = 1
	}
	d := &Dispatcher{
		cfg:       cfg,
		performer: performer,
		logger:    logger.With(slog.String("component", "dispatch")),
		queues:    make(map[string]*queue, len(cfg.Providers)),
		timers:    make(map[*time.Timer]struct{}),
	}
	for _, p := range cfg.Providers {
		var limiter *rate.Limiter
		if cfg.RatePerSecond > 0 {
			burst := cfg.RateBurst
			if burst < 1 {
				burst = 1
			}
			limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
		}
		d.queues[p] = newQueue(p, cfg.MaxPending, limiter)
	}
	return d
}

// SetHandler registers the receiver of terminal job outcomes. It must be
// called before Run.
func (d *Dispatcher) SetHandler(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = h
}

// Providers returns the provider names in sorted order.
func (d *Dispatcher) Providers() []string {
	names := make([]string, 0, len(d.queues))
	for n := range d.queues {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Pending returns the number of queued jobs for provider.
func (d *Dispatcher) Pending(provider string) int {
	q, ok := d.queues[provider]
	if !ok {
		return 0
	}
	return q.len()
}

// NewJob builds a job with a fresh id. It does not queue it.
func NewJob(kind domain.JobKind, provider, orderID string, payload domain.JobPayload, policy domain.RetryPolicy) domain.Job {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return domain.Job{
		ID:         uuid.New().String(),
		Kind:       kind,
		Provider:   provider,
		OrderID:    orderID,
		Payload:    payload,
		Policy:     policy,
		EnqueuedAt: time.Now().UTC(),
	}
}

// Submit queues a job built by NewJob. It never blocks.
func (d *Dispatcher) Submit(job domain.Job) error {
	q, ok := d.queues[job.Provider]
	if !ok {
		return fmt.Errorf("dispatch: submit %s job: %w: %q", job.Kind, domain.ErrUnknownProvider, job.Provider)
	}
	if err := q.push(&envelope{job: job, bo: d.newBackOff(job.Policy)}, false); err != nil {
		return fmt.Errorf("dispatch: submit %s job to %s: %w", job.Kind, job.Provider, err)
	}
	return nil
}

// Enqueue builds and queues a job in one step and returns its id.
func (d *Dispatcher) Enqueue(kind domain.JobKind, provider, orderID string, payload domain.JobPayload, policy domain.RetryPolicy) (string, error) {
	job := NewJob(kind, provider, orderID, payload, policy)
	if err := d.Submit(job); err != nil {
		return "", err
	}
	return job.ID, nil
}

// Run starts the workers and blocks until ctx is cancelled. Pending retry
// timers are stopped on return.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.mu.Lock()
	d.runCtx = ctx
	d.mu.Unlock()

	d.logger.Info("dispatcher started",
		slog.Int("providers", len(d.queues)),
		slog.Int("workers_per_provider", d.cfg.WorkersPerProvider),
	)
	defer d.logger.Info("dispatcher stopped")
	defer d.stopTimers()

	g, gctx := errgroup.WithContext(ctx)
	for _, q := range d.queues {
		for i := 0; i < d.cfg.WorkersPerProvider; i++ {
			g.Go(func() error {
				d.work(gctx, q)
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (d *Dispatcher) work(ctx context.Context, q *queue) {
	for {
		env, ok := q.pop(ctx)
		if !ok {
			return
		}
		if q.limiter != nil {
			if err := q.limiter.Wait(ctx); err != nil {
				return
			}
		}
		d.attempt(ctx, q, env)
	}
}

func (d *Dispatcher) attempt(ctx context.Context, q *queue, env *envelope) {
	env.job.Attempts++
	job := env.job
	log := d.logger.With(
		slog.String("job_id", job.ID),
		slog.String("order_id", job.OrderID),
		slog.String("provider", job.Provider),
		slog.String("kind", string(job.Kind)),
		slog.Int("attempt", job.Attempts),
	)

	callCtx := ctx
	if d.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, d.cfg.AttemptTimeout)
		defer cancel()
	}

	result, err := d.performer.Perform(callCtx, job)
	if err == nil {
		metrics.DispatchAttempts.WithLabelValues(job.Provider, string(job.Kind), "ok").Inc()
		log.Debug("job completed")
		d.currentHandler().JobCompleted(job, result)
		return
	}
	metrics.DispatchAttempts.WithLabelValues(job.Provider, string(job.Kind), "error").Inc()

	if ctx.Err() != nil {
		// Shutting down; the job dies with the process.
		return
	}

	var perm *backoff.PermanentError
	delay := backoff.Stop
	if !errors.As(err, &perm) && job.Attempts < job.Policy.MaxAttempts {
		delay = env.bo.NextBackOff()
	}
	if delay == backoff.Stop {
		log.Warn("job failed, attempts exhausted", slog.String("error", err.Error()))
		d.currentHandler().JobFailed(job, err)
		return
	}

	log.Info("job attempt failed, retrying",
		slog.String("error", err.Error()),
		slog.Duration("delay", delay),
	)
	d.scheduleRetry(q, env, delay)
}

func (d *Dispatcher) scheduleRetry(q *queue, env *envelope, delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.runCtx == nil || d.runCtx.Err() != nil {
		return
	}

	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		d.mu.Lock()
		delete(d.timers, t)
		stopped := d.runCtx.Err() != nil
		d.mu.Unlock()
		if stopped {
			return
		}
		_ = q.push(env, true)
	})
	d.timers[t] = struct{}{}
}

func (d *Dispatcher) stopTimers() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for t := range d.timers {
		t.Stop()
	}
	d.timers = make(map[*time.Timer]struct{})
}

func (d *Dispatcher) currentHandler() Handler {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handler == nil {
		return discardHandler{logger: d.logger}
	}
	return d.handler
}

// newBackOff returns the retry schedule for policy: Backoff, 2*Backoff,
// 4*Backoff and so on, with at most MaxAttempts-1 retries.
func (d *Dispatcher) newBackOff(policy domain.RetryPolicy) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = policy.Backoff
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	if d.cfg.MaxBackoff > 0 {
		exp.MaxInterval = d.cfg.MaxBackoff
	} else {
		exp.MaxInterval = time.Duration(1<<62 - 1)
	}
	exp.Reset()

	retries := policy.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithMaxRetries(exp, uint64(retries))
}

type discardHandler struct {
	logger *slog.Logger
}

func (h discardHandler) JobCompleted(job domain.Job, _ domain.JobResult) {
	h.logger.Warn("no handler registered, dropping completion", slog.String("job_id", job.ID))
}

func (h discardHandler) JobFailed(job domain.Job, err error) {
	h.logger.Warn("no handler registered, dropping failure",
		slog.String("job_id", job.ID),
		slog.String("error", err.Error()),
	)
}
