package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/swaprouter/internal/dispatch"
	"github.com/alanyoungcy/swaprouter/internal/domain"
	"github.com/alanyoungcy/swaprouter/internal/metrics"
)

// Routing triggers, used in logs and metrics.
const (
	triggerAllQuotes    = "all_quotes"
	triggerSoftTimeout  = "soft_timeout"
	triggerAllSettled   = "all_settled"
	triggerGraceWindow  = "grace_window"
	triggerHardDeadline = "hard_deadline"
)

// JobCompleted implements dispatch.Handler.
func (o *Orchestrator) JobCompleted(job domain.Job, result domain.JobResult) {
	e, ok := o.resolve(job)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cleaned {
		o.lookupMiss(job, "order already cleaned up")
		return
	}

	switch job.Kind {
	case domain.JobKindQuote:
		if result.Quote == nil {
			o.onQuoteFailed(e, job, errors.New("provider returned no quote"))
			return
		}
		o.onQuote(e, job, *result.Quote)
	case domain.JobKindExecute:
		if result.Execution == nil {
			o.onExecuteFailed(e, job, errors.New("provider returned no execution result"))
			return
		}
		o.onExecuted(e, job, *result.Execution)
	}
}

// JobFailed implements dispatch.Handler.
func (o *Orchestrator) JobFailed(job domain.Job, err error) {
	e, ok := o.resolve(job)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cleaned {
		o.lookupMiss(job, "order already cleaned up")
		return
	}

	switch job.Kind {
	case domain.JobKindQuote:
		o.onQuoteFailed(e, job, err)
	case domain.JobKindExecute:
		o.onExecuteFailed(e, job, err)
	}
}

// resolve maps a job back to its order through the job index.
func (o *Orchestrator) resolve(job domain.Job) (*entry, bool) {
	orderID, ok := o.store.LookupJob(job.ID)
	if !ok {
		o.lookupMiss(job, "job not indexed")
		return nil, false
	}
	e, ok := o.store.Get(orderID)
	if !ok {
		o.lookupMiss(job, "order not found")
		return nil, false
	}
	return e, true
}

func (o *Orchestrator) lookupMiss(job domain.Job, reason string) {
	o.logger.Warn("dropping job outcome",
		slog.String("job_id", job.ID),
		slog.String("kind", string(job.Kind)),
		slog.String("provider", job.Provider),
		slog.String("reason", reason),
		slog.String("error", domain.ErrLookupMiss.Error()),
	)
}

func (o *Orchestrator) onQuote(e *entry, job domain.Job, q domain.Quote) {
	if e.order.Stage.Terminal() {
		o.lookupMiss(job, "order already terminal")
		return
	}
	if _, ok := e.order.QuoteJobs[job.ID]; !ok {
		o.lookupMiss(job, "quote job not part of order")
		return
	}
	if e.done[job.ID] {
		o.lookupMiss(job, "quote job already settled")
		return
	}
	e.done[job.ID] = true
	if q.ReceivedAt.IsZero() {
		q.ReceivedAt = o.cfg.Now().UTC()
	}
	e.quotes = append(e.quotes, q)
	e.settled++
	e.touch(o.cfg.Now())
	metrics.QuoteOutcomes.WithLabelValues(job.Provider, "received").Inc()

	quote := q
	o.emit(e, domain.EventQuoteReceived, domain.QuoteProgress{
		Provider: job.Provider,
		Quote:    &quote,
		Received: len(e.quotes),
		Expected: e.expected,
	})

	if e.routed {
		return
	}
	received := len(e.quotes)
	elapsed := o.cfg.Now().Sub(e.order.StartTime)
	switch {
	case received == e.expected:
		o.tryRoute(e, triggerAllQuotes)
	case received >= o.cfg.MinQuotes && elapsed > o.cfg.SoftTimeout:
		o.tryRoute(e, triggerSoftTimeout)
	case e.settled == e.expected:
		o.settle(e)
	}
}

func (o *Orchestrator) onQuoteFailed(e *entry, job domain.Job, err error) {
	if e.order.Stage.Terminal() {
		o.lookupMiss(job, "order already terminal")
		return
	}
	if _, ok := e.order.QuoteJobs[job.ID]; !ok {
		o.lookupMiss(job, "quote job not part of order")
		return
	}
	if e.done[job.ID] {
		o.lookupMiss(job, "quote job already settled")
		return
	}
	e.done[job.ID] = true
	e.settled++
	e.failed++
	e.touch(o.cfg.Now())
	metrics.QuoteOutcomes.WithLabelValues(job.Provider, "failed").Inc()

	o.logger.Info("quote failed",
		slog.String("order_id", e.order.ID),
		slog.String("provider", job.Provider),
		slog.Int("attempts", job.Attempts),
		slog.String("error", err.Error()),
	)
	o.emit(e, domain.EventQuoteFailed, domain.QuoteProgress{
		Provider: job.Provider,
		Error:    err.Error(),
		Received: len(e.quotes),
		Expected: e.expected,
	})

	if e.routed {
		return
	}
	if e.settled == e.expected {
		o.settle(e)
		return
	}
	if len(e.quotes) >= o.cfg.MinQuotes && e.graceTimer == nil {
		id := e.order.ID
		e.graceTimer = time.AfterFunc(o.cfg.GraceWindow, func() { o.onGraceWindow(id) })
	}
}

// settle runs once every quote job has reached a terminal state without the
// quote set being complete: route on quorum, otherwise fail now instead of
// waiting for the hard deadline.
func (o *Orchestrator) settle(e *entry) {
	if len(e.quotes) >= o.cfg.MinQuotes {
		o.tryRoute(e, triggerAllSettled)
		return
	}
	o.fail(e, "", fmt.Errorf("%w: %d of %d quotes received, %d required",
		domain.ErrInsufficientQuotes, len(e.quotes), e.expected, o.cfg.MinQuotes))
}

func (o *Orchestrator) onGraceWindow(orderID string) {
	e, ok := o.store.Get(orderID)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cleaned || e.routed || e.order.Stage.Terminal() {
		return
	}
	if len(e.quotes) >= o.cfg.MinQuotes {
		o.tryRoute(e, triggerGraceWindow)
	}
}

func (o *Orchestrator) onHardDeadline(orderID string) {
	e, ok := o.store.Get(orderID)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cleaned || e.routed || e.order.Stage.Terminal() {
		return
	}
	if len(e.quotes) >= o.cfg.MinQuotes {
		o.tryRoute(e, triggerHardDeadline)
		return
	}
	o.fail(e, "", fmt.Errorf("%w: %d of %d quotes received before the hard deadline, %d required",
		domain.ErrInsufficientQuotes, len(e.quotes), e.expected, o.cfg.MinQuotes))
}

// tryRoute is the single routing decision point. The caller holds e.mu; the
// routed flag makes every later trigger a no-op.
func (o *Orchestrator) tryRoute(e *entry, trigger string) {
	if e.routed || e.order.Stage.Terminal() {
		return
	}
	e.routed = true
	if e.hardTimer != nil {
		e.hardTimer.Stop()
	}
	if e.graceTimer != nil {
		e.graceTimer.Stop()
	}
	o.advance(e, domain.StageRouting)

	log := o.logger.With(
		slog.String("order_id", e.order.ID),
		slog.String("trigger", trigger),
	)

	decision, err := o.hub.Route(e.quotes, e.order.Strategy, e.order.Preferences)
	if len(decision.Warnings) > 0 {
		o.emit(e, domain.EventRoutingWarnings, map[string]any{"warnings": decision.Warnings})
	}
	if err != nil {
		log.Warn("routing failed", slog.String("error", err.Error()))
		if errors.Is(err, domain.ErrNoQuotes) || errors.Is(err, domain.ErrNoQuotesForRouting) {
			err = fmt.Errorf("%w: %w", domain.ErrNoValidRoute, err)
		}
		o.fail(e, "", err)
		return
	}

	selected := decision.Selected
	e.selected = &selected
	e.decision = &decision
	o.advance(e, domain.StageExecuting)
	metrics.RoutingDecisions.WithLabelValues(decision.Strategy, selected.Provider, trigger).Inc()
	log.Info("route selected",
		slog.String("strategy", decision.Strategy),
		slog.String("provider", selected.Provider),
		slog.Float64("output_amount", selected.OutputAmount),
		slog.Int("quotes", len(e.quotes)),
	)
	o.emit(e, domain.EventRoutingAnalysis, decision)

	if err := o.checkBalance(e); err != nil {
		log.Warn("balance check failed", slog.String("error", err.Error()))
		o.fail(e, selected.Provider, err)
		return
	}

	job := dispatch.NewJob(domain.JobKindExecute, selected.Provider, e.order.ID, domain.JobPayload{
		Pair:      e.order.Pair,
		Amount:    e.order.InputAmount,
		WalletRef: e.order.WalletRef,
		Quote:     &selected,
	}, o.cfg.ExecutePolicy)
	e.order.ExecutionJobID = job.ID
	o.store.IndexJob(job.ID, e.order.ID)
	if err := o.dispatcher.Submit(job); err != nil {
		o.store.UnindexJobs(job.ID)
		o.fail(e, selected.Provider, fmt.Errorf("%w: %w", domain.ErrExecutionFailed, err))
		return
	}

	o.emit(e, domain.EventOrderExecuting, map[string]any{
		"provider":         selected.Provider,
		"execution_job_id": job.ID,
		"quote":            selected,
	})
}

// checkBalance requires the wallet to hold at least the input amount of the
// pair's base asset.
func (o *Orchestrator) checkBalance(e *entry) error {
	base, _, err := domain.SplitPair(e.order.Pair)
	if err != nil {
		return err
	}
	if o.wallets == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.StoreTimeout)
	defer cancel()
	balance, err := o.wallets.Balance(ctx, e.order.WalletRef, base)
	if errors.Is(err, domain.ErrNotFound) {
		balance, err = 0, nil
	}
	if err != nil {
		return fmt.Errorf("orchestrator: wallet balance: %w", err)
	}
	if balance < e.order.InputAmount {
		return fmt.Errorf("%w: wallet holds %g %s, order needs %g",
			domain.ErrInsufficientBalance, balance, base, e.order.InputAmount)
	}
	return nil
}

func (o *Orchestrator) onExecuted(e *entry, job domain.Job, res domain.ExecutionResult) {
	if e.order.Stage.Terminal() || job.ID != e.order.ExecutionJobID {
		o.lookupMiss(job, "execution job not current for order")
		return
	}
	if !res.Confirmed() {
		reason := "provider reported failure"
		if res.Success {
			reason = "provider reported success without a transaction hash"
		}
		o.fail(e, job.Provider, fmt.Errorf("%w: %s", domain.ErrExecutionFailed, reason))
		return
	}

	now := o.cfg.Now()
	execTime := now.Sub(e.order.StartTime)
	e.result = &res
	o.advance(e, domain.StageCompleted)
	metrics.ExecutionLatency.WithLabelValues(job.Provider).Observe(execTime.Seconds())
	o.logger.Info("order completed",
		slog.String("order_id", e.order.ID),
		slog.String("provider", job.Provider),
		slog.String("tx_hash", res.TxHash),
		slog.Duration("execution_time", execTime),
	)
	result := res
	o.emit(e, domain.EventOrderCompleted, domain.OrderOutcome{
		Provider:      job.Provider,
		Result:        &result,
		ExecutionTime: execTime,
	})
	o.finish(e, job.Provider, o.cfg.CompletedCleanup)
}

func (o *Orchestrator) onExecuteFailed(e *entry, job domain.Job, err error) {
	if e.order.Stage.Terminal() || job.ID != e.order.ExecutionJobID {
		o.lookupMiss(job, "execution job not current for order")
		return
	}
	o.fail(e, job.Provider, fmt.Errorf("%w: %w", domain.ErrExecutionFailed, err))
}

// fail moves the order to FAILED and schedules cleanup. The caller holds e.mu.
func (o *Orchestrator) fail(e *entry, provider string, err error) {
	if e.order.Stage.Terminal() {
		return
	}
	e.order.FailureCode = domain.ErrorCode(err)
	e.order.FailureReason = err.Error()
	o.advance(e, domain.StageFailed)

	o.logger.Warn("order failed",
		slog.String("order_id", e.order.ID),
		slog.String("provider", provider),
		slog.String("code", e.order.FailureCode),
		slog.String("error", err.Error()),
	)
	o.emit(e, domain.EventOrderFailed, domain.OrderOutcome{
		Provider: provider,
		Code:     e.order.FailureCode,
		Reason:   e.order.FailureReason,
	})
	o.finish(e, provider, o.cfg.FailedCleanup)
}

// finish runs the terminal bookkeeping shared by both outcomes.
func (o *Orchestrator) finish(e *entry, provider string, cleanupAfter time.Duration) {
	if e.hardTimer != nil {
		e.hardTimer.Stop()
	}
	if e.graceTimer != nil {
		e.graceTimer.Stop()
	}
	metrics.OrdersFinished.WithLabelValues(string(e.order.Stage), e.order.FailureCode).Inc()

	rec := domain.OrderRecord{
		OrderID:        e.order.ID,
		Pair:           e.order.Pair,
		InputAmount:    e.order.InputAmount,
		Strategy:       e.order.Strategy,
		WalletRef:      e.order.WalletRef,
		Stage:          e.order.Stage,
		Provider:       provider,
		FailureCode:    e.order.FailureCode,
		FailureReason:  e.order.FailureReason,
		QuotesExpected: e.expected,
		QuotesReceived: len(e.quotes),
		ExecutionTime:  e.order.UpdatedAt.Sub(e.order.StartTime),
		CreatedAt:      e.order.StartTime,
		FinishedAt:     e.order.UpdatedAt.UTC(),
	}
	if e.result != nil {
		rec.OutputAmount = e.result.OutputAmount
		rec.TxHash = e.result.TxHash
	}
	o.recordAsync(rec)
	o.auditAsync("order."+string(e.order.Stage), map[string]any{
		"order_id": rec.OrderID,
		"provider": rec.Provider,
		"code":     rec.FailureCode,
		"tx_hash":  rec.TxHash,
	})

	id := e.order.ID
	e.cleanupTimer = time.AfterFunc(cleanupAfter, func() { o.Cleanup(id) })
}

func (o *Orchestrator) recordAsync(rec domain.OrderRecord) {
	if o.history == nil {
		return
	}
	o.background.Add(1)
	go func() {
		defer o.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.StoreTimeout)
		defer cancel()
		if err := o.history.Record(ctx, rec); err != nil {
			o.logger.Warn("order history write failed",
				slog.String("order_id", rec.OrderID),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// advance moves the order forward. Backward or post-terminal moves are
// refused and logged.
func (o *Orchestrator) advance(e *entry, next domain.Stage) bool {
	if !e.order.Stage.CanAdvanceTo(next) {
		o.logger.Error("refusing stage transition",
			slog.String("order_id", e.order.ID),
			slog.String("from", string(e.order.Stage)),
			slog.String("to", string(next)),
		)
		return false
	}
	e.order.Stage = next
	e.touch(o.cfg.Now())
	return true
}

func (e *entry) touch(now time.Time) {
	e.order.UpdatedAt = now.UTC()
}
