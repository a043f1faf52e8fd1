package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/swaprouter/internal/dispatch"
	"github.com/alanyoungcy/swaprouter/internal/domain"
	"github.com/alanyoungcy/swaprouter/internal/routing"
	"github.com/alanyoungcy/swaprouter/internal/store/memory"
)

const testWallet = "0x1111111111111111111111111111111111111111"

var testProviders = []string{"uniswap", "sushiswap", "curve", "balancer"}

// behaviour scripts one provider. A nil quote with no error hangs until the
// attempt is cancelled.
type behaviour struct {
	delay     time.Duration
	quote     *domain.Quote
	quoteErr  error
	result    domain.ExecutionResult
	execErr   error
	execCalls int
}

type scriptedProviders struct {
	mu sync.Mutex
	by map[string]*behaviour
}

func (s *scriptedProviders) Perform(ctx context.Context, job domain.Job) (domain.JobResult, error) {
	s.mu.Lock()
	b := s.by[job.Provider]
	if job.Kind == domain.JobKindExecute {
		b.execCalls++
	}
	s.mu.Unlock()

	if b.delay > 0 {
		select {
		case <-ctx.Done():
			return domain.JobResult{}, ctx.Err()
		case <-time.After(b.delay):
		}
	}

	if job.Kind == domain.JobKindExecute {
		if b.execErr != nil {
			return domain.JobResult{}, b.execErr
		}
		res := b.result
		res.Provider = job.Provider
		return domain.JobResult{Execution: &res}, nil
	}
	if b.quoteErr != nil {
		return domain.JobResult{}, b.quoteErr
	}
	if b.quote == nil {
		<-ctx.Done()
		return domain.JobResult{}, ctx.Err()
	}
	q := *b.quote
	return domain.JobResult{Quote: &q}, nil
}

func (s *scriptedProviders) execCalls(provider string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.by[provider].execCalls
}

type recordingSink struct {
	mu       sync.Mutex
	events   []domain.OrderEvent
	detached []string
}

func (s *recordingSink) Publish(ev domain.OrderEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) Detach(orderID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detached = append(s.detached, orderID)
}

func (s *recordingSink) types(orderID string) []domain.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.EventType
	for _, ev := range s.events {
		if ev.OrderID == orderID {
			out = append(out, ev.Type)
		}
	}
	return out
}

func (s *recordingSink) last(orderID string, typ domain.EventType) (domain.OrderEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].OrderID == orderID && s.events[i].Type == typ {
			return s.events[i], true
		}
	}
	return domain.OrderEvent{}, false
}

func (s *recordingSink) detachCount(orderID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range s.detached {
		if id == orderID {
			n++
		}
	}
	return n
}

type recordingHistory struct {
	mu      sync.Mutex
	records []domain.OrderRecord
}

func (h *recordingHistory) Record(_ context.Context, rec domain.OrderRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, rec)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	cfg := DefaultConfig(testProviders)
	cfg.SoftTimeout = 300 * time.Millisecond
	cfg.HardDeadline = 400 * time.Millisecond
	cfg.GraceWindow = 50 * time.Millisecond
	cfg.CompletedCleanup = 150 * time.Millisecond
	cfg.FailedCleanup = 100 * time.Millisecond
	cfg.QuotePolicy = domain.RetryPolicy{MaxAttempts: 1}
	cfg.ExecutePolicy = domain.RetryPolicy{MaxAttempts: 1}
	return cfg
}

func quoteWithOutput(provider string, output float64) *domain.Quote {
	return &domain.Quote{
		Provider:     provider,
		Price:        output / 100,
		OutputAmount: output,
		Slippage:     0.5,
		Liquidity:    1_000_000,
	}
}

func confirmed() domain.ExecutionResult {
	return domain.ExecutionResult{Success: true, TxHash: "0xfeed"}
}

type harness struct {
	orch      *Orchestrator
	providers *scriptedProviders
	sink      *recordingSink
	history   *recordingHistory
	wallets   *memory.WalletStore
}

func newHarness(t *testing.T, cfg Config, by map[string]*behaviour) *harness {
	t.Helper()
	providers := &scriptedProviders{by: by}
	d := dispatch.New(dispatch.Config{Providers: cfg.Providers}, providers, testLogger())
	sink := &recordingSink{}
	history := &recordingHistory{}
	wallets := memory.NewWalletStore(map[string]map[string]float64{testWallet: {"ETH": 10}})
	hub := routing.NewHub(cfg.Providers, routing.BestPrice)

	orch := New(cfg, NewMemoryStore(), d, hub, wallets, sink, testLogger()).WithHistory(history)
	d.SetHandler(orch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		orch.Close()
	})
	return &harness{orch: orch, providers: providers, sink: sink, history: history, wallets: wallets}
}

func (h *harness) create(t *testing.T, strategy string, prefs domain.Preferences) Accepted {
	t.Helper()
	acc, err := h.orch.Create(context.Background(), domain.OrderRequest{
		Pair:        "ETH/USDC",
		Amount:      1,
		Strategy:    strategy,
		Preferences: prefs,
		WalletRef:   testWallet,
	})
	require.NoError(t, err)
	return acc
}

func (h *harness) waitStage(t *testing.T, orderID string, stage domain.Stage, within time.Duration) domain.OrderSnapshot {
	t.Helper()
	var snap domain.OrderSnapshot
	require.Eventually(t, func() bool {
		s, err := h.orch.Snapshot(orderID)
		if err != nil {
			return false
		}
		snap = s
		return s.Stage == stage
	}, within, 5*time.Millisecond)
	return snap
}

func TestOrderCompletesWithBestPrice(t *testing.T) {
	h := newHarness(t, testConfig(), map[string]*behaviour{
		"uniswap":   {quote: quoteWithOutput("uniswap", 100), result: confirmed()},
		"sushiswap": {quote: quoteWithOutput("sushiswap", 105), result: confirmed()},
		"curve":     {quote: quoteWithOutput("curve", 99), result: confirmed()},
		"balancer":  {quote: quoteWithOutput("balancer", 102), result: confirmed()},
	})

	acc := h.create(t, "BEST_PRICE", domain.Preferences{})
	assert.Equal(t, 4, acc.ExpectedQuotes)
	assert.Equal(t, "BEST_PRICE", acc.Strategy)

	snap := h.waitStage(t, acc.OrderID, domain.StageCompleted, time.Second)
	require.NotNil(t, snap.Selected)
	assert.Equal(t, 105.0, snap.Selected.OutputAmount)
	assert.Equal(t, "sushiswap", snap.Selected.Provider)
	assert.Equal(t, 4, snap.Received)
	require.NotNil(t, snap.Result)
	assert.Equal(t, "0xfeed", snap.Result.TxHash)
	assert.Equal(t, 1, h.providers.execCalls("sushiswap"))

	types := h.sink.types(acc.OrderID)
	assert.Equal(t, domain.EventOrderCreated, types[0])
	assert.Contains(t, types, domain.EventRoutingAnalysis)
	assert.Contains(t, types, domain.EventOrderExecuting)
	assert.Equal(t, domain.EventOrderCompleted, types[len(types)-1])

	ev, ok := h.sink.last(acc.OrderID, domain.EventRoutingAnalysis)
	require.True(t, ok)
	decision, ok := ev.Data.(domain.RouteDecision)
	require.True(t, ok)
	assert.Len(t, decision.Analysis.Winners, 4)

	// Cleanup removes the order after the completion delay.
	require.Eventually(t, func() bool {
		_, err := h.orch.Snapshot(acc.OrderID)
		return errors.Is(err, domain.ErrNotFound)
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, h.sink.detachCount(acc.OrderID))

	h.history.mu.Lock()
	defer h.history.mu.Unlock()
	require.Len(t, h.history.records, 1)
	assert.Equal(t, domain.StageCompleted, h.history.records[0].Stage)
	assert.Equal(t, "sushiswap", h.history.records[0].Provider)
}

func TestStagesOnlyMoveForward(t *testing.T) {
	h := newHarness(t, testConfig(), map[string]*behaviour{
		"uniswap":   {quote: quoteWithOutput("uniswap", 100), result: confirmed()},
		"sushiswap": {quote: quoteWithOutput("sushiswap", 101), result: confirmed()},
		"curve":     {quote: quoteWithOutput("curve", 99), result: confirmed()},
		"balancer":  {quoteErr: errors.New("down")},
	})
	acc := h.create(t, "", domain.Preferences{})
	h.waitStage(t, acc.OrderID, domain.StageCompleted, time.Second)

	order := map[domain.Stage]int{
		domain.StageQuoting:   0,
		domain.StageRouting:   1,
		domain.StageExecuting: 2,
		domain.StageCompleted: 3,
		domain.StageFailed:    3,
	}
	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	prev := 0
	for _, ev := range h.sink.events {
		if ev.OrderID != acc.OrderID {
			continue
		}
		rank := order[ev.Stage]
		assert.GreaterOrEqual(t, rank, prev, "event %s regressed to %s", ev.Type, ev.Stage)
		prev = rank
	}
}

func TestOnlyOneQuoteBeforeHardDeadline(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg, map[string]*behaviour{
		"uniswap":   {quote: quoteWithOutput("uniswap", 100)},
		"sushiswap": {},
		"curve":     {},
		"balancer":  {},
	})

	start := time.Now()
	acc := h.create(t, "BEST_PRICE", domain.Preferences{})
	snap := h.waitStage(t, acc.OrderID, domain.StageFailed, 2*time.Second)

	assert.GreaterOrEqual(t, time.Since(start), cfg.HardDeadline)
	assert.Equal(t, "INSUFFICIENT_QUOTES", snap.ErrorCode)
	assert.Equal(t, 1, snap.Received)
	assert.Nil(t, snap.Selected)

	ev, ok := h.sink.last(acc.OrderID, domain.EventOrderFailed)
	require.True(t, ok)
	outcome, ok := ev.Data.(domain.OrderOutcome)
	require.True(t, ok)
	assert.Equal(t, "INSUFFICIENT_QUOTES", outcome.Code)
}

func TestGraceWindowRoutesOnQuorum(t *testing.T) {
	cfg := testConfig()
	cfg.SoftTimeout = 2 * time.Second
	cfg.HardDeadline = 3 * time.Second
	h := newHarness(t, cfg, map[string]*behaviour{
		"uniswap":   {quote: quoteWithOutput("uniswap", 100)},
		"sushiswap": {quote: quoteWithOutput("sushiswap", 103), result: confirmed()},
		"curve":     {delay: 20 * time.Millisecond, quoteErr: errors.New("pool paused")},
		"balancer":  {},
	})

	start := time.Now()
	acc := h.create(t, "BEST_PRICE", domain.Preferences{})
	snap := h.waitStage(t, acc.OrderID, domain.StageCompleted, time.Second)

	assert.Less(t, time.Since(start), cfg.HardDeadline)
	require.NotNil(t, snap.Selected)
	assert.Equal(t, "sushiswap", snap.Selected.Provider)
	assert.Equal(t, 2, snap.Received)

	types := h.sink.types(acc.OrderID)
	assert.Contains(t, types, domain.EventQuoteFailed)
}

func TestConfirmationHandleRequired(t *testing.T) {
	h := newHarness(t, testConfig(), map[string]*behaviour{
		"uniswap":   {quote: quoteWithOutput("uniswap", 110), result: domain.ExecutionResult{Success: true}},
		"sushiswap": {quote: quoteWithOutput("sushiswap", 100)},
		"curve":     {quote: quoteWithOutput("curve", 100)},
		"balancer":  {quote: quoteWithOutput("balancer", 100)},
	})

	acc := h.create(t, "BEST_PRICE", domain.Preferences{})
	snap := h.waitStage(t, acc.OrderID, domain.StageFailed, time.Second)

	assert.Equal(t, "EXECUTION_FAILED", snap.ErrorCode)
	assert.Nil(t, snap.Result)
	ev, ok := h.sink.last(acc.OrderID, domain.EventOrderFailed)
	require.True(t, ok)
	assert.Equal(t, "uniswap", ev.Data.(domain.OrderOutcome).Provider)
	_, completed := h.sink.last(acc.OrderID, domain.EventOrderCompleted)
	assert.False(t, completed)
}

func TestExecutionFailureIsNotRerouted(t *testing.T) {
	h := newHarness(t, testConfig(), map[string]*behaviour{
		"uniswap":   {quote: quoteWithOutput("uniswap", 110), execErr: errors.New("reverted")},
		"sushiswap": {quote: quoteWithOutput("sushiswap", 105), result: confirmed()},
		"curve":     {quote: quoteWithOutput("curve", 100), result: confirmed()},
		"balancer":  {quote: quoteWithOutput("balancer", 100), result: confirmed()},
	})

	acc := h.create(t, "BEST_PRICE", domain.Preferences{})
	snap := h.waitStage(t, acc.OrderID, domain.StageFailed, time.Second)

	assert.Equal(t, "EXECUTION_FAILED", snap.ErrorCode)
	assert.Contains(t, snap.Error, "reverted")
	assert.Equal(t, 1, h.providers.execCalls("uniswap"))
	assert.Equal(t, 0, h.providers.execCalls("sushiswap"))
}

func TestAllQuotesFailFailsFast(t *testing.T) {
	cfg := testConfig()
	cfg.HardDeadline = 5 * time.Second
	cfg.SoftTimeout = 4 * time.Second
	down := errors.New("down")
	h := newHarness(t, cfg, map[string]*behaviour{
		"uniswap":   {quoteErr: down},
		"sushiswap": {quoteErr: down},
		"curve":     {quoteErr: down},
		"balancer":  {quote: quoteWithOutput("balancer", 100)},
	})

	acc := h.create(t, "BEST_PRICE", domain.Preferences{})
	snap := h.waitStage(t, acc.OrderID, domain.StageFailed, time.Second)
	assert.Equal(t, "INSUFFICIENT_QUOTES", snap.ErrorCode)
}

func TestInsufficientBalance(t *testing.T) {
	h := newHarness(t, testConfig(), map[string]*behaviour{
		"uniswap":   {quote: quoteWithOutput("uniswap", 100), result: confirmed()},
		"sushiswap": {quote: quoteWithOutput("sushiswap", 101), result: confirmed()},
		"curve":     {quote: quoteWithOutput("curve", 102), result: confirmed()},
		"balancer":  {quote: quoteWithOutput("balancer", 103), result: confirmed()},
	})
	h.wallets.Set(testWallet, "ETH", 0.5)

	acc := h.create(t, "BEST_PRICE", domain.Preferences{})
	snap := h.waitStage(t, acc.OrderID, domain.StageFailed, time.Second)

	assert.Equal(t, "INSUFFICIENT_BALANCE", snap.ErrorCode)
	require.NotNil(t, snap.Selected)
	for _, p := range testProviders {
		assert.Equal(t, 0, h.providers.execCalls(p))
	}
}

func TestCreateValidation(t *testing.T) {
	d := &captureDispatcher{}
	orch := New(testConfig(), NewMemoryStore(), d, routing.NewHub(nil, routing.BestPrice), nil, nil, testLogger())

	cases := []struct {
		name string
		req  domain.OrderRequest
		err  error
	}{
		{"bad pair", domain.OrderRequest{Pair: "ETHUSDC", Amount: 1, WalletRef: testWallet}, domain.ErrValidation},
		{"zero amount", domain.OrderRequest{Pair: "ETH/USDC", Amount: 0, WalletRef: testWallet}, domain.ErrValidation},
		{"negative amount", domain.OrderRequest{Pair: "ETH/USDC", Amount: -3, WalletRef: testWallet}, domain.ErrValidation},
		{"missing wallet", domain.OrderRequest{Pair: "ETH/USDC", Amount: 1}, domain.ErrValidation},
		{"bad wallet", domain.OrderRequest{Pair: "ETH/USDC", Amount: 1, WalletRef: "alice"}, domain.ErrValidation},
		{"unknown strategy", domain.OrderRequest{Pair: "ETH/USDC", Amount: 1, WalletRef: testWallet, Strategy: "YOLO"}, domain.ErrUnknownStrategy},
		{"negative preference", domain.OrderRequest{Pair: "ETH/USDC", Amount: 1, WalletRef: testWallet,
			Preferences: domain.Preferences{MaxSlippage: -1}}, domain.ErrValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := orch.Create(context.Background(), tc.req)
			assert.ErrorIs(t, err, tc.err)
		})
	}
	assert.Empty(t, d.all())
}

// captureDispatcher records submitted jobs without running them, so tests can
// drive job outcomes by hand.
type captureDispatcher struct {
	mu   sync.Mutex
	jobs []domain.Job
	err  error
}

func (d *captureDispatcher) Submit(job domain.Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.jobs = append(d.jobs, job)
	return nil
}

func (d *captureDispatcher) all() []domain.Job {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]domain.Job(nil), d.jobs...)
}

func (d *captureDispatcher) ofKind(kind domain.JobKind) []domain.Job {
	var out []domain.Job
	for _, j := range d.all() {
		if j.Kind == kind {
			out = append(out, j)
		}
	}
	return out
}

func newManualOrchestrator(t *testing.T, cfg Config) (*Orchestrator, *captureDispatcher, *recordingSink) {
	t.Helper()
	d := &captureDispatcher{}
	sink := &recordingSink{}
	wallets := memory.NewWalletStore(map[string]map[string]float64{testWallet: {"ETH": 10}})
	orch := New(cfg, NewMemoryStore(), d, routing.NewHub(cfg.Providers, routing.BestPrice), wallets, sink, testLogger())
	t.Cleanup(orch.Close)
	return orch, d, sink
}

func TestRoutingRunsAtMostOnce(t *testing.T) {
	cfg := testConfig()
	cfg.SoftTimeout = time.Hour
	cfg.HardDeadline = 2 * time.Hour
	orch, d, _ := newManualOrchestrator(t, cfg)

	acc, err := orch.Create(context.Background(), domain.OrderRequest{Pair: "ETH/USDC", Amount: 1, WalletRef: testWallet})
	require.NoError(t, err)
	quoteJobs := d.ofKind(domain.JobKindQuote)
	require.Len(t, quoteJobs, 4)

	// Two quotes arrive and one provider fails, arming the grace window.
	orch.JobCompleted(quoteJobs[0], domain.JobResult{Quote: quoteWithOutput(quoteJobs[0].Provider, 100)})
	orch.JobCompleted(quoteJobs[1], domain.JobResult{Quote: quoteWithOutput(quoteJobs[1].Provider, 101)})
	orch.JobFailed(quoteJobs[2], errors.New("timeout"))

	// Every trigger fires at once along with the last quote.
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(3)
		go func() { defer wg.Done(); orch.onHardDeadline(acc.OrderID) }()
		go func() { defer wg.Done(); orch.onGraceWindow(acc.OrderID) }()
		go func() {
			defer wg.Done()
			orch.JobCompleted(quoteJobs[3], domain.JobResult{Quote: quoteWithOutput(quoteJobs[3].Provider, 99)})
		}()
	}
	wg.Wait()

	assert.Len(t, d.ofKind(domain.JobKindExecute), 1)
	snap, err := orch.Snapshot(acc.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.StageExecuting, snap.Stage)
}

func TestLateQuoteAfterRoutingIsKept(t *testing.T) {
	cfg := testConfig()
	cfg.SoftTimeout = 0
	cfg.HardDeadline = time.Hour
	orch, d, _ := newManualOrchestrator(t, cfg)

	acc, err := orch.Create(context.Background(), domain.OrderRequest{Pair: "ETH/USDC", Amount: 1, WalletRef: testWallet})
	require.NoError(t, err)
	jobs := d.ofKind(domain.JobKindQuote)

	orch.JobCompleted(jobs[0], domain.JobResult{Quote: quoteWithOutput(jobs[0].Provider, 100)})
	time.Sleep(time.Millisecond)
	// Quorum plus an elapsed soft timeout routes on the second quote.
	orch.JobCompleted(jobs[1], domain.JobResult{Quote: quoteWithOutput(jobs[1].Provider, 101)})
	require.Len(t, d.ofKind(domain.JobKindExecute), 1)

	orch.JobCompleted(jobs[2], domain.JobResult{Quote: quoteWithOutput(jobs[2].Provider, 500)})
	snap, err := orch.Snapshot(acc.OrderID)
	require.NoError(t, err)
	assert.Equal(t, 3, snap.Received)
	assert.Equal(t, 101.0, snap.Selected.OutputAmount)
	assert.Len(t, d.ofKind(domain.JobKindExecute), 1)
}

func TestCleanupIsIdempotent(t *testing.T) {
	cfg := testConfig()
	cfg.HardDeadline = time.Hour
	orch, d, sink := newManualOrchestrator(t, cfg)

	acc, err := orch.Create(context.Background(), domain.OrderRequest{Pair: "ETH/USDC", Amount: 1, WalletRef: testWallet})
	require.NoError(t, err)

	orch.Cleanup(acc.OrderID)
	orch.Cleanup(acc.OrderID)
	orch.Cleanup("never-existed")

	_, err = orch.Snapshot(acc.OrderID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, 1, sink.detachCount(acc.OrderID))

	// Outcomes for the removed order are dropped.
	job := d.ofKind(domain.JobKindQuote)[0]
	assert.NotPanics(t, func() {
		orch.JobCompleted(job, domain.JobResult{Quote: quoteWithOutput(job.Provider, 100)})
		orch.JobFailed(job, errors.New("late"))
	})
}

func TestUnknownJobIsDropped(t *testing.T) {
	orch, _, sink := newManualOrchestrator(t, testConfig())
	assert.NotPanics(t, func() {
		orch.JobCompleted(domain.Job{ID: "ghost", Kind: domain.JobKindQuote}, domain.JobResult{})
		orch.JobFailed(domain.Job{ID: "ghost", Kind: domain.JobKindExecute}, errors.New("x"))
	})
	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Empty(t, sink.events)
}

func TestCreateFailsWhenNoQueueAccepts(t *testing.T) {
	orch, d, _ := newManualOrchestrator(t, testConfig())
	d.err = domain.ErrQueueFull

	_, err := orch.Create(context.Background(), domain.OrderRequest{Pair: "ETH/USDC", Amount: 1, WalletRef: testWallet})
	assert.ErrorIs(t, err, domain.ErrQueueFull)
	assert.Empty(t, orch.store.IDs())
}

func TestCapacityLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxOrders = 1
	cfg.HardDeadline = time.Hour
	orch, _, _ := newManualOrchestrator(t, cfg)

	req := domain.OrderRequest{Pair: "ETH/USDC", Amount: 1, WalletRef: testWallet}
	_, err := orch.Create(context.Background(), req)
	require.NoError(t, err)
	_, err = orch.Create(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrCapacity)
}
