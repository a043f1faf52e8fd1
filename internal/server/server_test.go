package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/swaprouter/internal/cache/memory"
	"github.com/alanyoungcy/swaprouter/internal/domain"
	"github.com/alanyoungcy/swaprouter/internal/orchestrator"
	"github.com/alanyoungcy/swaprouter/internal/routing"
	"github.com/alanyoungcy/swaprouter/internal/server/handler"
)

type fakeOrders struct {
	created []domain.OrderRequest
}

func (f *fakeOrders) Create(_ context.Context, req domain.OrderRequest) (orchestrator.Accepted, error) {
	switch {
	case req.Amount <= 0:
		return orchestrator.Accepted{}, fmt.Errorf("%w: amount must be positive", domain.ErrValidation)
	case req.Strategy == "CHEAPEST":
		return orchestrator.Accepted{}, fmt.Errorf("%w: %q", domain.ErrUnknownStrategy, req.Strategy)
	case req.Pair == "BUSY/USDC":
		return orchestrator.Accepted{}, domain.ErrCapacity
	}
	f.created = append(f.created, req)
	return orchestrator.Accepted{OrderID: "ord-1", ExpectedQuotes: 4, Strategy: "BEST_PRICE", Stage: "QUOTING"}, nil
}

func (f *fakeOrders) Snapshot(orderID string) (domain.OrderSnapshot, error) {
	if orderID != "ord-1" {
		return domain.OrderSnapshot{}, domain.ErrNotFound
	}
	return domain.OrderSnapshot{OrderID: "ord-1", Pair: "ETH/USDC", Stage: domain.StageQuoting, Expected: 4}, nil
}

type fakeAudit struct{}

func (fakeAudit) Log(context.Context, string, map[string]any) error { return nil }

func (fakeAudit) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	return []domain.AuditEntry{{ID: int64(opts.Limit), Event: "order_completed"}}, nil
}

type fakeHistory struct{}

func (fakeHistory) ListRecent(_ context.Context, opts domain.ListOpts) ([]domain.OrderRecord, error) {
	return []domain.OrderRecord{{OrderID: "old-1", Stage: domain.StageCompleted, QuotesExpected: opts.Limit}}, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, cfg Config, limiter domain.RateLimiter) (*httptest.Server, *fakeOrders) {
	t.Helper()
	logger := discardLogger()
	orders := &fakeOrders{}
	hub := routing.NewHub([]string{"uniswap", "curve"}, routing.BestPrice)
	srv := NewServer(cfg, Handlers{
		Health:     handler.NewHealthHandler(nil, logger),
		Orders:     handler.NewOrderHandler(orders, fakeHistory{}, logger).WithIdempotency(handler.NewIdempotencyCache(time.Minute)),
		Strategies: handler.NewStrategyHandler(hub.DefaultStrategy()),
		Providers:  handler.NewProviderHandler([]string{"curve", "uniswap"}, hub.Rank, nil),
		Audit:      handler.NewAuditHandler(fakeAudit{}, logger),
	}, nil, limiter, logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, orders
}

func postOrder(t *testing.T, url, body string, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url+"/api/orders", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestCreateOrderAccepted(t *testing.T) {
	ts, orders := newTestServer(t, Config{}, nil)

	resp := postOrder(t, ts.URL, `{"pair":"ETH/USDC","amount":1.5,"strategy":"best_price",
		"preferences":{"exclude_providers":["curve"]},"wallet":"0x1111111111111111111111111111111111111111"}`, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "/api/orders/ord-1", resp.Header.Get("Location"))

	var body orchestrator.Accepted
	decode(t, resp, &body)
	assert.Equal(t, "ord-1", body.OrderID)
	assert.Equal(t, 4, body.ExpectedQuotes)

	require.Len(t, orders.created, 1)
	assert.Equal(t, []string{"curve"}, orders.created[0].Preferences.ExcludeProviders)
	assert.Equal(t, "0x1111111111111111111111111111111111111111", orders.created[0].WalletRef)
}

func TestCreateOrderErrors(t *testing.T) {
	ts, _ := newTestServer(t, Config{}, nil)

	cases := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"malformed", `{"pair":`, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"unknown field", `{"pair":"ETH/USDC","amount":1,"slippage":2}`, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"bad amount", `{"pair":"ETH/USDC","amount":0}`, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"unknown strategy", `{"pair":"ETH/USDC","amount":1,"strategy":"CHEAPEST"}`, http.StatusBadRequest, "UNKNOWN_STRATEGY"},
		{"capacity", `{"pair":"BUSY/USDC","amount":1}`, http.StatusServiceUnavailable, "CAPACITY"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := postOrder(t, ts.URL, tc.body, nil)
			assert.Equal(t, tc.status, resp.StatusCode)
			var body struct {
				Error string `json:"error"`
				Code  string `json:"code"`
			}
			decode(t, resp, &body)
			assert.Equal(t, tc.code, body.Code)
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestGetOrder(t *testing.T) {
	ts, _ := newTestServer(t, Config{}, nil)

	resp, err := http.Get(ts.URL + "/api/orders/ord-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap domain.OrderSnapshot
	decode(t, resp, &snap)
	assert.Equal(t, domain.StageQuoting, snap.Stage)

	missing, err := http.Get(ts.URL + "/api/orders/nope")
	require.NoError(t, err)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestHistoryRouteTakesPrecedenceOverID(t *testing.T) {
	ts, _ := newTestServer(t, Config{}, nil)

	resp, err := http.Get(ts.URL + "/api/orders/history?limit=7")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Orders []domain.OrderRecord `json:"orders"`
	}
	decode(t, resp, &body)
	require.Len(t, body.Orders, 1)
	assert.Equal(t, "old-1", body.Orders[0].OrderID)
	assert.Equal(t, 7, body.Orders[0].QuotesExpected)
}

func TestListStrategiesAndProviders(t *testing.T) {
	ts, _ := newTestServer(t, Config{}, nil)

	resp, err := http.Get(ts.URL + "/api/strategies")
	require.NoError(t, err)
	defer resp.Body.Close()
	var strategies struct {
		Strategies []routing.StrategyInfo `json:"strategies"`
		Default    string                 `json:"default"`
	}
	decode(t, resp, &strategies)
	assert.Len(t, strategies.Strategies, 4)
	assert.Equal(t, "BEST_PRICE", strategies.Default)

	presp, err := http.Get(ts.URL + "/api/providers")
	require.NoError(t, err)
	defer presp.Body.Close()
	var providers struct {
		Providers []struct {
			Name      string `json:"name"`
			SpeedRank int    `json:"speed_rank"`
		} `json:"providers"`
	}
	decode(t, presp, &providers)
	require.Len(t, providers.Providers, 2)
	assert.Equal(t, "uniswap", providers.Providers[0].Name)
}

func TestAuthProtectsAPIButNotHealth(t *testing.T) {
	ts, _ := newTestServer(t, Config{APIKey: "secret"}, nil)

	resp := postOrder(t, ts.URL, `{"pair":"ETH/USDC","amount":1}`, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = postOrder(t, ts.URL, `{"pair":"ETH/USDC","amount":1}`, http.Header{"Authorization": {"Bearer secret"}})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	health, err := http.Get(ts.URL + "/api/health")
	require.NoError(t, err)
	defer health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)
}

func TestRateLimit(t *testing.T) {
	ts, _ := newTestServer(t, Config{RateLimitPerMinute: 2}, memory.NewRateLimiter())

	for i := 0; i < 2; i++ {
		resp, err := http.Get(ts.URL + "/api/strategies")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, err := http.Get(ts.URL + "/api/strategies")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "60", resp.Header.Get("Retry-After"))
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return fmt.Errorf("connection refused") }

func TestHealthDegraded(t *testing.T) {
	h := handler.NewHealthHandler(map[string]handler.Pinger{"redis": failingPinger{}}, discardLogger())
	rec := httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body struct {
		Status       string            `json:"status"`
		Dependencies map[string]string `json:"dependencies"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "down", body.Dependencies["redis"])
}

func TestShutdown(t *testing.T) {
	logger := discardLogger()
	srv := NewServer(Config{Port: 0}, Handlers{
		Health:     handler.NewHealthHandler(nil, logger),
		Orders:     handler.NewOrderHandler(&fakeOrders{}, nil, logger),
		Strategies: handler.NewStrategyHandler(routing.BestPrice),
		Providers:  handler.NewProviderHandler(nil, func(string) int { return 0 }, nil),
	}, nil, nil, logger)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
}

func TestMetricsEndpointIsPublic(t *testing.T) {
	ts, _ := newTestServer(t, Config{APIKey: "secret", MetricsPath: "/metrics"}, nil)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestIdempotencyKeyReplaysOrder(t *testing.T) {
	ts, orders := newTestServer(t, Config{}, nil)
	key := http.Header{handler.IdempotencyHeader: {"retry-1"}}
	body := `{"pair":"ETH/USDC","amount":1}`

	first := postOrder(t, ts.URL, body, key)
	require.Equal(t, http.StatusAccepted, first.StatusCode)

	second := postOrder(t, ts.URL, body, key)
	require.Equal(t, http.StatusAccepted, second.StatusCode)
	assert.Equal(t, "true", second.Header.Get("Idempotent-Replayed"))
	var replayed orchestrator.Accepted
	decode(t, second, &replayed)
	assert.Equal(t, "ord-1", replayed.OrderID)

	assert.Len(t, orders.created, 1)

	// A rejected request frees its key.
	bad := http.Header{handler.IdempotencyHeader: {"retry-2"}}
	assert.Equal(t, http.StatusBadRequest, postOrder(t, ts.URL, `{"pair":"ETH/USDC","amount":0}`, bad).StatusCode)
	assert.Equal(t, http.StatusAccepted, postOrder(t, ts.URL, body, bad).StatusCode)
	assert.Len(t, orders.created, 2)
}

func TestListAudit(t *testing.T) {
	ts, _ := newTestServer(t, Config{}, nil)

	resp, err := http.Get(ts.URL + "/api/audit?limit=3")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Entries []domain.AuditEntry `json:"entries"`
	}
	decode(t, resp, &body)
	require.Len(t, body.Entries, 1)
	assert.Equal(t, "order_completed", body.Entries[0].Event)
	assert.EqualValues(t, 3, body.Entries[0].ID)
}

func TestListAuditWithoutStore(t *testing.T) {
	logger := discardLogger()
	rec := httptest.NewRecorder()
	handler.NewAuditHandler(nil, logger).ListAudit(rec, httptest.NewRequest(http.MethodGet, "/api/audit", nil))
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}
