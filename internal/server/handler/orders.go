package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/swaprouter/internal/domain"
	"github.com/alanyoungcy/swaprouter/internal/orchestrator"
)

// maxOrderBody caps the create-order request body.
const maxOrderBody = 1 << 16

// OrderService is what the order endpoints need from the orchestrator.
type OrderService interface {
	Create(ctx context.Context, req domain.OrderRequest) (orchestrator.Accepted, error)
	Snapshot(orderID string) (domain.OrderSnapshot, error)
}

// HistoryLister lists terminal order records.
type HistoryLister interface {
	ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.OrderRecord, error)
}

// OrderHandler serves the order endpoints.
type OrderHandler struct {
	orders      OrderService
	history     HistoryLister
	idempotency *IdempotencyCache
	logger      *slog.Logger
}

// NewOrderHandler creates an OrderHandler. history may be nil, in which case
// the history endpoint answers 501.
func NewOrderHandler(orders OrderService, history HistoryLister, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{
		orders:  orders,
		history: history,
		logger:  logger.With(slog.String("handler", "orders")),
	}
}

// WithIdempotency honours the Idempotency-Key header on order creation.
func (h *OrderHandler) WithIdempotency(c *IdempotencyCache) *OrderHandler {
	h.idempotency = c
	return h
}

type createOrderRequest struct {
	Pair        string             `json:"pair"`
	Amount      float64            `json:"amount"`
	Strategy    string             `json:"strategy"`
	Preferences domain.Preferences `json:"preferences"`
	Wallet      string             `json:"wallet"`
}

// CreateOrder accepts an order and returns as soon as its quote jobs are
// queued. Progress is reported on the event stream.
// POST /api/orders
func (h *OrderHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var body createOrderRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxOrderBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeDomainError(w, r, h.logger, fmt.Errorf("%w: invalid request body: %v", domain.ErrValidation, err))
		return
	}

	key := r.Header.Get(IdempotencyHeader)
	if key != "" && h.idempotency != nil {
		prev, replay, inFlight := h.idempotency.Reserve(key)
		switch {
		case inFlight:
			writeError(w, http.StatusConflict, "", "a request with this idempotency key is in progress")
			return
		case replay:
			w.Header().Set("Idempotent-Replayed", "true")
			w.Header().Set("Location", "/api/orders/"+prev.OrderID)
			writeJSON(w, http.StatusAccepted, prev)
			return
		}
	} else {
		key = ""
	}

	accepted, err := h.orders.Create(r.Context(), domain.OrderRequest{
		Pair:        body.Pair,
		Amount:      body.Amount,
		Strategy:    body.Strategy,
		Preferences: body.Preferences,
		WalletRef:   body.Wallet,
	})
	if err != nil {
		if key != "" {
			h.idempotency.Release(key)
		}
		writeDomainError(w, r, h.logger, err)
		return
	}
	if key != "" {
		h.idempotency.Complete(key, accepted)
	}

	w.Header().Set("Location", "/api/orders/"+accepted.OrderID)
	writeJSON(w, http.StatusAccepted, accepted)
}

// GetOrder returns the current snapshot of an in-flight or recently finished
// order.
// GET /api/orders/{id}
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	snap, err := h.orders.Snapshot(id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, domain.ErrorCode(err), "order not found")
			return
		}
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type historyResponse struct {
	Orders []domain.OrderRecord `json:"orders"`
}

// ListHistory returns recent terminal orders, newest first.
// GET /api/orders/history?limit=50&offset=0
func (h *OrderHandler) ListHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusNotImplemented, "", "order history is not configured")
		return
	}
	records, err := h.history.ListRecent(r.Context(), parseListOpts(r))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if records == nil {
		records = []domain.OrderRecord{}
	}
	writeJSON(w, http.StatusOK, historyResponse{Orders: records})
}
