package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/swaprouter/internal/domain"
	"github.com/alanyoungcy/swaprouter/internal/metrics"
)

// OrdersStream is the durable stream every order event is appended to.
const OrdersStream = "stream:orders"

// OrderChannelPattern matches every per-order pub/sub channel.
const OrderChannelPattern = "order:*"

// OrderChannel returns the pub/sub channel for one order's events.
func OrderChannel(orderID string) string {
	return "order:" + orderID
}

// OrderIDFromChannel is the inverse of OrderChannel.
func OrderIDFromChannel(channel string) (string, bool) {
	id, ok := strings.CutPrefix(channel, "order:")
	return id, ok && id != ""
}

// Publisher is the orchestrator's event sink. Publish and Detach only queue
// the event; Run delivers it to the signal bus, the durable stream and the
// operator notifier. A full buffer drops the event rather than stall an
// order.
type Publisher struct {
	bus     domain.SignalBus
	alerts  *Notifier
	events  chan domain.OrderEvent
	timeout time.Duration
	logger  *slog.Logger

	dropped atomic.Int64
}

// NewPublisher creates a Publisher. alerts may be nil.
func NewPublisher(bus domain.SignalBus, alerts *Notifier, bufferSize int, logger *slog.Logger) *Publisher {
	if bufferSize < 1 {
		bufferSize = 1024
	}
	return &Publisher{
		bus:     bus,
		alerts:  alerts,
		events:  make(chan domain.OrderEvent, bufferSize),
		timeout: 5 * time.Second,
		logger:  logger.With(slog.String("component", "publisher")),
	}
}

// Publish implements orchestrator.EventSink.
func (p *Publisher) Publish(ev domain.OrderEvent) {
	select {
	case p.events <- ev:
	default:
		n := p.dropped.Add(1)
		metrics.EventsDropped.Inc()
		p.logger.Warn("event buffer full, dropping event",
			slog.String("order_id", ev.OrderID),
			slog.String("type", string(ev.Type)),
			slog.Int64("dropped_total", n),
		)
	}
}

// Detach tells stream listeners that the order is gone.
func (p *Publisher) Detach(orderID string) {
	p.Publish(domain.OrderEvent{
		Type:      domain.EventStreamClosed,
		OrderID:   orderID,
		Timestamp: time.Now().UTC(),
	})
}

// Dropped returns the number of events lost to a full buffer.
func (p *Publisher) Dropped() int64 {
	return p.dropped.Load()
}

// Run delivers queued events until ctx is cancelled, then flushes what is
// already buffered.
func (p *Publisher) Run(ctx context.Context) error {
	p.logger.InfoContext(ctx, "event publisher started")
	for {
		select {
		case <-ctx.Done():
			p.drain()
			p.logger.Info("event publisher stopped")
			return nil
		case ev := <-p.events:
			p.deliver(ctx, ev)
		}
	}
}

func (p *Publisher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	for {
		select {
		case ev := <-p.events:
			p.deliver(ctx, ev)
		default:
			return
		}
	}
}

func (p *Publisher) deliver(ctx context.Context, ev domain.OrderEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("marshal event",
			slog.String("order_id", ev.OrderID),
			slog.String("type", string(ev.Type)),
			slog.String("error", err.Error()),
		)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.bus.Publish(ctx, OrderChannel(ev.OrderID), payload); err != nil {
		p.logger.Warn("publish event",
			slog.String("order_id", ev.OrderID),
			slog.String("type", string(ev.Type)),
			slog.String("error", err.Error()),
		)
	}
	if ev.Type != domain.EventStreamClosed {
		if err := p.bus.StreamAppend(ctx, OrdersStream, payload); err != nil {
			p.logger.Warn("append event to stream",
				slog.String("order_id", ev.OrderID),
				slog.String("error", err.Error()),
			)
		}
	}

	if ev.Type.Terminal() && p.alerts.Enabled() && p.alerts.Allows(string(ev.Type)) {
		title, message := alertText(ev)
		if err := p.alerts.Notify(ctx, string(ev.Type), title, message); err != nil {
			p.logger.Warn("operator alert", slog.String("error", err.Error()))
		}
	}
}

func alertText(ev domain.OrderEvent) (string, string) {
	outcome, _ := ev.Data.(domain.OrderOutcome)
	switch ev.Type {
	case domain.EventOrderCompleted:
		msg := fmt.Sprintf("order %s filled on %s in %s", ev.OrderID, outcome.Provider, outcome.ExecutionTime.Round(time.Millisecond))
		if outcome.Result != nil {
			msg += fmt.Sprintf("\noutput %g, tx %s", outcome.Result.OutputAmount, outcome.Result.TxHash)
		}
		return "Order completed", msg
	default:
		msg := fmt.Sprintf("order %s failed: %s", ev.OrderID, outcome.Code)
		if outcome.Provider != "" {
			msg += " (" + outcome.Provider + ")"
		}
		if outcome.Reason != "" {
			msg += "\n" + outcome.Reason
		}
		return "Order failed", msg
	}
}
