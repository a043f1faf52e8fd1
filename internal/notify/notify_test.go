package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/swaprouter/internal/cache/memory"
	"github.com/alanyoungcy/swaprouter/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSender struct {
	name string
	err  error

	mu     sync.Mutex
	titles []string
	bodies []string
}

func (f *fakeSender) Send(_ context.Context, title, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.titles = append(f.titles, title)
	f.bodies = append(f.bodies, message)
	return f.err
}

func (f *fakeSender) Name() string { return f.name }

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.titles)
}

func TestNotifierFiltersEvents(t *testing.T) {
	s := &fakeSender{name: "a"}
	n := NewNotifier([]Sender{s}, []string{"order_failed"}, testLogger())

	require.NoError(t, n.Notify(context.Background(), "order_completed", "t", "m"))
	assert.Equal(t, 0, s.count())
	require.NoError(t, n.Notify(context.Background(), "order_failed", "t", "m"))
	assert.Equal(t, 1, s.count())
	require.NoError(t, n.NotifyAll(context.Background(), "t", "m"))
	assert.Equal(t, 2, s.count())
}

func TestNotifierCollectsSenderErrors(t *testing.T) {
	ok := &fakeSender{name: "ok"}
	bad1 := &fakeSender{name: "bad1", err: errors.New("boom")}
	bad2 := &fakeSender{name: "bad2", err: errors.New("bang")}
	n := NewNotifier([]Sender{bad1, ok, bad2}, nil, testLogger())

	err := n.Notify(context.Background(), "anything", "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 sender(s) failed")
	assert.Contains(t, err.Error(), "bad1: boom")
	assert.Contains(t, err.Error(), "bad2: bang")
	assert.Equal(t, 1, ok.count())
}

func TestTelegramSender(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewTelegramSender("TOKEN", "42")
	s.apiBase = srv.URL
	require.NoError(t, s.Send(context.Background(), "Order failed", "details"))
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "*Order failed*\ndetails", got["text"])
}

func TestDiscordSenderStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 400")
}

func TestPublisherDeliversToBusStreamAndAlerts(t *testing.T) {
	bus := memory.NewSignalBus(0)
	sender := &fakeSender{name: "fake"}
	alerts := NewNotifier([]Sender{sender}, []string{"order_failed"}, testLogger())
	pub := NewPublisher(bus, alerts, 16, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub, err := bus.Subscribe(ctx, OrderChannel("o-1"))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = pub.Run(ctx)
	}()

	pub.Publish(domain.OrderEvent{Type: domain.EventQuoteReceived, OrderID: "o-1", Stage: domain.StageQuoting})
	pub.Publish(domain.OrderEvent{
		Type:    domain.EventOrderFailed,
		OrderID: "o-1",
		Stage:   domain.StageFailed,
		Data:    domain.OrderOutcome{Code: "INSUFFICIENT_QUOTES", Reason: "1 of 4"},
	})
	pub.Detach("o-1")

	var types []string
	for len(types) < 3 {
		select {
		case msg := <-sub:
			var ev struct {
				Type string `json:"type"`
			}
			require.NoError(t, json.Unmarshal(msg.Payload, &ev))
			types = append(types, ev.Type)
		case <-time.After(time.Second):
			t.Fatalf("only got %v", types)
		}
	}
	assert.Equal(t, []string{"quote_received", "order_failed", "stream_closed"}, types)

	stream, err := bus.StreamRead(context.Background(), OrdersStream, "0", 10)
	require.NoError(t, err)
	assert.Len(t, stream, 2)

	require.Eventually(t, func() bool { return sender.count() == 1 }, time.Second, 5*time.Millisecond)
	sender.mu.Lock()
	assert.Equal(t, "Order failed", sender.titles[0])
	assert.Contains(t, sender.bodies[0], "INSUFFICIENT_QUOTES")
	sender.mu.Unlock()

	cancel()
	<-done
}

func TestPublisherDropsWhenFull(t *testing.T) {
	pub := NewPublisher(memory.NewSignalBus(0), nil, 1, testLogger())
	pub.Publish(domain.OrderEvent{Type: domain.EventOrderCreated, OrderID: "x"})
	pub.Publish(domain.OrderEvent{Type: domain.EventOrderCreated, OrderID: "x"})
	assert.Equal(t, int64(1), pub.Dropped())
}

func TestOrderChannelRoundTrip(t *testing.T) {
	id, ok := OrderIDFromChannel(OrderChannel("abc"))
	assert.True(t, ok)
	assert.Equal(t, "abc", id)
	_, ok = OrderIDFromChannel("price:abc")
	assert.False(t, ok)
}
