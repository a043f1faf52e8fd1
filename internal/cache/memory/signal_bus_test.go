package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesExactAndPatternSubscribers(t *testing.T) {
	bus := NewSignalBus(0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exact, err := bus.Subscribe(ctx, "order:a")
	require.NoError(t, err)
	all, err := bus.Subscribe(ctx, "order:*")
	require.NoError(t, err)
	other, err := bus.Subscribe(ctx, "order:b")
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, "order:a", []byte(`{"x":1}`)))

	select {
	case msg := <-exact:
		assert.Equal(t, "order:a", msg.Channel)
		assert.JSONEq(t, `{"x":1}`, string(msg.Payload))
	case <-time.After(time.Second):
		t.Fatal("exact subscriber got nothing")
	}
	select {
	case msg := <-all:
		assert.Equal(t, "order:a", msg.Channel)
	case <-time.After(time.Second):
		t.Fatal("pattern subscriber got nothing")
	}
	select {
	case msg := <-other:
		t.Fatalf("unexpected delivery on %s", msg.Channel)
	default:
	}
}

func TestSubscriptionClosesWithContext(t *testing.T) {
	bus := NewSignalBus(0)
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Subscribe(ctx, "order:a")
	require.NoError(t, err)

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	assert.NoError(t, bus.Publish(context.Background(), "order:a", []byte("late")))
}

func TestStreamReadAfterID(t *testing.T) {
	bus := NewSignalBus(3)
	ctx := context.Background()
	for _, p := range []string{"a", "b", "c", "d"} {
		require.NoError(t, bus.StreamAppend(ctx, "stream:orders", []byte(p)))
	}

	msgs, err := bus.StreamRead(ctx, "stream:orders", "0", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 3, "oldest entry trimmed")
	assert.Equal(t, "b", string(msgs[0].Payload))

	next, err := bus.StreamRead(ctx, "stream:orders", msgs[0].ID, 1)
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.Equal(t, "c", string(next[0].Payload))

	_, err = bus.StreamRead(ctx, "stream:orders", "garbage", 1)
	assert.Error(t, err)
}

func TestRateLimiterWindow(t *testing.T) {
	rl := NewRateLimiter()
	now := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := rl.Allow(ctx, "k", 2, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, _ := rl.Allow(ctx, "k", 2, time.Minute)
	assert.False(t, ok)
	ok, _ = rl.Allow(ctx, "other", 2, time.Minute)
	assert.True(t, ok)

	now = now.Add(61 * time.Second)
	ok, _ = rl.Allow(ctx, "k", 2, time.Minute)
	assert.True(t, ok)
}
