// Package memory implements the cache interfaces in process, for single
// instance deployments and tests.
package memory

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/swaprouter/internal/domain"
)

const subscriberBuffer = 256

type subscriber struct {
	channel string
	prefix  string
	pattern bool
	ch      chan domain.BusMessage
}

func (s *subscriber) matches(channel string) bool {
	if s.pattern {
		return strings.HasPrefix(channel, s.prefix)
	}
	return s.channel == channel
}

type streamEntry struct {
	seq uint64
	msg domain.StreamMessage
}

// SignalBus implements domain.SignalBus with in-process fan-out. A slow
// subscriber loses messages once its buffer is full; publishers never block.
type SignalBus struct {
	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int

	streamMu  sync.Mutex
	streams   map[string][]streamEntry
	seq       uint64
	maxStream int
}

// NewSignalBus creates a SignalBus. Streams are trimmed to maxStreamLen
// entries; zero keeps 10000.
func NewSignalBus(maxStreamLen int) *SignalBus {
	if maxStreamLen <= 0 {
		maxStreamLen = 10000
	}
	return &SignalBus{
		subs:      make(map[int]*subscriber),
		streams:   make(map[string][]streamEntry),
		maxStream: maxStreamLen,
	}
}

// Publish delivers payload to every matching subscriber.
func (b *SignalBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.matches(channel) {
			continue
		}
		msg := domain.BusMessage{Channel: channel, Payload: append([]byte(nil), payload...)}
		select {
		case s.ch <- msg:
		default:
		}
	}
	return nil
}

// Subscribe registers for channel, or for every channel sharing its prefix
// when it ends in "*". The returned channel closes when ctx ends.
func (b *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan domain.BusMessage, error) {
	if channel == "" {
		return nil, fmt.Errorf("memory: subscribe: empty channel: %w", domain.ErrValidation)
	}
	s := &subscriber{channel: channel, ch: make(chan domain.BusMessage, subscriberBuffer)}
	if prefix, ok := strings.CutSuffix(channel, "*"); ok {
		s.pattern = true
		s.prefix = prefix
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = s
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		close(s.ch)
		b.mu.Unlock()
	}()
	return s.ch, nil
}

// StreamAppend adds payload to stream with a Redis-style "<ms>-<seq>" id.
func (b *SignalBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.streamMu.Lock()
	defer b.streamMu.Unlock()
	b.seq++
	entries := append(b.streams[stream], streamEntry{
		seq: b.seq,
		msg: domain.StreamMessage{
			ID:      fmt.Sprintf("%d-%d", time.Now().UnixMilli(), b.seq),
			Payload: append([]byte(nil), payload...),
		},
	})
	if over := len(entries) - b.maxStream; over > 0 {
		entries = append([]streamEntry(nil), entries[over:]...)
	}
	b.streams[stream] = entries
	return nil
}

// StreamRead returns up to count entries after lastID. An empty id or "0"
// reads from the start of the stream.
func (b *SignalBus) StreamRead(_ context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	after, err := parseStreamSeq(lastID)
	if err != nil {
		return nil, err
	}
	b.streamMu.Lock()
	defer b.streamMu.Unlock()

	var out []domain.StreamMessage
	for _, e := range b.streams[stream] {
		if e.seq <= after {
			continue
		}
		out = append(out, e.msg)
		if count > 0 && len(out) == count {
			break
		}
	}
	return out, nil
}

func parseStreamSeq(id string) (uint64, error) {
	if id == "" || id == "0" || id == "0-0" {
		return 0, nil
	}
	_, seq, ok := strings.Cut(id, "-")
	if !ok {
		return 0, fmt.Errorf("memory: stream id %q: %w", id, domain.ErrValidation)
	}
	n, err := strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("memory: stream id %q: %w", id, domain.ErrValidation)
	}
	return n, nil
}

var _ domain.SignalBus = (*SignalBus)(nil)
