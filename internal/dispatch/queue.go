package dispatch

import (
	"context"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/alanyoungcy/swaprouter/internal/domain"
	"github.com/alanyoungcy/swaprouter/internal/metrics"
)

// envelope pairs a job with its retry schedule.
type envelope struct {
	job domain.Job
	bo  backoff.BackOff
}

// queue is one provider's FIFO of pending jobs. push never blocks; pop blocks
// until a job is available or ctx ends.
type queue struct {
	provider   string
	maxPending int
	limiter    *rate.Limiter

	mu     sync.Mutex
	items  []*envelope
	signal chan struct{}
}

func newQueue(provider string, maxPending int, limiter *rate.Limiter) *queue {
	return &queue{
		provider:   provider,
		maxPending: maxPending,
		limiter:    limiter,
		signal:     make(chan struct{}, 1),
	}
}

// push appends env. Retries bypass the pending cap so an accepted job is never
// lost to back-pressure.
func (q *queue) push(env *envelope, retry bool) error {
	q.mu.Lock()
	if !retry && q.maxPending > 0 && len(q.items) >= q.maxPending {
		q.mu.Unlock()
		return domain.ErrQueueFull
	}
	q.items = append(q.items, env)
	depth := len(q.items)
	q.mu.Unlock()

	metrics.QueueDepth.WithLabelValues(q.provider).Set(float64(depth))
	q.wake()
	return nil
}

func (q *queue) pop(ctx context.Context) (*envelope, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			env := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			remaining := len(q.items)
			q.mu.Unlock()

			metrics.QueueDepth.WithLabelValues(q.provider).Set(float64(remaining))
			if remaining > 0 {
				// Hand the wake-up on to another idle worker.
				q.wake()
			}
			return env, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false
		case <-q.signal:
		}
	}
}

func (q *queue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
