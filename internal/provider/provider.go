// Package provider defines the liquidity provider contract and the registry
// the dispatcher uses to reach providers by name.
package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cenkalti/backoff/v4"

	"github.com/alanyoungcy/swaprouter/internal/domain"
)

// Adapter is one liquidity provider. Both calls may take provider-determined
// time and must honour ctx cancellation.
type Adapter interface {
	Name() string
	GetQuote(ctx context.Context, req domain.QuoteRequest) (domain.Quote, error)
	Execute(ctx context.Context, req domain.ExecutionRequest) (domain.ExecutionResult, error)
}

// Registry maps provider names to adapters. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry returns a registry holding adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

// Register adds or replaces an adapter.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Get returns the adapter registered under name.
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("provider: %w: %q", domain.ErrUnknownProvider, name)
	}
	return a, nil
}

// Names returns the registered provider names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for n := range r.adapters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Perform runs one attempt of job against its provider. Errors that retrying
// cannot fix are marked permanent for the dispatcher.
func (r *Registry) Perform(ctx context.Context, job domain.Job) (domain.JobResult, error) {
	a, err := r.Get(job.Provider)
	if err != nil {
		return domain.JobResult{}, backoff.Permanent(err)
	}

	switch job.Kind {
	case domain.JobKindQuote:
		q, err := a.GetQuote(ctx, domain.QuoteRequest{
			OrderID: job.OrderID,
			Pair:    job.Payload.Pair,
			Amount:  job.Payload.Amount,
		})
		if err != nil {
			return domain.JobResult{}, fmt.Errorf("provider %s: quote: %w", job.Provider, err)
		}
		if q.Provider == "" {
			q.Provider = job.Provider
		}
		return domain.JobResult{Quote: &q}, nil

	case domain.JobKindExecute:
		if job.Payload.Quote == nil {
			return domain.JobResult{}, backoff.Permanent(fmt.Errorf("provider %s: execute without a quote", job.Provider))
		}
		res, err := a.Execute(ctx, domain.ExecutionRequest{
			OrderID:   job.OrderID,
			Pair:      job.Payload.Pair,
			Amount:    job.Payload.Amount,
			WalletRef: job.Payload.WalletRef,
			Quote:     *job.Payload.Quote,
		})
		if err != nil {
			return domain.JobResult{}, fmt.Errorf("provider %s: execute: %w", job.Provider, err)
		}
		if res.Provider == "" {
			res.Provider = job.Provider
		}
		return domain.JobResult{Execution: &res}, nil

	default:
		return domain.JobResult{}, backoff.Permanent(fmt.Errorf("provider %s: unknown job kind %q", job.Provider, job.Kind))
	}
}
