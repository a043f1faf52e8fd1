package orchestrator

import (
	"sync"
	"time"

	"github.com/alanyoungcy/swaprouter/internal/domain"
)

// entry is the orchestrator's per-order record: the Order, its QuoteSet and
// the timers armed for it. Every field is guarded by mu.
type entry struct {
	mu sync.Mutex

	order    domain.Order
	quotes   []domain.Quote
	expected int
	// settled counts quote jobs that reached a terminal state; done holds
	// their ids so a repeated outcome is not counted twice.
	settled  int
	done     map[string]bool
	failed   int
	routed   bool
	selected *domain.Quote
	decision *domain.RouteDecision
	result   *domain.ExecutionResult

	hardTimer    *time.Timer
	graceTimer   *time.Timer
	cleanupTimer *time.Timer
	cleaned      bool
}

func (e *entry) stopTimers() {
	for _, t := range []*time.Timer{e.hardTimer, e.graceTimer, e.cleanupTimer} {
		if t != nil {
			t.Stop()
		}
	}
}

// Store holds in-flight orders and the job to order index. Implementations
// must be safe for concurrent use; per-order mutation is serialized by the
// orchestrator, not the store.
type Store interface {
	Insert(e *entry) error
	Get(orderID string) (*entry, bool)
	Delete(orderID string) (*entry, bool)
	IDs() []string
	Len() int

	IndexJob(jobID, orderID string)
	LookupJob(jobID string) (string, bool)
	UnindexJobs(jobIDs ...string)
}

// MemoryStore is the in-process Store.
type MemoryStore struct {
	mu     sync.RWMutex
	orders map[string]*entry
	jobs   map[string]string
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders: make(map[string]*entry),
		jobs:   make(map[string]string),
	}
}

func (s *MemoryStore) Insert(e *entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[e.order.ID]; ok {
		return domain.ErrAlreadyExists
	}
	s.orders[e.order.ID] = e
	return nil
}

func (s *MemoryStore) Get(orderID string) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.orders[orderID]
	return e, ok
}

func (s *MemoryStore) Delete(orderID string) (*entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.orders[orderID]
	if ok {
		delete(s.orders, orderID)
	}
	return e, ok
}

func (s *MemoryStore) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.orders))
	for id := range s.orders {
		ids = append(ids, id)
	}
	return ids
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.orders)
}

func (s *MemoryStore) IndexJob(jobID, orderID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[jobID] = orderID
}

func (s *MemoryStore) LookupJob(jobID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.jobs[jobID]
	return id, ok
}

func (s *MemoryStore) UnindexJobs(jobIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range jobIDs {
		delete(s.jobs, id)
	}
}
