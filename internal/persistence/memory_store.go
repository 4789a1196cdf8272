package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/petrijr/awaitflow/pkg/api"
)

type lease struct {
	owner   string
	expires time.Time
}

// InMemoryStore is a simple, goroutine-safe ExecutionStore backed by maps.
// Records are copied on the way in and out so callers never share state
// with the store.
type InMemoryStore struct {
	mu         sync.RWMutex
	executions map[string]*api.Execution
	leases     map[string]lease
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		executions: make(map[string]*api.Execution),
		leases:     make(map[string]lease),
	}
}

// Ensure InMemoryStore implements ExecutionStore.
var _ ExecutionStore = (*InMemoryStore)(nil)

func copyExecution(exec *api.Execution) *api.Execution {
	cp := *exec
	if exec.Failure != nil {
		f := *exec.Failure
		cp.Failure = &f
	}
	return &cp
}

func (s *InMemoryStore) CreateExecution(ctx context.Context, exec *api.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.executions[exec.ID]; ok {
		return ErrExecutionExists
	}
	s.executions[exec.ID] = copyExecution(exec)
	return nil
}

func (s *InMemoryStore) UpdateExecution(ctx context.Context, exec *api.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.executions[exec.ID]; !ok {
		return ErrExecutionNotFound
	}
	s.executions[exec.ID] = copyExecution(exec)
	return nil
}

func (s *InMemoryStore) GetExecution(ctx context.Context, id string) (*api.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, ok := s.executions[id]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	return copyExecution(exec), nil
}

func (s *InMemoryStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*api.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.Execution
	for _, exec := range s.executions {
		if filter.Workflow != "" && exec.Workflow != filter.Workflow {
			continue
		}
		if filter.Status != "" && exec.Status != filter.Status {
			continue
		}
		result = append(result, copyExecution(exec))
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *InMemoryStore) TryAcquireLease(ctx context.Context, id, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.executions[id]; !ok {
		return false, ErrExecutionNotFound
	}
	now := time.Now()
	if l, ok := s.leases[id]; ok && l.owner != owner && now.Before(l.expires) {
		return false, nil
	}
	s.leases[id] = lease{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (s *InMemoryStore) RenewLease(ctx context.Context, id, owner string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	l, ok := s.leases[id]
	if !ok || l.owner != owner || !now.Before(l.expires) {
		return ErrLeaseNotHeld
	}
	s.leases[id] = lease{owner: owner, expires: now.Add(ttl)}
	return nil
}

func (s *InMemoryStore) ReleaseLease(ctx context.Context, id, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.leases[id]; ok && l.owner == owner {
		delete(s.leases, id)
	}
	return nil
}

// InMemoryHistory is a goroutine-safe HistoryStore backed by slices.
type InMemoryHistory struct {
	mu     sync.RWMutex
	events map[string][]api.HistoryEvent
}

// NewInMemoryHistory creates an empty InMemoryHistory.
func NewInMemoryHistory() *InMemoryHistory {
	return &InMemoryHistory{events: make(map[string][]api.HistoryEvent)}
}

var _ HistoryStore = (*InMemoryHistory)(nil)

func (h *InMemoryHistory) AppendEvents(ctx context.Context, id string, evs ...api.HistoryEvent) ([]api.HistoryEvent, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	log := h.events[id]
	next := int64(len(log)) + 1
	stored := make([]api.HistoryEvent, 0, len(evs))
	for _, ev := range evs {
		ev.ExecutionID = id
		ev.Seq = next
		next++
		log = append(log, ev)
		stored = append(stored, ev)
	}
	h.events[id] = log
	return stored, nil
}

func (h *InMemoryHistory) ListEvents(ctx context.Context, id string) ([]api.HistoryEvent, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	log := h.events[id]
	out := make([]api.HistoryEvent, len(log))
	copy(out, log)
	return out, nil
}
