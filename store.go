package orderflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrSagaNotFound is returned when a requested saga does not exist.
var ErrSagaNotFound = errors.New("saga not found")

// ErrOrderNotFound is returned when a requested order does not exist.
var ErrOrderNotFound = errors.New("order not found")

// Store defines the interface for persisting saga instances and their order
// projections.
//
// The orchestrator saves the saga after every transition, before executing
// the next step; the store is the source of truth during crash recovery.
type Store interface {
	// SaveSaga persists the saga instance, overwriting any previous state.
	SaveSaga(ctx context.Context, saga *SagaInstance) error

	// LoadSaga retrieves a saga instance by ID.
	LoadSaga(ctx context.Context, id SagaID) (*SagaInstance, error)

	// FindSagaByCorrelation retrieves the saga owning the given correlation
	// (order) ID.
	FindSagaByCorrelation(ctx context.Context, correlationID string) (*SagaInstance, error)

	// ListUnfinished returns all sagas not in a terminal status, oldest
	// first. Used by crash recovery.
	ListUnfinished(ctx context.Context) ([]*SagaInstance, error)

	// ListNeedsAttention returns sagas parked after a compensation
	// failure, oldest first. They are terminal for the workers but must
	// stay visible to operators.
	ListNeedsAttention(ctx context.Context) ([]*SagaInstance, error)

	// SaveOrder persists the order projection.
	SaveOrder(ctx context.Context, order *Order) error

	// LoadOrder retrieves an order by ID.
	LoadOrder(ctx context.Context, id string) (*Order, error)
}

// MemoryStore provides an in-memory implementation of Store for testing or
// scenarios where durability is not required.
type MemoryStore struct {
	mu     sync.RWMutex
	sagas  map[string]*SagaInstance
	orders map[string]*Order
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sagas:  make(map[string]*SagaInstance),
		orders: make(map[string]*Order),
	}
}

// SaveSaga stores a copy of the saga instance in memory.
func (m *MemoryStore) SaveSaga(ctx context.Context, saga *SagaInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sagas[saga.ID.String()] = copySaga(saga)
	return nil
}

// LoadSaga retrieves a copy of the saga instance from memory.
func (m *MemoryStore) LoadSaga(ctx context.Context, id SagaID) (*SagaInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	saga, exists := m.sagas[id.String()]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrSagaNotFound, id)
	}
	return copySaga(saga), nil
}

// FindSagaByCorrelation scans for the saga owning the given order ID.
func (m *MemoryStore) FindSagaByCorrelation(ctx context.Context, correlationID string) (*SagaInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, saga := range m.sagas {
		if saga.CorrelationID == correlationID {
			return copySaga(saga), nil
		}
	}
	return nil, fmt.Errorf("%w: correlation %s", ErrSagaNotFound, correlationID)
}

// ListUnfinished returns all non-terminal sagas, oldest first.
func (m *MemoryStore) ListUnfinished(ctx context.Context) ([]*SagaInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*SagaInstance
	for _, saga := range m.sagas {
		if !saga.Terminal() {
			out = append(out, copySaga(saga))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// ListNeedsAttention returns parked sagas, oldest first.
func (m *MemoryStore) ListNeedsAttention(ctx context.Context) ([]*SagaInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*SagaInstance
	for _, saga := range m.sagas {
		if saga.Status == StatusNeedsAttention {
			out = append(out, copySaga(saga))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// SaveOrder stores a copy of the order in memory.
func (m *MemoryStore) SaveOrder(ctx context.Context, order *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *order
	m.orders[order.ID] = &cp
	return nil
}

// LoadOrder retrieves a copy of the order from memory.
func (m *MemoryStore) LoadOrder(ctx context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	order, exists := m.orders[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	cp := *order
	return &cp, nil
}

// copySaga returns a deep-enough copy so callers cannot mutate stored state.
func copySaga(s *SagaInstance) *SagaInstance {
	cp := *s
	cp.Steps = make([]StepRecord, len(s.Steps))
	copy(cp.Steps, s.Steps)
	return &cp
}
