package ordersaga

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/tidwall/btree"
)

// SagaStateStore defines the interface for persisting saga progress, keyed by
// correlation id.
type SagaStateStore interface {
	// Save durably upserts the state. The state's Version must match the
	// stored version (zero for a first save); on success the store assigns
	// the incremented version back onto the passed state. A stale version
	// fails with ErrVersionConflict and the losing writer must re-read.
	Save(ctx context.Context, state *SagaState) error

	// GetByCorrelationID retrieves a saga state, or ErrSagaNotFound.
	GetByCorrelationID(ctx context.Context, id uuid.UUID) (*SagaState, error)
}

// MemoryStore provides an in-memory implementation of SagaStateStore for
// testing or scenarios where persistence is not required. States are held in
// a btree ordered by correlation id.
type MemoryStore struct {
	mu     sync.Mutex
	states *btree.Map[string, *SagaState]
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states: btree.NewMap[string, *SagaState](16),
	}
}

// Save stores a deep copy of the state after checking its version.
func (m *MemoryStore) Save(ctx context.Context, state *SagaState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := state.CorrelationID.String()
	if current, ok := m.states.Get(key); ok && current.Version != state.Version {
		return ErrVersionConflict
	}

	stored := state.clone()
	stored.Version++
	m.states.Set(key, stored)
	state.Version = stored.Version
	return nil
}

// GetByCorrelationID returns a deep copy of the stored state.
func (m *MemoryStore) GetByCorrelationID(ctx context.Context, id uuid.UUID) (*SagaState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.states.Get(id.String())
	if !ok {
		return nil, ErrSagaNotFound
	}
	return state.clone(), nil
}

// Len returns the number of sagas held by the store.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states.Len()
}

// Scan visits every stored saga in correlation-id order until fn returns
// false. The callback receives a deep copy.
func (m *MemoryStore) Scan(fn func(state *SagaState) bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states.Scan(func(_ string, state *SagaState) bool {
		return fn(state.clone())
	})
}
