package saga

import (
	"context"

	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
)

// ExecutionStore persists per-instance status and state, queryable by
// saga ID. Implementations must return copies: callers may mutate what
// they get back without affecting the stored record.
type ExecutionStore interface {
	Create(ctx context.Context, instance *Instance) error
	Update(ctx context.Context, instance *Instance) error
	Get(ctx context.Context, sagaID string) (*Instance, error)
}

// MemoryStore is the default ExecutionStore. Instances are retained
// until process exit; there is no GC sweep.
type MemoryStore struct {
	instances *xsync.MapOf[string, *Instance]
}

// NewMemoryStore creates an empty in-memory execution store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances: xsync.NewMapOf[string, *Instance](),
	}
}

// Create stores a new instance record.
func (s *MemoryStore) Create(ctx context.Context, instance *Instance) error {
	if _, loaded := s.instances.LoadOrStore(instance.SagaID, instance.Clone()); loaded {
		return errors.Errorf("saga instance %s already exists", instance.SagaID)
	}
	return nil
}

// Update replaces the stored record for an existing instance.
func (s *MemoryStore) Update(ctx context.Context, instance *Instance) error {
	if _, ok := s.instances.Load(instance.SagaID); !ok {
		return errors.Wrap(ErrInstanceNotFound, instance.SagaID)
	}
	s.instances.Store(instance.SagaID, instance.Clone())
	return nil
}

// Get returns a copy of the stored instance.
func (s *MemoryStore) Get(ctx context.Context, sagaID string) (*Instance, error) {
	instance, ok := s.instances.Load(sagaID)
	if !ok {
		return nil, errors.Wrap(ErrInstanceNotFound, sagaID)
	}
	return instance.Clone(), nil
}
