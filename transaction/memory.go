package transaction

import (
	"context"
	"fmt"
	"sync"

	"github.com/c360/statesync/errors"
	"github.com/c360/statesync/operation"
)

// MemoryExecutor is an in-memory Executor keyed by entity type and id. It
// is the reference implementation of the Executor contract and the fixture
// the package tests run against; real deployments implement Executor over
// their own persistence boundary.
type MemoryExecutor struct {
	mu       sync.RWMutex
	entities map[string]map[string]map[string]any
}

// NewMemoryExecutor creates an empty in-memory executor.
func NewMemoryExecutor() *MemoryExecutor {
	return &MemoryExecutor{
		entities: make(map[string]map[string]map[string]any),
	}
}

// CaptureState returns a copy of the entity's current data, or nil when the
// entity does not exist. The nil snapshot is what Restore uses to undo a
// create.
func (e *MemoryExecutor) CaptureState(_ context.Context, op *operation.Operation) (any, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	data, ok := e.entities[op.EntityType][e.entityID(op)]
	if !ok {
		return nil, nil
	}
	return cloneData(data), nil
}

// Execute applies the operation to the store.
func (e *MemoryExecutor) Execute(_ context.Context, op *operation.Operation) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.entityID(op)
	if e.entities[op.EntityType] == nil {
		e.entities[op.EntityType] = make(map[string]map[string]any)
	}

	switch op.Type {
	case operation.TypeCreate:
		if _, exists := e.entities[op.EntityType][id]; exists {
			return errors.WrapType(errors.TypeConflict,
				fmt.Errorf("entity %s/%s already exists", op.EntityType, id), op.ID)
		}
		e.entities[op.EntityType][id] = cloneData(op.Data)
	case operation.TypeUpdate:
		existing, exists := e.entities[op.EntityType][id]
		if !exists {
			return errors.WrapType(errors.TypeValidation,
				fmt.Errorf("entity %s/%s not found", op.EntityType, id), op.ID)
		}
		for k, v := range op.Data {
			existing[k] = v
		}
	case operation.TypeDelete:
		if _, exists := e.entities[op.EntityType][id]; !exists {
			return errors.WrapType(errors.TypeValidation,
				fmt.Errorf("entity %s/%s not found", op.EntityType, id), op.ID)
		}
		delete(e.entities[op.EntityType], id)
	default:
		return errors.WrapType(errors.TypeValidation,
			fmt.Errorf("unsupported operation type %q", op.Type), op.ID)
	}
	return nil
}

// Restore replays a captured pre-state: a nil snapshot deletes the entity
// (undoing a create), any other snapshot reinstates it wholesale.
func (e *MemoryExecutor) Restore(_ context.Context, op *operation.Operation, previousState any) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.entityID(op)
	if previousState == nil {
		if e.entities[op.EntityType] != nil {
			delete(e.entities[op.EntityType], id)
		}
		return nil
	}

	data, ok := previousState.(map[string]any)
	if !ok {
		return errors.Wrap(fmt.Errorf("unexpected snapshot type %T", previousState),
			"MemoryExecutor", "Restore", "snapshot decode")
	}
	if e.entities[op.EntityType] == nil {
		e.entities[op.EntityType] = make(map[string]map[string]any)
	}
	e.entities[op.EntityType][id] = cloneData(data)
	return nil
}

// Get returns a copy of an entity's data.
func (e *MemoryExecutor) Get(entityType, entityID string) (map[string]any, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	data, ok := e.entities[entityType][entityID]
	if !ok {
		return nil, false
	}
	return cloneData(data), true
}

// Count returns the number of entities of one type.
func (e *MemoryExecutor) Count(entityType string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.entities[entityType])
}

// entityID falls back to the operation id for creates that carry no
// explicit entity id.
func (e *MemoryExecutor) entityID(op *operation.Operation) string {
	if op.EntityID != "" {
		return op.EntityID
	}
	return op.ID
}

func cloneData(data map[string]any) map[string]any {
	clone := make(map[string]any, len(data))
	for k, v := range data {
		clone[k] = v
	}
	return clone
}
