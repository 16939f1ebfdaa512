package recovery

import (
	"context"
	"sync"

	"github.com/c360/statesync/errors"
)

// MemoryRepairer is an in-memory Repairer for tests and local pipelines.
// Entities live in nested maps keyed by type then id. Soft repair merges
// the finding's metadata into the entity; hard repair replaces the entity
// with the metadata outright, creating it if missing.
type MemoryRepairer struct {
	mu       sync.Mutex
	entities map[string]map[string]map[string]any
}

// NewMemoryRepairer creates an empty repairer.
func NewMemoryRepairer() *MemoryRepairer {
	return &MemoryRepairer{
		entities: make(map[string]map[string]map[string]any),
	}
}

// Put seeds an entity.
func (r *MemoryRepairer) Put(entityType, entityID string, data map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entities[entityType] == nil {
		r.entities[entityType] = make(map[string]map[string]any)
	}
	r.entities[entityType][entityID] = cloneEntity(data)
}

// Get returns a copy of one entity.
func (r *MemoryRepairer) Get(entityType, entityID string) (map[string]any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entity, ok := r.entities[entityType][entityID]
	if !ok {
		return nil, false
	}
	return cloneEntity(entity), true
}

// SoftRepair merges the finding's metadata into the existing entity.
func (r *MemoryRepairer) SoftRepair(_ context.Context, issue ValidationResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entity, ok := r.entities[issue.EntityType][issue.EntityID]
	if !ok {
		return errors.New(errors.TypeValidation, "entity not found for soft repair")
	}
	for k, v := range issue.Metadata {
		entity[k] = v
	}
	return nil
}

// HardRepair replaces the entity with the finding's metadata.
func (r *MemoryRepairer) HardRepair(_ context.Context, issue ValidationResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.entities[issue.EntityType] == nil {
		r.entities[issue.EntityType] = make(map[string]map[string]any)
	}
	r.entities[issue.EntityType][issue.EntityID] = cloneEntity(issue.Metadata)
	return nil
}

// Snapshot deep-copies the full entity state.
func (r *MemoryRepairer) Snapshot(context.Context) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := make(map[string]map[string]map[string]any, len(r.entities))
	for entityType, byID := range r.entities {
		snapshot[entityType] = make(map[string]map[string]any, len(byID))
		for id, entity := range byID {
			snapshot[entityType][id] = cloneEntity(entity)
		}
	}
	return snapshot, nil
}

// Restore reinstates a snapshot taken by Snapshot.
func (r *MemoryRepairer) Restore(_ context.Context, snapshot any) error {
	state, ok := snapshot.(map[string]map[string]map[string]any)
	if !ok {
		return errors.New(errors.TypeValidation, "snapshot has unexpected shape")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entities = make(map[string]map[string]map[string]any, len(state))
	for entityType, byID := range state {
		r.entities[entityType] = make(map[string]map[string]any, len(byID))
		for id, entity := range byID {
			r.entities[entityType][id] = cloneEntity(entity)
		}
	}
	return nil
}

func cloneEntity(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}
