// Package operation defines the shared operation model used by every
// statesync layer: operation kinds, the priority ordering, and the
// merge/dedup identity rules the batch queue relies on.
package operation

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/c360/statesync/errors"
)

// Type is the kind of change an operation performs.
type Type string

const (
	// TypeCreate creates a new entity.
	TypeCreate Type = "create"
	// TypeUpdate modifies fields of an existing entity.
	TypeUpdate Type = "update"
	// TypeDelete removes an entity.
	TypeDelete Type = "delete"
	// TypeBatch wraps a set of nested operations.
	TypeBatch Type = "batch"
)

// Valid reports whether t is a known operation type.
func (t Type) Valid() bool {
	switch t {
	case TypeCreate, TypeUpdate, TypeDelete, TypeBatch:
		return true
	}
	return false
}

// Priority orders operations. Higher values flush and execute first.
type Priority int

const (
	// PriorityLow is background work.
	PriorityLow Priority = iota
	// PriorityNormal is the default.
	PriorityNormal
	// PriorityHigh jumps ahead of normal traffic.
	PriorityHigh
	// PriorityCritical collapses the batch wait window.
	PriorityCritical
)

// String returns the string representation of Priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Operation is the atomic unit of change flowing through the pipeline.
type Operation struct {
	ID         string         `json:"id"`
	Type       Type           `json:"type"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	Priority   Priority       `json:"priority"`
	Timestamp  time.Time      `json:"timestamp"`
	MaxRetries int            `json:"max_retries,omitempty"`
}

// Validate checks the structural invariants: a known type, a non-empty
// entity type, and an entity id for update/delete.
func (o *Operation) Validate() error {
	if o.ID == "" {
		return errors.Wrap(errors.ErrInvalidOperation, "Operation", "Validate", "missing id")
	}
	if !o.Type.Valid() {
		return errors.Wrap(errors.ErrInvalidOperation, "Operation", "Validate",
			fmt.Sprintf("unknown type %q", o.Type))
	}
	if o.EntityType == "" {
		return errors.Wrap(errors.ErrInvalidOperation, "Operation", "Validate", "missing entity type")
	}
	if (o.Type == TypeUpdate || o.Type == TypeDelete) && o.EntityID == "" {
		return errors.Wrap(errors.ErrInvalidOperation, "Operation", "Validate",
			fmt.Sprintf("%s requires an entity id", o.Type))
	}
	return nil
}

// Key is the merge identity: two pending updates with the same key collapse
// into one.
func (o *Operation) Key() string {
	return fmt.Sprintf("%s/%s/%s", o.EntityType, o.EntityID, o.Type)
}

// Fingerprint is the dedup identity: entity coordinates plus the payload in
// canonical (sorted-key) form. Two operations with equal fingerprints are
// exact duplicates.
func (o *Operation) Fingerprint() string {
	var sb strings.Builder
	sb.WriteString(o.Key())
	sb.WriteByte('|')
	sb.WriteString(canonicalJSON(o.Data))
	return sb.String()
}

// Merge folds incoming into o: shallow data merge with incoming fields
// winning, the higher of the two priorities, and the later timestamp. Only
// meaningful for updates sharing the same Key.
func (o *Operation) Merge(incoming *Operation) {
	if o.Data == nil && incoming.Data != nil {
		o.Data = make(map[string]any, len(incoming.Data))
	}
	for k, v := range incoming.Data {
		o.Data[k] = v
	}
	if incoming.Priority > o.Priority {
		o.Priority = incoming.Priority
	}
	if incoming.Timestamp.After(o.Timestamp) {
		o.Timestamp = incoming.Timestamp
	}
}

// Clone returns a copy with its own Data map. Nested values are shared;
// payloads are treated as opaque and never mutated in place.
func (o *Operation) Clone() *Operation {
	clone := *o
	if o.Data != nil {
		clone.Data = make(map[string]any, len(o.Data))
		for k, v := range o.Data {
			clone.Data[k] = v
		}
	}
	return &clone
}

// canonicalJSON serializes a payload with deterministic key order.
func canonicalJSON(data map[string]any) string {
	if len(data) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		kb, _ := json.Marshal(k)
		vb, err := json.Marshal(data[k])
		if err != nil {
			vb = []byte(fmt.Sprintf("%q", fmt.Sprint(data[k])))
		}
		sb.Write(kb)
		sb.WriteByte(':')
		sb.Write(vb)
	}
	sb.WriteByte('}')
	return sb.String()
}

// SortByPriority orders operations by descending priority, stable so that
// equal-priority operations keep arrival order.
func SortByPriority(ops []*Operation) {
	sort.SliceStable(ops, func(i, j int) bool {
		return ops[i].Priority > ops[j].Priority
	})
}

// MaxPriority returns the highest priority among ops (PriorityLow for an
// empty slice).
func MaxPriority(ops []*Operation) Priority {
	max := PriorityLow
	for _, op := range ops {
		if op.Priority > max {
			max = op.Priority
		}
	}
	return max
}
