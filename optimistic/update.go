package optimistic

import (
	"time"

	"github.com/c360/statesync/operation"
)

// Status is the lifecycle state of one optimistic update. Transitions are
// strictly forward-moving: pending → in_progress → success | failed, with
// failed → rolled_back as the only backward-looking edge.
type Status string

const (
	// StatusPending means the optimistic value is applied but execution has
	// not started (debounce window or not yet scheduled).
	StatusPending Status = "pending"
	// StatusInProgress means the update function is executing.
	StatusInProgress Status = "in_progress"
	// StatusSuccess means the authoritative write confirmed.
	StatusSuccess Status = "success"
	// StatusFailed means retries were exhausted.
	StatusFailed Status = "failed"
	// StatusRolledBack means the optimistic value was reverted to the
	// previous value.
	StatusRolledBack Status = "rolled_back"
)

// Update is the lifecycle wrapper around one optimistic operation.
type Update[T any] struct {
	ID              string
	Type            operation.Type
	OptimisticValue T
	PreviousValue   T
	HasPrevious     bool
	ActualValue     T
	Status          Status
	RetryCount      int
	MaxRetries      int
	UpdatedAt       time.Time
}

// Result reports the outcome of PerformUpdate.
type Result[T any] struct {
	Success      bool
	Data         T
	Err          error
	RolledBack   bool
	RollbackData T
}

// Statistics is a snapshot of manager state by status.
type Statistics struct {
	Pending    int
	InProgress int
	Success    int
	Failed     int
	RolledBack int
}
