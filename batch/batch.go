package batch

import (
	"time"

	"github.com/c360/statesync/operation"
)

// Status is the lifecycle state of a batch.
type Status string

const (
	// StatusPending means the batch is being assembled.
	StatusPending Status = "pending"
	// StatusQueued means the batch waits for the processor.
	StatusQueued Status = "queued"
	// StatusProcessing means the batch is executing. At most one batch is
	// processing at a time, and it leaves the queue the instant it starts.
	StatusProcessing Status = "processing"
	// StatusCompleted means every operation committed.
	StatusCompleted Status = "completed"
	// StatusFailed means at least one group failed after batch retries.
	StatusFailed Status = "failed"
	// StatusCancelled means the batch was cancelled while queued.
	StatusCancelled Status = "cancelled"
)

// Result is the per-operation outcome recorded after execution.
type Result struct {
	OperationID string `json:"operation_id"`
	EntityType  string `json:"entity_type"`
	Success     bool   `json:"success"`
	Error       string `json:"error,omitempty"`
}

// Batch is a set of operations flushed and executed together.
type Batch struct {
	ID         string                 `json:"id"`
	Operations []*operation.Operation `json:"operations"`
	Status     Status                 `json:"status"`
	Priority   operation.Priority     `json:"priority"`
	RetryCount int                    `json:"retry_count"`
	MaxRetries int                    `json:"max_retries"`
	Results    []Result               `json:"results,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}

// Statistics is a snapshot of manager counters.
type Statistics struct {
	PendingOperations int
	QueuedBatches     int
	Processing        bool
	BatchesCompleted  int
	BatchesFailed     int
	BatchesCancelled  int
	OperationsMerged  int
	OperationsDropped int
}
