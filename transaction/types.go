package transaction

import (
	"context"
	"time"

	"github.com/c360/statesync/errors"
	"github.com/c360/statesync/operation"
	"github.com/c360/statesync/pkg/timestamp"
)

// State is the transaction state machine:
// idle → in_progress → {committing → completed} | {rolling_back → failed}.
// completed and failed are terminal-recoverable: the next transaction can
// start from either, same as from idle.
type State int

const (
	// StateIdle means no transaction has run yet.
	StateIdle State = iota
	// StateInProgress means operations are executing.
	StateInProgress
	// StateCommitting means all operations succeeded and the transaction is
	// finalizing.
	StateCommitting
	// StateCompleted means the last transaction committed.
	StateCompleted
	// StateRollingBack means captured pre-states are being replayed in
	// reverse.
	StateRollingBack
	// StateFailed means the last transaction rolled back.
	StateFailed
)

// String returns a string representation of the transaction state
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInProgress:
		return "in_progress"
	case StateCommitting:
		return "committing"
	case StateCompleted:
		return "completed"
	case StateRollingBack:
		return "rolling_back"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Executor is the boundary where operations touch real state. CaptureState
// snapshots an entity before execution; Restore replays a snapshot during
// rollback (the inverse action: delete what was created, re-apply previous
// data on update, re-create what was deleted). Implementations classify
// their failures by returning *errors.SyncError.
type Executor interface {
	CaptureState(ctx context.Context, op *operation.Operation) (any, error)
	Execute(ctx context.Context, op *operation.Operation) error
	Restore(ctx context.Context, op *operation.Operation, previousState any) error
}

// RollbackOperation is one entry on the LIFO rollback stack.
type RollbackOperation struct {
	OperationID   string
	Operation     *operation.Operation
	PreviousState any
}

// RollbackError records a restore that itself failed. Rollback errors are
// collected and reported, never thrown.
type RollbackError struct {
	OperationID string
	Err         error
}

// FallbackAction is what a recovery policy does once its retries are spent.
type FallbackAction int

const (
	// FallbackAbort fails the operation and rolls the transaction back.
	FallbackAbort FallbackAction = iota
	// FallbackSkip drops the operation and lets the transaction continue.
	FallbackSkip
	// FallbackResolve runs conflict resolution and retries once more.
	FallbackResolve
)

// RecoveryPolicy is the per-error-type retry schedule.
type RecoveryPolicy struct {
	MaxRetries int
	Backoff    []time.Duration
	Fallback   FallbackAction
}

// DefaultRecoveryPolicies returns the policy table keyed by error type.
// Network and timeout failures retry with widening backoff; conflicts get
// one retry and then conflict resolution; validation and permission
// failures abort immediately.
func DefaultRecoveryPolicies() map[errors.Type]RecoveryPolicy {
	return map[errors.Type]RecoveryPolicy{
		errors.TypeNetwork: {
			MaxRetries: 3,
			Backoff:    []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second},
			Fallback:   FallbackAbort,
		},
		errors.TypeTimeout: {
			MaxRetries: 2,
			Backoff:    []time.Duration{2 * time.Second, 5 * time.Second},
			Fallback:   FallbackAbort,
		},
		errors.TypeConflict: {
			MaxRetries: 1,
			Backoff:    []time.Duration{500 * time.Millisecond},
			Fallback:   FallbackResolve,
		},
		errors.TypeQuotaExceeded: {
			MaxRetries: 1,
			Backoff:    []time.Duration{5 * time.Second},
			Fallback:   FallbackSkip,
		},
		errors.TypeValidation: {
			MaxRetries: 0,
			Fallback:   FallbackAbort,
		},
		errors.TypePermission: {
			MaxRetries: 0,
			Fallback:   FallbackAbort,
		},
		errors.TypeUnknown: {
			MaxRetries: 1,
			Backoff:    []time.Duration{1 * time.Second},
			Fallback:   FallbackAbort,
		},
	}
}

// ConflictResolver merges local and remote versions of an entity when a
// conflict-classified failure exhausts its retries.
type ConflictResolver interface {
	Resolve(ctx context.Context, op *operation.Operation, remote map[string]any) (map[string]any, error)
}

// LastWriterWins is the default resolver: the side with the later
// last_modified timestamp wins wholesale. A simple, overridable default,
// not a field-level merge.
type LastWriterWins struct{}

// Resolve implements ConflictResolver.
func (LastWriterWins) Resolve(_ context.Context, op *operation.Operation, remote map[string]any) (map[string]any, error) {
	if timestamp.FromField(remote, "last_modified").After(opModified(op)) {
		return remote, nil
	}
	return op.Data, nil
}

func opModified(op *operation.Operation) time.Time {
	if t := timestamp.FromField(op.Data, "last_modified"); !t.IsZero() {
		return t
	}
	return op.Timestamp
}
