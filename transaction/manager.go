// Package transaction executes an ordered list of operations as one
// transaction: pre-state is captured per operation, execution retries per a
// per-error-type recovery policy, and any unrecoverable failure replays the
// captured pre-states in reverse (LIFO) to undo partial progress.
//
// There is at most one in-progress transaction per manager; a second
// ExecuteTransaction while one runs fails with a conflict error rather than
// queueing. The batch layer is the intended caller and serializes flushes.
package transaction

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/statesync/config"
	"github.com/c360/statesync/errors"
	"github.com/c360/statesync/event"
	"github.com/c360/statesync/metric"
	"github.com/c360/statesync/operation"
)

// Manager runs transactions against an Executor.
type Manager struct {
	mu            sync.Mutex
	state         State
	rollbackStack []RollbackOperation

	executor Executor
	policies map[errors.Type]RecoveryPolicy
	resolver ConflictResolver

	cfg     config.Config
	bus     *event.Bus
	logger  *slog.Logger
	metrics *metric.Metrics
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithEventBus sets the event bus; by default the manager creates its own.
func WithEventBus(bus *event.Bus) Option {
	return func(m *Manager) { m.bus = bus }
}

// WithMetrics wires the core pipeline metrics.
func WithMetrics(metrics *metric.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithRecoveryPolicies replaces the default per-error-type policy table.
func WithRecoveryPolicies(policies map[errors.Type]RecoveryPolicy) Option {
	return func(m *Manager) { m.policies = policies }
}

// WithConflictResolver replaces the default last-writer-wins resolver.
func WithConflictResolver(resolver ConflictResolver) Option {
	return func(m *Manager) { m.resolver = resolver }
}

// NewManager creates a transaction manager bound to one executor.
func NewManager(cfg config.Config, executor Executor, opts ...Option) *Manager {
	m := &Manager{
		state:    StateIdle,
		executor: executor,
		policies: DefaultRecoveryPolicies(),
		resolver: LastWriterWins{},
		cfg:      cfg,
		bus:      event.NewBus("transaction"),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Events returns the manager's event bus.
func (m *Manager) Events() *event.Bus {
	return m.bus
}

// State returns the current transaction state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// errSkipOperation signals that a recovery policy chose to drop the
// operation and continue the transaction.
var errSkipOperation = fmt.Errorf("operation skipped by recovery policy")

// ExecuteTransaction executes operations in descending priority order.
// On any unrecoverable failure it rolls back every already-committed
// operation in reverse order and returns the failing operation's error.
// Rollback failures are collected into the rollback:failed event, never
// returned.
func (m *Manager) ExecuteTransaction(ctx context.Context, ops []*operation.Operation) error {
	m.mu.Lock()
	if m.state == StateInProgress || m.state == StateCommitting || m.state == StateRollingBack {
		m.mu.Unlock()
		return errors.WrapType(errors.TypeConflict, errors.ErrTransactionInProgress, "")
	}
	m.state = StateInProgress
	m.rollbackStack = m.rollbackStack[:0]
	m.mu.Unlock()

	sorted := make([]*operation.Operation, len(ops))
	copy(sorted, ops)
	operation.SortByPriority(sorted)

	for _, op := range sorted {
		if err := op.Validate(); err != nil {
			return m.rollbackAndFail(ctx, errors.WrapType(errors.TypeValidation, err, op.ID))
		}

		previousState, err := m.executor.CaptureState(ctx, op)
		if err != nil {
			return m.rollbackAndFail(ctx, errors.Wrap(err, "Manager", "ExecuteTransaction", "state capture"))
		}

		err = m.executeWithPolicy(ctx, op)
		if err == errSkipOperation {
			m.logger.Warn("operation skipped by recovery policy", "operation", op.ID)
			continue
		}
		if err != nil {
			return m.rollbackAndFail(ctx, err)
		}

		m.mu.Lock()
		m.rollbackStack = append(m.rollbackStack, RollbackOperation{
			OperationID:   op.ID,
			Operation:     op,
			PreviousState: previousState,
		})
		m.mu.Unlock()
	}

	m.setState(StateCommitting)
	m.setState(StateCompleted)
	if m.metrics != nil {
		m.metrics.TransactionsTotal.WithLabelValues("completed").Inc()
	}
	return nil
}

// executeWithPolicy runs one operation with the retry schedule selected by
// each failure's classification. The retry budget is the policy's count
// capped by the operation's own MaxRetries when set.
func (m *Manager) executeWithPolicy(ctx context.Context, op *operation.Operation) error {
	attempt := 0
	resolved := false

	for {
		err := m.executor.Execute(ctx, op)
		if err == nil {
			return nil
		}

		errType := errors.Classify(err)
		policy, ok := m.policies[errType]
		if !ok {
			policy = m.policies[errors.TypeUnknown]
		}

		budget := policy.MaxRetries
		if op.MaxRetries > 0 && op.MaxRetries < budget {
			budget = op.MaxRetries
		}

		if attempt >= budget {
			switch policy.Fallback {
			case FallbackSkip:
				m.logger.Warn("recovery policy skipping operation",
					"operation", op.ID, "error_type", errType.String(), "error", err)
				return errSkipOperation
			case FallbackResolve:
				if !resolved {
					if rerr := m.resolveConflict(ctx, op); rerr == nil {
						resolved = true
						continue // one post-resolution attempt
					}
				}
				return errors.WrapType(errType, err, op.ID)
			default:
				return errors.WrapType(errType, err, op.ID)
			}
		}

		delay := m.cfg.RetryDelay << attempt
		if len(policy.Backoff) > 0 {
			idx := attempt
			if idx >= len(policy.Backoff) {
				idx = len(policy.Backoff) - 1
			}
			delay = policy.Backoff[idx]
		}

		if m.metrics != nil {
			m.metrics.UpdateRetries.WithLabelValues(errType.String()).Inc()
		}
		m.logger.Warn("operation retrying",
			"operation", op.ID, "attempt", attempt+1, "error_type", errType.String(), "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.WrapType(errors.TypeTimeout, ctx.Err(), op.ID)
		case <-timer.C:
		}
		attempt++
	}
}

// resolveConflict applies the conflict resolver against the executor's
// current state and rewrites the operation's payload with the outcome.
func (m *Manager) resolveConflict(ctx context.Context, op *operation.Operation) error {
	current, err := m.executor.CaptureState(ctx, op)
	if err != nil {
		return errors.Wrap(err, "Manager", "resolveConflict", "remote state capture")
	}

	remote, _ := current.(map[string]any)
	merged, err := m.resolver.Resolve(ctx, op, remote)
	if err != nil {
		return errors.Wrap(err, "Manager", "resolveConflict", "resolution")
	}

	op.Data = merged
	m.logger.Info("conflict resolved, retrying operation", "operation", op.ID)
	return nil
}

// rollbackAndFail pops the rollback stack in LIFO order, restoring each
// captured pre-state, then returns the original failure.
func (m *Manager) rollbackAndFail(ctx context.Context, cause error) error {
	m.setState(StateRollingBack)
	m.logger.Error("transaction rolling back", "cause", cause)

	m.mu.Lock()
	stack := m.rollbackStack
	m.rollbackStack = nil
	m.mu.Unlock()

	var rollbackErrors []RollbackError
	for i := len(stack) - 1; i >= 0; i-- {
		entry := stack[i]
		if err := m.executor.Restore(ctx, entry.Operation, entry.PreviousState); err != nil {
			// Collected, not thrown: a failed restore must surface in the
			// event payload even though the transaction error stays cause.
			rollbackErrors = append(rollbackErrors, RollbackError{
				OperationID: entry.OperationID,
				Err:         err,
			})
			m.logger.Error("rollback restore failed",
				"operation", entry.OperationID, "error", err)
		}
	}

	m.setState(StateFailed)
	if m.metrics != nil {
		m.metrics.TransactionsTotal.WithLabelValues("failed").Inc()
	}

	if len(rollbackErrors) > 0 {
		if m.metrics != nil {
			m.metrics.Rollbacks.WithLabelValues("failed").Inc()
		}
		failed := make([]map[string]any, 0, len(rollbackErrors))
		for _, re := range rollbackErrors {
			failed = append(failed, map[string]any{
				"operation_id": re.OperationID,
				"error":        re.Err.Error(),
			})
		}
		m.bus.Emit(event.RollbackFailed, map[string]any{
			"cause":           cause.Error(),
			"rollback_errors": failed,
		})
	} else {
		if m.metrics != nil {
			m.metrics.Rollbacks.WithLabelValues("completed").Inc()
		}
		m.bus.Emit(event.RollbackCompleted, map[string]any{
			"cause":      cause.Error(),
			"operations": len(stack),
		})
	}

	return cause
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Reset returns the manager to idle and drops event handlers. Only safe to
// call when no transaction is executing.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.state = StateIdle
	m.rollbackStack = nil
	m.mu.Unlock()

	m.bus.Reset()
}
