package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/statesync/config"
	"github.com/c360/statesync/errors"
	"github.com/c360/statesync/event"
	"github.com/c360/statesync/metric"
	"github.com/c360/statesync/pkg/retry"
)

// Repairer applies repair strategies to the underlying state and provides
// the snapshot/restore pair that backs plan rollback.
type Repairer interface {
	// SoftRepair patches the entity in place.
	SoftRepair(ctx context.Context, issue ValidationResult) error
	// HardRepair force-corrects the entity, recreating it if needed.
	HardRepair(ctx context.Context, issue ValidationResult) error
	// Snapshot captures the full pre-plan state.
	Snapshot(ctx context.Context) (any, error)
	// Restore reinstates a snapshot taken by Snapshot.
	Restore(ctx context.Context, snapshot any) error
}

// ConfirmFunc gates a task on caller approval. Returning false skips the
// task.
type ConfirmFunc func(task Task) bool

// ExecuteOptions tune one ExecutePlan call.
type ExecuteOptions struct {
	// DryRun previews the plan: every task reports success without
	// mutating state.
	DryRun bool
	// Confirm is consulted before confirmation-gated tasks. Nil declines.
	Confirm ConfirmFunc
}

// Manager builds recovery plans from validation reports and executes them.
type Manager struct {
	mu        sync.Mutex
	plans     map[string]*Plan
	snapshots map[string]any
	cancels   map[string]bool

	repairer Repairer
	cfg      config.Config
	bus      *event.Bus
	logger   *slog.Logger
	metrics  *metric.Metrics
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

// NewManager creates a recovery manager over the given repairer.
func NewManager(cfg config.Config, repairer Repairer, opts ...Option) *Manager {
	m := &Manager{
		plans:     make(map[string]*Plan),
		snapshots: make(map[string]any),
		cancels:   make(map[string]bool),
		repairer:  repairer,
		cfg:       cfg,
		bus:       event.NewBus("recovery"),
		logger:    slog.Default(),
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

// CreatePlan filters a report down to auto-fixable findings at or above
// the configured priority threshold and builds a task per finding, ordered
// by descending priority. defaultStrategy applies to every task;
// StrategySmart selects per rule.
func (m *Manager) CreatePlan(report *ValidationReport, defaultStrategy Strategy) (*Plan, error) {
	if report == nil {
		return nil, errors.New(errors.TypeValidation, "recovery.CreatePlan: nil report")
	}
	if defaultStrategy == "" {
		defaultStrategy = StrategySmart
	}

	maxAttempts := m.cfg.MaxRetries
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	plan := &Plan{
		ID:              uuid.NewString(),
		DefaultStrategy: defaultStrategy,
		Status:          PlanPending,
		CreatedAt:       time.Now(),
	}

	for _, issue := range report.All() {
		if !issue.AutoFixable {
			continue
		}
		priority := issuePriority(issue)
		if priority < m.cfg.PriorityThreshold {
			continue
		}
		strategy := defaultStrategy
		if defaultStrategy == StrategySmart {
			strategy = selectStrategy(issue)
		}
		plan.Tasks = append(plan.Tasks, &Task{
			ID:          uuid.NewString(),
			Issue:       issue,
			Strategy:    strategy,
			Priority:    priority,
			Status:      TaskPending,
			MaxAttempts: maxAttempts,
		})
	}
	// Critical referential damage repairs first; ties keep report order.
	sort.SliceStable(plan.Tasks, func(i, j int) bool {
		return plan.Tasks[i].Priority > plan.Tasks[j].Priority
	})
	plan.recomputeStats()

	m.mu.Lock()
	m.plans[plan.ID] = plan
	m.mu.Unlock()

	m.logger.Info("recovery plan created",
		"plan_id", plan.ID, "tasks", len(plan.Tasks), "strategy", string(defaultStrategy))
	return plan.clone(), nil
}

// ExecutePlan runs a pending plan's tasks in order and returns the settled
// plan. Task failures are recorded, never propagated; a plan-level failure
// (snapshot, restore, context) rolls the plan back and is returned.
func (m *Manager) ExecutePlan(ctx context.Context, planID string, opts ExecuteOptions) (*Plan, error) {
	m.mu.Lock()
	plan, ok := m.plans[planID]
	if !ok {
		m.mu.Unlock()
		return nil, errors.ErrPlanNotFound
	}
	if plan.Status != PlanPending {
		m.mu.Unlock()
		return nil, fmt.Errorf("recovery.ExecutePlan: plan %s is %s, not pending", planID, plan.Status)
	}
	dryRun := opts.DryRun || m.cfg.DryRun
	plan.Status = PlanExecuting
	m.cancels[planID] = false
	m.mu.Unlock()

	if !dryRun {
		snapshot, err := m.repairer.Snapshot(ctx)
		if err != nil {
			m.setPlanStatus(plan, PlanFailed)
			return nil, errors.Wrap(err, "recovery", "ExecutePlan", "snapshot")
		}
		m.mu.Lock()
		m.snapshots[planID] = snapshot
		m.mu.Unlock()
	}

	m.bus.Emit(event.RecoveryStarted, map[string]any{
		"plan_id": planID,
		"tasks":   len(plan.Tasks),
		"dry_run": dryRun,
	})

	for _, task := range plan.Tasks {
		if m.cancelRequested(planID) {
			m.skipRemaining(plan, task)
			m.setPlanStatus(plan, PlanCancelled)
			m.bus.Emit(event.RecoveryCancelled, map[string]any{"plan_id": planID})
			return m.snapshotPlan(planID), nil
		}
		if err := ctx.Err(); err != nil {
			m.failPlan(ctx, plan, err)
			return nil, errors.Wrap(err, "recovery", "ExecutePlan", "execute")
		}

		m.executeTask(ctx, plan, task, dryRun, opts.Confirm)

		m.mu.Lock()
		plan.recomputeStats()
		m.mu.Unlock()
	}

	m.setPlanStatus(plan, PlanCompleted)
	m.bus.Emit(event.RecoveryCompleted, map[string]any{
		"plan_id":      planID,
		"completed":    plan.Stats.CompletedTasks,
		"failed":       plan.Stats.FailedTasks,
		"skipped":      plan.Stats.SkippedTasks,
		"success_rate": plan.Stats.SuccessRate,
	})
	return m.snapshotPlan(planID), nil
}

// executeTask settles one task: skipped, completed, or failed.
func (m *Manager) executeTask(ctx context.Context, plan *Plan, task *Task, dryRun bool, confirm ConfirmFunc) {
	m.setTaskStatus(plan, task, TaskInProgress)
	m.bus.Emit(event.TaskStarted, map[string]any{
		"plan_id":  plan.ID,
		"task_id":  task.ID,
		"rule":     task.Issue.Rule,
		"priority": PriorityName(task.Priority),
	})

	strategy := task.Strategy
	smartResolved := strategy == StrategySmart
	if smartResolved {
		confidence := ConfidenceScore(task.Issue)
		switch {
		case confidence > autoApplyThreshold:
			strategy = StrategySoft
		case confidence >= confirmationThreshold:
			if confirm == nil || !confirm(*task) {
				m.finishTask(plan, task, TaskSkipped, "confirmation declined")
				return
			}
			strategy = StrategySoft
		default:
			strategy = StrategyManual
		}
	}

	if !smartResolved && strategy != StrategyManual && m.cfg.RequireConfirmation && (confirm == nil || !confirm(*task)) {
		m.finishTask(plan, task, TaskSkipped, "confirmation declined")
		return
	}

	if dryRun {
		m.finishTask(plan, task, TaskCompleted, "")
		return
	}

	var repair func(context.Context, ValidationResult) error
	switch strategy {
	case StrategySoft:
		repair = m.repairer.SoftRepair
	case StrategyHard:
		repair = m.repairer.HardRepair
	case StrategyRollback:
		repair = func(ctx context.Context, _ ValidationResult) error {
			return m.restoreSnapshot(ctx, plan.ID)
		}
	case StrategyManual:
		m.finishTask(plan, task, TaskFailed, errors.ErrManualRepair.Error())
		return
	default:
		m.finishTask(plan, task, TaskFailed, fmt.Sprintf("unknown strategy %q", strategy))
		return
	}

	err := retry.Do(ctx, retry.Config{
		MaxAttempts:  task.MaxAttempts,
		InitialDelay: m.cfg.RetryDelay,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		OnRetry: func(attempt int, err error, _ time.Duration) {
			m.logger.Warn("repair attempt failed",
				"plan_id", plan.ID, "task_id", task.ID, "attempt", attempt, "error", err)
		},
	}, func() error {
		m.mu.Lock()
		task.Attempts++
		m.mu.Unlock()
		return repair(ctx, task.Issue)
	})
	if err != nil {
		m.finishTask(plan, task, TaskFailed, err.Error())
		return
	}
	m.finishTask(plan, task, TaskCompleted, "")
}

// finishTask records a terminal task status and emits the matching event.
func (m *Manager) finishTask(plan *Plan, task *Task, status TaskStatus, reason string) {
	m.mu.Lock()
	task.Status = status
	task.Error = reason
	m.mu.Unlock()

	eventType := event.TaskCompleted
	switch status {
	case TaskFailed:
		eventType = event.TaskFailed
	case TaskSkipped:
		eventType = event.TaskSkipped
	}
	payload := map[string]any{
		"plan_id": plan.ID,
		"task_id": task.ID,
		"rule":    task.Issue.Rule,
	}
	if reason != "" {
		payload["reason"] = reason
	}
	m.bus.Emit(eventType, payload)

	if m.metrics != nil {
		m.metrics.RecoveryTasks.WithLabelValues(string(status)).Inc()
	}
}

// Rollback restores the plan's pre-execution snapshot. It is invoked
// automatically when plan execution itself fails.
func (m *Manager) Rollback(ctx context.Context, planID string) error {
	m.mu.Lock()
	_, ok := m.plans[planID]
	m.mu.Unlock()
	if !ok {
		return errors.ErrPlanNotFound
	}

	if err := m.restoreSnapshot(ctx, planID); err != nil {
		m.bus.Emit(event.RollbackFailed, map[string]any{
			"plan_id": planID,
			"error":   err.Error(),
		})
		return err
	}
	m.bus.Emit(event.RollbackCompleted, map[string]any{"plan_id": planID})
	return nil
}

// CancelPlan requests cancellation of an executing plan. Remaining tasks
// are skipped at the next task boundary.
func (m *Manager) CancelPlan(planID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	plan, ok := m.plans[planID]
	if !ok {
		return errors.ErrPlanNotFound
	}
	if plan.Status != PlanExecuting {
		return errors.ErrPlanNotExecuting
	}
	m.cancels[planID] = true
	return nil
}

// GetPlan returns a snapshot of one plan.
func (m *Manager) GetPlan(planID string) (*Plan, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	plan, ok := m.plans[planID]
	if !ok {
		return nil, false
	}
	return plan.clone(), true
}

// Plans returns snapshots of every known plan.
func (m *Manager) Plans() []*Plan {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Plan, 0, len(m.plans))
	for _, plan := range m.plans {
		out = append(out, plan.clone())
	}
	return out
}

// RemovePlan drops a settled plan and its snapshot. Pending and executing
// plans cannot be removed.
func (m *Manager) RemovePlan(planID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	plan, ok := m.plans[planID]
	if !ok {
		return errors.ErrPlanNotFound
	}
	if plan.Status == PlanPending || plan.Status == PlanExecuting {
		return fmt.Errorf("recovery.RemovePlan: plan %s is %s", planID, plan.Status)
	}
	delete(m.plans, planID)
	delete(m.snapshots, planID)
	delete(m.cancels, planID)
	return nil
}

// Reset drops all plans, snapshots, and event handlers. Only safe to call
// when no plan is executing.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.plans = make(map[string]*Plan)
	m.snapshots = make(map[string]any)
	m.cancels = make(map[string]bool)
	m.mu.Unlock()

	m.bus.Reset()
}

func (m *Manager) restoreSnapshot(ctx context.Context, planID string) error {
	m.mu.Lock()
	snapshot, ok := m.snapshots[planID]
	m.mu.Unlock()
	if !ok {
		return errors.ErrNoSnapshot
	}
	return m.repairer.Restore(ctx, snapshot)
}

// failPlan rolls back and marks the plan failed after a plan-level error.
func (m *Manager) failPlan(ctx context.Context, plan *Plan, cause error) {
	if err := m.Rollback(context.WithoutCancel(ctx), plan.ID); err != nil {
		m.logger.Error("plan rollback failed",
			"plan_id", plan.ID, "cause", cause, "error", err)
	}
	m.setPlanStatus(plan, PlanFailed)
	m.bus.Emit(event.RecoveryFailed, map[string]any{
		"plan_id": plan.ID,
		"error":   cause.Error(),
	})
}

// skipRemaining marks the current and all later pending tasks skipped.
func (m *Manager) skipRemaining(plan *Plan, from *Task) {
	m.mu.Lock()
	seen := false
	for _, task := range plan.Tasks {
		if task == from {
			seen = true
		}
		if seen && (task.Status == TaskPending || task.Status == TaskInProgress) {
			task.Status = TaskSkipped
			task.Error = "plan cancelled"
		}
	}
	plan.recomputeStats()
	m.mu.Unlock()
}

func (m *Manager) setPlanStatus(plan *Plan, status PlanStatus) {
	m.mu.Lock()
	plan.Status = status
	plan.recomputeStats()
	m.mu.Unlock()
}

func (m *Manager) setTaskStatus(plan *Plan, task *Task, status TaskStatus) {
	m.mu.Lock()
	task.Status = status
	m.mu.Unlock()
}

func (m *Manager) snapshotPlan(planID string) *Plan {
	m.mu.Lock()
	defer m.mu.Unlock()
	if plan, ok := m.plans[planID]; ok {
		return plan.clone()
	}
	return nil
}

func (m *Manager) cancelRequested(planID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancels[planID]
}
