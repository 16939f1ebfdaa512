package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/statesync/config"
	"github.com/c360/statesync/errors"
	"github.com/c360/statesync/event"
	"github.com/c360/statesync/operation"
)

func recoveryConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.RetryDelay = time.Millisecond
	cfg.PriorityThreshold = operation.PriorityLow
	cfg.RequireConfirmation = false
	return cfg
}

func fixableIssue(rule string, severity Severity) ValidationResult {
	return ValidationResult{
		Rule:        rule,
		Severity:    severity,
		AutoFixable: true,
		EntityType:  "user",
		EntityID:    "1",
		Metadata:    map[string]any{"name": "fixed"},
		Suggestion:  "set name to fixed",
	}
}

func TestCreatePlanFiltersAndPrioritizes(t *testing.T) {
	m := NewManager(recoveryConfig(), NewMemoryRepairer())
	t.Cleanup(m.Reset)

	report := &ValidationReport{
		Errors: []ValidationResult{
			fixableIssue(RuleReferenceIntegrity, SeverityError),
			fixableIssue(RuleBusinessRule, SeverityError),
			{Rule: RuleReferenceIntegrity, Severity: SeverityError}, // not auto-fixable
		},
		Warnings: []ValidationResult{fixableIssue(RuleTimestampConsistency, SeverityWarning)},
		Info:     []ValidationResult{fixableIssue(RuleDuplicateCheck, SeverityInfo)},
	}

	plan, err := m.CreatePlan(report, StrategySmart)
	require.NoError(t, err)
	require.Len(t, plan.Tasks, 4, "non-fixable findings are excluded")

	assert.Equal(t, operation.PriorityCritical, plan.Tasks[0].Priority)
	assert.Equal(t, StrategyHard, plan.Tasks[0].Strategy)
	assert.Equal(t, operation.PriorityHigh, plan.Tasks[1].Priority)
	assert.Equal(t, StrategySoft, plan.Tasks[1].Strategy)
	assert.Equal(t, operation.PriorityNormal, plan.Tasks[2].Priority)
	assert.Equal(t, StrategySoft, plan.Tasks[2].Strategy)
	assert.Equal(t, operation.PriorityLow, plan.Tasks[3].Priority)
	assert.Equal(t, StrategyManual, plan.Tasks[3].Strategy)
	assert.Equal(t, 4, plan.Stats.TotalTasks)
}

func TestCreatePlanOrdersTasksByDescendingPriority(t *testing.T) {
	m := NewManager(recoveryConfig(), NewMemoryRepairer())
	t.Cleanup(m.Reset)

	// The critical finding arrives after a high-priority one; the plan
	// must still repair it first.
	report := &ValidationReport{
		Errors: []ValidationResult{
			fixableIssue(RuleBusinessRule, SeverityError),
			fixableIssue(RuleReferenceIntegrity, SeverityError),
		},
		Warnings: []ValidationResult{fixableIssue(RuleTimestampConsistency, SeverityWarning)},
	}

	plan, err := m.CreatePlan(report, StrategySmart)
	require.NoError(t, err)
	require.Len(t, plan.Tasks, 3)

	require.Equal(t, operation.PriorityCritical, plan.Tasks[0].Priority)
	assert.Equal(t, RuleReferenceIntegrity, plan.Tasks[0].Issue.Rule)
	assert.Equal(t, operation.PriorityHigh, plan.Tasks[1].Priority)
	assert.Equal(t, operation.PriorityNormal, plan.Tasks[2].Priority)
}

func TestCreatePlanKeepsReportOrderWithinPriority(t *testing.T) {
	m := NewManager(recoveryConfig(), NewMemoryRepairer())
	t.Cleanup(m.Reset)

	first := fixableIssue(RuleBusinessRule, SeverityError)
	first.EntityID = "1"
	second := fixableIssue(RuleBusinessRule, SeverityError)
	second.EntityID = "2"

	plan, err := m.CreatePlan(&ValidationReport{
		Errors: []ValidationResult{first, second},
	}, StrategySoft)
	require.NoError(t, err)
	require.Len(t, plan.Tasks, 2)

	assert.Equal(t, "1", plan.Tasks[0].Issue.EntityID, "equal priorities stay in report order")
	assert.Equal(t, "2", plan.Tasks[1].Issue.EntityID)
}

func TestCreatePlanHonorsPriorityThreshold(t *testing.T) {
	cfg := recoveryConfig()
	cfg.PriorityThreshold = operation.PriorityHigh
	m := NewManager(cfg, NewMemoryRepairer())
	t.Cleanup(m.Reset)

	report := &ValidationReport{
		Errors:   []ValidationResult{fixableIssue(RuleBusinessRule, SeverityError)},
		Warnings: []ValidationResult{fixableIssue(RuleTimestampConsistency, SeverityWarning)},
		Info:     []ValidationResult{fixableIssue(RuleBusinessRule, SeverityInfo)},
	}

	plan, err := m.CreatePlan(report, StrategySoft)
	require.NoError(t, err)
	require.Len(t, plan.Tasks, 1, "only the error finding clears the threshold")
	assert.Equal(t, StrategySoft, plan.Tasks[0].Strategy)
}

func TestExecutePlanSoftRepairAndStats(t *testing.T) {
	repairer := NewMemoryRepairer()
	repairer.Put("user", "1", map[string]any{"name": "broken"})
	m := NewManager(recoveryConfig(), repairer)
	t.Cleanup(m.Reset)

	plan, err := m.CreatePlan(&ValidationReport{
		Errors: []ValidationResult{fixableIssue(RuleBusinessRule, SeverityError)},
	}, StrategySoft)
	require.NoError(t, err)

	settled, err := m.ExecutePlan(context.Background(), plan.ID, ExecuteOptions{})
	require.NoError(t, err)

	assert.Equal(t, PlanCompleted, settled.Status)
	assert.Equal(t, TaskCompleted, settled.Tasks[0].Status)
	assert.Equal(t, 1, settled.Tasks[0].Attempts)

	entity, ok := repairer.Get("user", "1")
	require.True(t, ok)
	assert.Equal(t, "fixed", entity["name"])
}

func TestStatisticsInvariant(t *testing.T) {
	repairer := NewMemoryRepairer()
	repairer.Put("user", "1", map[string]any{"name": "broken"})
	m := NewManager(recoveryConfig(), repairer)
	t.Cleanup(m.Reset)

	// One task completes, one fails (missing entity, validation is not
	// retried), one is manual.
	missing := fixableIssue(RuleBusinessRule, SeverityError)
	missing.EntityID = "does-not-exist"
	report := &ValidationReport{
		Errors: []ValidationResult{
			fixableIssue(RuleBusinessRule, SeverityError),
			missing,
		},
		Info: []ValidationResult{fixableIssue(RuleDuplicateCheck, SeverityInfo)},
	}

	plan, err := m.CreatePlan(report, StrategySmart)
	require.NoError(t, err)
	settled, err := m.ExecutePlan(context.Background(), plan.ID, ExecuteOptions{})
	require.NoError(t, err)

	stats := settled.Stats
	assert.Equal(t, stats.TotalTasks,
		stats.CompletedTasks+stats.FailedTasks+stats.SkippedTasks)
	assert.Equal(t, float64(stats.CompletedTasks)/float64(stats.TotalTasks), stats.SuccessRate)
	assert.Equal(t, errors.ErrManualRepair.Error(), settled.Tasks[2].Error)
}

func TestEmptyPlanSuccessRateIsZero(t *testing.T) {
	m := NewManager(recoveryConfig(), NewMemoryRepairer())
	t.Cleanup(m.Reset)

	plan, err := m.CreatePlan(&ValidationReport{}, StrategySoft)
	require.NoError(t, err)
	settled, err := m.ExecutePlan(context.Background(), plan.ID, ExecuteOptions{})
	require.NoError(t, err)

	assert.Equal(t, PlanCompleted, settled.Status)
	assert.Zero(t, settled.Stats.SuccessRate)
}

func TestDryRunDoesNotMutateState(t *testing.T) {
	repairer := NewMemoryRepairer()
	repairer.Put("user", "1", map[string]any{"name": "broken"})
	m := NewManager(recoveryConfig(), repairer)
	t.Cleanup(m.Reset)

	plan, err := m.CreatePlan(&ValidationReport{
		Errors: []ValidationResult{fixableIssue(RuleBusinessRule, SeverityError)},
	}, StrategySoft)
	require.NoError(t, err)

	settled, err := m.ExecutePlan(context.Background(), plan.ID, ExecuteOptions{DryRun: true})
	require.NoError(t, err)

	assert.Equal(t, PlanCompleted, settled.Status)
	assert.Equal(t, TaskCompleted, settled.Tasks[0].Status)

	entity, _ := repairer.Get("user", "1")
	assert.Equal(t, "broken", entity["name"], "dry run must not touch state")
}

func TestConfirmationGateSkipsTask(t *testing.T) {
	repairer := NewMemoryRepairer()
	repairer.Put("user", "1", map[string]any{"name": "broken"})
	cfg := recoveryConfig()
	cfg.RequireConfirmation = true
	m := NewManager(cfg, repairer)
	t.Cleanup(m.Reset)

	plan, err := m.CreatePlan(&ValidationReport{
		Errors: []ValidationResult{fixableIssue(RuleBusinessRule, SeverityError)},
	}, StrategySoft)
	require.NoError(t, err)

	decline := func(Task) bool { return false }
	settled, err := m.ExecutePlan(context.Background(), plan.ID, ExecuteOptions{Confirm: decline})
	require.NoError(t, err)

	assert.Equal(t, TaskSkipped, settled.Tasks[0].Status)
	assert.Equal(t, 1, settled.Stats.SkippedTasks)

	entity, _ := repairer.Get("user", "1")
	assert.Equal(t, "broken", entity["name"])
}

func TestConfirmationRequiredWithoutCallbackSkips(t *testing.T) {
	repairer := NewMemoryRepairer()
	repairer.Put("user", "1", map[string]any{"name": "broken"})
	cfg := recoveryConfig()
	cfg.RequireConfirmation = true
	m := NewManager(cfg, repairer)
	t.Cleanup(m.Reset)

	plan, err := m.CreatePlan(&ValidationReport{
		Errors: []ValidationResult{fixableIssue(RuleBusinessRule, SeverityError)},
	}, StrategySoft)
	require.NoError(t, err)

	// No callback means nobody can approve; the task must not run.
	settled, err := m.ExecutePlan(context.Background(), plan.ID, ExecuteOptions{})
	require.NoError(t, err)

	assert.Equal(t, TaskSkipped, settled.Tasks[0].Status)
	entity, _ := repairer.Get("user", "1")
	assert.Equal(t, "broken", entity["name"], "unconfirmed task must not mutate state")
}

func TestTaskPriorityVocabulary(t *testing.T) {
	assert.Equal(t, "low", PriorityName(operation.PriorityLow))
	assert.Equal(t, "medium", PriorityName(operation.PriorityNormal))
	assert.Equal(t, "high", PriorityName(operation.PriorityHigh))
	assert.Equal(t, "critical", PriorityName(operation.PriorityCritical))

	repairer := NewMemoryRepairer()
	repairer.Put("user", "1", map[string]any{"name": "broken"})
	m := NewManager(recoveryConfig(), repairer)
	t.Cleanup(m.Reset)

	var started []string
	m.Events().Subscribe(event.TaskStarted, func(evt event.Event) {
		started = append(started, evt.Payload["priority"].(string))
	})

	plan, err := m.CreatePlan(&ValidationReport{
		Warnings: []ValidationResult{fixableIssue(RuleTimestampConsistency, SeverityWarning)},
	}, StrategySoft)
	require.NoError(t, err)

	_, err = m.ExecutePlan(context.Background(), plan.ID, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"medium"}, started)
}

func TestSmartConfidenceSplit(t *testing.T) {
	// autoFixable + suggestion + metadata + info severity = 1.0 > 0.8.
	high := fixableIssue(RuleBusinessRule, SeverityInfo)
	assert.InDelta(t, 1.0, ConfidenceScore(high), 1e-9)

	// autoFixable + suggestion = 0.6: confirmation band.
	mid := ValidationResult{
		Rule: RuleBusinessRule, Severity: SeverityError,
		AutoFixable: true, Suggestion: "drop the stale field",
		EntityType: "user", EntityID: "1",
	}
	assert.InDelta(t, 0.6, ConfidenceScore(mid), 1e-9)

	// autoFixable alone = 0.4: manual band.
	low := ValidationResult{
		Rule: RuleBusinessRule, Severity: SeverityError,
		AutoFixable: true, EntityType: "user", EntityID: "1",
	}
	assert.InDelta(t, 0.4, ConfidenceScore(low), 1e-9)
}

func TestSmartStrategyConfidenceBands(t *testing.T) {
	repairer := NewMemoryRepairer()
	repairer.Put("user", "1", map[string]any{"name": "broken"})
	m := NewManager(recoveryConfig(), repairer)
	t.Cleanup(m.Reset)

	// Rules unknown to the per-rule selection stay smart and are resolved
	// by confidence at execution time.
	high := fixableIssue("custom_rule", SeverityInfo)
	mid := ValidationResult{
		Rule: "custom_rule", Severity: SeverityError,
		AutoFixable: true, Suggestion: "set name",
		EntityType: "user", EntityID: "1",
		Metadata: nil,
	}
	low := ValidationResult{
		Rule: "custom_rule", Severity: SeverityError,
		AutoFixable: true, EntityType: "user", EntityID: "1",
	}

	plan, err := m.CreatePlan(&ValidationReport{
		Errors: []ValidationResult{mid, low},
		Info:   []ValidationResult{high},
	}, StrategySmart)
	require.NoError(t, err)
	for _, task := range plan.Tasks {
		require.Equal(t, StrategySmart, task.Strategy)
	}

	confirmed := 0
	confirm := func(Task) bool { confirmed++; return true }
	settled, err := m.ExecutePlan(context.Background(), plan.ID, ExecuteOptions{Confirm: confirm})
	require.NoError(t, err)

	byRuleOrder := settled.Tasks
	assert.Equal(t, TaskCompleted, byRuleOrder[0].Status, "mid confidence applies after confirmation")
	assert.Equal(t, 1, confirmed)
	assert.Equal(t, TaskFailed, byRuleOrder[1].Status, "low confidence is left for manual handling")
	assert.Equal(t, TaskCompleted, byRuleOrder[2].Status, "high confidence auto-applies")
}

func TestRollbackRestoresSnapshot(t *testing.T) {
	repairer := NewMemoryRepairer()
	repairer.Put("user", "1", map[string]any{"name": "broken"})
	m := NewManager(recoveryConfig(), repairer)
	t.Cleanup(m.Reset)

	plan, err := m.CreatePlan(&ValidationReport{
		Errors: []ValidationResult{fixableIssue(RuleBusinessRule, SeverityError)},
	}, StrategySoft)
	require.NoError(t, err)

	var rolledBack bool
	m.Events().Subscribe(event.RollbackCompleted, func(event.Event) { rolledBack = true })

	_, err = m.ExecutePlan(context.Background(), plan.ID, ExecuteOptions{})
	require.NoError(t, err)

	entity, _ := repairer.Get("user", "1")
	require.Equal(t, "fixed", entity["name"])

	require.NoError(t, m.Rollback(context.Background(), plan.ID))
	assert.True(t, rolledBack)

	entity, _ = repairer.Get("user", "1")
	assert.Equal(t, "broken", entity["name"])
}

func TestRollbackWithoutSnapshot(t *testing.T) {
	m := NewManager(recoveryConfig(), NewMemoryRepairer())
	t.Cleanup(m.Reset)

	plan, err := m.CreatePlan(&ValidationReport{}, StrategySoft)
	require.NoError(t, err)

	err = m.Rollback(context.Background(), plan.ID)
	assert.ErrorIs(t, err, errors.ErrNoSnapshot)

	err = m.Rollback(context.Background(), "missing")
	assert.ErrorIs(t, err, errors.ErrPlanNotFound)
}

func TestCancelPlanOnlyWhileExecuting(t *testing.T) {
	m := NewManager(recoveryConfig(), NewMemoryRepairer())
	t.Cleanup(m.Reset)

	plan, err := m.CreatePlan(&ValidationReport{}, StrategySoft)
	require.NoError(t, err)

	assert.ErrorIs(t, m.CancelPlan(plan.ID), errors.ErrPlanNotExecuting)
	assert.ErrorIs(t, m.CancelPlan("missing"), errors.ErrPlanNotFound)
}

func TestCancelSkipsRemainingTasks(t *testing.T) {
	repairer := &cancellingRepairer{inner: NewMemoryRepairer()}
	repairer.inner.Put("user", "1", map[string]any{"name": "broken"})
	m := NewManager(recoveryConfig(), repairer)
	t.Cleanup(m.Reset)
	repairer.cancel = func() { _ = m.CancelPlan(repairer.planID) }

	report := &ValidationReport{
		Errors: []ValidationResult{
			fixableIssue(RuleBusinessRule, SeverityError),
			fixableIssue(RuleBusinessRule, SeverityError),
			fixableIssue(RuleBusinessRule, SeverityError),
		},
	}
	// Dedup does not apply to recovery findings; three identical issues
	// stay three tasks.
	plan, err := m.CreatePlan(report, StrategySoft)
	require.NoError(t, err)
	require.Len(t, plan.Tasks, 3)
	repairer.planID = plan.ID

	var cancelledEvent bool
	m.Events().Subscribe(event.RecoveryCancelled, func(event.Event) { cancelledEvent = true })

	settled, err := m.ExecutePlan(context.Background(), plan.ID, ExecuteOptions{})
	require.NoError(t, err)

	assert.Equal(t, PlanCancelled, settled.Status)
	assert.True(t, cancelledEvent)
	assert.Equal(t, TaskCompleted, settled.Tasks[0].Status)
	assert.Equal(t, TaskSkipped, settled.Tasks[1].Status)
	assert.Equal(t, TaskSkipped, settled.Tasks[2].Status)
	assert.Equal(t, settled.Stats.TotalTasks,
		settled.Stats.CompletedTasks+settled.Stats.FailedTasks+settled.Stats.SkippedTasks)
}

// cancellingRepairer requests plan cancellation during its first repair.
type cancellingRepairer struct {
	inner  *MemoryRepairer
	planID string
	cancel func()
	fired  bool
}

func (r *cancellingRepairer) SoftRepair(ctx context.Context, issue ValidationResult) error {
	if !r.fired && r.cancel != nil {
		r.fired = true
		r.cancel()
	}
	return r.inner.SoftRepair(ctx, issue)
}

func (r *cancellingRepairer) HardRepair(ctx context.Context, issue ValidationResult) error {
	return r.inner.HardRepair(ctx, issue)
}

func (r *cancellingRepairer) Snapshot(ctx context.Context) (any, error) {
	return r.inner.Snapshot(ctx)
}

func (r *cancellingRepairer) Restore(ctx context.Context, snapshot any) error {
	return r.inner.Restore(ctx, snapshot)
}

func TestExecutePlanRejectsNonPending(t *testing.T) {
	m := NewManager(recoveryConfig(), NewMemoryRepairer())
	t.Cleanup(m.Reset)

	plan, err := m.CreatePlan(&ValidationReport{}, StrategySoft)
	require.NoError(t, err)

	_, err = m.ExecutePlan(context.Background(), plan.ID, ExecuteOptions{})
	require.NoError(t, err)

	_, err = m.ExecutePlan(context.Background(), plan.ID, ExecuteOptions{})
	require.Error(t, err, "a settled plan cannot run again")

	_, err = m.ExecutePlan(context.Background(), "missing", ExecuteOptions{})
	assert.ErrorIs(t, err, errors.ErrPlanNotFound)
}

func TestPlansAndRemovePlan(t *testing.T) {
	m := NewManager(recoveryConfig(), NewMemoryRepairer())
	t.Cleanup(m.Reset)

	plan, err := m.CreatePlan(&ValidationReport{}, StrategySoft)
	require.NoError(t, err)
	require.Len(t, m.Plans(), 1)

	err = m.RemovePlan(plan.ID)
	require.Error(t, err, "pending plans cannot be removed")

	_, err = m.ExecutePlan(context.Background(), plan.ID, ExecuteOptions{})
	require.NoError(t, err)

	require.NoError(t, m.RemovePlan(plan.ID))
	assert.Empty(t, m.Plans())
	assert.ErrorIs(t, m.RemovePlan(plan.ID), errors.ErrPlanNotFound)
}

func TestRepairRetriesTransientFailures(t *testing.T) {
	repairer := &flakyRepairer{inner: NewMemoryRepairer(), failures: 2}
	repairer.inner.Put("user", "1", map[string]any{"name": "broken"})
	m := NewManager(recoveryConfig(), repairer)
	t.Cleanup(m.Reset)

	plan, err := m.CreatePlan(&ValidationReport{
		Errors: []ValidationResult{fixableIssue(RuleBusinessRule, SeverityError)},
	}, StrategySoft)
	require.NoError(t, err)

	settled, err := m.ExecutePlan(context.Background(), plan.ID, ExecuteOptions{})
	require.NoError(t, err)

	assert.Equal(t, TaskCompleted, settled.Tasks[0].Status)
	assert.Equal(t, 3, settled.Tasks[0].Attempts)
}

// flakyRepairer fails the first n soft repairs.
type flakyRepairer struct {
	inner    *MemoryRepairer
	failures int
}

func (r *flakyRepairer) SoftRepair(ctx context.Context, issue ValidationResult) error {
	if r.failures > 0 {
		r.failures--
		return errors.New(errors.TypeNetwork, "connection reset")
	}
	return r.inner.SoftRepair(ctx, issue)
}

func (r *flakyRepairer) HardRepair(ctx context.Context, issue ValidationResult) error {
	return r.inner.HardRepair(ctx, issue)
}

func (r *flakyRepairer) Snapshot(ctx context.Context) (any, error) {
	return r.inner.Snapshot(ctx)
}

func (r *flakyRepairer) Restore(ctx context.Context, snapshot any) error {
	return r.inner.Restore(ctx, snapshot)
}
