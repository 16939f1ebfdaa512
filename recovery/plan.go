package recovery

import (
	"time"

	"github.com/c360/statesync/operation"
)

// Strategy is a repair approach for one task.
type Strategy string

const (
	// StrategySoft patches the entity in place (merge or adjust fields).
	StrategySoft Strategy = "soft"
	// StrategyHard force-corrects the entity, recreating it if needed.
	StrategyHard Strategy = "hard"
	// StrategyManual flags the issue for a human; nothing is mutated.
	StrategyManual Strategy = "manual"
	// StrategySmart picks between soft, confirmed, and manual handling
	// from a confidence score.
	StrategySmart Strategy = "smart"
	// StrategyRollback restores the plan's pre-execution snapshot.
	StrategyRollback Strategy = "rollback"
)

// TaskStatus is the lifecycle state of one repair task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskSkipped    TaskStatus = "skipped"
)

// PlanStatus is the lifecycle state of a recovery plan.
type PlanStatus string

const (
	PlanPending   PlanStatus = "pending"
	PlanExecuting PlanStatus = "executing"
	PlanCompleted PlanStatus = "completed"
	PlanFailed    PlanStatus = "failed"
	PlanCancelled PlanStatus = "cancelled"
)

// Task is one repair action derived from a validation finding.
type Task struct {
	ID          string             `json:"id"`
	Issue       ValidationResult   `json:"issue"`
	Strategy    Strategy           `json:"strategy"`
	Priority    operation.Priority `json:"priority"`
	Status      TaskStatus         `json:"status"`
	Attempts    int                `json:"attempts"`
	MaxAttempts int                `json:"max_attempts"`
	Error       string             `json:"error,omitempty"`
}

// Statistics summarizes a plan's task outcomes. SuccessRate is
// CompletedTasks/TotalTasks, 0 when the plan is empty.
type Statistics struct {
	TotalTasks     int     `json:"total_tasks"`
	CompletedTasks int     `json:"completed_tasks"`
	FailedTasks    int     `json:"failed_tasks"`
	SkippedTasks   int     `json:"skipped_tasks"`
	SuccessRate    float64 `json:"success_rate"`
}

// Plan is a prioritized set of repair tasks built from one report.
type Plan struct {
	ID              string     `json:"id"`
	DefaultStrategy Strategy   `json:"default_strategy"`
	Tasks           []*Task    `json:"tasks"`
	Status          PlanStatus `json:"status"`
	Stats           Statistics `json:"statistics"`
	CreatedAt       time.Time  `json:"created_at"`
}

// recomputeStats refreshes the counters after a task transition.
func (p *Plan) recomputeStats() {
	stats := Statistics{TotalTasks: len(p.Tasks)}
	for _, t := range p.Tasks {
		switch t.Status {
		case TaskCompleted:
			stats.CompletedTasks++
		case TaskFailed:
			stats.FailedTasks++
		case TaskSkipped:
			stats.SkippedTasks++
		}
	}
	if stats.TotalTasks > 0 {
		stats.SuccessRate = float64(stats.CompletedTasks) / float64(stats.TotalTasks)
	}
	p.Stats = stats
}

// clone returns a snapshot safe to hand to callers.
func (p *Plan) clone() *Plan {
	out := *p
	out.Tasks = make([]*Task, len(p.Tasks))
	for i, t := range p.Tasks {
		taskCopy := *t
		out.Tasks[i] = &taskCopy
	}
	return &out
}

// PriorityName names a task priority on the recovery scale, which runs
// low, medium, high, critical. The ranks match operation.Priority; only
// the middle rank is named differently.
func PriorityName(p operation.Priority) string {
	if p == operation.PriorityNormal {
		return "medium"
	}
	return p.String()
}

// issuePriority ranks a finding for threshold filtering. Referential
// damage escalates to critical because it cascades.
func issuePriority(issue ValidationResult) operation.Priority {
	switch issue.Severity {
	case SeverityError:
		if issue.Rule == RuleReferenceIntegrity || issue.Rule == RuleCircularReference {
			return operation.PriorityCritical
		}
		return operation.PriorityHigh
	case SeverityWarning:
		return operation.PriorityNormal
	default:
		return operation.PriorityLow
	}
}

// selectStrategy maps a rule to its repair approach when the plan default
// is smart. Duplicate findings stay manual: user data is never deleted
// without confirmation. Unknown rules stay smart and are resolved from
// the confidence score at execution time.
func selectStrategy(issue ValidationResult) Strategy {
	switch issue.Rule {
	case RuleTimestampConsistency, RuleBusinessRule:
		return StrategySoft
	case RuleReferenceIntegrity, RuleCircularReference:
		return StrategyHard
	case RuleDuplicateCheck:
		return StrategyManual
	default:
		return StrategySmart
	}
}

// Confidence score weights. Each signal contributes a fixed increment;
// the sum drives the smart strategy's auto/confirm/manual split.
const (
	weightAutoFixable  = 0.4
	weightSuggestion   = 0.2
	weightMetadata     = 0.2
	weightInfoSeverity = 0.2

	autoApplyThreshold    = 0.8
	confirmationThreshold = 0.5
)

// ConfidenceScore measures how safely a finding can be repaired without
// human review.
func ConfidenceScore(issue ValidationResult) float64 {
	score := 0.0
	if issue.AutoFixable {
		score += weightAutoFixable
	}
	if issue.Suggestion != "" {
		score += weightSuggestion
	}
	if len(issue.Metadata) > 0 {
		score += weightMetadata
	}
	if issue.Severity == SeverityInfo {
		score += weightInfoSeverity
	}
	return score
}
