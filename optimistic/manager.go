// Package optimistic performs single-operation optimistic updates: the
// caller-visible value changes immediately, the authoritative write runs
// with exponential-backoff retries, and exhausted retries roll the visible
// value back to its previous state.
//
// The manager is generic over the value type. Callers supply stable ids per
// logical entity; two calls with the same id inside the debounce window
// supersede each other (last write wins for the window only). That contract
// is the caller's responsibility, not inferred here.
package optimistic

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/statesync/config"
	"github.com/c360/statesync/errors"
	"github.com/c360/statesync/event"
	"github.com/c360/statesync/metric"
	"github.com/c360/statesync/operation"
	"github.com/c360/statesync/pkg/retry"
)

// UpdateFunc performs the authoritative write and returns the confirmed
// value. It is the only suspension point of an update's execution.
type UpdateFunc[T any] func(ctx context.Context) (T, error)

// Applier mirrors a value into UI-visible state. It is invoked for the
// optimistic value on start and for the previous value on rollback.
type Applier[T any] func(id string, value T)

// Manager executes optimistic updates. All state is owned by the manager
// and mutated only under its lock; getters return snapshots.
type Manager[T any] struct {
	mu        sync.Mutex
	updates   map[string]*Update[T]
	debounces map[string]*debounceEntry

	cfg     config.Config
	bus     *event.Bus
	logger  *slog.Logger
	metrics *metric.Metrics
	applier Applier[T]
}

// debounceEntry tracks one waiting debounce window. Closing done wakes the
// waiter; superseded tells it whether a newer call took over.
type debounceEntry struct {
	done       chan struct{}
	superseded bool
	cancelled  bool
}

// Option configures a Manager.
type Option[T any] func(*Manager[T])

// WithLogger sets the manager logger.
func WithLogger[T any](logger *slog.Logger) Option[T] {
	return func(m *Manager[T]) { m.logger = logger }
}

// WithEventBus sets the event bus; by default the manager creates its own.
func WithEventBus[T any](bus *event.Bus) Option[T] {
	return func(m *Manager[T]) { m.bus = bus }
}

// WithMetrics wires the core pipeline metrics.
func WithMetrics[T any](metrics *metric.Metrics) Option[T] {
	return func(m *Manager[T]) { m.metrics = metrics }
}

// WithApplier sets the callback that mirrors values into visible state.
func WithApplier[T any](applier Applier[T]) Option[T] {
	return func(m *Manager[T]) { m.applier = applier }
}

// NewManager creates an optimistic update manager.
func NewManager[T any](cfg config.Config, opts ...Option[T]) *Manager[T] {
	m := &Manager[T]{
		updates:   make(map[string]*Update[T]),
		debounces: make(map[string]*debounceEntry),
		cfg:       cfg,
		bus:       event.NewBus("optimistic"),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Events returns the manager's event bus.
func (m *Manager[T]) Events() *event.Bus {
	return m.bus
}

// UpdateOption overrides per-call execution settings.
type UpdateOption[T any] func(*updateOptions[T])

type updateOptions[T any] struct {
	maxRetries      int
	retryDelay      time.Duration
	rollbackOnError bool
	debounce        time.Duration
	previous        *T
}

// WithMaxRetries overrides the configured retry budget for this call.
func WithMaxRetries[T any](n int) UpdateOption[T] {
	return func(o *updateOptions[T]) { o.maxRetries = n }
}

// WithRetryDelay overrides the configured initial backoff delay.
func WithRetryDelay[T any](d time.Duration) UpdateOption[T] {
	return func(o *updateOptions[T]) { o.retryDelay = d }
}

// WithRollbackOnError overrides the rollback-on-failure behavior.
func WithRollbackOnError[T any](enabled bool) UpdateOption[T] {
	return func(o *updateOptions[T]) { o.rollbackOnError = enabled }
}

// WithDebounce defers execution; a second call with the same id inside the
// window supersedes this one.
func WithDebounce[T any](d time.Duration) UpdateOption[T] {
	return func(o *updateOptions[T]) { o.debounce = d }
}

// WithPreviousValue supplies the rollback value for an id the manager has
// not seen before.
func WithPreviousValue[T any](v T) UpdateOption[T] {
	return func(o *updateOptions[T]) { o.previous = &v }
}

// PerformUpdate applies optimisticValue immediately, runs fn with retries,
// and rolls back on exhausted retries when rollback is enabled. It blocks
// until the update resolves; run it on its own goroutine when the caller
// must not wait. A superseded debounced call returns errors.ErrSuperseded
// without ever invoking fn.
func (m *Manager[T]) PerformUpdate(
	ctx context.Context,
	id string,
	opType operation.Type,
	optimisticValue T,
	fn UpdateFunc[T],
	opts ...UpdateOption[T],
) (Result[T], error) {
	o := updateOptions[T]{
		maxRetries:      m.cfg.MaxRetries,
		retryDelay:      m.cfg.RetryDelay,
		rollbackOnError: m.cfg.RollbackOnError,
		debounce:        m.cfg.Debounce,
	}
	for _, opt := range opts {
		opt(&o)
	}

	m.register(id, opType, optimisticValue, o)

	if m.applier != nil {
		m.applier(id, optimisticValue)
	}
	m.bus.Emit(event.UpdateStart, map[string]any{
		"id":    id,
		"type":  string(opType),
		"value": any(optimisticValue),
	})

	if o.debounce > 0 {
		if err := m.waitDebounce(ctx, id, o.debounce); err != nil {
			return Result[T]{Success: false, Err: err}, err
		}
	}

	if err := m.markInProgress(id); err != nil {
		// Cancelled while pending; the cancel path already rolled back.
		return Result[T]{Success: false, Err: err}, err
	}

	actual, execErr := retry.DoWithResult(ctx, retry.Config{
		MaxAttempts:  o.maxRetries + 1,
		InitialDelay: o.retryDelay,
		Multiplier:   2.0,
		MaxDelay:     o.retryDelay * (1 << 10),
		OnRetry: func(attempt int, err error, delay time.Duration) {
			m.recordRetry(id, attempt, err, delay)
		},
	}, func() (T, error) {
		return fn(ctx)
	})

	if execErr == nil {
		m.mu.Lock()
		if u, ok := m.updates[id]; ok && u.Status == StatusInProgress {
			u.ActualValue = actual
			u.Status = StatusSuccess
			u.UpdatedAt = time.Now()
		}
		m.mu.Unlock()

		m.bus.Emit(event.UpdateSuccess, map[string]any{"id": id, "value": any(actual)})
		return Result[T]{Success: true, Data: actual}, nil
	}

	return m.fail(id, execErr, o)
}

// register records (or replaces) the update in pending state, preserving
// the oldest known previous value for the id.
func (m *Manager[T]) register(id string, opType operation.Type, optimisticValue T, o updateOptions[T]) {
	m.mu.Lock()
	defer m.mu.Unlock()

	upd := &Update[T]{
		ID:              id,
		Type:            opType,
		OptimisticValue: optimisticValue,
		Status:          StatusPending,
		MaxRetries:      o.maxRetries,
		UpdatedAt:       time.Now(),
	}

	if existing, ok := m.updates[id]; ok && existing.HasPrevious {
		// A superseded update keeps the original rollback target.
		upd.PreviousValue = existing.PreviousValue
		upd.HasPrevious = true
	} else if o.previous != nil {
		upd.PreviousValue = *o.previous
		upd.HasPrevious = true
	}

	m.updates[id] = upd
}

// waitDebounce blocks for the debounce window. A newer call with the same
// id wakes this waiter with ErrSuperseded; CancelUpdate wakes it with
// ErrUpdateNotPending.
func (m *Manager[T]) waitDebounce(ctx context.Context, id string, window time.Duration) error {
	m.mu.Lock()
	if prior, ok := m.debounces[id]; ok {
		prior.superseded = true
		close(prior.done)
	}
	entry := &debounceEntry{done: make(chan struct{})}
	m.debounces[id] = entry
	m.mu.Unlock()

	timer := time.NewTimer(window)
	defer timer.Stop()

	select {
	case <-entry.done:
		if entry.cancelled {
			return errors.ErrUpdateNotPending
		}
		return errors.ErrSuperseded
	case <-ctx.Done():
		m.clearDebounce(id, entry)
		return ctx.Err()
	case <-timer.C:
		m.clearDebounce(id, entry)
		return nil
	}
}

func (m *Manager[T]) clearDebounce(id string, entry *debounceEntry) {
	m.mu.Lock()
	if current, ok := m.debounces[id]; ok && current == entry {
		delete(m.debounces, id)
	}
	m.mu.Unlock()
}

// markInProgress moves a pending update forward. Returns ErrUpdateNotPending
// when the update was cancelled or superseded in the meantime.
func (m *Manager[T]) markInProgress(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.updates[id]
	if !ok || u.Status != StatusPending {
		return errors.ErrUpdateNotPending
	}
	u.Status = StatusInProgress
	u.UpdatedAt = time.Now()
	return nil
}

func (m *Manager[T]) recordRetry(id string, attempt int, err error, delay time.Duration) {
	m.mu.Lock()
	if u, ok := m.updates[id]; ok {
		u.RetryCount = attempt
		u.UpdatedAt = time.Now()
	}
	m.mu.Unlock()

	errType := errors.Classify(err)
	if m.metrics != nil {
		m.metrics.UpdateRetries.WithLabelValues(errType.String()).Inc()
	}
	m.logger.Warn("optimistic update retrying",
		"id", id, "attempt", attempt, "delay", delay, "error", err)
	m.bus.Emit(event.UpdateRetry, map[string]any{
		"id":      id,
		"attempt": attempt,
		"delay":   delay.String(),
		"error":   err.Error(),
	})
}

// fail marks the update failed, rolls back when configured, and builds the
// failure result.
func (m *Manager[T]) fail(id string, execErr error, o updateOptions[T]) (Result[T], error) {
	m.mu.Lock()
	u, ok := m.updates[id]
	if ok {
		u.Status = StatusFailed
		u.UpdatedAt = time.Now()
	}
	hasPrevious := ok && u.HasPrevious
	var previous T
	if hasPrevious {
		previous = u.PreviousValue
	}
	m.mu.Unlock()

	m.logger.Error("optimistic update failed", "id", id, "error", execErr)
	m.bus.Emit(event.UpdateFailed, map[string]any{"id": id, "error": execErr.Error()})

	result := Result[T]{Success: false, Err: execErr}
	if o.rollbackOnError && hasPrevious {
		m.rollback(id, previous)
		result.RolledBack = true
		result.RollbackData = previous
	}
	return result, execErr
}

// rollback reverts the visible value to previous and marks the update
// rolled back.
func (m *Manager[T]) rollback(id string, previous T) {
	m.mu.Lock()
	if u, ok := m.updates[id]; ok {
		u.OptimisticValue = previous
		u.Status = StatusRolledBack
		u.UpdatedAt = time.Now()
	}
	m.mu.Unlock()

	if m.applier != nil {
		m.applier(id, previous)
	}
	if m.metrics != nil {
		m.metrics.Rollbacks.WithLabelValues("completed").Inc()
	}
	m.bus.Emit(event.UpdateRollback, map[string]any{"id": id, "value": any(previous)})
}

// CancelUpdate cancels a pending update and force-rolls-back to the
// previous value. Cancelling a resolved, in-progress, or unknown update is
// a no-op; CancelUpdate never returns an error for those.
func (m *Manager[T]) CancelUpdate(id string) {
	m.mu.Lock()
	u, ok := m.updates[id]
	if !ok || u.Status != StatusPending {
		m.mu.Unlock()
		return
	}
	if entry, waiting := m.debounces[id]; waiting {
		entry.cancelled = true
		close(entry.done)
		delete(m.debounces, id)
	}
	hasPrevious := u.HasPrevious
	previous := u.PreviousValue
	if !hasPrevious {
		// Nothing to restore; the update just ends rolled back in place.
		previous = u.OptimisticValue
	}
	m.mu.Unlock()

	m.rollback(id, previous)
}

// GetUpdate returns a snapshot of one update.
func (m *Manager[T]) GetUpdate(id string) (Update[T], bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.updates[id]
	if !ok {
		return Update[T]{}, false
	}
	return *u, true
}

// PendingCount returns the number of updates not yet resolved.
func (m *Manager[T]) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, u := range m.updates {
		if u.Status == StatusPending || u.Status == StatusInProgress {
			n++
		}
	}
	return n
}

// GetStatistics returns counts by status.
func (m *Manager[T]) GetStatistics() Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()

	var s Statistics
	for _, u := range m.updates {
		switch u.Status {
		case StatusPending:
			s.Pending++
		case StatusInProgress:
			s.InProgress++
		case StatusSuccess:
			s.Success++
		case StatusFailed:
			s.Failed++
		case StatusRolledBack:
			s.RolledBack++
		}
	}
	return s
}

// Reset clears all update state and drops event handlers. Debounce waiters
// are woken as cancelled.
func (m *Manager[T]) Reset() {
	m.mu.Lock()
	for id, entry := range m.debounces {
		entry.cancelled = true
		close(entry.done)
		delete(m.debounces, id)
	}
	m.updates = make(map[string]*Update[T])
	m.mu.Unlock()

	m.bus.Reset()
}
