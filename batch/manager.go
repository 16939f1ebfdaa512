// Package batch accumulates incoming operations, deduplicates and merges
// related ones, and flushes them into the transaction layer when a size,
// timeout, or priority trigger fires.
//
// Exactly one batch processes at a time; a batch leaves the queue the
// instant it starts processing. A failure in one entity-type group never
// aborts the other groups in the same batch: each group fails
// independently and is reported in the batch results.
package batch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/c360/statesync/config"
	"github.com/c360/statesync/errors"
	"github.com/c360/statesync/event"
	"github.com/c360/statesync/metric"
	"github.com/c360/statesync/operation"
	"github.com/c360/statesync/transaction"
)

// defaultCriticalDelay is the collapsed wait window once a critical
// operation is pending.
const defaultCriticalDelay = 50 * time.Millisecond

// Manager owns the pending-operation queue and the batch pipeline.
type Manager struct {
	mu            sync.Mutex
	queue         *PriorityQueue
	byKey         map[string]*operation.Operation
	fingerprints  map[string]string
	opFingerprint map[*operation.Operation]string
	batchQueue    []*Batch
	batches       map[string]*Batch
	flushTimer    *time.Timer
	processing    bool
	hasCritical   bool
	stats         Statistics

	txn     *transaction.Manager
	batcher *SmartBatcher
	limiter *rate.Limiter

	cfg           config.Config
	bus           *event.Bus
	logger        *slog.Logger
	metrics       *metric.Metrics
	criticalDelay time.Duration
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

// WithFlushLimit caps how often batches may start processing. The default
// is unlimited.
func WithFlushLimit(limit rate.Limit, burst int) Option {
	return func(m *Manager) { m.limiter = rate.NewLimiter(limit, burst) }
}

// WithCriticalDelay overrides the collapsed wait window for critical
// operations.
func WithCriticalDelay(d time.Duration) Option {
	return func(m *Manager) { m.criticalDelay = d }
}

// NewManager creates a batch manager that flushes into txn.
func NewManager(cfg config.Config, txn *transaction.Manager, opts ...Option) *Manager {
	m := &Manager{
		queue:         NewPriorityQueue(),
		byKey:         make(map[string]*operation.Operation),
		fingerprints:  make(map[string]string),
		opFingerprint: make(map[*operation.Operation]string),
		batches:       make(map[string]*Batch),
		txn:           txn,
		batcher:       NewSmartBatcher(cfg.MaxBatchSize, cfg.MaxBatchSize*4),
		limiter:       rate.NewLimiter(rate.Inf, 0),
		cfg:           cfg,
		bus:           event.NewBus("batch"),
		logger:        slog.Default(),
		criticalDelay: defaultCriticalDelay,
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

// Add accepts an operation and returns the id of the pending operation it
// ended up in: the operation's own id, or the id of the pending update it
// merged into or duplicated. Add never blocks on execution; flushing
// happens on a trigger goroutine.
func (m *Manager) Add(op *operation.Operation) (string, error) {
	if err := op.Validate(); err != nil {
		return "", err
	}

	m.mu.Lock()

	fp := op.Fingerprint()
	if m.cfg.Deduplication {
		if existingID, dup := m.fingerprints[fp]; dup {
			m.stats.OperationsDropped++
			m.mu.Unlock()
			if m.metrics != nil {
				m.metrics.OperationsDeduplicated.Inc()
			}
			m.logger.Debug("operation dropped as duplicate", "id", op.ID, "pending", existingID)
			return existingID, nil
		}
	}

	if m.cfg.MergeSimilar && op.Type == operation.TypeUpdate {
		if existing, ok := m.byKey[op.Key()]; ok {
			delete(m.fingerprints, m.opFingerprint[existing])
			existing.Merge(op)
			newFP := existing.Fingerprint()
			m.fingerprints[newFP] = existing.ID
			m.opFingerprint[existing] = newFP
			m.queue.Reprioritize(existing)
			m.stats.OperationsMerged++
			id := existing.ID
			m.afterAddLocked(existing)
			m.mu.Unlock()
			if m.metrics != nil {
				m.metrics.OperationsMerged.Inc()
			}
			return id, nil
		}
	}

	stored := op.Clone()
	if stored.Timestamp.IsZero() {
		stored.Timestamp = time.Now()
	}
	m.batcher.Record(stored)
	m.queue.Push(stored)
	if stored.Type == operation.TypeUpdate {
		m.byKey[stored.Key()] = stored
	}
	m.fingerprints[fp] = stored.ID
	m.opFingerprint[stored] = fp

	if m.metrics != nil {
		m.metrics.OperationsAdded.WithLabelValues(stored.EntityType, string(stored.Type)).Inc()
		m.metrics.PendingOperations.Set(float64(m.queue.Len()))
	}

	m.afterAddLocked(stored)
	m.mu.Unlock()
	return stored.ID, nil
}

// afterAddLocked evaluates flush triggers. Size wins immediately; a
// critical operation collapses the timer window; otherwise the timeout
// window restarts.
func (m *Manager) afterAddLocked(op *operation.Operation) {
	if op.Priority == operation.PriorityCritical {
		m.hasCritical = true
	}

	if m.queue.Len() >= m.cfg.MaxBatchSize {
		go m.flush(context.Background(), "size")
		return
	}

	window := m.cfg.BatchTimeout
	trigger := "timeout"
	if m.hasCritical {
		window = m.criticalDelay
		trigger = "critical"
	}
	m.scheduleLocked(window, trigger)
}

// scheduleLocked (re)arms the flush timer.
func (m *Manager) scheduleLocked(d time.Duration, trigger string) {
	if m.flushTimer != nil {
		m.flushTimer.Stop()
	}
	m.flushTimer = time.AfterFunc(d, func() {
		m.flush(context.Background(), trigger)
	})
}

// Flush drains the pending queue into a batch immediately.
func (m *Manager) Flush(ctx context.Context) {
	m.flush(ctx, "manual")
}

// flush drains up to the batcher's optimal size into one batch, queues it,
// and drives the processor.
func (m *Manager) flush(ctx context.Context, trigger string) {
	m.mu.Lock()
	if m.flushTimer != nil {
		m.flushTimer.Stop()
		m.flushTimer = nil
	}

	ops := m.queue.Drain(m.batcher.OptimalBatchSize())
	if len(ops) == 0 {
		m.mu.Unlock()
		return
	}
	for _, op := range ops {
		delete(m.fingerprints, m.opFingerprint[op])
		delete(m.opFingerprint, op)
		if op.Type == operation.TypeUpdate {
			delete(m.byKey, op.Key())
		}
	}
	m.hasCritical = m.queueHasCriticalLocked()

	b := &Batch{
		ID:         uuid.NewString(),
		Operations: ops,
		Status:     StatusPending,
		Priority:   operation.MaxPriority(ops),
		MaxRetries: m.cfg.MaxRetries,
		CreatedAt:  time.Now(),
	}
	m.batches[b.ID] = b

	if m.metrics != nil {
		m.metrics.BatchesFlushed.WithLabelValues(trigger).Inc()
		m.metrics.PendingOperations.Set(float64(m.queue.Len()))
	}

	// Leftover operations (drain capped below queue size) wait for the
	// next window.
	if m.queue.Len() > 0 {
		window := m.cfg.BatchTimeout
		nextTrigger := "timeout"
		if m.hasCritical {
			window = m.criticalDelay
			nextTrigger = "critical"
		}
		m.scheduleLocked(window, nextTrigger)
	}
	m.mu.Unlock()

	m.bus.Emit(event.BatchCreated, map[string]any{
		"batch_id":   b.ID,
		"operations": len(ops),
		"trigger":    trigger,
	})

	m.mu.Lock()
	b.Status = StatusQueued
	m.batchQueue = append(m.batchQueue, b)
	m.mu.Unlock()
	m.bus.Emit(event.BatchQueued, map[string]any{"batch_id": b.ID})

	m.processNext(ctx)
}

// processNext drains the batch queue one batch at a time.
func (m *Manager) processNext(ctx context.Context) {
	for {
		m.mu.Lock()
		if m.processing || len(m.batchQueue) == 0 {
			m.mu.Unlock()
			return
		}
		b := m.batchQueue[0]
		m.batchQueue = m.batchQueue[1:]
		b.Status = StatusProcessing
		b.Results = b.Results[:0]
		m.processing = true
		m.mu.Unlock()

		if err := m.limiter.Wait(ctx); err != nil {
			m.finishBatch(ctx, b, b.Operations, err)
			continue
		}

		m.bus.Emit(event.BatchStarted, map[string]any{
			"batch_id":   b.ID,
			"operations": len(b.Operations),
		})

		start := time.Now()
		failed := m.executeBatch(ctx, b)
		if m.metrics != nil {
			m.metrics.FlushDuration.Observe(time.Since(start).Seconds())
		}

		m.finishBatch(ctx, b, failed, nil)
	}
}

// executeBatch groups operations by entity type and runs each group's
// delete, create, and update sub-phases in that fixed order. Deletes go
// first so later phases never act on stale references. Returns the
// operations that failed.
func (m *Manager) executeBatch(ctx context.Context, b *Batch) []*operation.Operation {
	groups, order := groupByEntityType(b.Operations)

	var failed []*operation.Operation

	for _, entityType := range order {
		groupOps := groups[entityType]
		phases := [][]*operation.Operation{
			filterByType(groupOps, operation.TypeDelete),
			filterByType(groupOps, operation.TypeCreate),
			filterByType(groupOps, operation.TypeUpdate),
		}

		groupFailed := false
		var groupErr error
		for _, phase := range phases {
			if len(phase) == 0 {
				continue
			}
			if groupFailed {
				failed = append(failed, phase...)
				m.recordResults(b, phase, groupErr)
				continue
			}

			// Cluster same-entity operations so they commit adjacently.
			ordered := flatten(m.batcher.GroupRelated(phase))
			if err := m.txn.ExecuteTransaction(ctx, ordered); err != nil {
				groupFailed = true
				groupErr = err
				failed = append(failed, phase...)
				m.recordResults(b, phase, err)
				m.logger.Error("entity group failed in batch",
					"batch_id", b.ID, "entity_type", entityType, "error", err)
				continue
			}
			m.recordResults(b, phase, nil)
		}
	}
	return failed
}

// finishBatch settles a processed batch: completed, retried with its
// failed operations, or failed for good.
func (m *Manager) finishBatch(ctx context.Context, b *Batch, failed []*operation.Operation, execErr error) {
	m.mu.Lock()
	m.processing = false

	if len(failed) == 0 && execErr == nil {
		b.Status = StatusCompleted
		m.stats.BatchesCompleted++
		m.mu.Unlock()
		m.bus.Emit(event.BatchCompleted, map[string]any{
			"batch_id": b.ID,
			"results":  len(b.Results),
		})
		return
	}

	if b.RetryCount < b.MaxRetries {
		b.RetryCount++
		if len(failed) > 0 {
			b.Operations = failed
		}
		b.Status = StatusQueued
		m.batchQueue = append(m.batchQueue, b)
		retryCount := b.RetryCount
		m.mu.Unlock()
		m.bus.Emit(event.BatchRetry, map[string]any{
			"batch_id":   b.ID,
			"retry":      retryCount,
			"operations": len(failed),
		})
		return
	}

	b.Status = StatusFailed
	m.stats.BatchesFailed++
	m.mu.Unlock()
	m.bus.Emit(event.BatchFailed, map[string]any{
		"batch_id": b.ID,
		"results":  len(b.Results),
	})
}

// Cancel cancels a queued batch. Processing and settled batches cannot be
// cancelled.
func (m *Manager) Cancel(batchID string) error {
	m.mu.Lock()

	b, ok := m.batches[batchID]
	if !ok {
		m.mu.Unlock()
		return errors.ErrBatchNotFound
	}
	if b.Status != StatusQueued {
		m.mu.Unlock()
		return errors.ErrBatchNotQueued
	}

	for i, queued := range m.batchQueue {
		if queued.ID == batchID {
			m.batchQueue = append(m.batchQueue[:i], m.batchQueue[i+1:]...)
			break
		}
	}
	b.Status = StatusCancelled
	m.stats.BatchesCancelled++
	m.mu.Unlock()

	m.bus.Emit(event.BatchCancelled, map[string]any{"batch_id": batchID})
	return nil
}

// GetBatch returns a snapshot of one batch.
func (m *Manager) GetBatch(batchID string) (Batch, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.batches[batchID]
	if !ok {
		return Batch{}, false
	}
	snapshot := *b
	snapshot.Operations = append([]*operation.Operation(nil), b.Operations...)
	snapshot.Results = append([]Result(nil), b.Results...)
	return snapshot, true
}

// PendingCount returns the number of operations awaiting a flush.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.Len()
}

// GetStatistics returns a snapshot of manager counters.
func (m *Manager) GetStatistics() Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.stats
	stats.PendingOperations = m.queue.Len()
	stats.QueuedBatches = len(m.batchQueue)
	stats.Processing = m.processing
	return stats
}

// Reset clears all queue and batch state and drops event handlers. Only
// safe to call when no batch is processing.
func (m *Manager) Reset() {
	m.mu.Lock()
	if m.flushTimer != nil {
		m.flushTimer.Stop()
		m.flushTimer = nil
	}
	m.queue.Clear()
	m.byKey = make(map[string]*operation.Operation)
	m.fingerprints = make(map[string]string)
	m.opFingerprint = make(map[*operation.Operation]string)
	m.batchQueue = nil
	m.batches = make(map[string]*Batch)
	m.batcher.Reset()
	m.hasCritical = false
	m.processing = false
	m.stats = Statistics{}
	m.mu.Unlock()

	m.bus.Reset()
}

func (m *Manager) recordResults(b *Batch, ops []*operation.Operation, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, op := range ops {
		r := Result{OperationID: op.ID, EntityType: op.EntityType, Success: err == nil}
		if err != nil {
			r.Error = err.Error()
		}
		b.Results = append(b.Results, r)
	}
}

// queueHasCriticalLocked rechecks the critical flag after a drain.
func (m *Manager) queueHasCriticalLocked() bool {
	if top, ok := m.queue.Peek(); ok {
		return top.Priority == operation.PriorityCritical
	}
	return false
}

func groupByEntityType(ops []*operation.Operation) (map[string][]*operation.Operation, []string) {
	groups := make(map[string][]*operation.Operation)
	var order []string
	for _, op := range ops {
		if _, seen := groups[op.EntityType]; !seen {
			order = append(order, op.EntityType)
		}
		groups[op.EntityType] = append(groups[op.EntityType], op)
	}
	return groups, order
}

func filterByType(ops []*operation.Operation, t operation.Type) []*operation.Operation {
	var out []*operation.Operation
	for _, op := range ops {
		if op.Type == t {
			out = append(out, op)
		}
	}
	return out
}

func flatten(groups [][]*operation.Operation) []*operation.Operation {
	var out []*operation.Operation
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}
