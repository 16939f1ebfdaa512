package batch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/statesync/config"
	"github.com/c360/statesync/errors"
	"github.com/c360/statesync/event"
	"github.com/c360/statesync/operation"
	"github.com/c360/statesync/transaction"
)

func testConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.BatchTimeout = time.Hour // triggers under test, not the clock
	cfg.MaxRetries = 0
	return cfg
}

func newTestManager(t *testing.T, cfg config.Config, exec transaction.Executor) *Manager {
	t.Helper()
	txn := transaction.NewManager(cfg, exec)
	m := NewManager(cfg, txn)
	t.Cleanup(m.Reset)
	return m
}

func createOp(entityType, id string, data map[string]any) *operation.Operation {
	return &operation.Operation{
		ID:         "create-" + entityType + "-" + id,
		Type:       operation.TypeCreate,
		EntityType: entityType,
		EntityID:   id,
		Data:       data,
		Priority:   operation.PriorityNormal,
	}
}

func updateOp(id, entityType, entityID string, data map[string]any) *operation.Operation {
	return &operation.Operation{
		ID:         id,
		Type:       operation.TypeUpdate,
		EntityType: entityType,
		EntityID:   entityID,
		Data:       data,
		Priority:   operation.PriorityNormal,
	}
}

func TestAddMergesSimilarUpdates(t *testing.T) {
	exec := transaction.NewMemoryExecutor()
	m := newTestManager(t, testConfig(), exec)

	_, err := m.Add(createOp("user", "1", map[string]any{"id": "1"}))
	require.NoError(t, err)

	first, err := m.Add(updateOp("u1", "user", "1", map[string]any{"name": "A"}))
	require.NoError(t, err)
	second, err := m.Add(updateOp("u2", "user", "1", map[string]any{"email": "a@x.com"}))
	require.NoError(t, err)

	assert.Equal(t, first, second, "second update should merge into the first")
	assert.Equal(t, 2, m.PendingCount())
	assert.Equal(t, 1, m.GetStatistics().OperationsMerged)

	m.Flush(context.Background())

	entity, ok := exec.Get("user", "1")
	require.True(t, ok)
	assert.Equal(t, "A", entity["name"])
	assert.Equal(t, "a@x.com", entity["email"])
}

func TestAddMergeIsIdempotentForRepeatedData(t *testing.T) {
	exec := transaction.NewMemoryExecutor()
	m := newTestManager(t, testConfig(), exec)

	_, err := m.Add(updateOp("u1", "user", "1", map[string]any{"name": "A"}))
	require.NoError(t, err)
	// Re-adding the same data merges to an identical pending operation.
	_, err = m.Add(updateOp("u2", "user", "1", map[string]any{"name": "A"}))
	require.NoError(t, err)
	_, err = m.Add(updateOp("u3", "user", "1", map[string]any{"name": "A"}))
	require.NoError(t, err)

	assert.Equal(t, 1, m.PendingCount())
}

func TestAddDeduplicatesIdenticalOperations(t *testing.T) {
	exec := transaction.NewMemoryExecutor()
	cfg := testConfig()
	cfg.MergeSimilar = false
	m := newTestManager(t, cfg, exec)

	op := createOp("user", "1", map[string]any{"name": "A"})
	first, err := m.Add(op)
	require.NoError(t, err)

	dup := createOp("user", "1", map[string]any{"name": "A"})
	dup.ID = "different-id"
	second, err := m.Add(dup)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, m.PendingCount())
	assert.Equal(t, 1, m.GetStatistics().OperationsDropped)
}

func TestAddRejectsInvalidOperation(t *testing.T) {
	m := newTestManager(t, testConfig(), transaction.NewMemoryExecutor())

	_, err := m.Add(&operation.Operation{ID: "x", Type: "bogus", EntityType: "user"})
	require.Error(t, err)
	assert.Equal(t, 0, m.PendingCount())
}

func TestSizeTriggerFlushesImmediately(t *testing.T) {
	exec := transaction.NewMemoryExecutor()
	cfg := testConfig()
	cfg.MaxBatchSize = 3
	m := newTestManager(t, cfg, exec)

	for _, id := range []string{"1", "2", "3"} {
		_, err := m.Add(createOp("user", id, map[string]any{"id": id}))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return exec.Count("user") == 3
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, m.PendingCount())
}

func TestCriticalPriorityCollapsesWindow(t *testing.T) {
	exec := transaction.NewMemoryExecutor()
	cfg := testConfig()
	txn := transaction.NewManager(cfg, exec)
	m := NewManager(cfg, txn, WithCriticalDelay(10*time.Millisecond))
	t.Cleanup(m.Reset)

	_, err := m.Add(createOp("user", "1", map[string]any{"id": "1"}))
	require.NoError(t, err)

	critical := createOp("user", "2", map[string]any{"id": "2"})
	critical.Priority = operation.PriorityCritical
	_, err = m.Add(critical)
	require.NoError(t, err)

	// Without the collapse the window is an hour.
	require.Eventually(t, func() bool {
		return exec.Count("user") == 2
	}, 2*time.Second, 5*time.Millisecond)
}

// orderExecutor records the sequence of executed operations.
type orderExecutor struct {
	mu    sync.Mutex
	order []string
	fail  func(op *operation.Operation) error
	gate  chan struct{}
}

func (e *orderExecutor) CaptureState(context.Context, *operation.Operation) (any, error) {
	return nil, nil
}

func (e *orderExecutor) Execute(_ context.Context, op *operation.Operation) error {
	if e.gate != nil {
		<-e.gate
	}
	e.mu.Lock()
	e.order = append(e.order, string(op.Type)+":"+op.ID)
	e.mu.Unlock()
	if e.fail != nil {
		return e.fail(op)
	}
	return nil
}

func (e *orderExecutor) Restore(context.Context, *operation.Operation, any) error {
	return nil
}

func (e *orderExecutor) executed() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.order...)
}

func TestDeletesRunBeforeCreatesAndUpdates(t *testing.T) {
	exec := &orderExecutor{}
	m := newTestManager(t, testConfig(), exec)

	_, err := m.Add(updateOp("upd", "user", "a", map[string]any{"name": "A"}))
	require.NoError(t, err)
	_, err = m.Add(createOp("user", "b", map[string]any{"id": "b"}))
	require.NoError(t, err)
	_, err = m.Add(&operation.Operation{
		ID: "del", Type: operation.TypeDelete, EntityType: "user", EntityID: "c",
	})
	require.NoError(t, err)

	m.Flush(context.Background())

	assert.Equal(t, []string{"delete:del", "create:create-user-b", "update:upd"}, exec.executed())
}

func TestGroupFailureIsolation(t *testing.T) {
	exec := &orderExecutor{
		fail: func(op *operation.Operation) error {
			if op.EntityType == "bad" {
				return errors.New(errors.TypeValidation, "rejected")
			}
			return nil
		},
	}
	m := newTestManager(t, testConfig(), exec)

	_, err := m.Add(createOp("good", "1", map[string]any{"id": "1"}))
	require.NoError(t, err)
	badID, err := m.Add(createOp("bad", "1", map[string]any{"id": "1"}))
	require.NoError(t, err)
	_, err = m.Add(createOp("other", "1", map[string]any{"id": "1"}))
	require.NoError(t, err)

	var failedBatch string
	m.Events().Subscribe(event.BatchFailed, func(evt event.Event) {
		failedBatch, _ = evt.Payload["batch_id"].(string)
	})

	m.Flush(context.Background())

	require.NotEmpty(t, failedBatch, "batch with a failed group should fail")
	b, ok := m.GetBatch(failedBatch)
	require.True(t, ok)
	assert.Equal(t, StatusFailed, b.Status)

	byOp := make(map[string]Result)
	for _, r := range b.Results {
		byOp[r.OperationID] = r
	}
	assert.False(t, byOp[badID].Success)
	assert.NotEmpty(t, byOp[badID].Error)
	assert.True(t, byOp["create-good-1"].Success, "good group must commit despite bad group")
	assert.True(t, byOp["create-other-1"].Success)
}

func TestBatchRetryRequeuesFailedOperations(t *testing.T) {
	var attempts int
	var mu sync.Mutex
	exec := &orderExecutor{
		fail: func(op *operation.Operation) error {
			if op.EntityType != "flaky" {
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			attempts++
			if attempts == 1 {
				return errors.New(errors.TypeValidation, "transient store rejection")
			}
			return nil
		},
	}
	cfg := testConfig()
	cfg.MaxRetries = 2
	m := newTestManager(t, cfg, exec)

	var retries, completions int
	var batchID string
	m.Events().Subscribe(event.BatchRetry, func(event.Event) { retries++ })
	m.Events().Subscribe(event.BatchCompleted, func(evt event.Event) {
		completions++
		batchID, _ = evt.Payload["batch_id"].(string)
	})

	_, err := m.Add(createOp("flaky", "1", map[string]any{"id": "1"}))
	require.NoError(t, err)

	m.Flush(context.Background())

	assert.Equal(t, 1, retries)
	assert.Equal(t, 1, completions)
	mu.Lock()
	assert.Equal(t, 2, attempts)
	mu.Unlock()

	// Results hold only the final attempt; the failed first pass is gone.
	snap, ok := m.GetBatch(batchID)
	require.True(t, ok)
	require.Len(t, snap.Results, 1)
	assert.True(t, snap.Results[0].Success)
}

func TestGetBatchSnapshotWhileProcessing(t *testing.T) {
	gate := make(chan struct{})
	exec := &orderExecutor{gate: gate}
	m := newTestManager(t, testConfig(), exec)

	var mu sync.Mutex
	var batchID string
	m.Events().Subscribe(event.BatchQueued, func(evt event.Event) {
		mu.Lock()
		defer mu.Unlock()
		batchID, _ = evt.Payload["batch_id"].(string)
	})

	_, err := m.Add(createOp("user", "1", map[string]any{"id": "1"}))
	require.NoError(t, err)
	done := make(chan struct{})
	go func() {
		m.Flush(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool {
		return m.GetStatistics().Processing
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	id := batchID
	mu.Unlock()
	require.NotEmpty(t, id)

	// Reading the batch mid-execution must yield a consistent snapshot:
	// processing status, no results recorded yet.
	snap, ok := m.GetBatch(id)
	require.True(t, ok)
	assert.Equal(t, StatusProcessing, snap.Status)
	assert.Empty(t, snap.Results)

	close(gate)
	<-done

	snap, ok = m.GetBatch(id)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, snap.Status)
	assert.Len(t, snap.Results, 1)
}

func TestBatchFailsAfterRetriesExhausted(t *testing.T) {
	exec := &orderExecutor{
		fail: func(*operation.Operation) error {
			return errors.New(errors.TypeValidation, "always rejected")
		},
	}
	cfg := testConfig()
	cfg.MaxRetries = 1
	m := newTestManager(t, cfg, exec)

	var retries, failures int
	m.Events().Subscribe(event.BatchRetry, func(event.Event) { retries++ })
	m.Events().Subscribe(event.BatchFailed, func(event.Event) { failures++ })

	_, err := m.Add(createOp("user", "1", map[string]any{"id": "1"}))
	require.NoError(t, err)

	m.Flush(context.Background())

	assert.Equal(t, 1, retries)
	assert.Equal(t, 1, failures)
	assert.Equal(t, 1, m.GetStatistics().BatchesFailed)
}

func TestCancelQueuedBatch(t *testing.T) {
	gate := make(chan struct{})
	exec := &orderExecutor{gate: gate}
	m := newTestManager(t, testConfig(), exec)

	var mu sync.Mutex
	var queued []string
	m.Events().Subscribe(event.BatchQueued, func(evt event.Event) {
		mu.Lock()
		defer mu.Unlock()
		if id, ok := evt.Payload["batch_id"].(string); ok {
			queued = append(queued, id)
		}
	})
	var cancelled string
	m.Events().Subscribe(event.BatchCancelled, func(evt event.Event) {
		cancelled, _ = evt.Payload["batch_id"].(string)
	})

	_, err := m.Add(createOp("user", "1", map[string]any{"id": "1"}))
	require.NoError(t, err)
	done := make(chan struct{})
	go func() {
		m.Flush(context.Background())
		close(done)
	}()

	// Wait for the first batch to start processing, then queue a second
	// behind it.
	require.Eventually(t, func() bool {
		return m.GetStatistics().Processing
	}, 2*time.Second, 5*time.Millisecond)

	_, err = m.Add(createOp("user", "2", map[string]any{"id": "2"}))
	require.NoError(t, err)
	go m.Flush(context.Background())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(queued) == 2
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	secondID := queued[1]
	mu.Unlock()
	require.NoError(t, m.Cancel(secondID))
	assert.Equal(t, secondID, cancelled)

	close(gate)
	<-done

	require.Eventually(t, func() bool {
		return !m.GetStatistics().Processing
	}, 2*time.Second, 5*time.Millisecond)

	b, ok := m.GetBatch(secondID)
	require.True(t, ok)
	assert.Equal(t, StatusCancelled, b.Status)
	assert.NotContains(t, exec.executed(), "create:create-user-2")
}

func TestCancelErrors(t *testing.T) {
	exec := transaction.NewMemoryExecutor()
	m := newTestManager(t, testConfig(), exec)

	assert.ErrorIs(t, m.Cancel("missing"), errors.ErrBatchNotFound)

	id := mustFlushOne(t, m)
	assert.ErrorIs(t, m.Cancel(id), errors.ErrBatchNotQueued)
}

// mustFlushOne adds one operation, flushes, and returns the settled
// batch id.
func mustFlushOne(t *testing.T, m *Manager) string {
	t.Helper()
	var id string
	sub := m.Events().Subscribe(event.BatchCompleted, func(evt event.Event) {
		id, _ = evt.Payload["batch_id"].(string)
	})
	defer m.Events().Unsubscribe(sub)

	_, err := m.Add(createOp("user", "settled", map[string]any{"id": "settled"}))
	require.NoError(t, err)
	m.Flush(context.Background())
	require.NotEmpty(t, id)
	return id
}

func TestResetClearsState(t *testing.T) {
	exec := transaction.NewMemoryExecutor()
	m := newTestManager(t, testConfig(), exec)

	_, err := m.Add(createOp("user", "1", map[string]any{"id": "1"}))
	require.NoError(t, err)
	require.Equal(t, 1, m.PendingCount())

	m.Reset()

	assert.Equal(t, 0, m.PendingCount())
	assert.Equal(t, Statistics{}, m.GetStatistics())
	// A duplicate of the pre-reset operation is accepted again.
	_, err = m.Add(createOp("user", "1", map[string]any{"id": "1"}))
	require.NoError(t, err)
	assert.Equal(t, 1, m.PendingCount())
}
