// Package statesync is the client-side state-synchronization core: it lets
// callers mutate visible state immediately while the durable write is still
// pending, and guarantees convergence to a consistent result across network
// failures, duplicate triggers, and partial batch failures.
//
// # Architecture
//
// The module is four layered subsystems plus shared infrastructure:
//
//	┌─────────────────────────────────────┐
//	│        recovery.Manager             │  validation reports →
//	│  (plans, strategies, snapshots)     │  prioritized repair plans
//	└─────────────────────────────────────┘
//	           ↓ re-enters
//	┌─────────────────────────────────────┐
//	│         batch.Manager               │  dedup, merge, priority
//	│  (PriorityQueue, SmartBatcher)      │  queue, flush triggers
//	└─────────────────────────────────────┘
//	           ↓ flushes into
//	┌─────────────────────────────────────┐
//	│       transaction.Manager           │  ordered execution,
//	│  (rollback stack, error policies)   │  LIFO rollback
//	└─────────────────────────────────────┘
//	           ↓ per-operation semantics
//	┌─────────────────────────────────────┐
//	│       optimistic.Manager            │  apply-first, retry with
//	│  (debounce, backoff, rollback)      │  backoff, roll back
//	└─────────────────────────────────────┘
//
// Shared infrastructure:
//   - operation: shared operation model (kinds, priorities, merge/dedup
//     identity)
//   - errors: sync error taxonomy with typed classification
//   - event: typed per-manager event bus with optional NATS mirroring
//   - metric: Prometheus metrics registry
//   - config: configuration surface and file loading
//   - health: pipeline health checks for readiness endpoints
//   - natsclient: reconnecting NATS connection for the event mirror
//   - pkg/retry: exponential backoff retry engine
//   - pkg/buffer: fixed-capacity rolling window
//   - pkg/timestamp: normalization of loosely typed payload timestamps
//
// # Concurrency model
//
// There is at most one in-progress transaction and at most one processing
// batch at any instant; both are guarded by explicit in-progress flags.
// Retries suspend on timed backoff delays that honor context cancellation.
// Getters return snapshots, never live references to manager-internal state.
//
// # Design Principles
//
// Explicit construction over singletons:
//   - Every manager is built with New* and injected dependencies
//   - Every manager has Reset() for test isolation
//
// Typed failures over string parsing:
//   - Execution boundaries return errors.SyncError with a Type
//   - Message-pattern classification exists only as a fallback for
//     foreign errors
//
// Nothing fails silently:
//   - Rollback failures are collected and attached to the failure event
//   - Skipped recovery tasks carry a reason
package statesync
