// Package event provides the typed event bus used by every statesync
// manager. Consumers subscribe per event type and receive synchronous,
// in-process delivery; subscriptions are identified by opaque tokens so
// handlers cannot leak across manager resets.
//
// When constructed with a NATS connection, the bus additionally mirrors
// each event as JSON to "statesync.events.<type>" for remote observability.
// A nil connection disables the mirror; in-process delivery always works.
package event

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Type identifies an event on the bus.
type Type string

// Event types emitted by the pipeline.
const (
	UpdateStart    Type = "update:start"
	UpdateSuccess  Type = "update:success"
	UpdateFailed   Type = "update:failed"
	UpdateRetry    Type = "update:retry"
	UpdateRollback Type = "update:rollback"

	BatchCreated   Type = "batch:created"
	BatchQueued    Type = "batch:queued"
	BatchStarted   Type = "batch:started"
	BatchCompleted Type = "batch:completed"
	BatchFailed    Type = "batch:failed"
	BatchRetry     Type = "batch:retry"
	BatchCancelled Type = "batch:cancelled"

	RecoveryStarted   Type = "recovery:started"
	RecoveryCompleted Type = "recovery:completed"
	RecoveryFailed    Type = "recovery:failed"
	RecoveryCancelled Type = "recovery:cancelled"

	TaskStarted   Type = "task:started"
	TaskCompleted Type = "task:completed"
	TaskFailed    Type = "task:failed"
	TaskSkipped   Type = "task:skipped"

	RollbackCompleted Type = "rollback:completed"
	RollbackFailed    Type = "rollback:failed"
)

// Event is one notification on the bus. Payload contents are owned by the
// emitting manager and must be treated as a read-only snapshot.
type Event struct {
	Type      Type           `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Handler processes one event. Handlers run synchronously on the
// publishing goroutine and must not block.
type Handler func(Event)

// Subscription is the token returned by Subscribe. Pass it to Unsubscribe
// to remove the handler.
type Subscription struct {
	eventType Type
	token     string
}

// Bus is a typed publish/subscribe hub for one manager.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type]map[string]Handler

	nc      *nats.Conn
	subject string
	logger  *slog.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithNATSConn enables mirroring of published events to NATS. A nil
// connection leaves mirroring disabled.
func WithNATSConn(nc *nats.Conn) Option {
	return func(b *Bus) {
		b.nc = nc
	}
}

// WithLogger sets the logger used for mirror failures.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

// NewBus creates an event bus. name scopes the NATS mirror subject
// ("statesync.events.<name>.<type>").
func NewBus(name string, opts ...Option) *Bus {
	b := &Bus{
		handlers: make(map[Type]map[string]Handler),
		subject:  "statesync.events." + name,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a handler for one event type and returns its token.
func (b *Bus) Subscribe(t Type, h Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.handlers[t] == nil {
		b.handlers[t] = make(map[string]Handler)
	}
	token := uuid.NewString()
	b.handlers[t][token] = h
	return Subscription{eventType: t, token: token}
}

// Unsubscribe removes a handler. Unknown tokens are a no-op.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if hs := b.handlers[sub.eventType]; hs != nil {
		delete(hs, sub.token)
	}
}

// Publish delivers an event to all subscribed handlers synchronously and
// mirrors it to NATS when a connection was provided. The timestamp is
// stamped here if the caller left it zero.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	hs := make([]Handler, 0, len(b.handlers[evt.Type]))
	for _, h := range b.handlers[evt.Type] {
		hs = append(hs, h)
	}
	nc := b.nc
	b.mu.RUnlock()

	for _, h := range hs {
		h(evt)
	}

	if nc == nil {
		return
	}
	data, err := json.Marshal(evt)
	if err != nil {
		b.logger.Error("failed to marshal event for NATS mirror", "type", evt.Type, "error", err)
		return
	}
	// "update:start" becomes subject tokens "update.start".
	subject := fmt.Sprintf("%s.%s", b.subject, strings.ReplaceAll(string(evt.Type), ":", "."))
	if err := nc.Publish(subject, data); err != nil {
		b.logger.Error("failed to mirror event to NATS", "subject", subject, "error", err)
	}
}

// Emit is shorthand for publishing a typed event with a payload.
func (b *Bus) Emit(t Type, payload map[string]any) {
	b.Publish(Event{Type: t, Payload: payload})
}

// Reset drops every registered handler. Outstanding Subscription tokens
// become inert.
func (b *Bus) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[Type]map[string]Handler)
}

// HandlerCount returns the number of handlers registered for a type.
func (b *Bus) HandlerCount(t Type) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[t])
}
