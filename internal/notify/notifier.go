// Package notify fans execution events out to the event log, the realtime
// hub and outbound webhooks.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/flowpilot/internal/store"
	"github.com/rendis/flowpilot/pkg/schema"
)

// Notifier receives every emitted event. Notify must not block the caller for
// long and never fails the emitting operation.
type Notifier interface {
	Notify(ctx context.Context, event schema.Event)
}

// Func adapts a function to a Notifier.
type Func func(ctx context.Context, event schema.Event)

// Notify calls f.
func (f Func) Notify(ctx context.Context, event schema.Event) { f(ctx, event) }

// Nop discards events.
type Nop struct{}

// Notify does nothing.
func (Nop) Notify(context.Context, schema.Event) {}

// Multi delivers each event to every notifier in order.
type Multi []Notifier

// Notify forwards event to each notifier.
func (m Multi) Notify(ctx context.Context, event schema.Event) {
	for _, n := range m {
		if n != nil {
			n.Notify(ctx, event)
		}
	}
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []schema.Event
}

// Notify appends event.
func (r *Recorder) Notify(_ context.Context, event schema.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []schema.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]schema.Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types returns the recorded event types in emission order.
func (r *Recorder) Types() []schema.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]schema.EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

// EventAppender is the slice of the store used by StoreNotifier.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// StoreNotifier appends every event to the execution event log. Append
// failures are logged.
type StoreNotifier struct {
	appender EventAppender
	logger   *slog.Logger
}

// NewStoreNotifier creates a StoreNotifier.
func NewStoreNotifier(appender EventAppender, logger *slog.Logger) *StoreNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreNotifier{appender: appender, logger: logger}
}

// Notify persists event.
func (n *StoreNotifier) Notify(ctx context.Context, event schema.Event) {
	var payload json.RawMessage
	if len(event.Payload) > 0 {
		b, err := json.Marshal(event.Payload)
		if err != nil {
			n.logger.WarnContext(ctx, "event payload not serializable", "type", event.Type, "error", err)
		} else {
			payload = b
		}
	}
	err := n.appender.AppendEvent(context.WithoutCancel(ctx), &store.Event{
		ExecutionID: event.ExecutionID,
		NodeID:      event.NodeID,
		Type:        event.Type,
		Payload:     payload,
		Timestamp:   event.Timestamp,
	})
	if err != nil {
		n.logger.ErrorContext(ctx, "append event failed", "type", event.Type, "error", err)
	}
}

// Async delivers events to the wrapped notifier on a single background
// goroutine, preserving order. Events beyond the queue capacity are dropped.
type Async struct {
	next   Notifier
	queue  chan asyncEvent
	done   chan struct{}
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

type asyncEvent struct {
	ctx   context.Context
	event schema.Event
}

// NewAsync starts the delivery goroutine. Close stops it after draining.
func NewAsync(next Notifier, capacity int, logger *slog.Logger) *Async {
	if capacity <= 0 {
		capacity = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Async{
		next:   next,
		queue:  make(chan asyncEvent, capacity),
		done:   make(chan struct{}),
		logger: logger,
	}
	go a.loop()
	return a
}

// Notify enqueues event without blocking.
func (a *Async) Notify(ctx context.Context, event schema.Event) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.queue <- asyncEvent{ctx: context.WithoutCancel(ctx), event: event}:
	default:
		a.logger.WarnContext(ctx, "event queue full, dropping event", "type", event.Type)
	}
}

// Close stops accepting events and waits until the queue is drained or ctx
// expires.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Async) loop() {
	defer close(a.done)
	for item := range a.queue {
		a.next.Notify(item.ctx, item.event)
	}
}

// Stamp fills the event timestamp when unset.
func Stamp(event schema.Event) schema.Event {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	return event
}
