package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowpilot/internal/store"
	"github.com/rendis/flowpilot/internal/streaming"
	"github.com/rendis/flowpilot/pkg/schema"
)

type fakeAppender struct {
	mu     sync.Mutex
	events []*store.Event
	err    error
}

func (f *fakeAppender) AppendEvent(_ context.Context, e *store.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, e)
	return nil
}

func TestMultiAndRecorder(t *testing.T) {
	r1, r2 := &Recorder{}, &Recorder{}
	m := Multi{r1, nil, r2, Nop{}}

	m.Notify(context.Background(), schema.Event{Type: schema.EventExecutionStarted})
	m.Notify(context.Background(), schema.Event{Type: schema.EventExecutionCompleted})

	want := []schema.EventType{schema.EventExecutionStarted, schema.EventExecutionCompleted}
	assert.Equal(t, want, r1.Types())
	assert.Equal(t, want, r2.Types())
	assert.Len(t, r1.Events(), 2)
}

func TestStoreNotifier(t *testing.T) {
	app := &fakeAppender{}
	n := NewStoreNotifier(app, nil)

	n.Notify(context.Background(), schema.Event{
		Type:        schema.EventNodeFailed,
		ExecutionID: "exec-1",
		NodeID:      "http-1",
		Payload:     map[string]any{"error": "boom"},
	})

	require.Len(t, app.events, 1)
	got := app.events[0]
	assert.Equal(t, schema.EventNodeFailed, got.Type)
	assert.Equal(t, "http-1", got.NodeID)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(got.Payload, &payload))
	assert.Equal(t, "boom", payload["error"])
}

func TestStoreNotifier_SwallowsErrors(t *testing.T) {
	n := NewStoreNotifier(&fakeAppender{err: errors.New("disk full")}, nil)
	assert.NotPanics(t, func() {
		n.Notify(context.Background(), schema.Event{Type: schema.EventNodeStarted})
	})
}

func TestAsync_PreservesOrder(t *testing.T) {
	rec := &Recorder{}
	a := NewAsync(rec, 16, nil)

	for _, typ := range []schema.EventType{schema.EventNodeStarted, schema.EventNodeRetry, schema.EventNodeCompleted} {
		a.Notify(context.Background(), schema.Event{Type: typ})
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, a.Close(ctx))

	assert.Equal(t, []schema.EventType{schema.EventNodeStarted, schema.EventNodeRetry, schema.EventNodeCompleted}, rec.Types())

	// Notify after Close is a no-op.
	a.Notify(context.Background(), schema.Event{Type: schema.EventNodeFailed})
	assert.Len(t, rec.Events(), 3)
}

func TestHubNotifier(t *testing.T) {
	hub := streaming.NewMemoryHub()
	ch, cancel, err := hub.Subscribe(context.Background(), streaming.EventFilter{ExecutionID: "exec-1"})
	require.NoError(t, err)
	defer cancel()

	NewHubNotifier(hub, nil).Notify(context.Background(), schema.Event{Type: schema.EventNodeStarted, ExecutionID: "exec-1"})

	select {
	case evt := <-ch:
		assert.Equal(t, schema.EventNodeStarted, evt.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestStamp(t *testing.T) {
	e := Stamp(schema.Event{})
	assert.False(t, e.Timestamp.IsZero())

	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, fixed, Stamp(schema.Event{Timestamp: fixed}).Timestamp)
}
