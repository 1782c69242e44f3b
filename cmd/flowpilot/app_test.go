package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowpilot/internal/store"
	"github.com/rendis/flowpilot/pkg/schema"
)

func TestApp_WebhooksDeliveredFromQueue(t *testing.T) {
	isolate(t)

	var (
		mu       sync.Mutex
		received []schema.EventType
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev schema.Event
		_ = json.NewDecoder(r.Body).Decode(&ev)
		mu.Lock()
		received = append(received, ev.Type)
		mu.Unlock()
	}))
	defer srv.Close()

	cfg, err := loadConfig()
	require.NoError(t, err)
	ctx := context.Background()
	a, err := newApp(ctx, cfg, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	require.NoError(t, a.store.CreateWebhook(ctx, &store.WebhookSubscription{
		ID:         "hook-1",
		URL:        srv.URL,
		Active:     true,
		EventTypes: []schema.EventType{schema.EventExecutionCompleted},
	}))

	wf, err := loadWorkflowFile(leadRouting)
	require.NoError(t, err)
	res, err := a.executor.Run(ctx, &wf.Definition, wf.ID, map[string]any{"name": "Ada", "score": 80})
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionCompleted, res.Status)

	// Close drains the webhook queue and waits for the delivery.
	require.NoError(t, a.Close(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []schema.EventType{schema.EventExecutionCompleted}, received)
}
