package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()

	assert.Equal(t, "", ExecutionID(ctx))
	assert.Equal(t, "", WorkflowID(ctx))
	assert.Equal(t, "", NodeID(ctx))

	ctx = WithIDs(ctx, "exec-1", "wf-123")
	ctx = WithNodeID(ctx, "csv")

	assert.Equal(t, "exec-1", ExecutionID(ctx))
	assert.Equal(t, "wf-123", WorkflowID(ctx))
	assert.Equal(t, "csv", NodeID(ctx))
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx := WithNodeID(WithIDs(context.Background(), "exec-abc", "wf-x"), "http-1")
	LogWith(ctx, logger).Info("test message")

	output := buf.String()
	assert.Contains(t, output, "execution_id=exec-abc")
	assert.Contains(t, output, "workflow_id=wf-x")
	assert.Contains(t, output, "node_id=http-1")
	assert.Contains(t, output, "test message")
}

func TestLogWithMissingKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	ctx := WithExecutionID(context.Background(), "exec-only")
	LogWith(ctx, logger).Info("partial context")

	output := buf.String()
	assert.Contains(t, output, "execution_id=exec-only")
	assert.NotContains(t, output, "node_id")
	assert.NotContains(t, output, "workflow_id")
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := WithNodeID(WithExecutionID(context.Background(), "exec-9"), "delay")
	logger.With("component", "engine").InfoContext(ctx, "node started")

	output := buf.String()
	assert.Contains(t, output, `"execution_id":"exec-9"`)
	assert.Contains(t, output, `"node_id":"delay"`)
	assert.Contains(t, output, `"component":"engine"`)
}

func TestNew_Formats(t *testing.T) {
	var text bytes.Buffer
	New(&text, Options{Level: "debug"}).Debug("hello", "k", "v")
	assert.Contains(t, text.String(), "hello")
	assert.NotContains(t, text.String(), "\x1b[", "non-terminal writers get no colour")

	var js bytes.Buffer
	New(&js, Options{Format: "json", Level: "warn"}).Info("dropped")
	New(&js, Options{Format: "json", Level: "warn"}).Warn("kept")
	assert.NotContains(t, js.String(), "dropped")
	assert.Contains(t, js.String(), `"msg":"kept"`)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
}

func TestNew_LevelVar(t *testing.T) {
	var buf bytes.Buffer
	lv := new(slog.LevelVar)
	lv.Set(slog.LevelWarn)
	logger := New(&buf, Options{Format: "json", Level: "debug", LevelVar: lv})

	logger.Info("before")
	lv.Set(slog.LevelInfo)
	logger.Info("after")

	assert.NotContains(t, buf.String(), "before")
	assert.Contains(t, buf.String(), `"msg":"after"`)
}
