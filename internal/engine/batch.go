package engine

import (
	"context"
	"time"

	"github.com/rendis/flowpilot/internal/logging"
	"github.com/rendis/flowpilot/internal/nodes"
	"github.com/rendis/flowpilot/pkg/schema"
)

// runBatch fans a batch-aware node out over records on a bounded pool. Each
// record is retried on its own; the node fails only when every record does.
// It returns the aggregated result and the highest attempt count.
func (e *executorImpl) runBatch(ctx context.Context, w *walk, node *schema.Node, exec nodes.Executor,
	cfg schema.NodeConfig, records []map[string]any) (any, int, error) {
	result := &schema.BatchResult{Results: make([]schema.BatchEntry, len(records))}
	attempts := make([]int, len(records))
	errs := make([]error, len(records))

	metrics, err := RunIndexed(ctx, e.config.BatchConcurrency, len(records), func(ctx context.Context, i int) error {
		scope := w.scope.WithRecord(records[i], i)
		obs := &recordRetryObserver{e: e, w: w, nodeID: node.ID, index: i}
		out, n, err := e.invokeWithRetry(ctx, w, node, exec, cfg, records[i], scope, i, obs)

		attempts[i] = n
		entry := schema.BatchEntry{Index: i, Record: records[i]}
		if err != nil {
			entry.Error = err.Error()
			errs[i] = err
		} else {
			entry.Output = out
		}
		result.Results[i] = entry
		return err
	})
	if err != nil {
		return nil, maxInt(attempts), err
	}

	var first error
	for i := range result.Results {
		if errs[i] != nil {
			result.FailedCount++
			if first == nil {
				first = errs[i]
			}
			continue
		}
		result.SuccessCount++
	}

	logging.LogWith(ctx, e.logger).Debug("batch finished",
		"records", len(records), "succeeded", result.SuccessCount, "failed", result.FailedCount,
		"panics", metrics.Panics)

	if len(records) > 0 && result.SuccessCount == 0 {
		return nil, maxInt(attempts), schema.NewNodeError(schema.KindOf(first),
			"all %d records failed, first: %v", len(records), first).WithCause(first)
	}
	return result, maxInt(attempts), nil
}

// recordRetryObserver announces the retry of one record. The node record
// stays running while its records retry.
type recordRetryObserver struct {
	e      *executorImpl
	w      *walk
	nodeID string
	index  int
}

func (o *recordRetryObserver) retrying(ctx context.Context, attempt int, err error, delay time.Duration) error {
	o.e.notifier.Notify(ctx, schema.Event{
		Type:        schema.EventNodeRetry,
		ExecutionID: o.w.ref.ExecutionID,
		WorkflowID:  o.w.ref.WorkflowID,
		NodeID:      o.nodeID,
		Payload: map[string]any{
			"index":   o.index,
			"attempt": attempt,
			"delayMs": delay.Milliseconds(),
			"error":   err.Error(),
		},
		Timestamp: time.Now().UTC(),
	})
	return nil
}

func (o *recordRetryObserver) resumed(context.Context) error { return nil }

func maxInt(vals []int) int {
	m := 0
	for _, v := range vals {
		m = max(m, v)
	}
	return m
}
