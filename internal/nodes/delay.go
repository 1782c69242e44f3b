package nodes

import (
	"context"
	"time"

	"github.com/rendis/flowpilot/pkg/schema"
)

// DelayExecutor waits durationMs and passes its input through.
type DelayExecutor struct {
	sleep func(ctx context.Context, d time.Duration) error
}

func (e *DelayExecutor) Type() schema.NodeType { return schema.NodeTypeDelay }

func (e *DelayExecutor) Execute(ctx context.Context, req Request) (any, error) {
	cfg, err := configAs[*schema.DelayConfig](req)
	if err != nil {
		return nil, err
	}
	if cfg.DurationMs < 0 {
		return nil, schema.NewNodeError(schema.KindValidation, "delay: negative duration %dms", cfg.DurationMs)
	}

	sleep := e.sleep
	if sleep == nil {
		sleep = sleepContext
	}
	if err := sleep(ctx, time.Duration(cfg.DurationMs)*time.Millisecond); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, schema.NewNodeError(schema.KindTimeout, "delay: interrupted by timeout").WithCause(err)
		}
		return nil, err
	}
	return req.Input, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
