package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"

	"github.com/rendis/flowpilot/internal/api"
	"github.com/rendis/flowpilot/internal/engine"
	"github.com/rendis/flowpilot/internal/expressions"
	"github.com/rendis/flowpilot/internal/gate"
	"github.com/rendis/flowpilot/internal/nodes"
	"github.com/rendis/flowpilot/internal/notify"
	"github.com/rendis/flowpilot/internal/scheduler"
	"github.com/rendis/flowpilot/internal/store"
	"github.com/rendis/flowpilot/internal/streaming"
	"github.com/rendis/flowpilot/internal/validation"
	"github.com/rendis/flowpilot/internal/webhook"
	fpmcp "github.com/rendis/flowpilot/pkg/mcp"
	"github.com/rendis/flowpilot/pkg/schema"
)

// app is the wired runtime shared by every subcommand.
type app struct {
	cfg       Config
	logger    *slog.Logger
	store     *store.LibSQLStore
	validator *validation.WorkflowValidator
	hub       *streaming.MemoryHub
	executor  engine.Executor
	scheduler *scheduler.Scheduler
	webhooks  *webhook.Dispatcher
	eventLog  *notify.Async
	hooks     *notify.Async // queues events for webhooks
	mcp       *fpmcp.Server

	// mcpNotifier is set once the MCP server exists, before any execution
	// can start.
	mcpNotifier notify.Notifier
}

func newApp(ctx context.Context, cfg Config, logger *slog.Logger) (*app, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	evaluator := expressions.NewEvaluator()
	validator, err := validation.NewWorkflowValidator(evaluator)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("build validator: %w", err)
	}
	deps := providerDeps(cfg, logger)
	deps.Evaluator = evaluator
	deps.InputValidator = validator
	registry, err := nodes.DefaultRegistry(deps)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("build registry: %w", err)
	}

	a := &app{
		cfg:       cfg,
		logger:    logger,
		store:     st,
		validator: validator,
		hub:       streaming.NewMemoryHub(),
		webhooks:  webhook.NewDispatcher(st, webhook.Config{}, logger.With("component", "webhook")),
		eventLog:  notify.NewAsync(notify.NewStoreNotifier(st, logger), cfg.EventQueue, logger),
	}
	a.hooks = notify.NewAsync(a.webhooks, cfg.EventQueue, logger)

	notifier := notify.Multi{
		a.eventLog,
		notify.NewHubNotifier(a.hub, logger),
		a.hooks,
		notify.Func(a.notifyMCP),
	}
	a.executor = engine.NewExecutor(st, registry, notifier, engine.Config{
		NodeTimeout:      time.Duration(cfg.NodeTimeout),
		BatchConcurrency: cfg.BatchConcurrency,
		Validator:        validator,
		Logger:           logger.With("component", "engine"),
	})
	a.scheduler = scheduler.NewScheduler(st, a.executor, scheduler.Config{
		Interval: time.Duration(cfg.SchedulerTick),
		Logger:   logger.With("component", "scheduler"),
	})
	a.mcp = fpmcp.NewServer(fpmcp.ServerDeps{
		Executor: a.executor,
		Store:    st,
		Logger:   logger.With("component", "mcp"),
	})
	a.mcpNotifier = fpmcp.NewSessionNotifier(a.mcp.MCPServer(), a.mcp.Sessions(), logger)
	return a, nil
}

// providerDeps selects the content and messaging providers.
func providerDeps(cfg Config, logger *slog.Logger) nodes.Dependencies {
	deps := nodes.Dependencies{
		ContentGenerator: nodes.TemplateGenerator{},
		MessageSender:    nodes.NewLogSender(logger.With("component", "messaging")),
	}
	if cfg.ContentEndpoint != "" {
		deps.ContentGenerator = &nodes.HTTPGenerator{Endpoint: cfg.ContentEndpoint, APIKey: cfg.ContentAPIKey}
	}
	if cfg.MessagingEndpoint != "" {
		deps.MessageSender = &nodes.HTTPSender{Endpoint: cfg.MessagingEndpoint, APIKey: cfg.MessagingAPIKey}
	}
	return deps
}

func (a *app) notifyMCP(ctx context.Context, event schema.Event) {
	if a.mcpNotifier != nil {
		a.mcpNotifier.Notify(ctx, event)
	}
}

// apiServer builds the HTTP API over the wired runtime. Idle rate-limit
// buckets are swept until ctx is done.
func (a *app) apiServer(ctx context.Context) *api.Server {
	limiter := gate.NewLimiter(rate.Limit(a.cfg.RateRefill), a.cfg.RateBurst)
	go limiter.SweepEvery(ctx, time.Minute)
	return api.NewServer(api.Deps{
		Store:     a.store,
		Executor:  a.executor,
		Hub:       a.hub,
		Validator: a.validator,
		Scheduler: a.scheduler,
		Gate: gate.New(a.store, gate.Config{
			Limiter:    limiter,
			Logger:     a.logger.With("component", "gate"),
			WriteError: api.WriteGateError,
		}),
		Logger: a.logger.With("component", "api"),
	})
}

// startScheduler fires missed runs once, then starts the polling loop.
func (a *app) startScheduler(ctx context.Context) error {
	if err := a.scheduler.RecoverMissed(ctx); err != nil {
		a.logger.Warn("recover missed jobs failed", "error", err)
	}
	return a.scheduler.Start(ctx)
}

// Close stops the scheduler, then waits until ctx expires for running
// executions, queued webhook events and their deliveries. The store is
// closed last.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	errs = append(errs, a.scheduler.Stop())

	drained := make(chan struct{})
	go func() {
		a.executor.Wait()
		if err := a.hooks.Close(ctx); err != nil {
			a.logger.Warn("webhook queue not drained", "error", err)
		}
		a.webhooks.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		a.logger.Warn("shutdown timed out with executions still running")
	}

	errs = append(errs, a.eventLog.Close(ctx), a.store.Close())
	return errors.Join(errs...)
}
