// Package scheduler starts workflow executions from the cron schedules of
// their trigger nodes.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/flowpilot/internal/engine"
	"github.com/rendis/flowpilot/internal/store"
	"github.com/rendis/flowpilot/pkg/schema"
)

// DefaultInterval is how often the scheduler looks for due jobs.
const DefaultInterval = 60 * time.Second

// Launcher starts an execution in the background. Satisfied by
// engine.Executor.
type Launcher interface {
	StartExecution(ctx context.Context, workflowID string, input map[string]any, opts ...engine.StartOption) (string, error)
}

// Config holds optional scheduler settings.
type Config struct {
	Interval time.Duration
	Logger   *slog.Logger
	Now      func() time.Time
}

// Scheduler polls the store for due scheduled jobs and launches them.
type Scheduler struct {
	store    store.Store
	launcher Launcher
	parser   cron.Parser
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job IDs being launched (dedup)
}

// NewScheduler creates a new Scheduler.
func NewScheduler(s store.Store, launcher Launcher, cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Scheduler{
		store:    s,
		launcher: launcher,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		interval: cfg.Interval,
		logger:   cfg.Logger,
		now:      cfg.Now,
		inflight: make(map[string]struct{}),
	}
}

// JobID is the ID of the job declared by a trigger node.
func JobID(workflowID, nodeID string) string {
	return workflowID + ":" + nodeID
}

// SyncWorkflow makes the scheduled jobs of wf match the schedules declared
// by its trigger nodes. Jobs of an inactive workflow are kept but disabled.
func (s *Scheduler) SyncWorkflow(ctx context.Context, wf *store.Workflow) error {
	existing, err := s.store.ListScheduledJobs(ctx, store.ScheduledJobFilter{WorkflowID: wf.ID})
	if err != nil {
		return fmt.Errorf("list jobs of workflow %q: %w", wf.ID, err)
	}
	byID := make(map[string]*store.ScheduledJob, len(existing))
	for _, j := range existing {
		byID[j.ID] = j
	}

	now := s.now().UTC()
	wanted := make(map[string]bool)
	for i := range wf.Definition.Nodes {
		n := &wf.Definition.Nodes[i]
		if n.Type != schema.NodeTypeTrigger {
			continue
		}
		cfg, err := schema.DecodeNodeConfig(n)
		if err != nil {
			return err
		}
		tc := cfg.(*schema.TriggerConfig)
		if tc.Schedule == "" {
			continue
		}

		id := JobID(wf.ID, n.ID)
		wanted[id] = true
		if cur, ok := byID[id]; ok && cur.CronExpression == tc.Schedule {
			if cur.Enabled != wf.Active {
				enabled := wf.Active
				if err := s.store.UpdateScheduledJob(ctx, id, store.ScheduledJobUpdate{Enabled: &enabled}); err != nil {
					return err
				}
			}
			continue
		} else if ok {
			if err := s.store.DeleteScheduledJob(ctx, id); err != nil {
				return err
			}
		}

		next, err := s.CalculateNextRun(tc.Schedule, now)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "trigger %s: %v", n.ID, err).WithNode(n.ID)
		}
		job := &store.ScheduledJob{
			ID:             id,
			WorkflowID:     wf.ID,
			NodeID:         n.ID,
			CronExpression: tc.Schedule,
			Enabled:        wf.Active,
			NextRunAt:      &next,
			CreatedAt:      now,
		}
		if err := s.store.CreateScheduledJob(ctx, job); err != nil {
			return err
		}
		s.logger.Info("scheduled trigger",
			slog.String("workflow_id", wf.ID), slog.String("node_id", n.ID),
			slog.String("cron", tc.Schedule), slog.Time("next_run_at", next))
	}

	for id := range byID {
		if wanted[id] {
			continue
		}
		if err := s.store.DeleteScheduledJob(ctx, id); err != nil && !schema.HasCode(err, schema.ErrCodeNotFound) {
			return err
		}
	}
	return nil
}

// RemoveWorkflow deletes every scheduled job of a workflow.
func (s *Scheduler) RemoveWorkflow(ctx context.Context, workflowID string) error {
	jobs, err := s.store.ListScheduledJobs(ctx, store.ScheduledJobFilter{WorkflowID: workflowID})
	if err != nil {
		return fmt.Errorf("list jobs of workflow %q: %w", workflowID, err)
	}
	for _, j := range jobs {
		if err := s.store.DeleteScheduledJob(ctx, j.ID); err != nil && !schema.HasCode(err, schema.ErrCodeNotFound) {
			return err
		}
	}
	return nil
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick launches every enabled job that is due and returns how many it
// launched.
func (s *Scheduler) Tick(ctx context.Context) int {
	enabled := true
	jobs, err := s.store.ListScheduledJobs(ctx, store.ScheduledJobFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list scheduled jobs", slog.String("error", err.Error()))
		return 0
	}

	now := s.now().UTC()
	launched := 0
	for _, job := range jobs {
		if job.NextRunAt != nil && job.NextRunAt.After(now) {
			continue
		}
		if !s.tryAcquire(job.ID) {
			continue
		}
		if err := s.runJob(ctx, job, now); err != nil {
			s.logger.Error("failed to run scheduled job",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
		} else {
			launched++
		}
		s.releaseJob(job.ID)
	}
	return launched
}

// runJob launches a scheduled job and advances its timestamps. A launch
// failure is recorded as the job's last status; the job stays scheduled.
func (s *Scheduler) runJob(ctx context.Context, job *store.ScheduledJob, now time.Time) error {
	s.logger.Info("running scheduled job",
		slog.String("job_id", job.ID),
		slog.String("workflow_id", job.WorkflowID),
	)

	status := "started"
	execID, err := s.launcher.StartExecution(ctx, job.WorkflowID, job.Input, engine.WithTrigger("schedule"))
	if err != nil {
		status = "error"
		s.logger.Error("scheduled execution failed to start",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	} else {
		s.logger.Debug("scheduled execution started", slog.String("job_id", job.ID), slog.String("execution_id", execID))
	}

	if uerr := s.updateJobStatus(ctx, job, now, status); uerr != nil {
		return uerr
	}
	return err
}

func (s *Scheduler) updateJobStatus(ctx context.Context, job *store.ScheduledJob, now time.Time, status string) error {
	nextRun, err := s.CalculateNextRun(job.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for job %q: %w", job.ID, err)
	}

	return s.store.UpdateScheduledJob(ctx, job.ID, store.ScheduledJobUpdate{
		LastRunAt:     &now,
		NextRunAt:     &nextRun,
		LastRunStatus: status,
	})
}

// tryAcquire returns true and marks the job as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(jobID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[jobID]; ok {
		return false
	}
	s.inflight[jobID] = struct{}{}
	return true
}

func (s *Scheduler) releaseJob(jobID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, jobID)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// RecoverMissed launches once every enabled job whose next run passed
// while the process was down.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	enabled := true
	jobs, err := s.store.ListScheduledJobs(ctx, store.ScheduledJobFilter{Enabled: &enabled})
	if err != nil {
		return fmt.Errorf("list missed jobs: %w", err)
	}

	now := s.now().UTC()
	recovered := 0
	for _, job := range jobs {
		if job.NextRunAt == nil || !job.NextRunAt.Before(now) {
			continue
		}
		if !s.tryAcquire(job.ID) {
			continue
		}
		err := s.runJob(ctx, job, now)
		s.releaseJob(job.ID)
		if err != nil {
			s.logger.Error("failed to recover missed job",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		recovered++
	}

	if recovered > 0 {
		s.logger.Info("recovered missed jobs", slog.Int("count", recovered))
	}
	return nil
}
