package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowpilot/internal/engine"
	"github.com/rendis/flowpilot/internal/store"
	"github.com/rendis/flowpilot/pkg/schema"
)

// mockSchedulerStore satisfies store.Store for scheduler tests.
type mockSchedulerStore struct {
	store.Store
	mu   sync.Mutex
	jobs map[string]*store.ScheduledJob
}

func newMockSchedulerStore() *mockSchedulerStore {
	return &mockSchedulerStore{jobs: make(map[string]*store.ScheduledJob)}
}

func (m *mockSchedulerStore) CreateScheduledJob(_ context.Context, job *store.ScheduledJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *mockSchedulerStore) UpdateScheduledJob(_ context.Context, id string, update store.ScheduledJobUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "scheduled job %s not found", id)
	}
	if update.Enabled != nil {
		j.Enabled = *update.Enabled
	}
	if update.LastRunAt != nil {
		j.LastRunAt = update.LastRunAt
	}
	if update.NextRunAt != nil {
		j.NextRunAt = update.NextRunAt
	}
	if update.LastRunStatus != "" {
		j.LastRunStatus = update.LastRunStatus
	}
	return nil
}

func (m *mockSchedulerStore) ListScheduledJobs(_ context.Context, filter store.ScheduledJobFilter) ([]*store.ScheduledJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*store.ScheduledJob
	for _, j := range m.jobs {
		if filter.Enabled != nil && j.Enabled != *filter.Enabled {
			continue
		}
		if filter.WorkflowID != "" && j.WorkflowID != filter.WorkflowID {
			continue
		}
		cp := *j
		result = append(result, &cp)
	}
	sort.Slice(result, func(a, b int) bool { return result[a].ID < result[b].ID })
	return result, nil
}

func (m *mockSchedulerStore) DeleteScheduledJob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "scheduled job %s not found", id)
	}
	delete(m.jobs, id)
	return nil
}

func (m *mockSchedulerStore) job(id string) *store.ScheduledJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil
	}
	cp := *j
	return &cp
}

type launch struct {
	workflowID string
	input      map[string]any
}

// mockLauncher records StartExecution calls.
type mockLauncher struct {
	mu       sync.Mutex
	launches []launch
	err      error
}

func (l *mockLauncher) StartExecution(_ context.Context, workflowID string, input map[string]any, _ ...engine.StartOption) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return "", l.err
	}
	l.launches = append(l.launches, launch{workflowID: workflowID, input: input})
	return "exec-" + workflowID, nil
}

func (l *mockLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.launches)
}

var fixedNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

func newTestScheduler(s store.Store, l Launcher) *Scheduler {
	return NewScheduler(s, l, Config{Now: func() time.Time { return fixedNow }})
}

func workflowWithSchedules(id string, active bool, schedules ...string) *store.Workflow {
	wf := &store.Workflow{ID: id, Active: active}
	for i, sched := range schedules {
		cfg, _ := json.Marshal(map[string]any{"schedule": sched})
		wf.Definition.Nodes = append(wf.Definition.Nodes, schema.Node{
			ID:     "t" + string(rune('1'+i)),
			Type:   schema.NodeTypeTrigger,
			Config: cfg,
		})
	}
	wf.Definition.Nodes = append(wf.Definition.Nodes, schema.Node{ID: "delay", Type: schema.NodeTypeDelay})
	return wf
}

func TestCalculateNextRun(t *testing.T) {
	s := newTestScheduler(newMockSchedulerStore(), &mockLauncher{})

	tests := []struct {
		name string
		expr string
		from time.Time
		want time.Time
	}{
		{"every minute", "* * * * *", fixedNow, fixedNow.Add(time.Minute)},
		{"every hour", "0 * * * *", fixedNow.Add(30 * time.Minute), fixedNow.Add(time.Hour)},
		{"daily at 9", "0 9 * * *", fixedNow, time.Date(2026, 3, 16, 9, 0, 0, 0, time.UTC)},
		{"descriptor", "@daily", fixedNow, time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.CalculateNextRun(tt.expr, tt.from)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := s.CalculateNextRun("not a cron", fixedNow)
	assert.Error(t, err)
}

func TestSyncWorkflow_CreatesJobsForSchedules(t *testing.T) {
	ms := newMockSchedulerStore()
	s := newTestScheduler(ms, &mockLauncher{})

	wf := workflowWithSchedules("wf-1", true, "0 9 * * *", "")
	require.NoError(t, s.SyncWorkflow(context.Background(), wf))

	job := ms.job(JobID("wf-1", "t1"))
	require.NotNil(t, job)
	assert.Equal(t, "wf-1", job.WorkflowID)
	assert.Equal(t, "t1", job.NodeID)
	assert.True(t, job.Enabled)
	require.NotNil(t, job.NextRunAt)
	assert.Equal(t, time.Date(2026, 3, 16, 9, 0, 0, 0, time.UTC), *job.NextRunAt)

	assert.Nil(t, ms.job(JobID("wf-1", "t2")), "trigger without schedule")
}

func TestSyncWorkflow_ReplacesDisablesAndRemoves(t *testing.T) {
	ctx := context.Background()
	ms := newMockSchedulerStore()
	s := newTestScheduler(ms, &mockLauncher{})

	require.NoError(t, s.SyncWorkflow(ctx, workflowWithSchedules("wf-1", true, "0 9 * * *", "0 18 * * *")))
	require.Len(t, ms.jobs, 2)

	// Changing the expression replaces the job.
	require.NoError(t, s.SyncWorkflow(ctx, workflowWithSchedules("wf-1", true, "30 9 * * *", "0 18 * * *")))
	assert.Equal(t, "30 9 * * *", ms.job(JobID("wf-1", "t1")).CronExpression)

	// Deactivating keeps the jobs but disables them.
	require.NoError(t, s.SyncWorkflow(ctx, workflowWithSchedules("wf-1", false, "30 9 * * *", "0 18 * * *")))
	assert.False(t, ms.job(JobID("wf-1", "t1")).Enabled)
	assert.False(t, ms.job(JobID("wf-1", "t2")).Enabled)

	// Dropping a trigger removes its job.
	require.NoError(t, s.SyncWorkflow(ctx, workflowWithSchedules("wf-1", true, "30 9 * * *")))
	assert.Nil(t, ms.job(JobID("wf-1", "t2")))
	assert.True(t, ms.job(JobID("wf-1", "t1")).Enabled)

	require.NoError(t, s.RemoveWorkflow(ctx, "wf-1"))
	assert.Empty(t, ms.jobs)
}

func TestSyncWorkflow_InvalidCron(t *testing.T) {
	s := newTestScheduler(newMockSchedulerStore(), &mockLauncher{})

	err := s.SyncWorkflow(context.Background(), workflowWithSchedules("wf-1", true, "every day"))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}

func TestTick_LaunchesDueJobs(t *testing.T) {
	ms := newMockSchedulerStore()
	launcher := &mockLauncher{}
	s := newTestScheduler(ms, launcher)

	past := fixedNow.Add(-time.Minute)
	future := fixedNow.Add(time.Hour)
	ctx := context.Background()
	require.NoError(t, ms.CreateScheduledJob(ctx, &store.ScheduledJob{
		ID: "due", WorkflowID: "wf-due", CronExpression: "*/5 * * * *",
		Input: map[string]any{"k": "v"}, Enabled: true, NextRunAt: &past,
	}))
	require.NoError(t, ms.CreateScheduledJob(ctx, &store.ScheduledJob{
		ID: "later", WorkflowID: "wf-later", CronExpression: "0 * * * *", Enabled: true, NextRunAt: &future,
	}))
	require.NoError(t, ms.CreateScheduledJob(ctx, &store.ScheduledJob{
		ID: "off", WorkflowID: "wf-off", CronExpression: "* * * * *", Enabled: false, NextRunAt: &past,
	}))

	assert.Equal(t, 1, s.Tick(ctx))
	require.Equal(t, 1, launcher.count())
	assert.Equal(t, "wf-due", launcher.launches[0].workflowID)
	assert.Equal(t, "v", launcher.launches[0].input["k"])

	due := ms.job("due")
	assert.Equal(t, "started", due.LastRunStatus)
	require.NotNil(t, due.LastRunAt)
	assert.Equal(t, fixedNow, *due.LastRunAt)
	assert.Equal(t, fixedNow.Add(5*time.Minute), *due.NextRunAt)

	// The job moved forward, so the next tick launches nothing.
	assert.Zero(t, s.Tick(ctx))
}

func TestTick_LaunchFailureIsRecorded(t *testing.T) {
	ms := newMockSchedulerStore()
	launcher := &mockLauncher{err: errors.New("workflow inactive")}
	s := newTestScheduler(ms, launcher)

	past := fixedNow.Add(-time.Minute)
	ctx := context.Background()
	require.NoError(t, ms.CreateScheduledJob(ctx, &store.ScheduledJob{
		ID: "j", WorkflowID: "wf", CronExpression: "0 * * * *", Enabled: true, NextRunAt: &past,
	}))

	assert.Zero(t, s.Tick(ctx))
	job := ms.job("j")
	assert.Equal(t, "error", job.LastRunStatus)
	assert.Equal(t, fixedNow.Add(time.Hour), *job.NextRunAt)
}

func TestTick_SkipsInflightJob(t *testing.T) {
	ms := newMockSchedulerStore()
	launcher := &mockLauncher{}
	s := newTestScheduler(ms, launcher)

	past := fixedNow.Add(-time.Minute)
	ctx := context.Background()
	require.NoError(t, ms.CreateScheduledJob(ctx, &store.ScheduledJob{
		ID: "j", WorkflowID: "wf", CronExpression: "* * * * *", Enabled: true, NextRunAt: &past,
	}))

	require.True(t, s.tryAcquire("j"))
	assert.Zero(t, s.Tick(ctx))
	s.releaseJob("j")
	assert.Equal(t, 1, s.Tick(ctx))
}

func TestRecoverMissed(t *testing.T) {
	ms := newMockSchedulerStore()
	launcher := &mockLauncher{}
	s := newTestScheduler(ms, launcher)

	missed := fixedNow.Add(-3 * time.Hour)
	ctx := context.Background()
	require.NoError(t, ms.CreateScheduledJob(ctx, &store.ScheduledJob{
		ID: "missed", WorkflowID: "wf", CronExpression: "0 * * * *", Enabled: true, NextRunAt: &missed,
	}))
	require.NoError(t, ms.CreateScheduledJob(ctx, &store.ScheduledJob{
		ID: "never", WorkflowID: "wf-2", CronExpression: "0 * * * *", Enabled: true,
	}))

	require.NoError(t, s.RecoverMissed(ctx))
	// One launch despite three missed hours.
	assert.Equal(t, 1, launcher.count())
	assert.Equal(t, fixedNow.Add(time.Hour), *ms.job("missed").NextRunAt)
}

func TestStartStop(t *testing.T) {
	ms := newMockSchedulerStore()
	launcher := &mockLauncher{}
	s := NewScheduler(ms, launcher, Config{Interval: time.Hour, Now: func() time.Time { return fixedNow }})

	past := fixedNow.Add(-time.Minute)
	require.NoError(t, ms.CreateScheduledJob(context.Background(), &store.ScheduledJob{
		ID: "j", WorkflowID: "wf", CronExpression: "0 * * * *", Enabled: true, NextRunAt: &past,
	}))

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()), "second start")

	// The first tick runs immediately.
	assert.Eventually(t, func() bool { return launcher.count() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
}
