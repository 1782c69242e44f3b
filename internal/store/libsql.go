package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/flowpilot/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/flowpilot.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Workflows ---

func (s *LibSQLStore) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	def, err := json.Marshal(wf.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	now := time.Now().UTC()
	wf.CreatedAt = timeOrNow(wf.CreatedAt)
	wf.UpdatedAt = now
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, name, description, definition, active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.Name, nullStr(wf.Description), string(def), boolInt(wf.Active), wf.CreatedAt, wf.UpdatedAt,
	)
	return storeErr("create workflow", err)
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, definition, active, created_at, updated_at FROM workflows WHERE id = ?`, id)
	wf, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("workflow", id)
	}
	if err != nil {
		return nil, storeErr("get workflow", err)
	}
	return wf, nil
}

func (s *LibSQLStore) UpdateWorkflow(ctx context.Context, wf *Workflow) error {
	def, err := json.Marshal(wf.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	wf.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET name = ?, description = ?, definition = ?, active = ?, updated_at = ? WHERE id = ?`,
		wf.Name, nullStr(wf.Description), string(def), boolInt(wf.Active), wf.UpdatedAt, wf.ID,
	)
	if err != nil {
		return storeErr("update workflow", err)
	}
	return checkRowsAffected(res, "workflow", wf.ID)
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	query := `SELECT id, name, description, definition, active, created_at, updated_at FROM workflows`
	var args []any
	if filter.Active != nil {
		query += " WHERE active = ?"
		args = append(args, boolInt(*filter.Active))
	}
	query += " ORDER BY created_at DESC"
	query += limitOffset(filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list workflows", err)
	}
	defer rows.Close()

	var out []*Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, storeErr("scan workflow", err)
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return storeErr("delete workflow", err)
	}
	return checkRowsAffected(res, "workflow", id)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(sc scanner) (*Workflow, error) {
	wf := &Workflow{}
	var desc sql.NullString
	var defJSON string
	if err := sc.Scan(&wf.ID, &wf.Name, &desc, &defJSON, &wf.Active, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
		return nil, err
	}
	wf.Description = desc.String
	if err := json.Unmarshal([]byte(defJSON), &wf.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	return wf, nil
}

// --- Executions ---

const executionColumns = `id, workflow_id, status, workflow_snapshot, input, output, error, error_node_id,
	approval_data, trigger_source, created_at, started_at, completed_at, updated_at`

func (s *LibSQLStore) CreateExecution(ctx context.Context, exec *Execution) error {
	snapshot, err := json.Marshal(exec.Snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	input, err := marshalMapOrDefault(exec.Input)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}
	approval, err := marshalApproval(exec.ApprovalData)
	if err != nil {
		return err
	}
	exec.CreatedAt = timeOrNow(exec.CreatedAt)
	exec.UpdatedAt = exec.CreatedAt
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (`+executionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.WorkflowID, string(exec.Status), string(snapshot), string(input),
		nullRaw(exec.Output), nullStr(exec.Error), nullStr(exec.ErrorNodeID), approval, nullStr(exec.Trigger),
		exec.CreatedAt, nullTime(exec.StartedAt), nullTime(exec.CompletedAt), exec.UpdatedAt,
	)
	return storeErr("create execution", err)
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("execution", id)
	}
	if err != nil {
		return nil, storeErr("get execution", err)
	}
	return exec, nil
}

// UpdateExecution applies update to the execution. A non-empty update.From
// turns the write into a compare-and-set on the current status: when the
// status does not match, the row is left untouched and an INVALID_STATE
// error naming the current status is returned.
func (s *LibSQLStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Output != nil {
		sets = append(sets, "output = ?")
		args = append(args, string(update.Output))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, nullStr(*update.Error))
	}
	if update.ErrorNodeID != nil {
		sets = append(sets, "error_node_id = ?")
		args = append(args, nullStr(*update.ErrorNodeID))
	}
	if update.ClearApproval {
		sets = append(sets, "approval_data = NULL")
	} else if update.ApprovalData != nil {
		approval, err := marshalApproval(update.ApprovalData)
		if err != nil {
			return err
		}
		sets = append(sets, "approval_data = ?")
		args = append(args, approval)
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC())

	query := "UPDATE executions SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	args = append(args, id)
	if len(update.From) > 0 {
		query += " AND status IN (" + placeholders(len(update.From)) + ")"
		for _, st := range update.From {
			args = append(args, string(st))
		}
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return storeErr("update execution", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("update execution", err)
	}
	if n > 0 {
		return nil
	}

	var current string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM executions WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return storeNotFound("execution", id)
	}
	if err != nil {
		return storeErr("read execution status", err)
	}
	return schema.NewErrorf(schema.ErrCodeInvalidState,
		"execution %s is %s", id, current).
		WithDetails(map[string]any{"status": current, "expected": update.From})
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT ` + executionColumns + ` FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	query += limitOffset(filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list executions", err)
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, storeErr("scan execution", err)
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

func scanExecution(sc scanner) (*Execution, error) {
	e := &Execution{}
	var (
		status, snapshotJSON, inputJSON            string
		output, errMsg, errNode, approval, trigger sql.NullString
		startedAt, completedAt                     sql.NullTime
	)
	if err := sc.Scan(&e.ID, &e.WorkflowID, &status, &snapshotJSON, &inputJSON, &output, &errMsg, &errNode,
		&approval, &trigger, &e.CreatedAt, &startedAt, &completedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.Status = schema.ExecutionStatus(status)
	if err := json.Unmarshal([]byte(snapshotJSON), &e.Snapshot); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	if inputJSON != "" {
		_ = json.Unmarshal([]byte(inputJSON), &e.Input)
	}
	e.Output = rawOrNil(output)
	e.Error = errMsg.String
	e.ErrorNodeID = errNode.String
	e.Trigger = trigger.String
	if approval.Valid && approval.String != "" {
		e.ApprovalData = &schema.ApprovalData{}
		if err := json.Unmarshal([]byte(approval.String), e.ApprovalData); err != nil {
			return nil, fmt.Errorf("unmarshal approval data: %w", err)
		}
	}
	if startedAt.Valid {
		e.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		e.CompletedAt = &completedAt.Time
	}
	return e, nil
}

// --- Node executions ---

func (s *LibSQLStore) UpsertNodeExecution(ctx context.Context, ne *NodeExecution) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO node_executions (execution_id, node_id, node_type, status, input, output, error, attempts, started_at, completed_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(execution_id, node_id) DO UPDATE SET
		   status=excluded.status, input=excluded.input, output=excluded.output, error=excluded.error,
		   attempts=excluded.attempts, started_at=excluded.started_at, completed_at=excluded.completed_at,
		   duration_ms=excluded.duration_ms`,
		ne.ExecutionID, ne.NodeID, string(ne.NodeType), string(ne.Status),
		nullRaw(ne.Input), nullRaw(ne.Output), nullStr(ne.Error),
		ne.Attempts, nullTime(ne.StartedAt), nullTime(ne.CompletedAt), ne.DurationMs,
	)
	return storeErr("upsert node execution", err)
}

const nodeExecutionColumns = `execution_id, node_id, node_type, status, input, output, error, attempts, started_at, completed_at, duration_ms`

func (s *LibSQLStore) GetNodeExecution(ctx context.Context, executionID, nodeID string) (*NodeExecution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+nodeExecutionColumns+` FROM node_executions WHERE execution_id = ? AND node_id = ?`,
		executionID, nodeID)
	ne, err := scanNodeExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("node execution", executionID+"/"+nodeID)
	}
	if err != nil {
		return nil, storeErr("get node execution", err)
	}
	return ne, nil
}

func (s *LibSQLStore) ListNodeExecutions(ctx context.Context, executionID string) ([]*NodeExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+nodeExecutionColumns+` FROM node_executions WHERE execution_id = ?
		 ORDER BY started_at ASC, node_id ASC`, executionID)
	if err != nil {
		return nil, storeErr("list node executions", err)
	}
	defer rows.Close()

	var out []*NodeExecution
	for rows.Next() {
		ne, err := scanNodeExecution(rows)
		if err != nil {
			return nil, storeErr("scan node execution", err)
		}
		out = append(out, ne)
	}
	return out, rows.Err()
}

func scanNodeExecution(sc scanner) (*NodeExecution, error) {
	ne := &NodeExecution{}
	var nodeType, status string
	var input, output, errMsg sql.NullString
	var startedAt, completedAt sql.NullTime
	if err := sc.Scan(&ne.ExecutionID, &ne.NodeID, &nodeType, &status, &input, &output, &errMsg,
		&ne.Attempts, &startedAt, &completedAt, &ne.DurationMs); err != nil {
		return nil, err
	}
	ne.NodeType = schema.NodeType(nodeType)
	ne.Status = schema.NodeStatus(status)
	ne.Input = rawOrNil(input)
	ne.Output = rawOrNil(output)
	ne.Error = errMsg.String
	if startedAt.Valid {
		ne.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		ne.CompletedAt = &completedAt.Time
	}
	return ne, nil
}

// --- Events ---

// AppendEvent appends an event with a monotonically increasing per-execution
// sequence.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin tx", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE execution_id = ?`, event.ExecutionID,
	).Scan(&seq)
	if err != nil {
		return storeErr("get next sequence", err)
	}
	event.Sequence = seq
	event.Timestamp = timeOrNow(event.Timestamp)

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (execution_id, node_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ExecutionID, nullStr(event.NodeID), string(event.Type), nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return storeErr("insert event", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}

	if err := tx.Commit(); err != nil {
		return storeErr("commit event", err)
	}
	return nil
}

// GetEvents returns events for an execution with sequence > since, ordered
// by sequence.
func (s *LibSQLStore) GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, node_id, event_type, payload, timestamp, sequence
		 FROM events WHERE execution_id = ? AND sequence > ? ORDER BY sequence ASC`,
		executionID, since,
	)
	if err != nil {
		return nil, storeErr("get events", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var eventType string
		var nodeID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.ExecutionID, &nodeID, &eventType, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, storeErr("scan event", err)
		}
		e.Type = schema.EventType(eventType)
		e.NodeID = nodeID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- API keys ---

const apiKeyColumns = `id, name, key_hash, prefix, workflow_id, monthly_limit, usage_count, usage_period, created_at, last_used_at, revoked_at`

func (s *LibSQLStore) CreateAPIKey(ctx context.Context, key *APIKey) error {
	key.CreatedAt = timeOrNow(key.CreatedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys (`+apiKeyColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ID, key.Name, key.KeyHash, key.Prefix, nullStr(key.WorkflowID), key.MonthlyLimit,
		key.UsageCount, nullStr(key.UsagePeriod), key.CreatedAt, nullTime(key.LastUsedAt), nullTime(key.RevokedAt),
	)
	return storeErr("create api key", err)
}

func (s *LibSQLStore) GetAPIKeyByHash(ctx context.Context, hash string) (*APIKey, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash = ?`, hash)
	key, err := scanAPIKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("api key", "")
	}
	if err != nil {
		return nil, storeErr("get api key", err)
	}
	return key, nil
}

func (s *LibSQLStore) getAPIKey(ctx context.Context, id string) (*APIKey, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE id = ?`, id)
	key, err := scanAPIKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("api key", id)
	}
	if err != nil {
		return nil, storeErr("get api key", err)
	}
	return key, nil
}

// IncrementAPIKeyUsage counts one call against the key for the given
// period (YYYY-MM). The counter resets when the period changes. When the
// monthly limit is already reached nothing is written and the call fails
// with USAGE_LIMIT_EXCEEDED; revoked keys fail with UNAUTHORIZED.
func (s *LibSQLStore) IncrementAPIKeyUsage(ctx context.Context, id, period string) (*APIKey, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET
		   usage_count = CASE WHEN usage_period = ? THEN usage_count + 1 ELSE 1 END,
		   usage_period = ?,
		   last_used_at = ?
		 WHERE id = ? AND revoked_at IS NULL
		   AND (monthly_limit = 0 OR usage_period IS NULL OR usage_period != ? OR usage_count < monthly_limit)`,
		period, period, now, id, period,
	)
	if err != nil {
		return nil, storeErr("increment api key usage", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, storeErr("increment api key usage", err)
	}

	key, err := s.getAPIKey(ctx, id)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		return key, nil
	}
	if key.RevokedAt != nil {
		return nil, schema.NewError(schema.ErrCodeUnauthorized, "api key revoked")
	}
	return key, schema.NewErrorf(schema.ErrCodeUsageLimitExceeded,
		"monthly limit of %d calls reached", key.MonthlyLimit).
		WithDetails(map[string]any{"limit": key.MonthlyLimit, "period": period})
}

func (s *LibSQLStore) RevokeAPIKey(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`, time.Now().UTC(), id)
	if err != nil {
		return storeErr("revoke api key", err)
	}
	return checkRowsAffected(res, "api key", id)
}

func (s *LibSQLStore) ListAPIKeys(ctx context.Context) ([]*APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, storeErr("list api keys", err)
	}
	defer rows.Close()

	var out []*APIKey
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, storeErr("scan api key", err)
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

func scanAPIKey(sc scanner) (*APIKey, error) {
	k := &APIKey{}
	var workflowID, period sql.NullString
	var lastUsed, revoked sql.NullTime
	if err := sc.Scan(&k.ID, &k.Name, &k.KeyHash, &k.Prefix, &workflowID, &k.MonthlyLimit, &k.UsageCount,
		&period, &k.CreatedAt, &lastUsed, &revoked); err != nil {
		return nil, err
	}
	k.WorkflowID = workflowID.String
	k.UsagePeriod = period.String
	if lastUsed.Valid {
		k.LastUsedAt = &lastUsed.Time
	}
	if revoked.Valid {
		k.RevokedAt = &revoked.Time
	}
	return k, nil
}

// --- Webhooks ---

func (s *LibSQLStore) CreateWebhook(ctx context.Context, wh *WebhookSubscription) error {
	types, err := json.Marshal(wh.EventTypes)
	if err != nil {
		return fmt.Errorf("marshal event types: %w", err)
	}
	wh.CreatedAt = timeOrNow(wh.CreatedAt)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO webhooks (id, url, secret, event_types, active, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		wh.ID, wh.URL, wh.Secret, string(types), boolInt(wh.Active), wh.CreatedAt,
	)
	return storeErr("create webhook", err)
}

func (s *LibSQLStore) ListWebhooks(ctx context.Context) ([]*WebhookSubscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, url, secret, event_types, active, created_at FROM webhooks ORDER BY created_at ASC`)
	if err != nil {
		return nil, storeErr("list webhooks", err)
	}
	defer rows.Close()

	var out []*WebhookSubscription
	for rows.Next() {
		wh := &WebhookSubscription{}
		var types sql.NullString
		if err := rows.Scan(&wh.ID, &wh.URL, &wh.Secret, &types, &wh.Active, &wh.CreatedAt); err != nil {
			return nil, storeErr("scan webhook", err)
		}
		if types.Valid && types.String != "" {
			_ = json.Unmarshal([]byte(types.String), &wh.EventTypes)
		}
		out = append(out, wh)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteWebhook(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM webhooks WHERE id = ?`, id)
	if err != nil {
		return storeErr("delete webhook", err)
	}
	return checkRowsAffected(res, "webhook", id)
}

// --- Scheduled jobs ---

const scheduledJobColumns = `id, workflow_id, node_id, cron_expression, input, enabled, last_run_at, next_run_at, last_run_status, created_at`

func (s *LibSQLStore) CreateScheduledJob(ctx context.Context, job *ScheduledJob) error {
	var input any
	if len(job.Input) > 0 {
		b, err := json.Marshal(job.Input)
		if err != nil {
			return fmt.Errorf("marshal job input: %w", err)
		}
		input = string(b)
	}
	job.CreatedAt = timeOrNow(job.CreatedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_jobs (`+scheduledJobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.WorkflowID, nullStr(job.NodeID), job.CronExpression, input, boolInt(job.Enabled),
		nullTime(job.LastRunAt), nullTime(job.NextRunAt), nullStr(job.LastRunStatus), job.CreatedAt,
	)
	return storeErr("create scheduled job", err)
}

func (s *LibSQLStore) GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduledJobColumns+` FROM scheduled_jobs WHERE id = ?`, id)
	job, err := scanScheduledJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("scheduled job", id)
	}
	if err != nil {
		return nil, storeErr("get scheduled job", err)
	}
	return job, nil
}

func (s *LibSQLStore) UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolInt(*update.Enabled))
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		"UPDATE scheduled_jobs SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return storeErr("update scheduled job", err)
	}
	return checkRowsAffected(res, "scheduled job", id)
}

func (s *LibSQLStore) ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error) {
	var where []string
	var args []any

	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, boolInt(*filter.Enabled))
	}
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}

	query := `SELECT ` + scheduledJobColumns + ` FROM scheduled_jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	query += limitOffset(filter.Limit, 0)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list scheduled jobs", err)
	}
	defer rows.Close()

	var out []*ScheduledJob
	for rows.Next() {
		job, err := scanScheduledJob(rows)
		if err != nil {
			return nil, storeErr("scan scheduled job", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteScheduledJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = ?`, id)
	if err != nil {
		return storeErr("delete scheduled job", err)
	}
	return checkRowsAffected(res, "scheduled job", id)
}

func scanScheduledJob(sc scanner) (*ScheduledJob, error) {
	j := &ScheduledJob{}
	var nodeID, input, lastStatus sql.NullString
	var lastRun, nextRun sql.NullTime
	if err := sc.Scan(&j.ID, &j.WorkflowID, &nodeID, &j.CronExpression, &input, &j.Enabled,
		&lastRun, &nextRun, &lastStatus, &j.CreatedAt); err != nil {
		return nil, err
	}
	j.NodeID = nodeID.String
	j.LastRunStatus = lastStatus.String
	if input.Valid && input.String != "" {
		_ = json.Unmarshal([]byte(input.String), &j.Input)
	}
	if lastRun.Valid {
		j.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		j.NextRunAt = &nextRun.Time
	}
	return j, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlowError {
	if id == "" {
		return schema.NewErrorf(schema.ErrCodeNotFound, "%s not found", resource)
	}
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

// storeErr wraps a driver error as a STORE_ERROR. It returns nil for nil.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("rows affected", err)
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

func marshalApproval(a *schema.ApprovalData) (any, error) {
	if a == nil {
		return nil, nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal approval data: %w", err)
	}
	return string(b), nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func limitOffset(limit, offset int) string {
	var q string
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
		if offset > 0 {
			q += fmt.Sprintf(" OFFSET %d", offset)
		}
	}
	return q
}

var _ Store = (*LibSQLStore)(nil)
