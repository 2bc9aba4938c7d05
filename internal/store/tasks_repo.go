package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"hookbeat/internal/core"
)

var ErrTaskNotFound = errors.New("task not found")

const taskColumns = `id, tenant_id, url, method, headers, body, schedule_kind, cron_expr,
	cadence_minutes, scheduled_at, timezone, enabled, retry_attempts, timeout_ms,
	next_run_at, queue, callback_url, failing, created_at, updated_at`

func (s *Store) InsertTask(ctx context.Context, task *core.Task) error {
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	headers, err := marshalHeaders(task.Headers)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO tasks (id, tenant_id, url, method, headers, body, schedule_kind, cron_expr,
			cadence_minutes, scheduled_at, timezone, enabled, retry_attempts, timeout_ms,
			next_run_at, queue, callback_url, failing, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.ID, task.TenantID, task.URL, task.Method, headers, task.Body,
		task.ScheduleKind, nullableString(task.CronExpr), task.CadenceMinutes,
		nullableTime(task.ScheduledAt), task.Timezone, task.Enabled, task.RetryAttempts,
		task.TimeoutMs, nullableTime(task.NextRunAt), nullableString(task.Queue),
		nullableString(task.CallbackURL), task.Failing,
		task.CreatedAt.Format(time.RFC3339Nano), task.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *Store) UpdateTask(ctx context.Context, task *core.Task) error {
	task.UpdatedAt = time.Now().UTC()
	headers, err := marshalHeaders(task.Headers)
	if err != nil {
		return err
	}
	res, err := s.DB.ExecContext(ctx, `
		UPDATE tasks
		SET url = ?, method = ?, headers = ?, body = ?, schedule_kind = ?, cron_expr = ?,
			cadence_minutes = ?, scheduled_at = ?, timezone = ?, enabled = ?,
			retry_attempts = ?, timeout_ms = ?, next_run_at = ?, queue = ?,
			callback_url = ?, updated_at = ?
		WHERE id = ? AND tenant_id = ?
	`, task.URL, task.Method, headers, task.Body, task.ScheduleKind,
		nullableString(task.CronExpr), task.CadenceMinutes, nullableTime(task.ScheduledAt),
		task.Timezone, task.Enabled, task.RetryAttempts, task.TimeoutMs,
		nullableTime(task.NextRunAt), nullableString(task.Queue),
		nullableString(task.CallbackURL), task.UpdatedAt.Format(time.RFC3339Nano),
		task.ID, task.TenantID)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task rows: %w", err)
	}
	if rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (s *Store) DeleteTask(ctx context.Context, tenantID, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM tasks WHERE id = ? AND tenant_id = ?`, id, tenantID)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrTaskNotFound
	}
	_, err = s.DB.ExecContext(ctx, `DELETE FROM executions WHERE task_id = ?`, id)
	return err
}

// GetTenantTask loads a task scoped to its owning tenant. Foreign-tenant
// lookups are indistinguishable from missing rows.
func (s *Store) GetTenantTask(ctx context.Context, tenantID, id string) (*core.Task, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ? AND tenant_id = ?`, id, tenantID)
	return scanTaskRow(row)
}

func (s *Store) ListTasks(ctx context.Context, tenantID string, limit, offset int) ([]*core.Task, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE tenant_id = ?
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`, tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListEnabledTasks returns every enabled task; the resilience cache snapshots
// this set while the store is healthy.
func (s *Store) ListEnabledTasks(ctx context.Context) ([]*core.Task, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE enabled = 1`)
	if err != nil {
		return nil, fmt.Errorf("list enabled tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ClaimDue atomically claims up to limit enabled tasks whose next_run_at is
// due. Each claim is a conditional update on (claimed_by, claimed_at) so two
// dispatcher processes can never own the same task; a claim older than
// ClaimTTL is treated as abandoned and may be stolen.
func (s *Store) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*core.Task, error) {
	nowStr := now.UTC().Format(time.RFC3339Nano)
	staleStr := now.Add(-s.ClaimTTL).UTC().Format(time.RFC3339Nano)

	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
			AND (claimed_at IS NULL OR claimed_at < ?)
		ORDER BY cadence_minutes ASC, next_run_at ASC
		LIMIT ?
	`, nowStr, staleStr, limit)
	if err != nil {
		return nil, fmt.Errorf("select due tasks: %w", err)
	}
	candidates, err := collectTasks(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	claimed := make([]*core.Task, 0, len(candidates))
	for _, task := range candidates {
		switch err := s.claimOne(ctx, task.ID, nowStr, staleStr); {
		case err == nil:
			claimed = append(claimed, task)
		case errors.Is(err, core.ErrClaimConflict):
			// Benign: another dispatcher won this row.
		default:
			return claimed, err
		}
	}
	return claimed, nil
}

// claimOne performs the conditional claim update for a single candidate.
// A zero-row update means the row changed since the candidate select, which
// is the claim-conflict case.
func (s *Store) claimOne(ctx context.Context, id, nowStr, staleStr string) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE tasks SET claimed_by = ?, claimed_at = ?
		WHERE id = ? AND enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
			AND (claimed_at IS NULL OR claimed_at < ?)
	`, s.Owner, nowStr, id, nowStr, staleStr)
	if err != nil {
		return fmt.Errorf("claim task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return core.ErrClaimConflict
	}
	return nil
}

// ReleaseStaleClaims clears claims older than ClaimTTL so crashed owners do
// not park tasks forever.
func (s *Store) ReleaseStaleClaims(ctx context.Context, now time.Time) (int, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE tasks SET claimed_by = NULL, claimed_at = NULL
		WHERE claimed_at IS NOT NULL AND claimed_at < ?
	`, now.Add(-s.ClaimTTL).UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("release stale claims: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// FinishTask records the post-execution schedule state and releases the
// claim in the same statement, covering every dispatch exit path.
func (s *Store) FinishTask(ctx context.Context, id string, nextRunAt *time.Time, failing bool) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE tasks
		SET next_run_at = ?, failing = ?, claimed_by = NULL, claimed_at = NULL, updated_at = ?
		WHERE id = ?
	`, nullableTime(nextRunAt), failing, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("finish task: %w", err)
	}
	return nil
}

// SetTaskNextRun updates only the schedule pointer; used when a retry or
// trigger moves a task's due time.
func (s *Store) SetTaskNextRun(ctx context.Context, id string, nextRunAt *time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE tasks SET next_run_at = ?, updated_at = ? WHERE id = ?
	`, nullableTime(nextRunAt), time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("update next_run_at: %w", err)
	}
	return nil
}

// SetTaskEnabled flips the enabled flag. Disabling clears next_run_at so the
// schedule invariant holds; enabling leaves recomputation to the caller.
func (s *Store) SetTaskEnabled(ctx context.Context, tenantID, id string, enabled bool, nextRunAt *time.Time) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE tasks SET enabled = ?, next_run_at = ?, updated_at = ?
		WHERE id = ? AND tenant_id = ?
	`, enabled, nullableTime(nextRunAt), time.Now().UTC().Format(time.RFC3339Nano), id, tenantID)
	if err != nil {
		return fmt.Errorf("set task enabled: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func collectTasks(rows *sql.Rows) ([]*core.Task, error) {
	var tasks []*core.Task
	for rows.Next() {
		task, err := scanTaskRow(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tasks, nil
}

func scanTaskRow(scanner interface {
	Scan(dest ...any) error
}) (*core.Task, error) {
	var (
		task        core.Task
		headers     sql.NullString
		cronExpr    sql.NullString
		scheduledAt sql.NullString
		nextRunAt   sql.NullString
		queue       sql.NullString
		callbackURL sql.NullString
		createdAt   string
		updatedAt   string
	)
	err := scanner.Scan(&task.ID, &task.TenantID, &task.URL, &task.Method, &headers,
		&task.Body, &task.ScheduleKind, &cronExpr, &task.CadenceMinutes, &scheduledAt,
		&task.Timezone, &task.Enabled, &task.RetryAttempts, &task.TimeoutMs,
		&nextRunAt, &queue, &callbackURL, &task.Failing, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	if headers.Valid && headers.String != "" {
		if err := json.Unmarshal([]byte(headers.String), &task.Headers); err != nil {
			return nil, fmt.Errorf("decode task headers: %w", err)
		}
	}
	if cronExpr.Valid {
		task.CronExpr = &cronExpr.String
	}
	if queue.Valid {
		task.Queue = &queue.String
	}
	if callbackURL.Valid {
		task.CallbackURL = &callbackURL.String
	}
	task.ScheduledAt = parseTimePtr(scheduledAt)
	task.NextRunAt = parseTimePtr(nextRunAt)
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		task.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		task.UpdatedAt = t
	}
	return &task, nil
}

func marshalHeaders(headers map[string]string) (any, error) {
	if len(headers) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(headers)
	if err != nil {
		return nil, fmt.Errorf("encode task headers: %w", err)
	}
	return string(data), nil
}
