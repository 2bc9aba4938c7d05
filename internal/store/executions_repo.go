package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"hookbeat/internal/core"
)

var ErrExecutionNotFound = errors.New("execution not found")

const executionColumns = `id, task_id, status, scheduled_for, started_at, finished_at,
	http_status, duration_ms, attempt, response_body, error, created_at`

func (s *Store) InsertExecution(ctx context.Context, exec *core.Execution) error {
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = time.Now().UTC()
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO executions (id, task_id, status, scheduled_for, started_at, finished_at,
			http_status, duration_ms, attempt, response_body, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, exec.ID, exec.TaskID, exec.Status, exec.ScheduledFor.UTC().Format(time.RFC3339Nano),
		nullableTime(exec.StartedAt), nullableTime(exec.FinishedAt),
		nullableInt(exec.HTTPStatus), nullableInt64(exec.DurationMs), exec.Attempt,
		nullableString(exec.ResponseBody), nullableString(exec.Error),
		exec.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

func (s *Store) MarkExecutionStarted(ctx context.Context, id string, startedAt time.Time) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE executions SET status = ?, started_at = ? WHERE id = ?
	`, core.ExecutionStatusRunning, startedAt.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("mark execution started: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrExecutionNotFound
	}
	return nil
}

// MarkExecutionFinished writes the terminal outcome fields of an execution.
func (s *Store) MarkExecutionFinished(ctx context.Context, exec *core.Execution) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE executions
		SET status = ?, finished_at = ?, http_status = ?, duration_ms = ?,
			response_body = ?, error = ?
		WHERE id = ?
	`, exec.Status, nullableTime(exec.FinishedAt), nullableInt(exec.HTTPStatus),
		nullableInt64(exec.DurationMs), nullableString(exec.ResponseBody),
		nullableString(exec.Error), exec.ID)
	if err != nil {
		return fmt.Errorf("mark execution finished: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrExecutionNotFound
	}
	return nil
}

// PendingExecution returns the newest pending execution for a task, if any.
// Retries pre-create their execution row, so a claimed task first checks here
// before opening a fresh attempt.
func (s *Store) PendingExecution(ctx context.Context, taskID string) (*core.Execution, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT `+executionColumns+` FROM executions
		WHERE task_id = ? AND status = ?
		ORDER BY attempt DESC LIMIT 1
	`, taskID, core.ExecutionStatusPending)
	exec, err := scanExecution(row)
	if errors.Is(err, ErrExecutionNotFound) {
		return nil, nil
	}
	return exec, err
}

func (s *Store) GetExecution(ctx context.Context, id string) (*core.Execution, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	return scanExecution(row)
}

func (s *Store) ListExecutions(ctx context.Context, taskID string, limit, offset int) ([]*core.Execution, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+executionColumns+` FROM executions
		WHERE task_id = ?
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`, taskID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()
	var execs []*core.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return execs, nil
}

func scanExecution(scanner interface {
	Scan(dest ...any) error
}) (*core.Execution, error) {
	var (
		exec         core.Execution
		startedAt    sql.NullString
		finishedAt   sql.NullString
		httpStatus   sql.NullInt64
		durationMs   sql.NullInt64
		responseBody sql.NullString
		errMsg       sql.NullString
		scheduledFor string
		createdAt    string
	)
	err := scanner.Scan(&exec.ID, &exec.TaskID, &exec.Status, &scheduledFor,
		&startedAt, &finishedAt, &httpStatus, &durationMs, &exec.Attempt,
		&responseBody, &errMsg, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrExecutionNotFound
		}
		return nil, fmt.Errorf("scan execution: %w", err)
	}
	if t, err := time.Parse(time.RFC3339Nano, scheduledFor); err == nil {
		exec.ScheduledFor = t
	}
	exec.StartedAt = parseTimePtr(startedAt)
	exec.FinishedAt = parseTimePtr(finishedAt)
	if httpStatus.Valid {
		v := int(httpStatus.Int64)
		exec.HTTPStatus = &v
	}
	if durationMs.Valid {
		v := durationMs.Int64
		exec.DurationMs = &v
	}
	if responseBody.Valid {
		exec.ResponseBody = &responseBody.String
	}
	if errMsg.Valid {
		exec.Error = &errMsg.String
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		exec.CreatedAt = t
	}
	return &exec, nil
}
