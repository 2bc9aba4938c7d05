package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"hookbeat/internal/core"
)

var ErrMonitorNotFound = errors.New("monitor not found")

const monitorColumns = `id, tenant_id, name, ping_token, kind, cron_expr, interval_seconds,
	grace_seconds, status, last_ping_at, next_expected_at, muted, created_at, updated_at`

func (s *Store) InsertMonitor(ctx context.Context, m *core.Monitor) error {
	now := time.Now().UTC()
	m.CreatedAt = now
	m.UpdatedAt = now
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO monitors (id, tenant_id, name, ping_token, kind, cron_expr, interval_seconds,
			grace_seconds, status, last_ping_at, next_expected_at, muted, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.TenantID, nullableString(m.Name), m.PingToken, m.Kind,
		nullableString(m.CronExpr), nullableInt(m.IntervalSeconds), m.GraceSeconds,
		m.Status, nullableTime(m.LastPingAt), nullableTime(m.NextExpectedAt), m.Muted,
		m.CreatedAt.Format(time.RFC3339Nano), m.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert monitor: %w", err)
	}
	return nil
}

func (s *Store) GetTenantMonitor(ctx context.Context, tenantID, id string) (*core.Monitor, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+monitorColumns+` FROM monitors WHERE id = ? AND tenant_id = ?`, id, tenantID)
	return scanMonitor(row)
}

func (s *Store) GetMonitorByToken(ctx context.Context, token string) (*core.Monitor, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+monitorColumns+` FROM monitors WHERE ping_token = ?`, token)
	return scanMonitor(row)
}

func (s *Store) ListMonitors(ctx context.Context, tenantID string, limit, offset int) ([]*core.Monitor, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+monitorColumns+` FROM monitors
		WHERE tenant_id = ?
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`, tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list monitors: %w", err)
	}
	defer rows.Close()
	var monitors []*core.Monitor
	for rows.Next() {
		m, err := scanMonitor(rows)
		if err != nil {
			return nil, err
		}
		monitors = append(monitors, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return monitors, nil
}

func (s *Store) DeleteMonitor(ctx context.Context, tenantID, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM monitors WHERE id = ? AND tenant_id = ?`, id, tenantID)
	if err != nil {
		return fmt.Errorf("delete monitor: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrMonitorNotFound
	}
	_, err = s.DB.ExecContext(ctx, `DELETE FROM pings WHERE monitor_id = ?`, id)
	return err
}

// RecordPing appends the ping row and advances the monitor's heartbeat
// bookkeeping in one transaction.
func (s *Store) RecordPing(ctx context.Context, ping *core.Ping, status core.MonitorStatus, nextExpectedAt time.Time) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ping tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO pings (id, monitor_id, received_at) VALUES (?, ?, ?)
	`, ping.ID, ping.MonitorID, ping.ReceivedAt.UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("insert ping: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE monitors
		SET status = ?, last_ping_at = ?, next_expected_at = ?, updated_at = ?
		WHERE id = ?
	`, status, ping.ReceivedAt.UTC().Format(time.RFC3339Nano),
		nextExpectedAt.UTC().Format(time.RFC3339Nano),
		time.Now().UTC().Format(time.RFC3339Nano), ping.MonitorID); err != nil {
		return fmt.Errorf("update monitor after ping: %w", err)
	}
	return tx.Commit()
}

// ListSweepCandidates returns up monitors whose next expected ping is at or
// before the horizon. Grace-period filtering happens in the engine, which
// knows each monitor's grace seconds.
func (s *Store) ListSweepCandidates(ctx context.Context, horizon time.Time) ([]*core.Monitor, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+monitorColumns+` FROM monitors
		WHERE status = ? AND next_expected_at IS NOT NULL AND next_expected_at <= ?
	`, core.MonitorStatusUp, horizon.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("list sweep candidates: %w", err)
	}
	defer rows.Close()
	var monitors []*core.Monitor
	for rows.Next() {
		m, err := scanMonitor(rows)
		if err != nil {
			return nil, err
		}
		monitors = append(monitors, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return monitors, nil
}

// MarkMonitorDown transitions up -> down only if the monitor's expected-ping
// pointer still matches the value the sweep observed. A ping arriving after
// the sweep's reference time moves next_expected_at forward, making this a
// no-op, which is what keeps status monotonic against event time.
func (s *Store) MarkMonitorDown(ctx context.Context, id string, observedNextExpected time.Time) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE monitors SET status = ?, updated_at = ?
		WHERE id = ? AND status = ? AND next_expected_at = ?
	`, core.MonitorStatusDown, time.Now().UTC().Format(time.RFC3339Nano),
		id, core.MonitorStatusUp, observedNextExpected.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return false, fmt.Errorf("mark monitor down: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (s *Store) SetMonitorStatus(ctx context.Context, id string, status core.MonitorStatus) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE monitors SET status = ?, updated_at = ? WHERE id = ?
	`, status, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("set monitor status: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrMonitorNotFound
	}
	return nil
}

// CountPingsPerDay returns received ping counts keyed by UTC day ("2006-01-02")
// for the daily uptime rollup.
func (s *Store) CountPingsPerDay(ctx context.Context, monitorID string, since time.Time) (map[string]int, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT substr(received_at, 1, 10) AS day, COUNT(1)
		FROM pings
		WHERE monitor_id = ? AND received_at >= ?
		GROUP BY day
	`, monitorID, since.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("count pings per day: %w", err)
	}
	defer rows.Close()
	counts := make(map[string]int)
	for rows.Next() {
		var day string
		var n int
		if err := rows.Scan(&day, &n); err != nil {
			return nil, err
		}
		counts[day] = n
	}
	return counts, rows.Err()
}

func scanMonitor(scanner interface {
	Scan(dest ...any) error
}) (*core.Monitor, error) {
	var (
		m            core.Monitor
		name         sql.NullString
		cronExpr     sql.NullString
		interval     sql.NullInt64
		lastPing     sql.NullString
		nextExpected sql.NullString
		createdAt    string
		updatedAt    string
	)
	err := scanner.Scan(&m.ID, &m.TenantID, &name, &m.PingToken, &m.Kind, &cronExpr,
		&interval, &m.GraceSeconds, &m.Status, &lastPing, &nextExpected, &m.Muted,
		&createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrMonitorNotFound
		}
		return nil, fmt.Errorf("scan monitor: %w", err)
	}
	if name.Valid {
		m.Name = &name.String
	}
	if cronExpr.Valid {
		m.CronExpr = &cronExpr.String
	}
	if interval.Valid {
		v := int(interval.Int64)
		m.IntervalSeconds = &v
	}
	m.LastPingAt = parseTimePtr(lastPing)
	m.NextExpectedAt = parseTimePtr(nextExpected)
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		m.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		m.UpdatedAt = t
	}
	return &m, nil
}
