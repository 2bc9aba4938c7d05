package core

import (
	"time"
)

// ScheduleKind selects how a task's run times are computed.
type ScheduleKind string

const (
	ScheduleKindCron ScheduleKind = "cron"
	ScheduleKindOnce ScheduleKind = "once"
)

// ExecutionStatus describes the state of an individual delivery attempt.
type ExecutionStatus string

const (
	ExecutionStatusPending ExecutionStatus = "pending"
	ExecutionStatusRunning ExecutionStatus = "running"
	ExecutionStatusSuccess ExecutionStatus = "success"
	ExecutionStatusFailed  ExecutionStatus = "failed"
	ExecutionStatusTimeout ExecutionStatus = "timeout"
	ExecutionStatusMissed  ExecutionStatus = "missed"
)

// Terminal reports whether the status is a final outcome.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionStatusSuccess, ExecutionStatusFailed, ExecutionStatusTimeout, ExecutionStatusMissed:
		return true
	}
	return false
}

// MonitorKind selects how a monitor's expected ping cadence is computed.
type MonitorKind string

const (
	MonitorKindCron     MonitorKind = "cron"
	MonitorKindInterval MonitorKind = "interval"
)

// MonitorStatus describes the heartbeat state of a monitor.
type MonitorStatus string

const (
	MonitorStatusNew    MonitorStatus = "new"
	MonitorStatusUp     MonitorStatus = "up"
	MonitorStatusDown   MonitorStatus = "down"
	MonitorStatusPaused MonitorStatus = "paused"
)

// Task represents an outbound HTTP call scheduled on behalf of a tenant.
type Task struct {
	ID             string
	TenantID       string
	URL            string
	Method         string
	Headers        map[string]string
	Body           []byte
	ScheduleKind   ScheduleKind
	CronExpr       *string
	CadenceMinutes int // derived priority hint, never used for correctness
	ScheduledAt    *time.Time
	Timezone       string
	Enabled        bool
	RetryAttempts  int
	TimeoutMs      int
	NextRunAt      *time.Time
	Queue          *string
	CallbackURL    *string
	Failing        bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Execution captures a single delivery attempt of a task.
type Execution struct {
	ID           string
	TaskID       string
	Status       ExecutionStatus
	ScheduledFor time.Time
	StartedAt    *time.Time
	FinishedAt   *time.Time
	HTTPStatus   *int
	DurationMs   *int64
	Attempt      int // 1-based
	ResponseBody *string
	Error        *string
	CreatedAt    time.Time
}

// Monitor is a dead-man's switch expecting periodic pings.
type Monitor struct {
	ID              string
	TenantID        string
	Name            *string
	PingToken       string
	Kind            MonitorKind
	CronExpr        *string
	IntervalSeconds *int
	GraceSeconds    int
	Status          MonitorStatus
	LastPingAt      *time.Time
	NextExpectedAt  *time.Time
	Muted           bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Ping is an append-only heartbeat record.
type Ping struct {
	ID         string
	MonitorID  string
	ReceivedAt time.Time
}

// APIKey authenticates a tenant on the API surface.
// Secrets are stored as SHA-256 digests, never in the clear.
type APIKey struct {
	KeyID      string
	SecretHash string
	TenantID   string
	CreatedAt  time.Time
}

// IdempotencyRecord stores the replayable outcome of a keyed creation request.
// A record with no status yet marks an in-flight reservation.
type IdempotencyRecord struct {
	TenantID  string
	Key       string
	Status    *int
	Body      []byte
	CreatedAt time.Time
}
