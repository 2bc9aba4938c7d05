package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"hookbeat/internal/core"
	"hookbeat/internal/notify"
)

// ErrMonitorPaused is returned for pings against a disabled monitor; the API
// surfaces it as 410.
var ErrMonitorPaused = errors.New("monitor is paused")

// Store is the persistence surface of the heartbeat engine.
type Store interface {
	GetMonitorByToken(ctx context.Context, token string) (*core.Monitor, error)
	RecordPing(ctx context.Context, ping *core.Ping, status core.MonitorStatus, nextExpectedAt time.Time) error
	ListSweepCandidates(ctx context.Context, horizon time.Time) ([]*core.Monitor, error)
	MarkMonitorDown(ctx context.Context, id string, observedNextExpected time.Time) (bool, error)
	SetMonitorStatus(ctx context.Context, id string, status core.MonitorStatus) error
}

// Engine consumes heartbeat pings and runs the periodic sweep that detects
// missed ones. Ping handling and sweeping race on monitor status; both go
// through conditional store updates keyed on the expected-ping pointer, so a
// sweep can never regress a monitor that was pinged after its reference time.
type Engine struct {
	store    Store
	notifier notify.Notifier
	logger   zerolog.Logger
	interval time.Duration
}

func NewEngine(store Store, notifier notify.Notifier, logger zerolog.Logger, sweepInterval time.Duration) *Engine {
	if notifier == nil {
		notifier = &notify.NoOpNotifier{}
	}
	if sweepInterval <= 0 {
		sweepInterval = 30 * time.Second
	}
	return &Engine{store: store, notifier: notifier, logger: logger, interval: sweepInterval}
}

// Run drives the sweep loop until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.logger.Info().Dur("interval", e.interval).Msg("heartbeat sweep started")

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			e.Sweep(ctx, now.UTC())
		}
	}
}

// OnPing records a heartbeat for the monitor owning token and advances its
// expected-ping bookkeeping. A ping on a down monitor transitions it back up
// and fires the recovery hook once.
func (e *Engine) OnPing(ctx context.Context, token string, receivedAt time.Time) (*core.Monitor, error) {
	m, err := e.store.GetMonitorByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if m.Status == core.MonitorStatusPaused {
		return nil, ErrMonitorPaused
	}

	nextExpected, err := NextExpected(m, receivedAt)
	if err != nil {
		return nil, err
	}

	ping := &core.Ping{
		ID:         core.NewID(core.PrefixPing),
		MonitorID:  m.ID,
		ReceivedAt: receivedAt.UTC(),
	}
	wasDown := m.Status == core.MonitorStatusDown
	if err := e.store.RecordPing(ctx, ping, core.MonitorStatusUp, nextExpected); err != nil {
		return nil, err
	}

	received := receivedAt.UTC()
	m.Status = core.MonitorStatusUp
	m.LastPingAt = &received
	m.NextExpectedAt = &nextExpected

	if wasDown {
		e.fire(ctx, m, notify.EventRecovery, "heartbeat resumed")
	}
	return m, nil
}

// Sweep transitions every up monitor whose grace period has lapsed to down,
// firing the failure hook exactly once per down episode.
func (e *Engine) Sweep(ctx context.Context, now time.Time) {
	candidates, err := e.store.ListSweepCandidates(ctx, now)
	if err != nil {
		e.logger.Error().Err(err).Msg("list sweep candidates")
		return
	}
	for _, m := range candidates {
		if m.NextExpectedAt == nil {
			continue
		}
		deadline := m.NextExpectedAt.Add(time.Duration(m.GraceSeconds) * time.Second)
		if !deadline.Before(now) {
			continue
		}
		flipped, err := e.store.MarkMonitorDown(ctx, m.ID, *m.NextExpectedAt)
		if err != nil {
			e.logger.Error().Err(err).Str("monitor_id", m.ID).Msg("mark monitor down")
			continue
		}
		if !flipped {
			// A ping moved next_expected_at after we read it; the monitor
			// is alive and the episode never opened.
			continue
		}
		e.logger.Warn().
			Str("monitor_id", m.ID).
			Time("expected", *m.NextExpectedAt).
			Int("grace_seconds", m.GraceSeconds).
			Msg("monitor down")
		e.fire(ctx, m, notify.EventFailure, core.ErrMonitorGraceExceeded.Error())
	}
}

// Pause disables a monitor from any state.
func (e *Engine) Pause(ctx context.Context, m *core.Monitor) error {
	return e.store.SetMonitorStatus(ctx, m.ID, core.MonitorStatusPaused)
}

// Resume re-enables a paused monitor, restoring the state its ping history
// implies rather than whatever it was when paused.
func (e *Engine) Resume(ctx context.Context, m *core.Monitor, now time.Time) (core.MonitorStatus, error) {
	status := ResumeStatus(m, now)
	if err := e.store.SetMonitorStatus(ctx, m.ID, status); err != nil {
		return "", err
	}
	return status, nil
}

// ResumeStatus computes the state a monitor re-enters when unpaused.
func ResumeStatus(m *core.Monitor, now time.Time) core.MonitorStatus {
	if m.LastPingAt == nil {
		return core.MonitorStatusNew
	}
	if m.NextExpectedAt != nil {
		deadline := m.NextExpectedAt.Add(time.Duration(m.GraceSeconds) * time.Second)
		if deadline.Before(now) {
			return core.MonitorStatusDown
		}
	}
	return core.MonitorStatusUp
}

// NextExpected computes when the next ping is due after one received at
// receivedAt.
func NextExpected(m *core.Monitor, receivedAt time.Time) (time.Time, error) {
	switch m.Kind {
	case core.MonitorKindInterval:
		if m.IntervalSeconds == nil || *m.IntervalSeconds <= 0 {
			return time.Time{}, fmt.Errorf("%w: interval monitor without interval", core.ErrInvalidSchedule)
		}
		return receivedAt.UTC().Add(time.Duration(*m.IntervalSeconds) * time.Second), nil
	case core.MonitorKindCron:
		if m.CronExpr == nil {
			return time.Time{}, fmt.Errorf("%w: cron monitor without expression", core.ErrInvalidSchedule)
		}
		return core.NextRunAfter(*m.CronExpr, receivedAt, time.UTC)
	default:
		return time.Time{}, fmt.Errorf("%w: unknown monitor kind %q", core.ErrInvalidSchedule, m.Kind)
	}
}

func (e *Engine) fire(ctx context.Context, m *core.Monitor, kind notify.EventKind, detail string) {
	if m.Muted {
		return
	}
	name := ""
	if m.Name != nil {
		name = *m.Name
	}
	event := notify.Event{
		Kind:   kind,
		Source: "monitor",
		ID:     m.ID,
		Name:   name,
		Detail: detail,
		At:     time.Now().UTC(),
	}
	if err := e.notifier.Send(ctx, event); err != nil {
		e.logger.Warn().Err(err).Str("monitor_id", m.ID).Str("kind", string(kind)).Msg("send monitor notification")
	}
}
