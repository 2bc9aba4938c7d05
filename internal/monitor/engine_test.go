package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"hookbeat/internal/core"
	"hookbeat/internal/notify"
)

type fakeMonitorStore struct {
	mu       sync.Mutex
	monitors map[string]*core.Monitor
	pings    []*core.Ping
}

func newFakeMonitorStore(monitors ...*core.Monitor) *fakeMonitorStore {
	s := &fakeMonitorStore{monitors: make(map[string]*core.Monitor)}
	for _, m := range monitors {
		s.monitors[m.ID] = m
	}
	return s
}

func (s *fakeMonitorStore) GetMonitorByToken(_ context.Context, token string) (*core.Monitor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.monitors {
		if m.PingToken == token {
			copied := *m
			return &copied, nil
		}
	}
	return nil, errors.New("monitor not found")
}

func (s *fakeMonitorStore) RecordPing(_ context.Context, ping *core.Ping, status core.MonitorStatus, nextExpectedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.monitors[ping.MonitorID]
	if !ok {
		return errors.New("monitor not found")
	}
	s.pings = append(s.pings, ping)
	received := ping.ReceivedAt
	m.Status = status
	m.LastPingAt = &received
	m.NextExpectedAt = &nextExpectedAt
	return nil
}

func (s *fakeMonitorStore) ListSweepCandidates(_ context.Context, horizon time.Time) ([]*core.Monitor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*core.Monitor
	for _, m := range s.monitors {
		if m.Status == core.MonitorStatusUp && m.NextExpectedAt != nil && !m.NextExpectedAt.After(horizon) {
			copied := *m
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *fakeMonitorStore) MarkMonitorDown(_ context.Context, id string, observedNextExpected time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.monitors[id]
	if !ok {
		return false, errors.New("monitor not found")
	}
	if m.Status != core.MonitorStatusUp || m.NextExpectedAt == nil || !m.NextExpectedAt.Equal(observedNextExpected) {
		return false, nil
	}
	m.Status = core.MonitorStatusDown
	return true, nil
}

func (s *fakeMonitorStore) SetMonitorStatus(_ context.Context, id string, status core.MonitorStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.monitors[id]
	if !ok {
		return errors.New("monitor not found")
	}
	m.Status = status
	return nil
}

func (s *fakeMonitorStore) get(id string) *core.Monitor {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *s.monitors[id]
	return &copied
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) Send(_ context.Context, event notify.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func (n *recordingNotifier) byKind(kind notify.EventKind) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, e := range n.events {
		if e.Kind == kind {
			count++
		}
	}
	return count
}

func intervalMonitor(id string, intervalSeconds, graceSeconds int) *core.Monitor {
	return &core.Monitor{
		ID:              id,
		TenantID:        "default",
		PingToken:       "tok-" + id,
		Kind:            core.MonitorKindInterval,
		IntervalSeconds: &intervalSeconds,
		GraceSeconds:    graceSeconds,
		Status:          core.MonitorStatusNew,
		CreatedAt:       time.Now().UTC(),
	}
}

func TestSweepFlipsDownOnceAfterGrace(t *testing.T) {
	m := intervalMonitor("mon_1", 60, 30)
	st := newFakeMonitorStore(m)
	rec := &recordingNotifier{}
	e := NewEngine(st, rec, zerolog.Nop(), time.Second)

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	if _, err := e.OnPing(context.Background(), m.PingToken, base); err != nil {
		t.Fatalf("OnPing: %v", err)
	}
	if got := st.get(m.ID).Status; got != core.MonitorStatusUp {
		t.Fatalf("status after ping = %s, want up", got)
	}

	// Next ping expected at T+60s with 30s grace: sweeps before T+90s are
	// no-ops, the first one at or after flips the monitor down.
	e.Sweep(context.Background(), base.Add(89*time.Second))
	if got := st.get(m.ID).Status; got != core.MonitorStatusUp {
		t.Fatalf("status before grace deadline = %s, want up", got)
	}

	e.Sweep(context.Background(), base.Add(91*time.Second))
	if got := st.get(m.ID).Status; got != core.MonitorStatusDown {
		t.Fatalf("status after grace deadline = %s, want down", got)
	}
	if n := rec.byKind(notify.EventFailure); n != 1 {
		t.Fatalf("failure events = %d, want 1", n)
	}

	// Repeated sweeps must not reopen the episode.
	e.Sweep(context.Background(), base.Add(5*time.Minute))
	if n := rec.byKind(notify.EventFailure); n != 1 {
		t.Fatalf("failure events after repeat sweep = %d, want 1", n)
	}
}

func TestPingRecoversDownMonitor(t *testing.T) {
	m := intervalMonitor("mon_1", 60, 0)
	st := newFakeMonitorStore(m)
	rec := &recordingNotifier{}
	e := NewEngine(st, rec, zerolog.Nop(), time.Second)

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	if _, err := e.OnPing(context.Background(), m.PingToken, base); err != nil {
		t.Fatalf("OnPing: %v", err)
	}
	e.Sweep(context.Background(), base.Add(2*time.Minute))
	if got := st.get(m.ID).Status; got != core.MonitorStatusDown {
		t.Fatalf("status = %s, want down", got)
	}

	got, err := e.OnPing(context.Background(), m.PingToken, base.Add(3*time.Minute))
	if err != nil {
		t.Fatalf("recovery ping: %v", err)
	}
	if got.Status != core.MonitorStatusUp {
		t.Fatalf("status after recovery ping = %s, want up", got.Status)
	}
	if n := rec.byKind(notify.EventRecovery); n != 1 {
		t.Fatalf("recovery events = %d, want 1", n)
	}
}

func TestLatePingDefusesSweep(t *testing.T) {
	m := intervalMonitor("mon_1", 60, 30)
	st := newFakeMonitorStore(m)
	e := NewEngine(st, &recordingNotifier{}, zerolog.Nop(), time.Second)

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	if _, err := e.OnPing(context.Background(), m.PingToken, base); err != nil {
		t.Fatalf("OnPing: %v", err)
	}
	stale := st.get(m.ID)

	// A ping lands after the sweep read its candidate but before the
	// conditional down transition; the stale pointer no longer matches.
	if _, err := e.OnPing(context.Background(), m.PingToken, base.Add(95*time.Second)); err != nil {
		t.Fatalf("late ping: %v", err)
	}
	flipped, err := st.MarkMonitorDown(context.Background(), m.ID, *stale.NextExpectedAt)
	if err != nil {
		t.Fatalf("MarkMonitorDown: %v", err)
	}
	if flipped {
		t.Fatal("stale sweep transition succeeded despite newer ping")
	}
	if got := st.get(m.ID).Status; got != core.MonitorStatusUp {
		t.Fatalf("status = %s, want up", got)
	}
}

func TestPingPausedMonitor(t *testing.T) {
	m := intervalMonitor("mon_1", 60, 0)
	m.Status = core.MonitorStatusPaused
	st := newFakeMonitorStore(m)
	e := NewEngine(st, &recordingNotifier{}, zerolog.Nop(), time.Second)

	if _, err := e.OnPing(context.Background(), m.PingToken, time.Now().UTC()); !errors.Is(err, ErrMonitorPaused) {
		t.Fatalf("expected ErrMonitorPaused, got %v", err)
	}
}

func TestMutedMonitorFiresNothing(t *testing.T) {
	m := intervalMonitor("mon_1", 60, 0)
	m.Muted = true
	st := newFakeMonitorStore(m)
	rec := &recordingNotifier{}
	e := NewEngine(st, rec, zerolog.Nop(), time.Second)

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	if _, err := e.OnPing(context.Background(), m.PingToken, base); err != nil {
		t.Fatalf("OnPing: %v", err)
	}
	e.Sweep(context.Background(), base.Add(5*time.Minute))
	if got := st.get(m.ID).Status; got != core.MonitorStatusDown {
		t.Fatalf("status = %s, want down", got)
	}
	if len(rec.events) != 0 {
		t.Fatalf("muted monitor fired %d events", len(rec.events))
	}
}

func TestResumeStatus(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-10 * time.Minute)
	soon := now.Add(5 * time.Minute)

	never := intervalMonitor("a", 60, 30)
	if got := ResumeStatus(never, now); got != core.MonitorStatusNew {
		t.Fatalf("never-pinged resume = %s, want new", got)
	}

	alive := intervalMonitor("b", 60, 30)
	alive.LastPingAt = &past
	alive.NextExpectedAt = &soon
	if got := ResumeStatus(alive, now); got != core.MonitorStatusUp {
		t.Fatalf("alive resume = %s, want up", got)
	}

	lapsed := intervalMonitor("c", 60, 30)
	lapsed.LastPingAt = &past
	lapsed.NextExpectedAt = &past
	if got := ResumeStatus(lapsed, now); got != core.MonitorStatusDown {
		t.Fatalf("lapsed resume = %s, want down", got)
	}
}
