package resilience

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"hookbeat/internal/core"
)

// fakePrimary is a switchable in-memory Primary. While failing is set every
// call errors, imitating an unreachable database.
type fakePrimary struct {
	mu         sync.Mutex
	failing    bool
	failErr    error
	tasks      map[string]*core.Task
	executions map[string]*core.Execution
	finishes   []string
}

func newFakePrimary(tasks ...*core.Task) *fakePrimary {
	p := &fakePrimary{
		tasks:      make(map[string]*core.Task),
		executions: make(map[string]*core.Execution),
	}
	for _, task := range tasks {
		p.tasks[task.ID] = task
	}
	return p
}

var errDown = errors.New("database is locked")

func (p *fakePrimary) setFailing(failing bool) {
	p.setFailingWith(failing, errDown)
}

func (p *fakePrimary) setFailingWith(failing bool, err error) {
	p.mu.Lock()
	p.failing = failing
	p.failErr = err
	p.mu.Unlock()
}

func (p *fakePrimary) ListEnabledTasks(context.Context) ([]*core.Task, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failing {
		return nil, p.failErr
	}
	var out []*core.Task
	for _, task := range p.tasks {
		if task.Enabled {
			copied := *task
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (p *fakePrimary) ClaimDue(_ context.Context, now time.Time, limit int) ([]*core.Task, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failing {
		return nil, p.failErr
	}
	var due []*core.Task
	for _, task := range p.tasks {
		if len(due) >= limit {
			break
		}
		if task.Enabled && task.NextRunAt != nil && !task.NextRunAt.After(now) {
			copied := *task
			due = append(due, &copied)
		}
	}
	return due, nil
}

func (p *fakePrimary) ReleaseStaleClaims(context.Context, time.Time) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failing {
		return 0, p.failErr
	}
	return 0, nil
}

func (p *fakePrimary) PendingExecution(context.Context, string) (*core.Execution, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failing {
		return nil, p.failErr
	}
	return nil, nil
}

func (p *fakePrimary) InsertExecution(_ context.Context, exec *core.Execution) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failing {
		return p.failErr
	}
	if _, ok := p.executions[exec.ID]; ok {
		return errors.New("UNIQUE constraint failed: executions.id")
	}
	copied := *exec
	p.executions[exec.ID] = &copied
	return nil
}

func (p *fakePrimary) MarkExecutionStarted(_ context.Context, id string, startedAt time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failing {
		return p.failErr
	}
	if exec, ok := p.executions[id]; ok {
		exec.Status = core.ExecutionStatusRunning
		exec.StartedAt = &startedAt
	}
	return nil
}

func (p *fakePrimary) MarkExecutionFinished(_ context.Context, exec *core.Execution) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failing {
		return p.failErr
	}
	copied := *exec
	p.executions[exec.ID] = &copied
	return nil
}

func (p *fakePrimary) FinishTask(_ context.Context, id string, nextRunAt *time.Time, failing bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failing {
		return p.failErr
	}
	if task, ok := p.tasks[id]; ok {
		task.NextRunAt = nextRunAt
		task.Failing = failing
	}
	p.finishes = append(p.finishes, id)
	return nil
}

func (p *fakePrimary) execution(id string) *core.Execution {
	p.mu.Lock()
	defer p.mu.Unlock()
	exec, ok := p.executions[id]
	if !ok {
		return nil
	}
	copied := *exec
	return &copied
}

func dueTask(id string, dueAt time.Time) *core.Task {
	return &core.Task{
		ID:           id,
		TenantID:     "default",
		URL:          "http://example.invalid/hook",
		Method:       "POST",
		ScheduleKind: core.ScheduleKindOnce,
		Timezone:     "UTC",
		Enabled:      true,
		TimeoutMs:    1000,
		NextRunAt:    &dueAt,
	}
}

func newTestGuard(t *testing.T, primary *fakePrimary) *Guard {
	t.Helper()
	journal, err := NewJournal(filepath.Join(t.TempDir(), "journal.jsonl"))
	if err != nil {
		t.Fatalf("NewJournal: %v", err)
	}
	return NewGuard(primary, journal, zerolog.Nop(), time.Minute)
}

func TestGuardPassthroughWhileHealthy(t *testing.T) {
	now := time.Now().UTC()
	primary := newFakePrimary(dueTask("tsk_1", now.Add(-time.Second)))
	g := newTestGuard(t, primary)

	tasks, err := g.ClaimDue(context.Background(), now, 10)
	if err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != "tsk_1" {
		t.Fatalf("claimed %v, want tsk_1", tasks)
	}
	if g.Degraded() {
		t.Fatal("guard degraded without a store failure")
	}
}

func TestGuardServesSnapshotWhileDegraded(t *testing.T) {
	now := time.Now().UTC()
	primary := newFakePrimary(dueTask("tsk_1", now.Add(-time.Second)))
	g := newTestGuard(t, primary)
	g.refreshSnapshot(context.Background())

	primary.setFailing(true)

	tasks, err := g.ClaimDue(context.Background(), now, 10)
	if err != nil {
		t.Fatalf("degraded ClaimDue must not error, got %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("snapshot claim = %d tasks, want 1", len(tasks))
	}
	if !g.Degraded() {
		t.Fatal("guard not degraded after store failure")
	}

	// The snapshot claim set is per-process: the same task is not handed
	// out twice within the episode.
	again, _ := g.ClaimDue(context.Background(), now, 10)
	if len(again) != 0 {
		t.Fatalf("duplicate snapshot claim of %d tasks", len(again))
	}
}

func TestGuardJournalsWritesAndReplaysOnRecovery(t *testing.T) {
	now := time.Now().UTC()
	primary := newFakePrimary(dueTask("tsk_1", now.Add(-time.Second)))
	g := newTestGuard(t, primary)
	g.refreshSnapshot(context.Background())

	primary.setFailing(true)
	claimed, _ := g.ClaimDue(context.Background(), now, 10)
	if len(claimed) != 1 {
		t.Fatalf("snapshot claim = %d tasks, want 1", len(claimed))
	}

	exec := &core.Execution{
		ID:           "exe_1",
		TaskID:       "tsk_1",
		Status:       core.ExecutionStatusPending,
		ScheduledFor: now,
		Attempt:      1,
	}
	if err := g.InsertExecution(context.Background(), exec); err != nil {
		t.Fatalf("degraded InsertExecution: %v", err)
	}
	finished := now.Add(time.Second)
	exec.Status = core.ExecutionStatusSuccess
	exec.FinishedAt = &finished
	if err := g.MarkExecutionFinished(context.Background(), exec); err != nil {
		t.Fatalf("degraded MarkExecutionFinished: %v", err)
	}
	if err := g.FinishTask(context.Background(), "tsk_1", nil, false); err != nil {
		t.Fatalf("degraded FinishTask: %v", err)
	}
	if primary.execution("exe_1") != nil {
		t.Fatal("degraded write reached the primary directly")
	}

	// Primary comes back; the next refresh replays the journal and clears
	// degraded mode.
	primary.setFailing(false)
	g.refreshSnapshot(context.Background())

	if g.Degraded() {
		t.Fatal("guard still degraded after recovery")
	}
	got := primary.execution("exe_1")
	if got == nil {
		t.Fatal("journaled execution not replayed into primary")
	}
	if got.Status != core.ExecutionStatusSuccess {
		t.Fatalf("replayed execution status = %s, want success", got.Status)
	}
	if len(primary.finishes) != 1 || primary.finishes[0] != "tsk_1" {
		t.Fatalf("task finish not replayed, got %v", primary.finishes)
	}
	if n, _ := g.journal.Len(); n != 0 {
		t.Fatalf("journal not drained after replay, %d entries remain", n)
	}
}

func TestGuardReplaysSurvivingJournalOnStartup(t *testing.T) {
	now := time.Now().UTC()
	path := filepath.Join(t.TempDir(), "journal.jsonl")

	// A prior process journaled an outcome while degraded, then died.
	prior, err := NewJournal(path)
	if err != nil {
		t.Fatalf("NewJournal: %v", err)
	}
	finished := now.Add(time.Second)
	exec := &core.Execution{
		ID:           "exe_1",
		TaskID:       "tsk_1",
		Status:       core.ExecutionStatusSuccess,
		ScheduledFor: now,
		FinishedAt:   &finished,
		Attempt:      1,
	}
	if err := prior.Append(Entry{Op: OpExecInsert, At: now, Execution: exec}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := prior.Append(Entry{Op: OpTaskFinish, At: now, TaskID: "tsk_1"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	primary := newFakePrimary(dueTask("tsk_1", now.Add(-time.Second)))
	journal, err := NewJournal(path)
	if err != nil {
		t.Fatalf("NewJournal: %v", err)
	}
	g := NewGuard(primary, journal, zerolog.Nop(), time.Minute)
	if !g.Degraded() {
		t.Fatal("guard with a surviving journal must start degraded")
	}

	// The store is healthy; the first refresh must drain the journal.
	g.refreshSnapshot(context.Background())
	if g.Degraded() {
		t.Fatal("guard still degraded after startup replay")
	}
	if primary.execution("exe_1") == nil {
		t.Fatal("surviving journal entry not replayed into primary")
	}
	if len(primary.finishes) != 1 || primary.finishes[0] != "tsk_1" {
		t.Fatalf("task finish not replayed, got %v", primary.finishes)
	}
	if n, _ := journal.Len(); n != 0 {
		t.Fatalf("journal not drained after startup replay, %d entries remain", n)
	}
}

func TestGuardIgnoresCallerCancellation(t *testing.T) {
	now := time.Now().UTC()
	primary := newFakePrimary(dueTask("tsk_1", now.Add(-time.Second)))
	g := newTestGuard(t, primary)
	g.refreshSnapshot(context.Background())

	primary.setFailingWith(true, fmt.Errorf("claim due: %w", context.Canceled))

	if _, err := g.ClaimDue(context.Background(), now, 10); !errors.Is(err, context.Canceled) {
		t.Fatalf("ClaimDue error = %v, want the caller's cancellation back", err)
	}
	if g.Degraded() {
		t.Fatal("caller cancellation flipped degraded mode")
	}

	exec := &core.Execution{ID: "exe_1", TaskID: "tsk_1", Status: core.ExecutionStatusSuccess, ScheduledFor: now, Attempt: 1}
	if err := g.MarkExecutionFinished(context.Background(), exec); !errors.Is(err, context.Canceled) {
		t.Fatalf("MarkExecutionFinished error = %v, want cancellation back", err)
	}
	if n, _ := g.journal.Len(); n != 0 {
		t.Fatalf("cancelled write was journaled, %d entries", n)
	}

	// A real store failure still degrades.
	primary.setFailing(true)
	if _, err := g.ClaimDue(context.Background(), now, 10); err != nil {
		t.Fatalf("degraded ClaimDue must fall back, got %v", err)
	}
	if !g.Degraded() {
		t.Fatal("store failure did not flip degraded mode")
	}
}

func TestGuardFinishTaskReleasesSnapshotClaim(t *testing.T) {
	now := time.Now().UTC()
	primary := newFakePrimary(dueTask("tsk_1", now.Add(-time.Second)))
	g := newTestGuard(t, primary)
	g.refreshSnapshot(context.Background())
	primary.setFailing(true)

	if got, _ := g.ClaimDue(context.Background(), now, 10); len(got) != 1 {
		t.Fatalf("claim = %d, want 1", len(got))
	}
	retryAt := now.Add(-time.Millisecond)
	if err := g.FinishTask(context.Background(), "tsk_1", &retryAt, false); err != nil {
		t.Fatalf("FinishTask: %v", err)
	}

	// The overlay now points at the retry time, so the task is claimable
	// again within the degraded episode.
	got, _ := g.ClaimDue(context.Background(), now, 10)
	if len(got) != 1 {
		t.Fatalf("reclaim after finish = %d tasks, want 1", len(got))
	}
}
