package resilience

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"hookbeat/internal/core"
	"hookbeat/internal/dispatch"
	"hookbeat/internal/store"
)

// Primary is the healthy-path store the guard fronts.
type Primary interface {
	dispatch.Store
	ListEnabledTasks(ctx context.Context) ([]*core.Task, error)
}

type snapshot struct {
	tasks   []*core.Task
	takenAt time.Time
}

// Guard implements dispatch.Store with a degraded-mode fallback. While the
// primary store is healthy every call passes straight through and a
// background loop keeps an in-memory snapshot of enabled tasks fresh. The
// first store error flips the guard into degraded mode: due-task claims are
// then served from the snapshot (at-least-once across replicas) and outcome
// writes are appended to a durable journal. The first successful store
// operation replays the journal and swaps in a fresh snapshot.
type Guard struct {
	primary Primary
	journal *Journal
	logger  zerolog.Logger
	refresh time.Duration

	degraded atomic.Bool
	snap     atomic.Pointer[snapshot]

	mu      sync.Mutex
	claimed map[string]struct{}
	overlay map[string]*time.Time // degraded-mode next_run_at overrides
}

func NewGuard(primary Primary, journal *Journal, logger zerolog.Logger, refreshInterval time.Duration) *Guard {
	if refreshInterval <= 0 {
		refreshInterval = 30 * time.Second
	}
	g := &Guard{
		primary: primary,
		journal: journal,
		logger:  logger,
		refresh: refreshInterval,
		claimed: make(map[string]struct{}),
		overlay: make(map[string]*time.Time),
	}
	g.snap.Store(&snapshot{})
	// A journal surviving a crash while degraded must drain before the
	// guard reports healthy; starting degraded routes the first successful
	// primary operation through replay.
	if n, err := journal.Len(); err != nil || n > 0 {
		g.degraded.Store(true)
	}
	return g
}

// Degraded reports whether the guard is currently serving from the fallback.
func (g *Guard) Degraded() bool {
	return g.degraded.Load()
}

// Run keeps the snapshot fresh and doubles as the recovery probe: while
// degraded, each tick retries the primary, and the first success triggers
// journal replay plus a full refresh.
func (g *Guard) Run(ctx context.Context) {
	g.refreshSnapshot(ctx)
	ticker := time.NewTicker(g.refresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.refreshSnapshot(ctx)
		}
	}
}

func (g *Guard) refreshSnapshot(ctx context.Context) {
	tasks, err := g.primary.ListEnabledTasks(ctx)
	if err != nil {
		if callerCanceled(err) {
			return
		}
		g.enterDegraded(err)
		return
	}
	g.markHealthy(ctx)
	// Single-writer swap: readers always observe a complete snapshot.
	g.snap.Store(&snapshot{tasks: tasks, takenAt: time.Now().UTC()})
}

// ClaimDue claims work from the primary, or from the snapshot while
// degraded. Snapshot claims are deduplicated per process only; duplicate
// dispatch across replicas is an accepted weakening in this mode.
func (g *Guard) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*core.Task, error) {
	if !g.degraded.Load() {
		tasks, err := g.primary.ClaimDue(ctx, now, limit)
		if err == nil {
			g.markHealthy(ctx)
			return tasks, nil
		}
		if callerCanceled(err) {
			return nil, err
		}
		g.enterDegraded(err)
	}
	return g.claimFromSnapshot(now, limit), nil
}

func (g *Guard) claimFromSnapshot(now time.Time, limit int) []*core.Task {
	snap := g.snap.Load()
	g.mu.Lock()
	defer g.mu.Unlock()

	var due []*core.Task
	for _, task := range snap.tasks {
		if len(due) >= limit {
			break
		}
		if !task.Enabled {
			continue
		}
		if _, taken := g.claimed[task.ID]; taken {
			continue
		}
		nextRun := task.NextRunAt
		if override, ok := g.overlay[task.ID]; ok {
			nextRun = override
		}
		if nextRun == nil || nextRun.After(now) {
			continue
		}
		g.claimed[task.ID] = struct{}{}
		due = append(due, task)
	}
	return due
}

func (g *Guard) ReleaseStaleClaims(ctx context.Context, now time.Time) (int, error) {
	if g.degraded.Load() {
		return 0, nil
	}
	n, err := g.primary.ReleaseStaleClaims(ctx, now)
	if err != nil {
		if callerCanceled(err) {
			return 0, err
		}
		g.enterDegraded(err)
		return 0, nil
	}
	g.markHealthy(ctx)
	return n, nil
}

func (g *Guard) PendingExecution(ctx context.Context, taskID string) (*core.Execution, error) {
	if g.degraded.Load() {
		// Retry chains are not reconstructed from the journal; degraded
		// attempts restart at 1.
		return nil, nil
	}
	exec, err := g.primary.PendingExecution(ctx, taskID)
	if err != nil {
		if callerCanceled(err) {
			return nil, err
		}
		g.enterDegraded(err)
		return nil, nil
	}
	g.markHealthy(ctx)
	return exec, nil
}

func (g *Guard) InsertExecution(ctx context.Context, exec *core.Execution) error {
	if !g.degraded.Load() {
		err := g.primary.InsertExecution(ctx, exec)
		if err == nil {
			g.markHealthy(ctx)
			return nil
		}
		if callerCanceled(err) {
			return err
		}
		g.enterDegraded(err)
	}
	return g.journal.Append(Entry{Op: OpExecInsert, At: time.Now().UTC(), Execution: exec})
}

func (g *Guard) MarkExecutionStarted(ctx context.Context, id string, startedAt time.Time) error {
	if !g.degraded.Load() {
		err := g.primary.MarkExecutionStarted(ctx, id, startedAt)
		if err == nil {
			g.markHealthy(ctx)
			return nil
		}
		if errors.Is(err, store.ErrExecutionNotFound) || callerCanceled(err) {
			return err
		}
		g.enterDegraded(err)
	}
	return g.journal.Append(Entry{Op: OpExecStart, At: time.Now().UTC(), ExecutionID: id, StartedAt: &startedAt})
}

func (g *Guard) MarkExecutionFinished(ctx context.Context, exec *core.Execution) error {
	if !g.degraded.Load() {
		err := g.primary.MarkExecutionFinished(ctx, exec)
		if err == nil {
			g.markHealthy(ctx)
			return nil
		}
		if errors.Is(err, store.ErrExecutionNotFound) || callerCanceled(err) {
			return err
		}
		g.enterDegraded(err)
	}
	return g.journal.Append(Entry{Op: OpExecFinish, At: time.Now().UTC(), Execution: exec})
}

func (g *Guard) FinishTask(ctx context.Context, id string, nextRunAt *time.Time, failing bool) error {
	if !g.degraded.Load() {
		err := g.primary.FinishTask(ctx, id, nextRunAt, failing)
		if err == nil {
			g.markHealthy(ctx)
			return nil
		}
		if callerCanceled(err) {
			return err
		}
		g.enterDegraded(err)
	}
	g.mu.Lock()
	g.overlay[id] = nextRunAt
	delete(g.claimed, id)
	g.mu.Unlock()
	return g.journal.Append(Entry{Op: OpTaskFinish, At: time.Now().UTC(), TaskID: id, NextRunAt: nextRunAt, Failing: failing})
}

// callerCanceled reports whether err came from the caller's own context
// rather than the store; such failures must not flip degraded mode.
func callerCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (g *Guard) enterDegraded(cause error) {
	if g.degraded.CompareAndSwap(false, true) {
		g.logger.Error().
			Err(fmt.Errorf("%w: %v", core.ErrStoreUnavailable, cause)).
			Msg("entering degraded mode")
	}
}

// markHealthy runs recovery once after a degraded episode: replay the
// journal into the primary, then clear the in-memory claim state. Replayed
// operations are conditional updates or keyed inserts, so re-applying a
// partially flushed journal is safe.
func (g *Guard) markHealthy(ctx context.Context) {
	if !g.degraded.Load() {
		return
	}
	err := g.journal.Replay(func(entry Entry) error {
		return g.apply(ctx, entry)
	})
	if err != nil {
		g.logger.Error().Err(err).Msg("journal replay incomplete, staying degraded")
		return
	}
	g.mu.Lock()
	g.claimed = make(map[string]struct{})
	g.overlay = make(map[string]*time.Time)
	g.mu.Unlock()
	g.degraded.Store(false)
	g.logger.Info().Msg("primary store recovered, degraded mode cleared")
}

func (g *Guard) apply(ctx context.Context, entry Entry) error {
	switch entry.Op {
	case OpExecInsert:
		if entry.Execution == nil {
			return nil
		}
		err := g.primary.InsertExecution(ctx, entry.Execution)
		if err != nil && isConstraintErr(err) {
			// Already applied by an interrupted earlier replay.
			return nil
		}
		return err
	case OpExecStart:
		if entry.StartedAt == nil {
			return nil
		}
		err := g.primary.MarkExecutionStarted(ctx, entry.ExecutionID, *entry.StartedAt)
		if errors.Is(err, store.ErrExecutionNotFound) {
			return nil
		}
		return err
	case OpExecFinish:
		if entry.Execution == nil {
			return nil
		}
		err := g.primary.MarkExecutionFinished(ctx, entry.Execution)
		if errors.Is(err, store.ErrExecutionNotFound) {
			return nil
		}
		return err
	case OpTaskFinish:
		err := g.primary.FinishTask(ctx, entry.TaskID, entry.NextRunAt, entry.Failing)
		if errors.Is(err, store.ErrTaskNotFound) {
			return nil
		}
		return err
	}
	return nil
}

func isConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	// modernc.org/sqlite reports UNIQUE violations in the error text; a
	// duplicate primary key here always means the row already landed.
	return strings.Contains(err.Error(), "UNIQUE") || strings.Contains(err.Error(), "constraint")
}
