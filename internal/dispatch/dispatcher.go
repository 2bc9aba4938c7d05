package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"hookbeat/internal/core"
)

// Store is the persistence surface the dispatcher depends on. The SQLite
// store implements it directly; the resilience guard wraps that with a
// degraded-mode fallback, so the dispatcher never knows which one it has.
type Store interface {
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]*core.Task, error)
	ReleaseStaleClaims(ctx context.Context, now time.Time) (int, error)
	PendingExecution(ctx context.Context, taskID string) (*core.Execution, error)
	InsertExecution(ctx context.Context, exec *core.Execution) error
	MarkExecutionStarted(ctx context.Context, id string, startedAt time.Time) error
	MarkExecutionFinished(ctx context.Context, exec *core.Execution) error
	FinishTask(ctx context.Context, id string, nextRunAt *time.Time, failing bool) error
}

// Options bound the dispatcher's polling and fan-out behavior.
type Options struct {
	TickInterval time.Duration
	Workers      int
	ClaimBatch   int
	MissedAfter  time.Duration
}

// Dispatcher polls for due tasks, claims them exclusively and delivers their
// outbound HTTP calls through a bounded worker pool.
type Dispatcher struct {
	store  Store
	caller *Caller
	policy *RetryPolicy
	queues *QueueLocks
	logger zerolog.Logger
	opts   Options

	sem chan struct{}
	wg  sync.WaitGroup
}

func NewDispatcher(store Store, caller *Caller, policy *RetryPolicy, logger zerolog.Logger, opts Options) *Dispatcher {
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.ClaimBatch < 1 {
		opts.ClaimBatch = opts.Workers
	}
	return &Dispatcher{
		store:  store,
		caller: caller,
		policy: policy,
		queues: NewQueueLocks(),
		logger: logger,
		opts:   opts,
		sem:    make(chan struct{}, opts.Workers),
	}
}

// Run drives the poll loop until ctx is cancelled, then stops claiming and
// waits for in-flight dispatches to finish on their own deadlines; the drain
// is bounded by the largest task timeout, never by forced cancellation.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.opts.TickInterval)
	defer ticker.Stop()

	staleTicker := time.NewTicker(time.Minute)
	defer staleTicker.Stop()

	d.logger.Info().
		Dur("tick", d.opts.TickInterval).
		Int("workers", d.opts.Workers).
		Msg("dispatcher started")

	for {
		select {
		case <-ctx.Done():
			d.logger.Info().Msg("dispatcher draining")
			d.wg.Wait()
			d.logger.Info().Msg("dispatcher stopped")
			return
		case now := <-staleTicker.C:
			if n, err := d.store.ReleaseStaleClaims(ctx, now); err != nil {
				d.logger.Error().Err(err).Msg("release stale claims")
			} else if n > 0 {
				d.logger.Warn().Int("count", n).Msg("released stale claims")
			}
		case now := <-ticker.C:
			d.tick(ctx, now)
		}
	}
}

func (d *Dispatcher) tick(ctx context.Context, now time.Time) {
	tasks, err := d.store.ClaimDue(ctx, now, d.opts.ClaimBatch)
	if err != nil {
		d.logger.Error().Err(err).Msg("claim due tasks")
		return
	}
	for _, task := range tasks {
		select {
		case d.sem <- struct{}{}:
		case <-ctx.Done():
			// Shutdown mid-batch: the claim TTL returns unstarted tasks
			// to the pool.
			return
		}
		d.wg.Add(1)
		go func(tk *core.Task) {
			defer d.wg.Done()
			defer func() { <-d.sem }()
			d.runTask(ctx, tk, time.Now().UTC())
		}(task)
	}
}

func (d *Dispatcher) runTask(ctx context.Context, task *core.Task, now time.Time) {
	if task.Queue != nil {
		release, err := d.queues.Acquire(ctx, *task.Queue)
		if err != nil {
			return
		}
		defer release()
	}

	exec, err := d.openExecution(ctx, task, now)
	if err != nil {
		d.logger.Error().Err(err).Str("task_id", task.ID).Msg("open execution")
		return
	}

	if d.opts.MissedAfter > 0 && now.Sub(exec.ScheduledFor) > d.opts.MissedAfter {
		d.policy.ResolveMissed(ctx, d.store, task, exec, now)
		return
	}

	// The attempt is committed past this point: the outbound call runs to
	// the task's own deadline and its outcome is recorded even when the
	// run context is cancelled mid-flight. Run's drain waits on the
	// worker group, so shutdown stays bounded by the largest task timeout.
	ctx = context.WithoutCancel(ctx)

	startedAt := time.Now().UTC()
	if err := d.store.MarkExecutionStarted(ctx, exec.ID, startedAt); err != nil {
		d.logger.Error().Err(err).Str("execution_id", exec.ID).Msg("mark execution started")
	}
	exec.StartedAt = &startedAt

	result := d.caller.Call(ctx, task)

	d.logger.Debug().
		Str("task_id", task.ID).
		Str("execution_id", exec.ID).
		Str("status", string(result.Status)).
		Int64("duration_ms", result.DurationMs).
		Msg("dispatch finished")

	d.policy.Resolve(ctx, d.store, task, exec, result, time.Now().UTC())
}

// openExecution reuses the pending retry row when one exists, otherwise it
// opens a fresh first attempt scheduled at the task's due time.
func (d *Dispatcher) openExecution(ctx context.Context, task *core.Task, now time.Time) (*core.Execution, error) {
	pending, err := d.store.PendingExecution(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	if pending != nil {
		return pending, nil
	}
	scheduledFor := now
	if task.NextRunAt != nil {
		scheduledFor = *task.NextRunAt
	}
	exec := &core.Execution{
		ID:           core.NewID(core.PrefixExecution),
		TaskID:       task.ID,
		Status:       core.ExecutionStatusPending,
		ScheduledFor: scheduledFor,
		Attempt:      1,
	}
	if err := d.store.InsertExecution(ctx, exec); err != nil {
		return nil, err
	}
	return exec, nil
}
