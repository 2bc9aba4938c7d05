package dispatch

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"hookbeat/internal/core"
	"hookbeat/internal/notify"
)

// RetryPolicy decides what happens after an execution reaches an outcome:
// schedule a retry attempt, advance the cron schedule, park a one-shot task,
// and fire failure/recovery hooks on terminal transitions.
type RetryPolicy struct {
	backoff  core.BackoffStrategy
	notifier notify.Notifier
	logger   zerolog.Logger
}

func NewRetryPolicy(backoff core.BackoffStrategy, notifier notify.Notifier, logger zerolog.Logger) *RetryPolicy {
	if backoff == nil {
		backoff = core.DefaultBackoff()
	}
	if notifier == nil {
		notifier = &notify.NoOpNotifier{}
	}
	return &RetryPolicy{backoff: backoff, notifier: notifier, logger: logger}
}

// Resolve records the terminal execution outcome and computes the task's next
// schedule state. Dispatch-time failures never propagate; they become
// execution rows and retries.
func (p *RetryPolicy) Resolve(ctx context.Context, st Store, task *core.Task, exec *core.Execution, res CallResult, now time.Time) {
	finished := now.UTC()
	exec.Status = res.Status
	exec.FinishedAt = &finished
	exec.HTTPStatus = res.HTTPStatus
	exec.DurationMs = &res.DurationMs
	exec.Error = res.ErrMsg
	if res.Body != "" {
		body := res.Body
		exec.ResponseBody = &body
	}
	if err := st.MarkExecutionFinished(ctx, exec); err != nil {
		p.logger.Error().Err(err).Str("execution_id", exec.ID).Msg("record execution outcome")
	}

	switch res.Status {
	case core.ExecutionStatusSuccess:
		p.resolveSuccess(ctx, st, task, exec, now)
	default:
		p.resolveFailure(ctx, st, task, exec, now)
	}
}

// ResolveMissed marks an execution that sat claimable past the grace window
// and advances the schedule without dispatching it late.
func (p *RetryPolicy) ResolveMissed(ctx context.Context, st Store, task *core.Task, exec *core.Execution, now time.Time) {
	finished := now.UTC()
	exec.Status = core.ExecutionStatusMissed
	exec.FinishedAt = &finished
	if err := st.MarkExecutionFinished(ctx, exec); err != nil {
		p.logger.Error().Err(err).Str("execution_id", exec.ID).Msg("record missed execution")
	}
	next := p.nextRun(task, exec.ScheduledFor, now)
	if err := st.FinishTask(ctx, task.ID, next, task.Failing); err != nil {
		p.logger.Error().Err(err).Str("task_id", task.ID).Msg("advance missed task")
	}
	p.logger.Warn().Str("task_id", task.ID).Time("scheduled_for", exec.ScheduledFor).Msg("task missed grace window")
}

func (p *RetryPolicy) resolveSuccess(ctx context.Context, st Store, task *core.Task, exec *core.Execution, now time.Time) {
	next := p.nextRun(task, exec.ScheduledFor, now)
	if err := st.FinishTask(ctx, task.ID, next, false); err != nil {
		p.logger.Error().Err(err).Str("task_id", task.ID).Msg("finish task after success")
		return
	}
	if task.Failing {
		p.fire(ctx, task, notify.EventRecovery, "delivery recovered after prior failures")
	}
}

func (p *RetryPolicy) resolveFailure(ctx context.Context, st Store, task *core.Task, exec *core.Execution, now time.Time) {
	if exec.Attempt <= task.RetryAttempts {
		delay := p.backoff.Delay(exec.Attempt)
		retryAt := now.Add(delay).UTC()
		next := &core.Execution{
			ID:           core.NewID(core.PrefixExecution),
			TaskID:       task.ID,
			Status:       core.ExecutionStatusPending,
			ScheduledFor: retryAt,
			Attempt:      exec.Attempt + 1,
		}
		if err := st.InsertExecution(ctx, next); err != nil {
			p.logger.Error().Err(err).Str("task_id", task.ID).Msg("schedule retry execution")
			return
		}
		if err := st.FinishTask(ctx, task.ID, &retryAt, task.Failing); err != nil {
			p.logger.Error().Err(err).Str("task_id", task.ID).Msg("point task at retry")
		}
		p.logger.Info().
			Str("task_id", task.ID).
			Int("attempt", exec.Attempt).
			Dur("delay", delay).
			Msg("execution failed, retry scheduled")
		return
	}

	// Retry budget exhausted: terminal failure.
	next := p.nextRun(task, exec.ScheduledFor, now)
	if err := st.FinishTask(ctx, task.ID, next, true); err != nil {
		p.logger.Error().Err(err).Str("task_id", task.ID).Msg("finish task after exhaustion")
		return
	}
	p.logger.Warn().
		Str("task_id", task.ID).
		Int("attempts", exec.Attempt).
		Msg("retry budget exhausted")
	if !task.Failing {
		p.fire(ctx, task, notify.EventFailure, core.ErrRetryExhausted.Error())
	}
}

// nextRun computes the post-execution schedule pointer. Cron tasks advance
// from the execution's scheduled time, not wall-clock now, so cadence does
// not drift; if that lands in the past (the task was long overdue) it is
// recomputed from now once so the dispatcher cannot spin on an always-due
// task. One-shot tasks go dormant.
func (p *RetryPolicy) nextRun(task *core.Task, scheduledFor, now time.Time) *time.Time {
	if task.ScheduleKind != core.ScheduleKindCron || task.CronExpr == nil {
		return nil
	}
	loc := taskLocation(task)
	next, err := core.NextRunAfter(*task.CronExpr, scheduledFor, loc)
	if err != nil {
		p.logger.Error().Err(err).Str("task_id", task.ID).Msg("compute next run")
		return nil
	}
	if !next.After(now) {
		next, err = core.NextRunAfter(*task.CronExpr, now, loc)
		if err != nil {
			return nil
		}
	}
	return &next
}

func (p *RetryPolicy) fire(ctx context.Context, task *core.Task, kind notify.EventKind, detail string) {
	event := notify.Event{
		Kind:   kind,
		Source: "task",
		ID:     task.ID,
		Detail: detail,
		At:     time.Now().UTC(),
	}
	if task.CallbackURL != nil {
		event.URL = *task.CallbackURL
	}
	if err := p.notifier.Send(ctx, event); err != nil {
		p.logger.Warn().Err(err).Str("task_id", task.ID).Str("kind", string(kind)).Msg("send task notification")
	}
}

func taskLocation(task *core.Task) *time.Location {
	if task.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(task.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
