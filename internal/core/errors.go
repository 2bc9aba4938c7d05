package core

import "errors"

// Error taxonomy shared across the engine. Store-level not-found errors live
// in the store package; these cover scheduling, dispatch and API concerns.
var (
	// ErrInvalidCronExpression is returned for unparseable cron expressions.
	ErrInvalidCronExpression = errors.New("invalid cron expression")

	// ErrInvalidSchedule is returned when a field required by the chosen
	// schedule kind is missing or contradictory.
	ErrInvalidSchedule = errors.New("invalid schedule")

	// ErrClaimConflict means another worker already owns the task. Benign.
	ErrClaimConflict = errors.New("task already claimed")

	// ErrDispatchTimeout marks an outbound call cancelled at its deadline.
	ErrDispatchTimeout = errors.New("dispatch deadline exceeded")

	// ErrDispatchNetwork marks a transport-level delivery failure, as
	// opposed to a non-2xx HTTP response.
	ErrDispatchNetwork = errors.New("dispatch network error")

	// ErrRetryExhausted marks a task that used up its retry budget.
	ErrRetryExhausted = errors.New("retry budget exhausted")

	// ErrMonitorGraceExceeded marks a monitor whose grace period lapsed.
	ErrMonitorGraceExceeded = errors.New("monitor grace period exceeded")

	// ErrRateLimited is returned when a client exceeds a request window.
	ErrRateLimited = errors.New("rate limited")

	// ErrStoreUnavailable wraps primary-store failures that trigger
	// degraded mode instead of propagating.
	ErrStoreUnavailable = errors.New("store unavailable")
)
