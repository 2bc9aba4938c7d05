package core

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseCron ensures the expression is a valid 5-field cron definition and returns the underlying schedule.
func ParseCron(expr string) (cron.Schedule, error) {
	if strings.HasPrefix(strings.TrimSpace(expr), "@") {
		return nil, fmt.Errorf("%w: only 5-field expressions are supported", ErrInvalidCronExpression)
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCronExpression, err)
	}
	return schedule, nil
}

// NextRunAfter computes the first occurrence of expr strictly after ref,
// evaluated in loc (UTC when nil). If the underlying computation lands on a
// boundary that is not strictly after ref, the reference is advanced by one
// minute and recomputed once.
func NextRunAfter(expr string, ref time.Time, loc *time.Location) (time.Time, error) {
	schedule, err := ParseCron(expr)
	if err != nil {
		return time.Time{}, err
	}
	if loc == nil {
		loc = time.UTC
	}
	next := schedule.Next(ref.In(loc))
	if !next.After(ref) {
		next = schedule.Next(ref.In(loc).Add(time.Minute))
	}
	return next.UTC(), nil
}

// NextOccurrences returns the next n execution times from a base time.
func NextOccurrences(schedule cron.Schedule, base time.Time, n int) []time.Time {
	times := make([]time.Time, 0, n)
	next := base
	for i := 0; i < n; i++ {
		next = schedule.Next(next)
		times = append(times, next)
	}
	return times
}

// EstimateCadenceMinutes derives the approximate run interval of a cron
// expression in minutes. The result is a dispatch-ordering hint only; actual
// run times always come from NextRunAfter. The rule order matters because it
// determines priority under load:
//
//	minute "*"          -> 1
//	minute "*/N"        -> N
//	minute list of L    -> 60/L
//	hour   "*"          -> 60
//	hour   "*/N"        -> N*60
//	hour   list of K    -> 1440/K
//	otherwise           -> 1440 (daily)
func EstimateCadenceMinutes(expr string) int {
	fields := strings.Fields(strings.TrimSpace(expr))
	if len(fields) != 5 {
		return 1440
	}
	minute, hour := fields[0], fields[1]

	if minute == "*" {
		return 1
	}
	if n, ok := stepOf(minute); ok {
		return n
	}
	if l := listLen(minute); l > 1 {
		return 60 / l
	}

	if hour == "*" {
		return 60
	}
	if n, ok := stepOf(hour); ok {
		return n * 60
	}
	if k := listLen(hour); k > 1 {
		return 1440 / k
	}
	return 1440
}

// stepOf recognizes "*/N" fields and returns N.
func stepOf(field string) (int, bool) {
	rest, found := strings.CutPrefix(field, "*/")
	if !found {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// listLen counts comma-separated values in a field.
func listLen(field string) int {
	if field == "" {
		return 0
	}
	return strings.Count(field, ",") + 1
}
