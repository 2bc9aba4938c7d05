package monitor

import (
	"time"

	"hookbeat/internal/core"
)

// DayHealth classifies one day of a monitor's ping history.
type DayHealth string

const (
	DayUp       DayHealth = "up"
	DayDegraded DayHealth = "degraded"
	DayDown     DayHealth = "down"
	DayNoData   DayHealth = "no_data"
)

// DaySummary is one row of the rolling uptime report.
type DaySummary struct {
	Day      string    `json:"day"` // UTC, "2006-01-02"
	Expected int       `json:"expected"`
	Received int       `json:"received"`
	Health   DayHealth `json:"health"`
}

// A day counts as degraded when it received pings but fewer than this share
// of the expected count.
const degradedThreshold = 0.9

// ExpectedPingsPerDay derives the daily expected ping count from the
// monitor's cadence. Cron cadence goes through the same estimate used for
// dispatch ordering; it is a reporting heuristic, never a correctness input.
func ExpectedPingsPerDay(m *core.Monitor) int {
	switch m.Kind {
	case core.MonitorKindInterval:
		if m.IntervalSeconds == nil || *m.IntervalSeconds <= 0 {
			return 0
		}
		return (24 * 60 * 60) / *m.IntervalSeconds
	case core.MonitorKindCron:
		if m.CronExpr == nil {
			return 0
		}
		cadence := core.EstimateCadenceMinutes(*m.CronExpr)
		if cadence <= 0 {
			return 0
		}
		return (24 * 60) / cadence
	}
	return 0
}

// BuildUptime classifies each of the trailing days (oldest first) by
// comparing received against expected pings. Days before the monitor existed,
// and any day with zero expected pings, are no-data rather than down.
func BuildUptime(m *core.Monitor, counts map[string]int, days int, now time.Time) []DaySummary {
	if days < 1 {
		days = 1
	}
	expected := ExpectedPingsPerDay(m)
	createdDay := m.CreatedAt.UTC().Format("2006-01-02")

	summaries := make([]DaySummary, 0, days)
	for i := days - 1; i >= 0; i-- {
		day := now.UTC().AddDate(0, 0, -i).Format("2006-01-02")
		received := counts[day]
		s := DaySummary{Day: day, Expected: expected, Received: received}
		switch {
		case expected == 0 || day < createdDay:
			s.Expected = 0
			s.Health = DayNoData
		case received == 0:
			s.Health = DayDown
		case float64(received) < degradedThreshold*float64(expected):
			s.Health = DayDegraded
		default:
			s.Health = DayUp
		}
		summaries = append(summaries, s)
	}
	return summaries
}

// UptimePercent reports the share of non-no-data days that were up or
// degraded, as a percentage.
func UptimePercent(summaries []DaySummary) float64 {
	var counted, alive int
	for _, s := range summaries {
		if s.Health == DayNoData {
			continue
		}
		counted++
		if s.Health == DayUp || s.Health == DayDegraded {
			alive++
		}
	}
	if counted == 0 {
		return 100.0
	}
	return 100.0 * float64(alive) / float64(counted)
}
