package core

import (
	"fmt"
	"strconv"
	"strings"
)

// PresetKind names a structured schedule shape that maps onto a cron
// expression. Presets exist so clients can build schedules without writing
// cron syntax; anything a preset can express round-trips through its cron
// form losslessly.
type PresetKind string

const (
	PresetEveryMinute   PresetKind = "every_minute"
	PresetEveryNMinutes PresetKind = "every_n_minutes"
	PresetHourly        PresetKind = "hourly"
	PresetEveryNHours   PresetKind = "every_n_hours"
	PresetDaily         PresetKind = "daily"
	PresetWeekly        PresetKind = "weekly"
	PresetMonthly       PresetKind = "monthly"
)

// SchedulePreset is the structured form of a supported recurring schedule.
// Fields are interpreted per kind: N for the step presets, Minute/Hour for
// the time-of-day presets, Weekday (0=Sunday) for weekly, Day for monthly.
type SchedulePreset struct {
	Kind    PresetKind `json:"kind"`
	N       int        `json:"n,omitempty"`
	Minute  int        `json:"minute,omitempty"`
	Hour    int        `json:"hour,omitempty"`
	Weekday int        `json:"weekday,omitempty"`
	Day     int        `json:"day,omitempty"`
}

// BuildCron renders the preset as a 5-field cron expression.
func (p SchedulePreset) BuildCron() (string, error) {
	if err := p.validate(); err != nil {
		return "", err
	}
	switch p.Kind {
	case PresetEveryMinute:
		return "* * * * *", nil
	case PresetEveryNMinutes:
		return fmt.Sprintf("*/%d * * * *", p.N), nil
	case PresetHourly:
		return fmt.Sprintf("%d * * * *", p.Minute), nil
	case PresetEveryNHours:
		return fmt.Sprintf("%d */%d * * *", p.Minute, p.N), nil
	case PresetDaily:
		return fmt.Sprintf("%d %d * * *", p.Minute, p.Hour), nil
	case PresetWeekly:
		return fmt.Sprintf("%d %d * * %d", p.Minute, p.Hour, p.Weekday), nil
	case PresetMonthly:
		return fmt.Sprintf("%d %d %d * *", p.Minute, p.Hour, p.Day), nil
	}
	return "", fmt.Errorf("%w: unknown preset kind %q", ErrInvalidSchedule, p.Kind)
}

func (p SchedulePreset) validate() error {
	switch p.Kind {
	case PresetEveryMinute:
	case PresetEveryNMinutes:
		if p.N < 2 || p.N > 59 {
			return fmt.Errorf("%w: every_n_minutes requires 2 <= n <= 59", ErrInvalidSchedule)
		}
	case PresetEveryNHours:
		if p.N < 2 || p.N > 23 {
			return fmt.Errorf("%w: every_n_hours requires 2 <= n <= 23", ErrInvalidSchedule)
		}
		if p.Minute < 0 || p.Minute > 59 {
			return fmt.Errorf("%w: minute out of range", ErrInvalidSchedule)
		}
	case PresetHourly:
		if p.Minute < 0 || p.Minute > 59 {
			return fmt.Errorf("%w: minute out of range", ErrInvalidSchedule)
		}
	case PresetDaily, PresetWeekly, PresetMonthly:
		if p.Minute < 0 || p.Minute > 59 || p.Hour < 0 || p.Hour > 23 {
			return fmt.Errorf("%w: time of day out of range", ErrInvalidSchedule)
		}
		if p.Kind == PresetWeekly && (p.Weekday < 0 || p.Weekday > 6) {
			return fmt.Errorf("%w: weekday out of range", ErrInvalidSchedule)
		}
		if p.Kind == PresetMonthly && (p.Day < 1 || p.Day > 28) {
			// Days past 28 skip short months; reject rather than surprise.
			return fmt.Errorf("%w: monthly day must be 1..28", ErrInvalidSchedule)
		}
	default:
		return fmt.Errorf("%w: unknown preset kind %q", ErrInvalidSchedule, p.Kind)
	}
	return nil
}

// PresetFromCron recognizes cron expressions produced by BuildCron and
// recovers their structured form. Expressions outside the preset shapes
// return ok=false; that is not an error, just a schedule with no preset name.
func PresetFromCron(expr string) (SchedulePreset, bool) {
	fields := strings.Fields(strings.TrimSpace(expr))
	if len(fields) != 5 {
		return SchedulePreset{}, false
	}
	minute, hour, dom, month, dow := fields[0], fields[1], fields[2], fields[3], fields[4]
	if month != "*" {
		return SchedulePreset{}, false
	}

	switch {
	case minute == "*" && hour == "*" && dom == "*" && dow == "*":
		return SchedulePreset{Kind: PresetEveryMinute}, true

	case hour == "*" && dom == "*" && dow == "*":
		if n, ok := strings.CutPrefix(minute, "*/"); ok {
			if v, err := strconv.Atoi(n); err == nil && v >= 2 && v <= 59 {
				return SchedulePreset{Kind: PresetEveryNMinutes, N: v}, true
			}
			return SchedulePreset{}, false
		}
		if m, ok := fixedField(minute, 0, 59); ok {
			return SchedulePreset{Kind: PresetHourly, Minute: m}, true
		}

	case dom == "*" && dow == "*":
		m, okM := fixedField(minute, 0, 59)
		if !okM {
			return SchedulePreset{}, false
		}
		if n, ok := strings.CutPrefix(hour, "*/"); ok {
			if v, err := strconv.Atoi(n); err == nil && v >= 2 && v <= 23 {
				return SchedulePreset{Kind: PresetEveryNHours, N: v, Minute: m}, true
			}
			return SchedulePreset{}, false
		}
		if h, ok := fixedField(hour, 0, 23); ok {
			return SchedulePreset{Kind: PresetDaily, Minute: m, Hour: h}, true
		}

	case dom == "*":
		m, okM := fixedField(minute, 0, 59)
		h, okH := fixedField(hour, 0, 23)
		d, okD := fixedField(dow, 0, 6)
		if okM && okH && okD {
			return SchedulePreset{Kind: PresetWeekly, Minute: m, Hour: h, Weekday: d}, true
		}

	case dow == "*":
		m, okM := fixedField(minute, 0, 59)
		h, okH := fixedField(hour, 0, 23)
		d, okD := fixedField(dom, 1, 28)
		if okM && okH && okD {
			return SchedulePreset{Kind: PresetMonthly, Minute: m, Hour: h, Day: d}, true
		}
	}
	return SchedulePreset{}, false
}

func fixedField(field string, min, max int) (int, bool) {
	v, err := strconv.Atoi(field)
	if err != nil || v < min || v > max {
		return 0, false
	}
	return v, true
}
