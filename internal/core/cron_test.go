package core

import (
	"errors"
	"testing"
	"time"
)

func TestParseCronRejectsDescriptors(t *testing.T) {
	if _, err := ParseCron("@daily"); !errors.Is(err, ErrInvalidCronExpression) {
		t.Fatalf("expected ErrInvalidCronExpression for @daily, got %v", err)
	}
	if _, err := ParseCron("not a cron"); !errors.Is(err, ErrInvalidCronExpression) {
		t.Fatalf("expected ErrInvalidCronExpression for garbage, got %v", err)
	}
	if _, err := ParseCron("*/5 * * * *"); err != nil {
		t.Fatalf("expected valid 5-field expression, got %v", err)
	}
}

func TestNextRunAfterDaily(t *testing.T) {
	ref := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	next, err := NextRunAfter("0 9 * * *", ref, time.UTC)
	if err != nil {
		t.Fatalf("NextRunAfter: %v", err)
	}
	want := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestNextRunAfterStrictlyAfter(t *testing.T) {
	// Reference exactly on a schedule boundary must advance to the next slot.
	ref := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	next, err := NextRunAfter("0 9 * * *", ref, time.UTC)
	if err != nil {
		t.Fatalf("NextRunAfter: %v", err)
	}
	if !next.After(ref) {
		t.Fatalf("next %v is not strictly after ref %v", next, ref)
	}
	want := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestNextRunAfterTimezone(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("timezone database unavailable: %v", err)
	}
	// 09:00 New York on Jan 1 is 14:00 UTC.
	ref := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	next, err := NextRunAfter("0 9 * * *", ref, loc)
	if err != nil {
		t.Fatalf("NextRunAfter: %v", err)
	}
	want := time.Date(2024, 1, 1, 14, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestNextOccurrencesCount(t *testing.T) {
	schedule, err := ParseCron("*/15 * * * *")
	if err != nil {
		t.Fatalf("ParseCron: %v", err)
	}
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	times := NextOccurrences(schedule, base, 4)
	if len(times) != 4 {
		t.Fatalf("expected 4 occurrences, got %d", len(times))
	}
	for i := 1; i < len(times); i++ {
		if !times[i].After(times[i-1]) {
			t.Fatalf("occurrences not increasing: %v then %v", times[i-1], times[i])
		}
	}
}

func TestEstimateCadenceMinutes(t *testing.T) {
	cases := []struct {
		expr string
		want int
	}{
		{"* * * * *", 1},
		{"*/5 * * * *", 5},
		{"0,15,30,45 * * * *", 15},
		{"0 * * * *", 60},
		{"0 */6 * * *", 360},
		{"0 0,12 * * *", 720},
		{"0 9 * * *", 1440},
		{"30 4 * * 1", 1440},
		{"garbage", 1440},
	}
	for _, tc := range cases {
		if got := EstimateCadenceMinutes(tc.expr); got != tc.want {
			t.Errorf("EstimateCadenceMinutes(%q) = %d, want %d", tc.expr, got, tc.want)
		}
	}
}
