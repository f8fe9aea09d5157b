package llmledger

import (
	"testing"
	"time"
)

func TestPeriodBoundsFixed(t *testing.T) {
	now := time.Date(2024, 3, 15, 14, 37, 42, 123456789, time.UTC)

	tests := []struct {
		name  string
		unit  TimeInterval
		value int
		start time.Time
		end   time.Time
	}{
		{
			name: "second", unit: IntervalSecond, value: 10,
			start: time.Date(2024, 3, 15, 14, 37, 40, 0, time.UTC),
			end:   time.Date(2024, 3, 15, 14, 37, 50, 0, time.UTC),
		},
		{
			name: "minute", unit: IntervalMinute, value: 1,
			start: time.Date(2024, 3, 15, 14, 37, 0, 0, time.UTC),
			end:   time.Date(2024, 3, 15, 14, 38, 0, 0, time.UTC),
		},
		{
			name: "quarter hour", unit: IntervalMinute, value: 15,
			start: time.Date(2024, 3, 15, 14, 30, 0, 0, time.UTC),
			end:   time.Date(2024, 3, 15, 14, 45, 0, 0, time.UTC),
		},
		{
			name: "hour", unit: IntervalHour, value: 6,
			start: time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC),
			end:   time.Date(2024, 3, 15, 18, 0, 0, 0, time.UTC),
		},
		{
			name: "day", unit: IntervalDay, value: 1,
			start: time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC),
			end:   time.Date(2024, 3, 16, 0, 0, 0, 0, time.UTC),
		},
		{
			// 2024-03-15 is a Friday; the week window opens on Monday.
			name: "week", unit: IntervalWeek, value: 1,
			start: time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC),
			end:   time.Date(2024, 3, 18, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "month", unit: IntervalMonth, value: 1,
			start: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
			end:   time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, end, err := PeriodBounds(now, tt.unit, tt.value)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !start.Equal(tt.start) {
				t.Errorf("start = %v, want %v", start, tt.start)
			}
			if !end.Equal(tt.end) {
				t.Errorf("end = %v, want %v", end, tt.end)
			}
		})
	}
}

func TestPeriodBoundsRolling(t *testing.T) {
	now := time.Date(2024, 3, 15, 14, 37, 42, 900000000, time.UTC)

	start, end, err := PeriodBounds(now, IntervalSecondRolling, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	wantEnd := time.Date(2024, 3, 15, 14, 37, 42, 0, time.UTC)
	if !end.Equal(wantEnd) {
		t.Errorf("end = %v, want now truncated to seconds %v", end, wantEnd)
	}
	if !start.Equal(wantEnd.Add(-10 * time.Second)) {
		t.Errorf("start = %v, want %v", start, wantEnd.Add(-10*time.Second))
	}

	start, _, err = PeriodBounds(now, IntervalDayRolling, 30)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !start.Equal(wantEnd.AddDate(0, 0, -30)) {
		t.Errorf("day_rolling start = %v", start)
	}
}

func TestPeriodBoundsMonthRolling(t *testing.T) {
	now := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	start, end, err := PeriodBounds(now, IntervalMonthRolling, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	wantStart := time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC)
	if !start.Equal(wantStart) {
		t.Errorf("start = %v, want %v", start, wantStart)
	}
	if !end.Equal(now) {
		t.Errorf("end = %v, want %v", end, now)
	}

	reset := ResetInstant(start, end, IntervalMonthRolling, 1)
	wantReset := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if !reset.Equal(wantReset) {
		t.Errorf("reset = %v, want %v", reset, wantReset)
	}
}

func TestPeriodBoundsAlignmentIndependence(t *testing.T) {
	// Two instants inside the same aligned window must yield the same start.
	a := time.Date(2024, 3, 15, 14, 2, 1, 0, time.UTC)
	b := time.Date(2024, 3, 15, 14, 58, 59, 0, time.UTC)
	for _, unit := range []TimeInterval{IntervalHour, IntervalDay, IntervalWeek, IntervalMonth} {
		sa, _, err := PeriodBounds(a, unit, 1)
		if err != nil {
			t.Fatalf("%s: %v", unit, err)
		}
		sb, _, err := PeriodBounds(b, unit, 1)
		if err != nil {
			t.Fatalf("%s: %v", unit, err)
		}
		if !sa.Equal(sb) {
			t.Errorf("%s: starts differ within one window: %v vs %v", unit, sa, sb)
		}
	}
}

func TestPeriodBoundsStartNeverAfterNow(t *testing.T) {
	now := time.Date(2024, 7, 31, 23, 59, 59, 0, time.UTC)
	units := []TimeInterval{
		IntervalSecond, IntervalMinute, IntervalHour, IntervalDay, IntervalWeek, IntervalMonth,
		IntervalSecondRolling, IntervalMinuteRolling, IntervalHourRolling,
		IntervalDayRolling, IntervalWeekRolling, IntervalMonthRolling,
	}
	for _, unit := range units {
		for _, value := range []int{1, 2, 7} {
			start, _, err := PeriodBounds(now, unit, value)
			if err != nil {
				t.Fatalf("%s(%d): %v", unit, value, err)
			}
			if start.After(now) {
				t.Errorf("%s(%d): start %v after now %v", unit, value, start, now)
			}
		}
	}
}

func TestPeriodBoundsInvalid(t *testing.T) {
	now := time.Now().UTC()
	if _, _, err := PeriodBounds(now, IntervalMinute, 0); err == nil {
		t.Error("expected error for interval value 0")
	}
	if _, _, err := PeriodBounds(now, TimeInterval("fortnight"), 1); err == nil {
		t.Error("expected error for unknown unit")
	}
}

func TestResetInstantFixedIsWindowEnd(t *testing.T) {
	now := time.Date(2024, 3, 15, 14, 37, 42, 0, time.UTC)
	start, end, err := PeriodBounds(now, IntervalMinute, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	reset := ResetInstant(start, end, IntervalMinute, 1)
	if !reset.Equal(end) {
		t.Errorf("reset = %v, want window end %v", reset, end)
	}
}

func TestRetryAfter(t *testing.T) {
	now := time.Date(2024, 3, 15, 14, 0, 0, 0, time.UTC)
	tests := []struct {
		name  string
		reset time.Time
		want  int64
	}{
		{"exact seconds", now.Add(5 * time.Second), 5},
		{"rounds up", now.Add(4*time.Second + time.Millisecond), 5},
		{"past clamps to zero", now.Add(-time.Second), 0},
		{"zero", now, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RetryAfter(now, tt.reset); got != tt.want {
				t.Errorf("RetryAfter = %d, want %d", got, tt.want)
			}
		})
	}
}
