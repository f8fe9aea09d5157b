package llmledger

import (
	"fmt"
	"time"
)

// PeriodBounds computes the accounting window for a limit at the given
// instant. Fixed intervals align to calendar boundaries:
//
//	second/minute/hour: the field is truncated modulo value
//	day:  whole days since 1970-01-01, modulo value
//	week: whole weeks since Monday 1970-01-05, modulo value
//	month: absolute month index (year*12 + month-1), modulo value
//
// Rolling intervals are sliding windows ending at now truncated to seconds;
// month_rolling subtracts whole calendar months and clamps to midnight on the
// first of the month.
func PeriodBounds(now time.Time, unit TimeInterval, value int) (start, end time.Time, err error) {
	if value < 1 {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: interval value %d", ErrInvalidInterval, value)
	}
	if !unit.Valid() {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: %q", ErrInvalidInterval, unit)
	}

	now = now.UTC()

	if unit.IsRolling() {
		end = now.Truncate(time.Second)
		switch unit {
		case IntervalSecondRolling:
			start = end.Add(-time.Duration(value) * time.Second)
		case IntervalMinuteRolling:
			start = end.Add(-time.Duration(value) * time.Minute)
		case IntervalHourRolling:
			start = end.Add(-time.Duration(value) * time.Hour)
		case IntervalDayRolling:
			start = end.AddDate(0, 0, -value)
		case IntervalWeekRolling:
			start = end.AddDate(0, 0, -7*value)
		case IntervalMonthRolling:
			y, m, _ := end.Date()
			start = time.Date(y, m-time.Month(value), 1, 0, 0, 0, 0, time.UTC)
		}
		return start, end, nil
	}

	switch unit {
	case IntervalSecond:
		sec := now.Second() - now.Second()%value
		start = time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), now.Minute(), sec, 0, time.UTC)
		end = start.Add(time.Duration(value) * time.Second)
	case IntervalMinute:
		min := now.Minute() - now.Minute()%value
		start = time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), min, 0, 0, time.UTC)
		end = start.Add(time.Duration(value) * time.Minute)
	case IntervalHour:
		hour := now.Hour() - now.Hour()%value
		start = time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, time.UTC)
		end = start.Add(time.Duration(value) * time.Hour)
	case IntervalDay:
		days := now.Unix() / 86400
		days -= days % int64(value)
		start = time.Unix(days*86400, 0).UTC()
		end = start.AddDate(0, 0, value)
	case IntervalWeek:
		// Anchored at ISO Monday 1970-01-05.
		anchor := time.Date(1970, 1, 5, 0, 0, 0, 0, time.UTC)
		weeks := int64(now.Sub(anchor) / (7 * 24 * time.Hour))
		weeks -= weeks % int64(value)
		start = anchor.AddDate(0, 0, int(weeks)*7)
		end = start.AddDate(0, 0, 7*value)
	case IntervalMonth:
		idx := now.Year()*12 + int(now.Month()) - 1
		idx -= idx % value
		start = time.Date(idx/12, time.Month(idx%12+1), 1, 0, 0, 0, 0, time.UTC)
		end = start.AddDate(0, value, 0)
	}
	return start, end, nil
}

// ResetInstant is the earliest future moment at which a denied request would
// be admitted if usage did not change: for rolling windows the moment the
// oldest counted event ages out of the window, for fixed windows the start of
// the next aligned period.
func ResetInstant(start, end time.Time, unit TimeInterval, value int) time.Time {
	if !unit.IsRolling() {
		return end
	}
	switch unit.Base() {
	case IntervalSecond:
		return start.Add(time.Duration(value) * time.Second)
	case IntervalMinute:
		return start.Add(time.Duration(value) * time.Minute)
	case IntervalHour:
		return start.Add(time.Duration(value) * time.Hour)
	case IntervalDay:
		return start.AddDate(0, 0, value)
	case IntervalWeek:
		return start.AddDate(0, 0, 7*value)
	case IntervalMonth:
		return start.AddDate(0, value, 0)
	}
	return end
}

// RetryAfter converts a reset instant into whole seconds from now, rounding
// up and clamping at zero.
func RetryAfter(now, reset time.Time) int64 {
	d := reset.Sub(now)
	if d <= 0 {
		return 0
	}
	secs := int64(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	return secs
}
