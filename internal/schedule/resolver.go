// Package schedule derives which protocol day a user should be on from the
// protocol's calendar anchor and the current date.
package schedule

import "time"

const (
	// FirstDay and FinalDay bound the 7-day protocol window.
	FirstDay = 1
	FinalDay = 7
)

// DayResolution is the outcome of comparing a protocol's assigned week start
// against today. When ExpiryPending is true the protocol has outlived its
// window and ActualDay holds FinalDay; the past-window condition is never
// represented as a day number.
type DayResolution struct {
	ActualDay     int
	ExpiryPending bool
}

// ResolveActualDay computes the day number a protocol should be on if no
// action is taken. Both dates are compared at day granularity in UTC, so the
// time of day never changes the result. A today earlier than weekStart (clock
// skew, timezone drift) floors at FirstDay rather than going to zero or
// negative.
func ResolveActualDay(weekStart, today time.Time) DayResolution {
	actual := daysBetween(weekStart, today) + 1
	if actual < FirstDay {
		actual = FirstDay
	}
	if actual > FinalDay {
		return DayResolution{ActualDay: FinalDay, ExpiryPending: true}
	}
	return DayResolution{ActualDay: actual}
}

func daysBetween(from, to time.Time) int {
	return int(truncateToDay(to).Sub(truncateToDay(from)).Hours() / 24)
}

func truncateToDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
