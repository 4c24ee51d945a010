package trading

import (
	"time"

	"delta-hedger/pkg/utils"
)

// ExpiryType represents types of expiry.
type ExpiryType string

const (
	ExpiryWeekly  ExpiryType = "WEEKLY"
	ExpiryMonthly ExpiryType = "MONTHLY"
)

// maxHolidayShift bounds the walk back from a holiday expiry.
const maxHolidayShift = 10

// NearestWeeklyExpiry returns the first expiry weekday on or after date.
// A holiday expiry moves to the previous trading day; if that falls before
// date, the following week's expiry is used.
func NearestWeeklyExpiry(date time.Time, weekday time.Weekday, isHoliday func(time.Time) bool) time.Time {
	day := dateOf(date)
	daysUntil := (int(weekday) - int(day.Weekday()) + 7) % 7

	candidate := day.AddDate(0, 0, daysUntil)
	for i := 0; i < 4; i++ {
		expiry := previousTradingDay(candidate, isHoliday)
		if !expiry.Before(day) {
			return expiry
		}
		candidate = candidate.AddDate(0, 0, 7)
	}
	return candidate
}

// NearestMonthlyExpiry returns the last expiry weekday of date's month,
// rolling to the next month once it has passed.
func NearestMonthlyExpiry(date time.Time, weekday time.Weekday, isHoliday func(time.Time) bool) time.Time {
	day := dateOf(date)

	for i := 0; i < 3; i++ {
		expiry := previousTradingDay(lastWeekdayOfMonth(day.Year(), day.Month()+time.Month(i), weekday, day.Location()), isHoliday)
		if !expiry.Before(day) {
			return expiry
		}
	}
	return lastWeekdayOfMonth(day.Year(), day.Month()+3, weekday, day.Location())
}

func lastWeekdayOfMonth(year int, month time.Month, weekday time.Weekday, loc *time.Location) time.Time {
	// Day 0 of the next month is the last day of this one
	last := time.Date(year, month+1, 0, 0, 0, 0, 0, loc)
	for last.Weekday() != weekday {
		last = last.AddDate(0, 0, -1)
	}
	return last
}

func previousTradingDay(t time.Time, isHoliday func(time.Time) bool) time.Time {
	for i := 0; i < maxHolidayShift; i++ {
		if !utils.IsWeekend(t) && (isHoliday == nil || !isHoliday(t)) {
			return t
		}
		t = t.AddDate(0, 0, -1)
	}
	return t
}

func dateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
