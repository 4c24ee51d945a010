package utils

import (
	"time"
)

// IndiaLocation is the timezone for Indian markets.
var IndiaLocation *time.Location

func init() {
	IndiaLocation = LoadLocation("Asia/Kolkata")
}

// LoadLocation loads a tz database location. Asia/Kolkata falls back to a
// fixed IST zone when tzdata is missing; other names fall back to UTC.
func LoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err == nil {
		return loc
	}
	if name == "Asia/Kolkata" {
		return time.FixedZone("IST", 5*60*60+30*60)
	}
	return time.UTC
}

// IsWeekend reports whether t falls on Saturday or Sunday.
func IsWeekend(t time.Time) bool {
	return t.Weekday() == time.Saturday || t.Weekday() == time.Sunday
}
