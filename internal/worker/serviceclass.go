package worker

import "time"

// Service classes are the provider's coarse day-of-week schedule buckets.
const (
	ServiceClassWeekday  = "wkd"
	ServiceClassSaturday = "sat"
	ServiceClassSunday   = "sun"
)

// CurrentServiceClass returns the service class for a wall-clock time
func CurrentServiceClass(t time.Time) string {
	switch t.Weekday() {
	case time.Saturday:
		return ServiceClassSaturday
	case time.Sunday:
		return ServiceClassSunday
	default:
		return ServiceClassWeekday
	}
}

// secondsSinceMidnight returns the seconds elapsed since local midnight
func secondsSinceMidnight(t time.Time) int {
	return t.Hour()*3600 + t.Minute()*60 + t.Second()
}
