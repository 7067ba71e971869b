package admission

import (
	"fmt"
	"time"
)

// Granularity is the size of the time window a usage counter accumulates over
type Granularity string

const (
	GranularityHour  Granularity = "hour"
	GranularityDay   Granularity = "day"
	GranularityMonth Granularity = "month"
)

// String returns the string representation of Granularity
func (g Granularity) String() string {
	return string(g)
}

// IsValid returns true if the granularity is known
func (g Granularity) IsValid() bool {
	switch g {
	case GranularityHour, GranularityDay, GranularityMonth:
		return true
	}
	return false
}

// AllGranularities returns granularities from the smallest window to the largest.
// Evaluation order and retry-after selection both rely on this order.
func AllGranularities() []Granularity {
	return []Granularity{GranularityHour, GranularityDay, GranularityMonth}
}

// ParseGranularity parses a string into a Granularity
func ParseGranularity(s string) (Granularity, error) {
	g := Granularity(s)
	if !g.IsValid() {
		return "", NewConfigurationError("UNKNOWN_GRANULARITY", fmt.Sprintf("unknown granularity: %q", s))
	}
	return g, nil
}

// PeriodStart returns the canonical start of the period enclosing t.
// All boundaries are computed in UTC.
func PeriodStart(t time.Time, g Granularity) time.Time {
	u := t.UTC()
	switch g {
	case GranularityHour:
		return time.Date(u.Year(), u.Month(), u.Day(), u.Hour(), 0, 0, 0, time.UTC)
	case GranularityDay:
		return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
	case GranularityMonth:
		return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		panic(fmt.Sprintf("admission: unknown granularity %q", g))
	}
}

// PeriodEnd returns the first instant of the period following the one enclosing t
func PeriodEnd(t time.Time, g Granularity) time.Time {
	start := PeriodStart(t, g)
	switch g {
	case GranularityHour:
		return start.Add(time.Hour)
	case GranularityDay:
		return start.AddDate(0, 0, 1)
	default:
		return start.AddDate(0, 1, 0)
	}
}

// Clock supplies the current instant. Tests substitute a controllable clock.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock
type SystemClock struct{}

// Now returns the current time
func (SystemClock) Now() time.Time {
	return time.Now()
}
