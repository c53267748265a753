package billing

import (
	"fmt"
	"time"
)

// PeriodStart returns the first instant of t's calendar month in UTC.
func PeriodStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// PeriodEnd is exclusive: one calendar month after start.
func PeriodEnd(start time.Time) time.Time {
	return start.AddDate(0, 1, 0)
}

// PreviousPeriod is the last complete month before now. The monthly run
// bills it.
func PreviousPeriod(now time.Time) time.Time {
	return PeriodStart(now).AddDate(0, -1, 0)
}

// ParsePeriod reads "2006-01".
func ParsePeriod(s string) (time.Time, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid period %q, want YYYY-MM", s)
	}
	return t.UTC(), nil
}

func FormatPeriod(start time.Time) string {
	return start.UTC().Format("2006-01")
}
