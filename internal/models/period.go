package models

import (
	"fmt"
	"time"
)

// MonthStart normalizes t to the first day of its month, date-only, UTC.
func MonthStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// MonthEnd returns the last calendar day of the month starting at start.
func MonthEnd(start time.Time) time.Time {
	return MonthStart(start).AddDate(0, 1, -1)
}

// IdempotencyKey derives the canonical key for a tenant's monthly report job.
func IdempotencyKey(tenantID string, periodStart time.Time) string {
	return fmt.Sprintf("report:%s:%s", tenantID, MonthStart(periodStart).Format("200601"))
}

// ParsePeriod accepts "2006-01", "2006-01-02" or RFC 3339 and returns the
// month start.
func ParsePeriod(v string) (time.Time, error) {
	for _, layout := range []string{"2006-01-02", "2006-01", time.RFC3339} {
		if t, err := time.Parse(layout, v); err == nil {
			return MonthStart(t), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid period %q", v)
}
