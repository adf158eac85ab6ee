package ledger

import "time"

// PeriodKey returns the calendar month key (YYYY-MM) for now in UTC.
func PeriodKey(now time.Time) string {
	return now.UTC().Format("2006-01")
}

// NextReset returns the first instant of the next calendar month in UTC.
func NextReset(now time.Time) time.Time {
	u := now.UTC()
	return time.Date(u.Year(), u.Month()+1, 1, 0, 0, 0, 0, time.UTC)
}
