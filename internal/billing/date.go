package billing

import (
	"fmt"
	"strings"
	"time"
)

// DateKeyLayout is the canonical on-disk representation of a period date.
const DateKeyLayout = "2006-01-02"

// Midnight truncates t to the start of its day in t's own location.
func Midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// DateKey formats t as YYYY-MM-DD. It is the only representation used to
// join payments to ledger cells.
func DateKey(t time.Time) string {
	return t.Format(DateKeyLayout)
}

// ParseDateKey parses a YYYY-MM-DD value into a midnight time in loc.
func ParseDateKey(raw string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	trimmed := strings.TrimSpace(raw)
	t, err := time.ParseInLocation(DateKeyLayout, trimmed, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse period date %q: %w", raw, err)
	}
	return t, nil
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	// Day 0 of the following month is the last day of this one.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}

// anchorIn returns the anchor day placed inside the given month, clamped to
// the month's last day when the month is shorter than the anchor.
func anchorIn(year int, month time.Month, anchorDay int, loc *time.Location) time.Time {
	// Normalise month overflow first so clamping sees the real month.
	first := time.Date(year, month, 1, 0, 0, 0, 0, loc)
	y, m := first.Year(), first.Month()
	day := anchorDay
	if last := daysIn(y, m, loc); day > last {
		day = last
	}
	return time.Date(y, m, day, 0, 0, 0, 0, loc)
}
