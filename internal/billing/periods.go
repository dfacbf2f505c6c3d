package billing

import (
	"fmt"
	"time"
)

const DefaultPeriodCount = 12

// DefaultPeriodAnchor is the first billing month tracked by the deployment.
var DefaultPeriodAnchor = time.Date(2025, time.December, 1, 0, 0, 0, 0, time.Local)

// Period is one selectable billing month.
type Period struct {
	Value time.Time
	Label string
}

// Key returns the YYYY-MM-DD value used by the period selector.
func (p Period) Key() string {
	return DateKey(p.Value)
}

// ListPeriods returns count consecutive calendar months starting with the
// month containing anchor. The list is rebuilt on every call.
func ListPeriods(anchor time.Time, count int) []Period {
	if count <= 0 {
		return []Period{}
	}
	first := time.Date(anchor.Year(), anchor.Month(), 1, 0, 0, 0, 0, anchor.Location())

	out := make([]Period, 0, count)
	for i := 0; i < count; i++ {
		value := first.AddDate(0, i, 0)
		next := value.AddDate(0, 1, 0)
		out = append(out, Period{
			Value: value,
			Label: fmt.Sprintf("%s - %s", value.Format("Jan"), next.Format("Jan 2006")),
		})
	}
	return out
}

// PeriodContaining returns the index of the period whose month contains t.
// Dates before the first period select the first one, dates after the last
// select the last one.
func PeriodContaining(periods []Period, t time.Time) int {
	if len(periods) == 0 {
		return -1
	}
	for i, p := range periods {
		if p.Value.Year() == t.Year() && p.Value.Month() == t.Month() {
			return i
		}
	}
	if t.Before(periods[0].Value) {
		return 0
	}
	return len(periods) - 1
}

// FindPeriod looks up a period by its YYYY-MM-DD key.
func FindPeriod(periods []Period, key string) (Period, bool) {
	for _, p := range periods {
		if p.Key() == key {
			return p, true
		}
	}
	return Period{}, false
}

// ActivePeriod returns the index of the period in which the cycles running on
// now began, given the services' anchor days. When anchors disagree the month
// most cycles started in wins, and a tie goes to the later month. With no
// valid anchors it falls back to PeriodContaining(periods, now).
func ActivePeriod(periods []Period, anchorDays []int, now time.Time) int {
	if len(periods) == 0 {
		return -1
	}
	votes := make(map[int]int, len(periods))
	for _, day := range anchorDays {
		cycle, err := ComputeCycle(day, now)
		if err != nil {
			continue
		}
		votes[PeriodContaining(periods, cycle.Start)]++
	}
	if len(votes) == 0 {
		return PeriodContaining(periods, now)
	}

	best, bestVotes := -1, 0
	for idx, n := range votes {
		if n > bestVotes || (n == bestVotes && idx > best) {
			best, bestVotes = idx, n
		}
	}
	return best
}
