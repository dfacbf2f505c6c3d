// Package billing derives billing cycle windows from a per-service anchor day
// and lists the browsable billing periods.
package billing

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidAnchorDay = errors.New("billing anchor day must be between 1 and 31")

// Cycle is a half-open [Start, End) billing window.
type Cycle struct {
	Start     time.Time
	End       time.Time
	IsOverdue bool
	Label     string
}

// PeriodDate is the canonical key for payments belonging to this cycle.
func (c Cycle) PeriodDate() string {
	return DateKey(c.Start)
}

// Contains reports whether t falls inside the half-open cycle window.
func (c Cycle) Contains(t time.Time) bool {
	return !t.Before(c.Start) && t.Before(c.End)
}

// ComputeCycle returns the cycle that is active on ref for a service billed on
// anchorDay. Anchor days past the end of a month clamp to that month's last
// day, both when choosing the start month and when deriving the end.
func ComputeCycle(anchorDay int, ref time.Time) (Cycle, error) {
	if err := validateAnchor(anchorDay); err != nil {
		return Cycle{}, err
	}

	today := Midnight(ref)
	loc := today.Location()
	start := anchorIn(today.Year(), today.Month(), anchorDay, loc)
	if today.Before(start) {
		start = anchorIn(today.Year(), today.Month()-1, anchorDay, loc)
	}
	return newCycle(start, anchorDay, today), nil
}

// CycleForPeriod returns the cycle whose start falls inside the calendar month
// of period. Overdue is evaluated against now rather than the period itself.
func CycleForPeriod(anchorDay int, period time.Time, now time.Time) (Cycle, error) {
	if err := validateAnchor(anchorDay); err != nil {
		return Cycle{}, err
	}

	p := Midnight(period)
	start := anchorIn(p.Year(), p.Month(), anchorDay, p.Location())
	return newCycle(start, anchorDay, Midnight(now.In(p.Location()))), nil
}

func newCycle(start time.Time, anchorDay int, today time.Time) Cycle {
	end := anchorIn(start.Year(), start.Month()+1, anchorDay, start.Location())
	return Cycle{
		Start:     start,
		End:       end,
		IsOverdue: today.After(start),
		Label:     fmt.Sprintf("%s - %s", start.Format("Jan 2"), end.Format("Jan 2")),
	}
}

func validateAnchor(anchorDay int) error {
	if anchorDay < 1 || anchorDay > 31 {
		return fmt.Errorf("%w: got %d", ErrInvalidAnchorDay, anchorDay)
	}
	return nil
}
