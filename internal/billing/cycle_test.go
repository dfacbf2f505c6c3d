package billing

import (
	"errors"
	"testing"
	"time"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func mustCycle(t *testing.T, anchor int, ref time.Time) Cycle {
	t.Helper()
	got, err := ComputeCycle(anchor, ref)
	if err != nil {
		t.Fatalf("ComputeCycle(%d, %s) unexpected error: %v", anchor, DateKey(ref), err)
	}
	return got
}

func TestComputeCycle(t *testing.T) {
	tests := []struct {
		name      string
		anchor    int
		ref       time.Time
		wantStart time.Time
		wantEnd   time.Time
		wantLabel string
	}{
		{
			name:      "ref after anchor starts this month",
			anchor:    9,
			ref:       date(2026, time.January, 10),
			wantStart: date(2026, time.January, 9),
			wantEnd:   date(2026, time.February, 9),
			wantLabel: "Jan 9 - Feb 9",
		},
		{
			name:      "ref before anchor starts previous month",
			anchor:    9,
			ref:       date(2026, time.January, 3),
			wantStart: date(2025, time.December, 9),
			wantEnd:   date(2026, time.January, 9),
			wantLabel: "Dec 9 - Jan 9",
		},
		{
			name:      "anchor 31 against mid february",
			anchor:    31,
			ref:       date(2026, time.February, 15),
			wantStart: date(2026, time.January, 31),
			wantEnd:   date(2026, time.February, 28),
			wantLabel: "Jan 31 - Feb 28",
		},
		{
			name:      "anchor 31 on last day of february",
			anchor:    31,
			ref:       date(2026, time.February, 28),
			wantStart: date(2026, time.February, 28),
			wantEnd:   date(2026, time.March, 31),
			wantLabel: "Feb 28 - Mar 31",
		},
		{
			name:      "anchor 31 in leap february",
			anchor:    31,
			ref:       date(2028, time.February, 29),
			wantStart: date(2028, time.February, 29),
			wantEnd:   date(2028, time.March, 31),
			wantLabel: "Feb 29 - Mar 31",
		},
		{
			name:      "anchor 31 against 30 day month",
			anchor:    31,
			ref:       date(2026, time.April, 30),
			wantStart: date(2026, time.April, 30),
			wantEnd:   date(2026, time.May, 31),
			wantLabel: "Apr 30 - May 31",
		},
		{
			name:      "january wraps to december",
			anchor:    15,
			ref:       date(2026, time.January, 1),
			wantStart: date(2025, time.December, 15),
			wantEnd:   date(2026, time.January, 15),
			wantLabel: "Dec 15 - Jan 15",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mustCycle(t, tt.anchor, tt.ref)
			if !got.Start.Equal(tt.wantStart) {
				t.Fatalf("ComputeCycle() start = %s, want %s", DateKey(got.Start), DateKey(tt.wantStart))
			}
			if !got.End.Equal(tt.wantEnd) {
				t.Fatalf("ComputeCycle() end = %s, want %s", DateKey(got.End), DateKey(tt.wantEnd))
			}
			if got.Label != tt.wantLabel {
				t.Fatalf("ComputeCycle() label = %q, want %q", got.Label, tt.wantLabel)
			}
			if !got.Contains(Midnight(tt.ref)) {
				t.Fatalf("ComputeCycle() = [%s, %s), want it to contain %s", DateKey(got.Start), DateKey(got.End), DateKey(tt.ref))
			}
		})
	}
}

func TestComputeCycleStartNeverRollsIntoNextMonth(t *testing.T) {
	for day := 1; day <= 28; day++ {
		ref := date(2026, time.February, day)
		got := mustCycle(t, 31, ref)
		if got.Start.Month() == time.March {
			t.Fatalf("ComputeCycle(31, %s) start = %s, want it before March", DateKey(ref), DateKey(got.Start))
		}
	}
}

func TestComputeCycleOverdueBoundary(t *testing.T) {
	if got := mustCycle(t, 9, date(2026, time.January, 9)); got.IsOverdue {
		t.Fatal("ComputeCycle(9, 2026-01-09) IsOverdue = true, want false on the start day")
	}
	if got := mustCycle(t, 9, date(2026, time.January, 10)); !got.IsOverdue {
		t.Fatal("ComputeCycle(9, 2026-01-10) IsOverdue = false, want true the day after start")
	}
}

func TestComputeCycleIgnoresTimeOfDay(t *testing.T) {
	got := mustCycle(t, 9, time.Date(2026, time.January, 9, 23, 59, 0, 0, time.UTC))
	if got.IsOverdue {
		t.Fatal("ComputeCycle() IsOverdue = true, want false late on the start day")
	}
	if got.PeriodDate() != "2026-01-09" {
		t.Fatalf("PeriodDate() = %q, want %q", got.PeriodDate(), "2026-01-09")
	}
}

func TestComputeCycleRejectsInvalidAnchor(t *testing.T) {
	for _, anchor := range []int{0, -1, 32} {
		if _, err := ComputeCycle(anchor, date(2026, time.January, 10)); !errors.Is(err, ErrInvalidAnchorDay) {
			t.Fatalf("ComputeCycle(%d) error = %v, want %v", anchor, err, ErrInvalidAnchorDay)
		}
	}
}

func TestCycleForPeriod(t *testing.T) {
	now := date(2026, time.January, 10)

	tests := []struct {
		name        string
		anchor      int
		period      time.Time
		wantPeriod  string
		wantEnd     string
		wantOverdue bool
	}{
		{"past month", 9, date(2025, time.December, 1), "2025-12-09", "2026-01-09", true},
		{"future month", 9, date(2026, time.February, 1), "2026-02-09", "2026-03-09", false},
		{"anchor 31 in february", 31, date(2026, time.February, 1), "2026-02-28", "2026-03-31", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CycleForPeriod(tt.anchor, tt.period, now)
			if err != nil {
				t.Fatalf("CycleForPeriod() unexpected error: %v", err)
			}
			if got.PeriodDate() != tt.wantPeriod {
				t.Fatalf("CycleForPeriod() period = %q, want %q", got.PeriodDate(), tt.wantPeriod)
			}
			if DateKey(got.End) != tt.wantEnd {
				t.Fatalf("CycleForPeriod() end = %q, want %q", DateKey(got.End), tt.wantEnd)
			}
			if got.IsOverdue != tt.wantOverdue {
				t.Fatalf("CycleForPeriod() IsOverdue = %v, want %v", got.IsOverdue, tt.wantOverdue)
			}
		})
	}
}

func TestParseDateKeyRoundTrip(t *testing.T) {
	got, err := ParseDateKey(" 2026-01-09 ", time.UTC)
	if err != nil {
		t.Fatalf("ParseDateKey() unexpected error: %v", err)
	}
	if DateKey(got) != "2026-01-09" {
		t.Fatalf("DateKey() = %q, want %q", DateKey(got), "2026-01-09")
	}
	if _, err := ParseDateKey("09/01/2026", time.UTC); err == nil {
		t.Fatal("ParseDateKey() accepted a non YYYY-MM-DD value")
	}
}
