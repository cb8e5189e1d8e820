package engine

import (
	"fmt"
	"time"
)

// =============================================================================
// PERIOD - A single (month, year) a rule may or may not apply to
// =============================================================================

// Period is the composite key shared by overrides, payment records and bills.
// Unlike a date range it is always exactly one calendar month.
type Period struct {
	Year  int
	Month time.Month
}

func NewPeriod(year int, month time.Month) Period {
	return Period{Year: year, Month: month}
}

// Validate rejects months outside 1-12 and years outside 1-9999.
func (p Period) Validate() error {
	if p.Month < time.January || p.Month > time.December {
		return &ValidationError{Field: "month", Message: fmt.Sprintf("month %d out of range 1-12", p.Month), Err: ErrInvalidPeriod}
	}
	if p.Year < 1 || p.Year > 9999 {
		return &ValidationError{Field: "year", Message: fmt.Sprintf("year %d out of range", p.Year), Err: ErrInvalidPeriod}
	}
	return nil
}

// Start returns the first day of the month.
func (p Period) Start() Date { return NewDate(p.Year, p.Month, 1) }

// End returns the last day of the month.
func (p Period) End() Date { return NewDate(p.Year, p.Month, DaysIn(p.Year, p.Month)) }

// Days returns the number of days in the period.
func (p Period) Days() int { return DaysIn(p.Year, p.Month) }

// Contains returns true if d falls within [Start, End].
func (p Period) Contains(d Date) bool {
	return d.Year() == p.Year && d.Month() == p.Month
}

// AddMonths moves n months forward (negative n moves back).
func (p Period) AddMonths(n int) Period {
	idx := p.index() + n
	return Period{Year: idx / 12, Month: time.Month(idx%12 + 1)}
}

func (p Period) Next() Period { return p.AddMonths(1) }
func (p Period) Prev() Period { return p.AddMonths(-1) }

func (p Period) Before(o Period) bool { return p.index() < o.index() }
func (p Period) After(o Period) bool  { return p.index() > o.index() }

// index is months since year 0, used for ordering and distance.
func (p Period) index() int { return p.Year*12 + int(p.Month) - 1 }

func (p Period) String() string { return fmt.Sprintf("%04d-%02d", p.Year, int(p.Month)) }

// MonthsBetween returns the signed number of months from -> to.
// MonthsBetween(2025-01, 2025-03) == 2.
func MonthsBetween(from, to Period) int {
	return to.index() - from.index()
}

// ParsePeriod parses YYYY-MM.
func ParsePeriod(s string) (Period, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return Period{}, &ValidationError{Field: "period", Message: fmt.Sprintf("invalid period %q (use YYYY-MM)", s), Err: ErrInvalidPeriod}
	}
	return Period{Year: t.Year(), Month: t.Month()}, nil
}
