/*
calendar.go - Calendar Evaluator

PURPOSE:
  Pure functions mapping a Rule and a Period to a concrete due date and an
  installment index. Nothing in this file touches a store or mutates its
  input; the only "write" is Advance, which returns a new Rule value.

CADENCES:
  monthly:  anchor day = DayOfMonth, or StartDate.Day() when unset.
            Clamped to the month's last day (31 -> Feb 28/29, Apr 30).
  yearly:   same anchor, only in the month of the first due date.
  weekly:   first occurrence is the first date >= StartDate on DayOfWeek
  biweekly: (StartDate itself when unanchored), then every 7/14 days.
  daily:    every day from StartDate.

NOT APPLICABLE:
  A period is not applicable when it precedes StartDate's period, follows
  EndDate's period, the computed due date falls outside [StartDate, EndDate],
  or (installment rules) the installment index falls outside
  [1, TotalInstallments]. None of these are errors.

INSTALLMENT INDEX:
  Cadence steps between the first due date and the period's due date, plus
  one. For monthly rules this is monthsBetween(firstDue, period) + 1.

  Rule{Amount: 450, Monthly, DayOfMonth: 10, Start: 2025-01-10, Total: 12}
    Evaluate(2025-01) -> 2025-01-10, installment 1
    Evaluate(2025-03) -> 2025-03-10, installment 3
    Evaluate(2026-01) -> not applicable (installment 13)

SEE ALSO:
  - resolve.go: Turns an Evaluation into an Obligation
  - settle.go: Calls Advance after recording a payment
*/
package engine

import (
	"fmt"
	"time"
)

// Evaluation is the pure result of evaluating a rule for one period.
type Evaluation struct {
	Period      Period
	Applicable  bool
	DueDate     Date
	Installment int // 0 for non-installment rules
}

// =============================================================================
// DUE DATES
// =============================================================================

// anchorDay is the day of month monthly and yearly rules fall on.
func anchorDay(r Rule) int {
	if r.DayOfMonth != nil {
		return *r.DayOfMonth
	}
	return r.StartDate.Day()
}

// FirstDueDate computes the rule's first occurrence on or after StartDate.
// It is the NextDueDate a freshly created rule starts with.
func FirstDueDate(r Rule) Date {
	start := r.StartDate
	switch r.Cadence {
	case CadenceMonthly:
		d := ClampDay(start.Year(), start.Month(), anchorDay(r))
		if d.Before(start) {
			next := start.Period().Next()
			d = ClampDay(next.Year, next.Month, anchorDay(r))
		}
		return d
	case CadenceYearly:
		d := ClampDay(start.Year(), start.Month(), anchorDay(r))
		if d.Before(start) {
			d = ClampDay(start.Year()+1, start.Month(), anchorDay(r))
		}
		return d
	case CadenceWeekly, CadenceBiweekly:
		if r.DayOfWeek == nil {
			return start
		}
		shift := (*r.DayOfWeek - int(start.Weekday()) + 7) % 7
		return start.AddDays(shift)
	default:
		return start
	}
}

// DueDateFor returns the due date of the rule in the period, or false when
// the rule does not apply to it.
func DueDateFor(r Rule, p Period) (Date, bool) {
	ev := Evaluate(r, p)
	return ev.DueDate, ev.Applicable
}

// InstallmentFor returns the installment index the period would pay, or
// false when the rule is not an installment rule or the period is out of
// range.
func InstallmentFor(r Rule, p Period) (int, bool) {
	if !r.IsInstallment {
		return 0, false
	}
	ev := Evaluate(r, p)
	return ev.Installment, ev.Applicable
}

// Evaluate maps a rule and a period to a due date and installment index.
// It is a pure read: the rule's cursor (NextDueDate, CurrentInstallment)
// does not influence the result and is never modified.
func Evaluate(r Rule, p Period) Evaluation {
	ev := Evaluation{Period: p}

	if p.Before(r.StartDate.Period()) {
		return ev
	}
	if r.HasEnd() && p.After(r.EndDate.Period()) {
		return ev
	}

	first := FirstDueDate(r)
	due, ok := dueInPeriod(r, first, p)
	if !ok {
		return ev
	}
	if due.Before(r.StartDate) || (r.HasEnd() && due.After(r.EndDate)) {
		return ev
	}

	if r.IsInstallment {
		idx := stepsBetween(r, first, due) + 1
		if idx < 1 || idx > r.TotalInstallments {
			return ev
		}
		ev.Installment = idx
	}

	ev.Applicable = true
	ev.DueDate = due
	return ev
}

// dueInPeriod computes the first occurrence inside p, ignoring the window.
func dueInPeriod(r Rule, first Date, p Period) (Date, bool) {
	switch r.Cadence {
	case CadenceMonthly:
		d := ClampDay(p.Year, p.Month, anchorDay(r))
		return d, !d.Before(first)
	case CadenceYearly:
		if p.Month != first.Month() {
			return Date{}, false
		}
		d := ClampDay(p.Year, p.Month, anchorDay(r))
		return d, !d.Before(first)
	}

	step := r.Cadence.stepDays()
	if step == 0 {
		return Date{}, false
	}
	d := firstOnOrAfter(first, step, p.Start())
	return d, p.Contains(d)
}

// firstOnOrAfter returns the first date first + k*step (k >= 0) that is on
// or after from.
func firstOnOrAfter(first Date, step int, from Date) Date {
	if !first.Before(from) {
		return first
	}
	gap := DaysBetween(first, from)
	k := (gap + step - 1) / step
	return first.AddDays(k * step)
}

// stepsBetween counts cadence steps from first to due.
func stepsBetween(r Rule, first, due Date) int {
	switch r.Cadence {
	case CadenceMonthly:
		return MonthsBetween(first.Period(), due.Period())
	case CadenceYearly:
		return due.Year() - first.Year()
	}
	if step := r.Cadence.stepDays(); step > 0 {
		return DaysBetween(first, due) / step
	}
	return 0
}

// =============================================================================
// OCCURRENCES - Every due date in a date range
// =============================================================================

// Occurrences enumerates the rule's occurrences in [from, to] honoring the
// same window and installment bounds as Evaluate. Day-step cadences may
// yield several occurrences per period; each carries its own installment
// index.
func Occurrences(r Rule, from, to Date) []Evaluation {
	if to.Before(from) {
		return nil
	}

	var out []Evaluation
	switch r.Cadence {
	case CadenceMonthly, CadenceYearly:
		for p := from.Period(); !p.After(to.Period()); p = p.Next() {
			ev := Evaluate(r, p)
			if ev.Applicable && !ev.DueDate.Before(from) && !ev.DueDate.After(to) {
				out = append(out, ev)
			}
		}
		return out
	}

	step := r.Cadence.stepDays()
	if step == 0 {
		return nil
	}
	first := FirstDueDate(r)
	for d := firstOnOrAfter(first, step, from); !d.After(to); d = d.AddDays(step) {
		if r.HasEnd() && d.After(r.EndDate) {
			break
		}
		ev := Evaluation{Period: d.Period(), Applicable: true, DueDate: d}
		if r.IsInstallment {
			ev.Installment = DaysBetween(first, d)/step + 1
			if ev.Installment > r.TotalInstallments {
				break
			}
		}
		out = append(out, ev)
	}
	return out
}

// =============================================================================
// ADVANCE - Pure cursor step after a settlement
// =============================================================================

// Advance returns the rule moved one cadence step forward. The input is not
// modified, so calling it twice on the same value yields the same result.
//
// Monthly steps re-apply the anchor clamp on every step, so a day-31 rule
// goes Jan 31 -> Feb 28 -> Mar 31 rather than drifting to the 28th.
// Installment rules also increment CurrentInstallment; the rule is
// deactivated when installments run out or NextDueDate passes EndDate.
func Advance(r Rule) Rule {
	out := r
	next := r.NextDueDate
	if next.IsZero() {
		next = FirstDueDate(r)
	}

	switch r.Cadence {
	case CadenceMonthly:
		p := next.Period().Next()
		next = ClampDay(p.Year, p.Month, anchorDay(r))
	case CadenceYearly:
		next = ClampDay(next.Year()+1, next.Month(), anchorDay(r))
	default:
		step := r.Cadence.stepDays()
		if step == 0 {
			step = 1
		}
		next = next.AddDays(step)
	}
	out.NextDueDate = next

	if r.IsInstallment {
		out.CurrentInstallment = r.CurrentInstallment + 1
		if out.CurrentInstallment > r.TotalInstallments {
			out.IsActive = false
		}
	}
	if r.HasEnd() && next.After(r.EndDate) {
		out.IsActive = false
	}
	return out
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidateRule checks a rule definition before it is persisted.
// An EndDate before StartDate is rejected, never auto-corrected.
func ValidateRule(r Rule) error {
	if r.UserID == "" {
		return invalidRule("user_id", "is required")
	}
	if r.Name == "" {
		return invalidRule("name", "is required")
	}
	if !r.Direction.Valid() {
		return invalidRule("direction", fmt.Sprintf("unknown direction %q", r.Direction))
	}
	if !r.Cadence.Valid() {
		return invalidRule("cadence", fmt.Sprintf("unknown cadence %q", r.Cadence))
	}
	if !r.Amount.IsPositive() {
		return invalidRule("amount", "must be positive")
	}
	if r.StartDate.IsZero() {
		return invalidRule("start_date", "is required")
	}
	if r.HasEnd() && r.EndDate.Before(r.StartDate) {
		return invalidRule("end_date", fmt.Sprintf("%s is before start_date %s", r.EndDate, r.StartDate))
	}
	if r.DayOfMonth != nil && (*r.DayOfMonth < 1 || *r.DayOfMonth > 31) {
		return invalidRule("day_of_month", fmt.Sprintf("%d out of range 1-31", *r.DayOfMonth))
	}
	if r.DayOfWeek != nil && (*r.DayOfWeek < int(time.Sunday) || *r.DayOfWeek > int(time.Saturday)) {
		return invalidRule("day_of_week", fmt.Sprintf("%d out of range 0-6", *r.DayOfWeek))
	}
	if r.IsInstallment {
		// Payments are keyed by month, so an installment plan pays at most
		// once per period.
		if r.Cadence.stepDays() > 0 {
			return invalidRule("is_installment", fmt.Sprintf("installments require a monthly or yearly cadence, got %s", r.Cadence))
		}
		if r.TotalInstallments < 1 {
			return invalidRule("total_installments", "must be at least 1")
		}
		if r.CurrentInstallment < 1 || r.CurrentInstallment > r.TotalInstallments+1 {
			return invalidRule("current_installment", fmt.Sprintf("%d out of range 1-%d", r.CurrentInstallment, r.TotalInstallments))
		}
	}
	return nil
}
