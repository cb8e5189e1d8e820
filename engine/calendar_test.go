package engine_test

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/obligation-engine/engine"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func intPtr(i int) *int { return &i }

func date(s string) engine.Date { return engine.MustParseDate(s) }

func period(year int, month time.Month) engine.Period { return engine.NewPeriod(year, month) }

func money(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

// monthlyRule builds an active monthly expense rule with its cursor at the
// first due date.
func monthlyRule(day int, start string) engine.Rule {
	r := engine.Rule{
		ID:         "rule-1",
		UserID:     "user-1",
		Name:       "Rent",
		Direction:  engine.DirectionExpense,
		Amount:     money(450),
		Cadence:    engine.CadenceMonthly,
		DayOfMonth: intPtr(day),
		StartDate:  date(start),
		IsActive:   true,
	}
	r.NextDueDate = engine.FirstDueDate(r)
	return r
}

func installmentRule(day int, start string, total int) engine.Rule {
	r := monthlyRule(day, start)
	r.IsInstallment = true
	r.TotalInstallments = total
	r.CurrentInstallment = 1
	return r
}

// =============================================================================
// MONTH-END CLAMPING
// =============================================================================

func TestEvaluate_Day31_ClampsToMonthEnd(t *testing.T) {
	// GIVEN: A monthly rule anchored to day 31
	// WHEN: Evaluated for February and April
	// THEN: Due on the month's last day

	r := monthlyRule(31, "2025-01-31")

	tests := []struct {
		name   string
		period engine.Period
		want   engine.Date
	}{
		{"february", period(2025, time.February), date("2025-02-28")},
		{"april", period(2025, time.April), date("2025-04-30")},
		{"may", period(2025, time.May), date("2025-05-31")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			due, ok := engine.DueDateFor(r, tt.period)
			require.True(t, ok)
			assert.Equal(t, tt.want, due)
		})
	}
}

func TestEvaluate_Day31_LeapYearFebruary(t *testing.T) {
	r := monthlyRule(31, "2024-01-31")

	due, ok := engine.DueDateFor(r, period(2024, time.February))

	require.True(t, ok)
	assert.Equal(t, date("2024-02-29"), due)
}

func TestEvaluate_UnanchoredMonthly_UsesStartDay(t *testing.T) {
	r := monthlyRule(0, "2025-01-17")
	r.DayOfMonth = nil

	due, ok := engine.DueDateFor(r, period(2025, time.June))

	require.True(t, ok)
	assert.Equal(t, date("2025-06-17"), due)
}

// =============================================================================
// WINDOW
// =============================================================================

func TestEvaluate_BeforeStartPeriod_NotApplicable(t *testing.T) {
	r := monthlyRule(10, "2025-03-10")

	_, ok := engine.DueDateFor(r, period(2025, time.February))

	assert.False(t, ok)
}

func TestEvaluate_AnchorBeforeStartDay_FirstDueIsNextMonth(t *testing.T) {
	// GIVEN: Rule due on the 10th, starting January 15
	// THEN: January's 10th precedes the start, so February is the first due

	r := monthlyRule(10, "2025-01-15")

	_, ok := engine.DueDateFor(r, period(2025, time.January))
	assert.False(t, ok, "Jan 10 is before the start date")

	assert.Equal(t, date("2025-02-10"), engine.FirstDueDate(r))
	due, ok := engine.DueDateFor(r, period(2025, time.February))
	require.True(t, ok)
	assert.Equal(t, date("2025-02-10"), due)
}

func TestEvaluate_AfterEndPeriod_NotApplicable(t *testing.T) {
	r := monthlyRule(10, "2025-01-10")
	r.EndDate = date("2025-06-30")

	_, ok := engine.DueDateFor(r, period(2025, time.June))
	assert.True(t, ok)

	_, ok = engine.DueDateFor(r, period(2025, time.July))
	assert.False(t, ok)
}

func TestEvaluate_DueDateAfterEndDateInSameMonth_NotApplicable(t *testing.T) {
	r := monthlyRule(20, "2025-01-20")
	r.EndDate = date("2025-06-15")

	_, ok := engine.DueDateFor(r, period(2025, time.June))

	assert.False(t, ok, "June 20 falls after the June 15 end date")
}

// =============================================================================
// INSTALLMENTS
// =============================================================================

func TestEvaluate_InstallmentBounds(t *testing.T) {
	// GIVEN: 3 installments starting January
	// THEN: 1/3 Jan, 2/3 Feb, 3/3 Mar; nothing in April or the prior December

	r := installmentRule(1, "2025-01-01", 3)

	tests := []struct {
		period      engine.Period
		applicable  bool
		installment int
	}{
		{period(2024, time.December), false, 0},
		{period(2025, time.January), true, 1},
		{period(2025, time.February), true, 2},
		{period(2025, time.March), true, 3},
		{period(2025, time.April), false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.period.String(), func(t *testing.T) {
			ev := engine.Evaluate(r, tt.period)
			assert.Equal(t, tt.applicable, ev.Applicable)
			assert.Equal(t, tt.installment, ev.Installment)
		})
	}
}

func TestEvaluate_IgnoresCursor(t *testing.T) {
	// GIVEN: An installment rule that has already advanced twice
	// WHEN: Evaluating January
	// THEN: January is still installment 1; reads never depend on the cursor

	r := installmentRule(10, "2025-01-10", 12)
	r = engine.Advance(engine.Advance(r))

	ev := engine.Evaluate(r, period(2025, time.January))

	require.True(t, ev.Applicable)
	assert.Equal(t, 1, ev.Installment)
	assert.Equal(t, 3, r.CurrentInstallment)
}

func TestInstallmentFor(t *testing.T) {
	r := installmentRule(10, "2025-01-10", 12)

	idx, ok := engine.InstallmentFor(r, period(2025, time.December))
	require.True(t, ok)
	assert.Equal(t, 12, idx)

	_, ok = engine.InstallmentFor(r, period(2026, time.January))
	assert.False(t, ok)

	_, ok = engine.InstallmentFor(monthlyRule(10, "2025-01-10"), period(2025, time.March))
	assert.False(t, ok, "non-installment rules have no index")
}

// =============================================================================
// OTHER CADENCES
// =============================================================================

func TestEvaluate_Weekly_AnchoredToWeekday(t *testing.T) {
	// GIVEN: Weekly on Mondays starting Wednesday 2025-01-01
	// THEN: First occurrence is Monday Jan 6; February's first is Feb 3

	r := engine.Rule{
		Cadence:   engine.CadenceWeekly,
		DayOfWeek: intPtr(int(time.Monday)),
		StartDate: date("2025-01-01"),
		Amount:    money(50),
		IsActive:  true,
	}

	assert.Equal(t, date("2025-01-06"), engine.FirstDueDate(r))

	due, ok := engine.DueDateFor(r, period(2025, time.February))
	require.True(t, ok)
	assert.Equal(t, date("2025-02-03"), due)
	assert.Equal(t, time.Monday, due.Weekday())
}

func TestEvaluate_Biweekly_StepsFourteenDays(t *testing.T) {
	r := engine.Rule{
		Cadence:   engine.CadenceBiweekly,
		StartDate: date("2025-01-01"),
		Amount:    money(50),
	}

	// Jan 1, Jan 15, Jan 29, Feb 12
	due, ok := engine.DueDateFor(r, period(2025, time.February))
	require.True(t, ok)
	assert.Equal(t, date("2025-02-12"), due)
}

func TestEvaluate_Daily(t *testing.T) {
	r := engine.Rule{Cadence: engine.CadenceDaily, StartDate: date("2025-01-15"), Amount: money(5)}

	due, ok := engine.DueDateFor(r, period(2025, time.January))
	require.True(t, ok)
	assert.Equal(t, date("2025-01-15"), due)

	due, ok = engine.DueDateFor(r, period(2025, time.February))
	require.True(t, ok)
	assert.Equal(t, date("2025-02-01"), due)
}

func TestEvaluate_Yearly_OnlyInAnniversaryMonth(t *testing.T) {
	r := engine.Rule{Cadence: engine.CadenceYearly, StartDate: date("2025-03-15"), Amount: money(120)}

	due, ok := engine.DueDateFor(r, period(2026, time.March))
	require.True(t, ok)
	assert.Equal(t, date("2026-03-15"), due)

	_, ok = engine.DueDateFor(r, period(2026, time.April))
	assert.False(t, ok)
}

func TestOccurrences_WeeklyInMonth(t *testing.T) {
	r := engine.Rule{
		Cadence:   engine.CadenceWeekly,
		DayOfWeek: intPtr(int(time.Monday)),
		StartDate: date("2025-01-01"),
		Amount:    money(50),
	}

	occ := engine.Occurrences(r, date("2025-01-01"), date("2025-01-31"))

	require.Len(t, occ, 4)
	assert.Equal(t, date("2025-01-06"), occ[0].DueDate)
	assert.Equal(t, date("2025-01-27"), occ[3].DueDate)
}

func TestOccurrences_MonthlyHonorsInstallmentBounds(t *testing.T) {
	r := installmentRule(10, "2025-01-10", 3)

	occ := engine.Occurrences(r, date("2024-12-01"), date("2025-12-31"))

	require.Len(t, occ, 3)
	assert.Equal(t, 3, occ[2].Installment)
	assert.Equal(t, date("2025-03-10"), occ[2].DueDate)
}

func TestOccurrences_EmptyRange(t *testing.T) {
	r := monthlyRule(10, "2025-01-10")

	assert.Empty(t, engine.Occurrences(r, date("2025-02-01"), date("2025-01-01")))
	assert.Empty(t, engine.Occurrences(r, date("2025-02-11"), date("2025-03-09")))
}

// =============================================================================
// ADVANCE
// =============================================================================

func TestAdvance_IsPureAndDeterministic(t *testing.T) {
	// GIVEN: A rule state
	// WHEN: Advance is called twice on the same state
	// THEN: Both results are identical and the input is unchanged

	r := installmentRule(10, "2025-01-10", 12)
	before := r

	a := engine.Advance(r)
	b := engine.Advance(r)

	assert.Equal(t, a, b)
	assert.Equal(t, before, r)
	assert.Equal(t, 2, a.CurrentInstallment)
	assert.Equal(t, date("2025-02-10"), a.NextDueDate)

	twice := engine.Advance(a)
	assert.Equal(t, twice, engine.Advance(engine.Advance(before)))
	assert.Equal(t, date("2025-03-10"), twice.NextDueDate)
}

func TestAdvance_ReappliesAnchorClamp(t *testing.T) {
	// Jan 31 -> Feb 28 -> Mar 31, not Mar 28
	r := monthlyRule(31, "2025-01-31")

	r = engine.Advance(r)
	assert.Equal(t, date("2025-02-28"), r.NextDueDate)

	r = engine.Advance(r)
	assert.Equal(t, date("2025-03-31"), r.NextDueDate)
}

func TestAdvance_AlwaysStrictlyLater(t *testing.T) {
	cadences := []engine.Cadence{
		engine.CadenceDaily, engine.CadenceWeekly, engine.CadenceBiweekly,
		engine.CadenceMonthly, engine.CadenceYearly,
	}
	for _, c := range cadences {
		t.Run(string(c), func(t *testing.T) {
			r := engine.Rule{Cadence: c, StartDate: date("2024-02-29"), Amount: money(1), IsActive: true}
			r.NextDueDate = engine.FirstDueDate(r)

			next := engine.Advance(r)

			assert.True(t, next.NextDueDate.After(r.NextDueDate), "%s -> %s", r.NextDueDate, next.NextDueDate)
		})
	}
}

func TestAdvance_LastInstallment_Deactivates(t *testing.T) {
	r := installmentRule(10, "2025-01-10", 2)
	r = engine.Advance(r)
	require.True(t, r.IsActive)

	r = engine.Advance(r)

	assert.False(t, r.IsActive)
	assert.Equal(t, 3, r.CurrentInstallment)
	assert.True(t, r.InstallmentsExhausted())
}

func TestAdvance_PastEndDate_Deactivates(t *testing.T) {
	r := monthlyRule(10, "2025-01-10")
	r.EndDate = date("2025-02-15")

	r = engine.Advance(r)
	assert.True(t, r.IsActive, "Feb 10 is within the window")

	r = engine.Advance(r)
	assert.False(t, r.IsActive, "Mar 10 is past the end date")
}

// =============================================================================
// VALIDATION
// =============================================================================

func TestValidateRule(t *testing.T) {
	valid := monthlyRule(10, "2025-01-10")
	require.NoError(t, engine.ValidateRule(valid))

	tests := []struct {
		name  string
		field string
		edit  func(r *engine.Rule)
	}{
		{"zero amount", "amount", func(r *engine.Rule) { r.Amount = decimal.Zero }},
		{"negative amount", "amount", func(r *engine.Rule) { r.Amount = money(-5) }},
		{"end before start", "end_date", func(r *engine.Rule) { r.EndDate = date("2024-12-31") }},
		{"day 32", "day_of_month", func(r *engine.Rule) { r.DayOfMonth = intPtr(32) }},
		{"day 0", "day_of_month", func(r *engine.Rule) { r.DayOfMonth = intPtr(0) }},
		{"weekday 7", "day_of_week", func(r *engine.Rule) { r.DayOfWeek = intPtr(7) }},
		{"unknown cadence", "cadence", func(r *engine.Rule) { r.Cadence = "hourly" }},
		{"no installments", "total_installments", func(r *engine.Rule) {
			r.IsInstallment = true
			r.CurrentInstallment = 1
		}},
		{"weekly installments", "is_installment", func(r *engine.Rule) {
			r.Cadence = engine.CadenceWeekly
			r.DayOfWeek = intPtr(int(time.Wednesday))
			r.IsInstallment = true
			r.TotalInstallments = 8
			r.CurrentInstallment = 1
		}},
		{"biweekly installments", "is_installment", func(r *engine.Rule) {
			r.Cadence = engine.CadenceBiweekly
			r.IsInstallment = true
			r.TotalInstallments = 4
			r.CurrentInstallment = 1
		}},
		{"daily installments", "is_installment", func(r *engine.Rule) {
			r.Cadence = engine.CadenceDaily
			r.IsInstallment = true
			r.TotalInstallments = 30
			r.CurrentInstallment = 1
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid
			tt.edit(&r)

			err := engine.ValidateRule(r)

			require.Error(t, err)
			assert.True(t, errors.Is(err, engine.ErrInvalidRule))
			assert.True(t, engine.IsClientError(err))
			var ve *engine.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestPeriod_Arithmetic(t *testing.T) {
	p := period(2025, time.November)

	assert.Equal(t, period(2026, time.January), p.AddMonths(2))
	assert.Equal(t, period(2024, time.December), p.AddMonths(-11))
	assert.Equal(t, 14, engine.MonthsBetween(period(2024, time.December), period(2026, time.February)))
	assert.Equal(t, "2025-11", p.String())

	parsed, err := engine.ParsePeriod("2025-03")
	require.NoError(t, err)
	assert.Equal(t, period(2025, time.March), parsed)

	_, err = engine.ParsePeriod("2025-13")
	assert.ErrorIs(t, err, engine.ErrInvalidPeriod)
	assert.ErrorIs(t, period(2025, 0).Validate(), engine.ErrInvalidPeriod)
}
