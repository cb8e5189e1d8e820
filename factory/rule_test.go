package factory_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/obligation-engine/engine"
	"github.com/warp/obligation-engine/engine/store"
	"github.com/warp/obligation-engine/factory"
)

func TestParseRule_AppliesDefaults(t *testing.T) {
	f := factory.NewRuleFactory()

	in, err := f.ParseRule("u1", `{"name": "Rent", "amount": 1200, "start_date": "2025-01-01"}`)

	require.NoError(t, err)
	assert.Equal(t, engine.UserID("u1"), in.UserID)
	assert.Equal(t, engine.DirectionExpense, in.Direction)
	assert.Equal(t, engine.CadenceMonthly, in.Cadence)
	assert.True(t, decimal.NewFromInt(1200).Equal(in.Amount))
	assert.Equal(t, engine.MustParseDate("2025-01-01"), in.StartDate)
	assert.True(t, in.EndDate.IsZero())
	assert.Nil(t, in.DayOfMonth)
}

func TestParseRule_BadInputIsValidationError(t *testing.T) {
	f := factory.NewRuleFactory()

	_, err := f.ParseRule("u1", `{"name": `)
	assert.ErrorIs(t, err, engine.ErrInvalidRule)

	_, err = f.ParseRule("u1", `{"name": "Rent", "amount": 10, "start_date": "01/02/2025"}`)
	var ve *engine.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "start_date", ve.Field)
}

func TestInstallmentPlanPreset_CreatesValidRule(t *testing.T) {
	// GIVEN: The 450 x 12 preset
	// WHEN: Created through the service
	// THEN: First installment due on the 10th of the start month

	f := factory.NewRuleFactory()
	in, err := f.ParseRule("u1", factory.InstallmentPlanJSON("Sofa", "450", 10, "2025-01-10", 12))
	require.NoError(t, err)

	clock := engine.FixedClock{T: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	svc := engine.NewService(store.NewMemory(), clock, nil)
	r, err := svc.CreateRule(context.Background(), in)

	require.NoError(t, err)
	assert.True(t, r.IsInstallment)
	assert.Equal(t, 12, r.TotalInstallments)
	assert.Equal(t, 1, r.CurrentInstallment)
	assert.Equal(t, engine.MustParseDate("2025-01-10"), r.NextDueDate)
}

func TestPresets(t *testing.T) {
	f := factory.NewRuleFactory()

	salary, err := f.ParseRule("u1", factory.SalaryJSON("Salary", "3000", 25, "2025-01-25"))
	require.NoError(t, err)
	assert.Equal(t, engine.DirectionIncome, salary.Direction)
	require.NotNil(t, salary.DayOfMonth)
	assert.Equal(t, 25, *salary.DayOfMonth)

	sub, err := f.ParseRule("u1", factory.MonthlySubscriptionJSON("Streaming", "entertainment", "15.99", 5, "2025-01-05"))
	require.NoError(t, err)
	assert.Equal(t, "15.99", sub.Amount.String())
	assert.False(t, sub.IsInstallment)

	gym, err := f.ParseRule("u1", factory.WeeklyExpenseJSON("Groceries", "food", "80", 6, "2025-01-04"))
	require.NoError(t, err)
	assert.Equal(t, engine.CadenceWeekly, gym.Cadence)
	require.NotNil(t, gym.DayOfWeek)
	assert.Equal(t, 6, *gym.DayOfWeek)
}

func TestToJSON_ExposesCursor(t *testing.T) {
	f := factory.NewRuleFactory()
	r := engine.Rule{
		ID:                 "r1",
		Name:               "Sofa",
		Direction:          engine.DirectionExpense,
		Amount:             decimal.NewFromInt(450),
		Cadence:            engine.CadenceMonthly,
		StartDate:          engine.MustParseDate("2025-01-10"),
		NextDueDate:        engine.MustParseDate("2025-03-10"),
		LastGeneratedDate:  engine.MustParseDate("2025-02-10"),
		IsInstallment:      true,
		TotalInstallments:  12,
		CurrentInstallment: 3,
		IsActive:           true,
	}

	rj := f.ToJSON(r)

	assert.Equal(t, "r1", rj.ID)
	assert.Equal(t, "2025-03-10", rj.NextDueDate)
	assert.Equal(t, "2025-02-10", rj.LastGeneratedDate)
	assert.Empty(t, rj.EndDate)
	assert.Equal(t, 3, rj.CurrentInstallment)
	require.NotNil(t, rj.IsActive)
	assert.True(t, *rj.IsActive)
}
