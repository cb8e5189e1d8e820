package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/obligation-engine/engine"
)

func TestListObligations_MergesBillsAndRules_SortedByDueDay(t *testing.T) {
	// GIVEN: Two rules and a bill in March
	// WHEN: Listing March
	// THEN: All three, ordered by due day

	ctx := context.Background()
	f := newFixture(t, "2025-03-04")
	f.createRule(t, installmentPlan()) // day 10
	f.createRule(t, subscription())    // day 5
	_, err := f.service.CreateBill(ctx, engine.BillInput{
		UserID: "user-1", Name: "Dentist", Amount: money(200), DueDay: 2, Period: period(2025, time.March),
	})
	require.NoError(t, err)

	obs, err := f.view.ListObligations(ctx, "user-1", period(2025, time.March))
	require.NoError(t, err)

	require.Len(t, obs, 3)
	assert.Equal(t, "Dentist", obs[0].Name)
	assert.Equal(t, engine.SourceBill, obs[0].Source)
	assert.Equal(t, engine.UrgencyOverdue, obs[0].Urgency)
	assert.Equal(t, "Streaming", obs[1].Name)
	assert.Equal(t, engine.UrgencySoon, obs[1].Urgency)
	assert.Equal(t, "Sofa", obs[2].Name)
	assert.Equal(t, engine.UrgencyUpcoming, obs[2].Urgency)
}

func TestListObligations_TiesBrokenByName(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "2025-01-01")
	b := subscription()
	b.Name = "B"
	a := subscription()
	a.Name = "A"
	f.createRule(t, b)
	f.createRule(t, a)

	obs, err := f.view.ListObligations(ctx, "user-1", period(2025, time.January))
	require.NoError(t, err)

	require.Len(t, obs, 2)
	assert.Equal(t, "A", obs[0].Name)
	assert.Equal(t, "B", obs[1].Name)
}

func TestListObligations_OverridePrecedence(t *testing.T) {
	// GIVEN: custom_amount 300 in February and skip in March
	// THEN: February reports 300, March has no obligation

	ctx := context.Background()
	f := newFixture(t, "2025-01-01")
	r := f.createRule(t, installmentPlan())
	_, err := f.service.UpsertOverride(ctx, "user-1", engine.OverrideInput{
		RuleID: r.ID, Period: period(2025, time.February), Kind: engine.OverrideCustomAmount, Amount: amountPtr(300),
	})
	require.NoError(t, err)
	_, err = f.service.UpsertOverride(ctx, "user-1", engine.OverrideInput{
		RuleID: r.ID, Period: period(2025, time.March), Kind: engine.OverrideSkip,
	})
	require.NoError(t, err)

	feb, err := f.view.ListObligations(ctx, "user-1", period(2025, time.February))
	require.NoError(t, err)
	require.Len(t, feb, 1)
	assert.True(t, money(300).Equal(feb[0].Amount))

	mar, err := f.view.ListObligations(ctx, "user-1", period(2025, time.March))
	require.NoError(t, err)
	assert.Empty(t, mar)
}

func TestListObligations_IsPureRead(t *testing.T) {
	// Listing must never move the rule's cursor
	ctx := context.Background()
	f := newFixture(t, "2025-06-01")
	r := f.createRule(t, installmentPlan())

	for m := time.January; m <= time.December; m++ {
		_, err := f.view.ListObligations(ctx, "user-1", period(2025, m))
		require.NoError(t, err)
	}

	stored, err := f.store.GetRule(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, r, stored)
}

func TestListObligations_OnlyOwnRecords(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "2025-01-01")
	f.createRule(t, subscription())

	obs, err := f.view.ListObligations(ctx, "user-2", period(2025, time.January))

	require.NoError(t, err)
	assert.Empty(t, obs)
}

func TestListObligations_InvalidPeriod(t *testing.T) {
	f := newFixture(t, "2025-01-01")

	_, err := f.view.ListObligations(context.Background(), "user-1", period(2025, 0))

	assert.ErrorIs(t, err, engine.ErrInvalidPeriod)
}

func TestSummarize(t *testing.T) {
	obs := []engine.Obligation{
		{Direction: engine.DirectionIncome, Amount: money(3000), Urgency: engine.UrgencyNormal},
		{Direction: engine.DirectionExpense, Amount: money(450), IsPaid: true, Urgency: engine.UrgencyPaid},
		{Direction: engine.DirectionExpense, Amount: money(40), Urgency: engine.UrgencyOverdue},
	}

	s := engine.Summarize(obs)

	assert.Equal(t, 3, s.Count)
	assert.Equal(t, 1, s.PaidCount)
	assert.Equal(t, 1, s.OverdueCount)
	assert.True(t, money(490).Equal(s.ExpenseTotal))
	assert.True(t, money(40).Equal(s.OutstandingDue))
	assert.True(t, money(2510).Equal(s.Net))
}
