package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/obligation-engine/engine"
	"github.com/warp/obligation-engine/engine/store"
)

var jan2025 = engine.NewPeriod(2025, time.January)

func TestMemory_WithTx_RollsBackOnError(t *testing.T) {
	// GIVEN: A transaction that writes a rule and a payment, then fails
	// THEN: Neither write is visible afterwards

	ctx := context.Background()
	m := store.NewMemory()
	boom := errors.New("boom")

	err := m.WithTx(ctx, func(s engine.Store) error {
		require.NoError(t, s.CreateRule(ctx, engine.Rule{ID: "r1", UserID: "u1", Name: "Rent"}))
		require.NoError(t, s.InsertPayment(ctx, engine.Payment{ID: "p1", RuleID: "r1", Period: jan2025}))
		return boom
	})

	assert.ErrorIs(t, err, boom)
	_, err = m.GetRule(ctx, "r1")
	assert.ErrorIs(t, err, engine.ErrRuleNotFound)
	pay, err := m.GetPayment(ctx, "r1", jan2025)
	require.NoError(t, err)
	assert.Nil(t, pay)
}

func TestMemory_InsertPayment_UniquePerPeriod(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	require.NoError(t, m.InsertPayment(ctx, engine.Payment{ID: "p1", RuleID: "r1", Period: jan2025, TransactionID: "tx-1"}))

	err := m.InsertPayment(ctx, engine.Payment{ID: "p2", RuleID: "r1", Period: jan2025, TransactionID: "tx-2"})

	var ce *engine.SettlementConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, engine.TransactionID("tx-1"), ce.ExistingTransactionID)

	pay, err := m.GetPayment(ctx, "r1", jan2025)
	require.NoError(t, err)
	assert.Equal(t, "p1", pay.ID, "first payment is never overwritten")
}

func TestMemory_Overrides(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	o := engine.Override{ID: "o1", RuleID: "r1", Period: jan2025, Kind: engine.OverrideSkip}

	require.NoError(t, m.CreateOverride(ctx, o))
	assert.ErrorIs(t, m.CreateOverride(ctx, o), engine.ErrDuplicateOverride)

	o.Kind = engine.OverrideCustomAmount
	require.NoError(t, m.UpsertOverride(ctx, o))
	require.NoError(t, m.MarkOverrideUsed(ctx, "r1", jan2025))

	got, err := m.GetOverride(ctx, "r1", jan2025)
	require.NoError(t, err)
	assert.Equal(t, engine.OverrideCustomAmount, got.Kind)
	assert.True(t, got.Used)

	none, err := m.GetOverride(ctx, "r1", jan2025.Next())
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestMemory_ListBills_PeriodRange(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	for i, p := range []engine.Period{jan2025, jan2025.Next(), jan2025.AddMonths(2)} {
		require.NoError(t, m.CreateBill(ctx, engine.Bill{ID: engine.BillID(p.String()), UserID: "u1", DueDay: i + 1, Period: p}))
	}

	bills, err := m.ListBills(ctx, "u1", jan2025.Next(), jan2025.AddMonths(5))

	require.NoError(t, err)
	require.Len(t, bills, 2)
	assert.Equal(t, engine.BillID("2025-02"), bills[0].ID)
}

func TestMemory_AdjustBalanceAndListUsers(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	require.NoError(t, m.SaveAccount(ctx, engine.Account{ID: "a1", UserID: "u2", Balance: decimal.NewFromInt(100)}))
	require.NoError(t, m.CreateRule(ctx, engine.Rule{ID: "r1", UserID: "u1"}))

	require.NoError(t, m.AdjustBalance(ctx, "a1", decimal.NewFromInt(-30)))
	assert.ErrorIs(t, m.AdjustBalance(ctx, "missing", decimal.NewFromInt(1)), engine.ErrAccountNotFound)

	a, err := m.GetAccount(ctx, "a1")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(70).Equal(a.Balance))

	users, err := m.ListUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []engine.UserID{"u1", "u2"}, users)
}

func TestMemory_Snapshots(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()

	_, err := m.LatestSnapshot(ctx, "u1")
	assert.ErrorIs(t, err, engine.ErrSnapshotNotFound)

	require.NoError(t, m.SaveSnapshot(ctx, engine.ForecastSnapshot{ID: "s1", UserID: "u1"}))
	require.NoError(t, m.SaveSnapshot(ctx, engine.ForecastSnapshot{ID: "s2", UserID: "u1"}))

	latest, err := m.LatestSnapshot(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "s2", latest.ID)
}
