/*
handlers_test.go - HTTP tests for the obligation API

Tests for:
- Identity header enforcement
- Rule creation, evaluation and the monthly obligation view
- Settlement and double-settlement conflicts
- Overrides, bills, accounts and forecasts
*/
package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/obligation-engine/engine"
	"github.com/warp/obligation-engine/factory"
	"github.com/warp/obligation-engine/store/sqlite"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type testServer struct {
	t       *testing.T
	store   *sqlite.Store
	handler *Handler
	router  http.Handler
}

// newTestServer runs against in-memory SQLite with the clock fixed at
// 2025-01-15 noon UTC.
func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := engine.FixedClock{T: time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)}
	h := NewHandler(store, clock, engine.DefaultForecastSettings(), nil)
	return &testServer{t: t, store: store, handler: h, router: NewRouter(h, Options{})}
}

func (s *testServer) do(method, path, user string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (s *testServer) createRule(user string, body map[string]any) factory.RuleJSON {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/rules", user, body)
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[factory.RuleJSON](s.t, rec)
}

func rentRule() map[string]any {
	return map[string]any{
		"name":         "Rent",
		"category":     "housing",
		"amount":       "1200",
		"day_of_month": 5,
		"start_date":   "2025-01-01",
	}
}

// =============================================================================
// IDENTITY
// =============================================================================

func TestRequireUser(t *testing.T) {
	s := newTestServer(t)

	// GIVEN: A request without X-User-ID
	// WHEN: Calling an API route
	rec := s.do(http.MethodGet, "/api/rules", "", nil)

	// THEN: 401, while the health check stays open
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, decode[ErrorResponse](t, rec).Error, UserHeader)
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/healthz", "", nil).Code)
}

func TestRulesAreScopedToTheCaller(t *testing.T) {
	s := newTestServer(t)

	// GIVEN: A rule owned by alice
	rule := s.createRule("alice", rentRule())

	// WHEN: bob asks for it
	rec := s.do(http.MethodGet, "/api/rules/"+rule.ID, "bob", nil)

	// THEN: It does not exist for him, and his list is empty
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, decode[[]factory.RuleJSON](t, s.do(http.MethodGet, "/api/rules", "bob", nil)))
	assert.Len(t, decode[[]factory.RuleJSON](t, s.do(http.MethodGet, "/api/rules", "alice", nil)), 1)
}

// =============================================================================
// RULES AND OBLIGATIONS
// =============================================================================

func TestCreateRule(t *testing.T) {
	s := newTestServer(t)

	// WHEN: Creating a monthly rule on the 5th
	rule := s.createRule("alice", rentRule())

	// THEN: Defaults are applied and the first due date computed
	assert.NotEmpty(t, rule.ID)
	assert.Equal(t, "expense", rule.Direction)
	assert.Equal(t, "monthly", rule.Cadence)
	assert.Equal(t, "2025-01-05", rule.NextDueDate)
	require.NotNil(t, rule.IsActive)
	assert.True(t, *rule.IsActive)
}

func TestCreateRule_Invalid(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name  string
		body  map[string]any
		field string
	}{
		{"missing start", map[string]any{"name": "X", "amount": "10", "day_of_month": 1}, "start_date"},
		{"bad date", map[string]any{"name": "X", "amount": "10", "day_of_month": 1, "start_date": "01/01/2025"}, "start_date"},
		{"end before start", map[string]any{"name": "X", "amount": "10", "day_of_month": 1, "start_date": "2025-03-01", "end_date": "2025-01-01"}, "end_date"},
		{"weekly installments", map[string]any{"name": "X", "amount": "10", "cadence": "weekly", "day_of_week": 3, "start_date": "2025-01-01", "is_installment": true, "total_installments": 8}, "is_installment"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(http.MethodPost, "/api/rules", "alice", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			details, ok := decode[ErrorResponse](t, rec).Details.(map[string]any)
			require.True(t, ok)
			assert.Equal(t, tt.field, details["field"])
		})
	}
}

func TestListObligations(t *testing.T) {
	s := newTestServer(t)
	s.createRule("alice", rentRule())

	// WHEN: Viewing January
	rec := s.do(http.MethodGet, "/api/obligations?year=2025&month=1", "alice", nil)

	// THEN: One unpaid, overdue rent obligation
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[ObligationsResponse](t, rec)
	assert.Equal(t, "2025-01", resp.Period)
	require.Len(t, resp.Obligations, 1)
	ob := resp.Obligations[0]
	assert.Equal(t, "2025-01-05", ob.DueDate)
	assert.False(t, ob.IsPaid)
	assert.Equal(t, "overdue", ob.Urgency)
	assert.Equal(t, 1, resp.Summary.Count)
	assert.Equal(t, 1, resp.Summary.OverdueCount)

	// AND: A bad month is rejected
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodGet, "/api/obligations?month=13", "alice", nil).Code)
}

func TestEvaluateRule(t *testing.T) {
	s := newTestServer(t)
	rule := s.createRule("alice", rentRule())

	rec := s.do(http.MethodGet, "/api/rules/"+rule.ID+"/evaluate?year=2025&month=3", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	ev := decode[EvaluationDTO](t, rec)
	assert.True(t, ev.Applicable)
	assert.Equal(t, "2025-03-05", ev.DueDate)

	// Before the start date nothing is due.
	ev = decode[EvaluationDTO](t, s.do(http.MethodGet, "/api/rules/"+rule.ID+"/evaluate?year=2024&month=12", "alice", nil))
	assert.False(t, ev.Applicable)

	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodGet, "/api/rules/"+rule.ID+"/evaluate?year=2025&month=0", "alice", nil).Code)
}

func TestDeactivateRule_HidesFromActiveList(t *testing.T) {
	s := newTestServer(t)
	rule := s.createRule("alice", rentRule())

	rec := s.do(http.MethodPost, "/api/rules/"+rule.ID+"/deactivate", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Empty(t, decode[[]factory.RuleJSON](t, s.do(http.MethodGet, "/api/rules?active=true", "alice", nil)))
	assert.Len(t, decode[[]factory.RuleJSON](t, s.do(http.MethodGet, "/api/rules", "alice", nil)), 1)

	// Settling a paused rule is refused.
	settle := s.do(http.MethodPost, "/api/obligations/"+rule.ID+"/settle", "alice", SettleRequest{IsRecurring: true})
	assert.Equal(t, http.StatusBadRequest, settle.Code)

	rec = s.do(http.MethodPost, "/api/rules/"+rule.ID+"/activate", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, *decode[factory.RuleJSON](t, rec).IsActive)
}

// =============================================================================
// SETTLEMENT
// =============================================================================

func TestSettleRule_ThenConflict(t *testing.T) {
	s := newTestServer(t)
	rule := s.createRule("alice", rentRule())

	// WHEN: Settling the next due occurrence
	rec := s.do(http.MethodPost, "/api/obligations/"+rule.ID+"/settle", "alice", SettleRequest{IsRecurring: true})

	// THEN: January is paid and the cursor moves to February
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[SettlementDTO](t, rec)
	assert.Equal(t, "2025-01", res.Period)
	assert.Equal(t, "2025-02-05", res.NextDueDate)
	assert.Equal(t, "1200", res.Transaction.Amount.String())
	assert.Equal(t, "2025-01-15", res.Transaction.OccurredOn)
	assert.Equal(t, rule.ID, res.Transaction.RuleID)

	// WHEN: Settling January again
	again := s.do(http.MethodPost, "/api/obligations/"+rule.ID+"/settle", "alice",
		SettleRequest{IsRecurring: true, Year: 2025, Month: 1})

	// THEN: 409 pointing at the original transaction
	require.Equal(t, http.StatusConflict, again.Code, again.Body.String())
	details, ok := decode[ErrorResponse](t, again).Details.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, res.Transaction.ID, details["existing_transaction_id"])

	// AND: The view shows January paid
	view := decode[ObligationsResponse](t, s.do(http.MethodGet, "/api/obligations?year=2025&month=1", "alice", nil))
	require.Len(t, view.Obligations, 1)
	assert.True(t, view.Obligations[0].IsPaid)
	assert.Equal(t, "paid", view.Obligations[0].Urgency)
}

func TestSettleRule_DebitsLinkedAccount(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/api/accounts", "alice", map[string]any{"id": "chk", "name": "Checking", "balance": "2000"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	body := rentRule()
	body["account_id"] = "chk"
	rule := s.createRule("alice", body)

	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/api/obligations/"+rule.ID+"/settle", "alice", SettleRequest{IsRecurring: true}).Code)

	accounts := decode[[]AccountDTO](t, s.do(http.MethodGet, "/api/accounts", "alice", nil))
	require.Len(t, accounts, 1)
	assert.Equal(t, "800", accounts[0].Balance.String())
}

func TestSettle_BadInput(t *testing.T) {
	s := newTestServer(t)
	rule := s.createRule("alice", rentRule())

	rec := s.do(http.MethodPost, "/api/obligations/"+rule.ID+"/settle", "alice", SettleRequest{IsRecurring: true, Year: 2025, Month: 13})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/api/obligations/nope/settle", "alice", SettleRequest{IsRecurring: true})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(http.MethodPost, "/api/obligations/nope/settle", "alice", SettleRequest{})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// OVERRIDES
// =============================================================================

func TestOverrides(t *testing.T) {
	s := newTestServer(t)
	rule := s.createRule("alice", rentRule())
	base := "/api/rules/" + rule.ID + "/overrides"

	// GIVEN: February skipped
	rec := s.do(http.MethodPost, base, "alice", OverrideRequest{Year: 2025, Month: 2, Kind: "skip"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "2025-02", decode[OverrideDTO](t, rec).Period)

	// WHEN: Creating it twice
	// THEN: Conflict
	assert.Equal(t, http.StatusConflict, s.do(http.MethodPost, base, "alice", OverrideRequest{Year: 2025, Month: 2, Kind: "skip"}).Code)

	// WHEN: Replacing it with a custom amount
	rec = s.do(http.MethodPut, base+"/2025/2", "alice", map[string]any{"kind": "custom_amount", "amount": "900"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// THEN: February shows 900 against a nominal 1200
	view := decode[ObligationsResponse](t, s.do(http.MethodGet, "/api/obligations?year=2025&month=2", "alice", nil))
	require.Len(t, view.Obligations, 1)
	assert.Equal(t, "900", view.Obligations[0].Amount.String())
	assert.Equal(t, "1200", view.Obligations[0].NominalAmount.String())
	assert.Equal(t, "custom_amount", view.Obligations[0].OverrideKind)

	assert.Len(t, decode[[]OverrideDTO](t, s.do(http.MethodGet, base, "alice", nil)), 1)

	// WHEN: Deleting it
	assert.Equal(t, http.StatusNoContent, s.do(http.MethodDelete, base+"/2025/2", "alice", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodDelete, base+"/2025/2", "alice", nil).Code)
	assert.Empty(t, decode[[]OverrideDTO](t, s.do(http.MethodGet, base, "alice", nil)))
}

func TestOverrides_Validation(t *testing.T) {
	s := newTestServer(t)
	rule := s.createRule("alice", rentRule())
	base := "/api/rules/" + rule.ID + "/overrides"

	// custom_amount without an amount
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodPut, base+"/2025/3", "alice", map[string]any{"kind": "custom_amount"}).Code)
	// unknown kind
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodPut, base+"/2025/3", "alice", map[string]any{"kind": "pause"}).Code)
	// non-numeric period
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodPut, base+"/2025/march", "alice", map[string]any{"kind": "skip"}).Code)
	// another user's rule
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodPut, base+"/2025/3", "bob", map[string]any{"kind": "skip"}).Code)
}

func TestSettle_SkippedPeriodConflicts(t *testing.T) {
	s := newTestServer(t)
	rule := s.createRule("alice", rentRule())

	require.Equal(t, http.StatusOK, s.do(http.MethodPut, "/api/rules/"+rule.ID+"/overrides/2025/1", "alice", map[string]any{"kind": "skip"}).Code)

	rec := s.do(http.MethodPost, "/api/obligations/"+rule.ID+"/settle", "alice", SettleRequest{IsRecurring: true, Year: 2025, Month: 1})
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
}

// =============================================================================
// BILLS
// =============================================================================

func TestBills(t *testing.T) {
	s := newTestServer(t)

	// GIVEN: A one-off bill due on the 31st of February
	rec := s.do(http.MethodPost, "/api/bills", "alice", map[string]any{
		"name": "Car repair", "amount": "450", "due_day": 31, "month": 2, "year": 2025,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	bill := decode[BillDTO](t, rec)

	// THEN: The due date clamps to the end of the month
	assert.Equal(t, "2025-02-28", bill.DueDate)

	// WHEN: Settling it twice
	first := s.do(http.MethodPost, "/api/obligations/"+bill.ID+"/settle", "alice", SettleRequest{})
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())
	assert.Equal(t, bill.ID, decode[SettlementDTO](t, first).BillID)
	assert.Equal(t, http.StatusConflict, s.do(http.MethodPost, "/api/obligations/"+bill.ID+"/settle", "alice", SettleRequest{}).Code)

	// AND: Renewing it
	rec = s.do(http.MethodPost, "/api/bills/"+bill.ID+"/renew", "alice", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	renewed := decode[BillDTO](t, rec)

	// THEN: The copy is unpaid and lands in March
	assert.Equal(t, "2025-03", renewed.Period)
	assert.Equal(t, "2025-03-31", renewed.DueDate)
	assert.False(t, renewed.IsPaid)

	feb := decode[[]BillDTO](t, s.do(http.MethodGet, "/api/bills?year=2025&month=2", "alice", nil))
	require.Len(t, feb, 1)
	assert.True(t, feb[0].IsPaid)
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func TestAccounts(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/api/accounts", "alice", map[string]any{"name": "Savings", "balance": "150.25"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	acct := decode[AccountDTO](t, rec)
	assert.NotEmpty(t, acct.ID)

	// Another user cannot overwrite it.
	rec = s.do(http.MethodPost, "/api/accounts", "bob", map[string]any{"id": acct.ID, "name": "Mine", "balance": "1"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodPost, "/api/accounts", "alice", map[string]any{"balance": "1"}).Code)

	accounts := decode[[]AccountDTO](t, s.do(http.MethodGet, "/api/accounts", "alice", nil))
	require.Len(t, accounts, 1)
	assert.Equal(t, "150.25", accounts[0].Balance.String())
}

// =============================================================================
// FORECAST
// =============================================================================

func TestForecastDays_CriticalAlert(t *testing.T) {
	s := newTestServer(t)

	// GIVEN: 1000 in the bank and 1200 due on the 20th
	require.Equal(t, http.StatusCreated, s.do(http.MethodPost, "/api/accounts", "alice", map[string]any{"name": "Checking", "balance": "1000"}).Code)
	body := rentRule()
	body["day_of_month"] = 20
	s.createRule("alice", body)

	// WHEN: Projecting ten days
	rec := s.do(http.MethodGet, "/api/forecast/days?horizon=10", "alice", nil)

	// THEN: The balance goes negative on the 20th
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	fc := decode[DayForecastDTO](t, rec)
	assert.Len(t, fc.Days, 10)
	assert.Equal(t, "1000", fc.StartingBalance.String())
	assert.True(t, fc.MinBalance.IsNegative())
	assert.Equal(t, "2025-01-20", fc.MinBalanceDate)
	require.NotEmpty(t, fc.Alerts)
	assert.Equal(t, "critical", fc.Alerts[0].Level)
}

func TestForecast_HorizonValidation(t *testing.T) {
	s := newTestServer(t)

	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodGet, "/api/forecast/days?horizon=0", "alice", nil).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodGet, "/api/forecast/days?horizon=abc", "alice", nil).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodGet, "/api/forecast/months?horizon=-1", "alice", nil).Code)
}

func TestForecastMonths(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusCreated, s.do(http.MethodPost, "/api/accounts", "alice", map[string]any{"name": "Checking", "balance": "5000"}).Code)
	s.createRule("alice", rentRule())

	rec := s.do(http.MethodGet, "/api/forecast/months?horizon=3", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	fc := decode[MonthForecastDTO](t, rec)
	require.Len(t, fc.Months, 3)
	assert.Equal(t, "2025-01", fc.Months[0].Period)
	assert.Equal(t, "2025-03", fc.Months[2].Period)
	assert.Equal(t, "1200", fc.Months[1].FixedExpense.String())
	assert.Equal(t, "declining", fc.Trend.Direction)
}
