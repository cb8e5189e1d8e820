/*
scenarios.go - Demo households for testing and demonstrations

PURPOSE:
  Populates the store with realistic data for the calling user so the
  obligation view and the forecasts have something to show. Each scenario
  creates an account, a few months of ledger history and a set of rules.

AVAILABLE SCENARIOS:
  salaried:      Salary, rent, a subscription and a 12-month installment plan
  tight-budget:  Rent lands before payday on a thin balance (critical alert)
  weekly-spender: Weekly groceries, a monthly salary and a one-off repair bill

HOW SCENARIOS WORK:
 1. Create the account and the history in one transaction
 2. Create rules via factory presets, dated from the start of this month
 3. Create any one-off bills for this month

  Scenarios add to whatever the caller already has. Nothing is reset.

USAGE VIA API:
  POST /api/scenarios/load
  {"scenario_id": "salaried"}

SEE ALSO:
  - factory/rule.go: Rule presets
  - handlers.go: Handler
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/obligation-engine/engine"
	"github.com/warp/obligation-engine/factory"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

// Scenario is a named demo loader.
type Scenario struct {
	ID          string
	Name        string
	Description string
	Load        func(ctx context.Context, h *Handler, user engine.UserID) error
}

var scenarios = []Scenario{
	{
		ID:          "salaried",
		Name:        "Salaried Household",
		Description: "Monthly salary, rent, a streaming subscription and a laptop paid in 12 installments",
		Load:        loadSalaried,
	},
	{
		ID:          "tight-budget",
		Name:        "Tight Budget",
		Description: "Rent is due before payday on a small balance, so the forecast goes negative",
		Load:        loadTightBudget,
	},
	{
		ID:          "weekly-spender",
		Name:        "Weekly Spender",
		Description: "Weekly groceries, a monthly salary and a one-off car repair bill this month",
		Load:        loadWeeklySpender,
	},
}

func findScenario(id string) (Scenario, bool) {
	for _, s := range scenarios {
		if s.ID == id {
			return s, true
		}
	}
	return Scenario{}, false
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	dtos := make([]ScenarioDTO, len(scenarios))
	for i, s := range scenarios {
		dtos[i] = ScenarioDTO{ID: s.ID, Name: s.Name, Description: s.Description}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetCurrentScenario returns the scenario the caller loaded last, or null.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	id := h.scenarios[userFrom(r.Context())]
	h.mu.Unlock()

	s, ok := findScenario(id)
	if !ok {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: s.ID, Name: s.Name, Description: s.Description})
}

// LoadScenario loads a predefined scenario for the caller.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, err)
		return
	}

	s, ok := findScenario(req.ScenarioID)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown scenario", map[string]string{"scenario_id": req.ScenarioID})
		return
	}

	user := userFrom(r.Context())
	if err := s.Load(r.Context(), h, user); err != nil {
		h.fail(w, fmt.Errorf("load scenario %s: %w", s.ID, err))
		return
	}

	h.mu.Lock()
	h.scenarios[user] = s.ID
	h.mu.Unlock()

	h.Logger.Info("scenario loaded", zap.String("scenario", s.ID), zap.String("user_id", string(user)))
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": s.ID})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func loadSalaried(ctx context.Context, h *Handler, user engine.UserID) error {
	start := engine.Today(h.Clock).Period().Start().String()

	if err := h.seedAccount(ctx, user, "Checking", "2500", "420"); err != nil {
		return err
	}
	return h.createRules(ctx, user,
		factory.SalaryJSON("Salary", "3200", 25, start),
		factory.MonthlySubscriptionJSON("Rent", "housing", "1200", 1, start),
		factory.MonthlySubscriptionJSON("Streaming", "entertainment", "15.99", 18, start),
		factory.InstallmentPlanJSON("Laptop", "150", 10, start, 12),
	)
}

func loadTightBudget(ctx context.Context, h *Handler, user engine.UserID) error {
	today := engine.Today(h.Clock)
	start := today.Period().Start().String()

	// Rent falls a few days out and salary near the end of the month, so the
	// low point lands inside the default 30-day window.
	rentDay := today.AddDays(3).Day()

	if err := h.seedAccount(ctx, user, "Checking", "300", "250"); err != nil {
		return err
	}
	return h.createRules(ctx, user,
		factory.MonthlySubscriptionJSON("Rent", "housing", "1100", rentDay, start),
		factory.SalaryJSON("Salary", "1500", 28, start),
		factory.MonthlySubscriptionJSON("Phone", "utilities", "45", 5, start),
	)
}

func loadWeeklySpender(ctx context.Context, h *Handler, user engine.UserID) error {
	today := engine.Today(h.Clock)
	start := today.Period().Start().String()

	if err := h.seedAccount(ctx, user, "Checking", "1800", "150"); err != nil {
		return err
	}
	if err := h.createRules(ctx, user,
		factory.SalaryJSON("Salary", "2200", 15, start),
		factory.WeeklyExpenseJSON("Groceries", "food", "85", int(time.Saturday), start),
		factory.MonthlySubscriptionJSON("Gym", "health", "39", 2, start),
	); err != nil {
		return err
	}

	_, err := h.Service.CreateBill(ctx, engine.BillInput{
		UserID:   user,
		Name:     "Car repair",
		Category: "transport",
		Amount:   decimal.RequireFromString("450"),
		DueDay:   20,
		Period:   today.Period(),
	})
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

// seedAccount creates an account plus three months of non-recurring spending
// so the forecast has a variable estimate to work with.
func (h *Handler) seedAccount(ctx context.Context, user engine.UserID, name, balance, monthlySpend string) error {
	current := engine.Today(h.Clock).Period()
	spend := decimal.RequireFromString(monthlySpend)
	account := engine.Account{
		ID:       engine.AccountID(h.Service.NewID()),
		UserID:   user,
		Name:     name,
		Balance:  decimal.RequireFromString(balance),
		IsActive: true,
	}

	return h.Store.WithTx(ctx, func(st engine.Store) error {
		if err := st.SaveAccount(ctx, account); err != nil {
			return fmt.Errorf("save account: %w", err)
		}
		for i := 1; i <= 3; i++ {
			p := current.AddMonths(-i)
			// Two purchases per month, split unevenly.
			parts := []struct {
				day   int
				share decimal.Decimal
			}{
				{day: 6, share: decimal.NewFromFloat(0.4)},
				{day: 19, share: decimal.NewFromFloat(0.6)},
			}
			for _, part := range parts {
				tx := engine.LedgerTransaction{
					ID:          h.Service.NewTxID(),
					UserID:      user,
					AccountID:   account.ID,
					Direction:   engine.DirectionExpense,
					Amount:      spend.Mul(part.share).Round(2),
					Description: "Card purchase",
					Category:    "shopping",
					OccurredOn:  engine.ClampDay(p.Year, p.Month, part.day),
					CreatedAt:   h.Clock.Now().UTC(),
				}
				if err := st.AppendTransaction(ctx, tx); err != nil {
					return fmt.Errorf("append history: %w", err)
				}
			}
		}
		return nil
	})
}

func (h *Handler) createRules(ctx context.Context, user engine.UserID, jsonDocs ...string) error {
	for _, doc := range jsonDocs {
		in, err := h.RuleFactory.ParseRule(user, doc)
		if err != nil {
			return err
		}
		if _, err := h.Service.CreateRule(ctx, in); err != nil {
			return fmt.Errorf("create rule %q: %w", in.Name, err)
		}
	}
	return nil
}
