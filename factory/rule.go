/*
Package factory provides JSON to Go recurrence rule conversion.

PURPOSE:
  Converts JSON rule definitions into engine.RuleInput values and back.
  The HTTP API accepts rules in this shape, and the demo scenarios are
  built from the presets below, so one schema serves both.

JSON SCHEMA:
  {
    "name": "Sofa",
    "direction": "expense",
    "category": "home",
    "amount": "450.00",
    "account_id": "acc-checking",
    "cadence": "monthly",
    "day_of_month": 10,
    "start_date": "2025-01-10",
    "is_installment": true,
    "total_installments": 12
  }

DEFAULTS:
  - direction: expense
  - cadence:   monthly
  - day_of_month / day_of_week: unset, the start date's day anchors the rule

USAGE:
  factory := NewRuleFactory()

  // From JSON string
  in, err := factory.ParseRule(userID, jsonString)

  // From a preset
  in, err := factory.ParseRule(userID, InstallmentPlanJSON("Sofa", "450", 10, "2025-01-10", 12))

  rule, err := service.CreateRule(ctx, in)

SEE ALSO:
  - engine/types.go: Rule type definition
  - engine/settle.go: Service.CreateRule validates what the factory builds
*/
package factory

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/obligation-engine/engine"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// RuleJSON is the JSON representation of a recurrence rule. The read-only
// fields are filled by ToJSON and ignored by FromJSON.
type RuleJSON struct {
	Name              string          `json:"name"`
	Direction         string          `json:"direction,omitempty"` // income, expense
	Category          string          `json:"category,omitempty"`
	Amount            decimal.Decimal `json:"amount"`
	AccountID         string          `json:"account_id,omitempty"`
	Cadence           string          `json:"cadence,omitempty"`      // daily, weekly, biweekly, monthly, yearly
	DayOfMonth        *int            `json:"day_of_month,omitempty"` // 1-31
	DayOfWeek         *int            `json:"day_of_week,omitempty"`  // 0-6, Sunday=0
	StartDate         string          `json:"start_date"`
	EndDate           string          `json:"end_date,omitempty"`
	IsInstallment     bool            `json:"is_installment,omitempty"`
	TotalInstallments int             `json:"total_installments,omitempty"`

	// Read-only
	ID                 string `json:"id,omitempty"`
	NextDueDate        string `json:"next_due_date,omitempty"`
	LastGeneratedDate  string `json:"last_generated_date,omitempty"`
	CurrentInstallment int    `json:"current_installment,omitempty"`
	IsActive           *bool  `json:"is_active,omitempty"`
}

// =============================================================================
// RULE FACTORY
// =============================================================================

// RuleFactory converts JSON rules to engine inputs.
type RuleFactory struct{}

func NewRuleFactory() *RuleFactory {
	return &RuleFactory{}
}

// ParseRule parses a JSON string into a RuleInput owned by userID.
func (f *RuleFactory) ParseRule(userID engine.UserID, jsonStr string) (engine.RuleInput, error) {
	var rj RuleJSON
	if err := json.Unmarshal([]byte(jsonStr), &rj); err != nil {
		return engine.RuleInput{}, &engine.ValidationError{
			Field:   "body",
			Message: fmt.Sprintf("failed to parse rule JSON: %v", err),
		}
	}
	return f.FromJSON(userID, rj)
}

// FromJSON applies defaults and converts the wire types. Range checks are
// left to engine.ValidateRule so there is one source of truth.
func (f *RuleFactory) FromJSON(userID engine.UserID, rj RuleJSON) (engine.RuleInput, error) {
	in := engine.RuleInput{
		UserID:            userID,
		Name:              rj.Name,
		Direction:         engine.Direction(rj.Direction),
		Category:          rj.Category,
		Amount:            rj.Amount,
		AccountID:         engine.AccountID(rj.AccountID),
		Cadence:           engine.Cadence(rj.Cadence),
		DayOfMonth:        rj.DayOfMonth,
		DayOfWeek:         rj.DayOfWeek,
		IsInstallment:     rj.IsInstallment,
		TotalInstallments: rj.TotalInstallments,
	}
	if in.Direction == "" {
		in.Direction = engine.DirectionExpense
	}
	if in.Cadence == "" {
		in.Cadence = engine.CadenceMonthly
	}

	var err error
	if in.StartDate, err = parseDate("start_date", rj.StartDate); err != nil {
		return engine.RuleInput{}, err
	}
	if in.EndDate, err = parseDate("end_date", rj.EndDate); err != nil {
		return engine.RuleInput{}, err
	}
	return in, nil
}

// ToJSON converts a stored rule to its wire shape.
func (f *RuleFactory) ToJSON(r engine.Rule) RuleJSON {
	active := r.IsActive
	return RuleJSON{
		ID:                 string(r.ID),
		Name:               r.Name,
		Direction:          string(r.Direction),
		Category:           r.Category,
		Amount:             r.Amount,
		AccountID:          string(r.AccountID),
		Cadence:            string(r.Cadence),
		DayOfMonth:         r.DayOfMonth,
		DayOfWeek:          r.DayOfWeek,
		StartDate:          formatDate(r.StartDate),
		EndDate:            formatDate(r.EndDate),
		IsInstallment:      r.IsInstallment,
		TotalInstallments:  r.TotalInstallments,
		NextDueDate:        formatDate(r.NextDueDate),
		LastGeneratedDate:  formatDate(r.LastGeneratedDate),
		CurrentInstallment: r.CurrentInstallment,
		IsActive:           &active,
	}
}

func parseDate(field, s string) (engine.Date, error) {
	if s == "" {
		return engine.Date{}, nil
	}
	d, err := engine.ParseDate(s)
	if err != nil {
		return engine.Date{}, &engine.ValidationError{Field: field, Message: err.Error()}
	}
	return d, nil
}

func formatDate(d engine.Date) string {
	if d.IsZero() {
		return ""
	}
	return d.String()
}

// =============================================================================
// PRESETS
// =============================================================================

// InstallmentPlanJSON returns JSON for a fixed number of equal monthly
// installments.
func InstallmentPlanJSON(name, amount string, dayOfMonth int, startDate string, installments int) string {
	return presetJSON(map[string]interface{}{
		"name":               name,
		"direction":          "expense",
		"category":           "installments",
		"amount":             amount,
		"cadence":            "monthly",
		"day_of_month":       dayOfMonth,
		"start_date":         startDate,
		"is_installment":     true,
		"total_installments": installments,
	})
}

// MonthlySubscriptionJSON returns JSON for an open-ended monthly expense.
func MonthlySubscriptionJSON(name, category, amount string, dayOfMonth int, startDate string) string {
	return presetJSON(map[string]interface{}{
		"name":         name,
		"direction":    "expense",
		"category":     category,
		"amount":       amount,
		"cadence":      "monthly",
		"day_of_month": dayOfMonth,
		"start_date":   startDate,
	})
}

// SalaryJSON returns JSON for monthly income.
func SalaryJSON(name, amount string, dayOfMonth int, startDate string) string {
	return presetJSON(map[string]interface{}{
		"name":         name,
		"direction":    "income",
		"category":     "salary",
		"amount":       amount,
		"cadence":      "monthly",
		"day_of_month": dayOfMonth,
		"start_date":   startDate,
	})
}

// WeeklyExpenseJSON returns JSON for an expense due every week on weekday
// (0 = Sunday).
func WeeklyExpenseJSON(name, category, amount string, weekday int, startDate string) string {
	return presetJSON(map[string]interface{}{
		"name":        name,
		"direction":   "expense",
		"category":    category,
		"amount":      amount,
		"cadence":     "weekly",
		"day_of_week": weekday,
		"start_date":  startDate,
	})
}

func presetJSON(pj map[string]interface{}) string {
	b, _ := json.MarshalIndent(pj, "", "  ")
	return string(b)
}
