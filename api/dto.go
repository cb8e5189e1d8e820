/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the engine's domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

MONEY:
  Amounts are decimal.Decimal and serialize as JSON strings ("450.5").
  Requests accept either strings or numbers.

DATES:
  Calendar days are "YYYY-MM-DD", periods are "YYYY-MM", instants RFC3339.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/rule.go: RuleJSON, the rule request/response shape
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/obligation-engine/engine"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// SettleRequest settles a rule occurrence (is_recurring) or a bill. Month and
// year are optional for rules; omitted, the rule's next due period is used.
type SettleRequest struct {
	IsRecurring bool `json:"is_recurring"`
	Month       int  `json:"month,omitempty"`
	Year        int  `json:"year,omitempty"`
}

// OverrideRequest is the body for both PUT (period in the path) and POST
// (period in the body).
type OverrideRequest struct {
	Year   int              `json:"year,omitempty"`
	Month  int              `json:"month,omitempty"`
	Kind   string           `json:"kind"`
	Amount *decimal.Decimal `json:"amount,omitempty"`
	Name   string           `json:"name,omitempty"`
	Notes  string           `json:"notes,omitempty"`
}

type CreateBillRequest struct {
	Name      string          `json:"name"`
	Category  string          `json:"category,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	AccountID string          `json:"account_id,omitempty"`
	DueDay    int             `json:"due_day"`
	Month     int             `json:"month"`
	Year      int             `json:"year"`
}

type SaveAccountRequest struct {
	ID      string          `json:"id,omitempty"`
	Name    string          `json:"name"`
	Balance decimal.Decimal `json:"balance"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

type ObligationDTO struct {
	ID                string          `json:"id"`
	Source            string          `json:"source"`
	RuleID            string          `json:"rule_id,omitempty"`
	BillID            string          `json:"bill_id,omitempty"`
	Name              string          `json:"name"`
	Category          string          `json:"category,omitempty"`
	Direction         string          `json:"direction"`
	Amount            decimal.Decimal `json:"amount"`
	NominalAmount     decimal.Decimal `json:"nominal_amount"`
	Period            string          `json:"period"`
	DueDate           string          `json:"due_date"`
	DaysUntilDue      int             `json:"days_until_due"`
	IsPaid            bool            `json:"is_paid"`
	PaidAt            *time.Time      `json:"paid_at,omitempty"`
	Urgency           string          `json:"urgency"`
	Installment       int             `json:"installment,omitempty"`
	TotalInstallments int             `json:"total_installments,omitempty"`
	OverrideKind      string          `json:"override_kind,omitempty"`
	Notes             string          `json:"notes,omitempty"`
}

type SummaryDTO struct {
	Count          int             `json:"count"`
	PaidCount      int             `json:"paid_count"`
	OverdueCount   int             `json:"overdue_count"`
	IncomeTotal    decimal.Decimal `json:"income_total"`
	ExpenseTotal   decimal.Decimal `json:"expense_total"`
	OutstandingDue decimal.Decimal `json:"outstanding_due"`
	Net            decimal.Decimal `json:"net"`
}

type ObligationsResponse struct {
	Period      string          `json:"period"`
	Obligations []ObligationDTO `json:"obligations"`
	Summary     SummaryDTO      `json:"summary"`
}

type TransactionDTO struct {
	ID          string          `json:"id"`
	AccountID   string          `json:"account_id,omitempty"`
	Direction   string          `json:"direction"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
	Category    string          `json:"category,omitempty"`
	OccurredOn  string          `json:"occurred_on"`
	RuleID      string          `json:"rule_id,omitempty"`
	BillID      string          `json:"bill_id,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

type SettlementDTO struct {
	Transaction TransactionDTO `json:"transaction"`
	Period      string         `json:"period,omitempty"`
	Installment int            `json:"installment,omitempty"`
	NextDueDate string         `json:"next_due_date,omitempty"`
	RuleActive  *bool          `json:"rule_active,omitempty"`
	BillID      string         `json:"bill_id,omitempty"`
}

type EvaluationDTO struct {
	RuleID      string `json:"rule_id"`
	Period      string `json:"period"`
	Applicable  bool   `json:"applicable"`
	DueDate     string `json:"due_date,omitempty"`
	Installment int    `json:"installment,omitempty"`
}

type OverrideDTO struct {
	ID        string           `json:"id"`
	RuleID    string           `json:"rule_id"`
	Period    string           `json:"period"`
	Kind      string           `json:"kind"`
	Amount    *decimal.Decimal `json:"amount,omitempty"`
	Name      string           `json:"name,omitempty"`
	Notes     string           `json:"notes,omitempty"`
	Used      bool             `json:"used"`
	CreatedAt time.Time        `json:"created_at"`
}

type BillDTO struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Category  string          `json:"category,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	AccountID string          `json:"account_id,omitempty"`
	DueDay    int             `json:"due_day"`
	Period    string          `json:"period"`
	DueDate   string          `json:"due_date"`
	IsPaid    bool            `json:"is_paid"`
	PaidAt    *time.Time      `json:"paid_at,omitempty"`
}

type AccountDTO struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Balance  decimal.Decimal `json:"balance"`
	IsActive bool            `json:"is_active"`
}

type AlertDTO struct {
	Level   string          `json:"level"`
	Message string          `json:"message"`
	Date    string          `json:"date,omitempty"`
	Period  string          `json:"period,omitempty"`
	Balance decimal.Decimal `json:"balance"`
}

type ForecastEventDTO struct {
	Source      string          `json:"source"`
	RuleID      string          `json:"rule_id,omitempty"`
	BillID      string          `json:"bill_id,omitempty"`
	Name        string          `json:"name"`
	Amount      decimal.Decimal `json:"amount"`
	Installment int             `json:"installment,omitempty"`
}

type DayProjectionDTO struct {
	Date       string             `json:"date"`
	Opening    decimal.Decimal    `json:"opening"`
	Inflow     decimal.Decimal    `json:"inflow"`
	Outflow    decimal.Decimal    `json:"outflow"`
	Variable   decimal.Decimal    `json:"variable"`
	Net        decimal.Decimal    `json:"net"`
	Closing    decimal.Decimal    `json:"closing"`
	Confidence float64            `json:"confidence"`
	Events     []ForecastEventDTO `json:"events,omitempty"`
}

type DayForecastDTO struct {
	GeneratedAt     time.Time          `json:"generated_at"`
	StartingBalance decimal.Decimal    `json:"starting_balance"`
	EndingBalance   decimal.Decimal    `json:"ending_balance"`
	MinBalance      decimal.Decimal    `json:"min_balance"`
	MinBalanceDate  string             `json:"min_balance_date,omitempty"`
	VariableMonthly decimal.Decimal    `json:"variable_monthly"`
	VariableDaily   decimal.Decimal    `json:"variable_daily"`
	Days            []DayProjectionDTO `json:"days"`
	Alerts          []AlertDTO         `json:"alerts"`
	DataComplete    bool               `json:"data_complete"`
	Warnings        []string           `json:"warnings,omitempty"`
}

type MonthProjectionDTO struct {
	Period       string          `json:"period"`
	Opening      decimal.Decimal `json:"opening"`
	FixedIncome  decimal.Decimal `json:"fixed_income"`
	FixedExpense decimal.Decimal `json:"fixed_expense"`
	Fixed        decimal.Decimal `json:"fixed"`
	Variable     decimal.Decimal `json:"variable"`
	Net          decimal.Decimal `json:"net"`
	Closing      decimal.Decimal `json:"closing"`
	Obligations  int             `json:"obligations"`
	Confidence   float64         `json:"confidence"`
}

type TrendDTO struct {
	AverageNet          decimal.Decimal `json:"average_net"`
	Direction           string          `json:"direction"`
	LowestBalance       decimal.Decimal `json:"lowest_balance"`
	LowestPeriod        string          `json:"lowest_period"`
	MonthsUntilNegative int             `json:"months_until_negative"`
}

type MonthForecastDTO struct {
	GeneratedAt     time.Time            `json:"generated_at"`
	StartingBalance decimal.Decimal      `json:"starting_balance"`
	EndingBalance   decimal.Decimal      `json:"ending_balance"`
	VariableMonthly decimal.Decimal      `json:"variable_monthly"`
	Months          []MonthProjectionDTO `json:"months"`
	Trend           TrendDTO             `json:"trend"`
	Alerts          []AlertDTO           `json:"alerts"`
	DataComplete    bool                 `json:"data_complete"`
	Warnings        []string             `json:"warnings,omitempty"`
}

type SnapshotDTO struct {
	ID              string            `json:"id"`
	GeneratedAt     time.Time         `json:"generated_at"`
	StartingBalance decimal.Decimal   `json:"starting_balance"`
	MinBalance      decimal.Decimal   `json:"min_balance"`
	AlertLevel      string            `json:"alert_level,omitempty"`
	DataComplete    bool              `json:"data_complete"`
	Days            *DayForecastDTO   `json:"days,omitempty"`
	Months          *MonthForecastDTO `json:"months,omitempty"`
}

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toObligationDTO(o engine.Obligation) ObligationDTO {
	return ObligationDTO{
		ID:                o.ID,
		Source:            string(o.Source),
		RuleID:            string(o.RuleID),
		BillID:            string(o.BillID),
		Name:              o.Name,
		Category:          o.Category,
		Direction:         string(o.Direction),
		Amount:            o.Amount,
		NominalAmount:     o.NominalAmount,
		Period:            o.Period.String(),
		DueDate:           o.DueDate.String(),
		DaysUntilDue:      o.DaysUntilDue,
		IsPaid:            o.IsPaid,
		PaidAt:            o.PaidAt,
		Urgency:           string(o.Urgency),
		Installment:       o.Installment,
		TotalInstallments: o.TotalInstallments,
		OverrideKind:      string(o.OverrideKind),
		Notes:             o.Notes,
	}
}

func toSummaryDTO(s engine.ObligationSummary) SummaryDTO {
	return SummaryDTO{
		Count:          s.Count,
		PaidCount:      s.PaidCount,
		OverdueCount:   s.OverdueCount,
		IncomeTotal:    s.IncomeTotal,
		ExpenseTotal:   s.ExpenseTotal,
		OutstandingDue: s.OutstandingDue,
		Net:            s.Net,
	}
}

func toTransactionDTO(tx engine.LedgerTransaction) TransactionDTO {
	return TransactionDTO{
		ID:          string(tx.ID),
		AccountID:   string(tx.AccountID),
		Direction:   string(tx.Direction),
		Amount:      tx.Amount,
		Description: tx.Description,
		Category:    tx.Category,
		OccurredOn:  tx.OccurredOn.String(),
		RuleID:      string(tx.RuleID),
		BillID:      string(tx.BillID),
		CreatedAt:   tx.CreatedAt,
	}
}

func toSettlementDTO(s *engine.Settlement) SettlementDTO {
	dto := SettlementDTO{Transaction: toTransactionDTO(s.Transaction)}
	if s.Payment != nil {
		dto.Period = s.Payment.Period.String()
	}
	if s.Rule != nil {
		active := s.Rule.IsActive
		dto.RuleActive = &active
		dto.NextDueDate = s.Rule.NextDueDate.String()
		if s.Rule.IsInstallment {
			dto.Installment = s.Rule.CurrentInstallment - 1
		}
	}
	if s.Bill != nil {
		dto.BillID = string(s.Bill.ID)
	}
	return dto
}

func toOverrideDTO(o engine.Override) OverrideDTO {
	return OverrideDTO{
		ID:        o.ID,
		RuleID:    string(o.RuleID),
		Period:    o.Period.String(),
		Kind:      string(o.Kind),
		Amount:    o.Amount,
		Name:      o.Name,
		Notes:     o.Notes,
		Used:      o.Used,
		CreatedAt: o.CreatedAt,
	}
}

func toBillDTO(b engine.Bill) BillDTO {
	return BillDTO{
		ID:        string(b.ID),
		Name:      b.Name,
		Category:  b.Category,
		Amount:    b.Amount,
		AccountID: string(b.AccountID),
		DueDay:    b.DueDay,
		Period:    b.Period.String(),
		DueDate:   b.DueDate().String(),
		IsPaid:    b.IsPaid,
		PaidAt:    b.PaidAt,
	}
}

func toAccountDTO(a engine.Account) AccountDTO {
	return AccountDTO{ID: string(a.ID), Name: a.Name, Balance: a.Balance, IsActive: a.IsActive}
}

func toAlertDTOs(alerts []engine.Alert) []AlertDTO {
	out := make([]AlertDTO, len(alerts))
	for i, a := range alerts {
		out[i] = AlertDTO{
			Level:   string(a.Level),
			Message: a.Message,
			Date:    a.Date.String(),
			Balance: a.Balance,
		}
		if a.Period != (engine.Period{}) {
			out[i].Period = a.Period.String()
		}
	}
	return out
}

func toDayForecastDTO(f *engine.DayForecast) *DayForecastDTO {
	if f == nil {
		return nil
	}
	dto := &DayForecastDTO{
		GeneratedAt:     f.GeneratedAt,
		StartingBalance: f.StartingBalance,
		EndingBalance:   f.EndingBalance,
		MinBalance:      f.MinBalance,
		MinBalanceDate:  f.MinBalanceDate.String(),
		VariableMonthly: f.VariableMonthly,
		VariableDaily:   f.VariableDaily,
		Days:            make([]DayProjectionDTO, len(f.Days)),
		Alerts:          toAlertDTOs(f.Alerts),
		DataComplete:    f.DataComplete,
		Warnings:        f.Warnings,
	}
	for i, d := range f.Days {
		day := DayProjectionDTO{
			Date:       d.Date.String(),
			Opening:    d.Opening,
			Inflow:     d.Inflow,
			Outflow:    d.Outflow,
			Variable:   d.Variable,
			Net:        d.Net,
			Closing:    d.Closing,
			Confidence: d.Confidence,
		}
		for _, e := range d.Events {
			day.Events = append(day.Events, ForecastEventDTO{
				Source:      string(e.Source),
				RuleID:      string(e.RuleID),
				BillID:      string(e.BillID),
				Name:        e.Name,
				Amount:      e.Amount,
				Installment: e.Installment,
			})
		}
		dto.Days[i] = day
	}
	return dto
}

func toMonthForecastDTO(f *engine.MonthForecast) *MonthForecastDTO {
	if f == nil {
		return nil
	}
	dto := &MonthForecastDTO{
		GeneratedAt:     f.GeneratedAt,
		StartingBalance: f.StartingBalance,
		EndingBalance:   f.EndingBalance,
		VariableMonthly: f.VariableMonthly,
		Months:          make([]MonthProjectionDTO, len(f.Months)),
		Trend: TrendDTO{
			AverageNet:          f.Trend.AverageNet,
			Direction:           string(f.Trend.Direction),
			LowestBalance:       f.Trend.LowestBalance,
			LowestPeriod:        f.Trend.LowestPeriod.String(),
			MonthsUntilNegative: f.Trend.MonthsUntilNegative,
		},
		Alerts:       toAlertDTOs(f.Alerts),
		DataComplete: f.DataComplete,
		Warnings:     f.Warnings,
	}
	for i, m := range f.Months {
		dto.Months[i] = MonthProjectionDTO{
			Period:       m.Period.String(),
			Opening:      m.Opening,
			FixedIncome:  m.FixedIncome,
			FixedExpense: m.FixedExpense,
			Fixed:        m.Fixed,
			Variable:     m.Variable,
			Net:          m.Net,
			Closing:      m.Closing,
			Obligations:  m.Obligations,
			Confidence:   m.Confidence,
		}
	}
	return dto
}

func toSnapshotDTO(s *engine.ForecastSnapshot) SnapshotDTO {
	return SnapshotDTO{
		ID:              s.ID,
		GeneratedAt:     s.GeneratedAt,
		StartingBalance: s.StartingBalance,
		MinBalance:      s.MinBalance,
		AlertLevel:      string(s.AlertLevel),
		DataComplete:    s.DataComplete,
		Days:            toDayForecastDTO(s.Days),
		Months:          toMonthForecastDTO(s.Months),
	}
}
