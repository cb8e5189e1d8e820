/*
Package engine implements the Recurring Obligation Engine.

PURPOSE:
  Turns small recurrence rules ("pay 450 on day 10 of every month, 12
  installments, starting March") into concrete per-month obligations,
  reconciles them against one-off bills, per-month overrides and recorded
  payments, and projects them forward to forecast account balances.

KEY CONCEPTS IN THIS FILE (types.go):
  - Rule: the definition of a repeating obligation (amount, cadence, window)
  - Override: a per-period exception (skip, replace amount, partial payment)
  - Payment: proof that a rule was settled for a period
  - Bill: a one-off obligation stamped to a single period
  - Obligation: the unified per-period view of something owed

READ / WRITE SPLIT:
  Reads go through pure functions (Evaluate, ResolveObligation) that never
  touch a rule's cursor. Writes go through Service.SettleRule, which records
  the payment and advances the cursor inside one store transaction.

PRECISION:
  All money is decimal.Decimal. Amounts on rules, bills and overrides are
  always positive; Direction carries the sign.

SEE ALSO:
  - calendar.go: Due dates, installments, Advance
  - resolve.go: The single merge of rule + override + payment
  - obligations.go: Per-month obligation list
  - forecast.go: Balance projection
*/
package engine

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type RuleID string
type BillID string
type AccountID string
type TransactionID string

// =============================================================================
// ENUMS
// =============================================================================

// Direction says whether money comes in or goes out.
type Direction string

const (
	DirectionIncome  Direction = "income"
	DirectionExpense Direction = "expense"
)

func (d Direction) Valid() bool { return d == DirectionIncome || d == DirectionExpense }

// Signed returns amount with the sign of the direction (+income, -expense).
func (d Direction) Signed(amount decimal.Decimal) decimal.Decimal {
	if d == DirectionIncome {
		return amount
	}
	return amount.Neg()
}

// Cadence is how often a rule repeats.
type Cadence string

const (
	CadenceDaily    Cadence = "daily"
	CadenceWeekly   Cadence = "weekly"
	CadenceBiweekly Cadence = "biweekly"
	CadenceMonthly  Cadence = "monthly"
	CadenceYearly   Cadence = "yearly"
)

func (c Cadence) Valid() bool {
	switch c {
	case CadenceDaily, CadenceWeekly, CadenceBiweekly, CadenceMonthly, CadenceYearly:
		return true
	}
	return false
}

// stepDays returns the fixed day step for day-based cadences, 0 otherwise.
func (c Cadence) stepDays() int {
	switch c {
	case CadenceDaily:
		return 1
	case CadenceWeekly:
		return 7
	case CadenceBiweekly:
		return 14
	}
	return 0
}

// OverrideKind is the type of per-period exception.
type OverrideKind string

const (
	OverrideSkip           OverrideKind = "skip"
	OverrideCustomAmount   OverrideKind = "custom_amount"
	OverridePartialPayment OverrideKind = "partial_payment"
)

func (k OverrideKind) Valid() bool {
	return k == OverrideSkip || k == OverrideCustomAmount || k == OverridePartialPayment
}

// Urgency is derived from days until due.
type Urgency string

const (
	UrgencyPaid     Urgency = "paid"
	UrgencyOverdue  Urgency = "overdue"
	UrgencyToday    Urgency = "today"
	UrgencySoon     Urgency = "soon"     // 1-3 days
	UrgencyUpcoming Urgency = "upcoming" // 4-7 days
	UrgencyNormal   Urgency = "normal"   // more than 7 days
)

// Source says where an obligation came from.
type Source string

const (
	SourceRule Source = "rule"
	SourceBill Source = "bill"
)

// =============================================================================
// RULE - Definition of a repeating obligation
// =============================================================================

// Rule is a recurrence rule. It is created once and mutated over its life:
// advanced on each settlement, deactivated when its installments or window
// run out.
//
// INVARIANTS:
//   - Amount > 0
//   - StartDate <= EndDate (when EndDate is set)
//   - NextDueDate >= StartDate
//   - CurrentInstallment <= TotalInstallments while active. The terminal
//     value TotalInstallments+1 only appears on an inactive rule.
type Rule struct {
	ID        RuleID
	UserID    UserID
	Name      string
	Direction Direction
	Category  string
	Amount    decimal.Decimal
	AccountID AccountID // optional

	Cadence    Cadence
	DayOfMonth *int // 1-31, monthly/yearly anchor
	DayOfWeek  *int // 0-6 (Sunday=0), weekly/biweekly anchor

	StartDate         Date
	EndDate           Date // zero = open-ended
	NextDueDate       Date
	LastGeneratedDate Date // zero = never settled

	IsInstallment      bool
	TotalInstallments  int
	CurrentInstallment int

	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasEnd reports whether the rule has a bounded window.
func (r Rule) HasEnd() bool { return !r.EndDate.IsZero() }

// InstallmentsExhausted reports whether every installment has been paid.
func (r Rule) InstallmentsExhausted() bool {
	return r.IsInstallment && r.CurrentInstallment > r.TotalInstallments
}

// =============================================================================
// OVERRIDE - Per-period exception
// =============================================================================

// Override adjusts one period of one rule. At most one per (rule, period).
//
// Amount means:
//   - custom_amount: the replacement amount
//   - partial_payment: the portion already paid
//   - skip: ignored
type Override struct {
	ID     string
	RuleID RuleID
	UserID UserID
	Period Period
	Kind   OverrideKind
	Amount *decimal.Decimal
	Name   string
	Notes  string
	Used   bool

	CreatedAt time.Time
}

// =============================================================================
// PAYMENT - Settlement record
// =============================================================================

// Payment proves a rule was settled for a period. At most one per
// (rule, period); its existence is definitive.
type Payment struct {
	ID            string
	RuleID        RuleID
	UserID        UserID
	Period        Period
	DueDate       Date // the occurrence this payment settled
	AmountPaid    decimal.Decimal
	PaidAt        time.Time
	TransactionID TransactionID
}

// =============================================================================
// BILL - One-off obligation
// =============================================================================

// Bill does not recur. Renewing it creates a fresh copy in the next period.
type Bill struct {
	ID        BillID
	UserID    UserID
	Name      string
	Category  string
	Amount    decimal.Decimal
	AccountID AccountID // optional, debited on settlement
	DueDay    int
	Period    Period
	IsPaid    bool
	PaidAt    *time.Time
	CreatedAt time.Time
}

// DueDate clamps DueDay into the bill's period.
func (b Bill) DueDate() Date { return ClampDay(b.Period.Year, b.Period.Month, b.DueDay) }

// =============================================================================
// COLLABORATOR RECORDS - Accounts and ledger transactions
// =============================================================================

// Account owns a running balance. The engine reads it for forecasts and
// adjusts it on settlement, but does not own its lifecycle.
type Account struct {
	ID       AccountID
	UserID   UserID
	Name     string
	Balance  decimal.Decimal
	IsActive bool
}

// LedgerTransaction is a money movement. Settlements create one; transactions
// with neither RuleID nor BillID are non-recurring spending/income and feed
// the forecast's variable component.
type LedgerTransaction struct {
	ID          TransactionID
	UserID      UserID
	AccountID   AccountID
	Direction   Direction
	Amount      decimal.Decimal
	Description string
	Category    string
	OccurredOn  Date
	RuleID      RuleID
	BillID      BillID
	CreatedAt   time.Time
}

// IsRecurring reports whether the transaction came from a rule or a bill.
func (t LedgerTransaction) IsRecurring() bool { return t.RuleID != "" || t.BillID != "" }

// =============================================================================
// OBLIGATION - Unified per-period view
// =============================================================================

// Obligation is something owed (or due in) for a period, from a Rule or a
// Bill, with derived status.
type Obligation struct {
	ID        string
	Source    Source
	RuleID    RuleID
	BillID    BillID
	Name      string
	Category  string
	Direction Direction

	// Amount after override substitution. NominalAmount is the rule's own.
	Amount        decimal.Decimal
	NominalAmount decimal.Decimal

	Period       Period
	DueDate      Date
	DaysUntilDue int
	IsPaid       bool
	PaidAt       *time.Time
	Urgency      Urgency

	Installment       int // 0 for non-installment obligations
	TotalInstallments int

	OverrideKind OverrideKind // empty when no override applies
	Notes        string
}
