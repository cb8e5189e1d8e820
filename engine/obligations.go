/*
obligations.go - Obligation View Builder

PURPOSE:
  Builds the unified per-month list of everything a user owes (or is owed):
  one-off Bills stamped to the period plus every active Rule that applies
  to it, each with derived paid status and urgency.

ALGORITHM:
  1. Fetch Bills stamped to the period
  2. Fetch active Rules
  3. Evaluate each rule for the period; drop the not-applicable ones
  4. Resolve override and payment for (rule, period)
  5. Merge through ResolveObligation (drops skipped periods)
  6. Sort by due day, then name, then id

  Listing is a pure read. It never persists a rule's cursor.

SEE ALSO:
  - resolve.go: The merge
  - settle.go: The write side ("pay")
*/
package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// ViewBuilder lists obligations for a period.
type ViewBuilder struct {
	Rules     RuleStore
	Bills     BillStore
	Overrides OverrideResolver
	Payments  PaymentLedger
	Clock     Clock
}

func NewViewBuilder(store Store, clock Clock) *ViewBuilder {
	return &ViewBuilder{
		Rules:     store,
		Bills:     store,
		Overrides: NewOverrideResolver(store),
		Payments:  NewPaymentLedger(store),
		Clock:     clock,
	}
}

// ListObligations returns the user's obligations for the period, sorted by
// due day ascending.
func (v *ViewBuilder) ListObligations(ctx context.Context, userID UserID, period Period) ([]Obligation, error) {
	if err := period.Validate(); err != nil {
		return nil, err
	}
	today := Today(v.Clock)

	bills, err := v.Bills.ListBills(ctx, userID, period, period)
	if err != nil {
		return nil, fmt.Errorf("list bills: %w", err)
	}
	rules, err := v.Rules.ListRules(ctx, userID, true)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}

	out := make([]Obligation, 0, len(bills)+len(rules))
	for _, b := range bills {
		out = append(out, ResolveBill(b, today))
	}

	for _, r := range rules {
		ob, ok, err := v.resolveRule(ctx, r, period, today)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, ob)
		}
	}

	SortObligations(out)
	return out, nil
}

// resolveRule evaluates one rule for a period and fetches the records the
// reducer needs. Overrides and payments are only looked up for applicable
// periods.
//
// An installment plan pays from its cursor, so the cursor is first moved
// past skipped periods, and an outstanding installment shows the amount of
// the period settlement will actually pay.
func (v *ViewBuilder) resolveRule(ctx context.Context, r Rule, period Period, today Date) (Obligation, bool, error) {
	ev := Evaluate(r, period)
	if !ev.Applicable {
		return Obligation{}, false, nil
	}
	if r.IsInstallment {
		var err error
		if r, _, err = passSkipped(ctx, v.Overrides, r); err != nil {
			return Obligation{}, false, err
		}
	}
	o, err := v.Overrides.Resolve(ctx, r.ID, period)
	if err != nil {
		return Obligation{}, false, err
	}
	pay, err := v.Payments.Get(ctx, r.ID, period)
	if err != nil {
		return Obligation{}, false, err
	}
	ob, ok := ResolveObligation(r, ev, o, pay, today)
	if !ok || !r.IsInstallment || ob.IsPaid || ob.Installment == ev.Installment {
		return ob, ok, nil
	}

	due := r.NextDueDate.Period()
	co, err := v.Overrides.Resolve(ctx, r.ID, due)
	if err != nil {
		return Obligation{}, false, err
	}
	ob.Amount, _ = ApplyOverride(r.Amount, co)
	return ob, true, nil
}

// SortObligations orders by due day, then name, then id.
func SortObligations(obs []Obligation) {
	sort.SliceStable(obs, func(i, j int) bool {
		a, b := obs[i], obs[j]
		if !a.DueDate.Equal(b.DueDate) {
			return a.DueDate.Before(b.DueDate)
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.ID < b.ID
	})
}

// =============================================================================
// SUMMARY
// =============================================================================

// ObligationSummary totals a period's obligations. Amounts are unsigned;
// Net is income minus expense.
type ObligationSummary struct {
	Count          int
	PaidCount      int
	OverdueCount   int
	IncomeTotal    decimal.Decimal
	ExpenseTotal   decimal.Decimal
	OutstandingDue decimal.Decimal // unpaid expenses
	Net            decimal.Decimal
}

func Summarize(obs []Obligation) ObligationSummary {
	s := ObligationSummary{
		IncomeTotal:    decimal.Zero,
		ExpenseTotal:   decimal.Zero,
		OutstandingDue: decimal.Zero,
	}
	for _, ob := range obs {
		s.Count++
		if ob.IsPaid {
			s.PaidCount++
		}
		if ob.Urgency == UrgencyOverdue {
			s.OverdueCount++
		}
		if ob.Direction == DirectionIncome {
			s.IncomeTotal = s.IncomeTotal.Add(ob.Amount)
			continue
		}
		s.ExpenseTotal = s.ExpenseTotal.Add(ob.Amount)
		if !ob.IsPaid {
			s.OutstandingDue = s.OutstandingDue.Add(ob.Amount)
		}
	}
	s.Net = s.IncomeTotal.Sub(s.ExpenseTotal)
	return s
}
