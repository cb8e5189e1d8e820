/*
resolve.go - The obligation reducer

PURPOSE:
  A Rule, its Override for a period and its Payment for a period are three
  independently stored records that together describe one obligation.
  ResolveObligation is the ONLY place they are merged. The view builder and
  the forecast projector both call it, so they can never disagree about
  whether something is skipped, paid, or what it costs.

MERGE ORDER:
  1. Not applicable         -> no obligation
  2. skip override          -> no obligation
  3. Amount                 -> ApplyOverride(rule.Amount, override)
  4. Paid                   -> see isPaid
  5. Urgency                -> from days until due relative to today

PAID:
  installment rules:  CurrentInstallment > period's installment, or a payment
  other rules:        LastGeneratedDate inside the period, or a payment
  Day-step cadences have several occurrences per period; a payment only
  covers occurrences up to the due date it settled.
*/
package engine

// ResolveObligation merges a rule's evaluation with its override and
// payment for the same period. It returns false when the rule contributes
// no obligation (not applicable, or skipped).
func ResolveObligation(r Rule, ev Evaluation, o *Override, pay *Payment, today Date) (Obligation, bool) {
	if !ev.Applicable {
		return Obligation{}, false
	}
	amount, skipped := ApplyOverride(r.Amount, o)
	if skipped {
		return Obligation{}, false
	}

	ob := Obligation{
		ID:            string(r.ID),
		Source:        SourceRule,
		RuleID:        r.ID,
		Name:          r.Name,
		Category:      r.Category,
		Direction:     r.Direction,
		Amount:        amount,
		NominalAmount: r.Amount,
		Period:        ev.Period,
		DueDate:       ev.DueDate,
		DaysUntilDue:  DaysBetween(today, ev.DueDate),
		IsPaid:        isPaid(r, ev, pay),
	}
	if o != nil {
		ob.OverrideKind = o.Kind
		ob.Notes = o.Notes
		if o.Name != "" {
			ob.Name = o.Name
		}
	}
	if ob.IsPaid && pay != nil {
		ob.Amount = pay.AmountPaid
		paidAt := pay.PaidAt
		ob.PaidAt = &paidAt
	}

	if r.IsInstallment {
		ob.TotalInstallments = r.TotalInstallments
		// An outstanding installment is always the next one a settlement
		// would pay, even when viewing a later period.
		ob.Installment = ev.Installment
		if !ob.IsPaid && r.CurrentInstallment < ev.Installment {
			ob.Installment = r.CurrentInstallment
		}
	}

	ob.Urgency = UrgencyFor(ob.DaysUntilDue, ob.IsPaid)
	return ob, true
}

func isPaid(r Rule, ev Evaluation, pay *Payment) bool {
	if r.IsInstallment && r.CurrentInstallment > ev.Installment {
		return true
	}
	if pay != nil && (pay.DueDate.IsZero() || !ev.DueDate.After(pay.DueDate)) {
		return true
	}
	if r.IsInstallment {
		return false
	}
	last := r.LastGeneratedDate
	return !last.IsZero() && ev.Period.Contains(last) && !ev.DueDate.After(last)
}

// ResolveBill turns a bill into an obligation for its own period.
func ResolveBill(b Bill, today Date) Obligation {
	due := b.DueDate()
	ob := Obligation{
		ID:            string(b.ID),
		Source:        SourceBill,
		BillID:        b.ID,
		Name:          b.Name,
		Category:      b.Category,
		Direction:     DirectionExpense,
		Amount:        b.Amount,
		NominalAmount: b.Amount,
		Period:        b.Period,
		DueDate:       due,
		DaysUntilDue:  DaysBetween(today, due),
		IsPaid:        b.IsPaid,
		PaidAt:        b.PaidAt,
	}
	ob.Urgency = UrgencyFor(ob.DaysUntilDue, ob.IsPaid)
	return ob
}

// UrgencyFor buckets days until due.
func UrgencyFor(daysUntilDue int, paid bool) Urgency {
	switch {
	case paid:
		return UrgencyPaid
	case daysUntilDue < 0:
		return UrgencyOverdue
	case daysUntilDue == 0:
		return UrgencyToday
	case daysUntilDue <= 3:
		return UrgencySoon
	case daysUntilDue <= 7:
		return UrgencyUpcoming
	default:
		return UrgencyNormal
	}
}
