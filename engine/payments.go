package engine

import (
	"context"
	"fmt"
)

// =============================================================================
// PAYMENT LEDGER - Settlement records, one per (rule, period)
// =============================================================================

// PaymentLedger records that a rule was settled for a period.
//
// INVARIANTS:
//   - At most one record per (rule, period).
//   - A second Record for the same key fails with ErrAlreadySettled. It is
//     never silently overwritten.
//   - Existence of a record is definitive proof of settlement.
type PaymentLedger interface {
	IsSettled(ctx context.Context, ruleID RuleID, period Period) (bool, error)
	Get(ctx context.Context, ruleID RuleID, period Period) (*Payment, error)
	Record(ctx context.Context, p Payment) error
}

// DefaultPaymentLedger is a PaymentLedger over a PaymentStore.
type DefaultPaymentLedger struct {
	Store PaymentStore
}

func NewPaymentLedger(store PaymentStore) *DefaultPaymentLedger {
	return &DefaultPaymentLedger{Store: store}
}

func (l *DefaultPaymentLedger) IsSettled(ctx context.Context, ruleID RuleID, period Period) (bool, error) {
	p, err := l.Get(ctx, ruleID, period)
	if err != nil {
		return false, err
	}
	return p != nil, nil
}

func (l *DefaultPaymentLedger) Get(ctx context.Context, ruleID RuleID, period Period) (*Payment, error) {
	p, err := l.Store.GetPayment(ctx, ruleID, period)
	if err != nil {
		return nil, fmt.Errorf("get payment %s/%s: %w", ruleID, period, err)
	}
	return p, nil
}

// Record relies on the store's uniqueness constraint rather than a prior
// IsSettled check, so two concurrent calls cannot both succeed.
func (l *DefaultPaymentLedger) Record(ctx context.Context, p Payment) error {
	if err := p.Period.Validate(); err != nil {
		return err
	}
	return l.Store.InsertPayment(ctx, p)
}
