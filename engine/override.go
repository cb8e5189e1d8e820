package engine

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// OVERRIDE RESOLVER - Looks up the per-period exception for a rule
// =============================================================================

// OverrideResolver returns the override for (rule, period), or nil when the
// rule's nominal terms stand.
type OverrideResolver interface {
	Resolve(ctx context.Context, ruleID RuleID, period Period) (*Override, error)
}

// StoreOverrideResolver resolves overrides from an OverrideStore.
type StoreOverrideResolver struct {
	Store OverrideStore
}

func NewOverrideResolver(store OverrideStore) *StoreOverrideResolver {
	return &StoreOverrideResolver{Store: store}
}

func (r *StoreOverrideResolver) Resolve(ctx context.Context, ruleID RuleID, period Period) (*Override, error) {
	o, err := r.Store.GetOverride(ctx, ruleID, period)
	if err != nil {
		return nil, fmt.Errorf("resolve override %s/%s: %w", ruleID, period, err)
	}
	return o, nil
}

// ApplyOverride computes the amount owed after an override.
//
//	nil             -> nominal
//	skip            -> skipped
//	custom_amount   -> override amount (due date unchanged)
//	partial_payment -> nominal - paid portion, never below zero
func ApplyOverride(nominal decimal.Decimal, o *Override) (amount decimal.Decimal, skipped bool) {
	if o == nil {
		return nominal, false
	}
	switch o.Kind {
	case OverrideSkip:
		return decimal.Zero, true
	case OverrideCustomAmount:
		if o.Amount == nil {
			return nominal, false
		}
		return *o.Amount, false
	case OverridePartialPayment:
		if o.Amount == nil {
			return nominal, false
		}
		remaining := nominal.Sub(*o.Amount)
		if remaining.IsNegative() {
			remaining = decimal.Zero
		}
		return remaining, false
	}
	return nominal, false
}

// ValidateOverride checks an override before it is written.
func ValidateOverride(o Override) error {
	if err := o.Period.Validate(); err != nil {
		return err
	}
	if !o.Kind.Valid() {
		return &ValidationError{Field: "kind", Message: fmt.Sprintf("unknown override kind %q", o.Kind), Err: ErrInvalidOverride}
	}
	if o.Kind == OverrideSkip {
		return nil
	}
	if o.Amount == nil {
		return &ValidationError{Field: "amount", Message: fmt.Sprintf("%s requires an amount", o.Kind), Err: ErrInvalidOverride}
	}
	if o.Amount.IsNegative() {
		return &ValidationError{Field: "amount", Message: "must not be negative", Err: ErrInvalidOverride}
	}
	return nil
}
