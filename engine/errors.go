/*
errors.go - Centralized error types for the obligation engine

PURPOSE:
  All error types in one place so callers can branch on the category of
  failure rather than on message text.

ERROR CATEGORIES:
  1. Validation errors - malformed input, never persisted (HTTP 400)
  2. Conflict errors   - already-settled period, duplicate override,
                         consumed skip (HTTP 409)
  3. Not-found errors  - missing record OR record owned by another user (HTTP 404)

  Calendar edge cases (month-end clamping, installment index out of range)
  are NOT errors. They are silent exclusions from the relevant view.

USAGE:
  if errors.Is(err, engine.ErrAlreadySettled) {
      // "already paid" - show the user the existing settlement
  }
  if engine.IsClientError(err) {
      // "bad input" - 4xx
  }

SEE ALSO:
  - settle.go: Produces conflict and validation errors
  - api/handlers.go: Maps categories to HTTP status codes
*/
package engine

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidRule is returned when a rule definition fails validation
	// (non-positive amount, end before start, anchor out of range...).
	ErrInvalidRule = errors.New("invalid recurrence rule")

	// ErrInvalidOverride is returned when an override is malformed
	// (custom amount without an amount, unknown kind).
	ErrInvalidOverride = errors.New("invalid override")

	// ErrInvalidPeriod is returned for a month outside 1-12 or a
	// non-positive year.
	ErrInvalidPeriod = errors.New("invalid period")

	// ErrNotApplicable is returned when a settlement targets a period the
	// rule does not apply to.
	ErrNotApplicable = errors.New("rule does not apply to period")

	// ErrAlreadySettled is returned when a period (or bill) has already been
	// paid. This is the double-payment guard.
	ErrAlreadySettled = errors.New("period already settled")

	// ErrDuplicateOverride is returned when creating a second override for
	// the same rule and period.
	ErrDuplicateOverride = errors.New("override already exists for period")

	// ErrPeriodSkipped is returned when settling a period that carries a
	// skip override.
	ErrPeriodSkipped = errors.New("period is skipped by override")

	// ErrSkipConsumed is returned when changing or removing the skip of an
	// installment the plan has already moved past.
	ErrSkipConsumed = errors.New("skipped installment already consumed")

	// ErrRuleNotFound is returned for a missing rule and for a rule owned by
	// someone else. The two cases are indistinguishable on purpose.
	ErrRuleNotFound = errors.New("rule not found")

	// ErrBillNotFound mirrors ErrRuleNotFound for bills.
	ErrBillNotFound = errors.New("bill not found")

	// ErrAccountNotFound is returned when a settlement references an
	// account that does not exist for the user.
	ErrAccountNotFound = errors.New("account not found")

	// ErrOverrideNotFound is returned when deleting an override that does
	// not exist.
	ErrOverrideNotFound = errors.New("override not found")

	// ErrSnapshotNotFound is returned when no forecast snapshot has been
	// recorded for a user yet.
	ErrSnapshotNotFound = errors.New("forecast snapshot not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes which field was rejected and why.
type ValidationError struct {
	Field   string
	Message string
	Err     error // sentinel this error unwraps to
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%v: %s", e.Err, e.Message)
	}
	return fmt.Sprintf("%v: %s: %s", e.Err, e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	if e.Err == nil {
		return ErrInvalidRule
	}
	return e.Err
}

func invalidRule(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message, Err: ErrInvalidRule}
}

// SettlementConflictError reports a rejected second settlement.
type SettlementConflictError struct {
	RuleID RuleID
	BillID BillID
	Period Period

	// ExistingTransactionID is the ledger transaction of the winning
	// settlement, when known.
	ExistingTransactionID TransactionID
}

func (e *SettlementConflictError) Error() string {
	if e.BillID != "" {
		return fmt.Sprintf("bill %s already paid (tx: %s)", e.BillID, e.ExistingTransactionID)
	}
	return fmt.Sprintf("rule %s already settled for %s (tx: %s)", e.RuleID, e.Period, e.ExistingTransactionID)
}

func (e *SettlementConflictError) Unwrap() error {
	return ErrAlreadySettled
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidRule) ||
		errors.Is(err, ErrInvalidOverride) ||
		errors.Is(err, ErrInvalidPeriod) ||
		errors.Is(err, ErrNotApplicable)
}

// IsConflict returns true if the request collided with existing state.
func IsConflict(err error) bool {
	return errors.Is(err, ErrAlreadySettled) ||
		errors.Is(err, ErrDuplicateOverride) ||
		errors.Is(err, ErrPeriodSkipped) ||
		errors.Is(err, ErrSkipConsumed)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRuleNotFound) ||
		errors.Is(err, ErrBillNotFound) ||
		errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrOverrideNotFound) ||
		errors.Is(err, ErrSnapshotNotFound)
}
