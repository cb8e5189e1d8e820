/*
settle.go - Write side: rule creation, overrides, settlement

PURPOSE:
  Every mutation of engine state goes through Service. Reads (Evaluate,
  ListObligations, forecasts) never write, and this file never computes a
  view.

SETTLEMENT FLOW (one store transaction):
  1. Load the rule; a rule owned by someone else is "not found"
  2. Move the cursor past periods carrying a skip override
  3. Resolve the target period (defaults to the period of NextDueDate)
  4. Evaluate; not applicable -> validation error
  5. Reject periods already paid (payment record or cursor) -> conflict
  6. Reject periods carrying a skip override -> conflict
  7. Append a ledger transaction for the resolved amount
  8. Adjust the linked account balance, if any
  9. Insert the payment record (UNIQUE per rule+period)
  10. Advance the rule cursor and persist it
  11. Mark a partial-payment override and any passed skips as used

  Step 9 is the concurrency guard. Two racing settlements for the same
  period both pass step 5 only if neither has committed yet; the storage
  layer then rejects the second insert and its whole transaction rolls
  back, so the cursor advances exactly once.

INSTALLMENT ORDER:
  Installment plans are paid in order. Settling a later period while an
  earlier installment is outstanding pays the outstanding installment (the
  one shown on the obligation), not the later one. A skipped installment is
  consumed: the plan keeps its calendar and pays one installment fewer.

SEE ALSO:
  - calendar.go: Evaluate, Advance
  - payments.go: PaymentLedger uniqueness contract
*/
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	Store  TxStore
	Clock  Clock
	Logger *zap.Logger

	// NewID generates record ids. NewTxID generates ledger transaction ids,
	// which sort by creation time.
	NewID   func() string
	NewTxID func() TransactionID
}

func NewService(store TxStore, clock Clock, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		Store:   store,
		Clock:   clock,
		Logger:  logger,
		NewID:   uuid.NewString,
		NewTxID: func() TransactionID { return TransactionID(ulid.Make().String()) },
	}
}

func (s *Service) now() time.Time {
	if s.Clock == nil {
		return time.Now().UTC()
	}
	return s.Clock.Now().UTC()
}

// =============================================================================
// RULES
// =============================================================================

// RuleInput is everything needed to create a rule.
type RuleInput struct {
	UserID    UserID
	Name      string
	Direction Direction
	Category  string
	Amount    decimal.Decimal
	AccountID AccountID

	Cadence    Cadence
	DayOfMonth *int
	DayOfWeek  *int

	StartDate Date
	EndDate   Date

	IsInstallment     bool
	TotalInstallments int
}

// CreateRule validates the input, computes the initial NextDueDate and
// persists the rule.
func (s *Service) CreateRule(ctx context.Context, in RuleInput) (Rule, error) {
	now := s.now()
	rule := Rule{
		ID:                RuleID(s.NewID()),
		UserID:            in.UserID,
		Name:              strings.TrimSpace(in.Name),
		Direction:         in.Direction,
		Category:          in.Category,
		Amount:            in.Amount,
		AccountID:         in.AccountID,
		Cadence:           in.Cadence,
		DayOfMonth:        in.DayOfMonth,
		DayOfWeek:         in.DayOfWeek,
		StartDate:         in.StartDate,
		EndDate:           in.EndDate,
		IsInstallment:     in.IsInstallment,
		TotalInstallments: in.TotalInstallments,
		IsActive:          true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if rule.IsInstallment {
		rule.CurrentInstallment = 1
	}
	if err := ValidateRule(rule); err != nil {
		return Rule{}, err
	}

	rule.NextDueDate = FirstDueDate(rule)
	if rule.HasEnd() && rule.NextDueDate.After(rule.EndDate) {
		return Rule{}, invalidRule("end_date", fmt.Sprintf("window ends %s before the first occurrence %s", rule.EndDate, rule.NextDueDate))
	}

	if err := s.Store.CreateRule(ctx, rule); err != nil {
		return Rule{}, fmt.Errorf("create rule: %w", err)
	}
	s.Logger.Debug("rule created",
		zap.String("rule_id", string(rule.ID)),
		zap.String("user_id", string(rule.UserID)),
		zap.String("cadence", string(rule.Cadence)),
		zap.String("next_due", rule.NextDueDate.String()))
	return rule, nil
}

// Rule loads a rule owned by userID.
func (s *Service) Rule(ctx context.Context, userID UserID, id RuleID) (Rule, error) {
	return ownedRule(ctx, s.Store, userID, id)
}

func (s *Service) Rules(ctx context.Context, userID UserID, activeOnly bool) ([]Rule, error) {
	return s.Store.ListRules(ctx, userID, activeOnly)
}

// SetRuleActive pauses or resumes a rule. A rule whose installments or
// window are exhausted cannot be resumed.
func (s *Service) SetRuleActive(ctx context.Context, userID UserID, id RuleID, active bool) (Rule, error) {
	var out Rule
	err := s.Store.WithTx(ctx, func(st Store) error {
		rule, err := ownedRule(ctx, st, userID, id)
		if err != nil {
			return err
		}
		if active && rule.InstallmentsExhausted() {
			return invalidRule("is_active", "all installments are paid")
		}
		if active && rule.HasEnd() && rule.NextDueDate.After(rule.EndDate) {
			return invalidRule("is_active", "rule window has ended")
		}
		rule.IsActive = active
		rule.UpdatedAt = s.now()
		if err := st.UpdateRule(ctx, rule); err != nil {
			return err
		}
		out = rule
		return nil
	})
	return out, err
}

func ownedRule(ctx context.Context, st RuleStore, userID UserID, id RuleID) (Rule, error) {
	rule, err := st.GetRule(ctx, id)
	if err != nil {
		return Rule{}, err
	}
	if rule.UserID != userID {
		return Rule{}, ErrRuleNotFound
	}
	return rule, nil
}

// =============================================================================
// SETTLEMENT
// =============================================================================

// Settlement is the outcome of a successful settle.
type Settlement struct {
	Transaction LedgerTransaction
	Payment     *Payment // nil for bills
	Rule        *Rule    // the rule after advancing
	Bill        *Bill
}

// SettleRule marks one period of a rule as paid. A nil period settles the
// period of the rule's NextDueDate.
func (s *Service) SettleRule(ctx context.Context, userID UserID, ruleID RuleID, period *Period) (*Settlement, error) {
	var out *Settlement
	err := s.Store.WithTx(ctx, func(st Store) error {
		res, err := s.settleRuleTx(ctx, st, userID, ruleID, period)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.Logger.Debug("rule settled",
		zap.String("rule_id", string(ruleID)),
		zap.String("period", out.Payment.Period.String()),
		zap.String("tx_id", string(out.Transaction.ID)),
		zap.String("amount", out.Payment.AmountPaid.String()))
	return out, nil
}

func (s *Service) settleRuleTx(ctx context.Context, st Store, userID UserID, ruleID RuleID, period *Period) (*Settlement, error) {
	rule, err := ownedRule(ctx, st, userID, ruleID)
	if err != nil {
		return nil, err
	}
	if !rule.IsActive {
		return nil, &ValidationError{Field: "rule", Message: "rule is inactive", Err: ErrNotApplicable}
	}
	if rule.NextDueDate.IsZero() {
		rule.NextDueDate = FirstDueDate(rule)
	}
	rule, passed, err := passSkipped(ctx, NewOverrideResolver(st), rule)
	if err != nil {
		return nil, err
	}
	if !rule.IsActive {
		return nil, &ValidationError{Field: "rule", Message: "every remaining period is skipped", Err: ErrNotApplicable}
	}

	p := rule.NextDueDate.Period()
	if period != nil {
		if err := period.Validate(); err != nil {
			return nil, err
		}
		p = *period
	}

	ev := Evaluate(rule, p)
	if !ev.Applicable {
		return nil, &ValidationError{Field: "period", Message: fmt.Sprintf("rule does not apply to %s", p), Err: ErrNotApplicable}
	}
	if rule.IsInstallment {
		if ev.Installment < rule.CurrentInstallment {
			o, err := st.GetOverride(ctx, rule.ID, p)
			if err != nil {
				return nil, err
			}
			if consumedSkip(rule, o) {
				return nil, fmt.Errorf("rule %s %s: %w", rule.ID, p, ErrPeriodSkipped)
			}
			return nil, s.conflict(ctx, st, rule.ID, p)
		}
		if ev.Installment > rule.CurrentInstallment {
			p = rule.NextDueDate.Period()
			if ev = Evaluate(rule, p); !ev.Applicable {
				return nil, &ValidationError{Field: "period", Message: fmt.Sprintf("installment %d is not payable", rule.CurrentInstallment), Err: ErrNotApplicable}
			}
		}
	}

	existing, err := st.GetPayment(ctx, rule.ID, p)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, &SettlementConflictError{RuleID: rule.ID, Period: p, ExistingTransactionID: existing.TransactionID}
	}
	override, err := st.GetOverride(ctx, rule.ID, p)
	if err != nil {
		return nil, err
	}
	amount, skipped := ApplyOverride(rule.Amount, override)
	if skipped {
		return nil, fmt.Errorf("rule %s %s: %w", rule.ID, p, ErrPeriodSkipped)
	}
	if isPaid(rule, ev, nil) {
		return nil, &SettlementConflictError{RuleID: rule.ID, Period: p}
	}

	now := s.now()
	tx := LedgerTransaction{
		ID:          s.NewTxID(),
		UserID:      userID,
		AccountID:   rule.AccountID,
		Direction:   rule.Direction,
		Amount:      amount,
		Description: settlementDescription(rule, ev),
		Category:    rule.Category,
		OccurredOn:  DateOf(now),
		RuleID:      rule.ID,
		CreatedAt:   now,
	}
	if err := s.post(ctx, st, userID, tx); err != nil {
		return nil, err
	}

	payment := Payment{
		ID:            s.NewID(),
		RuleID:        rule.ID,
		UserID:        userID,
		Period:        p,
		DueDate:       ev.DueDate,
		AmountPaid:    amount,
		PaidAt:        now,
		TransactionID: tx.ID,
	}
	if err := NewPaymentLedger(st).Record(ctx, payment); err != nil {
		return nil, err
	}

	advanced := advanceFor(rule, ev)
	advanced.LastGeneratedDate = maxDate(rule.LastGeneratedDate, ev.DueDate)
	advanced.UpdatedAt = now
	if err := st.UpdateRule(ctx, advanced); err != nil {
		return nil, err
	}

	if override != nil && override.Kind == OverridePartialPayment && !override.Used {
		if err := st.MarkOverrideUsed(ctx, rule.ID, p); err != nil {
			return nil, err
		}
	}
	for _, sp := range passed {
		if err := st.MarkOverrideUsed(ctx, rule.ID, sp); err != nil {
			return nil, err
		}
	}

	return &Settlement{Transaction: tx, Payment: &payment, Rule: &advanced}, nil
}

// advanceFor moves the cursor past a settled occurrence. Installment rules
// always step from the cursor. Other rules jump the cursor to the settled
// occurrence first, and settling an occurrence behind the cursor leaves it
// where it is.
func advanceFor(rule Rule, ev Evaluation) Rule {
	if rule.IsInstallment {
		return Advance(rule)
	}
	if ev.DueDate.Before(rule.NextDueDate) {
		return rule
	}
	rule.NextDueDate = ev.DueDate
	return Advance(rule)
}

// passSkipped moves the cursor of an active rule past every period that
// carries a skip override. A skipped installment is consumed: the plan keeps
// its calendar and pays one installment fewer. It returns the periods passed.
func passSkipped(ctx context.Context, overrides OverrideResolver, rule Rule) (Rule, []Period, error) {
	var passed []Period
	for rule.IsActive {
		p := rule.NextDueDate.Period()
		if !Evaluate(rule, p).Applicable {
			break
		}
		o, err := overrides.Resolve(ctx, rule.ID, p)
		if err != nil {
			return rule, nil, err
		}
		if o == nil || o.Kind != OverrideSkip {
			break
		}
		if n := len(passed); n == 0 || passed[n-1] != p {
			passed = append(passed, p)
		}
		rule = Advance(rule)
	}
	return rule, passed, nil
}

// consumedSkip reports whether o is the skip of an installment the rule's
// cursor has already moved past.
func consumedSkip(rule Rule, o *Override) bool {
	if !rule.IsInstallment || o == nil || o.Kind != OverrideSkip {
		return false
	}
	idx, ok := InstallmentFor(rule, o.Period)
	return ok && idx < rule.CurrentInstallment
}

func settlementDescription(r Rule, ev Evaluation) string {
	if r.IsInstallment {
		return fmt.Sprintf("%s (%d/%d)", r.Name, ev.Installment, r.TotalInstallments)
	}
	return r.Name
}

// conflict builds a SettlementConflictError carrying the winning
// transaction when one is on record.
func (s *Service) conflict(ctx context.Context, st Store, ruleID RuleID, p Period) error {
	ce := &SettlementConflictError{RuleID: ruleID, Period: p}
	if existing, err := st.GetPayment(ctx, ruleID, p); err == nil && existing != nil {
		ce.ExistingTransactionID = existing.TransactionID
	}
	return ce
}

// post appends the ledger transaction and applies it to the linked account.
func (s *Service) post(ctx context.Context, st Store, userID UserID, tx LedgerTransaction) error {
	if tx.AccountID != "" {
		acct, err := st.GetAccount(ctx, tx.AccountID)
		if err != nil {
			return err
		}
		if acct.UserID != userID {
			return ErrAccountNotFound
		}
		if err := st.AdjustBalance(ctx, tx.AccountID, tx.Direction.Signed(tx.Amount)); err != nil {
			return err
		}
	}
	if err := st.AppendTransaction(ctx, tx); err != nil {
		return fmt.Errorf("append transaction: %w", err)
	}
	return nil
}

// SettleBill marks a one-off bill as paid.
func (s *Service) SettleBill(ctx context.Context, userID UserID, billID BillID) (*Settlement, error) {
	var out *Settlement
	err := s.Store.WithTx(ctx, func(st Store) error {
		bill, err := ownedBill(ctx, st, userID, billID)
		if err != nil {
			return err
		}
		if bill.IsPaid {
			return &SettlementConflictError{BillID: bill.ID, Period: bill.Period}
		}

		now := s.now()
		tx := LedgerTransaction{
			ID:          s.NewTxID(),
			UserID:      userID,
			AccountID:   bill.AccountID,
			Direction:   DirectionExpense,
			Amount:      bill.Amount,
			Description: bill.Name,
			Category:    bill.Category,
			OccurredOn:  DateOf(now),
			BillID:      bill.ID,
			CreatedAt:   now,
		}
		if err := s.post(ctx, st, userID, tx); err != nil {
			return err
		}

		bill.IsPaid = true
		bill.PaidAt = &now
		if err := st.UpdateBill(ctx, bill); err != nil {
			return err
		}
		out = &Settlement{Transaction: tx, Bill: &bill}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.Logger.Debug("bill settled", zap.String("bill_id", string(billID)), zap.String("tx_id", string(out.Transaction.ID)))
	return out, nil
}

// =============================================================================
// OVERRIDES
// =============================================================================

// OverrideInput describes an exception for one period of a rule.
type OverrideInput struct {
	RuleID RuleID
	Period Period
	Kind   OverrideKind
	Amount *decimal.Decimal
	Name   string
	Notes  string
}

// UpsertOverride creates or replaces the override for (rule, period).
func (s *Service) UpsertOverride(ctx context.Context, userID UserID, in OverrideInput) (Override, error) {
	return s.writeOverride(ctx, userID, in, true)
}

// CreateOverride fails with ErrDuplicateOverride when the period already
// has one.
func (s *Service) CreateOverride(ctx context.Context, userID UserID, in OverrideInput) (Override, error) {
	return s.writeOverride(ctx, userID, in, false)
}

func (s *Service) writeOverride(ctx context.Context, userID UserID, in OverrideInput, replace bool) (Override, error) {
	o := Override{
		ID:        s.NewID(),
		RuleID:    in.RuleID,
		UserID:    userID,
		Period:    in.Period,
		Kind:      in.Kind,
		Amount:    in.Amount,
		Name:      in.Name,
		Notes:     in.Notes,
		CreatedAt: s.now(),
	}
	if err := ValidateOverride(o); err != nil {
		return Override{}, err
	}

	err := s.Store.WithTx(ctx, func(st Store) error {
		rule, err := ownedRule(ctx, st, userID, in.RuleID)
		if err != nil {
			return err
		}
		if !replace {
			return st.CreateOverride(ctx, o)
		}
		if err := checkSkipNotConsumed(ctx, st, rule, in.Period); err != nil {
			return err
		}
		return st.UpsertOverride(ctx, o)
	})
	if err != nil {
		return Override{}, err
	}
	return o, nil
}

// DeleteOverride restores the rule's nominal terms for the period.
func (s *Service) DeleteOverride(ctx context.Context, userID UserID, ruleID RuleID, period Period) error {
	if err := period.Validate(); err != nil {
		return err
	}
	return s.Store.WithTx(ctx, func(st Store) error {
		rule, err := ownedRule(ctx, st, userID, ruleID)
		if err != nil {
			return err
		}
		if err := checkSkipNotConsumed(ctx, st, rule, period); err != nil {
			return err
		}
		return st.DeleteOverride(ctx, ruleID, period)
	})
}

// checkSkipNotConsumed refuses to touch a skip the installment plan has
// already moved past. Undoing it would mark the period paid with no payment.
func checkSkipNotConsumed(ctx context.Context, st Store, rule Rule, period Period) error {
	existing, err := st.GetOverride(ctx, rule.ID, period)
	if err != nil {
		return err
	}
	if !consumedSkip(rule, existing) {
		return nil
	}
	if pay, err := st.GetPayment(ctx, rule.ID, period); err != nil || pay != nil {
		return err
	}
	return fmt.Errorf("rule %s %s: %w", rule.ID, period, ErrSkipConsumed)
}

// Overrides lists every override of a rule.
func (s *Service) Overrides(ctx context.Context, userID UserID, ruleID RuleID) ([]Override, error) {
	if _, err := ownedRule(ctx, s.Store, userID, ruleID); err != nil {
		return nil, err
	}
	return s.Store.ListOverrides(ctx, ruleID)
}

// =============================================================================
// BILLS
// =============================================================================

type BillInput struct {
	UserID    UserID
	Name      string
	Category  string
	Amount    decimal.Decimal
	AccountID AccountID
	DueDay    int
	Period    Period
}

func (s *Service) CreateBill(ctx context.Context, in BillInput) (Bill, error) {
	b := Bill{
		ID:        BillID(s.NewID()),
		UserID:    in.UserID,
		Name:      strings.TrimSpace(in.Name),
		Category:  in.Category,
		Amount:    in.Amount,
		AccountID: in.AccountID,
		DueDay:    in.DueDay,
		Period:    in.Period,
		CreatedAt: s.now(),
	}
	if err := validateBill(b); err != nil {
		return Bill{}, err
	}
	if err := s.Store.CreateBill(ctx, b); err != nil {
		return Bill{}, fmt.Errorf("create bill: %w", err)
	}
	return b, nil
}

// RenewBill stamps an unpaid copy of the bill onto the following period.
// The original is left untouched.
func (s *Service) RenewBill(ctx context.Context, userID UserID, id BillID) (Bill, error) {
	var out Bill
	err := s.Store.WithTx(ctx, func(st Store) error {
		src, err := ownedBill(ctx, st, userID, id)
		if err != nil {
			return err
		}
		out = Bill{
			ID:        BillID(s.NewID()),
			UserID:    src.UserID,
			Name:      src.Name,
			Category:  src.Category,
			Amount:    src.Amount,
			AccountID: src.AccountID,
			DueDay:    src.DueDay,
			Period:    src.Period.Next(),
			CreatedAt: s.now(),
		}
		return st.CreateBill(ctx, out)
	})
	if err != nil {
		return Bill{}, err
	}
	return out, nil
}

func (s *Service) Bills(ctx context.Context, userID UserID, period Period) ([]Bill, error) {
	if err := period.Validate(); err != nil {
		return nil, err
	}
	return s.Store.ListBills(ctx, userID, period, period)
}

func ownedBill(ctx context.Context, st BillStore, userID UserID, id BillID) (Bill, error) {
	b, err := st.GetBill(ctx, id)
	if err != nil {
		return Bill{}, err
	}
	if b.UserID != userID {
		return Bill{}, ErrBillNotFound
	}
	return b, nil
}

func validateBill(b Bill) error {
	if b.UserID == "" {
		return invalidRule("user_id", "is required")
	}
	if b.Name == "" {
		return invalidRule("name", "is required")
	}
	if !b.Amount.IsPositive() {
		return invalidRule("amount", "must be positive")
	}
	if b.DueDay < 1 || b.DueDay > 31 {
		return invalidRule("due_day", fmt.Sprintf("%d out of range 1-31", b.DueDay))
	}
	return b.Period.Validate()
}
