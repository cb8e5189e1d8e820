/*
store.go - Persistence interfaces for rules, overrides, payments and bills

PURPOSE:
  Defines the interface between the engine and the database. Different
  implementations can use SQLite or in-memory storage.

KEY INTERFACES:
  RuleStore:        Recurrence rules (create, read, update cursor)
  OverrideStore:    Per-period exceptions, unique per (rule, period)
  PaymentStore:     Settlement records, unique per (rule, period)
  BillStore:        One-off bills
  AccountStore:     Account balances (collaborator)
  TransactionStore: Ledger transactions (collaborator)
  TxStore:          All of the above plus atomic WithTx

UNIQUENESS CONTRACT:
  InsertPayment MUST reject a second payment for the same (rule, period)
  with an error wrapping ErrAlreadySettled. This is the only mechanism that
  stops two concurrent settlements from both succeeding, so implementations
  enforce it at the storage layer (UNIQUE index / write lock), not by a
  read-then-write check in the caller.

  CreateOverride rejects a second override with ErrDuplicateOverride.
  UpsertOverride replaces it.

NOT FOUND:
  Get* methods return the matching Err*NotFound sentinel for a missing
  record. GetOverride and GetPayment return (nil, nil) instead, since a
  missing override or payment is the normal case.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: Production SQLite
  - engine/store/memory.go: In-memory for testing

SEE ALSO:
  - settle.go: The only writer, always inside WithTx
  - obligations.go, forecast.go: Readers
*/
package engine

import (
	"context"

	"github.com/shopspring/decimal"
)

// =============================================================================
// RECORD STORES
// =============================================================================

type RuleStore interface {
	CreateRule(ctx context.Context, rule Rule) error
	GetRule(ctx context.Context, id RuleID) (Rule, error)
	UpdateRule(ctx context.Context, rule Rule) error

	// ListRules returns the user's rules ordered by name.
	ListRules(ctx context.Context, userID UserID, activeOnly bool) ([]Rule, error)
}

type OverrideStore interface {
	GetOverride(ctx context.Context, ruleID RuleID, period Period) (*Override, error)
	ListOverrides(ctx context.Context, ruleID RuleID) ([]Override, error)
	CreateOverride(ctx context.Context, o Override) error
	UpsertOverride(ctx context.Context, o Override) error
	DeleteOverride(ctx context.Context, ruleID RuleID, period Period) error
	MarkOverrideUsed(ctx context.Context, ruleID RuleID, period Period) error
}

type PaymentStore interface {
	InsertPayment(ctx context.Context, p Payment) error
	GetPayment(ctx context.Context, ruleID RuleID, period Period) (*Payment, error)
	ListPayments(ctx context.Context, ruleID RuleID) ([]Payment, error)
}

type BillStore interface {
	CreateBill(ctx context.Context, b Bill) error
	GetBill(ctx context.Context, id BillID) (Bill, error)
	UpdateBill(ctx context.Context, b Bill) error

	// ListBills returns the user's bills stamped to any period in [from, to].
	ListBills(ctx context.Context, userID UserID, from, to Period) ([]Bill, error)
}

// AccountStore is the balance collaborator. The engine reads balances for
// forecasts and adjusts them on settlement.
type AccountStore interface {
	SaveAccount(ctx context.Context, a Account) error
	GetAccount(ctx context.Context, id AccountID) (Account, error)
	ListAccounts(ctx context.Context, userID UserID) ([]Account, error)
	AdjustBalance(ctx context.Context, id AccountID, delta decimal.Decimal) error
}

// TransactionStore is the ledger collaborator.
type TransactionStore interface {
	AppendTransaction(ctx context.Context, tx LedgerTransaction) error

	// ListTransactions returns the user's transactions with OccurredOn in
	// [from, to], oldest first.
	ListTransactions(ctx context.Context, userID UserID, from, to Date) ([]LedgerTransaction, error)
}

// =============================================================================
// STORE - Everything the engine persists
// =============================================================================

type Store interface {
	RuleStore
	OverrideStore
	PaymentStore
	BillStore
	AccountStore
	TransactionStore

	// ListUsers returns every user owning at least one rule or account.
	// Used by the batch forecast job.
	ListUsers(ctx context.Context) ([]UserID, error)
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, every write made through the Store passed to fn
	// is rolled back. If fn returns nil, they are committed together.
	WithTx(ctx context.Context, fn func(Store) error) error
}
