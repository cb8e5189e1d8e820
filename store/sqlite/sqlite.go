/*
Package sqlite provides a SQLite-backed implementation of the engine storage
interfaces.

PURPOSE:
  Implements engine.TxStore and engine.SnapshotStore using SQLite. In
  production the same patterns apply to PostgreSQL, modulo dialect.

INTERFACES IMPLEMENTED:
  engine.TxStore:       Rules, overrides, payments, bills, accounts, ledger
  engine.SnapshotStore: Batch forecast snapshots

AT-MOST-ONCE SETTLEMENT:
  payments carries UNIQUE(rule_id, year, month). A second settlement for
  the same period fails inside its transaction, which rolls back the ledger
  entry and balance change written before it. The violation surfaces as
  *engine.SettlementConflictError.

KEY TABLES:
  rules:               Recurrence rules and their cursor
  overrides:           One per (rule, period)
  payments:            One per (rule, period)
  bills:               One-off obligations stamped to a period
  accounts:            Balances adjusted on settlement
  ledger_transactions: Append-only record of settled money movements
  forecast_snapshots:  Batch forecast results (JSON payload)

CONCURRENCY:
  The pool is capped at one connection. Every statement, and every WithTx
  callback as a whole, therefore runs serialized. In-memory databases also
  need this: each new connection to ":memory:" would open an empty database.

USAGE:
  store, err := sqlite.New("./data/obligations.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := engine.NewService(store, engine.SystemClock{}, logger)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - engine/store.go: Interface definitions
  - engine/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/obligation-engine/engine"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries holds every statement. Store runs them against the pool, WithTx
// against the open transaction.
type queries struct {
	q querier
}

// Store implements engine.TxStore and engine.SnapshotStore using SQLite.
type Store struct {
	queries
	db *sql.DB
}

var (
	_ engine.TxStore       = (*Store)(nil)
	_ engine.SnapshotStore = (*Store)(nil)
)

// New opens the database at dbPath and migrates the schema.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{queries: queries{q: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS rules (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		direction TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		amount TEXT NOT NULL,
		account_id TEXT NOT NULL DEFAULT '',
		cadence TEXT NOT NULL,
		day_of_month INTEGER,
		day_of_week INTEGER,
		start_date TEXT NOT NULL,
		end_date TEXT NOT NULL DEFAULT '',
		next_due_date TEXT NOT NULL DEFAULT '',
		last_generated_date TEXT NOT NULL DEFAULT '',
		is_installment BOOLEAN NOT NULL DEFAULT FALSE,
		total_installments INTEGER NOT NULL DEFAULT 0,
		current_installment INTEGER NOT NULL DEFAULT 0,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_rules_user_active
		ON rules(user_id, is_active);

	-- At most one override per rule and period
	CREATE TABLE IF NOT EXISTS overrides (
		id TEXT PRIMARY KEY,
		rule_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		year INTEGER NOT NULL,
		month INTEGER NOT NULL,
		kind TEXT NOT NULL,
		amount TEXT,
		name TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		used BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TEXT NOT NULL,
		UNIQUE(rule_id, year, month)
	);

	-- CRITICAL: At most one settlement per rule and period
	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		rule_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		year INTEGER NOT NULL,
		month INTEGER NOT NULL,
		due_date TEXT NOT NULL DEFAULT '',
		amount_paid TEXT NOT NULL,
		paid_at TEXT NOT NULL,
		transaction_id TEXT NOT NULL,
		UNIQUE(rule_id, year, month)
	);

	CREATE TABLE IF NOT EXISTS bills (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		amount TEXT NOT NULL,
		account_id TEXT NOT NULL DEFAULT '',
		due_day INTEGER NOT NULL,
		year INTEGER NOT NULL,
		month INTEGER NOT NULL,
		is_paid BOOLEAN NOT NULL DEFAULT FALSE,
		paid_at TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_bills_user_period
		ON bills(user_id, year, month);

	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		balance TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE
	);

	CREATE INDEX IF NOT EXISTS idx_accounts_user
		ON accounts(user_id);

	-- Append-only: no UPDATE or DELETE is ever issued against this table
	CREATE TABLE IF NOT EXISTS ledger_transactions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		account_id TEXT NOT NULL DEFAULT '',
		direction TEXT NOT NULL,
		amount TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT '',
		occurred_on TEXT NOT NULL,
		rule_id TEXT NOT NULL DEFAULT '',
		bill_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	-- Variable-spend history scans (hot path for forecasts)
	CREATE INDEX IF NOT EXISTS idx_ledger_user_date
		ON ledger_transactions(user_id, occurred_on);

	CREATE TABLE IF NOT EXISTS forecast_snapshots (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		generated_at TEXT NOT NULL,
		starting_balance TEXT NOT NULL,
		min_balance TEXT NOT NULL,
		alert_level TEXT NOT NULL DEFAULT '',
		data_complete BOOLEAN NOT NULL,
		payload_json TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_snapshots_user
		ON forecast_snapshots(user_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(engine.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{q: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// =============================================================================
// RULES
// =============================================================================

const ruleColumns = `id, user_id, name, direction, category, amount, account_id, cadence,
	day_of_month, day_of_week, start_date, end_date, next_due_date, last_generated_date,
	is_installment, total_installments, current_installment, is_active, created_at, updated_at`

func (s *queries) CreateRule(ctx context.Context, r engine.Rule) error {
	_, err := s.q.ExecContext(ctx, `INSERT INTO rules (`+ruleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.UserID, r.Name, r.Direction, r.Category, r.Amount.String(), r.AccountID, r.Cadence,
		nullInt(r.DayOfMonth), nullInt(r.DayOfWeek),
		formatDate(r.StartDate), formatDate(r.EndDate), formatDate(r.NextDueDate), formatDate(r.LastGeneratedDate),
		r.IsInstallment, r.TotalInstallments, r.CurrentInstallment, r.IsActive,
		formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create rule: %w", err)
	}
	return nil
}

func (s *queries) GetRule(ctx context.Context, id engine.RuleID) (engine.Rule, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM rules WHERE id = ?`, id)
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.Rule{}, engine.ErrRuleNotFound
	}
	if err != nil {
		return engine.Rule{}, fmt.Errorf("failed to get rule: %w", err)
	}
	return r, nil
}

// UpdateRule rewrites the mutable columns. Owner and creation time never change.
func (s *queries) UpdateRule(ctx context.Context, r engine.Rule) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE rules SET
			name = ?, direction = ?, category = ?, amount = ?, account_id = ?, cadence = ?,
			day_of_month = ?, day_of_week = ?, start_date = ?, end_date = ?,
			next_due_date = ?, last_generated_date = ?,
			is_installment = ?, total_installments = ?, current_installment = ?,
			is_active = ?, updated_at = ?
		WHERE id = ?`,
		r.Name, r.Direction, r.Category, r.Amount.String(), r.AccountID, r.Cadence,
		nullInt(r.DayOfMonth), nullInt(r.DayOfWeek), formatDate(r.StartDate), formatDate(r.EndDate),
		formatDate(r.NextDueDate), formatDate(r.LastGeneratedDate),
		r.IsInstallment, r.TotalInstallments, r.CurrentInstallment,
		r.IsActive, formatTime(r.UpdatedAt),
		r.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}
	return requireRow(res, engine.ErrRuleNotFound)
}

func (s *queries) ListRules(ctx context.Context, userID engine.UserID, activeOnly bool) ([]engine.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM rules WHERE user_id = ?`
	if activeOnly {
		query += ` AND is_active = TRUE`
	}
	query += ` ORDER BY name ASC, id ASC`

	rows, err := s.q.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var rules []engine.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func scanRule(sc scanner) (engine.Rule, error) {
	var (
		r                              engine.Rule
		amount, start, end, next, last string
		created, updated               string
		dayOfMonth, dayOfWeek          sql.NullInt64
	)
	err := sc.Scan(
		&r.ID, &r.UserID, &r.Name, &r.Direction, &r.Category, &amount, &r.AccountID, &r.Cadence,
		&dayOfMonth, &dayOfWeek, &start, &end, &next, &last,
		&r.IsInstallment, &r.TotalInstallments, &r.CurrentInstallment, &r.IsActive, &created, &updated,
	)
	if err != nil {
		return r, err
	}

	if r.Amount, err = decimal.NewFromString(amount); err != nil {
		return r, fmt.Errorf("rule %s: bad amount: %w", r.ID, err)
	}
	r.DayOfMonth = intPtr(dayOfMonth)
	r.DayOfWeek = intPtr(dayOfWeek)
	for _, d := range []struct {
		dst *engine.Date
		src string
	}{{&r.StartDate, start}, {&r.EndDate, end}, {&r.NextDueDate, next}, {&r.LastGeneratedDate, last}} {
		if *d.dst, err = parseDate(d.src); err != nil {
			return r, fmt.Errorf("rule %s: %w", r.ID, err)
		}
	}
	if r.CreatedAt, err = parseTime(created); err != nil {
		return r, fmt.Errorf("rule %s: %w", r.ID, err)
	}
	if r.UpdatedAt, err = parseTime(updated); err != nil {
		return r, fmt.Errorf("rule %s: %w", r.ID, err)
	}
	return r, nil
}

// =============================================================================
// OVERRIDES
// =============================================================================

const overrideColumns = `id, rule_id, user_id, year, month, kind, amount, name, notes, used, created_at`

func (s *queries) GetOverride(ctx context.Context, ruleID engine.RuleID, p engine.Period) (*engine.Override, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+overrideColumns+` FROM overrides
		WHERE rule_id = ? AND year = ? AND month = ?`, ruleID, p.Year, int(p.Month))
	o, err := scanOverride(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get override: %w", err)
	}
	return &o, nil
}

func (s *queries) ListOverrides(ctx context.Context, ruleID engine.RuleID) ([]engine.Override, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+overrideColumns+` FROM overrides
		WHERE rule_id = ? ORDER BY year ASC, month ASC`, ruleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list overrides: %w", err)
	}
	defer rows.Close()

	var out []engine.Override
	for rows.Next() {
		o, err := scanOverride(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *queries) CreateOverride(ctx context.Context, o engine.Override) error {
	err := s.insertOverride(ctx, `INSERT INTO overrides`, o)
	if isUniqueConstraintError(err) {
		return engine.ErrDuplicateOverride
	}
	return err
}

// UpsertOverride replaces whatever override exists for the rule and period,
// keeping the original row id.
func (s *queries) UpsertOverride(ctx context.Context, o engine.Override) error {
	return s.insertOverride(ctx, `INSERT INTO overrides`, o, `
		ON CONFLICT(rule_id, year, month) DO UPDATE SET
			kind = excluded.kind, amount = excluded.amount, name = excluded.name,
			notes = excluded.notes, used = excluded.used`)
}

func (s *queries) insertOverride(ctx context.Context, prefix string, o engine.Override, suffix ...string) error {
	query := prefix + ` (` + overrideColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	for _, sfx := range suffix {
		query += sfx
	}
	_, err := s.q.ExecContext(ctx, query,
		o.ID, o.RuleID, o.UserID, o.Period.Year, int(o.Period.Month), o.Kind,
		nullDecimal(o.Amount), o.Name, o.Notes, o.Used, formatTime(o.CreatedAt),
	)
	if err != nil && !isUniqueConstraintError(err) {
		return fmt.Errorf("failed to save override: %w", err)
	}
	return err
}

func (s *queries) DeleteOverride(ctx context.Context, ruleID engine.RuleID, p engine.Period) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM overrides WHERE rule_id = ? AND year = ? AND month = ?`,
		ruleID, p.Year, int(p.Month))
	if err != nil {
		return fmt.Errorf("failed to delete override: %w", err)
	}
	return requireRow(res, engine.ErrOverrideNotFound)
}

func (s *queries) MarkOverrideUsed(ctx context.Context, ruleID engine.RuleID, p engine.Period) error {
	res, err := s.q.ExecContext(ctx, `UPDATE overrides SET used = TRUE WHERE rule_id = ? AND year = ? AND month = ?`,
		ruleID, p.Year, int(p.Month))
	if err != nil {
		return fmt.Errorf("failed to mark override used: %w", err)
	}
	return requireRow(res, engine.ErrOverrideNotFound)
}

func scanOverride(sc scanner) (engine.Override, error) {
	var (
		o         engine.Override
		month     int
		amount    sql.NullString
		createdAt string
	)
	if err := sc.Scan(&o.ID, &o.RuleID, &o.UserID, &o.Period.Year, &month, &o.Kind,
		&amount, &o.Name, &o.Notes, &o.Used, &createdAt); err != nil {
		return o, err
	}
	o.Period.Month = time.Month(month)
	var err error
	if o.CreatedAt, err = parseTime(createdAt); err != nil {
		return o, fmt.Errorf("override %s: %w", o.ID, err)
	}
	if amount.Valid {
		d, err := decimal.NewFromString(amount.String)
		if err != nil {
			return o, fmt.Errorf("override %s: bad amount: %w", o.ID, err)
		}
		o.Amount = &d
	}
	return o, nil
}

// =============================================================================
// PAYMENTS
// =============================================================================

const paymentColumns = `id, rule_id, user_id, year, month, due_date, amount_paid, paid_at, transaction_id`

// InsertPayment relies on UNIQUE(rule_id, year, month). A violation reports
// the transaction that already settled the period.
func (s *queries) InsertPayment(ctx context.Context, p engine.Payment) error {
	_, err := s.q.ExecContext(ctx, `INSERT INTO payments (`+paymentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.RuleID, p.UserID, p.Period.Year, int(p.Period.Month), formatDate(p.DueDate),
		p.AmountPaid.String(), formatTime(p.PaidAt), p.TransactionID,
	)
	if isUniqueConstraintError(err) {
		conflict := &engine.SettlementConflictError{RuleID: p.RuleID, Period: p.Period}
		if existing, getErr := s.GetPayment(ctx, p.RuleID, p.Period); getErr == nil && existing != nil {
			conflict.ExistingTransactionID = existing.TransactionID
		}
		return conflict
	}
	if err != nil {
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	return nil
}

func (s *queries) GetPayment(ctx context.Context, ruleID engine.RuleID, p engine.Period) (*engine.Payment, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments
		WHERE rule_id = ? AND year = ? AND month = ?`, ruleID, p.Year, int(p.Month))
	pay, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	return &pay, nil
}

func (s *queries) ListPayments(ctx context.Context, ruleID engine.RuleID) ([]engine.Payment, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+paymentColumns+` FROM payments
		WHERE rule_id = ? ORDER BY year ASC, month ASC`, ruleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	var out []engine.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPayment(sc scanner) (engine.Payment, error) {
	var (
		p                   engine.Payment
		month               int
		due, amount, paidAt string
	)
	if err := sc.Scan(&p.ID, &p.RuleID, &p.UserID, &p.Period.Year, &month, &due,
		&amount, &paidAt, &p.TransactionID); err != nil {
		return p, err
	}
	p.Period.Month = time.Month(month)

	var err error
	if p.PaidAt, err = parseTime(paidAt); err != nil {
		return p, fmt.Errorf("payment %s: %w", p.ID, err)
	}
	if p.DueDate, err = parseDate(due); err != nil {
		return p, fmt.Errorf("payment %s: %w", p.ID, err)
	}
	if p.AmountPaid, err = decimal.NewFromString(amount); err != nil {
		return p, fmt.Errorf("payment %s: bad amount: %w", p.ID, err)
	}
	return p, nil
}

// =============================================================================
// BILLS
// =============================================================================

const billColumns = `id, user_id, name, category, amount, account_id, due_day, year, month, is_paid, paid_at, created_at`

func (s *queries) CreateBill(ctx context.Context, b engine.Bill) error {
	_, err := s.q.ExecContext(ctx, `INSERT INTO bills (`+billColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.UserID, b.Name, b.Category, b.Amount.String(), b.AccountID,
		b.DueDay, b.Period.Year, int(b.Period.Month), b.IsPaid, nullTime(b.PaidAt), formatTime(b.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create bill: %w", err)
	}
	return nil
}

func (s *queries) GetBill(ctx context.Context, id engine.BillID) (engine.Bill, error) {
	b, err := scanBill(s.q.QueryRowContext(ctx, `SELECT `+billColumns+` FROM bills WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return engine.Bill{}, engine.ErrBillNotFound
	}
	if err != nil {
		return engine.Bill{}, fmt.Errorf("failed to get bill: %w", err)
	}
	return b, nil
}

func (s *queries) UpdateBill(ctx context.Context, b engine.Bill) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE bills SET
			name = ?, category = ?, amount = ?, account_id = ?, due_day = ?,
			year = ?, month = ?, is_paid = ?, paid_at = ?
		WHERE id = ?`,
		b.Name, b.Category, b.Amount.String(), b.AccountID, b.DueDay,
		b.Period.Year, int(b.Period.Month), b.IsPaid, nullTime(b.PaidAt),
		b.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update bill: %w", err)
	}
	return requireRow(res, engine.ErrBillNotFound)
}

func (s *queries) ListBills(ctx context.Context, userID engine.UserID, from, to engine.Period) ([]engine.Bill, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+billColumns+` FROM bills
		WHERE user_id = ? AND (year * 12 + month) BETWEEN ? AND ?
		ORDER BY year ASC, month ASC, due_day ASC, id ASC`,
		userID, periodIndex(from), periodIndex(to))
	if err != nil {
		return nil, fmt.Errorf("failed to list bills: %w", err)
	}
	defer rows.Close()

	var out []engine.Bill
	for rows.Next() {
		b, err := scanBill(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func scanBill(sc scanner) (engine.Bill, error) {
	var (
		b                 engine.Bill
		month             int
		amount, createdAt string
		paidAt            sql.NullString
	)
	if err := sc.Scan(&b.ID, &b.UserID, &b.Name, &b.Category, &amount, &b.AccountID,
		&b.DueDay, &b.Period.Year, &month, &b.IsPaid, &paidAt, &createdAt); err != nil {
		return b, err
	}
	b.Period.Month = time.Month(month)

	var err error
	if b.CreatedAt, err = parseTime(createdAt); err != nil {
		return b, fmt.Errorf("bill %s: %w", b.ID, err)
	}
	if paidAt.Valid {
		t, err := parseTime(paidAt.String)
		if err != nil {
			return b, fmt.Errorf("bill %s: %w", b.ID, err)
		}
		b.PaidAt = &t
	}
	if b.Amount, err = decimal.NewFromString(amount); err != nil {
		return b, fmt.Errorf("bill %s: bad amount: %w", b.ID, err)
	}
	return b, nil
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func (s *queries) SaveAccount(ctx context.Context, a engine.Account) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO accounts (id, user_id, name, balance, is_active) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id, name = excluded.name,
			balance = excluded.balance, is_active = excluded.is_active`,
		a.ID, a.UserID, a.Name, a.Balance.String(), a.IsActive,
	)
	if err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

func (s *queries) GetAccount(ctx context.Context, id engine.AccountID) (engine.Account, error) {
	a, err := scanAccount(s.q.QueryRowContext(ctx,
		`SELECT id, user_id, name, balance, is_active FROM accounts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return engine.Account{}, engine.ErrAccountNotFound
	}
	if err != nil {
		return engine.Account{}, fmt.Errorf("failed to get account: %w", err)
	}
	return a, nil
}

func (s *queries) ListAccounts(ctx context.Context, userID engine.UserID) ([]engine.Account, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, user_id, name, balance, is_active FROM accounts WHERE user_id = ? ORDER BY id ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var out []engine.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// AdjustBalance reads and rewrites the balance. Balances are decimal strings,
// so the arithmetic happens in Go rather than in SQL.
func (s *queries) AdjustBalance(ctx context.Context, id engine.AccountID, delta decimal.Decimal) error {
	a, err := s.GetAccount(ctx, id)
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx, `UPDATE accounts SET balance = ? WHERE id = ?`, a.Balance.Add(delta).String(), id)
	if err != nil {
		return fmt.Errorf("failed to adjust balance: %w", err)
	}
	return nil
}

func scanAccount(sc scanner) (engine.Account, error) {
	var (
		a       engine.Account
		balance string
	)
	if err := sc.Scan(&a.ID, &a.UserID, &a.Name, &balance, &a.IsActive); err != nil {
		return a, err
	}
	var err error
	if a.Balance, err = decimal.NewFromString(balance); err != nil {
		return a, fmt.Errorf("account %s: bad balance: %w", a.ID, err)
	}
	return a, nil
}

// =============================================================================
// LEDGER
// =============================================================================

const ledgerColumns = `id, user_id, account_id, direction, amount, description, category,
	occurred_on, rule_id, bill_id, created_at`

func (s *queries) AppendTransaction(ctx context.Context, tx engine.LedgerTransaction) error {
	_, err := s.q.ExecContext(ctx, `INSERT INTO ledger_transactions (`+ledgerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.UserID, tx.AccountID, tx.Direction, tx.Amount.String(), tx.Description, tx.Category,
		formatDate(tx.OccurredOn), tx.RuleID, tx.BillID, formatTime(tx.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

// ListTransactions orders by day, then insertion order.
func (s *queries) ListTransactions(ctx context.Context, userID engine.UserID, from, to engine.Date) ([]engine.LedgerTransaction, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+ledgerColumns+` FROM ledger_transactions
		WHERE user_id = ? AND occurred_on BETWEEN ? AND ?
		ORDER BY occurred_on ASC, rowid ASC`,
		userID, formatDate(from), formatDate(to))
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var out []engine.LedgerTransaction
	for rows.Next() {
		var (
			tx                        engine.LedgerTransaction
			amount, occurred, created string
		)
		if err := rows.Scan(&tx.ID, &tx.UserID, &tx.AccountID, &tx.Direction, &amount, &tx.Description,
			&tx.Category, &occurred, &tx.RuleID, &tx.BillID, &created); err != nil {
			return nil, err
		}
		if tx.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("transaction %s: bad amount: %w", tx.ID, err)
		}
		if tx.OccurredOn, err = parseDate(occurred); err != nil {
			return nil, fmt.Errorf("transaction %s: %w", tx.ID, err)
		}
		if tx.CreatedAt, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("transaction %s: %w", tx.ID, err)
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func (s *queries) ListUsers(ctx context.Context) ([]engine.UserID, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT user_id FROM rules
		UNION
		SELECT user_id FROM accounts
		ORDER BY 1`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var out []engine.UserID
	for rows.Next() {
		var u engine.UserID
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// =============================================================================
// FORECAST SNAPSHOTS
// =============================================================================

type snapshotPayload struct {
	Days   *engine.DayForecast   `json:"days,omitempty"`
	Months *engine.MonthForecast `json:"months,omitempty"`
}

func (s *queries) SaveSnapshot(ctx context.Context, snap engine.ForecastSnapshot) error {
	payload, err := json.Marshal(snapshotPayload{Days: snap.Days, Months: snap.Months})
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	_, err = s.q.ExecContext(ctx, `
		INSERT INTO forecast_snapshots
		(id, user_id, generated_at, starting_balance, min_balance, alert_level, data_complete, payload_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.UserID, formatTime(snap.GeneratedAt), snap.StartingBalance.String(),
		snap.MinBalance.String(), snap.AlertLevel, snap.DataComplete, string(payload),
	)
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the most recently saved snapshot for the user.
func (s *queries) LatestSnapshot(ctx context.Context, userID engine.UserID) (*engine.ForecastSnapshot, error) {
	var (
		snap                                 engine.ForecastSnapshot
		generated, starting, minBal, payload string
	)
	err := s.q.QueryRowContext(ctx, `
		SELECT id, user_id, generated_at, starting_balance, min_balance, alert_level, data_complete, payload_json
		FROM forecast_snapshots
		WHERE user_id = ?
		ORDER BY rowid DESC
		LIMIT 1`, userID,
	).Scan(&snap.ID, &snap.UserID, &generated, &starting, &minBal, &snap.AlertLevel, &snap.DataComplete, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}

	if snap.GeneratedAt, err = parseTime(generated); err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", snap.ID, err)
	}
	if snap.StartingBalance, err = decimal.NewFromString(starting); err != nil {
		return nil, fmt.Errorf("snapshot %s: bad starting balance: %w", snap.ID, err)
	}
	if snap.MinBalance, err = decimal.NewFromString(minBal); err != nil {
		return nil, fmt.Errorf("snapshot %s: bad min balance: %w", snap.ID, err)
	}
	var p snapshotPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return nil, fmt.Errorf("snapshot %s: bad payload: %w", snap.ID, err)
	}
	snap.Days, snap.Months = p.Days, p.Months
	return &snap, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func periodIndex(p engine.Period) int { return p.Year*12 + int(p.Month) }

// Zero dates are stored as the empty string.
func formatDate(d engine.Date) string {
	if d.IsZero() {
		return ""
	}
	return d.String()
}

func parseDate(s string) (engine.Date, error) {
	if s == "" {
		return engine.Date{}, nil
	}
	return engine.ParseDate(s)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}
