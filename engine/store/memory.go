// Package store provides in-memory engine.TxStore and engine.SnapshotStore
// implementations for tests and demos.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/warp/obligation-engine/engine"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory is safe for concurrent use. Every method takes the lock; WithTx
// holds the write lock for the whole callback, which serializes
// settlements exactly like a single-connection database would.
type Memory struct {
	mu sync.RWMutex
	d  *data
}

type periodKey struct {
	RuleID engine.RuleID
	Period engine.Period
}

type data struct {
	rules     map[engine.RuleID]engine.Rule
	overrides map[periodKey]engine.Override
	payments  map[periodKey]engine.Payment
	bills     map[engine.BillID]engine.Bill
	accounts  map[engine.AccountID]engine.Account
	txs       []engine.LedgerTransaction
	snapshots map[engine.UserID][]engine.ForecastSnapshot
}

func newData() *data {
	return &data{
		rules:     make(map[engine.RuleID]engine.Rule),
		overrides: make(map[periodKey]engine.Override),
		payments:  make(map[periodKey]engine.Payment),
		bills:     make(map[engine.BillID]engine.Bill),
		accounts:  make(map[engine.AccountID]engine.Account),
		snapshots: make(map[engine.UserID][]engine.ForecastSnapshot),
	}
}

func NewMemory() *Memory {
	return &Memory{d: newData()}
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx runs fn against the live data under the write lock and restores a
// snapshot if fn fails.
func (m *Memory) WithTx(_ context.Context, fn func(engine.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.d.clone()
	if err := fn(m.d); err != nil {
		m.d = snapshot
		return err
	}
	return nil
}

func (d *data) clone() *data {
	c := newData()
	for k, v := range d.rules {
		c.rules[k] = v
	}
	for k, v := range d.overrides {
		c.overrides[k] = v
	}
	for k, v := range d.payments {
		c.payments[k] = v
	}
	for k, v := range d.bills {
		c.bills[k] = v
	}
	for k, v := range d.accounts {
		c.accounts[k] = v
	}
	c.txs = append([]engine.LedgerTransaction(nil), d.txs...)
	for k, v := range d.snapshots {
		c.snapshots[k] = append([]engine.ForecastSnapshot(nil), v...)
	}
	return c
}

// =============================================================================
// LOCKED ACCESSORS
// =============================================================================

func (m *Memory) read(fn func(d *data)) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fn(m.d)
}

func (m *Memory) write(fn func(d *data) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m.d)
}

func (m *Memory) CreateRule(ctx context.Context, r engine.Rule) error {
	return m.write(func(d *data) error { return d.CreateRule(ctx, r) })
}

func (m *Memory) GetRule(ctx context.Context, id engine.RuleID) (r engine.Rule, err error) {
	m.read(func(d *data) { r, err = d.GetRule(ctx, id) })
	return
}

func (m *Memory) UpdateRule(ctx context.Context, r engine.Rule) error {
	return m.write(func(d *data) error { return d.UpdateRule(ctx, r) })
}

func (m *Memory) ListRules(ctx context.Context, userID engine.UserID, activeOnly bool) (rules []engine.Rule, err error) {
	m.read(func(d *data) { rules, err = d.ListRules(ctx, userID, activeOnly) })
	return
}

func (m *Memory) GetOverride(ctx context.Context, ruleID engine.RuleID, p engine.Period) (o *engine.Override, err error) {
	m.read(func(d *data) { o, err = d.GetOverride(ctx, ruleID, p) })
	return
}

func (m *Memory) ListOverrides(ctx context.Context, ruleID engine.RuleID) (out []engine.Override, err error) {
	m.read(func(d *data) { out, err = d.ListOverrides(ctx, ruleID) })
	return
}

func (m *Memory) CreateOverride(ctx context.Context, o engine.Override) error {
	return m.write(func(d *data) error { return d.CreateOverride(ctx, o) })
}

func (m *Memory) UpsertOverride(ctx context.Context, o engine.Override) error {
	return m.write(func(d *data) error { return d.UpsertOverride(ctx, o) })
}

func (m *Memory) DeleteOverride(ctx context.Context, ruleID engine.RuleID, p engine.Period) error {
	return m.write(func(d *data) error { return d.DeleteOverride(ctx, ruleID, p) })
}

func (m *Memory) MarkOverrideUsed(ctx context.Context, ruleID engine.RuleID, p engine.Period) error {
	return m.write(func(d *data) error { return d.MarkOverrideUsed(ctx, ruleID, p) })
}

func (m *Memory) InsertPayment(ctx context.Context, p engine.Payment) error {
	return m.write(func(d *data) error { return d.InsertPayment(ctx, p) })
}

func (m *Memory) GetPayment(ctx context.Context, ruleID engine.RuleID, p engine.Period) (pay *engine.Payment, err error) {
	m.read(func(d *data) { pay, err = d.GetPayment(ctx, ruleID, p) })
	return
}

func (m *Memory) ListPayments(ctx context.Context, ruleID engine.RuleID) (out []engine.Payment, err error) {
	m.read(func(d *data) { out, err = d.ListPayments(ctx, ruleID) })
	return
}

func (m *Memory) CreateBill(ctx context.Context, b engine.Bill) error {
	return m.write(func(d *data) error { return d.CreateBill(ctx, b) })
}

func (m *Memory) GetBill(ctx context.Context, id engine.BillID) (b engine.Bill, err error) {
	m.read(func(d *data) { b, err = d.GetBill(ctx, id) })
	return
}

func (m *Memory) UpdateBill(ctx context.Context, b engine.Bill) error {
	return m.write(func(d *data) error { return d.UpdateBill(ctx, b) })
}

func (m *Memory) ListBills(ctx context.Context, userID engine.UserID, from, to engine.Period) (out []engine.Bill, err error) {
	m.read(func(d *data) { out, err = d.ListBills(ctx, userID, from, to) })
	return
}

func (m *Memory) SaveAccount(ctx context.Context, a engine.Account) error {
	return m.write(func(d *data) error { return d.SaveAccount(ctx, a) })
}

func (m *Memory) GetAccount(ctx context.Context, id engine.AccountID) (a engine.Account, err error) {
	m.read(func(d *data) { a, err = d.GetAccount(ctx, id) })
	return
}

func (m *Memory) ListAccounts(ctx context.Context, userID engine.UserID) (out []engine.Account, err error) {
	m.read(func(d *data) { out, err = d.ListAccounts(ctx, userID) })
	return
}

func (m *Memory) AdjustBalance(ctx context.Context, id engine.AccountID, delta decimal.Decimal) error {
	return m.write(func(d *data) error { return d.AdjustBalance(ctx, id, delta) })
}

func (m *Memory) AppendTransaction(ctx context.Context, tx engine.LedgerTransaction) error {
	return m.write(func(d *data) error { return d.AppendTransaction(ctx, tx) })
}

func (m *Memory) ListTransactions(ctx context.Context, userID engine.UserID, from, to engine.Date) (out []engine.LedgerTransaction, err error) {
	m.read(func(d *data) { out, err = d.ListTransactions(ctx, userID, from, to) })
	return
}

func (m *Memory) ListUsers(ctx context.Context) (out []engine.UserID, err error) {
	m.read(func(d *data) { out, err = d.ListUsers(ctx) })
	return
}

func (m *Memory) SaveSnapshot(_ context.Context, s engine.ForecastSnapshot) error {
	return m.write(func(d *data) error {
		d.snapshots[s.UserID] = append(d.snapshots[s.UserID], s)
		return nil
	})
}

func (m *Memory) LatestSnapshot(_ context.Context, userID engine.UserID) (out *engine.ForecastSnapshot, err error) {
	m.read(func(d *data) {
		list := d.snapshots[userID]
		if len(list) == 0 {
			err = engine.ErrSnapshotNotFound
			return
		}
		s := list[len(list)-1]
		out = &s
	})
	return
}

// =============================================================================
// UNLOCKED DATA - Callers hold the lock
// =============================================================================

func (d *data) CreateRule(_ context.Context, r engine.Rule) error {
	d.rules[r.ID] = r
	return nil
}

func (d *data) GetRule(_ context.Context, id engine.RuleID) (engine.Rule, error) {
	r, ok := d.rules[id]
	if !ok {
		return engine.Rule{}, engine.ErrRuleNotFound
	}
	return r, nil
}

func (d *data) UpdateRule(_ context.Context, r engine.Rule) error {
	if _, ok := d.rules[r.ID]; !ok {
		return engine.ErrRuleNotFound
	}
	d.rules[r.ID] = r
	return nil
}

func (d *data) ListRules(_ context.Context, userID engine.UserID, activeOnly bool) ([]engine.Rule, error) {
	var out []engine.Rule
	for _, r := range d.rules {
		if r.UserID != userID || (activeOnly && !r.IsActive) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (d *data) GetOverride(_ context.Context, ruleID engine.RuleID, p engine.Period) (*engine.Override, error) {
	o, ok := d.overrides[periodKey{ruleID, p}]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

func (d *data) ListOverrides(_ context.Context, ruleID engine.RuleID) ([]engine.Override, error) {
	var out []engine.Override
	for k, o := range d.overrides {
		if k.RuleID == ruleID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Period.Before(out[j].Period) })
	return out, nil
}

func (d *data) CreateOverride(_ context.Context, o engine.Override) error {
	k := periodKey{o.RuleID, o.Period}
	if _, ok := d.overrides[k]; ok {
		return engine.ErrDuplicateOverride
	}
	d.overrides[k] = o
	return nil
}

func (d *data) UpsertOverride(_ context.Context, o engine.Override) error {
	d.overrides[periodKey{o.RuleID, o.Period}] = o
	return nil
}

func (d *data) DeleteOverride(_ context.Context, ruleID engine.RuleID, p engine.Period) error {
	k := periodKey{ruleID, p}
	if _, ok := d.overrides[k]; !ok {
		return engine.ErrOverrideNotFound
	}
	delete(d.overrides, k)
	return nil
}

func (d *data) MarkOverrideUsed(_ context.Context, ruleID engine.RuleID, p engine.Period) error {
	k := periodKey{ruleID, p}
	o, ok := d.overrides[k]
	if !ok {
		return engine.ErrOverrideNotFound
	}
	o.Used = true
	d.overrides[k] = o
	return nil
}

func (d *data) InsertPayment(_ context.Context, p engine.Payment) error {
	k := periodKey{p.RuleID, p.Period}
	if existing, ok := d.payments[k]; ok {
		return &engine.SettlementConflictError{RuleID: p.RuleID, Period: p.Period, ExistingTransactionID: existing.TransactionID}
	}
	d.payments[k] = p
	return nil
}

func (d *data) GetPayment(_ context.Context, ruleID engine.RuleID, p engine.Period) (*engine.Payment, error) {
	pay, ok := d.payments[periodKey{ruleID, p}]
	if !ok {
		return nil, nil
	}
	return &pay, nil
}

func (d *data) ListPayments(_ context.Context, ruleID engine.RuleID) ([]engine.Payment, error) {
	var out []engine.Payment
	for k, p := range d.payments {
		if k.RuleID == ruleID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Period.Before(out[j].Period) })
	return out, nil
}

func (d *data) CreateBill(_ context.Context, b engine.Bill) error {
	d.bills[b.ID] = b
	return nil
}

func (d *data) GetBill(_ context.Context, id engine.BillID) (engine.Bill, error) {
	b, ok := d.bills[id]
	if !ok {
		return engine.Bill{}, engine.ErrBillNotFound
	}
	return b, nil
}

func (d *data) UpdateBill(_ context.Context, b engine.Bill) error {
	if _, ok := d.bills[b.ID]; !ok {
		return engine.ErrBillNotFound
	}
	d.bills[b.ID] = b
	return nil
}

func (d *data) ListBills(_ context.Context, userID engine.UserID, from, to engine.Period) ([]engine.Bill, error) {
	var out []engine.Bill
	for _, b := range d.bills {
		if b.UserID != userID || b.Period.Before(from) || b.Period.After(to) {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Period != b.Period {
			return a.Period.Before(b.Period)
		}
		if a.DueDay != b.DueDay {
			return a.DueDay < b.DueDay
		}
		return a.ID < b.ID
	})
	return out, nil
}

func (d *data) SaveAccount(_ context.Context, a engine.Account) error {
	d.accounts[a.ID] = a
	return nil
}

func (d *data) GetAccount(_ context.Context, id engine.AccountID) (engine.Account, error) {
	a, ok := d.accounts[id]
	if !ok {
		return engine.Account{}, engine.ErrAccountNotFound
	}
	return a, nil
}

func (d *data) ListAccounts(_ context.Context, userID engine.UserID) ([]engine.Account, error) {
	var out []engine.Account
	for _, a := range d.accounts {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (d *data) AdjustBalance(_ context.Context, id engine.AccountID, delta decimal.Decimal) error {
	a, ok := d.accounts[id]
	if !ok {
		return engine.ErrAccountNotFound
	}
	a.Balance = a.Balance.Add(delta)
	d.accounts[id] = a
	return nil
}

func (d *data) AppendTransaction(_ context.Context, tx engine.LedgerTransaction) error {
	d.txs = append(d.txs, tx)
	return nil
}

func (d *data) ListTransactions(_ context.Context, userID engine.UserID, from, to engine.Date) ([]engine.LedgerTransaction, error) {
	var out []engine.LedgerTransaction
	for _, tx := range d.txs {
		if tx.UserID != userID || tx.OccurredOn.Before(from) || tx.OccurredOn.After(to) {
			continue
		}
		out = append(out, tx)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OccurredOn.Before(out[j].OccurredOn) })
	return out, nil
}

func (d *data) ListUsers(_ context.Context) ([]engine.UserID, error) {
	seen := make(map[engine.UserID]bool)
	for _, r := range d.rules {
		seen[r.UserID] = true
	}
	for _, a := range d.accounts {
		seen[a.UserID] = true
	}
	out := make([]engine.UserID, 0, len(seen))
	for u := range seen {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}
