/*
forecast.go - Forecast Projector

PURPOSE:
  Walks forward day by day or month by month from today and projects the
  user's combined account balance, using the same evaluator, override and
  payment logic as the obligation view.

COMPONENTS:
  fixed     Signed sum of unsettled recurring obligations (+income, -expense)
            plus unpaid bills. Skipped periods contribute nothing, overrides
            replace the nominal amount.
  variable  Average monthly net of NON-recurring transactions over the last
            HistoryMonths complete months, weighted by VariableWeight (0.8).
            The day projection spreads it evenly as monthly / 30. The month
            projection counts only the days left in the current month.

  Starting balance is the sum of active account balances.

CONFIDENCE:
  1 - decay * distance, floored. It is reported per point and never
  changes the estimate.

DEGRADATION:
  Forecasts are advisory. When accounts or transaction history cannot be
  read the projection continues with zero for that input, sets
  DataComplete=false and records a warning. Failing to read rules or bills
  is still an error, since the projection would be meaningless.

  Projections are not transactional. A forecast computed concurrently with
  a settlement may be stale by one obligation.

SEE ALSO:
  - resolve.go: ResolveObligation, shared with the obligation view
  - calendar.go: Occurrences
*/
package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

const (
	MaxForecastDays   = 366
	MaxForecastMonths = 24
)

// =============================================================================
// SETTINGS
// =============================================================================

type ForecastSettings struct {
	VariableWeight      decimal.Decimal
	HistoryMonths       int
	LowBalanceThreshold decimal.Decimal

	DailyConfidenceDecay   float64
	DailyConfidenceFloor   float64
	MonthlyConfidenceDecay float64
	MonthlyConfidenceFloor float64
}

func DefaultForecastSettings() ForecastSettings {
	return ForecastSettings{
		VariableWeight:         decimal.NewFromFloat(0.8),
		HistoryMonths:          3,
		LowBalanceThreshold:    decimal.NewFromInt(500),
		DailyConfidenceDecay:   0.01,
		DailyConfidenceFloor:   0.5,
		MonthlyConfidenceDecay: 0.1,
		MonthlyConfidenceFloor: 0.3,
	}
}

// =============================================================================
// RESULT TYPES
// =============================================================================

type AlertLevel string

const (
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
)

// Alert is raised from the minimum balance over the horizon.
type Alert struct {
	Level   AlertLevel
	Message string
	Date    Date // day forecasts
	Period  Period
	Balance decimal.Decimal
}

// ForecastEvent is one obligation landing on a projected day. Amount is
// signed.
type ForecastEvent struct {
	Date        Date
	Source      Source
	RuleID      RuleID
	BillID      BillID
	Name        string
	Amount      decimal.Decimal
	Installment int
}

type DayProjection struct {
	Date       Date
	Opening    decimal.Decimal
	Inflow     decimal.Decimal
	Outflow    decimal.Decimal // positive
	Variable   decimal.Decimal
	Net        decimal.Decimal
	Closing    decimal.Decimal
	Confidence float64
	Events     []ForecastEvent
}

type DayForecast struct {
	UserID          UserID
	GeneratedAt     time.Time
	StartingBalance decimal.Decimal
	EndingBalance   decimal.Decimal
	MinBalance      decimal.Decimal
	MinBalanceDate  Date
	VariableMonthly decimal.Decimal
	VariableDaily   decimal.Decimal
	Days            []DayProjection
	Alerts          []Alert
	DataComplete    bool
	Warnings        []string
}

type MonthProjection struct {
	Period       Period
	Opening      decimal.Decimal
	FixedIncome  decimal.Decimal
	FixedExpense decimal.Decimal // positive
	Fixed        decimal.Decimal // FixedIncome - FixedExpense
	Variable     decimal.Decimal
	Net          decimal.Decimal
	Closing      decimal.Decimal
	Obligations  int
	Confidence   float64
}

type TrendDirection string

const (
	TrendImproving TrendDirection = "improving"
	TrendDeclining TrendDirection = "declining"
	TrendStable    TrendDirection = "stable"
)

type Trend struct {
	AverageNet    decimal.Decimal
	Direction     TrendDirection
	LowestBalance decimal.Decimal
	LowestPeriod  Period

	// MonthsUntilNegative counts months from the current one until the
	// first negative closing balance (0 = this month), -1 when none.
	MonthsUntilNegative int
}

type MonthForecast struct {
	UserID          UserID
	GeneratedAt     time.Time
	StartingBalance decimal.Decimal
	EndingBalance   decimal.Decimal
	VariableMonthly decimal.Decimal
	Months          []MonthProjection
	Trend           Trend
	Alerts          []Alert
	DataComplete    bool
	Warnings        []string
}

// =============================================================================
// PROJECTOR
// =============================================================================

type Projector struct {
	Rules        RuleStore
	Bills        BillStore
	Accounts     AccountStore
	Transactions TransactionStore
	Overrides    OverrideResolver
	Payments     PaymentLedger
	Clock        Clock
	Settings     ForecastSettings
}

func NewProjector(store Store, clock Clock, settings ForecastSettings) *Projector {
	return &Projector{
		Rules:        store,
		Bills:        store,
		Accounts:     store,
		Transactions: store,
		Overrides:    NewOverrideResolver(store),
		Payments:     NewPaymentLedger(store),
		Clock:        clock,
		Settings:     settings,
	}
}

// baseline gathers the inputs shared by both projections.
type baseline struct {
	today    Date
	starting decimal.Decimal
	variable decimal.Decimal
	complete bool
	warnings []string
}

func (p *Projector) baseline(ctx context.Context, userID UserID) baseline {
	b := baseline{
		today:    Today(p.Clock),
		starting: decimal.Zero,
		variable: decimal.Zero,
		complete: true,
	}

	if bal, err := p.startingBalance(ctx, userID); err != nil {
		b.complete = false
		b.warnings = append(b.warnings, fmt.Sprintf("account balances unavailable: %v", err))
	} else {
		b.starting = bal
	}

	if v, err := p.VariableEstimate(ctx, userID, b.today.Period()); err != nil {
		b.complete = false
		b.warnings = append(b.warnings, fmt.Sprintf("transaction history unavailable: %v", err))
	} else {
		b.variable = v
	}
	return b
}

func (p *Projector) startingBalance(ctx context.Context, userID UserID) (decimal.Decimal, error) {
	accounts, err := p.Accounts.ListAccounts(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, a := range accounts {
		if a.IsActive {
			total = total.Add(a.Balance)
		}
	}
	return total, nil
}

// VariableEstimate returns the weighted monthly net of non-recurring
// transactions over the HistoryMonths complete months before current.
func (p *Projector) VariableEstimate(ctx context.Context, userID UserID, current Period) (decimal.Decimal, error) {
	months := p.Settings.HistoryMonths
	if months <= 0 {
		return decimal.Zero, nil
	}
	from := current.AddMonths(-months).Start()
	to := current.Prev().End()

	txs, err := p.Transactions.ListTransactions(ctx, userID, from, to)
	if err != nil {
		return decimal.Zero, err
	}
	net := decimal.Zero
	for _, tx := range txs {
		if tx.IsRecurring() {
			continue
		}
		net = net.Add(tx.Direction.Signed(tx.Amount))
	}
	avg := net.Div(decimal.NewFromInt(int64(months)))
	return avg.Mul(p.Settings.VariableWeight).Round(2), nil
}

// =============================================================================
// DAY PROJECTION
// =============================================================================

// ProjectDays projects the balance for each day in [today, today+horizon).
func (p *Projector) ProjectDays(ctx context.Context, userID UserID, horizonDays int) (*DayForecast, error) {
	if horizonDays < 1 || horizonDays > MaxForecastDays {
		return nil, &ValidationError{Field: "horizon", Message: fmt.Sprintf("must be between 1 and %d days", MaxForecastDays), Err: ErrInvalidPeriod}
	}
	base := p.baseline(ctx, userID)
	today := base.today
	end := today.AddDays(horizonDays - 1)

	events := make([][]ForecastEvent, horizonDays)
	addEvent := func(ev ForecastEvent) {
		i := DaysBetween(today, ev.Date)
		events[i] = append(events[i], ev)
	}

	rules, err := p.Rules.ListRules(ctx, userID, true)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	for _, r := range rules {
		obs, err := p.unsettled(ctx, r, today, end, today)
		if err != nil {
			return nil, err
		}
		for _, ob := range obs {
			addEvent(ForecastEvent{
				Date:        ob.DueDate,
				Source:      SourceRule,
				RuleID:      r.ID,
				Name:        ob.Name,
				Amount:      ob.Direction.Signed(ob.Amount),
				Installment: ob.Installment,
			})
		}
	}

	bills, err := p.Bills.ListBills(ctx, userID, today.Period(), end.Period())
	if err != nil {
		return nil, fmt.Errorf("list bills: %w", err)
	}
	for _, b := range bills {
		due := b.DueDate()
		if b.IsPaid || due.Before(today) || due.After(end) {
			continue
		}
		addEvent(ForecastEvent{Date: due, Source: SourceBill, BillID: b.ID, Name: b.Name, Amount: b.Amount.Neg()})
	}

	daily := base.variable.Div(decimal.NewFromInt(30)).Round(2)
	out := &DayForecast{
		UserID:          userID,
		GeneratedAt:     p.now(),
		StartingBalance: base.starting,
		VariableMonthly: base.variable,
		VariableDaily:   daily,
		Days:            make([]DayProjection, 0, horizonDays),
		DataComplete:    base.complete,
		Warnings:        base.warnings,
	}

	balance := base.starting
	out.MinBalance = balance
	out.MinBalanceDate = today
	for i := 0; i < horizonDays; i++ {
		day := DayProjection{
			Date:       today.AddDays(i),
			Opening:    balance,
			Inflow:     decimal.Zero,
			Outflow:    decimal.Zero,
			Variable:   daily,
			Confidence: confidence(i, p.Settings.DailyConfidenceDecay, p.Settings.DailyConfidenceFloor),
			Events:     events[i],
		}
		for _, ev := range events[i] {
			if ev.Amount.IsNegative() {
				day.Outflow = day.Outflow.Add(ev.Amount.Neg())
			} else {
				day.Inflow = day.Inflow.Add(ev.Amount)
			}
		}
		day.Net = day.Inflow.Sub(day.Outflow).Add(daily)
		balance = balance.Add(day.Net)
		day.Closing = balance

		if balance.LessThan(out.MinBalance) {
			out.MinBalance = balance
			out.MinBalanceDate = day.Date
		}
		out.Days = append(out.Days, day)
	}
	out.EndingBalance = balance

	if a, ok := p.alertFor(out.MinBalance); ok {
		a.Date = out.MinBalanceDate
		a.Period = out.MinBalanceDate.Period()
		out.Alerts = append(out.Alerts, a)
	}
	return out, nil
}

// unsettled resolves every occurrence of r in [from, to] through the
// reducer and keeps the ones still owed.
func (p *Projector) unsettled(ctx context.Context, r Rule, from, to, today Date) ([]Obligation, error) {
	type records struct {
		override *Override
		payment  *Payment
	}
	cache := make(map[Period]records)

	if r.IsInstallment {
		var err error
		if r, _, err = passSkipped(ctx, p.Overrides, r); err != nil {
			return nil, err
		}
	}

	var out []Obligation
	for _, ev := range Occurrences(r, from, to) {
		rec, ok := cache[ev.Period]
		if !ok {
			o, err := p.Overrides.Resolve(ctx, r.ID, ev.Period)
			if err != nil {
				return nil, err
			}
			pay, err := p.Payments.Get(ctx, r.ID, ev.Period)
			if err != nil {
				return nil, err
			}
			rec = records{override: o, payment: pay}
			cache[ev.Period] = rec
		}
		ob, ok := ResolveObligation(r, ev, rec.override, rec.payment, today)
		if !ok || ob.IsPaid {
			continue
		}
		out = append(out, ob)
	}
	return out, nil
}

// =============================================================================
// MONTH PROJECTION
// =============================================================================

// ProjectMonths projects month-end balances starting with the current
// month.
func (p *Projector) ProjectMonths(ctx context.Context, userID UserID, horizonMonths int) (*MonthForecast, error) {
	if horizonMonths < 1 || horizonMonths > MaxForecastMonths {
		return nil, &ValidationError{Field: "horizon", Message: fmt.Sprintf("must be between 1 and %d months", MaxForecastMonths), Err: ErrInvalidPeriod}
	}
	base := p.baseline(ctx, userID)
	current := base.today.Period()
	last := current.AddMonths(horizonMonths - 1)

	rules, err := p.Rules.ListRules(ctx, userID, true)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	bills, err := p.Bills.ListBills(ctx, userID, current, last)
	if err != nil {
		return nil, fmt.Errorf("list bills: %w", err)
	}

	out := &MonthForecast{
		UserID:          userID,
		GeneratedAt:     p.now(),
		StartingBalance: base.starting,
		VariableMonthly: base.variable,
		Months:          make([]MonthProjection, 0, horizonMonths),
		DataComplete:    base.complete,
		Warnings:        base.warnings,
	}

	balance := base.starting
	for i := 0; i < horizonMonths; i++ {
		period := current.AddMonths(i)
		m := MonthProjection{
			Period:       period,
			Opening:      balance,
			FixedIncome:  decimal.Zero,
			FixedExpense: decimal.Zero,
			Variable:     base.variable,
			Confidence:   confidence(i, p.Settings.MonthlyConfidenceDecay, p.Settings.MonthlyConfidenceFloor),
		}
		if i == 0 {
			m.Variable = remainingShare(base.variable, base.today, period)
		}

		for _, r := range rules {
			obs, err := p.unsettled(ctx, r, period.Start(), period.End(), base.today)
			if err != nil {
				return nil, err
			}
			for _, ob := range obs {
				m.add(ob.Direction, ob.Amount)
			}
		}
		for _, b := range bills {
			if b.Period == period && !b.IsPaid {
				m.add(DirectionExpense, b.Amount)
			}
		}

		m.Fixed = m.FixedIncome.Sub(m.FixedExpense)
		m.Net = m.Fixed.Add(m.Variable)
		balance = balance.Add(m.Net)
		m.Closing = balance
		out.Months = append(out.Months, m)
	}
	out.EndingBalance = balance
	out.Trend = trendOf(out.Months)

	if a, ok := p.alertFor(out.Trend.LowestBalance); ok {
		a.Period = out.Trend.LowestPeriod
		out.Alerts = append(out.Alerts, a)
	}
	return out, nil
}

// remainingShare prorates a monthly amount to the days of period left from
// today, inclusive. Spending earlier in the month is already in the balance.
func remainingShare(monthly decimal.Decimal, today Date, period Period) decimal.Decimal {
	left := DaysBetween(today, period.End()) + 1
	if left >= period.Days() {
		return monthly
	}
	return monthly.Mul(decimal.NewFromInt(int64(left))).Div(decimal.NewFromInt(int64(period.Days()))).Round(2)
}

func (m *MonthProjection) add(dir Direction, amount decimal.Decimal) {
	m.Obligations++
	if dir == DirectionIncome {
		m.FixedIncome = m.FixedIncome.Add(amount)
		return
	}
	m.FixedExpense = m.FixedExpense.Add(amount)
}

func trendOf(months []MonthProjection) Trend {
	t := Trend{
		AverageNet:          decimal.Zero,
		Direction:           TrendStable,
		MonthsUntilNegative: -1,
	}
	if len(months) == 0 {
		return t
	}

	total := decimal.Zero
	t.LowestBalance = months[0].Closing
	t.LowestPeriod = months[0].Period
	for i, m := range months {
		total = total.Add(m.Net)
		if m.Closing.LessThan(t.LowestBalance) {
			t.LowestBalance = m.Closing
			t.LowestPeriod = m.Period
		}
		if t.MonthsUntilNegative < 0 && m.Closing.IsNegative() {
			t.MonthsUntilNegative = i
		}
	}
	t.AverageNet = total.Div(decimal.NewFromInt(int64(len(months)))).Round(2)

	switch {
	case t.AverageNet.IsPositive():
		t.Direction = TrendImproving
	case t.AverageNet.IsNegative():
		t.Direction = TrendDeclining
	}
	return t
}

// =============================================================================
// HELPERS
// =============================================================================

func (p *Projector) alertFor(minBalance decimal.Decimal) (Alert, bool) {
	switch {
	case minBalance.IsNegative():
		return Alert{
			Level:   AlertCritical,
			Message: fmt.Sprintf("balance projected to go negative (%s)", minBalance.StringFixed(2)),
			Balance: minBalance,
		}, true
	case minBalance.LessThan(p.Settings.LowBalanceThreshold):
		return Alert{
			Level:   AlertWarning,
			Message: fmt.Sprintf("balance projected below %s (%s)", p.Settings.LowBalanceThreshold.StringFixed(2), minBalance.StringFixed(2)),
			Balance: minBalance,
		}, true
	}
	return Alert{}, false
}

// confidence decays linearly with distance i and never drops below floor.
func confidence(i int, decay, floor float64) float64 {
	c := 1 - decay*float64(i)
	c = math.Max(c, floor)
	return math.Round(c*1000) / 1000
}

func (p *Projector) now() time.Time {
	if p.Clock == nil {
		return time.Now().UTC()
	}
	return p.Clock.Now().UTC()
}
