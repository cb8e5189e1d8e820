package engine

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// FORECAST SNAPSHOT - Persisted output of the batch forecast job
// =============================================================================

// ForecastSnapshot freezes one user's forecasts at GeneratedAt so clients
// can read the latest projection without recomputing it.
type ForecastSnapshot struct {
	ID          string
	UserID      UserID
	GeneratedAt time.Time

	// Headline numbers, duplicated from the forecasts for cheap queries.
	StartingBalance decimal.Decimal
	MinBalance      decimal.Decimal
	AlertLevel      AlertLevel // empty when no alert
	DataComplete    bool

	Days   *DayForecast
	Months *MonthForecast
}

// NewForecastSnapshot summarizes a pair of forecasts.
func NewForecastSnapshot(id string, userID UserID, days *DayForecast, months *MonthForecast) ForecastSnapshot {
	s := ForecastSnapshot{
		ID:           id,
		UserID:       userID,
		DataComplete: true,
		Days:         days,
		Months:       months,
	}
	if days != nil {
		s.GeneratedAt = days.GeneratedAt
		s.StartingBalance = days.StartingBalance
		s.MinBalance = days.MinBalance
		s.DataComplete = days.DataComplete
		s.AlertLevel = highestAlert(days.Alerts, s.AlertLevel)
	}
	if months != nil {
		if s.GeneratedAt.IsZero() {
			s.GeneratedAt = months.GeneratedAt
			s.StartingBalance = months.StartingBalance
			s.MinBalance = months.Trend.LowestBalance
		} else if months.Trend.LowestBalance.LessThan(s.MinBalance) {
			s.MinBalance = months.Trend.LowestBalance
		}
		s.DataComplete = s.DataComplete && months.DataComplete
		s.AlertLevel = highestAlert(months.Alerts, s.AlertLevel)
	}
	return s
}

func highestAlert(alerts []Alert, cur AlertLevel) AlertLevel {
	for _, a := range alerts {
		if a.Level == AlertCritical {
			return AlertCritical
		}
		if a.Level == AlertWarning && cur == "" {
			cur = AlertWarning
		}
	}
	return cur
}

// SnapshotStore persists forecast snapshots.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, s ForecastSnapshot) error

	// LatestSnapshot returns ErrSnapshotNotFound when the user has none.
	LatestSnapshot(ctx context.Context, userID UserID) (*ForecastSnapshot, error)
}
