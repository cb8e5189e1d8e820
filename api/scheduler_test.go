package api

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/obligation-engine/engine"
)

func TestForecastScheduler_RunNow(t *testing.T) {
	s := newTestServer(t)

	// GIVEN: One comfortable user and one who goes negative
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/api/scenarios/load", "alice", LoadScenarioRequest{ScenarioID: "salaried"}).Code)
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/api/scenarios/load", "bob", LoadScenarioRequest{ScenarioID: "tight-budget"}).Code)

	// AND: No snapshot yet
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/api/forecast/snapshots/latest", "bob", nil).Code)

	fs := NewForecastScheduler(s.store, s.handler.Projector, nil)
	fs.Workers = 4

	// WHEN: Running the batch once
	summary, err := fs.RunNow(context.Background())

	// THEN: Both users are snapshotted, bob critically
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Users)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 0, summary.Failed)
	assert.Equal(t, 1, summary.Critical)

	rec := s.do(http.MethodGet, "/api/forecast/snapshots/latest", "bob", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	snap := decode[SnapshotDTO](t, rec)
	assert.Equal(t, "critical", snap.AlertLevel)
	require.NotNil(t, snap.Days)
	assert.Len(t, snap.Days.Days, fs.HorizonDays)
	require.NotNil(t, snap.Months)
	assert.Len(t, snap.Months.Months, fs.HorizonMonths)
}

func TestForecastScheduler_NoUsers(t *testing.T) {
	s := newTestServer(t)
	fs := NewForecastScheduler(s.store, s.handler.Projector, nil)

	summary, err := fs.RunNow(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.Users)
	assert.Zero(t, summary.Succeeded)
}

func TestForecastScheduler_CountsFailures(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusCreated, s.do(http.MethodPost, "/api/accounts", "alice", map[string]any{"name": "Checking", "balance": "100"}).Code)

	fs := NewForecastScheduler(failingSnapshots{s.store}, s.handler.Projector, nil)
	summary, err := fs.RunNow(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, summary.Users)
	assert.Equal(t, 0, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
}

func TestForecastScheduler_BadHorizonFails(t *testing.T) {
	s := newTestServer(t)
	fs := NewForecastScheduler(s.store, s.handler.Projector, nil)
	fs.HorizonDays = 0

	_, err := fs.ForecastUser(context.Background(), engine.UserID("alice"))
	assert.ErrorIs(t, err, engine.ErrInvalidPeriod)
}

func TestForecastScheduler_StartStop(t *testing.T) {
	s := newTestServer(t)

	disabled := NewForecastScheduler(s.store, s.handler.Projector, nil)
	disabled.Enabled = false
	disabled.Start()
	disabled.Stop()

	fs := NewForecastScheduler(s.store, s.handler.Projector, nil)
	fs.Interval = time.Hour
	fs.Start()
	fs.Start()
	fs.Stop()
	fs.Stop()
}

// failingSnapshots refuses every write.
type failingSnapshots struct {
	SnapshotSource
}

func (failingSnapshots) SaveSnapshot(context.Context, engine.ForecastSnapshot) error {
	return errors.New("disk full")
}
