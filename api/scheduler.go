/*
scheduler.go - Batch forecast scheduler

PURPOSE:
  Periodically projects every user's cash flow and persists the result as
  a forecast snapshot, so clients can read the latest alert level without
  paying for a projection on each request.

DESIGN:
  - Runs a background goroutine with configurable interval
  - Each run fans users out over a bounded worker pool
  - A failing user is logged and counted, the run continues
  - Projections are read-only; snapshots are the only writes

CONFIGURATION:
  - Interval: How often to run (default: 6 hours)
  - Workers:  Pool size (default: GOMAXPROCS)
  - HorizonDays / HorizonMonths: Projection lengths

USAGE:
  scheduler := NewForecastScheduler(store, projector, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - engine/forecast.go: Projector
  - engine/snapshot.go: ForecastSnapshot
*/
package api

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/obligation-engine/engine"
)

// SnapshotSource is the part of the store the scheduler needs.
type SnapshotSource interface {
	ListUsers(ctx context.Context) ([]engine.UserID, error)
	engine.SnapshotStore
}

// ForecastScheduler recomputes forecast snapshots in the background.
type ForecastScheduler struct {
	Store         SnapshotSource
	Projector     *engine.Projector
	Logger        *zap.Logger
	Interval      time.Duration
	Workers       int
	HorizonDays   int
	HorizonMonths int
	Enabled       bool
	NewID         func() string

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// RunSummary reports one batch run.
type RunSummary struct {
	Users     int
	Succeeded int
	Failed    int
	Critical  int
	Warning   int
	Duration  time.Duration
}

// NewForecastScheduler creates a new scheduler.
func NewForecastScheduler(store SnapshotSource, projector *engine.Projector, logger *zap.Logger) *ForecastScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ForecastScheduler{
		Store:         store,
		Projector:     projector,
		Logger:        logger,
		Interval:      6 * time.Hour,
		HorizonDays:   30,
		HorizonMonths: 6,
		Enabled:       true,
		NewID:         uuid.NewString,
	}
}

// Start begins the scheduler. The first run happens immediately.
func (fs *ForecastScheduler) Start() {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if !fs.Enabled {
		fs.Logger.Info("forecast scheduler disabled, not starting")
		return
	}
	if fs.ticker != nil {
		return
	}

	fs.ticker = time.NewTicker(fs.Interval)
	fs.stop = make(chan struct{})
	fs.wg.Add(1)

	go fs.run()

	fs.Logger.Info("forecast scheduler started", zap.Duration("interval", fs.Interval))
}

// Stop stops the scheduler and waits for an in-flight run to finish.
func (fs *ForecastScheduler) Stop() {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.ticker != nil {
		fs.ticker.Stop()
		close(fs.stop)
		fs.wg.Wait()
		fs.ticker = nil
		fs.Logger.Info("forecast scheduler stopped")
	}
}

func (fs *ForecastScheduler) run() {
	defer fs.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-fs.stop
		cancel()
	}()

	fs.RunNow(ctx)
	for {
		select {
		case <-fs.ticker.C:
			fs.RunNow(ctx)
		case <-fs.stop:
			return
		}
	}
}

// RunNow snapshots every user once and returns the tally.
func (fs *ForecastScheduler) RunNow(ctx context.Context) (RunSummary, error) {
	start := time.Now()
	users, err := fs.Store.ListUsers(ctx)
	if err != nil {
		fs.Logger.Error("forecast run: listing users failed", zap.Error(err))
		return RunSummary{}, fmt.Errorf("list users: %w", err)
	}

	summary := RunSummary{Users: len(users)}
	if len(users) == 0 {
		return summary, nil
	}

	numWorkers := fs.Workers
	if numWorkers < 1 {
		numWorkers = runtime.GOMAXPROCS(0)
	}
	if numWorkers > len(users) {
		numWorkers = len(users)
	}

	work := make(chan engine.UserID, len(users))
	for _, u := range users {
		work <- u
	}
	close(work)

	var (
		wg                sync.WaitGroup
		ok, failed        atomic.Int64
		critical, warning atomic.Int64
	)
	wg.Add(numWorkers)
	for w := 0; w < numWorkers; w++ {
		go func() {
			defer wg.Done()
			for user := range work {
				if ctx.Err() != nil {
					failed.Add(1)
					continue
				}
				snap, err := fs.ForecastUser(ctx, user)
				if err != nil {
					failed.Add(1)
					fs.Logger.Warn("forecast run: user failed", zap.String("user_id", string(user)), zap.Error(err))
					continue
				}
				ok.Add(1)
				switch snap.AlertLevel {
				case engine.AlertCritical:
					critical.Add(1)
				case engine.AlertWarning:
					warning.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	summary.Succeeded = int(ok.Load())
	summary.Failed = int(failed.Load())
	summary.Critical = int(critical.Load())
	summary.Warning = int(warning.Load())
	summary.Duration = time.Since(start)

	fs.Logger.Info("forecast run completed",
		zap.Int("users", summary.Users),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("critical", summary.Critical),
		zap.Int("warning", summary.Warning),
		zap.Duration("duration", summary.Duration))

	return summary, nil
}

// ForecastUser projects one user and saves the snapshot.
func (fs *ForecastScheduler) ForecastUser(ctx context.Context, user engine.UserID) (engine.ForecastSnapshot, error) {
	days, err := fs.Projector.ProjectDays(ctx, user, fs.HorizonDays)
	if err != nil {
		return engine.ForecastSnapshot{}, fmt.Errorf("project days: %w", err)
	}
	months, err := fs.Projector.ProjectMonths(ctx, user, fs.HorizonMonths)
	if err != nil {
		return engine.ForecastSnapshot{}, fmt.Errorf("project months: %w", err)
	}

	snap := engine.NewForecastSnapshot(fs.NewID(), user, days, months)
	if err := fs.Store.SaveSnapshot(ctx, snap); err != nil {
		return engine.ForecastSnapshot{}, fmt.Errorf("save snapshot: %w", err)
	}
	return snap, nil
}
