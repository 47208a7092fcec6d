/*
scheduler.go - Automated monthly recompute scheduler

PURPOSE:
  Periodically recomputes the current month's payouts so that directors see
  fresh figures without triggering a recompute by hand.

DESIGN:
  - Runs a background goroutine with configurable interval
  - Skips the tick quietly when the current month has no usable rule
  - Records every pass as a RecomputeRun for audit and UI display
  - Stop cancels an in-flight pass; sellers already written keep their state

CONFIGURATION:
  - Interval: How often to run (default: 1 hour)
  - Enabled:  Whether scheduler is active (default: true)

USAGE:
  scheduler := NewRecomputeScheduler(store, orchestrator, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: POST /api/payouts/recompute (manual recompute)
  - commission/orchestrator.go: Recompute
*/
package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/warp/commission-engine/commission"
)

// TriggeredByScheduler marks runs started by the scheduler.
const TriggeredByScheduler = "scheduler"

// RecomputeScheduler handles the periodic recompute of the current month.
type RecomputeScheduler struct {
	Runs         commission.RunStore
	Orchestrator *commission.Orchestrator
	Logger       logrus.FieldLogger
	Interval     time.Duration
	Enabled      bool
	Now          func() time.Time

	ticker *time.Ticker
	stop   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewRecomputeScheduler creates a new scheduler.
func NewRecomputeScheduler(runs commission.RunStore, orch *commission.Orchestrator, logger logrus.FieldLogger) *RecomputeScheduler {
	return &RecomputeScheduler{
		Runs:         runs,
		Orchestrator: orch,
		Logger:       logger.WithField("component", "scheduler"),
		Interval:     time.Hour,
		Enabled:      true,
		Now:          time.Now,
	}
}

// Start begins the scheduler. Calling Start twice is a no-op.
func (rs *RecomputeScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled {
		rs.Logger.Info("Scheduler disabled, not starting")
		return
	}
	if rs.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	rs.cancel = cancel
	rs.stop = make(chan struct{})
	rs.ticker = time.NewTicker(rs.Interval)
	rs.wg.Add(1)

	go rs.run(ctx)

	rs.Logger.WithField("interval", rs.Interval.String()).Info("Scheduler started")
}

// Stop stops the scheduler and waits for an in-flight pass to return.
func (rs *RecomputeScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker == nil {
		return
	}
	rs.ticker.Stop()
	rs.cancel()
	close(rs.stop)
	rs.wg.Wait()
	rs.ticker = nil
	rs.Logger.Info("Scheduler stopped")
}

func (rs *RecomputeScheduler) run(ctx context.Context) {
	defer rs.wg.Done()

	// Run immediately on start
	rs.RunNow(ctx)

	for {
		select {
		case <-rs.ticker.C:
			rs.RunNow(ctx)
		case <-rs.stop:
			return
		}
	}
}

// RunNow recomputes the current month once. It returns nil when the month
// has no usable rule yet.
func (rs *RecomputeScheduler) RunNow(ctx context.Context) *commission.RecomputeRun {
	year, month := commission.CurrentMonth(rs.now())
	log := rs.Logger.WithField("period", commission.MonthPeriod(year, month).String())

	if _, err := rs.Orchestrator.ActiveRule(ctx, month, year); err != nil {
		var ce *commission.ConfigurationError
		if errors.As(err, &ce) {
			log.WithField("reason", ce.Reason).Info("No usable rule, skipping scheduled recompute")
		} else {
			log.WithError(err).Error("Failed to check rule before scheduled recompute")
		}
		return nil
	}

	_, run, err := RecordRecompute(ctx, rs.Runs, rs.Orchestrator, month, year, TriggeredByScheduler, rs.Logger)
	if err != nil {
		log.WithError(err).Warn("Scheduled recompute finished with errors")
	}
	return &run
}

func (rs *RecomputeScheduler) now() time.Time {
	if rs.Now == nil {
		return time.Now().UTC()
	}
	return rs.Now().UTC()
}

// RecordRecompute runs one recompute pass and keeps its history in runs.
// The run record is saved as running first, then updated with the outcome.
// Failing to save the record is logged, never returned.
func RecordRecompute(
	ctx context.Context,
	runs commission.RunStore,
	orch *commission.Orchestrator,
	month time.Month,
	year int,
	triggeredBy string,
	logger logrus.FieldLogger,
) (*commission.RunReport, commission.RecomputeRun, error) {
	run := commission.RecomputeRun{
		ID:          uuid.NewString(),
		Month:       month,
		Year:        year,
		TriggeredBy: triggeredBy,
		Status:      commission.RunRunning,
		StartedAt:   time.Now().UTC(),
	}
	log := logger.WithFields(logrus.Fields{"run_id": run.ID, "triggered_by": triggeredBy})

	// A cancelled pass still gets its final record.
	saveCtx := context.WithoutCancel(ctx)
	if err := runs.SaveRecomputeRun(saveCtx, run); err != nil {
		log.WithError(err).Error("Failed to save recompute run")
	}

	report, err := orch.Recompute(ctx, month, year)

	completed := time.Now().UTC()
	run.CompletedAt = &completed
	if report != nil {
		run.Status = report.Status()
		run.Total = report.Total
		run.Processed = report.Processed
		run.Failed = len(report.Failures)
	} else {
		run.Status = commission.RunFailed
	}
	if err != nil {
		run.Error = err.Error()
	}

	if serr := runs.SaveRecomputeRun(saveCtx, run); serr != nil {
		log.WithError(serr).Error("Failed to update recompute run")
	}
	return report, run, err
}
