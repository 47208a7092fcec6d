/*
orchestrator.go - Monthly payout recompute

PURPOSE:
  Recomputes every active seller's payout for one (month, year). Each seller
  is one unit of work: read deals, calculate, write payout, replace details,
  all inside one store transaction.

PRECONDITION:
  An active rule must exist for the period. Without one the pass aborts
  before any write with a *ConfigurationError.

UPSERT POLICY:
  - No payout yet:      insert with status computing
  - Payout exists:      overwrite every computed figure, replace details,
                        keep ID, status, validation and payment stamps
  A recompute never moves a validated or paid payout back to computing.

FAILURES:
  Collect and continue. A seller whose unit fails keeps its previous state,
  the pass moves on, and the returned *BatchError lists every failure.
  Cancelling the context stops dispatching new sellers; sellers already
  written keep their new state. Re-running is always safe.

CONCURRENCY:
  Workers bounds how many sellers run at once (default 1). Recomputes of the
  same (seller, month, year) are serialised by a keyed mutex in-process and by
  the store transaction across processes.

SEE ALSO:
  - calculator.go: The pure computation
  - workflow.go: Status transitions after the recompute
  - api/scheduler.go: Periodic trigger
*/
package commission

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Metrics receives orchestrator and workflow observations.
type Metrics interface {
	RecomputeFinished(status RunStatus, processed, failed int, elapsed time.Duration)
	StatusChanged(to PayoutStatus, count int)
}

type noopMetrics struct{}

func (noopMetrics) RecomputeFinished(RunStatus, int, int, time.Duration) {}
func (noopMetrics) StatusChanged(PayoutStatus, int)                      {}

// RunReport summarises one recompute pass.
type RunReport struct {
	Month       time.Month
	Year        int
	RuleID      RuleID
	Total       int
	Processed   int
	Failures    []SellerFailure
	Cancelled   bool
	StartedAt   time.Time
	CompletedAt time.Time
}

// Summary is the line shown to the director.
func (r *RunReport) Summary() string {
	s := fmt.Sprintf("%d of %d sellers processed successfully", r.Processed, r.Total)
	if r.Cancelled {
		s += " (cancelled)"
	}
	return s
}

// Status classifies the pass for the run history.
func (r *RunReport) Status() RunStatus {
	switch {
	case r.Processed == r.Total && !r.Cancelled:
		return RunCompleted
	case r.Processed == 0 && r.Total > 0:
		return RunFailed
	default:
		return RunPartial
	}
}

// Orchestrator runs recompute passes.
type Orchestrator struct {
	Store      TxStore
	Calculator *Calculator
	Logger     logrus.FieldLogger
	Metrics    Metrics

	// Workers bounds per-seller parallelism. Values below 1 mean 1.
	Workers int

	Now func() time.Time

	locks keyedMutex
}

// NewOrchestrator creates an orchestrator with the default calculator.
func NewOrchestrator(store TxStore, logger logrus.FieldLogger) *Orchestrator {
	return &Orchestrator{
		Store:      store,
		Calculator: NewCalculator(),
		Logger:     logger,
		Workers:    1,
		Now:        time.Now,
	}
}

// Recompute recalculates every active seller's payout for the month.
// The report is returned even when the error is a *BatchError.
func (o *Orchestrator) Recompute(ctx context.Context, month time.Month, year int) (*RunReport, error) {
	log := o.logger().WithField("period", fmt.Sprintf("%04d-%02d", year, int(month)))
	report := &RunReport{Month: month, Year: year, StartedAt: o.now()}

	rule, err := o.ActiveRule(ctx, month, year)
	if err != nil {
		return nil, err
	}
	report.RuleID = rule.ID

	all, err := o.Store.ListActiveSellers(ctx)
	if err != nil {
		return nil, persistence("list active sellers", err)
	}
	var sellers []Seller
	for _, s := range all {
		if s.IsActive && s.Role.IsSellerRole() {
			sellers = append(sellers, s)
		}
	}
	report.Total = len(sellers)

	log.WithFields(logrus.Fields{"rule_id": rule.ID, "sellers": len(sellers)}).Info("Recompute started")

	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		jobs = make(chan Seller)
	)

	workers := o.Workers
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for s := range jobs {
				_, err := o.recomputeSeller(ctx, s, *rule)

				mu.Lock()
				switch {
				case err != nil && ctx.Err() != nil:
					// Rolled back by the cancellation: not processed, not failed.
					report.Cancelled = true
				case err != nil:
					report.Failures = append(report.Failures, SellerFailure{SellerID: s.ID, DisplayName: s.DisplayName, Err: err})
					log.WithError(err).WithField("seller_id", s.ID).Warn("Seller recompute failed")
				default:
					report.Processed++
				}
				mu.Unlock()
			}
		}()
	}

dispatch:
	for _, s := range sellers {
		select {
		case <-ctx.Done():
			report.Cancelled = true
			break dispatch
		case jobs <- s:
		}
	}
	close(jobs)
	wg.Wait()

	report.CompletedAt = o.now()
	sort.Slice(report.Failures, func(i, j int) bool {
		return report.Failures[i].SellerID < report.Failures[j].SellerID
	})

	o.metrics().RecomputeFinished(report.Status(), report.Processed, len(report.Failures), report.CompletedAt.Sub(report.StartedAt))
	log.WithFields(logrus.Fields{
		"processed": report.Processed,
		"failed":    len(report.Failures),
		"cancelled": report.Cancelled,
	}).Info(report.Summary())

	var errs []error
	if len(report.Failures) > 0 {
		errs = append(errs, &BatchError{Month: month, Year: year, Total: report.Total, Failures: report.Failures})
	}
	if report.Cancelled {
		errs = append(errs, ctx.Err())
	}
	return report, errors.Join(errs...)
}

// RecomputeSeller recalculates a single seller's payout for the month.
func (o *Orchestrator) RecomputeSeller(ctx context.Context, sellerID SellerID, month time.Month, year int) (*Payout, error) {
	rule, err := o.ActiveRule(ctx, month, year)
	if err != nil {
		return nil, err
	}

	sellers, err := o.Store.ListActiveSellers(ctx)
	if err != nil {
		return nil, persistence("list active sellers", err)
	}
	for _, s := range sellers {
		if s.ID == sellerID && s.Role.IsSellerRole() {
			return o.recomputeSeller(ctx, s, *rule)
		}
	}
	return nil, &NotFoundError{Kind: "seller", ID: string(sellerID)}
}

// ActiveRule returns the usable rule for the month or a *ConfigurationError.
func (o *Orchestrator) ActiveRule(ctx context.Context, month time.Month, year int) (*Rule, error) {
	if month < time.January || month > time.December {
		return nil, &ValidationError{Field: "month", Message: "must be between 1 and 12"}
	}

	rule, err := o.Store.GetRule(ctx, month, year)
	if errors.Is(err, ErrRuleNotConfigured) || (err == nil && rule == nil) {
		return nil, &ConfigurationError{Month: month, Year: year, Reason: "no rule configured"}
	}
	if err != nil {
		return nil, persistence("get rule", err)
	}
	if !rule.IsActive {
		return nil, &ConfigurationError{Month: month, Year: year, Reason: "rule is inactive"}
	}
	if err := rule.Validate(); err != nil {
		return nil, &ConfigurationError{Month: month, Year: year, Reason: err.Error()}
	}
	return rule, nil
}

// recomputeSeller is the per-seller unit: deals -> compute -> payout -> details.
func (o *Orchestrator) recomputeSeller(ctx context.Context, seller Seller, rule Rule) (*Payout, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	unlock := o.locks.Lock(fmt.Sprintf("%s/%04d-%02d", seller.ID, rule.Year, int(rule.Month)))
	defer unlock()

	period := rule.Period()
	var result Payout

	err := o.Store.WithTx(ctx, func(tx Store) error {
		deals, err := tx.GetWonDeals(ctx, seller.ID, period.Start, period.End)
		if err != nil {
			return persistence("get won deals", err)
		}

		breakdown, err := o.calculator().Calculate(rule, deals)
		if err != nil {
			return err
		}

		existing, err := tx.GetPayout(ctx, seller.ID, rule.Month, rule.Year)
		if err != nil {
			return persistence("get payout", err)
		}

		now := o.now()
		payout := Payout{
			ID:        PayoutID(uuid.NewString()),
			SellerID:  seller.ID,
			Month:     rule.Month,
			Year:      rule.Year,
			Status:    StatusComputing,
			CreatedAt: now,
		}
		if existing != nil {
			payout = *existing
			if existing.Status.Locked() && !existing.TotalCommission.Equal(breakdown.TotalCommission) {
				o.logger().WithFields(logrus.Fields{
					"payout_id": existing.ID,
					"status":    existing.Status,
					"previous":  existing.TotalCommission.String(),
					"current":   breakdown.TotalCommission.String(),
				}).Warn("Recompute changed the total of a locked payout")
			}
		}
		payout.RuleID = rule.ID
		breakdown.ApplyTo(&payout)
		payout.ComputedAt = now
		payout.UpdatedAt = now

		id, err := tx.UpsertPayout(ctx, payout)
		if err != nil {
			return persistence("upsert payout", err)
		}
		payout.ID = id

		details := make([]Detail, len(breakdown.Details))
		for i, d := range breakdown.Details {
			d.PayoutID = id
			details[i] = d
		}
		if err := tx.ReplaceDetails(ctx, id, details); err != nil {
			return persistence("replace details", err)
		}

		result = payout
		return nil
	})
	if err != nil {
		return nil, persistence("recompute seller", err)
	}
	return &result, nil
}

func (o *Orchestrator) calculator() *Calculator {
	if o.Calculator == nil {
		return NewCalculator()
	}
	return o.Calculator
}

func (o *Orchestrator) logger() logrus.FieldLogger {
	if o.Logger == nil {
		return discardLogger()
	}
	return o.Logger
}

func (o *Orchestrator) metrics() Metrics {
	if o.Metrics == nil {
		return noopMetrics{}
	}
	return o.Metrics
}

func (o *Orchestrator) now() time.Time {
	if o.Now == nil {
		return time.Now().UTC()
	}
	return o.Now().UTC()
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
