/*
workflow.go - Payout validation and payment lifecycle

PURPOSE:
  State transitions a director performs after a recompute. Every operation
  takes the acting user's ID explicitly and stamps it on the payout.

STATE MACHINE:
  computing ──▶ pending_validation ──▶ validated ──▶ paid
      │                                    ▲
      └────────────────────────────────────┘  (direct validation)

  Transitions only move forward. Asking for the state a payout is already in
  is a no-op that returns the payout unchanged. Anything that would move a
  payout backwards is a *StateConflictError.

OPERATIONS:
  MarkPendingValidation: computing -> pending_validation
  ValidateSingle:        computing | pending_validation -> validated
  ValidateAll:           one bulk update for the whole month, paid untouched
  MarkPaid:              validated -> paid
  ProcessPayment:        records a payment, marks the seller's sales paid and
                         the seller's validated payouts in the window paid,
                         all in one transaction; the window spans whole
                         UTC months so both tracks cover the same sales

TWO STATUS TRACKS:
  Payout.Status is the payout-level track. Deal.CommissionStatus is the
  sale-level track. ProcessPayment is the only operation that writes both.

SEE ALSO:
  - orchestrator.go: Creates payouts in computing
  - store.go: UpdatePayoutStatus, BulkUpdateStatus, MarkSalesPaid
*/
package commission

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// PaymentRequest is the input of ProcessPayment.
type PaymentRequest struct {
	SellerID        SellerID
	PeriodStart     time.Time
	PeriodEnd       time.Time
	TotalCommission decimal.Decimal
	Method          string
	Notes           string
}

// Workflow performs payout status transitions.
type Workflow struct {
	Store   TxStore
	Logger  logrus.FieldLogger
	Metrics Metrics
	Now     func() time.Time
}

func NewWorkflow(store TxStore, logger logrus.FieldLogger) *Workflow {
	return &Workflow{Store: store, Logger: logger, Now: time.Now}
}

// MarkPendingValidation flags a computed payout as ready for the director.
func (w *Workflow) MarkPendingValidation(ctx context.Context, id PayoutID, actorID string) (*Payout, error) {
	return w.transition(ctx, id, actorID, StatusPendingValidation, StatusComputing)
}

// ValidateSingle validates one payout. Re-validating keeps the original stamp.
func (w *Workflow) ValidateSingle(ctx context.Context, id PayoutID, actorID string) (*Payout, error) {
	return w.transition(ctx, id, actorID, StatusValidated, StatusComputing, StatusPendingValidation)
}

// MarkPaid marks a validated payout as paid.
func (w *Workflow) MarkPaid(ctx context.Context, id PayoutID, actorID string) (*Payout, error) {
	return w.transition(ctx, id, actorID, StatusPaid, StatusValidated)
}

// ValidateAll validates every payout of the month that is computing or
// pending validation, in one statement. Returns how many changed.
func (w *Workflow) ValidateAll(ctx context.Context, month time.Month, year int, actorID string) (int, error) {
	if actorID == "" {
		return 0, &ValidationError{Field: "actor_id", Message: "required"}
	}
	if month < time.January || month > time.December {
		return 0, &ValidationError{Field: "month", Message: "must be between 1 and 12"}
	}

	n, err := w.Store.BulkUpdateStatus(ctx, month, year,
		[]PayoutStatus{StatusComputing, StatusPendingValidation}, StatusValidated,
		actorID, w.now())
	if err != nil {
		return 0, persistence("bulk validate", err)
	}

	w.metrics().StatusChanged(StatusValidated, n)
	w.logger().WithFields(logrus.Fields{
		"period":   MonthPeriod(year, month).String(),
		"actor_id": actorID,
		"count":    n,
	}).Info("Payouts validated")
	return n, nil
}

// ProcessPayment records a payment and moves both status tracks to paid.
func (w *Workflow) ProcessPayment(ctx context.Context, req PaymentRequest, actorID string) (*Payment, error) {
	if err := validatePayment(req, actorID); err != nil {
		return nil, err
	}

	window := Period{Start: req.PeriodStart.UTC(), End: req.PeriodEnd.UTC()}
	now := w.now()
	payment := Payment{
		ID:              PaymentID(uuid.NewString()),
		SellerID:        req.SellerID,
		PeriodStart:     window.Start,
		PeriodEnd:       window.End,
		TotalCommission: req.TotalCommission,
		Method:          req.Method,
		Notes:           req.Notes,
		PaidBy:          actorID,
		PaidAt:          now,
	}

	err := w.Store.WithTx(ctx, func(tx Store) error {
		payouts, err := tx.ListSellerPayouts(ctx, req.SellerID)
		if err != nil {
			return persistence("list seller payouts", err)
		}

		var toPay []Payout
		for _, p := range payouts {
			if !window.Contains(p.Period().Start) {
				continue
			}
			switch p.Status {
			case StatusValidated:
				toPay = append(toPay, p)
			case StatusPaid:
			default:
				return &StateConflictError{PayoutID: p.ID, From: p.Status, To: StatusPaid}
			}
		}

		sales, err := tx.MarkSalesPaid(ctx, req.SellerID, window.Start, window.End, now)
		if err != nil {
			return persistence("mark sales paid", err)
		}
		payment.SalesUpdated = sales

		for _, p := range toPay {
			if err := tx.UpdatePayoutStatus(ctx, p.ID, StatusPaid, actorID, now); err != nil {
				return persistence("mark payout paid", err)
			}
		}
		payment.PayoutsUpdated = len(toPay)

		if err := tx.RecordPayment(ctx, payment); err != nil {
			return persistence("record payment", err)
		}
		return nil
	})
	if err != nil {
		return nil, persistence("process payment", err)
	}

	w.metrics().StatusChanged(StatusPaid, payment.PayoutsUpdated)
	w.logger().WithFields(logrus.Fields{
		"payment_id": payment.ID,
		"seller_id":  payment.SellerID,
		"window":     window.String(),
		"sales":      payment.SalesUpdated,
		"payouts":    payment.PayoutsUpdated,
		"actor_id":   actorID,
	}).Info("Payment processed")
	return &payment, nil
}

func validatePayment(req PaymentRequest, actorID string) error {
	switch {
	case actorID == "":
		return &ValidationError{Field: "actor_id", Message: "required"}
	case req.SellerID == "":
		return &ValidationError{Field: "seller_id", Message: "required"}
	case !req.PeriodStart.Before(req.PeriodEnd):
		return &ValidationError{Field: "period", Message: "start must be before end"}
	case !monthAligned(req.PeriodStart) || !monthAligned(req.PeriodEnd):
		return &ValidationError{Field: "period", Message: "must span whole UTC months"}
	case req.TotalCommission.IsNegative():
		return &ValidationError{Field: "total_commission", Message: "must not be negative"}
	case req.Method == "":
		return &ValidationError{Field: "method", Message: "required"}
	}
	return nil
}

// transition moves one payout to target if its current status is in from.
func (w *Workflow) transition(ctx context.Context, id PayoutID, actorID string, target PayoutStatus, from ...PayoutStatus) (*Payout, error) {
	if actorID == "" {
		return nil, &ValidationError{Field: "actor_id", Message: "required"}
	}

	var result *Payout
	changed := false
	err := w.Store.WithTx(ctx, func(tx Store) error {
		p, err := tx.GetPayoutByID(ctx, id)
		if err != nil {
			return persistence("get payout", err)
		}
		if p == nil {
			return &NotFoundError{Kind: "payout", ID: string(id)}
		}

		if p.Status == target {
			result = p
			return nil
		}
		if !p.Status.CanMoveTo(target) || !statusIn(p.Status, from) {
			return &StateConflictError{PayoutID: id, From: p.Status, To: target}
		}

		if err := tx.UpdatePayoutStatus(ctx, id, target, actorID, w.now()); err != nil {
			return persistence("update payout status", err)
		}
		result, err = tx.GetPayoutByID(ctx, id)
		if err != nil {
			return persistence("get payout", err)
		}
		changed = true
		return nil
	})
	if err != nil {
		return nil, persistence("transition payout", err)
	}

	if changed {
		w.metrics().StatusChanged(target, 1)
		w.logger().WithFields(logrus.Fields{
			"payout_id": id,
			"status":    target,
			"actor_id":  actorID,
		}).Info("Payout status changed")
	}
	return result, nil
}

func statusIn(s PayoutStatus, set []PayoutStatus) bool {
	for _, c := range set {
		if s == c {
			return true
		}
	}
	return false
}

func (w *Workflow) logger() logrus.FieldLogger {
	if w.Logger == nil {
		return discardLogger()
	}
	return w.Logger
}

func (w *Workflow) metrics() Metrics {
	if w.Metrics == nil {
		return noopMetrics{}
	}
	return w.Metrics
}

func (w *Workflow) now() time.Time {
	if w.Now == nil {
		return time.Now().UTC()
	}
	return w.Now().UTC()
}
