/*
workflow_test.go - Unit tests for payout transitions and payments

Tests for:
- Forward transitions with actor stamps
- Same-state requests are no-ops
- Regressions are StateConflictError
- ValidateAll leaves paid payouts alone
- ProcessPayment moves both status tracks in one unit
- Payment windows must cover whole UTC months
*/
package commission_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/commission/store"
)

const director = "director-1"

// computed returns a memory store with March recomputed and the payout of s1.
func computed(t *testing.T) (*store.Memory, *commission.Workflow, commission.Payout) {
	t.Helper()
	mem := seed(t)
	_, err := newOrchestrator(mem).Recompute(context.Background(), time.March, 2025)
	require.NoError(t, err)

	p, err := mem.GetPayout(context.Background(), "s1", time.March, 2025)
	require.NoError(t, err)
	require.NotNil(t, p)

	wf := commission.NewWorkflow(mem, nil)
	wf.Now = func() time.Time { return time.Date(2025, time.April, 3, 12, 0, 0, 0, time.UTC) }
	return mem, wf, *p
}

func TestWorkflow_ForwardTransitions(t *testing.T) {
	ctx := context.Background()
	_, wf, p := computed(t)

	pending, err := wf.MarkPendingValidation(ctx, p.ID, director)
	require.NoError(t, err)
	assert.Equal(t, commission.StatusPendingValidation, pending.Status)
	assert.Nil(t, pending.ValidatedAt)

	validated, err := wf.ValidateSingle(ctx, p.ID, director)
	require.NoError(t, err)
	assert.Equal(t, commission.StatusValidated, validated.Status)
	assert.Equal(t, director, validated.ValidatedBy)
	require.NotNil(t, validated.ValidatedAt)
	assert.True(t, wf.Now().Equal(*validated.ValidatedAt))

	paid, err := wf.MarkPaid(ctx, p.ID, director)
	require.NoError(t, err)
	assert.Equal(t, commission.StatusPaid, paid.Status)
	require.NotNil(t, paid.PaidAt)
}

func TestWorkflow_DirectValidation(t *testing.T) {
	_, wf, p := computed(t)

	validated, err := wf.ValidateSingle(context.Background(), p.ID, director)
	require.NoError(t, err)
	assert.Equal(t, commission.StatusValidated, validated.Status)
}

func TestWorkflow_RevalidateKeepsStamp(t *testing.T) {
	ctx := context.Background()
	_, wf, p := computed(t)

	first, err := wf.ValidateSingle(ctx, p.ID, director)
	require.NoError(t, err)

	wf.Now = func() time.Time { return time.Date(2025, time.May, 1, 0, 0, 0, 0, time.UTC) }
	again, err := wf.ValidateSingle(ctx, p.ID, "someone-else")
	require.NoError(t, err)

	assert.Equal(t, director, again.ValidatedBy)
	assert.True(t, first.ValidatedAt.Equal(*again.ValidatedAt))
}

func TestWorkflow_Conflicts(t *testing.T) {
	ctx := context.Background()
	_, wf, p := computed(t)

	// Paid requires validated
	_, err := wf.MarkPaid(ctx, p.ID, director)
	var sc *commission.StateConflictError
	require.True(t, errors.As(err, &sc), "got %v", err)
	assert.Equal(t, commission.StatusComputing, sc.From)
	assert.Equal(t, commission.StatusPaid, sc.To)

	// No way back from validated
	_, err = wf.ValidateSingle(ctx, p.ID, director)
	require.NoError(t, err)
	_, err = wf.MarkPendingValidation(ctx, p.ID, director)
	assert.True(t, commission.IsConflict(err))

	// No way back from paid
	_, err = wf.MarkPaid(ctx, p.ID, director)
	require.NoError(t, err)
	_, err = wf.ValidateSingle(ctx, p.ID, director)
	assert.True(t, commission.IsConflict(err))
}

func TestWorkflow_UnknownPayoutAndActor(t *testing.T) {
	ctx := context.Background()
	_, wf, p := computed(t)

	_, err := wf.ValidateSingle(ctx, "missing", director)
	assert.True(t, commission.IsNotFound(err))

	_, err = wf.ValidateSingle(ctx, p.ID, "")
	assert.ErrorIs(t, err, commission.ErrInvalidInput)
}

func TestWorkflow_ValidateAll(t *testing.T) {
	ctx := context.Background()
	mem, wf, p := computed(t)
	m := &recordingMetrics{}
	wf.Metrics = m

	// GIVEN: s1 paid, s2 computing
	_, err := wf.ValidateSingle(ctx, p.ID, director)
	require.NoError(t, err)
	_, err = wf.MarkPaid(ctx, p.ID, director)
	require.NoError(t, err)

	// WHEN: The month is validated in bulk
	n, err := wf.ValidateAll(ctx, time.March, 2025, director)

	// THEN: Only s2 changed
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	s1, _ := mem.GetPayout(ctx, "s1", time.March, 2025)
	assert.Equal(t, commission.StatusPaid, s1.Status)
	s2, _ := mem.GetPayout(ctx, "s2", time.March, 2025)
	assert.Equal(t, commission.StatusValidated, s2.Status)
	assert.Equal(t, director, s2.ValidatedBy)

	assert.Equal(t, 2, m.changes[commission.StatusValidated])
	assert.Equal(t, 1, m.changes[commission.StatusPaid])

	// Nothing left to validate
	n, err = wf.ValidateAll(ctx, time.March, 2025, director)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func marchPayment() commission.PaymentRequest {
	return commission.PaymentRequest{
		SellerID:        "s1",
		PeriodStart:     marchOpen,
		PeriodEnd:       aprilFirst,
		TotalCommission: commission.Money("14800"),
		Method:          "transfer",
	}
}

func TestProcessPayment(t *testing.T) {
	ctx := context.Background()
	mem, wf, p := computed(t)

	_, err := wf.ValidateSingle(ctx, p.ID, director)
	require.NoError(t, err)

	// WHEN: s1 is paid for March
	payment, err := wf.ProcessPayment(ctx, marchPayment(), director)

	// THEN: Payment recorded, both tracks paid
	require.NoError(t, err)
	assert.Equal(t, 6, payment.SalesUpdated)
	assert.Equal(t, 1, payment.PayoutsUpdated)
	assert.Equal(t, director, payment.PaidBy)

	after, _ := mem.GetPayout(ctx, "s1", time.March, 2025)
	assert.Equal(t, commission.StatusPaid, after.Status)

	d, ok := mem.Deal("prem-1")
	require.True(t, ok)
	assert.Equal(t, commission.SalePaid, d.CommissionStatus)
	require.NotNil(t, d.PaidAt)

	// Deals outside the window or still pending stay as they were
	d, _ = mem.Deal("april")
	assert.Equal(t, commission.SalePending, d.CommissionStatus)

	payments, err := mem.ListPayments(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, payments, 1)
}

func TestProcessPayment_UnvalidatedPayout(t *testing.T) {
	ctx := context.Background()
	mem, wf, _ := computed(t)

	// WHEN: The payout is still computing
	_, err := wf.ProcessPayment(ctx, marchPayment(), director)

	// THEN: Conflict and nothing changed
	assert.True(t, commission.IsConflict(err), "got %v", err)

	d, _ := mem.Deal("std-0")
	assert.Equal(t, commission.SaleConfirmed, d.CommissionStatus)
	payments, _ := mem.ListPayments(ctx, "")
	assert.Empty(t, payments)
}

func TestProcessPayment_InvalidRequest(t *testing.T) {
	_, wf, _ := computed(t)

	req := marchPayment()
	req.PeriodEnd = req.PeriodStart
	_, err := wf.ProcessPayment(context.Background(), req, director)
	assert.ErrorIs(t, err, commission.ErrInvalidInput)

	_, err = wf.ProcessPayment(context.Background(), marchPayment(), "")
	assert.ErrorIs(t, err, commission.ErrInvalidInput)
}

func TestProcessPayment_PartialMonthWindow(t *testing.T) {
	ctx := context.Background()
	mem, wf, p := computed(t)
	_, err := wf.ValidateSingle(ctx, p.ID, director)
	require.NoError(t, err)

	tests := []struct {
		name       string
		start, end time.Time
	}{
		{"mid-month window", time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC), time.Date(2025, time.April, 10, 0, 0, 0, 0, time.UTC)},
		{"mid-month end", marchOpen, time.Date(2025, time.March, 21, 0, 0, 0, 0, time.UTC)},
		{"not midnight", marchOpen.Add(time.Hour), aprilFirst},
		{"midnight in another zone", time.Date(2025, time.March, 1, 0, 0, 0, 0, time.FixedZone("CET", 3600)), aprilFirst},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// GIVEN: A validated March payout and a window not on month boundaries
			req := marchPayment()
			req.PeriodStart, req.PeriodEnd = tt.start, tt.end

			// WHEN: Paying over that window
			_, err := wf.ProcessPayment(ctx, req, director)

			// THEN: Refused and neither track moved
			assert.ErrorIs(t, err, commission.ErrInvalidInput)
			var ve *commission.ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, "period", ve.Field)

			after, _ := mem.GetPayout(ctx, "s1", time.March, 2025)
			assert.Equal(t, commission.StatusValidated, after.Status)
			for _, id := range []commission.DealID{"std-0", "std-4"} {
				d, _ := mem.Deal(id)
				assert.Equal(t, commission.SaleConfirmed, d.CommissionStatus, id)
			}
			payments, _ := mem.ListPayments(ctx, "")
			assert.Empty(t, payments)
		})
	}
}

func TestProcessPayment_MultiMonthWindow(t *testing.T) {
	ctx := context.Background()
	mem, wf, p := computed(t)
	_, err := wf.ValidateSingle(ctx, p.ID, director)
	require.NoError(t, err)

	// WHEN: Paying February through March at once
	req := marchPayment()
	req.PeriodStart = time.Date(2025, time.February, 1, 0, 0, 0, 0, time.UTC)
	payment, err := wf.ProcessPayment(ctx, req, director)

	// THEN: Accepted, the March tracks are paid
	require.NoError(t, err)
	assert.Equal(t, 1, payment.PayoutsUpdated)
	d, _ := mem.Deal("std-4")
	assert.Equal(t, commission.SalePaid, d.CommissionStatus)
}
