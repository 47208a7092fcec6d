/*
sqlite_test.go - Tests for the SQLite store

Tests for:
- Rule upsert keyed by (year, month)
- Won-deal window is half-open
- Payout upsert keeps the row ID
- Detail replacement, bulk status updates, payment bookkeeping
- WithTx rollback
- Concurrent recompute passes on a file-backed database
*/
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/commission"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func date(y int, m time.Month, day int) time.Time {
	return time.Date(y, m, day, 12, 0, 0, 0, time.UTC)
}

func TestRule_SaveAndGet(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	// GIVEN: No rule for March
	_, err := s.GetRule(ctx, time.March, 2025)
	assert.ErrorIs(t, err, commission.ErrRuleNotConfigured)

	// WHEN: A rule is saved, then saved again with a new rate
	rule := commission.Rule{
		ID: "rule-2025-03", Month: time.March, Year: 2025,
		StandardCommissionPct: d("8"), PremiumCommissionPct: d("12"),
		StandardVolumeThreshold: 5, LargeDealThreshold: d("50000"),
		IsActive: true, CreatedBy: "director-1",
	}
	require.NoError(t, s.SaveRule(ctx, rule))
	rule.StandardCommissionPct = d("9.5")
	require.NoError(t, s.SaveRule(ctx, rule))

	// THEN: One rule, with the latest values
	got, err := s.GetRule(ctx, time.March, 2025)
	require.NoError(t, err)
	assert.Equal(t, commission.RuleID("rule-2025-03"), got.ID)
	assert.True(t, got.StandardCommissionPct.Equal(d("9.5")))
	assert.True(t, got.LargeDealThreshold.Equal(d("50000")))
	assert.Equal(t, 5, got.StandardVolumeThreshold)
	assert.True(t, got.IsActive)

	rules, err := s.ListRules(ctx)
	require.NoError(t, err)
	assert.Len(t, rules, 1)
}

func TestRule_IDReusedForAnotherMonth(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveRule(ctx, commission.Rule{ID: "r", Month: time.March, Year: 2025, IsActive: true}))
	err := s.SaveRule(ctx, commission.Rule{ID: "r", Month: time.April, Year: 2025, IsActive: true})

	var ve *commission.ValidationError
	assert.True(t, errors.As(err, &ve))
}

func TestGetWonDeals_HalfOpenWindow(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	// GIVEN: Deals on both edges of March plus a lost deal
	march := commission.MonthPeriod(2025, time.March)
	deals := []commission.Deal{
		{ID: "first", SellerID: "s1", Stage: commission.StageWon, Tier: commission.TierStandard, FinalValue: d("100"), CloseDate: march.Start},
		{ID: "last", SellerID: "s1", Stage: commission.StageWon, Tier: commission.TierPremium, FinalValue: d("200"), CloseDate: march.End.Add(-time.Microsecond)},
		{ID: "april", SellerID: "s1", Stage: commission.StageWon, Tier: commission.TierStandard, FinalValue: d("300"), CloseDate: march.End},
		{ID: "lost", SellerID: "s1", Stage: "lost", Tier: commission.TierStandard, FinalValue: d("400"), CloseDate: date(2025, time.March, 10)},
		{ID: "other", SellerID: "s2", Stage: commission.StageWon, Tier: commission.TierStandard, FinalValue: d("500"), CloseDate: date(2025, time.March, 10)},
	}
	for _, deal := range deals {
		require.NoError(t, s.SaveDeal(ctx, deal))
	}

	// WHEN: Won deals for s1 in March are read
	got, err := s.GetWonDeals(ctx, "s1", march.Start, march.End)
	require.NoError(t, err)

	// THEN: Only the two March won deals, ordered by close date
	require.Len(t, got, 2)
	assert.Equal(t, commission.DealID("first"), got[0].ID)
	assert.Equal(t, commission.DealID("last"), got[1].ID)
	assert.Equal(t, commission.SalePending, got[0].CommissionStatus)
	assert.True(t, got[1].FinalValue.Equal(d("200")))
}

func TestUpsertPayout_KeepsID(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	// GIVEN: A payout for s1 in March
	p := commission.Payout{
		ID: "p1", SellerID: "s1", Month: time.March, Year: 2025, RuleID: "r1",
		TotalCommission: d("100"), Status: commission.StatusComputing, ComputedAt: time.Now(),
	}
	id, err := s.UpsertPayout(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, commission.PayoutID("p1"), id)

	// WHEN: The same key is upserted with a fresh ID
	p.ID = "p2"
	p.TotalCommission = d("250.55")
	id, err = s.UpsertPayout(ctx, p)
	require.NoError(t, err)

	// THEN: The row keeps its first ID and takes the new figures
	assert.Equal(t, commission.PayoutID("p1"), id)
	got, err := s.GetPayout(ctx, "s1", time.March, 2025)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.TotalCommission.Equal(d("250.55")))

	missing, err := s.GetPayoutByID(ctx, "p2")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestReplaceDetails(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	id, err := s.UpsertPayout(ctx, commission.Payout{ID: "p1", SellerID: "s1", Month: time.March, Year: 2025, Status: commission.StatusComputing})
	require.NoError(t, err)

	line := func(deal string, amount string) commission.Detail {
		return commission.Detail{
			PayoutID: id, DealID: commission.DealID(deal), DealValue: d("1000"),
			DealTier: commission.TierStandard, CloseDate: date(2025, time.March, 3),
			CommissionRate: d("8"), CommissionAmount: d(amount),
		}
	}

	// GIVEN: Two lines
	require.NoError(t, s.ReplaceDetails(ctx, id, []commission.Detail{line("a", "80"), line("b", "80")}))

	// WHEN: Replaced by one line
	require.NoError(t, s.ReplaceDetails(ctx, id, []commission.Detail{line("c", "80")}))

	// THEN: Only the new line remains
	got, err := s.ListDetails(ctx, id)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, commission.DealID("c"), got[0].DealID)

	// Lines for an unknown payout are rejected
	err = s.ReplaceDetails(ctx, "ghost", []commission.Detail{line("x", "1")})
	assert.True(t, commission.IsNotFound(err))
}

func TestBulkUpdateStatus_SkipsPaid(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	// GIVEN: One payout in each status
	for i, st := range []commission.PayoutStatus{
		commission.StatusComputing, commission.StatusPendingValidation,
		commission.StatusValidated, commission.StatusPaid,
	} {
		_, err := s.UpsertPayout(ctx, commission.Payout{
			ID: commission.PayoutID(st), SellerID: commission.SellerID(rune('a' + i)),
			Month: time.March, Year: 2025, Status: st,
		})
		require.NoError(t, err)
	}

	// WHEN: Computing and pending are validated in bulk
	at := date(2025, time.April, 1)
	n, err := s.BulkUpdateStatus(ctx, time.March, 2025,
		[]commission.PayoutStatus{commission.StatusComputing, commission.StatusPendingValidation},
		commission.StatusValidated, "director-1", at)
	require.NoError(t, err)

	// THEN: Two rows changed and were stamped; paid is untouched
	assert.Equal(t, 2, n)
	got, err := s.GetPayoutByID(ctx, commission.PayoutID(commission.StatusComputing))
	require.NoError(t, err)
	assert.Equal(t, commission.StatusValidated, got.Status)
	assert.Equal(t, "director-1", got.ValidatedBy)
	require.NotNil(t, got.ValidatedAt)
	assert.True(t, got.ValidatedAt.Equal(at))

	paid, err := s.GetPayoutByID(ctx, commission.PayoutID(commission.StatusPaid))
	require.NoError(t, err)
	assert.Equal(t, commission.StatusPaid, paid.Status)
	assert.Empty(t, paid.ValidatedBy)
}

func TestUpdatePayoutStatus_NotFound(t *testing.T) {
	s := newStore(t)
	err := s.UpdatePayoutStatus(context.Background(), "nope", commission.StatusPaid, "u", time.Now())
	assert.True(t, commission.IsNotFound(err))
}

func TestMarkSalesPaid(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	// GIVEN: Sales in each sale-level status
	for _, st := range []commission.SaleStatus{commission.SalePending, commission.SaleConfirmed, commission.SaleValidated, commission.SalePaid} {
		require.NoError(t, s.SaveDeal(ctx, commission.Deal{
			ID: commission.DealID(st), SellerID: "s1", Stage: commission.StageWon, Tier: commission.TierStandard,
			FinalValue: d("10"), CloseDate: date(2025, time.March, 5), CommissionStatus: st,
		}))
	}

	// WHEN: The seller's March sales are paid
	march := commission.MonthPeriod(2025, time.March)
	n, err := s.MarkSalesPaid(ctx, "s1", march.Start, march.End, date(2025, time.April, 2))
	require.NoError(t, err)

	// THEN: Confirmed and validated moved; pending did not
	assert.Equal(t, 2, n)
	pending, err := s.GetDeal(ctx, commission.DealID(commission.SalePending))
	require.NoError(t, err)
	assert.Equal(t, commission.SalePending, pending.CommissionStatus)
	confirmed, err := s.GetDeal(ctx, commission.DealID(commission.SaleConfirmed))
	require.NoError(t, err)
	assert.Equal(t, commission.SalePaid, confirmed.CommissionStatus)
	assert.NotNil(t, confirmed.PaidAt)
}

func TestPaymentsAndRuns(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	march := commission.MonthPeriod(2025, time.March)
	require.NoError(t, s.RecordPayment(ctx, commission.Payment{
		ID: "pay-1", SellerID: "s1", PeriodStart: march.Start, PeriodEnd: march.End,
		TotalCommission: d("1234.56"), Method: "transfer", PaidBy: "director-1",
		PaidAt: date(2025, time.April, 2), SalesUpdated: 3, PayoutsUpdated: 1,
	}))

	payments, err := s.ListPayments(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.True(t, payments[0].TotalCommission.Equal(d("1234.56")))
	assert.True(t, payments[0].PeriodStart.Equal(march.Start))
	assert.Equal(t, 3, payments[0].SalesUpdated)

	others, err := s.ListPayments(ctx, "s2")
	require.NoError(t, err)
	assert.Empty(t, others)

	run := commission.RecomputeRun{
		ID: "run-1", Month: time.March, Year: 2025, TriggeredBy: "scheduler",
		Status: commission.RunRunning, StartedAt: date(2025, time.March, 20),
	}
	require.NoError(t, s.SaveRecomputeRun(ctx, run))
	done := date(2025, time.March, 20).Add(time.Minute)
	run.Status, run.Total, run.Processed, run.CompletedAt = commission.RunCompleted, 4, 4, &done
	require.NoError(t, s.SaveRecomputeRun(ctx, run))

	runs, err := s.ListRecomputeRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, commission.RunCompleted, runs[0].Status)
	assert.Equal(t, 4, runs[0].Processed)
	require.NotNil(t, runs[0].CompletedAt)
	assert.True(t, runs[0].CompletedAt.Equal(done))
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	// GIVEN: A transaction that writes then fails
	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx commission.Store) error {
		if _, err := tx.UpsertPayout(ctx, commission.Payout{ID: "p1", SellerID: "s1", Month: time.March, Year: 2025, Status: commission.StatusComputing}); err != nil {
			return err
		}
		return boom
	})

	// THEN: The error surfaces and nothing was written
	assert.ErrorIs(t, err, boom)
	got, err := s.GetPayoutByID(ctx, "p1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestListActiveSellers(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveSeller(ctx, commission.Seller{ID: "s1", DisplayName: "Ana", Role: commission.RoleSeller, IsActive: true}))
	require.NoError(t, s.SaveSeller(ctx, commission.Seller{ID: "s2", DisplayName: "Bo", Role: commission.RoleSeller, IsActive: false}))

	active, err := s.ListActiveSellers(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, commission.SellerID("s1"), active[0].ID)

	all, err := s.ListSellers(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, s.Reset(ctx))
	all, err = s.ListSellers(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestRecompute_ConcurrentPassesSamePeriod(t *testing.T) {
	ctx := context.Background()
	s, err := New(filepath.Join(t.TempDir(), "commission.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	// GIVEN: Four sellers with five standard deals of 1000 each at 8%
	require.NoError(t, s.SaveRule(ctx, commission.Rule{
		ID: "rule-2025-03", Month: time.March, Year: 2025,
		StandardCommissionPct: d("8"), PremiumCommissionPct: d("12"),
		StandardVolumeThreshold: 10, PremiumVolumeThreshold: 10,
		ObjectiveAmount: d("1000000"), LargeDealThreshold: d("50000"),
		IsActive: true,
	}))
	for i := 1; i <= 4; i++ {
		id := commission.SellerID(fmt.Sprintf("s%d", i))
		require.NoError(t, s.SaveSeller(ctx, commission.Seller{ID: id, DisplayName: string(id), Role: commission.RoleSeller, IsActive: true}))
		for j := 0; j < 5; j++ {
			require.NoError(t, s.SaveDeal(ctx, commission.Deal{
				ID: commission.DealID(fmt.Sprintf("%s-%d", id, j)), SellerID: id,
				Stage: commission.StageWon, Tier: commission.TierStandard,
				FinalValue: d("1000"), CloseDate: date(2025, time.March, 1+j*5),
			}))
		}
	}

	// WHEN: Four passes with four workers each run over March at once
	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			o := commission.NewOrchestrator(s, nil)
			o.Workers = 4
			_, errs[i] = o.Recompute(ctx, time.March, 2025)
		}(i)
	}
	wg.Wait()

	// THEN: One payout per seller with exactly its five lines
	for _, err := range errs {
		require.NoError(t, err)
	}
	payouts, err := s.ListPayouts(ctx, time.March, 2025)
	require.NoError(t, err)
	require.Len(t, payouts, 4)
	for _, p := range payouts {
		assert.True(t, p.TotalCommission.Equal(d("400")), "%s: %s", p.SellerID, p.TotalCommission)
		details, err := s.ListDetails(ctx, p.ID)
		require.NoError(t, err)
		assert.Len(t, details, 5, p.SellerID)
	}
}
