/*
handlers_test.go - Unit tests for API handlers

Tests for:
- Rule creation through the factory, replacement keeps the ID
- Recompute end to end against SQLite, with the run recorded
- Missing rule maps to 422, unknown payout to 404, regression to 409
- Validation, bulk validation and payment flow
- Actor header requirement
- xlsx export and /metrics
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/store/sqlite"
)

const director = "director-1"

type testServer struct {
	t       *testing.T
	store   *sqlite.Store
	handler *Handler
	router  http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	log := logrus.New()
	log.SetOutput(io.Discard)

	metrics := NewMetrics()
	h := NewHandler(store, log, metrics, 2)
	return &testServer{
		t:       t,
		store:   store,
		handler: h,
		router:  NewRouter(h, RouterOptions{Metrics: metrics}),
	}
}

func (s *testServer) do(method, path string, body any, actor string) *httptest.ResponseRecorder {
	s.t.Helper()

	var rdr io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rdr = bytes.NewBufferString(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(s.t, err)
		rdr = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set(ActorHeader, actor)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

const marchRuleJSON = `{
	"month": 3, "year": 2025,
	"standard_commission_pct": "8",
	"premium_commission_pct": "12",
	"standard_volume_bonus_pct": "2",
	"standard_volume_threshold": 5,
	"objective_amount": "30000",
	"bonus_100_110": "500",
	"bonus_111_125": "1000",
	"bonus_above_125": "2000",
	"large_deal_threshold": "50000",
	"large_deal_bonus": "1200"
}`

// seedMarch creates the March 2025 rule, two sellers and their deals.
// s1 has 5 standard deals of 10000 and one premium deal of 55000.
// s2 has a single standard deal of 1000.
func (s *testServer) seedMarch() {
	s.t.Helper()
	rec := s.do("POST", "/api/rules", marchRuleJSON, director)
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())

	for _, seller := range []CreateSellerRequest{
		{ID: "s1", DisplayName: "Ana", Role: "seller"},
		{ID: "s2", DisplayName: "Bo", Role: "senior_seller"},
		{ID: "d1", DisplayName: "Dee", Role: "director"},
	} {
		rec := s.do("POST", "/api/sellers", seller, director)
		require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	deal := func(id, seller, tier, value, day string) {
		rec := s.do("POST", "/api/deals", map[string]any{
			"id": id, "seller_id": seller, "stage": "won", "tier": tier,
			"final_value": value, "close_date": "2025-03-" + day, "commission_status": "confirmed",
		}, director)
		require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	}
	for i, day := range []string{"03", "07", "12", "18", "25"} {
		deal("std-"+string(rune('a'+i)), "s1", "standard", "10000", day)
	}
	deal("prem-1", "s1", "premium", "55000", "31")
	deal("small", "s2", "standard", "1000", "15")
}

func (s *testServer) recomputeMarch() RunReportDTO {
	s.t.Helper()
	rec := s.do("POST", "/api/payouts/recompute", MonthRequest{Month: 3, Year: 2025}, director)
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())
	return decodeBody[RunReportDTO](s.t, rec)
}

func (s *testServer) payoutOf(seller commission.SellerID) commission.Payout {
	s.t.Helper()
	p, err := s.store.GetPayout(context.Background(), seller, time.March, 2025)
	require.NoError(s.t, err)
	require.NotNil(s.t, p)
	return *p
}

func TestCreateRule_ReplaceKeepsID(t *testing.T) {
	s := newTestServer(t)

	// GIVEN: A March rule
	rec := s.do("POST", "/api/rules", marchRuleJSON, director)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decodeBody[RuleDTO](t, rec)

	// WHEN: March is configured again
	rec = s.do("POST", "/api/rules", `{"month": 3, "year": 2025, "standard_commission_pct": "9", "premium_commission_pct": "12"}`, director)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	second := decodeBody[RuleDTO](t, rec)

	// THEN: Same rule, new values
	assert.Equal(t, first.ID, second.ID)
	rec = s.do("GET", "/api/rules/2025/3", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeBody[RuleDTO](t, rec)
	assert.Equal(t, "9", got.StandardCommissionPct.String())
	assert.Equal(t, director, got.CreatedBy)

	rec = s.do("GET", "/api/rules/2025/4", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateRule_Invalid(t *testing.T) {
	s := newTestServer(t)

	rec := s.do("POST", "/api/rules", `{"month": 3, "year": 2025, "standard_commission_pct": "8"}`, director)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody[ErrorResponse](t, rec)
	assert.Equal(t, "premium_commission_pct", body.Field)
}

func TestMutationsRequireActor(t *testing.T) {
	s := newTestServer(t)

	rec := s.do("POST", "/api/rules", marchRuleJSON, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "actor_id", decodeBody[ErrorResponse](t, rec).Field)

	rec = s.do("POST", "/api/payouts/recompute", MonthRequest{Month: 3, Year: 2025}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRecompute_WithoutRule(t *testing.T) {
	s := newTestServer(t)
	rec := s.do("POST", "/api/sellers", CreateSellerRequest{ID: "s1", DisplayName: "Ana", Role: "seller"}, director)
	require.Equal(t, http.StatusCreated, rec.Code)

	// WHEN: April is recomputed with no rule configured
	rec = s.do("POST", "/api/payouts/recompute", MonthRequest{Month: 4, Year: 2025}, director)

	// THEN: 422 and nothing written
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	payouts, err := s.store.ListPayouts(context.Background(), time.April, 2025)
	require.NoError(t, err)
	assert.Empty(t, payouts)

	// The failed attempt is still in the history
	runs, err := s.store.ListRecomputeRuns(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, commission.RunFailed, runs[0].Status)
}

func TestRecompute_EndToEnd(t *testing.T) {
	s := newTestServer(t)
	s.seedMarch()

	// WHEN: March is recomputed
	report := s.recomputeMarch()

	// THEN: Both seller-role users are processed, the director is not
	assert.Equal(t, 2, report.Total)
	assert.Equal(t, 2, report.Processed)
	assert.Empty(t, report.Failures)
	assert.Equal(t, string(commission.RunCompleted), report.Status)
	assert.Equal(t, "2 of 2 sellers processed successfully", report.Summary)

	// s1: 4000 + 6600 + 1000 volume + 2000 objective (350%) + 1200 large deal
	p := s.payoutOf("s1")
	assert.Equal(t, "105000", p.TotalRevenueClosed.String())
	assert.Equal(t, "4000", p.CommissionStandard.String())
	assert.Equal(t, "6600", p.CommissionPremium.String())
	assert.Equal(t, "1000", p.BonusVolume.String())
	assert.Equal(t, "2000", p.BonusObjective.String())
	assert.Equal(t, "1200", p.BonusSpecial.String())
	assert.Equal(t, "14800", p.TotalCommission.String())
	assert.Equal(t, commission.StatusComputing, p.Status)

	// Payout detail lines come with GET /api/payouts/{id}
	rec := s.do("GET", "/api/payouts/"+string(p.ID), nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	dto := decodeBody[PayoutDTO](t, rec)
	assert.Len(t, dto.Details, 6)

	// The run is recorded
	rec = s.do("GET", "/api/recompute/runs", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	runs := decodeBody[map[string][]RecomputeRunDTO](t, rec)["runs"]
	require.Len(t, runs, 1)
	assert.Equal(t, report.RunID, runs[0].ID)
	assert.Equal(t, director, runs[0].TriggeredBy)
	assert.Equal(t, "completed", runs[0].Status)
}

func TestRecompute_Idempotent(t *testing.T) {
	s := newTestServer(t)
	s.seedMarch()

	s.recomputeMarch()
	first := s.payoutOf("s1")
	s.recomputeMarch()
	second := s.payoutOf("s1")

	assert.Equal(t, first.ID, second.ID)
	assert.True(t, first.TotalCommission.Equal(second.TotalCommission))

	details, err := s.store.ListDetails(context.Background(), second.ID)
	require.NoError(t, err)
	assert.Len(t, details, 6)
}

func TestPayoutWorkflow(t *testing.T) {
	s := newTestServer(t)
	s.seedMarch()
	s.recomputeMarch()
	p1 := s.payoutOf("s1")

	// Pending, then validated
	rec := s.do("POST", "/api/payouts/"+string(p1.ID)+"/pending", nil, director)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "pending_validation", decodeBody[PayoutDTO](t, rec).Status)

	rec = s.do("POST", "/api/payouts/"+string(p1.ID)+"/validate", nil, director)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	validated := decodeBody[PayoutDTO](t, rec)
	assert.Equal(t, "validated", validated.Status)
	assert.Equal(t, director, validated.ValidatedBy)

	// Back to pending is a conflict
	rec = s.do("POST", "/api/payouts/"+string(p1.ID)+"/pending", nil, director)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Recompute keeps the validated status
	s.recomputeMarch()
	assert.Equal(t, commission.StatusValidated, s.payoutOf("s1").Status)

	// Paid
	rec = s.do("POST", "/api/payouts/"+string(p1.ID)+"/paid", nil, director)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "paid", decodeBody[PayoutDTO](t, rec).Status)

	// Unknown payout
	rec = s.do("POST", "/api/payouts/nope/validate", nil, director)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestValidateAll_SkipsPaid(t *testing.T) {
	s := newTestServer(t)
	s.seedMarch()
	s.recomputeMarch()

	p1 := s.payoutOf("s1")
	require.Equal(t, http.StatusOK, s.do("POST", "/api/payouts/"+string(p1.ID)+"/validate", nil, director).Code)
	require.Equal(t, http.StatusOK, s.do("POST", "/api/payouts/"+string(p1.ID)+"/paid", nil, director).Code)

	rec := s.do("POST", "/api/payouts/validate-all", MonthRequest{Month: 3, Year: 2025}, director)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, decodeBody[ValidateAllResponse](t, rec).Validated)

	assert.Equal(t, commission.StatusPaid, s.payoutOf("s1").Status)
	assert.Equal(t, commission.StatusValidated, s.payoutOf("s2").Status)
}

func TestProcessPayment(t *testing.T) {
	s := newTestServer(t)
	s.seedMarch()
	s.recomputeMarch()

	req := map[string]any{
		"seller_id":        "s1",
		"period_start":     "2025-03-01",
		"period_end":       "2025-04-01",
		"total_commission": "14800",
		"method":           "transfer",
	}

	// GIVEN: The payout is not validated yet
	rec := s.do("POST", "/api/payments", req, director)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// WHEN: Validated, then paid
	p1 := s.payoutOf("s1")
	require.Equal(t, http.StatusOK, s.do("POST", "/api/payouts/"+string(p1.ID)+"/validate", nil, director).Code)
	rec = s.do("POST", "/api/payments", req, director)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// THEN: Both status tracks moved
	payment := decodeBody[PaymentDTO](t, rec)
	assert.Equal(t, 6, payment.SalesUpdated)
	assert.Equal(t, 1, payment.PayoutsUpdated)
	assert.Equal(t, commission.StatusPaid, s.payoutOf("s1").Status)

	rec = s.do("GET", "/api/sellers/s1/deals?month=3&year=2025", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	for _, d := range decodeBody[[]DealDTO](t, rec) {
		assert.Equal(t, "paid", d.CommissionStatus, d.ID)
	}

	rec = s.do("GET", "/api/payments?seller_id=s1", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]PaymentDTO](t, rec), 1)
}

func TestProcessPayment_PartialMonth(t *testing.T) {
	s := newTestServer(t)
	s.seedMarch()
	s.recomputeMarch()
	p1 := s.payoutOf("s1")
	require.Equal(t, http.StatusOK, s.do("POST", "/api/payouts/"+string(p1.ID)+"/validate", nil, director).Code)

	// WHEN: The window starts and ends mid-month
	rec := s.do("POST", "/api/payments", map[string]any{
		"seller_id":        "s1",
		"period_start":     "2025-03-10",
		"period_end":       "2025-04-10",
		"total_commission": "14800",
		"method":           "transfer",
	}, director)

	// THEN: Rejected, the payout stays validated and no sale is paid
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	assert.Equal(t, commission.StatusValidated, s.payoutOf("s1").Status)

	rec = s.do("GET", "/api/sellers/s1/deals?month=3&year=2025", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	for _, d := range decodeBody[[]DealDTO](t, rec) {
		assert.NotEqual(t, "paid", d.CommissionStatus, d.ID)
	}
}

func TestCreateDeal_Invalid(t *testing.T) {
	s := newTestServer(t)

	rec := s.do("POST", "/api/deals", map[string]any{
		"id": "x", "seller_id": "s1", "stage": "won", "tier": "gold",
		"final_value": "10", "close_date": "2025-03-01",
	}, director)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "tier", decodeBody[ErrorResponse](t, rec).Field)

	rec = s.do("POST", "/api/deals", map[string]any{
		"id": "x", "seller_id": "s1", "stage": "won", "tier": "standard",
		"final_value": "10", "close_date": "03/01/2025",
	}, director)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "close_date", decodeBody[ErrorResponse](t, rec).Field)
}

func TestCreateDeal_UnknownSeller(t *testing.T) {
	s := newTestServer(t)

	rec := s.do("POST", "/api/deals", map[string]any{
		"id": "x", "seller_id": "ghost", "stage": "won", "tier": "standard",
		"final_value": "10", "close_date": "2025-03-01",
	}, director)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListPayouts_BadQuery(t *testing.T) {
	s := newTestServer(t)
	rec := s.do("GET", "/api/payouts?month=13&year=2025", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExportPayouts(t *testing.T) {
	s := newTestServer(t)
	s.seedMarch()
	s.recomputeMarch()

	rec := s.do("GET", "/api/payouts/export?month=3&year=2025", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, xlsxContentType, rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "commissions_2025_03.xlsx")

	xl, err := excelize.OpenReader(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	defer xl.Close()

	rows, err := xl.GetRows(sheetPayouts)
	require.NoError(t, err)
	require.Len(t, rows, 3) // header + two sellers
	assert.Equal(t, "Payout ID", rows[0][0])

	details, err := xl.GetRows(sheetDetails)
	require.NoError(t, err)
	assert.Len(t, details, 8) // header + six s1 lines + one s2 line
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.seedMarch()
	s.recomputeMarch()

	rec := s.do("GET", "/metrics", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `commission_recompute_runs_total{status="completed"} 1`)
	assert.Contains(t, body, `route="/api/payouts/recompute"`)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rec := s.do("GET", "/health", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
