/*
handlers.go - HTTP API handlers for the commission engine

PURPOSE:
  Exposes rule configuration, payout recompute and the validation/payment
  workflow via REST API. Handles HTTP request/response, JSON serialization,
  and delegates to the commission package.

ENDPOINTS:
  Rules:
    GET    /api/rules                      List all rules
    POST   /api/rules                      Create or replace a month's rule
    GET    /api/rules/{year}/{month}       Get one month's rule

  Sellers and deals:
    GET    /api/sellers                    List sellers
    POST   /api/sellers                    Create or update seller
    GET    /api/sellers/{id}/deals         Deals of a month (?month=&year=)
    GET    /api/sellers/{id}/payouts       Payout history of a seller
    POST   /api/deals                      Create or update deal

  Payouts:
    GET    /api/payouts                    Payouts of a month (?month=&year=)
    GET    /api/payouts/export             Same month as an xlsx workbook
    GET    /api/payouts/{id}               Payout with deal lines
    POST   /api/payouts/recompute          Recompute a month
    POST   /api/payouts/validate-all       Validate a month in bulk
    POST   /api/payouts/{id}/pending       computing -> pending_validation
    POST   /api/payouts/{id}/validate      -> validated
    POST   /api/payouts/{id}/paid          validated -> paid

  Payments:
    GET    /api/payments                   Payment history (?seller_id=)
    POST   /api/payments                   Pay a seller for a window

  Runs:
    GET    /api/recompute/runs             Recompute history (?limit=)

ACTOR:
  Mutating endpoints read the acting user from the X-Actor-ID header and pass
  it explicitly to the core. A missing actor is a 400.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: ValidationError, malformed body
  - 404: NotFoundError
  - 409: StateConflictError
  - 422: ConfigurationError (no usable rule for the month)
  - 500: PersistenceError and anything unexpected

  A recompute with per-seller failures is still a 200; the failures are in
  the report body.

SECURITY NOTE:
  No authentication in this service. The gateway in front of it
  authenticates and sets X-Actor-ID.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/factory"
)

// maxBodyBytes bounds every JSON request body.
const maxBodyBytes = 1 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Store is what the API needs beyond the core interfaces: the seller and
// deal tables it administers, and a liveness check.
type Store interface {
	commission.TxStore

	SaveSeller(ctx context.Context, s commission.Seller) error
	GetSeller(ctx context.Context, id commission.SellerID) (*commission.Seller, error)
	ListSellers(ctx context.Context) ([]commission.Seller, error)
	SaveDeal(ctx context.Context, d commission.Deal) error
	ListSellerDeals(ctx context.Context, sellerID commission.SellerID, from, to time.Time) ([]commission.Deal, error)
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store        Store
	Orchestrator *commission.Orchestrator
	Workflow     *commission.Workflow
	RuleFactory  *factory.RuleFactory
	Logger       logrus.FieldLogger

	validate *validator.Validate
	now      func() time.Time
}

// NewHandler wires a handler around a store. The orchestrator and workflow
// share the logger and metrics.
func NewHandler(store Store, logger logrus.FieldLogger, metrics commission.Metrics, workers int) *Handler {
	orch := commission.NewOrchestrator(store, logger.WithField("component", "orchestrator"))
	orch.Metrics = metrics
	if workers > 0 {
		orch.Workers = workers
	}

	wf := commission.NewWorkflow(store, logger.WithField("component", "workflow"))
	wf.Metrics = metrics

	return &Handler{
		Store:        store,
		Orchestrator: orch,
		Workflow:     wf,
		RuleFactory:  factory.NewRuleFactory(),
		Logger:       logger,
		validate:     factory.NewValidator(),
		now:          time.Now,
	}
}

// =============================================================================
// RULE HANDLERS
// =============================================================================

// ListRules returns all rules, most recent month first.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.Store.ListRules(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}

	dtos := make([]RuleDTO, len(rules))
	for i, rule := range rules {
		dtos[i] = h.toRuleDTO(rule)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetRule returns the rule of one month.
// GET /api/rules/{year}/{month}
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	year, err1 := strconv.Atoi(chi.URLParam(r, "year"))
	month, err2 := strconv.Atoi(chi.URLParam(r, "month"))
	if err1 != nil || err2 != nil {
		h.fail(w, r, &commission.ValidationError{Field: "period", Message: "year and month must be integers"})
		return
	}

	rule, err := h.Store.GetRule(r.Context(), time.Month(month), year)
	if errors.Is(err, commission.ErrRuleNotConfigured) {
		h.fail(w, r, &commission.NotFoundError{Kind: "rule", ID: commission.MonthPeriod(year, time.Month(month)).String()})
		return
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.toRuleDTO(*rule))
}

// CreateRule parses a rule through the factory and stores it, replacing any
// rule already set for the same month.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}

	body, err := readBody(w, r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	rule, err := h.RuleFactory.ParseRule(body, actor)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	// Keep the ID of the rule already set for this month.
	existing, err := h.Store.GetRule(r.Context(), rule.Month, rule.Year)
	switch {
	case err == nil && existing != nil:
		rule.ID = existing.ID
		rule.CreatedAt = existing.CreatedAt
	case err != nil && !errors.Is(err, commission.ErrRuleNotConfigured):
		h.fail(w, r, err)
		return
	}

	if err := h.Store.SaveRule(r.Context(), *rule); err != nil {
		h.fail(w, r, err)
		return
	}

	h.Logger.WithFields(logrus.Fields{
		"rule_id":  rule.ID,
		"period":   rule.Period().String(),
		"actor_id": actor,
	}).Info("Commission rule saved")

	writeJSON(w, http.StatusCreated, h.toRuleDTO(*rule))
}

func (h *Handler) toRuleDTO(rule commission.Rule) RuleDTO {
	dto := RuleDTO{RuleJSON: h.RuleFactory.ToJSON(rule), CreatedBy: rule.CreatedBy}
	if !rule.CreatedAt.IsZero() {
		dto.CreatedAt = rule.CreatedAt.Format(time.RFC3339)
	}
	if !rule.UpdatedAt.IsZero() {
		dto.UpdatedAt = rule.UpdatedAt.Format(time.RFC3339)
	}
	return dto
}

// =============================================================================
// SELLER AND DEAL HANDLERS
// =============================================================================

// ListSellers returns every seller.
func (h *Handler) ListSellers(w http.ResponseWriter, r *http.Request) {
	sellers, err := h.Store.ListSellers(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dtos := make([]SellerDTO, len(sellers))
	for i, s := range sellers {
		dtos[i] = toSellerDTO(s)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateSeller creates or updates a seller.
func (h *Handler) CreateSeller(w http.ResponseWriter, r *http.Request) {
	var req CreateSellerRequest
	if !h.decode(w, r, &req) {
		return
	}

	seller := commission.Seller{
		ID:          commission.SellerID(req.ID),
		DisplayName: req.DisplayName,
		Role:        commission.Role(req.Role),
		IsActive:    req.IsActive == nil || *req.IsActive,
	}
	if err := h.Store.SaveSeller(r.Context(), seller); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSellerDTO(seller))
}

// CreateDeal creates or updates a deal.
func (h *Handler) CreateDeal(w http.ResponseWriter, r *http.Request) {
	var req CreateDealRequest
	if !h.decode(w, r, &req) {
		return
	}

	closeDate, _ := time.Parse(dateLayout, req.CloseDate) // validated by the datetime tag
	if req.FinalValue.IsNegative() {
		h.fail(w, r, &commission.ValidationError{Field: "final_value", Message: "must not be negative"})
		return
	}

	seller, err := h.Store.GetSeller(r.Context(), commission.SellerID(req.SellerID))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if seller == nil {
		h.fail(w, r, &commission.NotFoundError{Kind: "seller", ID: req.SellerID})
		return
	}

	deal := commission.Deal{
		ID:               commission.DealID(req.ID),
		SellerID:         commission.SellerID(req.SellerID),
		Stage:            req.Stage,
		Tier:             commission.Tier(req.Tier),
		FinalValue:       *req.FinalValue,
		CloseDate:        closeDate.UTC(),
		CommissionStatus: commission.SaleStatus(req.CommissionStatus),
	}
	if err := h.Store.SaveDeal(r.Context(), deal); err != nil {
		h.fail(w, r, err)
		return
	}
	if deal.CommissionStatus == "" {
		deal.CommissionStatus = commission.SalePending
	}
	writeJSON(w, http.StatusCreated, toDealDTO(deal))
}

// GetSellerDeals returns a seller's deals closed in a month, any stage.
// GET /api/sellers/{id}/deals?month=&year=
func (h *Handler) GetSellerDeals(w http.ResponseWriter, r *http.Request) {
	month, year, err := h.monthQuery(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	period := commission.MonthPeriod(year, month)
	deals, err := h.Store.ListSellerDeals(r.Context(), commission.SellerID(chi.URLParam(r, "id")), period.Start, period.End)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dtos := make([]DealDTO, len(deals))
	for i, d := range deals {
		dtos[i] = toDealDTO(d)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetSellerPayouts returns every payout of a seller, most recent first.
func (h *Handler) GetSellerPayouts(w http.ResponseWriter, r *http.Request) {
	payouts, err := h.Store.ListSellerPayouts(r.Context(), commission.SellerID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dtos := make([]PayoutDTO, len(payouts))
	for i, p := range payouts {
		dtos[i] = toPayoutDTO(p, nil)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// PAYOUT HANDLERS
// =============================================================================

// ListPayouts returns the payouts of a month.
// GET /api/payouts?month=&year=
func (h *Handler) ListPayouts(w http.ResponseWriter, r *http.Request) {
	month, year, err := h.monthQuery(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	payouts, err := h.Store.ListPayouts(r.Context(), month, year)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dtos := make([]PayoutDTO, len(payouts))
	for i, p := range payouts {
		dtos[i] = toPayoutDTO(p, nil)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetPayout returns one payout with its deal lines.
func (h *Handler) GetPayout(w http.ResponseWriter, r *http.Request) {
	id := commission.PayoutID(chi.URLParam(r, "id"))

	payout, err := h.Store.GetPayoutByID(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if payout == nil {
		h.fail(w, r, &commission.NotFoundError{Kind: "payout", ID: string(id)})
		return
	}
	details, err := h.Store.ListDetails(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPayoutDTO(*payout, details))
}

// Recompute recalculates every seller's payout for a month.
// POST /api/payouts/recompute {month, year}
func (h *Handler) Recompute(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	var req MonthRequest
	if !h.decode(w, r, &req) {
		return
	}

	report, run, err := RecordRecompute(r.Context(), h.Store, h.Orchestrator,
		time.Month(req.Month), req.Year, actor, h.Logger)
	if report == nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRunReportDTO(run.ID, report))
}

// MarkPending moves a payout from computing to pending_validation.
func (h *Handler) MarkPending(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Workflow.MarkPendingValidation)
}

// ValidatePayout validates one payout.
func (h *Handler) ValidatePayout(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Workflow.ValidateSingle)
}

// MarkPaid marks a validated payout as paid.
func (h *Handler) MarkPaid(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Workflow.MarkPaid)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request,
	op func(ctx context.Context, id commission.PayoutID, actorID string) (*commission.Payout, error)) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}

	payout, err := op(r.Context(), commission.PayoutID(chi.URLParam(r, "id")), actor)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPayoutDTO(*payout, nil))
}

// ValidateAll validates every computing or pending payout of a month.
// POST /api/payouts/validate-all {month, year}
func (h *Handler) ValidateAll(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	var req MonthRequest
	if !h.decode(w, r, &req) {
		return
	}

	n, err := h.Workflow.ValidateAll(r.Context(), time.Month(req.Month), req.Year, actor)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ValidateAllResponse{Month: req.Month, Year: req.Year, Validated: n})
}

// ExportPayouts streams the month's payouts as an xlsx workbook.
// GET /api/payouts/export?month=&year=
func (h *Handler) ExportPayouts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	month, year, err := h.monthQuery(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	payouts, err := h.Store.ListPayouts(ctx, month, year)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	sellers, err := h.Store.ListSellers(ctx)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	exp := PayoutExport{
		Period:  commission.MonthPeriod(year, month),
		Payouts: payouts,
		Details: make(map[commission.PayoutID][]commission.Detail, len(payouts)),
		Sellers: make(map[commission.SellerID]string, len(sellers)),
	}
	for _, s := range sellers {
		exp.Sellers[s.ID] = s.DisplayName
	}
	for _, p := range payouts {
		details, err := h.Store.ListDetails(ctx, p.ID)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		exp.Details[p.ID] = details
	}

	buf, err := BuildPayoutWorkbook(exp)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+ExportFilename(exp.Period)+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// ListPayments returns payment history, optionally for one seller.
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	payments, err := h.Store.ListPayments(r.Context(), commission.SellerID(r.URL.Query().Get("seller_id")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dtos := make([]PaymentDTO, len(payments))
	for i, p := range payments {
		dtos[i] = toPaymentDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ProcessPayment pays a seller for a window.
// POST /api/payments
func (h *Handler) ProcessPayment(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	var req PaymentRequest
	if !h.decode(w, r, &req) {
		return
	}

	start, _ := time.Parse(dateLayout, req.PeriodStart)
	end, _ := time.Parse(dateLayout, req.PeriodEnd)

	payment, err := h.Workflow.ProcessPayment(r.Context(), commission.PaymentRequest{
		SellerID:        commission.SellerID(req.SellerID),
		PeriodStart:     start,
		PeriodEnd:       end,
		TotalCommission: *req.TotalCommission,
		Method:          req.Method,
		Notes:           req.Notes,
	}, actor)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPaymentDTO(*payment))
}

// =============================================================================
// RECOMPUTE RUN HANDLERS
// =============================================================================

// ListRecomputeRuns returns recompute history.
// GET /api/recompute/runs?limit=
func (h *Handler) ListRecomputeRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > 500 {
			h.fail(w, r, &commission.ValidationError{Field: "limit", Message: "must be between 1 and 500"})
			return
		}
		limit = n
	}

	runs, err := h.Store.ListRecomputeRuns(r.Context(), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dtos := make([]RecomputeRunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toRecomputeRunDTO(run)
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": dtos})
}

// Health reports whether the database answers.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	var ve *commission.ValidationError
	if errors.As(err, &ve) {
		resp.Field = ve.Field
	}
	writeJSON(w, status, resp)
}

// statusFor maps the core error taxonomy to HTTP status codes.
func statusFor(err error) (int, string) {
	var ce *commission.ConfigurationError
	switch {
	case errors.As(err, &ce):
		return http.StatusUnprocessableEntity, "Commission rule not configured"
	case errors.Is(err, commission.ErrNotFound):
		return http.StatusNotFound, "Not found"
	case errors.Is(err, commission.ErrStateConflict):
		return http.StatusConflict, "Payout state conflict"
	case errors.Is(err, commission.ErrInvalidInput):
		return http.StatusBadRequest, "Invalid request"
	default:
		return http.StatusInternalServerError, "Internal error"
	}
}

// fail writes the mapped error response. Server errors are logged with
// their cause and returned without it.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Logger.WithError(err).WithField("path", r.URL.Path).Error("Request failed")
		writeError(w, status, msg, nil)
		return
	}
	if commission.IsClientError(err) {
		h.Logger.WithError(err).WithField("path", r.URL.Path).Debug("Request rejected")
	}
	writeError(w, status, msg, err)
}

func (h *Handler) requireActor(w http.ResponseWriter, r *http.Request) (string, bool) {
	actor := actorFrom(r.Context())
	if actor == "" {
		h.fail(w, r, &commission.ValidationError{Field: "actor_id", Message: "missing " + ActorHeader + " header"})
		return "", false
	}
	return actor, true
}

// decode reads a JSON body into dst and validates it. On failure the error
// response is already written.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		h.fail(w, r, &commission.ValidationError{Message: "invalid request body: " + err.Error()})
		return false
	}

	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			msg := fe.Tag()
			if fe.Param() != "" {
				msg += "=" + fe.Param()
			}
			h.fail(w, r, &commission.ValidationError{Field: fe.Field(), Message: msg})
			return false
		}
		h.fail(w, r, &commission.ValidationError{Message: err.Error()})
		return false
	}
	return true
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, &commission.ValidationError{Message: "invalid request body: " + err.Error()}
	}
	return body, nil
}

// monthQuery reads ?month=&year=, defaulting to the current month.
func (h *Handler) monthQuery(r *http.Request) (time.Month, int, error) {
	year, month := commission.CurrentMonth(h.now())
	q := r.URL.Query()

	if s := q.Get("month"); s != "" {
		m, err := strconv.Atoi(s)
		if err != nil || m < 1 || m > 12 {
			return 0, 0, &commission.ValidationError{Field: "month", Message: "must be between 1 and 12"}
		}
		month = time.Month(m)
	}
	if s := q.Get("year"); s != "" {
		y, err := strconv.Atoi(s)
		if err != nil || y < 2000 || y > 2100 {
			return 0, 0, &commission.ValidationError{Field: "year", Message: "out of range"}
		}
		year = y
	}
	return month, year, nil
}
