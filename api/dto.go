/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the commission domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  decimal.Decimal marshals as a JSON string ("1234.50"), so no amount ever
  passes through float64 on the way out. Requests accept numbers or strings.

VALIDATION:
  Request types carry go-playground/validator tags and are checked by
  Handler.decode before they reach the core. Field names in error messages
  are the json names.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/rule.go: RuleJSON, the rule request/response body
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/factory"
)

const dateLayout = "2006-01-02"

// =============================================================================
// REQUEST TYPES
// =============================================================================

// CreateSellerRequest creates or updates a seller.
type CreateSellerRequest struct {
	ID          string `json:"id" validate:"required,max=64"`
	DisplayName string `json:"display_name" validate:"required"`
	Role        string `json:"role" validate:"required,oneof=seller senior_seller partner director admin"`
	IsActive    *bool  `json:"is_active,omitempty"`
}

// CreateDealRequest records a deal from the pipeline.
type CreateDealRequest struct {
	ID               string           `json:"id" validate:"required,max=64"`
	SellerID         string           `json:"seller_id" validate:"required"`
	Stage            string           `json:"stage" validate:"required"`
	Tier             string           `json:"tier" validate:"required,oneof=standard premium"`
	FinalValue       *decimal.Decimal `json:"final_value" validate:"required"`
	CloseDate        string           `json:"close_date" validate:"required,datetime=2006-01-02"`
	CommissionStatus string           `json:"commission_status,omitempty" validate:"omitempty,oneof=pending confirmed validated paid"`
}

// MonthRequest names one commission month.
type MonthRequest struct {
	Month int `json:"month" validate:"required,min=1,max=12"`
	Year  int `json:"year" validate:"required,min=2000,max=2100"`
}

// PaymentRequest records a payment for a seller over a window.
type PaymentRequest struct {
	SellerID        string           `json:"seller_id" validate:"required"`
	PeriodStart     string           `json:"period_start" validate:"required,datetime=2006-01-02"`
	PeriodEnd       string           `json:"period_end" validate:"required,datetime=2006-01-02"`
	TotalCommission *decimal.Decimal `json:"total_commission" validate:"required"`
	Method          string           `json:"method" validate:"required,max=64"`
	Notes           string           `json:"notes,omitempty" validate:"max=1000"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// RuleDTO is a rule plus its audit fields.
type RuleDTO struct {
	factory.RuleJSON
	CreatedBy string `json:"created_by,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

type SellerDTO struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
	IsActive    bool   `json:"is_active"`
}

type DealDTO struct {
	ID               string          `json:"id"`
	SellerID         string          `json:"seller_id"`
	Stage            string          `json:"stage"`
	Tier             string          `json:"tier"`
	FinalValue       decimal.Decimal `json:"final_value"`
	CloseDate        string          `json:"close_date"`
	CommissionStatus string          `json:"commission_status"`
	PaidAt           string          `json:"paid_at,omitempty"`
}

// PayoutDTO represents a payout in API responses.
type PayoutDTO struct {
	ID       string `json:"id"`
	SellerID string `json:"seller_id"`
	Month    int    `json:"month"`
	Year     int    `json:"year"`
	RuleID   string `json:"rule_id,omitempty"`

	TotalRevenueClosed decimal.Decimal `json:"total_revenue_closed"`
	NbDealsStandard    int             `json:"nb_deals_standard"`
	NbDealsPremium     int             `json:"nb_deals_premium"`
	CommissionStandard decimal.Decimal `json:"commission_standard"`
	CommissionPremium  decimal.Decimal `json:"commission_premium"`
	BonusVolume        decimal.Decimal `json:"bonus_volume"`
	BonusObjective     decimal.Decimal `json:"bonus_objective"`
	BonusSLA           decimal.Decimal `json:"bonus_sla"`
	BonusSpecial       decimal.Decimal `json:"bonus_special"`
	TotalCommission    decimal.Decimal `json:"total_commission"`

	Status      string `json:"status"`
	ValidatedBy string `json:"validated_by,omitempty"`
	ValidatedAt string `json:"validated_at,omitempty"`
	PaidAt      string `json:"paid_at,omitempty"`
	Notes       string `json:"notes,omitempty"`
	ComputedAt  string `json:"computed_at,omitempty"`

	Details []DetailDTO `json:"details,omitempty"`
}

// DetailDTO is one deal line of a payout.
type DetailDTO struct {
	DealID           string          `json:"deal_id"`
	DealValue        decimal.Decimal `json:"deal_value"`
	DealTier         string          `json:"deal_tier"`
	CloseDate        string          `json:"close_date"`
	CommissionRate   decimal.Decimal `json:"commission_rate"`
	CommissionAmount decimal.Decimal `json:"commission_amount"`
}

type PaymentDTO struct {
	ID              string          `json:"id"`
	SellerID        string          `json:"seller_id"`
	PeriodStart     string          `json:"period_start"`
	PeriodEnd       string          `json:"period_end"`
	TotalCommission decimal.Decimal `json:"total_commission"`
	Method          string          `json:"method"`
	Notes           string          `json:"notes,omitempty"`
	PaidBy          string          `json:"paid_by"`
	PaidAt          string          `json:"paid_at"`
	SalesUpdated    int             `json:"sales_updated"`
	PayoutsUpdated  int             `json:"payouts_updated"`
}

// RunReportDTO is the outcome of a recompute request.
type RunReportDTO struct {
	RunID     string       `json:"run_id,omitempty"`
	Month     int          `json:"month"`
	Year      int          `json:"year"`
	RuleID    string       `json:"rule_id"`
	Status    string       `json:"status"`
	Summary   string       `json:"summary"`
	Total     int          `json:"total"`
	Processed int          `json:"processed"`
	Cancelled bool         `json:"cancelled,omitempty"`
	Failures  []FailureDTO `json:"failures"`
}

type FailureDTO struct {
	SellerID    string `json:"seller_id"`
	DisplayName string `json:"display_name,omitempty"`
	Error       string `json:"error"`
}

type RecomputeRunDTO struct {
	ID          string `json:"id"`
	Month       int    `json:"month"`
	Year        int    `json:"year"`
	TriggeredBy string `json:"triggered_by"`
	Status      string `json:"status"`
	Total       int    `json:"total"`
	Processed   int    `json:"processed"`
	Failed      int    `json:"failed"`
	Error       string `json:"error,omitempty"`
	StartedAt   string `json:"started_at"`
	CompletedAt string `json:"completed_at,omitempty"`
}

// ValidateAllResponse reports how many payouts a bulk validation changed.
type ValidateAllResponse struct {
	Month     int `json:"month"`
	Year      int `json:"year"`
	Validated int `json:"validated"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
	Field   string `json:"field,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toSellerDTO(s commission.Seller) SellerDTO {
	return SellerDTO{ID: string(s.ID), DisplayName: s.DisplayName, Role: string(s.Role), IsActive: s.IsActive}
}

func toDealDTO(d commission.Deal) DealDTO {
	return DealDTO{
		ID:               string(d.ID),
		SellerID:         string(d.SellerID),
		Stage:            d.Stage,
		Tier:             string(d.Tier),
		FinalValue:       d.FinalValue,
		CloseDate:        d.CloseDate.Format(dateLayout),
		CommissionStatus: string(d.CommissionStatus),
		PaidAt:           formatOptional(d.PaidAt),
	}
}

func toPayoutDTO(p commission.Payout, details []commission.Detail) PayoutDTO {
	dto := PayoutDTO{
		ID:                 string(p.ID),
		SellerID:           string(p.SellerID),
		Month:              int(p.Month),
		Year:               p.Year,
		RuleID:             string(p.RuleID),
		TotalRevenueClosed: p.TotalRevenueClosed,
		NbDealsStandard:    p.NbDealsStandard,
		NbDealsPremium:     p.NbDealsPremium,
		CommissionStandard: p.CommissionStandard,
		CommissionPremium:  p.CommissionPremium,
		BonusVolume:        p.BonusVolume,
		BonusObjective:     p.BonusObjective,
		BonusSLA:           p.BonusSLA,
		BonusSpecial:       p.BonusSpecial,
		TotalCommission:    p.TotalCommission,
		Status:             string(p.Status),
		ValidatedBy:        p.ValidatedBy,
		ValidatedAt:        formatOptional(p.ValidatedAt),
		PaidAt:             formatOptional(p.PaidAt),
		Notes:              p.Notes,
	}
	if !p.ComputedAt.IsZero() {
		dto.ComputedAt = p.ComputedAt.Format(time.RFC3339)
	}
	for _, d := range details {
		dto.Details = append(dto.Details, DetailDTO{
			DealID:           string(d.DealID),
			DealValue:        d.DealValue,
			DealTier:         string(d.DealTier),
			CloseDate:        d.CloseDate.Format(dateLayout),
			CommissionRate:   d.CommissionRate,
			CommissionAmount: d.CommissionAmount,
		})
	}
	return dto
}

func toPaymentDTO(p commission.Payment) PaymentDTO {
	return PaymentDTO{
		ID:              string(p.ID),
		SellerID:        string(p.SellerID),
		PeriodStart:     p.PeriodStart.Format(dateLayout),
		PeriodEnd:       p.PeriodEnd.Format(dateLayout),
		TotalCommission: p.TotalCommission,
		Method:          p.Method,
		Notes:           p.Notes,
		PaidBy:          p.PaidBy,
		PaidAt:          p.PaidAt.Format(time.RFC3339),
		SalesUpdated:    p.SalesUpdated,
		PayoutsUpdated:  p.PayoutsUpdated,
	}
}

func toRunReportDTO(runID string, r *commission.RunReport) RunReportDTO {
	dto := RunReportDTO{
		RunID:     runID,
		Month:     int(r.Month),
		Year:      r.Year,
		RuleID:    string(r.RuleID),
		Status:    string(r.Status()),
		Summary:   r.Summary(),
		Total:     r.Total,
		Processed: r.Processed,
		Cancelled: r.Cancelled,
		Failures:  make([]FailureDTO, 0, len(r.Failures)),
	}
	for _, f := range r.Failures {
		dto.Failures = append(dto.Failures, FailureDTO{
			SellerID:    string(f.SellerID),
			DisplayName: f.DisplayName,
			Error:       f.Err.Error(),
		})
	}
	return dto
}

func toRecomputeRunDTO(r commission.RecomputeRun) RecomputeRunDTO {
	return RecomputeRunDTO{
		ID:          r.ID,
		Month:       int(r.Month),
		Year:        r.Year,
		TriggeredBy: r.TriggeredBy,
		Status:      string(r.Status),
		Total:       r.Total,
		Processed:   r.Processed,
		Failed:      r.Failed,
		Error:       r.Error,
		StartedAt:   r.StartedAt.Format(time.RFC3339),
		CompletedAt: formatOptional(r.CompletedAt),
	}
}

func formatOptional(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}
