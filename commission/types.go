/*
Package commission provides the commission calculation engine for the partner
network CRM.

PURPOSE:
  Given a monthly commission rule and a seller's won deals, compute the payout
  breakdown, persist it, and carry it through the director's validation and
  payment lifecycle. Everything outside that (lead pipeline, auth, UI) is an
  external collaborator reached through the interfaces in store.go.

KEY CONCEPTS IN THIS FILE (types.go):
  - Rule: One commission configuration per (month, year)
  - Deal: A won sale, tagged with a plan tier and a final value
  - Payout: One seller's computed commission for one month
  - Detail: One line per contributing deal, owned by its payout
  - Money: decimal.Decimal everywhere, never float64

DESIGN PRINCIPLES:
  1. Precision: decimal.Decimal for every amount and percentage
  2. Explicit actors: every mutation receives the actor ID, no ambient user
  3. Forward-only status: computing -> pending_validation -> validated -> paid
  4. Strict schema: numeric fields default to zero, required fields are
     checked once at the boundary (see factory/rule.go)

SEE ALSO:
  - calculator.go: Pure (rule, deals) -> breakdown
  - orchestrator.go: Period recompute over all sellers
  - workflow.go: Validation and payment transitions
  - store.go: Persistence interfaces
*/
package commission

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY
// =============================================================================

// CurrencyPlaces is the number of decimal places kept on computed amounts.
const CurrencyPlaces = 2

var hundred = decimal.NewFromInt(100)

// PercentOf returns value * pct / 100 rounded to currency places.
// Percentages are whole-number scaled: 12 means 12%.
func PercentOf(value, pct decimal.Decimal) decimal.Decimal {
	return value.Mul(pct).Div(hundred).RoundBank(CurrencyPlaces)
}

// Money parses a decimal literal and panics on malformed input.
// Intended for constants and tests.
func Money(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type SellerID string
type DealID string
type PayoutID string
type RuleID string
type PaymentID string

// =============================================================================
// DEAL TIERS
// =============================================================================

// Tier classifies a won deal; each tier has its own base commission rate.
type Tier string

const (
	TierStandard Tier = "standard"
	TierPremium  Tier = "premium"
)

// =============================================================================
// RULE
// =============================================================================

// Rule is the commission configuration for one calendar month.
// At most one rule exists per (Month, Year).
type Rule struct {
	ID    RuleID
	Month time.Month
	Year  int

	StandardCommissionPct decimal.Decimal
	PremiumCommissionPct  decimal.Decimal

	StandardVolumeBonusPct  decimal.Decimal
	StandardVolumeThreshold int
	PremiumVolumeBonusPct   decimal.Decimal
	PremiumVolumeThreshold  int

	ObjectiveAmount decimal.Decimal
	Bonus100To110   decimal.Decimal
	Bonus111To125   decimal.Decimal
	BonusAbove125   decimal.Decimal

	LargeDealThreshold decimal.Decimal
	LargeDealBonus     decimal.Decimal

	// Stored with the rule but not applied by the base calculation.
	FirstPremiumBonus decimal.Decimal
	ExclusivityBonus  decimal.Decimal
	SLAThresholdPct   decimal.Decimal
	SLABonusAmount    decimal.Decimal

	IsActive  bool
	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Period returns the calendar month this rule governs.
func (r Rule) Period() Period {
	return MonthPeriod(r.Year, r.Month)
}

// Validate checks the rule shape. A rule that fails here never reaches the
// calculation.
func (r Rule) Validate() error {
	if r.Month < time.January || r.Month > time.December {
		return &ValidationError{Field: "month", Message: "must be between 1 and 12"}
	}
	if r.Year < 2000 || r.Year > 2100 {
		return &ValidationError{Field: "year", Message: "out of range"}
	}

	amounts := []struct {
		field string
		value decimal.Decimal
	}{
		{"standard_commission_pct", r.StandardCommissionPct},
		{"premium_commission_pct", r.PremiumCommissionPct},
		{"standard_volume_bonus_pct", r.StandardVolumeBonusPct},
		{"premium_volume_bonus_pct", r.PremiumVolumeBonusPct},
		{"objective_amount", r.ObjectiveAmount},
		{"bonus_100_110", r.Bonus100To110},
		{"bonus_111_125", r.Bonus111To125},
		{"bonus_above_125", r.BonusAbove125},
		{"large_deal_threshold", r.LargeDealThreshold},
		{"large_deal_bonus", r.LargeDealBonus},
		{"first_premium_bonus", r.FirstPremiumBonus},
		{"exclusivity_bonus", r.ExclusivityBonus},
		{"sla_threshold_pct", r.SLAThresholdPct},
		{"sla_bonus_amount", r.SLABonusAmount},
	}
	for _, a := range amounts {
		if a.value.IsNegative() {
			return &ValidationError{Field: a.field, Message: "must not be negative"}
		}
	}

	if r.StandardVolumeThreshold < 0 {
		return &ValidationError{Field: "standard_volume_threshold", Message: "must not be negative"}
	}
	if r.PremiumVolumeThreshold < 0 {
		return &ValidationError{Field: "premium_volume_threshold", Message: "must not be negative"}
	}
	return nil
}

// =============================================================================
// DEAL - read-only input sourced from the pipeline
// =============================================================================

// StageWon is the only pipeline stage that counts toward commission.
const StageWon = "won"

// SaleStatus is the sale-level commission track kept on each deal. It is
// maintained independently from the payout status.
type SaleStatus string

const (
	SalePending   SaleStatus = "pending"
	SaleConfirmed SaleStatus = "confirmed"
	SaleValidated SaleStatus = "validated"
	SalePaid      SaleStatus = "paid"
)

type Deal struct {
	ID               DealID
	SellerID         SellerID
	Stage            string
	Tier             Tier
	FinalValue       decimal.Decimal
	CloseDate        time.Time
	CommissionStatus SaleStatus
	PaidAt           *time.Time
}

// =============================================================================
// SELLERS
// =============================================================================

type Role string

const (
	RoleSeller       Role = "seller"
	RoleSeniorSeller Role = "senior_seller"
	RolePartner      Role = "partner"
	RoleDirector     Role = "director"
	RoleAdmin        Role = "admin"
)

// IsSellerRole reports whether the role earns commission.
func (r Role) IsSellerRole() bool {
	switch r {
	case RoleSeller, RoleSeniorSeller, RolePartner:
		return true
	}
	return false
}

type Seller struct {
	ID          SellerID
	DisplayName string
	Role        Role
	IsActive    bool
}

// =============================================================================
// PAYOUT
// =============================================================================

// PayoutStatus is the payout-level lifecycle. It only moves forward.
type PayoutStatus string

const (
	StatusComputing         PayoutStatus = "computing"
	StatusPendingValidation PayoutStatus = "pending_validation"
	StatusValidated         PayoutStatus = "validated"
	StatusPaid              PayoutStatus = "paid"
)

var statusRank = map[PayoutStatus]int{
	StatusComputing:         0,
	StatusPendingValidation: 1,
	StatusValidated:         2,
	StatusPaid:              3,
}

// Locked reports whether a recompute must leave the status untouched.
func (s PayoutStatus) Locked() bool {
	return s == StatusValidated || s == StatusPaid
}

// CanMoveTo reports whether next is reachable from s without regressing.
// Staying in place is allowed.
func (s PayoutStatus) CanMoveTo(next PayoutStatus) bool {
	from, ok1 := statusRank[s]
	to, ok2 := statusRank[next]
	return ok1 && ok2 && to >= from
}

type Payout struct {
	ID       PayoutID
	SellerID SellerID
	Month    time.Month
	Year     int
	RuleID   RuleID

	TotalRevenueClosed decimal.Decimal
	NbDealsStandard    int
	NbDealsPremium     int

	CommissionStandard decimal.Decimal
	CommissionPremium  decimal.Decimal
	BonusVolume        decimal.Decimal
	BonusObjective     decimal.Decimal
	BonusSLA           decimal.Decimal
	BonusSpecial       decimal.Decimal
	TotalCommission    decimal.Decimal

	Status      PayoutStatus
	ValidatedBy string
	ValidatedAt *time.Time
	PaidAt      *time.Time
	Notes       string

	ComputedAt time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Period returns the month covered by the payout.
func (p Payout) Period() Period {
	return MonthPeriod(p.Year, p.Month)
}

// Detail is one contributing deal of a payout, at the tier's base rate.
// Period-level bonuses are never attributed to individual lines.
type Detail struct {
	PayoutID         PayoutID
	DealID           DealID
	DealValue        decimal.Decimal
	DealTier         Tier
	CloseDate        time.Time
	CommissionRate   decimal.Decimal
	CommissionAmount decimal.Decimal
}

// =============================================================================
// PAYMENTS
// =============================================================================

type Payment struct {
	ID              PaymentID
	SellerID        SellerID
	PeriodStart     time.Time
	PeriodEnd       time.Time
	TotalCommission decimal.Decimal
	Method          string
	Notes           string
	PaidBy          string
	PaidAt          time.Time
	SalesUpdated    int
	PayoutsUpdated  int
}

// =============================================================================
// RECOMPUTE RUNS - history of orchestrator passes
// =============================================================================

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunPartial   RunStatus = "partial"
	RunFailed    RunStatus = "failed"
)

type RecomputeRun struct {
	ID          string
	Month       time.Month
	Year        int
	TriggeredBy string
	Status      RunStatus
	Total       int
	Processed   int
	Failed      int
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time
}
