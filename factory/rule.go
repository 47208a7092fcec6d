/*
Package factory provides JSON to Go commission rule conversion.

PURPOSE:
  Converts JSON rule definitions into commission.Rule values. Directors
  configure a month's rates and bonuses through the admin API; the factory
  is the only place that JSON becomes a Rule.

STRICT SCHEMA:
  Required fields are pointers so that a missing value is distinguishable
  from an explicit zero. Every optional amount defaults to zero, never to
  a guessed value. Unknown fields are rejected.

JSON SCHEMA:
  {
    "id": "rule-2025-03",                 // optional, generated when absent
    "month": 3,                           // required, 1-12
    "year": 2025,                         // required
    "standard_commission_pct": "8",       // required
    "premium_commission_pct": "12",       // required
    "standard_volume_bonus_pct": "2",
    "standard_volume_threshold": 5,
    "premium_volume_bonus_pct": "0",
    "premium_volume_threshold": 0,
    "objective_amount": "30000",
    "bonus_100_110": "500",
    "bonus_111_125": "1000",
    "bonus_above_125": "2000",
    "large_deal_threshold": "50000",
    "large_deal_bonus": "1200",
    "first_premium_bonus": "0",
    "exclusivity_bonus": "0",
    "sla_threshold_pct": "0",
    "sla_bonus_amount": "0",
    "is_active": true                     // defaults to true
  }

  Amounts accept JSON numbers or strings; strings avoid float rounding in
  clients.

USAGE:
  f := factory.NewRuleFactory()
  rule, err := f.ParseRule(body, actorID)

SEE ALSO:
  - commission/types.go: Rule type and Rule.Validate
  - api/handlers.go: POST /api/rules
*/
package factory

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/commission"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// RuleJSON is the JSON representation of a commission rule.
type RuleJSON struct {
	ID    string `json:"id,omitempty" validate:"omitempty,max=64"`
	Month *int   `json:"month" validate:"required,min=1,max=12"`
	Year  *int   `json:"year" validate:"required,min=2000,max=2100"`

	StandardCommissionPct *decimal.Decimal `json:"standard_commission_pct" validate:"required"`
	PremiumCommissionPct  *decimal.Decimal `json:"premium_commission_pct" validate:"required"`

	StandardVolumeBonusPct  decimal.Decimal `json:"standard_volume_bonus_pct"`
	StandardVolumeThreshold int             `json:"standard_volume_threshold" validate:"min=0"`
	PremiumVolumeBonusPct   decimal.Decimal `json:"premium_volume_bonus_pct"`
	PremiumVolumeThreshold  int             `json:"premium_volume_threshold" validate:"min=0"`

	ObjectiveAmount decimal.Decimal `json:"objective_amount"`
	Bonus100To110   decimal.Decimal `json:"bonus_100_110"`
	Bonus111To125   decimal.Decimal `json:"bonus_111_125"`
	BonusAbove125   decimal.Decimal `json:"bonus_above_125"`

	LargeDealThreshold decimal.Decimal `json:"large_deal_threshold"`
	LargeDealBonus     decimal.Decimal `json:"large_deal_bonus"`

	FirstPremiumBonus decimal.Decimal `json:"first_premium_bonus"`
	ExclusivityBonus  decimal.Decimal `json:"exclusivity_bonus"`
	SLAThresholdPct   decimal.Decimal `json:"sla_threshold_pct"`
	SLABonusAmount    decimal.Decimal `json:"sla_bonus_amount"`

	IsActive *bool `json:"is_active,omitempty"`
}

// =============================================================================
// RULE FACTORY
// =============================================================================

// RuleFactory converts JSON rules to commission.Rule.
type RuleFactory struct {
	validate *validator.Validate
	newID    func() string
	now      func() time.Time
}

// NewRuleFactory creates a new rule factory.
func NewRuleFactory() *RuleFactory {
	return &RuleFactory{
		validate: NewValidator(),
		newID:    uuid.NewString,
		now:      time.Now,
	}
}

// ParseRule decodes, validates and converts a JSON rule. actorID is stamped
// as the rule's author.
func (f *RuleFactory) ParseRule(data []byte, actorID string) (*commission.Rule, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var rj RuleJSON
	if err := dec.Decode(&rj); err != nil {
		return nil, &commission.ValidationError{Message: fmt.Sprintf("failed to parse rule JSON: %v", err)}
	}
	return f.FromJSON(rj, actorID)
}

// FromJSON converts RuleJSON to commission.Rule.
func (f *RuleFactory) FromJSON(rj RuleJSON, actorID string) (*commission.Rule, error) {
	if err := f.validate.Struct(rj); err != nil {
		return nil, validationError(err)
	}

	id := rj.ID
	if id == "" {
		id = f.newID()
	}
	active := true
	if rj.IsActive != nil {
		active = *rj.IsActive
	}
	now := f.now().UTC()

	rule := &commission.Rule{
		ID:    commission.RuleID(id),
		Month: time.Month(*rj.Month),
		Year:  *rj.Year,

		StandardCommissionPct: *rj.StandardCommissionPct,
		PremiumCommissionPct:  *rj.PremiumCommissionPct,

		StandardVolumeBonusPct:  rj.StandardVolumeBonusPct,
		StandardVolumeThreshold: rj.StandardVolumeThreshold,
		PremiumVolumeBonusPct:   rj.PremiumVolumeBonusPct,
		PremiumVolumeThreshold:  rj.PremiumVolumeThreshold,

		ObjectiveAmount: rj.ObjectiveAmount,
		Bonus100To110:   rj.Bonus100To110,
		Bonus111To125:   rj.Bonus111To125,
		BonusAbove125:   rj.BonusAbove125,

		LargeDealThreshold: rj.LargeDealThreshold,
		LargeDealBonus:     rj.LargeDealBonus,

		FirstPremiumBonus: rj.FirstPremiumBonus,
		ExclusivityBonus:  rj.ExclusivityBonus,
		SLAThresholdPct:   rj.SLAThresholdPct,
		SLABonusAmount:    rj.SLABonusAmount,

		IsActive:  active,
		CreatedBy: actorID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := rule.Validate(); err != nil {
		return nil, err
	}
	return rule, nil
}

// ToJSON converts a Rule to RuleJSON.
func (f *RuleFactory) ToJSON(r commission.Rule) RuleJSON {
	month, year := int(r.Month), r.Year
	std, prem := r.StandardCommissionPct, r.PremiumCommissionPct
	active := r.IsActive

	return RuleJSON{
		ID:                      string(r.ID),
		Month:                   &month,
		Year:                    &year,
		StandardCommissionPct:   &std,
		PremiumCommissionPct:    &prem,
		StandardVolumeBonusPct:  r.StandardVolumeBonusPct,
		StandardVolumeThreshold: r.StandardVolumeThreshold,
		PremiumVolumeBonusPct:   r.PremiumVolumeBonusPct,
		PremiumVolumeThreshold:  r.PremiumVolumeThreshold,
		ObjectiveAmount:         r.ObjectiveAmount,
		Bonus100To110:           r.Bonus100To110,
		Bonus111To125:           r.Bonus111To125,
		BonusAbove125:           r.BonusAbove125,
		LargeDealThreshold:      r.LargeDealThreshold,
		LargeDealBonus:          r.LargeDealBonus,
		FirstPremiumBonus:       r.FirstPremiumBonus,
		ExclusivityBonus:        r.ExclusivityBonus,
		SLAThresholdPct:         r.SLAThresholdPct,
		SLABonusAmount:          r.SLABonusAmount,
		IsActive:                &active,
	}
}

// =============================================================================
// HELPERS
// =============================================================================

// validationError turns the first validator failure into a *ValidationError
// keyed by the JSON field name.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &commission.ValidationError{Message: err.Error()}
	}
	fe := verrs[0]
	msg := fe.Tag()
	if fe.Param() != "" {
		msg += "=" + fe.Param()
	}
	return &commission.ValidationError{Field: fe.Field(), Message: msg}
}

// NewValidator returns a validator that reports fields by their json name.
func NewValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}
