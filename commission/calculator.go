/*
calculator.go - Pure commission calculation

PURPOSE:
  Turns one Rule and one seller's won deals for the rule's month into a
  Breakdown: aggregate commission and bonus components plus one Detail line
  per deal. No I/O, no clock, no randomness.

ALGORITHM:
  1. Partition deals by tier (standard / premium)
  2. Revenue per tier, total revenue
  3. Base commission per tier: revenue * pct / 100
  4. Volume bonus per tier when count >= threshold (both may apply)
  5. Objective bonus, highest matching tier only:
       >= 125% -> BonusAbove125
       >= 111% -> Bonus111To125
       >= 100% -> Bonus100To110
     objective <= 0 disables the bonus
  6. Large-deal bonus: LargeDealBonus per deal >= LargeDealThreshold, uncapped
  7. SLA bonus: delegated to an SLABonusRule (NoSLABonus by default)
  8. Total = sum of the six components
  9. Detail lines at the tier's base rate only

ROUNDING:
  Each component is rounded half-even to CurrencyPlaces after computing.
  Percentages are never rounded.

EXAMPLE:
  calc := commission.NewCalculator()
  b, err := calc.Calculate(rule, deals)
  // b.TotalCommission, b.Details

SEE ALSO:
  - bonus.go: SLABonusRule extension point
  - orchestrator.go: Filters deals and persists the Breakdown
*/
package commission

import (
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	objectiveTier100 = decimal.NewFromInt(100)
	objectiveTier111 = decimal.NewFromInt(111)
	objectiveTier125 = decimal.NewFromInt(125)
)

// Breakdown is the result of one calculation.
type Breakdown struct {
	RevenueStandard    decimal.Decimal
	RevenuePremium     decimal.Decimal
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

	// AchievedPct is zero when the rule has no objective.
	AchievedPct decimal.Decimal
	// LargeDeals counts deals that earned the large-deal bonus.
	LargeDeals int

	Details []Detail
}

// ApplyTo copies the computed figures onto a payout, leaving identity,
// status and audit fields alone.
func (b *Breakdown) ApplyTo(p *Payout) {
	p.TotalRevenueClosed = b.TotalRevenueClosed
	p.NbDealsStandard = b.NbDealsStandard
	p.NbDealsPremium = b.NbDealsPremium
	p.CommissionStandard = b.CommissionStandard
	p.CommissionPremium = b.CommissionPremium
	p.BonusVolume = b.BonusVolume
	p.BonusObjective = b.BonusObjective
	p.BonusSLA = b.BonusSLA
	p.BonusSpecial = b.BonusSpecial
	p.TotalCommission = b.TotalCommission
}

// Calculator computes commission breakdowns.
type Calculator struct {
	SLA SLABonusRule
}

// NewCalculator returns a calculator with the SLA bonus disabled.
func NewCalculator() *Calculator {
	return &Calculator{SLA: NoSLABonus{}}
}

// Calculate computes the breakdown for one seller.
// Deals that are not won are ignored; a deal with an unknown tier or a
// negative value is rejected.
func (c *Calculator) Calculate(rule Rule, deals []Deal) (*Breakdown, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}

	var won, standard, premium []Deal
	for _, d := range deals {
		if d.Stage != "" && d.Stage != StageWon {
			continue
		}
		if d.FinalValue.IsNegative() {
			return nil, &ValidationError{Field: "final_value", Message: fmt.Sprintf("deal %s has a negative value", d.ID)}
		}
		switch d.Tier {
		case TierStandard:
			standard = append(standard, d)
		case TierPremium:
			premium = append(premium, d)
		default:
			return nil, &ValidationError{Field: "tier", Message: fmt.Sprintf("deal %s has unknown tier %q", d.ID, d.Tier)}
		}
		won = append(won, d)
	}

	b := &Breakdown{
		RevenueStandard: sumValues(standard),
		RevenuePremium:  sumValues(premium),
		NbDealsStandard: len(standard),
		NbDealsPremium:  len(premium),
	}
	b.TotalRevenueClosed = b.RevenueStandard.Add(b.RevenuePremium)

	// Base commission
	b.CommissionStandard = PercentOf(b.RevenueStandard, rule.StandardCommissionPct)
	b.CommissionPremium = PercentOf(b.RevenuePremium, rule.PremiumCommissionPct)

	// Volume bonus, per tier
	b.BonusVolume = decimal.Zero
	if len(standard) >= rule.StandardVolumeThreshold {
		b.BonusVolume = b.BonusVolume.Add(PercentOf(b.RevenueStandard, rule.StandardVolumeBonusPct))
	}
	if len(premium) >= rule.PremiumVolumeThreshold {
		b.BonusVolume = b.BonusVolume.Add(PercentOf(b.RevenuePremium, rule.PremiumVolumeBonusPct))
	}

	b.AchievedPct, b.BonusObjective = objectiveBonus(rule, b.TotalRevenueClosed)

	// Large-deal bonus, per qualifying deal regardless of tier
	b.BonusSpecial = decimal.Zero
	for _, d := range won {
		if d.FinalValue.GreaterThanOrEqual(rule.LargeDealThreshold) {
			b.BonusSpecial = b.BonusSpecial.Add(rule.LargeDealBonus)
			b.LargeDeals++
		}
	}

	sla := c.SLA
	if sla == nil {
		sla = NoSLABonus{}
	}
	slaBonus, err := sla.Bonus(rule, won)
	if err != nil {
		return nil, fmt.Errorf("sla bonus: %w", err)
	}
	if slaBonus.IsNegative() {
		return nil, &ValidationError{Field: "bonus_sla", Message: "sla rule returned a negative bonus"}
	}
	b.BonusSLA = slaBonus.RoundBank(CurrencyPlaces)

	b.TotalCommission = b.CommissionStandard.
		Add(b.CommissionPremium).
		Add(b.BonusVolume).
		Add(b.BonusObjective).
		Add(b.BonusSLA).
		Add(b.BonusSpecial)

	b.Details = make([]Detail, 0, len(won))
	for _, d := range won {
		rate := rule.StandardCommissionPct
		if d.Tier == TierPremium {
			rate = rule.PremiumCommissionPct
		}
		b.Details = append(b.Details, Detail{
			DealID:           d.ID,
			DealValue:        d.FinalValue,
			DealTier:         d.Tier,
			CloseDate:        d.CloseDate,
			CommissionRate:   rate,
			CommissionAmount: PercentOf(d.FinalValue, rate),
		})
	}

	return b, nil
}

// objectiveBonus returns the achievement percentage and the flat bonus of the
// highest tier reached.
func objectiveBonus(rule Rule, revenue decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	if !rule.ObjectiveAmount.IsPositive() {
		return decimal.Zero, decimal.Zero
	}

	achieved := revenue.Mul(hundred).Div(rule.ObjectiveAmount)
	switch {
	case achieved.GreaterThanOrEqual(objectiveTier125):
		return achieved, rule.BonusAbove125
	case achieved.GreaterThanOrEqual(objectiveTier111):
		return achieved, rule.Bonus111To125
	case achieved.GreaterThanOrEqual(objectiveTier100):
		return achieved, rule.Bonus100To110
	default:
		return achieved, decimal.Zero
	}
}

func sumValues(deals []Deal) decimal.Decimal {
	total := decimal.Zero
	for _, d := range deals {
		total = total.Add(d.FinalValue)
	}
	return total
}
