package commission

import "github.com/shopspring/decimal"

// SLABonusRule computes the SLA component of a payout. Implementations see the
// full rule (SLAThresholdPct, SLABonusAmount) and the seller's won deals for
// the period. The returned amount must not be negative.
type SLABonusRule interface {
	Bonus(rule Rule, deals []Deal) (decimal.Decimal, error)
}

// NoSLABonus is the default rule: no SLA criteria are defined yet, so the
// component is always zero.
type NoSLABonus struct{}

func (NoSLABonus) Bonus(Rule, []Deal) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

// SLABonusFunc adapts a function to SLABonusRule.
type SLABonusFunc func(rule Rule, deals []Deal) (decimal.Decimal, error)

func (f SLABonusFunc) Bonus(rule Rule, deals []Deal) (decimal.Decimal, error) {
	return f(rule, deals)
}
