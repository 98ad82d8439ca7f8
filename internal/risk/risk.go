// Package risk holds the pure risk decisions (AutoClose, floor, bounds,
// side gates) and the services that persist their outcomes.
package risk

import (
	"fmt"

	"gridbot/internal/config"
	"gridbot/internal/core"

	"github.com/shopspring/decimal"
)

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// AutoCloseDecision is the outcome of the pure drawdown check.
type AutoCloseDecision struct {
	ShouldTrigger   bool
	Threshold       decimal.Decimal
	DrawdownPercent string // observed drawdown, 2 decimals
}

// EvaluateAutoClose computes the drawdown decision. Equality with the
// threshold triggers. Already-triggered runs never re-trigger.
func EvaluateAutoClose(cfg config.RiskConfig, referencePrice, lastPrice decimal.Decimal, alreadyTriggered bool) AutoCloseDecision {
	if !cfg.EnableAutoClose || cfg.AutoCloseDrawdownPercent == nil || alreadyTriggered {
		return AutoCloseDecision{}
	}
	if referencePrice.IsZero() {
		return AutoCloseDecision{}
	}

	threshold := referencePrice.Mul(one.Sub(cfg.AutoCloseDrawdownPercent.Div(hundred)))
	drawdown := referencePrice.Sub(lastPrice).Div(referencePrice).Mul(hundred)

	return AutoCloseDecision{
		ShouldTrigger:   lastPrice.LessThanOrEqual(threshold),
		Threshold:       threshold,
		DrawdownPercent: drawdown.StringFixed(2),
	}
}

// WithinBounds reports whether last sits inside the configured price
// bounds. An absent bound on a side always passes.
func WithinBounds(trigger config.TriggerConfig, last decimal.Decimal) bool {
	if trigger.PriceMin != nil && last.LessThan(*trigger.PriceMin) {
		return false
	}
	if trigger.PriceMax != nil && last.GreaterThan(*trigger.PriceMax) {
		return false
	}
	return true
}

// FloorDecision is the outcome of the floor-price check.
type FloorDecision struct {
	// BlockBuy blocks buy submissions while the price sits below the floor.
	BlockBuy bool
	// StopLoss requests a STOPPING transition with a STOP_LOSS reason.
	StopLoss bool
	Reason   string
}

// EvaluateFloor checks last against the configured floor. The floor only
// ever constrains buys; sells are never blocked.
func EvaluateFloor(cfg config.RiskConfig, last decimal.Decimal) FloorDecision {
	if !cfg.EnableFloorPrice || cfg.FloorPrice == nil {
		return FloorDecision{}
	}
	if last.GreaterThanOrEqual(*cfg.FloorPrice) {
		return FloorDecision{}
	}
	return FloorDecision{
		BlockBuy: true,
		StopLoss: true,
		Reason:   fmt.Sprintf("STOP_LOSS: last=%s < floorPrice=%s", last, cfg.FloorPrice),
	}
}

// SideEnabled reports whether the configured gates allow submitting side.
func SideEnabled(cfg config.RiskConfig, side core.Side) bool {
	if side == core.SideBuy {
		return cfg.BuyEnabled()
	}
	return cfg.SellEnabled()
}
