// Package preview computes the grid trigger prices and order sizes for a
// bot configuration against current market data. Everything here is pure:
// expected problems come back as Issues, never as errors.
package preview

import (
	"fmt"

	"gridbot/internal/config"
	"gridbot/internal/core"

	"github.com/shopspring/decimal"
)

// Issue codes surfaced by Calculate.
const (
	IssueBelowMinAmount   = "BELOW_MIN_AMOUNT"
	IssueBelowMinNotional = "BELOW_MIN_NOTIONAL"
	IssueMissingBasePrice = "MISSING_BASE_PRICE"
	IssueNoQuoteBalance   = "NO_QUOTE_BALANCE"
)

// Issue is one preflight problem found while computing the preview.
type Issue struct {
	Code    string
	Side    core.Side // zero value when the issue is side-independent
	Message string
}

// SideOrder is the computed order leg for one side of the grid.
type SideOrder struct {
	Side   core.Side
	Price  decimal.Decimal
	Amount decimal.Decimal // base asset quantity
}

// Result is the full preview for one bot configuration.
type Result struct {
	BasePrice        decimal.Decimal
	BuyTriggerPrice  decimal.Decimal
	SellTriggerPrice decimal.Decimal
	Buy              *SideOrder
	Sell             *SideOrder
	Issues           []Issue
}

// HasIssue reports whether any issue with the given code was found.
func (r *Result) HasIssue(code string) bool {
	for _, is := range r.Issues {
		if is.Code == code {
			return true
		}
	}
	return false
}

// Input gathers the market context the preview needs.
type Input struct {
	Config       *config.BotConfig
	Market       *core.MarketInfo
	Ticker       *core.Ticker
	QuoteBalance decimal.Decimal // free quote balance, used by percent sizing
}

var hundred = decimal.NewFromInt(100)

// Calculate computes trigger prices and sized legs. Calling it twice with
// the same input yields the same result.
func Calculate(in Input) *Result {
	res := &Result{}

	base, ok := basePrice(in.Config, in.Ticker)
	if !ok {
		res.Issues = append(res.Issues, Issue{
			Code:    IssueMissingBasePrice,
			Message: "manual base price type requires trigger.basePrice",
		})
		return res
	}
	res.BasePrice = base

	res.BuyTriggerPrice, res.SellTriggerPrice = triggerPrices(in.Config, base)
	if in.Market != nil && in.Market.PricePrec > 0 {
		res.BuyTriggerPrice = res.BuyTriggerPrice.Round(in.Market.PricePrec)
		res.SellTriggerPrice = res.SellTriggerPrice.Round(in.Market.PricePrec)
	}

	for _, side := range []core.Side{core.SideBuy, core.SideSell} {
		price := res.BuyTriggerPrice
		if side == core.SideSell {
			price = res.SellTriggerPrice
		}
		leg, issues := sizeLeg(in, side, price)
		res.Issues = append(res.Issues, issues...)
		if side == core.SideBuy {
			res.Buy = leg
		} else {
			res.Sell = leg
		}
	}
	return res
}

// basePrice resolves the anchor price per basePriceType.
func basePrice(cfg *config.BotConfig, ticker *core.Ticker) (decimal.Decimal, bool) {
	switch cfg.Trigger.BasePriceType {
	case config.BasePriceManual:
		if cfg.Trigger.BasePrice == nil {
			return decimal.Zero, false
		}
		return *cfg.Trigger.BasePrice, true
	default: // current
		if ticker == nil {
			return decimal.Zero, false
		}
		return ticker.Last, true
	}
}

// triggerPrices applies the grid offsets. For percent grids the offsets are
// percent points of the base; for price grids they are absolute deltas.
func triggerPrices(cfg *config.BotConfig, base decimal.Decimal) (buy, sell decimal.Decimal) {
	fallBuy := decimal.Zero
	if cfg.Trigger.FallBuy != nil {
		fallBuy = *cfg.Trigger.FallBuy
	}
	riseSell := decimal.Zero
	if cfg.Trigger.RiseSell != nil {
		riseSell = *cfg.Trigger.RiseSell
	}

	if cfg.Trigger.GridType == config.GridTypePrice {
		return base.Sub(fallBuy), base.Add(riseSell)
	}
	buy = base.Mul(decimal.NewFromInt(1).Sub(fallBuy.Div(hundred)))
	sell = base.Mul(decimal.NewFromInt(1).Add(riseSell.Div(hundred)))
	return buy, sell
}

// sizeLeg converts the configured quantity for side into a base-asset
// amount at price and checks the exchange minimums.
func sizeLeg(in Input, side core.Side, price decimal.Decimal) (*SideOrder, []Issue) {
	if price.IsZero() {
		return nil, nil
	}

	qty := in.Config.Quantity(string(side))
	if qty.IsZero() {
		return nil, nil
	}

	// Quantity is quote notional; percent mode derives it from the balance.
	notional := qty
	if in.Config.Sizing.AmountMode == config.AmountModePercent {
		if in.QuoteBalance.IsZero() {
			return nil, []Issue{{
				Code:    IssueNoQuoteBalance,
				Side:    side,
				Message: fmt.Sprintf("%s sizing needs a free quote balance", side),
			}}
		}
		notional = in.QuoteBalance.Mul(qty.Div(hundred))
	}

	amount := notional.Div(price)
	if in.Market != nil && in.Market.AmountPrec > 0 {
		amount = amount.RoundDown(in.Market.AmountPrec)
	}

	leg := &SideOrder{Side: side, Price: price, Amount: amount}
	var issues []Issue
	if in.Market != nil {
		if !in.Market.MinAmount.IsZero() && amount.LessThan(in.Market.MinAmount) {
			issues = append(issues, Issue{
				Code: IssueBelowMinAmount,
				Side: side,
				Message: fmt.Sprintf("amount %s below exchange minimum %s",
					amount, in.Market.MinAmount),
			})
		}
		if !in.Market.MinNotional.IsZero() && amount.Mul(price).LessThan(in.Market.MinNotional) {
			issues = append(issues, Issue{
				Code: IssueBelowMinNotional,
				Side: side,
				Message: fmt.Sprintf("notional %s below exchange minimum %s",
					amount.Mul(price), in.Market.MinNotional),
			})
		}
	}
	return leg, issues
}

// NextLeg computes the follow-up order after a fill: the opposite side,
// anchored on the fill price instead of the original base.
func NextLeg(in Input, fillPrice decimal.Decimal, filledSide core.Side) (*SideOrder, []Issue) {
	side := filledSide.Opposite()

	anchored := *in.Config
	anchored.Trigger.BasePriceType = config.BasePriceManual
	fp := fillPrice
	anchored.Trigger.BasePrice = &fp
	in.Config = &anchored

	res := Calculate(in)
	if side == core.SideBuy {
		return res.Buy, res.Issues
	}
	return res.Sell, res.Issues
}
