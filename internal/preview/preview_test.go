package preview

import (
	"testing"
	"time"

	"gridbot/internal/config"
	"gridbot/internal/core"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func market() *core.MarketInfo {
	return &core.MarketInfo{
		Symbol:      "BNB/USDT",
		BaseAsset:   "BNB",
		QuoteAsset:  "USDT",
		MinAmount:   d("0.01"),
		MinNotional: d("10"),
		PricePrec:   2,
		AmountPrec:  4,
	}
}

func ticker(last string) *core.Ticker {
	return &core.Ticker{Symbol: "BNB/USDT", Last: d(last), Timestamp: time.Now()}
}

func percentConfig(t *testing.T) *config.BotConfig {
	t.Helper()
	cfg, err := config.ParseBotConfig(`{
		"trigger": {"gridType": "percent", "basePriceType": "current", "fallBuy": "2", "riseSell": "2"},
		"sizing": {"amountMode": "amount", "gridSymmetric": true, "symmetric": {"orderQuantity": "100"}}
	}`)
	require.NoError(t, err)
	return cfg
}

func TestPercentGridTriggers(t *testing.T) {
	res := Calculate(Input{
		Config: percentConfig(t),
		Market: market(),
		Ticker: ticker("500"),
	})

	assert.Empty(t, res.Issues)
	assert.True(t, res.BasePrice.Equal(d("500")))
	assert.True(t, res.BuyTriggerPrice.Equal(d("490")), "got %s", res.BuyTriggerPrice)
	assert.True(t, res.SellTriggerPrice.Equal(d("510")), "got %s", res.SellTriggerPrice)

	// 100 USDT notional at 490 = 0.2040 BNB after rounding down to 4 dp.
	require.NotNil(t, res.Buy)
	assert.True(t, res.Buy.Amount.Equal(d("0.2040")), "got %s", res.Buy.Amount)
	require.NotNil(t, res.Sell)
	assert.True(t, res.Sell.Amount.Equal(d("0.1960")), "got %s", res.Sell.Amount)
}

func TestPriceGridTriggers(t *testing.T) {
	cfg, err := config.ParseBotConfig(`{
		"trigger": {"gridType": "price", "basePriceType": "manual", "basePrice": "600", "fallBuy": "15", "riseSell": "25"},
		"sizing": {"amountMode": "amount", "gridSymmetric": true, "symmetric": {"orderQuantity": "100"}}
	}`)
	require.NoError(t, err)

	res := Calculate(Input{Config: cfg, Market: market(), Ticker: ticker("601")})
	assert.True(t, res.BasePrice.Equal(d("600")))
	assert.True(t, res.BuyTriggerPrice.Equal(d("585")))
	assert.True(t, res.SellTriggerPrice.Equal(d("625")))
}

func TestPercentSizingUsesQuoteBalance(t *testing.T) {
	cfg, err := config.ParseBotConfig(`{
		"trigger": {"gridType": "percent", "basePriceType": "current", "fallBuy": "2", "riseSell": "2"},
		"sizing": {"amountMode": "percent", "gridSymmetric": true, "symmetric": {"orderQuantity": "10"}}
	}`)
	require.NoError(t, err)

	res := Calculate(Input{
		Config:       cfg,
		Market:       market(),
		Ticker:       ticker("500"),
		QuoteBalance: d("1000"),
	})
	// 10% of 1000 = 100 USDT at 490 = 0.2040 BNB.
	require.NotNil(t, res.Buy)
	assert.True(t, res.Buy.Amount.Equal(d("0.2040")), "got %s", res.Buy.Amount)

	empty := Calculate(Input{Config: cfg, Market: market(), Ticker: ticker("500")})
	assert.True(t, empty.HasIssue(IssueNoQuoteBalance))
}

func TestMinimumChecks(t *testing.T) {
	cfg, err := config.ParseBotConfig(`{
		"trigger": {"gridType": "percent", "basePriceType": "current", "fallBuy": "2", "riseSell": "2"},
		"sizing": {"amountMode": "amount", "gridSymmetric": true, "symmetric": {"orderQuantity": "1"}}
	}`)
	require.NoError(t, err)

	res := Calculate(Input{Config: cfg, Market: market(), Ticker: ticker("500")})
	assert.True(t, res.HasIssue(IssueBelowMinAmount))
	assert.True(t, res.HasIssue(IssueBelowMinNotional))
}

func TestManualBasePriceMissing(t *testing.T) {
	cfg := percentConfig(t)
	cfg.Trigger.BasePriceType = config.BasePriceManual
	cfg.Trigger.BasePrice = nil

	res := Calculate(Input{Config: cfg, Market: market(), Ticker: ticker("500")})
	assert.True(t, res.HasIssue(IssueMissingBasePrice))
	assert.Nil(t, res.Buy)
}

func TestCalculateIsPure(t *testing.T) {
	in := Input{Config: percentConfig(t), Market: market(), Ticker: ticker("500")}
	a := Calculate(in)
	b := Calculate(in)
	assert.True(t, a.BuyTriggerPrice.Equal(b.BuyTriggerPrice))
	assert.True(t, a.SellTriggerPrice.Equal(b.SellTriggerPrice))
	assert.True(t, a.Buy.Amount.Equal(b.Buy.Amount))
}

func TestNextLegFlipsSideAndAnchorsOnFill(t *testing.T) {
	in := Input{Config: percentConfig(t), Market: market(), Ticker: ticker("500")}

	leg, issues := NextLeg(in, d("490"), core.SideBuy)
	assert.Empty(t, issues)
	require.NotNil(t, leg)
	assert.Equal(t, core.SideSell, leg.Side)
	// 490 * 1.02 = 499.8
	assert.True(t, leg.Price.Equal(d("499.8")), "got %s", leg.Price)
}
