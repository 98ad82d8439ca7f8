package config

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestParseBotConfigDefaults(t *testing.T) {
	cfg, err := ParseBotConfig(`{"trigger": {"basePriceType": "current", "riseSell": "2", "fallBuy": "2"}, "sizing": {"gridSymmetric": true, "symmetric": {"orderQuantity": "100"}}}`)
	require.NoError(t, err)
	require.Equal(t, 1, cfg.SchemaVersion)
	require.Equal(t, GridTypePercent, cfg.Trigger.GridType)
	require.Equal(t, "limit", cfg.Order.OrderType)
	require.Equal(t, AmountModeAmount, cfg.Sizing.AmountMode)
	require.NoError(t, cfg.Validate())
}

func TestParseBotConfigV2ScalesRatios(t *testing.T) {
	raw := `{
		"schemaVersion": 2,
		"trigger": {"gridType": "percent", "basePriceType": "current", "riseSell": "0.02", "fallBuy": "0.03"},
		"sizing": {"amountMode": "percent", "gridSymmetric": true, "symmetric": {"orderQuantity": "0.1"}},
		"risk": {"enableAutoClose": true, "autoCloseDrawdownPercent": "0.15"}
	}`
	cfg, err := ParseBotConfig(raw)
	require.NoError(t, err)
	require.True(t, cfg.Trigger.RiseSell.Equal(decimal.NewFromInt(2)))
	require.True(t, cfg.Trigger.FallBuy.Equal(decimal.NewFromInt(3)))
	require.True(t, cfg.Risk.AutoCloseDrawdownPercent.Equal(decimal.NewFromInt(15)))
	require.True(t, cfg.Sizing.Symmetric.OrderQuantity.Equal(decimal.NewFromInt(10)))
}

func TestParseBotConfigV2PriceGridNotScaled(t *testing.T) {
	raw := `{
		"schemaVersion": 2,
		"trigger": {"gridType": "price", "basePriceType": "current", "riseSell": "5", "fallBuy": "5"},
		"sizing": {"gridSymmetric": true, "symmetric": {"orderQuantity": "100"}}
	}`
	cfg, err := ParseBotConfig(raw)
	require.NoError(t, err)
	require.True(t, cfg.Trigger.RiseSell.Equal(decimal.NewFromInt(5)))
}

func TestValidateRejectsUnsupportedBasePriceTypes(t *testing.T) {
	for _, bpt := range []string{BasePriceCost, BasePriceAvg24h} {
		cfg, err := ParseBotConfig(`{"trigger": {"basePriceType": "` + bpt + `"}, "sizing": {"gridSymmetric": true, "symmetric": {"orderQuantity": "100"}}}`)
		require.NoError(t, err)
		err = cfg.Validate()
		require.Error(t, err)
		var verr ValidationError
		require.ErrorAs(t, err, &verr)
		require.Equal(t, "trigger.basePriceType", verr.Field)
	}
}

func TestValidateManualNeedsBasePrice(t *testing.T) {
	cfg, err := ParseBotConfig(`{"trigger": {"basePriceType": "manual"}, "sizing": {"gridSymmetric": true, "symmetric": {"orderQuantity": "100"}}}`)
	require.NoError(t, err)
	require.Error(t, cfg.Validate())

	cfg, err = ParseBotConfig(`{"trigger": {"basePriceType": "manual", "basePrice": "500"}, "sizing": {"gridSymmetric": true, "symmetric": {"orderQuantity": "100"}}}`)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsNonLimitOrders(t *testing.T) {
	cfg, err := ParseBotConfig(`{"trigger": {"basePriceType": "current"}, "order": {"orderType": "market"}, "sizing": {"gridSymmetric": true, "symmetric": {"orderQuantity": "100"}}}`)
	require.NoError(t, err)
	err = cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "order.orderType")
}

func TestValidateSizingModes(t *testing.T) {
	cfg, err := ParseBotConfig(`{"trigger": {"basePriceType": "current"}, "sizing": {"gridSymmetric": false}}`)
	require.NoError(t, err)
	require.Error(t, cfg.Validate())

	cfg, err = ParseBotConfig(`{"trigger": {"basePriceType": "current"}, "sizing": {"gridSymmetric": false, "asymmetric": {"buyQuantity": "50", "sellQuantity": "60"}}}`)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	require.True(t, cfg.Quantity("buy").Equal(decimal.NewFromInt(50)))
	require.True(t, cfg.Quantity("sell").Equal(decimal.NewFromInt(60)))
}

func TestValidateRiskGates(t *testing.T) {
	cfg, err := ParseBotConfig(`{"trigger": {"basePriceType": "current"}, "sizing": {"gridSymmetric": true, "symmetric": {"orderQuantity": "100"}}, "risk": {"enableFloorPrice": true}}`)
	require.NoError(t, err)
	require.Error(t, cfg.Validate())

	cfg, err = ParseBotConfig(`{"trigger": {"basePriceType": "current"}, "sizing": {"gridSymmetric": true, "symmetric": {"orderQuantity": "100"}}, "risk": {"enableAutoClose": true}}`)
	require.NoError(t, err)
	require.Error(t, cfg.Validate())
}

func TestSideGateDefaults(t *testing.T) {
	var r RiskConfig
	require.True(t, r.BuyEnabled())
	require.True(t, r.SellEnabled())

	off := false
	r.EnableSell = &off
	require.False(t, r.SellEnabled())
	require.True(t, r.BuyEnabled())
}
