package config

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Grid and base-price type domains for bot configs.
const (
	GridTypePercent = "percent"
	GridTypePrice   = "price"

	BasePriceCurrent = "current"
	BasePriceManual  = "manual"
	// Present in stored configs but unsupported in this version; both fail
	// validation at start time.
	BasePriceCost   = "cost"
	BasePriceAvg24h = "avg_24h"

	AmountModeAmount  = "amount"
	AmountModePercent = "percent"
)

// BotConfig is the parsed shape of Bot.ConfigJSON. Unknown fields are
// ignored for forward compatibility.
type BotConfig struct {
	SchemaVersion int           `json:"schemaVersion"`
	Trigger       TriggerConfig `json:"trigger"`
	Order         OrderConfig   `json:"order"`
	Sizing        SizingConfig  `json:"sizing"`
	Risk          RiskConfig    `json:"risk"`
}

// TriggerConfig describes how the entry triggers are derived from the base price.
type TriggerConfig struct {
	GridType      string           `json:"gridType"`
	BasePriceType string           `json:"basePriceType"`
	BasePrice     *decimal.Decimal `json:"basePrice,omitempty"`
	RiseSell      *decimal.Decimal `json:"riseSell,omitempty"`
	FallBuy       *decimal.Decimal `json:"fallBuy,omitempty"`
	PriceMin      *decimal.Decimal `json:"priceMin,omitempty"`
	PriceMax      *decimal.Decimal `json:"priceMax,omitempty"`
}

// OrderConfig describes the order type. V1 supports limit only.
type OrderConfig struct {
	OrderType string `json:"orderType"`
}

// SizingConfig describes how order quantities are derived.
type SizingConfig struct {
	AmountMode    string            `json:"amountMode"`
	GridSymmetric bool              `json:"gridSymmetric"`
	Symmetric     *SymmetricSizing  `json:"symmetric,omitempty"`
	Asymmetric    *AsymmetricSizing `json:"asymmetric,omitempty"`
}

// SymmetricSizing shares one quantity across both sides.
type SymmetricSizing struct {
	OrderQuantity decimal.Decimal `json:"orderQuantity"`
}

// AsymmetricSizing uses per-side quantities.
type AsymmetricSizing struct {
	BuyQuantity  decimal.Decimal `json:"buyQuantity"`
	SellQuantity decimal.Decimal `json:"sellQuantity"`
}

// RiskConfig holds the per-bot risk gates.
type RiskConfig struct {
	EnableBuy                *bool            `json:"enableBuy,omitempty"`
	EnableSell               *bool            `json:"enableSell,omitempty"`
	EnableFloorPrice         bool             `json:"enableFloorPrice"`
	FloorPrice               *decimal.Decimal `json:"floorPrice,omitempty"`
	EnableAutoClose          bool             `json:"enableAutoClose"`
	AutoCloseDrawdownPercent *decimal.Decimal `json:"autoCloseDrawdownPercent,omitempty"`
}

// BuyEnabled defaults to true when unset.
func (r RiskConfig) BuyEnabled() bool {
	return r.EnableBuy == nil || *r.EnableBuy
}

// SellEnabled defaults to true when unset.
func (r RiskConfig) SellEnabled() bool {
	return r.EnableSell == nil || *r.EnableSell
}

var hundred = decimal.NewFromInt(100)

// ParseBotConfig parses and normalises a bot's configJson. Percent-semantic
// fields of schemaVersion >= 2 arrive as ratios (0.02 = 2%) and are scaled
// to percent points so the rest of the system sees one convention.
func ParseBotConfig(raw string) (*BotConfig, error) {
	var cfg BotConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("invalid bot config json: %w", err)
	}

	if cfg.SchemaVersion == 0 {
		cfg.SchemaVersion = 1
	}
	if cfg.Trigger.GridType == "" {
		cfg.Trigger.GridType = GridTypePercent
	}
	if cfg.Order.OrderType == "" {
		cfg.Order.OrderType = "limit"
	}
	if cfg.Sizing.AmountMode == "" {
		cfg.Sizing.AmountMode = AmountModeAmount
	}

	if cfg.SchemaVersion >= 2 {
		scale := func(d *decimal.Decimal) *decimal.Decimal {
			if d == nil {
				return nil
			}
			v := d.Mul(hundred)
			return &v
		}
		if cfg.Trigger.GridType == GridTypePercent {
			cfg.Trigger.RiseSell = scale(cfg.Trigger.RiseSell)
			cfg.Trigger.FallBuy = scale(cfg.Trigger.FallBuy)
		}
		cfg.Risk.AutoCloseDrawdownPercent = scale(cfg.Risk.AutoCloseDrawdownPercent)
		if cfg.Sizing.AmountMode == AmountModePercent {
			if cfg.Sizing.Symmetric != nil {
				cfg.Sizing.Symmetric.OrderQuantity = cfg.Sizing.Symmetric.OrderQuantity.Mul(hundred)
			}
			if cfg.Sizing.Asymmetric != nil {
				cfg.Sizing.Asymmetric.BuyQuantity = cfg.Sizing.Asymmetric.BuyQuantity.Mul(hundred)
				cfg.Sizing.Asymmetric.SellQuantity = cfg.Sizing.Asymmetric.SellQuantity.Mul(hundred)
			}
		}
	}

	return &cfg, nil
}

// Validate enforces the start-time rules: supported grid/base-price types,
// limit orders only, required fields per mode.
func (c *BotConfig) Validate() error {
	if c.Trigger.GridType != GridTypePercent && c.Trigger.GridType != GridTypePrice {
		return ValidationError{Field: "trigger.gridType", Value: c.Trigger.GridType, Message: "must be 'percent' or 'price'"}
	}

	switch c.Trigger.BasePriceType {
	case BasePriceCurrent, BasePriceManual:
	case BasePriceCost, BasePriceAvg24h:
		return ValidationError{Field: "trigger.basePriceType", Value: c.Trigger.BasePriceType, Message: "not supported in this version"}
	default:
		return ValidationError{Field: "trigger.basePriceType", Value: c.Trigger.BasePriceType, Message: "must be 'current' or 'manual'"}
	}

	if c.Trigger.BasePriceType == BasePriceManual {
		if c.Trigger.BasePrice == nil || c.Trigger.BasePrice.LessThanOrEqual(decimal.Zero) {
			return ValidationError{Field: "trigger.basePrice", Message: "required and positive when basePriceType is 'manual'"}
		}
	}

	if c.Order.OrderType != "limit" {
		return ValidationError{Field: "order.orderType", Value: c.Order.OrderType, Message: "only 'limit' is supported"}
	}

	if c.Sizing.AmountMode != AmountModeAmount && c.Sizing.AmountMode != AmountModePercent {
		return ValidationError{Field: "sizing.amountMode", Value: c.Sizing.AmountMode, Message: "must be 'amount' or 'percent'"}
	}
	if c.Sizing.GridSymmetric {
		if c.Sizing.Symmetric == nil || c.Sizing.Symmetric.OrderQuantity.LessThanOrEqual(decimal.Zero) {
			return ValidationError{Field: "sizing.symmetric.orderQuantity", Message: "required and positive for symmetric sizing"}
		}
	} else {
		if c.Sizing.Asymmetric == nil {
			return ValidationError{Field: "sizing.asymmetric", Message: "required for asymmetric sizing"}
		}
		if c.Sizing.Asymmetric.BuyQuantity.LessThanOrEqual(decimal.Zero) || c.Sizing.Asymmetric.SellQuantity.LessThanOrEqual(decimal.Zero) {
			return ValidationError{Field: "sizing.asymmetric", Message: "per-side quantities must be positive"}
		}
	}

	if c.Risk.EnableFloorPrice && (c.Risk.FloorPrice == nil || c.Risk.FloorPrice.LessThanOrEqual(decimal.Zero)) {
		return ValidationError{Field: "risk.floorPrice", Message: "required and positive when floor price is enabled"}
	}
	if c.Risk.EnableAutoClose && (c.Risk.AutoCloseDrawdownPercent == nil || c.Risk.AutoCloseDrawdownPercent.LessThanOrEqual(decimal.Zero)) {
		return ValidationError{Field: "risk.autoCloseDrawdownPercent", Message: "required and positive when auto-close is enabled"}
	}

	return nil
}

// Quantity returns the configured quantity for side ("buy"/"sell").
func (c *BotConfig) Quantity(side string) decimal.Decimal {
	if c.Sizing.GridSymmetric {
		if c.Sizing.Symmetric == nil {
			return decimal.Zero
		}
		return c.Sizing.Symmetric.OrderQuantity
	}
	if c.Sizing.Asymmetric == nil {
		return decimal.Zero
	}
	if side == "buy" {
		return c.Sizing.Asymmetric.BuyQuantity
	}
	return c.Sizing.Asymmetric.SellQuantity
}
