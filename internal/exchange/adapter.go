// Package exchange provides the exchange adapters the control plane trades
// through: a deterministic simulator and an HTTP gateway for real venues.
package exchange

import (
	"context"
	"time"

	"gridbot/internal/core"

	"github.com/shopspring/decimal"
)

// OrderRequest is the payload for CreateOrder. ClientOrderID is the
// idempotency key: resubmitting the same id must not create a second order.
type OrderRequest struct {
	Symbol        string
	ClientOrderID string
	Side          core.Side
	Type          core.OrderType
	Price         decimal.Decimal
	Amount        decimal.Decimal
}

// OrderAck is the exchange acknowledgement of a created order.
type OrderAck struct {
	ExchangeOrderID string
	Status          core.OrderStatus
	FilledAmount    decimal.Decimal
	AvgFillPrice    decimal.Decimal
}

// Adapter is the venue-facing surface. Implementations normalize venue
// errors into apperrors.ExchangeError so callers can branch on Code.
type Adapter interface {
	Name() string

	GetTicker(ctx context.Context, symbol string) (*core.Ticker, error)
	GetMarketInfo(ctx context.Context, symbol string) (*core.MarketInfo, error)
	// FetchBalance returns per-asset balances, omitting all-zero entries.
	FetchBalance(ctx context.Context) (map[string]core.Balance, error)

	// FetchOpenOrders returns every order still working on the venue for
	// the symbol, own or not. Ownership filtering happens in the caller.
	FetchOpenOrders(ctx context.Context, symbol string) ([]*core.Order, error)
	// FetchMyTrades returns executions for the symbol since the given time.
	FetchMyTrades(ctx context.Context, symbol string, since time.Time) ([]*core.Trade, error)

	CreateOrder(ctx context.Context, req OrderRequest) (*OrderAck, error)
	// CancelOrder succeeds when the order is already gone.
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error

	Close() error
}

// Credentials are the decrypted API credentials bound to one account.
type Credentials struct {
	APIKey     string `json:"apiKey"`
	APISecret  string `json:"apiSecret"`
	Passphrase string `json:"passphrase,omitempty"`
}
