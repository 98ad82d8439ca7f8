// Package core defines the entities and interfaces shared by the trading control plane.
package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// BotStatus is the lifecycle state of a bot.
type BotStatus string

const (
	StatusDraft          BotStatus = "DRAFT"
	StatusWaitingTrigger BotStatus = "WAITING_TRIGGER"
	StatusRunning        BotStatus = "RUNNING"
	StatusPaused         BotStatus = "PAUSED"
	StatusStopping       BotStatus = "STOPPING"
	StatusStopped        BotStatus = "STOPPED"
	StatusError          BotStatus = "ERROR"
)

// IsActive reports whether the worker should drive this bot's pipeline.
func (s BotStatus) IsActive() bool {
	return s == StatusRunning || s == StatusWaitingTrigger
}

// OrderStatus is the exchange-visible state of an order.
type OrderStatus string

const (
	OrderNew             OrderStatus = "NEW"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCanceled        OrderStatus = "CANCELED"
	OrderExpired         OrderStatus = "EXPIRED"
	OrderRejected        OrderStatus = "REJECTED"
)

// statusRank orders statuses along the monotone path
// NEW -> PARTIALLY_FILLED -> terminal. Terminal statuses never regress.
func (s OrderStatus) statusRank() int {
	switch s {
	case OrderNew:
		return 0
	case OrderPartiallyFilled:
		return 1
	case OrderFilled, OrderCanceled, OrderExpired, OrderRejected:
		return 2
	default:
		return 0
	}
}

// IsTerminal reports whether the order can no longer change on the exchange.
func (s OrderStatus) IsTerminal() bool {
	return s.statusRank() == 2
}

// CanProgressTo reports whether moving from s to next respects status monotonicity.
func (s OrderStatus) CanProgressTo(next OrderStatus) bool {
	if s == next {
		return true
	}
	return next.statusRank() > s.statusRank()
}

// Side is an order side.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the counter side for the follow-up leg.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType is the supported order type set.
type OrderType string

const (
	TypeLimit  OrderType = "limit"
	TypeMarket OrderType = "market"
)

// User owns bots and exchange accounts. The kill switch is per user and
// monotonic: a second enable must not overwrite EnabledAt.
type User struct {
	ID                  string
	Email               string
	KillSwitchEnabled   bool
	KillSwitchEnabledAt *time.Time
	KillSwitchReason    string
}

// ExchangeAccount binds encrypted credentials to one exchange venue.
type ExchangeAccount struct {
	ID                   string
	UserID               string
	Name                 string
	Exchange             string
	IsTestnet            bool
	EncryptedCredentials string
	CreatedAt            time.Time
}

// Bot is one configured grid strategy bound to a user, an account and a symbol.
type Bot struct {
	ID                string
	UserID            string
	ExchangeAccountID string
	Symbol            string
	ConfigJSON        string
	Status            BotStatus
	StatusVersion     int64
	RunID             string

	// Frozen at the DRAFT -> WAITING_TRIGGER transition for the life of the run.
	AutoCloseReferencePrice decimal.Decimal
	HasReferencePrice       bool

	AutoCloseTriggeredAt *time.Time
	AutoCloseReason      string
	LastError            string
	CreatedAt            time.Time
}

// Order is a local order record. SubmittedAt and ExchangeOrderID are both
// unset iff the intent is persisted but not yet sent (the outbox state).
type Order struct {
	ID              string
	BotID           string
	Exchange        string
	Symbol          string
	ClientOrderID   string
	ExchangeOrderID string
	IntentSeq       int64
	Side            Side
	Type            OrderType
	Status          OrderStatus
	Price           decimal.Decimal
	Amount          decimal.Decimal
	FilledAmount    decimal.Decimal
	AvgFillPrice    decimal.Decimal
	SubmittedAt     *time.Time
	CreatedAt       time.Time
}

// InOutbox reports whether the order is a persisted intent awaiting submission.
func (o *Order) InOutbox() bool {
	return o.SubmittedAt == nil && o.ExchangeOrderID == ""
}

// IsOpen reports whether the order is still working on the exchange.
func (o *Order) IsOpen() bool {
	return o.Status == OrderNew || o.Status == OrderPartiallyFilled
}

// Trade is one execution reported by the exchange. (Exchange, TradeID) is
// unique. Some venues omit ClientOrderID on trade rows; ExchangeOrderID is
// the fallback attribution key.
type Trade struct {
	ID              string
	BotID           string
	TradeID         string
	ClientOrderID   string
	ExchangeOrderID string
	Exchange        string
	Symbol          string
	Side            Side
	Price           decimal.Decimal
	Amount          decimal.Decimal
	Fee             decimal.Decimal
	FeeCurrency     string
	Timestamp       time.Time
}

// BotSnapshot captures reconciled state. StateHash is stable across
// reconciles that observe no new exchange events.
type BotSnapshot struct {
	ID           string
	BotID        string
	RunID        string
	ReconciledAt time.Time
	StateJSON    string
	StateHash    string
}

// Ticker is the market data slice the control plane consumes.
type Ticker struct {
	Symbol    string
	Last      decimal.Decimal
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	Timestamp time.Time
}

// Balance is the per-asset account balance.
type Balance struct {
	Free   decimal.Decimal
	Locked decimal.Decimal
	Total  decimal.Decimal
}

// MarketInfo carries the exchange limits enforced before submission.
type MarketInfo struct {
	Symbol      string
	BaseAsset   string
	QuoteAsset  string
	MinAmount   decimal.Decimal
	MinNotional decimal.Decimal
	PricePrec   int32
	AmountPrec  int32
}

// SupportedExchanges is the venue tag domain for ExchangeAccount.Exchange.
var SupportedExchanges = []string{"binance", "okx", "huobi", "htx", "bybit", "coinbase", "kraken"}

// IsSupportedExchange reports whether tag is a known venue.
func IsSupportedExchange(tag string) bool {
	for _, e := range SupportedExchanges {
		if e == tag {
			return true
		}
	}
	return false
}
