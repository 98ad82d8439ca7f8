// Package store provides transactional persistence for users, accounts,
// bots, orders, trades and snapshots. Bot writes are guarded by a
// compare-and-swap on statusVersion; order upserts never regress status;
// trade inserts are idempotent on (exchange, tradeId).
package store

import (
	"context"
	"time"

	"gridbot/internal/core"
)

// BotUpdate is the CAS payload for a status-changing bot write. The store
// increments statusVersion by exactly one and fails with ErrCASFailed when
// the expected version no longer matches.
type BotUpdate struct {
	Status               core.BotStatus
	RunID                *string
	LastError            *string
	AutoCloseReason      *string
	AutoCloseTriggeredAt *time.Time
	ReferencePrice       *string // decimal string, frozen at start
}

// Store is the persistence contract of the control plane.
type Store interface {
	// Users
	CreateUser(ctx context.Context, u *core.User) error
	GetUser(ctx context.Context, id string) (*core.User, error)
	// EnableKillSwitch flips the flag only when currently disabled so the
	// first enabledAt is preserved. Returns the effective enabledAt and
	// whether the switch was already on.
	EnableKillSwitch(ctx context.Context, userID, reason string, at time.Time) (time.Time, bool, error)
	DisableKillSwitch(ctx context.Context, userID string) error

	// Exchange accounts
	CreateAccount(ctx context.Context, a *core.ExchangeAccount) error
	GetAccount(ctx context.Context, id string) (*core.ExchangeAccount, error)
	// DeleteAccount fails with ErrStateConflict while any bot references it.
	DeleteAccount(ctx context.Context, id string) error

	// Bots
	CreateBot(ctx context.Context, b *core.Bot) error
	GetBot(ctx context.Context, id string) (*core.Bot, error)
	DeleteBot(ctx context.Context, id string) error
	// ListBotsByStatus returns up to limit bots in the given statuses,
	// least recently processed first. A limit of zero or less means no limit.
	ListBotsByStatus(ctx context.Context, statuses []core.BotStatus, limit int) ([]*core.Bot, error)
	ListBotsByUserAndStatus(ctx context.Context, userID string, statuses []core.BotStatus) ([]*core.Bot, error)
	CountBotsByAccount(ctx context.Context, accountID string) (int, error)
	TouchBotProcessed(ctx context.Context, botID string, at time.Time) error
	// UpdateBotCAS applies upd iff the bot's statusVersion equals expectedVersion.
	UpdateBotCAS(ctx context.Context, botID string, expectedVersion int64, upd BotUpdate) error
	// MarkAutoCloseTriggered is UpdateBotCAS additionally conditioned on
	// autoCloseTriggeredAt IS NULL, so the trigger is recorded at most once per run.
	MarkAutoCloseTriggered(ctx context.Context, botID string, expectedVersion int64, upd BotUpdate) error
	// NextIntentSeq atomically allocates the bot's next strictly increasing
	// intent sequence number.
	NextIntentSeq(ctx context.Context, botID string) (int64, error)

	// Orders
	CreateOrder(ctx context.Context, o *core.Order) error
	// UpsertOrder creates on (exchange, clientOrderId) or merges with
	// monotonic status and filledAmount = max(old, new).
	UpsertOrder(ctx context.Context, o *core.Order) error
	GetOrderByClientID(ctx context.Context, exchange, clientOrderID string) (*core.Order, error)
	ListOrdersByBot(ctx context.Context, botID string) ([]*core.Order, error)
	// LatestOutboxOrder returns the most recent persisted-but-unsubmitted intent.
	LatestOutboxOrder(ctx context.Context, botID string) (*core.Order, error)
	// LatestFilledOrder returns the most recent FILLED order by intentSeq.
	LatestFilledOrder(ctx context.Context, botID string) (*core.Order, error)
	MarkOrderSubmitted(ctx context.Context, orderID, exchangeOrderID string, status core.OrderStatus, at time.Time) error
	// CreateFirstIntent runs the first-trigger commit atomically: re-verifies the bot
	// is WAITING_TRIGGER at expectedVersion, confirms no order exists yet,
	// persists the intent and bumps the bot to RUNNING.
	CreateFirstIntent(ctx context.Context, bot *core.Bot, expectedVersion int64, o *core.Order) error

	// Trades
	// InsertTrade is idempotent on (exchange, tradeId); reports whether a row was added.
	InsertTrade(ctx context.Context, t *core.Trade) (bool, error)
	ListTradesByBot(ctx context.Context, botID string) ([]*core.Trade, error)

	// Snapshots
	LatestSnapshot(ctx context.Context, botID string) (*core.BotSnapshot, error)
	InsertSnapshot(ctx context.Context, s *core.BotSnapshot) error

	Close() error
}
