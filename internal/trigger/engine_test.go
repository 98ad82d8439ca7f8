package trigger

import (
	"context"
	"strings"
	"testing"
	"time"

	"gridbot/internal/core"
	"gridbot/internal/exchange"
	"gridbot/internal/store"
	apperrors "gridbot/pkg/errors"
	"gridbot/pkg/logging"
	"gridbot/pkg/retry"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

const waitingConfig = `{
	"trigger": {"gridType": "percent", "basePriceType": "manual", "basePrice": "500", "fallBuy": "2", "riseSell": "2"},
	"sizing": {"amountMode": "amount", "gridSymmetric": true, "symmetric": {"orderQuantity": "100"}},
	"risk": {}
}`

type fixture struct {
	engine *Engine
	store  *store.MemoryStore
	sim    *exchange.Simulator
	clock  *core.FixedClock
	bot    *core.Bot
}

func newFixture(t *testing.T, configJSON string, status core.BotStatus) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	sim := exchange.NewSimulator("sim")
	clock := &core.FixedClock{T: time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)}
	sim.SetClock(clock.Now)
	sim.SetTicker("BNB/USDT", dec("500"))
	sim.SetMarketInfo(core.MarketInfo{
		Symbol:      "BNB/USDT",
		BaseAsset:   "BNB",
		QuoteAsset:  "USDT",
		MinAmount:   dec("0.001"),
		MinNotional: dec("5"),
		PricePrec:   2,
		AmountPrec:  4,
	})

	ctx := context.Background()
	require.NoError(t, st.CreateUser(ctx, &core.User{ID: "user-1", Email: "u@example.com"}))

	bot := &core.Bot{
		ID:                "aaaabbbb-1111-2222-3333-000000000001",
		UserID:            "user-1",
		ExchangeAccountID: "acct-1",
		Symbol:            "BNB/USDT",
		ConfigJSON:        configJSON,
		Status:            status,
		StatusVersion:     3,
		RunID:             "run-1",
	}
	require.NoError(t, st.CreateBot(ctx, bot))

	policy := retry.Policy{MaxAttempts: 3, InitialBackoff: time.Second, MaxBackoff: 10 * time.Second}
	return &fixture{
		engine: NewEngine(st, clock, policy, logging.NopLogger{}),
		store:  st,
		sim:    sim,
		clock:  clock,
		bot:    bot,
	}
}

func (f *fixture) reloadBot(t *testing.T) *core.Bot {
	t.Helper()
	bot, err := f.store.GetBot(context.Background(), f.bot.ID)
	require.NoError(t, err)
	return bot
}

func TestFirstTriggerBuySide(t *testing.T) {
	f := newFixture(t, waitingConfig, core.StatusWaitingTrigger)
	ctx := context.Background()
	f.sim.SetTicker("BNB/USDT", dec("490"))

	require.NoError(t, f.engine.Run(ctx, f.bot, f.sim))

	bot := f.reloadBot(t)
	assert.Equal(t, core.StatusRunning, bot.Status)
	assert.Equal(t, int64(4), bot.StatusVersion)

	orders, err := f.store.ListOrdersByBot(ctx, f.bot.ID)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	o := orders[0]
	assert.Equal(t, core.SideBuy, o.Side)
	assert.True(t, o.Price.Equal(dec("490")), "price %s", o.Price)
	assert.True(t, strings.HasPrefix(o.ClientOrderID, "gb1-aaaabbbb-"), o.ClientOrderID)
	assert.NotEmpty(t, o.ExchangeOrderID)
	assert.NotNil(t, o.SubmittedAt)

	_, found := f.sim.OrderByClientID(o.ClientOrderID)
	assert.True(t, found)
}

func TestFirstTriggerSellSide(t *testing.T) {
	f := newFixture(t, waitingConfig, core.StatusWaitingTrigger)
	ctx := context.Background()
	f.sim.SetTicker("BNB/USDT", dec("511"))

	require.NoError(t, f.engine.Run(ctx, f.bot, f.sim))

	orders, err := f.store.ListOrdersByBot(ctx, f.bot.ID)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, core.SideSell, orders[0].Side)
	assert.True(t, orders[0].Price.Equal(dec("510")))
}

func TestNoTriggerBetweenPrices(t *testing.T) {
	f := newFixture(t, waitingConfig, core.StatusWaitingTrigger)
	ctx := context.Background()
	f.sim.SetTicker("BNB/USDT", dec("500"))

	require.NoError(t, f.engine.Run(ctx, f.bot, f.sim))

	bot := f.reloadBot(t)
	assert.Equal(t, core.StatusWaitingTrigger, bot.Status)
	assert.Equal(t, int64(3), bot.StatusVersion)
	orders, err := f.store.ListOrdersByBot(ctx, f.bot.ID)
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestOpenOrderGuardHoldsPipeline(t *testing.T) {
	f := newFixture(t, waitingConfig, core.StatusRunning)
	ctx := context.Background()
	now := f.clock.Now()
	require.NoError(t, f.store.CreateOrder(ctx, &core.Order{
		ID: "ord-1", BotID: f.bot.ID, Exchange: "sim", Symbol: f.bot.Symbol,
		ClientOrderID: core.NewClientOrderID(f.bot.ID, 1), ExchangeOrderID: "sim-1",
		IntentSeq: 1, Side: core.SideBuy, Type: core.TypeLimit,
		Status: core.OrderNew, Price: dec("490"), Amount: dec("0.2"),
		SubmittedAt: &now, CreatedAt: now,
	}))

	require.NoError(t, f.engine.Run(ctx, f.bot, f.sim))

	orders, err := f.store.ListOrdersByBot(ctx, f.bot.ID)
	require.NoError(t, err)
	assert.Len(t, orders, 1)
}

func TestPostFillFollowUpPlacesOppositeLeg(t *testing.T) {
	f := newFixture(t, waitingConfig, core.StatusRunning)
	ctx := context.Background()
	now := f.clock.Now()
	seq, err := f.store.NextIntentSeq(ctx, f.bot.ID)
	require.NoError(t, err)
	require.NoError(t, f.store.CreateOrder(ctx, &core.Order{
		ID: "ord-1", BotID: f.bot.ID, Exchange: "sim", Symbol: f.bot.Symbol,
		ClientOrderID: core.NewClientOrderID(f.bot.ID, seq), ExchangeOrderID: "sim-1",
		IntentSeq: seq, Side: core.SideBuy, Type: core.TypeLimit,
		Status: core.OrderFilled, Price: dec("490"), Amount: dec("0.2"),
		FilledAmount: dec("0.2"), AvgFillPrice: dec("489"),
		SubmittedAt: &now, CreatedAt: now,
	}))

	require.NoError(t, f.engine.Run(ctx, f.bot, f.sim))

	orders, err := f.store.ListOrdersByBot(ctx, f.bot.ID)
	require.NoError(t, err)
	require.Len(t, orders, 2)

	var followUp *core.Order
	for _, o := range orders {
		if o.IntentSeq > seq {
			followUp = o
		}
	}
	require.NotNil(t, followUp)
	assert.Equal(t, core.SideSell, followUp.Side)
	// 489 * 1.02 = 498.78, anchored on the fill, not the original base.
	assert.True(t, followUp.Price.Equal(dec("498.78")), "price %s", followUp.Price)
	assert.NotEmpty(t, followUp.ExchangeOrderID)
}

func TestOutboxDrainResubmitsSameClientOrderID(t *testing.T) {
	f := newFixture(t, waitingConfig, core.StatusRunning)
	ctx := context.Background()
	clientID := core.NewClientOrderID(f.bot.ID, 1)
	require.NoError(t, f.store.CreateOrder(ctx, &core.Order{
		ID: "ord-1", BotID: f.bot.ID, Exchange: "sim", Symbol: f.bot.Symbol,
		ClientOrderID: clientID, IntentSeq: 1, Side: core.SideBuy,
		Type: core.TypeLimit, Status: core.OrderNew,
		Price: dec("490"), Amount: dec("0.2"), CreatedAt: f.clock.Now(),
	}))

	// The exchange accepted this order before the acknowledgement was
	// recorded locally. Draining the outbox must not create a second order.
	ack, err := f.sim.CreateOrder(ctx, exchange.OrderRequest{
		Symbol: f.bot.Symbol, ClientOrderID: clientID,
		Side: core.SideBuy, Type: core.TypeLimit,
		Price: dec("490"), Amount: dec("0.2"),
	})
	require.NoError(t, err)

	require.NoError(t, f.engine.Run(ctx, f.bot, f.sim))

	order, err := f.store.GetOrderByClientID(ctx, "sim", clientID)
	require.NoError(t, err)
	assert.Equal(t, ack.ExchangeOrderID, order.ExchangeOrderID)
	assert.Len(t, f.sim.OpenOrderIDs(f.bot.Symbol), 1)
}

func TestSubmitRetriesOnRetryableThenSucceeds(t *testing.T) {
	f := newFixture(t, waitingConfig, core.StatusRunning)
	ctx := context.Background()
	order := seedOutboxOrder(t, f, 1)

	f.sim.FailNext("create", apperrors.NewExchangeError(apperrors.CodeRateLimit, "too many requests"))
	require.NoError(t, f.engine.Submit(ctx, f.bot.ID, order, f.sim))

	attempts, nextAt, ok := f.engine.PendingRetry(order.ID)
	require.True(t, ok)
	assert.Equal(t, 1, attempts)
	assert.True(t, nextAt.After(f.clock.Now()))
	assert.Equal(t, core.StatusRunning, f.reloadBot(t).Status)

	// Still inside the backoff window: no exchange call is made.
	f.sim.FailNext("create", apperrors.NewExchangeError(apperrors.CodeRateLimit, "would fail"))
	require.NoError(t, f.engine.Submit(ctx, f.bot.ID, order, f.sim))
	_, found := f.sim.OrderByClientID(order.ClientOrderID)
	assert.False(t, found)

	f.clock.Advance(time.Minute)
	f.sim.FailNext("create", nil)
	require.NoError(t, f.engine.Submit(ctx, f.bot.ID, order, f.sim))

	got, err := f.store.GetOrderByClientID(ctx, "sim", order.ClientOrderID)
	require.NoError(t, err)
	assert.NotEmpty(t, got.ExchangeOrderID)
	_, _, ok = f.engine.PendingRetry(order.ID)
	assert.False(t, ok)
}

func TestSubmitExhaustionMovesBotToError(t *testing.T) {
	f := newFixture(t, waitingConfig, core.StatusRunning)
	ctx := context.Background()
	order := seedOutboxOrder(t, f, 1)

	for i := 0; i < 3; i++ {
		f.sim.FailNext("create", apperrors.NewExchangeError(apperrors.CodeRateLimit, "too many requests"))
		require.NoError(t, f.engine.Submit(ctx, f.bot.ID, order, f.sim))
		f.clock.Advance(time.Minute)
	}

	bot := f.reloadBot(t)
	assert.Equal(t, core.StatusError, bot.Status)
	assert.Equal(t, "ORDER_SUBMIT_FAILED: RATE_LIMIT: too many requests", bot.LastError)
	_, _, ok := f.engine.PendingRetry(order.ID)
	assert.False(t, ok)
}

func TestSubmitPermanentFailureErrorsImmediately(t *testing.T) {
	f := newFixture(t, waitingConfig, core.StatusRunning)
	ctx := context.Background()
	order := seedOutboxOrder(t, f, 1)

	f.sim.FailNext("create", apperrors.NewExchangeError(apperrors.CodeBadRequest, "price out of range"))
	require.NoError(t, f.engine.Submit(ctx, f.bot.ID, order, f.sim))

	bot := f.reloadBot(t)
	assert.Equal(t, core.StatusError, bot.Status)
	assert.Equal(t, "ORDER_SUBMIT_FAILED: BAD_REQUEST: price out of range", bot.LastError)
}

func TestSubmitRefusedWhileStopping(t *testing.T) {
	f := newFixture(t, waitingConfig, core.StatusRunning)
	ctx := context.Background()
	order := seedOutboxOrder(t, f, 1)

	require.NoError(t, f.store.UpdateBotCAS(ctx, f.bot.ID, 3, store.BotUpdate{Status: core.StatusStopping}))
	require.NoError(t, f.engine.Submit(ctx, f.bot.ID, order, f.sim))

	got, err := f.store.GetOrderByClientID(ctx, "sim", order.ClientOrderID)
	require.NoError(t, err)
	assert.True(t, got.InOutbox())
	_, found := f.sim.OrderByClientID(order.ClientOrderID)
	assert.False(t, found)
}

func TestSubmitDuplicateOrderLeftToReconcile(t *testing.T) {
	f := newFixture(t, waitingConfig, core.StatusRunning)
	ctx := context.Background()
	order := seedOutboxOrder(t, f, 1)

	f.sim.FailNext("create", apperrors.NewExchangeError(apperrors.CodeDuplicateOrder, "clientOrderId reused"))
	require.NoError(t, f.engine.Submit(ctx, f.bot.ID, order, f.sim))

	got, err := f.store.GetOrderByClientID(ctx, "sim", order.ClientOrderID)
	require.NoError(t, err)
	assert.False(t, got.InOutbox())
	assert.Empty(t, got.ExchangeOrderID)
	assert.Equal(t, core.StatusRunning, f.reloadBot(t).Status)
}

func TestKillSwitchRefusesNewIntents(t *testing.T) {
	f := newFixture(t, waitingConfig, core.StatusWaitingTrigger)
	ctx := context.Background()
	f.sim.SetTicker("BNB/USDT", dec("490"))
	_, _, err := f.store.EnableKillSwitch(ctx, "user-1", "manual stop", f.clock.Now())
	require.NoError(t, err)

	require.NoError(t, f.engine.Run(ctx, f.bot, f.sim))

	orders, listErr := f.store.ListOrdersByBot(ctx, f.bot.ID)
	require.NoError(t, listErr)
	assert.Empty(t, orders)
	assert.Equal(t, core.StatusWaitingTrigger, f.reloadBot(t).Status)
}

func TestFloorBreachStopsBot(t *testing.T) {
	cfg := `{
		"trigger": {"gridType": "percent", "basePriceType": "manual", "basePrice": "600", "fallBuy": "2", "riseSell": "2"},
		"sizing": {"amountMode": "amount", "gridSymmetric": true, "symmetric": {"orderQuantity": "100"}},
		"risk": {"enableFloorPrice": true, "floorPrice": "550"}
	}`
	f := newFixture(t, cfg, core.StatusWaitingTrigger)
	ctx := context.Background()
	f.sim.SetTicker("BNB/USDT", dec("500"))

	require.NoError(t, f.engine.Run(ctx, f.bot, f.sim))

	bot := f.reloadBot(t)
	assert.Equal(t, core.StatusStopping, bot.Status)
	assert.Equal(t, "STOP_LOSS: last=500 < floorPrice=550", bot.LastError)
	assert.Equal(t, int64(4), bot.StatusVersion)
}

func TestBoundsGateHoldsSubmission(t *testing.T) {
	cfg := `{
		"trigger": {"gridType": "percent", "basePriceType": "manual", "basePrice": "500", "fallBuy": "2", "riseSell": "2", "priceMin": "495"},
		"sizing": {"amountMode": "amount", "gridSymmetric": true, "symmetric": {"orderQuantity": "100"}},
		"risk": {}
	}`
	f := newFixture(t, cfg, core.StatusWaitingTrigger)
	ctx := context.Background()
	f.sim.SetTicker("BNB/USDT", dec("490"))

	require.NoError(t, f.engine.Run(ctx, f.bot, f.sim))

	orders, err := f.store.ListOrdersByBot(ctx, f.bot.ID)
	require.NoError(t, err)
	assert.Empty(t, orders)
	assert.Equal(t, core.StatusWaitingTrigger, f.reloadBot(t).Status)
}

func TestSideGateHoldsDisabledSide(t *testing.T) {
	cfg := `{
		"trigger": {"gridType": "percent", "basePriceType": "manual", "basePrice": "500", "fallBuy": "2", "riseSell": "2"},
		"sizing": {"amountMode": "amount", "gridSymmetric": true, "symmetric": {"orderQuantity": "100"}},
		"risk": {"enableBuy": false}
	}`
	f := newFixture(t, cfg, core.StatusWaitingTrigger)
	ctx := context.Background()
	f.sim.SetTicker("BNB/USDT", dec("490"))

	require.NoError(t, f.engine.Run(ctx, f.bot, f.sim))

	orders, err := f.store.ListOrdersByBot(ctx, f.bot.ID)
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestBelowMinNotionalIsHardError(t *testing.T) {
	cfg := `{
		"trigger": {"gridType": "percent", "basePriceType": "manual", "basePrice": "500", "fallBuy": "2", "riseSell": "2"},
		"sizing": {"amountMode": "amount", "gridSymmetric": true, "symmetric": {"orderQuantity": "1"}},
		"risk": {}
	}`
	f := newFixture(t, cfg, core.StatusWaitingTrigger)
	ctx := context.Background()
	f.sim.SetTicker("BNB/USDT", dec("490"))

	require.NoError(t, f.engine.Run(ctx, f.bot, f.sim))

	bot := f.reloadBot(t)
	assert.Equal(t, core.StatusError, bot.Status)
	assert.True(t, strings.HasPrefix(bot.LastError, "BELOW_MIN_NOTIONAL:"), bot.LastError)
}

func TestCurrentBasePriceRepinnedToFrozenReference(t *testing.T) {
	cfg := `{
		"trigger": {"gridType": "percent", "basePriceType": "current", "fallBuy": "2", "riseSell": "2"},
		"sizing": {"amountMode": "amount", "gridSymmetric": true, "symmetric": {"orderQuantity": "100"}},
		"risk": {}
	}`
	f := newFixture(t, cfg, core.StatusWaitingTrigger)
	ctx := context.Background()

	// Reference frozen at 500 when the run started; market has since fallen.
	// The triggers must stay anchored on 500, not drift with the ticker.
	ref := "500"
	require.NoError(t, f.store.UpdateBotCAS(ctx, f.bot.ID, f.bot.StatusVersion, store.BotUpdate{
		Status:         core.StatusWaitingTrigger,
		ReferencePrice: &ref,
	}))
	f.bot = f.reloadBot(t)

	f.sim.SetTicker("BNB/USDT", dec("489"))
	require.NoError(t, f.engine.Run(ctx, f.bot, f.sim))

	orders, err := f.store.ListOrdersByBot(ctx, f.bot.ID)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, core.SideBuy, orders[0].Side)
	assert.True(t, orders[0].Price.Equal(dec("490")), "price %s", orders[0].Price)
}

func TestCurrentBasePriceWithoutReferenceErrors(t *testing.T) {
	cfg := `{
		"trigger": {"gridType": "percent", "basePriceType": "current", "fallBuy": "2", "riseSell": "2"},
		"sizing": {"amountMode": "amount", "gridSymmetric": true, "symmetric": {"orderQuantity": "100"}},
		"risk": {}
	}`
	f := newFixture(t, cfg, core.StatusWaitingTrigger)
	ctx := context.Background()

	require.NoError(t, f.engine.Run(ctx, f.bot, f.sim))

	bot := f.reloadBot(t)
	assert.Equal(t, core.StatusError, bot.Status)
	assert.True(t, strings.HasPrefix(bot.LastError, "INVALID_CONFIG:"), bot.LastError)
}

func seedOutboxOrder(t *testing.T, f *fixture, seq int64) *core.Order {
	t.Helper()
	order := &core.Order{
		ID:            "outbox-1",
		BotID:         f.bot.ID,
		Exchange:      "sim",
		Symbol:        f.bot.Symbol,
		ClientOrderID: core.NewClientOrderID(f.bot.ID, seq),
		IntentSeq:     seq,
		Side:          core.SideBuy,
		Type:          core.TypeLimit,
		Status:        core.OrderNew,
		Price:         dec("490"),
		Amount:        dec("0.2"),
		CreatedAt:     f.clock.Now(),
	}
	require.NoError(t, f.store.CreateOrder(context.Background(), order))
	return order
}
