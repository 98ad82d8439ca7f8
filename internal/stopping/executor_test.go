package stopping

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"gridbot/internal/alert"
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

type capturingChannel struct {
	mu   sync.Mutex
	sent []alert.Payload
}

func (c *capturingChannel) Name() string { return "capture" }

func (c *capturingChannel) Send(_ context.Context, p alert.Payload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, p)
	return nil
}

func (c *capturingChannel) critical() []alert.Payload {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []alert.Payload
	for _, p := range c.sent {
		if p.Level == alert.Critical {
			out = append(out, p)
		}
	}
	return out
}

type fixture struct {
	exec  *Executor
	store *store.MemoryStore
	sim   *exchange.Simulator
	clock *core.FixedClock
	bot   *core.Bot
	ch    *capturingChannel
}

func newFixture(t *testing.T, lastError string) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	sim := exchange.NewSimulator("sim")
	clock := &core.FixedClock{T: time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)}
	sim.SetClock(clock.Now)
	sim.SetTicker("BNB/USDT", dec("500"))

	ch := &capturingChannel{}
	alerts := alert.NewManager(clock, logging.NopLogger{})
	alerts.AddChannel(ch)

	bot := &core.Bot{
		ID:                "ccccdddd-1111-2222-3333-000000000001",
		UserID:            "user-1",
		ExchangeAccountID: "acct-1",
		Symbol:            "BNB/USDT",
		Status:            core.StatusStopping,
		StatusVersion:     7,
		RunID:             "run-1",
		LastError:         lastError,
	}
	require.NoError(t, st.CreateBot(context.Background(), bot))

	policy := retry.Policy{MaxAttempts: 5, InitialBackoff: time.Second, MaxBackoff: 10 * time.Second}
	return &fixture{
		exec:  NewExecutor(st, clock, policy, alerts, logging.NopLogger{}),
		store: st,
		sim:   sim,
		clock: clock,
		bot:   bot,
		ch:    ch,
	}
}

func (f *fixture) reloadBot(t *testing.T) *core.Bot {
	t.Helper()
	bot, err := f.store.GetBot(context.Background(), f.bot.ID)
	require.NoError(t, err)
	return bot
}

func (f *fixture) placeSimOrder(t *testing.T, clientOrderID string, side core.Side, price, amount string) {
	t.Helper()
	_, err := f.sim.CreateOrder(context.Background(), exchange.OrderRequest{
		Symbol:        f.bot.Symbol,
		ClientOrderID: clientOrderID,
		Side:          side,
		Type:          core.TypeLimit,
		Price:         dec(price),
		Amount:        dec(amount),
	})
	require.NoError(t, err)
}

func TestRunIgnoresBotsNotStopping(t *testing.T) {
	f := newFixture(t, "")
	f.bot.Status = core.StatusRunning

	require.NoError(t, f.exec.Run(context.Background(), f.bot, f.sim))
	assert.Equal(t, core.StatusStopping, f.reloadBot(t).Status)
}

func TestRunCancelsOpenOrdersAndStops(t *testing.T) {
	f := newFixture(t, "USER_STOP")
	ctx := context.Background()
	own := core.NewClientOrderID(f.bot.ID, 1)
	f.placeSimOrder(t, own, core.SideBuy, "490", "0.2")
	f.placeSimOrder(t, "someone-else-1", core.SideBuy, "480", "1")

	require.NoError(t, f.exec.Run(ctx, f.bot, f.sim))

	bot := f.reloadBot(t)
	assert.Equal(t, core.StatusStopped, bot.Status)
	assert.Equal(t, int64(8), bot.StatusVersion)
	assert.Empty(t, bot.RunID)

	// Our order is cancelled; the foreign one is untouched.
	o, ok := f.sim.OrderByClientID(own)
	require.True(t, ok)
	assert.Equal(t, core.OrderCanceled, o.Status)
	other, ok := f.sim.OrderByClientID("someone-else-1")
	require.True(t, ok)
	assert.Equal(t, core.OrderNew, other.Status)
}

// Forced close with a position: the full free base balance is sold at
// market under a "gb1c" id and the bot reaches STOPPED in one pass.
func TestRunForceCloseSellsFreeBalance(t *testing.T) {
	f := newFixture(t, "STOP_LOSS: last=500 < floorPrice=550")
	ctx := context.Background()
	f.sim.SetBalance("BNB", dec("1"), decimal.Zero)
	f.sim.SetBalance("USDT", dec("100"), decimal.Zero)

	require.NoError(t, f.exec.Run(ctx, f.bot, f.sim))

	bot := f.reloadBot(t)
	assert.Equal(t, core.StatusStopped, bot.Status)
	assert.Empty(t, bot.RunID)

	orders, err := f.store.ListOrdersByBot(ctx, f.bot.ID)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	closeOrder := orders[0]
	assert.True(t, strings.HasPrefix(closeOrder.ClientOrderID, "gb1c-ccccdddd-"), closeOrder.ClientOrderID)
	assert.Equal(t, core.SideSell, closeOrder.Side)
	assert.Equal(t, core.TypeMarket, closeOrder.Type)
	assert.Equal(t, core.OrderFilled, closeOrder.Status)
	assert.True(t, closeOrder.Amount.Equal(dec("1")))

	balances, err := f.sim.FetchBalance(ctx)
	require.NoError(t, err)
	assert.True(t, balances["USDT"].Free.Equal(dec("600")), "USDT %s", balances["USDT"].Free)
	_, hasBase := balances["BNB"]
	assert.False(t, hasBase)
}

func TestRunForceCloseZeroBalanceStopsDirectly(t *testing.T) {
	f := newFixture(t, "STOP_LOSS: last=500 < floorPrice=550")
	ctx := context.Background()

	require.NoError(t, f.exec.Run(ctx, f.bot, f.sim))

	assert.Equal(t, core.StatusStopped, f.reloadBot(t).Status)
	orders, err := f.store.ListOrdersByBot(ctx, f.bot.ID)
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestRunForceCloseSkipsOwnCloseOrder(t *testing.T) {
	f := newFixture(t, "TAKE_PROFIT: target reached")
	ctx := context.Background()
	closeID := core.NewCloseClientOrderID(f.bot.ID, 3)
	f.placeSimOrder(t, closeID, core.SideSell, "500", "1")
	now := f.clock.Now()
	simOrder, ok := f.sim.OrderByClientID(closeID)
	require.True(t, ok)
	require.NoError(t, f.store.CreateOrder(ctx, &core.Order{
		ID: "close-1", BotID: f.bot.ID, Exchange: "sim", Symbol: f.bot.Symbol,
		ClientOrderID: closeID, ExchangeOrderID: simOrder.ExchangeOrderID,
		IntentSeq: 3, Side: core.SideSell, Type: core.TypeLimit,
		Status: core.OrderNew, Price: dec("500"), Amount: dec("1"),
		SubmittedAt: &now, CreatedAt: now,
	}))

	require.NoError(t, f.exec.Run(ctx, f.bot, f.sim))

	// The close order survives the cancel sweep and the bot keeps waiting.
	o, ok := f.sim.OrderByClientID(closeID)
	require.True(t, ok)
	assert.Equal(t, core.OrderNew, o.Status)
	assert.Equal(t, core.StatusStopping, f.reloadBot(t).Status)
}

func TestRunForceCloseProceedsOnceCloseOrderFilled(t *testing.T) {
	f := newFixture(t, "STOP_LOSS: last=500 < floorPrice=550")
	ctx := context.Background()
	now := f.clock.Now()
	require.NoError(t, f.store.CreateOrder(ctx, &core.Order{
		ID: "close-1", BotID: f.bot.ID, Exchange: "sim", Symbol: f.bot.Symbol,
		ClientOrderID: core.NewCloseClientOrderID(f.bot.ID, 3), ExchangeOrderID: "sim-9",
		IntentSeq: 3, Side: core.SideSell, Type: core.TypeMarket,
		Status: core.OrderFilled, Amount: dec("1"), FilledAmount: dec("1"),
		AvgFillPrice: dec("500"), SubmittedAt: &now, CreatedAt: now,
	}))

	require.NoError(t, f.exec.Run(ctx, f.bot, f.sim))
	assert.Equal(t, core.StatusStopped, f.reloadBot(t).Status)
}

func TestRunForceCloseSubmitsUnsentCloseOrder(t *testing.T) {
	f := newFixture(t, "STOP_LOSS: last=500 < floorPrice=550")
	ctx := context.Background()
	require.NoError(t, f.store.CreateOrder(ctx, &core.Order{
		ID: "close-1", BotID: f.bot.ID, Exchange: "sim", Symbol: f.bot.Symbol,
		ClientOrderID: core.NewCloseClientOrderID(f.bot.ID, 3),
		IntentSeq: 3, Side: core.SideSell, Type: core.TypeMarket,
		Status: core.OrderNew, Amount: dec("1"), CreatedAt: f.clock.Now(),
	}))

	require.NoError(t, f.exec.Run(ctx, f.bot, f.sim))

	// Market order fills immediately on the simulator, so one pass finishes.
	bot := f.reloadBot(t)
	assert.Equal(t, core.StatusStopped, bot.Status)
	order, err := f.store.GetOrderByClientID(ctx, "sim", core.NewCloseClientOrderID(f.bot.ID, 3))
	require.NoError(t, err)
	assert.Equal(t, core.OrderFilled, order.Status)
	assert.NotEmpty(t, order.ExchangeOrderID)
}

// A crash between submit and persist leaves the close order in the outbox
// while the venue already knows its client order id. Resubmitting must read
// the duplicate as "in flight" and keep the bot STOPPING, not ERROR.
func TestRunForceCloseDuplicateSubmitWaitsForReconcile(t *testing.T) {
	f := newFixture(t, "STOP_LOSS: last=500 < floorPrice=550")
	ctx := context.Background()
	require.NoError(t, f.store.CreateOrder(ctx, &core.Order{
		ID: "close-1", BotID: f.bot.ID, Exchange: "sim", Symbol: f.bot.Symbol,
		ClientOrderID: core.NewCloseClientOrderID(f.bot.ID, 3),
		IntentSeq: 3, Side: core.SideSell, Type: core.TypeMarket,
		Status: core.OrderNew, Amount: dec("1"), CreatedAt: f.clock.Now(),
	}))
	f.sim.FailNext("create", apperrors.NewExchangeError(apperrors.CodeDuplicateOrder, "duplicate client order id"))

	require.NoError(t, f.exec.Run(ctx, f.bot, f.sim))

	bot := f.reloadBot(t)
	assert.Equal(t, core.StatusStopping, bot.Status)
	assert.Empty(t, f.ch.critical())
	_, _, pending := f.exec.PendingRetry(f.bot.ID)
	assert.False(t, pending)
}

// Exhaustion: five consecutive retryable failures end in ERROR with a
// STOPPING_FAILED lastError and a critical alert.
func TestRunRetryExhaustionEscalates(t *testing.T) {
	f := newFixture(t, "USER_STOP")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		f.sim.FailNext("fetch", apperrors.NewExchangeError(apperrors.CodeExchangeUnavailable, "venue down"))
		require.NoError(t, f.exec.Run(ctx, f.bot, f.sim))
		f.clock.Advance(time.Minute)
	}

	bot := f.reloadBot(t)
	assert.Equal(t, core.StatusError, bot.Status)
	assert.Equal(t, "STOPPING_FAILED: EXCHANGE_UNAVAILABLE: venue down", bot.LastError)

	crit := f.ch.critical()
	require.Len(t, crit, 1)
	assert.Equal(t, f.bot.ID, crit[0].Fields["botId"])
}

func TestRunNonRetryableEscalatesImmediately(t *testing.T) {
	f := newFixture(t, "USER_STOP")
	ctx := context.Background()

	f.sim.FailNext("fetch", apperrors.NewExchangeError(apperrors.CodeAuth, "key revoked"))
	require.NoError(t, f.exec.Run(ctx, f.bot, f.sim))

	bot := f.reloadBot(t)
	assert.Equal(t, core.StatusError, bot.Status)
	assert.Equal(t, "STOPPING_FAILED: AUTH: key revoked", bot.LastError)
	assert.Len(t, f.ch.critical(), 1)
}

func TestRunInvalidSymbolEscalates(t *testing.T) {
	f := newFixture(t, "STOP_LOSS: last=1 < floorPrice=2")
	f.bot.Symbol = "BROKEN"
	require.NoError(t, f.store.CreateBot(context.Background(), f.bot))

	require.NoError(t, f.exec.Run(context.Background(), f.bot, f.sim))

	bot := f.reloadBot(t)
	assert.Equal(t, core.StatusError, bot.Status)
	assert.True(t, strings.HasPrefix(bot.LastError, "STOPPING_FAILED: INVALID_SYMBOL:"), bot.LastError)
	assert.Len(t, f.ch.critical(), 1)
}

func TestRunBackoffGateDefersNextPass(t *testing.T) {
	f := newFixture(t, "USER_STOP")
	ctx := context.Background()

	f.sim.FailNext("fetch", apperrors.NewExchangeError(apperrors.CodeExchangeUnavailable, "venue down"))
	require.NoError(t, f.exec.Run(ctx, f.bot, f.sim))
	attempts, nextAt, ok := f.exec.PendingRetry(f.bot.ID)
	require.True(t, ok)
	assert.Equal(t, 1, attempts)
	assert.True(t, nextAt.After(f.clock.Now()))

	// Inside the window: the pass is a no-op even though the venue works.
	require.NoError(t, f.exec.Run(ctx, f.bot, f.sim))
	assert.Equal(t, core.StatusStopping, f.reloadBot(t).Status)

	f.clock.Advance(time.Minute)
	require.NoError(t, f.exec.Run(ctx, f.bot, f.sim))
	assert.Equal(t, core.StatusStopped, f.reloadBot(t).Status)
	_, _, ok = f.exec.PendingRetry(f.bot.ID)
	assert.False(t, ok)
}

func TestRunStaleVersionIsIdempotentSuccess(t *testing.T) {
	f := newFixture(t, "USER_STOP")
	ctx := context.Background()

	// Another actor already progressed the bot.
	require.NoError(t, f.store.UpdateBotCAS(ctx, f.bot.ID, 7, store.BotUpdate{Status: core.StatusStopped}))

	require.NoError(t, f.exec.Run(ctx, f.bot, f.sim))
	bot := f.reloadBot(t)
	assert.Equal(t, core.StatusStopped, bot.Status)
	assert.Equal(t, int64(8), bot.StatusVersion)
}
