// Package trigger drives the per-bot order pipeline: drain the outbox,
// wait on open orders, place the follow-up leg after a fill, or arm the
// first grid order once the price crosses a trigger. Intents are always
// persisted before any exchange I/O so a crash never double-submits.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gridbot/internal/config"
	"gridbot/internal/core"
	"gridbot/internal/exchange"
	"gridbot/internal/preview"
	"gridbot/internal/risk"
	"gridbot/internal/store"
	apperrors "gridbot/pkg/errors"
	"gridbot/pkg/retry"
	"gridbot/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// retryState tracks submission attempts for one order. It lives in process
// memory only: after a restart submission starts fresh from the outbox.
type retryState struct {
	attempts      int
	nextAttemptAt time.Time
}

// Engine runs the trigger/order pipeline for one bot per call.
type Engine struct {
	store  store.Store
	clock  core.Clock
	policy retry.Policy
	logger core.ILogger

	mu     sync.Mutex
	states map[string]*retryState // keyed by order id
}

func NewEngine(st store.Store, clock core.Clock, policy retry.Policy, logger core.ILogger) *Engine {
	return &Engine{
		store:  st,
		clock:  clock,
		policy: policy,
		logger: logger,
		states: make(map[string]*retryState),
	}
}

// Run executes one pipeline pass for bot. Bots outside WAITING_TRIGGER and
// RUNNING are ignored.
func (e *Engine) Run(ctx context.Context, bot *core.Bot, adapter exchange.Adapter) error {
	if !bot.Status.IsActive() {
		return nil
	}
	log := e.logger.WithField("botId", bot.ID)

	// Outbox drain: an unsubmitted intent always goes first.
	pending, err := e.store.LatestOutboxOrder(ctx, bot.ID)
	if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		return err
	}
	if pending != nil {
		return e.Submit(ctx, bot.ID, pending, adapter)
	}

	// Open-order guard: wait for the fill or for reconcile to progress it.
	orders, err := e.store.ListOrdersByBot(ctx, bot.ID)
	if err != nil {
		return err
	}
	for _, o := range orders {
		if o.IsOpen() {
			return nil
		}
	}

	cfg, err := e.normalizedConfig(ctx, bot, log)
	if err != nil || cfg == nil {
		return err
	}

	ticker, err := adapter.GetTicker(ctx, bot.Symbol)
	if err != nil {
		return fmt.Errorf("failed to fetch ticker: %w", err)
	}

	if floor := risk.EvaluateFloor(cfg.Risk, ticker.Last); floor.StopLoss {
		log.Warn("floor price breached, stopping bot", "lastPrice", ticker.Last.String())
		telemetry.GetGlobalMetrics().CountRiskTrigger(ctx, "STOP_LOSS")
		lastError := floor.Reason
		err := e.store.UpdateBotCAS(ctx, bot.ID, bot.StatusVersion, store.BotUpdate{
			Status:    core.StatusStopping,
			LastError: &lastError,
		})
		if errors.Is(err, apperrors.ErrCASFailed) {
			return nil
		}
		return err
	}

	if !risk.WithinBounds(cfg.Trigger, ticker.Last) {
		return nil
	}

	// A user-level kill switch refuses new intents; existing outbox entries
	// were already handled above.
	user, err := e.store.GetUser(ctx, bot.UserID)
	if err != nil {
		return err
	}
	if user.KillSwitchEnabled {
		return nil
	}

	market, err := adapter.GetMarketInfo(ctx, bot.Symbol)
	if err != nil {
		return fmt.Errorf("failed to fetch market info: %w", err)
	}
	quoteFree, err := e.quoteBalance(ctx, bot, cfg, adapter, market)
	if err != nil {
		return err
	}

	in := preview.Input{Config: cfg, Market: market, Ticker: ticker, QuoteBalance: quoteFree}

	// Post-fill follow-up: the opposite leg anchored on the fill price.
	lastFilled, err := e.store.LatestFilledOrder(ctx, bot.ID)
	if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		return err
	}
	if lastFilled != nil {
		return e.placeFollowUp(ctx, bot, adapter, in, lastFilled, log)
	}

	if bot.Status != core.StatusWaitingTrigger {
		return nil
	}
	return e.placeFirst(ctx, bot, adapter, in, ticker.Last, log)
}

// normalizedConfig parses configJson and re-pins a "current" base price to
// the reference price frozen at start. A bot whose config cannot be pinned
// is mis-started and moves to ERROR rather than drifting with the market.
func (e *Engine) normalizedConfig(ctx context.Context, bot *core.Bot, log core.ILogger) (*config.BotConfig, error) {
	cfg, err := config.ParseBotConfig(bot.ConfigJSON)
	if err != nil {
		return nil, e.failBot(ctx, bot, fmt.Sprintf("INVALID_CONFIG: %v", err), log)
	}

	switch cfg.Trigger.BasePriceType {
	case config.BasePriceCost, config.BasePriceAvg24h:
		return nil, e.failBot(ctx, bot,
			fmt.Sprintf("INVALID_CONFIG: basePriceType %q is not supported", cfg.Trigger.BasePriceType), log)
	case config.BasePriceCurrent:
		if !bot.HasReferencePrice {
			return nil, e.failBot(ctx, bot, "INVALID_CONFIG: no reference price frozen at start", log)
		}
		ref := bot.AutoCloseReferencePrice
		cfg.Trigger.BasePriceType = config.BasePriceManual
		cfg.Trigger.BasePrice = &ref
	}
	return cfg, nil
}

// quoteBalance fetches the free quote balance, but only when percent
// sizing actually needs it.
func (e *Engine) quoteBalance(ctx context.Context, bot *core.Bot, cfg *config.BotConfig, adapter exchange.Adapter, market *core.MarketInfo) (decimal.Decimal, error) {
	if cfg.Sizing.AmountMode != config.AmountModePercent {
		return decimal.Zero, nil
	}
	balances, err := adapter.FetchBalance(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to fetch balance: %w", err)
	}
	quote := market.QuoteAsset
	if quote == "" {
		_, quote, err = core.SplitSymbol(bot.Symbol)
		if err != nil {
			return decimal.Zero, err
		}
	}
	return balances[quote].Free, nil
}

// placeFollowUp persists and submits the leg opposite the last fill.
func (e *Engine) placeFollowUp(ctx context.Context, bot *core.Bot, adapter exchange.Adapter, in preview.Input, filled *core.Order, log core.ILogger) error {
	anchor := filled.AvgFillPrice
	if anchor.IsZero() {
		anchor = filled.Price
	}

	leg, issues := preview.NextLeg(in, anchor, filled.Side)
	if msg := hardIssue(issues); msg != "" {
		return e.failBot(ctx, bot, msg, log)
	}
	if leg == nil || leg.Amount.IsZero() {
		return nil
	}
	if !risk.SideEnabled(in.Config.Risk, leg.Side) {
		return nil
	}

	seq, err := e.store.NextIntentSeq(ctx, bot.ID)
	if err != nil {
		return err
	}
	order := e.buildIntent(bot, adapter.Name(), in.Config, seq, leg)
	if err := e.store.CreateOrder(ctx, order); err != nil {
		return err
	}
	log.Info("persisted follow-up intent",
		"clientOrderId", order.ClientOrderID, "side", string(order.Side))
	return e.Submit(ctx, bot.ID, order, adapter)
}

// placeFirst arms the first grid order once last crosses a trigger price.
func (e *Engine) placeFirst(ctx context.Context, bot *core.Bot, adapter exchange.Adapter, in preview.Input, last decimal.Decimal, log core.ILogger) error {
	res := preview.Calculate(in)
	if res.HasIssue(preview.IssueMissingBasePrice) {
		return e.failBot(ctx, bot, "INVALID_CONFIG: base price could not be resolved", log)
	}

	var leg *preview.SideOrder
	switch {
	case last.LessThanOrEqual(res.BuyTriggerPrice):
		leg = res.Buy
	case last.GreaterThanOrEqual(res.SellTriggerPrice):
		leg = res.Sell
	default:
		return nil
	}
	if leg == nil || leg.Amount.IsZero() {
		return nil
	}
	if !risk.SideEnabled(in.Config.Risk, leg.Side) {
		return nil
	}
	if msg := hardIssueForSide(res.Issues, leg.Side); msg != "" {
		return e.failBot(ctx, bot, msg, log)
	}

	seq, err := e.store.NextIntentSeq(ctx, bot.ID)
	if err != nil {
		return err
	}
	order := e.buildIntent(bot, adapter.Name(), in.Config, seq, leg)

	err = e.store.CreateFirstIntent(ctx, bot, bot.StatusVersion, order)
	if errors.Is(err, apperrors.ErrCASFailed) {
		log.Debug("first-trigger commit lost the race, retrying next tick")
		return nil
	}
	if err != nil {
		return err
	}
	log.Info("first trigger armed",
		"clientOrderId", order.ClientOrderID, "side", string(order.Side), "price", leg.Price.String())
	return e.Submit(ctx, bot.ID, order, adapter)
}

func (e *Engine) buildIntent(bot *core.Bot, exchangeName string, cfg *config.BotConfig, seq int64, leg *preview.SideOrder) *core.Order {
	orderType := core.TypeLimit
	if cfg.Order.OrderType == string(core.TypeMarket) {
		orderType = core.TypeMarket
	}
	return &core.Order{
		ID:            uuid.NewString(),
		BotID:         bot.ID,
		Exchange:      exchangeName,
		Symbol:        bot.Symbol,
		ClientOrderID: core.NewClientOrderID(bot.ID, seq),
		IntentSeq:     seq,
		Side:          leg.Side,
		Type:          orderType,
		Status:        core.OrderNew,
		Price:         leg.Price,
		Amount:        leg.Amount,
		CreatedAt:     e.clock.Now(),
	}
}

// Submit sends a persisted intent to the exchange with bounded retry.
// It is safe to call repeatedly for the same order across ticks.
func (e *Engine) Submit(ctx context.Context, botID string, order *core.Order, adapter exchange.Adapter) error {
	if !order.InOutbox() {
		e.clearRetry(order.ID)
		return nil
	}

	// Fresh read: the bot may have been stopped since the tick was scheduled.
	bot, err := e.store.GetBot(ctx, botID)
	if err != nil {
		return err
	}
	switch bot.Status {
	case core.StatusStopping, core.StatusPaused, core.StatusStopped, core.StatusError:
		return nil
	}

	now := e.clock.Now()
	e.mu.Lock()
	rs := e.states[order.ID]
	if rs != nil && now.Before(rs.nextAttemptAt) {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	log := e.logger.WithFields(map[string]interface{}{
		"botId": botID, "clientOrderId": order.ClientOrderID,
	})

	start := e.clock.Now()
	ack, err := adapter.CreateOrder(ctx, exchange.OrderRequest{
		Symbol:        order.Symbol,
		ClientOrderID: order.ClientOrderID,
		Side:          order.Side,
		Type:          order.Type,
		Price:         order.Price,
		Amount:        order.Amount,
	})
	telemetry.GetGlobalMetrics().ObserveSubmit(ctx, e.clock.Now().Sub(start))

	if err == nil {
		e.clearRetry(order.ID)
		telemetry.GetGlobalMetrics().CountOrderSubmitted(ctx, adapter.Name())
		log.Info("order submitted", "exchangeOrderId", ack.ExchangeOrderID, "status", string(ack.Status))
		return e.store.MarkOrderSubmitted(ctx, order.ID, ack.ExchangeOrderID, ack.Status, now)
	}

	ee, ok := apperrors.AsExchangeError(err)
	if !ok {
		ee = apperrors.NewExchangeError(apperrors.CodeExchangeUnavailable, err.Error())
	}

	// The venue already knows this clientOrderId: a previous submit landed
	// before we recorded the acknowledgement. Mark it sent and let
	// reconcile attach the exchange order id.
	if ee.Code == apperrors.CodeDuplicateOrder {
		e.clearRetry(order.ID)
		log.Warn("order already known to exchange, leaving to reconcile")
		return e.store.MarkOrderSubmitted(ctx, order.ID, "", core.OrderNew, now)
	}

	attempts := 1
	if rs != nil {
		attempts = rs.attempts + 1
	}

	if ee.Retryable && attempts < e.policy.MaxAttempts {
		delay := e.policy.Backoff(attempts-1, ee.RetryAfter)
		e.mu.Lock()
		e.states[order.ID] = &retryState{attempts: attempts, nextAttemptAt: now.Add(delay)}
		e.mu.Unlock()
		telemetry.GetGlobalMetrics().CountSubmitRetry(ctx)
		log.Warn("order submission failed, will retry",
			"code", string(ee.Code), "attempt", attempts, "backoff", delay.String())
		return nil
	}

	e.clearRetry(order.ID)
	lastError := fmt.Sprintf("ORDER_SUBMIT_FAILED: %s: %s", ee.Code, ee.Message)
	log.Error("order submission failed permanently", "lastError", lastError)
	telemetry.GetGlobalMetrics().CountBotError(ctx, botID, "submit")
	casErr := e.store.UpdateBotCAS(ctx, botID, bot.StatusVersion, store.BotUpdate{
		Status:    core.StatusError,
		LastError: &lastError,
	})
	if errors.Is(casErr, apperrors.ErrCASFailed) {
		return nil
	}
	return casErr
}

// PendingRetry exposes the retry state for one order id; used by tests and
// by the worker's shutdown drain report.
func (e *Engine) PendingRetry(orderID string) (attempts int, nextAttemptAt time.Time, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rs, found := e.states[orderID]
	if !found {
		return 0, time.Time{}, false
	}
	return rs.attempts, rs.nextAttemptAt, true
}

func (e *Engine) clearRetry(orderID string) {
	e.mu.Lock()
	delete(e.states, orderID)
	e.mu.Unlock()
}

// failBot moves the bot to ERROR with a descriptive lastError. A CAS miss
// means another actor already progressed the bot and is not an error.
func (e *Engine) failBot(ctx context.Context, bot *core.Bot, lastError string, log core.ILogger) error {
	log.Error("bot moved to ERROR", "lastError", lastError)
	telemetry.GetGlobalMetrics().CountBotError(ctx, bot.ID, "trigger")
	err := e.store.UpdateBotCAS(ctx, bot.ID, bot.StatusVersion, store.BotUpdate{
		Status:    core.StatusError,
		LastError: &lastError,
	})
	if errors.Is(err, apperrors.ErrCASFailed) {
		return nil
	}
	return err
}

// hardIssue returns the lastError text for the first blocking issue, or "".
func hardIssue(issues []preview.Issue) string {
	for _, is := range issues {
		if is.Code == preview.IssueBelowMinAmount || is.Code == preview.IssueBelowMinNotional {
			return fmt.Sprintf("%s: %s", is.Code, is.Message)
		}
	}
	return ""
}

// hardIssueForSide is hardIssue restricted to the side about to be placed.
func hardIssueForSide(issues []preview.Issue, side core.Side) string {
	for _, is := range issues {
		if is.Side != side {
			continue
		}
		if is.Code == preview.IssueBelowMinAmount || is.Code == preview.IssueBelowMinNotional {
			return fmt.Sprintf("%s: %s", is.Code, is.Message)
		}
	}
	return ""
}
