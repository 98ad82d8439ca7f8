// Package stopping winds a STOPPING bot down to STOPPED: cancel its open
// orders, optionally force-close the base position with a market sell, and
// finish with a compare-and-swap. Every pass is resumable; partial progress
// is never lost.
package stopping

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"gridbot/internal/alert"
	"gridbot/internal/core"
	"gridbot/internal/exchange"
	"gridbot/internal/store"
	apperrors "gridbot/pkg/errors"
	"gridbot/pkg/retry"
	"gridbot/pkg/telemetry"

	"github.com/google/uuid"
)

type retryState struct {
	attempts      int
	nextAttemptAt time.Time
}

// Executor drives the STOPPING -> STOPPED transition for one bot per call.
type Executor struct {
	store  store.Store
	clock  core.Clock
	policy retry.Policy
	alerts *alert.Manager
	logger core.ILogger

	mu     sync.Mutex
	states map[string]*retryState // keyed by bot id
}

func NewExecutor(st store.Store, clock core.Clock, policy retry.Policy, alerts *alert.Manager, logger core.ILogger) *Executor {
	return &Executor{
		store:  st,
		clock:  clock,
		policy: policy,
		alerts: alerts,
		logger: logger,
		states: make(map[string]*retryState),
	}
}

// Run executes one stopping pass. Completion, a lost CAS race and a
// deferred backoff window all return nil.
func (e *Executor) Run(ctx context.Context, bot *core.Bot, adapter exchange.Adapter) error {
	if bot.Status != core.StatusStopping {
		return nil
	}

	now := e.clock.Now()
	e.mu.Lock()
	rs := e.states[bot.ID]
	if rs != nil && now.Before(rs.nextAttemptAt) {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	log := e.logger.WithField("botId", bot.ID)
	forced := isForcedClose(bot.LastError)

	open, err := adapter.FetchOpenOrders(ctx, bot.Symbol)
	if err != nil {
		return e.escalate(ctx, bot, err, log)
	}

	for _, o := range open {
		if !core.BelongsToBot(o.ClientOrderID, bot.ID) {
			continue
		}
		// The close order is ours to keep: cancelling it would undo the
		// forced exit we are waiting on.
		if forced && core.IsCloseOrderID(o.ClientOrderID) {
			continue
		}
		if err := adapter.CancelOrder(ctx, bot.Symbol, o.ExchangeOrderID); err != nil {
			if ee, ok := apperrors.AsExchangeError(err); ok && ee.Code == apperrors.CodeOrderNotFound {
				continue
			}
			return e.escalate(ctx, bot, err, log)
		}
		log.Info("cancelled open order", "clientOrderId", o.ClientOrderID)
	}

	if forced {
		done, err := e.forceClose(ctx, bot, adapter, log)
		if err != nil {
			return e.escalate(ctx, bot, err, log)
		}
		if !done {
			return nil
		}
	}

	return e.finish(ctx, bot, log)
}

// forceClose sells the full free base balance at market under a "gb1c"
// client order id. It reports true once no position remains to close.
func (e *Executor) forceClose(ctx context.Context, bot *core.Bot, adapter exchange.Adapter, log core.ILogger) (bool, error) {
	base, _, err := core.SplitSymbol(bot.Symbol)
	if err != nil {
		return false, apperrors.NewExchangeError(apperrors.CodeInvalidSymbol, err.Error())
	}

	prior, err := e.latestCloseOrder(ctx, bot.ID)
	if err != nil {
		return false, err
	}
	if prior != nil {
		switch {
		case prior.Status == core.OrderFilled:
			return true, nil
		case prior.InOutbox():
			return e.submitClose(ctx, bot, prior, adapter, log)
		default:
			// Submitted but not yet FILLED: wait for the venue or reconcile.
			return false, nil
		}
	}

	balances, err := adapter.FetchBalance(ctx)
	if err != nil {
		return false, err
	}
	free := balances[base].Free
	if free.IsZero() {
		return true, nil
	}

	seq, err := e.store.NextIntentSeq(ctx, bot.ID)
	if err != nil {
		return false, err
	}
	order := &core.Order{
		ID:            uuid.NewString(),
		BotID:         bot.ID,
		Exchange:      adapter.Name(),
		Symbol:        bot.Symbol,
		ClientOrderID: core.NewCloseClientOrderID(bot.ID, seq),
		IntentSeq:     seq,
		Side:          core.SideSell,
		Type:          core.TypeMarket,
		Status:        core.OrderNew,
		Amount:        free,
		CreatedAt:     e.clock.Now(),
	}
	if err := e.store.CreateOrder(ctx, order); err != nil {
		return false, err
	}
	log.Info("persisted force-close intent",
		"clientOrderId", order.ClientOrderID, "amount", free.String())

	return e.submitClose(ctx, bot, order, adapter, log)
}

// submitClose sends the close order. True only when the venue reports it
// FILLED immediately; anything else waits for a later pass.
func (e *Executor) submitClose(ctx context.Context, bot *core.Bot, order *core.Order, adapter exchange.Adapter, log core.ILogger) (bool, error) {
	ack, err := adapter.CreateOrder(ctx, exchange.OrderRequest{
		Symbol:        order.Symbol,
		ClientOrderID: order.ClientOrderID,
		Side:          order.Side,
		Type:          order.Type,
		Price:         order.Price,
		Amount:        order.Amount,
	})
	if err != nil {
		if ee, ok := apperrors.AsExchangeError(err); ok && ee.Code == apperrors.CodeDuplicateOrder {
			// The venue already has this close order from an earlier pass
			// that crashed between submit and persist. It is in flight, not
			// failed; reconcile will attach the exchange order id.
			log.Info("close order already at venue, waiting for reconcile",
				"clientOrderId", order.ClientOrderID)
			return false, nil
		}
		return false, err
	}
	if err := e.store.MarkOrderSubmitted(ctx, order.ID, ack.ExchangeOrderID, ack.Status, e.clock.Now()); err != nil {
		return false, err
	}
	telemetry.GetGlobalMetrics().CountOrderSubmitted(ctx, adapter.Name())
	log.Info("force-close order submitted",
		"clientOrderId", order.ClientOrderID, "status", string(ack.Status))
	return ack.Status == core.OrderFilled, nil
}

func (e *Executor) latestCloseOrder(ctx context.Context, botID string) (*core.Order, error) {
	orders, err := e.store.ListOrdersByBot(ctx, botID)
	if err != nil {
		return nil, err
	}
	var latest *core.Order
	for _, o := range orders {
		if !core.IsCloseOrderID(o.ClientOrderID) {
			continue
		}
		if latest == nil || o.IntentSeq > latest.IntentSeq {
			latest = o
		}
	}
	return latest, nil
}

// finish CASes the bot to STOPPED and clears the run id. Losing the race
// means another actor already progressed the bot.
func (e *Executor) finish(ctx context.Context, bot *core.Bot, log core.ILogger) error {
	e.clearState(bot.ID)
	empty := ""
	err := e.store.UpdateBotCAS(ctx, bot.ID, bot.StatusVersion, store.BotUpdate{
		Status: core.StatusStopped,
		RunID:  &empty,
	})
	if errors.Is(err, apperrors.ErrCASFailed) {
		return nil
	}
	if err != nil {
		return err
	}
	log.Info("bot stopped")
	return nil
}

// escalate applies the bounded retry policy. A retryable cause backs off
// until the attempt budget is spent; then, or on any permanent cause, the
// bot moves to ERROR and a critical alert is raised: a bot we cannot stop
// is the worst failure mode this system has.
func (e *Executor) escalate(ctx context.Context, bot *core.Bot, cause error, log core.ILogger) error {
	ee, ok := apperrors.AsExchangeError(cause)
	if !ok {
		ee = apperrors.NewExchangeError(apperrors.CodeExchangeUnavailable, cause.Error())
	}

	now := e.clock.Now()
	e.mu.Lock()
	attempts := 1
	if rs := e.states[bot.ID]; rs != nil {
		attempts = rs.attempts + 1
	}
	if ee.Retryable && attempts < e.policy.MaxAttempts {
		delay := e.policy.Backoff(attempts-1, ee.RetryAfter)
		e.states[bot.ID] = &retryState{attempts: attempts, nextAttemptAt: now.Add(delay)}
		e.mu.Unlock()
		log.Warn("stopping pass failed, will retry",
			"code", string(ee.Code), "attempt", attempts, "backoff", delay.String())
		return nil
	}
	delete(e.states, bot.ID)
	e.mu.Unlock()

	lastError := fmt.Sprintf("STOPPING_FAILED: %s: %s", ee.Code, ee.Message)
	log.Error("stopping failed permanently", "lastError", lastError)
	telemetry.GetGlobalMetrics().CountBotError(ctx, bot.ID, "stopping")

	err := e.store.UpdateBotCAS(ctx, bot.ID, bot.StatusVersion, store.BotUpdate{
		Status:    core.StatusError,
		LastError: &lastError,
	})
	if err != nil && !errors.Is(err, apperrors.ErrCASFailed) {
		return err
	}

	e.alerts.BotCritical(ctx, bot, "Bot could not be stopped", lastError)
	return nil
}

// PendingRetry exposes the retry state for one bot id.
func (e *Executor) PendingRetry(botID string) (attempts int, nextAttemptAt time.Time, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rs, found := e.states[botID]
	if !found {
		return 0, time.Time{}, false
	}
	return rs.attempts, rs.nextAttemptAt, true
}

func (e *Executor) clearState(botID string) {
	e.mu.Lock()
	delete(e.states, botID)
	e.mu.Unlock()
}

func isForcedClose(lastError string) bool {
	return strings.HasPrefix(lastError, "STOP_LOSS") || strings.HasPrefix(lastError, "TAKE_PROFIT")
}
