// Package worker runs the per-bot pipeline on a fixed tick. Each tick picks
// the least recently processed due bots, fans them out over a bounded pool
// and runs reconcile, risk and then the status-appropriate stage for each.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"gridbot/internal/alert"
	"gridbot/internal/config"
	"gridbot/internal/core"
	"gridbot/internal/exchange"
	"gridbot/internal/reconcile"
	"gridbot/internal/risk"
	"gridbot/internal/stopping"
	"gridbot/internal/store"
	"gridbot/internal/trigger"
	"gridbot/pkg/concurrency"
	apperrors "gridbot/pkg/errors"
	"gridbot/pkg/retry"
	"gridbot/pkg/telemetry"
)

// dueStatuses are the bot states the scheduler picks up. Everything else
// (DRAFT, PAUSED, STOPPED, ERROR) only moves through the API.
var dueStatuses = []core.BotStatus{
	core.StatusWaitingTrigger,
	core.StatusRunning,
	core.StatusStopping,
}

// Scheduler owns the tick loop, the worker pool and the adapter cache.
// At most one pipeline runs per bot at any time; a bot still in flight
// from a previous tick is skipped, not queued twice.
type Scheduler struct {
	cfg     config.WorkerConfig
	store   store.Store
	factory *exchange.Factory
	clock   core.Clock
	logger  core.ILogger

	reconciler *reconcile.Reconciler
	autoClose  *risk.AutoCloseService
	trading    *trigger.Engine
	stopper    *stopping.Executor

	pool     *concurrency.WorkerPool
	adapters *lru.Cache

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Deps bundles the shared services a Scheduler is built from.
type Deps struct {
	Store   store.Store
	Factory *exchange.Factory
	Alerts  *alert.Manager
	Clock   core.Clock
	Logger  core.ILogger
}

// NewScheduler wires the pipeline stages from one config and one store.
func NewScheduler(cfg *config.Config, deps Deps) *Scheduler {
	logger := deps.Logger.WithField("component", "scheduler")

	orderPolicy := retry.Policy{
		MaxAttempts:    cfg.Worker.OrderMaxRetries,
		InitialBackoff: cfg.Worker.OrderBackoffBase,
		MaxBackoff:     cfg.Worker.OrderBackoffMax,
	}
	stopPolicy := retry.Policy{
		MaxAttempts:    cfg.Worker.StopMaxRetries,
		InitialBackoff: cfg.Worker.StopBackoffBase,
		MaxBackoff:     cfg.Worker.StopBackoffMax,
	}

	cacheSize := cfg.Worker.ProviderCacheSize
	if cacheSize <= 0 {
		cacheSize = 64
	}
	adapters, _ := lru.NewWithEvict(cacheSize, func(key interface{}, value interface{}) {
		if a, ok := value.(exchange.Adapter); ok {
			_ = a.Close()
		}
		telemetry.GetGlobalMetrics().CountCacheEviction(context.Background())
	})

	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "bot_pipeline",
		MaxWorkers:  cfg.Worker.PoolSize,
		MaxCapacity: cfg.Worker.BatchSize * 2,
	}, deps.Logger)

	return &Scheduler{
		cfg:        cfg.Worker,
		store:      deps.Store,
		factory:    deps.Factory,
		clock:      deps.Clock,
		logger:     logger,
		reconciler: reconcile.New(deps.Store, deps.Clock, deps.Logger),
		autoClose:  risk.NewAutoCloseService(deps.Store, deps.Clock, deps.Logger),
		trading:    trigger.NewEngine(deps.Store, deps.Clock, orderPolicy, deps.Logger),
		stopper:    stopping.NewExecutor(deps.Store, deps.Clock, stopPolicy, deps.Alerts, deps.Logger),
		pool:       pool,
		adapters:   adapters,
	}
}

// Start launches the tick loop. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.runLoop()
	s.logger.Info("scheduler started",
		"tickInterval", s.cfg.TickInterval.String(),
		"batchSize", s.cfg.BatchSize,
		"poolSize", s.cfg.PoolSize)
}

// Stop halts the tick loop and drains in-flight pipelines. Pipelines that
// already started finish their current exchange calls.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.pool.Stop()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) runLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.Tick(s.ctx); err != nil {
				s.logger.Error("tick failed", "error", err.Error())
			}
		}
	}
}

// Tick runs one scheduling pass: pick due bots, skip those still in
// flight, submit the rest to the pool. It does not wait for pipelines.
func (s *Scheduler) Tick(ctx context.Context) error {
	telemetry.GetGlobalMetrics().CountTick(ctx)

	bots, err := s.store.ListBotsByStatus(ctx, dueStatuses, s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("list due bots: %w", err)
	}

	var active, stoppingCount int64
	for _, b := range bots {
		if b.Status == core.StatusStopping {
			stoppingCount++
		} else {
			active++
		}
	}
	telemetry.GetGlobalMetrics().SetBotsActive(active)
	telemetry.GetGlobalMetrics().SetBotsStopping(stoppingCount)
	telemetry.GetGlobalMetrics().SetProviderCacheSize(int64(s.adapters.Len()))

	for _, bot := range bots {
		botID := bot.ID
		if !s.pool.SubmitKeyed(botID, func() { s.processBot(ctx, botID) }) {
			s.logger.Debug("pipeline busy or pool full, skipping this tick", "bot", botID)
		}
	}
	return nil
}

// processBot runs the full pipeline for one bot. Errors are terminal for
// this tick only; the bot is picked up again on the next pass.
func (s *Scheduler) processBot(ctx context.Context, botID string) {
	// Shutdown stops new ticks but lets started pipelines finish; aborting
	// mid-submission would strand intents in a half-sent state.
	ctx = context.WithoutCancel(ctx)
	if s.cfg.ExchangeCallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ExchangeCallTimeout)
		defer cancel()
	}

	// Re-read so CAS versions reflect anything the API changed since listing.
	bot, err := s.store.GetBot(ctx, botID)
	if err != nil {
		if !errors.Is(err, apperrors.ErrNotFound) {
			s.logger.Error("load bot", "bot", botID, "error", err.Error())
		}
		return
	}
	if !bot.Status.IsActive() && bot.Status != core.StatusStopping {
		return
	}

	defer func() {
		if err := s.store.TouchBotProcessed(ctx, botID, s.clock.Now()); err != nil {
			s.logger.Warn("touch bot", "bot", botID, "error", err.Error())
		}
	}()

	adapter, err := s.adapterFor(bot)
	if err != nil {
		telemetry.GetGlobalMetrics().CountBotError(ctx, botID, "adapter")
		s.logger.Error("resolve adapter", "bot", botID, "error", err.Error())
		return
	}

	if _, err := s.reconciler.Run(ctx, bot, adapter); err != nil {
		telemetry.GetGlobalMetrics().CountBotError(ctx, botID, "reconcile")
		s.logger.Warn("reconcile failed", "bot", botID, "error", err.Error())
		return
	}

	if bot.Status.IsActive() {
		if stopped := s.applyKillSwitch(ctx, bot); stopped {
			return
		}
		ticker, err := adapter.GetTicker(ctx, bot.Symbol)
		if err != nil {
			telemetry.GetGlobalMetrics().CountBotError(ctx, botID, "ticker")
			s.logger.Warn("ticker unavailable", "bot", botID, "error", err.Error())
			return
		}
		outcome, err := s.autoClose.Check(ctx, bot, ticker.Last)
		if err != nil {
			telemetry.GetGlobalMetrics().CountBotError(ctx, botID, "risk")
			s.logger.Warn("auto close check failed", "bot", botID, "error", err.Error())
			return
		}
		if outcome.Triggered {
			telemetry.GetGlobalMetrics().CountRiskTrigger(ctx, "AUTO_CLOSE")
			// The stopping stage picks the bot up on the next tick.
			return
		}
	}

	switch {
	case bot.Status == core.StatusStopping:
		if !s.cfg.EnableStopping {
			return
		}
		if err := s.stopper.Run(ctx, bot, adapter); err != nil {
			s.logger.Warn("stopping pass failed", "bot", botID, "error", err.Error())
		}
	case bot.Status.IsActive():
		if !s.cfg.EnableTrading {
			return
		}
		if err := s.trading.Run(ctx, bot, adapter); err != nil {
			s.logger.Warn("trading pass failed", "bot", botID, "error", err.Error())
		}
	}
}

// applyKillSwitch catches active bots the bulk sweep missed, for example
// a bot started between the sweep and this tick. Reports whether the bot
// was taken out of the active set.
func (s *Scheduler) applyKillSwitch(ctx context.Context, bot *core.Bot) bool {
	user, err := s.store.GetUser(ctx, bot.UserID)
	if err != nil {
		s.logger.Warn("load user", "bot", bot.ID, "error", err.Error())
		return false
	}
	if !user.KillSwitchEnabled {
		return false
	}

	lastError := fmt.Sprintf("KILL_SWITCH: %s", user.KillSwitchReason)
	err = s.store.UpdateBotCAS(ctx, bot.ID, bot.StatusVersion, store.BotUpdate{
		Status:    core.StatusStopping,
		LastError: &lastError,
	})
	if err != nil && !errors.Is(err, apperrors.ErrCASFailed) {
		s.logger.Error("kill switch stop failed", "bot", bot.ID, "error", err.Error())
		return false
	}
	telemetry.GetGlobalMetrics().CountRiskTrigger(ctx, "KILL_SWITCH")
	s.logger.Warn("kill switch stopping bot", "bot", bot.ID, "user", bot.UserID)
	return true
}

// adapterFor returns the cached adapter for the bot's account, building
// and caching it on a miss.
func (s *Scheduler) adapterFor(bot *core.Bot) (exchange.Adapter, error) {
	if cached, ok := s.adapters.Get(bot.ExchangeAccountID); ok {
		return cached.(exchange.Adapter), nil
	}

	account, err := s.store.GetAccount(context.Background(), bot.ExchangeAccountID)
	if err != nil {
		return nil, fmt.Errorf("load account %s: %w", bot.ExchangeAccountID, err)
	}
	adapter, err := s.factory.NewAdapter(account)
	if err != nil {
		return nil, err
	}
	s.adapters.Add(bot.ExchangeAccountID, adapter)
	return adapter, nil
}

// EvictAccount drops the cached adapter for an account. Called when the
// account is deleted so the next bot on it fails fast instead of trading
// through a stale adapter.
func (s *Scheduler) EvictAccount(accountID string) {
	s.adapters.Remove(accountID)
}

// PoolStats exposes worker pool counters for the status endpoint.
func (s *Scheduler) PoolStats() map[string]interface{} {
	return s.pool.Stats()
}
