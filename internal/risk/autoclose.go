package risk

import (
	"context"
	"errors"
	"fmt"

	"gridbot/internal/config"
	"gridbot/internal/core"
	"gridbot/internal/store"
	apperrors "gridbot/pkg/errors"

	"github.com/shopspring/decimal"
)

// AutoCloseOutcome is returned by the persistence service. It is the single
// shape both the worker tick and the HTTP risk-check endpoint consume.
type AutoCloseOutcome struct {
	Triggered           bool
	PreviouslyTriggered bool
	NewStatus           core.BotStatus
	DrawdownPercent     string
}

// AutoCloseService decides and persists AutoClose transitions. Both the
// worker and the HTTP risk-check route through this one code path.
type AutoCloseService struct {
	store  store.Store
	clock  core.Clock
	logger core.ILogger
}

func NewAutoCloseService(st store.Store, clock core.Clock, logger core.ILogger) *AutoCloseService {
	return &AutoCloseService{store: st, clock: clock, logger: logger}
}

// Check evaluates AutoClose for bot at lastPrice and persists a STOPPING
// transition when it fires. A zero or negative lastPrice is treated as a
// venue failure, never as a trigger or a silent skip.
func (s *AutoCloseService) Check(ctx context.Context, bot *core.Bot, lastPrice decimal.Decimal) (*AutoCloseOutcome, error) {
	if lastPrice.LessThanOrEqual(decimal.Zero) {
		return nil, apperrors.NewExchangeError(apperrors.CodeExchangeUnavailable,
			fmt.Sprintf("unusable last price %q for %s", lastPrice, bot.Symbol))
	}

	cfg, err := config.ParseBotConfig(bot.ConfigJSON)
	if err != nil {
		return nil, err
	}

	alreadyTriggered := bot.AutoCloseTriggeredAt != nil
	if alreadyTriggered {
		return &AutoCloseOutcome{PreviouslyTriggered: true, NewStatus: bot.Status}, nil
	}
	if !bot.HasReferencePrice {
		return &AutoCloseOutcome{NewStatus: bot.Status}, nil
	}

	decision := EvaluateAutoClose(cfg.Risk, bot.AutoCloseReferencePrice, lastPrice, alreadyTriggered)
	if !decision.ShouldTrigger {
		return &AutoCloseOutcome{NewStatus: bot.Status, DrawdownPercent: decision.DrawdownPercent}, nil
	}

	now := s.clock.Now()
	reason := "AUTO_CLOSE"
	lastError := fmt.Sprintf("AUTO_CLOSE triggered: drawdown %s%%", decision.DrawdownPercent)
	err = s.store.MarkAutoCloseTriggered(ctx, bot.ID, bot.StatusVersion, store.BotUpdate{
		Status:               core.StatusStopping,
		AutoCloseReason:      &reason,
		AutoCloseTriggeredAt: &now,
		LastError:            &lastError,
	})
	if err == nil {
		s.logger.Warn("auto close triggered",
			"bot", bot.ID, "drawdown", decision.DrawdownPercent, "last", lastPrice.String())
		return &AutoCloseOutcome{
			Triggered:       true,
			NewStatus:       core.StatusStopping,
			DrawdownPercent: decision.DrawdownPercent,
		}, nil
	}
	if !errors.Is(err, apperrors.ErrCASFailed) {
		return nil, err
	}

	// Disambiguate the CAS miss by re-reading.
	fresh, readErr := s.store.GetBot(ctx, bot.ID)
	if readErr != nil {
		return nil, readErr
	}
	if fresh.AutoCloseTriggeredAt != nil {
		return &AutoCloseOutcome{PreviouslyTriggered: true, NewStatus: fresh.Status}, nil
	}
	return nil, apperrors.ErrConcurrentModification
}
