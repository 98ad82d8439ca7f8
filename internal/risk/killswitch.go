package risk

import (
	"context"
	"fmt"
	"time"

	"gridbot/internal/core"
	"gridbot/internal/store"
)

// KillSwitchService flips the per-user kill switch and drives the user's
// active bots to STOPPING.
type KillSwitchService struct {
	store  store.Store
	clock  core.Clock
	logger core.ILogger
}

func NewKillSwitchService(st store.Store, clock core.Clock, logger core.ILogger) *KillSwitchService {
	return &KillSwitchService{store: st, clock: clock, logger: logger}
}

// Enable turns the switch on (idempotently, preserving the first enabledAt)
// and bumps every RUNNING or WAITING_TRIGGER bot of the user to STOPPING.
// Individual CAS misses are swallowed: another actor already moved that bot.
func (s *KillSwitchService) Enable(ctx context.Context, userID, reason string) (time.Time, bool, error) {
	enabledAt, already, err := s.store.EnableKillSwitch(ctx, userID, reason, s.clock.Now())
	if err != nil {
		return time.Time{}, false, err
	}

	bots, err := s.store.ListBotsByUserAndStatus(ctx, userID,
		[]core.BotStatus{core.StatusRunning, core.StatusWaitingTrigger})
	if err != nil {
		return enabledAt, already, err
	}

	lastError := fmt.Sprintf("KILL_SWITCH: %s", reason)
	for _, bot := range bots {
		upd := store.BotUpdate{Status: core.StatusStopping, LastError: &lastError}
		if err := s.store.UpdateBotCAS(ctx, bot.ID, bot.StatusVersion, upd); err != nil {
			s.logger.Info("kill switch bot bump skipped", "bot", bot.ID, "err", err)
			continue
		}
		s.logger.Warn("kill switch stopping bot", "bot", bot.ID, "user", userID)
	}

	return enabledAt, already, nil
}

// Disable clears the flag. Audit fields (enabledAt, reason) are retained.
func (s *KillSwitchService) Disable(ctx context.Context, userID string) error {
	return s.store.DisableKillSwitch(ctx, userID)
}

// Active reports whether the user's kill switch is currently on.
func (s *KillSwitchService) Active(ctx context.Context, userID string) (bool, error) {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return false, err
	}
	return u.KillSwitchEnabled, nil
}
