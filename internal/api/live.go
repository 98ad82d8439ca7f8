package api

import (
	"context"
	"time"

	"gridbot/internal/core"
	"gridbot/internal/store"
	"gridbot/pkg/liveserver"
)

var allStatuses = []core.BotStatus{
	core.StatusDraft,
	core.StatusWaitingTrigger,
	core.StatusRunning,
	core.StatusPaused,
	core.StatusStopping,
	core.StatusStopped,
	core.StatusError,
}

// StatusPoller watches bot rows and pushes status transitions to the live
// hub. Polling keeps the worker decoupled from the streaming layer.
type StatusPoller struct {
	store    store.Store
	hub      *liveserver.Hub
	clock    core.Clock
	logger   core.ILogger
	interval time.Duration

	seen map[string]core.BotStatus
}

func NewStatusPoller(st store.Store, hub *liveserver.Hub, clock core.Clock, logger core.ILogger, interval time.Duration) *StatusPoller {
	if interval <= 0 {
		interval = time.Second
	}
	return &StatusPoller{
		store:    st,
		hub:      hub,
		clock:    clock,
		logger:   logger.WithField("component", "status_poller"),
		interval: interval,
		seen:     make(map[string]core.BotStatus),
	}
}

// Run polls until ctx is cancelled.
func (p *StatusPoller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *StatusPoller) poll(ctx context.Context) {
	bots, err := p.store.ListBotsByStatus(ctx, allStatuses, 0)
	if err != nil {
		p.logger.Warn("status poll failed", "error", err.Error())
		return
	}

	current := make(map[string]core.BotStatus, len(bots))
	for _, bot := range bots {
		current[bot.ID] = bot.Status
		if prev, ok := p.seen[bot.ID]; ok && prev == bot.Status {
			continue
		}
		p.hub.Broadcast(liveserver.Message{
			Type:      liveserver.TypeBotStatus,
			Timestamp: p.clock.Now(),
			Data: map[string]string{
				"botId":     bot.ID,
				"status":    string(bot.Status),
				"lastError": bot.LastError,
			},
		})
	}
	p.seen = current
}
