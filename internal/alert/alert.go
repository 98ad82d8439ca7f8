// Package alert fans operational notifications out to the configured
// channels. Delivery is asynchronous except for critical alerts, which are
// awaited: a bot we could not shut down must not lose its page.
package alert

import (
	"context"
	"sync"
	"time"

	"gridbot/internal/core"
	"gridbot/pkg/telemetry"
)

type Level string

const (
	Info     Level = "INFO"
	Warning  Level = "WARNING"
	Error    Level = "ERROR"
	Critical Level = "CRITICAL"
)

// Payload is one alert as handed to every channel.
type Payload struct {
	Level     Level
	Title     string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

// Channel delivers a payload to one destination.
type Channel interface {
	Send(ctx context.Context, p Payload) error
	Name() string
}

// Manager dispatches alerts to all registered channels.
type Manager struct {
	channels []Channel
	clock    core.Clock
	logger   core.ILogger
	mu       sync.RWMutex
}

func NewManager(clock core.Clock, logger core.ILogger) *Manager {
	return &Manager{
		clock:  clock,
		logger: logger.WithField("component", "alerts"),
	}
}

func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
	m.logger.Info("alert channel registered", "name", ch.Name())
}

// Alert dispatches to every channel. Critical alerts block until all
// channels have been attempted; lower levels return immediately.
func (m *Manager) Alert(ctx context.Context, level Level, title, message string, fields map[string]string) {
	p := Payload{
		Level:     level,
		Title:     title,
		Message:   message,
		Timestamp: m.clock.Now(),
		Fields:    fields,
	}
	telemetry.GetGlobalMetrics().CountAlert(ctx, string(level))

	m.mu.RLock()
	channels := append([]Channel(nil), m.channels...)
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, ch := range channels {
		wg.Add(1)
		go func(c Channel) {
			defer wg.Done()
			sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			if err := c.Send(sendCtx, p); err != nil {
				m.logger.Error("alert delivery failed",
					"channel", c.Name(), "title", title, "error", err)
			}
		}(ch)
	}
	if level == Critical {
		wg.Wait()
	}
}

// BotCritical is the escalation hook for unstoppable bots. The full bot
// context travels in the payload so an operator can act from the page alone.
func (m *Manager) BotCritical(ctx context.Context, bot *core.Bot, title, message string) {
	m.Alert(ctx, Critical, title, message, map[string]string{
		"botId":  bot.ID,
		"runId":  bot.RunID,
		"symbol": bot.Symbol,
		"status": string(bot.Status),
	})
}

// LogChannel mirrors every alert into the structured log; always registered
// so alerts are visible even with no external channel configured.
type LogChannel struct {
	logger core.ILogger
}

func NewLogChannel(logger core.ILogger) *LogChannel {
	return &LogChannel{logger: logger}
}

func (l *LogChannel) Name() string { return "log" }

func (l *LogChannel) Send(_ context.Context, p Payload) error {
	log := l.logger.WithFields(map[string]interface{}{"title": p.Title, "level": string(p.Level)})
	for k, v := range p.Fields {
		log = log.WithField(k, v)
	}
	switch p.Level {
	case Critical, Error:
		log.Error(p.Message)
	case Warning:
		log.Warn(p.Message)
	default:
		log.Info(p.Message)
	}
	return nil
}
