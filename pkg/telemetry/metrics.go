package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricTicksTotal            = "gridbot_worker_ticks_total"
	MetricBotErrorsTotal        = "gridbot_bot_errors_total"
	MetricOrdersSubmittedTotal  = "gridbot_orders_submitted_total"
	MetricOrdersFilledTotal     = "gridbot_orders_filled_total"
	MetricSubmitRetriesTotal    = "gridbot_submit_retries_total"
	MetricSnapshotsTotal        = "gridbot_snapshots_total"
	MetricTradesRecordedTotal   = "gridbot_trades_recorded_total"
	MetricAlertsTotal           = "gridbot_alerts_total"
	MetricRiskTriggersTotal     = "gridbot_risk_triggers_total"
	MetricBotsActive            = "gridbot_bots_active"
	MetricBotsStopping          = "gridbot_bots_stopping"
	MetricReconcileDuration     = "gridbot_reconcile_duration_ms"
	MetricSubmitDuration        = "gridbot_submit_duration_ms"
	MetricProviderCacheSize     = "gridbot_provider_cache_size"
	MetricProviderCacheEvctions = "gridbot_provider_cache_evictions_total"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	TicksTotal           metric.Int64Counter
	BotErrorsTotal       metric.Int64Counter
	OrdersSubmittedTotal metric.Int64Counter
	OrdersFilledTotal    metric.Int64Counter
	SubmitRetriesTotal   metric.Int64Counter
	SnapshotsTotal       metric.Int64Counter
	TradesRecordedTotal  metric.Int64Counter
	AlertsTotal          metric.Int64Counter
	RiskTriggersTotal    metric.Int64Counter
	CacheEvictionsTotal  metric.Int64Counter
	BotsActive           metric.Int64ObservableGauge
	BotsStopping         metric.Int64ObservableGauge
	ProviderCacheSize    metric.Int64ObservableGauge
	ReconcileDuration    metric.Float64Histogram
	SubmitDuration       metric.Float64Histogram

	mu            sync.RWMutex
	botsActive    int64
	botsStopping  int64
	cacheSize     int64
	initialized   bool
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{}
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.TicksTotal, err = meter.Int64Counter(MetricTicksTotal, metric.WithDescription("Worker scheduler ticks"))
	if err != nil {
		return err
	}

	m.BotErrorsTotal, err = meter.Int64Counter(MetricBotErrorsTotal, metric.WithDescription("Per-bot pipeline errors"))
	if err != nil {
		return err
	}

	m.OrdersSubmittedTotal, err = meter.Int64Counter(MetricOrdersSubmittedTotal, metric.WithDescription("Orders submitted to exchanges"))
	if err != nil {
		return err
	}

	m.OrdersFilledTotal, err = meter.Int64Counter(MetricOrdersFilledTotal, metric.WithDescription("Orders observed filled during reconcile"))
	if err != nil {
		return err
	}

	m.SubmitRetriesTotal, err = meter.Int64Counter(MetricSubmitRetriesTotal, metric.WithDescription("Order submission retries"))
	if err != nil {
		return err
	}

	m.SnapshotsTotal, err = meter.Int64Counter(MetricSnapshotsTotal, metric.WithDescription("Bot snapshots inserted"))
	if err != nil {
		return err
	}

	m.TradesRecordedTotal, err = meter.Int64Counter(MetricTradesRecordedTotal, metric.WithDescription("Trades recorded idempotently"))
	if err != nil {
		return err
	}

	m.AlertsTotal, err = meter.Int64Counter(MetricAlertsTotal, metric.WithDescription("Alerts dispatched by level"))
	if err != nil {
		return err
	}

	m.RiskTriggersTotal, err = meter.Int64Counter(MetricRiskTriggersTotal, metric.WithDescription("Risk transitions by kind"))
	if err != nil {
		return err
	}

	m.CacheEvictionsTotal, err = meter.Int64Counter(MetricProviderCacheEvctions, metric.WithDescription("Provider cache evictions"))
	if err != nil {
		return err
	}

	m.ReconcileDuration, err = meter.Float64Histogram(MetricReconcileDuration, metric.WithDescription("Reconcile pass duration"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.SubmitDuration, err = meter.Float64Histogram(MetricSubmitDuration, metric.WithDescription("Order submission duration"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.BotsActive, err = meter.Int64ObservableGauge(MetricBotsActive, metric.WithDescription("Bots in RUNNING or WAITING_TRIGGER"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.botsActive)
			return nil
		}))
	if err != nil {
		return err
	}

	m.BotsStopping, err = meter.Int64ObservableGauge(MetricBotsStopping, metric.WithDescription("Bots in STOPPING"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.botsStopping)
			return nil
		}))
	if err != nil {
		return err
	}

	m.ProviderCacheSize, err = meter.Int64ObservableGauge(MetricProviderCacheSize, metric.WithDescription("Cached exchange adapters"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.cacheSize)
			return nil
		}))
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.initialized = true
	m.mu.Unlock()
	return nil
}

// Ready reports whether instruments were initialized. Counter adds before
// InitMetrics would nil-panic, so hot paths check this once per tick.
func (m *MetricsHolder) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.initialized
}

// SetBotsActive updates the active-bots gauge state.
func (m *MetricsHolder) SetBotsActive(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.botsActive = n
}

// SetBotsStopping updates the stopping-bots gauge state.
func (m *MetricsHolder) SetBotsStopping(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.botsStopping = n
}

// SetProviderCacheSize updates the adapter cache gauge state.
func (m *MetricsHolder) SetProviderCacheSize(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cacheSize = n
}

// CountTradeRecorded increments the recorded-trades counter.
func (m *MetricsHolder) CountTradeRecorded(ctx context.Context) {
	if !m.Ready() {
		return
	}
	m.TradesRecordedTotal.Add(ctx, 1)
}

// CountSnapshot increments the snapshots counter.
func (m *MetricsHolder) CountSnapshot(ctx context.Context) {
	if !m.Ready() {
		return
	}
	m.SnapshotsTotal.Add(ctx, 1)
}

// ObserveReconcile records one reconcile pass duration.
func (m *MetricsHolder) ObserveReconcile(ctx context.Context, d time.Duration) {
	if !m.Ready() {
		return
	}
	m.ReconcileDuration.Record(ctx, float64(d.Milliseconds()))
}

// ObserveSubmit records one order submission duration.
func (m *MetricsHolder) ObserveSubmit(ctx context.Context, d time.Duration) {
	if !m.Ready() {
		return
	}
	m.SubmitDuration.Record(ctx, float64(d.Milliseconds()))
}

// CountOrderSubmitted increments the submitted-orders counter.
func (m *MetricsHolder) CountOrderSubmitted(ctx context.Context, exchangeName string) {
	if !m.Ready() {
		return
	}
	m.OrdersSubmittedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("exchange", exchangeName),
	))
}

// CountOrderFilled increments the filled-orders counter.
func (m *MetricsHolder) CountOrderFilled(ctx context.Context) {
	if !m.Ready() {
		return
	}
	m.OrdersFilledTotal.Add(ctx, 1)
}

// CountSubmitRetry increments the submission-retries counter.
func (m *MetricsHolder) CountSubmitRetry(ctx context.Context) {
	if !m.Ready() {
		return
	}
	m.SubmitRetriesTotal.Add(ctx, 1)
}

// CountRiskTrigger increments the risk-transitions counter by kind
// (AUTO_CLOSE, STOP_LOSS, KILL_SWITCH).
func (m *MetricsHolder) CountRiskTrigger(ctx context.Context, kind string) {
	if !m.Ready() {
		return
	}
	m.RiskTriggersTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
	))
}

// CountAlert increments the dispatched-alerts counter by level.
func (m *MetricsHolder) CountAlert(ctx context.Context, level string) {
	if !m.Ready() {
		return
	}
	m.AlertsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("level", level),
	))
}

// CountTick increments the scheduler tick counter.
func (m *MetricsHolder) CountTick(ctx context.Context) {
	if !m.Ready() {
		return
	}
	m.TicksTotal.Add(ctx, 1)
}

// CountCacheEviction increments the provider cache eviction counter.
func (m *MetricsHolder) CountCacheEviction(ctx context.Context) {
	if !m.Ready() {
		return
	}
	m.CacheEvictionsTotal.Add(ctx, 1)
}

// CountBotError increments the per-bot error counter.
func (m *MetricsHolder) CountBotError(ctx context.Context, botID, stage string) {
	if !m.Ready() {
		return
	}
	m.BotErrorsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("bot_id", botID),
		attribute.String("stage", stage),
	))
}
