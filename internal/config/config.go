// Package config handles worker configuration, bot config parsing and
// credential encryption.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete worker configuration.
type Config struct {
	Worker    WorkerConfig    `yaml:"worker"`
	Exchange  ExchangeConfig  `yaml:"exchange"`
	Store     StoreConfig     `yaml:"store"`
	System    SystemConfig    `yaml:"system"`
	Alerting  AlertingConfig  `yaml:"alerting"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// WorkerConfig contains the scheduler and retry policy settings.
type WorkerConfig struct {
	Enabled        bool `yaml:"enabled"`
	EnableTrading  bool `yaml:"enable_trading"`
	EnableStopping bool `yaml:"enable_stopping"`

	TickInterval time.Duration `yaml:"tick_interval"`
	BatchSize    int           `yaml:"batch_size"`
	PoolSize     int           `yaml:"pool_size"`

	OrderMaxRetries     int           `yaml:"order_max_retries"`
	OrderBackoffBase    time.Duration `yaml:"order_backoff_base"`
	OrderBackoffMax     time.Duration `yaml:"order_backoff_max"`
	StopMaxRetries      int           `yaml:"stop_max_retries"`
	StopBackoffBase     time.Duration `yaml:"stop_backoff_base"`
	StopBackoffMax      time.Duration `yaml:"stop_backoff_max"`
	ProviderCacheSize   int           `yaml:"provider_cache_size"`
	ExchangeCallTimeout time.Duration `yaml:"exchange_call_timeout"`
}

// ExchangeConfig contains adapter construction settings.
type ExchangeConfig struct {
	UseRealExchange bool   `yaml:"use_real_exchange"`
	Provider        string `yaml:"provider"` // "sim" or "real"
	AllowMainnet    bool   `yaml:"allow_mainnet"`
	GatewayBaseURL  string `yaml:"gateway_base_url"`
	ProxyURL        string `yaml:"proxy_url"`
}

// StoreConfig contains persistence settings.
type StoreConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// SystemConfig contains system settings.
type SystemConfig struct {
	LogLevel                 string `yaml:"log_level"`
	CredentialsEncryptionKey Secret `yaml:"credentials_encryption_key"`
	APIListenAddr            string `yaml:"api_listen_addr"`
}

// AlertingConfig contains alert channel settings.
type AlertingConfig struct {
	SlackWebhookURL  Secret `yaml:"slack_webhook_url"`
	TelegramBotToken Secret `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
}

// TelemetryConfig contains telemetry settings.
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// Load reads a YAML config file with environment variable expansion,
// applies WORKER_* environment overrides and validates the result.
func Load(filename string) (*Config, error) {
	cfg := Default()

	if filename != "" {
		data, err := os.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		expanded := os.Expand(string(data), os.Getenv)
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Worker: WorkerConfig{
			Enabled:             true,
			EnableTrading:       true,
			EnableStopping:      true,
			TickInterval:        time.Second,
			BatchSize:           50,
			PoolSize:            8,
			OrderMaxRetries:     5,
			OrderBackoffBase:    500 * time.Millisecond,
			OrderBackoffMax:     30 * time.Second,
			StopMaxRetries:      5,
			StopBackoffBase:     500 * time.Millisecond,
			StopBackoffMax:      30 * time.Second,
			ProviderCacheSize:   64,
			ExchangeCallTimeout: 10 * time.Second,
		},
		Exchange: ExchangeConfig{
			Provider: "sim",
		},
		Store: StoreConfig{
			DatabasePath: "gridbot.db",
		},
		System: SystemConfig{
			LogLevel:      "INFO",
			APIListenAddr: ":8080",
		},
		Telemetry: TelemetryConfig{
			MetricsPort:   9090,
			EnableMetrics: true,
		},
	}
}

// applyEnv overlays the environment variables the worker recognises.
func (c *Config) applyEnv() {
	boolEnv("WORKER_ENABLED", &c.Worker.Enabled)
	boolEnv("WORKER_ENABLE_TRADING", &c.Worker.EnableTrading)
	boolEnv("WORKER_ENABLE_STOPPING", &c.Worker.EnableStopping)
	boolEnv("WORKER_USE_REAL_EXCHANGE", &c.Exchange.UseRealExchange)
	boolEnv("ALLOW_MAINNET_TRADING", &c.Exchange.AllowMainnet)

	if v := os.Getenv("EXCHANGE_PROVIDER"); v != "" {
		c.Exchange.Provider = v
	}
	if v := os.Getenv("CREDENTIALS_ENCRYPTION_KEY"); v != "" {
		c.System.CredentialsEncryptionKey = Secret(v)
	}
	if v := os.Getenv("CCXT_PROXY_URL"); v != "" {
		c.Exchange.ProxyURL = v
	} else if v := os.Getenv("HTTPS_PROXY"); v != "" && os.Getenv("CCXT_NO_PROXY") == "" {
		c.Exchange.ProxyURL = v
	}

	intEnv("WORKER_ORDER_MAX_RETRIES", &c.Worker.OrderMaxRetries)
	msEnv("WORKER_ORDER_BACKOFF_BASE_MS", &c.Worker.OrderBackoffBase)
	msEnv("WORKER_ORDER_BACKOFF_MAX_MS", &c.Worker.OrderBackoffMax)
	intEnv("WORKER_STOP_MAX_RETRIES", &c.Worker.StopMaxRetries)
	msEnv("WORKER_STOP_BACKOFF_BASE_MS", &c.Worker.StopBackoffBase)
	msEnv("WORKER_STOP_BACKOFF_MAX_MS", &c.Worker.StopBackoffMax)
}

// Validate performs schema validation plus the trading pre-flight checks.
func (c *Config) Validate() error {
	var errs []string

	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		errs = append(errs, ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}.Error())
	}

	if c.Worker.TickInterval <= 0 {
		errs = append(errs, ValidationError{
			Field:   "worker.tick_interval",
			Value:   c.Worker.TickInterval,
			Message: "must be positive",
		}.Error())
	}
	if c.Worker.BatchSize <= 0 {
		errs = append(errs, ValidationError{
			Field:   "worker.batch_size",
			Value:   c.Worker.BatchSize,
			Message: "must be positive",
		}.Error())
	}
	if c.Worker.OrderMaxRetries <= 0 || c.Worker.StopMaxRetries <= 0 {
		errs = append(errs, ValidationError{
			Field:   "worker.order_max_retries",
			Message: "retry budgets must be positive",
		}.Error())
	}

	// Pre-flight: real trading requires an explicit provider opt-in.
	if c.Exchange.UseRealExchange && c.Exchange.Provider != "real" {
		errs = append(errs, ValidationError{
			Field:   "exchange.provider",
			Value:   c.Exchange.Provider,
			Message: "must be 'real' when use_real_exchange is set",
		}.Error())
	}
	if c.Exchange.UseRealExchange && c.Exchange.GatewayBaseURL == "" {
		errs = append(errs, ValidationError{
			Field:   "exchange.gateway_base_url",
			Message: "required when use_real_exchange is set",
		}.Error())
	}
	// Pre-flight: mainnet requires credential encryption at rest.
	if c.Exchange.AllowMainnet && c.System.CredentialsEncryptionKey == "" {
		errs = append(errs, ValidationError{
			Field:   "system.credentials_encryption_key",
			Message: "required when mainnet trading is allowed",
		}.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

// String returns the configuration with secrets redacted.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// Helper functions

func boolEnv(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "1" || strings.EqualFold(v, "true") || strings.EqualFold(v, "yes")
	}
}

func intEnv(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func msEnv(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Millisecond
		}
	}
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
