package exchange

import (
	"encoding/json"
	"fmt"
	"strings"

	"gridbot/internal/config"
	"gridbot/internal/core"
)

// Factory builds adapters for exchange accounts according to the provider
// configuration. Mainnet accounts are refused unless explicitly allowed.
type Factory struct {
	cfg    *config.Config
	cipher *config.Cipher
	logger core.ILogger

	// shared simulator so every sim-backed account sees one market
	sim *Simulator
}

const (
	defaultRatePerSecond = 8
	defaultRateBurst     = 16
)

func NewFactory(cfg *config.Config, cipher *config.Cipher, logger core.ILogger) *Factory {
	return &Factory{
		cfg:    cfg,
		cipher: cipher,
		logger: logger,
		sim:    NewSimulator("sim"),
	}
}

// Sim exposes the shared simulator for seeding in tests and paper runs.
func (f *Factory) Sim() *Simulator { return f.sim }

// NewAdapter builds the adapter for one exchange account.
func (f *Factory) NewAdapter(account *core.ExchangeAccount) (Adapter, error) {
	if !core.IsSupportedExchange(account.Exchange) {
		return nil, fmt.Errorf("unsupported exchange: %s", account.Exchange)
	}
	if !account.IsTestnet && !f.cfg.Exchange.AllowMainnet {
		return nil, fmt.Errorf("mainnet account %s refused: mainnet trading is not enabled", account.ID)
	}

	switch strings.ToLower(f.cfg.Exchange.Provider) {
	case "", "sim":
		return f.sim, nil
	case "real":
		if !f.cfg.Exchange.UseRealExchange {
			f.logger.Warn("real provider configured but trading against real venues is disabled, using simulator",
				"account", account.ID)
			return f.sim, nil
		}
		creds, err := f.decryptCredentials(account)
		if err != nil {
			return nil, err
		}
		gw, err := NewGateway(account.Exchange, f.cfg.Exchange.GatewayBaseURL,
			f.cfg.Exchange.ProxyURL, f.cfg.Worker.ExchangeCallTimeout, creds, f.logger)
		if err != nil {
			return nil, err
		}
		return WithRateLimit(gw, defaultRatePerSecond, defaultRateBurst), nil
	default:
		return nil, fmt.Errorf("unsupported exchange provider: %s", f.cfg.Exchange.Provider)
	}
}

func (f *Factory) decryptCredentials(account *core.ExchangeAccount) (Credentials, error) {
	if f.cipher == nil {
		return Credentials{}, fmt.Errorf("credentials encryption key not configured")
	}
	plain, err := f.cipher.Decrypt(account.EncryptedCredentials)
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to decrypt credentials for account %s: %w", account.ID, err)
	}
	var creds Credentials
	if err := json.Unmarshal([]byte(plain), &creds); err != nil {
		return Credentials{}, fmt.Errorf("failed to parse credentials for account %s: %w", account.ID, err)
	}
	return creds, nil
}
