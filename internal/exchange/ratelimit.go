package exchange

import (
	"context"
	"time"

	"gridbot/internal/core"

	"golang.org/x/time/rate"
)

// rateLimited wraps an Adapter with a per-account request budget so one
// busy bot cannot starve the venue's rate limit for the whole account.
type rateLimited struct {
	inner   Adapter
	limiter *rate.Limiter
}

// WithRateLimit caps the adapter at rps requests per second with the given burst.
func WithRateLimit(inner Adapter, rps float64, burst int) Adapter {
	return &rateLimited{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

func (r *rateLimited) wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

func (r *rateLimited) Name() string { return r.inner.Name() }

func (r *rateLimited) Close() error { return r.inner.Close() }

func (r *rateLimited) GetTicker(ctx context.Context, symbol string) (*core.Ticker, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.inner.GetTicker(ctx, symbol)
}

func (r *rateLimited) GetMarketInfo(ctx context.Context, symbol string) (*core.MarketInfo, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.inner.GetMarketInfo(ctx, symbol)
}

func (r *rateLimited) FetchBalance(ctx context.Context) (map[string]core.Balance, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.inner.FetchBalance(ctx)
}

func (r *rateLimited) FetchOpenOrders(ctx context.Context, symbol string) ([]*core.Order, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.inner.FetchOpenOrders(ctx, symbol)
}

func (r *rateLimited) FetchMyTrades(ctx context.Context, symbol string, since time.Time) ([]*core.Trade, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.inner.FetchMyTrades(ctx, symbol, since)
}

func (r *rateLimited) CreateOrder(ctx context.Context, req OrderRequest) (*OrderAck, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.inner.CreateOrder(ctx, req)
}

func (r *rateLimited) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	if err := r.wait(ctx); err != nil {
		return err
	}
	return r.inner.CancelOrder(ctx, symbol, exchangeOrderID)
}
