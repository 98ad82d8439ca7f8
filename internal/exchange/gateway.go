package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"gridbot/internal/core"
	apperrors "gridbot/pkg/errors"
	"gridbot/pkg/httpclient"

	"github.com/shopspring/decimal"
)

// Gateway talks to the order-gateway service that fronts the real venues.
// One Gateway instance is bound to one venue and one set of credentials.
type Gateway struct {
	venue  string
	client *httpclient.Client
	logger core.ILogger
}

// apiKeySigner authenticates gateway requests with the account credentials.
type apiKeySigner struct {
	creds Credentials
}

func (s *apiKeySigner) SignRequest(req *http.Request) error {
	req.Header.Set("X-Api-Key", s.creds.APIKey)
	req.Header.Set("X-Api-Secret", s.creds.APISecret)
	if s.creds.Passphrase != "" {
		req.Header.Set("X-Api-Passphrase", s.creds.Passphrase)
	}
	return nil
}

// NewGateway builds an adapter for the given venue behind the gateway at baseURL.
func NewGateway(venue, baseURL, proxyURL string, timeout time.Duration, creds Credentials, logger core.ILogger) (*Gateway, error) {
	client, err := httpclient.NewClient(baseURL, timeout, proxyURL, &apiKeySigner{creds: creds})
	if err != nil {
		return nil, fmt.Errorf("failed to build gateway client: %w", err)
	}
	return &Gateway{venue: venue, client: client, logger: logger}, nil
}

func (g *Gateway) Name() string { return g.venue }

func (g *Gateway) Close() error { return nil }

// gateway wire types

type gwTicker struct {
	Symbol    string `json:"symbol"`
	Last      string `json:"last"`
	Bid       string `json:"bid"`
	Ask       string `json:"ask"`
	Timestamp int64  `json:"timestamp"`
}

type gwMarket struct {
	Symbol      string `json:"symbol"`
	BaseAsset   string `json:"baseAsset"`
	QuoteAsset  string `json:"quoteAsset"`
	MinAmount   string `json:"minAmount"`
	MinNotional string `json:"minNotional"`
	PricePrec   int32  `json:"pricePrecision"`
	AmountPrec  int32  `json:"amountPrecision"`
}

type gwBalance struct {
	Free   string `json:"free"`
	Locked string `json:"locked"`
}

type gwOrder struct {
	ExchangeOrderID string `json:"orderId"`
	ClientOrderID   string `json:"clientOrderId"`
	Symbol          string `json:"symbol"`
	Side            string `json:"side"`
	Type            string `json:"type"`
	Status          string `json:"status"`
	Price           string `json:"price"`
	Amount          string `json:"amount"`
	Filled          string `json:"filled"`
	AvgFillPrice    string `json:"avgFillPrice"`
	Timestamp       int64  `json:"timestamp"`
}

type gwTrade struct {
	TradeID         string `json:"tradeId"`
	ClientOrderID   string `json:"clientOrderId"`
	ExchangeOrderID string `json:"orderId"`
	Symbol          string `json:"symbol"`
	Side            string `json:"side"`
	Price           string `json:"price"`
	Amount          string `json:"amount"`
	Fee             string `json:"fee"`
	FeeCurrency     string `json:"feeCurrency"`
	Timestamp       int64  `json:"timestamp"`
}

type gwError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (g *Gateway) GetTicker(ctx context.Context, symbol string) (*core.Ticker, error) {
	body, err := g.client.Get(ctx, "/v1/ticker", map[string]string{
		"exchange": g.venue,
		"symbol":   symbol,
	})
	if err != nil {
		return nil, normalizeError(err)
	}
	var t gwTicker
	if err := json.Unmarshal(body, &t); err != nil {
		return nil, fmt.Errorf("failed to decode ticker: %w", err)
	}
	return &core.Ticker{
		Symbol:    t.Symbol,
		Last:      dec(t.Last),
		Bid:       dec(t.Bid),
		Ask:       dec(t.Ask),
		Timestamp: time.UnixMilli(t.Timestamp).UTC(),
	}, nil
}

func (g *Gateway) GetMarketInfo(ctx context.Context, symbol string) (*core.MarketInfo, error) {
	body, err := g.client.Get(ctx, "/v1/market", map[string]string{
		"exchange": g.venue,
		"symbol":   symbol,
	})
	if err != nil {
		return nil, normalizeError(err)
	}
	var m gwMarket
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("failed to decode market info: %w", err)
	}
	return &core.MarketInfo{
		Symbol:      m.Symbol,
		BaseAsset:   m.BaseAsset,
		QuoteAsset:  m.QuoteAsset,
		MinAmount:   dec(m.MinAmount),
		MinNotional: dec(m.MinNotional),
		PricePrec:   m.PricePrec,
		AmountPrec:  m.AmountPrec,
	}, nil
}

func (g *Gateway) FetchBalance(ctx context.Context) (map[string]core.Balance, error) {
	body, err := g.client.Get(ctx, "/v1/balance", map[string]string{"exchange": g.venue})
	if err != nil {
		return nil, normalizeError(err)
	}
	var raw map[string]gwBalance
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode balances: %w", err)
	}
	out := make(map[string]core.Balance, len(raw))
	for asset, b := range raw {
		free, locked := dec(b.Free), dec(b.Locked)
		if free.IsZero() && locked.IsZero() {
			continue
		}
		out[asset] = core.Balance{Free: free, Locked: locked, Total: free.Add(locked)}
	}
	return out, nil
}

func (g *Gateway) FetchOpenOrders(ctx context.Context, symbol string) ([]*core.Order, error) {
	body, err := g.client.Get(ctx, "/v1/orders/open", map[string]string{
		"exchange": g.venue,
		"symbol":   symbol,
	})
	if err != nil {
		return nil, normalizeError(err)
	}
	var raw []gwOrder
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode open orders: %w", err)
	}
	orders := make([]*core.Order, 0, len(raw))
	for _, o := range raw {
		orders = append(orders, o.toCore(g.venue))
	}
	return orders, nil
}

func (g *Gateway) FetchMyTrades(ctx context.Context, symbol string, since time.Time) ([]*core.Trade, error) {
	body, err := g.client.Get(ctx, "/v1/trades", map[string]string{
		"exchange": g.venue,
		"symbol":   symbol,
		"since":    strconv.FormatInt(since.UnixMilli(), 10),
	})
	if err != nil {
		return nil, normalizeError(err)
	}
	var raw []gwTrade
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode trades: %w", err)
	}
	trades := make([]*core.Trade, 0, len(raw))
	for _, t := range raw {
		trades = append(trades, &core.Trade{
			TradeID:         t.TradeID,
			ClientOrderID:   t.ClientOrderID,
			ExchangeOrderID: t.ExchangeOrderID,
			Exchange:        g.venue,
			Symbol:          t.Symbol,
			Side:            core.Side(t.Side),
			Price:           dec(t.Price),
			Amount:          dec(t.Amount),
			Fee:             dec(t.Fee),
			FeeCurrency:     t.FeeCurrency,
			Timestamp:       time.UnixMilli(t.Timestamp).UTC(),
		})
	}
	return trades, nil
}

func (g *Gateway) CreateOrder(ctx context.Context, req OrderRequest) (*OrderAck, error) {
	payload := map[string]string{
		"exchange":      g.venue,
		"symbol":        req.Symbol,
		"clientOrderId": req.ClientOrderID,
		"side":          string(req.Side),
		"type":          string(req.Type),
		"amount":        req.Amount.String(),
	}
	if req.Type == core.TypeLimit {
		payload["price"] = req.Price.String()
	}

	body, err := g.client.Post(ctx, "/v1/orders", payload)
	if err != nil {
		nerr := normalizeError(err)
		if ee, ok := apperrors.AsExchangeError(nerr); ok && ee.Code == apperrors.CodeDuplicateOrder {
			// The client order id already exists at the venue, so the
			// original submission went through. Recover its ack instead of
			// surfacing the conflict.
			if ack, lerr := g.lookupByClientOrderID(ctx, req.Symbol, req.ClientOrderID); lerr == nil {
				g.logger.Info("recovered existing order after duplicate submit",
					"clientOrderId", req.ClientOrderID, "exchangeOrderId", ack.ExchangeOrderID)
				return ack, nil
			}
		}
		return nil, nerr
	}
	var o gwOrder
	if err := json.Unmarshal(body, &o); err != nil {
		return nil, fmt.Errorf("failed to decode order ack: %w", err)
	}
	return &OrderAck{
		ExchangeOrderID: o.ExchangeOrderID,
		Status:          core.OrderStatus(o.Status),
		FilledAmount:    dec(o.Filled),
		AvgFillPrice:    dec(o.AvgFillPrice),
	}, nil
}

// lookupByClientOrderID finds an existing order, checking the open set first
// and falling back to the order history endpoint.
func (g *Gateway) lookupByClientOrderID(ctx context.Context, symbol, clientOrderID string) (*OrderAck, error) {
	open, err := g.FetchOpenOrders(ctx, symbol)
	if err == nil {
		for _, o := range open {
			if o.ClientOrderID == clientOrderID {
				return &OrderAck{
					ExchangeOrderID: o.ExchangeOrderID,
					Status:          o.Status,
					FilledAmount:    o.FilledAmount,
					AvgFillPrice:    o.AvgFillPrice,
				}, nil
			}
		}
	}

	body, err := g.client.Get(ctx, "/v1/orders", map[string]string{
		"exchange":      g.venue,
		"symbol":        symbol,
		"clientOrderId": clientOrderID,
	})
	if err != nil {
		return nil, normalizeError(err)
	}
	var o gwOrder
	if err := json.Unmarshal(body, &o); err != nil {
		return nil, fmt.Errorf("failed to decode order lookup: %w", err)
	}
	if o.ClientOrderID != clientOrderID {
		return nil, apperrors.NewExchangeError(apperrors.CodeOrderNotFound, "order not found by client order id")
	}
	return &OrderAck{
		ExchangeOrderID: o.ExchangeOrderID,
		Status:          core.OrderStatus(o.Status),
		FilledAmount:    dec(o.Filled),
		AvgFillPrice:    dec(o.AvgFillPrice),
	}, nil
}

func (g *Gateway) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	_, err := g.client.Delete(ctx, "/v1/orders", map[string]string{
		"exchange": g.venue,
		"symbol":   symbol,
		"orderId":  exchangeOrderID,
	})
	if err != nil {
		return normalizeError(err)
	}
	return nil
}

func (o gwOrder) toCore(venue string) *core.Order {
	submitted := time.UnixMilli(o.Timestamp).UTC()
	return &core.Order{
		ExchangeOrderID: o.ExchangeOrderID,
		ClientOrderID:   o.ClientOrderID,
		Exchange:        venue,
		Symbol:          o.Symbol,
		Side:            core.Side(o.Side),
		Type:            core.OrderType(o.Type),
		Status:          core.OrderStatus(o.Status),
		Price:           dec(o.Price),
		Amount:          dec(o.Amount),
		FilledAmount:    dec(o.Filled),
		AvgFillPrice:    dec(o.AvgFillPrice),
		SubmittedAt:     &submitted,
		CreatedAt:       submitted,
	}
}

func dec(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// normalizeError maps a gateway failure into the adapter error taxonomy.
func normalizeError(err error) error {
	var apiErr *httpclient.APIError
	if !errors.As(err, &apiErr) {
		// Network level failure: venue unreachable.
		ee := apperrors.NewExchangeError(apperrors.CodeExchangeUnavailable, err.Error())
		return ee
	}

	// Prefer the gateway's own code when the body carries one.
	var ge gwError
	if json.Unmarshal(apiErr.Body, &ge) == nil && ge.Code != "" {
		return apperrors.NewExchangeError(apperrors.Code(ge.Code), ge.Message)
	}

	switch {
	case apiErr.StatusCode == http.StatusTooManyRequests:
		return apperrors.NewExchangeError(apperrors.CodeRateLimit, "rate limited by gateway")
	case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden:
		return apperrors.NewExchangeError(apperrors.CodeAuth, "gateway rejected credentials")
	case apiErr.StatusCode == http.StatusNotFound:
		return apperrors.NewExchangeError(apperrors.CodeOrderNotFound, "not found")
	case apiErr.StatusCode == http.StatusConflict:
		return apperrors.NewExchangeError(apperrors.CodeDuplicateOrder, "duplicate client order id")
	case apiErr.StatusCode == http.StatusRequestTimeout || apiErr.StatusCode == http.StatusGatewayTimeout:
		return apperrors.NewExchangeError(apperrors.CodeTimeout, "gateway timeout")
	case apiErr.StatusCode >= 500:
		return apperrors.NewExchangeError(apperrors.CodeExchangeUnavailable, apiErr.Error())
	default:
		return apperrors.NewExchangeError(apperrors.CodeBadRequest, apiErr.Error())
	}
}

var _ Adapter = (*Gateway)(nil)
