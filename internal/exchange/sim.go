package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gridbot/internal/core"
	apperrors "gridbot/pkg/errors"

	"github.com/shopspring/decimal"
)

// Simulator is an in-process exchange used for tests and paper trading.
// Orders are idempotent on clientOrderId: resubmitting an id returns the
// original acknowledgement instead of creating a second order.
type Simulator struct {
	name string
	mu   sync.RWMutex

	orders         map[string]*simOrder // keyed by exchangeOrderId
	clientOrderMap map[string]string    // clientOrderId -> exchangeOrderId
	orderIDCounter int64
	tradeCounter   int64

	trades   []*core.Trade
	balances map[string]core.Balance
	tickers  map[string]core.Ticker
	markets  map[string]core.MarketInfo

	// Failure injection for tests: error returned by the next matching call.
	failCreate  error
	failFetch   error
	failTicker  error
	failCancel  error
	failBalance error

	now func() time.Time
}

type simOrder struct {
	order core.Order
}

func NewSimulator(name string) *Simulator {
	return &Simulator{
		name:           name,
		orders:         make(map[string]*simOrder),
		clientOrderMap: make(map[string]string),
		orderIDCounter: 1000,
		balances:       make(map[string]core.Balance),
		tickers:        make(map[string]core.Ticker),
		markets:        make(map[string]core.MarketInfo),
		now:            func() time.Time { return time.Now().UTC() },
	}
}

func (s *Simulator) Name() string { return s.name }

func (s *Simulator) Close() error { return nil }

// SetClock overrides the simulator time source.
func (s *Simulator) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Simulator) SetTicker(symbol string, last decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickers[symbol] = core.Ticker{
		Symbol:    symbol,
		Last:      last,
		Bid:       last,
		Ask:       last,
		Timestamp: s.now(),
	}
}

func (s *Simulator) SetBalance(asset string, free, locked decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[asset] = core.Balance{Free: free, Locked: locked, Total: free.Add(locked)}
}

func (s *Simulator) SetMarketInfo(info core.MarketInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markets[info.Symbol] = info
}

// FailNext arms a one-shot error for the named operation
// (create, cancel, fetch, ticker, balance).
func (s *Simulator) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch op {
	case "create":
		s.failCreate = err
	case "cancel":
		s.failCancel = err
	case "fetch":
		s.failFetch = err
	case "ticker":
		s.failTicker = err
	case "balance":
		s.failBalance = err
	}
}

func (s *Simulator) GetTicker(_ context.Context, symbol string) (*core.Ticker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failTicker != nil {
		err := s.failTicker
		s.failTicker = nil
		return nil, err
	}
	t, ok := s.tickers[symbol]
	if !ok {
		return nil, apperrors.NewExchangeError(apperrors.CodeInvalidSymbol,
			fmt.Sprintf("unknown symbol %s", symbol))
	}
	cp := t
	return &cp, nil
}

func (s *Simulator) GetMarketInfo(_ context.Context, symbol string) (*core.MarketInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if info, ok := s.markets[symbol]; ok {
		cp := info
		return &cp, nil
	}
	base, quote, err := core.SplitSymbol(symbol)
	if err != nil {
		return nil, apperrors.NewExchangeError(apperrors.CodeInvalidSymbol, err.Error())
	}
	return &core.MarketInfo{
		Symbol:      symbol,
		BaseAsset:   base,
		QuoteAsset:  quote,
		MinAmount:   decimal.RequireFromString("0.0001"),
		MinNotional: decimal.RequireFromString("5"),
		PricePrec:   2,
		AmountPrec:  4,
	}, nil
}

func (s *Simulator) FetchBalance(_ context.Context) (map[string]core.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failBalance != nil {
		err := s.failBalance
		s.failBalance = nil
		return nil, err
	}
	out := make(map[string]core.Balance, len(s.balances))
	for asset, b := range s.balances {
		if b.Free.IsZero() && b.Locked.IsZero() {
			continue
		}
		out[asset] = b
	}
	return out, nil
}

func (s *Simulator) FetchOpenOrders(_ context.Context, symbol string) ([]*core.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFetch != nil {
		err := s.failFetch
		s.failFetch = nil
		return nil, err
	}
	var open []*core.Order
	for _, so := range s.orders {
		if so.order.Symbol == symbol && so.order.IsOpen() {
			cp := so.order
			open = append(open, &cp)
		}
	}
	return open, nil
}

func (s *Simulator) FetchMyTrades(_ context.Context, symbol string, since time.Time) ([]*core.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFetch != nil {
		err := s.failFetch
		s.failFetch = nil
		return nil, err
	}
	var out []*core.Trade
	for _, t := range s.trades {
		if t.Symbol == symbol && !t.Timestamp.Before(since) {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Simulator) CreateOrder(_ context.Context, req OrderRequest) (*OrderAck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failCreate != nil {
		err := s.failCreate
		s.failCreate = nil
		return nil, err
	}

	// Idempotency on clientOrderId: return the original acknowledgement.
	if req.ClientOrderID != "" {
		if existingID, ok := s.clientOrderMap[req.ClientOrderID]; ok {
			existing := s.orders[existingID].order
			return &OrderAck{
				ExchangeOrderID: existing.ExchangeOrderID,
				Status:          existing.Status,
				FilledAmount:    existing.FilledAmount,
				AvgFillPrice:    existing.AvgFillPrice,
			}, nil
		}
	}

	s.orderIDCounter++
	exchangeOrderID := fmt.Sprintf("sim-%d", s.orderIDCounter)
	now := s.now()

	order := core.Order{
		ExchangeOrderID: exchangeOrderID,
		ClientOrderID:   req.ClientOrderID,
		Exchange:        s.name,
		Symbol:          req.Symbol,
		Side:            req.Side,
		Type:            req.Type,
		Status:          core.OrderNew,
		Price:           req.Price,
		Amount:          req.Amount,
		SubmittedAt:     &now,
		CreatedAt:       now,
	}

	if req.Type == core.TypeMarket {
		ticker, ok := s.tickers[req.Symbol]
		if !ok {
			return nil, apperrors.NewExchangeError(apperrors.CodeInvalidSymbol,
				fmt.Sprintf("unknown symbol %s", req.Symbol))
		}
		order.Status = core.OrderFilled
		order.FilledAmount = req.Amount
		order.AvgFillPrice = ticker.Last
		s.recordFillLocked(&order, req.Amount, ticker.Last)
	}

	s.orders[exchangeOrderID] = &simOrder{order: order}
	if req.ClientOrderID != "" {
		s.clientOrderMap[req.ClientOrderID] = exchangeOrderID
	}

	return &OrderAck{
		ExchangeOrderID: exchangeOrderID,
		Status:          order.Status,
		FilledAmount:    order.FilledAmount,
		AvgFillPrice:    order.AvgFillPrice,
	}, nil
}

func (s *Simulator) CancelOrder(_ context.Context, symbol, exchangeOrderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failCancel != nil {
		err := s.failCancel
		s.failCancel = nil
		return err
	}

	so, ok := s.orders[exchangeOrderID]
	if !ok {
		// Cancel of an unknown order is a no-op for callers.
		return apperrors.NewExchangeError(apperrors.CodeOrderNotFound,
			fmt.Sprintf("order %s not found", exchangeOrderID))
	}
	if so.order.Status.IsTerminal() {
		return nil
	}
	so.order.Status = core.OrderCanceled
	return nil
}

// SimulateFill marks an open order (partially) filled at the given price
// and records the resulting trade and balance movements.
func (s *Simulator) SimulateFill(clientOrderID string, qty, price decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exchangeOrderID, ok := s.clientOrderMap[clientOrderID]
	if !ok {
		return fmt.Errorf("order not found by clientOrderId: %s", clientOrderID)
	}
	so := s.orders[exchangeOrderID]
	if so.order.Status.IsTerminal() {
		return fmt.Errorf("cannot fill order in status %s", so.order.Status)
	}

	so.order.FilledAmount = so.order.FilledAmount.Add(qty)
	so.order.AvgFillPrice = price
	if so.order.FilledAmount.GreaterThanOrEqual(so.order.Amount) {
		so.order.Status = core.OrderFilled
	} else {
		so.order.Status = core.OrderPartiallyFilled
	}
	s.recordFillLocked(&so.order, qty, price)
	return nil
}

func (s *Simulator) recordFillLocked(order *core.Order, qty, price decimal.Decimal) {
	s.tradeCounter++
	base, quote, err := core.SplitSymbol(order.Symbol)
	if err != nil {
		return
	}

	s.trades = append(s.trades, &core.Trade{
		TradeID:         fmt.Sprintf("simtrade-%d", s.tradeCounter),
		ClientOrderID:   order.ClientOrderID,
		ExchangeOrderID: order.ExchangeOrderID,
		Exchange:        s.name,
		Symbol:          order.Symbol,
		Side:            order.Side,
		Price:           price,
		Amount:          qty,
		Fee:             decimal.Zero,
		FeeCurrency:     quote,
		Timestamp:       s.now(),
	})

	notional := qty.Mul(price)
	baseBal := s.balances[base]
	quoteBal := s.balances[quote]
	if order.Side == core.SideBuy {
		baseBal.Free = baseBal.Free.Add(qty)
		quoteBal.Free = quoteBal.Free.Sub(notional)
	} else {
		baseBal.Free = baseBal.Free.Sub(qty)
		quoteBal.Free = quoteBal.Free.Add(notional)
	}
	baseBal.Total = baseBal.Free.Add(baseBal.Locked)
	quoteBal.Total = quoteBal.Free.Add(quoteBal.Locked)
	s.balances[base] = baseBal
	s.balances[quote] = quoteBal
}

// OpenOrderIDs returns the clientOrderIds still open, sorted order not guaranteed.
func (s *Simulator) OpenOrderIDs(symbol string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for _, so := range s.orders {
		if so.order.Symbol == symbol && so.order.IsOpen() {
			ids = append(ids, so.order.ClientOrderID)
		}
	}
	return ids
}

// OrderByClientID returns a copy of the simulator's view of an order.
func (s *Simulator) OrderByClientID(clientOrderID string) (*core.Order, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.clientOrderMap[clientOrderID]
	if !ok {
		return nil, false
	}
	cp := s.orders[id].order
	return &cp, true
}

var _ Adapter = (*Simulator)(nil)
