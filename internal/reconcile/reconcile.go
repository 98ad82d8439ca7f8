// Package reconcile aligns a bot's local order and trade state with
// exchange truth. The pass is read-heavy and idempotent: running it twice
// with no intervening exchange events changes nothing.
package reconcile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"gridbot/internal/core"
	"gridbot/internal/exchange"
	"gridbot/internal/store"
	apperrors "gridbot/pkg/errors"
	"gridbot/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Reconciler pulls exchange state for one bot and upserts it locally.
type Reconciler struct {
	store  store.Store
	clock  core.Clock
	logger core.ILogger
}

func New(st store.Store, clock core.Clock, logger core.ILogger) *Reconciler {
	return &Reconciler{store: st, clock: clock, logger: logger}
}

// Result reports what one pass observed.
type Result struct {
	OpenOrders     int
	TradesInserted int
	StateHash      string
	SnapshotSaved  bool
}

// Run reconciles bot against the venue. On EXCHANGE_UNAVAILABLE (or any
// fetch failure) it returns without writing anything.
func (r *Reconciler) Run(ctx context.Context, bot *core.Bot, adapter exchange.Adapter) (*Result, error) {
	start := r.clock.Now()

	open, err := adapter.FetchOpenOrders(ctx, bot.Symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch open orders: %w", err)
	}
	trades, err := adapter.FetchMyTrades(ctx, bot.Symbol, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch trades: %w", err)
	}

	// Only orders carrying this bot's ownership marker are ours.
	var own []*core.Order
	for _, o := range open {
		if core.BelongsToBot(o.ClientOrderID, bot.ID) {
			own = append(own, o)
		}
	}

	for _, o := range own {
		cp := *o
		cp.BotID = bot.ID
		if cp.ID == "" {
			cp.ID = uuid.NewString()
		}
		if err := r.store.UpsertOrder(ctx, &cp); err != nil {
			return nil, fmt.Errorf("failed to upsert order %s: %w", cp.ClientOrderID, err)
		}
	}

	local, err := r.store.ListOrdersByBot(ctx, bot.ID)
	if err != nil {
		return nil, err
	}

	// Owner map resolves trades whose rows omit clientOrderId.
	ownerByExchangeID := make(map[string]string, len(local))
	localByClientID := make(map[string]*core.Order, len(local))
	for _, o := range local {
		localByClientID[o.ClientOrderID] = o
		if o.ExchangeOrderID != "" {
			ownerByExchangeID[o.ExchangeOrderID] = o.ClientOrderID
		}
	}

	attributed := r.attributeTrades(bot, trades, ownerByExchangeID)

	inserted := 0
	for _, t := range attributed {
		added, err := r.store.InsertTrade(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("failed to insert trade %s: %w", t.TradeID, err)
		}
		if added {
			inserted++
			telemetry.GetGlobalMetrics().CountTradeRecorded(ctx)
		}
	}

	if err := r.recomputeFills(ctx, bot, localByClientID, own); err != nil {
		return nil, err
	}

	res := &Result{OpenOrders: len(own), TradesInserted: inserted}

	payload, err := r.serializeState(ctx, bot, own)
	if err != nil {
		return nil, err
	}
	res.StateHash = StateHash(payload)

	saved, err := r.saveSnapshot(ctx, bot, payload, res.StateHash)
	if err != nil {
		return nil, err
	}
	res.SnapshotSaved = saved

	telemetry.GetGlobalMetrics().ObserveReconcile(ctx, r.clock.Now().Sub(start))
	return res, nil
}

// attributeTrades keeps trades we can prove are ours. The locally-built
// owner map (exchangeOrderId -> clientOrderId) is authoritative; a trade
// row's own gb1-prefixed clientOrderId is the fallback for venues that
// report it. Everything else is dropped.
func (r *Reconciler) attributeTrades(bot *core.Bot, trades []*core.Trade, ownerByExchangeID map[string]string) []*core.Trade {
	var out []*core.Trade
	for _, t := range trades {
		clientID, ok := ownerByExchangeID[t.ExchangeOrderID]
		if !ok {
			clientID = t.ClientOrderID
			if clientID == "" || !core.IsOwnOrderID(clientID) {
				continue
			}
		}
		if !core.BelongsToBot(clientID, bot.ID) {
			continue
		}
		cp := *t
		cp.ClientOrderID = clientID
		cp.BotID = bot.ID
		if cp.ID == "" {
			cp.ID = uuid.NewString()
		}
		out = append(out, &cp)
	}
	return out
}

// recomputeFills rebuilds filledAmount and avgFillPrice from the recorded
// trades and advances order status without ever regressing it.
func (r *Reconciler) recomputeFills(ctx context.Context, bot *core.Bot, localByClientID map[string]*core.Order, open []*core.Order) error {
	trades, err := r.store.ListTradesByBot(ctx, bot.ID)
	if err != nil {
		return err
	}

	type agg struct {
		amount   decimal.Decimal
		notional decimal.Decimal
	}
	byOrder := make(map[string]*agg)
	for _, t := range trades {
		a, ok := byOrder[t.ClientOrderID]
		if !ok {
			a = &agg{}
			byOrder[t.ClientOrderID] = a
		}
		a.amount = a.amount.Add(t.Amount)
		a.notional = a.notional.Add(t.Amount.Mul(t.Price))
	}

	stillOpen := make(map[string]bool, len(open))
	for _, o := range open {
		stillOpen[o.ClientOrderID] = true
	}

	for clientID, a := range byOrder {
		order, ok := localByClientID[clientID]
		if !ok || a.amount.IsZero() {
			continue
		}

		upd := *order
		upd.FilledAmount = a.amount
		upd.AvgFillPrice = a.notional.Div(a.amount)

		switch {
		// An order still visible as open is never marked FILLED this pass,
		// even when its trades sum to the full amount.
		case !stillOpen[clientID] && a.amount.GreaterThanOrEqual(order.Amount):
			upd.Status = core.OrderFilled
		case order.Status == core.OrderNew:
			upd.Status = core.OrderPartiallyFilled
		}

		if err := r.store.UpsertOrder(ctx, &upd); err != nil {
			return fmt.Errorf("failed to update fills for %s: %w", clientID, err)
		}
	}
	return nil
}

type snapshotState struct {
	OpenOrderIDs []string `json:"openOrderIds"`
	TradeIDs     []string `json:"tradeIds"`
}

// serializeState builds the canonical reconciled-state document: sorted
// open client order ids plus sorted persisted trade ids.
func (r *Reconciler) serializeState(ctx context.Context, bot *core.Bot, open []*core.Order) ([]byte, error) {
	trades, err := r.store.ListTradesByBot(ctx, bot.ID)
	if err != nil {
		return nil, err
	}
	state := snapshotState{}
	for _, o := range open {
		state.OpenOrderIDs = append(state.OpenOrderIDs, o.ClientOrderID)
	}
	for _, t := range trades {
		state.TradeIDs = append(state.TradeIDs, t.TradeID)
	}
	sort.Strings(state.OpenOrderIDs)
	sort.Strings(state.TradeIDs)
	return json.Marshal(state)
}

// StateHash is the first 16 hex chars of the SHA-256 over the serialized
// state document, so the hash covers exactly what the snapshot stores.
func StateHash(stateJSON []byte) string {
	sum := sha256.Sum256(stateJSON)
	return hex.EncodeToString(sum[:])[:16]
}

// saveSnapshot inserts a snapshot unless the hash matches the latest one.
func (r *Reconciler) saveSnapshot(ctx context.Context, bot *core.Bot, payload []byte, hash string) (bool, error) {
	latest, err := r.store.LatestSnapshot(ctx, bot.ID)
	if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		return false, err
	}
	if latest != nil && latest.StateHash == hash {
		return false, nil
	}

	err = r.store.InsertSnapshot(ctx, &core.BotSnapshot{
		ID:           uuid.NewString(),
		BotID:        bot.ID,
		RunID:        bot.RunID,
		ReconciledAt: r.clock.Now(),
		StateJSON:    string(payload),
		StateHash:    hash,
	})
	if err != nil {
		return false, err
	}
	telemetry.GetGlobalMetrics().CountSnapshot(ctx)
	return true, nil
}
