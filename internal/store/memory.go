package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"gridbot/internal/core"
	apperrors "gridbot/pkg/errors"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory Store used by tests and the simulator runs.
// It enforces the same uniqueness, CAS and monotonicity rules as SQLiteStore.
type MemoryStore struct {
	mu sync.Mutex

	users     map[string]*core.User
	accounts  map[string]*core.ExchangeAccount
	bots      map[string]*core.Bot
	orders    map[string]*core.Order // key: exchange + "\x00" + clientOrderID
	trades    map[string]*core.Trade // key: exchange + "\x00" + tradeID
	snapshots map[string][]*core.BotSnapshot

	intentSeq     map[string]int64
	lastProcessed map[string]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:         make(map[string]*core.User),
		accounts:      make(map[string]*core.ExchangeAccount),
		bots:          make(map[string]*core.Bot),
		orders:        make(map[string]*core.Order),
		trades:        make(map[string]*core.Trade),
		snapshots:     make(map[string][]*core.BotSnapshot),
		intentSeq:     make(map[string]int64),
		lastProcessed: make(map[string]time.Time),
	}
}

func (s *MemoryStore) Close() error { return nil }

func orderKey(exchange, clientOrderID string) string { return exchange + "\x00" + clientOrderID }
func tradeKey(exchange, tradeID string) string       { return exchange + "\x00" + tradeID }

// -- users --

func (s *MemoryStore) CreateUser(_ context.Context, u *core.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if existing.Email == u.Email {
			return apperrors.ErrStateConflict
		}
	}
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*core.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) EnableKillSwitch(_ context.Context, userID, reason string, at time.Time) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return time.Time{}, false, apperrors.ErrNotFound
	}
	if u.KillSwitchEnabled {
		if u.KillSwitchEnabledAt != nil {
			return *u.KillSwitchEnabledAt, true, nil
		}
		return at, true, nil
	}
	u.KillSwitchEnabled = true
	t := at
	u.KillSwitchEnabledAt = &t
	u.KillSwitchReason = reason
	return at, false, nil
}

func (s *MemoryStore) DisableKillSwitch(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return apperrors.ErrNotFound
	}
	u.KillSwitchEnabled = false
	return nil
}

// -- exchange accounts --

func (s *MemoryStore) CreateAccount(_ context.Context, a *core.ExchangeAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.accounts {
		if existing.UserID == a.UserID && existing.Name == a.Name {
			return apperrors.ErrStateConflict
		}
	}
	cp := *a
	s.accounts[a.ID] = &cp
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id string) (*core.ExchangeAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) DeleteAccount(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[id]; !ok {
		return apperrors.ErrNotFound
	}
	for _, b := range s.bots {
		if b.ExchangeAccountID == id {
			return apperrors.ErrStateConflict
		}
	}
	delete(s.accounts, id)
	return nil
}

// -- bots --

func (s *MemoryStore) CreateBot(_ context.Context, b *core.Bot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *b
	s.bots[b.ID] = &cp
	return nil
}

func (s *MemoryStore) GetBot(_ context.Context, id string) (*core.Bot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bots[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *MemoryStore) DeleteBot(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bots[id]; !ok {
		return apperrors.ErrNotFound
	}
	delete(s.bots, id)
	for k, o := range s.orders {
		if o.BotID == id {
			delete(s.orders, k)
		}
	}
	for k, t := range s.trades {
		if t.BotID == id {
			delete(s.trades, k)
		}
	}
	delete(s.snapshots, id)
	delete(s.intentSeq, id)
	delete(s.lastProcessed, id)
	return nil
}

func (s *MemoryStore) ListBotsByStatus(_ context.Context, statuses []core.BotStatus, limit int) ([]*core.Bot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var bots []*core.Bot
	for _, b := range s.bots {
		for _, st := range statuses {
			if b.Status == st {
				cp := *b
				bots = append(bots, &cp)
				break
			}
		}
	}
	sort.Slice(bots, func(i, j int) bool {
		return s.lastProcessed[bots[i].ID].Before(s.lastProcessed[bots[j].ID])
	})
	if limit > 0 && len(bots) > limit {
		bots = bots[:limit]
	}
	return bots, nil
}

func (s *MemoryStore) ListBotsByUserAndStatus(_ context.Context, userID string, statuses []core.BotStatus) ([]*core.Bot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var bots []*core.Bot
	for _, b := range s.bots {
		if b.UserID != userID {
			continue
		}
		for _, st := range statuses {
			if b.Status == st {
				cp := *b
				bots = append(bots, &cp)
				break
			}
		}
	}
	sort.Slice(bots, func(i, j int) bool { return bots[i].ID < bots[j].ID })
	return bots, nil
}

func (s *MemoryStore) CountBotsByAccount(_ context.Context, accountID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.bots {
		if b.ExchangeAccountID == accountID {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) TouchBotProcessed(_ context.Context, botID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastProcessed[botID] = at
	return nil
}

func applyBotUpdate(b *core.Bot, upd BotUpdate) {
	b.Status = upd.Status
	b.StatusVersion++
	if upd.RunID != nil {
		b.RunID = *upd.RunID
	}
	if upd.LastError != nil {
		b.LastError = *upd.LastError
	}
	if upd.AutoCloseReason != nil {
		b.AutoCloseReason = *upd.AutoCloseReason
	}
	if upd.AutoCloseTriggeredAt != nil {
		t := *upd.AutoCloseTriggeredAt
		b.AutoCloseTriggeredAt = &t
	}
	if upd.ReferencePrice != nil {
		if d, err := decimal.NewFromString(*upd.ReferencePrice); err == nil {
			b.AutoCloseReferencePrice = d
			b.HasReferencePrice = true
		}
	}
}

func (s *MemoryStore) UpdateBotCAS(_ context.Context, botID string, expectedVersion int64, upd BotUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bots[botID]
	if !ok {
		return apperrors.ErrNotFound
	}
	if b.StatusVersion != expectedVersion {
		return apperrors.ErrCASFailed
	}
	applyBotUpdate(b, upd)
	return nil
}

func (s *MemoryStore) MarkAutoCloseTriggered(_ context.Context, botID string, expectedVersion int64, upd BotUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bots[botID]
	if !ok {
		return apperrors.ErrNotFound
	}
	if b.StatusVersion != expectedVersion || b.AutoCloseTriggeredAt != nil {
		return apperrors.ErrCASFailed
	}
	applyBotUpdate(b, upd)
	return nil
}

func (s *MemoryStore) NextIntentSeq(_ context.Context, botID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bots[botID]; !ok {
		return 0, apperrors.ErrNotFound
	}
	s.intentSeq[botID]++
	return s.intentSeq[botID], nil
}

// -- orders --

func (s *MemoryStore) CreateOrder(_ context.Context, o *core.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := orderKey(o.Exchange, o.ClientOrderID)
	if _, ok := s.orders[key]; ok {
		return apperrors.ErrStateConflict
	}
	cp := *o
	s.orders[key] = &cp
	return nil
}

func (s *MemoryStore) UpsertOrder(_ context.Context, o *core.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := orderKey(o.Exchange, o.ClientOrderID)
	existing, ok := s.orders[key]
	if !ok {
		cp := *o
		s.orders[key] = &cp
		return nil
	}
	s.orders[key] = mergeOrder(existing, o)
	return nil
}

func (s *MemoryStore) GetOrderByClientID(_ context.Context, exchange, clientOrderID string) (*core.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderKey(exchange, clientOrderID)]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *MemoryStore) listOrdersLocked(botID string) []*core.Order {
	var orders []*core.Order
	for _, o := range s.orders {
		if o.BotID == botID {
			cp := *o
			orders = append(orders, &cp)
		}
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].IntentSeq < orders[j].IntentSeq })
	return orders
}

func (s *MemoryStore) ListOrdersByBot(_ context.Context, botID string) ([]*core.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listOrdersLocked(botID), nil
}

func (s *MemoryStore) LatestOutboxOrder(_ context.Context, botID string) (*core.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	orders := s.listOrdersLocked(botID)
	for i := len(orders) - 1; i >= 0; i-- {
		if orders[i].InOutbox() {
			return orders[i], nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (s *MemoryStore) LatestFilledOrder(_ context.Context, botID string) (*core.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	orders := s.listOrdersLocked(botID)
	for i := len(orders) - 1; i >= 0; i-- {
		if orders[i].Status == core.OrderFilled {
			return orders[i], nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (s *MemoryStore) MarkOrderSubmitted(_ context.Context, orderID, exchangeOrderID string, status core.OrderStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orders {
		if o.ID == orderID {
			o.ExchangeOrderID = exchangeOrderID
			o.Status = status
			t := at
			o.SubmittedAt = &t
			return nil
		}
	}
	return apperrors.ErrNotFound
}

func (s *MemoryStore) CreateFirstIntent(_ context.Context, bot *core.Bot, expectedVersion int64, o *core.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bots[bot.ID]
	if !ok {
		return apperrors.ErrNotFound
	}
	if b.Status != core.StatusWaitingTrigger || b.StatusVersion != expectedVersion {
		return apperrors.ErrCASFailed
	}
	for _, existing := range s.orders {
		if existing.BotID == bot.ID {
			return apperrors.ErrStateConflict
		}
	}

	cp := *o
	s.orders[orderKey(o.Exchange, o.ClientOrderID)] = &cp
	b.Status = core.StatusRunning
	b.StatusVersion++
	return nil
}

// -- trades --

func (s *MemoryStore) InsertTrade(_ context.Context, t *core.Trade) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tradeKey(t.Exchange, t.TradeID)
	if _, ok := s.trades[key]; ok {
		return false, nil
	}
	cp := *t
	s.trades[key] = &cp
	return true, nil
}

func (s *MemoryStore) ListTradesByBot(_ context.Context, botID string) ([]*core.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var trades []*core.Trade
	for _, t := range s.trades {
		if t.BotID == botID {
			cp := *t
			trades = append(trades, &cp)
		}
	}
	sort.Slice(trades, func(i, j int) bool {
		if trades[i].Timestamp.Equal(trades[j].Timestamp) {
			return trades[i].TradeID < trades[j].TradeID
		}
		return trades[i].Timestamp.Before(trades[j].Timestamp)
	})
	return trades, nil
}

// -- snapshots --

func (s *MemoryStore) LatestSnapshot(_ context.Context, botID string) (*core.BotSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snaps := s.snapshots[botID]
	if len(snaps) == 0 {
		return nil, apperrors.ErrNotFound
	}
	cp := *snaps[len(snaps)-1]
	return &cp, nil
}

func (s *MemoryStore) InsertSnapshot(_ context.Context, snap *core.BotSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *snap
	s.snapshots[snap.BotID] = append(s.snapshots[snap.BotID], &cp)
	return nil
}
