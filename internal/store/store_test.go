package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"gridbot/internal/core"
	apperrors "gridbot/pkg/errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStores(t *testing.T) map[string]Store {
	t.Helper()

	sqlStore, err := NewSQLiteStore(filepath.Join(t.TempDir(), "gridbot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlStore.Close() })

	return map[string]Store{
		"sqlite": sqlStore,
		"memory": NewMemoryStore(),
	}
}

func seedBot(t *testing.T, s Store, status core.BotStatus) *core.Bot {
	t.Helper()
	bot := &core.Bot{
		ID:                uuid.NewString(),
		UserID:            uuid.NewString(),
		ExchangeAccountID: uuid.NewString(),
		Symbol:            "BNB/USDT",
		ConfigJSON:        "{}",
		Status:            status,
		StatusVersion:     1,
		RunID:             uuid.NewString(),
		CreatedAt:         time.Now().UTC(),
	}
	require.NoError(t, s.CreateBot(context.Background(), bot))
	return bot
}

func TestEnableKillSwitchPreservesFirstEnabledAt(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			user := &core.User{ID: uuid.NewString(), Email: uuid.NewString() + "@example.com"}
			require.NoError(t, s.CreateUser(ctx, user))

			first := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
			at, already, err := s.EnableKillSwitch(ctx, user.ID, "manual", first)
			require.NoError(t, err)
			assert.False(t, already)
			assert.Equal(t, first, at)

			second := first.Add(time.Hour)
			at, already, err = s.EnableKillSwitch(ctx, user.ID, "again", second)
			require.NoError(t, err)
			assert.True(t, already)
			assert.Equal(t, first, at)

			u, err := s.GetUser(ctx, user.ID)
			require.NoError(t, err)
			assert.True(t, u.KillSwitchEnabled)
			assert.Equal(t, "manual", u.KillSwitchReason)
			require.NotNil(t, u.KillSwitchEnabledAt)
			assert.Equal(t, first, *u.KillSwitchEnabledAt)
		})
	}
}

func TestUpdateBotCASIncrementsVersionByOne(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			bot := seedBot(t, s, core.StatusRunning)

			lastErr := "USER_STOP: requested"
			err := s.UpdateBotCAS(ctx, bot.ID, 1, BotUpdate{
				Status:    core.StatusStopping,
				LastError: &lastErr,
			})
			require.NoError(t, err)

			got, err := s.GetBot(ctx, bot.ID)
			require.NoError(t, err)
			assert.Equal(t, core.StatusStopping, got.Status)
			assert.Equal(t, int64(2), got.StatusVersion)
			assert.Equal(t, lastErr, got.LastError)

			// Stale version must not apply.
			err = s.UpdateBotCAS(ctx, bot.ID, 1, BotUpdate{Status: core.StatusStopped})
			assert.ErrorIs(t, err, apperrors.ErrCASFailed)

			got, err = s.GetBot(ctx, bot.ID)
			require.NoError(t, err)
			assert.Equal(t, core.StatusStopping, got.Status)
			assert.Equal(t, int64(2), got.StatusVersion)
		})
	}
}

func TestMarkAutoCloseTriggeredOnlyOnce(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			bot := seedBot(t, s, core.StatusRunning)

			triggeredAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
			reason := "AUTO_CLOSE: drawdown 16.67% >= 5%"
			err := s.MarkAutoCloseTriggered(ctx, bot.ID, 1, BotUpdate{
				Status:               core.StatusStopping,
				AutoCloseReason:      &reason,
				AutoCloseTriggeredAt: &triggeredAt,
				LastError:            &reason,
			})
			require.NoError(t, err)

			got, err := s.GetBot(ctx, bot.ID)
			require.NoError(t, err)
			assert.Equal(t, int64(2), got.StatusVersion)
			require.NotNil(t, got.AutoCloseTriggeredAt)

			// A second trigger at the new version still fails because the
			// timestamp is already set.
			err = s.MarkAutoCloseTriggered(ctx, bot.ID, 2, BotUpdate{
				Status:               core.StatusStopping,
				AutoCloseTriggeredAt: &triggeredAt,
			})
			assert.ErrorIs(t, err, apperrors.ErrCASFailed)
		})
	}
}

func TestUpsertOrderIsMonotonic(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			bot := seedBot(t, s, core.StatusRunning)

			order := &core.Order{
				ID:            uuid.NewString(),
				BotID:         bot.ID,
				Exchange:      "binance",
				Symbol:        "BNB/USDT",
				ClientOrderID: "gb1-abc12345-1",
				IntentSeq:     1,
				Side:          core.SideBuy,
				Type:          core.TypeLimit,
				Status:        core.OrderNew,
				Price:         decimal.RequireFromString("500"),
				Amount:        decimal.RequireFromString("1"),
				CreatedAt:     time.Now().UTC(),
			}
			require.NoError(t, s.UpsertOrder(ctx, order))

			fill := *order
			fill.Status = core.OrderPartiallyFilled
			fill.FilledAmount = decimal.RequireFromString("0.4")
			fill.ExchangeOrderID = "ex-1"
			require.NoError(t, s.UpsertOrder(ctx, &fill))

			// A stale NEW observation must not regress status or filled amount.
			stale := *order
			stale.Status = core.OrderNew
			stale.FilledAmount = decimal.RequireFromString("0.1")
			require.NoError(t, s.UpsertOrder(ctx, &stale))

			got, err := s.GetOrderByClientID(ctx, "binance", order.ClientOrderID)
			require.NoError(t, err)
			assert.Equal(t, core.OrderPartiallyFilled, got.Status)
			assert.True(t, got.FilledAmount.Equal(decimal.RequireFromString("0.4")))
			assert.Equal(t, "ex-1", got.ExchangeOrderID)

			done := *order
			done.Status = core.OrderFilled
			done.FilledAmount = decimal.RequireFromString("1")
			done.AvgFillPrice = decimal.RequireFromString("499.5")
			require.NoError(t, s.UpsertOrder(ctx, &done))

			got, err = s.GetOrderByClientID(ctx, "binance", order.ClientOrderID)
			require.NoError(t, err)
			assert.Equal(t, core.OrderFilled, got.Status)
			assert.True(t, got.Status.IsTerminal())

			// Terminal never regresses.
			late := *order
			late.Status = core.OrderPartiallyFilled
			require.NoError(t, s.UpsertOrder(ctx, &late))
			got, err = s.GetOrderByClientID(ctx, "binance", order.ClientOrderID)
			require.NoError(t, err)
			assert.Equal(t, core.OrderFilled, got.Status)
		})
	}
}

func TestInsertTradeIsIdempotent(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			bot := seedBot(t, s, core.StatusRunning)

			trade := &core.Trade{
				ID:            uuid.NewString(),
				BotID:         bot.ID,
				TradeID:       "t-100",
				ClientOrderID: "gb1-abc12345-1",
				Exchange:      "binance",
				Symbol:        "BNB/USDT",
				Side:          core.SideBuy,
				Price:         decimal.RequireFromString("500"),
				Amount:        decimal.RequireFromString("0.5"),
				Timestamp:     time.Now().UTC(),
			}

			added, err := s.InsertTrade(ctx, trade)
			require.NoError(t, err)
			assert.True(t, added)

			dup := *trade
			dup.ID = uuid.NewString()
			added, err = s.InsertTrade(ctx, &dup)
			require.NoError(t, err)
			assert.False(t, added)

			trades, err := s.ListTradesByBot(ctx, bot.ID)
			require.NoError(t, err)
			assert.Len(t, trades, 1)
		})
	}
}

func TestLatestOutboxOrder(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			bot := seedBot(t, s, core.StatusRunning)
			now := time.Now().UTC()

			submitted := &core.Order{
				ID:              uuid.NewString(),
				BotID:           bot.ID,
				Exchange:        "binance",
				Symbol:          "BNB/USDT",
				ClientOrderID:   "gb1-abc12345-1",
				ExchangeOrderID: "ex-1",
				IntentSeq:       1,
				Side:            core.SideBuy,
				Type:            core.TypeLimit,
				Status:          core.OrderFilled,
				Amount:          decimal.RequireFromString("1"),
				SubmittedAt:     &now,
				CreatedAt:       now,
			}
			require.NoError(t, s.CreateOrder(ctx, submitted))

			_, err := s.LatestOutboxOrder(ctx, bot.ID)
			assert.ErrorIs(t, err, apperrors.ErrNotFound)

			pending := &core.Order{
				ID:            uuid.NewString(),
				BotID:         bot.ID,
				Exchange:      "binance",
				Symbol:        "BNB/USDT",
				ClientOrderID: "gb1-abc12345-2",
				IntentSeq:     2,
				Side:          core.SideSell,
				Type:          core.TypeLimit,
				Status:        core.OrderNew,
				Amount:        decimal.RequireFromString("1"),
				CreatedAt:     now,
			}
			require.NoError(t, s.CreateOrder(ctx, pending))

			got, err := s.LatestOutboxOrder(ctx, bot.ID)
			require.NoError(t, err)
			assert.Equal(t, pending.ID, got.ID)
			assert.True(t, got.InOutbox())

			require.NoError(t, s.MarkOrderSubmitted(ctx, pending.ID, "ex-2", core.OrderNew, now))
			_, err = s.LatestOutboxOrder(ctx, bot.ID)
			assert.ErrorIs(t, err, apperrors.ErrNotFound)
		})
	}
}

func TestCreateFirstIntent(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			bot := seedBot(t, s, core.StatusWaitingTrigger)

			order := &core.Order{
				ID:            uuid.NewString(),
				BotID:         bot.ID,
				Exchange:      "binance",
				Symbol:        "BNB/USDT",
				ClientOrderID: "gb1-abc12345-1",
				IntentSeq:     1,
				Side:          core.SideBuy,
				Type:          core.TypeLimit,
				Status:        core.OrderNew,
				Price:         decimal.RequireFromString("500"),
				Amount:        decimal.RequireFromString("1"),
				CreatedAt:     time.Now().UTC(),
			}
			require.NoError(t, s.CreateFirstIntent(ctx, bot, 1, order))

			got, err := s.GetBot(ctx, bot.ID)
			require.NoError(t, err)
			assert.Equal(t, core.StatusRunning, got.Status)
			assert.Equal(t, int64(2), got.StatusVersion)

			stored, err := s.GetOrderByClientID(ctx, "binance", order.ClientOrderID)
			require.NoError(t, err)
			assert.True(t, stored.InOutbox())

			// Retrying after the transition fails the CAS.
			again := *order
			again.ID = uuid.NewString()
			again.ClientOrderID = "gb1-abc12345-2"
			err = s.CreateFirstIntent(ctx, bot, 1, &again)
			assert.ErrorIs(t, err, apperrors.ErrCASFailed)
		})
	}
}

func TestDeleteAccountWithBotsConflicts(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			account := &core.ExchangeAccount{
				ID:        uuid.NewString(),
				UserID:    uuid.NewString(),
				Name:      "main",
				Exchange:  "binance",
				IsTestnet: true,
				CreatedAt: time.Now().UTC(),
			}
			require.NoError(t, s.CreateAccount(ctx, account))

			bot := seedBot(t, s, core.StatusStopped)
			bot.ExchangeAccountID = account.ID
			require.NoError(t, s.DeleteBot(ctx, bot.ID))
			bot.ID = uuid.NewString()
			bot.ExchangeAccountID = account.ID
			require.NoError(t, s.CreateBot(ctx, bot))

			err := s.DeleteAccount(ctx, account.ID)
			assert.ErrorIs(t, err, apperrors.ErrStateConflict)

			require.NoError(t, s.DeleteBot(ctx, bot.ID))
			assert.NoError(t, s.DeleteAccount(ctx, account.ID))
			_, err = s.GetAccount(ctx, account.ID)
			assert.ErrorIs(t, err, apperrors.ErrNotFound)
		})
	}
}

func TestAccountNamesUniquePerUser(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			userID := uuid.NewString()
			account := &core.ExchangeAccount{
				ID:        uuid.NewString(),
				UserID:    userID,
				Name:      "main",
				Exchange:  "binance",
				IsTestnet: true,
				CreatedAt: time.Now().UTC(),
			}
			require.NoError(t, s.CreateAccount(ctx, account))

			dup := *account
			dup.ID = uuid.NewString()
			err := s.CreateAccount(ctx, &dup)
			assert.ErrorIs(t, err, apperrors.ErrStateConflict)

			// Same name under a different user is fine.
			other := *account
			other.ID = uuid.NewString()
			other.UserID = uuid.NewString()
			assert.NoError(t, s.CreateAccount(ctx, &other))
		})
	}
}

func TestNextIntentSeqStrictlyIncreasing(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			bot := seedBot(t, s, core.StatusRunning)

			var prev int64
			for i := 0; i < 5; i++ {
				seq, err := s.NextIntentSeq(ctx, bot.ID)
				require.NoError(t, err)
				assert.Greater(t, seq, prev)
				prev = seq
			}

			_, err := s.NextIntentSeq(ctx, uuid.NewString())
			assert.ErrorIs(t, err, apperrors.ErrNotFound)
		})
	}
}

func TestListBotsByStatusLeastRecentlyProcessedFirst(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a := seedBot(t, s, core.StatusRunning)
			b := seedBot(t, s, core.StatusRunning)
			seedBot(t, s, core.StatusStopped)

			base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
			require.NoError(t, s.TouchBotProcessed(ctx, a.ID, base.Add(time.Minute)))
			require.NoError(t, s.TouchBotProcessed(ctx, b.ID, base))

			bots, err := s.ListBotsByStatus(ctx, []core.BotStatus{core.StatusRunning}, 10)
			require.NoError(t, err)
			require.Len(t, bots, 2)
			assert.Equal(t, b.ID, bots[0].ID)
			assert.Equal(t, a.ID, bots[1].ID)

			bots, err = s.ListBotsByStatus(ctx, []core.BotStatus{core.StatusRunning}, 1)
			require.NoError(t, err)
			require.Len(t, bots, 1)
			assert.Equal(t, b.ID, bots[0].ID)
		})
	}
}

func TestSnapshotLatestWins(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			bot := seedBot(t, s, core.StatusRunning)

			_, err := s.LatestSnapshot(ctx, bot.ID)
			assert.ErrorIs(t, err, apperrors.ErrNotFound)

			base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
			for i := 0; i < 3; i++ {
				require.NoError(t, s.InsertSnapshot(ctx, &core.BotSnapshot{
					ID:           uuid.NewString(),
					BotID:        bot.ID,
					RunID:        bot.RunID,
					ReconciledAt: base.Add(time.Duration(i) * time.Minute),
					StateJSON:    "{}",
					StateHash:    "hash-" + string(rune('a'+i)),
				}))
			}

			snap, err := s.LatestSnapshot(ctx, bot.ID)
			require.NoError(t, err)
			assert.Equal(t, "hash-c", snap.StateHash)
		})
	}
}
