package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"gridbot/internal/core"
	apperrors "gridbot/pkg/errors"

	"github.com/shopspring/decimal"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements Store on a single sqlite database file.
type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	email TEXT NOT NULL UNIQUE,
	kill_switch_enabled INTEGER NOT NULL DEFAULT 0,
	kill_switch_enabled_at INTEGER,
	kill_switch_reason TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS exchange_accounts (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	name TEXT NOT NULL,
	exchange TEXT NOT NULL,
	is_testnet INTEGER NOT NULL DEFAULT 1,
	encrypted_credentials TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	UNIQUE(user_id, name)
);

CREATE TABLE IF NOT EXISTS bots (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	exchange_account_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	config_json TEXT NOT NULL,
	status TEXT NOT NULL,
	status_version INTEGER NOT NULL DEFAULT 0,
	run_id TEXT NOT NULL DEFAULT '',
	reference_price TEXT,
	auto_close_triggered_at INTEGER,
	auto_close_reason TEXT NOT NULL DEFAULT '',
	last_error TEXT NOT NULL DEFAULT '',
	intent_seq INTEGER NOT NULL DEFAULT 0,
	last_processed_at INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS orders (
	id TEXT PRIMARY KEY,
	bot_id TEXT NOT NULL,
	exchange TEXT NOT NULL,
	symbol TEXT NOT NULL,
	client_order_id TEXT NOT NULL,
	exchange_order_id TEXT NOT NULL DEFAULT '',
	intent_seq INTEGER NOT NULL,
	side TEXT NOT NULL,
	type TEXT NOT NULL,
	status TEXT NOT NULL,
	price TEXT NOT NULL DEFAULT '0',
	amount TEXT NOT NULL,
	filled_amount TEXT NOT NULL DEFAULT '0',
	avg_fill_price TEXT NOT NULL DEFAULT '0',
	submitted_at INTEGER,
	created_at INTEGER NOT NULL,
	UNIQUE(exchange, client_order_id)
);
CREATE INDEX IF NOT EXISTS idx_orders_bot ON orders(bot_id, intent_seq);

CREATE TABLE IF NOT EXISTS trades (
	id TEXT PRIMARY KEY,
	bot_id TEXT NOT NULL,
	trade_id TEXT NOT NULL,
	client_order_id TEXT NOT NULL DEFAULT '',
	exchange_order_id TEXT NOT NULL DEFAULT '',
	exchange TEXT NOT NULL,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	price TEXT NOT NULL,
	amount TEXT NOT NULL,
	fee TEXT NOT NULL DEFAULT '0',
	fee_currency TEXT NOT NULL DEFAULT '',
	ts INTEGER NOT NULL,
	UNIQUE(exchange, trade_id)
);
CREATE INDEX IF NOT EXISTS idx_trades_bot ON trades(bot_id);

CREATE TABLE IF NOT EXISTS bot_snapshots (
	id TEXT PRIMARY KEY,
	bot_id TEXT NOT NULL,
	run_id TEXT NOT NULL DEFAULT '',
	reconciled_at INTEGER NOT NULL,
	state_json TEXT NOT NULL,
	state_hash TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_bot ON bot_snapshots(bot_id, reconciled_at);
`

// NewSQLiteStore opens (and migrates) the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// WAL mode for crash recovery
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// -- helpers --

func msOrNil(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func timeFromMs(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func parseDec(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// -- users --

func (s *SQLiteStore) CreateUser(ctx context.Context, u *core.User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, kill_switch_enabled, kill_switch_enabled_at, kill_switch_reason)
		 VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.Email, u.KillSwitchEnabled, msOrNil(u.KillSwitchEnabledAt), u.KillSwitchReason)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return apperrors.ErrStateConflict
		}
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*core.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, email, kill_switch_enabled, kill_switch_enabled_at, kill_switch_reason
		 FROM users WHERE id = ?`, id)

	var u core.User
	var enabledAt sql.NullInt64
	if err := row.Scan(&u.ID, &u.Email, &u.KillSwitchEnabled, &enabledAt, &u.KillSwitchReason); err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to read user: %w", err)
	}
	u.KillSwitchEnabledAt = timeFromMs(enabledAt)
	return &u, nil
}

func (s *SQLiteStore) EnableKillSwitch(ctx context.Context, userID, reason string, at time.Time) (time.Time, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var enabled bool
	var enabledAt sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT kill_switch_enabled, kill_switch_enabled_at FROM users WHERE id = ?`, userID).
		Scan(&enabled, &enabledAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return time.Time{}, false, apperrors.ErrNotFound
		}
		return time.Time{}, false, fmt.Errorf("failed to read kill switch: %w", err)
	}

	// Second enable preserves the first enabledAt.
	if enabled {
		existing := timeFromMs(enabledAt)
		if existing == nil {
			return at, true, nil
		}
		return *existing, true, nil
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE users SET kill_switch_enabled = 1, kill_switch_enabled_at = ?, kill_switch_reason = ? WHERE id = ?`,
		at.UnixMilli(), reason, userID)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to enable kill switch: %w", err)
	}

	return at, false, tx.Commit()
}

func (s *SQLiteStore) DisableKillSwitch(ctx context.Context, userID string) error {
	// Audit fields (enabledAt, reason) are deliberately kept.
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET kill_switch_enabled = 0 WHERE id = ?`, userID)
	if err != nil {
		return fmt.Errorf("failed to disable kill switch: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

// -- exchange accounts --

func (s *SQLiteStore) CreateAccount(ctx context.Context, a *core.ExchangeAccount) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO exchange_accounts (id, user_id, name, exchange, is_testnet, encrypted_credentials, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.UserID, a.Name, a.Exchange, a.IsTestnet, a.EncryptedCredentials, a.CreatedAt.UnixMilli())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return apperrors.ErrStateConflict
		}
		return fmt.Errorf("failed to insert account: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetAccount(ctx context.Context, id string) (*core.ExchangeAccount, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, name, exchange, is_testnet, encrypted_credentials, created_at
		 FROM exchange_accounts WHERE id = ?`, id)

	var a core.ExchangeAccount
	var createdAt int64
	if err := row.Scan(&a.ID, &a.UserID, &a.Name, &a.Exchange, &a.IsTestnet, &a.EncryptedCredentials, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to read account: %w", err)
	}
	a.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &a, nil
}

func (s *SQLiteStore) DeleteAccount(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var n int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM bots WHERE exchange_account_id = ?`, id).Scan(&n); err != nil {
		return fmt.Errorf("failed to count referencing bots: %w", err)
	}
	if n > 0 {
		return apperrors.ErrStateConflict
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM exchange_accounts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return apperrors.ErrNotFound
	}
	return tx.Commit()
}

// -- bots --

const botColumns = `id, user_id, exchange_account_id, symbol, config_json, status, status_version,
	run_id, reference_price, auto_close_triggered_at, auto_close_reason, last_error, created_at`

func (s *SQLiteStore) scanBot(row interface{ Scan(...interface{}) error }) (*core.Bot, error) {
	var b core.Bot
	var refPrice sql.NullString
	var triggeredAt sql.NullInt64
	var createdAt int64

	err := row.Scan(&b.ID, &b.UserID, &b.ExchangeAccountID, &b.Symbol, &b.ConfigJSON,
		&b.Status, &b.StatusVersion, &b.RunID, &refPrice, &triggeredAt,
		&b.AutoCloseReason, &b.LastError, &createdAt)
	if err != nil {
		return nil, err
	}

	if refPrice.Valid && refPrice.String != "" {
		b.AutoCloseReferencePrice = parseDec(refPrice.String)
		b.HasReferencePrice = true
	}
	b.AutoCloseTriggeredAt = timeFromMs(triggeredAt)
	b.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &b, nil
}

func (s *SQLiteStore) CreateBot(ctx context.Context, b *core.Bot) error {
	var refPrice interface{}
	if b.HasReferencePrice {
		refPrice = b.AutoCloseReferencePrice.String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bots (id, user_id, exchange_account_id, symbol, config_json, status, status_version,
			run_id, reference_price, auto_close_triggered_at, auto_close_reason, last_error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.UserID, b.ExchangeAccountID, b.Symbol, b.ConfigJSON, b.Status, b.StatusVersion,
		b.RunID, refPrice, msOrNil(b.AutoCloseTriggeredAt), b.AutoCloseReason, b.LastError,
		b.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert bot: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetBot(ctx context.Context, id string) (*core.Bot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+botColumns+` FROM bots WHERE id = ?`, id)
	b, err := s.scanBot(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to read bot: %w", err)
	}
	return b, nil
}

func (s *SQLiteStore) DeleteBot(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, q := range []string{
		`DELETE FROM orders WHERE bot_id = ?`,
		`DELETE FROM trades WHERE bot_id = ?`,
		`DELETE FROM bot_snapshots WHERE bot_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return fmt.Errorf("failed to delete bot children: %w", err)
		}
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM bots WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete bot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.ErrNotFound
	}
	return tx.Commit()
}

func statusPlaceholders(statuses []core.BotStatus) (string, []interface{}) {
	marks := make([]string, len(statuses))
	args := make([]interface{}, len(statuses))
	for i, st := range statuses {
		marks[i] = "?"
		args[i] = string(st)
	}
	return strings.Join(marks, ","), args
}

func (s *SQLiteStore) ListBotsByStatus(ctx context.Context, statuses []core.BotStatus, limit int) ([]*core.Bot, error) {
	marks, args := statusPlaceholders(statuses)
	if limit <= 0 {
		limit = -1
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+botColumns+` FROM bots WHERE status IN (`+marks+`)
		 ORDER BY last_processed_at ASC LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list bots: %w", err)
	}
	defer rows.Close()

	var bots []*core.Bot
	for rows.Next() {
		b, err := s.scanBot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan bot: %w", err)
		}
		bots = append(bots, b)
	}
	return bots, rows.Err()
}

func (s *SQLiteStore) ListBotsByUserAndStatus(ctx context.Context, userID string, statuses []core.BotStatus) ([]*core.Bot, error) {
	marks, args := statusPlaceholders(statuses)
	args = append([]interface{}{userID}, args...)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+botColumns+` FROM bots WHERE user_id = ? AND status IN (`+marks+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list user bots: %w", err)
	}
	defer rows.Close()

	var bots []*core.Bot
	for rows.Next() {
		b, err := s.scanBot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan bot: %w", err)
		}
		bots = append(bots, b)
	}
	return bots, rows.Err()
}

func (s *SQLiteStore) CountBotsByAccount(ctx context.Context, accountID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM bots WHERE exchange_account_id = ?`, accountID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count bots: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) TouchBotProcessed(ctx context.Context, botID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE bots SET last_processed_at = ? WHERE id = ?`, at.UnixMilli(), botID)
	return err
}

func buildBotUpdate(upd BotUpdate) (string, []interface{}) {
	set := []string{"status = ?", "status_version = status_version + 1"}
	args := []interface{}{string(upd.Status)}

	if upd.RunID != nil {
		set = append(set, "run_id = ?")
		args = append(args, *upd.RunID)
	}
	if upd.LastError != nil {
		set = append(set, "last_error = ?")
		args = append(args, *upd.LastError)
	}
	if upd.AutoCloseReason != nil {
		set = append(set, "auto_close_reason = ?")
		args = append(args, *upd.AutoCloseReason)
	}
	if upd.AutoCloseTriggeredAt != nil {
		set = append(set, "auto_close_triggered_at = ?")
		args = append(args, upd.AutoCloseTriggeredAt.UnixMilli())
	}
	if upd.ReferencePrice != nil {
		set = append(set, "reference_price = ?")
		args = append(args, *upd.ReferencePrice)
	}
	return strings.Join(set, ", "), args
}

func (s *SQLiteStore) UpdateBotCAS(ctx context.Context, botID string, expectedVersion int64, upd BotUpdate) error {
	set, args := buildBotUpdate(upd)
	args = append(args, botID, expectedVersion)

	res, err := s.db.ExecContext(ctx,
		`UPDATE bots SET `+set+` WHERE id = ? AND status_version = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to update bot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.ErrCASFailed
	}
	return nil
}

func (s *SQLiteStore) MarkAutoCloseTriggered(ctx context.Context, botID string, expectedVersion int64, upd BotUpdate) error {
	set, args := buildBotUpdate(upd)
	args = append(args, botID, expectedVersion)

	res, err := s.db.ExecContext(ctx,
		`UPDATE bots SET `+set+` WHERE id = ? AND status_version = ? AND auto_close_triggered_at IS NULL`,
		args...)
	if err != nil {
		return fmt.Errorf("failed to mark auto close: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.ErrCASFailed
	}
	return nil
}

func (s *SQLiteStore) NextIntentSeq(ctx context.Context, botID string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE bots SET intent_seq = intent_seq + 1 WHERE id = ?`, botID)
	if err != nil {
		return 0, fmt.Errorf("failed to bump intent seq: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, apperrors.ErrNotFound
	}

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT intent_seq FROM bots WHERE id = ?`, botID).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to read intent seq: %w", err)
	}
	return seq, tx.Commit()
}

// -- orders --

const orderColumns = `id, bot_id, exchange, symbol, client_order_id, exchange_order_id, intent_seq,
	side, type, status, price, amount, filled_amount, avg_fill_price, submitted_at, created_at`

func scanOrder(row interface{ Scan(...interface{}) error }) (*core.Order, error) {
	var o core.Order
	var price, amount, filled, avg string
	var submittedAt sql.NullInt64
	var createdAt int64

	err := row.Scan(&o.ID, &o.BotID, &o.Exchange, &o.Symbol, &o.ClientOrderID, &o.ExchangeOrderID,
		&o.IntentSeq, &o.Side, &o.Type, &o.Status, &price, &amount, &filled, &avg,
		&submittedAt, &createdAt)
	if err != nil {
		return nil, err
	}

	o.Price = parseDec(price)
	o.Amount = parseDec(amount)
	o.FilledAmount = parseDec(filled)
	o.AvgFillPrice = parseDec(avg)
	o.SubmittedAt = timeFromMs(submittedAt)
	o.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &o, nil
}

func (s *SQLiteStore) CreateOrder(ctx context.Context, o *core.Order) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO orders (id, bot_id, exchange, symbol, client_order_id, exchange_order_id, intent_seq,
			side, type, status, price, amount, filled_amount, avg_fill_price, submitted_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.BotID, o.Exchange, o.Symbol, o.ClientOrderID, o.ExchangeOrderID, o.IntentSeq,
		o.Side, o.Type, o.Status, o.Price.String(), o.Amount.String(), o.FilledAmount.String(),
		o.AvgFillPrice.String(), msOrNil(o.SubmittedAt), o.CreatedAt.UnixMilli())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return apperrors.ErrStateConflict
		}
		return fmt.Errorf("failed to insert order: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpsertOrder(ctx context.Context, o *core.Order) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := scanOrder(tx.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE exchange = ? AND client_order_id = ?`,
		o.Exchange, o.ClientOrderID))
	if err == sql.ErrNoRows {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO orders (id, bot_id, exchange, symbol, client_order_id, exchange_order_id, intent_seq,
				side, type, status, price, amount, filled_amount, avg_fill_price, submitted_at, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			o.ID, o.BotID, o.Exchange, o.Symbol, o.ClientOrderID, o.ExchangeOrderID, o.IntentSeq,
			o.Side, o.Type, o.Status, o.Price.String(), o.Amount.String(), o.FilledAmount.String(),
			o.AvgFillPrice.String(), msOrNil(o.SubmittedAt), o.CreatedAt.UnixMilli()); err != nil {
			return fmt.Errorf("failed to insert order: %w", err)
		}
		return tx.Commit()
	}
	if err != nil {
		return fmt.Errorf("failed to read order: %w", err)
	}

	merged := mergeOrder(existing, o)
	_, err = tx.ExecContext(ctx,
		`UPDATE orders SET exchange_order_id = ?, status = ?, price = ?, filled_amount = ?,
			avg_fill_price = ?, submitted_at = ? WHERE exchange = ? AND client_order_id = ?`,
		merged.ExchangeOrderID, merged.Status, merged.Price.String(), merged.FilledAmount.String(),
		merged.AvgFillPrice.String(), msOrNil(merged.SubmittedAt), o.Exchange, o.ClientOrderID)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	return tx.Commit()
}

// mergeOrder applies the monotonicity rules: status never regresses,
// filledAmount only grows, identifiers fill in once known.
func mergeOrder(existing, incoming *core.Order) *core.Order {
	merged := *existing

	if existing.Status.CanProgressTo(incoming.Status) {
		merged.Status = incoming.Status
	}
	if incoming.FilledAmount.GreaterThan(merged.FilledAmount) {
		merged.FilledAmount = incoming.FilledAmount
	}
	if merged.ExchangeOrderID == "" && incoming.ExchangeOrderID != "" {
		merged.ExchangeOrderID = incoming.ExchangeOrderID
	}
	if !incoming.AvgFillPrice.IsZero() {
		merged.AvgFillPrice = incoming.AvgFillPrice
	}
	if merged.Price.IsZero() && !incoming.Price.IsZero() {
		merged.Price = incoming.Price
	}
	if merged.SubmittedAt == nil && incoming.SubmittedAt != nil {
		merged.SubmittedAt = incoming.SubmittedAt
	}
	return &merged
}

func (s *SQLiteStore) GetOrderByClientID(ctx context.Context, exchange, clientOrderID string) (*core.Order, error) {
	o, err := scanOrder(s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE exchange = ? AND client_order_id = ?`,
		exchange, clientOrderID))
	if err == sql.ErrNoRows {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read order: %w", err)
	}
	return o, nil
}

func (s *SQLiteStore) ListOrdersByBot(ctx context.Context, botID string) ([]*core.Order, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE bot_id = ? ORDER BY intent_seq ASC`, botID)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	var orders []*core.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (s *SQLiteStore) LatestOutboxOrder(ctx context.Context, botID string) (*core.Order, error) {
	o, err := scanOrder(s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE bot_id = ? AND submitted_at IS NULL AND exchange_order_id = ''
		 ORDER BY intent_seq DESC LIMIT 1`, botID))
	if err == sql.ErrNoRows {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read outbox order: %w", err)
	}
	return o, nil
}

func (s *SQLiteStore) LatestFilledOrder(ctx context.Context, botID string) (*core.Order, error) {
	o, err := scanOrder(s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE bot_id = ? AND status = ? ORDER BY intent_seq DESC LIMIT 1`,
		botID, core.OrderFilled))
	if err == sql.ErrNoRows {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read filled order: %w", err)
	}
	return o, nil
}

func (s *SQLiteStore) MarkOrderSubmitted(ctx context.Context, orderID, exchangeOrderID string, status core.OrderStatus, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET exchange_order_id = ?, status = ?, submitted_at = ? WHERE id = ?`,
		exchangeOrderID, status, at.UnixMilli(), orderID)
	if err != nil {
		return fmt.Errorf("failed to mark order submitted: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) CreateFirstIntent(ctx context.Context, bot *core.Bot, expectedVersion int64, o *core.Order) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	var version int64
	err = tx.QueryRowContext(ctx,
		`SELECT status, status_version FROM bots WHERE id = ?`, bot.ID).Scan(&status, &version)
	if err != nil {
		if err == sql.ErrNoRows {
			return apperrors.ErrNotFound
		}
		return fmt.Errorf("failed to read bot: %w", err)
	}
	if core.BotStatus(status) != core.StatusWaitingTrigger || version != expectedVersion {
		return apperrors.ErrCASFailed
	}

	var n int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM orders WHERE bot_id = ?`, bot.ID).Scan(&n); err != nil {
		return fmt.Errorf("failed to count orders: %w", err)
	}
	if n > 0 {
		return apperrors.ErrStateConflict
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO orders (id, bot_id, exchange, symbol, client_order_id, exchange_order_id, intent_seq,
			side, type, status, price, amount, filled_amount, avg_fill_price, submitted_at, created_at)
		 VALUES (?, ?, ?, ?, ?, '', ?, ?, ?, ?, ?, ?, '0', '0', NULL, ?)`,
		o.ID, o.BotID, o.Exchange, o.Symbol, o.ClientOrderID, o.IntentSeq,
		o.Side, o.Type, o.Status, o.Price.String(), o.Amount.String(), o.CreatedAt.UnixMilli()); err != nil {
		return fmt.Errorf("failed to insert intent: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE bots SET status = ?, status_version = status_version + 1
		 WHERE id = ? AND status_version = ?`,
		core.StatusRunning, bot.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to bump bot: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return apperrors.ErrCASFailed
	}
	return tx.Commit()
}

// -- trades --

func (s *SQLiteStore) InsertTrade(ctx context.Context, t *core.Trade) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO trades (id, bot_id, trade_id, client_order_id, exchange_order_id, exchange,
			symbol, side, price, amount, fee, fee_currency, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.BotID, t.TradeID, t.ClientOrderID, t.ExchangeOrderID, t.Exchange, t.Symbol, t.Side,
		t.Price.String(), t.Amount.String(), t.Fee.String(), t.FeeCurrency, t.Timestamp.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to insert trade: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) ListTradesByBot(ctx context.Context, botID string) ([]*core.Trade, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, bot_id, trade_id, client_order_id, exchange_order_id, exchange, symbol, side, price, amount, fee, fee_currency, ts
		 FROM trades WHERE bot_id = ? ORDER BY ts ASC`, botID)
	if err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", err)
	}
	defer rows.Close()

	var trades []*core.Trade
	for rows.Next() {
		var t core.Trade
		var price, amount, fee string
		var ts int64
		if err := rows.Scan(&t.ID, &t.BotID, &t.TradeID, &t.ClientOrderID, &t.ExchangeOrderID, &t.Exchange,
			&t.Symbol, &t.Side, &price, &amount, &fee, &t.FeeCurrency, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		t.Price = parseDec(price)
		t.Amount = parseDec(amount)
		t.Fee = parseDec(fee)
		t.Timestamp = time.UnixMilli(ts).UTC()
		trades = append(trades, &t)
	}
	return trades, rows.Err()
}

// -- snapshots --

func (s *SQLiteStore) LatestSnapshot(ctx context.Context, botID string) (*core.BotSnapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, bot_id, run_id, reconciled_at, state_json, state_hash
		 FROM bot_snapshots WHERE bot_id = ? ORDER BY reconciled_at DESC, id DESC LIMIT 1`, botID)

	var snap core.BotSnapshot
	var reconciledAt int64
	if err := row.Scan(&snap.ID, &snap.BotID, &snap.RunID, &reconciledAt, &snap.StateJSON, &snap.StateHash); err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	snap.ReconciledAt = time.UnixMilli(reconciledAt).UTC()
	return &snap, nil
}

func (s *SQLiteStore) InsertSnapshot(ctx context.Context, snap *core.BotSnapshot) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bot_snapshots (id, bot_id, run_id, reconciled_at, state_json, state_hash)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.BotID, snap.RunID, snap.ReconciledAt.UnixMilli(), snap.StateJSON, snap.StateHash)
	if err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}
	return nil
}
