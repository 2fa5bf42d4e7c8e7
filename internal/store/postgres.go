package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/whale-engine/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS copy_configs (
	id                    TEXT PRIMARY KEY,
	user_wallet           TEXT NOT NULL,
	target_wallet         TEXT NOT NULL,
	enabled               BOOLEAN NOT NULL DEFAULT TRUE,
	sizing_mode           TEXT NOT NULL,
	fixed_size            NUMERIC NOT NULL DEFAULT 0,
	proportion_multiplier NUMERIC NOT NULL DEFAULT 0,
	portfolio_percentage  NUMERIC NOT NULL DEFAULT 0,
	max_position_size     NUMERIC,
	min_trade_size        NUMERIC NOT NULL DEFAULT 0,
	stop_loss_percent     NUMERIC,
	take_profit_percent   NUMERIC,
	max_daily_trades      INTEGER NOT NULL DEFAULT 0,
	follow_buys           BOOLEAN NOT NULL DEFAULT TRUE,
	follow_sells          BOOLEAN NOT NULL DEFAULT TRUE,
	trades_today          INTEGER NOT NULL DEFAULT 0,
	total_trades          INTEGER NOT NULL DEFAULT 0,
	total_pnl             NUMERIC NOT NULL DEFAULT 0,
	last_trade_at         TIMESTAMPTZ,
	created_at            TIMESTAMPTZ NOT NULL,
	updated_at            TIMESTAMPTZ NOT NULL,
	CHECK (user_wallet <> target_wallet)
);
CREATE UNIQUE INDEX IF NOT EXISTS copy_configs_enabled_pair
	ON copy_configs (user_wallet, target_wallet) WHERE enabled;
CREATE INDEX IF NOT EXISTS copy_configs_target ON copy_configs (target_wallet) WHERE enabled;

CREATE TABLE IF NOT EXISTS copy_attempts (
	id              TEXT PRIMARY KEY,
	config_id       TEXT NOT NULL,
	user_wallet     TEXT NOT NULL,
	source_trade_id TEXT NOT NULL,
	target_wallet   TEXT NOT NULL,
	instrument      TEXT NOT NULL,
	side            TEXT NOT NULL,
	source_size     NUMERIC NOT NULL,
	copied_size     NUMERIC NOT NULL,
	price           NUMERIC NOT NULL,
	status          TEXT NOT NULL,
	skip_reason     TEXT NOT NULL DEFAULT '',
	tx_ref          TEXT NOT NULL DEFAULT '',
	pnl             NUMERIC,
	created_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS copy_attempts_config ON copy_attempts (config_id, created_at DESC);
CREATE INDEX IF NOT EXISTS copy_attempts_open ON copy_attempts (user_wallet)
	WHERE status = 'executed' AND pnl IS NULL;

CREATE TABLE IF NOT EXISTS tracked_wallets (
	wallet   TEXT PRIMARY KEY,
	source   TEXT NOT NULL,
	added_at TIMESTAMPTZ NOT NULL
);
`

const configColumns = `id, user_wallet, target_wallet, enabled, sizing_mode,
	fixed_size::TEXT, proportion_multiplier::TEXT, portfolio_percentage::TEXT,
	max_position_size::TEXT, min_trade_size::TEXT,
	stop_loss_percent::TEXT, take_profit_percent::TEXT,
	max_daily_trades, follow_buys, follow_sells,
	trades_today, total_trades, total_pnl::TEXT, last_trade_at,
	created_at, updated_at`

const attemptColumns = `id, config_id, user_wallet, source_trade_id, target_wallet,
	instrument, side, source_size::TEXT, copied_size::TEXT, price::TEXT,
	status, skip_reason, tx_ref, pnl::TEXT, created_at`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the tables and indexes if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateConfig(ctx context.Context, c *model.CopyConfig) error {
	if err := prepareConfig(c); err != nil {
		return err
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now

	_, err := s.pool.Exec(ctx,
		`INSERT INTO copy_configs (id, user_wallet, target_wallet, enabled, sizing_mode,
		        fixed_size, proportion_multiplier, portfolio_percentage,
		        max_position_size, min_trade_size, stop_loss_percent, take_profit_percent,
		        max_daily_trades, follow_buys, follow_sells,
		        trades_today, total_trades, total_pnl, last_trade_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC,
		         $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12::NUMERIC,
		         $13, $14, $15, $16, $17, $18::NUMERIC, $19, $20, $21)`,
		c.ID, c.UserWallet, c.TargetWallet, c.Enabled, c.SizingMode,
		c.FixedSize.String(), c.ProportionMultiplier.String(), c.PortfolioPercentage.String(),
		nullArg(c.MaxPositionSize), c.MinTradeSize.String(),
		nullArg(c.StopLossPercent), nullArg(c.TakeProfitPercent),
		c.MaxDailyTrades, c.FollowBuys, c.FollowSells,
		c.TradesToday, c.TotalTrades, c.TotalPnl.String(), c.LastTradeAt,
		c.CreatedAt, c.UpdatedAt,
	)
	return mapWriteErr(err)
}

func (s *PostgresStore) GetConfig(ctx context.Context, id string) (model.CopyConfig, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+configColumns+` FROM copy_configs WHERE id = $1`, id)
	c, err := scanConfig(row)
	if err != nil {
		return model.CopyConfig{}, fmt.Errorf("get config %s: %w", id, mapReadErr(err))
	}
	return c, nil
}

func (s *PostgresStore) SaveConfig(ctx context.Context, c model.CopyConfig) error {
	if err := prepareConfig(&c); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE copy_configs
		 SET user_wallet = $2, target_wallet = $3, enabled = $4, sizing_mode = $5,
		     fixed_size = $6::NUMERIC, proportion_multiplier = $7::NUMERIC,
		     portfolio_percentage = $8::NUMERIC, max_position_size = $9::NUMERIC,
		     min_trade_size = $10::NUMERIC, stop_loss_percent = $11::NUMERIC,
		     take_profit_percent = $12::NUMERIC, max_daily_trades = $13,
		     follow_buys = $14, follow_sells = $15, updated_at = $16
		 WHERE id = $1`,
		c.ID, c.UserWallet, c.TargetWallet, c.Enabled, c.SizingMode,
		c.FixedSize.String(), c.ProportionMultiplier.String(), c.PortfolioPercentage.String(),
		nullArg(c.MaxPositionSize), c.MinTradeSize.String(),
		nullArg(c.StopLossPercent), nullArg(c.TakeProfitPercent),
		c.MaxDailyTrades, c.FollowBuys, c.FollowSells, time.Now().UTC(),
	)
	if err != nil {
		return mapWriteErr(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("config %s: %w", c.ID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) DeleteConfig(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM copy_configs WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("config %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ListConfigsByUser(ctx context.Context, userWallet string) ([]model.CopyConfig, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+configColumns+` FROM copy_configs WHERE user_wallet = $1 ORDER BY created_at, id`,
		model.NormalizeWallet(userWallet))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanConfigs(rows)
}

func (s *PostgresStore) ListEnabledConfigsForTarget(ctx context.Context, wallet string) ([]model.CopyConfig, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+configColumns+` FROM copy_configs
		 WHERE target_wallet = $1 AND enabled ORDER BY created_at, id`,
		model.NormalizeWallet(wallet))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanConfigs(rows)
}

func (s *PostgresStore) RecordExecution(ctx context.Context, id string, at time.Time) (model.CopyConfig, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE copy_configs
		 SET trades_today = trades_today + 1, total_trades = total_trades + 1, last_trade_at = $2
		 WHERE id = $1
		 RETURNING `+configColumns, id, at)
	c, err := scanConfig(row)
	if err != nil {
		return model.CopyConfig{}, fmt.Errorf("record execution %s: %w", id, mapReadErr(err))
	}
	return c, nil
}

func (s *PostgresStore) ResetDailyCounters(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE copy_configs SET trades_today = 0 WHERE trades_today <> 0`)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) AppendAttempt(ctx context.Context, a model.CopyAttempt) error {
	if err := a.Validate(); err != nil {
		return err
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO copy_attempts (id, config_id, user_wallet, source_trade_id, target_wallet,
		        instrument, side, source_size, copied_size, price, status, skip_reason, tx_ref, pnl, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11, $12, $13, $14::NUMERIC, $15)`,
		a.ID, a.ConfigID, a.UserWallet, a.SourceTradeID, a.TargetWallet,
		a.Instrument, a.Side, a.SourceSize.String(), a.CopiedSize.String(), a.Price.String(),
		a.Status, a.SkipReason, a.TxRef, nullArg(a.Pnl), a.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListAttempts(ctx context.Context, configID string, limit int) ([]model.CopyAttempt, error) {
	q := `SELECT ` + attemptColumns + ` FROM copy_attempts WHERE config_id = $1 ORDER BY created_at DESC, id DESC`
	args := []any{configID}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanAttempts(rows)
}

func (s *PostgresStore) ListOpenAttempts(ctx context.Context, userWallet string) ([]model.CopyAttempt, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+attemptColumns+` FROM copy_attempts
		 WHERE user_wallet = $1 AND status = 'executed' AND pnl IS NULL
		 ORDER BY created_at`, model.NormalizeWallet(userWallet))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanAttempts(rows)
}

func (s *PostgresStore) AttachPnl(ctx context.Context, attemptID string, pnl decimal.Decimal) (model.CopyAttempt, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.CopyAttempt{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx,
		`UPDATE copy_attempts SET pnl = $2::NUMERIC
		 WHERE id = $1 AND status = 'executed' AND pnl IS NULL
		 RETURNING `+attemptColumns, attemptID, pnl.String())
	a, err := scanAttempt(row)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM copy_attempts WHERE id = $1)`, attemptID).Scan(&exists); err != nil {
			return model.CopyAttempt{}, err
		}
		if !exists {
			return model.CopyAttempt{}, fmt.Errorf("attempt %s: %w", attemptID, ErrNotFound)
		}
		return model.CopyAttempt{}, ErrAttemptNotOpen
	}
	if err != nil {
		return model.CopyAttempt{}, err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE copy_configs SET total_pnl = total_pnl + $2::NUMERIC WHERE id = $1`,
		a.ConfigID, pnl.String()); err != nil {
		return model.CopyAttempt{}, err
	}
	return a, tx.Commit(ctx)
}

func (s *PostgresStore) AttemptStats(ctx context.Context, configID string) (model.AttemptStats, error) {
	st := model.AttemptStats{ConfigID: configID}
	var notional, pnl string
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FILTER (WHERE status = 'executed'),
		        COUNT(*) FILTER (WHERE status = 'skipped'),
		        COUNT(*) FILTER (WHERE status = 'failed'),
		        COALESCE(SUM(copied_size) FILTER (WHERE status = 'executed'), 0)::TEXT,
		        COALESCE(SUM(pnl) FILTER (WHERE status = 'executed'), 0)::TEXT
		 FROM copy_attempts WHERE config_id = $1`, configID).
		Scan(&st.Executed, &st.Skipped, &st.Failed, &notional, &pnl)
	if err != nil {
		return st, err
	}
	st.ExecutedNotional, _ = decimal.NewFromString(notional)
	st.RealizedPnl, _ = decimal.NewFromString(pnl)
	return st, nil
}

func (s *PostgresStore) ListTrackedWallets(ctx context.Context) ([]model.TrackedWallet, error) {
	rows, err := s.pool.Query(ctx, `SELECT wallet, source, added_at FROM tracked_wallets ORDER BY wallet`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.TrackedWallet
	for rows.Next() {
		var w model.TrackedWallet
		if err := rows.Scan(&w.Wallet, &w.Source, &w.AddedAt); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AddTrackedWallet(ctx context.Context, wallet, source string) (bool, error) {
	w := model.NormalizeWallet(wallet)
	if w == "" {
		return false, fmt.Errorf("store: empty wallet")
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO tracked_wallets (wallet, source, added_at) VALUES ($1, $2, $3)
		 ON CONFLICT (wallet) DO NOTHING`, w, source, time.Now().UTC())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// --- Scan helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

type pgxRows interface {
	rowScanner
	Next() bool
	Err() error
}

func scanConfig(row rowScanner) (model.CopyConfig, error) {
	var c model.CopyConfig
	var fixed, mult, pct, minSize, totalPnl string
	var maxPos, sl, tp *string

	err := row.Scan(&c.ID, &c.UserWallet, &c.TargetWallet, &c.Enabled, &c.SizingMode,
		&fixed, &mult, &pct,
		&maxPos, &minSize,
		&sl, &tp,
		&c.MaxDailyTrades, &c.FollowBuys, &c.FollowSells,
		&c.TradesToday, &c.TotalTrades, &totalPnl, &c.LastTradeAt,
		&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return c, err
	}

	c.FixedSize, _ = decimal.NewFromString(fixed)
	c.ProportionMultiplier, _ = decimal.NewFromString(mult)
	c.PortfolioPercentage, _ = decimal.NewFromString(pct)
	c.MinTradeSize, _ = decimal.NewFromString(minSize)
	c.TotalPnl, _ = decimal.NewFromString(totalPnl)
	c.MaxPositionSize = nullDecimal(maxPos)
	c.StopLossPercent = nullDecimal(sl)
	c.TakeProfitPercent = nullDecimal(tp)
	return c, nil
}

func scanConfigs(rows pgxRows) ([]model.CopyConfig, error) {
	var out []model.CopyConfig
	for rows.Next() {
		c, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanAttempt(row rowScanner) (model.CopyAttempt, error) {
	var a model.CopyAttempt
	var source, copied, price string
	var pnl *string

	err := row.Scan(&a.ID, &a.ConfigID, &a.UserWallet, &a.SourceTradeID, &a.TargetWallet,
		&a.Instrument, &a.Side, &source, &copied, &price,
		&a.Status, &a.SkipReason, &a.TxRef, &pnl, &a.CreatedAt)
	if err != nil {
		return a, err
	}

	a.SourceSize, _ = decimal.NewFromString(source)
	a.CopiedSize, _ = decimal.NewFromString(copied)
	a.Price, _ = decimal.NewFromString(price)
	a.Pnl = nullDecimal(pnl)
	return a, nil
}

func scanAttempts(rows pgxRows) ([]model.CopyAttempt, error) {
	var out []model.CopyAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func nullDecimal(s *string) decimal.NullDecimal {
	if s == nil {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}

func nullArg(d decimal.NullDecimal) any {
	if !d.Valid {
		return nil
	}
	return d.Decimal.String()
}

func mapReadErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func mapWriteErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return ErrDuplicateConfig
		case "23514":
			return ErrSelfCopy
		}
	}
	return err
}
