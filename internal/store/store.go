// Package store defines the persistence interface for the whale engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/whale-engine/internal/model"
)

var (
	// ErrNotFound is returned when a config or attempt does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrSelfCopy is returned when a config targets its own user wallet.
	ErrSelfCopy = errors.New("store: user wallet cannot copy itself")

	// ErrDuplicateConfig is returned when a second enabled config is written
	// for the same (user, target) pair.
	ErrDuplicateConfig = errors.New("store: enabled config already exists for user and target")
)

// Watchlist sources.
const (
	SourceSeed       = "seed"
	SourceDiscovered = "discovered"
	SourceAPI        = "api"
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Copy configs ---

	// CreateConfig persists a new config. An empty ID is assigned.
	CreateConfig(ctx context.Context, cfg *model.CopyConfig) error

	// GetConfig retrieves a config by its ID.
	GetConfig(ctx context.Context, id string) (model.CopyConfig, error)

	// SaveConfig updates the policy fields and enabled flag of an existing
	// config. Running counters are left untouched.
	SaveConfig(ctx context.Context, cfg model.CopyConfig) error

	// DeleteConfig removes a config. Its attempts are kept.
	DeleteConfig(ctx context.Context, id string) error

	// ListConfigsByUser returns every config owned by userWallet.
	ListConfigsByUser(ctx context.Context, userWallet string) ([]model.CopyConfig, error)

	// ListEnabledConfigsForTarget returns the enabled configs following wallet.
	ListEnabledConfigsForTarget(ctx context.Context, wallet string) ([]model.CopyConfig, error)

	// RecordExecution increments trades_today and total_trades and sets
	// last_trade_at, atomically.
	RecordExecution(ctx context.Context, id string, at time.Time) (model.CopyConfig, error)

	// ResetDailyCounters zeroes trades_today on every config and returns how
	// many configs had a non-zero count.
	ResetDailyCounters(ctx context.Context) (int, error)

	// --- Append-only attempt log ---

	// AppendAttempt appends a validated attempt.
	AppendAttempt(ctx context.Context, a model.CopyAttempt) error

	// ListAttempts returns the newest attempts of a config, newest first.
	// limit <= 0 means no limit.
	ListAttempts(ctx context.Context, configID string, limit int) ([]model.CopyAttempt, error)

	// ListOpenAttempts returns executed attempts of userWallet with no PnL.
	ListOpenAttempts(ctx context.Context, userWallet string) ([]model.CopyAttempt, error)

	// AttachPnl sets the realized PnL of an executed attempt once and adds it
	// to the owning config's total_pnl.
	AttachPnl(ctx context.Context, attemptID string, pnl decimal.Decimal) (model.CopyAttempt, error)

	// AttemptStats aggregates a config's attempt log.
	AttemptStats(ctx context.Context, configID string) (model.AttemptStats, error)

	// --- Watchlist ---

	// ListTrackedWallets returns the watchlist ordered by wallet.
	ListTrackedWallets(ctx context.Context) ([]model.TrackedWallet, error)

	// AddTrackedWallet adds wallet and reports whether it was new.
	AddTrackedWallet(ctx context.Context, wallet, source string) (bool, error)
}

// prepareConfig normalizes wallets and checks the write-time invariants that
// do not need other rows.
func prepareConfig(cfg *model.CopyConfig) error {
	cfg.UserWallet = model.NormalizeWallet(cfg.UserWallet)
	cfg.TargetWallet = model.NormalizeWallet(cfg.TargetWallet)
	if cfg.UserWallet == "" || cfg.TargetWallet == "" {
		return errors.New("store: user and target wallet are required")
	}
	if cfg.UserWallet == cfg.TargetWallet {
		return ErrSelfCopy
	}
	return nil
}

// ErrAttemptNotOpen is returned by AttachPnl for attempts that are not
// executed or already carry a PnL.
var ErrAttemptNotOpen = errors.New("store: attempt is not an open executed attempt")

func statsFrom(configID string, attempts []model.CopyAttempt) model.AttemptStats {
	st := model.AttemptStats{ConfigID: configID}
	for _, a := range attempts {
		switch a.Status {
		case model.AttemptExecuted:
			st.Executed++
			st.ExecutedNotional = st.ExecutedNotional.Add(a.CopiedSize)
			if a.Pnl.Valid {
				st.RealizedPnl = st.RealizedPnl.Add(a.Pnl.Decimal)
			}
		case model.AttemptSkipped:
			st.Skipped++
		case model.AttemptFailed:
			st.Failed++
		}
	}
	return st
}
