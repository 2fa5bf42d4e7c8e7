// Package copytrade turns detected whale trades into bounded copy orders.
//
// Resolve is a pure sizing function. The Coordinator runs one serialized
// lane per copy config: reload config, daily cap, side filter, sizing,
// exposure check, execution with a timeout, then attempt recording.
package copytrade

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/whale-engine/internal/model"
)

// SkipBelowMinimum is the skip reason for sizes under the config minimum.
const SkipBelowMinimum = "below minimum size"

var hundred = decimal.NewFromInt(100)

// Decision is the result of sizing one trade for one config. When Skip is
// set, Size is zero and Attempted holds the size that was rejected.
type Decision struct {
	Size      decimal.Decimal
	Skip      bool
	Reason    string
	Attempted decimal.Decimal
}

// Resolve sizes a copy of ev under cfg. balance is the follower's available
// balance, used only in percentage mode. The only error is a *ConfigError.
func Resolve(cfg model.CopyConfig, ev model.TradeEvent, balance decimal.Decimal) (Decision, error) {
	if err := ValidateConfig(cfg); err != nil {
		return Decision{}, err
	}

	var size decimal.Decimal
	switch cfg.SizingMode {
	case model.SizingFixed:
		size = cfg.FixedSize
	case model.SizingProportional:
		size = ev.USDValue().Mul(cfg.ProportionMultiplier)
	case model.SizingPercentage:
		size = balance.Mul(cfg.PortfolioPercentage).Div(hundred)
	}

	// Cap only, never raise.
	if cfg.MaxPositionSize.Valid && size.GreaterThan(cfg.MaxPositionSize.Decimal) {
		size = cfg.MaxPositionSize.Decimal
	}

	if size.LessThan(cfg.MinTradeSize) || !size.IsPositive() {
		return Decision{Skip: true, Reason: SkipBelowMinimum, Attempted: size}, nil
	}
	return Decision{Size: size}, nil
}

// ValidateConfig checks the sizing policy of cfg.
func ValidateConfig(cfg model.CopyConfig) error {
	bad := func(field, reason string) error {
		return &ConfigError{ConfigID: cfg.ID, Field: field, Reason: reason}
	}

	if model.NormalizeWallet(cfg.UserWallet) == model.NormalizeWallet(cfg.TargetWallet) {
		return bad("target_wallet", "must differ from user_wallet")
	}
	switch cfg.SizingMode {
	case model.SizingFixed:
		if !cfg.FixedSize.IsPositive() {
			return bad("fixed_size", "must be positive")
		}
	case model.SizingProportional:
		if !cfg.ProportionMultiplier.IsPositive() {
			return bad("proportion_multiplier", "must be positive")
		}
	case model.SizingPercentage:
		if !cfg.PortfolioPercentage.IsPositive() || cfg.PortfolioPercentage.GreaterThan(hundred) {
			return bad("portfolio_percentage", "must be in (0, 100]")
		}
	default:
		return bad("sizing_mode", "must be fixed, proportional or percentage")
	}
	if cfg.MaxPositionSize.Valid && !cfg.MaxPositionSize.Decimal.IsPositive() {
		return bad("max_position_size", "must be positive when set")
	}
	if cfg.MinTradeSize.IsNegative() {
		return bad("min_trade_size", "must not be negative")
	}
	if cfg.MaxDailyTrades < 0 {
		return bad("max_daily_trades", "must not be negative")
	}
	if cfg.StopLossPercent.Valid && !cfg.StopLossPercent.Decimal.IsPositive() {
		return bad("stop_loss_percent", "must be positive when set")
	}
	if cfg.TakeProfitPercent.Valid && !cfg.TakeProfitPercent.Decimal.IsPositive() {
		return bad("take_profit_percent", "must be positive when set")
	}
	return nil
}
