// Package model defines the core domain types shared across the whale engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidTrade is returned when a trade cannot be constructed from the
	// values a venue reported (missing size, non-positive price, ...).
	ErrInvalidTrade = errors.New("model: invalid trade")

	// ErrUnknownSide is returned when a venue side vocabulary is not recognized.
	ErrUnknownSide = errors.New("model: unknown side")

	// ErrInvalidAttempt is returned when a copy attempt violates its invariants.
	ErrInvalidAttempt = errors.New("model: invalid copy attempt")
)

// Venue identifies the trading venue a trade was observed on.
type Venue string

const (
	VenueHyperliquid Venue = "hyperliquid"
	VenuePolymarket  Venue = "polymarket"
)

// Side is the canonical trade direction.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// ParseSide collapses the venue side vocabularies (B/A, buy/sell, long/short,
// bid/ask) to buy or sell.
func ParseSide(raw string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "b", "buy", "long", "bid":
		return SideBuy, nil
	case "a", "s", "sell", "short", "ask":
		return SideSell, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownSide, raw)
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// NormalizeWallet canonicalizes a wallet address for comparisons.
func NormalizeWallet(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// TradeEvent is a venue-agnostic trade. It is treated as immutable once
// constructed; USDValue is always derived from size and price.
type TradeEvent struct {
	ID            string          `json:"id"`
	Venue         Venue           `json:"venue"`
	Wallet        string          `json:"wallet,omitempty"` // empty for anonymous tape trades
	Instrument    string          `json:"instrument"`
	Side          Side            `json:"side"`
	Size          decimal.Decimal `json:"size"`
	Price         decimal.Decimal `json:"price"`
	Timestamp     time.Time       `json:"timestamp"`
	IsLiquidation bool            `json:"is_liquidation"`
}

// NewTradeEvent validates venue-reported values and builds a TradeEvent.
func NewTradeEvent(id string, venue Venue, wallet, instrument string, side Side,
	size, price decimal.Decimal, ts time.Time, liquidation bool) (TradeEvent, error) {
	if instrument == "" {
		return TradeEvent{}, fmt.Errorf("%w: missing instrument", ErrInvalidTrade)
	}
	if size.IsZero() {
		return TradeEvent{}, fmt.Errorf("%w: zero size", ErrInvalidTrade)
	}
	if !price.IsPositive() {
		return TradeEvent{}, fmt.Errorf("%w: non-positive price %s", ErrInvalidTrade, price)
	}
	if side != SideBuy && side != SideSell {
		return TradeEvent{}, fmt.Errorf("%w: side %q", ErrInvalidTrade, side)
	}
	return TradeEvent{
		ID:            id,
		Venue:         venue,
		Wallet:        NormalizeWallet(wallet),
		Instrument:    instrument,
		Side:          side,
		Size:          size.Abs(),
		Price:         price,
		Timestamp:     ts,
		IsLiquidation: liquidation,
	}, nil
}

// USDValue is |size| * price.
func (e TradeEvent) USDValue() decimal.Decimal {
	return e.Size.Abs().Mul(e.Price).Abs()
}

// Anonymous reports whether the trade has no attributable wallet.
func (e TradeEvent) Anonymous() bool {
	return e.Wallet == ""
}

// MarshalJSON includes the derived usd_value.
func (e TradeEvent) MarshalJSON() ([]byte, error) {
	type alias TradeEvent
	return json.Marshal(struct {
		alias
		USDValue decimal.Decimal `json:"usd_value"`
	}{alias(e), e.USDValue()})
}

// FillContext is the per-fill position context some venues attach to a
// wallet's fills (Hyperliquid userFills).
type FillContext struct {
	StartPosition decimal.Decimal `json:"start_position"` // signed size before this fill
	ClosedPnl     decimal.Decimal `json:"closed_pnl"`
	Direction     string          `json:"direction,omitempty"` // venue label, e.g. "Open Long"
}

// PositionContext is a wallet's position as reported by a venue snapshot.
type PositionContext struct {
	Wallet        string              `json:"wallet"`
	Instrument    string              `json:"instrument"`
	Size          decimal.Decimal     `json:"size"` // signed: +long, -short
	EntryPrice    decimal.Decimal     `json:"entry_price"`
	Leverage      decimal.NullDecimal `json:"leverage"`
	UnrealizedPnl decimal.Decimal     `json:"unrealized_pnl"`
	FetchedAt     time.Time           `json:"fetched_at"`
}

// PositionKey identifies one whale position.
type PositionKey struct {
	Venue      Venue  `json:"venue"`
	Wallet     string `json:"wallet"`
	Instrument string `json:"instrument"`
}

func (k PositionKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Venue, k.Wallet, k.Instrument)
}

// WhalePosition is an open position inferred for a tracked wallet.
type WhalePosition struct {
	Venue         Venue               `json:"venue"`
	Wallet        string              `json:"wallet"`
	Instrument    string              `json:"instrument"`
	Side          Side                `json:"side"`
	Size          decimal.Decimal     `json:"size"`
	EntryPrice    decimal.Decimal     `json:"entry_price"`
	MarkPrice     decimal.Decimal     `json:"mark_price"`
	Leverage      decimal.NullDecimal `json:"leverage"`
	UnrealizedPnl decimal.Decimal     `json:"unrealized_pnl"`
	LastUpdated   time.Time           `json:"last_updated"`
}

// Key returns the position's identity.
func (p WhalePosition) Key() PositionKey {
	return PositionKey{Venue: p.Venue, Wallet: p.Wallet, Instrument: p.Instrument}
}

// SizingMode selects how a source trade is translated into a copy size.
type SizingMode string

const (
	SizingFixed        SizingMode = "fixed"
	SizingProportional SizingMode = "proportional"
	SizingPercentage   SizingMode = "percentage"
)

// Valid reports whether m is a known sizing mode.
func (m SizingMode) Valid() bool {
	switch m {
	case SizingFixed, SizingProportional, SizingPercentage:
		return true
	}
	return false
}

// CopyConfig is a follower's policy for mirroring one target wallet.
// Sizes are USD notional.
type CopyConfig struct {
	ID                   string              `json:"id" db:"id"`
	UserWallet           string              `json:"user_wallet" db:"user_wallet"`
	TargetWallet         string              `json:"target_wallet" db:"target_wallet"`
	Enabled              bool                `json:"enabled" db:"enabled"`
	SizingMode           SizingMode          `json:"sizing_mode" db:"sizing_mode"`
	FixedSize            decimal.Decimal     `json:"fixed_size" db:"fixed_size"`
	ProportionMultiplier decimal.Decimal     `json:"proportion_multiplier" db:"proportion_multiplier"`
	PortfolioPercentage  decimal.Decimal     `json:"portfolio_percentage" db:"portfolio_percentage"` // percentage points
	MaxPositionSize      decimal.NullDecimal `json:"max_position_size" db:"max_position_size"`
	MinTradeSize         decimal.Decimal     `json:"min_trade_size" db:"min_trade_size"`
	StopLossPercent      decimal.NullDecimal `json:"stop_loss_percent" db:"stop_loss_percent"`
	TakeProfitPercent    decimal.NullDecimal `json:"take_profit_percent" db:"take_profit_percent"`
	MaxDailyTrades       int                 `json:"max_daily_trades" db:"max_daily_trades"`
	FollowBuys           bool                `json:"follow_buys" db:"follow_buys"`
	FollowSells          bool                `json:"follow_sells" db:"follow_sells"`

	// Running counters, owned by the config's execution lane.
	TradesToday int             `json:"trades_today" db:"trades_today"`
	TotalTrades int             `json:"total_trades" db:"total_trades"`
	TotalPnl    decimal.Decimal `json:"total_pnl" db:"total_pnl"`
	LastTradeAt *time.Time      `json:"last_trade_at,omitempty" db:"last_trade_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Follows reports whether the config mirrors trades on side s.
func (c CopyConfig) Follows(s Side) bool {
	if s == SideBuy {
		return c.FollowBuys
	}
	return c.FollowSells
}

// AttemptStatus is the outcome of one copy attempt.
type AttemptStatus string

const (
	AttemptPending  AttemptStatus = "pending"
	AttemptExecuted AttemptStatus = "executed"
	AttemptSkipped  AttemptStatus = "skipped"
	AttemptFailed   AttemptStatus = "failed"
)

// CopyAttempt is an append-only record of one try at mirroring a trade.
type CopyAttempt struct {
	ID            string              `json:"id" db:"id"`
	ConfigID      string              `json:"config_id" db:"config_id"`
	UserWallet    string              `json:"user_wallet" db:"user_wallet"`
	SourceTradeID string              `json:"source_trade_id" db:"source_trade_id"`
	TargetWallet  string              `json:"target_wallet" db:"target_wallet"`
	Instrument    string              `json:"instrument" db:"instrument"`
	Side          Side                `json:"side" db:"side"`
	SourceSize    decimal.Decimal     `json:"source_size" db:"source_size"` // source USD value
	CopiedSize    decimal.Decimal     `json:"copied_size" db:"copied_size"` // USD notional
	Price         decimal.Decimal     `json:"price" db:"price"`
	Status        AttemptStatus       `json:"status" db:"status"`
	SkipReason    string              `json:"skip_reason,omitempty" db:"skip_reason"`
	TxRef         string              `json:"tx_ref,omitempty" db:"tx_ref"`
	Pnl           decimal.NullDecimal `json:"pnl" db:"pnl"`
	CreatedAt     time.Time           `json:"created_at" db:"created_at"`
}

// Validate checks the attempt's invariants before it is appended.
func (a CopyAttempt) Validate() error {
	switch a.Status {
	case AttemptExecuted:
		if !a.CopiedSize.IsPositive() {
			return fmt.Errorf("%w: executed attempt needs a positive copied size", ErrInvalidAttempt)
		}
	case AttemptPending, AttemptSkipped, AttemptFailed:
	default:
		return fmt.Errorf("%w: status %q", ErrInvalidAttempt, a.Status)
	}
	if a.ConfigID == "" {
		return fmt.Errorf("%w: missing config id", ErrInvalidAttempt)
	}
	return nil
}

// AttemptStats aggregates a config's attempt log.
type AttemptStats struct {
	ConfigID         string          `json:"config_id"`
	Executed         int             `json:"executed"`
	Skipped          int             `json:"skipped"`
	Failed           int             `json:"failed"`
	ExecutedNotional decimal.Decimal `json:"executed_notional"`
	RealizedPnl      decimal.Decimal `json:"realized_pnl"`
}

// TrackedWallet is a watchlist entry.
type TrackedWallet struct {
	Wallet  string    `json:"wallet" db:"wallet"`
	Source  string    `json:"source" db:"source"` // seed, discovered, api
	AddedAt time.Time `json:"added_at" db:"added_at"`
}
