package config

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/atmx/whale-engine/internal/model"
)

// Seed is the optional bootstrap file: wallets to watch from startup and the
// copy configs to create if they do not exist yet.
//
//	tracked_wallets:
//	  - 0xabc...
//	copy_configs:
//	  - user_wallet: 0xme
//	    target_wallet: 0xabc...
//	    sizing_mode: fixed
//	    fixed_size: "250"
type Seed struct {
	TrackedWallets []string     `yaml:"tracked_wallets"`
	CopyConfigs    []SeedConfig `yaml:"copy_configs"`
}

// SeedConfig mirrors model.CopyConfig with string-typed amounts so YAML
// numbers and quoted strings both parse exactly.
type SeedConfig struct {
	UserWallet           string `yaml:"user_wallet"`
	TargetWallet         string `yaml:"target_wallet"`
	Enabled              *bool  `yaml:"enabled"`
	SizingMode           string `yaml:"sizing_mode"`
	FixedSize            string `yaml:"fixed_size"`
	ProportionMultiplier string `yaml:"proportion_multiplier"`
	PortfolioPercentage  string `yaml:"portfolio_percentage"`
	MaxPositionSize      string `yaml:"max_position_size"`
	MinTradeSize         string `yaml:"min_trade_size"`
	StopLossPercent      string `yaml:"stop_loss_percent"`
	TakeProfitPercent    string `yaml:"take_profit_percent"`
	MaxDailyTrades       int    `yaml:"max_daily_trades"`
	FollowBuys           *bool  `yaml:"follow_buys"`
	FollowSells          *bool  `yaml:"follow_sells"`
}

// LoadSeed reads and parses a seed file.
func LoadSeed(path string) (*Seed, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	return ParseSeed(raw)
}

// ParseSeed decodes seed YAML.
func ParseSeed(raw []byte) (*Seed, error) {
	var s Seed
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	for i, c := range s.CopyConfigs {
		if c.UserWallet == "" || c.TargetWallet == "" {
			return nil, fmt.Errorf("seed copy_configs[%d]: user_wallet and target_wallet are required", i)
		}
	}
	return &s, nil
}

// CopyConfig converts the entry. Unset booleans default to true and
// max_daily_trades defaults to 10.
func (c SeedConfig) CopyConfig() (model.CopyConfig, error) {
	out := model.CopyConfig{
		UserWallet:     model.NormalizeWallet(c.UserWallet),
		TargetWallet:   model.NormalizeWallet(c.TargetWallet),
		Enabled:        boolOr(c.Enabled, true),
		SizingMode:     model.SizingMode(c.SizingMode),
		MaxDailyTrades: c.MaxDailyTrades,
		FollowBuys:     boolOr(c.FollowBuys, true),
		FollowSells:    boolOr(c.FollowSells, true),
	}
	if out.SizingMode == "" {
		out.SizingMode = model.SizingFixed
	}
	if out.MaxDailyTrades == 0 {
		out.MaxDailyTrades = 10
	}

	var err error
	fields := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"fixed_size", c.FixedSize, &out.FixedSize},
		{"proportion_multiplier", c.ProportionMultiplier, &out.ProportionMultiplier},
		{"portfolio_percentage", c.PortfolioPercentage, &out.PortfolioPercentage},
		{"min_trade_size", c.MinTradeSize, &out.MinTradeSize},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		if *f.dst, err = decimal.NewFromString(f.raw); err != nil {
			return model.CopyConfig{}, fmt.Errorf("%s: %w", f.name, err)
		}
	}

	nullable := []struct {
		name string
		raw  string
		dst  *decimal.NullDecimal
	}{
		{"max_position_size", c.MaxPositionSize, &out.MaxPositionSize},
		{"stop_loss_percent", c.StopLossPercent, &out.StopLossPercent},
		{"take_profit_percent", c.TakeProfitPercent, &out.TakeProfitPercent},
	}
	for _, f := range nullable {
		if f.raw == "" {
			continue
		}
		v, err := decimal.NewFromString(f.raw)
		if err != nil {
			return model.CopyConfig{}, fmt.Errorf("%s: %w", f.name, err)
		}
		*f.dst = decimal.NewNullDecimal(v)
	}
	return out, nil
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
