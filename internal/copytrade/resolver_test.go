package copytrade_test

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/whale-engine/internal/copytrade"
	"github.com/atmx/whale-engine/internal/model"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func trade(t *testing.T, id, wallet string, side model.Side, size, price float64) model.TradeEvent {
	t.Helper()
	ev, err := model.NewTradeEvent(id, model.VenueHyperliquid, wallet, "BTC", side,
		d(size), d(price), time.Unix(1700000000, 0), false)
	require.NoError(t, err)
	return ev
}

func baseConfig() model.CopyConfig {
	return model.CopyConfig{
		ID:             "cfg-1",
		UserWallet:     "0xu",
		TargetWallet:   "0xa",
		Enabled:        true,
		SizingMode:     model.SizingFixed,
		FixedSize:      d(200),
		MaxDailyTrades: 10,
		FollowBuys:     true,
		FollowSells:    true,
	}
}

func TestResolveSizingModes(t *testing.T) {
	ev := trade(t, "t1", "0xa", model.SideBuy, 2, 50000) // 100,000 USD

	tests := []struct {
		name    string
		mutate  func(*model.CopyConfig)
		balance decimal.Decimal
		want    decimal.Decimal
	}{
		{
			name:   "fixed ignores source size",
			mutate: func(c *model.CopyConfig) {},
			want:   d(200),
		},
		{
			name: "proportional",
			mutate: func(c *model.CopyConfig) {
				c.SizingMode = model.SizingProportional
				c.ProportionMultiplier = d(0.001)
			},
			want: d(100),
		},
		{
			name: "percentage of balance",
			mutate: func(c *model.CopyConfig) {
				c.SizingMode = model.SizingPercentage
				c.PortfolioPercentage = d(5)
			},
			balance: d(1000),
			want:    d(50),
		},
		{
			name: "clamped to max position",
			mutate: func(c *model.CopyConfig) {
				c.SizingMode = model.SizingProportional
				c.ProportionMultiplier = d(0.01)
				c.MaxPositionSize = decimal.NewNullDecimal(d(500))
			},
			want: d(500),
		},
		{
			name: "max position never raises",
			mutate: func(c *model.CopyConfig) {
				c.MaxPositionSize = decimal.NewNullDecimal(d(5000))
			},
			want: d(200),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig()
			tt.mutate(&cfg)
			got, err := copytrade.Resolve(cfg, ev, tt.balance)
			require.NoError(t, err)
			assert.False(t, got.Skip)
			assert.True(t, got.Size.Equal(tt.want), "size = %s, want %s", got.Size, tt.want)
		})
	}
}

func TestResolvePercentageBelowMinimum(t *testing.T) {
	cfg := baseConfig()
	cfg.SizingMode = model.SizingPercentage
	cfg.PortfolioPercentage = d(5)
	cfg.MinTradeSize = d(60)

	got, err := copytrade.Resolve(cfg, trade(t, "t1", "0xa", model.SideBuy, 1, 100), d(1000))
	require.NoError(t, err)
	assert.True(t, got.Skip)
	assert.Equal(t, copytrade.SkipBelowMinimum, got.Reason)
	assert.True(t, got.Attempted.Equal(d(50)), "attempted = %s", got.Attempted)
	assert.True(t, got.Size.IsZero())
}

func TestResolveIsPure(t *testing.T) {
	cfg := baseConfig()
	cfg.SizingMode = model.SizingProportional
	cfg.ProportionMultiplier = d(0.0123)
	cfg.MaxPositionSize = decimal.NewNullDecimal(d(1000))
	ev := trade(t, "t1", "0xa", model.SideSell, 3.5, 61234.5)

	first, err1 := copytrade.Resolve(cfg, ev, d(777))
	second, err2 := copytrade.Resolve(cfg, ev, d(777))
	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.Equal(t, first.Skip, second.Skip)
	assert.True(t, first.Size.Equal(second.Size))
	assert.Equal(t, first.Reason, second.Reason)
}

func TestResolveConfigErrors(t *testing.T) {
	ev := trade(t, "t1", "0xa", model.SideBuy, 1, 100)

	tests := []struct {
		name   string
		field  string
		mutate func(*model.CopyConfig)
	}{
		{"self copy", "target_wallet", func(c *model.CopyConfig) { c.TargetWallet = "0XU" }},
		{"zero fixed size", "fixed_size", func(c *model.CopyConfig) { c.FixedSize = decimal.Zero }},
		{"unknown mode", "sizing_mode", func(c *model.CopyConfig) { c.SizingMode = "kelly" }},
		{"percentage above 100", "portfolio_percentage", func(c *model.CopyConfig) {
			c.SizingMode = model.SizingPercentage
			c.PortfolioPercentage = d(150)
		}},
		{"negative minimum", "min_trade_size", func(c *model.CopyConfig) { c.MinTradeSize = d(-1) }},
		{"zero stop loss", "stop_loss_percent", func(c *model.CopyConfig) {
			c.StopLossPercent = decimal.NewNullDecimal(decimal.Zero)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig()
			tt.mutate(&cfg)
			_, err := copytrade.Resolve(cfg, ev, d(1000))
			require.Error(t, err)
			assert.True(t, errors.Is(err, copytrade.ErrInvalidConfig))

			var cfgErr *copytrade.ConfigError
			require.True(t, errors.As(err, &cfgErr))
			assert.Equal(t, tt.field, cfgErr.Field)
			assert.Equal(t, "cfg-1", cfgErr.ConfigID)
		})
	}
}
