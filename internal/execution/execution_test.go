package execution

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/whale-engine/internal/copytrade"
	"github.com/atmx/whale-engine/internal/model"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func TestFuturesSymbol(t *testing.T) {
	tests := []struct {
		venue      model.Venue
		instrument string
		want       string
		wantErr    bool
	}{
		{model.VenueHyperliquid, "BTC", "BTCUSDT", false},
		{model.VenueHyperliquid, "eth", "ETHUSDT", false},
		{model.VenueHyperliquid, "@107", "", true},
		{model.VenuePolymarket, "election:yes", "", true},
		{model.VenueHyperliquid, "", "", true},
	}
	for _, tt := range tests {
		got, err := futuresSymbol(tt.venue, tt.instrument)
		if tt.wantErr {
			if !errors.Is(err, ErrUnsupportedInstrument) {
				t.Errorf("%s %s: err = %v, want ErrUnsupportedInstrument", tt.venue, tt.instrument, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("%s %s = %q, %v; want %q", tt.venue, tt.instrument, got, err, tt.want)
		}
	}
}

func TestQuantity(t *testing.T) {
	qty, err := quantity(d(200), d(50000), d(0.001))
	if err != nil {
		t.Fatal(err)
	}
	if !qty.Equal(d(0.004)) {
		t.Errorf("qty = %s, want 0.004", qty)
	}

	// 130 / 50000 = 0.0026 floors to 0.002.
	qty, _ = quantity(d(130), d(50000), d(0.001))
	if !qty.Equal(d(0.002)) {
		t.Errorf("qty = %s, want 0.002", qty)
	}

	if _, err := quantity(d(10), d(50000), d(0.001)); !errors.Is(err, ErrQuantityTooSmall) {
		t.Errorf("err = %v, want ErrQuantityTooSmall", err)
	}
	if _, err := quantity(d(10), decimal.Zero, d(0.001)); err == nil {
		t.Error("zero price must fail")
	}
}

func TestProtectionPrices(t *testing.T) {
	sl := decimal.NewNullDecimal(d(2))
	tp := decimal.NewNullDecimal(d(5))

	stop, take := protectionPrices(model.SideBuy, d(100), sl, tp)
	if !stop.Valid || !stop.Decimal.Equal(d(98)) {
		t.Errorf("long stop = %v, want 98", stop)
	}
	if !take.Valid || !take.Decimal.Equal(d(105)) {
		t.Errorf("long take = %v, want 105", take)
	}

	stop, take = protectionPrices(model.SideSell, d(100), sl, tp)
	if !stop.Decimal.Equal(d(102)) || !take.Decimal.Equal(d(95)) {
		t.Errorf("short stop/take = %s/%s, want 102/95", stop.Decimal, take.Decimal)
	}

	stop, take = protectionPrices(model.SideBuy, d(100), decimal.NullDecimal{}, decimal.NullDecimal{})
	if stop.Valid || take.Valid {
		t.Error("unset percentages must not produce triggers")
	}
}

func TestPaper(t *testing.T) {
	p := NewPaper(d(1000), nil)
	ctx := context.Background()

	res, err := p.Execute(ctx, copytrade.Order{ConfigID: "c1", Instrument: "BTC", Side: model.SideBuy, SizeUSD: d(200)})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.TxRef) == 0 {
		t.Error("expected a tx ref")
	}
	fills := p.Fills()
	if len(fills) != 1 || fills[0].TxRef != res.TxRef {
		t.Fatalf("fills = %+v", fills)
	}

	bal, _ := p.AvailableBalance(ctx, "0xu")
	if !bal.Equal(d(1000)) {
		t.Errorf("balance = %s, want 1000", bal)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := p.Execute(cancelled, copytrade.Order{}); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
