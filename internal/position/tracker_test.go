package position

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/whale-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func fill(t *testing.T, side model.Side, size, price float64) model.TradeEvent {
	t.Helper()
	ev, err := model.NewTradeEvent("f", model.VenueHyperliquid, "0xWhale", "BTC", side, d(size), d(price), time.Unix(100, 0), false)
	if err != nil {
		t.Fatalf("NewTradeEvent: %v", err)
	}
	return ev
}

func TestTracker_OpenThenClose(t *testing.T) {
	tr := NewTracker()

	out := tr.Observe(fill(t, model.SideBuy, 2, 50000), &model.FillContext{StartPosition: d(0.00001)})
	if out.Opened == nil || out.Closed != nil {
		t.Fatalf("expected open, got %+v", out)
	}
	if out.Opened.Side != model.SideBuy || !out.Opened.Size.Equal(d(2)) || !out.Opened.EntryPrice.Equal(d(50000)) {
		t.Errorf("opened = %+v", out.Opened)
	}
	if tr.Len() != 1 {
		t.Fatalf("Len = %d, want 1", tr.Len())
	}

	out = tr.Observe(fill(t, model.SideSell, 2, 51000), &model.FillContext{StartPosition: d(2), ClosedPnl: d(2000)})
	if out.Closed == nil || out.Opened != nil {
		t.Fatalf("expected close, got %+v", out)
	}
	if !out.Closed.Pnl.Equal(d(2000)) || !out.Closed.Cached {
		t.Errorf("closed = %+v", out.Closed)
	}
	if !out.Closed.Position.EntryPrice.Equal(d(50000)) {
		t.Errorf("closed position should carry the cached entry, got %s", out.Closed.Position.EntryPrice)
	}
	if tr.Len() != 0 {
		t.Errorf("position should be removed, Len = %d", tr.Len())
	}
}

func TestTracker_NoChange(t *testing.T) {
	tr := NewTracker()
	tr.Observe(fill(t, model.SideBuy, 1, 50000), &model.FillContext{})
	before := tr.Snapshot()

	cases := []struct {
		name string
		ctx  *model.FillContext
	}{
		{"no fill context", nil},
		{"adding to position", &model.FillContext{StartPosition: d(1)}},
		{"trivial pnl", &model.FillContext{StartPosition: d(2), ClosedPnl: d(0.005)}},
	}
	for _, tc := range cases {
		out := tr.Observe(fill(t, model.SideBuy, 1, 52000), tc.ctx)
		if !out.NoChange() {
			t.Errorf("%s: expected NoChange, got %+v", tc.name, out)
		}
	}

	after := tr.Snapshot()
	if len(after) != 1 || !after[0].EntryPrice.Equal(before[0].EntryPrice) || !after[0].Size.Equal(before[0].Size) {
		t.Errorf("NoChange must not mutate state: before %+v after %+v", before, after)
	}
}

func TestTracker_FlipClosesThenOpens(t *testing.T) {
	tr := NewTracker()
	tr.Observe(fill(t, model.SideBuy, 1, 50000), &model.FillContext{})

	// A sell of 3 from long 1 reports the close PnL; a venue that reports the
	// start as ~0 for the new leg makes both signals fire on one fill.
	out := tr.Observe(fill(t, model.SideSell, 3, 49000), &model.FillContext{StartPosition: decimal.Zero, ClosedPnl: d(-1000)})
	if out.Closed == nil || out.Opened == nil {
		t.Fatalf("expected close and open, got %+v", out)
	}
	if out.Opened.Side != model.SideSell {
		t.Errorf("new leg side = %s", out.Opened.Side)
	}
	if tr.Len() != 1 {
		t.Errorf("one live record per key, Len = %d", tr.Len())
	}
}

func TestTracker_CloseWithoutCachedPosition(t *testing.T) {
	tr := NewTracker()
	out := tr.Observe(fill(t, model.SideSell, 1, 50000), &model.FillContext{StartPosition: d(1), ClosedPnl: d(50)})
	if out.Closed == nil || out.Closed.Cached {
		t.Fatalf("expected uncached close, got %+v", out)
	}
	if out.Closed.Position.Side != model.SideBuy {
		t.Errorf("closing a long with a sell: side = %s", out.Closed.Position.Side)
	}
}

func TestTracker_Refresh(t *testing.T) {
	tr := NewTracker()
	ctx := model.PositionContext{
		Wallet:        "0xWHALE",
		Instrument:    "BTC",
		Size:          d(2),
		EntryPrice:    d(49500),
		Leverage:      decimal.NewNullDecimal(d(20)),
		UnrealizedPnl: d(1000),
		FetchedAt:     time.Unix(200, 0),
	}
	if _, ok := tr.Refresh(model.VenueHyperliquid, ctx); ok {
		t.Fatal("refresh without a cached position must not create one")
	}
	if tr.Len() != 0 {
		t.Fatal("refresh mutated an empty tracker")
	}

	tr.Observe(fill(t, model.SideBuy, 2, 50000), &model.FillContext{})
	pos, ok := tr.Refresh(model.VenueHyperliquid, ctx)
	if !ok {
		t.Fatal("expected refresh to apply")
	}
	if !pos.EntryPrice.Equal(d(49500)) || !pos.Leverage.Valid || !pos.UnrealizedPnl.Equal(d(1000)) {
		t.Errorf("refreshed = %+v", pos)
	}
	if !pos.LastUpdated.Equal(time.Unix(200, 0)) {
		t.Errorf("last updated = %s", pos.LastUpdated)
	}
}
