package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/whale-engine/internal/copytrade"
	"github.com/atmx/whale-engine/internal/engine"
	"github.com/atmx/whale-engine/internal/execution"
	"github.com/atmx/whale-engine/internal/feed"
	"github.com/atmx/whale-engine/internal/model"
	"github.com/atmx/whale-engine/internal/notify"
	"github.com/atmx/whale-engine/internal/store"
	"github.com/atmx/whale-engine/internal/whale"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func trade(t *testing.T, id, wallet string, side model.Side, size, price float64) model.TradeEvent {
	t.Helper()
	ev, err := model.NewTradeEvent(id, model.VenueHyperliquid, wallet, "BTC", side,
		d(size), d(price), time.Unix(1700000000, 0), false)
	require.NoError(t, err)
	return ev
}

type harness struct {
	eng    *engine.Engine
	events chan feed.Event
	buf    *notify.Buffer
	store  *store.MemoryStore
	coord  *copytrade.Coordinator
	cancel context.CancelFunc
	done   chan struct{}
}

type harnessOpts struct {
	wallets   []string
	mode      engine.DeliveryMode
	after     bool
	enrichers []engine.Enricher
}

func newHarness(t *testing.T, o harnessOpts) *harness {
	t.Helper()
	s := store.NewMemoryStore()
	buf := notify.NewBuffer(256)
	coord := copytrade.NewCoordinator(s, s, copytrade.Options{
		Executor: execution.NewPaper(d(10000), nil),
		Notifier: buf,
	})
	state := whale.NewWatchState(d(10000), true, d(5), o.wallets...)
	eng := engine.New(engine.Options{
		Classifier:  whale.NewClassifier(state),
		Copier:      coord,
		Notifier:    buf,
		Watchlist:   s,
		Enrichers:   o.enrichers,
		Mode:        o.mode,
		EnrichAfter: o.after,
	})

	h := &harness{
		eng:    eng,
		events: make(chan feed.Event),
		buf:    buf,
		store:  s,
		coord:  coord,
		done:   make(chan struct{}),
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() {
		defer close(h.done)
		_ = eng.Run(ctx, h.events)
	}()

	t.Cleanup(func() {
		h.stop(t)
		_ = coord.Close(context.Background())
	})
	return h
}

func (h *harness) send(t *testing.T, d feed.Delivery) {
	t.Helper()
	select {
	case h.events <- feed.TradeReceived{Delivery: d}:
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not accept event")
	}
}

// sync returns once every previously sent event has been handled.
func (h *harness) sync(t *testing.T) engine.Stats {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st, err := h.eng.Stats(ctx)
	require.NoError(t, err)
	return st
}

func (h *harness) stop(t *testing.T) {
	h.cancel()
	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Error("engine did not stop")
	}
}

func kinds(events []notify.Event) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Kind())
	}
	return out
}

func count(events []notify.Event, kind string) int {
	n := 0
	for _, ev := range events {
		if ev.Kind() == kind {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

func TestEndToEndDiscoveryAndCopy(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	cfg := &model.CopyConfig{
		UserWallet:     "0xU",
		TargetWallet:   "0xA",
		Enabled:        true,
		SizingMode:     model.SizingFixed,
		FixedSize:      d(200),
		MaxDailyTrades: 10,
		FollowBuys:     true,
		FollowSells:    true,
	}
	require.NoError(t, h.store.CreateConfig(context.Background(), cfg))

	h.send(t, feed.Delivery{Trade: trade(t, "hl-1", "0xA", model.SideBuy, 2, 50000)})
	st := h.sync(t)
	h.coord.Wait()

	assert.Equal(t, int64(1), st.Accepted)
	assert.Equal(t, int64(1), st.Discovered)

	wallets, err := h.eng.Watchlist(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"0xa"}, wallets)

	attempts, err := h.store.ListAttempts(context.Background(), cfg.ID, 0)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, model.AttemptExecuted, attempts[0].Status)
	assert.True(t, attempts[0].CopiedSize.Equal(d(200)))

	events := h.buf.Events()
	assert.Equal(t, []string{"whale_discovered", "trade", "copy_attempt"}, kinds(events))

	h.stop(t)
	persisted, err := h.store.ListTrackedWallets(context.Background())
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, "0xa", persisted[0].Wallet)
	assert.Equal(t, store.SourceDiscovered, persisted[0].Source)
}

func TestBelowMinimumReachesNothing(t *testing.T) {
	h := newHarness(t, harnessOpts{wallets: []string{"0xa"}})
	h.send(t, feed.Delivery{
		Trade: trade(t, "hl-1", "0xa", model.SideBuy, 0.1, 50000), // 5,000 USD
		Fill:  &model.FillContext{StartPosition: decimal.Zero},
	})
	st := h.sync(t)

	assert.Equal(t, int64(1), st.Rejected)
	assert.Empty(t, h.buf.Events())
	positions, err := h.eng.Positions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestDuplicateSuppressed(t *testing.T) {
	h := newHarness(t, harnessOpts{wallets: []string{"0xa"}})
	ev := trade(t, "hl-7", "0xa", model.SideBuy, 1, 50000)
	h.send(t, feed.Delivery{Trade: ev})
	h.send(t, feed.Delivery{Trade: ev})
	st := h.sync(t)

	assert.Equal(t, int64(1), st.Duplicates)
	assert.Equal(t, 1, count(h.buf.Events(), "trade"))
}

func TestDuplicateFillStillTracksPosition(t *testing.T) {
	h := newHarness(t, harnessOpts{wallets: []string{"0xa"}})
	ev := trade(t, "hl-8", "0xa", model.SideBuy, 1, 50000)
	h.send(t, feed.Delivery{Trade: ev})
	h.send(t, feed.Delivery{Trade: ev, Fill: &model.FillContext{StartPosition: decimal.Zero}})
	h.sync(t)

	events := h.buf.Events()
	assert.Equal(t, 1, count(events, "trade"))
	assert.Equal(t, 1, count(events, "position_opened"))
}

const (
	tapeSellFrame  = `{"channel":"trades","data":[{"coin":"BTC","side":"A","px":"50000","sz":"2","time":1700000000000,"hash":"0xabc","tid":99,"users":["0xwhale","0xsmall"]}]}`
	tapeBuyFrame   = `{"channel":"trades","data":[{"coin":"BTC","side":"B","px":"50000","sz":"2","time":1700000000000,"hash":"0xabc","tid":99,"users":["0xwhale","0xsmall"]}]}`
	whaleFillFrame = `{"channel":"userFills","data":{"user":"0xwhale","fills":[{"coin":"BTC","px":"50000","sz":"2","side":"B","time":1700000000000,"startPosition":"0","dir":"Open Long","closedPnl":"0","hash":"0xabc","tid":99}]}}`
)

func newHyperliquidHarness(t *testing.T) (*harness, *model.CopyConfig, *feed.Hyperliquid) {
	t.Helper()
	h := newHarness(t, harnessOpts{wallets: []string{"0xwhale"}})
	cfg := &model.CopyConfig{
		UserWallet:     "0xU",
		TargetWallet:   "0xwhale",
		Enabled:        true,
		SizingMode:     model.SizingFixed,
		FixedSize:      d(200),
		MaxDailyTrades: 10,
		FollowBuys:     true,
		FollowSells:    true,
	}
	require.NoError(t, h.store.CreateConfig(context.Background(), cfg))
	return h, cfg, feed.NewHyperliquid([]string{"BTC"}, []string{"0xwhale"}, nil)
}

func (h *harness) sendFrame(t *testing.T, n *feed.Hyperliquid, frame string) {
	t.Helper()
	deliveries, err := n.Normalize([]byte(frame))
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	h.send(t, deliveries[0])
}

func TestMakerFillIsCopiedAfterTapePrint(t *testing.T) {
	h, cfg, n := newHyperliquidHarness(t)
	// The taker sold into the whale's resting bid, so the tape credits the seller.
	h.sendFrame(t, n, tapeSellFrame)
	h.sendFrame(t, n, whaleFillFrame)
	st := h.sync(t)
	h.coord.Wait()

	assert.Equal(t, int64(0), st.Duplicates)
	events := h.buf.Events()
	assert.Equal(t, 2, count(events, "trade"))
	assert.Equal(t, 1, count(events, "position_opened"))

	attempts, err := h.store.ListAttempts(context.Background(), cfg.ID, 0)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, model.AttemptExecuted, attempts[0].Status)
	assert.Equal(t, model.SideBuy, attempts[0].Side)

	positions, err := h.eng.Positions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "0xwhale", positions[0].Wallet)
}

func TestTakerFillCollapsesWithTapePrint(t *testing.T) {
	h, cfg, n := newHyperliquidHarness(t)
	h.sendFrame(t, n, tapeBuyFrame)
	h.sendFrame(t, n, whaleFillFrame)
	st := h.sync(t)
	h.coord.Wait()

	assert.Equal(t, int64(1), st.Duplicates)
	events := h.buf.Events()
	assert.Equal(t, 1, count(events, "trade"))
	assert.Equal(t, 1, count(events, "position_opened"))

	attempts, err := h.store.ListAttempts(context.Background(), cfg.ID, 0)
	require.NoError(t, err)
	assert.Len(t, attempts, 1)
}

func TestDiscoveryOnlyOnce(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.send(t, feed.Delivery{Trade: trade(t, "hl-1", "0xb", model.SideBuy, 2, 50000)})
	h.send(t, feed.Delivery{Trade: trade(t, "hl-2", "0xB", model.SideSell, 3, 50000)})
	h.sync(t)

	events := h.buf.Events()
	assert.Equal(t, 1, count(events, "whale_discovered"))
	assert.Equal(t, 2, count(events, "trade"))
}

func TestAnonymousTradeNeverDiscovered(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.send(t, feed.Delivery{Trade: trade(t, "hl-1", "", model.SideBuy, 2, 50000)})
	st := h.sync(t)

	assert.Equal(t, int64(1), st.Accepted)
	assert.Equal(t, []string{"trade"}, kinds(h.buf.Events()))
	wallets, _ := h.eng.Watchlist(context.Background())
	assert.Empty(t, wallets)
}

func TestPositionLifecycle(t *testing.T) {
	h := newHarness(t, harnessOpts{wallets: []string{"0xa"}})
	h.send(t, feed.Delivery{
		Trade: trade(t, "hl-1", "0xa", model.SideBuy, 1, 50000),
		Fill:  &model.FillContext{StartPosition: decimal.Zero},
	})
	h.sync(t)
	positions, err := h.eng.Positions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)

	h.send(t, feed.Delivery{
		Trade: trade(t, "hl-2", "0xa", model.SideSell, 1, 51000),
		Fill:  &model.FillContext{StartPosition: d(1), ClosedPnl: d(1000)},
	})
	h.sync(t)
	positions, _ = h.eng.Positions(context.Background())
	assert.Empty(t, positions)

	var closed []notify.PositionClosed
	for _, ev := range h.buf.Events() {
		if c, ok := ev.(notify.PositionClosed); ok {
			closed = append(closed, c)
		}
	}
	require.Len(t, closed, 1)
	assert.True(t, closed[0].Pnl.Equal(d(1000)))
}

type fakeEnricher struct {
	mu    sync.Mutex
	calls int
	err   error
	gate  chan struct{}
}

func (f *fakeEnricher) Venue() model.Venue { return model.VenueHyperliquid }

func (f *fakeEnricher) Enrich(ctx context.Context, ev model.TradeEvent) (*model.PositionContext, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &model.PositionContext{
		Wallet:     ev.Wallet,
		Instrument: ev.Instrument,
		Size:       d(3),
		EntryPrice: d(49000),
		Leverage:   decimal.NewNullDecimal(d(10)),
	}, nil
}

func TestImmediateThenContextUpdated(t *testing.T) {
	en := &fakeEnricher{gate: make(chan struct{})}
	h := newHarness(t, harnessOpts{
		wallets:   []string{"0xa"},
		mode:      engine.DeliveryImmediate,
		after:     true,
		enrichers: []engine.Enricher{en},
	})
	h.send(t, feed.Delivery{Trade: trade(t, "hl-1", "0xa", model.SideBuy, 1, 50000)})
	h.sync(t)

	// The trade notification does not wait for enrichment.
	assert.Equal(t, []string{"trade"}, kinds(h.buf.Events()))

	close(en.gate)
	waitFor(t, func() bool { return count(h.buf.Events(), "context_updated") == 1 })

	events := h.buf.Events()
	upd, ok := events[len(events)-1].(notify.ContextUpdated)
	require.True(t, ok)
	assert.Equal(t, "hl-1", upd.TradeID)
	assert.True(t, upd.Context.Leverage.Decimal.Equal(d(10)))
}

func TestEnrichedModeDelaysTrade(t *testing.T) {
	en := &fakeEnricher{gate: make(chan struct{})}
	h := newHarness(t, harnessOpts{
		wallets:   []string{"0xa"},
		mode:      engine.DeliveryEnriched,
		enrichers: []engine.Enricher{en},
	})
	h.send(t, feed.Delivery{Trade: trade(t, "hl-1", "0xa", model.SideBuy, 1, 50000)})
	h.sync(t)
	assert.Empty(t, h.buf.Events())

	close(en.gate)
	waitFor(t, func() bool { return count(h.buf.Events(), "trade") == 1 })

	td, ok := h.buf.Events()[0].(notify.TradeDetected)
	require.True(t, ok)
	require.NotNil(t, td.Context)
	assert.True(t, td.Context.EntryPrice.Equal(d(49000)))
	assert.Zero(t, count(h.buf.Events(), "context_updated"))
}

func TestEnrichedModeFailureStillEmits(t *testing.T) {
	en := &fakeEnricher{err: errors.New("rate limited")}
	h := newHarness(t, harnessOpts{
		wallets:   []string{"0xa"},
		mode:      engine.DeliveryEnriched,
		enrichers: []engine.Enricher{en},
	})
	h.send(t, feed.Delivery{Trade: trade(t, "hl-1", "0xa", model.SideBuy, 1, 50000)})
	waitFor(t, func() bool { return count(h.buf.Events(), "trade") == 1 })

	td := h.buf.Events()[0].(notify.TradeDetected)
	assert.Nil(t, td.Context)
}

func TestFeedStateAndErrorsAreForwarded(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.events <- feed.StateChanged{Venue: model.VenueHyperliquid, State: feed.StateReconnecting, Attempts: 2, RetryIn: time.Second}
	h.events <- feed.Errored{Venue: model.VenueHyperliquid, Err: errors.New("read: connection reset")}
	h.sync(t)

	events := h.buf.Events()
	require.Len(t, events, 2)
	cs, ok := events[0].(notify.ConnectionChanged)
	require.True(t, ok)
	assert.Equal(t, "reconnecting", cs.State)
	assert.Equal(t, 2, cs.Attempts)
	assert.Equal(t, int64(1000), cs.RetryInMs)
	fe, ok := events[1].(notify.FeedError)
	require.True(t, ok)
	assert.Contains(t, fe.Error, "connection reset")
}

func TestTrackAndQueriesAfterStop(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	added, err := h.eng.Track(context.Background(), "0xC")
	require.NoError(t, err)
	assert.True(t, added)
	added, _ = h.eng.Track(context.Background(), "0xc")
	assert.False(t, added)

	h.stop(t)
	_, err = h.eng.Watchlist(context.Background())
	assert.ErrorIs(t, err, engine.ErrNotRunning)
}

func TestParseDeliveryMode(t *testing.T) {
	m, err := engine.ParseDeliveryMode("enriched")
	require.NoError(t, err)
	assert.Equal(t, engine.DeliveryEnriched, m)
	_, err = engine.ParseDeliveryMode("eventually")
	assert.Error(t, err)
}
