// Package engine runs the single-consumer dispatch loop: feed events in,
// deduplication and classification, then fan-out to the position tracker,
// the copy coordinator and notification sinks.
//
// The dispatch loop is the only owner of the watch state, the deduplicator
// and the position tracker. Outside callers reach that state through query
// methods that run on the loop.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/atmx/whale-engine/internal/dedup"
	"github.com/atmx/whale-engine/internal/feed"
	"github.com/atmx/whale-engine/internal/metrics"
	"github.com/atmx/whale-engine/internal/model"
	"github.com/atmx/whale-engine/internal/notify"
	"github.com/atmx/whale-engine/internal/position"
	"github.com/atmx/whale-engine/internal/store"
	"github.com/atmx/whale-engine/internal/whale"
)

// ErrNotRunning is returned by queries when the dispatch loop has exited.
var ErrNotRunning = errors.New("engine: dispatch loop not running")

// DeliveryMode selects when the trade notification is emitted.
type DeliveryMode string

const (
	// DeliveryImmediate emits before any enrichment. With EnrichAfterEmit a
	// second context_updated notification follows for the same trade id.
	DeliveryImmediate DeliveryMode = "immediate"
	// DeliveryEnriched holds the trade notification until position context
	// has been fetched (or the fetch failed).
	DeliveryEnriched DeliveryMode = "enriched"
)

// ParseDeliveryMode validates a mode name.
func ParseDeliveryMode(s string) (DeliveryMode, error) {
	switch DeliveryMode(s) {
	case DeliveryImmediate, DeliveryEnriched:
		return DeliveryMode(s), nil
	}
	return "", errors.New("engine: delivery mode must be immediate or enriched")
}

// Defaults.
const (
	DefaultEnrichTimeout  = 5 * time.Second
	DefaultMaxEnrichments = 16
)

// Enricher fetches a wallet's position context for one venue.
type Enricher interface {
	Venue() model.Venue
	Enrich(ctx context.Context, ev model.TradeEvent) (*model.PositionContext, error)
}

// Copier receives accepted trades. It must not block on I/O.
type Copier interface {
	OnTrade(ev model.TradeEvent) error
}

// Watchlist persists discovered wallets.
type Watchlist interface {
	AddTrackedWallet(ctx context.Context, wallet, source string) (bool, error)
}

// Options configures an Engine. Classifier is required.
type Options struct {
	Classifier     *whale.Classifier
	Dedup          *dedup.Deduplicator
	Tracker        *position.Tracker
	Copier         Copier
	Notifier       notify.Sink
	Watchlist      Watchlist
	Enrichers      []Enricher
	Mode           DeliveryMode
	EnrichAfter    bool // immediate mode only
	EnrichTimeout  time.Duration
	MaxEnrichments int
	Logger         *slog.Logger
}

// Stats are dispatch-loop counters.
type Stats struct {
	Received   int64 `json:"received"`
	Duplicates int64 `json:"duplicates"`
	Accepted   int64 `json:"accepted"`
	Rejected   int64 `json:"rejected"`
	Discovered int64 `json:"discovered"`
	Enriched   int64 `json:"enriched"`
}

type enrichment struct {
	trade    model.TradeEvent
	ctx      *model.PositionContext
	err      error
	deferred bool // the trade notification is still pending
}

// Engine is the dispatch loop.
type Engine struct {
	classifier *whale.Classifier
	dedup      *dedup.Deduplicator
	tracker    *position.Tracker
	copier     Copier
	notifier   notify.Sink
	watchlist  Watchlist
	enrichers  map[model.Venue]Enricher
	mode       DeliveryMode
	after      bool
	timeout    time.Duration
	logger     *slog.Logger

	results chan enrichment
	queries chan func()
	slots   chan struct{}
	done    chan struct{}
	bg      sync.WaitGroup

	stats Stats
}

// New creates an engine. Nil collaborators get working defaults.
func New(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Dedup == nil {
		opts.Dedup = dedup.New()
	}
	if opts.Tracker == nil {
		opts.Tracker = position.NewTracker()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Discard
	}
	if opts.Mode == "" {
		opts.Mode = DeliveryImmediate
	}
	if opts.EnrichTimeout <= 0 {
		opts.EnrichTimeout = DefaultEnrichTimeout
	}
	if opts.MaxEnrichments <= 0 {
		opts.MaxEnrichments = DefaultMaxEnrichments
	}

	enrichers := make(map[model.Venue]Enricher, len(opts.Enrichers))
	for _, en := range opts.Enrichers {
		enrichers[en.Venue()] = en
	}

	return &Engine{
		classifier: opts.Classifier,
		dedup:      opts.Dedup,
		tracker:    opts.Tracker,
		copier:     opts.Copier,
		notifier:   opts.Notifier,
		watchlist:  opts.Watchlist,
		enrichers:  enrichers,
		mode:       opts.Mode,
		after:      opts.EnrichAfter,
		timeout:    opts.EnrichTimeout,
		logger:     opts.Logger,
		results:    make(chan enrichment, opts.MaxEnrichments),
		queries:    make(chan func()),
		slots:      make(chan struct{}, opts.MaxEnrichments),
		done:       make(chan struct{}),
	}
}

// Run consumes events until ctx is cancelled or events is closed. Pending
// enrichments and watchlist writes are awaited before it returns. Run must
// be called once.
func (e *Engine) Run(ctx context.Context, events <-chan feed.Event) error {
	defer close(e.done)
	metrics.TrackedWallets.Set(float64(len(e.classifier.State().Wallets())))

	bgCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		e.drain()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			e.handle(bgCtx, ev)
		case r := <-e.results:
			e.enriched(r)
		case q := <-e.queries:
			q()
		}
	}
}

// drain waits for background work while still accepting its results.
func (e *Engine) drain() {
	finished := make(chan struct{})
	go func() {
		e.bg.Wait()
		close(finished)
	}()
	for {
		select {
		case r := <-e.results:
			e.enriched(r)
		case <-finished:
			for {
				select {
				case r := <-e.results:
					e.enriched(r)
				default:
					return
				}
			}
		}
	}
}

func (e *Engine) handle(ctx context.Context, ev feed.Event) {
	switch ev := ev.(type) {
	case feed.TradeReceived:
		e.trade(ctx, ev.Delivery)
	case feed.StateChanged:
		e.notifier.Publish(notify.ConnectionChanged{
			Venue:     ev.Venue,
			State:     string(ev.State),
			Attempts:  ev.Attempts,
			RetryInMs: ev.RetryIn.Milliseconds(),
		})
	case feed.Errored:
		e.notifier.Publish(notify.FeedError{Venue: ev.Venue, Error: ev.Err.Error()})
	}
}

func (e *Engine) trade(ctx context.Context, d feed.Delivery) {
	ev := d.Trade
	e.stats.Received++

	if e.dedup.Check(deliveryKey(ev)) {
		e.stats.Duplicates++
		metrics.DuplicatesSuppressed.Inc()
		// The aggressor's print may arrive on a public channel first and
		// again on the wallet's fill channel; only the fill carries
		// position context.
		if d.Fill != nil && e.qualifies(ev) {
			e.observe(ev, d.Fill)
		}
		return
	}

	res := e.classifier.Classify(ev)
	if !res.Accepted() {
		e.stats.Rejected++
		return
	}
	e.stats.Accepted++
	metrics.WhaleTrades.WithLabelValues(string(ev.Venue), string(ev.Side)).Inc()

	if res.Discovered {
		e.discovered(ctx, ev)
	}

	e.deliver(ctx, ev)
	e.observe(ev, d.Fill)

	if e.copier != nil && !ev.Anonymous() {
		if err := e.copier.OnTrade(ev); err != nil {
			e.logger.Warn("copy dispatch failed", "trade_id", ev.ID, "err", err)
		}
	}
}

// qualifies reports, without mutating state, whether a re-delivered trade
// would have been accepted.
func (e *Engine) qualifies(ev model.TradeEvent) bool {
	st := e.classifier.State()
	return !ev.Anonymous() && st.Tracks(ev.Wallet) && ev.USDValue().GreaterThanOrEqual(st.MinTradeSizeUSD)
}

func (e *Engine) discovered(ctx context.Context, ev model.TradeEvent) {
	e.stats.Discovered++
	metrics.WalletsDiscovered.Inc()
	metrics.TrackedWallets.Inc()
	e.notifier.Publish(notify.WhaleDiscovered{Wallet: ev.Wallet, Venue: ev.Venue, Trade: ev})

	if e.watchlist == nil {
		return
	}
	e.bg.Add(1)
	go func(wallet string) {
		defer e.bg.Done()
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
		defer cancel()
		if _, err := e.watchlist.AddTrackedWallet(wctx, wallet, store.SourceDiscovered); err != nil {
			e.logger.Error("discovered wallet not persisted", "wallet", wallet, "err", err)
		}
	}(ev.Wallet)
}

func (e *Engine) deliver(ctx context.Context, ev model.TradeEvent) {
	enricher, ok := e.enrichers[ev.Venue]
	canEnrich := ok && !ev.Anonymous()

	switch {
	case e.mode == DeliveryEnriched && canEnrich:
		if e.enrich(ctx, enricher, ev, true) {
			return
		}
		e.notifier.Publish(notify.TradeDetected{Trade: ev})
	default:
		e.notifier.Publish(notify.TradeDetected{Trade: ev})
		if e.mode == DeliveryImmediate && e.after && canEnrich {
			e.enrich(ctx, enricher, ev, false)
		}
	}
}

// enrich starts a fetch off the loop. It returns false when every slot is
// busy; the trade then goes out without context.
func (e *Engine) enrich(ctx context.Context, en Enricher, ev model.TradeEvent, deferred bool) bool {
	select {
	case e.slots <- struct{}{}:
	default:
		metrics.EnrichmentRequests.WithLabelValues(string(ev.Venue), "skipped").Inc()
		return false
	}

	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		defer func() { <-e.slots }()

		fctx, cancel := context.WithTimeout(ctx, e.timeout)
		pc, err := en.Enrich(fctx, ev)
		cancel()

		// The loop drains results until every fetch has returned.
		e.results <- enrichment{trade: ev, ctx: pc, err: err, deferred: deferred}
	}()
	return true
}

func (e *Engine) enriched(r enrichment) {
	outcome := "ok"
	switch {
	case r.err != nil:
		outcome = "error"
		e.logger.Debug("enrichment failed", "trade_id", r.trade.ID, "wallet", r.trade.Wallet, "err", r.err)
	case r.ctx == nil:
		outcome = "empty"
	}
	metrics.EnrichmentRequests.WithLabelValues(string(r.trade.Venue), outcome).Inc()

	if r.ctx != nil {
		e.stats.Enriched++
		e.tracker.Refresh(r.trade.Venue, *r.ctx)
	}

	if r.deferred {
		e.notifier.Publish(notify.TradeDetected{Trade: r.trade, Context: r.ctx})
		return
	}
	if r.ctx != nil {
		e.notifier.Publish(notify.ContextUpdated{TradeID: r.trade.ID, Trade: r.trade, Context: *r.ctx})
	}
}

func (e *Engine) observe(ev model.TradeEvent, fill *model.FillContext) {
	out := e.tracker.Observe(ev, fill)
	if out.NoChange() {
		return
	}
	if c := out.Closed; c != nil {
		metrics.PositionEvents.WithLabelValues("closed").Inc()
		e.notifier.Publish(notify.PositionClosed{Position: c.Position, Pnl: c.Pnl})
	}
	if p := out.Opened; p != nil {
		metrics.PositionEvents.WithLabelValues("opened").Inc()
		e.notifier.Publish(notify.PositionOpened{Position: *p})
	}
	metrics.OpenPositions.Set(float64(e.tracker.Len()))
}

// --- Queries (run on the loop) ---

func (e *Engine) query(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	select {
	case e.queries <- func() { fn(); close(ran) }:
	case <-e.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	<-ran
	return nil
}

// Positions returns the tracked whale positions.
func (e *Engine) Positions(ctx context.Context) ([]model.WhalePosition, error) {
	var out []model.WhalePosition
	err := e.query(ctx, func() { out = e.tracker.Snapshot() })
	return out, err
}

// Watchlist returns the tracked wallets.
func (e *Engine) Watchlist(ctx context.Context) ([]string, error) {
	var out []string
	err := e.query(ctx, func() { out = e.classifier.State().Wallets() })
	return out, err
}

// Track adds a wallet to the watch state and reports whether it was new.
// Persisting it is the caller's job.
func (e *Engine) Track(ctx context.Context, wallet string) (bool, error) {
	var added bool
	err := e.query(ctx, func() {
		added = e.classifier.State().Track(wallet)
		if added {
			metrics.TrackedWallets.Inc()
		}
	})
	return added, err
}

// Stats returns the dispatch counters.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	var out Stats
	err := e.query(ctx, func() { out = e.stats })
	return out, err
}

// deliveryKey scopes a venue trade id to the wallet it is attributed to.
// One venue fill id covers both counterparties.
func deliveryKey(ev model.TradeEvent) string {
	if ev.ID == "" {
		return ""
	}
	return ev.ID + "/" + ev.Wallet
}
