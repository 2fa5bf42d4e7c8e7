// Package position infers whale position lifecycles from fills.
//
// The inference is a heuristic: a fill whose venue-reported starting
// position is ~0 opens a position, and a fill reporting non-trivial realized
// PnL closes one. It is never reconciled against an authoritative snapshot,
// can misfire on partial fills and on venues reporting cumulative PnL, and
// must not be treated as a source of truth for funds at risk.
package position

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/whale-engine/internal/model"
)

var (
	// OpenEpsilon bounds |startPosition| for a fill to count as an open.
	OpenEpsilon = decimal.RequireFromString("0.0001")
	// CloseThreshold bounds |closedPnl| for a fill to count as a close.
	CloseThreshold = decimal.RequireFromString("0.01")
)

// Closed describes a position removed by a realized-PnL fill.
type Closed struct {
	Position model.WhalePosition
	Pnl      decimal.Decimal
	// Cached is false when no open position was known for the key; Position
	// then only carries the key and the closing fill's values.
	Cached bool
}

// Outcome of observing one fill. Both fields are nil for NoChange. A fill
// that flips through zero produces a close followed by an open.
type Outcome struct {
	Closed *Closed
	Opened *model.WhalePosition
}

// NoChange reports whether the fill left the tracker untouched.
func (o Outcome) NoChange() bool {
	return o.Closed == nil && o.Opened == nil
}

// Tracker holds at most one live position per (venue, wallet, instrument).
// It is owned by the dispatch loop and is not safe for concurrent use.
type Tracker struct {
	positions map[model.PositionKey]model.WhalePosition
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{positions: make(map[model.PositionKey]model.WhalePosition)}
}

// Observe applies one trade. Trades without fill context never change state.
func (t *Tracker) Observe(ev model.TradeEvent, fill *model.FillContext) Outcome {
	if fill == nil || ev.Anonymous() {
		return Outcome{}
	}
	key := model.PositionKey{Venue: ev.Venue, Wallet: ev.Wallet, Instrument: ev.Instrument}

	var out Outcome
	if fill.ClosedPnl.Abs().GreaterThan(CloseThreshold) {
		pos, cached := t.positions[key]
		if cached {
			delete(t.positions, key)
		} else {
			pos = model.WhalePosition{
				Venue:      ev.Venue,
				Wallet:     ev.Wallet,
				Instrument: ev.Instrument,
				Side:       ev.Side.Opposite(),
				Size:       fill.StartPosition.Abs(),
			}
		}
		pos.MarkPrice = ev.Price
		pos.LastUpdated = ev.Timestamp
		out.Closed = &Closed{Position: pos, Pnl: fill.ClosedPnl, Cached: cached}
	}

	if fill.StartPosition.Abs().LessThan(OpenEpsilon) {
		pos := model.WhalePosition{
			Venue:       ev.Venue,
			Wallet:      ev.Wallet,
			Instrument:  ev.Instrument,
			Side:        ev.Side,
			Size:        ev.Size,
			EntryPrice:  ev.Price,
			MarkPrice:   ev.Price,
			LastUpdated: ev.Timestamp,
		}
		t.positions[key] = pos
		out.Opened = &pos
	}
	return out
}

// Refresh merges venue-reported context into a cached position. It reports
// false, and changes nothing, when no position is cached for the key.
func (t *Tracker) Refresh(venue model.Venue, ctx model.PositionContext) (model.WhalePosition, bool) {
	key := model.PositionKey{Venue: venue, Wallet: model.NormalizeWallet(ctx.Wallet), Instrument: ctx.Instrument}
	pos, ok := t.positions[key]
	if !ok {
		return model.WhalePosition{}, false
	}
	if !ctx.EntryPrice.IsZero() {
		pos.EntryPrice = ctx.EntryPrice
	}
	if !ctx.Size.IsZero() {
		pos.Size = ctx.Size.Abs()
	}
	if ctx.Leverage.Valid {
		pos.Leverage = ctx.Leverage
	}
	pos.UnrealizedPnl = ctx.UnrealizedPnl
	if ctx.FetchedAt.After(pos.LastUpdated) {
		pos.LastUpdated = ctx.FetchedAt
	}
	t.positions[key] = pos
	return pos, true
}

// Get returns the cached position for key.
func (t *Tracker) Get(key model.PositionKey) (model.WhalePosition, bool) {
	pos, ok := t.positions[key]
	return pos, ok
}

// Len returns the number of open positions.
func (t *Tracker) Len() int { return len(t.positions) }

// Snapshot returns a copy of all open positions ordered by key.
func (t *Tracker) Snapshot() []model.WhalePosition {
	out := make([]model.WhalePosition, 0, len(t.positions))
	for _, p := range t.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key().String() < out[j].Key().String()
	})
	return out
}
