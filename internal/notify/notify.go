// Package notify defines the engine's outbound notifications and the sinks
// that deliver them. Delivery is fire-and-forget: a sink never blocks the
// publisher and no acknowledgement is awaited.
package notify

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/whale-engine/internal/model"
)

// Event is the closed set of notification variants.
type Event interface {
	Kind() string
	isNotification()
}

// TradeDetected is emitted once per accepted, deduplicated trade. Context is
// set when the trade was enriched before emission.
type TradeDetected struct {
	Trade   model.TradeEvent       `json:"trade"`
	Context *model.PositionContext `json:"context,omitempty"`
}

// ContextUpdated follows a TradeDetected for the same trade id once
// enrichment completes after the fact.
type ContextUpdated struct {
	TradeID string                `json:"trade_id"`
	Trade   model.TradeEvent      `json:"trade"`
	Context model.PositionContext `json:"context"`
}

// WhaleDiscovered is emitted exactly once per wallet promoted to the watchlist.
type WhaleDiscovered struct {
	Wallet string           `json:"wallet"`
	Venue  model.Venue      `json:"venue"`
	Trade  model.TradeEvent `json:"trade"`
}

type PositionOpened struct {
	Position model.WhalePosition `json:"position"`
}

type PositionClosed struct {
	Position model.WhalePosition `json:"position"`
	Pnl      decimal.Decimal     `json:"pnl"`
}

// CopyAttempted carries every appended copy attempt.
type CopyAttempted struct {
	Attempt model.CopyAttempt `json:"attempt"`
}

// ConnectionChanged reports a feed state transition.
type ConnectionChanged struct {
	Venue     model.Venue `json:"venue"`
	State     string      `json:"state"`
	Attempts  int         `json:"attempts,omitempty"`
	RetryInMs int64       `json:"retry_in_ms,omitempty"` // delay before the next dial
}

// FeedError reports a transport failure on a venue feed.
type FeedError struct {
	Venue model.Venue `json:"venue"`
	Error string      `json:"error"`
}

// LaneDisabled reports a copy lane halted by an invalid configuration.
type LaneDisabled struct {
	ConfigID string `json:"config_id"`
	Reason   string `json:"reason"`
}

func (TradeDetected) Kind() string     { return "trade" }
func (ContextUpdated) Kind() string    { return "context_updated" }
func (WhaleDiscovered) Kind() string   { return "whale_discovered" }
func (PositionOpened) Kind() string    { return "position_opened" }
func (PositionClosed) Kind() string    { return "position_closed" }
func (CopyAttempted) Kind() string     { return "copy_attempt" }
func (ConnectionChanged) Kind() string { return "connection_state" }
func (FeedError) Kind() string         { return "feed_error" }
func (LaneDisabled) Kind() string      { return "lane_disabled" }

func (TradeDetected) isNotification()     {}
func (ContextUpdated) isNotification()    {}
func (WhaleDiscovered) isNotification()   {}
func (PositionOpened) isNotification()    {}
func (PositionClosed) isNotification()    {}
func (CopyAttempted) isNotification()     {}
func (ConnectionChanged) isNotification() {}
func (FeedError) isNotification()         {}
func (LaneDisabled) isNotification()      {}

// Sink receives notifications. Publish must not block.
type Sink interface {
	Publish(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Publish(ev Event) { f(ev) }

// Discard drops every notification.
var Discard Sink = SinkFunc(func(Event) {})

// Fanout publishes to every sink in order.
type Fanout []Sink

func (f Fanout) Publish(ev Event) {
	for _, s := range f {
		s.Publish(ev)
	}
}

// Buffer keeps the most recent notifications in memory.
type Buffer struct {
	mu     sync.Mutex
	events []Record
	size   int
}

// Record is a buffered notification.
type Record struct {
	Type  string    `json:"type"`
	At    time.Time `json:"at"`
	Event Event     `json:"data"`
}

// NewBuffer keeps up to size notifications.
func NewBuffer(size int) *Buffer {
	if size < 1 {
		size = 1
	}
	return &Buffer{size: size}
}

func (b *Buffer) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.events) == b.size {
		copy(b.events, b.events[1:])
		b.events = b.events[:b.size-1]
	}
	b.events = append(b.events, Record{Type: ev.Kind(), At: time.Now(), Event: ev})
}

// Events returns buffered notifications, oldest first.
func (b *Buffer) Events() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.events))
	for i, r := range b.events {
		out[i] = r.Event
	}
	return out
}

// Records returns buffered notifications with their receive time.
func (b *Buffer) Records() []Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Record, len(b.events))
	copy(out, b.events)
	return out
}

// Logger writes significant notifications to a structured logger.
type Logger struct {
	log *slog.Logger
}

// NewLogger creates a logging sink.
func NewLogger(logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{log: logger}
}

func (l *Logger) Publish(ev Event) {
	switch e := ev.(type) {
	case TradeDetected:
		l.log.Info("whale trade",
			"venue", e.Trade.Venue,
			"wallet", e.Trade.Wallet,
			"instrument", e.Trade.Instrument,
			"side", e.Trade.Side,
			"usd_value", e.Trade.USDValue().StringFixed(2),
		)
	case WhaleDiscovered:
		l.log.Info("whale discovered", "wallet", e.Wallet, "venue", e.Venue,
			"usd_value", e.Trade.USDValue().StringFixed(2))
	case PositionOpened:
		l.log.Info("whale position opened", "wallet", e.Position.Wallet,
			"instrument", e.Position.Instrument, "side", e.Position.Side, "size", e.Position.Size)
	case PositionClosed:
		l.log.Info("whale position closed", "wallet", e.Position.Wallet,
			"instrument", e.Position.Instrument, "pnl", e.Pnl.StringFixed(2))
	case CopyAttempted:
		l.log.Info("copy attempt",
			"config_id", e.Attempt.ConfigID,
			"status", e.Attempt.Status,
			"copied_size", e.Attempt.CopiedSize.StringFixed(2),
			"reason", e.Attempt.SkipReason,
		)
	case LaneDisabled:
		l.log.Error("copy lane disabled", "config_id", e.ConfigID, "reason", e.Reason)
	case FeedError:
		l.log.Warn("feed error", "venue", e.Venue, "err", e.Error)
	case ConnectionChanged:
		l.log.Info("feed state", "venue", e.Venue, "state", e.State, "attempts", e.Attempts)
	}
}
