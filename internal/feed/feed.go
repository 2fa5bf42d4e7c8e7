// Package feed manages reconnecting streaming sessions to trading venues and
// normalizes raw venue messages into model.TradeEvent values.
//
// A Connection owns one session to one venue. It emits a closed set of Event
// variants on a caller-supplied channel; the engine's dispatch loop is the
// single consumer.
package feed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atmx/whale-engine/internal/model"
)

var (
	// ErrMalformedMessage marks a venue message that could not be turned into
	// a trade. Such messages are dropped and logged, never propagated.
	ErrMalformedMessage = errors.New("feed: malformed venue message")

	// ErrSessionClosed is returned by a Session after Close.
	ErrSessionClosed = errors.New("feed: session closed")
)

// TransportError wraps a dial, subscribe or read failure. It triggers a
// reconnect and is never fatal.
type TransportError struct {
	Venue model.Venue
	Op    string // dial, subscribe, read
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("feed: %s %s: %v", e.Venue, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Session is one established streaming session.
type Session interface {
	// Send writes one text frame.
	Send(msg []byte) error
	// Read blocks until the next frame arrives or the session fails.
	Read() ([]byte, error)
	Close() error
}

// Dialer establishes sessions. Dial must honor ctx cancellation.
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}

// Delivery is one normalized trade, with the per-fill position context when
// the venue supplies it.
type Delivery struct {
	Trade model.TradeEvent
	Fill  *model.FillContext
}

// Normalizer translates one venue's wire format.
type Normalizer interface {
	Venue() model.Venue
	// Subscriptions returns the frames to send after each successful dial.
	Subscriptions() ([][]byte, error)
	// Normalize maps a raw frame to zero or more trades. Well-formed trades
	// are returned even when the error reports dropped entries.
	Normalize(raw []byte) ([]Delivery, error)
}

// Event is the closed set of messages a Connection emits.
type Event interface {
	FeedVenue() model.Venue
	isFeedEvent()
}

// TradeReceived carries one normalized trade.
type TradeReceived struct {
	Delivery
}

// StateChanged reports a connection state transition. RetryIn is set when
// the new state is StateReconnecting.
type StateChanged struct {
	Venue    model.Venue
	State    State
	Attempts int
	RetryIn  time.Duration
}

// Errored reports a transport failure.
type Errored struct {
	Venue model.Venue
	Err   error
}

func (e TradeReceived) FeedVenue() model.Venue { return e.Trade.Venue }
func (e StateChanged) FeedVenue() model.Venue  { return e.Venue }
func (e Errored) FeedVenue() model.Venue       { return e.Venue }

func (TradeReceived) isFeedEvent() {}
func (StateChanged) isFeedEvent()  {}
func (Errored) isFeedEvent()       {}
