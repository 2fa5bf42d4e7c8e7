package feed

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/atmx/whale-engine/internal/metrics"
	"github.com/atmx/whale-engine/internal/model"
)

// Connection maintains one reconnecting session to one venue.
//
// State machine:
//
//	disconnected -> connected      session established and subscribed
//	connected    -> reconnecting   transport error while running
//	reconnecting -> connected      next successful establishment
//	any          -> disconnected   Stop
//
// A single timer schedules reconnects. Stop cancels the pending timer and
// any in-flight dial, closes the session and waits for the run loop to exit.
type Connection struct {
	venue   model.Venue
	dialer  Dialer
	norm    Normalizer
	backoff Backoff
	out     chan<- Event
	logger  *slog.Logger

	// lifecycle serializes Start and Stop.
	lifecycle sync.Mutex

	mu       sync.Mutex
	running  bool
	state    State
	attempts int
	timer    *time.Timer
	session  Session
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewConnection creates a stopped connection. Events are written to out,
// which the caller must drain.
func NewConnection(dialer Dialer, norm Normalizer, backoff Backoff, out chan<- Event, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	return &Connection{
		venue:   norm.Venue(),
		dialer:  dialer,
		norm:    norm,
		backoff: backoff,
		out:     out,
		logger:  logger.With("venue", string(norm.Venue())),
		state:   StateDisconnected,
	}
}

// Venue returns the venue this connection streams from.
func (c *Connection) Venue() model.Venue { return c.venue }

// Start launches the run loop. Calling Start on a running connection is a
// no-op. Cancelling ctx has the same effect as Stop, minus the wait.
func (c *Connection) Start(ctx context.Context) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.running = true
	c.attempts = 0
	c.cancel = cancel
	c.done = make(chan struct{})

	go c.run(runCtx, c.done)
}

// Stop cancels any pending reconnect and in-flight dial, closes the session
// and blocks until the run loop has exited. Stop on a stopped connection is
// a no-op.
func (c *Connection) Stop() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.cancel()
	if c.timer != nil {
		c.timer.Stop()
	}
	sess := c.session
	c.session = nil
	done := c.done
	c.mu.Unlock()

	if sess != nil {
		sess.Close()
	}
	<-done
}

// IsRunning reports whether Start has been called without a matching Stop.
func (c *Connection) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// State returns the current connection state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts returns the number of consecutive failed establishments.
func (c *Connection) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func (c *Connection) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer c.disconnected()

	for {
		err := c.serve(ctx)
		if ctx.Err() != nil {
			return
		}

		delay := c.fail(ctx, err)
		if !c.wait(ctx, delay) {
			return
		}
	}
}

// serve dials, subscribes and reads until the session fails.
func (c *Connection) serve(ctx context.Context) error {
	sess, err := c.dialer.Dial(ctx)
	if err != nil {
		return &TransportError{Venue: c.venue, Op: "dial", Err: err}
	}
	if !c.attach(ctx, sess) {
		sess.Close()
		return ctx.Err()
	}
	defer c.detach(sess)

	subs, err := c.norm.Subscriptions()
	if err != nil {
		return &TransportError{Venue: c.venue, Op: "subscribe", Err: err}
	}
	for _, sub := range subs {
		if err := sess.Send(sub); err != nil {
			return &TransportError{Venue: c.venue, Op: "subscribe", Err: err}
		}
	}

	c.connected(ctx, len(subs))

	for {
		raw, err := sess.Read()
		if err != nil {
			return &TransportError{Venue: c.venue, Op: "read", Err: err}
		}
		if !c.dispatch(ctx, raw) {
			return ctx.Err()
		}
	}
}

func (c *Connection) dispatch(ctx context.Context, raw []byte) bool {
	deliveries, err := c.norm.Normalize(raw)
	if err != nil {
		metrics.FeedMessagesDropped.WithLabelValues(string(c.venue)).Inc()
		c.logger.Debug("venue message dropped", "err", err, "bytes", len(raw))
	}
	for _, d := range deliveries {
		metrics.FeedTradesReceived.WithLabelValues(string(c.venue)).Inc()
		if !c.emit(ctx, TradeReceived{Delivery: d}) {
			return false
		}
	}
	return true
}

func (c *Connection) attach(ctx context.Context, sess Session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ctx.Err() != nil {
		return false
	}
	c.session = sess
	return true
}

func (c *Connection) detach(sess Session) {
	c.mu.Lock()
	if c.session == sess {
		c.session = nil
	}
	c.mu.Unlock()
	sess.Close()
}

func (c *Connection) connected(ctx context.Context, subs int) {
	c.mu.Lock()
	c.attempts = 0
	c.state = StateConnected
	c.mu.Unlock()

	metrics.FeedConnectionState.WithLabelValues(string(c.venue)).Set(1)
	c.logger.Info("feed connected", "subscriptions", subs)
	c.emit(ctx, StateChanged{Venue: c.venue, State: StateConnected})
}

// fail records a failed establishment or a dropped session and returns the
// delay before the next attempt.
func (c *Connection) fail(ctx context.Context, err error) time.Duration {
	c.mu.Lock()
	c.attempts++
	attempts := c.attempts
	delay := c.backoff.Delay(attempts)
	c.state = StateReconnecting
	c.mu.Unlock()

	metrics.FeedConnectionState.WithLabelValues(string(c.venue)).Set(0)
	metrics.FeedReconnects.WithLabelValues(string(c.venue)).Inc()
	c.logger.Warn("feed transport error", "err", err, "attempts", attempts, "retry_in", delay)

	c.emit(ctx, Errored{Venue: c.venue, Err: err})
	c.emit(ctx, StateChanged{Venue: c.venue, State: StateReconnecting, Attempts: attempts, RetryIn: delay})
	return delay
}

// wait blocks on the connection's single reconnect timer.
func (c *Connection) wait(ctx context.Context, delay time.Duration) bool {
	c.mu.Lock()
	if ctx.Err() != nil {
		c.mu.Unlock()
		return false
	}
	if c.timer == nil {
		c.timer = time.NewTimer(delay)
	} else {
		c.timer.Reset(delay)
	}
	t := c.timer
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		t.Stop()
		return false
	case <-t.C:
		return true
	}
}

func (c *Connection) disconnected() {
	c.mu.Lock()
	c.running = false
	prev := c.state
	c.state = StateDisconnected
	c.mu.Unlock()

	if prev == StateDisconnected {
		return
	}
	metrics.FeedConnectionState.WithLabelValues(string(c.venue)).Set(0)
	c.logger.Info("feed disconnected")

	// Best effort: the consumer may already be gone.
	select {
	case c.out <- StateChanged{Venue: c.venue, State: StateDisconnected}:
	default:
	}
}

func (c *Connection) emit(ctx context.Context, ev Event) bool {
	select {
	case c.out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
