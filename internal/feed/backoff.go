package feed

import (
	"fmt"
	"time"
)

// State is a connection's lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// Backoff is a linear reconnect schedule: min(Max, Base + attempts*Increment).
type Backoff struct {
	Base      time.Duration
	Increment time.Duration
	Max       time.Duration
}

var (
	// FastBackoff suits latency-sensitive detection feeds.
	FastBackoff = Backoff{Base: 100 * time.Millisecond, Increment: 500 * time.Millisecond, Max: 5 * time.Second}

	// ConservativeBackoff suits venues that rate-limit reconnects.
	ConservativeBackoff = Backoff{Base: 2 * time.Second, Increment: 2 * time.Second, Max: 30 * time.Second}
)

// BackoffProfile returns the named profile ("fast" or "conservative").
func BackoffProfile(name string) (Backoff, error) {
	switch name {
	case "", "fast":
		return FastBackoff, nil
	case "conservative":
		return ConservativeBackoff, nil
	}
	return Backoff{}, fmt.Errorf("feed: unknown backoff profile %q", name)
}

// Delay returns the wait before the next reconnect after attempts
// consecutive failures.
func (b Backoff) Delay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	d := b.Base + time.Duration(attempts)*b.Increment
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}
