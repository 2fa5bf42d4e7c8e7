// Package whale decides which trades are significant and maintains the
// wallet watchlist, promoting new large traders through auto-discovery.
package whale

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/whale-engine/internal/model"
)

// WatchState is the classifier's mutable state. It is owned by one dispatch
// loop and never shared.
type WatchState struct {
	TrackedWallets          map[string]struct{}
	MinTradeSizeUSD         decimal.Decimal
	AutoDiscoveryEnabled    bool
	AutoDiscoveryMultiplier decimal.Decimal
}

// NewWatchState creates a state tracking wallets.
func NewWatchState(minUSD decimal.Decimal, autoDiscovery bool, multiplier decimal.Decimal, wallets ...string) *WatchState {
	s := &WatchState{
		TrackedWallets:          make(map[string]struct{}, len(wallets)),
		MinTradeSizeUSD:         minUSD,
		AutoDiscoveryEnabled:    autoDiscovery,
		AutoDiscoveryMultiplier: multiplier,
	}
	for _, w := range wallets {
		s.Track(w)
	}
	return s
}

// Track adds a wallet to the watchlist. It reports whether the wallet was
// new; re-adding is a no-op.
func (s *WatchState) Track(wallet string) bool {
	wallet = model.NormalizeWallet(wallet)
	if wallet == "" {
		return false
	}
	if _, ok := s.TrackedWallets[wallet]; ok {
		return false
	}
	s.TrackedWallets[wallet] = struct{}{}
	return true
}

// Tracks reports whether wallet is on the watchlist.
func (s *WatchState) Tracks(wallet string) bool {
	_, ok := s.TrackedWallets[model.NormalizeWallet(wallet)]
	return ok
}

// Wallets returns the watchlist sorted.
func (s *WatchState) Wallets() []string {
	out := make([]string, 0, len(s.TrackedWallets))
	for w := range s.TrackedWallets {
		out = append(out, w)
	}
	sort.Strings(out)
	return out
}

// DiscoveryThreshold is the USD value at which an untracked wallet is promoted.
func (s *WatchState) DiscoveryThreshold() decimal.Decimal {
	return s.MinTradeSizeUSD.Mul(s.AutoDiscoveryMultiplier)
}

// Decision is a classification outcome.
type Decision int

const (
	Rejected Decision = iota
	Accepted
)

func (d Decision) String() string {
	if d == Accepted {
		return "accepted"
	}
	return "rejected"
}

// Result of classifying one trade. Discovered is true only on the trade
// that first promoted its wallet.
type Result struct {
	Decision   Decision
	Discovered bool
}

// Accepted reports whether the trade passed.
func (r Result) Accepted() bool { return r.Decision == Accepted }

// Classifier applies size thresholds and the watchlist.
type Classifier struct {
	state *WatchState
}

// NewClassifier wraps state. The classifier is the only writer of state.
func NewClassifier(state *WatchState) *Classifier {
	return &Classifier{state: state}
}

// State returns the classifier's watch state.
func (c *Classifier) State() *WatchState { return c.state }

// Classify filters one trade:
//
//  1. below the minimum USD size: rejected
//  2. anonymous: accepted, never discovered
//  3. wallet already tracked: accepted
//  4. auto-discovery on and size >= min*multiplier: accepted and tracked
//  5. otherwise rejected
func (c *Classifier) Classify(ev model.TradeEvent) Result {
	usd := ev.USDValue()
	if usd.LessThan(c.state.MinTradeSizeUSD) {
		return Result{Decision: Rejected}
	}
	if ev.Anonymous() {
		return Result{Decision: Accepted}
	}
	if c.state.Tracks(ev.Wallet) {
		return Result{Decision: Accepted}
	}
	if c.state.AutoDiscoveryEnabled && usd.GreaterThanOrEqual(c.state.DiscoveryThreshold()) {
		return Result{Decision: Accepted, Discovered: c.state.Track(ev.Wallet)}
	}
	return Result{Decision: Rejected}
}
