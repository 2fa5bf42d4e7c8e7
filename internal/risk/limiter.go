// Package risk enforces caps on a follower's open copied notional.
//
// Exposure is signed USD notional per instrument: buys add, sells subtract.
// Instruments are correlated when they share a group key, e.g. both
// outcomes of one prediction market. A perp symbol is its own group.
package risk

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/whale-engine/internal/model"
)

var (
	// ErrInstrumentLimitExceeded is returned when a copy would push one
	// instrument's net exposure beyond the per-instrument maximum.
	ErrInstrumentLimitExceeded = errors.New("risk: per-instrument exposure limit exceeded")

	// ErrCorrelatedLimitExceeded is returned when a copy would push the
	// aggregate exposure across correlated instruments beyond the maximum.
	ErrCorrelatedLimitExceeded = errors.New("risk: correlated exposure limit exceeded")
)

// Exposures maps instrument to signed open notional.
type Exposures map[string]decimal.Decimal

// Limiter enforces exposure limits. A zero limit is disabled.
type Limiter struct {
	// MaxPerInstrument is the maximum absolute net exposure in any instrument.
	MaxPerInstrument decimal.Decimal

	// MaxCorrelated is the maximum sum of absolute exposures across all
	// instruments sharing a group key.
	MaxCorrelated decimal.Decimal
}

// NewLimiter creates a limiter.
func NewLimiter(maxPerInstrument, maxCorrelated decimal.Decimal) *Limiter {
	return &Limiter{MaxPerInstrument: maxPerInstrument, MaxCorrelated: maxCorrelated}
}

// Enabled reports whether any limit is active.
func (l *Limiter) Enabled() bool {
	return l != nil && (l.MaxPerInstrument.IsPositive() || l.MaxCorrelated.IsPositive())
}

// Check validates a signed exposure change on instrument. Changes that
// reduce the instrument's absolute exposure are always allowed.
func (l *Limiter) Check(instrument string, delta decimal.Decimal, existing Exposures) error {
	if !l.Enabled() {
		return nil
	}

	current := existing[instrument]
	next := current.Add(delta)
	if next.Abs().LessThanOrEqual(current.Abs()) {
		return nil
	}

	// 1. Per-instrument limit.
	if l.MaxPerInstrument.IsPositive() && next.Abs().GreaterThan(l.MaxPerInstrument) {
		return ErrInstrumentLimitExceeded
	}

	// 2. Correlated exposure: sum |exposure| across the instrument's group.
	if l.MaxCorrelated.IsPositive() {
		group := model.GroupKey(instrument)
		total := next.Abs()
		for other, exposure := range existing {
			if other == instrument {
				continue // already counted via next
			}
			if model.GroupKey(other) == group {
				total = total.Add(exposure.Abs())
			}
		}
		if total.GreaterThan(l.MaxCorrelated) {
			return ErrCorrelatedLimitExceeded
		}
	}
	return nil
}

// SignedNotional returns size with the sign of side.
func SignedNotional(side model.Side, size decimal.Decimal) decimal.Decimal {
	if side == model.SideSell {
		return size.Abs().Neg()
	}
	return size.Abs()
}

// OpenExposures nets executed attempts whose PnL has not been attached yet.
func OpenExposures(attempts []model.CopyAttempt) Exposures {
	out := make(Exposures)
	for _, a := range attempts {
		if a.Status != model.AttemptExecuted || a.Pnl.Valid {
			continue
		}
		out[a.Instrument] = out[a.Instrument].Add(SignedNotional(a.Side, a.CopiedSize))
	}
	return out
}
