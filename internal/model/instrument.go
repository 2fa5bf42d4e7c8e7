package model

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var ErrInvalidInstrument = errors.New("model: invalid instrument")

// instrumentRegex matches either a perp symbol ("BTC", "kPEPE") or a
// prediction-market outcome "{market}:{outcome}".
// Example: 0x5f65177b394277fd294cd75650044e32ba009a95022d88a0c1d565897d72f8f1:Yes
var instrumentRegex = regexp.MustCompile(`^([A-Za-z0-9_.\-/]+)(?::([A-Za-z0-9_. \-]+))?$`)

// Instrument is a parsed instrument identifier.
type Instrument struct {
	Raw     string `json:"raw"`
	Market  string `json:"market"`            // perp symbol, or prediction market id
	Outcome string `json:"outcome,omitempty"` // empty for perps
}

// ParseInstrument parses an instrument identifier.
// Format: {symbol} or {market}:{outcome}
func ParseInstrument(raw string) (Instrument, error) {
	m := instrumentRegex.FindStringSubmatch(strings.TrimSpace(raw))
	if m == nil {
		return Instrument{}, fmt.Errorf("%w: %q (expected {symbol} or {market}:{outcome})",
			ErrInvalidInstrument, raw)
	}
	return Instrument{Raw: raw, Market: m[1], Outcome: m[2]}, nil
}

// OutcomeInstrument builds the identifier for one prediction-market outcome.
func OutcomeInstrument(market, outcome string) string {
	if outcome == "" {
		return market
	}
	return market + ":" + outcome
}

// GroupKey returns the key instruments are correlated on: every outcome of a
// prediction market shares its market id; a perp symbol is its own group.
func GroupKey(instrument string) string {
	if i := strings.IndexByte(instrument, ':'); i >= 0 {
		return instrument[:i]
	}
	return instrument
}
