package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/atmx/whale-engine/internal/model"
)

// Polymarket normalizes the Polymarket CLOB market channel.
//
// Frames are either a single event object or an array of events. Trades
// arrive as event_type "last_trade_price" (anonymous tape) or "trade"
// (with maker/taker addresses). Book and price_change events are ignored.
type Polymarket struct {
	assetIDs []string
}

// NewPolymarket subscribes to the market channel for assetIDs.
func NewPolymarket(assetIDs []string) *Polymarket {
	return &Polymarket{assetIDs: assetIDs}
}

func (p *Polymarket) Venue() model.Venue { return model.VenuePolymarket }

func (p *Polymarket) Subscriptions() ([][]byte, error) {
	b, err := json.Marshal(map[string]any{"type": "market", "assets_ids": p.assetIDs})
	if err != nil {
		return nil, err
	}
	return [][]byte{b}, nil
}

func (p *Polymarket) Normalize(raw []byte) ([]Delivery, error) {
	if !gjson.ValidBytes(raw) {
		// The server answers keepalives with a bare PONG.
		if strings.EqualFold(strings.TrimSpace(string(raw)), "pong") {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: invalid json", ErrMalformedMessage)
	}

	var (
		out  []Delivery
		errs []error
	)
	handle := func(ev gjson.Result) {
		typ := ev.Get("event_type").String()
		if typ == "" {
			typ = ev.Get("type").String()
		}
		if typ != "last_trade_price" && typ != "trade" {
			return
		}
		trade, err := p.trade(ev)
		if err != nil {
			errs = append(errs, err)
			return
		}
		out = append(out, Delivery{Trade: trade})
	}

	msg := gjson.ParseBytes(raw)
	if msg.IsArray() {
		msg.ForEach(func(_, ev gjson.Result) bool {
			handle(ev)
			return true
		})
	} else {
		handle(msg)
	}
	return out, errors.Join(errs...)
}

func (p *Polymarket) trade(ev gjson.Result) (model.TradeEvent, error) {
	asset := ev.Get("asset_id").String()
	market := ev.Get("market").String()

	// Outcome-labelled trades are keyed market:outcome so both outcomes of
	// one market correlate; otherwise the outcome token id is the instrument.
	instrument := coalesce(asset, market)
	if outcome := ev.Get("outcome").String(); outcome != "" && market != "" {
		instrument = model.OutcomeInstrument(market, outcome)
	}

	size, ok := parseDecimal(ev.Get("size"))
	if !ok {
		return model.TradeEvent{}, fmt.Errorf("%w: %s trade without size", ErrMalformedMessage, instrument)
	}
	price, ok := parseDecimal(ev.Get("price"))
	if !ok {
		return model.TradeEvent{}, fmt.Errorf("%w: %s trade without price", ErrMalformedMessage, instrument)
	}
	side, err := model.ParseSide(ev.Get("side").String())
	if err != nil {
		return model.TradeEvent{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	ts := parseMillis(coalesce(ev.Get("timestamp").String(), ev.Get("match_time").String()))
	wallet := coalesce(ev.Get("taker_address").String(), ev.Get("taker").String())

	trade, err := model.NewTradeEvent(polymarketTradeID(ev, asset), model.VenuePolymarket, wallet,
		instrument, side, size, price, ts, false)
	if err != nil {
		return model.TradeEvent{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return trade, nil
}

// polymarketTradeID uses the venue id when present, otherwise a synthetic id
// derived from the event contents so replays of the same event collide.
func polymarketTradeID(ev gjson.Result, asset string) string {
	if id := coalesce(ev.Get("id").String(), ev.Get("trade_id").String(), ev.Get("transaction_hash").String()); id != "" {
		return "pm-" + id
	}
	ts := ev.Get("timestamp").String()
	if asset == "" || ts == "" {
		return ""
	}
	return fmt.Sprintf("pm-%s-%s-%s-%s-%s", asset, ts, ev.Get("side").String(),
		ev.Get("price").String(), ev.Get("size").String())
}

func parseMillis(s string) time.Time {
	if s == "" {
		return time.Now()
	}
	ts, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t
		}
		return time.Now()
	}
	if ts > 1e12 {
		return time.UnixMilli(ts)
	}
	return time.Unix(ts, 0)
}

func coalesce(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
