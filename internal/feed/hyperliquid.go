package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"github.com/atmx/whale-engine/internal/model"
)

// Hyperliquid normalizes the Hyperliquid websocket API.
//
// Channels handled:
//   - trades:    public tape, one entry per fill with [buyer, seller] users
//   - userFills: fills of one wallet, carrying startPosition and closedPnl
//   - allMids:   mid prices, written to the MidCache
type Hyperliquid struct {
	coins []string
	users []string
	mids  *MidCache
}

// NewHyperliquid creates a normalizer subscribing to the trade tape of coins
// and to the fills of users. mids may be nil.
func NewHyperliquid(coins, users []string, mids *MidCache) *Hyperliquid {
	normalized := make([]string, 0, len(users))
	for _, u := range users {
		if u = model.NormalizeWallet(u); u != "" {
			normalized = append(normalized, u)
		}
	}
	return &Hyperliquid{coins: coins, users: normalized, mids: mids}
}

// HyperliquidPing is the application-level keepalive frame.
var HyperliquidPing = []byte(`{"method":"ping"}`)

func (h *Hyperliquid) Venue() model.Venue { return model.VenueHyperliquid }

type hlSubscription struct {
	Method       string         `json:"method"`
	Subscription map[string]any `json:"subscription"`
}

func (h *Hyperliquid) Subscriptions() ([][]byte, error) {
	var subs []hlSubscription
	for _, coin := range h.coins {
		subs = append(subs, hlSubscription{"subscribe", map[string]any{"type": "trades", "coin": coin}})
	}
	for _, user := range h.users {
		subs = append(subs, hlSubscription{"subscribe", map[string]any{"type": "userFills", "user": user}})
	}
	if h.mids != nil {
		subs = append(subs, hlSubscription{"subscribe", map[string]any{"type": "allMids"}})
	}

	out := make([][]byte, 0, len(subs))
	for _, s := range subs {
		b, err := json.Marshal(s)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func (h *Hyperliquid) Normalize(raw []byte) ([]Delivery, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("%w: invalid json", ErrMalformedMessage)
	}
	msg := gjson.ParseBytes(raw)

	switch msg.Get("channel").String() {
	case "trades":
		return h.trades(msg.Get("data"))
	case "userFills":
		return h.userFills(msg.Get("data"))
	case "allMids":
		h.allMids(msg.Get("data.mids"))
		return nil, nil
	default:
		// subscriptionResponse, pong, error and unknown channels carry no trades.
		return nil, nil
	}
}

func (h *Hyperliquid) trades(data gjson.Result) ([]Delivery, error) {
	if !data.IsArray() {
		return nil, fmt.Errorf("%w: trades data is not an array", ErrMalformedMessage)
	}
	var (
		out  []Delivery
		errs []error
	)
	data.ForEach(func(_, t gjson.Result) bool {
		side, err := model.ParseSide(t.Get("side").String())
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: %v", ErrMalformedMessage, err))
			return true
		}
		// users is [buyer, seller]; the aggressor is on the reported side.
		wallet := t.Get("users.0").String()
		if side == model.SideSell {
			wallet = t.Get("users.1").String()
		}
		ev, err := h.trade(t, side, wallet, false)
		if err != nil {
			errs = append(errs, err)
			return true
		}
		out = append(out, Delivery{Trade: ev})
		return true
	})
	return out, errors.Join(errs...)
}

func (h *Hyperliquid) userFills(data gjson.Result) ([]Delivery, error) {
	// The first message after subscribing replays history.
	if data.Get("isSnapshot").Bool() {
		return nil, nil
	}
	user := data.Get("user").String()
	if user == "" {
		return nil, fmt.Errorf("%w: userFills without user", ErrMalformedMessage)
	}

	var (
		out  []Delivery
		errs []error
	)
	data.Get("fills").ForEach(func(_, f gjson.Result) bool {
		side, err := model.ParseSide(f.Get("side").String())
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: %v", ErrMalformedMessage, err))
			return true
		}
		dir := f.Get("dir").String()
		liquidation := f.Get("liquidation").Exists() || strings.Contains(dir, "Liquidat")

		ev, err := h.trade(f, side, user, liquidation)
		if err != nil {
			errs = append(errs, err)
			return true
		}
		start, _ := parseDecimal(f.Get("startPosition"))
		pnl, _ := parseDecimal(f.Get("closedPnl"))
		out = append(out, Delivery{
			Trade: ev,
			Fill:  &model.FillContext{StartPosition: start, ClosedPnl: pnl, Direction: dir},
		})
		return true
	})
	return out, errors.Join(errs...)
}

func (h *Hyperliquid) trade(t gjson.Result, side model.Side, wallet string, liquidation bool) (model.TradeEvent, error) {
	coin := t.Get("coin").String()
	size, ok := parseDecimal(t.Get("sz"))
	if !ok {
		return model.TradeEvent{}, fmt.Errorf("%w: %s trade without size", ErrMalformedMessage, coin)
	}
	price, ok := parseDecimal(t.Get("px"))
	if !ok && h.mids != nil {
		price, ok = h.mids.Mid(coin)
	}
	if !ok {
		return model.TradeEvent{}, fmt.Errorf("%w: %s trade without price", ErrMalformedMessage, coin)
	}

	ev, err := model.NewTradeEvent(hyperliquidTradeID(t), model.VenueHyperliquid, wallet, coin, side,
		size, price, time.UnixMilli(t.Get("time").Int()), liquidation)
	if err != nil {
		return model.TradeEvent{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return ev, nil
}

func (h *Hyperliquid) allMids(mids gjson.Result) {
	if h.mids == nil || !mids.IsObject() {
		return
	}
	batch := make(map[string]decimal.Decimal)
	mids.ForEach(func(k, v gjson.Result) bool {
		if px, ok := parseDecimal(v); ok {
			batch[k.String()] = px
		}
		return true
	})
	h.mids.Merge(batch)
}

// hyperliquidTradeID prefers the trade id, which is shared by the trades and
// userFills channels for the same fill.
func hyperliquidTradeID(t gjson.Result) string {
	if tid := t.Get("tid"); tid.Exists() && tid.Raw != "0" {
		return "hl-" + tid.Raw
	}
	hash := t.Get("hash").String()
	if strings.Trim(strings.TrimPrefix(hash, "0x"), "0") == "" {
		return ""
	}
	return "hl-" + hash
}

// parseDecimal accepts decimal strings and JSON numbers.
func parseDecimal(r gjson.Result) (decimal.Decimal, bool) {
	var s string
	switch r.Type {
	case gjson.String:
		s = r.Str
	case gjson.Number:
		s = r.Raw
	default:
		return decimal.Zero, false
	}
	v, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, false
	}
	return v, true
}
