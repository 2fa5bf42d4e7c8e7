package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/atmx/whale-engine/internal/model"
)

// DefaultHyperliquidInfoURL is the public info endpoint.
const DefaultHyperliquidInfoURL = "https://api.hyperliquid.xyz/info"

// HyperliquidInfo fetches wallet position context from the Hyperliquid info
// endpoint. Requests are rate limited; callers block until a token is free
// or ctx ends.
type HyperliquidInfo struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
}

// NewHyperliquidInfo creates a client allowing perSecond requests with a
// burst of the same size.
func NewHyperliquidInfo(url string, perSecond float64) *HyperliquidInfo {
	if url == "" {
		url = DefaultHyperliquidInfoURL
	}
	if perSecond <= 0 {
		perSecond = 1
	}
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return &HyperliquidInfo{
		url:     url,
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

// Venue reports the venue this client enriches.
func (c *HyperliquidInfo) Venue() model.Venue { return model.VenueHyperliquid }

// Position returns the wallet's current position on coin. ok is false when
// the wallet holds no position there.
func (c *HyperliquidInfo) Position(ctx context.Context, wallet, coin string) (pos model.PositionContext, ok bool, err error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return pos, false, err
	}

	body, _ := json.Marshal(map[string]string{"type": "clearinghouseState", "user": wallet})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return pos, false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return pos, false, fmt.Errorf("feed: clearinghouseState: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return pos, false, fmt.Errorf("feed: clearinghouseState: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return pos, false, fmt.Errorf("feed: clearinghouseState: status %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}
	return parseClearinghouseState(raw, wallet, coin)
}

// Enrich implements the engine's enrichment hook.
func (c *HyperliquidInfo) Enrich(ctx context.Context, ev model.TradeEvent) (*model.PositionContext, error) {
	if ev.Anonymous() {
		return nil, nil
	}
	pos, ok, err := c.Position(ctx, ev.Wallet, ev.Instrument)
	if err != nil || !ok {
		return nil, err
	}
	return &pos, nil
}

func parseClearinghouseState(raw []byte, wallet, coin string) (model.PositionContext, bool, error) {
	if !gjson.ValidBytes(raw) {
		return model.PositionContext{}, false, fmt.Errorf("%w: clearinghouseState", ErrMalformedMessage)
	}

	var (
		found model.PositionContext
		ok    bool
	)
	gjson.GetBytes(raw, "assetPositions").ForEach(func(_, ap gjson.Result) bool {
		p := ap.Get("position")
		if !strings.EqualFold(p.Get("coin").String(), coin) {
			return true
		}
		size, _ := parseDecimal(p.Get("szi"))
		entry, _ := parseDecimal(p.Get("entryPx"))
		upnl, _ := parseDecimal(p.Get("unrealizedPnl"))
		found = model.PositionContext{
			Wallet:        model.NormalizeWallet(wallet),
			Instrument:    coin,
			Size:          size,
			EntryPrice:    entry,
			UnrealizedPnl: upnl,
			FetchedAt:     time.Now(),
		}
		if lev, has := parseDecimal(p.Get("leverage.value")); has {
			found.Leverage.Decimal = lev
			found.Leverage.Valid = true
		}
		ok = !size.IsZero()
		return false
	})
	return found, ok, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
