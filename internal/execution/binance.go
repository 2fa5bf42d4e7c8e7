package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"github.com/atmx/whale-engine/internal/copytrade"
	"github.com/atmx/whale-engine/internal/model"
)

var (
	// ErrUnsupportedInstrument is returned for orders the futures venue
	// cannot route, e.g. prediction-market outcomes.
	ErrUnsupportedInstrument = errors.New("execution: unsupported instrument")

	// ErrQuantityTooSmall is returned when the notional rounds to zero lots.
	ErrQuantityTooSmall = errors.New("execution: quantity rounds to zero")
)

const quoteAsset = "USDT"

var hundred = decimal.NewFromInt(100)

// Binance places copy orders on Binance USDT-M futures. Order sizes arrive as
// USD notional and are converted to contract quantity at the current price,
// floored to the symbol's lot step.
//
// All followers share the one account behind the API key.
type Binance struct {
	client *futures.Client
	logger *slog.Logger

	mu      sync.Mutex
	steps   map[string]decimal.Decimal // symbol -> lot step size
	traded  map[string]struct{}
	started bool
}

// NewBinance creates a futures executor. testnet switches the package-wide
// futures endpoint.
func NewBinance(apiKey, apiSecret string, testnet bool, logger *slog.Logger) *Binance {
	if logger == nil {
		logger = slog.Default()
	}
	if testnet {
		futures.UseTestnet = true
		logger.Warn("using binance futures testnet")
	}
	return &Binance{
		client: binance.NewFuturesClient(apiKey, apiSecret),
		logger: logger,
		steps:  make(map[string]decimal.Decimal),
		traded: make(map[string]struct{}),
	}
}

func (b *Binance) Execute(ctx context.Context, order copytrade.Order) (copytrade.ExecutionResult, error) {
	symbol, err := futuresSymbol(order.Venue, order.Instrument)
	if err != nil {
		return copytrade.ExecutionResult{}, err
	}

	price := order.ReferencePrice
	if prices, err := b.client.NewListPricesService().Symbol(symbol).Do(ctx); err == nil && len(prices) > 0 {
		if p, err := decimal.NewFromString(prices[0].Price); err == nil && p.IsPositive() {
			price = p
		}
	} else if err != nil {
		b.logger.Warn("price lookup failed, using reference price", "symbol", symbol, "err", err)
	}

	step, err := b.stepSize(ctx, symbol)
	if err != nil {
		return copytrade.ExecutionResult{}, err
	}
	qty, err := quantity(order.SizeUSD, price, step)
	if err != nil {
		return copytrade.ExecutionResult{}, err
	}

	side := futures.SideTypeBuy
	if order.Side == model.SideSell {
		side = futures.SideTypeSell
	}
	res, err := b.client.NewCreateOrderService().
		Symbol(symbol).
		Side(side).
		Type(futures.OrderTypeMarket).
		Quantity(qty.String()).
		Do(ctx)
	if err != nil {
		return copytrade.ExecutionResult{}, fmt.Errorf("create order %s: %w", symbol, err)
	}

	b.mu.Lock()
	b.traded[symbol] = struct{}{}
	b.mu.Unlock()

	b.logger.Info("copy order placed",
		"config_id", order.ConfigID,
		"symbol", symbol,
		"side", side,
		"quantity", qty.String(),
		"order_id", res.OrderID,
	)

	// Protection failures leave the entry in place; they are logged only.
	stop, take := protectionPrices(order.Side, price, order.StopLossPercent, order.TakeProfitPercent)
	if stop.Valid {
		b.protect(ctx, symbol, order.Side, "STOP_MARKET", stop.Decimal, qty)
	}
	if take.Valid {
		b.protect(ctx, symbol, order.Side, "TAKE_PROFIT_MARKET", take.Decimal, qty)
	}

	return copytrade.ExecutionResult{TxRef: strconv.FormatInt(res.OrderID, 10)}, nil
}

func (b *Binance) protect(ctx context.Context, symbol string, entry model.Side, kind string, trigger, qty decimal.Decimal) {
	closeSide := futures.SideTypeSell
	if entry == model.SideSell {
		closeSide = futures.SideTypeBuy
	}
	_, err := b.client.NewCreateOrderService().
		Symbol(symbol).
		Side(closeSide).
		Type(futures.OrderType(kind)).
		StopPrice(trigger.String()).
		Quantity(qty.String()).
		ReduceOnly(true).
		WorkingType(futures.WorkingTypeMarkPrice).
		Do(ctx)
	if err != nil {
		b.logger.Error("protection order failed", "symbol", symbol, "type", kind, "trigger", trigger.String(), "err", err)
	}
}

// CancelAll cancels open orders on every symbol this executor has traded.
func (b *Binance) CancelAll(ctx context.Context) error {
	b.mu.Lock()
	symbols := make([]string, 0, len(b.traded))
	for s := range b.traded {
		symbols = append(symbols, s)
	}
	b.mu.Unlock()
	sort.Strings(symbols)

	var errs []error
	for _, s := range symbols {
		if err := b.client.NewCancelAllOpenOrdersService().Symbol(s).Do(ctx); err != nil {
			errs = append(errs, fmt.Errorf("cancel %s: %w", s, err))
		}
	}
	return errors.Join(errs...)
}

// AvailableBalance returns the account's available USDT. The wallet argument
// is ignored: the API key selects the account.
func (b *Binance) AvailableBalance(ctx context.Context, _ string) (decimal.Decimal, error) {
	res, err := b.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("get account: %w", err)
	}
	for _, a := range res.Assets {
		if a.Asset == quoteAsset {
			return decimal.NewFromString(a.AvailableBalance)
		}
	}
	return decimal.Zero, nil
}

// stepSize loads lot step sizes once from exchange info.
func (b *Binance) stepSize(ctx context.Context, symbol string) (decimal.Decimal, error) {
	b.mu.Lock()
	loaded := b.started
	step, ok := b.steps[symbol]
	b.mu.Unlock()
	if ok {
		return step, nil
	}
	if loaded {
		return decimal.Zero, fmt.Errorf("%w: %s not listed", ErrUnsupportedInstrument, symbol)
	}

	info, err := b.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("exchange info: %w", err)
	}

	steps := make(map[string]decimal.Decimal, len(info.Symbols))
	for _, s := range info.Symbols {
		for _, f := range s.Filters {
			if f["filterType"] != "LOT_SIZE" {
				continue
			}
			raw, _ := f["stepSize"].(string)
			if d, err := decimal.NewFromString(raw); err == nil {
				steps[s.Symbol] = d
			}
		}
	}

	b.mu.Lock()
	b.steps = steps
	b.started = true
	step, ok = steps[symbol]
	b.mu.Unlock()
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s not listed", ErrUnsupportedInstrument, symbol)
	}
	return step, nil
}

// futuresSymbol maps a Hyperliquid perp coin to its USDT-M symbol.
func futuresSymbol(venue model.Venue, instrument string) (string, error) {
	if venue != model.VenueHyperliquid || instrument == "" || strings.ContainsAny(instrument, ":/@") {
		return "", fmt.Errorf("%w: %s %s", ErrUnsupportedInstrument, venue, instrument)
	}
	return strings.ToUpper(instrument) + quoteAsset, nil
}

// quantity converts USD notional to lots, floored to step.
func quantity(sizeUSD, price, step decimal.Decimal) (decimal.Decimal, error) {
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("execution: no price")
	}
	qty := sizeUSD.Div(price)
	if step.IsPositive() {
		qty = qty.Div(step).Floor().Mul(step)
	}
	if !qty.IsPositive() {
		return decimal.Zero, ErrQuantityTooSmall
	}
	return qty, nil
}

// protectionPrices returns stop-loss and take-profit trigger prices for an
// entry at price. Percentages are of the entry price.
func protectionPrices(side model.Side, price decimal.Decimal, stopLoss, takeProfit decimal.NullDecimal) (stop, take decimal.NullDecimal) {
	sign := decimal.NewFromInt(1)
	if side == model.SideSell {
		sign = sign.Neg()
	}
	if stopLoss.Valid {
		move := price.Mul(stopLoss.Decimal).Div(hundred).Mul(sign)
		stop = decimal.NewNullDecimal(price.Sub(move))
	}
	if takeProfit.Valid {
		move := price.Mul(takeProfit.Decimal).Div(hundred).Mul(sign)
		take = decimal.NewNullDecimal(price.Add(move))
	}
	return stop, take
}
