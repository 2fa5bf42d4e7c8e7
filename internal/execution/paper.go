// Package execution provides the copy coordinator's execution capabilities:
// a paper executor for dry runs and a Binance USDT-M futures executor.
package execution

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/whale-engine/internal/copytrade"
)

// Paper fills every order immediately without touching a venue. Every
// follower sees the same static balance.
type Paper struct {
	balance decimal.Decimal
	logger  *slog.Logger

	mu     sync.Mutex
	orders []Fill
}

// Fill is an order the paper executor accepted.
type Fill struct {
	TxRef string
	Order copytrade.Order
}

// NewPaper creates a paper executor reporting balance as available.
func NewPaper(balance decimal.Decimal, logger *slog.Logger) *Paper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Paper{balance: balance, logger: logger}
}

func (p *Paper) Execute(ctx context.Context, order copytrade.Order) (copytrade.ExecutionResult, error) {
	if err := ctx.Err(); err != nil {
		return copytrade.ExecutionResult{}, err
	}
	ref := "paper-" + uuid.NewString()

	p.mu.Lock()
	p.orders = append(p.orders, Fill{TxRef: ref, Order: order})
	p.mu.Unlock()

	p.logger.Info("paper order filled",
		"config_id", order.ConfigID,
		"instrument", order.Instrument,
		"side", order.Side,
		"size_usd", order.SizeUSD.StringFixed(2),
		"tx_ref", ref,
	)
	return copytrade.ExecutionResult{TxRef: ref}, nil
}

// CancelAll is a no-op: paper orders fill immediately.
func (p *Paper) CancelAll(context.Context) error { return nil }

func (p *Paper) AvailableBalance(context.Context, string) (decimal.Decimal, error) {
	return p.balance, nil
}

// Fills returns the accepted orders, oldest first.
func (p *Paper) Fills() []Fill {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Fill, len(p.orders))
	copy(out, p.orders)
	return out
}
