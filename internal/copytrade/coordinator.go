package copytrade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/whale-engine/internal/metrics"
	"github.com/atmx/whale-engine/internal/model"
	"github.com/atmx/whale-engine/internal/notify"
	"github.com/atmx/whale-engine/internal/risk"
)

// DefaultExecutionTimeout bounds one execution call.
const DefaultExecutionTimeout = 10 * time.Second

// ConfigStore is the subset of the config store the coordinator needs.
type ConfigStore interface {
	ListEnabledConfigsForTarget(ctx context.Context, wallet string) ([]model.CopyConfig, error)
	GetConfig(ctx context.Context, id string) (model.CopyConfig, error)
	// RecordExecution increments the config's trade counters and sets
	// last_trade_at.
	RecordExecution(ctx context.Context, id string, at time.Time) (model.CopyConfig, error)
	ResetDailyCounters(ctx context.Context) (int, error)
}

// AttemptLog is the append-only copy attempt log.
type AttemptLog interface {
	AppendAttempt(ctx context.Context, a model.CopyAttempt) error
	// ListOpenAttempts returns executed attempts of userWallet without PnL.
	ListOpenAttempts(ctx context.Context, userWallet string) ([]model.CopyAttempt, error)
}

// Order is one sized copy order. Size is USD notional.
type Order struct {
	ConfigID          string
	UserWallet        string
	SourceTradeID     string
	Venue             model.Venue
	Instrument        string
	Side              model.Side
	SizeUSD           decimal.Decimal
	ReferencePrice    decimal.Decimal
	StopLossPercent   decimal.NullDecimal
	TakeProfitPercent decimal.NullDecimal
}

// ExecutionResult is a successful execution.
type ExecutionResult struct {
	TxRef string
}

// Executor is the external execution capability. The coordinator never
// retries a failed execution.
type Executor interface {
	Execute(ctx context.Context, order Order) (ExecutionResult, error)
	CancelAll(ctx context.Context) error
}

// BalanceSource reports a follower's available balance for percentage sizing.
type BalanceSource interface {
	AvailableBalance(ctx context.Context, userWallet string) (decimal.Decimal, error)
}

// Options configures a Coordinator.
type Options struct {
	Executor         Executor
	Balance          BalanceSource
	Limiter          *risk.Limiter
	Notifier         notify.Sink
	ExecutionTimeout time.Duration
	Logger           *slog.Logger
	Now              func() time.Time
}

// LaneState is an observable snapshot of one config's lane.
type LaneState struct {
	ConfigID     string    `json:"config_id"`
	Queued       int       `json:"queued"`
	Busy         bool      `json:"busy"`
	Disabled     bool      `json:"disabled"`
	LastError    string    `json:"last_error,omitempty"`
	Processed    int64     `json:"processed"`
	LastActivity time.Time `json:"last_activity,omitempty"`
}

type lane struct {
	id    string
	queue serialQueue[model.TradeEvent]

	mu           sync.Mutex
	disabled     bool
	lastErr      string
	processed    int64
	lastActivity time.Time
}

// Coordinator fans accepted trades out to per-config execution lanes. Each
// lane runs at most one execution at a time, in trade arrival order; lanes
// run concurrently with each other.
type Coordinator struct {
	configs  ConfigStore
	attempts AttemptLog
	exec     Executor
	balance  BalanceSource
	limiter  *risk.Limiter
	notifier notify.Sink
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time

	// ctx bounds lane work; it is cancelled only when Close gives up waiting.
	ctx    context.Context
	cancel context.CancelFunc

	intake serialQueue[model.TradeEvent]

	mu     sync.Mutex
	lanes  map[string]*lane
	closed bool
	wg     sync.WaitGroup
}

// NewCoordinator creates a coordinator. opts.Executor is required.
func NewCoordinator(configs ConfigStore, attempts AttemptLog, opts Options) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Discard
	}
	if opts.ExecutionTimeout <= 0 {
		opts.ExecutionTimeout = DefaultExecutionTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())

	c := &Coordinator{
		configs:  configs,
		attempts: attempts,
		exec:     opts.Executor,
		balance:  opts.Balance,
		limiter:  opts.Limiter,
		notifier: opts.Notifier,
		timeout:  opts.ExecutionTimeout,
		logger:   opts.Logger,
		now:      opts.Now,
		ctx:      ctx,
		cancel:   cancel,
		lanes:    make(map[string]*lane),
	}
	c.intake = serialQueue[model.TradeEvent]{handle: c.route, logger: c.logger}
	return c
}

// OnTrade is the single entry point, called once per accepted, deduplicated
// trade. It never blocks on I/O: config lookup happens on the intake queue,
// which preserves arrival order into every lane.
func (c *Coordinator) OnTrade(ev model.TradeEvent) error {
	if ev.Anonymous() {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrCoordinatorClosed
	}
	c.intake.push(&c.wg, ev)
	return nil
}

// route looks up the configs following the trade's wallet and enqueues the
// trade on each of their lanes.
func (c *Coordinator) route(ev model.TradeEvent) {
	configs, err := c.configs.ListEnabledConfigsForTarget(c.ctx, ev.Wallet)
	if err != nil {
		c.logger.Error("config lookup failed", "wallet", ev.Wallet, "trade_id", ev.ID, "err", err)
		return
	}
	for _, cfg := range configs {
		l := c.lane(cfg.ID)

		l.mu.Lock()
		disabled := l.disabled
		l.mu.Unlock()
		if disabled {
			c.logger.Debug("trade dropped for disabled lane", "config_id", cfg.ID, "trade_id", ev.ID)
			continue
		}
		l.queue.push(&c.wg, ev)
	}
}

func (c *Coordinator) lane(id string) *lane {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.lanes[id]
	if !ok {
		l = &lane{id: id}
		l.queue = serialQueue[model.TradeEvent]{
			handle: func(ev model.TradeEvent) { c.process(l, ev) },
			logger: c.logger,
		}
		c.lanes[id] = l
	}
	return l
}

// process runs one trade through one lane.
func (c *Coordinator) process(l *lane, ev model.TradeEvent) {
	ctx := c.ctx
	log := c.logger.With("config_id", l.id, "trade_id", ev.ID)

	l.mu.Lock()
	disabled := l.disabled
	l.mu.Unlock()
	if disabled {
		return
	}
	defer c.touch(l)

	cfg, err := c.configs.GetConfig(ctx, l.id)
	if err != nil {
		log.Warn("config reload failed", "err", err)
		return
	}
	if !cfg.Enabled || model.NormalizeWallet(cfg.TargetWallet) != ev.Wallet {
		log.Debug("config no longer follows wallet")
		return
	}

	// 1. Daily cap: no attempt record at all.
	if cfg.TradesToday >= cfg.MaxDailyTrades {
		log.Info("daily trade cap reached", "trades_today", cfg.TradesToday, "max_daily_trades", cfg.MaxDailyTrades)
		return
	}

	// 2. Side filter.
	if !cfg.Follows(ev.Side) {
		log.Debug("side not followed", "side", ev.Side)
		return
	}

	attempt := model.CopyAttempt{
		ID:            uuid.NewString(),
		ConfigID:      cfg.ID,
		UserWallet:    cfg.UserWallet,
		SourceTradeID: ev.ID,
		TargetWallet:  ev.Wallet,
		Instrument:    ev.Instrument,
		Side:          ev.Side,
		SourceSize:    ev.USDValue(),
		Price:         ev.Price,
		Status:        model.AttemptPending,
		CreatedAt:     c.now(),
	}

	// A broken policy disables the lane before any balance lookup.
	if err := ValidateConfig(cfg); err != nil {
		c.disable(l, err)
		return
	}

	balance := decimal.Zero
	if cfg.SizingMode == model.SizingPercentage {
		if c.balance == nil {
			c.fail(ctx, attempt, errors.New("no balance source configured"))
			return
		}
		balance, err = c.balance.AvailableBalance(ctx, cfg.UserWallet)
		if err != nil {
			c.fail(ctx, attempt, fmt.Errorf("balance unavailable: %w", err))
			return
		}
	}

	// 3. Sizing.
	decision, err := Resolve(cfg, ev, balance)
	if err != nil {
		c.disable(l, err)
		return
	}
	if decision.Skip {
		attempt.Status = model.AttemptSkipped
		attempt.SkipReason = decision.Reason
		attempt.CopiedSize = decision.Attempted
		c.record(ctx, attempt)
		return
	}

	// Exposure limits.
	if c.limiter.Enabled() {
		open, err := c.attempts.ListOpenAttempts(ctx, cfg.UserWallet)
		if err != nil {
			c.fail(ctx, attempt, fmt.Errorf("exposure unavailable: %w", err))
			return
		}
		delta := risk.SignedNotional(ev.Side, decision.Size)
		if err := c.limiter.Check(ev.Instrument, delta, risk.OpenExposures(open)); err != nil {
			metrics.RiskRejections.WithLabelValues(riskLabel(err)).Inc()
			attempt.Status = model.AttemptSkipped
			attempt.SkipReason = err.Error()
			attempt.CopiedSize = decision.Size
			c.record(ctx, attempt)
			return
		}
	}

	// 4. Execute.
	res, err := c.execute(ctx, Order{
		ConfigID:          cfg.ID,
		UserWallet:        cfg.UserWallet,
		SourceTradeID:     ev.ID,
		Venue:             ev.Venue,
		Instrument:        ev.Instrument,
		Side:              ev.Side,
		SizeUSD:           decision.Size,
		ReferencePrice:    ev.Price,
		StopLossPercent:   cfg.StopLossPercent,
		TakeProfitPercent: cfg.TakeProfitPercent,
	})
	if err != nil {
		// 6. Failure: recorded, quota untouched.
		attempt.CopiedSize = decision.Size
		c.fail(ctx, attempt, err)
		return
	}

	// 5. Success.
	attempt.Status = model.AttemptExecuted
	attempt.CopiedSize = decision.Size
	attempt.TxRef = res.TxRef
	c.record(ctx, attempt)

	if _, err := c.configs.RecordExecution(ctx, cfg.ID, c.now()); err != nil {
		log.Error("trade counters not saved", "err", err)
	}
}

// execute calls the executor with the coordinator's timeout. A timeout, a
// venue error and a panic all surface as *ExecutionError.
func (c *Coordinator) execute(ctx context.Context, order Order) (ExecutionResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	type outcome struct {
		res ExecutionResult
		err error
	}
	done := make(chan outcome, 1)
	start := time.Now()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("executor panic: %v", r)}
			}
		}()
		if c.exec == nil {
			done <- outcome{err: errors.New("no executor configured")}
			return
		}
		res, err := c.exec.Execute(ctx, order)
		done <- outcome{res: res, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-ctx.Done():
		out = outcome{err: ctx.Err()}
	}

	label := "success"
	if out.err != nil {
		label = "failure"
		out.err = &ExecutionError{ConfigID: order.ConfigID, Err: out.err}
	}
	metrics.ExecutionLatency.WithLabelValues(string(order.Side), label).Observe(time.Since(start).Seconds())
	return out.res, out.err
}

func (c *Coordinator) fail(ctx context.Context, attempt model.CopyAttempt, err error) {
	attempt.Status = model.AttemptFailed
	attempt.SkipReason = err.Error()
	c.record(ctx, attempt)
}

func (c *Coordinator) record(ctx context.Context, attempt model.CopyAttempt) {
	if err := c.attempts.AppendAttempt(ctx, attempt); err != nil {
		c.logger.Error("copy attempt not recorded", "config_id", attempt.ConfigID, "status", attempt.Status, "err", err)
	}
	metrics.CopyAttempts.WithLabelValues(string(attempt.Status)).Inc()
	c.notifier.Publish(notify.CopyAttempted{Attempt: attempt})
}

func (c *Coordinator) disable(l *lane, err error) {
	l.mu.Lock()
	already := l.disabled
	l.disabled = true
	l.lastErr = err.Error()
	l.mu.Unlock()

	dropped := l.queue.clear()
	if !already {
		metrics.LanesDisabled.Inc()
	}
	c.logger.Error("copy lane disabled", "config_id", l.id, "err", err, "dropped", dropped)
	c.notifier.Publish(notify.LaneDisabled{ConfigID: l.id, Reason: err.Error()})
}

func (c *Coordinator) touch(l *lane) {
	l.mu.Lock()
	l.processed++
	l.lastActivity = c.now()
	l.mu.Unlock()
}

// ResetLane re-enables a lane disabled by a configuration error.
func (c *Coordinator) ResetLane(configID string) error {
	c.mu.Lock()
	l, ok := c.lanes[configID]
	c.mu.Unlock()
	if !ok {
		return ErrLaneNotFound
	}

	l.mu.Lock()
	wasDisabled := l.disabled
	l.disabled = false
	l.lastErr = ""
	l.mu.Unlock()

	if wasDisabled {
		metrics.LanesDisabled.Dec()
		c.logger.Info("copy lane re-enabled", "config_id", configID)
	}
	return nil
}

// ResetDaily forwards the external day-boundary signal to the config store.
func (c *Coordinator) ResetDaily(ctx context.Context) (int, error) {
	n, err := c.configs.ResetDailyCounters(ctx)
	if err != nil {
		return 0, err
	}
	c.logger.Info("daily trade counters reset", "configs", n)
	return n, nil
}

// CancelAll forwards to the execution capability.
func (c *Coordinator) CancelAll(ctx context.Context) error {
	if c.exec == nil {
		return nil
	}
	return c.exec.CancelAll(ctx)
}

// LaneStates returns a snapshot of every lane, ordered by config id.
func (c *Coordinator) LaneStates() []LaneState {
	c.mu.Lock()
	lanes := make([]*lane, 0, len(c.lanes))
	for _, l := range c.lanes {
		lanes = append(lanes, l)
	}
	c.mu.Unlock()

	out := make([]LaneState, 0, len(lanes))
	for _, l := range lanes {
		queued, busy := l.queue.state()
		l.mu.Lock()
		out = append(out, LaneState{
			ConfigID:     l.id,
			Queued:       queued,
			Busy:         busy,
			Disabled:     l.disabled,
			LastError:    l.lastErr,
			Processed:    l.processed,
			LastActivity: l.lastActivity,
		})
		l.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConfigID < out[j].ConfigID })
	return out
}

// Wait blocks until every queued trade has been processed.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Close stops accepting trades and lets queued work drain. If ctx ends
// first, in-flight executions are cancelled.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.cancel()
		return nil
	case <-ctx.Done():
		c.cancel()
		<-done
		return ctx.Err()
	}
}

func riskLabel(err error) string {
	switch {
	case errors.Is(err, risk.ErrInstrumentLimitExceeded):
		return "instrument"
	case errors.Is(err, risk.ErrCorrelatedLimitExceeded):
		return "correlated"
	}
	return "other"
}
