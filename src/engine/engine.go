package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Amenzel91/catalyst-bot-sub000/src/broker"
	"github.com/Amenzel91/catalyst-bot-sub000/src/executor"
	"github.com/Amenzel91/catalyst-bot-sub000/src/model"
	"github.com/Amenzel91/catalyst-bot-sub000/src/notify"
	"github.com/Amenzel91/catalyst-bot-sub000/src/position"
	"github.com/Amenzel91/catalyst-bot-sub000/src/repository"
	"github.com/Amenzel91/catalyst-bot-sub000/src/risk"
)

// PriceFeed returns last trade prices. Symbols without a usable price are
// left out of the result.
type PriceFeed interface {
	LatestPrices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error)
}

var ErrNoPrice = errors.New("no price for symbol")

type Action string

const (
	ActionOpened    Action = "opened"
	ActionClosed    Action = "closed"
	ActionClosing   Action = "closing"
	ActionSubmitted Action = "submitted"
	ActionPending   Action = "pending"
	ActionCancelled Action = "cancelled"
	ActionNoTrade   Action = "no_trade"
	ActionDuplicate Action = "duplicate"
	ActionRejected  Action = "rejected"
	ActionError     Action = "error"
)

// Outcome is what HandleSignal did with one signal. Failures are reported
// here rather than as errors.
type Outcome struct {
	SignalID  string                    `json:"signal_id"`
	Symbol    string                    `json:"symbol"`
	Action    Action                    `json:"action"`
	Execution *executor.ExecutionResult `json:"execution,omitempty"`
	Position  *model.Position           `json:"position,omitempty"`
	Closed    *model.ClosedPosition     `json:"closed,omitempty"`
	Error     string                    `json:"error,omitempty"`
}

// Deps are the collaborators the engine drives.
type Deps struct {
	Broker     broker.Broker
	Executor   *executor.Executor
	Positions  *position.Manager
	Gate       *risk.Gate
	Prices     PriceFeed
	Notifier   *notify.Notifier
	Exceptions ExceptionSink
	Logger     *logrus.Entry
}

// Engine ties signals, execution, positions and risk together. It is built
// once at start-up and shared by the loops and the HTTP surface.
type Engine struct {
	cfg        Config
	broker     broker.Broker
	exec       *executor.Executor
	positions  *position.Manager
	gate       *risk.Gate
	prices     PriceFeed
	notifier   *notify.Notifier
	exceptions ExceptionSink
	locks      *position.SymbolLocker
	logger     *logrus.Entry
	now        func() time.Time
}

func New(cfg Config, d Deps) (*Engine, error) {
	switch {
	case d.Broker == nil:
		return nil, errors.New("engine: broker is required")
	case d.Executor == nil:
		return nil, errors.New("engine: executor is required")
	case d.Positions == nil:
		return nil, errors.New("engine: position manager is required")
	case d.Gate == nil:
		return nil, errors.New("engine: risk gate is required")
	case d.Prices == nil:
		return nil, errors.New("engine: price feed is required")
	}
	if d.Logger == nil {
		d.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.SignalWorkers <= 0 {
		cfg.SignalWorkers = 1
	}
	if cfg.PriceTimeout <= 0 {
		cfg.PriceTimeout = 10 * time.Second
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "trading_engine"
	}
	return &Engine{
		cfg:        cfg,
		broker:     d.Broker,
		exec:       d.Executor,
		positions:  d.Positions,
		gate:       d.Gate,
		prices:     d.Prices,
		notifier:   d.Notifier,
		exceptions: d.Exceptions,
		locks:      position.NewSymbolLocker(),
		logger:     d.Logger.WithField("component", "engine"),
		now:        time.Now,
	}, nil
}

// Start connects the broker, restores the book and opens the day's loss
// budget.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.broker.Connect(ctx); err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	if err := e.positions.Load(ctx); err != nil {
		return err
	}
	account, err := e.broker.GetAccount(ctx)
	if err != nil {
		return fmt.Errorf("get account: %w", err)
	}
	now := e.now()
	e.gate.Breaker().StartDay(now, dayStartEquity(account))
	if err := e.evaluateBreaker(ctx, now); err != nil {
		e.logger.WithError(err).Warn("Initial breaker evaluation failed")
	}

	e.logger.WithFields(logrus.Fields{
		"broker":    e.broker.Name(),
		"equity":    account.Equity.StringFixed(2),
		"positions": len(e.positions.Symbols()),
	}).Info("Trading engine started")
	return nil
}

// HandleSignal processes one signal end to end. CLOSE, or a signal against
// the open position, flattens it; anything else is executed and a confirmed
// fill opens a position.
func (e *Engine) HandleSignal(ctx context.Context, signal model.TradingSignal) (out Outcome) {
	signal.Symbol = strings.ToUpper(strings.TrimSpace(signal.Symbol))
	out = Outcome{SignalID: signal.ID, Symbol: signal.Symbol}
	log := e.logger.WithFields(logrus.Fields{
		"signal_id": signal.ID,
		"symbol":    signal.Symbol,
		"action":    signal.Action,
	})

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic handling signal: %v", r)
			e.capture(ctx, "HandleSignal", err, map[string]interface{}{
				"signal_id": signal.ID,
				"symbol":    signal.Symbol,
			})
			out.Action = ActionError
			out.Error = err.Error()
		}
	}()

	unlock := e.locks.Lock(signal.Symbol)
	defer unlock()

	open, hasPosition := e.positions.Get(signal.Symbol)
	switch {
	case signal.Action == model.SignalActionClose:
		return e.closeForSignal(ctx, out, log)
	case hasPosition && signalOpposes(signal.Action, open.Side):
		log.WithField("position_side", open.Side).Info("Signal opposes open position, closing it")
		return e.closeForSignal(ctx, out, log)
	}

	price, err := e.latestPrice(ctx, signal.Symbol)
	if err != nil {
		out.Action = ActionRejected
		out.Error = err.Error()
		log.WithError(err).Warn("Signal skipped, no price")
		return out
	}

	probeCtx, ticket := risk.WithProbeTicket(ctx)
	result, err := e.exec.ExecuteSignal(probeCtx, signal, price)
	if ticket.Admitted() {
		e.gate.Breaker().RecordProbe(err == nil && result.Filled())
	}
	out.Execution = result
	if err != nil {
		out.Action = actionFor(result.Status)
		out.Error = err.Error()
		if result.Status == executor.StatusPending {
			log.WithError(err).Warn("Entry outcome unknown, left for reconciliation")
		}
		return out
	}
	if result.Status == executor.StatusDuplicate {
		return e.resolveDuplicate(out, result, log)
	}
	if !result.Filled() {
		out.Action = actionFor(result.Status)
		return out
	}

	pos, err := e.openFromEntry(ctx, result.Order)
	if err != nil {
		out.Action = ActionError
		out.Error = err.Error()
		return out
	}
	out.Action = ActionOpened
	out.Position = pos
	return out
}

// resolveDuplicate reports a redelivered signal. Only the position its own
// entry opened counts; a filled entry whose position is gone opens nothing.
func (e *Engine) resolveDuplicate(out Outcome, result *executor.ExecutionResult, log *logrus.Entry) Outcome {
	out.Action = ActionDuplicate
	if result.Order == nil {
		return out
	}
	if pos, ok := e.positions.Get(out.Symbol); ok && pos.EntryOrderID == result.Order.ID {
		out.Action = ActionOpened
		out.Position = pos
		return out
	}
	log.WithFields(logrus.Fields{
		"order_id": result.Order.ID,
		"status":   result.Order.Status,
	}).Info("Signal already handled, no position to report")
	return out
}

func signalOpposes(action model.SignalAction, side model.PositionSide) bool {
	switch action {
	case model.SignalActionSell:
		return side == model.PositionSideLong
	case model.SignalActionBuy:
		return side == model.PositionSideShort
	}
	return false
}

func actionFor(status executor.ExecutionStatus) Action {
	switch status {
	case executor.StatusSubmitted:
		return ActionSubmitted
	case executor.StatusPending:
		return ActionPending
	case executor.StatusCancelled:
		return ActionCancelled
	case executor.StatusNoTrade:
		return ActionNoTrade
	case executor.StatusDuplicate:
		return ActionDuplicate
	case executor.StatusFilled:
		return ActionOpened
	default:
		return ActionRejected
	}
}

func (e *Engine) closeForSignal(ctx context.Context, out Outcome, log *logrus.Entry) Outcome {
	closed, err := e.closePosition(ctx, out.Symbol, model.CloseReasonSignalClose)
	switch {
	case err == nil && closed == nil:
		out.Action = ActionClosed
	case err == nil:
		out.Action = ActionClosed
		out.Closed = closed
	case errors.Is(err, position.ErrExitPending), errors.Is(err, position.ErrCloseInProgress):
		out.Action = ActionClosing
	case errors.Is(err, position.ErrNoPosition):
		out.Action = ActionRejected
		out.Error = err.Error()
		log.Info("Close signal ignored, no open position")
	default:
		out.Action = ActionError
		out.Error = err.Error()
		log.WithError(err).Error("Close for signal failed")
	}
	return out
}

// openFromEntry opens the position for a filled entry and announces it. A
// position already opened from the same entry is returned as is.
func (e *Engine) openFromEntry(ctx context.Context, entry *model.Order) (*model.Position, error) {
	pos, err := e.positions.OpenPosition(ctx, entry, position.OptionsFromOrder(entry))
	if errors.Is(err, position.ErrPositionExists) {
		if existing, ok := e.positions.Get(entry.Symbol); ok && existing.EntryOrderID == entry.ID {
			return existing, nil
		}
	}
	if err != nil {
		e.capture(ctx, "openFromEntry", err, map[string]interface{}{
			"order_id": entry.ID,
			"symbol":   entry.Symbol,
		})
		return nil, err
	}
	e.notify(ctx, notify.PositionOpened(pos))
	return pos, nil
}

func (e *Engine) latestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	pctx, cancel := context.WithTimeout(ctx, e.cfg.PriceTimeout)
	defer cancel()
	prices, err := e.prices.LatestPrices(pctx, []string{symbol})
	if err != nil {
		return decimal.Zero, fmt.Errorf("fetch price: %w", err)
	}
	price, ok := prices[symbol]
	if !ok || !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNoPrice, symbol)
	}
	return price, nil
}

// ClosePosition closes the tracked position in symbol. When only the broker
// holds the symbol (an orphan) it is flattened there and (nil, nil) is
// returned.
func (e *Engine) ClosePosition(ctx context.Context, symbol string, reason model.CloseReason) (*model.ClosedPosition, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	unlock := e.locks.Lock(symbol)
	defer unlock()
	return e.closePosition(ctx, symbol, reason)
}

func (e *Engine) closePosition(ctx context.Context, symbol string, reason model.CloseReason) (*model.ClosedPosition, error) {
	closed, err := e.positions.ClosePosition(ctx, symbol, reason)
	if err == nil {
		e.notify(ctx, notify.PositionClosed(closed))
		return closed, nil
	}
	if !errors.Is(err, position.ErrNoPosition) {
		return nil, err
	}

	if _, berr := e.broker.GetPosition(ctx, symbol); berr != nil {
		var nf *broker.PositionNotFoundError
		if errors.As(berr, &nf) {
			return nil, err
		}
		return nil, fmt.Errorf("check broker position: %w", berr)
	}
	order, berr := e.broker.ClosePosition(ctx, symbol, nil)
	if berr != nil {
		return nil, fmt.Errorf("close orphan position: %w", berr)
	}
	e.logger.WithFields(logrus.Fields{
		"symbol":   symbol,
		"reason":   reason,
		"order_id": order.BrokerOrderID,
	}).Warn("Closed broker position that was not tracked locally")
	return nil, nil
}

// dayStartEquity is the previous close's equity, or current equity when the
// broker does not report it.
func dayStartEquity(a *model.Account) decimal.Decimal {
	if a.LastEquity.IsPositive() {
		return a.LastEquity
	}
	return a.Equity
}

// RefreshReport summarizes one refresh sweep.
type RefreshReport struct {
	OrdersUpdated int                    `json:"orders_updated"`
	Opened        []model.Position       `json:"opened,omitempty"`
	Closed        []model.ClosedPosition `json:"closed,omitempty"`
	Repriced      int                    `json:"repriced"`
	Breaker       risk.BreakerState      `json:"breaker"`
	Metrics       model.PortfolioMetrics `json:"metrics"`
}

// RefreshPositions runs one sweep: reconcile orders, open positions for late
// entry fills, close positions whose exits filled at the broker, reprice the
// book, evaluate the breaker and close positions at their exit levels.
// Failures of one step are logged and joined; later steps still run.
func (e *Engine) RefreshPositions(ctx context.Context) (RefreshReport, error) {
	var (
		report RefreshReport
		errs   []error
	)

	changed, err := e.exec.MonitorPendingOrders(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("monitor orders: %w", err))
	}
	report.OrdersUpdated = len(changed)
	for i := range changed {
		order := &changed[i]
		if !order.Status.IsTerminal() {
			continue
		}
		switch order.Role {
		case model.OrderRoleEntry:
			if !order.HasFill() {
				continue
			}
			pos, err := e.openLateFill(ctx, order)
			if err != nil {
				errs = append(errs, err)
			} else if pos != nil {
				report.Opened = append(report.Opened, *pos)
			}
		case model.OrderRoleStopLoss, model.OrderRoleTakeProfit, model.OrderRoleExit:
			closed, err := e.positions.HandleExitFill(ctx, order)
			if err != nil {
				errs = append(errs, fmt.Errorf("exit fill %s: %w", order.ID, err))
			} else if closed != nil {
				report.Closed = append(report.Closed, *closed)
				e.notify(ctx, notify.PositionClosed(closed))
			}
		}
	}

	if symbols := e.positions.Symbols(); len(symbols) > 0 {
		pctx, cancel := context.WithTimeout(ctx, e.cfg.PriceTimeout)
		prices, err := e.prices.LatestPrices(pctx, symbols)
		cancel()
		if err != nil {
			e.logger.WithError(err).Warn("Price fetch failed, positions keep their last price")
			prices = nil
		}
		report.Repriced, err = e.positions.UpdatePositionPrices(ctx, prices)
		if err != nil {
			errs = append(errs, err)
		}
	}

	if err := e.evaluateBreaker(ctx, e.now()); err != nil {
		errs = append(errs, fmt.Errorf("evaluate breaker: %w", err))
	}
	report.Breaker = e.gate.Breaker().State()

	closed, err := e.positions.AutoCloseTriggeredPositions(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("auto close: %w", err))
	}
	for i := range closed {
		e.notify(ctx, notify.PositionClosed(&closed[i]))
	}
	report.Closed = append(report.Closed, closed...)

	report.Metrics = e.positions.CalculatePortfolioMetrics()
	e.logger.WithFields(logrus.Fields{
		"positions":      report.Metrics.PositionCount,
		"exposure":       report.Metrics.TotalExposure.StringFixed(2),
		"unrealized_pnl": report.Metrics.TotalUnrealizedPnL.StringFixed(2),
		"stale":          report.Metrics.StaleCount,
		"orders_updated": report.OrdersUpdated,
		"closed":         len(report.Closed),
		"breaker":        report.Breaker,
	}).Info("Positions refreshed")

	return report, errors.Join(errs...)
}

func (e *Engine) openLateFill(ctx context.Context, order *model.Order) (*model.Position, error) {
	unlock := e.locks.Lock(order.Symbol)
	defer unlock()
	if existing, ok := e.positions.Get(order.Symbol); ok {
		if existing.EntryOrderID != order.ID {
			return nil, e.flattenStrayFill(ctx, order)
		}
		return nil, nil
	}
	e.logger.WithFields(logrus.Fields{
		"symbol":   order.Symbol,
		"order_id": order.ID,
	}).Info("Entry filled after submission, opening position")
	return e.openFromEntry(ctx, order)
}

// flattenStrayFill sells back an entry fill for a symbol that already has a
// position, so the broker holds no more than the book tracks.
func (e *Engine) flattenStrayFill(ctx context.Context, order *model.Order) error {
	log := e.logger.WithFields(logrus.Fields{
		"symbol":   order.Symbol,
		"order_id": order.ID,
		"qty":      order.FilledQuantity.String(),
	})
	log.Warn("Entry filled for a symbol that already has a position, flattening the extra fill")

	opts := position.OptionsFromOrder(order)
	stray := &model.Position{
		Symbol:            order.Symbol,
		Side:              model.PositionSideFor(order.Side),
		Quantity:          order.FilledQuantity,
		SignalID:          order.SignalID,
		EntryOrderID:      order.ID,
		StopLossOrderID:   opts.StopLossOrderID,
		TakeProfitOrderID: opts.TakeProfitOrderID,
	}
	if order.AvgFillPrice != nil {
		stray.EntryPrice = *order.AvgFillPrice
		stray.CurrentPrice = *order.AvgFillPrice
	}

	exit, err := e.exec.SubmitExit(ctx, stray, model.CloseReasonRiskOverride)
	if err != nil {
		e.capture(ctx, "flattenStrayFill", err, map[string]interface{}{
			"order_id": order.ID,
			"symbol":   order.Symbol,
		})
		return fmt.Errorf("flatten extra fill %s: %w", order.ID, err)
	}
	log.WithFields(logrus.Fields{
		"exit_id": exit.ID,
		"status":  exit.Status,
	}).Info("Extra fill exit submitted")
	return nil
}

// evaluateBreaker rolls the loss budget on a new trading day and feeds the
// day's P&L to the breaker.
func (e *Engine) evaluateBreaker(ctx context.Context, now time.Time) error {
	breaker := e.gate.Breaker()
	if breaker.Day() != risk.TradingDay(now) {
		account, err := e.broker.GetAccount(ctx)
		if err != nil {
			return fmt.Errorf("get account: %w", err)
		}
		breaker.Roll(now, dayStartEquity(account))
	}

	realized, err := e.positions.RealizedPnLSince(ctx, risk.DayStart(now))
	if err != nil {
		return err
	}
	before := breaker.State()
	after := breaker.Evaluate(realized, e.positions.UnrealizedPnL())
	if before != risk.BreakerOpen && after == risk.BreakerOpen {
		st := breaker.Status()
		e.notify(ctx, notify.Event{
			Type:   notify.EventBreakerTripped,
			Reason: fmt.Sprintf("daily loss %s reached limit %s", st.DailyLoss.StringFixed(2), st.LossLimit.StringFixed(2)),
			At:     now.UTC(),
		})
	}
	return nil
}

// Run drives the engine until ctx is cancelled: a refresh sweep on every
// tick and a bounded pool of workers for incoming signals. The sweep runs on
// its own goroutine, so busy workers never delay it. A nil or closed signal
// channel leaves only the sweeps.
func (e *Engine) Run(ctx context.Context, signals <-chan model.TradingSignal) error {
	var g errgroup.Group
	g.Go(func() error {
		e.sweep(ctx)
		return nil
	})
	g.Go(func() error {
		e.consume(ctx, signals)
		return nil
	})
	err := g.Wait()
	e.logger.Info("Trading engine stopped")
	return err
}

func (e *Engine) sweep(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.RefreshInterval)
	defer ticker.Stop()

	e.refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.refresh(ctx)
		}
	}
}

// consume hands signals to at most SignalWorkers concurrent handlers and
// waits for them before returning.
func (e *Engine) consume(ctx context.Context, signals <-chan model.TradingSignal) {
	var workers errgroup.Group
	defer func() { _ = workers.Wait() }()
	slots := make(chan struct{}, e.cfg.SignalWorkers)

	for {
		select {
		case <-ctx.Done():
			return
		case signal, ok := <-signals:
			if !ok {
				e.logger.Warn("Signal channel closed, continuing with refresh sweeps only")
				return
			}
			select {
			case slots <- struct{}{}:
			case <-ctx.Done():
				e.logger.WithField("signal_id", signal.ID).Warn("Signal dropped on shutdown")
				return
			}
			workers.Go(func() error {
				defer func() { <-slots }()
				out := e.HandleSignal(ctx, signal)
				e.logger.WithFields(logrus.Fields{
					"signal_id": out.SignalID,
					"symbol":    out.Symbol,
					"outcome":   out.Action,
					"error":     out.Error,
				}).Info("Signal handled")
				return nil
			})
		}
	}
}

func (e *Engine) refresh(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			e.capture(ctx, "RefreshPositions", fmt.Errorf("panic in refresh: %v", r), nil)
		}
	}()
	if _, err := e.RefreshPositions(ctx); err != nil && ctx.Err() == nil {
		e.logger.WithError(err).Error("Refresh sweep had errors")
	}
}

// ResetBreaker is the operator override for the circuit breaker.
func (e *Engine) ResetBreaker(ctx context.Context) (risk.BreakerStatus, error) {
	account, err := e.broker.GetAccount(ctx)
	if err != nil {
		return risk.BreakerStatus{}, fmt.Errorf("get account: %w", err)
	}
	e.gate.Breaker().Reset(account.Equity)
	return e.gate.Breaker().Status(), nil
}

func (e *Engine) BreakerStatus() risk.BreakerStatus {
	return e.gate.Breaker().Status()
}

func (e *Engine) Positions() []model.Position {
	return e.positions.Positions()
}

func (e *Engine) Metrics() model.PortfolioMetrics {
	return e.positions.CalculatePortfolioMetrics()
}

func (e *Engine) PerformanceStats(ctx context.Context, filter repository.ClosedPositionFilter) (model.PerformanceStats, error) {
	return e.positions.GetPerformanceStats(ctx, filter)
}

func (e *Engine) ExecutionStats(ctx context.Context) (executor.ExecutionStats, error) {
	return e.exec.GetExecutionStats(ctx)
}

func (e *Engine) notify(ctx context.Context, ev notify.Event) {
	if e.notifier == nil {
		return
	}
	_ = e.notifier.Notify(ctx, ev)
}

func (e *Engine) capture(ctx context.Context, method string, err error, data map[string]interface{}) {
	Capture(ctx, e.exceptions, e.cfg.ServiceName, "engine", method, "error", err, data)
}
