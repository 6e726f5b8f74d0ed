package executor

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/Amenzel91/catalyst-bot-sub000/src/broker"
	"github.com/Amenzel91/catalyst-bot-sub000/src/model"
	"github.com/Amenzel91/catalyst-bot-sub000/src/repository"
	"github.com/Amenzel91/catalyst-bot-sub000/src/risk"
	"github.com/Amenzel91/catalyst-bot-sub000/src/tp_sl"
)

// OrderStore is the order persistence the executor needs.
type OrderStore interface {
	CreateWithAutoLog(ctx context.Context, orders ...*model.Order) error
	FindByID(ctx context.Context, id string) (*model.Order, error)
	FindBySignalID(ctx context.Context, signalID string, role model.OrderRole) (*model.Order, error)
	FindOpenEntry(ctx context.Context, symbol string) (*model.Order, error)
	FindByParentID(ctx context.Context, parentID string) ([]model.Order, error)
	FindOpen(ctx context.Context) ([]model.Order, error)
	ApplyUpdate(ctx context.Context, id string, upd model.OrderUpdate) (*model.Order, bool, error)
	MarkRejected(ctx context.Context, id, reason string) (*model.Order, error)
	CountByStatus(ctx context.Context, since time.Time) (map[model.OrderStatus]int64, error)
	FindFilledEntries(ctx context.Context, since time.Time) ([]model.Order, error)
}

var _ OrderStore = (*repository.OrderRepository)(nil)

// PositionBook is the executor's read-only view of the open book.
type PositionBook interface {
	Get(symbol string) (*model.Position, bool)
	TotalExposure() decimal.Decimal
}

// RiskChecker runs pre-trade checks.
type RiskChecker interface {
	Precheck(ctx context.Context) error
	Check(ctx context.Context, p risk.TradeProposal) error
}

type ExecutionStatus string

const (
	StatusFilled    ExecutionStatus = "filled"
	StatusSubmitted ExecutionStatus = "submitted"
	StatusPending   ExecutionStatus = "pending"
	StatusRejected  ExecutionStatus = "rejected"
	StatusCancelled ExecutionStatus = "cancelled"
	StatusNoTrade   ExecutionStatus = "no_trade"
	StatusDuplicate ExecutionStatus = "duplicate"
)

// ExecutionResult describes what happened to one signal.
type ExecutionResult struct {
	SignalID        string           `json:"signal_id"`
	Symbol          string           `json:"symbol"`
	Status          ExecutionStatus  `json:"status"`
	Order           *model.Order     `json:"order,omitempty"`
	StopLoss        *model.Order     `json:"stop_loss,omitempty"`
	TakeProfit      *model.Order     `json:"take_profit,omitempty"`
	Size            SizeResult       `json:"size"`
	StopLossPrice   *decimal.Decimal `json:"stop_loss_price,omitempty"`
	TakeProfitPrice *decimal.Decimal `json:"take_profit_price,omitempty"`
	Duplicate       bool             `json:"duplicate"`
	Reason          string           `json:"reason,omitempty"`
}

// Filled reports whether the entry executed, fully or partially. A cancelled
// order with a confirmed partial fill counts.
func (r *ExecutionResult) Filled() bool {
	return r != nil && r.Order != nil && r.Order.HasFill() && r.Order.Status.IsTerminal()
}

// Executor turns validated signals into broker orders and keeps the local
// order records in step with the broker.
type Executor struct {
	cfg       Config
	limits    SizingLimits
	sizer     Sizer
	broker    broker.Broker
	orders    OrderStore
	positions PositionBook
	risk      RiskChecker
	logger    *logrus.Entry
	now       func() time.Time
	newID     func() string
}

func NewExecutor(
	cfg Config,
	b broker.Broker,
	orders OrderStore,
	positions PositionBook,
	riskChecker RiskChecker,
	logger *logrus.Entry,
) (*Executor, error) {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	sizer, err := NewSizer(cfg)
	if err != nil {
		return nil, err
	}
	return &Executor{
		cfg:       cfg,
		limits:    cfg.SizingLimits(),
		sizer:     sizer,
		broker:    b,
		orders:    orders,
		positions: positions,
		risk:      riskChecker,
		logger:    logger.WithField("component", "executor"),
		now:       time.Now,
		newID:     uuid.NewString,
	}, nil
}

var symbolPattern = regexp.MustCompile(`^[A-Z][A-Z0-9.\-]{0,9}$`)

// ValidateSignal checks an untrusted signal and the price it will trade at.
func ValidateSignal(signal model.TradingSignal, price decimal.Decimal) error {
	one := decimal.NewFromInt(1)
	switch {
	case !symbolPattern.MatchString(signal.Symbol):
		return &ValidationError{Field: "symbol", Reason: fmt.Sprintf("%q is not a tradable symbol", signal.Symbol)}
	case !signal.Action.Valid():
		return &ValidationError{Field: "action", Reason: fmt.Sprintf("%q is not BUY, SELL or CLOSE", signal.Action)}
	case !price.IsPositive():
		return &ValidationError{Field: "price", Reason: "must be positive"}
	case signal.Confidence.IsNegative() || signal.Confidence.GreaterThan(one):
		return &ValidationError{Field: "confidence", Reason: "must be within [0, 1]"}
	case signal.SuggestedSizePct.IsNegative() || signal.SuggestedSizePct.GreaterThan(one):
		return &ValidationError{Field: "suggested_size_pct", Reason: "must be within [0, 1]"}
	}
	for name, pct := range map[string]*decimal.Decimal{
		"stop_loss_pct":     signal.StopLossPct,
		"take_profit_pct":   signal.TakeProfitPct,
		"trailing_stop_pct": signal.TrailingStopPct,
	} {
		if pct != nil && (!pct.IsPositive() || pct.GreaterThanOrEqual(one)) {
			return &ValidationError{Field: name, Reason: "must be within (0, 1)"}
		}
	}
	return nil
}

// CalculatePositionSize sizes signal with the configured strategy.
func (e *Executor) CalculatePositionSize(signal model.TradingSignal, account *model.Account, price decimal.Decimal, stopPrice *decimal.Decimal) SizeResult {
	return CalculatePositionSize(e.sizer, e.limits, signal, account, price, stopPrice)
}

// ExecuteSignal validates, sizes, risk-checks and submits an entry for signal.
//
// The result is always non-nil. A non-nil error means the signal was not
// executed (validation, duplicate position, risk, broker rejection) or its
// submission outcome is still unknown (ErrSubmissionPending). A NoTrade size
// is not an error.
func (e *Executor) ExecuteSignal(ctx context.Context, signal model.TradingSignal, currentPrice decimal.Decimal) (*ExecutionResult, error) {
	signal.Symbol = strings.ToUpper(strings.TrimSpace(signal.Symbol))
	result := &ExecutionResult{SignalID: signal.ID, Symbol: signal.Symbol, Status: StatusRejected}
	log := e.logger.WithFields(logrus.Fields{
		"signal_id": signal.ID,
		"symbol":    signal.Symbol,
		"action":    signal.Action,
	})

	if err := ValidateSignal(signal, currentPrice); err != nil {
		return e.reject(log, result, err)
	}
	if signal.Action == model.SignalActionClose {
		return e.reject(log, result, &ValidationError{Field: "action", Reason: "CLOSE is not an entry"})
	}

	if signal.ID != "" {
		existing, err := e.orders.FindBySignalID(ctx, signal.ID, model.OrderRoleEntry)
		if err != nil {
			return result, fmt.Errorf("idempotency lookup: %w", err)
		}
		if existing != nil {
			log.WithField("order_id", existing.ID).Info("Signal already executed, returning existing order")
			result.Status = StatusDuplicate
			result.Duplicate = true
			result.Order = existing
			return result, nil
		}
	}

	if e.risk != nil {
		if err := e.risk.Precheck(ctx); err != nil {
			return e.reject(log, result, err)
		}
	}

	if pos, ok := e.positions.Get(signal.Symbol); ok {
		return e.reject(log, result, fmt.Errorf("%w: %s %s %s", ErrDuplicatePosition, pos.Side, pos.Quantity, pos.Symbol))
	}
	working, err := e.orders.FindOpenEntry(ctx, signal.Symbol)
	if err != nil {
		return result, fmt.Errorf("open entry lookup: %w", err)
	}
	if working != nil {
		return e.reject(log, result, fmt.Errorf("%w: entry %s for %s still %s", ErrDuplicatePosition, working.ID, signal.Symbol, working.Status))
	}

	side := model.OrderSideBuy
	if signal.Action == model.SignalActionSell {
		if !e.cfg.AllowShort {
			return e.reject(log, result, ErrShortNotAllowed)
		}
		side = model.OrderSideSell
	}
	posSide := model.PositionSideFor(side)

	account, err := e.broker.GetAccount(ctx)
	if err != nil {
		result.Reason = err.Error()
		log.WithError(err).Error("Failed to fetch account")
		return result, fmt.Errorf("get account: %w", err)
	}
	if !account.IsActive() {
		return e.reject(log, result, fmt.Errorf("%w: status %s", ErrAccountNotTradable, account.Status))
	}

	if signal.StopLossPct != nil {
		stop := tp_sl.StopPriceFor(posSide, currentPrice, *signal.StopLossPct)
		result.StopLossPrice = &stop
	}
	if signal.TakeProfitPct != nil {
		target := tp_sl.TargetPriceFor(posSide, currentPrice, *signal.TakeProfitPct)
		result.TakeProfitPrice = &target
	}

	if result.StopLossPrice != nil && result.TakeProfitPrice != nil {
		ratio := tp_sl.RewardRisk(currentPrice, *result.StopLossPrice, *result.TakeProfitPrice)
		minimum := decimal.NewFromFloat(e.cfg.MinRewardRisk)
		if ratio.LessThan(minimum) {
			return e.reject(log, result, &InsufficientRewardRiskError{Ratio: ratio, Minimum: minimum})
		}
	}

	result.Size = e.CalculatePositionSize(signal, account, currentPrice, result.StopLossPrice)
	if result.Size.NoTrade {
		result.Status = StatusNoTrade
		result.Reason = result.Size.Reason
		log.WithField("reason", result.Size.Reason).Info("No trade: position size is zero")
		return result, nil
	}

	if e.risk != nil {
		err := e.risk.Check(ctx, risk.TradeProposal{
			Symbol:          signal.Symbol,
			Quantity:        result.Size.Quantity,
			Price:           currentPrice,
			Equity:          account.Equity,
			CurrentExposure: e.positions.TotalExposure(),
		})
		if err != nil {
			return e.reject(log, result, err)
		}
	}

	entry := e.newOrder(signal, side, result.Size.Quantity, currentPrice)
	if result.StopLossPrice != nil {
		entry.SetMeta(model.MetaStopLossPrice, result.StopLossPrice.String())
	}
	if result.TakeProfitPrice != nil {
		entry.SetMeta(model.MetaTakeProfitPrice, result.TakeProfitPrice.String())
	}
	if signal.TrailingStopPct != nil {
		entry.SetMeta(model.MetaTrailingStopPct, signal.TrailingStopPct.String())
	}

	bracket := result.StopLossPrice != nil && result.TakeProfitPrice != nil
	if bracket {
		result.StopLoss, result.TakeProfit = e.bracketLegs(entry, *result.StopLossPrice, *result.TakeProfitPrice)
		err = e.orders.CreateWithAutoLog(ctx, entry, result.StopLoss, result.TakeProfit)
	} else {
		err = e.orders.CreateWithAutoLog(ctx, entry)
	}
	if err != nil {
		result.Reason = err.Error()
		log.WithError(err).Error("Failed to persist order before submission")
		return result, fmt.Errorf("persist order: %w", err)
	}
	result.Order = entry

	if bracket {
		err = e.submitBracket(ctx, result)
	} else {
		err = e.submitSingle(ctx, result)
	}
	if err != nil {
		return result, err
	}

	if e.cfg.WaitForFill && !result.Order.Status.IsTerminal() {
		filled, err := e.WaitForFill(ctx, result.Order.ID, e.cfg.FillTimeout)
		if err != nil {
			log.WithError(err).Warn("Waiting for fill failed, order left for reconciliation")
		} else {
			result.Order = filled
		}
	}

	result.Status = statusOf(result.Order)
	if result.Status == StatusRejected || result.Status == StatusCancelled {
		result.Reason = result.Order.Reason
	}
	log.WithFields(logrus.Fields{
		"order_id": result.Order.ID,
		"status":   result.Order.Status,
		"qty":      result.Size.Quantity.String(),
		"filled":   result.Order.FilledQuantity.String(),
		"bracket":  bracket,
	}).Info("Signal executed")
	return result, nil
}

func statusOf(o *model.Order) ExecutionStatus {
	switch {
	case o.HasFill() && o.Status.IsTerminal():
		return StatusFilled
	case o.Status == model.OrderStatusPending:
		return StatusPending
	case o.Status == model.OrderStatusCancelled || o.Status == model.OrderStatusExpired:
		return StatusCancelled
	case o.Status.IsTerminal():
		return StatusRejected
	default:
		return StatusSubmitted
	}
}

func (e *Executor) reject(log *logrus.Entry, result *ExecutionResult, err error) (*ExecutionResult, error) {
	result.Status = StatusRejected
	result.Reason = err.Error()
	log.WithError(err).Warn("Signal rejected")
	return result, err
}

func (e *Executor) newOrder(signal model.TradingSignal, side model.OrderSide, qty, price decimal.Decimal) *model.Order {
	o := &model.Order{
		ID:             e.newID(),
		SignalID:       signal.ID,
		Role:           model.OrderRoleEntry,
		Symbol:         signal.Symbol,
		Side:           side,
		Type:           model.OrderTypeMarket,
		TimeInForce:    model.TimeInForceDay,
		Quantity:       qty,
		ReferencePrice: price,
		Status:         model.OrderStatusPending,
	}
	if signal.Strategy != "" {
		o.SetMeta(model.MetaStrategy, signal.Strategy)
	}
	return o
}

func (e *Executor) bracketLegs(entry *model.Order, stop, target decimal.Decimal) (*model.Order, *model.Order) {
	exitSide := entry.Side.Opposite()
	sl := &model.Order{
		ID:             model.StopLossLegID(entry.ID),
		SignalID:       entry.SignalID,
		ParentID:       entry.ID,
		Role:           model.OrderRoleStopLoss,
		Symbol:         entry.Symbol,
		Side:           exitSide,
		Type:           model.OrderTypeStop,
		TimeInForce:    model.TimeInForceGTC,
		Quantity:       entry.Quantity,
		StopPrice:      &stop,
		ReferencePrice: stop,
		Status:         model.OrderStatusPending,
	}
	tp := &model.Order{
		ID:             model.TakeProfitLegID(entry.ID),
		SignalID:       entry.SignalID,
		ParentID:       entry.ID,
		Role:           model.OrderRoleTakeProfit,
		Symbol:         entry.Symbol,
		Side:           exitSide,
		Type:           model.OrderTypeLimit,
		TimeInForce:    model.TimeInForceGTC,
		Quantity:       entry.Quantity,
		LimitPrice:     &target,
		ReferencePrice: target,
		Status:         model.OrderStatusPending,
	}
	return sl, tp
}

func (e *Executor) submitSingle(ctx context.Context, result *ExecutionResult) error {
	entry := result.Order
	remote, err := e.broker.PlaceOrder(ctx, broker.OrderRequest{
		ClientOrderID: entry.ID,
		Symbol:        entry.Symbol,
		Side:          entry.Side,
		Type:          entry.Type,
		Quantity:      entry.Quantity,
		TimeInForce:   entry.TimeInForce,
	})
	if err != nil {
		return e.submitFailed(ctx, result, err, entry)
	}
	updated, err := e.apply(ctx, entry.ID, remote)
	if err != nil {
		return err
	}
	result.Order = updated
	return nil
}

func (e *Executor) submitBracket(ctx context.Context, result *ExecutionResult) error {
	entry := result.Order
	remote, err := e.broker.PlaceBracketOrder(ctx, broker.BracketRequest{
		ClientOrderID:   entry.ID,
		Symbol:          entry.Symbol,
		Side:            entry.Side,
		Quantity:        entry.Quantity,
		EntryType:       entry.Type,
		StopLossPrice:   *result.StopLoss.StopPrice,
		TakeProfitPrice: *result.TakeProfit.LimitPrice,
		TimeInForce:     model.TimeInForceGTC,
	})
	if err != nil {
		return e.submitFailed(ctx, result, err, entry, result.StopLoss, result.TakeProfit)
	}

	updated, err := e.apply(ctx, entry.ID, remote.Entry)
	if err != nil {
		return err
	}
	result.Order = updated
	if remote.StopLoss != nil {
		if leg, err := e.apply(ctx, result.StopLoss.ID, remote.StopLoss); err == nil {
			result.StopLoss = leg
		}
	}
	if remote.TakeProfit != nil {
		if leg, err := e.apply(ctx, result.TakeProfit.ID, remote.TakeProfit); err == nil {
			result.TakeProfit = leg
		}
	}
	return nil
}

// submitFailed finalizes orders the broker refused. When the outcome is
// unknown the orders stay pending for MonitorPendingOrders; they are never
// resubmitted.
func (e *Executor) submitFailed(ctx context.Context, result *ExecutionResult, err error, orders ...*model.Order) error {
	log := e.logger.WithFields(logrus.Fields{
		"order_id": orders[0].ID,
		"symbol":   orders[0].Symbol,
	})
	if broker.IsTerminal(err) {
		reason := broker.RejectReason(err)
		for _, o := range orders {
			if updated, markErr := e.orders.MarkRejected(ctx, o.ID, reason); markErr == nil && updated != nil && o == orders[0] {
				result.Order = updated
			}
		}
		result.Status = StatusRejected
		result.Reason = reason
		log.WithError(err).Warn("Order rejected by broker")
		return fmt.Errorf("submit order: %w", err)
	}

	result.Status = StatusPending
	result.Reason = err.Error()
	log.WithError(err).Error("Order submission failed, outcome unknown; left pending for reconciliation")
	return fmt.Errorf("%w: %w", ErrSubmissionPending, err)
}

// apply copies the broker's view onto the local order.
func (e *Executor) apply(ctx context.Context, id string, remote *model.Order) (*model.Order, error) {
	if remote == nil {
		return e.orders.FindByID(ctx, id)
	}
	updated, _, err := e.orders.ApplyUpdate(ctx, id, model.UpdateFrom(remote))
	if err != nil {
		return nil, fmt.Errorf("update order %s: %w", id, err)
	}
	if updated == nil {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	return updated, nil
}

// isNotFound matches broker answers meaning the order does not exist there.
func isNotFound(err error) bool {
	var nf *broker.OrderNotFoundError
	return errors.As(err, &nf)
}
