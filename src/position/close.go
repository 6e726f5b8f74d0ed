package position

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Amenzel91/catalyst-bot-sub000/src/executor"
	"github.com/Amenzel91/catalyst-bot-sub000/src/model"
	"github.com/Amenzel91/catalyst-bot-sub000/src/tp_sl"
)

// AutoCloseTriggeredPositions closes every position whose stop or target was
// reached at the last price. A price through both closes as a stop loss.
// Symbols close concurrently; stale and already closing positions are skipped.
func (m *Manager) AutoCloseTriggeredPositions(ctx context.Context) ([]model.ClosedPosition, error) {
	type trigger struct {
		symbol string
		reason model.CloseReason
	}
	var triggers []trigger
	for _, p := range m.Positions() {
		if p.Stale || p.State == model.PositionStateClosing {
			continue
		}
		if reason, ok := tp_sl.Evaluate(&p); ok {
			triggers = append(triggers, trigger{symbol: p.Symbol, reason: reason})
		}
	}
	if len(triggers) == 0 {
		return nil, nil
	}

	var (
		mu     sync.Mutex
		closed []model.ClosedPosition
		errs   []error
	)
	var g errgroup.Group
	g.SetLimit(m.cfg.CloseConcurrency)
	for _, t := range triggers {
		t := t
		g.Go(func() error {
			m.logger.WithFields(logrus.Fields{
				"symbol": t.symbol,
				"reason": t.reason,
			}).Info("Exit level reached, closing position")

			c, err := m.ClosePosition(ctx, t.symbol, t.reason)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				closed = append(closed, *c)
			case errors.Is(err, ErrExitPending), errors.Is(err, ErrCloseInProgress), errors.Is(err, ErrNoPosition):
			default:
				errs = append(errs, fmt.Errorf("%s: %w", t.symbol, err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return closed, errors.Join(errs...)
}

// ClosePosition flattens the position in symbol with an exit order. When the
// exit fills the closed record is returned; when it is still working the
// position stays closing and ErrExitPending is returned. If the broker holds
// nothing the position is closed locally at its last price. A failed exit
// puts the position back to monitoring.
// The symbol lock is released while the exit is submitted; the closing state
// keeps a second close out.
func (m *Manager) ClosePosition(ctx context.Context, symbol string, reason model.CloseReason) (*model.ClosedPosition, error) {
	pos, err := m.beginClose(ctx, symbol)
	if err != nil {
		return nil, err
	}
	log := m.logger.WithFields(logrus.Fields{
		"symbol": symbol,
		"reason": reason,
	})

	m.mu.RLock()
	exits := m.exits
	m.mu.RUnlock()

	exit, err := exits.SubmitExit(ctx, pos, reason)

	unlock := m.locks.Lock(symbol)
	defer unlock()

	current, ok := m.Get(symbol)
	if !ok || current.ID != pos.ID || current.State != model.PositionStateClosing {
		log.Info("Position settled while the exit was in flight")
		return nil, fmt.Errorf("%w: %s", ErrCloseInProgress, symbol)
	}
	pos = current

	if err != nil {
		if errors.Is(err, executor.ErrPositionFlat) {
			log.Warn("Broker position already flat, closing at last price")
			return m.finalize(ctx, pos, nil, pos.CurrentPrice, pos.Quantity, reason)
		}
		m.revert(ctx, pos)
		return nil, fmt.Errorf("submit exit: %w", err)
	}

	switch {
	case exit.HasFill() && exit.Status.IsTerminal():
		return m.finalize(ctx, pos, exit, fillPrice(exit, pos), exit.FilledQuantity, reason)
	case exit.Status.IsTerminal():
		m.revert(ctx, pos)
		log.WithField("status", exit.Status).Warn("Exit order ended without a fill")
		return nil, fmt.Errorf("%w: %s %s", ErrCloseRejected, exit.Status, exit.Reason)
	default:
		pos.ClosingOrderID = exit.ID
		if err := m.store.Upsert(ctx, pos); err != nil {
			log.WithError(err).Error("Failed to persist closing order id")
		}
		m.put(pos)
		log.WithField("order_id", exit.ID).Info("Exit order working")
		return nil, ErrExitPending
	}
}

// beginClose moves the position to closing under the symbol lock.
func (m *Manager) beginClose(ctx context.Context, symbol string) (*model.Position, error) {
	unlock := m.locks.Lock(symbol)
	defer unlock()

	pos, ok := m.Get(symbol)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoPosition, symbol)
	}
	if pos.State == model.PositionStateClosing {
		return nil, fmt.Errorf("%w: %s", ErrCloseInProgress, symbol)
	}
	pos.State = model.PositionStateClosing
	if err := m.store.Upsert(ctx, pos); err != nil {
		return nil, fmt.Errorf("persist closing state: %w", err)
	}
	m.put(pos)
	return pos, nil
}

func (m *Manager) revert(ctx context.Context, pos *model.Position) {
	pos.State = model.PositionStateMonitoring
	pos.ClosingOrderID = ""
	if err := m.store.Upsert(ctx, pos); err != nil {
		m.logger.WithError(err).WithField("symbol", pos.Symbol).Error("Failed to restore position state")
	}
	m.put(pos)
}

// HandleExitFill applies a terminal exit order observed by reconciliation:
// a bracket leg, or an exit submitted by ClosePosition. A filled bracket
// leg cancels its sibling. Orders that do not belong to an open position are
// ignored and return (nil, nil).
func (m *Manager) HandleExitFill(ctx context.Context, order *model.Order) (*model.ClosedPosition, error) {
	if order == nil || !order.Status.IsTerminal() {
		return nil, nil
	}
	unlock := m.locks.Lock(order.Symbol)
	defer unlock()

	pos, ok := m.Get(order.Symbol)
	if !ok || !belongsTo(pos, order) {
		return nil, nil
	}
	log := m.logger.WithFields(logrus.Fields{
		"symbol":   order.Symbol,
		"order_id": order.ID,
		"role":     order.Role,
	})

	if !order.HasFill() {
		if order.ID == pos.ClosingOrderID {
			log.WithField("status", order.Status).Warn("Exit order ended without a fill, position back to monitoring")
			m.revert(ctx, pos)
		}
		return nil, nil
	}

	var reason model.CloseReason
	switch order.Role {
	case model.OrderRoleStopLoss:
		reason = model.CloseReasonStopLoss
	case model.OrderRoleTakeProfit:
		reason = model.CloseReasonTakeProfit
	default:
		reason = model.CloseReason(order.Metadata[model.MetaCloseReason])
		if reason == "" {
			reason = model.CloseReasonManual
		}
	}

	if sibling := siblingOf(pos, order); sibling != "" {
		m.mu.RLock()
		exits := m.exits
		m.mu.RUnlock()
		if _, err := exits.CancelOrder(ctx, sibling); err != nil {
			log.WithError(err).WithField("sibling", sibling).Warn("Failed to cancel sibling leg")
		}
	}

	log.WithField("reason", reason).Info("Exit filled at broker")
	return m.finalize(ctx, pos, order, fillPrice(order, pos), order.FilledQuantity, reason)
}

func belongsTo(p *model.Position, o *model.Order) bool {
	if o.Side != p.Side.ExitSide() {
		return false
	}
	switch o.ID {
	case p.StopLossOrderID, p.TakeProfitOrderID, p.ClosingOrderID:
		return o.ID != ""
	}
	return o.Role == model.OrderRoleExit && o.ParentID != "" && o.ParentID == p.EntryOrderID
}

func siblingOf(p *model.Position, o *model.Order) string {
	switch o.ID {
	case p.StopLossOrderID:
		return p.TakeProfitOrderID
	case p.TakeProfitOrderID:
		return p.StopLossOrderID
	}
	return ""
}

func fillPrice(o *model.Order, p *model.Position) decimal.Decimal {
	if o.AvgFillPrice != nil && o.AvgFillPrice.IsPositive() {
		return *o.AvgFillPrice
	}
	return p.CurrentPrice
}

// finalize records qty of pos as closed at price. Selling less than the
// whole position leaves the remainder open and monitoring. The caller holds
// the symbol lock.
func (m *Manager) finalize(ctx context.Context, pos *model.Position, exit *model.Order, price, qty decimal.Decimal, reason model.CloseReason) (*model.ClosedPosition, error) {
	now := m.now().UTC()
	closedAt := now
	exitID := ""
	if exit != nil {
		exitID = exit.ID
		if exit.FilledAt != nil {
			closedAt = exit.FilledAt.UTC()
		}
	}
	if qty.GreaterThan(pos.Quantity) || !qty.IsPositive() {
		qty = pos.Quantity
	}

	fees := m.fee.Mul(qty).Mul(decimal.NewFromInt(2))
	cost := qty.Mul(pos.EntryPrice)
	pnl := tp_sl.UnrealizedPnL(pos.Side, pos.EntryPrice, price, qty).Sub(fees)
	closed := &model.ClosedPosition{
		ID:             pos.ID,
		Symbol:         pos.Symbol,
		Side:           pos.Side,
		Quantity:       qty,
		EntryPrice:     pos.EntryPrice,
		ExitPrice:      price,
		CostBasis:      cost,
		RealizedPnL:    pnl,
		RealizedPnLPct: tp_sl.PnLPct(pnl, cost),
		Fees:           fees,
		HoldDuration:   closedAt.Sub(pos.OpenedAt),
		Reason:         reason,
		OpenedAt:       pos.OpenedAt,
		ClosedAt:       closedAt,
		SignalID:       pos.SignalID,
		Strategy:       pos.Strategy,
		EntryOrderID:   pos.EntryOrderID,
		ExitOrderID:    exitID,
	}

	log := m.logger.WithFields(logrus.Fields{
		"symbol": pos.Symbol,
		"reason": reason,
		"qty":    qty.String(),
		"exit":   price.String(),
		"pnl":    pnl.StringFixed(2),
	})

	if qty.LessThan(pos.Quantity) {
		closed.ID = m.newID()
		remaining := *pos
		remaining.Quantity = pos.Quantity.Sub(qty)
		remaining.CostBasis = remaining.Quantity.Mul(remaining.EntryPrice)
		remaining.State = model.PositionStateMonitoring
		remaining.ClosingOrderID = ""
		revalue(&remaining, price, now)
		if err := m.store.PartialClose(ctx, &remaining, closed); err != nil {
			return nil, fmt.Errorf("record partial close: %w", err)
		}
		m.put(&remaining)
		log.WithField("remaining", remaining.Quantity.String()).Warn("Position partially closed")
		return closed, nil
	}

	if err := m.store.Close(ctx, pos.ID, closed); err != nil {
		return nil, fmt.Errorf("record close: %w", err)
	}
	m.remove(pos.Symbol)
	log.Info("Position closed")
	return closed, nil
}
