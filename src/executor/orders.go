package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/Amenzel91/catalyst-bot-sub000/src/broker"
	"github.com/Amenzel91/catalyst-bot-sub000/src/model"
)

const notAcknowledgedReason = "not acknowledged by broker"

// RefreshOrder pulls the broker's view of one order and stores it. Terminal
// orders are returned without a broker call.
func (e *Executor) RefreshOrder(ctx context.Context, orderID string) (*model.Order, error) {
	local, err := e.orders.FindByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if local == nil {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if local.Status.IsTerminal() {
		return local, nil
	}
	return e.refresh(ctx, local)
}

func (e *Executor) refresh(ctx context.Context, local *model.Order) (*model.Order, error) {
	var (
		remote *model.Order
		err    error
	)
	if local.BrokerOrderID != "" {
		remote, err = e.broker.GetOrder(ctx, local.BrokerOrderID)
	} else {
		remote, err = e.broker.GetOrderByClientID(ctx, local.ID)
	}

	if err != nil {
		if isNotFound(err) {
			return e.handleUnknown(ctx, local)
		}
		return local, fmt.Errorf("refresh order %s: %w", local.ID, err)
	}
	return e.apply(ctx, local.ID, remote)
}

// handleUnknown decides what to do with an order the broker has no record of.
// Entries and exits older than PendingGrace are rejected. Bracket legs are
// cancelled once their entry ended without a fill; otherwise they are left
// alone since some brokers assign legs their own client ids.
func (e *Executor) handleUnknown(ctx context.Context, local *model.Order) (*model.Order, error) {
	log := e.logger.WithFields(logrus.Fields{
		"order_id": local.ID,
		"symbol":   local.Symbol,
		"role":     local.Role,
	})

	if local.ParentID != "" && (local.Role == model.OrderRoleStopLoss || local.Role == model.OrderRoleTakeProfit) {
		parent, err := e.orders.FindByID(ctx, local.ParentID)
		if err != nil {
			return local, err
		}
		if parent != nil && parent.Status.IsTerminal() && !parent.HasFill() {
			now := e.now().UTC()
			updated, _, err := e.orders.ApplyUpdate(ctx, local.ID, model.OrderUpdate{
				Status:      model.OrderStatusCancelled,
				Reason:      "entry not filled",
				CancelledAt: &now,
			})
			return updated, err
		}
		log.Debug("Bracket leg not found by client id, keeping it open")
		return local, nil
	}

	if e.now().Sub(local.CreatedAt) < e.cfg.PendingGrace {
		log.Debug("Order not yet visible at broker")
		return local, nil
	}
	log.Warn("Order never reached the broker, marking rejected")
	return e.orders.MarkRejected(ctx, local.ID, notAcknowledgedReason)
}

// WaitForFill polls until the order is terminal or timeout elapses. On
// timeout it cancels the order and re-reads it, since a fill may have raced
// the cancel.
func (e *Executor) WaitForFill(ctx context.Context, orderID string, timeout time.Duration) (*model.Order, error) {
	interval := e.cfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		order, err := e.RefreshOrder(ctx, orderID)
		if err != nil && !broker.IsRetryable(err) {
			return order, err
		}
		if order != nil && order.Status.IsTerminal() {
			return order, nil
		}

		select {
		case <-ctx.Done():
			return order, ctx.Err()
		case <-deadline.C:
			e.logger.WithFields(logrus.Fields{
				"order_id": orderID,
				"timeout":  timeout.String(),
			}).Warn("Fill timeout, cancelling order")
			if _, err := e.CancelOrder(ctx, orderID); err != nil {
				e.logger.WithError(err).WithField("order_id", orderID).Warn("Cancel after fill timeout failed")
			}
			return e.RefreshOrder(ctx, orderID)
		case <-ticker.C:
		}
	}
}

// CancelOrder cancels a working order at the broker and stores the result.
func (e *Executor) CancelOrder(ctx context.Context, orderID string) (*model.Order, error) {
	local, err := e.orders.FindByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if local == nil {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if local.Status.IsTerminal() {
		return local, nil
	}

	brokerID := local.BrokerOrderID
	if brokerID == "" {
		remote, err := e.broker.GetOrderByClientID(ctx, local.ID)
		switch {
		case err == nil:
			brokerID = remote.BrokerOrderID
		case isNotFound(err):
			now := e.now().UTC()
			updated, _, err := e.orders.ApplyUpdate(ctx, local.ID, model.OrderUpdate{
				Status:      model.OrderStatusCancelled,
				Reason:      "cancelled before reaching broker",
				CancelledAt: &now,
			})
			return updated, err
		default:
			return local, fmt.Errorf("resolve order %s: %w", orderID, err)
		}
	}

	remote, err := e.broker.CancelOrder(ctx, brokerID)
	if err != nil {
		if isNotFound(err) {
			return e.handleUnknown(ctx, local)
		}
		return local, fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	return e.apply(ctx, local.ID, remote)
}

// MonitorPendingOrders reconciles every locally open order with the broker
// and returns the orders whose state changed. It never resubmits.
func (e *Executor) MonitorPendingOrders(ctx context.Context) ([]model.Order, error) {
	open, err := e.orders.FindOpen(ctx)
	if err != nil {
		return nil, err
	}
	if len(open) == 0 {
		return nil, nil
	}

	byBrokerID := map[string]*model.Order{}
	byClientID := map[string]*model.Order{}
	remote, err := e.broker.ListOrders(ctx, broker.OrderFilter{
		Status: broker.OrderFilterAll,
		After:  open[0].CreatedAt.Add(-time.Minute),
		Limit:  500,
	})
	if err != nil {
		e.logger.WithError(err).Warn("Listing broker orders failed, falling back to per-order lookups")
	}
	for i := range remote {
		o := &remote[i]
		if o.BrokerOrderID != "" {
			byBrokerID[o.BrokerOrderID] = o
		}
		if o.ID != "" {
			byClientID[o.ID] = o
		}
	}

	var (
		changed []model.Order
		errs    []error
	)
	for i := range open {
		local := &open[i]
		before := local.Status
		beforeFilled := local.FilledQuantity

		var updated *model.Order
		match := byBrokerID[local.BrokerOrderID]
		if match == nil {
			match = byClientID[local.ID]
		}
		if match != nil {
			updated, err = e.apply(ctx, local.ID, match)
		} else {
			updated, err = e.refresh(ctx, local)
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if updated != nil && (updated.Status != before || !updated.FilledQuantity.Equal(beforeFilled)) {
			changed = append(changed, *updated)
		}
	}

	if len(changed) > 0 {
		e.logger.WithField("changed", len(changed)).Info("Reconciled pending orders")
	}
	return changed, errors.Join(errs...)
}

// SubmitExit flattens position with a market order on the opposite side.
// Protective bracket legs are cancelled first. When the broker no longer
// holds the position, ErrPositionFlat is returned and nothing is sent.
func (e *Executor) SubmitExit(ctx context.Context, position *model.Position, reason model.CloseReason) (*model.Order, error) {
	log := e.logger.WithFields(logrus.Fields{
		"symbol": position.Symbol,
		"reason": reason,
	})

	held, err := e.broker.GetPosition(ctx, position.Symbol)
	if err != nil {
		var flat *broker.PositionNotFoundError
		if errors.As(err, &flat) {
			log.Warn("Broker holds no position, nothing to sell")
			return nil, fmt.Errorf("%w: %s", ErrPositionFlat, position.Symbol)
		}
		return nil, fmt.Errorf("get broker position: %w", err)
	}

	for _, legID := range []string{position.StopLossOrderID, position.TakeProfitOrderID} {
		if legID == "" {
			continue
		}
		if _, err := e.CancelOrder(ctx, legID); err != nil {
			log.WithError(err).WithField("order_id", legID).Warn("Failed to cancel bracket leg before exit")
		}
	}

	qty := position.Quantity
	if held.Quantity.IsPositive() && held.Quantity.LessThan(qty) {
		qty = held.Quantity
	}

	exit := &model.Order{
		ID:             e.newID(),
		SignalID:       position.SignalID,
		ParentID:       position.EntryOrderID,
		Role:           model.OrderRoleExit,
		Symbol:         position.Symbol,
		Side:           position.Side.ExitSide(),
		Type:           model.OrderTypeMarket,
		TimeInForce:    model.TimeInForceDay,
		Quantity:       qty,
		ReferencePrice: position.CurrentPrice,
		Status:         model.OrderStatusPending,
	}
	exit.SetMeta(model.MetaCloseReason, string(reason))
	if err := e.orders.CreateWithAutoLog(ctx, exit); err != nil {
		return nil, fmt.Errorf("persist exit order: %w", err)
	}

	remote, err := e.broker.PlaceOrder(ctx, broker.OrderRequest{
		ClientOrderID: exit.ID,
		Symbol:        exit.Symbol,
		Side:          exit.Side,
		Type:          exit.Type,
		Quantity:      exit.Quantity,
		TimeInForce:   exit.TimeInForce,
	})
	if err != nil {
		result := &ExecutionResult{Order: exit}
		return exit, e.submitFailed(ctx, result, err, exit)
	}

	updated, err := e.apply(ctx, exit.ID, remote)
	if err != nil {
		return exit, err
	}
	if !updated.Status.IsTerminal() {
		if filled, err := e.WaitForFill(ctx, updated.ID, e.cfg.FillTimeout); err == nil {
			updated = filled
		} else {
			log.WithError(err).Warn("Exit order not confirmed, left for reconciliation")
		}
	}

	log.WithFields(logrus.Fields{
		"order_id": updated.ID,
		"status":   updated.Status,
		"qty":      qty.String(),
	}).Info("Exit order submitted")
	return updated, nil
}

// ExecutionStats summarizes entry orders.
type ExecutionStats struct {
	Total          int64           `json:"total"`
	Pending        int64           `json:"pending"`
	Working        int64           `json:"working"`
	Filled         int64           `json:"filled"`
	Cancelled      int64           `json:"cancelled"`
	Rejected       int64           `json:"rejected"`
	Expired        int64           `json:"expired"`
	FillRate       decimal.Decimal `json:"fill_rate"`
	AvgSlippageBps decimal.Decimal `json:"avg_slippage_bps"`
}

// GetExecutionStats counts entry orders by outcome. Fill rate is filled over
// finished orders; slippage is signed so positive means a worse price than
// the reference.
func (e *Executor) GetExecutionStats(ctx context.Context) (ExecutionStats, error) {
	var stats ExecutionStats
	counts, err := e.orders.CountByStatus(ctx, time.Time{})
	if err != nil {
		return stats, err
	}
	for status, n := range counts {
		stats.Total += n
		switch status {
		case model.OrderStatusPending:
			stats.Pending += n
		case model.OrderStatusSubmitted, model.OrderStatusPartiallyFilled:
			stats.Working += n
		case model.OrderStatusFilled:
			stats.Filled += n
		case model.OrderStatusCancelled:
			stats.Cancelled += n
		case model.OrderStatusRejected:
			stats.Rejected += n
		case model.OrderStatusExpired:
			stats.Expired += n
		}
	}
	finished := stats.Filled + stats.Cancelled + stats.Rejected + stats.Expired
	if finished > 0 {
		stats.FillRate = decimal.NewFromInt(stats.Filled).Div(decimal.NewFromInt(finished)).Round(4)
	}

	filled, err := e.orders.FindFilledEntries(ctx, time.Time{})
	if err != nil {
		return stats, err
	}
	total := decimal.Zero
	n := int64(0)
	for i := range filled {
		if bps, ok := SlippageBps(&filled[i]); ok {
			total = total.Add(bps)
			n++
		}
	}
	if n > 0 {
		stats.AvgSlippageBps = total.Div(decimal.NewFromInt(n)).Round(2)
	}
	return stats, nil
}

// SlippageBps is the adverse distance between the fill and the reference
// price in basis points: positive when a buy filled higher or a sell lower.
func SlippageBps(o *model.Order) (decimal.Decimal, bool) {
	if o.AvgFillPrice == nil || !o.ReferencePrice.IsPositive() {
		return decimal.Zero, false
	}
	diff := o.AvgFillPrice.Sub(o.ReferencePrice)
	if o.Side == model.OrderSideSell {
		diff = diff.Neg()
	}
	return diff.Div(o.ReferencePrice).Mul(decimal.NewFromInt(10000)), true
}
