package mapper

import (
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"github.com/Amenzel91/catalyst-bot-sub000/src/model"
)

// MapAlpacaStatus normalizes an Alpaca order status into the system lifecycle.
func MapAlpacaStatus(status string) model.OrderStatus {
	switch strings.ToLower(status) {
	case "filled":
		return model.OrderStatusFilled
	case "partially_filled":
		return model.OrderStatusPartiallyFilled
	case "canceled", "cancelled", "replaced":
		return model.OrderStatusCancelled
	case "expired":
		return model.OrderStatusExpired
	case "rejected":
		return model.OrderStatusRejected
	case "new", "accepted", "pending_new", "accepted_for_bidding", "held", "calculated",
		"pending_cancel", "pending_replace", "done_for_day", "stopped", "suspended":
		return model.OrderStatusSubmitted
	default:
		logger.WithField("alpaca_status", status).Warn("Unknown Alpaca order status, treating as submitted")
		return model.OrderStatusSubmitted
	}
}

// MapAlpacaOrder converts an Alpaca order into the normalized model. The
// system id is the client order id the order was placed with.
func MapAlpacaOrder(o *alpaca.Order) *model.Order {
	if o == nil {
		logger.WithField("mapper", "MapAlpacaOrder").Error("Nil Alpaca order received")
		return nil
	}

	qty := decimal.Zero
	if o.Qty != nil {
		qty = *o.Qty
	}

	out := &model.Order{
		ID:             o.ClientOrderID,
		BrokerOrderID:  o.ID,
		Symbol:         o.Symbol,
		Side:           model.OrderSide(strings.ToLower(string(o.Side))),
		Type:           model.OrderType(strings.ToLower(string(o.Type))),
		TimeInForce:    model.TimeInForce(strings.ToLower(string(o.TimeInForce))),
		Quantity:       qty,
		FilledQuantity: o.FilledQty,
		LimitPrice:     o.LimitPrice,
		StopPrice:      o.StopPrice,
		AvgFillPrice:   o.FilledAvgPrice,
		Status:         MapAlpacaStatus(o.Status),
		FilledAt:       o.FilledAt,
		CancelledAt:    o.CanceledAt,
		CreatedAt:      o.CreatedAt,
		UpdatedAt:      o.UpdatedAt,
	}
	if !o.SubmittedAt.IsZero() {
		submitted := o.SubmittedAt
		out.SubmittedAt = &submitted
	}
	if o.ExpiredAt != nil && out.Status == model.OrderStatusExpired {
		out.CancelledAt = o.ExpiredAt
	}
	return out
}

// MapAlpacaBracket splits a bracket order and its legs. Legs are keyed on the
// entry id so they can be reconciled without Alpaca client ids.
func MapAlpacaBracket(o *alpaca.Order) *model.BracketOrder {
	entry := MapAlpacaOrder(o)
	if entry == nil {
		return nil
	}
	entry.Role = model.OrderRoleEntry

	bracket := &model.BracketOrder{Entry: entry}
	for i := range o.Legs {
		leg := MapAlpacaOrder(&o.Legs[i])
		leg.ParentID = entry.ID
		switch leg.Type {
		case model.OrderTypeLimit:
			leg.Role = model.OrderRoleTakeProfit
			leg.ID = entry.ID + "-tp"
			bracket.TakeProfit = leg
		default:
			leg.Role = model.OrderRoleStopLoss
			leg.ID = entry.ID + "-sl"
			bracket.StopLoss = leg
		}
	}
	return bracket
}

// MapAlpacaAccount converts the Alpaca account snapshot.
func MapAlpacaAccount(a *alpaca.Account) *model.Account {
	if a == nil {
		return nil
	}
	status := model.AccountStatusActive
	switch {
	case strings.EqualFold(a.Status, "ACCOUNT_CLOSED"):
		status = model.AccountStatusClosed
	case !strings.EqualFold(a.Status, "ACTIVE"), a.TradingBlocked, a.AccountBlocked:
		status = model.AccountStatusRestricted
	}
	return &model.Account{
		Cash:           a.Cash,
		BuyingPower:    a.BuyingPower,
		Equity:         a.Equity,
		PortfolioValue: a.PortfolioValue,
		LastEquity:     a.LastEquity,
		Status:         status,
	}
}

// MapAlpacaPosition converts a broker position. Alpaca reports short size as a
// negative quantity; the model keeps quantity positive and the side explicit.
func MapAlpacaPosition(p *alpaca.Position, now time.Time) *model.Position {
	if p == nil {
		return nil
	}
	side := model.PositionSideLong
	if strings.EqualFold(p.Side, "short") || p.Qty.IsNegative() {
		side = model.PositionSideShort
	}
	pos := &model.Position{
		Symbol:         p.Symbol,
		Side:           side,
		Quantity:       p.Qty.Abs(),
		EntryPrice:     p.AvgEntryPrice,
		CostBasis:      p.CostBasis.Abs(),
		State:          model.PositionStateOpen,
		PriceUpdatedAt: now,
	}
	if p.CurrentPrice != nil {
		pos.CurrentPrice = *p.CurrentPrice
	}
	if p.MarketValue != nil {
		pos.MarketValue = p.MarketValue.Abs()
	}
	if p.UnrealizedPL != nil {
		pos.UnrealizedPnL = *p.UnrealizedPL
	}
	if p.UnrealizedPLPC != nil {
		pos.UnrealizedPnLPct = *p.UnrealizedPLPC
	}
	return pos
}

func ToAlpacaSide(s model.OrderSide) alpaca.Side {
	if s == model.OrderSideSell {
		return alpaca.Sell
	}
	return alpaca.Buy
}

func ToAlpacaType(t model.OrderType) alpaca.OrderType {
	switch t {
	case model.OrderTypeLimit:
		return alpaca.Limit
	case model.OrderTypeStop:
		return alpaca.Stop
	case model.OrderTypeStopLimit:
		return alpaca.StopLimit
	case model.OrderTypeTrailingStop:
		return alpaca.TrailingStop
	default:
		return alpaca.Market
	}
}

func ToAlpacaTimeInForce(tif model.TimeInForce) alpaca.TimeInForce {
	switch tif {
	case model.TimeInForceGTC:
		return alpaca.GTC
	case model.TimeInForceIOC:
		return alpaca.IOC
	case model.TimeInForceFOK:
		return alpaca.FOK
	default:
		return alpaca.Day
	}
}
