package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Opposite returns the side that flattens an exposure opened with s.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

type OrderType string

const (
	OrderTypeMarket       OrderType = "market"
	OrderTypeLimit        OrderType = "limit"
	OrderTypeStop         OrderType = "stop"
	OrderTypeStopLimit    OrderType = "stop_limit"
	OrderTypeTrailingStop OrderType = "trailing_stop"
)

type TimeInForce string

const (
	TimeInForceDay TimeInForce = "day"
	TimeInForceGTC TimeInForce = "gtc"
	TimeInForceIOC TimeInForce = "ioc"
	TimeInForceFOK TimeInForce = "fok"
)

type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusSubmitted       OrderStatus = "submitted"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusExpired         OrderStatus = "expired"
)

// TerminalOrderStatuses lists the states an order never leaves.
var TerminalOrderStatuses = []OrderStatus{
	OrderStatusFilled,
	OrderStatusCancelled,
	OrderStatusRejected,
	OrderStatusExpired,
}

// OpenOrderStatuses lists the states that still need reconciliation with the broker.
var OpenOrderStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusSubmitted,
	OrderStatusPartiallyFilled,
}

func (s OrderStatus) IsTerminal() bool {
	for _, t := range TerminalOrderStatuses {
		if s == t {
			return true
		}
	}
	return false
}

// CanTransition reports whether an order in status s may move to next.
// Terminal states are final; a non-terminal order may move forward or sideways
// (partial fills repeat) but never back to pending.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	if s.IsTerminal() {
		return false
	}
	switch next {
	case OrderStatusPending:
		return false
	case OrderStatusSubmitted:
		return s == OrderStatusPending
	case OrderStatusPartiallyFilled:
		return s == OrderStatusSubmitted || s == OrderStatusPartiallyFilled || s == OrderStatusPending
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired:
		return true
	default:
		return false
	}
}

// OrderRole tells which leg of a trade an order is.
type OrderRole string

const (
	OrderRoleEntry      OrderRole = "entry"
	OrderRoleStopLoss   OrderRole = "stop_loss"
	OrderRoleTakeProfit OrderRole = "take_profit"
	OrderRoleExit       OrderRole = "exit"
)

// Order represents an order this system sends to the broker.
// ID is generated locally and doubles as the broker client order id.
type Order struct {
	ID            string    `gorm:"primaryKey;size:64" json:"id"`
	BrokerOrderID string    `gorm:"size:128;index" json:"broker_order_id,omitempty"`
	SignalID      string    `gorm:"size:128;index" json:"signal_id,omitempty"`
	ParentID      string    `gorm:"size:64;index" json:"parent_id,omitempty"`
	Role          OrderRole `gorm:"size:20;not null;default:entry" json:"role"`

	Symbol      string      `gorm:"size:32;not null;index" json:"symbol"`
	Side        OrderSide   `gorm:"size:10;not null" json:"side"`
	Type        OrderType   `gorm:"size:20;not null" json:"type"`
	TimeInForce TimeInForce `gorm:"size:10;not null;default:day" json:"time_in_force"`

	Quantity       decimal.Decimal  `gorm:"type:numeric(20,8);not null" json:"quantity"`
	FilledQuantity decimal.Decimal  `gorm:"type:numeric(20,8);not null;default:0" json:"filled_quantity"`
	LimitPrice     *decimal.Decimal `gorm:"type:numeric(20,8)" json:"limit_price,omitempty"`
	StopPrice      *decimal.Decimal `gorm:"type:numeric(20,8)" json:"stop_price,omitempty"`
	AvgFillPrice   *decimal.Decimal `gorm:"type:numeric(20,8)" json:"avg_fill_price,omitempty"`
	ReferencePrice decimal.Decimal  `gorm:"type:numeric(20,8);not null;default:0" json:"reference_price"`

	Status OrderStatus `gorm:"size:20;not null;default:pending;index" json:"status"`
	Reason string      `gorm:"size:512" json:"reason,omitempty"`

	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	FilledAt    *time.Time `json:"filled_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`

	Metadata map[string]string `gorm:"serializer:json;type:text" json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Logs []OrderLog `gorm:"foreignKey:OrderID" json:"order_logs,omitempty"`
}

func (Order) TableName() string {
	return "orders"
}

// HasFill reports whether any quantity of the order was executed.
func (o *Order) HasFill() bool {
	return o.FilledQuantity.GreaterThan(decimal.Zero)
}

// Metadata keys the executor records on entry orders so a fill observed later
// can still open the position with its exits.
const (
	MetaStopLossPrice   = "stop_loss_price"
	MetaTakeProfitPrice = "take_profit_price"
	MetaTrailingStopPct = "trailing_stop_pct"
	MetaStrategy        = "strategy"
	MetaCloseReason     = "close_reason"
)

// MetaDecimal parses a decimal stored in Metadata. Missing or malformed
// values return nil.
func (o *Order) MetaDecimal(key string) *decimal.Decimal {
	raw, ok := o.Metadata[key]
	if !ok || raw == "" {
		return nil
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return nil
	}
	return &v
}

// SetMeta stores value under key, allocating Metadata on first use.
func (o *Order) SetMeta(key, value string) {
	if o.Metadata == nil {
		o.Metadata = map[string]string{}
	}
	o.Metadata[key] = value
}

// StopLossLegID and TakeProfitLegID derive bracket leg ids from the entry id.
func StopLossLegID(entryID string) string   { return entryID + "-sl" }
func TakeProfitLegID(entryID string) string { return entryID + "-tp" }

// BracketOrder groups an entry with its protective exits. The exits are
// one-cancels-other and only become active once the entry fills.
type BracketOrder struct {
	Entry      *Order `json:"entry"`
	StopLoss   *Order `json:"stop_loss"`
	TakeProfit *Order `json:"take_profit"`
}

// Orders returns the non-nil legs, entry first.
func (b *BracketOrder) Orders() []*Order {
	out := make([]*Order, 0, 3)
	for _, o := range []*Order{b.Entry, b.StopLoss, b.TakeProfit} {
		if o != nil {
			out = append(out, o)
		}
	}
	return out
}

// OrderUpdate carries the broker's view of an order onto the stored record.
type OrderUpdate struct {
	Status         OrderStatus
	BrokerOrderID  string
	FilledQuantity decimal.Decimal
	AvgFillPrice   *decimal.Decimal
	Reason         string
	SubmittedAt    *time.Time
	FilledAt       *time.Time
	CancelledAt    *time.Time
}

// UpdateFrom builds an OrderUpdate from a broker order snapshot.
func UpdateFrom(o *Order) OrderUpdate {
	return OrderUpdate{
		Status:         o.Status,
		BrokerOrderID:  o.BrokerOrderID,
		FilledQuantity: o.FilledQuantity,
		AvgFillPrice:   o.AvgFillPrice,
		Reason:         o.Reason,
		SubmittedAt:    o.SubmittedAt,
		FilledAt:       o.FilledAt,
		CancelledAt:    o.CancelledAt,
	}
}
