package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderLog is an append-only snapshot written whenever an order changes status.
type OrderLog struct {
	ID uint `gorm:"primaryKey" json:"id"`

	OrderID string `gorm:"size:64;index" json:"order_id"`
	Order   *Order `gorm:"constraint:OnDelete:CASCADE" json:"order,omitempty"`

	// Snapshot of the order at the moment of this log entry
	Symbol         string          `gorm:"size:32" json:"symbol"`
	Side           OrderSide       `gorm:"size:10" json:"side"`
	Type           OrderType       `gorm:"size:20" json:"type"`
	Role           OrderRole       `gorm:"size:20" json:"role"`
	Quantity       decimal.Decimal `gorm:"type:numeric(20,8)" json:"quantity"`
	FilledQuantity decimal.Decimal `gorm:"type:numeric(20,8)" json:"filled_quantity"`

	BrokerOrderID string `gorm:"size:128" json:"broker_order_id,omitempty"`

	FromStatus OrderStatus `gorm:"size:20" json:"from_status,omitempty"`
	Status     OrderStatus `gorm:"size:20;not null" json:"status"`
	Reason     string      `gorm:"size:512" json:"reason,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

func (OrderLog) TableName() string {
	return "order_logs"
}

// NewOrderLog snapshots o after a change from the given status.
func NewOrderLog(o *Order, from OrderStatus, at time.Time) *OrderLog {
	return &OrderLog{
		OrderID:        o.ID,
		Symbol:         o.Symbol,
		Side:           o.Side,
		Type:           o.Type,
		Role:           o.Role,
		Quantity:       o.Quantity,
		FilledQuantity: o.FilledQuantity,
		BrokerOrderID:  o.BrokerOrderID,
		FromStatus:     from,
		Status:         o.Status,
		Reason:         o.Reason,
		CreatedAt:      at,
	}
}
