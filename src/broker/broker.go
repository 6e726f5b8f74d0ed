// Package broker defines the vendor-neutral brokerage contract used by the
// executor and position manager, together with the error taxonomy and the
// resilience helpers every adapter applies to its calls.
package broker

import (
	"context"
	"time"

	"github.com/Amenzel91/catalyst-bot-sub000/src/model"
	"github.com/shopspring/decimal"
)

// Broker is implemented by every brokerage adapter. Vendor types never cross
// this boundary.
type Broker interface {
	Name() string

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	GetAccount(ctx context.Context) (*model.Account, error)
	GetPositions(ctx context.Context) ([]model.Position, error)
	// GetPosition returns *PositionNotFoundError when the account is flat in symbol.
	GetPosition(ctx context.Context, symbol string) (*model.Position, error)

	PlaceOrder(ctx context.Context, req OrderRequest) (*model.Order, error)
	PlaceBracketOrder(ctx context.Context, req BracketRequest) (*model.BracketOrder, error)
	CancelOrder(ctx context.Context, brokerOrderID string) (*model.Order, error)
	GetOrder(ctx context.Context, brokerOrderID string) (*model.Order, error)
	GetOrderByClientID(ctx context.Context, clientOrderID string) (*model.Order, error)
	ListOrders(ctx context.Context, filter OrderFilter) ([]model.Order, error)

	// ClosePosition flattens symbol; a nil qty closes the whole position.
	ClosePosition(ctx context.Context, symbol string, qty *decimal.Decimal) (*model.Order, error)
}

// OrderRequest describes a single order. ClientOrderID is the system order id
// and makes resubmission safe.
type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          model.OrderSide
	Type          model.OrderType
	Quantity      decimal.Decimal
	LimitPrice    *decimal.Decimal
	StopPrice     *decimal.Decimal
	TimeInForce   model.TimeInForce
}

// BracketRequest describes an entry with OCO stop-loss and take-profit exits.
type BracketRequest struct {
	ClientOrderID   string
	Symbol          string
	Side            model.OrderSide
	Quantity        decimal.Decimal
	EntryType       model.OrderType
	LimitPrice      *decimal.Decimal
	StopLossPrice   decimal.Decimal
	TakeProfitPrice decimal.Decimal
	TimeInForce     model.TimeInForce
}

// OrderFilter narrows ListOrders. Zero values mean "any".
type OrderFilter struct {
	Status  string // open | closed | all
	Symbols []string
	After   time.Time
	Limit   int
}

const (
	OrderFilterOpen   = "open"
	OrderFilterClosed = "closed"
	OrderFilterAll    = "all"
)
