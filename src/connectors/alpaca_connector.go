package connectors

// ALPACA TRADING ADAPTER
// SDK CALLS WRAPPED BY broker.Guard (RATE LIMIT + BREAKER + RETRY)

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/Amenzel91/catalyst-bot-sub000/src/broker"
	"github.com/Amenzel91/catalyst-bot-sub000/src/mapper"
	"github.com/Amenzel91/catalyst-bot-sub000/src/model"
)

// Compile-time interface check.
var _ broker.Broker = (*AlpacaConnector)(nil)

const alpacaName = "alpaca"

// alpacaTradingAPI is the slice of *alpaca.Client the adapter uses.
type alpacaTradingAPI interface {
	GetAccount() (*alpaca.Account, error)
	GetPositions() ([]alpaca.Position, error)
	GetPosition(symbol string) (*alpaca.Position, error)
	PlaceOrder(req alpaca.PlaceOrderRequest) (*alpaca.Order, error)
	GetOrder(orderID string) (*alpaca.Order, error)
	GetOrderByClientOrderID(clientOrderID string) (*alpaca.Order, error)
	GetOrders(req alpaca.GetOrdersRequest) ([]alpaca.Order, error)
	CancelOrder(orderID string) error
	ClosePosition(symbol string, req alpaca.ClosePositionRequest) (*alpaca.Order, error)
}

// -----------------------------
// CLIENT
// -----------------------------

type AlpacaConnector struct {
	api       alpacaTradingAPI
	guard     *broker.Guard
	cfg       broker.Config
	logger    *logrus.Entry
	connected atomic.Bool
	now       func() time.Time
}

// NewAlpacaConnector builds an adapter against the Alpaca trading API. The
// base URL selects paper or live trading.
func NewAlpacaConnector(cfg Config, brokerCfg broker.Config, logger *logrus.Entry) *AlpacaConnector {
	client := alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    cfg.AlpacaAPIKey,
		APISecret: cfg.AlpacaAPISecret,
		BaseURL:   strings.TrimRight(cfg.AlpacaBaseURL, "/"),
	})
	return newAlpacaConnector(client, brokerCfg, logger)
}

func newAlpacaConnector(api alpacaTradingAPI, brokerCfg broker.Config, logger *logrus.Entry) *AlpacaConnector {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	logger = logger.WithField("connector", alpacaName)
	return &AlpacaConnector{
		api:    api,
		guard:  broker.NewGuard(alpacaName, brokerCfg, logger),
		cfg:    brokerCfg,
		logger: logger,
		now:    time.Now,
	}
}

func (c *AlpacaConnector) Name() string {
	return alpacaName
}

// Connect validates the credentials with an account read. Calling it again
// while connected is a no-op.
func (c *AlpacaConnector) Connect(ctx context.Context) error {
	if c.connected.Load() {
		return nil
	}
	acct, err := c.GetAccount(ctx)
	if err != nil {
		return err
	}
	c.connected.Store(true)
	c.logger.WithFields(logrus.Fields{
		"equity": acct.Equity.String(),
		"status": acct.Status,
	}).Info("Connected to Alpaca")
	return nil
}

func (c *AlpacaConnector) Disconnect(_ context.Context) error {
	if c.connected.Swap(false) {
		c.logger.Info("Disconnected from Alpaca")
	}
	return nil
}

// -----------------------------
// ACCOUNT + POSITIONS
// -----------------------------

func (c *AlpacaConnector) GetAccount(ctx context.Context) (*model.Account, error) {
	var out *model.Account
	err := c.guard.Do(ctx, "get_account", c.cfg.QuoteTimeout, func(ctx context.Context) error {
		acct, err := broker.Call(ctx, c.api.GetAccount)
		if err != nil {
			return c.mapError("get_account", "", err)
		}
		out = mapper.MapAlpacaAccount(acct)
		return nil
	})
	return out, err
}

func (c *AlpacaConnector) GetPositions(ctx context.Context) ([]model.Position, error) {
	var out []model.Position
	err := c.guard.Do(ctx, "get_positions", c.cfg.QuoteTimeout, func(ctx context.Context) error {
		positions, err := broker.Call(ctx, c.api.GetPositions)
		if err != nil {
			return c.mapError("get_positions", "", err)
		}
		now := c.now()
		out = make([]model.Position, 0, len(positions))
		for i := range positions {
			out = append(out, *mapper.MapAlpacaPosition(&positions[i], now))
		}
		return nil
	})
	return out, err
}

func (c *AlpacaConnector) GetPosition(ctx context.Context, symbol string) (*model.Position, error) {
	var out *model.Position
	err := c.guard.Do(ctx, "get_position", c.cfg.QuoteTimeout, func(ctx context.Context) error {
		pos, err := broker.Call(ctx, func() (*alpaca.Position, error) { return c.api.GetPosition(symbol) })
		if err != nil {
			return c.mapError("get_position", symbol, err)
		}
		out = mapper.MapAlpacaPosition(pos, c.now())
		return nil
	})
	return out, err
}

// -----------------------------
// ORDERS
// -----------------------------

func (c *AlpacaConnector) PlaceOrder(ctx context.Context, req broker.OrderRequest) (*model.Order, error) {
	qty := req.Quantity
	placeReq := alpaca.PlaceOrderRequest{
		Symbol:        req.Symbol,
		Qty:           &qty,
		Side:          mapper.ToAlpacaSide(req.Side),
		Type:          mapper.ToAlpacaType(req.Type),
		TimeInForce:   mapper.ToAlpacaTimeInForce(req.TimeInForce),
		LimitPrice:    req.LimitPrice,
		StopPrice:     req.StopPrice,
		ClientOrderID: req.ClientOrderID,
	}

	var out *model.Order
	err := c.guard.Do(ctx, "place_order", c.cfg.OrderTimeout, func(ctx context.Context) error {
		order, err := c.placeIdempotent(ctx, placeReq)
		if err != nil {
			return err
		}
		out = mapper.MapAlpacaOrder(order)
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.WithFields(logrus.Fields{
		"symbol":          req.Symbol,
		"side":            req.Side,
		"qty":             req.Quantity.String(),
		"client_order_id": req.ClientOrderID,
		"broker_order_id": out.BrokerOrderID,
	}).Info("Order placed")
	return out, nil
}

func (c *AlpacaConnector) PlaceBracketOrder(ctx context.Context, req broker.BracketRequest) (*model.BracketOrder, error) {
	qty := req.Quantity
	stop := req.StopLossPrice
	target := req.TakeProfitPrice
	entryType := req.EntryType
	if entryType == "" {
		entryType = model.OrderTypeMarket
	}
	tif := req.TimeInForce
	if tif == "" {
		tif = model.TimeInForceGTC
	}

	placeReq := alpaca.PlaceOrderRequest{
		Symbol:        req.Symbol,
		Qty:           &qty,
		Side:          mapper.ToAlpacaSide(req.Side),
		Type:          mapper.ToAlpacaType(entryType),
		TimeInForce:   mapper.ToAlpacaTimeInForce(tif),
		LimitPrice:    req.LimitPrice,
		ClientOrderID: req.ClientOrderID,
		OrderClass:    alpaca.Bracket,
		TakeProfit:    &alpaca.TakeProfit{LimitPrice: &target},
		StopLoss:      &alpaca.StopLoss{StopPrice: &stop},
	}

	var out *model.BracketOrder
	err := c.guard.Do(ctx, "place_bracket_order", c.cfg.OrderTimeout, func(ctx context.Context) error {
		order, err := c.placeIdempotent(ctx, placeReq)
		if err != nil {
			return err
		}
		out = mapper.MapAlpacaBracket(order)
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.WithFields(logrus.Fields{
		"symbol":          req.Symbol,
		"qty":             req.Quantity.String(),
		"stop_loss":       stop.String(),
		"take_profit":     target.String(),
		"client_order_id": req.ClientOrderID,
	}).Info("Bracket order placed")
	return out, nil
}

// placeIdempotent submits the order. When an earlier attempt already reached
// Alpaca the duplicate client id is refused, and the existing order is
// returned instead.
func (c *AlpacaConnector) placeIdempotent(ctx context.Context, req alpaca.PlaceOrderRequest) (*alpaca.Order, error) {
	order, err := broker.Call(ctx, func() (*alpaca.Order, error) { return c.api.PlaceOrder(req) })
	if err == nil {
		return order, nil
	}

	var apiErr *alpaca.APIError
	if req.ClientOrderID != "" && errors.As(err, &apiErr) &&
		strings.Contains(strings.ToLower(apiErr.Message), "client_order_id") {
		existing, getErr := broker.Call(ctx, func() (*alpaca.Order, error) {
			return c.api.GetOrderByClientOrderID(req.ClientOrderID)
		})
		if getErr == nil {
			c.logger.WithField("client_order_id", req.ClientOrderID).
				Warn("Order already accepted by Alpaca, reusing it")
			return existing, nil
		}
	}
	return nil, c.mapError("place_order", req.Symbol, err)
}

// CancelOrder requests cancellation and returns the order's resulting state.
// An order that already reached a final state is returned as is.
func (c *AlpacaConnector) CancelOrder(ctx context.Context, brokerOrderID string) (*model.Order, error) {
	err := c.guard.Do(ctx, "cancel_order", c.cfg.OrderTimeout, func(ctx context.Context) error {
		_, err := broker.Call(ctx, func() (struct{}, error) { return struct{}{}, c.api.CancelOrder(brokerOrderID) })
		if err == nil {
			return nil
		}
		var apiErr *alpaca.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnprocessableEntity {
			c.logger.WithField("broker_order_id", brokerOrderID).
				Info("Order no longer cancelable")
			return nil
		}
		return c.mapOrderError("cancel_order", brokerOrderID, err)
	})
	if err != nil {
		return nil, err
	}
	return c.GetOrder(ctx, brokerOrderID)
}

func (c *AlpacaConnector) GetOrder(ctx context.Context, brokerOrderID string) (*model.Order, error) {
	var out *model.Order
	err := c.guard.Do(ctx, "get_order", c.cfg.QuoteTimeout, func(ctx context.Context) error {
		order, err := broker.Call(ctx, func() (*alpaca.Order, error) { return c.api.GetOrder(brokerOrderID) })
		if err != nil {
			return c.mapOrderError("get_order", brokerOrderID, err)
		}
		out = mapper.MapAlpacaOrder(order)
		return nil
	})
	return out, err
}

func (c *AlpacaConnector) GetOrderByClientID(ctx context.Context, clientOrderID string) (*model.Order, error) {
	var out *model.Order
	err := c.guard.Do(ctx, "get_order_by_client_id", c.cfg.QuoteTimeout, func(ctx context.Context) error {
		order, err := broker.Call(ctx, func() (*alpaca.Order, error) { return c.api.GetOrderByClientOrderID(clientOrderID) })
		if err != nil {
			return c.mapOrderError("get_order_by_client_id", clientOrderID, err)
		}
		out = mapper.MapAlpacaOrder(order)
		return nil
	})
	return out, err
}

// ListOrders returns matching orders with bracket legs flattened after their parent.
func (c *AlpacaConnector) ListOrders(ctx context.Context, filter broker.OrderFilter) ([]model.Order, error) {
	status := filter.Status
	if status == "" {
		status = broker.OrderFilterOpen
	}
	req := alpaca.GetOrdersRequest{
		Status:  status,
		Limit:   filter.Limit,
		After:   filter.After,
		Nested:  true,
		Symbols: filter.Symbols,
	}

	var out []model.Order
	err := c.guard.Do(ctx, "list_orders", c.cfg.QuoteTimeout, func(ctx context.Context) error {
		orders, err := broker.Call(ctx, func() ([]alpaca.Order, error) { return c.api.GetOrders(req) })
		if err != nil {
			return c.mapError("list_orders", "", err)
		}
		out = out[:0]
		for i := range orders {
			if len(orders[i].Legs) == 0 {
				out = append(out, *mapper.MapAlpacaOrder(&orders[i]))
				continue
			}
			for _, o := range mapper.MapAlpacaBracket(&orders[i]).Orders() {
				out = append(out, *o)
			}
		}
		return nil
	})
	return out, err
}

func (c *AlpacaConnector) ClosePosition(ctx context.Context, symbol string, qty *decimal.Decimal) (*model.Order, error) {
	req := alpaca.ClosePositionRequest{}
	if qty != nil {
		req.Qty = *qty
	}

	var out *model.Order
	err := c.guard.Do(ctx, "close_position", c.cfg.OrderTimeout, func(ctx context.Context) error {
		order, err := broker.Call(ctx, func() (*alpaca.Order, error) { return c.api.ClosePosition(symbol, req) })
		if err != nil {
			return c.mapError("close_position", symbol, err)
		}
		out = mapper.MapAlpacaOrder(order)
		out.Role = model.OrderRoleExit
		return nil
	})
	return out, err
}

// -----------------------------
// ERROR MAPPING
// -----------------------------

// mapError translates SDK failures into the broker error taxonomy.
func (c *AlpacaConnector) mapError(op, symbol string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}

	var apiErr *alpaca.APIError
	if !errors.As(err, &apiErr) {
		return &broker.ConnectionError{Broker: alpacaName, Op: op, Err: err}
	}

	msg := strings.ToLower(apiErr.Message)
	switch {
	case apiErr.StatusCode == http.StatusUnauthorized:
		return &broker.AuthenticationError{Broker: alpacaName, Err: err}
	case apiErr.StatusCode == http.StatusTooManyRequests:
		return &broker.RateLimitError{Broker: alpacaName, Op: op}
	case apiErr.StatusCode >= http.StatusInternalServerError:
		return &broker.ConnectionError{Broker: alpacaName, Op: op, Err: err}
	case strings.Contains(msg, "insufficient buying power"), strings.Contains(msg, "insufficient funds"):
		return &broker.InsufficientFundsError{Symbol: symbol, Reason: apiErr.Message}
	case apiErr.StatusCode == http.StatusNotFound && strings.Contains(op, "position"):
		return &broker.PositionNotFoundError{Symbol: symbol}
	case apiErr.StatusCode == http.StatusForbidden && op == "get_account":
		return &broker.AuthenticationError{Broker: alpacaName, Err: err}
	case apiErr.StatusCode >= http.StatusBadRequest:
		return &broker.OrderRejectedError{Symbol: symbol, Reason: apiErr.Message}
	default:
		return &broker.ConnectionError{Broker: alpacaName, Op: op, Err: err}
	}
}

func (c *AlpacaConnector) mapOrderError(op, orderID string, err error) error {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return &broker.OrderNotFoundError{OrderID: orderID}
	}
	return c.mapError(op, "", err)
}
