package connectors

// Test index
// - TestAlpacaErrorMapping: HTTP answers map onto the broker error taxonomy
// - TestAlpacaPlaceBracketOrder: request shape and leg mapping
// - TestAlpacaPlaceOrderDuplicateClientID: a retried submission reuses the accepted order
// - TestAlpacaRetriesTransientFailures: 5xx is retried, 422 is not
// - TestAlpacaCancelAlreadyFilled: cancel of a filled order returns its final state
// - TestAlpacaMarketDataLatestPrices: non-positive trades are dropped

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/sirupsen/logrus"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Amenzel91/catalyst-bot-sub000/src/broker"
	"github.com/Amenzel91/catalyst-bot-sub000/src/model"
)

type fakeAlpaca struct {
	placeErrs   []error
	placeCalls  int
	lastPlace   alpaca.PlaceOrderRequest
	placeResult *alpaca.Order
	orders      map[string]*alpaca.Order
	byClient    map[string]*alpaca.Order
	cancelErr   error
	accountErr  error
	positionErr error
}

func (f *fakeAlpaca) GetAccount() (*alpaca.Account, error) {
	if f.accountErr != nil {
		return nil, f.accountErr
	}
	return &alpaca.Account{Status: "ACTIVE"}, nil
}

func (f *fakeAlpaca) GetPositions() ([]alpaca.Position, error) { return nil, nil }

func (f *fakeAlpaca) GetPosition(symbol string) (*alpaca.Position, error) {
	if f.positionErr != nil {
		return nil, f.positionErr
	}
	return &alpaca.Position{Symbol: symbol}, nil
}

func (f *fakeAlpaca) PlaceOrder(req alpaca.PlaceOrderRequest) (*alpaca.Order, error) {
	f.placeCalls++
	f.lastPlace = req
	if len(f.placeErrs) > 0 {
		err := f.placeErrs[0]
		f.placeErrs = f.placeErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return f.placeResult, nil
}

func (f *fakeAlpaca) GetOrder(id string) (*alpaca.Order, error) {
	if o, ok := f.orders[id]; ok {
		return o, nil
	}
	return nil, &alpaca.APIError{StatusCode: http.StatusNotFound, Message: "order not found"}
}

func (f *fakeAlpaca) GetOrderByClientOrderID(id string) (*alpaca.Order, error) {
	if o, ok := f.byClient[id]; ok {
		return o, nil
	}
	return nil, &alpaca.APIError{StatusCode: http.StatusNotFound, Message: "order not found"}
}

func (f *fakeAlpaca) GetOrders(alpaca.GetOrdersRequest) ([]alpaca.Order, error) { return nil, nil }

func (f *fakeAlpaca) CancelOrder(string) error { return f.cancelErr }

func (f *fakeAlpaca) ClosePosition(string, alpaca.ClosePositionRequest) (*alpaca.Order, error) {
	return nil, &alpaca.APIError{StatusCode: http.StatusNotFound, Message: "position not found"}
}

func newTestAlpaca(api alpacaTradingAPI) *AlpacaConnector {
	l, _ := logrustest.NewNullLogger()
	return newAlpacaConnector(api, broker.Config{
		RetryAttempts:    3,
		RetryBaseDelay:   time.Millisecond,
		RetryMaxDelay:    2 * time.Millisecond,
		BreakerThreshold: 10,
		BreakerCooldown:  time.Minute,
		QuoteTimeout:     time.Second,
		OrderTimeout:     time.Second,
	}, logrus.NewEntry(l))
}

func TestAlpacaErrorMapping(t *testing.T) {
	c := newTestAlpaca(&fakeAlpaca{})

	tests := []struct {
		name   string
		op     string
		err    error
		target interface{}
	}{
		{"unauthorized", "get_account", &alpaca.APIError{StatusCode: 401, Message: "unauthorized"}, new(*broker.AuthenticationError)},
		{"forbidden account", "get_account", &alpaca.APIError{StatusCode: 403, Message: "forbidden"}, new(*broker.AuthenticationError)},
		{"buying power", "place_order", &alpaca.APIError{StatusCode: 403, Message: "insufficient buying power"}, new(*broker.InsufficientFundsError)},
		{"unprocessable", "place_order", &alpaca.APIError{StatusCode: 422, Message: "qty must be > 0"}, new(*broker.OrderRejectedError)},
		{"throttled", "get_order", &alpaca.APIError{StatusCode: 429, Message: "too many requests"}, new(*broker.RateLimitError)},
		{"server error", "get_order", &alpaca.APIError{StatusCode: 503, Message: "unavailable"}, new(*broker.ConnectionError)},
		{"no position", "get_position", &alpaca.APIError{StatusCode: 404, Message: "position does not exist"}, new(*broker.PositionNotFoundError)},
		{"transport", "get_account", errors.New("connection reset by peer"), new(*broker.ConnectionError)},
		{"conflict", "place_order", &alpaca.APIError{StatusCode: 409, Message: "client_order_id must be unique"}, new(*broker.OrderRejectedError)},
		{"redirect", "get_account", &alpaca.APIError{StatusCode: 302, Message: "found"}, new(*broker.ConnectionError)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mapped := c.mapError(tt.op, "AAPL", tt.err)
			assert.ErrorAs(t, mapped, tt.target)
		})
	}
}

func TestAlpacaPlaceBracketOrder(t *testing.T) {
	fake := &fakeAlpaca{placeResult: &alpaca.Order{
		ID: "alp-1", ClientOrderID: "sys-1", Symbol: "AAPL", Side: alpaca.Buy, Type: alpaca.Market, Status: "accepted",
		Legs: []alpaca.Order{
			{ID: "alp-2", Symbol: "AAPL", Side: alpaca.Sell, Type: alpaca.Limit, Status: "held"},
			{ID: "alp-3", Symbol: "AAPL", Side: alpaca.Sell, Type: alpaca.Stop, Status: "held"},
		},
	}}
	c := newTestAlpaca(fake)

	b, err := c.PlaceBracketOrder(context.Background(), broker.BracketRequest{
		ClientOrderID:   "sys-1",
		Symbol:          "AAPL",
		Side:            model.OrderSideBuy,
		Quantity:        d("10"),
		StopLossPrice:   d("95"),
		TakeProfitPrice: d("110"),
	})
	require.NoError(t, err)

	assert.Equal(t, alpaca.Bracket, fake.lastPlace.OrderClass)
	assert.Equal(t, "sys-1", fake.lastPlace.ClientOrderID)
	assert.True(t, fake.lastPlace.StopLoss.StopPrice.Equal(d("95")))
	assert.True(t, fake.lastPlace.TakeProfit.LimitPrice.Equal(d("110")))

	assert.Equal(t, model.OrderStatusSubmitted, b.Entry.Status)
	assert.Equal(t, "alp-2", b.TakeProfit.BrokerOrderID)
	assert.Equal(t, "alp-3", b.StopLoss.BrokerOrderID)
}

func TestAlpacaPlaceOrderDuplicateClientID(t *testing.T) {
	existing := &alpaca.Order{ID: "alp-9", ClientOrderID: "sys-9", Symbol: "AAPL", Status: "filled"}
	fake := &fakeAlpaca{
		placeErrs: []error{&alpaca.APIError{StatusCode: 422, Message: "client_order_id must be unique"}},
		byClient:  map[string]*alpaca.Order{"sys-9": existing},
	}
	c := newTestAlpaca(fake)

	o, err := c.PlaceOrder(context.Background(), broker.OrderRequest{ClientOrderID: "sys-9", Symbol: "AAPL", Side: model.OrderSideBuy, Type: model.OrderTypeMarket, Quantity: d("1")})
	require.NoError(t, err)
	assert.Equal(t, "alp-9", o.BrokerOrderID)
	assert.Equal(t, model.OrderStatusFilled, o.Status)
}

func TestAlpacaRetriesTransientFailures(t *testing.T) {
	fake := &fakeAlpaca{
		placeErrs:   []error{&alpaca.APIError{StatusCode: 503, Message: "unavailable"}, nil},
		placeResult: &alpaca.Order{ID: "alp-1", ClientOrderID: "sys-1", Status: "new"},
	}
	c := newTestAlpaca(fake)

	_, err := c.PlaceOrder(context.Background(), broker.OrderRequest{ClientOrderID: "sys-1", Symbol: "AAPL", Side: model.OrderSideBuy, Type: model.OrderTypeMarket, Quantity: d("1")})
	require.NoError(t, err)
	assert.Equal(t, 2, fake.placeCalls)

	fake.placeCalls = 0
	fake.placeErrs = []error{&alpaca.APIError{StatusCode: 422, Message: "symbol is not tradable"}}
	_, err = c.PlaceOrder(context.Background(), broker.OrderRequest{ClientOrderID: "sys-2", Symbol: "XYZ", Side: model.OrderSideBuy, Type: model.OrderTypeMarket, Quantity: d("1")})
	var rej *broker.OrderRejectedError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, "symbol is not tradable", rej.Reason)
	assert.Equal(t, 1, fake.placeCalls)
}

func TestAlpacaCancelAlreadyFilled(t *testing.T) {
	fake := &fakeAlpaca{
		cancelErr: &alpaca.APIError{StatusCode: 422, Message: "order is not cancelable"},
		orders:    map[string]*alpaca.Order{"alp-1": {ID: "alp-1", ClientOrderID: "sys-1", Status: "filled"}},
	}
	c := newTestAlpaca(fake)

	o, err := c.CancelOrder(context.Background(), "alp-1")
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusFilled, o.Status)

	_, err = c.GetOrder(context.Background(), "missing")
	var nf *broker.OrderNotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestAlpacaConnectIsIdempotent(t *testing.T) {
	fake := &fakeAlpaca{}
	c := newTestAlpaca(fake)
	require.NoError(t, c.Connect(context.Background()))
	fake.accountErr = &alpaca.APIError{StatusCode: 401, Message: "unauthorized"}
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, c.Disconnect(context.Background()))
	err := c.Connect(context.Background())
	var auth *broker.AuthenticationError
	assert.ErrorAs(t, err, &auth)
}

type fakeTrades map[string]marketdata.Trade

func (f fakeTrades) GetLatestTrades(symbols []string, _ marketdata.GetLatestTradeRequest) (map[string]marketdata.Trade, error) {
	out := map[string]marketdata.Trade{}
	for _, s := range symbols {
		if tr, ok := f[s]; ok {
			out[s] = tr
		}
	}
	return out, nil
}

func TestAlpacaMarketDataLatestPrices(t *testing.T) {
	l, _ := logrustest.NewNullLogger()
	md := newAlpacaMarketData(fakeTrades{
		"AAPL": {Price: 187.25},
		"BAD":  {Price: 0},
	}, "iex", broker.Config{RetryAttempts: 1, QuoteTimeout: time.Second}, logrus.NewEntry(l))

	prices, err := md.LatestPrices(context.Background(), []string{"AAPL", "BAD", "NONE"})
	require.NoError(t, err)
	assert.Len(t, prices, 1)
	assert.True(t, prices["AAPL"].Equal(d("187.25")))

	_, err = md.LatestPrice(context.Background(), "BAD")
	assert.ErrorIs(t, err, ErrNoPrice)
}
