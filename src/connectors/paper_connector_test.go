package connectors

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Amenzel91/catalyst-bot-sub000/src/broker"
	"github.com/Amenzel91/catalyst-bot-sub000/src/model"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newPaper(t *testing.T) *PaperConnector {
	t.Helper()
	l, _ := logrustest.NewNullLogger()
	return NewPaperConnector(d("100000"), logrus.NewEntry(l))
}

func TestPaperBracketTakeProfitCancelsStop(t *testing.T) {
	ctx := context.Background()
	p := newPaper(t)
	p.SetPrice("AAPL", d("100"))

	b, err := p.PlaceBracketOrder(ctx, broker.BracketRequest{
		ClientOrderID:   "sys-1",
		Symbol:          "AAPL",
		Side:            model.OrderSideBuy,
		Quantity:        d("10"),
		StopLossPrice:   d("95"),
		TakeProfitPrice: d("110"),
	})
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusFilled, b.Entry.Status)
	assert.Equal(t, "sys-1", b.TakeProfit.ParentID)

	p.SetPrice("AAPL", d("111"))

	tp, err := p.GetOrder(ctx, b.TakeProfit.BrokerOrderID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusFilled, tp.Status)
	assert.True(t, tp.AvgFillPrice.Equal(d("110")))

	sl, err := p.GetOrder(ctx, b.StopLoss.BrokerOrderID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusCancelled, sl.Status)

	_, err = p.GetPosition(ctx, "AAPL")
	var notFound *broker.PositionNotFoundError
	assert.ErrorAs(t, err, &notFound)

	acct, err := p.GetAccount(ctx)
	require.NoError(t, err)
	assert.True(t, acct.Cash.Equal(d("100100")), "cash %s", acct.Cash)
}

func TestPaperLegsWaitForEntryFill(t *testing.T) {
	ctx := context.Background()
	p := newPaper(t)
	p.SetFillMode(FillManually)
	p.SetPrice("MSFT", d("50"))

	b, err := p.PlaceBracketOrder(ctx, broker.BracketRequest{
		ClientOrderID:   "sys-2",
		Symbol:          "MSFT",
		Side:            model.OrderSideBuy,
		Quantity:        d("4"),
		StopLossPrice:   d("45"),
		TakeProfitPrice: d("60"),
	})
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusSubmitted, b.Entry.Status)

	p.SetPrice("MSFT", d("40"))
	sl, _ := p.GetOrder(ctx, b.StopLoss.BrokerOrderID)
	assert.Equal(t, model.OrderStatusSubmitted, sl.Status, "stop must not fire before entry fill")

	require.NoError(t, p.FillOrder(b.Entry.BrokerOrderID, d("50")))
	p.SetPrice("MSFT", d("44"))
	sl, _ = p.GetOrder(ctx, b.StopLoss.BrokerOrderID)
	assert.Equal(t, model.OrderStatusFilled, sl.Status)
}

func TestPaperIdempotentClientID(t *testing.T) {
	ctx := context.Background()
	p := newPaper(t)
	p.SetPrice("AAPL", d("10"))

	req := broker.OrderRequest{ClientOrderID: "sys-3", Symbol: "AAPL", Side: model.OrderSideBuy, Type: model.OrderTypeMarket, Quantity: d("1")}
	first, err := p.PlaceOrder(ctx, req)
	require.NoError(t, err)
	second, err := p.PlaceOrder(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.BrokerOrderID, second.BrokerOrderID)

	pos, err := p.GetPosition(ctx, "AAPL")
	require.NoError(t, err)
	assert.True(t, pos.Quantity.Equal(d("1")))
}

func TestPaperRejections(t *testing.T) {
	ctx := context.Background()
	p := newPaper(t)

	_, err := p.PlaceOrder(ctx, broker.OrderRequest{Symbol: "NOPE", Side: model.OrderSideBuy, Type: model.OrderTypeMarket, Quantity: d("1")})
	var rej *broker.OrderRejectedError
	assert.ErrorAs(t, err, &rej)

	p.SetPrice("BRK", d("500000"))
	_, err = p.PlaceOrder(ctx, broker.OrderRequest{Symbol: "BRK", Side: model.OrderSideBuy, Type: model.OrderTypeMarket, Quantity: d("1")})
	var funds *broker.InsufficientFundsError
	assert.ErrorAs(t, err, &funds)

	p.FailNext("get_account", &broker.ConnectionError{Broker: "paper"})
	_, err = p.GetAccount(ctx)
	assert.True(t, broker.IsRetryable(err))
	_, err = p.GetAccount(ctx)
	assert.NoError(t, err)
}

func TestPaperCancelAndClose(t *testing.T) {
	ctx := context.Background()
	p := newPaper(t)
	p.SetPrice("AMD", d("20"))

	limit := d("15")
	o, err := p.PlaceOrder(ctx, broker.OrderRequest{ClientOrderID: "sys-4", Symbol: "AMD", Side: model.OrderSideBuy, Type: model.OrderTypeLimit, LimitPrice: &limit, Quantity: d("5")})
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusSubmitted, o.Status)

	open, err := p.ListOrders(ctx, broker.OrderFilter{})
	require.NoError(t, err)
	assert.Len(t, open, 1)

	cancelled, err := p.CancelOrder(ctx, o.BrokerOrderID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusCancelled, cancelled.Status)

	_, err = p.PlaceOrder(ctx, broker.OrderRequest{ClientOrderID: "sys-5", Symbol: "AMD", Side: model.OrderSideBuy, Type: model.OrderTypeMarket, Quantity: d("5")})
	require.NoError(t, err)
	p.SetPrice("AMD", d("22"))

	exit, err := p.ClosePosition(ctx, "AMD", nil)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusFilled, exit.Status)
	assert.Equal(t, model.OrderSideSell, exit.Side)

	positions, err := p.GetPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestPaperLatestPrices(t *testing.T) {
	ctx := context.Background()
	p := newPaper(t)
	p.SetPrice("AAPL", d("101.25"))
	p.SetPrice("BAD", d("0"))

	prices, err := p.LatestPrices(ctx, []string{"AAPL", "BAD", "MSFT"})
	require.NoError(t, err)
	assert.Len(t, prices, 1)
	assert.True(t, prices["AAPL"].Equal(d("101.25")))

	_, err = p.LatestPrice(ctx, "MSFT")
	assert.ErrorIs(t, err, ErrNoPrice)
}
