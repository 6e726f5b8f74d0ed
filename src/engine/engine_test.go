package engine

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Amenzel91/catalyst-bot-sub000/src/broker"
	"github.com/Amenzel91/catalyst-bot-sub000/src/connectors"
	"github.com/Amenzel91/catalyst-bot-sub000/src/database"
	"github.com/Amenzel91/catalyst-bot-sub000/src/executor"
	"github.com/Amenzel91/catalyst-bot-sub000/src/model"
	"github.com/Amenzel91/catalyst-bot-sub000/src/notify"
	"github.com/Amenzel91/catalyst-bot-sub000/src/position"
	"github.com/Amenzel91/catalyst-bot-sub000/src/repository"
	"github.com/Amenzel91/catalyst-bot-sub000/src/risk"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type rig struct {
	engine     *Engine
	paper      *connectors.PaperConnector
	positions  *position.Manager
	orders     *repository.OrderRepository
	exceptions *repository.ExceptionRepository
	hook       *logrustest.Hook
}

type rigOptions struct {
	waitForFill bool
	prices      PriceFeed
}

func newRig(t *testing.T, opts rigOptions) *rig {
	t.Helper()
	log, hook := logrustest.NewNullLogger()
	entry := logrus.NewEntry(log)

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := database.Open(database.Config{
		Driver:       database.DriverSQLite,
		DSN:          fmt.Sprintf("file:engine_%s?mode=memory&cache=shared", name),
		GormLogLevel: 1,
	})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	paper := connectors.NewPaperConnector(d("100000"), entry)
	paper.SetPrice("ABCD", d("25.50"))

	limits := risk.Config{
		MinShares:               1,
		MaxShares:               10000,
		MinNotional:             1,
		MaxNotional:             50000,
		MaxPositionPct:          0.10,
		MaxPortfolioExposurePct: 0.80,
		MaxDailyLossPct:         0.01,
		BreakerCooldown:         time.Hour,
	}.Limits()
	gate := risk.NewGate(limits, risk.NewCircuitBreaker(limits, entry), entry)

	positions := position.NewManager(position.Config{
		StaleAfter:       5 * time.Minute,
		CloseConcurrency: 2,
	}, (&repository.PositionRepository{}).WithDB(db), nil, entry)

	orders := (&repository.OrderRepository{}).WithDB(db)
	exec, err := executor.NewExecutor(executor.Config{
		SizingMethod:   executor.SizingPercentOfPortfolio,
		DefaultSizePct: 0.05,
		MinShares:      1,
		MaxShares:      10000,
		MinNotional:    1,
		MaxNotional:    50000,
		MinRewardRisk:  2,
		WaitForFill:    opts.waitForFill,
		FillTimeout:    200 * time.Millisecond,
		PollInterval:   10 * time.Millisecond,
		PendingGrace:   time.Minute,
	}, paper, orders, positions, gate, entry)
	require.NoError(t, err)
	positions.SetExitSubmitter(exec)

	exceptions := (&repository.ExceptionRepository{}).WithDB(db)
	var prices PriceFeed = paper
	if opts.prices != nil {
		prices = opts.prices
	}
	e, err := New(Config{
		RefreshInterval: 20 * time.Millisecond,
		SignalWorkers:   2,
		PriceTimeout:    time.Second,
	}, Deps{
		Broker:     paper,
		Executor:   exec,
		Positions:  positions,
		Gate:       gate,
		Prices:     prices,
		Notifier:   notify.NewNotifier(time.Second, entry, notify.NewLogSender(entry)),
		Exceptions: exceptions,
		Logger:     entry,
	})
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))

	return &rig{engine: e, paper: paper, positions: positions, orders: orders, exceptions: exceptions, hook: hook}
}

func buySignal(id string) model.TradingSignal {
	sl := d("0.05")
	tp := d("0.12")
	return model.TradingSignal{
		ID:               id,
		Symbol:           "abcd",
		Action:           model.SignalActionBuy,
		Confidence:       d("0.9"),
		SuggestedSizePct: d("0.08"),
		StopLossPct:      &sl,
		TakeProfitPct:    &tp,
		Strategy:         "catalyst",
	}
}

func hasMessage(hook *logrustest.Hook, msg string) bool {
	for _, e := range hook.AllEntries() {
		if e.Message == msg {
			return true
		}
	}
	return false
}

func countMessages(hook *logrustest.Hook, msg string) int {
	n := 0
	for _, e := range hook.AllEntries() {
		if e.Message == msg {
			n++
		}
	}
	return n
}

type emptyFeed struct{}

func (emptyFeed) LatestPrices(context.Context, []string) (map[string]decimal.Decimal, error) {
	return map[string]decimal.Decimal{}, nil
}

// blockingFeed never answers before ctx is done.
type blockingFeed struct{}

func (blockingFeed) LatestPrices(ctx context.Context, _ []string) (map[string]decimal.Decimal, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type panicFeed struct{}

func (panicFeed) LatestPrices(context.Context, []string) (map[string]decimal.Decimal, error) {
	panic("feed exploded")
}

func TestNewRequiresDeps(t *testing.T) {
	_, err := New(Config{}, Deps{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker")
}

func TestHandleSignalOpensPosition(t *testing.T) {
	r := newRig(t, rigOptions{waitForFill: true})
	ctx := context.Background()

	out := r.engine.HandleSignal(ctx, buySignal("sig-1"))
	require.Equal(t, ActionOpened, out.Action, out.Error)
	assert.Equal(t, "ABCD", out.Symbol)
	require.NotNil(t, out.Position)
	assert.True(t, out.Position.Quantity.Equal(d("282")))
	require.NotNil(t, out.Position.StopLossPrice)
	assert.True(t, out.Position.StopLossPrice.Equal(d("24.23")))
	assert.Equal(t, out.Execution.Order.ID+"-sl", out.Position.StopLossOrderID)

	again := r.engine.HandleSignal(ctx, buySignal("sig-1"))
	assert.Equal(t, ActionOpened, again.Action, "duplicate signal resolves to the same position")
	assert.Len(t, r.engine.Positions(), 1)
	assert.True(t, hasMessage(r.hook, "Opened long 282 ABCD @ 25.50"))
}

func TestHandleSignalCloses(t *testing.T) {
	ctx := context.Background()

	t.Run("close action", func(t *testing.T) {
		r := newRig(t, rigOptions{waitForFill: true})
		require.Equal(t, ActionOpened, r.engine.HandleSignal(ctx, buySignal("sig-open")).Action)
		r.paper.SetPrice("ABCD", d("26.50"))

		out := r.engine.HandleSignal(ctx, model.TradingSignal{ID: "sig-close", Symbol: "ABCD", Action: model.SignalActionClose})
		require.Equal(t, ActionClosed, out.Action, out.Error)
		require.NotNil(t, out.Closed)
		assert.Equal(t, model.CloseReasonSignalClose, out.Closed.Reason)
		assert.True(t, out.Closed.RealizedPnL.Equal(d("282")), out.Closed.RealizedPnL.String())
		assert.Empty(t, r.engine.Positions())
	})

	t.Run("opposing signal", func(t *testing.T) {
		r := newRig(t, rigOptions{waitForFill: true})
		require.Equal(t, ActionOpened, r.engine.HandleSignal(ctx, buySignal("sig-open")).Action)

		sell := buySignal("sig-sell")
		sell.Action = model.SignalActionSell
		out := r.engine.HandleSignal(ctx, sell)
		assert.Equal(t, ActionClosed, out.Action, out.Error)
		assert.Empty(t, r.engine.Positions())
	})

	t.Run("nothing to close", func(t *testing.T) {
		r := newRig(t, rigOptions{waitForFill: true})
		out := r.engine.HandleSignal(ctx, model.TradingSignal{ID: "sig-x", Symbol: "ABCD", Action: model.SignalActionClose})
		assert.Equal(t, ActionRejected, out.Action)
		assert.Contains(t, out.Error, "no open position")
	})
}

func TestRedeliveredSignalAfterCloseOpensNothing(t *testing.T) {
	r := newRig(t, rigOptions{waitForFill: true})
	ctx := context.Background()

	require.Equal(t, ActionOpened, r.engine.HandleSignal(ctx, buySignal("sig-1")).Action)
	_, err := r.engine.ClosePosition(ctx, "ABCD", model.CloseReasonManual)
	require.NoError(t, err)

	out := r.engine.HandleSignal(ctx, buySignal("sig-1"))
	assert.Equal(t, ActionDuplicate, out.Action, out.Error)
	assert.Nil(t, out.Position)
	assert.Empty(t, r.engine.Positions())
	assert.Equal(t, 1, countMessages(r.hook, "Opened long 282 ABCD @ 25.50"))

	_, err = r.paper.GetPosition(ctx, "ABCD")
	var nf *broker.PositionNotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestHandleSignalWithoutPrice(t *testing.T) {
	r := newRig(t, rigOptions{waitForFill: true, prices: emptyFeed{}})
	out := r.engine.HandleSignal(context.Background(), buySignal("sig-np"))
	assert.Equal(t, ActionRejected, out.Action)
	assert.Contains(t, out.Error, ErrNoPrice.Error())
	assert.Nil(t, out.Execution)
}

func TestHandleSignalCapturesPanic(t *testing.T) {
	r := newRig(t, rigOptions{waitForFill: true, prices: panicFeed{}})
	ctx := context.Background()

	out := r.engine.HandleSignal(ctx, buySignal("sig-panic"))
	assert.Equal(t, ActionError, out.Action)
	assert.Contains(t, out.Error, "feed exploded")

	stored, err := r.exceptions.Latest(ctx, 5)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "HandleSignal", stored[0].Method)
	assert.Equal(t, "trading_engine", stored[0].Service)
	assert.Contains(t, stored[0].Context, "sig-panic")
}

func TestRefreshOpensLateFill(t *testing.T) {
	r := newRig(t, rigOptions{waitForFill: false})
	r.paper.SetFillMode(connectors.FillManually)
	ctx := context.Background()

	out := r.engine.HandleSignal(ctx, buySignal("sig-late"))
	require.Equal(t, ActionSubmitted, out.Action, out.Error)
	assert.Empty(t, r.engine.Positions())

	require.NoError(t, r.paper.FillOrder(out.Execution.Order.BrokerOrderID, d("25.52")))

	report, err := r.engine.RefreshPositions(ctx)
	require.NoError(t, err)
	require.Len(t, report.Opened, 1)
	assert.True(t, report.Opened[0].EntryPrice.Equal(d("25.52")))
	assert.Equal(t, out.Execution.Order.ID, report.Opened[0].EntryOrderID)
	assert.Equal(t, 1, report.Repriced)
	assert.Equal(t, 1, report.Metrics.PositionCount)

	again, err := r.engine.RefreshPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, again.Opened)
}

func TestSecondEntryWhileFirstWorking(t *testing.T) {
	r := newRig(t, rigOptions{waitForFill: false})
	r.paper.SetFillMode(connectors.FillManually)
	ctx := context.Background()

	first := r.engine.HandleSignal(ctx, buySignal("sig-a"))
	require.Equal(t, ActionSubmitted, first.Action, first.Error)

	second := r.engine.HandleSignal(ctx, buySignal("sig-b"))
	assert.Equal(t, ActionRejected, second.Action)
	assert.Contains(t, second.Error, executor.ErrDuplicatePosition.Error())

	// an entry that reached the broker outside the guard, e.g. before a restart
	stray := &model.Order{
		ID:             "stray-1",
		Role:           model.OrderRoleEntry,
		Symbol:         "ABCD",
		Side:           model.OrderSideBuy,
		Type:           model.OrderTypeMarket,
		TimeInForce:    model.TimeInForceDay,
		Quantity:       d("282"),
		ReferencePrice: d("25.50"),
		Status:         model.OrderStatusSubmitted,
	}
	require.NoError(t, r.orders.CreateWithAutoLog(ctx, stray))
	remote, err := r.paper.PlaceOrder(ctx, broker.OrderRequest{
		ClientOrderID: stray.ID,
		Symbol:        "ABCD",
		Side:          model.OrderSideBuy,
		Type:          model.OrderTypeMarket,
		Quantity:      d("282"),
		TimeInForce:   model.TimeInForceDay,
	})
	require.NoError(t, err)

	require.NoError(t, r.paper.FillOrder(first.Execution.Order.BrokerOrderID, d("25.50")))
	require.NoError(t, r.paper.FillOrder(remote.BrokerOrderID, d("25.50")))
	r.paper.SetFillMode(connectors.FillImmediately)

	report, err := r.engine.RefreshPositions(ctx)
	require.NoError(t, err)
	require.Len(t, report.Opened, 1)
	assert.Equal(t, first.Execution.Order.ID, report.Opened[0].EntryOrderID)
	assert.True(t, hasMessage(r.hook, "Entry filled for a symbol that already has a position, flattening the extra fill"))

	held, err := r.paper.GetPosition(ctx, "ABCD")
	require.NoError(t, err)
	tracked := r.engine.Positions()
	require.Len(t, tracked, 1)
	assert.True(t, held.Quantity.Equal(tracked[0].Quantity), "broker %s, book %s", held.Quantity, tracked[0].Quantity)
}

func TestRefreshClosesOnTakeProfitLeg(t *testing.T) {
	r := newRig(t, rigOptions{waitForFill: true})
	ctx := context.Background()

	require.Equal(t, ActionOpened, r.engine.HandleSignal(ctx, buySignal("sig-tp")).Action)
	r.paper.SetPrice("ABCD", d("28.60"))

	report, err := r.engine.RefreshPositions(ctx)
	require.NoError(t, err)
	require.Len(t, report.Closed, 1)
	assert.Equal(t, model.CloseReasonTakeProfit, report.Closed[0].Reason)
	assert.True(t, report.Closed[0].RealizedPnL.Equal(d("862.92")), report.Closed[0].RealizedPnL.String())
	assert.Empty(t, r.engine.Positions())
	assert.True(t, hasMessage(r.hook, "Closed long 282 ABCD @ 28.56 pnl 862.92 (take_profit)"))

	_, err = r.paper.GetPosition(ctx, "ABCD")
	var nf *broker.PositionNotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestBreakerHaltsEntriesUntilReset(t *testing.T) {
	r := newRig(t, rigOptions{waitForFill: true})
	ctx := context.Background()

	require.Equal(t, ActionOpened, r.engine.HandleSignal(ctx, buySignal("sig-b1")).Action)
	r.paper.SetPrice("ABCD", d("21"))

	report, err := r.engine.RefreshPositions(ctx)
	require.NoError(t, err)
	require.Len(t, report.Closed, 1)
	assert.Equal(t, model.CloseReasonStopLoss, report.Closed[0].Reason)
	assert.Equal(t, risk.BreakerOpen, report.Breaker)

	status := r.engine.BreakerStatus()
	assert.True(t, status.DailyLoss.Equal(d("1269")), status.DailyLoss.String())
	assert.True(t, status.LossLimit.Equal(d("1000")))

	out := r.engine.HandleSignal(ctx, buySignal("sig-b2"))
	assert.Equal(t, ActionRejected, out.Action)
	assert.Empty(t, r.engine.Positions())

	status, err = r.engine.ResetBreaker(ctx)
	require.NoError(t, err)
	assert.Equal(t, risk.BreakerClosed, status.State)

	out = r.engine.HandleSignal(ctx, buySignal("sig-b3"))
	assert.Equal(t, ActionOpened, out.Action, out.Error)
}

func TestClosePositionFlattensOrphan(t *testing.T) {
	r := newRig(t, rigOptions{waitForFill: true})
	ctx := context.Background()

	_, err := r.paper.PlaceOrder(ctx, broker.OrderRequest{
		Symbol:      "ABCD",
		Side:        model.OrderSideBuy,
		Type:        model.OrderTypeMarket,
		Quantity:    d("10"),
		TimeInForce: model.TimeInForceDay,
	})
	require.NoError(t, err)

	closed, err := r.engine.ClosePosition(ctx, "abcd", model.CloseReasonManual)
	require.NoError(t, err)
	assert.Nil(t, closed)

	_, err = r.paper.GetPosition(ctx, "ABCD")
	var nf *broker.PositionNotFoundError
	assert.ErrorAs(t, err, &nf)

	_, err = r.engine.ClosePosition(ctx, "ABCD", model.CloseReasonManual)
	assert.ErrorIs(t, err, position.ErrNoPosition)
}

func TestRunKeepsSweepingWhileWorkersBusy(t *testing.T) {
	r := newRig(t, rigOptions{waitForFill: true, prices: blockingFeed{}})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signals := make(chan model.TradingSignal, 3)
	done := make(chan error, 1)
	go func() { done <- r.engine.Run(ctx, signals) }()

	signals <- buySignal("sig-r1")
	signals <- buySignal("sig-r2")
	signals <- buySignal("sig-r3")
	require.Eventually(t, func() bool { return len(signals) == 0 }, time.Second, 5*time.Millisecond)

	before := countMessages(r.hook, "Positions refreshed")
	assert.Eventually(t, func() bool {
		return countMessages(r.hook, "Positions refreshed") >= before+3
	}, 500*time.Millisecond, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunHandlesSignalsUntilCancelled(t *testing.T) {
	r := newRig(t, rigOptions{waitForFill: true})
	ctx, cancel := context.WithCancel(context.Background())

	signals := make(chan model.TradingSignal, 1)
	done := make(chan error, 1)
	go func() { done <- r.engine.Run(ctx, signals) }()

	signals <- buySignal("sig-run")
	assert.Eventually(t, func() bool { return len(r.engine.Positions()) == 1 }, 2*time.Second, 10*time.Millisecond)

	close(signals)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
