package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
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
	"github.com/Amenzel91/catalyst-bot-sub000/src/model"
	"github.com/Amenzel91/catalyst-bot-sub000/src/repository"
	"github.com/Amenzel91/catalyst-bot-sub000/src/risk"
)

type fakeBook struct {
	mu        sync.Mutex
	positions map[string]*model.Position
}

func (b *fakeBook) Get(symbol string) (*model.Position, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.positions[symbol]
	return p, ok
}

func (b *fakeBook) TotalExposure() decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := decimal.Zero
	for _, p := range b.positions {
		total = total.Add(p.MarketValue.Abs())
	}
	return total
}

type harness struct {
	exec   *Executor
	paper  *connectors.PaperConnector
	orders *repository.OrderRepository
	book   *fakeBook
	gate   *risk.Gate
}

func testConfig() Config {
	return Config{
		SizingMethod:   SizingPercentOfPortfolio,
		DefaultSizePct: 0.05,
		MinShares:      1,
		MaxShares:      10000,
		MinNotional:    1,
		MaxNotional:    50000,
		MinRewardRisk:  2,
		WaitForFill:    true,
		FillTimeout:    200 * time.Millisecond,
		PollInterval:   10 * time.Millisecond,
		PendingGrace:   time.Minute,
	}
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	log, _ := logrustest.NewNullLogger()
	entry := logrus.NewEntry(log)

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := database.Open(database.Config{
		Driver:       database.DriverSQLite,
		DSN:          fmt.Sprintf("file:%s?mode=memory&cache=shared", name),
		GormLogLevel: 1,
	})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	paper := connectors.NewPaperConnector(d("100000"), entry)
	paper.SetPrice("ABCD", d("25.50"))
	orders := (&repository.OrderRepository{}).WithDB(db)
	book := &fakeBook{positions: map[string]*model.Position{}}

	limits := risk.Config{
		MinShares:               1,
		MaxShares:               10000,
		MinNotional:             1,
		MaxNotional:             50000,
		MaxPositionPct:          0.10,
		MaxPortfolioExposurePct: 0.80,
		MaxDailyLossPct:         0.10,
		BreakerCooldown:         time.Hour,
	}.Limits()
	gate := risk.NewGate(limits, risk.NewCircuitBreaker(limits, entry), entry)

	exec, err := NewExecutor(cfg, paper, orders, book, gate, entry)
	require.NoError(t, err)
	return &harness{exec: exec, paper: paper, orders: orders, book: book, gate: gate}
}

func buySignal(id string) model.TradingSignal {
	sl := d("0.05")
	tp := d("0.12")
	return model.TradingSignal{
		ID:               id,
		Symbol:           "ABCD",
		Action:           model.SignalActionBuy,
		Confidence:       d("0.9"),
		SuggestedSizePct: d("0.08"),
		StopLossPct:      &sl,
		TakeProfitPct:    &tp,
		Strategy:         "catalyst",
	}
}

func TestExecuteSignalBracketFilled(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	res, err := h.exec.ExecuteSignal(ctx, buySignal("sig-1"), d("25.50"))
	require.NoError(t, err)
	require.True(t, res.Filled())
	assert.Equal(t, StatusFilled, res.Status)
	assert.True(t, res.Order.FilledQuantity.Equal(d("282")))
	assert.True(t, res.StopLossPrice.Equal(d("24.23")), res.StopLossPrice.String())
	assert.True(t, res.TakeProfitPrice.Equal(d("28.56")), res.TakeProfitPrice.String())

	require.NotNil(t, res.StopLoss)
	require.NotNil(t, res.TakeProfit)
	assert.Equal(t, res.Order.ID+"-sl", res.StopLoss.ID)
	assert.Equal(t, model.OrderStatusSubmitted, res.StopLoss.Status)
	assert.NotEmpty(t, res.TakeProfit.BrokerOrderID)

	stored, err := h.orders.FindByID(ctx, res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, "24.23", stored.Metadata[model.MetaStopLossPrice])
	assert.Equal(t, "catalyst", stored.Metadata[model.MetaStrategy])
}

func TestExecuteSignalIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	first, err := h.exec.ExecuteSignal(ctx, buySignal("sig-dup"), d("25.50"))
	require.NoError(t, err)
	second, err := h.exec.ExecuteSignal(ctx, buySignal("sig-dup"), d("25.50"))
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Equal(t, StatusDuplicate, second.Status)
	assert.Equal(t, first.Order.ID, second.Order.ID)

	remote, err := h.paper.ListOrders(ctx, broker.OrderFilter{Status: broker.OrderFilterAll})
	require.NoError(t, err)
	entries := 0
	for _, o := range remote {
		if o.ParentID == "" {
			entries++
		}
	}
	assert.Equal(t, 1, entries)
}

func TestExecuteSignalRejections(t *testing.T) {
	ctx := context.Background()

	t.Run("existing position", func(t *testing.T) {
		h := newHarness(t, nil)
		h.book.positions["ABCD"] = &model.Position{Symbol: "ABCD", Side: model.PositionSideLong, Quantity: d("10")}
		res, err := h.exec.ExecuteSignal(ctx, buySignal("sig-a"), d("25.50"))
		require.ErrorIs(t, err, ErrDuplicatePosition)
		assert.Equal(t, StatusRejected, res.Status)
		assert.Nil(t, res.Order)
	})

	t.Run("entry still working", func(t *testing.T) {
		h := newHarness(t, func(c *Config) { c.WaitForFill = false })
		h.paper.SetFillMode(connectors.FillManually)
		first, err := h.exec.ExecuteSignal(ctx, buySignal("sig-w1"), d("25.50"))
		require.NoError(t, err)
		require.Equal(t, StatusSubmitted, first.Status)

		res, err := h.exec.ExecuteSignal(ctx, buySignal("sig-w2"), d("25.50"))
		require.ErrorIs(t, err, ErrDuplicatePosition)
		assert.Equal(t, StatusRejected, res.Status)
		assert.Nil(t, res.Order)

		remote, err := h.paper.ListOrders(ctx, broker.OrderFilter{Status: broker.OrderFilterAll})
		require.NoError(t, err)
		entries := 0
		for _, o := range remote {
			if o.ParentID == "" {
				entries++
			}
		}
		assert.Equal(t, 1, entries)
	})

	t.Run("short disabled", func(t *testing.T) {
		h := newHarness(t, nil)
		signal := buySignal("sig-b")
		signal.Action = model.SignalActionSell
		_, err := h.exec.ExecuteSignal(ctx, signal, d("25.50"))
		require.ErrorIs(t, err, ErrShortNotAllowed)
	})

	t.Run("poor reward to risk", func(t *testing.T) {
		h := newHarness(t, nil)
		signal := buySignal("sig-c")
		tp := d("0.05")
		signal.TakeProfitPct = &tp
		_, err := h.exec.ExecuteSignal(ctx, signal, d("25.50"))
		var rr *InsufficientRewardRiskError
		require.True(t, errors.As(err, &rr), "got %v", err)
	})

	t.Run("invalid input", func(t *testing.T) {
		h := newHarness(t, nil)
		signal := buySignal("sig-d")
		signal.Confidence = d("1.5")
		_, err := h.exec.ExecuteSignal(ctx, signal, d("25.50"))
		require.ErrorIs(t, err, ErrInvalidSignal)

		_, err = h.exec.ExecuteSignal(ctx, buySignal("sig-e"), d("0"))
		require.ErrorIs(t, err, ErrInvalidSignal)
	})

	t.Run("risk gate", func(t *testing.T) {
		h := newHarness(t, nil)
		signal := buySignal("sig-f")
		signal.SuggestedSizePct = d("0.5")
		signal.Confidence = d("1")
		_, err := h.exec.ExecuteSignal(ctx, signal, d("25.50"))
		require.ErrorIs(t, err, risk.ErrPositionConcentration)
	})

	t.Run("zero size is no trade", func(t *testing.T) {
		h := newHarness(t, nil)
		signal := buySignal("sig-g")
		signal.Confidence = d("0")
		res, err := h.exec.ExecuteSignal(ctx, signal, d("25.50"))
		require.NoError(t, err)
		assert.Equal(t, StatusNoTrade, res.Status)
		assert.Nil(t, res.Order)
	})
}

func TestExecuteSignalCircuitOpenSkipsBroker(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	breaker := h.gate.Breaker()
	breaker.StartDay(time.Now(), d("100000"))
	require.Equal(t, risk.BreakerOpen, breaker.Evaluate(d("-20000"), decimal.Zero))

	outage := &broker.ConnectionError{Broker: "paper", Op: "get_account", Err: errors.New("down")}
	h.paper.FailNext("get_account", outage)

	res, err := h.exec.ExecuteSignal(ctx, buySignal("sig-open"), d("25.50"))
	require.ErrorIs(t, err, risk.ErrCircuitOpen)
	var circuit *risk.CircuitOpenError
	require.ErrorAs(t, err, &circuit)
	assert.Equal(t, StatusRejected, res.Status)
	assert.Nil(t, res.Order)

	_, err = h.paper.GetAccount(ctx)
	assert.ErrorAs(t, err, &outage, "the account was never fetched")
	assert.Equal(t, risk.BreakerOpen, breaker.State())
	assert.False(t, breaker.Status().ProbeInFlight)
}

func TestExecuteSignalBrokerRejection(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.paper.FailNext("place_bracket_order", &broker.InsufficientFundsError{Symbol: "ABCD", Reason: "buying power"})

	res, err := h.exec.ExecuteSignal(ctx, buySignal("sig-rej"), d("25.50"))
	require.Error(t, err)
	assert.Equal(t, StatusRejected, res.Status)
	require.NotNil(t, res.Order)
	assert.Equal(t, model.OrderStatusRejected, res.Order.Status)

	legs, err := h.orders.FindByParentID(ctx, res.Order.ID)
	require.NoError(t, err)
	for _, leg := range legs {
		assert.Equal(t, model.OrderStatusRejected, leg.Status)
	}
}

func TestTransientFailureIsReconciled(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.paper.FailNext("place_bracket_order", &broker.ConnectionError{Broker: "paper", Op: "place", Err: errors.New("reset")})

	res, err := h.exec.ExecuteSignal(ctx, buySignal("sig-tr"), d("25.50"))
	require.ErrorIs(t, err, ErrSubmissionPending)
	assert.Equal(t, StatusPending, res.Status)

	changed, err := h.exec.MonitorPendingOrders(ctx)
	require.NoError(t, err)
	assert.Empty(t, changed, "still inside the grace period")

	h.exec.now = func() time.Time { return time.Now().Add(10 * time.Minute) }
	changed, err = h.exec.MonitorPendingOrders(ctx)
	require.NoError(t, err)

	var entry *model.Order
	for i := range changed {
		if changed[i].ID == res.Order.ID {
			entry = &changed[i]
		}
	}
	require.NotNil(t, entry)
	assert.Equal(t, model.OrderStatusRejected, entry.Status)
	assert.Equal(t, notAcknowledgedReason, entry.Reason)
}

func TestWaitForFillTimeoutCancels(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.FillTimeout = 50 * time.Millisecond })
	h.paper.SetFillMode(connectors.FillManually)

	res, err := h.exec.ExecuteSignal(context.Background(), buySignal("sig-to"), d("25.50"))
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, res.Status)
	assert.Equal(t, model.OrderStatusCancelled, res.Order.Status)
	assert.False(t, res.Filled())
}

func TestMonitorPicksUpLateFill(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.WaitForFill = false })
	h.paper.SetFillMode(connectors.FillManually)
	ctx := context.Background()

	res, err := h.exec.ExecuteSignal(ctx, buySignal("sig-late"), d("25.50"))
	require.NoError(t, err)
	assert.Equal(t, StatusSubmitted, res.Status)

	require.NoError(t, h.paper.FillOrder(res.Order.BrokerOrderID, d("25.52")))

	changed, err := h.exec.MonitorPendingOrders(ctx)
	require.NoError(t, err)
	require.Len(t, changed, 1)
	assert.Equal(t, model.OrderStatusFilled, changed[0].Status)
	assert.True(t, changed[0].AvgFillPrice.Equal(d("25.52")))

	stats, err := h.exec.GetExecutionStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Filled)
	assert.True(t, stats.FillRate.Equal(d("1")))
	assert.True(t, stats.AvgSlippageBps.GreaterThan(decimal.Zero))
}

func TestSubmitExit(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	res, err := h.exec.ExecuteSignal(ctx, buySignal("sig-exit"), d("25.50"))
	require.NoError(t, err)

	pos := &model.Position{
		Symbol:            "ABCD",
		Side:              model.PositionSideLong,
		Quantity:          res.Order.FilledQuantity,
		CurrentPrice:      d("26"),
		EntryOrderID:      res.Order.ID,
		StopLossOrderID:   res.StopLoss.ID,
		TakeProfitOrderID: res.TakeProfit.ID,
	}
	exit, err := h.exec.SubmitExit(ctx, pos, model.CloseReasonManual)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusFilled, exit.Status)
	assert.Equal(t, model.OrderSideSell, exit.Side)
	assert.Equal(t, model.OrderRoleExit, exit.Role)
	assert.Equal(t, "manual", exit.Metadata[model.MetaCloseReason])

	legs, err := h.orders.FindByParentID(ctx, res.Order.ID)
	require.NoError(t, err)
	for _, leg := range legs {
		if leg.Role == model.OrderRoleExit {
			continue
		}
		assert.Equal(t, model.OrderStatusCancelled, leg.Status, leg.ID)
	}

	_, err = h.exec.SubmitExit(ctx, pos, model.CloseReasonManual)
	require.ErrorIs(t, err, ErrPositionFlat)
}

func TestValidateSignal(t *testing.T) {
	bad := d("1.2")
	tests := []struct {
		name   string
		signal model.TradingSignal
		field  string
	}{
		{"lowercase symbol", model.TradingSignal{Symbol: "ab$", Action: model.SignalActionBuy}, "symbol"},
		{"unknown action", model.TradingSignal{Symbol: "ABCD", Action: "HOLD"}, "action"},
		{"stop pct above one", model.TradingSignal{Symbol: "ABCD", Action: model.SignalActionBuy, Confidence: d("0.5"), StopLossPct: &bad}, "stop_loss_pct"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSignal(tt.signal, d("10"))
			var ve *ValidationError
			require.True(t, errors.As(err, &ve), "got %v", err)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}
