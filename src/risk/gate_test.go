package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLimits() Limits {
	return Config{
		MinShares:               1,
		MaxShares:               1000,
		MinNotional:             1,
		MaxNotional:             20000,
		MaxPositionPct:          0.10,
		MaxPortfolioExposurePct: 0.50,
		MaxDailyLossPct:         0.10,
		BreakerCooldown:         time.Hour,
	}.Limits()
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestGateCheck(t *testing.T) {
	log, _ := logrustest.NewNullLogger()
	entry := log.WithField("test", "gate")

	tests := []struct {
		name     string
		proposal TradeProposal
		wantErr  error
		check    string
	}{
		{
			name:     "within all limits",
			proposal: TradeProposal{Symbol: "AAPL", Quantity: dec("50"), Price: dec("100"), Equity: dec("100000")},
		},
		{
			name:     "below min shares",
			proposal: TradeProposal{Symbol: "AAPL", Quantity: dec("0.5"), Price: dec("100"), Equity: dec("100000")},
			wantErr:  ErrPositionSizeLimit,
			check:    CheckPositionSize,
		},
		{
			name:     "above max notional",
			proposal: TradeProposal{Symbol: "AAPL", Quantity: dec("900"), Price: dec("30"), Equity: dec("1000000")},
			wantErr:  ErrPositionSizeLimit,
			check:    CheckPositionSize,
		},
		{
			name:     "over max position pct",
			proposal: TradeProposal{Symbol: "AAPL", Quantity: dec("101"), Price: dec("100"), Equity: dec("100000")},
			wantErr:  ErrPositionConcentration,
			check:    CheckConcentration,
		},
		{
			name: "over portfolio exposure",
			proposal: TradeProposal{Symbol: "AAPL", Quantity: dec("50"), Price: dec("100"), Equity: dec("100000"),
				CurrentExposure: dec("46000")},
			wantErr: ErrExposureLimit,
			check:   CheckExposure,
		},
		{
			name: "size checked before exposure",
			proposal: TradeProposal{Symbol: "AAPL", Quantity: dec("2000"), Price: dec("1"), Equity: dec("100000"),
				CurrentExposure: dec("60000")},
			wantErr: ErrPositionSizeLimit,
			check:   CheckPositionSize,
		},
		{
			name: "exits are never blocked",
			proposal: TradeProposal{Symbol: "AAPL", Quantity: dec("5000"), Price: dec("100"), Equity: dec("1000"),
				CurrentExposure: dec("500000"), ReducesRisk: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			breaker := NewCircuitBreaker(testLimits(), entry)
			gate := NewGate(testLimits(), breaker, entry)
			err := gate.Check(context.Background(), tt.proposal)
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			var rej *RejectionError
			require.True(t, errors.As(err, &rej))
			assert.Equal(t, tt.check, rej.Check)
		})
	}
}

func TestGateCircuitBreakerIsLastCheck(t *testing.T) {
	log, _ := logrustest.NewNullLogger()
	entry := log.WithField("test", "gate")
	breaker := NewCircuitBreaker(testLimits(), entry)
	breaker.StartDay(nyDate(2024, 3, 12, 10), dec("10000"))
	breaker.Evaluate(dec("-1000"), decimal.Zero)
	gate := NewGate(testLimits(), breaker, entry)

	err := gate.Check(context.Background(), TradeProposal{Symbol: "AAPL", Quantity: dec("5"), Price: dec("100"), Equity: dec("10000")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCircuitOpen))

	err = gate.Check(context.Background(), TradeProposal{Symbol: "AAPL", Quantity: dec("5000"), Price: dec("100"), Equity: dec("10000")})
	assert.True(t, errors.Is(err, ErrPositionSizeLimit), "size violations reported before the breaker")

	err = gate.Check(context.Background(), TradeProposal{Symbol: "AAPL", Quantity: dec("5"), Price: dec("100"), Equity: dec("10000"), ReducesRisk: true})
	assert.NoError(t, err)
}

func TestGateMarksProbeTicket(t *testing.T) {
	log, _ := logrustest.NewNullLogger()
	entry := log.WithField("test", "gate")
	breaker := NewCircuitBreaker(testLimits(), entry)
	clock := &fakeClock{t: nyDate(2024, 3, 12, 10)}
	breaker.now = clock.Now
	breaker.StartDay(clock.Now(), dec("10000"))
	breaker.Evaluate(dec("-1000"), decimal.Zero)
	gate := NewGate(testLimits(), breaker, entry)
	proposal := TradeProposal{Symbol: "AAPL", Quantity: dec("5"), Price: dec("100"), Equity: dec("10000")}

	ctx, ticket := WithProbeTicket(context.Background())
	require.Error(t, gate.Check(ctx, proposal))
	assert.False(t, ticket.Admitted())

	clock.Advance(2 * time.Hour)
	ctx, ticket = WithProbeTicket(context.Background())
	require.NoError(t, gate.Check(ctx, proposal))
	assert.True(t, ticket.Admitted())
	assert.Equal(t, BreakerHalfOpen, breaker.State())

	other, otherTicket := WithProbeTicket(context.Background())
	require.ErrorIs(t, gate.Check(other, proposal), ErrCircuitOpen)
	assert.False(t, otherTicket.Admitted())

	breaker.RecordProbe(true)
	assert.Equal(t, BreakerClosed, breaker.State())
	require.NoError(t, gate.Check(context.Background(), proposal))
}

func TestGatePrecheckLeavesProbeUnclaimed(t *testing.T) {
	log, _ := logrustest.NewNullLogger()
	entry := log.WithField("test", "gate")
	breaker := NewCircuitBreaker(testLimits(), entry)
	clock := &fakeClock{t: nyDate(2024, 3, 12, 10)}
	breaker.now = clock.Now
	breaker.StartDay(clock.Now(), dec("10000"))
	gate := NewGate(testLimits(), breaker, entry)

	require.NoError(t, gate.Precheck(context.Background()))

	breaker.Evaluate(dec("-1000"), decimal.Zero)
	err := gate.Precheck(context.Background())
	require.ErrorIs(t, err, ErrCircuitOpen)
	var rej *RejectionError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, CheckCircuitBreaker, rej.Check)

	clock.Advance(2 * time.Hour)
	require.NoError(t, gate.Precheck(context.Background()))
	assert.Equal(t, BreakerOpen, breaker.State(), "precheck does not move to half-open")

	ctx, ticket := WithProbeTicket(context.Background())
	proposal := TradeProposal{Symbol: "AAPL", Quantity: dec("5"), Price: dec("100"), Equity: dec("10000")}
	require.NoError(t, gate.Check(ctx, proposal))
	assert.True(t, ticket.Admitted())
	require.ErrorIs(t, gate.Precheck(context.Background()), ErrCircuitOpen)
}
