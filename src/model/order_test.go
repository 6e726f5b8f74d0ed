package model

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestOrderStatusCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from OrderStatus
		to   OrderStatus
		want bool
	}{
		{"pending to submitted", OrderStatusPending, OrderStatusSubmitted, true},
		{"pending to rejected", OrderStatusPending, OrderStatusRejected, true},
		{"submitted to partial", OrderStatusSubmitted, OrderStatusPartiallyFilled, true},
		{"partial to partial", OrderStatusPartiallyFilled, OrderStatusPartiallyFilled, true},
		{"partial to filled", OrderStatusPartiallyFilled, OrderStatusFilled, true},
		{"submitted to expired", OrderStatusSubmitted, OrderStatusExpired, true},
		{"submitted back to pending", OrderStatusSubmitted, OrderStatusPending, false},
		{"partial back to submitted", OrderStatusPartiallyFilled, OrderStatusSubmitted, false},
		{"filled to cancelled", OrderStatusFilled, OrderStatusCancelled, false},
		{"cancelled to filled", OrderStatusCancelled, OrderStatusFilled, false},
		{"rejected to submitted", OrderStatusRejected, OrderStatusSubmitted, false},
		{"unknown target", OrderStatusSubmitted, OrderStatus("weird"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}
}

func TestPositionSideHelpers(t *testing.T) {
	assert.Equal(t, OrderSideBuy, PositionSideLong.EntrySide())
	assert.Equal(t, OrderSideSell, PositionSideLong.ExitSide())
	assert.Equal(t, OrderSideBuy, PositionSideShort.ExitSide())
	assert.Equal(t, PositionSideShort, PositionSideFor(OrderSideSell))
	assert.True(t, PositionSideShort.Sign().IsNegative())
}

func TestOrderMetaDecimal(t *testing.T) {
	o := &Order{}
	if o.MetaDecimal(MetaStopLossPrice) != nil {
		t.Fatal("expected nil for missing key")
	}
	o.SetMeta(MetaStopLossPrice, "23.46")
	o.SetMeta(MetaTakeProfitPrice, "abc")

	got := o.MetaDecimal(MetaStopLossPrice)
	if got == nil || !got.Equal(decimal.RequireFromString("23.46")) {
		t.Fatalf("unexpected stop loss %v", got)
	}
	if o.MetaDecimal(MetaTakeProfitPrice) != nil {
		t.Fatal("malformed value should be ignored")
	}
}
