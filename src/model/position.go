package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type PositionSide string

const (
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
)

// Sign is +1 for long and -1 for short exposure.
func (s PositionSide) Sign() decimal.Decimal {
	if s == PositionSideShort {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// EntrySide is the order side that opens a position on this side.
func (s PositionSide) EntrySide() OrderSide {
	if s == PositionSideShort {
		return OrderSideSell
	}
	return OrderSideBuy
}

// ExitSide is the order side that flattens a position on this side.
func (s PositionSide) ExitSide() OrderSide {
	return s.EntrySide().Opposite()
}

// PositionSideFor maps the side of an entry order to the resulting exposure.
func PositionSideFor(side OrderSide) PositionSide {
	if side == OrderSideSell {
		return PositionSideShort
	}
	return PositionSideLong
}

type PositionState string

const (
	PositionStateOpen       PositionState = "open"
	PositionStateMonitoring PositionState = "monitoring"
	PositionStateClosing    PositionState = "closing"
	PositionStateClosed     PositionState = "closed"
)

type CloseReason string

const (
	CloseReasonStopLoss     CloseReason = "stop_loss"
	CloseReasonTakeProfit   CloseReason = "take_profit"
	CloseReasonManual       CloseReason = "manual"
	CloseReasonRiskOverride CloseReason = "risk_override"
	CloseReasonSignalClose  CloseReason = "signal_close"
)

// Position is the single open exposure the system holds for a symbol.
type Position struct {
	ID     string       `gorm:"primaryKey;size:64" json:"id"`
	Symbol string       `gorm:"size:32;not null;uniqueIndex" json:"symbol"`
	Side   PositionSide `gorm:"size:10;not null" json:"side"`

	Quantity         decimal.Decimal `gorm:"type:numeric(20,8);not null" json:"quantity"`
	EntryPrice       decimal.Decimal `gorm:"type:numeric(20,8);not null" json:"entry_price"`
	CurrentPrice     decimal.Decimal `gorm:"type:numeric(20,8);not null" json:"current_price"`
	CostBasis        decimal.Decimal `gorm:"type:numeric(20,8);not null" json:"cost_basis"`
	MarketValue      decimal.Decimal `gorm:"type:numeric(20,8);not null" json:"market_value"`
	UnrealizedPnL    decimal.Decimal `gorm:"type:numeric(20,8);not null;default:0" json:"unrealized_pnl"`
	UnrealizedPnLPct decimal.Decimal `gorm:"type:numeric(20,8);not null;default:0" json:"unrealized_pnl_pct"`

	StopLossPrice   *decimal.Decimal `gorm:"type:numeric(20,8)" json:"stop_loss_price,omitempty"`
	TakeProfitPrice *decimal.Decimal `gorm:"type:numeric(20,8)" json:"take_profit_price,omitempty"`
	TrailingStopPct *decimal.Decimal `gorm:"type:numeric(20,8)" json:"trailing_stop_pct,omitempty"`
	HighWaterMark   decimal.Decimal  `gorm:"type:numeric(20,8);not null;default:0" json:"high_water_mark"`

	State          PositionState `gorm:"size:20;not null;default:open" json:"state"`
	Stale          bool          `gorm:"not null;default:false" json:"stale"`
	OpenedAt       time.Time     `json:"opened_at"`
	PriceUpdatedAt time.Time     `json:"price_updated_at"`

	SignalID          string `gorm:"size:128;index" json:"signal_id,omitempty"`
	Strategy          string `gorm:"size:64" json:"strategy,omitempty"`
	EntryOrderID      string `gorm:"size:64" json:"entry_order_id,omitempty"`
	StopLossOrderID   string `gorm:"size:64" json:"stop_loss_order_id,omitempty"`
	TakeProfitOrderID string `gorm:"size:64" json:"take_profit_order_id,omitempty"`
	ClosingOrderID    string `gorm:"size:64" json:"closing_order_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Position) TableName() string {
	return "positions"
}

// HasBracketLegs reports whether broker-side exit orders protect the position.
func (p *Position) HasBracketLegs() bool {
	return p.StopLossOrderID != "" || p.TakeProfitOrderID != ""
}

// ClosedPosition is the immutable record of a finished trade.
type ClosedPosition struct {
	ID     string       `gorm:"primaryKey;size:64" json:"id"`
	Symbol string       `gorm:"size:32;not null;index" json:"symbol"`
	Side   PositionSide `gorm:"size:10;not null" json:"side"`

	Quantity       decimal.Decimal `gorm:"type:numeric(20,8);not null" json:"quantity"`
	EntryPrice     decimal.Decimal `gorm:"type:numeric(20,8);not null" json:"entry_price"`
	ExitPrice      decimal.Decimal `gorm:"type:numeric(20,8);not null" json:"exit_price"`
	CostBasis      decimal.Decimal `gorm:"type:numeric(20,8);not null" json:"cost_basis"`
	RealizedPnL    decimal.Decimal `gorm:"type:numeric(20,8);not null" json:"realized_pnl"`
	RealizedPnLPct decimal.Decimal `gorm:"type:numeric(20,8);not null" json:"realized_pnl_pct"`
	Fees           decimal.Decimal `gorm:"type:numeric(20,8);not null;default:0" json:"fees"`

	HoldDuration time.Duration `json:"hold_duration"`
	Reason       CloseReason   `gorm:"size:20;not null;index" json:"reason"`
	OpenedAt     time.Time     `json:"opened_at"`
	ClosedAt     time.Time     `gorm:"index" json:"closed_at"`

	SignalID     string `gorm:"size:128" json:"signal_id,omitempty"`
	Strategy     string `gorm:"size:64;index" json:"strategy,omitempty"`
	EntryOrderID string `gorm:"size:64" json:"entry_order_id,omitempty"`
	ExitOrderID  string `gorm:"size:64" json:"exit_order_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

func (ClosedPosition) TableName() string {
	return "closed_positions"
}

// PortfolioMetrics is a point-in-time aggregate over the open book.
type PortfolioMetrics struct {
	TotalExposure      decimal.Decimal `json:"total_exposure"`
	LongExposure       decimal.Decimal `json:"long_exposure"`
	ShortExposure      decimal.Decimal `json:"short_exposure"`
	TotalUnrealizedPnL decimal.Decimal `json:"total_unrealized_pnl"`
	PositionCount      int             `json:"position_count"`
	StaleCount         int             `json:"stale_count"`
	ComputedAt         time.Time       `json:"computed_at"`
}

// PerformanceStats summarizes closed trades.
type PerformanceStats struct {
	TotalTrades      int             `json:"total_trades"`
	Wins             int             `json:"wins"`
	Losses           int             `json:"losses"`
	WinRate          decimal.Decimal `json:"win_rate"`
	AvgWin           decimal.Decimal `json:"avg_win"`
	AvgLoss          decimal.Decimal `json:"avg_loss"`
	ProfitFactor     decimal.Decimal `json:"profit_factor"`
	TotalRealizedPnL decimal.Decimal `json:"total_realized_pnl"`
	AvgHoldDuration  time.Duration   `json:"avg_hold_duration"`
}
