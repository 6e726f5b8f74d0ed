package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type SignalAction string

const (
	SignalActionBuy   SignalAction = "BUY"
	SignalActionSell  SignalAction = "SELL"
	SignalActionClose SignalAction = "CLOSE"
)

func (a SignalAction) Valid() bool {
	switch a {
	case SignalActionBuy, SignalActionSell, SignalActionClose:
		return true
	default:
		return false
	}
}

// TradingSignal is a directional instruction produced upstream. It is
// untrusted input: every field is validated before use.
// Percentages are fractions, 0.08 means 8%.
type TradingSignal struct {
	ID               string            `json:"id"`
	Symbol           string            `json:"symbol"`
	Action           SignalAction      `json:"action"`
	Confidence       decimal.Decimal   `json:"confidence"`
	SuggestedSizePct decimal.Decimal   `json:"suggested_size_pct"`
	StopLossPct      *decimal.Decimal  `json:"stop_loss_pct,omitempty"`
	TakeProfitPct    *decimal.Decimal  `json:"take_profit_pct,omitempty"`
	TrailingStopPct  *decimal.Decimal  `json:"trailing_stop_pct,omitempty"`
	Strategy         string            `json:"strategy,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
}
