package executor

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/Amenzel91/catalyst-bot-sub000/src/model"
)

// SizingInput is everything a Sizer may look at.
type SizingInput struct {
	Signal    model.TradingSignal
	Equity    decimal.Decimal
	Price     decimal.Decimal
	StopPrice *decimal.Decimal
}

// Sizer turns a signal into a raw share count before clamping.
type Sizer interface {
	Name() string
	Size(in SizingInput) decimal.Decimal
}

// SizeResult is the clamped quantity for a signal. NoTrade is set instead of
// ever producing a zero quantity.
type SizeResult struct {
	Quantity decimal.Decimal `json:"quantity"`
	Notional decimal.Decimal `json:"notional"`
	Method   string          `json:"method"`
	NoTrade  bool            `json:"no_trade"`
	Reason   string          `json:"reason,omitempty"`
	Clamped  bool            `json:"clamped"`
}

// PercentOfPortfolio sizes floor(equity * sizePct * confidence / price).
type PercentOfPortfolio struct {
	DefaultSizePct decimal.Decimal
}

func (PercentOfPortfolio) Name() string { return SizingPercentOfPortfolio }

func (s PercentOfPortfolio) Size(in SizingInput) decimal.Decimal {
	pct := in.Signal.SuggestedSizePct
	if !pct.IsPositive() {
		pct = s.DefaultSizePct
	}
	if !in.Price.IsPositive() {
		return decimal.Zero
	}
	return in.Equity.Mul(pct).Mul(in.Signal.Confidence).Div(in.Price).Floor()
}

// RiskBased sizes floor(equity * riskPct / |entry - stop|), so a stop-out
// loses riskPct of equity. Without a stop it falls back to Fallback.
type RiskBased struct {
	RiskPct  decimal.Decimal
	Fallback Sizer
}

func (RiskBased) Name() string { return SizingRiskBased }

func (s RiskBased) Size(in SizingInput) decimal.Decimal {
	if in.StopPrice == nil {
		if s.Fallback != nil {
			return s.Fallback.Size(in)
		}
		return decimal.Zero
	}
	distance := in.Price.Sub(*in.StopPrice).Abs()
	if !distance.IsPositive() {
		return decimal.Zero
	}
	return in.Equity.Mul(s.RiskPct).Div(distance).Floor()
}

// Kelly sizes a fraction of the Kelly bet f = W - (1-W)/R from the configured
// win rate W and payoff ratio R, capped at Cap of equity and scaled by
// signal confidence.
type Kelly struct {
	WinRate  decimal.Decimal
	Payoff   decimal.Decimal
	Fraction decimal.Decimal
	Cap      decimal.Decimal
}

func (Kelly) Name() string { return SizingKelly }

func (s Kelly) effectiveFraction() decimal.Decimal {
	if !s.Payoff.IsPositive() {
		return decimal.Zero
	}
	f := s.WinRate.Sub(decimal.NewFromInt(1).Sub(s.WinRate).Div(s.Payoff))
	if !f.IsPositive() {
		return decimal.Zero
	}
	f = f.Mul(s.Fraction)
	if s.Cap.IsPositive() && f.GreaterThan(s.Cap) {
		f = s.Cap
	}
	return f
}

func (s Kelly) Size(in SizingInput) decimal.Decimal {
	if !in.Price.IsPositive() {
		return decimal.Zero
	}
	return in.Equity.Mul(s.effectiveFraction()).Mul(in.Signal.Confidence).Div(in.Price).Floor()
}

// NewSizer builds the configured strategy.
func NewSizer(cfg Config) (Sizer, error) {
	percent := PercentOfPortfolio{DefaultSizePct: decimal.NewFromFloat(cfg.DefaultSizePct)}
	switch cfg.SizingMethod {
	case SizingPercentOfPortfolio, "":
		return percent, nil
	case SizingRiskBased:
		return RiskBased{RiskPct: decimal.NewFromFloat(cfg.RiskPct), Fallback: percent}, nil
	case SizingKelly:
		return Kelly{
			WinRate:  decimal.NewFromFloat(cfg.KellyWinRate),
			Payoff:   decimal.NewFromFloat(cfg.KellyPayoff),
			Fraction: decimal.NewFromFloat(cfg.KellyFraction),
			Cap:      decimal.NewFromFloat(cfg.KellyCap),
		}, nil
	default:
		return nil, fmt.Errorf("unknown sizing method %q", cfg.SizingMethod)
	}
}

// CalculatePositionSize runs sizer and applies limits and buying power.
func CalculatePositionSize(sizer Sizer, limits SizingLimits, signal model.TradingSignal, account *model.Account, price decimal.Decimal, stopPrice *decimal.Decimal) SizeResult {
	res := SizeResult{Method: sizer.Name()}
	if account == nil || !price.IsPositive() {
		res.NoTrade = true
		res.Reason = "no account or price"
		return res
	}

	qty := sizer.Size(SizingInput{
		Signal:    signal,
		Equity:    account.Equity,
		Price:     price,
		StopPrice: stopPrice,
	})

	if limits.MaxShares.IsPositive() && qty.GreaterThan(limits.MaxShares) {
		qty = limits.MaxShares.Floor()
		res.Clamped = true
	}
	if limits.MaxNotional.IsPositive() && qty.Mul(price).GreaterThan(limits.MaxNotional) {
		qty = limits.MaxNotional.Div(price).Floor()
		res.Clamped = true
	}
	if account.BuyingPower.IsPositive() && qty.Mul(price).GreaterThan(account.BuyingPower) {
		qty = account.BuyingPower.Div(price).Floor()
		res.Clamped = true
	}

	res.Quantity = qty
	res.Notional = qty.Mul(price)
	switch {
	case !qty.IsPositive():
		res.NoTrade = true
		res.Reason = "computed size is zero"
	case qty.LessThan(limits.MinShares):
		res.NoTrade = true
		res.Reason = fmt.Sprintf("size %s below minimum %s shares", qty, limits.MinShares)
	case res.Notional.LessThan(limits.MinNotional):
		res.NoTrade = true
		res.Reason = fmt.Sprintf("notional %s below minimum %s", res.Notional.StringFixed(2), limits.MinNotional)
	}
	if res.NoTrade {
		res.Quantity = decimal.Zero
		res.Notional = decimal.Zero
	}
	return res
}
