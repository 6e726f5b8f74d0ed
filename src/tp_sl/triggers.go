package tp_sl

import (
	"github.com/shopspring/decimal"

	"github.com/Amenzel91/catalyst-bot-sub000/src/model"
)

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// StopLossHit reports whether price breached the stop. Equality counts.
//
// Long:  price <= stop
// Short: price >= stop
func StopLossHit(side model.PositionSide, price, stop decimal.Decimal) bool {
	if side == model.PositionSideShort {
		return price.GreaterThanOrEqual(stop)
	}
	return price.LessThanOrEqual(stop)
}

// TakeProfitHit reports whether price reached the target. Equality counts.
//
// Long:  price >= target
// Short: price <= target
func TakeProfitHit(side model.PositionSide, price, target decimal.Decimal) bool {
	if side == model.PositionSideShort {
		return price.LessThanOrEqual(target)
	}
	return price.GreaterThanOrEqual(target)
}

// Evaluate checks a position's exits against its current price. A price that
// gapped through both levels closes as a stop loss.
func Evaluate(p *model.Position) (model.CloseReason, bool) {
	if !p.CurrentPrice.IsPositive() {
		return "", false
	}
	if p.StopLossPrice != nil && StopLossHit(p.Side, p.CurrentPrice, *p.StopLossPrice) {
		return model.CloseReasonStopLoss, true
	}
	if p.TakeProfitPrice != nil && TakeProfitHit(p.Side, p.CurrentPrice, *p.TakeProfitPrice) {
		return model.CloseReasonTakeProfit, true
	}
	return "", false
}

// StopPriceFor places a stop pct (fraction) away from entry, against the position.
func StopPriceFor(side model.PositionSide, entry, pct decimal.Decimal) decimal.Decimal {
	if side == model.PositionSideShort {
		return RoundPrice(entry.Mul(one.Add(pct)))
	}
	return RoundPrice(entry.Mul(one.Sub(pct)))
}

// TargetPriceFor places a target pct (fraction) away from entry, in favour of the position.
func TargetPriceFor(side model.PositionSide, entry, pct decimal.Decimal) decimal.Decimal {
	if side == model.PositionSideShort {
		return RoundPrice(entry.Mul(one.Sub(pct)))
	}
	return RoundPrice(entry.Mul(one.Add(pct)))
}

// RewardRisk is |target-entry| / |entry-stop|. Zero risk yields zero.
func RewardRisk(entry, stop, target decimal.Decimal) decimal.Decimal {
	risk := entry.Sub(stop).Abs()
	if risk.IsZero() {
		return decimal.Zero
	}
	return target.Sub(entry).Abs().Div(risk)
}

// RoundPrice rounds to cents, or to 4 places for sub-dollar prices.
func RoundPrice(p decimal.Decimal) decimal.Decimal {
	if p.LessThan(one) {
		return p.Round(4)
	}
	return p.Round(2)
}

// UnrealizedPnL is (current-entry)*qty*sign.
func UnrealizedPnL(side model.PositionSide, entry, current, qty decimal.Decimal) decimal.Decimal {
	return current.Sub(entry).Mul(qty).Mul(side.Sign())
}

// PnLPct expresses pnl as a percentage of cost basis.
func PnLPct(pnl, costBasis decimal.Decimal) decimal.Decimal {
	if costBasis.IsZero() {
		return decimal.Zero
	}
	return pnl.Div(costBasis).Mul(hundred).Round(4)
}

// ComputeNextTrailingStop ratchets a trailing stop behind the best price seen.
//
// Long:
// - watermark: max(watermark, price)
// - candidate: watermark * (1 - trailPct)
// - update: SL = max(SL, candidate)
//
// Short:
// - watermark: min(watermark, price)
// - candidate: watermark * (1 + trailPct)
// - update: SL = min(SL, candidate)
func ComputeNextTrailingStop(
	side model.PositionSide,
	currentSL *decimal.Decimal,
	watermark decimal.Decimal,
	price decimal.Decimal,
	trailPct decimal.Decimal,
) (newSL decimal.Decimal, newWatermark decimal.Decimal, moved bool) {
	if !price.IsPositive() || !trailPct.IsPositive() {
		if currentSL != nil {
			return *currentSL, watermark, false
		}
		return decimal.Zero, watermark, false
	}

	switch side {
	case model.PositionSideShort:
		if watermark.IsZero() || price.LessThan(watermark) {
			watermark = price
		}
		candidate := RoundPrice(watermark.Mul(one.Add(trailPct)))
		if currentSL == nil || candidate.LessThan(*currentSL) {
			return candidate, watermark, true
		}
		return *currentSL, watermark, false

	default:
		if price.GreaterThan(watermark) {
			watermark = price
		}
		candidate := RoundPrice(watermark.Mul(one.Sub(trailPct)))
		if currentSL == nil || candidate.GreaterThan(*currentSL) {
			return candidate, watermark, true
		}
		return *currentSL, watermark, false
	}
}
