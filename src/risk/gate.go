package risk

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
)

// TradeProposal is what the executor wants to do before any order exists.
type TradeProposal struct {
	Symbol   string
	Quantity decimal.Decimal
	Price    decimal.Decimal
	// Equity is the account equity the proposal is sized against.
	Equity decimal.Decimal
	// CurrentExposure is the absolute market value already held.
	CurrentExposure decimal.Decimal
	// ReducesRisk marks exits and position reductions, which are never blocked.
	ReducesRisk bool
}

func (p TradeProposal) Notional() decimal.Decimal {
	return p.Quantity.Mul(p.Price).Abs()
}

// Gate runs the pre-trade checks in a fixed order and returns the first
// failure. Order: size bounds, single-position share of equity, total
// exposure, circuit breaker.
type Gate struct {
	limits  Limits
	breaker *CircuitBreaker
	log     *logger.Entry
}

func NewGate(limits Limits, breaker *CircuitBreaker, log *logger.Entry) *Gate {
	if log == nil {
		log = logger.NewEntry(logger.StandardLogger())
	}
	return &Gate{
		limits:  limits,
		breaker: breaker,
		log:     log.WithField("component", "risk_gate"),
	}
}

func (g *Gate) Breaker() *CircuitBreaker {
	return g.breaker
}

func (g *Gate) Limits() Limits {
	return g.limits
}

// Precheck rejects up front while the daily-loss breaker blocks entries, so
// callers can skip broker work. It never admits the half-open probe; Check
// still does.
func (g *Gate) Precheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if g.breaker == nil {
		return nil
	}
	if err := g.breaker.Blocked(); err != nil {
		return &RejectionError{
			Check:  CheckCircuitBreaker,
			Reason: err.Error(),
			Err:    err,
		}
	}
	return nil
}

// Check validates p. The returned error is a *RejectionError wrapping one of
// the package sentinels, so errors.Is works for callers.
func (g *Gate) Check(ctx context.Context, p TradeProposal) error {
	if p.ReducesRisk {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := g.checkSize(p); err != nil {
		return g.reject(p, err)
	}
	if err := g.checkConcentration(p); err != nil {
		return g.reject(p, err)
	}
	if err := g.checkExposure(p); err != nil {
		return g.reject(p, err)
	}
	if g.breaker != nil {
		probe, err := g.breaker.admit()
		if err != nil {
			return g.reject(p, &RejectionError{
				Check:  CheckCircuitBreaker,
				Reason: err.Error(),
				Err:    err,
			})
		}
		if probe {
			markProbe(ctx)
			g.log.WithField("symbol", p.Symbol).Info("entry admitted as circuit breaker probe")
		}
	}
	return nil
}

func (g *Gate) checkSize(p TradeProposal) *RejectionError {
	qty := p.Quantity.Abs()
	notional := p.Notional()
	switch {
	case qty.LessThan(g.limits.MinShares):
		return sizeRejection("quantity %s below minimum %s", qty, g.limits.MinShares)
	case g.limits.MaxShares.IsPositive() && qty.GreaterThan(g.limits.MaxShares):
		return sizeRejection("quantity %s above maximum %s", qty, g.limits.MaxShares)
	case notional.LessThan(g.limits.MinNotional):
		return sizeRejection("notional %s below minimum %s", notional, g.limits.MinNotional)
	case g.limits.MaxNotional.IsPositive() && notional.GreaterThan(g.limits.MaxNotional):
		return sizeRejection("notional %s above maximum %s", notional, g.limits.MaxNotional)
	}
	return nil
}

func sizeRejection(format string, got, limit decimal.Decimal) *RejectionError {
	return &RejectionError{
		Check:  CheckPositionSize,
		Reason: fmt.Sprintf(format, got.String(), limit.String()),
		Err:    ErrPositionSizeLimit,
	}
}

func (g *Gate) checkConcentration(p TradeProposal) *RejectionError {
	maxValue := p.Equity.Mul(g.limits.MaxPositionPct)
	if p.Notional().GreaterThan(maxValue) {
		return &RejectionError{
			Check: CheckConcentration,
			Reason: fmt.Sprintf("notional %s exceeds %s%% of equity (%s)",
				p.Notional().StringFixed(2), g.limits.MaxPositionPct.Shift(2).String(), maxValue.StringFixed(2)),
			Err: ErrPositionConcentration,
		}
	}
	return nil
}

func (g *Gate) checkExposure(p TradeProposal) *RejectionError {
	maxExposure := p.Equity.Mul(g.limits.MaxPortfolioExposurePct)
	after := p.CurrentExposure.Abs().Add(p.Notional())
	if after.GreaterThan(maxExposure) {
		return &RejectionError{
			Check: CheckExposure,
			Reason: fmt.Sprintf("exposure after trade %s exceeds limit %s",
				after.StringFixed(2), maxExposure.StringFixed(2)),
			Err: ErrExposureLimit,
		}
	}
	return nil
}

func (g *Gate) reject(p TradeProposal, rej *RejectionError) error {
	g.log.WithFields(logger.Fields{
		"symbol":   p.Symbol,
		"quantity": p.Quantity.String(),
		"price":    p.Price.String(),
		"check":    rej.Check,
	}).Warn("trade rejected by risk gate: " + rej.Reason)
	return rej
}
