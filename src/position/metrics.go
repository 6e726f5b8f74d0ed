package position

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Amenzel91/catalyst-bot-sub000/src/model"
	"github.com/Amenzel91/catalyst-bot-sub000/src/repository"
)

func (m *Manager) CalculatePortfolioMetrics() model.PortfolioMetrics {
	metrics := model.PortfolioMetrics{
		TotalExposure:      decimal.Zero,
		LongExposure:       decimal.Zero,
		ShortExposure:      decimal.Zero,
		TotalUnrealizedPnL: decimal.Zero,
		ComputedAt:         m.now().UTC(),
	}
	for _, p := range m.Positions() {
		value := p.MarketValue.Abs()
		metrics.TotalExposure = metrics.TotalExposure.Add(value)
		if p.Side == model.PositionSideShort {
			metrics.ShortExposure = metrics.ShortExposure.Add(value)
		} else {
			metrics.LongExposure = metrics.LongExposure.Add(value)
		}
		metrics.TotalUnrealizedPnL = metrics.TotalUnrealizedPnL.Add(p.UnrealizedPnL)
		metrics.PositionCount++
		if p.Stale {
			metrics.StaleCount++
		}
	}
	return metrics
}

// GetPerformanceStats summarizes closed trades matching filter. AvgLoss is
// reported as a positive amount; ProfitFactor is gross wins over gross
// losses and zero when nothing was lost.
func (m *Manager) GetPerformanceStats(ctx context.Context, filter repository.ClosedPositionFilter) (model.PerformanceStats, error) {
	closed, err := m.store.ListClosed(ctx, filter)
	if err != nil {
		return model.PerformanceStats{}, err
	}
	return performanceOf(closed), nil
}

func performanceOf(closed []model.ClosedPosition) model.PerformanceStats {
	stats := model.PerformanceStats{
		WinRate:          decimal.Zero,
		AvgWin:           decimal.Zero,
		AvgLoss:          decimal.Zero,
		ProfitFactor:     decimal.Zero,
		TotalRealizedPnL: decimal.Zero,
	}
	if len(closed) == 0 {
		return stats
	}

	grossWin := decimal.Zero
	grossLoss := decimal.Zero
	var hold time.Duration
	for _, c := range closed {
		stats.TotalTrades++
		stats.TotalRealizedPnL = stats.TotalRealizedPnL.Add(c.RealizedPnL)
		hold += c.HoldDuration
		switch {
		case c.RealizedPnL.IsPositive():
			stats.Wins++
			grossWin = grossWin.Add(c.RealizedPnL)
		case c.RealizedPnL.IsNegative():
			stats.Losses++
			grossLoss = grossLoss.Add(c.RealizedPnL.Abs())
		}
	}

	total := decimal.NewFromInt(int64(stats.TotalTrades))
	stats.WinRate = decimal.NewFromInt(int64(stats.Wins)).Div(total).Round(4)
	if stats.Wins > 0 {
		stats.AvgWin = grossWin.Div(decimal.NewFromInt(int64(stats.Wins))).Round(2)
	}
	if stats.Losses > 0 {
		stats.AvgLoss = grossLoss.Div(decimal.NewFromInt(int64(stats.Losses))).Round(2)
	}
	if grossLoss.IsPositive() {
		stats.ProfitFactor = grossWin.Div(grossLoss).Round(4)
	}
	stats.AvgHoldDuration = hold / time.Duration(stats.TotalTrades)
	return stats
}
