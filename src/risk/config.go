package risk

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
)

type Config struct {
	MinShares               float64       `envconfig:"RISK_MIN_SHARES" default:"1"`
	MaxShares               float64       `envconfig:"RISK_MAX_SHARES" default:"10000"`
	MinNotional             float64       `envconfig:"RISK_MIN_NOTIONAL" default:"1"`
	MaxNotional             float64       `envconfig:"RISK_MAX_NOTIONAL" default:"50000"`
	MaxPositionPct          float64       `envconfig:"RISK_MAX_POSITION_PCT" default:"0.10"`
	MaxPortfolioExposurePct float64       `envconfig:"RISK_MAX_EXPOSURE_PCT" default:"0.80"`
	MaxDailyLossPct         float64       `envconfig:"RISK_MAX_DAILY_LOSS_PCT" default:"0.10"`
	BreakerCooldown         time.Duration `envconfig:"RISK_BREAKER_COOLDOWN" default:"30m"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}

// Limits is Config converted to decimals once.
type Limits struct {
	MinShares               decimal.Decimal
	MaxShares               decimal.Decimal
	MinNotional             decimal.Decimal
	MaxNotional             decimal.Decimal
	MaxPositionPct          decimal.Decimal
	MaxPortfolioExposurePct decimal.Decimal
	MaxDailyLossPct         decimal.Decimal
	BreakerCooldown         time.Duration
}

func (c Config) Limits() Limits {
	return Limits{
		MinShares:               decimal.NewFromFloat(c.MinShares),
		MaxShares:               decimal.NewFromFloat(c.MaxShares),
		MinNotional:             decimal.NewFromFloat(c.MinNotional),
		MaxNotional:             decimal.NewFromFloat(c.MaxNotional),
		MaxPositionPct:          decimal.NewFromFloat(c.MaxPositionPct),
		MaxPortfolioExposurePct: decimal.NewFromFloat(c.MaxPortfolioExposurePct),
		MaxDailyLossPct:         decimal.NewFromFloat(c.MaxDailyLossPct),
		BreakerCooldown:         c.BreakerCooldown,
	}
}
