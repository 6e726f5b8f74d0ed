package executor

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
)

const (
	SizingPercentOfPortfolio = "percent_of_portfolio"
	SizingRiskBased          = "risk_based"
	SizingKelly              = "kelly"
)

type Config struct {
	SizingMethod   string  `envconfig:"EXECUTOR_SIZING_METHOD" default:"percent_of_portfolio"`
	DefaultSizePct float64 `envconfig:"EXECUTOR_DEFAULT_SIZE_PCT" default:"0.05"`
	RiskPct        float64 `envconfig:"EXECUTOR_RISK_PCT" default:"0.01"`

	KellyWinRate  float64 `envconfig:"EXECUTOR_KELLY_WIN_RATE" default:"0.55"`
	KellyPayoff   float64 `envconfig:"EXECUTOR_KELLY_PAYOFF" default:"2"`
	KellyFraction float64 `envconfig:"EXECUTOR_KELLY_FRACTION" default:"0.5"`
	KellyCap      float64 `envconfig:"EXECUTOR_KELLY_CAP" default:"0.10"`

	MinShares   float64 `envconfig:"EXECUTOR_MIN_SHARES" default:"1"`
	MaxShares   float64 `envconfig:"EXECUTOR_MAX_SHARES" default:"10000"`
	MinNotional float64 `envconfig:"EXECUTOR_MIN_NOTIONAL" default:"1"`
	MaxNotional float64 `envconfig:"EXECUTOR_MAX_NOTIONAL" default:"50000"`

	MinRewardRisk float64 `envconfig:"EXECUTOR_MIN_REWARD_RISK" default:"2"`
	AllowShort    bool    `envconfig:"EXECUTOR_ALLOW_SHORT" default:"false"`

	WaitForFill  bool          `envconfig:"EXECUTOR_WAIT_FOR_FILL" default:"true"`
	FillTimeout  time.Duration `envconfig:"EXECUTOR_FILL_TIMEOUT" default:"60s"`
	PollInterval time.Duration `envconfig:"EXECUTOR_POLL_INTERVAL" default:"2s"`
	// PendingGrace is how long an order may stay unknown to the broker before
	// reconciliation marks it rejected.
	PendingGrace time.Duration `envconfig:"EXECUTOR_PENDING_GRACE" default:"5m"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}

// SizingLimits are the clamps applied after any sizing strategy.
type SizingLimits struct {
	MinShares   decimal.Decimal
	MaxShares   decimal.Decimal
	MinNotional decimal.Decimal
	MaxNotional decimal.Decimal
}

func (c Config) SizingLimits() SizingLimits {
	return SizingLimits{
		MinShares:   decimal.NewFromFloat(c.MinShares),
		MaxShares:   decimal.NewFromFloat(c.MaxShares),
		MinNotional: decimal.NewFromFloat(c.MinNotional),
		MaxNotional: decimal.NewFromFloat(c.MaxNotional),
	}
}
