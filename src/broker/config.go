package broker

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	RetryAttempts    int           `envconfig:"BROKER_RETRY_ATTEMPTS" default:"3"`
	RetryBaseDelay   time.Duration `envconfig:"BROKER_RETRY_BASE_DELAY" default:"2s"`
	RetryMaxDelay    time.Duration `envconfig:"BROKER_RETRY_MAX_DELAY" default:"30s"`
	BreakerThreshold int           `envconfig:"BROKER_BREAKER_THRESHOLD" default:"5"`
	BreakerCooldown  time.Duration `envconfig:"BROKER_BREAKER_COOLDOWN" default:"30s"`
	RatePerMinute    int           `envconfig:"BROKER_RATE_PER_MINUTE" default:"200"`
	QuoteTimeout     time.Duration `envconfig:"BROKER_QUOTE_TIMEOUT" default:"10s"`
	OrderTimeout     time.Duration `envconfig:"BROKER_ORDER_TIMEOUT" default:"30s"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
