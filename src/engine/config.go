package engine

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	RefreshInterval time.Duration `envconfig:"ENGINE_REFRESH_INTERVAL" default:"60s"`
	SignalWorkers   int           `envconfig:"ENGINE_SIGNAL_WORKERS" default:"4"`
	PriceTimeout    time.Duration `envconfig:"ENGINE_PRICE_TIMEOUT" default:"10s"`
	ServiceName     string        `envconfig:"ENGINE_SERVICE_NAME" default:"trading_engine"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
