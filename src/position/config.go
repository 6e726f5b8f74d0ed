package position

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// StaleAfter flags positions whose price has not been refreshed for this long.
	StaleAfter       time.Duration `envconfig:"POSITION_STALE_AFTER" default:"5m"`
	FeePerShare      float64       `envconfig:"POSITION_FEE_PER_SHARE" default:"0"`
	CloseConcurrency int           `envconfig:"POSITION_CLOSE_CONCURRENCY" default:"8"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
