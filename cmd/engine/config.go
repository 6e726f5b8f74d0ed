package engine

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// ServeHTTP starts the operator API next to the trading loop.
	ServeHTTP bool `envconfig:"ENGINE_SERVE_HTTP" default:"true"`
}

func GetConfig() *Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return &config
}
