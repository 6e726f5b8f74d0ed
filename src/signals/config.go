package signals

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	RedisAddr     string `envconfig:"REDIS_ADDR" default:""`
	RedisPassword string `envconfig:"REDIS_PASSWORD" default:""`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
	Channel       string `envconfig:"SIGNAL_REDIS_CHANNEL" default:"catalyst:signals"`
	Buffer        int    `envconfig:"SIGNAL_BUFFER" default:"128"`
}

// Enabled reports whether a Redis source is configured.
func (c Config) Enabled() bool {
	return c.RedisAddr != ""
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
