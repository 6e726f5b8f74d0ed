package database

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	Driver       string `envconfig:"DATABASE_DRIVER" default:"sqlite"` // "sqlite" or "postgres"
	DSN          string `envconfig:"DATABASE_DSN" default:"catalyst.db"`
	GormLogLevel int    `envconfig:"GORM_LOG_LEVEL" default:"2"` // 1 silent, 2 error, 3 warn, 4 info
	MaxOpenConns int    `envconfig:"DATABASE_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns int    `envconfig:"DATABASE_MAX_IDLE_CONNS" default:"10"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
