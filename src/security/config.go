package security

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// OperatorToken guards the operator endpoints that change state. Empty
	// leaves them open, which is only meant for local paper trading.
	OperatorToken string `envconfig:"OPERATOR_API_TOKEN"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
