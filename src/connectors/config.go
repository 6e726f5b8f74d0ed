package connectors

import (
	"errors"
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// ErrNoPrice is returned when no usable price exists for a symbol.
var ErrNoPrice = errors.New("no price available")

type Config struct {
	Broker string `envconfig:"BROKER" default:"paper"` // alpaca | paper

	AlpacaAPIKey    string `envconfig:"APCA_API_KEY_ID"`
	AlpacaAPISecret string `envconfig:"APCA_API_SECRET_KEY"`
	AlpacaBaseURL   string `envconfig:"APCA_API_BASE_URL" default:"https://paper-api.alpaca.markets"`
	AlpacaDataURL   string `envconfig:"APCA_API_DATA_URL" default:"https://data.alpaca.markets"`
	AlpacaDataFeed  string `envconfig:"APCA_DATA_FEED" default:"iex"`

	PaperStartingCash float64 `envconfig:"PAPER_STARTING_CASH" default:"100000"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
