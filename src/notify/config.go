package notify

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	DiscordWebhookURL string        `envconfig:"DISCORD_WEBHOOK_URL" default:""`
	DiscordUsername   string        `envconfig:"DISCORD_USERNAME" default:"catalyst-bot"`
	Timeout           time.Duration `envconfig:"NOTIFY_TIMEOUT" default:"10s"`
	RetryCount        int           `envconfig:"NOTIFY_RETRY_COUNT" default:"2"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
