package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

type discordEmbed struct {
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Color       int       `json:"color"`
	Timestamp   time.Time `json:"timestamp"`
}

type discordPayload struct {
	Username string         `json:"username,omitempty"`
	Content  string         `json:"content"`
	Embeds   []discordEmbed `json:"embeds,omitempty"`
}

const (
	colorGreen = 0x2ecc71
	colorRed   = 0xe74c3c
	colorGrey  = 0x95a5a6
)

// DiscordSender posts events to a Discord webhook.
type DiscordSender struct {
	webhookURL string
	username   string
	http       *resty.Client
}

func NewDiscordSender(cfg Config) *DiscordSender {
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(isRetryableResp)

	return &DiscordSender{
		webhookURL: cfg.DiscordWebhookURL,
		username:   cfg.DiscordUsername,
		http:       client,
	}
}

func (s *DiscordSender) Name() string { return "discord" }

func (s *DiscordSender) Send(ctx context.Context, e Event) error {
	color := colorGrey
	switch {
	case e.Type == EventPositionOpened:
		color = colorGreen
	case e.PnL != nil && e.PnL.IsNegative():
		color = colorRed
	case e.PnL != nil:
		color = colorGreen
	}

	resp, err := s.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(discordPayload{
			Username: s.username,
			Content:  e.String(),
			Embeds: []discordEmbed{{
				Title:       fmt.Sprintf("%s %s", e.Type, e.Symbol),
				Description: e.String(),
				Color:       color,
				Timestamp:   e.At.UTC(),
			}},
		}).
		Post(s.webhookURL)
	if err != nil {
		return fmt.Errorf("discord webhook: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("discord webhook: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

func isRetryableResp(r *resty.Response, err error) bool {
	if err != nil {
		return true
	}
	if r == nil {
		return false
	}
	code := r.StatusCode()
	return code == 429 || code == 408 || (code >= 500 && code <= 599)
}
