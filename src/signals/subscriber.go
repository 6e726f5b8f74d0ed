package signals

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/Amenzel91/catalyst-bot-sub000/src/model"
)

// Decode parses one signal message. Symbols are upper-cased; a missing
// creation time is set to now.
func Decode(payload []byte, now time.Time) (model.TradingSignal, error) {
	var s model.TradingSignal
	if err := json.Unmarshal(payload, &s); err != nil {
		return s, fmt.Errorf("decode signal: %w", err)
	}
	s.Symbol = strings.ToUpper(strings.TrimSpace(s.Symbol))
	s.Action = model.SignalAction(strings.ToUpper(string(s.Action)))
	if s.Symbol == "" {
		return s, fmt.Errorf("decode signal: missing symbol")
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now.UTC()
	}
	return s, nil
}

// Subscriber reads trading signals from a Redis pub/sub channel.
type Subscriber struct {
	rdb     *redis.Client
	channel string
	buffer  int
	logger  *logrus.Entry
}

func NewSubscriber(cfg Config, logger *logrus.Entry) *Subscriber {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return &Subscriber{
		rdb:     rdb,
		channel: cfg.Channel,
		buffer:  cfg.Buffer,
		logger:  logger.WithField("component", "signal_subscriber"),
	}
}

func (s *Subscriber) Close() error {
	return s.rdb.Close()
}

// Subscribe confirms the subscription and streams decoded signals until ctx
// is cancelled, then closes the returned channel. Malformed messages are
// logged and dropped.
func (s *Subscriber) Subscribe(ctx context.Context) (<-chan model.TradingSignal, error) {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	pubsub := s.rdb.Subscribe(ctx, s.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", s.channel, err)
	}
	s.logger.WithField("channel", s.channel).Info("Subscribed to signal channel")

	out := make(chan model.TradingSignal, s.buffer)
	go func() {
		defer close(out)
		defer pubsub.Close()
		s.consume(ctx, pubsub.Channel(), out)
	}()
	return out, nil
}

func (s *Subscriber) consume(ctx context.Context, msgs <-chan *redis.Message, out chan<- model.TradingSignal) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			signal, err := Decode([]byte(msg.Payload), time.Now())
			if err != nil {
				s.logger.WithError(err).WithField("channel", msg.Channel).Warn("Dropping malformed signal")
				continue
			}
			select {
			case out <- signal:
			case <-ctx.Done():
				return
			}
		}
	}
}
