package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/Amenzel91/catalyst-bot-sub000/src/model"
)

type EventType string

const (
	EventPositionOpened EventType = "position_opened"
	EventPositionClosed EventType = "position_closed"
	EventBreakerTripped EventType = "circuit_breaker_open"
)

// Event is one alert about the book.
type Event struct {
	Type     EventType          `json:"event"`
	Symbol   string             `json:"symbol"`
	Side     model.PositionSide `json:"side,omitempty"`
	Quantity decimal.Decimal    `json:"quantity"`
	Price    decimal.Decimal    `json:"price"`
	PnL      *decimal.Decimal   `json:"pnl,omitempty"`
	Reason   string             `json:"reason,omitempty"`
	At       time.Time          `json:"at"`
}

func (e Event) String() string {
	var b strings.Builder
	switch e.Type {
	case EventPositionOpened:
		fmt.Fprintf(&b, "Opened %s %s %s @ %s", e.Side, e.Quantity.String(), e.Symbol, e.Price.StringFixed(2))
	case EventPositionClosed:
		fmt.Fprintf(&b, "Closed %s %s %s @ %s", e.Side, e.Quantity.String(), e.Symbol, e.Price.StringFixed(2))
		if e.PnL != nil {
			fmt.Fprintf(&b, " pnl %s", e.PnL.StringFixed(2))
		}
	default:
		fmt.Fprintf(&b, "%s %s", e.Type, e.Symbol)
	}
	if e.Reason != "" {
		fmt.Fprintf(&b, " (%s)", e.Reason)
	}
	return b.String()
}

// PositionOpened builds the alert for a newly opened position.
func PositionOpened(p *model.Position) Event {
	return Event{
		Type:     EventPositionOpened,
		Symbol:   p.Symbol,
		Side:     p.Side,
		Quantity: p.Quantity,
		Price:    p.EntryPrice,
		At:       p.OpenedAt,
	}
}

// PositionClosed builds the alert for a finished trade.
func PositionClosed(c *model.ClosedPosition) Event {
	pnl := c.RealizedPnL
	return Event{
		Type:     EventPositionClosed,
		Symbol:   c.Symbol,
		Side:     c.Side,
		Quantity: c.Quantity,
		Price:    c.ExitPrice,
		PnL:      &pnl,
		Reason:   string(c.Reason),
		At:       c.ClosedAt,
	}
}

// Sender delivers events to one destination.
type Sender interface {
	Name() string
	Send(ctx context.Context, e Event) error
}

// Notifier fans events out to every sender. Delivery failures are logged
// and returned but never block trading.
type Notifier struct {
	senders []Sender
	timeout time.Duration
	logger  *logrus.Entry
}

func NewNotifier(timeout time.Duration, logger *logrus.Entry, senders ...Sender) *Notifier {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Notifier{
		senders: senders,
		timeout: timeout,
		logger:  logger.WithField("component", "notifier"),
	}
}

func (n *Notifier) Notify(ctx context.Context, e Event) error {
	if n == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, e); err != nil {
			n.logger.WithError(err).WithFields(logrus.Fields{
				"sender": s.Name(),
				"event":  e.Type,
				"symbol": e.Symbol,
			}).Warn("Failed to deliver notification")
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// LogSender writes events to the log.
type LogSender struct {
	logger *logrus.Entry
}

func NewLogSender(logger *logrus.Entry) *LogSender {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &LogSender{logger: logger}
}

func (s *LogSender) Name() string { return "log" }

func (s *LogSender) Send(_ context.Context, e Event) error {
	fields := logrus.Fields{
		"event":    e.Type,
		"symbol":   e.Symbol,
		"side":     e.Side,
		"quantity": e.Quantity.String(),
		"price":    e.Price.String(),
	}
	if e.PnL != nil {
		fields["pnl"] = e.PnL.StringFixed(2)
	}
	if e.Reason != "" {
		fields["reason"] = e.Reason
	}
	s.logger.WithFields(fields).Info(e.String())
	return nil
}
