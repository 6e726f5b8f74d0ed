package risk

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
)

type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerStatus is a snapshot of the trading circuit breaker.
type BreakerStatus struct {
	State         BreakerState    `json:"state"`
	TradingDay    string          `json:"trading_day"`
	StartEquity   decimal.Decimal `json:"start_equity"`
	DailyLoss     decimal.Decimal `json:"daily_loss"`
	LossLimit     decimal.Decimal `json:"loss_limit"`
	OpenedAt      *time.Time      `json:"opened_at,omitempty"`
	RetryAt       *time.Time      `json:"retry_at,omitempty"`
	ProbeInFlight bool            `json:"probe_in_flight"`
}

// CircuitBreaker halts new entries once the day's realized plus unrealized
// loss reaches MaxDailyLossPct of the equity the day started with.
//
// closed -> open when the loss limit is reached.
// open -> half_open after the cooldown, letting one probe entry through.
// half_open -> closed on a successful probe, -> open on a failed one.
// Any state -> closed on a new trading day or an operator reset.
type CircuitBreaker struct {
	mu     sync.Mutex
	limits Limits
	log    *logger.Entry
	now    func() time.Time

	state       BreakerState
	day         string
	startEquity decimal.Decimal
	lastLoss    decimal.Decimal
	// rearmLoss is the loss at the last successful probe; the breaker only
	// trips again once losses grow past it.
	rearmLoss decimal.Decimal
	openedAt  time.Time
	probing   bool
}

func NewCircuitBreaker(limits Limits, log *logger.Entry) *CircuitBreaker {
	if log == nil {
		log = logger.NewEntry(logger.StandardLogger())
	}
	return &CircuitBreaker{
		limits: limits,
		log:    log.WithField("component", "circuit_breaker"),
		now:    time.Now,
		state:  BreakerClosed,
	}
}

// StartDay resets the breaker for the trading day containing now.
func (b *CircuitBreaker) StartDay(now time.Time, equity decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.startDayLocked(now, equity)
}

func (b *CircuitBreaker) startDayLocked(now time.Time, equity decimal.Decimal) {
	b.state = BreakerClosed
	b.day = TradingDay(now)
	b.startEquity = equity
	b.lastLoss = decimal.Zero
	b.rearmLoss = decimal.Zero
	b.openedAt = time.Time{}
	b.probing = false
	b.log.WithFields(logger.Fields{
		"trading_day":  b.day,
		"start_equity": equity.StringFixed(2),
		"loss_limit":   b.lossLimitLocked().StringFixed(2),
	}).Info("daily loss budget started")
}

// Roll starts a new day when now falls on a different New York date than the
// current budget. It reports whether a new day was started.
func (b *CircuitBreaker) Roll(now time.Time, equity decimal.Decimal) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.day == TradingDay(now) {
		return false
	}
	b.startDayLocked(now, equity)
	return true
}

// Day returns the trading day the current budget belongs to.
func (b *CircuitBreaker) Day() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.day
}

// Evaluate records the day's realized and unrealized P&L and trips the
// breaker when the loss limit is reached.
func (b *CircuitBreaker) Evaluate(realizedToday, unrealized decimal.Decimal) BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	loss := realizedToday.Add(unrealized).Neg()
	if loss.IsNegative() {
		loss = decimal.Zero
	}
	b.lastLoss = loss

	limit := b.lossLimitLocked()
	if limit.IsZero() {
		return b.state
	}

	switch b.state {
	case BreakerClosed:
		if loss.GreaterThanOrEqual(limit) && loss.GreaterThan(b.rearmLoss) {
			b.tripLocked(loss, limit)
		}
	case BreakerHalfOpen:
		if loss.GreaterThan(b.rearmLoss) && loss.GreaterThanOrEqual(limit) && !b.probing {
			b.tripLocked(loss, limit)
		}
	}
	return b.state
}

func (b *CircuitBreaker) tripLocked(loss, limit decimal.Decimal) {
	b.state = BreakerOpen
	b.openedAt = b.now()
	b.probing = false
	b.rearmLoss = loss
	b.log.WithFields(logger.Fields{
		"trading_day": b.day,
		"daily_loss":  loss.StringFixed(2),
		"loss_limit":  limit.StringFixed(2),
		"cooldown":    b.limits.BreakerCooldown.String(),
	}).Warn("circuit breaker opened, new entries halted")
}

// Allow admits a new entry. While open it returns a *CircuitOpenError until
// the cooldown elapses; the first caller afterwards becomes the half-open
// probe and must report back through RecordProbe.
func (b *CircuitBreaker) Allow() error {
	_, err := b.admit()
	return err
}

// Blocked reports the *CircuitOpenError an entry would get right now without
// claiming the half-open probe. It returns nil when Allow could admit.
func (b *CircuitBreaker) Blocked() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		retryAt := b.openedAt.Add(b.limits.BreakerCooldown)
		if b.now().Before(retryAt) {
			return b.openErrorLocked(retryAt)
		}
	case BreakerHalfOpen:
		if b.probing {
			return b.openErrorLocked(time.Time{})
		}
	}
	return nil
}

// admit is Allow that also reports whether the caller became the probe.
func (b *CircuitBreaker) admit() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return false, nil
	case BreakerOpen:
		retryAt := b.openedAt.Add(b.limits.BreakerCooldown)
		if b.now().Before(retryAt) {
			return false, b.openErrorLocked(retryAt)
		}
		b.state = BreakerHalfOpen
		b.probing = true
		b.log.WithField("trading_day", b.day).Info("circuit breaker half-open, admitting probe entry")
		return true, nil
	default:
		if b.probing {
			return false, b.openErrorLocked(time.Time{})
		}
		b.probing = true
		return true, nil
	}
}

// RecordProbe closes the breaker after a successful probe entry or reopens it
// for another cooldown after a failed one. Calls outside half-open are ignored.
func (b *CircuitBreaker) RecordProbe(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != BreakerHalfOpen {
		return
	}
	b.probing = false
	if success {
		b.state = BreakerClosed
		b.rearmLoss = b.lastLoss
		b.log.WithField("rearm_loss", b.rearmLoss.StringFixed(2)).Info("probe entry succeeded, circuit breaker closed")
		return
	}
	b.state = BreakerOpen
	b.openedAt = b.now()
	b.log.Warn("probe entry failed, circuit breaker reopened")
}

// Reset is the operator override: closes the breaker and restarts the daily
// budget from equity.
func (b *CircuitBreaker) Reset(equity decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.log.WithField("previous_state", b.state).Warn("circuit breaker reset by operator")
	b.startDayLocked(b.now(), equity)
}

func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *CircuitBreaker) Status() BreakerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := BreakerStatus{
		State:         b.state,
		TradingDay:    b.day,
		StartEquity:   b.startEquity,
		DailyLoss:     b.lastLoss,
		LossLimit:     b.lossLimitLocked(),
		ProbeInFlight: b.probing,
	}
	if b.state != BreakerClosed {
		opened := b.openedAt
		retry := opened.Add(b.limits.BreakerCooldown)
		st.OpenedAt = &opened
		st.RetryAt = &retry
	}
	return st
}

func (b *CircuitBreaker) lossLimitLocked() decimal.Decimal {
	return b.startEquity.Mul(b.limits.MaxDailyLossPct)
}

func (b *CircuitBreaker) openErrorLocked(retryAt time.Time) error {
	return &CircuitOpenError{
		OpenedAt: b.openedAt,
		Loss:     b.lastLoss,
		Limit:    b.lossLimitLocked(),
		RetryAt:  retryAt,
	}
}
