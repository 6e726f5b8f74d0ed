package risk

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrPositionSizeLimit     = errors.New("position size outside limits")
	ErrPositionConcentration = errors.New("position exceeds max share of equity")
	ErrExposureLimit         = errors.New("portfolio exposure limit exceeded")
	ErrCircuitOpen           = errors.New("trading circuit breaker open")
)

// Check names, in evaluation order.
const (
	CheckPositionSize   = "position_size"
	CheckConcentration  = "position_concentration"
	CheckExposure       = "portfolio_exposure"
	CheckCircuitBreaker = "circuit_breaker"
)

// RejectionError reports which pre-trade check refused a trade.
type RejectionError struct {
	Check  string
	Reason string
	Err    error
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("risk check %s failed: %s", e.Check, e.Reason)
}

func (e *RejectionError) Unwrap() error { return e.Err }

// CircuitOpenError is returned for new entries while the breaker is open.
type CircuitOpenError struct {
	OpenedAt time.Time
	Loss     decimal.Decimal
	Limit    decimal.Decimal
	RetryAt  time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open since %s: daily loss %s reached limit %s",
		e.OpenedAt.Format(time.RFC3339), e.Loss.StringFixed(2), e.Limit.StringFixed(2))
}

func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}
