package executor

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidSignal      = errors.New("invalid signal")
	ErrDuplicatePosition  = errors.New("position already open for symbol")
	ErrShortNotAllowed    = errors.New("short selling disabled")
	ErrOrderNotFound      = errors.New("order not found")
	ErrPositionFlat       = errors.New("broker holds no position")
	ErrSubmissionPending  = errors.New("order submission outcome unknown")
	ErrAccountNotTradable = errors.New("account not tradable")
)

// ValidationError names the signal field that failed validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid signal: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidSignal }

// InsufficientRewardRiskError is returned when the target does not pay
// enough relative to the stop distance.
type InsufficientRewardRiskError struct {
	Ratio   decimal.Decimal
	Minimum decimal.Decimal
}

func (e *InsufficientRewardRiskError) Error() string {
	return fmt.Sprintf("reward:risk %s below minimum %s", e.Ratio.StringFixed(2), e.Minimum.StringFixed(2))
}
