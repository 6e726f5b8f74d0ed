package broker

import (
	"context"
	"errors"
	"fmt"
)

// ErrCircuitOpen is returned without calling the vendor while the adapter
// breaker is open.
var ErrCircuitOpen = errors.New("broker circuit open")

// AuthenticationError means credentials were refused. It is fatal.
type AuthenticationError struct {
	Broker string
	Err    error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("%s: authentication failed: %v", e.Broker, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// ConnectionError covers timeouts, transport failures and 5xx answers.
type ConnectionError struct {
	Broker string
	Op     string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: %s: connection error: %v", e.Broker, e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// RateLimitError is a throttling answer from the vendor. It is retryable.
type RateLimitError struct {
	Broker string
	Op     string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: %s: rate limited", e.Broker, e.Op)
}

// OrderRejectedError carries the vendor reason for a refused order.
type OrderRejectedError struct {
	Symbol string
	Reason string
}

func (e *OrderRejectedError) Error() string {
	return fmt.Sprintf("order for %s rejected: %s", e.Symbol, e.Reason)
}

type InsufficientFundsError struct {
	Symbol string
	Reason string
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds for %s: %s", e.Symbol, e.Reason)
}

// PositionNotFoundError is returned when the broker holds nothing for the
// symbol. Callers treat the position as already closed.
type PositionNotFoundError struct {
	Symbol string
}

func (e *PositionNotFoundError) Error() string {
	return fmt.Sprintf("no broker position for %s", e.Symbol)
}

type OrderNotFoundError struct {
	OrderID string
}

func (e *OrderNotFoundError) Error() string {
	return fmt.Sprintf("order %s not found at broker", e.OrderID)
}

// IsRetryable reports whether err is transient and the call may be repeated.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var connErr *ConnectionError
	var rateErr *RateLimitError
	return errors.As(err, &connErr) || errors.As(err, &rateErr) || errors.Is(err, context.DeadlineExceeded)
}

// IsTerminal reports whether err is a definitive answer that must not be retried.
func IsTerminal(err error) bool {
	if err == nil {
		return false
	}
	var authErr *AuthenticationError
	var rejErr *OrderRejectedError
	var fundsErr *InsufficientFundsError
	var posErr *PositionNotFoundError
	var ordErr *OrderNotFoundError
	return errors.As(err, &authErr) ||
		errors.As(err, &rejErr) ||
		errors.As(err, &fundsErr) ||
		errors.As(err, &posErr) ||
		errors.As(err, &ordErr)
}

// RejectReason extracts a human readable reason from a terminal order error.
func RejectReason(err error) string {
	var rejErr *OrderRejectedError
	if errors.As(err, &rejErr) {
		return rejErr.Reason
	}
	var fundsErr *InsufficientFundsError
	if errors.As(err, &fundsErr) {
		return "insufficient funds: " + fundsErr.Reason
	}
	if err != nil {
		return err.Error()
	}
	return ""
}
