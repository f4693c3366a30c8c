package exchange

import (
	"errors"
	"fmt"
	"time"
)

// ErrOrderNotFound means the order is already gone on the exchange.
// Cancels treat it as success.
var ErrOrderNotFound = errors.New("order not found on exchange")

// AuthError: credentials rejected. Non-retriable; escalate to operators.
type AuthError struct {
	Msg string
}

func (e *AuthError) Error() string { return fmt.Sprintf("exchange auth error: %s", e.Msg) }

// APIError: 4xx other than 429. Non-retriable.
type APIError struct {
	Status int
	Msg    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange api error (%d): %s", e.Status, e.Msg)
}

// RateLimitError: 429 with optional retry-after. Retriable.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("exchange rate limited (retry after %s)", e.RetryAfter)
}

// NetworkError: transport failure or timeout. Retriable.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("exchange network error: %v", e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// ServerError: 5xx. Retriable.
type ServerError struct {
	Status int
	Msg    string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("exchange server error (%d): %s", e.Status, e.Msg)
}

// InsufficientBalanceError: order rejected for funds. Non-retriable.
type InsufficientBalanceError struct {
	Asset string
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for %s", e.Asset)
}

// PrecisionError: qty/price violates the symbol's filters. Non-retriable.
type PrecisionError struct {
	Msg string
}

func (e *PrecisionError) Error() string { return fmt.Sprintf("precision error: %s", e.Msg) }

// Retriable is the pure classifier over the error taxonomy: true only for
// failures a later identical attempt can succeed at.
func Retriable(err error) bool {
	if err == nil {
		return false
	}
	var (
		rl  *RateLimitError
		net *NetworkError
		srv *ServerError
	)
	switch {
	case errors.As(err, &rl), errors.As(err, &net), errors.As(err, &srv):
		return true
	}
	return false
}

// Permanent reports errors that should never be retried (auth and 4xx).
func Permanent(err error) bool {
	if err == nil {
		return false
	}
	var (
		auth *AuthError
		api  *APIError
		bal  *InsufficientBalanceError
		prec *PrecisionError
	)
	switch {
	case errors.As(err, &auth), errors.As(err, &api), errors.As(err, &bal), errors.As(err, &prec):
		return true
	}
	return false
}

// IsOrderNotFound reports the idempotent "already gone" case.
func IsOrderNotFound(err error) bool {
	return errors.Is(err, ErrOrderNotFound)
}

// IsAuth reports credential failures.
func IsAuth(err error) bool {
	var auth *AuthError
	return errors.As(err, &auth)
}
