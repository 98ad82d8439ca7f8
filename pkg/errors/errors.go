// Package apperrors defines the normalised error taxonomy of the control plane.
package apperrors

import (
	"errors"
	"fmt"
	"time"
)

// Standardized control-plane errors
var (
	ErrNotFound               = errors.New("not found")
	ErrValidation             = errors.New("validation failed")
	ErrStateConflict          = errors.New("state conflict")
	ErrCASFailed              = errors.New("compare-and-swap failed")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrInternal               = errors.New("internal error")
)

// Code identifies one normalised exchange error class.
type Code string

const (
	CodeRateLimit           Code = "RATE_LIMIT"
	CodeTimeout             Code = "TIMEOUT"
	CodeExchangeUnavailable Code = "EXCHANGE_UNAVAILABLE"
	CodeAuth                Code = "AUTH"
	CodeBadRequest          Code = "BAD_REQUEST"
	CodeDuplicateOrder      Code = "DUPLICATE_ORDER"
	CodeInsufficientFunds   Code = "INSUFFICIENT_FUNDS"
	CodeOrderNotFound       Code = "ORDER_NOT_FOUND"
	CodeInvalidSymbol       Code = "INVALID_SYMBOL"
)

// ExchangeError is the value every exchange adapter failure is normalised
// into before it crosses the adapter boundary.
type ExchangeError struct {
	Code       Code
	Message    string
	Retryable  bool
	RetryAfter time.Duration // optional hint, only set for RATE_LIMIT
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewExchangeError builds an ExchangeError with retryability derived from the code.
func NewExchangeError(code Code, msg string) *ExchangeError {
	return &ExchangeError{Code: code, Message: msg, Retryable: codeRetryable(code)}
}

func codeRetryable(code Code) bool {
	switch code {
	case CodeRateLimit, CodeTimeout, CodeExchangeUnavailable:
		return true
	default:
		return false
	}
}

// AsExchangeError unwraps err into an ExchangeError if one is in the chain.
func AsExchangeError(err error) (*ExchangeError, bool) {
	var ee *ExchangeError
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}

// IsRetryable reports whether err may succeed on a later attempt.
// Non-exchange errors are treated as non-retryable.
func IsRetryable(err error) bool {
	if ee, ok := AsExchangeError(err); ok {
		return ee.Retryable
	}
	return false
}

// IsExchangeUnavailable reports whether err means the venue could not be
// reached at all. The worker must not mutate bot state on these.
func IsExchangeUnavailable(err error) bool {
	ee, ok := AsExchangeError(err)
	if !ok {
		return false
	}
	return ee.Code == CodeExchangeUnavailable || ee.Code == CodeTimeout || ee.Code == CodeRateLimit
}
