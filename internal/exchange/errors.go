package exchange

import (
	"errors"
	"fmt"
)

// ErrorKind classifies where an adapter call failed.
type ErrorKind string

const (
	// KindTransport covers network failures, timeouts and non-2xx statuses
	// without a parseable venue payload.
	KindTransport ErrorKind = "transport"
	// KindAuth covers signature rejection, expired keys and IP restriction.
	KindAuth ErrorKind = "auth"
	// KindBusiness covers venue-level rejections: insufficient balance,
	// unknown instrument, bad quantity step.
	KindBusiness ErrorKind = "business"
	// KindConfig covers missing credentials or malformed local settings,
	// detected before any request leaves the process.
	KindConfig ErrorKind = "config"
)

// APIError is the single error shape all adapters return for failed calls.
// Code carries the venue's own error code verbatim so operators can look it
// up in the venue docs without the adapter translating it.
type APIError struct {
	Exchange string
	Kind     ErrorKind
	Code     string
	Message  string
	Err      error
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s %s 错误 [%s]: %s", e.Exchange, e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s %s 错误: %s", e.Exchange, e.Kind, e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

// NewTransportError wraps a network or HTTP-level failure.
func NewTransportError(exchange string, err error) *APIError {
	return &APIError{Exchange: exchange, Kind: KindTransport, Message: err.Error(), Err: err}
}

// NewAuthError reports a credential rejection with the venue's code.
func NewAuthError(exchange, code, message string) *APIError {
	return &APIError{Exchange: exchange, Kind: KindAuth, Code: code, Message: message}
}

// NewBusinessError reports a venue-side rejection with the venue's code.
func NewBusinessError(exchange, code, message string) *APIError {
	return &APIError{Exchange: exchange, Kind: KindBusiness, Code: code, Message: message}
}

// NewConfigError reports a locally detected configuration problem.
func NewConfigError(exchange, message string) *APIError {
	return &APIError{Exchange: exchange, Kind: KindConfig, Message: message}
}

// IsAuthError reports whether err is an adapter auth failure; the trading
// cycle uses this to soft-invalidate stored credentials.
func IsAuthError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == KindAuth
}
