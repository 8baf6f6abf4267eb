package broker

import (
	"fmt"
	"time"
)

// ValidationError reports malformed credentials or a malformed signal. It is
// always raised before any network call.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation: %s", e.Message)
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// AccessDeniedError reports tier or deployment-mode gating. Distinct from
// rate limiting and validation; it also never reaches the network.
type AccessDeniedError struct {
	Reason          string
	UpgradeRequired bool
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("access denied: %s", e.Reason)
}

// RateLimitError reports admission-gate exhaustion and carries the duration
// after which the caller may retry.
type RateLimitError struct {
	BrokerKey  string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %s", e.BrokerKey, e.RetryAfter)
}

// AuthenticationError means the broker rejected credentials, or a token
// refresh failed irrecoverably.
type AuthenticationError struct {
	BrokerKey string
	Reason    string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed for %s: %s", e.BrokerKey, e.Reason)
}

// NetworkError wraps a transient transport failure. Read operations may be
// retried with backoff; order placement must not be blindly retried.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// BrokerBusinessError is a broker-reported rejection (insufficient funds,
// market closed, ...) surfaced verbatim to the caller.
type BrokerBusinessError struct {
	BrokerKey string
	Code      string
	Message   string
}

func (e *BrokerBusinessError) Error() string {
	return fmt.Sprintf("%s rejected request (%s): %s", e.BrokerKey, e.Code, e.Message)
}

// UnknownBrokerError is returned by the registry for unregistered keys.
type UnknownBrokerError struct {
	Key string
}

func (e *UnknownBrokerError) Error() string {
	return fmt.Sprintf("unknown broker: %q", e.Key)
}
