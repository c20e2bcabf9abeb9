package rpcerr

import (
	"errors"
	"fmt"
)

// Sentinel errors for transport-level failures without structure of
// their own. Wrap them with %w so callers can match via errors.Is.
var (
	// ErrTimeout marks a single attempt that exceeded the per-request
	// timeout.
	ErrTimeout = errors.New("rpc request timed out")

	// ErrDeadlineExceeded marks an attempt aborted because the caller's
	// own context expired. It is never retried or failed over.
	ErrDeadlineExceeded = errors.New("caller deadline exceeded")
)

// NetworkError is a transport failure that never produced an HTTP
// response: connection refused, reset, DNS failure and the like.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error: %v", e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// HTTPError is a non-2xx HTTP response that is not a rate limit.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http error: status %d", e.Status)
}

// RateLimitError is a provider throttle, surfaced either as HTTP 429 or
// as a message matching the known rate-limit patterns.
type RateLimitError struct {
	Status  int
	Message string
}

func (e *RateLimitError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("rate limited (status %d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("rate limited (status %d)", e.Status)
}

// RPCError is a well-formed JSON-RPC error object returned by the node.
// It is a deterministic application-level rejection: switching endpoints
// cannot fix it, so it is never retried and never triggers failover.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// NoEndpointsError means the entire ordered endpoint set, including the
// last-resort primary attempt, has been exhausted. LastErr carries the
// most recent underlying failure for diagnostics.
type NoEndpointsError struct {
	LastErr error
}

func (e *NoEndpointsError) Error() string {
	if e.LastErr != nil {
		return fmt.Sprintf("no rpc endpoints available: last error: %v", e.LastErr)
	}
	return "no rpc endpoints available"
}

func (e *NoEndpointsError) Unwrap() error {
	return e.LastErr
}
