package rpcerr

import (
	"errors"
	"strings"
)

// Class is the failover-relevant category of a failed attempt.
type Class int

const (
	// ClassRetryable covers transient transport failures: timeouts,
	// connection errors, HTTP 5xx. Retried in place, then failed over.
	ClassRetryable Class = iota

	// ClassRateLimited covers provider throttling. Skips in-place
	// retries and puts the endpoint into an extended cooldown.
	ClassRateLimited

	// ClassFatal covers well-formed JSON-RPC rejections. Propagated to
	// the caller immediately; no retry, no failover.
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassRetryable:
		return "retryable"
	case ClassRateLimited:
		return "rate_limited"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Message fragments that identify provider throttling regardless of how
// it was delivered (HTTP status, JSON-RPC error, plain text body).
var rateLimitPatterns = []string{
	"429",
	"too many requests",
	"rate limit",
	"rate-limit",
}

// Classify maps a failed attempt to its failover class.
//
// Rate-limit detection only ever looks at provider-supplied text: the
// 429 response itself, a non-2xx body, or a JSON-RPC error message.
// Some providers report throttling inside an otherwise well-formed
// JSON-RPC error object, and treating that as fatal would poison the
// caller instead of failing over. Transport errors are never
// pattern-matched: their messages interpolate the endpoint URL, and a
// host, port, or embedded key that happens to contain "429" must not
// read as throttling.
func Classify(err error) Class {
	if err == nil {
		return ClassRetryable
	}

	var rateErr *RateLimitError
	if errors.As(err, &rateErr) {
		return ClassRateLimited
	}

	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		if matchesRateLimit(rpcErr.Message) {
			return ClassRateLimited
		}
		return ClassFatal
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		if matchesRateLimit(httpErr.Body) {
			return ClassRateLimited
		}
		return ClassRetryable
	}

	// Timeouts, connection resets and anything else that reached the
	// wire but never got an answer.
	return ClassRetryable
}

func matchesRateLimit(msg string) bool {
	lower := strings.ToLower(msg)
	for _, pattern := range rateLimitPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}
