// Package rpcerr defines the error taxonomy for RPC attempts and the
// classifier that maps a failed attempt to a failover decision:
// retryable, rate-limited, or fatal.
package rpcerr
