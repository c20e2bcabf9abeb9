// Package router implements failover execution of JSON-RPC calls across
// an ordered endpoint set: a primary plus fallbacks, tried in strict
// priority order. Each endpoint sits behind its own circuit breaker and
// rate-limit cooldown; transient failures are retried in place with
// exponential backoff and jitter before the router moves on.
//
// The router is an explicit instance: construct one with New and pass it
// around. It owns the endpoint health registry for its lifetime and
// exposes a masked health snapshot, a manual reset, and a
// gate-bypassing ForceAttempt for operators.
package router
