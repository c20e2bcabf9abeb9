// Package circuitbreaker implements the circuit breaker pattern for RPC
// endpoint failover.
//
// A circuit breaker prevents cascading failures by temporarily blocking
// requests to failing endpoints. It has three states:
//
//   - CLOSED: Normal operation, requests pass through
//   - OPEN: Endpoint failing, requests blocked until cooldown
//   - HALF-OPEN: Cooldown elapsed, a single probe decides the next state
//
// Rate-limit failures (HTTP 429) bypass the failure threshold and open
// the circuit immediately with a separate, longer cooldown window.
//
// Usage:
//
//	br := circuitbreaker.New(3, 30*time.Second, time.Minute)
//	if br.Gate(ep.Health()) {
//	    // Make request...
//	    if err != nil {
//	        br.RecordFailure(ep.Health(), rpcerr.Classify(err))
//	    } else {
//	        br.RecordSuccess(ep.Health())
//	    }
//	}
package circuitbreaker
