package circuitbreaker

import (
	"time"

	"github.com/blossomlabs/rpcgate/internal/endpoint"
	"github.com/blossomlabs/rpcgate/internal/rpcerr"
)

type State int

const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Blocking requests until cooldown
	StateHalfOpen              // Cooldown elapsed, one probe allowed
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF-OPEN"
	default:
		return "UNKNOWN"
	}
}

// Breaker applies circuit-breaker decisions to endpoint health state.
// The breaker itself is stateless configuration; all mutable state lives
// in each endpoint's Health, taken under its lock for the full
// read-modify-write.
type Breaker struct {
	failureThreshold  int
	circuitCooldown   time.Duration
	rateLimitCooldown time.Duration
}

func New(threshold int, circuitCooldown, rateLimitCooldown time.Duration) *Breaker {
	return &Breaker{
		failureThreshold:  threshold,
		circuitCooldown:   circuitCooldown,
		rateLimitCooldown: rateLimitCooldown,
	}
}

// Gate reports whether the endpoint may be attempted right now.
//
// A rate-limit window blocks regardless of circuit state. An open
// circuit whose cooldown has elapsed transitions to half-open and Gate
// claims the single probe slot for the caller; concurrent callers are
// refused until the probe outcome is recorded.
func (b *Breaker) Gate(h *endpoint.Health) bool {
	h.Lock()
	defer h.Unlock()

	now := time.Now()

	if h.RateLimitedUntil.After(now) {
		return false
	}

	if !h.CircuitOpen {
		return true
	}

	if h.Probing {
		return false
	}

	if !h.LastFailureAt.IsZero() && now.Sub(h.LastFailureAt) >= b.circuitCooldown {
		h.Probing = true
		return true
	}

	return false
}

// RecordSuccess closes the circuit and resets the failure counter. It
// deliberately leaves an unelapsed rate-limit window in place.
func (b *Breaker) RecordSuccess(h *endpoint.Health) {
	h.Lock()
	defer h.Unlock()

	h.ConsecutiveFailures = 0
	h.CircuitOpen = false
	h.Healthy = true
	h.Probing = false
	h.LastCheckedAt = time.Now()
}

// ReleaseProbe frees the half-open probe slot without recording an
// outcome. Called when an attempt claimed by Gate is abandoned before it
// produces one, such as on the caller's deadline; the next Gate call
// after the cooldown offers the probe again.
func (b *Breaker) ReleaseProbe(h *endpoint.Health) {
	h.Lock()
	h.Probing = false
	h.Unlock()
}

// RecordFailure applies one failed attempt. A rate-limited failure opens
// the circuit immediately with the extended cooldown, bypassing the
// failure threshold. A failure while half-open re-opens the circuit and
// restarts the cooldown timer.
func (b *Breaker) RecordFailure(h *endpoint.Health, class rpcerr.Class) {
	h.Lock()
	defer h.Unlock()

	now := time.Now()

	h.ConsecutiveFailures++
	h.LastFailureAt = now
	h.Healthy = false
	h.Probing = false
	h.LastCheckedAt = now

	if class == rpcerr.ClassRateLimited {
		h.RateLimitedUntil = now.Add(b.rateLimitCooldown)
		h.CircuitOpen = true
		return
	}

	if h.ConsecutiveFailures >= b.failureThreshold {
		h.CircuitOpen = true
	}
}

// State derives the observable breaker state for an endpoint.
func (b *Breaker) State(h *endpoint.Health) State {
	h.Lock()
	defer h.Unlock()

	now := time.Now()

	if h.RateLimitedUntil.After(now) {
		return StateOpen
	}

	if !h.CircuitOpen {
		return StateClosed
	}

	if !h.LastFailureAt.IsZero() && now.Sub(h.LastFailureAt) >= b.circuitCooldown {
		return StateHalfOpen
	}

	return StateOpen
}

// Viable is a read-only version of Gate: it reports whether an attempt
// would currently be allowed without claiming the half-open probe slot.
func (b *Breaker) Viable(h *endpoint.Health) bool {
	return b.State(h) != StateOpen
}
