package endpoint

import (
	"net/url"
	"sync"
	"time"
)

// Role identifies an endpoint's position in the failover order.
type Role int

const (
	RolePrimary Role = iota
	RoleFallback
)

func (r Role) String() string {
	switch r {
	case RolePrimary:
		return "primary"
	case RoleFallback:
		return "fallback"
	default:
		return "unknown"
	}
}

// Health is the mutable failure-tracking state for a single endpoint.
// All fields are guarded by the embedded mutex; callers that perform
// read-modify-write sequences must hold the lock across the whole update.
type Health struct {
	sync.Mutex
	ConsecutiveFailures int
	LastFailureAt       time.Time
	CircuitOpen         bool
	RateLimitedUntil    time.Time
	Healthy             bool
	LastCheckedAt       time.Time

	// Probing is set while a half-open probe is in flight so only one
	// caller gets the probe slot.
	Probing bool
}

// HealthView is a point-in-time copy of an endpoint's health, safe to
// expose externally. The URL is masked.
type HealthView struct {
	URL                 string     `json:"url"`
	Role                string     `json:"role"`
	Healthy             bool       `json:"healthy"`
	CircuitOpen         bool       `json:"circuit_open"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
	RateLimitedUntil    *time.Time `json:"rate_limited_until,omitempty"`
	LastCheckedAt       *time.Time `json:"last_checked_at,omitempty"`
}

// Endpoint is one RPC node in the failover order. Identity (URL, role) is
// fixed at construction; only the health state mutates.
type Endpoint struct {
	url    *url.URL
	role   Role
	health Health
}

// New creates an endpoint in the initial healthy, circuit-closed state.
func New(u *url.URL, role Role) *Endpoint {
	e := &Endpoint{
		url:  u,
		role: role,
	}
	e.health.Healthy = true
	return e
}

// URL returns the endpoint's configured URL, including any embedded
// credentials. Never log it directly; use MaskedURL.
func (e *Endpoint) URL() *url.URL {
	return e.url
}

func (e *Endpoint) Role() Role {
	return e.role
}

// MaskedURL returns the endpoint URL with path and query redacted, safe
// for logs and health snapshots.
func (e *Endpoint) MaskedURL() string {
	return MaskURL(e.url)
}

// Health returns the endpoint's mutable health state. The caller is
// responsible for locking it.
func (e *Endpoint) Health() *Health {
	return &e.health
}

// View copies the current health state into an exposable snapshot.
func (e *Endpoint) View() HealthView {
	e.health.Lock()
	defer e.health.Unlock()

	v := HealthView{
		URL:                 e.MaskedURL(),
		Role:                e.role.String(),
		Healthy:             e.health.Healthy,
		CircuitOpen:         e.health.CircuitOpen,
		ConsecutiveFailures: e.health.ConsecutiveFailures,
	}

	if !e.health.LastFailureAt.IsZero() {
		t := e.health.LastFailureAt
		v.LastFailureAt = &t
	}
	if !e.health.RateLimitedUntil.IsZero() {
		t := e.health.RateLimitedUntil
		v.RateLimitedUntil = &t
	}
	if !e.health.LastCheckedAt.IsZero() {
		t := e.health.LastCheckedAt
		v.LastCheckedAt = &t
	}

	return v
}

// Reset returns the health state to its initial closed and healthy form.
func (e *Endpoint) Reset() {
	e.health.Lock()
	defer e.health.Unlock()

	e.health.ConsecutiveFailures = 0
	e.health.LastFailureAt = time.Time{}
	e.health.CircuitOpen = false
	e.health.RateLimitedUntil = time.Time{}
	e.health.Healthy = true
	e.health.LastCheckedAt = time.Time{}
	e.health.Probing = false
}

// MaskURL redacts everything after the host. Provider API keys live in
// the path or query of RPC URLs, so both are replaced wholesale.
func MaskURL(u *url.URL) string {
	if u == nil {
		return ""
	}

	masked := &url.URL{
		Scheme: u.Scheme,
		Host:   u.Host,
	}

	if u.Path != "" && u.Path != "/" {
		masked.Path = "/[redacted]"
	}
	if u.RawQuery != "" {
		masked.RawQuery = "[redacted]"
	}

	return masked.String()
}
