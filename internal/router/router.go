package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/blossomlabs/rpcgate/internal/circuitbreaker"
	"github.com/blossomlabs/rpcgate/internal/endpoint"
	"github.com/blossomlabs/rpcgate/internal/executor"
	"github.com/blossomlabs/rpcgate/internal/metrics"
	"github.com/blossomlabs/rpcgate/internal/rpcerr"
)

const (
	DefaultFailureThreshold  = 3
	DefaultCircuitCooldown   = 30 * time.Second
	DefaultRateLimitCooldown = time.Minute
	DefaultRequestTimeout    = 10 * time.Second
	DefaultMaxRetries        = 1
	DefaultBaseBackoff       = 500 * time.Millisecond
	DefaultMaxBackoff        = 5 * time.Second
	DefaultProbeMethod       = "getHealth"
)

// Options configures a Router. Zero fields take the documented defaults;
// set MaxRetriesPerEndpoint to a negative value to disable in-place
// retries entirely.
type Options struct {
	PrimaryURL   string
	FallbackURLs []string

	FailureThreshold      int
	CircuitCooldown       time.Duration
	RateLimitCooldown     time.Duration
	RequestTimeout        time.Duration
	MaxRetriesPerEndpoint int
	BaseBackoff           time.Duration
	MaxBackoff            time.Duration

	// DisableLastResort turns off the final gate-bypassing primary
	// attempt performed after every endpoint is exhausted.
	DisableLastResort bool

	// ProbeMethod is the JSON-RPC method used by health probes.
	ProbeMethod string

	Logger    *slog.Logger
	Collector *metrics.Collector
}

func (o *Options) withDefaults() Options {
	opts := *o

	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = DefaultFailureThreshold
	}
	if opts.CircuitCooldown <= 0 {
		opts.CircuitCooldown = DefaultCircuitCooldown
	}
	if opts.RateLimitCooldown <= 0 {
		opts.RateLimitCooldown = DefaultRateLimitCooldown
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.MaxRetriesPerEndpoint == 0 {
		opts.MaxRetriesPerEndpoint = DefaultMaxRetries
	}
	if opts.MaxRetriesPerEndpoint < 0 {
		opts.MaxRetriesPerEndpoint = 0
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = DefaultBaseBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = DefaultMaxBackoff
	}
	if opts.ProbeMethod == "" {
		opts.ProbeMethod = DefaultProbeMethod
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return opts
}

// Status is the externally exposable health snapshot. URLs are masked.
type Status struct {
	Primary   endpoint.HealthView   `json:"primary"`
	Fallbacks []endpoint.HealthView `json:"fallbacks"`
}

// Router executes JSON-RPC calls against an ordered endpoint set:
// primary first, then fallbacks, each behind its own circuit breaker.
// Construct one per process (or per test) with New; there is no global
// registry.
type Router struct {
	endpoints []*endpoint.Endpoint
	breaker   *circuitbreaker.Breaker
	exec      *executor.Executor
	limiters  map[*endpoint.Endpoint]*rate.Limiter
	opts      Options
	logger    *slog.Logger
	collector *metrics.Collector
}

// New builds a router from explicit options. The endpoint set is fixed
// for the router's lifetime; reconfiguration means building a new one.
func New(opts Options) (*Router, error) {
	opts = opts.withDefaults()

	if opts.PrimaryURL == "" {
		return nil, errors.New("router: primary URL is required")
	}

	urls := append([]string{opts.PrimaryURL}, opts.FallbackURLs...)
	endpoints := make([]*endpoint.Endpoint, 0, len(urls))
	limiters := make(map[*endpoint.Endpoint]*rate.Limiter, len(urls))

	for i, raw := range urls {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("router: parse endpoint URL: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return nil, fmt.Errorf("router: endpoint %s: scheme must be http or https", endpoint.MaskURL(u))
		}

		role := endpoint.RoleFallback
		if i == 0 {
			role = endpoint.RolePrimary
		}

		ep := endpoint.New(u, role)
		endpoints = append(endpoints, ep)

		// Probe budget for a struggling endpoint: refills at the base
		// backoff interval so N concurrent callers cannot multiply load
		// on a node that is already failing.
		limiters[ep] = rate.NewLimiter(rate.Every(opts.BaseBackoff), opts.MaxRetriesPerEndpoint+1)
	}

	return &Router{
		endpoints: endpoints,
		breaker:   circuitbreaker.New(opts.FailureThreshold, opts.CircuitCooldown, opts.RateLimitCooldown),
		exec:      executor.New(opts.RequestTimeout),
		limiters:  limiters,
		opts:      opts,
		logger:    opts.Logger,
		collector: opts.Collector,
	}, nil
}

// Execute runs one JSON-RPC call with failover. It returns the decoded
// result, or: the node's RPCError unchanged (never failed over), a
// deadline error when ctx expires, or NoEndpointsError once the whole
// ordered set plus the last-resort primary attempt is exhausted.
func (r *Router) Execute(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	var lastErr error

	for _, ep := range r.endpoints {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", rpcerr.ErrDeadlineExceeded, err)
		}

		if !r.breaker.Gate(ep.Health()) {
			r.logger.Debug("Circuit open, skipping endpoint",
				slog.String("endpoint", ep.MaskedURL()))
			continue
		}

		// Charge the probe budget only for attempts the gate allows, so
		// traffic refused mid-cooldown cannot starve the half-open probe.
		if !r.allowProbe(ep) {
			r.breaker.ReleaseProbe(ep.Health())
			r.logger.Debug("Probe budget exhausted, skipping endpoint",
				slog.String("endpoint", ep.MaskedURL()))
			continue
		}

		result, err := r.tryEndpoint(ctx, ep, method, params)
		if err == nil {
			return result, nil
		}

		if errors.Is(err, rpcerr.ErrDeadlineExceeded) {
			return nil, err
		}

		if rpcerr.Classify(err) == rpcerr.ClassFatal {
			// The node rejected the request itself; another node would
			// reject it the same way.
			return nil, err
		}

		lastErr = err
		r.collector.Emit(metrics.MetricEvent{
			Type:      metrics.EventFailover,
			Timestamp: time.Now(),
			Endpoint:  ep.MaskedURL(),
			Method:    method,
		})
		r.logger.Warn("Failing over to next endpoint",
			slog.String("endpoint", ep.MaskedURL()),
			slog.String("method", method),
			slog.String("error", err.Error()))
	}

	if !r.opts.DisableLastResort {
		r.logger.Warn("All endpoints exhausted, forcing one attempt on primary",
			slog.String("method", method))

		result, err := r.ForceAttempt(ctx, method, params)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, rpcerr.ErrDeadlineExceeded) || rpcerr.Classify(err) == rpcerr.ClassFatal {
			return nil, err
		}
		lastErr = err
	}

	return nil, &rpcerr.NoEndpointsError{LastErr: lastErr}
}

// tryEndpoint runs the per-endpoint retry loop. The breaker records at
// most one failure per visit: on rate limit, or once retries are
// exhausted. Backoff grows as min(base*2^r, max) with ±30% jitter.
func (r *Router) tryEndpoint(ctx context.Context, ep *endpoint.Endpoint, method string, params []any) (json.RawMessage, error) {
	bo := r.newBackoff()

	for attempt := 0; ; attempt++ {
		result, class, err := r.attemptOnce(ctx, ep, method, params)
		if err == nil {
			return result, nil
		}

		if errors.Is(err, rpcerr.ErrDeadlineExceeded) {
			// Abandoned without an outcome; give back any probe slot
			// Gate claimed so the endpoint is offered again.
			r.breaker.ReleaseProbe(ep.Health())
			return nil, err
		}

		if class == rpcerr.ClassFatal {
			return nil, err
		}

		if class == rpcerr.ClassRateLimited {
			r.breaker.RecordFailure(ep.Health(), class)
			r.logger.Warn("Endpoint rate limited",
				slog.String("endpoint", ep.MaskedURL()),
				slog.Duration("cooldown", r.opts.RateLimitCooldown))
			return nil, err
		}

		if attempt >= r.opts.MaxRetriesPerEndpoint {
			r.breaker.RecordFailure(ep.Health(), class)
			return nil, err
		}

		delay := bo.NextBackOff()
		r.logger.Debug("Retrying after backoff",
			slog.String("endpoint", ep.MaskedURL()),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			r.breaker.ReleaseProbe(ep.Health())
			return nil, fmt.Errorf("%w: %v", rpcerr.ErrDeadlineExceeded, ctx.Err())
		}
	}
}

// attemptOnce issues a single attempt and settles the outcomes that do
// not depend on retry position. A fatal (well-formed JSON-RPC) rejection
// counts as a successful interaction for endpoint health: the node
// answered.
func (r *Router) attemptOnce(ctx context.Context, ep *endpoint.Endpoint, method string, params []any) (json.RawMessage, rpcerr.Class, error) {
	start := time.Now()

	result, err := r.exec.Attempt(ctx, ep.URL().String(), method, params)
	if err == nil {
		r.breaker.RecordSuccess(ep.Health())
		r.collector.Emit(metrics.MetricEvent{
			Type:      metrics.EventRequestCompleted,
			Timestamp: time.Now(),
			Endpoint:  ep.MaskedURL(),
			Method:    method,
			Duration:  time.Since(start),
		})
		return result, rpcerr.ClassRetryable, nil
	}

	if errors.Is(err, rpcerr.ErrDeadlineExceeded) {
		// Caller budget, not endpoint health.
		return nil, rpcerr.ClassRetryable, err
	}

	class := rpcerr.Classify(err)
	if class == rpcerr.ClassFatal {
		r.breaker.RecordSuccess(ep.Health())
		return nil, class, err
	}

	r.collector.Emit(metrics.MetricEvent{
		Type:      metrics.EventAttemptFailed,
		Timestamp: time.Now(),
		Endpoint:  ep.MaskedURL(),
		Method:    method,
		Class:     class.String(),
	})

	return nil, class, err
}

// ForceAttempt issues exactly one attempt against the primary endpoint,
// ignoring its circuit state. The outcome is still recorded, so a
// success closes the primary's circuit.
func (r *Router) ForceAttempt(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	ep := r.endpoints[0]

	result, class, err := r.attemptOnce(ctx, ep, method, params)
	if err == nil {
		return result, nil
	}

	if !errors.Is(err, rpcerr.ErrDeadlineExceeded) && class != rpcerr.ClassFatal {
		r.breaker.RecordFailure(ep.Health(), class)
	}

	return nil, err
}

// Probe issues one health-check call against the given endpoint,
// bypassing the circuit gate but honoring an active rate-limit window.
// The outcome feeds the breaker exactly like caller traffic.
func (r *Router) Probe(ctx context.Context, ep *endpoint.Endpoint) error {
	h := ep.Health()
	h.Lock()
	limited := h.RateLimitedUntil.After(time.Now())
	h.Unlock()
	if limited {
		return nil
	}

	_, class, err := r.attemptOnce(ctx, ep, r.opts.ProbeMethod, nil)
	if err == nil || class == rpcerr.ClassFatal {
		return nil
	}
	if errors.Is(err, rpcerr.ErrDeadlineExceeded) {
		return err
	}

	r.breaker.RecordFailure(ep.Health(), class)
	return err
}

// AvailableEndpoint returns the URL of the first endpoint an attempt
// would currently be allowed against, in priority order.
func (r *Router) AvailableEndpoint() (string, bool) {
	for _, ep := range r.endpoints {
		if r.breaker.Viable(ep.Health()) {
			return ep.URL().String(), true
		}
	}
	return "", false
}

// Endpoints returns the ordered endpoint set, primary first.
func (r *Router) Endpoints() []*endpoint.Endpoint {
	return r.endpoints
}

// HealthStatus snapshots every endpoint's health with masked URLs.
func (r *Router) HealthStatus() Status {
	status := Status{
		Primary:   r.endpoints[0].View(),
		Fallbacks: make([]endpoint.HealthView, 0, len(r.endpoints)-1),
	}
	for _, ep := range r.endpoints[1:] {
		status.Fallbacks = append(status.Fallbacks, ep.View())
	}
	return status
}

// ResetAll returns every endpoint to the initial closed, healthy state.
// Used by operators forcing recovery and by tests.
func (r *Router) ResetAll() {
	for _, ep := range r.endpoints {
		ep.Reset()
	}
	r.logger.Info("All endpoint circuits reset")
}

// allowProbe enforces the shared probe budget against endpoints that are
// currently failing; healthy endpoints are never limited.
func (r *Router) allowProbe(ep *endpoint.Endpoint) bool {
	h := ep.Health()
	h.Lock()
	failing := h.CircuitOpen || h.ConsecutiveFailures > 0 || !h.Healthy
	h.Unlock()

	if !failing {
		return true
	}
	return r.limiters[ep].Allow()
}

func (r *Router) newBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.opts.BaseBackoff
	bo.MaxInterval = r.opts.MaxBackoff
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.3
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}
