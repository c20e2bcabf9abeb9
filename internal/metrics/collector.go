package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type EventType string

const (
	EventRequestReceived  EventType = "request_received"
	EventAttemptFailed    EventType = "attempt_failed"
	EventFailover         EventType = "failover"
	EventRequestCompleted EventType = "request_completed"
	EventHealthChanged    EventType = "health_changed"
)

// MetricEvent carries one observation from the router, gateway or health
// prober. Endpoint is always the masked URL.
type MetricEvent struct {
	Type      EventType
	Timestamp time.Time
	Endpoint  string
	Method    string
	Class     string
	Duration  time.Duration
	Healthy   bool
}

type Collector struct {
	eventCh  chan MetricEvent
	metrics  *Metrics
	logger   *slog.Logger
	registry *prometheus.Registry

	attemptsTotal   *prometheus.CounterVec
	failoversTotal  prometheus.Counter
	rateLimitsTotal *prometheus.CounterVec
	requestSeconds  *prometheus.HistogramVec
	endpointHealthy *prometheus.GaugeVec
}

// NewCollector creates a collector with its own prometheus registry so
// independent collectors (one per test, one per process) never collide.
func NewCollector(bufferSize int, logger *slog.Logger) *Collector {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Collector{
		eventCh:  make(chan MetricEvent, bufferSize),
		metrics:  NewMetrics(),
		logger:   logger,
		registry: registry,

		attemptsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rpcgate_attempts_total",
			Help: "RPC attempts per endpoint and outcome.",
		}, []string{"endpoint", "outcome"}),
		failoversTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "rpcgate_failovers_total",
			Help: "Times the router moved past an endpoint to the next one.",
		}),
		rateLimitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rpcgate_rate_limits_total",
			Help: "Rate-limit responses per endpoint.",
		}, []string{"endpoint"}),
		requestSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rpcgate_request_duration_seconds",
			Help:    "Latency of successful RPC requests per endpoint.",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
		endpointHealthy: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rpcgate_endpoint_healthy",
			Help: "Last observed endpoint health (1 healthy, 0 unhealthy).",
		}, []string{"endpoint"}),
	}
}

// EventChannel returns the write side of the event pipeline. Senders
// should use a non-blocking send so a full buffer never stalls the
// request path.
func (c *Collector) EventChannel() chan<- MetricEvent {
	return c.eventCh
}

// Emit is the non-blocking send used by the router and prober. Safe on a
// nil collector.
func (c *Collector) Emit(event MetricEvent) {
	if c == nil {
		return
	}

	select {
	case c.eventCh <- event:
	default:
		// Dropping an observation beats stalling a request.
	}
}

func (c *Collector) Start(ctx context.Context) {
	go c.run(ctx)
}

func (c *Collector) run(ctx context.Context) {
	c.logger.Info("Metrics collector started")
	defer c.logger.Info("Metrics collector stopped")

	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		case <-ctx.Done():
			// Drain remaining events before shutdown
			c.drain()
			return
		}
	}
}

func (c *Collector) processEvent(event MetricEvent) {
	switch event.Type {
	case EventRequestReceived:
		c.metrics.RecordRequestReceived()

	case EventRequestCompleted:
		c.metrics.RecordSuccess(event.Endpoint, event.Duration)
		c.attemptsTotal.WithLabelValues(event.Endpoint, "success").Inc()
		c.requestSeconds.WithLabelValues(event.Endpoint).Observe(event.Duration.Seconds())
		c.endpointHealthy.WithLabelValues(event.Endpoint).Set(1)

	case EventAttemptFailed:
		c.metrics.RecordFailure(event.Endpoint, event.Class)
		c.attemptsTotal.WithLabelValues(event.Endpoint, "failure").Inc()
		c.endpointHealthy.WithLabelValues(event.Endpoint).Set(0)
		if event.Class == "rate_limited" {
			c.rateLimitsTotal.WithLabelValues(event.Endpoint).Inc()
		}

	case EventFailover:
		c.metrics.RecordFailover()
		c.failoversTotal.Inc()

	case EventHealthChanged:
		c.metrics.UpdateHealthStatus(event.Endpoint, event.Healthy)
		if event.Healthy {
			c.endpointHealthy.WithLabelValues(event.Endpoint).Set(1)
		} else {
			c.endpointHealthy.WithLabelValues(event.Endpoint).Set(0)
		}
	}
}

func (c *Collector) drain() {
	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		default:
			return
		}
	}
}

func (c *Collector) Snapshot() Snapshot {
	return c.metrics.Snapshot()
}

// Registry exposes the collector's prometheus registry for the /metrics
// handler.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
