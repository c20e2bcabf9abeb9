package healthprobe

import (
	"context"
	"log/slog"
	"time"

	"github.com/blossomlabs/rpcgate/internal/endpoint"
	"github.com/blossomlabs/rpcgate/internal/metrics"
	"github.com/blossomlabs/rpcgate/internal/router"
)

// Run periodically probes one endpoint through the router's health-check
// call so a recovered endpoint closes its circuit without waiting for
// caller traffic. Health transitions are logged and reported to the
// collector; the endpoint's rate-limit window is always honored.
func Run(
	ctx context.Context,
	rt *router.Router,
	ep *endpoint.Endpoint,
	interval time.Duration,
	collector *metrics.Collector,
	logger *slog.Logger,
) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastHealthy := ep.View().Healthy

	for {
		select {
		case <-ctx.Done():
			logger.Info("Health probe stopped",
				slog.String("endpoint", ep.MaskedURL()))
			return

		case <-ticker.C:
			err := rt.Probe(ctx, ep)
			if err != nil && ctx.Err() != nil {
				continue
			}

			healthy := ep.View().Healthy
			if healthy == lastHealthy {
				continue
			}
			lastHealthy = healthy

			collector.Emit(metrics.MetricEvent{
				Type:      metrics.EventHealthChanged,
				Timestamp: time.Now(),
				Endpoint:  ep.MaskedURL(),
				Healthy:   healthy,
			})

			if healthy {
				logger.Info("Endpoint is back up",
					slog.String("endpoint", ep.MaskedURL()))
			} else {
				logger.Warn("Endpoint is down",
					slog.String("endpoint", ep.MaskedURL()),
					slog.Any("error", err))
			}
		}
	}
}

// Start launches one probe loop per endpoint of the router.
func Start(ctx context.Context, rt *router.Router, interval time.Duration, collector *metrics.Collector, logger *slog.Logger) {
	for _, ep := range rt.Endpoints() {
		go Run(ctx, rt, ep, interval, collector, logger)
	}
}
