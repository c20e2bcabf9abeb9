// Package metrics provides real-time metrics collection for the RPC
// gateway.
//
// It uses a channel-based event pipeline to asynchronously collect:
//   - Attempt counts per endpoint, split by outcome and failure class
//   - Failover counts
//   - Rate-limit hits per endpoint
//   - Request latencies with percentile calculations (P50, P95, P99)
//   - Last observed endpoint health
//
// The collector runs in a dedicated goroutine and processes events
// without blocking the request path; senders use non-blocking sends so a
// full buffer drops an observation instead of stalling a request.
//
// Every observation is recorded twice: into the in-process store served
// as a JSON snapshot, and into a per-collector prometheus registry
// served by PromHandler. Endpoint labels are always masked URLs.
//
// Example usage:
//
//	collector := metrics.NewCollector(1000, logger)
//	collector.Start(ctx)
//
//	collector.Emit(metrics.MetricEvent{
//		Type:     metrics.EventRequestCompleted,
//		Endpoint: "https://rpc.example.com/[redacted]",
//		Duration: 150 * time.Millisecond,
//	})
//
//	snapshot := collector.Snapshot()
package metrics
