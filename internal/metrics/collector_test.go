package metrics_test

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/blossomlabs/rpcgate/internal/metrics"
)

var _ = Describe("Collector", func() {
	var (
		collector *metrics.Collector
		log       *slog.Logger
		ctx       context.Context
		cancel    context.CancelFunc
	)

	const endpointA = "https://rpc-a.example.com/[redacted]"

	BeforeEach(func() {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
		ctx, cancel = context.WithCancel(context.Background())
		collector = metrics.NewCollector(100, log)
	})

	AfterEach(func() {
		cancel()
		time.Sleep(10 * time.Millisecond) // Allow goroutine to finish
	})

	Describe("Emit", func() {
		It("should be safe on a nil collector", func() {
			var nilCollector *metrics.Collector
			Expect(func() {
				nilCollector.Emit(metrics.MetricEvent{Type: metrics.EventFailover})
			}).NotTo(Panic())
		})

		It("should not block when the buffer is full", func() {
			small := metrics.NewCollector(1, log)
			// Collector not started: the second send must be dropped, not stall.
			done := make(chan struct{})
			go func() {
				small.Emit(metrics.MetricEvent{Type: metrics.EventFailover})
				small.Emit(metrics.MetricEvent{Type: metrics.EventFailover})
				close(done)
			}()
			Eventually(done).Should(BeClosed())
		})
	})

	Describe("event processing", func() {
		BeforeEach(func() {
			collector.Start(ctx)
		})

		It("should process EventRequestCompleted", func() {
			collector.Emit(metrics.MetricEvent{
				Type:      metrics.EventRequestCompleted,
				Timestamp: time.Now(),
				Endpoint:  endpointA,
				Duration:  120 * time.Millisecond,
			})

			Eventually(func() int64 {
				return collector.Snapshot().Endpoints[endpointA].Successes
			}).Should(Equal(int64(1)))
		})

		It("should process EventAttemptFailed with a class", func() {
			collector.Emit(metrics.MetricEvent{
				Type:      metrics.EventAttemptFailed,
				Timestamp: time.Now(),
				Endpoint:  endpointA,
				Class:     "rate_limited",
			})

			Eventually(func() int64 {
				return collector.Snapshot().Endpoints[endpointA].RateLimitHits
			}).Should(Equal(int64(1)))
		})

		It("should process EventFailover", func() {
			collector.Emit(metrics.MetricEvent{Type: metrics.EventFailover, Timestamp: time.Now()})

			Eventually(func() int64 {
				return collector.Snapshot().Failovers
			}).Should(Equal(int64(1)))
		})

		It("should process EventHealthChanged", func() {
			collector.Emit(metrics.MetricEvent{
				Type:      metrics.EventHealthChanged,
				Timestamp: time.Now(),
				Endpoint:  endpointA,
				Healthy:   false,
			})

			Eventually(func() bool {
				_, present := collector.Snapshot().Endpoints[endpointA]
				return present
			}).Should(BeTrue())
			Expect(collector.Snapshot().Endpoints[endpointA].Healthy).To(BeFalse())
		})

		It("should drain buffered events on shutdown", func() {
			for i := 0; i < 10; i++ {
				collector.Emit(metrics.MetricEvent{Type: metrics.EventFailover, Timestamp: time.Now()})
			}
			cancel()

			Eventually(func() int64 {
				return collector.Snapshot().Failovers
			}).Should(Equal(int64(10)))
		})
	})

	Describe("Handler", func() {
		It("should serve the JSON snapshot", func() {
			collector.Start(ctx)
			collector.Emit(metrics.MetricEvent{
				Type:      metrics.EventRequestCompleted,
				Timestamp: time.Now(),
				Endpoint:  endpointA,
				Duration:  time.Millisecond,
			})

			Eventually(func() int64 {
				return collector.Snapshot().TotalAttempts
			}).Should(Equal(int64(1)))

			rec := httptest.NewRecorder()
			collector.Handler()(rec, httptest.NewRequest("GET", "/metrics/json", nil))

			Expect(rec.Code).To(Equal(200))
			Expect(rec.Header().Get("Content-Type")).To(Equal("application/json"))
			Expect(rec.Body.String()).To(ContainSubstring("total_attempts"))
		})
	})

	Describe("PromHandler", func() {
		It("should expose prometheus counters", func() {
			collector.Start(ctx)
			collector.Emit(metrics.MetricEvent{
				Type:      metrics.EventRequestCompleted,
				Timestamp: time.Now(),
				Endpoint:  endpointA,
				Duration:  time.Millisecond,
			})

			Eventually(func() int64 {
				return collector.Snapshot().TotalAttempts
			}).Should(Equal(int64(1)))

			rec := httptest.NewRecorder()
			collector.PromHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

			Expect(rec.Code).To(Equal(200))
			Expect(rec.Body.String()).To(ContainSubstring("rpcgate_attempts_total"))
		})
	})
})
