package router_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/blossomlabs/rpcgate/internal/router"
	"github.com/blossomlabs/rpcgate/internal/rpcerr"
)

func TestRouter(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Router Suite")
}

// node is a scriptable fake RPC endpoint.
type node struct {
	server   *httptest.Server
	requests atomic.Int64

	// mode is swapped by tests to change behavior mid-flight.
	mode atomic.Value // string
}

const (
	modeOK       = "ok"
	modeTimeout  = "timeout"
	mode429      = "429"
	mode500      = "500"
	modeRPCError = "rpc_error"
	modeRefuse   = "refuse"
)

func newNode(mode string) *node {
	n := &node{}
	n.mode.Store(mode)
	n.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n.requests.Add(1)

		switch n.mode.Load().(string) {
		case modeOK:
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"ok-` + n.server.URL + `"}`))
		case modeTimeout:
			time.Sleep(500 * time.Millisecond)
			w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":null}`))
		case mode429:
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		case mode500:
			http.Error(w, "internal error", http.StatusInternalServerError)
		case modeRPCError:
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32602,"message":"invalid params"}}`))
		case modeRefuse:
			hj, _ := w.(http.Hijacker)
			conn, _, _ := hj.Hijack()
			conn.Close()
		}
	}))
	return n
}

func (n *node) setMode(mode string) { n.mode.Store(mode) }
func (n *node) count() int64        { return n.requests.Load() }
func (n *node) close()              { n.server.Close() }
func (n *node) url() string         { return n.server.URL }

var _ = Describe("Router", func() {
	var (
		primary  *node
		fallback *node
		third    *node
		log      *slog.Logger
	)

	// Timings tuned so a full Execute with retries stays well under a
	// second: 100ms attempt timeout, 100ms circuit cooldown, 300ms
	// rate-limit cooldown.
	newOpts := func() router.Options {
		return router.Options{
			PrimaryURL:            primary.url(),
			FallbackURLs:          []string{fallback.url(), third.url()},
			FailureThreshold:      2,
			CircuitCooldown:       100 * time.Millisecond,
			RateLimitCooldown:     300 * time.Millisecond,
			RequestTimeout:        100 * time.Millisecond,
			MaxRetriesPerEndpoint: 1,
			BaseBackoff:           time.Millisecond,
			MaxBackoff:            10 * time.Millisecond,
			Logger:                log,
		}
	}

	mustRouter := func(opts router.Options) *router.Router {
		r, err := router.New(opts)
		Expect(err).NotTo(HaveOccurred())
		return r
	}

	BeforeEach(func() {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
		primary = newNode(modeOK)
		fallback = newNode(modeOK)
		third = newNode(modeOK)
	})

	AfterEach(func() {
		primary.close()
		fallback.close()
		third.close()
	})

	Describe("New", func() {
		It("should require a primary URL", func() {
			_, err := router.New(router.Options{})
			Expect(err).To(HaveOccurred())
		})

		It("should reject non-http schemes", func() {
			_, err := router.New(router.Options{PrimaryURL: "ftp://rpc.example.com"})
			Expect(err).To(HaveOccurred())
		})

		It("should order endpoints primary first", func() {
			r := mustRouter(newOpts())

			eps := r.Endpoints()
			Expect(eps).To(HaveLen(3))
			Expect(eps[0].URL().String()).To(Equal(primary.url()))
			Expect(eps[0].Role().String()).To(Equal("primary"))
			Expect(eps[1].Role().String()).To(Equal("fallback"))
		})
	})

	Describe("Execute", func() {
		It("should return the primary's result without touching fallbacks", func() {
			r := mustRouter(newOpts())

			result, err := r.Execute(context.Background(), "getSlot", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(result)).To(ContainSubstring("ok-"))
			Expect(primary.count()).To(Equal(int64(1)))
			Expect(fallback.count()).To(BeZero())
		})

		It("should fail over to the fallback when the primary errors", func() {
			primary.setMode(mode500)
			r := mustRouter(newOpts())

			result, err := r.Execute(context.Background(), "getSlot", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(result)).To(ContainSubstring("ok-"))
			// One attempt plus one in-place retry on the primary.
			Expect(primary.count()).To(Equal(int64(2)))
			Expect(fallback.count()).To(Equal(int64(1)))
		})

		It("should retry in place before failing over", func() {
			primary.setMode(modeRefuse)
			r := mustRouter(newOpts())

			_, err := r.Execute(context.Background(), "getSlot", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(primary.count()).To(Equal(int64(2)))
		})

		It("should propagate a JSON-RPC error without failover", func() {
			primary.setMode(modeRPCError)
			r := mustRouter(newOpts())

			_, err := r.Execute(context.Background(), "getSlot", nil)

			var rpcErr *rpcerr.RPCError
			Expect(errors.As(err, &rpcErr)).To(BeTrue())
			Expect(rpcErr.Code).To(Equal(-32602))
			Expect(fallback.count()).To(BeZero())
			Expect(third.count()).To(BeZero())
		})

		It("should not count a JSON-RPC error as an endpoint failure", func() {
			primary.setMode(modeRPCError)
			r := mustRouter(newOpts())

			r.Execute(context.Background(), "getSlot", nil)
			r.Execute(context.Background(), "getSlot", nil)
			r.Execute(context.Background(), "getSlot", nil)

			view := r.HealthStatus().Primary
			Expect(view.CircuitOpen).To(BeFalse())
			Expect(view.ConsecutiveFailures).To(BeZero())
		})

		It("should skip a rate-limited endpoint on the very next call", func() {
			primary.setMode(mode429)
			r := mustRouter(newOpts())

			_, err := r.Execute(context.Background(), "getSlot", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(primary.count()).To(Equal(int64(1)), "no in-place retry after 429")
			countAfterFirst := primary.count()

			_, err = r.Execute(context.Background(), "getSlot", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(primary.count()).To(Equal(countAfterFirst), "primary must not be attempted inside the rate-limit window")
			Expect(fallback.count()).To(Equal(int64(2)))
		})

		It("should report the A/B/C scenario truthfully", func() {
			primary.setMode(modeTimeout)
			fallback.setMode(mode429)
			r := mustRouter(newOpts())

			result, err := r.Execute(context.Background(), "getSlot", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(result)).To(ContainSubstring("ok-"))
			Expect(third.count()).To(Equal(int64(1)))

			status := r.HealthStatus()
			Expect(status.Primary.Healthy).To(BeFalse())
			Expect(status.Primary.ConsecutiveFailures).To(Equal(1))
			Expect(status.Fallbacks[0].CircuitOpen).To(BeTrue())
			Expect(status.Fallbacks[0].RateLimitedUntil).NotTo(BeNil())
			Expect(status.Fallbacks[0].RateLimitedUntil.After(time.Now())).To(BeTrue())
			Expect(status.Fallbacks[1].Healthy).To(BeTrue())
			Expect(status.Fallbacks[1].ConsecutiveFailures).To(BeZero())
		})

		It("should open the circuit after the failure threshold and stop attempting", func() {
			primary.setMode(mode500)
			r := mustRouter(newOpts())

			r.Execute(context.Background(), "getSlot", nil)
			r.Execute(context.Background(), "getSlot", nil)
			Expect(r.HealthStatus().Primary.CircuitOpen).To(BeTrue())

			countWhenOpen := primary.count()
			r.Execute(context.Background(), "getSlot", nil)
			Expect(primary.count()).To(Equal(countWhenOpen))
		})

		It("should close the circuit again via a half-open probe after the cooldown", func() {
			primary.setMode(mode500)
			r := mustRouter(newOpts())

			r.Execute(context.Background(), "getSlot", nil)
			r.Execute(context.Background(), "getSlot", nil)
			Expect(r.HealthStatus().Primary.CircuitOpen).To(BeTrue())

			primary.setMode(modeOK)
			time.Sleep(150 * time.Millisecond)

			result, err := r.Execute(context.Background(), "getSlot", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(result)).To(ContainSubstring("ok-"))
			Expect(r.HealthStatus().Primary.CircuitOpen).To(BeFalse())
		})

		It("should make a last-resort primary attempt when everything is exhausted", func() {
			primary.setMode(mode500)
			fallback.setMode(mode500)
			third.setMode(mode500)
			r := mustRouter(newOpts())

			_, err := r.Execute(context.Background(), "getSlot", nil)

			var noEndpoints *rpcerr.NoEndpointsError
			Expect(errors.As(err, &noEndpoints)).To(BeTrue())
			Expect(noEndpoints.LastErr).To(HaveOccurred())
			// Two attempts for the visit, one more for the last resort.
			Expect(primary.count()).To(Equal(int64(3)))
		})

		It("should succeed through the last resort when the primary recovers", func() {
			primary.setMode(mode429)
			fallback.setMode(mode500)
			third.setMode(mode500)
			r := mustRouter(newOpts())

			r.Execute(context.Background(), "getSlot", nil)

			primary.setMode(modeOK)
			result, err := r.Execute(context.Background(), "getSlot", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(result)).To(ContainSubstring("ok-"))
		})

		It("should honor DisableLastResort", func() {
			primary.setMode(mode500)
			fallback.setMode(mode500)
			third.setMode(mode500)
			opts := newOpts()
			opts.DisableLastResort = true
			r := mustRouter(opts)

			_, err := r.Execute(context.Background(), "getSlot", nil)

			var noEndpoints *rpcerr.NoEndpointsError
			Expect(errors.As(err, &noEndpoints)).To(BeTrue())
			Expect(primary.count()).To(Equal(int64(2)), "no extra attempt beyond the visit")
		})

		It("should stop at the caller's deadline instead of continuing failover", func() {
			primary.setMode(modeTimeout)
			opts := newOpts()
			opts.RequestTimeout = time.Second
			r := mustRouter(opts)

			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()

			start := time.Now()
			_, err := r.Execute(ctx, "getSlot", nil)

			Expect(errors.Is(err, rpcerr.ErrDeadlineExceeded)).To(BeTrue())
			Expect(time.Since(start)).To(BeNumerically("<", 300*time.Millisecond))
			Expect(fallback.count()).To(BeZero())
			Expect(third.count()).To(BeZero())
		})

		It("should offer the half-open probe again after a caller deadline aborts it", func() {
			primary.setMode(mode500)
			r := mustRouter(newOpts())

			r.Execute(context.Background(), "getSlot", nil)
			r.Execute(context.Background(), "getSlot", nil)
			Expect(r.HealthStatus().Primary.CircuitOpen).To(BeTrue())

			// The half-open probe hits the caller's deadline instead of
			// producing an outcome.
			primary.setMode(modeTimeout)
			time.Sleep(150 * time.Millisecond)

			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			_, err := r.Execute(ctx, "getSlot", nil)
			cancel()
			Expect(errors.Is(err, rpcerr.ErrDeadlineExceeded)).To(BeTrue())

			primary.setMode(modeOK)
			countBefore := primary.count()
			result, err := r.Execute(context.Background(), "getSlot", nil)

			Expect(err).NotTo(HaveOccurred())
			Expect(string(result)).To(ContainSubstring("ok-"))
			Expect(primary.count()).To(Equal(countBefore+1), "the probe must reach the primary again")
			Expect(r.HealthStatus().Primary.CircuitOpen).To(BeFalse())
		})

		It("should keep the probe budget for the half-open attempt when gated calls pile up", func() {
			primary.setMode(mode500)
			opts := newOpts()
			opts.FailureThreshold = 1
			opts.MaxRetriesPerEndpoint = -1
			opts.BaseBackoff = 200 * time.Millisecond
			r := mustRouter(opts)

			r.Execute(context.Background(), "getSlot", nil)
			Expect(r.HealthStatus().Primary.CircuitOpen).To(BeTrue())

			// Calls refused by the gate mid-cooldown must not consume
			// probe tokens.
			for i := 0; i < 5; i++ {
				r.Execute(context.Background(), "getSlot", nil)
			}

			primary.setMode(modeOK)
			time.Sleep(120 * time.Millisecond)

			countBefore := primary.count()
			_, err := r.Execute(context.Background(), "getSlot", nil)

			Expect(err).NotTo(HaveOccurred())
			Expect(primary.count()).To(Equal(countBefore + 1))
			Expect(r.HealthStatus().Primary.CircuitOpen).To(BeFalse())
		})

		It("should keep backoff delays within the configured bound", func() {
			primary.setMode(mode500)
			fallback.setMode(modeOK)
			opts := newOpts()
			opts.FallbackURLs = []string{fallback.url()}
			opts.MaxRetriesPerEndpoint = 2
			opts.BaseBackoff = 50 * time.Millisecond
			opts.MaxBackoff = 80 * time.Millisecond
			r := mustRouter(opts)

			start := time.Now()
			_, err := r.Execute(context.Background(), "getSlot", nil)
			elapsed := time.Since(start)

			Expect(err).NotTo(HaveOccurred())
			// Two backoffs: ~50ms and ~80ms (capped), each jittered ±30%.
			Expect(elapsed).To(BeNumerically(">=", 85*time.Millisecond))
			Expect(elapsed).To(BeNumerically("<", 500*time.Millisecond))
		})
	})

	Describe("ForceAttempt", func() {
		It("should attempt the primary even with an open circuit", func() {
			primary.setMode(mode500)
			r := mustRouter(newOpts())

			r.Execute(context.Background(), "getSlot", nil)
			r.Execute(context.Background(), "getSlot", nil)
			Expect(r.HealthStatus().Primary.CircuitOpen).To(BeTrue())

			primary.setMode(modeOK)
			countBefore := primary.count()
			result, err := r.ForceAttempt(context.Background(), "getSlot", nil)

			Expect(err).NotTo(HaveOccurred())
			Expect(string(result)).To(ContainSubstring("ok-"))
			Expect(primary.count()).To(Equal(countBefore + 1))
			Expect(r.HealthStatus().Primary.CircuitOpen).To(BeFalse())
		})
	})

	Describe("AvailableEndpoint", func() {
		It("should return the primary when everything is healthy", func() {
			r := mustRouter(newOpts())

			url, ok := r.AvailableEndpoint()
			Expect(ok).To(BeTrue())
			Expect(url).To(Equal(primary.url()))
		})

		It("should fall through to the first viable fallback", func() {
			primary.setMode(mode429)
			r := mustRouter(newOpts())

			r.Execute(context.Background(), "getSlot", nil)

			url, ok := r.AvailableEndpoint()
			Expect(ok).To(BeTrue())
			Expect(url).To(Equal(fallback.url()))
		})

		It("should report none when every circuit is open", func() {
			primary.setMode(mode429)
			fallback.setMode(mode429)
			third.setMode(mode429)
			r := mustRouter(newOpts())

			r.Execute(context.Background(), "getSlot", nil)

			_, ok := r.AvailableEndpoint()
			Expect(ok).To(BeFalse())
		})
	})

	Describe("HealthStatus", func() {
		It("should mask endpoint URLs", func() {
			opts := newOpts()
			opts.PrimaryURL = primary.url() + "/v2/super-secret-key"
			r := mustRouter(opts)

			view := r.HealthStatus().Primary
			Expect(view.URL).NotTo(ContainSubstring("super-secret-key"))
			Expect(view.URL).To(ContainSubstring("[redacted]"))
		})
	})

	Describe("ResetAll", func() {
		It("should allow an attempt against a previously open circuit", func() {
			primary.setMode(mode429)
			r := mustRouter(newOpts())

			r.Execute(context.Background(), "getSlot", nil)
			Expect(r.HealthStatus().Primary.CircuitOpen).To(BeTrue())

			primary.setMode(modeOK)
			r.ResetAll()

			view := r.HealthStatus().Primary
			Expect(view.CircuitOpen).To(BeFalse())
			Expect(view.ConsecutiveFailures).To(BeZero())

			countBefore := primary.count()
			_, err := r.Execute(context.Background(), "getSlot", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(primary.count()).To(Equal(countBefore + 1))
		})
	})

	Describe("Probe", func() {
		It("should close an open circuit when the endpoint recovers", func() {
			primary.setMode(mode500)
			r := mustRouter(newOpts())

			r.Execute(context.Background(), "getSlot", nil)
			r.Execute(context.Background(), "getSlot", nil)
			Expect(r.HealthStatus().Primary.CircuitOpen).To(BeTrue())

			primary.setMode(modeOK)
			err := r.Probe(context.Background(), r.Endpoints()[0])
			Expect(err).NotTo(HaveOccurred())
			Expect(r.HealthStatus().Primary.CircuitOpen).To(BeFalse())
		})

		It("should not touch an endpoint inside its rate-limit window", func() {
			primary.setMode(mode429)
			r := mustRouter(newOpts())

			r.Execute(context.Background(), "getSlot", nil)
			countBefore := primary.count()

			err := r.Probe(context.Background(), r.Endpoints()[0])
			Expect(err).NotTo(HaveOccurred())
			Expect(primary.count()).To(Equal(countBefore))
		})
	})
})
