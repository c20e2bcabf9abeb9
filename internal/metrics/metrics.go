package metrics

import (
	"sort"
	"sync"
	"time"
)

type Metrics struct {
	mutex         sync.RWMutex
	attempts      map[string]int64
	successes     map[string]int64
	failures      map[string]map[string]int64
	rateLimitHits map[string]int64
	latencies     map[string][]time.Duration
	healthStatus  map[string]bool
	failovers     int64
	received      int64
	startTime     time.Time
}

type Snapshot struct {
	RequestsReceived int64                      `json:"requests_received"`
	TotalAttempts    int64                      `json:"total_attempts"`
	Failovers        int64                      `json:"failovers"`
	Uptime           time.Duration              `json:"uptime"`
	Endpoints        map[string]EndpointMetrics `json:"endpoints"`
}

type EndpointMetrics struct {
	Attempts      int64            `json:"attempts"`
	Successes     int64            `json:"successes"`
	Failures      map[string]int64 `json:"failures"`
	RateLimitHits int64            `json:"rate_limit_hits"`
	Healthy       bool             `json:"healthy"`
	AvgLatency    time.Duration    `json:"avg_latency"`
	P50Latency    time.Duration    `json:"p50_latency"`
	P95Latency    time.Duration    `json:"p95_latency"`
	P99Latency    time.Duration    `json:"p99_latency"`
}

func NewMetrics() *Metrics {
	return &Metrics{
		attempts:      make(map[string]int64),
		successes:     make(map[string]int64),
		failures:      make(map[string]map[string]int64),
		rateLimitHits: make(map[string]int64),
		latencies:     make(map[string][]time.Duration),
		healthStatus:  make(map[string]bool),
		startTime:     time.Now(),
	}
}

func (m *Metrics) RecordSuccess(endpoint string, duration time.Duration) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.attempts[endpoint]++
	m.successes[endpoint]++
	m.healthStatus[endpoint] = true

	m.latencies[endpoint] = append(m.latencies[endpoint], duration)
	if len(m.latencies[endpoint]) > 1000 {
		m.latencies[endpoint] = m.latencies[endpoint][1:]
	}
}

func (m *Metrics) RecordFailure(endpoint, class string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.attempts[endpoint]++
	m.healthStatus[endpoint] = false

	if m.failures[endpoint] == nil {
		m.failures[endpoint] = make(map[string]int64)
	}
	m.failures[endpoint][class]++

	if class == "rate_limited" {
		m.rateLimitHits[endpoint]++
	}
}

func (m *Metrics) RecordRequestReceived() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.received++
}

func (m *Metrics) RecordFailover() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.failovers++
}

func (m *Metrics) UpdateHealthStatus(endpoint string, healthy bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.healthStatus[endpoint] = healthy
}

func (m *Metrics) Snapshot() Snapshot {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	snap := Snapshot{
		RequestsReceived: m.received,
		Failovers:        m.failovers,
		Uptime:           time.Since(m.startTime),
		Endpoints:        make(map[string]EndpointMetrics),
	}

	allEndpoints := make(map[string]bool)
	for endpoint := range m.attempts {
		allEndpoints[endpoint] = true
	}
	for endpoint := range m.healthStatus {
		allEndpoints[endpoint] = true
	}

	for endpoint := range allEndpoints {
		snap.TotalAttempts += m.attempts[endpoint]

		em := EndpointMetrics{
			Attempts:      m.attempts[endpoint],
			Successes:     m.successes[endpoint],
			Failures:      m.failures[endpoint],
			RateLimitHits: m.rateLimitHits[endpoint],
			Healthy:       m.healthStatus[endpoint],
		}

		durations := m.latencies[endpoint]
		if len(durations) > 0 {
			sorted := make([]time.Duration, len(durations))
			copy(sorted, durations)
			sort.Slice(sorted, func(i, j int) bool {
				return sorted[i] < sorted[j]
			})

			em.AvgLatency = average(sorted)
			em.P50Latency = percentile(sorted, 0.50)
			em.P95Latency = percentile(sorted, 0.95)
			em.P99Latency = percentile(sorted, 0.99)
		}

		snap.Endpoints[endpoint] = em
	}

	return snap
}

func average(durations []time.Duration) time.Duration {
	if len(durations) == 0 {
		return 0
	}

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return sum / time.Duration(len(durations))
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}

	index := int(float64(len(sorted)) * p)
	if index >= len(sorted) {
		index = len(sorted) - 1
	}

	return sorted[index]
}
