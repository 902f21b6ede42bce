package retrieval

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// latencyWindow bounds the latency samples kept for p95 estimation.
const latencyWindow = 512

// Metrics holds per-instance counters for the retrieval engine. All
// updates are best-effort and serialized by one mutex; these feed health
// reporting rather than billing, so strict linearization is not needed.
type Metrics struct {
	mu sync.Mutex

	TotalRequests      int64
	SuccessfulRequests int64
	FailedRequests     int64
	CacheHits          int64
	CacheMisses        int64

	AdapterRequests     map[string]int64
	AdapterFailures     map[string]int64
	AdapterAverageTimes map[string]time.Duration

	latencies []time.Duration
	next      int
	filled    bool
}

// MetricsSnapshot is a copy of the counters safe to hand to callers.
type MetricsSnapshot struct {
	TotalRequests       int64                    `json:"total_requests"`
	SuccessfulRequests  int64                    `json:"successful_requests"`
	FailedRequests      int64                    `json:"failed_requests"`
	CacheHits           int64                    `json:"cache_hits"`
	CacheMisses         int64                    `json:"cache_misses"`
	CacheHitRate        float64                  `json:"cache_hit_rate"`
	P95LatencyMs        float64                  `json:"p95_latency_ms"`
	AdapterRequests     map[string]int64         `json:"adapter_requests"`
	AdapterFailures     map[string]int64         `json:"adapter_failures"`
	AdapterAverageTimes map[string]time.Duration `json:"adapter_average_times"`
}

// NewMetrics builds an empty metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{
		AdapterRequests:     make(map[string]int64),
		AdapterFailures:     make(map[string]int64),
		AdapterAverageTimes: make(map[string]time.Duration),
		latencies:           make([]time.Duration, latencyWindow),
	}
}

// RecordRequest records one completed orchestration.
func (m *Metrics) RecordRequest(elapsed time.Duration, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.TotalRequests++
	if success {
		m.SuccessfulRequests++
	} else {
		m.FailedRequests++
	}
	m.latencies[m.next] = elapsed
	m.next++
	if m.next == len(m.latencies) {
		m.next = 0
		m.filled = true
	}
}

// RecordCacheLookup records a cache hit or miss.
func (m *Metrics) RecordCacheLookup(hit bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if hit {
		m.CacheHits++
	} else {
		m.CacheMisses++
	}
}

// RecordAdapter records one adapter fan-out leg.
func (m *Metrics) RecordAdapter(name string, elapsed time.Duration, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.AdapterRequests[name]++
	if !success {
		m.AdapterFailures[name]++
	}
	count := m.AdapterRequests[name]
	if count == 1 {
		m.AdapterAverageTimes[name] = elapsed
	} else {
		total := m.AdapterAverageTimes[name] * time.Duration(count-1)
		m.AdapterAverageTimes[name] = (total + elapsed) / time.Duration(count)
	}
}

// Snapshot copies the counters and computes derived rates.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := MetricsSnapshot{
		TotalRequests:       m.TotalRequests,
		SuccessfulRequests:  m.SuccessfulRequests,
		FailedRequests:      m.FailedRequests,
		CacheHits:           m.CacheHits,
		CacheMisses:         m.CacheMisses,
		P95LatencyMs:        m.p95Locked(),
		AdapterRequests:     make(map[string]int64, len(m.AdapterRequests)),
		AdapterFailures:     make(map[string]int64, len(m.AdapterFailures)),
		AdapterAverageTimes: make(map[string]time.Duration, len(m.AdapterAverageTimes)),
	}
	if lookups := m.CacheHits + m.CacheMisses; lookups > 0 {
		snap.CacheHitRate = float64(m.CacheHits) / float64(lookups)
	}
	for k, v := range m.AdapterRequests {
		snap.AdapterRequests[k] = v
	}
	for k, v := range m.AdapterFailures {
		snap.AdapterFailures[k] = v
	}
	for k, v := range m.AdapterAverageTimes {
		snap.AdapterAverageTimes[k] = v
	}
	return snap
}

func (m *Metrics) p95Locked() float64 {
	n := m.next
	if m.filled {
		n = len(m.latencies)
	}
	if n == 0 {
		return 0
	}
	samples := make([]time.Duration, n)
	copy(samples, m.latencies[:n])
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	idx := (n * 95) / 100
	if idx >= n {
		idx = n - 1
	}
	return float64(samples[idx]) / float64(time.Millisecond)
}

var (
	retrievalMetricsOnce sync.Once
	retrievalRequests    otelmetric.Int64Counter
	retrievalLatency     otelmetric.Float64Histogram
	adapterFailures      otelmetric.Int64Counter
	cacheLookups         otelmetric.Int64Counter
)

func initRetrievalMetrics() {
	meter := otel.Meter("evidenced/retrieval")
	var err error
	retrievalRequests, err = meter.Int64Counter(
		"retrieval_requests_total",
		otelmetric.WithDescription("Federated retrieval requests processed"),
	)
	if err != nil {
		log.Printf("retrieval metrics init: retrieval_requests_total: %v", err)
	}
	retrievalLatency, err = meter.Float64Histogram(
		"retrieval_latency_seconds",
		otelmetric.WithDescription("End-to-end retrieval latency"),
		otelmetric.WithUnit("s"),
	)
	if err != nil {
		log.Printf("retrieval metrics init: retrieval_latency_seconds: %v", err)
	}
	adapterFailures, err = meter.Int64Counter(
		"retrieval_adapter_failures_total",
		otelmetric.WithDescription("Adapter searches that errored or timed out"),
	)
	if err != nil {
		log.Printf("retrieval metrics init: retrieval_adapter_failures_total: %v", err)
	}
	cacheLookups, err = meter.Int64Counter(
		"retrieval_cache_lookups_total",
		otelmetric.WithDescription("Semantic cache lookups by outcome"),
	)
	if err != nil {
		log.Printf("retrieval metrics init: retrieval_cache_lookups_total: %v", err)
	}
}

func recordRequestMetrics(ctx context.Context, elapsed time.Duration, cacheHit bool) {
	retrievalMetricsOnce.Do(initRetrievalMetrics)
	attrs := otelmetric.WithAttributes(attribute.Bool("cache_hit", cacheHit))
	if retrievalRequests != nil {
		retrievalRequests.Add(ctx, 1, attrs)
	}
	if retrievalLatency != nil {
		retrievalLatency.Record(ctx, elapsed.Seconds(), attrs)
	}
}

func recordAdapterFailureMetric(ctx context.Context, adapter string) {
	retrievalMetricsOnce.Do(initRetrievalMetrics)
	if adapterFailures != nil {
		adapterFailures.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("adapter", adapter)))
	}
}

func recordCacheLookupMetric(ctx context.Context, hit bool) {
	retrievalMetricsOnce.Do(initRetrievalMetrics)
	if cacheLookups != nil {
		outcome := "miss"
		if hit {
			outcome = "hit"
		}
		cacheLookups.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("outcome", outcome)))
	}
}
