package retrieval

import (
	"testing"
	"time"
)

func TestMetricsSnapshotRates(t *testing.T) {
	m := NewMetrics()
	for i := 0; i < 8; i++ {
		m.RecordRequest(100*time.Millisecond, true)
	}
	m.RecordRequest(time.Second, true)
	m.RecordRequest(2*time.Second, false)
	m.RecordCacheLookup(true)
	m.RecordCacheLookup(false)
	m.RecordCacheLookup(false)

	snap := m.Snapshot()
	if snap.TotalRequests != 10 || snap.SuccessfulRequests != 9 || snap.FailedRequests != 1 {
		t.Fatalf("request counters: %+v", snap)
	}
	if snap.CacheHitRate < 0.33 || snap.CacheHitRate > 0.34 {
		t.Fatalf("cache hit rate = %v, want ~0.333", snap.CacheHitRate)
	}
	// With 10 samples the p95 index lands on the slowest.
	if snap.P95LatencyMs != 2000 {
		t.Fatalf("p95 = %v, want 2000", snap.P95LatencyMs)
	}
}

func TestMetricsAdapterAverages(t *testing.T) {
	m := NewMetrics()
	m.RecordAdapter("pattern", 100*time.Millisecond, true)
	m.RecordAdapter("pattern", 300*time.Millisecond, false)

	snap := m.Snapshot()
	if snap.AdapterRequests["pattern"] != 2 {
		t.Fatalf("requests = %d, want 2", snap.AdapterRequests["pattern"])
	}
	if snap.AdapterFailures["pattern"] != 1 {
		t.Fatalf("failures = %d, want 1", snap.AdapterFailures["pattern"])
	}
	if snap.AdapterAverageTimes["pattern"] != 200*time.Millisecond {
		t.Fatalf("average = %v, want 200ms", snap.AdapterAverageTimes["pattern"])
	}
}

func TestMetricsLatencyWindowWraps(t *testing.T) {
	m := NewMetrics()
	for i := 0; i < latencyWindow+10; i++ {
		m.RecordRequest(10*time.Millisecond, true)
	}
	snap := m.Snapshot()
	if snap.TotalRequests != int64(latencyWindow+10) {
		t.Fatalf("total = %d", snap.TotalRequests)
	}
	if snap.P95LatencyMs != 10 {
		t.Fatalf("p95 after wrap = %v, want 10", snap.P95LatencyMs)
	}
}
