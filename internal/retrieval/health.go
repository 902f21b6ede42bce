package retrieval

import (
	"fmt"
	"time"
)

// HealthStatus is the service-level health classification.
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// SLOThresholds are the objectives health reporting is derived from.
// Rates below the minimum sample counts are not judged, so a cold
// service does not start life degraded.
type SLOThresholds struct {
	P95LatencyMs          float64
	MaxAdapterFailureRate float64
	MinCacheHitRate       float64
	MinRequestSamples     int64
	MinCacheSamples       int64
}

// AdapterHealth is the per-adapter slice of a health report.
type AdapterHealth struct {
	Status       HealthStatus `json:"status"`
	Requests     int64        `json:"requests"`
	Failures     int64        `json:"failures"`
	FailureRate  float64      `json:"failure_rate"`
	AvgLatencyMs float64      `json:"avg_latency_ms"`
}

// HealthReport is the full roll-up returned by HealthCheck.
type HealthReport struct {
	Service      string                   `json:"service"`
	Status       HealthStatus             `json:"status"`
	Metrics      MetricsSnapshot          `json:"metrics"`
	Adapters     map[string]AdapterHealth `json:"adapters"`
	CacheEnabled bool                     `json:"cache_enabled"`
	Errors       []string                 `json:"errors,omitempty"`
	Timestamp    time.Time                `json:"timestamp"`
}

// evaluateHealth derives service health from the metrics snapshot. Any
// SLO breach degrades the service; it is reported unhealthy only when
// every adapter with traffic is effectively failing.
func evaluateHealth(service string, snap MetricsSnapshot, registered []string, cacheEnabled bool, slo SLOThresholds) HealthReport {
	report := HealthReport{
		Service:      service,
		Status:       StatusHealthy,
		Metrics:      snap,
		Adapters:     make(map[string]AdapterHealth, len(registered)),
		CacheEnabled: cacheEnabled,
		Timestamp:    time.Now().UTC(),
	}

	failingAdapters := 0
	adaptersWithTraffic := 0
	for _, name := range registered {
		requests := snap.AdapterRequests[name]
		failures := snap.AdapterFailures[name]
		health := AdapterHealth{
			Status:       StatusHealthy,
			Requests:     requests,
			Failures:     failures,
			AvgLatencyMs: float64(snap.AdapterAverageTimes[name]) / float64(time.Millisecond),
		}
		if requests > 0 {
			adaptersWithTraffic++
			health.FailureRate = float64(failures) / float64(requests)
			if health.FailureRate > slo.MaxAdapterFailureRate {
				health.Status = StatusDegraded
				report.Errors = append(report.Errors,
					fmt.Sprintf("adapter %s failure rate %.2f exceeds SLO %.2f", name, health.FailureRate, slo.MaxAdapterFailureRate))
			}
			if health.FailureRate >= 0.9 {
				health.Status = StatusUnhealthy
				failingAdapters++
			}
		}
		report.Adapters[name] = health
	}

	if slo.P95LatencyMs > 0 && snap.TotalRequests >= slo.MinRequestSamples && snap.P95LatencyMs > slo.P95LatencyMs {
		report.Errors = append(report.Errors,
			fmt.Sprintf("p95 latency %.0fms exceeds SLO %.0fms", snap.P95LatencyMs, slo.P95LatencyMs))
	}
	if cacheEnabled && slo.MinCacheHitRate > 0 {
		if lookups := snap.CacheHits + snap.CacheMisses; lookups >= slo.MinCacheSamples && snap.CacheHitRate < slo.MinCacheHitRate {
			report.Errors = append(report.Errors,
				fmt.Sprintf("cache hit rate %.2f below SLO %.2f", snap.CacheHitRate, slo.MinCacheHitRate))
		}
	}

	switch {
	case adaptersWithTraffic > 0 && failingAdapters == adaptersWithTraffic:
		report.Status = StatusUnhealthy
	case len(report.Errors) > 0:
		report.Status = StatusDegraded
	}
	return report
}
