package retrieval

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var retrievalTracer = otel.Tracer("evidenced/retrieval")

const serviceName = "retrieval"

// OrchestratorConfig tunes the federated pipeline.
type OrchestratorConfig struct {
	AdapterTimeout    time.Duration
	DefaultMaxResults int
	SLO               SLOThresholds
}

// Orchestrator fans one request out to every enabled adapter, fuses and
// ranks the results, and fronts the whole engine with a semantic cache.
type Orchestrator struct {
	cfg       OrchestratorConfig
	adapters  []Adapter
	byName    map[string]Adapter
	cache     *SemanticCache
	metrics   *Metrics
	sanitizer Sanitizer
	logger    *log.Logger
	now       func() time.Time
}

// NewOrchestrator builds an orchestrator. cache may be nil to disable
// caching and sanitizer may be nil for the default; neither fails
// construction.
func NewOrchestrator(cfg OrchestratorConfig, cache *SemanticCache, sanitizer Sanitizer, logger *log.Logger) *Orchestrator {
	if cfg.AdapterTimeout <= 0 {
		cfg.AdapterTimeout = 5 * time.Second
	}
	if cfg.DefaultMaxResults <= 0 {
		cfg.DefaultMaxResults = 10
	}
	if sanitizer == nil {
		sanitizer = DefaultSanitizer()
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[RETRIEVAL] ", log.LstdFlags)
	}
	return &Orchestrator{
		cfg:       cfg,
		byName:    make(map[string]Adapter),
		cache:     cache,
		metrics:   NewMetrics(),
		sanitizer: sanitizer,
		logger:    logger,
		now:       time.Now,
	}
}

// RegisterAdapter adds a knowledge source. Registration order is the
// stable tie-break order for merged results.
func (o *Orchestrator) RegisterAdapter(a Adapter) error {
	name := string(a.SourceType())
	if _, exists := o.byName[name]; exists {
		return fmt.Errorf("adapter %q already registered", name)
	}
	o.byName[name] = a
	o.adapters = append(o.adapters, a)
	return nil
}

// RegisteredSources lists adapter names in registration order.
func (o *Orchestrator) RegisteredSources() []string {
	out := make([]string, 0, len(o.adapters))
	for _, a := range o.adapters {
		out = append(out, string(a.SourceType()))
	}
	return out
}

type adapterResult struct {
	name     string
	evidence []Evidence
	elapsed  time.Duration
	err      error
}

// Search runs the full pipeline: validate, sanitize, cache lookup,
// concurrent fan-out, hybrid ranking, threshold filter, truncation and
// cache write-back.
func (o *Orchestrator) Search(ctx context.Context, req RetrievalRequest) (resp *RetrievalResponse, err error) {
	started := o.now()
	defer func() {
		if r := recover(); r != nil {
			err = &ServiceError{Op: "search", Err: fmt.Errorf("panic: %v", r)}
			o.logger.Printf("[ERROR] %v", err)
		}
	}()

	ctx, span := retrievalTracer.Start(ctx, "retrieval.search")
	defer span.End()

	maxResults := req.MaxResults
	if maxResults == 0 {
		maxResults = o.cfg.DefaultMaxResults
	}
	enabled, verr := o.validate(req, maxResults)
	if verr != nil {
		span.SetStatus(codes.Error, verr.Error())
		return nil, verr
	}

	query := o.sanitizer.Sanitize(req.Query)
	if query == "" {
		return nil, &ValidationError{Field: "query", Reason: "empty after sanitization"}
	}
	span.SetAttributes(
		attribute.Int("retrieval.max_results", maxResults),
		attribute.Int("retrieval.enabled_sources", len(enabled)),
	)

	requestID := uuid.NewString()
	key := CacheKey(query, req.Context, req.Filters)

	if o.cache != nil {
		if cached, meta, ok := o.cacheGet(key); ok {
			o.metrics.RecordCacheLookup(true)
			recordCacheLookupMetric(ctx, true)
			elapsed := o.now().Sub(started)
			o.metrics.RecordRequest(elapsed, true)
			recordRequestMetrics(ctx, elapsed, true)
			return cachedResponse(requestID, key, cached, meta, elapsed), nil
		}
		o.metrics.RecordCacheLookup(false)
		recordCacheLookupMetric(ctx, false)
	}

	results := o.fanOut(ctx, enabled, query, req.Context, maxResults, req.Filters)

	var merged []Evidence
	sourceLatencies := make(map[string]int64, len(results))
	for _, res := range results {
		sourceLatencies[res.name] = res.elapsed.Milliseconds()
		merged = append(merged, res.evidence...)
	}

	qctx := queryContext(query, req.Context)
	weights := make(map[SourceType]float64, len(enabled))
	for _, a := range enabled {
		weights[a.SourceType()] = a.ScoreWeight(qctx)
	}
	for i := range merged {
		ev := &merged[i]
		weight := weights[ev.SourceType]
		if weight == 0 {
			weight = 1.0
		}
		callerWeight := 1.0
		if req.SourceWeights != nil {
			if w, ok := req.SourceWeights[ev.SourceType]; ok && w > 0 {
				callerWeight = w
			}
		}
		ev.Score = ev.Score*weight*callerWeight + ev.RecencyBoost
		if req.IncludeRecencyBias {
			ev.Score *= o.recencyFactor(ev.Timestamp)
		}
	}

	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Score > merged[j].Score })

	filtered := merged[:0]
	for _, ev := range merged {
		if ev.Score >= req.SemanticSimilarityThreshold {
			filtered = append(filtered, ev)
		}
	}
	totalFound := len(filtered)

	if len(filtered) > maxResults {
		filtered = filtered[:maxResults]
	}
	var scoreSum float64
	distribution := make(map[string]int, len(enabled))
	for i := range filtered {
		filtered[i].Rank = i + 1
		scoreSum += filtered[i].Score
		distribution[string(filtered[i].SourceType)]++
	}
	avgScore := 0.0
	if len(filtered) > 0 {
		avgScore = scoreSum / float64(len(filtered))
	}

	elapsed := o.now().Sub(started)
	resp = &RetrievalResponse{
		RequestID:          requestID,
		Evidence:           filtered,
		TotalFound:         totalFound,
		ElapsedMs:          elapsed.Milliseconds(),
		SourceLatencies:    sourceLatencies,
		CacheHit:           false,
		CacheKey:           key,
		AvgRelevanceScore:  avgScore,
		SourceDistribution: distribution,
	}

	if o.cache != nil {
		o.cachePut(key, filtered, map[string]interface{}{
			"total_found":         totalFound,
			"avg_relevance_score": avgScore,
			"source_distribution": distribution,
		})
	}

	o.metrics.RecordRequest(elapsed, true)
	recordRequestMetrics(ctx, elapsed, false)
	return resp, nil
}

// SearchPatterns runs a request scoped to the pattern adapter only, with
// recency bias disabled: curated patterns are not time-sensitive.
func (o *Orchestrator) SearchPatterns(ctx context.Context, symptoms []string, extra map[string]string) (*RetrievalResponse, error) {
	if len(symptoms) == 0 {
		return nil, &ValidationError{Field: "symptoms", Reason: "must not be empty"}
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	contextEntries := make([]string, 0, len(extra))
	for _, k := range keys {
		contextEntries = append(contextEntries, fmt.Sprintf("%s: %s", k, extra[k]))
	}
	return o.Search(ctx, RetrievalRequest{
		Query:              strings.Join(symptoms, " "),
		Context:            contextEntries,
		EnabledSources:     []string{string(SourceTypePattern)},
		IncludeRecencyBias: false,
	})
}

// InvalidateCache clears the semantic cache. The sourceType argument is
// accepted but the whole cache is cleared either way; see SemanticCache.
func (o *Orchestrator) InvalidateCache(sourceType string) bool {
	if o.cache == nil {
		return false
	}
	removed := o.cache.Invalidate(SourceType(sourceType))
	o.logger.Printf("cache invalidated (source=%q, removed=%d)", sourceType, removed)
	return true
}

// CacheStats reports cache, adapter and service counters in one payload.
func (o *Orchestrator) CacheStats() map[string]interface{} {
	snap := o.metrics.Snapshot()
	stats := map[string]interface{}{
		"cache_enabled": o.cache != nil,
		"adapter_stats": map[string]interface{}{
			"requests":      snap.AdapterRequests,
			"failures":      snap.AdapterFailures,
			"average_times": snap.AdapterAverageTimes,
		},
		"service_metrics": snap,
		"timestamp":       o.now().UTC(),
	}
	if o.cache != nil {
		stats["cache_stats"] = o.cache.Stats()
	}
	return stats
}

// HealthCheck derives SLO-based health from the instance counters.
func (o *Orchestrator) HealthCheck() HealthReport {
	return evaluateHealth(serviceName, o.metrics.Snapshot(), o.RegisteredSources(), o.cache != nil, o.cfg.SLO)
}

// ReadyCheck reports whether the engine can serve at all.
func (o *Orchestrator) ReadyCheck() bool {
	return len(o.adapters) > 0
}

// Metrics exposes the per-instance counters, mainly for tests and the
// stats endpoint.
func (o *Orchestrator) Metrics() *Metrics { return o.metrics }

func (o *Orchestrator) validate(req RetrievalRequest, maxResults int) ([]Adapter, *ValidationError) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, &ValidationError{Field: "query", Reason: "must not be empty"}
	}
	if maxResults < 1 || maxResults > 100 {
		return nil, &ValidationError{Field: "max_results", Reason: "must be between 1 and 100"}
	}
	if req.SemanticSimilarityThreshold < 0 || req.SemanticSimilarityThreshold > 1 {
		return nil, &ValidationError{Field: "semantic_similarity_threshold", Reason: "must be between 0 and 1"}
	}
	if len(req.EnabledSources) == 0 {
		return o.adapters, nil
	}
	seen := make(map[string]struct{}, len(req.EnabledSources))
	var enabled []Adapter
	for _, a := range o.adapters {
		name := string(a.SourceType())
		for _, requested := range req.EnabledSources {
			if requested == name {
				if _, dup := seen[name]; !dup {
					enabled = append(enabled, a)
					seen[name] = struct{}{}
				}
			}
		}
	}
	for _, requested := range req.EnabledSources {
		if _, ok := o.byName[requested]; !ok {
			return nil, &ValidationError{Field: "enabled_sources", Reason: fmt.Sprintf("unknown source %q", requested)}
		}
	}
	return enabled, nil
}

// fanOut launches one time-boxed goroutine per adapter and waits for all
// of them. A leg that outlives its deadline is abandoned: its goroutine
// keeps running best-effort but the result is discarded, so the slowest
// adapter bounds latency instead of summing with the others.
func (o *Orchestrator) fanOut(ctx context.Context, enabled []Adapter, query string, queryCtx []string, maxResults int, filters map[string]string) []adapterResult {
	results := make([]adapterResult, len(enabled))
	var wg sync.WaitGroup
	for i, adapter := range enabled {
		wg.Add(1)
		go func(i int, adapter Adapter) {
			defer wg.Done()
			name := string(adapter.SourceType())
			legCtx, legSpan := retrievalTracer.Start(ctx, "adapter.search",
				trace.WithAttributes(attribute.String("adapter", name)))
			defer legSpan.End()

			timeoutCtx, cancel := context.WithTimeout(legCtx, o.cfg.AdapterTimeout)
			defer cancel()

			legStart := time.Now()
			done := make(chan adapterResult, 1)
			go func() {
				evidence, err := adapter.Search(timeoutCtx, query, queryCtx, maxResults, filters)
				done <- adapterResult{name: name, evidence: evidence, err: err}
			}()

			var res adapterResult
			select {
			case res = <-done:
			case <-timeoutCtx.Done():
				res = adapterResult{name: name, err: &AdapterError{Adapter: name, Err: timeoutCtx.Err()}}
			}
			res.elapsed = time.Since(legStart)

			if res.err != nil {
				o.logger.Printf("[WARN] adapter %s failed: %v", name, res.err)
				legSpan.RecordError(res.err)
				legSpan.SetStatus(codes.Error, res.err.Error())
				recordAdapterFailureMetric(ctx, name)
				res.evidence = nil
			}
			o.metrics.RecordAdapter(name, res.elapsed, res.err == nil)
			results[i] = res
		}(i, adapter)
	}
	wg.Wait()
	return results
}

// recencyFactor applies the caller-requested recency bias. Evidence with
// no observation timestamp is left untouched.
func (o *Orchestrator) recencyFactor(ts time.Time) float64 {
	if ts.IsZero() {
		return 1.0
	}
	age := o.now().Sub(ts)
	switch {
	case age <= 7*24*time.Hour:
		return 1.2
	case age <= 30*24*time.Hour:
		return 1.1
	case age <= 90*24*time.Hour:
		return 1.0
	default:
		return 0.9
	}
}

// cacheGet shields the pipeline from cache faults: a panicking cache is
// treated as a miss so the request computes fresh.
func (o *Orchestrator) cacheGet(key string) (evidence []Evidence, meta map[string]interface{}, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Printf("[WARN] cache get failed, computing fresh: %v", r)
			evidence, meta, ok = nil, nil, false
		}
	}()
	return o.cache.Get(key)
}

// cachePut fails open as well: losing a cache write never aborts the
// request that produced the result.
func (o *Orchestrator) cachePut(key string, evidence []Evidence, meta map[string]interface{}) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Printf("[WARN] cache write failed, skipping: %v", r)
		}
	}()
	o.cache.Set(key, evidence, meta)
}

func queryContext(query string, entries []string) string {
	if len(entries) == 0 {
		return query
	}
	return query + " " + strings.Join(entries, " ")
}

func cachedResponse(requestID, key string, evidence []Evidence, meta map[string]interface{}, elapsed time.Duration) *RetrievalResponse {
	resp := &RetrievalResponse{
		RequestID: requestID,
		Evidence:  evidence,
		CacheHit:  true,
		CacheKey:  key,
		ElapsedMs: elapsed.Milliseconds(),
	}
	if meta != nil {
		if v, ok := meta["total_found"].(int); ok {
			resp.TotalFound = v
		}
		if v, ok := meta["avg_relevance_score"].(float64); ok {
			resp.AvgRelevanceScore = v
		}
		if v, ok := meta["source_distribution"].(map[string]int); ok {
			resp.SourceDistribution = v
		}
	}
	return resp
}
