package retrieval

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

// SourceType identifies the kind of knowledge source an adapter fronts.
type SourceType string

const (
	SourceTypeDocument SourceType = "document"
	SourceTypePattern  SourceType = "pattern"
	SourceTypePlaybook SourceType = "playbook"
)

// MaxSnippetLength bounds the snippet carried by a single Evidence item.
const MaxSnippetLength = 500

// Evidence is a single ranked result from a federated search, carrying
// score, provenance and a bounded snippet.
type Evidence struct {
	Source       string                 `json:"source"`
	SourceType   SourceType             `json:"source_type"`
	Snippet      string                 `json:"snippet"`
	Score        float64                `json:"score"`
	URL          string                 `json:"url,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
	Provenance   map[string]interface{} `json:"provenance,omitempty"`
	Rank         int                    `json:"rank,omitempty"`
	Confidence   float64                `json:"confidence,omitempty"`
	RecencyBoost float64                `json:"recency_boost,omitempty"`
}

// RetrievalRequest describes one federated search.
type RetrievalRequest struct {
	Query                       string                 `json:"query"`
	Context                     []string               `json:"context,omitempty"`
	EnabledSources              []string               `json:"enabled_sources,omitempty"`
	MaxResults                  int                    `json:"max_results,omitempty"`
	IncludeRecencyBias          bool                   `json:"include_recency_bias,omitempty"`
	SemanticSimilarityThreshold float64                `json:"semantic_similarity_threshold,omitempty"`
	SourceWeights               map[SourceType]float64 `json:"source_weights,omitempty"`
	Filters                     map[string]string      `json:"filters,omitempty"`
}

// RetrievalResponse is the fused, ranked answer to one request.
type RetrievalResponse struct {
	RequestID          string           `json:"request_id"`
	Evidence           []Evidence       `json:"evidence"`
	TotalFound         int              `json:"total_found"`
	ElapsedMs          int64            `json:"elapsed_ms"`
	SourceLatencies    map[string]int64 `json:"source_latencies,omitempty"`
	CacheHit           bool             `json:"cache_hit"`
	CacheKey           string           `json:"cache_key,omitempty"`
	AvgRelevanceScore  float64          `json:"avg_relevance_score"`
	SourceDistribution map[string]int   `json:"source_distribution,omitempty"`
}

// ValidationError reports a malformed request and is returned to callers.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request: %s: %s", e.Field, e.Reason)
}

// AdapterError wraps a failure inside a single adapter. The orchestrator
// logs and counts these; they never propagate to callers.
type AdapterError struct {
	Adapter string
	Err     error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("adapter %s: %v", e.Adapter, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// ServiceError wraps an unexpected failure in the orchestration pipeline
// itself and is surfaced to the caller.
type ServiceError struct {
	Op  string
	Err error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("retrieval service: %s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// Sanitizer cleans untrusted query text before it reaches the adapters.
// The concrete implementation is injected by the hosting application.
type Sanitizer interface {
	Sanitize(text string) string
}

// SanitizerFunc adapts a plain function to the Sanitizer interface.
type SanitizerFunc func(string) string

func (f SanitizerFunc) Sanitize(text string) string { return f(text) }

// DefaultSanitizer trims whitespace and strips control characters.
func DefaultSanitizer() Sanitizer {
	return SanitizerFunc(func(text string) string {
		cleaned := strings.Map(func(r rune) rune {
			if unicode.IsControl(r) && r != '\n' && r != '\t' {
				return -1
			}
			return r
		}, text)
		return strings.TrimSpace(cleaned)
	})
}

// trimSnippet enforces the snippet bound without splitting runes.
func trimSnippet(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= MaxSnippetLength {
		return s
	}
	runes := []rune(s)
	if len(runes) > MaxSnippetLength {
		runes = runes[:MaxSnippetLength]
	}
	return string(runes)
}
