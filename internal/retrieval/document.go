package retrieval

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"
)

var (
	connectivityTokens    = []string{"connection", "network", "timeout", "unreachable", "refused", "dns", "tls"}
	troubleshootingTokens = []string{"troubleshoot", "troubleshooting", "documentation", "docs", "guide", "runbook", "debug"}
)

// DocumentHit is a raw candidate returned by a document backend before it
// is converted into Evidence.
type DocumentHit struct {
	ID        string
	Title     string
	Snippet   string
	URL       string
	Score     float64
	CreatedAt time.Time
}

// VectorSearcher is the similarity-search capability of a vector-backed
// document store.
type VectorSearcher interface {
	SearchByVector(ctx context.Context, vector []float32, topK int, threshold float64) ([]DocumentHit, error)
}

// KeywordSearcher is the textual-search capability of a document index.
type KeywordSearcher interface {
	SearchByKeyword(ctx context.Context, query string, topK int) ([]DocumentHit, error)
}

// Embedder turns query text into semantic vectors.
type Embedder interface {
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)
}

// DocumentAdapter searches the document/runbook corpus. It prefers the
// vector store, falls back to the keyword index, and finally to a small
// built-in seed set so behaviour stays deterministic with no backing
// store at all.
type DocumentAdapter struct {
	vectors   VectorSearcher
	embedder  Embedder
	index     KeywordSearcher
	threshold float64
	seeds     []seedDocument
	logger    *log.Logger
	now       func() time.Time
}

type seedDocument struct {
	id       string
	title    string
	snippet  string
	url      string
	keywords []string
}

// NewDocumentAdapter wires the adapter with whichever backends are
// available. Any of vectors, embedder and index may be nil; missing
// backends degrade to the next path rather than failing construction.
func NewDocumentAdapter(vectors VectorSearcher, embedder Embedder, index KeywordSearcher, threshold float64, logger *log.Logger) *DocumentAdapter {
	if logger == nil {
		logger = log.New(log.Writer(), "[DOCUMENT] ", log.LstdFlags)
	}
	return &DocumentAdapter{
		vectors:   vectors,
		embedder:  embedder,
		index:     index,
		threshold: threshold,
		seeds:     builtinSeedDocuments(),
		logger:    logger,
		now:       time.Now,
	}
}

func (a *DocumentAdapter) SourceType() SourceType { return SourceTypeDocument }

// ScoreWeight biases documents up for connectivity symptoms and, less so,
// for general troubleshooting or documentation queries.
func (a *DocumentAdapter) ScoreWeight(queryContext string) float64 {
	if containsAnyToken(queryContext, connectivityTokens) {
		return 1.3
	}
	if containsAnyToken(queryContext, troubleshootingTokens) {
		return 1.2
	}
	return 1.0
}

// Search runs the first available backend path and converts hits into
// Evidence with the age-bucketed recency boost attached.
func (a *DocumentAdapter) Search(ctx context.Context, query string, queryContext []string, maxResults int, filters map[string]string) ([]Evidence, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if maxResults <= 0 {
		maxResults = 10
	}

	var (
		hits []DocumentHit
		err  error
	)
	switch {
	case a.vectors != nil && a.embedder != nil:
		hits, err = a.vectorSearch(ctx, query, maxResults)
	case a.index != nil:
		hits, err = a.index.SearchByKeyword(ctx, query, maxResults)
	default:
		hits = a.seedSearch(query, maxResults)
	}
	if err != nil {
		return nil, err
	}

	out := make([]Evidence, 0, len(hits))
	for _, hit := range hits {
		out = append(out, Evidence{
			Source:       fmt.Sprintf("document:%s", hit.ID),
			SourceType:   SourceTypeDocument,
			Snippet:      trimSnippet(hit.Snippet),
			Score:        hit.Score,
			URL:          hit.URL,
			Timestamp:    hit.CreatedAt,
			RecencyBoost: a.recencyBoost(hit.CreatedAt),
			Provenance: map[string]interface{}{
				"adapter": "document",
				"title":   hit.Title,
			},
		})
	}
	return out, nil
}

// vectorSearch embeds the expanded query set and merges candidates across
// expansions, keeping the highest score seen per document id.
func (a *DocumentAdapter) vectorSearch(ctx context.Context, query string, maxResults int) ([]DocumentHit, error) {
	expansions := expandQueries(query)
	vectors, err := a.embedder.CreateEmbedding(ctx, expansions)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) == 0 {
		return nil, nil
	}

	best := make(map[string]DocumentHit)
	var order []string
	for _, vec := range vectors {
		results, err := a.vectors.SearchByVector(ctx, vec, maxResults, a.threshold)
		if err != nil {
			return nil, fmt.Errorf("vector search: %w", err)
		}
		for _, hit := range results {
			prev, seen := best[hit.ID]
			if !seen {
				best[hit.ID] = hit
				order = append(order, hit.ID)
				continue
			}
			if hit.Score > prev.Score {
				best[hit.ID] = hit
			}
		}
	}

	merged := make([]DocumentHit, 0, len(order))
	for _, id := range order {
		merged = append(merged, best[id])
	}
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Score > merged[j].Score })
	if len(merged) > maxResults {
		merged = merged[:maxResults]
	}
	return merged, nil
}

// seedSearch matches the built-in corpus by keyword containment.
func (a *DocumentAdapter) seedSearch(query string, maxResults int) []DocumentHit {
	var out []DocumentHit
	for _, doc := range a.seeds {
		hits := 0
		for _, kw := range doc.keywords {
			if containsFold(query, kw) {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		score := 0.12 + 0.03*float64(hits-1)
		if score > 0.18 {
			score = 0.18
		}
		out = append(out, DocumentHit{
			ID:        doc.id,
			Title:     doc.title,
			Snippet:   doc.snippet,
			URL:       doc.url,
			Score:     score,
			CreatedAt: seedCorpusTime,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > maxResults {
		out = out[:maxResults]
	}
	return out
}

// recencyBoost buckets document age: under 30 days +0.2, under 90 days
// +0.1, older contributes nothing.
func (a *DocumentAdapter) recencyBoost(createdAt time.Time) float64 {
	if createdAt.IsZero() {
		return 0
	}
	age := a.now().Sub(createdAt)
	switch {
	case age < 30*24*time.Hour:
		return 0.2
	case age < 90*24*time.Hour:
		return 0.1
	default:
		return 0
	}
}

// connectivityExpansions rewrites connectivity-failure queries into the
// alternate phrasings operators actually write in runbooks.
var connectivityExpansions = map[string][]string{
	"connection refused": {"cannot connect to service", "service not accepting connections"},
	"connection reset":   {"connection dropped unexpectedly", "peer closed connection"},
	"timeout":            {"request timed out", "operation deadline exceeded"},
	"unreachable":        {"no route to host", "host is not reachable"},
}

// expandQueries returns the original query followed by curated
// expansions for any matching topic group.
func expandQueries(query string) []string {
	out := []string{query}
	for trigger, alternates := range connectivityExpansions {
		if containsFold(query, trigger) {
			out = append(out, alternates...)
		}
	}
	// Map iteration order is random; keep expansion order stable for
	// deterministic downstream merging.
	if len(out) > 1 {
		tail := out[1:]
		sort.Strings(tail)
	}
	return out
}

// seedCorpusTime is a fixed timestamp so the built-in corpus never earns
// a recency boost.
var seedCorpusTime = time.Date(2024, time.January, 15, 0, 0, 0, 0, time.UTC)

func builtinSeedDocuments() []seedDocument {
	return []seedDocument{
		{
			id:       "seed-connectivity",
			title:    "Connectivity failure runbook",
			snippet:  "Checklist for connection refused, resets and unreachable hosts: verify the listener, probe the port, inspect firewall rules, and confirm DNS before escalating.",
			url:      "https://kb.internal/runbooks/connectivity",
			keywords: []string{"connection", "refused", "unreachable", "network", "reset"},
		},
		{
			id:       "seed-dns",
			title:    "DNS resolution troubleshooting",
			snippet:  "Resolving no-such-host errors: check /etc/resolv.conf, flush stale caches, and validate the search domain list against the zone.",
			url:      "https://kb.internal/runbooks/dns",
			keywords: []string{"dns", "resolve", "host", "domain"},
		},
		{
			id:       "seed-disk",
			title:    "Disk pressure response guide",
			snippet:  "When a volume fills up: find the heavy directories, rotate logs, clear caches, and size the volume for expected growth.",
			url:      "https://kb.internal/runbooks/disk",
			keywords: []string{"disk", "space", "volume", "full"},
		},
		{
			id:       "seed-memory",
			title:    "Memory exhaustion guide",
			snippet:  "Diagnosing OOM kills and leaks: read the kernel log, trend process RSS, and capture heap profiles before raising limits.",
			url:      "https://kb.internal/runbooks/memory",
			keywords: []string{"memory", "oom", "leak"},
		},
		{
			id:       "seed-tls",
			title:    "TLS certificate troubleshooting",
			snippet:  "Handshake failures usually trace to expired certificates, clock skew or an incomplete chain; verify each in that order.",
			url:      "https://kb.internal/runbooks/tls",
			keywords: []string{"tls", "certificate", "handshake", "x509"},
		},
	}
}
