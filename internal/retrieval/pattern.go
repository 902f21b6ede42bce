package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
)

// failureTokens marks queries the pattern table is well suited to.
var failureTokens = []string{"error", "issue", "problem", "fail"}

// PatternRecord is one curated symptom->cause entry.
type PatternRecord struct {
	ID                    string   `json:"id"`
	SymptomPhrases        []string `json:"symptom_phrases"`
	Causes                []string `json:"causes"`
	Confidence            float64  `json:"confidence"`
	HistoricalSuccessRate float64  `json:"historical_success_rate"`
	Category              string   `json:"category"`
}

// PatternAdapter matches queries against an owned, read-only table of
// curated symptom patterns loaded once at construction.
type PatternAdapter struct {
	records []PatternRecord
	logger  *log.Logger
}

// NewPatternAdapter builds an adapter over the given records. A nil or
// empty slice falls back to the built-in defaults.
func NewPatternAdapter(records []PatternRecord, logger *log.Logger) *PatternAdapter {
	if len(records) == 0 {
		records = DefaultPatternRecords()
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[PATTERN] ", log.LstdFlags)
	}
	owned := make([]PatternRecord, len(records))
	copy(owned, records)
	return &PatternAdapter{records: owned, logger: logger}
}

// LoadPatternRecords reads a pattern seed table from a JSON file.
func LoadPatternRecords(path string) ([]PatternRecord, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pattern seed file: %w", err)
	}
	var records []PatternRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("parse pattern seed file: %w", err)
	}
	return records, nil
}

func (a *PatternAdapter) SourceType() SourceType { return SourceTypePattern }

// ScoreWeight biases the pattern table up for failure-shaped queries.
func (a *PatternAdapter) ScoreWeight(queryContext string) float64 {
	if containsAnyToken(queryContext, failureTokens) {
		return 1.3
	}
	return 1.0
}

// Search scores every pattern against the query and context. A pattern
// scores 0.3 per symptom phrase contained in the query plus a single 0.2
// bonus for the first context entry containing any symptom phrase; the
// raw score is then scaled by confidence and historical success rate.
// Patterns without a query hit are excluded.
func (a *PatternAdapter) Search(ctx context.Context, query string, queryContext []string, maxResults int, filters map[string]string) ([]Evidence, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	var out []Evidence
	for _, rec := range a.records {
		hits := 0
		for _, phrase := range rec.SymptomPhrases {
			if containsFold(query, phrase) {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		raw := 0.3 * float64(hits)
		if bonus, ok := a.contextBonus(rec, queryContext); ok {
			raw += bonus
		}
		score := raw * rec.Confidence * (0.5 + 0.5*rec.HistoricalSuccessRate)

		out = append(out, Evidence{
			Source:     fmt.Sprintf("pattern:%s", rec.ID),
			SourceType: SourceTypePattern,
			Snippet:    trimSnippet(patternSnippet(rec)),
			Score:      score,
			Confidence: rec.Confidence,
			Provenance: map[string]interface{}{
				"adapter":                 "pattern",
				"category":                rec.Category,
				"historical_success_rate": rec.HistoricalSuccessRate,
				"symptom_hits":            hits,
			},
		})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if maxResults > 0 && len(out) > maxResults {
		out = out[:maxResults]
	}
	return out, nil
}

// contextBonus awards 0.2 for the first context entry containing any
// symptom phrase. The bonus is not cumulative across context entries.
func (a *PatternAdapter) contextBonus(rec PatternRecord, queryContext []string) (float64, bool) {
	for _, entry := range queryContext {
		for _, phrase := range rec.SymptomPhrases {
			if containsFold(entry, phrase) {
				return 0.2, true
			}
		}
	}
	return 0, false
}

func patternSnippet(rec PatternRecord) string {
	return fmt.Sprintf("Symptoms: %s. Likely causes: %s.",
		strings.Join(rec.SymptomPhrases, "; "),
		strings.Join(rec.Causes, "; "))
}

// DefaultPatternRecords is the built-in curated symptom table used when
// no seed file is configured.
func DefaultPatternRecords() []PatternRecord {
	return []PatternRecord{
		{
			ID:                    "connection-refused",
			SymptomPhrases:        []string{"connection refused", "could not connect"},
			Causes:                []string{"target service is down", "firewall blocks the port", "service bound to the wrong interface"},
			Confidence:            0.92,
			HistoricalSuccessRate: 0.85,
			Category:              "connectivity",
		},
		{
			ID:                    "dns-resolution",
			SymptomPhrases:        []string{"no such host", "dns resolution failed", "name or service not known"},
			Causes:                []string{"misconfigured resolver", "stale DNS cache", "missing search domain"},
			Confidence:            0.88,
			HistoricalSuccessRate: 0.8,
			Category:              "connectivity",
		},
		{
			ID:                    "tls-handshake",
			SymptomPhrases:        []string{"tls handshake", "certificate has expired", "x509"},
			Causes:                []string{"expired certificate", "clock skew between peers", "incomplete certificate chain"},
			Confidence:            0.9,
			HistoricalSuccessRate: 0.78,
			Category:              "connectivity",
		},
		{
			ID:                    "disk-full",
			SymptomPhrases:        []string{"no space left on device", "disk full"},
			Causes:                []string{"log rotation disabled", "orphaned temporary files", "undersized volume"},
			Confidence:            0.95,
			HistoricalSuccessRate: 0.9,
			Category:              "resources",
		},
		{
			ID:                    "oom-killed",
			SymptomPhrases:        []string{"out of memory", "oomkilled", "killed process"},
			Causes:                []string{"memory limit too low", "leak in worker process", "unbounded cache growth"},
			Confidence:            0.87,
			HistoricalSuccessRate: 0.75,
			Category:              "resources",
		},
		{
			ID:                    "permission-denied",
			SymptomPhrases:        []string{"permission denied", "operation not permitted"},
			Causes:                []string{"wrong file ownership", "missing capability", "selinux or apparmor policy"},
			Confidence:            0.84,
			HistoricalSuccessRate: 0.82,
			Category:              "access",
		},
	}
}
