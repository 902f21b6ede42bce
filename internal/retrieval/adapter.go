package retrieval

import (
	"context"
	"strings"
)

// Adapter is the uniform capability every knowledge source implements.
// Search returns explicit errors; the orchestrator contains them so one
// failing adapter can never abort a federated request.
type Adapter interface {
	// Search returns scored evidence for the query. maxResults bounds the
	// adapter's own output; filters are adapter-specific hints.
	Search(ctx context.Context, query string, queryContext []string, maxResults int, filters map[string]string) ([]Evidence, error)

	// SourceType returns the stable identifier used for weighting and
	// distribution reporting.
	SourceType() SourceType

	// ScoreWeight lets an adapter bias its own influence for query shapes
	// it is well suited to. Default is 1.0.
	ScoreWeight(queryContext string) float64
}

// tokenize splits a query into lower-cased word tokens.
func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// containsAnyToken reports whether any of the needles appears as a token
// in the lower-cased haystack.
func containsAnyToken(haystack string, needles []string) bool {
	tokens := tokenize(haystack)
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	for _, n := range needles {
		if _, ok := set[n]; ok {
			return true
		}
	}
	return false
}

// containsFold reports whether substr appears in s, case-insensitively.
func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
