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

// proceduralTokens marks queries asking for step-by-step guidance.
var proceduralTokens = []string{"how", "steps", "procedure", "fix"}

// PlaybookRecord is one procedural runbook entry.
type PlaybookRecord struct {
	ID            string   `json:"id"`
	Title         string   `json:"title"`
	Keywords      []string `json:"keywords"`
	Steps         []string `json:"steps"`
	Category      string   `json:"category"`
	Difficulty    string   `json:"difficulty"`
	EstimatedTime string   `json:"estimated_time"`
}

// PlaybookAdapter matches queries against an owned, read-only table of
// procedural playbooks loaded once at construction.
type PlaybookAdapter struct {
	records []PlaybookRecord
	logger  *log.Logger
}

// NewPlaybookAdapter builds an adapter over the given records. A nil or
// empty slice falls back to the built-in defaults.
func NewPlaybookAdapter(records []PlaybookRecord, logger *log.Logger) *PlaybookAdapter {
	if len(records) == 0 {
		records = DefaultPlaybookRecords()
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[PLAYBOOK] ", log.LstdFlags)
	}
	owned := make([]PlaybookRecord, len(records))
	copy(owned, records)
	return &PlaybookAdapter{records: owned, logger: logger}
}

// LoadPlaybookRecords reads a playbook seed table from a JSON file.
func LoadPlaybookRecords(path string) ([]PlaybookRecord, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read playbook seed file: %w", err)
	}
	var records []PlaybookRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("parse playbook seed file: %w", err)
	}
	return records, nil
}

func (a *PlaybookAdapter) SourceType() SourceType { return SourceTypePlaybook }

// ScoreWeight biases playbooks up for procedural-intent queries.
func (a *PlaybookAdapter) ScoreWeight(queryContext string) float64 {
	if containsAnyToken(queryContext, proceduralTokens) {
		return 1.1
	}
	return 1.0
}

// Search scores playbooks against the query: 0.4 for a title token match,
// 0.2 per keyword contained in the query, and a single 0.1 bonus for the
// first context entry containing any keyword. filters["category"]
// excludes non-matching playbooks before scoring. Only playbooks with at
// least one hit are returned.
func (a *PlaybookAdapter) Search(ctx context.Context, query string, queryContext []string, maxResults int, filters map[string]string) ([]Evidence, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	category := ""
	if filters != nil {
		category = strings.ToLower(strings.TrimSpace(filters["category"]))
	}
	queryTokens := tokenize(query)

	var out []Evidence
	for _, rec := range a.records {
		if category != "" && strings.ToLower(rec.Category) != category {
			continue
		}

		score := 0.0
		hits := 0
		if titleMatches(rec.Title, queryTokens) {
			score += 0.4
			hits++
		}
		for _, kw := range rec.Keywords {
			if containsFold(query, kw) {
				score += 0.2
				hits++
			}
		}
		if a.contextHit(rec, queryContext) {
			score += 0.1
		}
		if hits == 0 {
			continue
		}

		out = append(out, Evidence{
			Source:     fmt.Sprintf("playbook:%s", rec.ID),
			SourceType: SourceTypePlaybook,
			Snippet:    trimSnippet(playbookSnippet(rec)),
			Score:      score,
			Provenance: map[string]interface{}{
				"adapter":        "playbook",
				"title":          rec.Title,
				"category":       rec.Category,
				"difficulty":     rec.Difficulty,
				"estimated_time": rec.EstimatedTime,
				"step_count":     len(rec.Steps),
			},
		})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if maxResults > 0 && len(out) > maxResults {
		out = out[:maxResults]
	}
	return out, nil
}

// titleMatches reports whether any query token appears in the title.
func titleMatches(title string, queryTokens []string) bool {
	titleTokens := tokenize(title)
	set := make(map[string]struct{}, len(titleTokens))
	for _, t := range titleTokens {
		set[t] = struct{}{}
	}
	for _, t := range queryTokens {
		if _, ok := set[t]; ok {
			return true
		}
	}
	return false
}

// contextHit awards at most one hit, for the first context entry that
// contains any of the playbook's keywords.
func (a *PlaybookAdapter) contextHit(rec PlaybookRecord, queryContext []string) bool {
	for _, entry := range queryContext {
		for _, kw := range rec.Keywords {
			if containsFold(entry, kw) {
				return true
			}
		}
	}
	return false
}

func playbookSnippet(rec PlaybookRecord) string {
	steps := rec.Steps
	if len(steps) > 3 {
		steps = steps[:3]
	}
	return fmt.Sprintf("%s (%s, ~%s): %s", rec.Title, rec.Difficulty, rec.EstimatedTime, strings.Join(steps, " -> "))
}

// DefaultPlaybookRecords is the built-in playbook table used when no seed
// file is configured.
func DefaultPlaybookRecords() []PlaybookRecord {
	return []PlaybookRecord{
		{
			ID:            "restart-service",
			Title:         "Restart an unhealthy service",
			Keywords:      []string{"restart", "unhealthy", "service", "crash"},
			Steps:         []string{"Check service status and recent logs", "Drain traffic from the instance", "Restart the unit", "Verify health endpoint", "Restore traffic"},
			Category:      "operations",
			Difficulty:    "easy",
			EstimatedTime: "10m",
		},
		{
			ID:            "diagnose-connectivity",
			Title:         "Diagnose network connectivity failures",
			Keywords:      []string{"connection", "network", "timeout", "refused", "unreachable"},
			Steps:         []string{"Confirm the target host resolves", "Probe the port with a TCP check", "Inspect firewall and security-group rules", "Compare from a second vantage point", "Check the service's listen address"},
			Category:      "connectivity",
			Difficulty:    "medium",
			EstimatedTime: "25m",
		},
		{
			ID:            "reclaim-disk",
			Title:         "Reclaim disk space on a full volume",
			Keywords:      []string{"disk", "space", "full", "volume"},
			Steps:         []string{"Identify the largest directories", "Rotate and compress logs", "Clear package and build caches", "Verify free space and alerts"},
			Category:      "resources",
			Difficulty:    "easy",
			EstimatedTime: "15m",
		},
		{
			ID:            "rotate-certificates",
			Title:         "Rotate expiring TLS certificates",
			Keywords:      []string{"certificate", "tls", "expired", "rotate"},
			Steps:         []string{"Inventory certificates close to expiry", "Issue replacements", "Deploy to endpoints", "Reload services", "Validate the full chain"},
			Category:      "connectivity",
			Difficulty:    "medium",
			EstimatedTime: "45m",
		},
		{
			ID:            "investigate-oom",
			Title:         "Investigate out-of-memory kills",
			Keywords:      []string{"memory", "oom", "killed", "leak"},
			Steps:         []string{"Pull kernel OOM killer logs", "Graph process memory over time", "Capture a heap profile", "Raise limits or fix the leak"},
			Category:      "resources",
			Difficulty:    "hard",
			EstimatedTime: "60m",
		},
	}
}
