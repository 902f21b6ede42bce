package retrieval

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func TestPatternSearchScoring(t *testing.T) {
	adapter := NewPatternAdapter(nil, nil)

	evidence, err := adapter.Search(context.Background(), "connection refused", nil, 10, nil)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(evidence) != 1 {
		t.Fatalf("expected 1 match, got %d", len(evidence))
	}
	ev := evidence[0]
	if ev.Source != "pattern:connection-refused" {
		t.Fatalf("unexpected source %q", ev.Source)
	}
	// 0.3 * 0.92 * (0.5 + 0.5*0.85)
	want := 0.3 * 0.92 * 0.925
	if math.Abs(ev.Score-want) > 1e-9 {
		t.Fatalf("score = %v, want %v", ev.Score, want)
	}
	if ev.Confidence != 0.92 {
		t.Fatalf("confidence = %v, want 0.92", ev.Confidence)
	}
	if hits, ok := ev.Provenance["symptom_hits"].(int); !ok || hits != 1 {
		t.Fatalf("symptom_hits = %v", ev.Provenance["symptom_hits"])
	}
}

func TestPatternContextBonus(t *testing.T) {
	adapter := NewPatternAdapter(nil, nil)

	base, err := adapter.Search(context.Background(), "connection refused", nil, 10, nil)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	withCtx, err := adapter.Search(context.Background(), "connection refused",
		[]string{"logs show connection refused repeatedly", "connection refused again"}, 10, nil)
	if err != nil {
		t.Fatalf("search with context: %v", err)
	}
	if len(base) != 1 || len(withCtx) != 1 {
		t.Fatalf("expected single matches, got %d and %d", len(base), len(withCtx))
	}
	// The bonus is 0.2 once, regardless of how many context entries match.
	want := (0.3 + 0.2) * 0.92 * 0.925
	if math.Abs(withCtx[0].Score-want) > 1e-9 {
		t.Fatalf("score with context = %v, want %v", withCtx[0].Score, want)
	}
	if withCtx[0].Score <= base[0].Score {
		t.Fatalf("context bonus did not raise score: %v <= %v", withCtx[0].Score, base[0].Score)
	}
}

func TestPatternContextAloneDoesNotMatch(t *testing.T) {
	adapter := NewPatternAdapter(nil, nil)

	evidence, err := adapter.Search(context.Background(), "service acting strange",
		[]string{"connection refused in logs"}, 10, nil)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(evidence) != 0 {
		t.Fatalf("expected no matches without a query hit, got %d", len(evidence))
	}
}

func TestPatternMaxResults(t *testing.T) {
	records := []PatternRecord{
		{ID: "a", SymptomPhrases: []string{"boom"}, Confidence: 0.9, HistoricalSuccessRate: 0.9},
		{ID: "b", SymptomPhrases: []string{"boom"}, Confidence: 0.8, HistoricalSuccessRate: 0.8},
		{ID: "c", SymptomPhrases: []string{"boom"}, Confidence: 0.7, HistoricalSuccessRate: 0.7},
	}
	adapter := NewPatternAdapter(records, nil)

	evidence, err := adapter.Search(context.Background(), "boom", nil, 2, nil)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(evidence) != 2 {
		t.Fatalf("expected 2 results, got %d", len(evidence))
	}
	if evidence[0].Score < evidence[1].Score {
		t.Fatalf("results not sorted: %v < %v", evidence[0].Score, evidence[1].Score)
	}
}

func TestPatternScoreWeight(t *testing.T) {
	adapter := NewPatternAdapter(nil, nil)
	if w := adapter.ScoreWeight("service returns an error on startup"); w != 1.3 {
		t.Fatalf("weight for failure query = %v, want 1.3", w)
	}
	if w := adapter.ScoreWeight("how do I configure logging"); w != 1.0 {
		t.Fatalf("weight for neutral query = %v, want 1.0", w)
	}
}

func TestPatternSearchCanceledContext(t *testing.T) {
	adapter := NewPatternAdapter(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := adapter.Search(ctx, "connection refused", nil, 10, nil); err == nil {
		t.Fatal("expected error for canceled context")
	}
}

func TestLoadPatternRecords(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "patterns.json")
	payload := `[{"id":"x","symptom_phrases":["kaboom"],"causes":["c"],"confidence":0.5,"historical_success_rate":0.5,"category":"test"}]`
	if err := os.WriteFile(path, []byte(payload), 0o644); err != nil {
		t.Fatalf("write seed: %v", err)
	}

	records, err := LoadPatternRecords(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(records) != 1 || records[0].ID != "x" {
		t.Fatalf("unexpected records: %+v", records)
	}

	if _, err := LoadPatternRecords(filepath.Join(dir, "missing.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write bad seed: %v", err)
	}
	if _, err := LoadPatternRecords(bad); err == nil {
		t.Fatal("expected error for malformed file")
	}
}
