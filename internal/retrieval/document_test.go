package retrieval

import (
	"context"
	"errors"
	"math"
	"reflect"
	"testing"
	"time"
)

type stubEmbedder struct {
	calls [][]string
	err   error
}

func (s *stubEmbedder) CreateEmbedding(_ context.Context, texts []string) ([][]float32, error) {
	s.calls = append(s.calls, texts)
	if s.err != nil {
		return nil, s.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(i), 1}
	}
	return out, nil
}

type stubVectorSearcher struct {
	byVector [][]DocumentHit
	call     int
	err      error
}

func (s *stubVectorSearcher) SearchByVector(_ context.Context, _ []float32, _ int, _ float64) ([]DocumentHit, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.call >= len(s.byVector) {
		return nil, nil
	}
	hits := s.byVector[s.call]
	s.call++
	return hits, nil
}

type stubKeywordSearcher struct {
	hits []DocumentHit
	err  error
}

func (s *stubKeywordSearcher) SearchByKeyword(_ context.Context, _ string, _ int) ([]DocumentHit, error) {
	return s.hits, s.err
}

func TestDocumentVectorSearchMergesExpansions(t *testing.T) {
	vectors := &stubVectorSearcher{byVector: [][]DocumentHit{
		{{ID: "doc-1", Title: "A", Score: 0.6}, {ID: "doc-2", Title: "B", Score: 0.5}},
		{{ID: "doc-1", Title: "A", Score: 0.8}},
		{{ID: "doc-3", Title: "C", Score: 0.4}},
	}}
	adapter := NewDocumentAdapter(vectors, &stubEmbedder{}, nil, 0.3, nil)

	evidence, err := adapter.Search(context.Background(), "connection refused", nil, 10, nil)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(evidence) != 3 {
		t.Fatalf("expected 3 merged documents, got %d", len(evidence))
	}
	if evidence[0].Source != "document:doc-1" {
		t.Fatalf("top source = %q", evidence[0].Source)
	}
	// doc-1 appeared in two expansion groups; the max score wins.
	if math.Abs(evidence[0].Score-0.8) > 1e-9 {
		t.Fatalf("merged score = %v, want 0.8", evidence[0].Score)
	}
}

func TestDocumentVectorSearchEmbedError(t *testing.T) {
	adapter := NewDocumentAdapter(&stubVectorSearcher{}, &stubEmbedder{err: errors.New("quota")}, nil, 0.3, nil)
	if _, err := adapter.Search(context.Background(), "connection refused", nil, 10, nil); err == nil {
		t.Fatal("expected embed error to propagate")
	}
}

func TestDocumentKeywordFallback(t *testing.T) {
	index := &stubKeywordSearcher{hits: []DocumentHit{{ID: "kb-9", Title: "Runbook", Snippet: "text", Score: 0.42}}}
	adapter := NewDocumentAdapter(nil, nil, index, 0.3, nil)

	evidence, err := adapter.Search(context.Background(), "anything", nil, 10, nil)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(evidence) != 1 || evidence[0].Source != "document:kb-9" {
		t.Fatalf("unexpected evidence: %+v", evidence)
	}
}

func TestDocumentSeedFallbackScoring(t *testing.T) {
	adapter := NewDocumentAdapter(nil, nil, nil, 0.3, nil)

	evidence, err := adapter.Search(context.Background(), "connection refused on the network", nil, 10, nil)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(evidence) == 0 {
		t.Fatal("expected seed results")
	}
	top := evidence[0]
	if top.Source != "document:seed-connectivity" {
		t.Fatalf("top source = %q", top.Source)
	}
	// Three keyword hits: 0.12 + 2*0.03, capped at 0.18.
	if math.Abs(top.Score-0.18) > 1e-9 {
		t.Fatalf("seed score = %v, want 0.18", top.Score)
	}
}

func TestDocumentSeedNoMatch(t *testing.T) {
	adapter := NewDocumentAdapter(nil, nil, nil, 0.3, nil)
	evidence, err := adapter.Search(context.Background(), "quarterly revenue forecast", nil, 10, nil)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(evidence) != 0 {
		t.Fatalf("expected no seed matches, got %d", len(evidence))
	}
}

func TestDocumentRecencyBoost(t *testing.T) {
	now := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	adapter := NewDocumentAdapter(nil, nil, nil, 0.3, nil)
	adapter.now = func() time.Time { return now }

	cases := []struct {
		age  time.Duration
		want float64
	}{
		{10 * 24 * time.Hour, 0.2},
		{60 * 24 * time.Hour, 0.1},
		{120 * 24 * time.Hour, 0},
	}
	for _, tc := range cases {
		if got := adapter.recencyBoost(now.Add(-tc.age)); got != tc.want {
			t.Fatalf("boost for age %v = %v, want %v", tc.age, got, tc.want)
		}
	}
	if got := adapter.recencyBoost(time.Time{}); got != 0 {
		t.Fatalf("boost for zero timestamp = %v, want 0", got)
	}
}

func TestExpandQueriesDeterministic(t *testing.T) {
	first := expandQueries("connection refused from the gateway")
	second := expandQueries("connection refused from the gateway")
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("expansions differ: %v vs %v", first, second)
	}
	if first[0] != "connection refused from the gateway" {
		t.Fatalf("original query must come first, got %q", first[0])
	}
	if len(first) != 3 {
		t.Fatalf("expected 2 alternates, got %v", first)
	}

	plain := expandQueries("disk is full")
	if len(plain) != 1 {
		t.Fatalf("expected no expansions, got %v", plain)
	}
}

func TestDocumentScoreWeight(t *testing.T) {
	adapter := NewDocumentAdapter(nil, nil, nil, 0.3, nil)
	if w := adapter.ScoreWeight("connection timeout to upstream"); w != 1.3 {
		t.Fatalf("connectivity weight = %v, want 1.3", w)
	}
	if w := adapter.ScoreWeight("where is the runbook for deploys"); w != 1.2 {
		t.Fatalf("troubleshooting weight = %v, want 1.2", w)
	}
	if w := adapter.ScoreWeight("billing report"); w != 1.0 {
		t.Fatalf("neutral weight = %v, want 1.0", w)
	}
}
