package index

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/blevesearch/bleve"

	"github.com/troubleshoot-sh/evidenced/internal/retrieval"
)

// Document is one indexed corpus entry.
type Document struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`
}

// Index is an in-memory BM25 index over the document corpus. It backs
// keyword search when the vector store is not configured or reachable.
type Index struct {
	mu   sync.RWMutex
	idx  bleve.Index
	meta map[string]Document
}

// New creates an empty in-memory index.
func New() (*Index, error) {
	idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("create bleve index: %w", err)
	}
	return &Index{idx: idx, meta: make(map[string]Document)}, nil
}

// Add indexes or re-indexes one document.
func (x *Index) Add(doc Document) error {
	if doc.ID == "" {
		return fmt.Errorf("document id required")
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.meta[doc.ID] = doc
	return x.idx.Index(doc.ID, doc)
}

// Delete removes a document from the index.
func (x *Index) Delete(id string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.meta, id)
	return x.idx.Delete(id)
}

// Count returns the number of indexed documents.
func (x *Index) Count() (uint64, error) {
	return x.idx.DocCount()
}

// SearchByKeyword runs a BM25 match query. Raw BM25 scores are unbounded,
// so hits are normalized against the best one and damped to 0.7 at most,
// keeping keyword matches below strong vector matches in the fused
// ranking.
func (x *Index) SearchByKeyword(ctx context.Context, query string, topK int) ([]retrieval.DocumentHit, error) {
	if topK <= 0 {
		topK = 10
	}
	q := bleve.NewMatchQuery(query)
	req := bleve.NewSearchRequestOptions(q, topK, 0, false)
	res, err := x.idx.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}

	x.mu.RLock()
	defer x.mu.RUnlock()
	hits := make([]retrieval.DocumentHit, 0, len(res.Hits))
	for _, hit := range res.Hits {
		doc, ok := x.meta[hit.ID]
		if !ok {
			continue
		}
		score := 0.0
		if res.MaxScore > 0 {
			score = hit.Score / res.MaxScore * 0.7
		}
		hits = append(hits, retrieval.DocumentHit{
			ID:        doc.ID,
			Title:     doc.Title,
			Snippet:   doc.Content,
			URL:       doc.URL,
			Score:     score,
			CreatedAt: doc.CreatedAt,
		})
	}
	return hits, nil
}

// Close releases index resources.
func (x *Index) Close() error {
	return x.idx.Close()
}
