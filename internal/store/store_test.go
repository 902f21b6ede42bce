package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func TestUpsertDocument(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	rec := DocumentRecord{
		ID:      "doc-1",
		Title:   "Connectivity runbook",
		Content: "Check the listener first.",
		URL:     "https://kb.internal/runbooks/connectivity",
		Vector:  []float32{0.1, 0.2},
	}

	query := regexp.QuoteMeta(`
INSERT INTO documents (id, title, content, url, embedding, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5::vector,NOW(),NOW())
ON CONFLICT (id) DO UPDATE SET
  title = EXCLUDED.title,
  content = EXCLUDED.content,
  url = EXCLUDED.url,
  embedding = EXCLUDED.embedding,
  updated_at = NOW();
`)
	mock.ExpectExec(query).
		WithArgs(rec.ID, rec.Title, rec.Content, rec.URL, "[0.1,0.2]").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.UpsertDocument(context.Background(), rec); err != nil {
		t.Fatalf("UpsertDocument: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpsertDocumentRequiresID(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	if err := st.UpsertDocument(context.Background(), DocumentRecord{Vector: []float32{0.1}}); err == nil {
		t.Fatal("expected error for missing id")
	}
	if err := st.UpsertDocument(context.Background(), DocumentRecord{ID: "doc-1"}); err == nil {
		t.Fatal("expected error for empty vector")
	}
}

func TestSearchByVector(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	created := time.Date(2026, time.February, 10, 0, 0, 0, 0, time.UTC)

	query := regexp.QuoteMeta(`
SELECT id, title, content, url, created_at, embedding <=> $1::vector AS distance
FROM documents
WHERE embedding IS NOT NULL
  AND embedding <=> $1::vector <= $3
ORDER BY embedding <=> $1::vector
LIMIT $2
`)
	rows := sqlmock.NewRows([]string{"id", "title", "content", "url", "created_at", "distance"}).
		AddRow("doc-1", "Connectivity runbook", "Check the listener first.", "https://kb.internal/x", created, 0.25)
	mock.ExpectQuery(query).
		WithArgs("[0.5,0.5]", 5, 0.65).
		WillReturnRows(rows)

	hits, err := st.SearchByVector(context.Background(), []float32{0.5, 0.5}, 5, 0.35)
	if err != nil {
		t.Fatalf("SearchByVector: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected 1 hit, got %d", len(hits))
	}
	if hits[0].ID != "doc-1" {
		t.Fatalf("hit id = %q", hits[0].ID)
	}
	// Similarity is 1 - cosine distance.
	if hits[0].Score != 0.75 {
		t.Fatalf("score = %v, want 0.75", hits[0].Score)
	}
	if !hits[0].CreatedAt.Equal(created) {
		t.Fatalf("created_at = %v", hits[0].CreatedAt)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSearchByVectorRejectsEmptyVector(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	if _, err := st.SearchByVector(context.Background(), nil, 5, 0.3); err == nil {
		t.Fatal("expected error for empty vector")
	}
}

func TestEncodeVectorLiteral(t *testing.T) {
	lit, err := encodeVectorLiteral([]float32{0.1, 0.25, 1})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if lit != "[0.1,0.25,1]" {
		t.Fatalf("literal = %q", lit)
	}
	if _, err := encodeVectorLiteral(nil); err == nil {
		t.Fatal("expected error for empty vector")
	}
}

func TestCountDocuments(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM documents`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(42))

	count, err := st.CountDocuments(context.Background())
	if err != nil {
		t.Fatalf("CountDocuments: %v", err)
	}
	if count != 42 {
		t.Fatalf("count = %d, want 42", count)
	}
}
