package store

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/troubleshoot-sh/evidenced/internal/retrieval"
)

// Store wraps the pgvector-backed document corpus.
type Store struct {
	DB *sql.DB
}

// DocumentRecord is one document row, with its embedding when present.
type DocumentRecord struct {
	ID        string
	Title     string
	Content   string
	URL       string
	CreatedAt time.Time
	Vector    []float32
}

// New constructs the Store from the environment, preferring DATABASE_URL.
func New(ctx context.Context) (*Store, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		host := getenvDefault("POSTGRES_HOST", "localhost")
		port := getenvDefault("POSTGRES_PORT", "5432")
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		db := os.Getenv("POSTGRES_DB")
		ssl := getenvDefault("POSTGRES_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, ssl)
	}
	return NewWithDSN(ctx, dsn)
}

// NewWithDSN constructs the Store using an explicit Postgres DSN.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

func getenvDefault(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

// Ping verifies the connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.DB.PingContext(ctx)
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.DB.Close()
}

// UpsertDocument inserts or replaces a document and its embedding.
func (s *Store) UpsertDocument(ctx context.Context, rec DocumentRecord) error {
	if strings.TrimSpace(rec.ID) == "" {
		return fmt.Errorf("document id required")
	}
	vectorLiteral, err := encodeVectorLiteral(rec.Vector)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO documents (id, title, content, url, embedding, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5::vector,NOW(),NOW())
ON CONFLICT (id) DO UPDATE SET
  title = EXCLUDED.title,
  content = EXCLUDED.content,
  url = EXCLUDED.url,
  embedding = EXCLUDED.embedding,
  updated_at = NOW();
`, rec.ID, rec.Title, rec.Content, rec.URL, vectorLiteral)
	return err
}

// DeleteDocument removes a document by id.
func (s *Store) DeleteDocument(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM documents WHERE id=$1`, id)
	return err
}

// CountDocuments returns the corpus size.
func (s *Store) CountDocuments(ctx context.Context) (int64, error) {
	var count int64
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&count)
	return count, err
}

// SearchByVector returns the documents closest to the query vector by
// cosine distance. threshold is a similarity floor in [0,1]; hits whose
// similarity falls below it are excluded in SQL.
func (s *Store) SearchByVector(ctx context.Context, vector []float32, topK int, threshold float64) ([]retrieval.DocumentHit, error) {
	vecLiteral, err := encodeVectorLiteral(vector)
	if err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = 10
	}
	maxDistance := math.Max(0, 1-threshold)
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, title, content, url, created_at, embedding <=> $1::vector AS distance
FROM documents
WHERE embedding IS NOT NULL
  AND embedding <=> $1::vector <= $3
ORDER BY embedding <=> $1::vector
LIMIT $2
`, vecLiteral, topK, maxDistance)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []retrieval.DocumentHit
	for rows.Next() {
		var (
			hit      retrieval.DocumentHit
			content  string
			distance float64
		)
		if err := rows.Scan(&hit.ID, &hit.Title, &content, &hit.URL, &hit.CreatedAt, &distance); err != nil {
			return nil, err
		}
		hit.Snippet = content
		hit.Score = 1 - distance
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

// ListDocuments pages through the corpus in insertion order, without
// embeddings. Used by the indexer to rebuild the keyword index.
func (s *Store) ListDocuments(ctx context.Context, limit, offset int) ([]DocumentRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, title, content, url, created_at
FROM documents
ORDER BY created_at, id
LIMIT $1 OFFSET $2
`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DocumentRecord
	for rows.Next() {
		var rec DocumentRecord
		if err := rows.Scan(&rec.ID, &rec.Title, &rec.Content, &rec.URL, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func encodeVectorLiteral(vec []float32) (string, error) {
	if len(vec) == 0 {
		return "", fmt.Errorf("vector must not be empty")
	}
	var builder strings.Builder
	builder.WriteByte('[')
	for i, f := range vec {
		if i > 0 {
			builder.WriteByte(',')
		}
		builder.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	builder.WriteByte(']')
	return builder.String(), nil
}
