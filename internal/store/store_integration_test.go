package store_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/testcontainers/testcontainers-go"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/troubleshoot-sh/evidenced/internal/store"
)

// unitVector builds a deterministic embedding with all mass on one axis,
// so cosine distances between test documents are exact.
func unitVector(dim, axis int) []float32 {
	vec := make([]float32, dim)
	vec[axis%dim] = 1
	return vec
}

func TestDocumentStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	pgC, err := tcPostgres.RunContainer(ctx,
		testcontainers.WithImage("pgvector/pgvector:pg16"),
		tcPostgres.WithDatabase("evidenced"),
		tcPostgres.WithUsername("evidenced"),
		tcPostgres.WithPassword("evidenced"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(2*time.Minute)),
	)
	if err != nil {
		t.Fatalf("postgres container: %v", err)
	}
	defer func() { _ = pgC.Terminate(ctx) }()

	host, err := pgC.Host(ctx)
	if err != nil {
		t.Fatalf("postgres host: %v", err)
	}
	port, err := pgC.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("postgres port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://evidenced:evidenced@%s:%s/evidenced?sslmode=disable", host, port.Port())

	m, err := migrate.New("file://../../migrations", dsn)
	if err != nil {
		t.Fatalf("migrate.New: %v", err)
	}
	if err := m.Up(); err != nil {
		t.Fatalf("migrate up: %v", err)
	}

	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		t.Fatalf("NewWithDSN: %v", err)
	}
	defer st.Close()

	docs := []store.DocumentRecord{
		{ID: "doc-conn", Title: "Connectivity runbook", Content: "Probe the port before anything else.", URL: "https://kb.internal/conn", Vector: unitVector(1536, 0)},
		{ID: "doc-disk", Title: "Disk pressure guide", Content: "Rotate logs and clear caches.", URL: "https://kb.internal/disk", Vector: unitVector(1536, 1)},
	}
	for _, doc := range docs {
		if err := st.UpsertDocument(ctx, doc); err != nil {
			t.Fatalf("upsert %s: %v", doc.ID, err)
		}
	}

	count, err := st.CountDocuments(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}

	// A query vector on doc-conn's axis matches it exactly and excludes
	// the orthogonal document at any positive threshold.
	hits, err := st.SearchByVector(ctx, unitVector(1536, 0), 5, 0.5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected 1 hit, got %d: %+v", len(hits), hits)
	}
	if hits[0].ID != "doc-conn" {
		t.Fatalf("top hit = %q, want doc-conn", hits[0].ID)
	}
	if hits[0].Score < 0.99 {
		t.Fatalf("similarity = %v, want ~1", hits[0].Score)
	}

	// Upsert on the same id must replace, not duplicate.
	docs[0].Title = "Connectivity runbook v2"
	if err := st.UpsertDocument(ctx, docs[0]); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	if count, err = st.CountDocuments(ctx); err != nil || count != 2 {
		t.Fatalf("count after re-upsert = %d (%v), want 2", count, err)
	}

	if err := st.DeleteDocument(ctx, "doc-disk"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if count, err = st.CountDocuments(ctx); err != nil || count != 1 {
		t.Fatalf("count after delete = %d (%v), want 1", count, err)
	}
}
