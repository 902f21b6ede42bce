package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/troubleshoot-sh/evidenced/config"
	"github.com/troubleshoot-sh/evidenced/internal/helpers"
	"github.com/troubleshoot-sh/evidenced/internal/index"
	"github.com/troubleshoot-sh/evidenced/internal/retrieval"
	"github.com/troubleshoot-sh/evidenced/internal/runtime"
	"github.com/troubleshoot-sh/evidenced/internal/store"
	"github.com/troubleshoot-sh/evidenced/provider"
)

// Run assembles the retrieval engine from configuration and serves the
// HTTP API until the process exits.
func Run(cfg *config.Config) error {
	ctx := context.Background()
	logger := log.New(log.Writer(), "[SERVER] ", log.LstdFlags)

	tele, err := runtime.SetupTelemetry(ctx, cfg.Telemetry, runtime.TelemetryOptions{
		ServiceName:    "evidenced",
		ServiceVersion: "dev",
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tele.Shutdown(shutdownCtx)
	}()

	orch, cache, err := buildOrchestrator(ctx, cfg, logger)
	if err != nil {
		return err
	}

	if cache != nil && cfg.Cache.SweepCron != "" {
		stop := make(chan struct{})
		defer close(stop)
		if err := cache.StartSweeper(cfg.Cache.SweepCron, stop); err != nil {
			return err
		}
	}
	if cfg.Telemetry.PeriodicLogs {
		go logMetricsPeriodically(orch, logger)
	}

	e := newEcho()
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(tele.Registry, promhttp.HandlerOpts{})))

	h := &RetrievalHandler{Orch: orch}
	h.Register(e)

	logger.Printf("listening on %s", cfg.Server.Address)
	return e.Start(cfg.Server.Address)
}

// newEcho builds the echo instance with recovery, CORS and a unified
// JSON error handler.
func newEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	httpLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		httpLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Content-Type"},
	}))
	return e
}

// buildOrchestrator wires the adapters the configuration enables. The
// document adapter degrades gracefully: missing Postgres or OpenAI
// credentials drop it back to the keyword index and seed corpus rather
// than failing startup.
func buildOrchestrator(ctx context.Context, cfg *config.Config, logger *log.Logger) (*retrieval.Orchestrator, *retrieval.SemanticCache, error) {
	var cache *retrieval.SemanticCache
	if cfg.Cache.Enabled {
		cache = retrieval.NewSemanticCache(cfg.Cache.TTL, cfg.Cache.MaxEntries, nil)
	}

	orch := retrieval.NewOrchestrator(retrieval.OrchestratorConfig{
		AdapterTimeout:    cfg.Retrieval.AdapterTimeout,
		DefaultMaxResults: cfg.Retrieval.DefaultMaxResults,
		SLO: retrieval.SLOThresholds{
			P95LatencyMs:          cfg.Retrieval.SLO.P95LatencyMs,
			MaxAdapterFailureRate: cfg.Retrieval.SLO.MaxFailureRate,
			MinCacheHitRate:       cfg.Retrieval.SLO.MinCacheHitRate,
			MinRequestSamples:     cfg.Retrieval.SLO.MinRequestSamples,
			MinCacheSamples:       cfg.Retrieval.SLO.MinCacheSamples,
		},
	}, cache, retrieval.SanitizerFunc(helpers.SanitizeQuery), nil)

	if cfg.Sources.Document.Enabled {
		adapter, err := buildDocumentAdapter(ctx, cfg, logger)
		if err != nil {
			return nil, nil, err
		}
		if err := orch.RegisterAdapter(adapter); err != nil {
			return nil, nil, err
		}
	}
	if cfg.Sources.Pattern.Enabled {
		records, err := loadPatternSeed(cfg.Sources.Pattern.SeedFile)
		if err != nil {
			return nil, nil, err
		}
		if err := orch.RegisterAdapter(retrieval.NewPatternAdapter(records, nil)); err != nil {
			return nil, nil, err
		}
	}
	if cfg.Sources.Playbook.Enabled {
		records, err := loadPlaybookSeed(cfg.Sources.Playbook.SeedFile)
		if err != nil {
			return nil, nil, err
		}
		if err := orch.RegisterAdapter(retrieval.NewPlaybookAdapter(records, nil)); err != nil {
			return nil, nil, err
		}
	}
	if !orch.ReadyCheck() {
		return nil, nil, fmt.Errorf("no knowledge sources enabled (sources.*)")
	}
	return orch, cache, nil
}

func buildDocumentAdapter(ctx context.Context, cfg *config.Config, logger *log.Logger) (*retrieval.DocumentAdapter, error) {
	var (
		vectors  retrieval.VectorSearcher
		embedder retrieval.Embedder
		keyword  retrieval.KeywordSearcher
	)

	dsn, err := cfg.Storage.Postgres.DSN()
	if err != nil {
		logger.Printf("[WARN] document store disabled: %v", err)
	} else {
		if err := Migrate("file://migrations", dsn, "up", 0); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		st, err := store.NewWithDSN(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("connect document store: %w", err)
		}
		vectors = st

		idx, err := buildKeywordIndex(ctx, st, logger)
		if err != nil {
			return nil, err
		}
		keyword = idx
	}

	if cfg.Providers.OpenAI.APIKey != "" {
		p, err := provider.NewProvider(provider.OpenAI, cfg.Providers.OpenAI)
		if err != nil {
			return nil, err
		}
		embedder = p
	} else {
		logger.Printf("[WARN] embeddings disabled: no OpenAI API key configured")
	}

	return retrieval.NewDocumentAdapter(vectors, embedder, keyword, cfg.Sources.Document.VectorThreshold, nil), nil
}

// buildKeywordIndex loads the whole corpus into an in-memory BM25 index
// at startup. Corpora here are operator runbooks, small enough to hold
// resident.
func buildKeywordIndex(ctx context.Context, st *store.Store, logger *log.Logger) (*index.Index, error) {
	idx, err := index.New()
	if err != nil {
		return nil, err
	}
	const pageSize = 200
	total := 0
	for offset := 0; ; offset += pageSize {
		docs, err := st.ListDocuments(ctx, pageSize, offset)
		if err != nil {
			return nil, fmt.Errorf("list documents: %w", err)
		}
		for _, doc := range docs {
			if err := idx.Add(index.Document{
				ID:        doc.ID,
				Title:     doc.Title,
				Content:   doc.Content,
				URL:       doc.URL,
				CreatedAt: doc.CreatedAt,
			}); err != nil {
				return nil, fmt.Errorf("index document %s: %w", doc.ID, err)
			}
		}
		total += len(docs)
		if len(docs) < pageSize {
			break
		}
	}
	logger.Printf("keyword index built with %d documents", total)
	return idx, nil
}

func loadPatternSeed(path string) ([]retrieval.PatternRecord, error) {
	if path == "" {
		return nil, nil
	}
	return retrieval.LoadPatternRecords(path)
}

func loadPlaybookSeed(path string) ([]retrieval.PlaybookRecord, error) {
	if path == "" {
		return nil, nil
	}
	return retrieval.LoadPlaybookRecords(path)
}

func logMetricsPeriodically(orch *retrieval.Orchestrator, logger *log.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		snap := orch.Metrics().Snapshot()
		logger.Printf("requests=%d cache_hit_rate=%.2f p95_ms=%.0f",
			snap.TotalRequests, snap.CacheHitRate, snap.P95LatencyMs)
	}
}
