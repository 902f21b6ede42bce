package server

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/troubleshoot-sh/evidenced/internal/retrieval"
)

// RetrievalHandler serves the federated search API.
type RetrievalHandler struct {
	Orch *retrieval.Orchestrator
}

// Register mounts the API and probe routes.
func (h *RetrievalHandler) Register(e *echo.Echo) {
	api := e.Group("/api/retrieval")
	api.POST("/search", h.search)
	api.POST("/patterns", h.patterns)
	api.POST("/cache/invalidate", h.invalidateCache)
	api.GET("/cache/stats", h.cacheStats)

	e.GET("/healthz", h.healthz)
	e.GET("/readyz", h.readyz)
}

func (h *RetrievalHandler) search(c echo.Context) error {
	var req retrieval.RetrievalRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	resp, err := h.Orch.Search(c.Request().Context(), req)
	if err != nil {
		var verr *retrieval.ValidationError
		if errors.As(err, &verr) {
			return echo.NewHTTPError(http.StatusBadRequest, verr.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, resp)
}

type patternSearchRequest struct {
	Symptoms []string          `json:"symptoms"`
	Context  map[string]string `json:"context,omitempty"`
}

func (h *RetrievalHandler) patterns(c echo.Context) error {
	var req patternSearchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	resp, err := h.Orch.SearchPatterns(c.Request().Context(), req.Symptoms, req.Context)
	if err != nil {
		var verr *retrieval.ValidationError
		if errors.As(err, &verr) {
			return echo.NewHTTPError(http.StatusBadRequest, verr.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, resp)
}

type invalidateCacheRequest struct {
	SourceType string `json:"source_type,omitempty"`
}

func (h *RetrievalHandler) invalidateCache(c echo.Context) error {
	var req invalidateCacheRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	cleared := h.Orch.InvalidateCache(req.SourceType)
	return c.JSON(http.StatusOK, map[string]interface{}{"cleared": cleared})
}

func (h *RetrievalHandler) cacheStats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.Orch.CacheStats())
}

func (h *RetrievalHandler) healthz(c echo.Context) error {
	report := h.Orch.HealthCheck()
	code := http.StatusOK
	if report.Status == retrieval.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, report)
}

func (h *RetrievalHandler) readyz(c echo.Context) error {
	if !h.Orch.ReadyCheck() {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ready"})
}
