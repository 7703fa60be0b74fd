/* Copyright (c) 2025 Hamed Shams <https://hamedshams.com>
 * SPDX-License-Identifier: BSD-3-Clause */
package http

import (
    "context"
    "errors"
    "net/http"
    "strconv"

    "github.com/gin-gonic/gin"
    "github.com/rs/zerolog"

    "github.com/example/uplift-dashboard/internal/config"
    "github.com/example/uplift-dashboard/internal/payload"
    "github.com/example/uplift-dashboard/internal/repo"
)

type service interface {
    AnalysisList(ctx context.Context) ([]payload.AnalysisView, error)
    AnalysisView(ctx context.Context, id int64, full bool) (payload.AnalysisView, error)
    BugView(ctx context.Context, bugzillaID int64) (payload.BugView, error)
    RunRefresh(ctx context.Context) error
    GetLastRun(ctx context.Context) (any, error)
}

type Handlers struct {
    cfg config.Config
    log zerolog.Logger
    svc service
}

func NewHandlers(cfg config.Config, log zerolog.Logger, svc any) *Handlers {
    return &Handlers{cfg: cfg, log: log, svc: svc.(service)}
}

func (h *Handlers) Healthz(c *gin.Context) {
    c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handlers) ListAnalyses(c *gin.Context) {
    out, err := h.svc.AnalysisList(c.Request.Context())
    if err != nil {
        c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
        return
    }
    c.JSON(http.StatusOK, out)
}

func (h *Handlers) GetAnalysis(c *gin.Context) {
    id, err := strconv.ParseInt(c.Param("id"), 10, 64)
    if err != nil {
        c.JSON(http.StatusBadRequest, gin.H{"error": "invalid analysis id"})
        return
    }
    // full defaults to true; ?full=false returns the summary shape
    full := c.DefaultQuery("full", "true") != "false"
    out, err := h.svc.AnalysisView(c.Request.Context(), id, full)
    if err != nil {
        h.renderError(c, err)
        return
    }
    c.JSON(http.StatusOK, out)
}

func (h *Handlers) GetBug(c *gin.Context) {
    id, err := strconv.ParseInt(c.Param("bugzilla_id"), 10, 64)
    if err != nil {
        c.JSON(http.StatusBadRequest, gin.H{"error": "invalid bugzilla id"})
        return
    }
    out, err := h.svc.BugView(c.Request.Context(), id)
    if err != nil {
        h.renderError(c, err)
        return
    }
    c.JSON(http.StatusOK, out)
}

func (h *Handlers) LastRun(c *gin.Context) {
    lr, err := h.svc.GetLastRun(c.Request.Context())
    if err != nil {
        c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
        return
    }
    c.JSON(http.StatusOK, lr)
}

func (h *Handlers) RunRefresh(c *gin.Context) {
    // Run in background detached from the HTTP request to avoid context cancellation
    go func(){ _ = h.svc.RunRefresh(context.Background()) }()
    c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

func (h *Handlers) renderError(c *gin.Context, err error) {
    switch {
    case errors.Is(err, repo.ErrNotFound):
        c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
    case errors.Is(err, payload.ErrMissingPayload), errors.Is(err, payload.ErrMissingBugData):
        // cached payload exists but is unusable; the scraper has not caught up
        c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
    default:
        c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
    }
}
