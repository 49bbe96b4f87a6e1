package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/rawblock/intel-engine/internal/registry"
	"github.com/rawblock/intel-engine/internal/reporting"
	"github.com/rawblock/intel-engine/pkg/models"
)

const maxBatchSize = 1000

// queryInt parses an optional non-negative integer query parameter.
func queryInt(c *gin.Context, key string, fallback int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", models.ErrInput, key)
	}
	return v, nil
}

// handleHealth returns engine status for service discovery.
func (h *APIHandler) handleHealth(c *gin.Context) {
	status := "operational"
	code := http.StatusOK
	registryOK := true
	if h.cfg.Ready != nil {
		if err := h.cfg.Ready(c.Request.Context()); err != nil {
			registryOK = false
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	resp := gin.H{
		"status":        status,
		"engine":        "RawBlock Intel Engine",
		"registry":      h.cfg.Backend,
		"registryUp":    registryOK,
		"rescanRunning": h.rescanner.GetProgress().IsRunning,
	}
	if last, ok := h.engine.LastPass(); ok {
		resp["lastPass"] = last
	}
	c.JSON(code, resp)
}

func (h *APIHandler) handleCategories(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"categories":  models.Categories,
		"cryptoTypes": models.SupportedCryptoTypes,
	})
}

// GET /api/v1/dashboard
func (h *APIHandler) handleDashboard(c *gin.Context) {
	stats, err := h.engine.Dashboard(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// GET /api/v1/graph?address=&limit=
// address selects the 2-hop neighbourhood of one address; without it the
// first limit addresses are graphed.
func (h *APIHandler) handleGraph(c *gin.Context) {
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		writeError(c, err)
		return
	}
	g, err := h.engine.Graph(c.Request.Context(), strings.TrimSpace(c.Query("address")), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, g)
}

// GET /api/v1/export?format=csv|json|graphml|d3&crypto_type=&category=&min_risk=
func (h *APIHandler) handleExport(c *gin.Context) {
	format, err := reporting.ParseFormat(c.Query("format"))
	if err != nil {
		writeError(c, err)
		return
	}
	f, err := exportFilter(c)
	if err != nil {
		writeError(c, err)
		return
	}
	body, contentType, err := h.engine.Export(c.Request.Context(), format, f)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="addresses.%s"`, format))
	c.Data(http.StatusOK, contentType, body)
}

func exportFilter(c *gin.Context) (registry.Filter, error) {
	var f registry.Filter
	if raw := c.Query("crypto_type"); raw != "" {
		ct, ok := models.ParseCryptoType(raw)
		if !ok {
			return f, fmt.Errorf("%w: unknown crypto_type %q", models.ErrInput, raw)
		}
		f.CryptoType = ct
	}
	if raw := c.Query("category"); raw != "" {
		f.Category = models.ParseCategory(raw)
	}
	minRisk, err := queryInt(c, "min_risk", 0)
	if err != nil {
		return f, err
	}
	f.MinRisk = minRisk
	f.WatchedOnly = c.Query("watched") == "true"
	return f, nil
}

// GET /api/v1/alerts?limit=&severity=
func (h *APIHandler) handleAlerts(c *gin.Context) {
	limit, err := queryInt(c, "limit", 50)
	if err != nil {
		writeError(c, err)
		return
	}
	var alerts []models.WatchlistAlert
	if raw := c.Query("severity"); raw != "" {
		sev, ok := models.ParseSeverity(raw)
		if !ok {
			writeError(c, fmt.Errorf("%w: unknown severity %q", models.ErrInput, raw))
			return
		}
		alerts = h.engine.Alerts().GetAlertsBySeverity(sev, limit)
	} else {
		alerts = h.engine.Alerts().GetRecentAlerts(limit)
	}
	if alerts == nil {
		alerts = []models.WatchlistAlert{}
	}
	c.JSON(http.StatusOK, gin.H{"data": alerts, "count": len(alerts)})
}

// POST /api/v1/alerts/:addressId/ack { "operator": "analyst-1" }
func (h *APIHandler) handleAcknowledge(c *gin.Context) {
	var req struct {
		Operator string `json:"operator"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body. Expected: {operator}"})
			return
		}
	}
	alert, ok, err := h.engine.Acknowledge(c.Request.Context(), c.Param("addressId"), req.Operator)
	if err != nil {
		writeError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusOK, gin.H{"acknowledged": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"acknowledged": true, "alert": alert})
}

// POST /api/v1/addresses/:id/score
func (h *APIHandler) handleScoreAddress(c *gin.Context) {
	res, err := h.engine.ScoreAddress(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// POST /api/v1/score/batch { "ids": ["a-0001", ...] }
func (h *APIHandler) handleScoreBatch(c *gin.Context) {
	var req struct {
		IDs []string `json:"ids" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body. Expected: {ids}"})
		return
	}
	if len(req.IDs) == 0 || len(req.IDs) > maxBatchSize {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("ids must hold 1 to %d entries", maxBatchSize)})
		return
	}
	results := h.engine.ScoreBatch(c.Request.Context(), req.IDs)
	failed := 0
	for _, r := range results {
		if r.Error != "" {
			failed++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"results": results,
		"total":   len(results),
		"failed":  failed,
	})
}

// GET /api/v1/addresses/:id/history?limit=
func (h *APIHandler) handleHistory(c *gin.Context) {
	limit, err := queryInt(c, "limit", 100)
	if err != nil {
		writeError(c, err)
		return
	}
	recs, err := h.engine.History(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": recs, "count": len(recs)})
}

// PUT /api/v1/addresses/:id/watch { "watched": true }
func (h *APIHandler) handleSetWatched(c *gin.Context) {
	var req struct {
		Watched *bool `json:"watched" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body. Expected: {watched}"})
		return
	}
	addr, err := h.engine.SetWatched(c.Request.Context(), c.Param("id"), *req.Watched)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, addr)
}

// POST /api/v1/rescan launches a full registry pass in the background.
func (h *APIHandler) handleStartRescan(c *gin.Context) {
	// The pass outlives the request.
	if !h.rescanner.Start(context.Background()) {
		c.JSON(http.StatusConflict, gin.H{"error": "Rescan already in progress"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "rescan_started"})
}

func (h *APIHandler) handleRescanProgress(c *gin.Context) {
	c.JSON(http.StatusOK, h.rescanner.GetProgress())
}
