package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/rawblock/intel-engine/internal/engine"
	"github.com/rawblock/intel-engine/internal/observability"
	"github.com/rawblock/intel-engine/internal/scanner"
	"github.com/rawblock/intel-engine/pkg/models"
)

// RouterConfig carries the HTTP-facing settings.
type RouterConfig struct {
	AllowedOrigins  []string
	AuthToken       string
	RateLimitPerMin int
	Backend         string
	// Ready reports whether the registry backend is reachable. nil means
	// always ready.
	Ready func(ctx context.Context) error
}

type APIHandler struct {
	engine    *engine.Engine
	wsHub     *Hub
	rescanner *scanner.Rescanner
	cfg       RouterConfig
}

func SetupRouter(cfg RouterConfig, eng *engine.Engine, wsHub *Hub, rescanner *scanner.Rescanner) *gin.Engine {
	r := gin.Default()
	r.Use(corsMiddleware(cfg.AllowedOrigins))

	handler := &APIHandler{engine: eng, wsHub: wsHub, rescanner: rescanner, cfg: cfg}

	api := r.Group("/api/v1")
	{
		// Public: liveness, reference data and the alert stream.
		api.GET("/health", handler.handleHealth)
		api.GET("/categories", handler.handleCategories)
		api.GET("/stream", wsHub.Subscribe)
		api.GET("/rescan/progress", handler.handleRescanProgress)
	}

	protected := api.Group("")
	protected.Use(AuthMiddleware(cfg.AuthToken))
	if cfg.RateLimitPerMin > 0 {
		burst := max(cfg.RateLimitPerMin/6, 5)
		protected.Use(NewRateLimiter(cfg.RateLimitPerMin, burst).Middleware())
	}
	{
		protected.GET("/dashboard", handler.handleDashboard)
		protected.GET("/graph", handler.handleGraph)
		protected.GET("/export", handler.handleExport)
		protected.GET("/alerts", handler.handleAlerts)
		protected.POST("/alerts/:addressId/ack", handler.handleAcknowledge)

		protected.POST("/addresses/:id/score", handler.handleScoreAddress)
		protected.GET("/addresses/:id/history", handler.handleHistory)
		protected.PUT("/addresses/:id/watch", handler.handleSetWatched)
		protected.POST("/score/batch", handler.handleScoreBatch)

		protected.POST("/rescan", handler.handleStartRescan)
	}

	r.GET("/metrics", gin.WrapH(observability.Handler()))

	return r
}

// corsMiddleware allows every origin when the list is empty or "*".
func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowAll {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, allowed := range allowedOrigins {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// writeError maps the engine's error taxonomy onto HTTP status codes.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrInput):
		status = http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrPersistenceConflict):
		status = http.StatusConflict
	case errors.Is(err, models.ErrUpstreamTimeout), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.Is(err, models.ErrDataInconsistency):
		status = http.StatusUnprocessableEntity
	}
	if status == http.StatusInternalServerError {
		log.Printf("[API] %s %s failed: %v", c.Request.Method, c.FullPath(), err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// BroadcastAlert returns the AlertManager broadcast callback that pushes
// alerts to websocket subscribers.
func BroadcastAlert(wsHub *Hub) func(models.WatchlistAlert) {
	return func(alert models.WatchlistAlert) {
		wsHub.BroadcastJSON(gin.H{
			"type":  "watchlist_alert",
			"alert": alert,
		})
		log.Printf("[ALERT] %s %s: %s", alert.Severity, alert.AddressID, alert.Title)
	}
}
