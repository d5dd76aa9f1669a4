package http

import (
	"context"
	"net/http"
	"time"

	"tilecast/internal/infrastructure/monitoring"

	"github.com/gin-gonic/gin"
)

type HealthHandler struct {
	checker      *monitoring.HealthChecker
	metrics      http.Handler
	startTime    time.Time
	readyTimeout time.Duration
}

// NewHealthHandler serves liveness, readiness and metrics. metrics may be nil.
func NewHealthHandler(checker *monitoring.HealthChecker, metrics http.Handler) *HealthHandler {
	return &HealthHandler{
		checker:      checker,
		metrics:      metrics,
		startTime:    time.Now(),
		readyTimeout: 2 * time.Second,
	}
}

func (h *HealthHandler) SetupRoutes(router gin.IRouter) {
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
	if h.metrics != nil {
		router.GET("/metrics", gin.WrapH(h.metrics))
	}
}

func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
		"uptime":    time.Since(h.startTime).String(),
	})
}

func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.readyTimeout)
	defer cancel()

	status := h.checker.CheckAll(ctx)
	if status.Status != "healthy" {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":    "not_ready",
			"timestamp": status.Timestamp,
			"checks":    status.Checks,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "ready",
		"timestamp": status.Timestamp,
		"checks":    status.Checks,
	})
}
