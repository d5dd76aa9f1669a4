package http

import (
	"net/http"

	"tilecast/internal/core/services"
	"tilecast/internal/infrastructure/middleware"
	"tilecast/pkg/config"
	"tilecast/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type RouterDeps struct {
	Config *config.Config
	// Auth is nil when auth is disabled.
	Auth      services.AuthService
	Viewer    *ViewerHandler
	Health    *HealthHandler
	WebSocket http.HandlerFunc
	Logger    *zap.SugaredLogger
}

// NewRouter assembles the viewer API, health endpoints and the presenter
// websocket endpoint.
func NewRouter(deps RouterDeps) *gin.Engine {
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(deps.Logger),
		middleware.TracingMiddleware(logger.NewContextLogger(deps.Logger.Desugar())),
		middleware.ErrorHandlerMiddleware(deps.Logger),
	)

	if deps.Health != nil {
		deps.Health.SetupRoutes(router)
	}

	if deps.WebSocket != nil {
		path := deps.Config.Transport.WebSocket.Path
		if path == "" {
			path = "/ws"
		}
		router.GET(path, gin.WrapF(deps.WebSocket))
	}

	limited := router.Group("", middleware.NewHTTPRateLimitMiddleware(deps.Config))

	if deps.Auth != nil {
		NewAuthHandler(deps.Auth).SetupRoutes(limited)
	}

	api := limited.Group("/api/v1")
	if deps.Auth != nil {
		api.Use(middleware.AuthMiddleware(deps.Auth))
	}
	if deps.Viewer != nil {
		deps.Viewer.SetupRoutes(api)
	}

	return router
}
