package router

import (
	"log/slog"
	"net/http"

	"github.com/cuongbtq/media-dispatch/internal/api/handler"
	"github.com/gin-gonic/gin"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	service := deps.Service
	if service == "" {
		service = "dispatcher-service"
	}

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		if deps.Database != nil {
			if err := deps.Database.HealthCheck(c.Request.Context()); err != nil {
				deps.Logger.Error("Health check failed",
					slog.Any("error", err),
				)
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status":   "unhealthy",
					"service":  service,
					"state":    deps.Dispatcher.State(),
					"database": "unreachable",
				})
				return
			}
		}

		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": service,
			"state":   deps.Dispatcher.State(),
		})
	})

	statusHandler := handler.NewStatusHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		// GET /api/v1/status - Loop state, gate, last cycle and queue depth
		v1.GET("/status", statusHandler.GetStatus)

		// GET /api/v1/failures - Dead-letter records
		v1.GET("/failures", statusHandler.ListFailures)

		// POST /api/v1/control - Activate or pause the loop
		v1.POST("/control", statusHandler.SetControl)
	}

	return r
}
