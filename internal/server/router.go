package server

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/openmuse/gallery-backend/internal/handlers"
	"github.com/openmuse/gallery-backend/internal/middleware"
	"github.com/openmuse/gallery-backend/internal/observability"
	"github.com/openmuse/gallery-backend/internal/platform/logger"
)

type RouterConfig struct {
	Log               *logger.Logger
	ItemHandler       *handlers.ItemHandler
	TaskHandler       *handlers.TaskHandler
	HealthHandler     *handlers.HealthHandler
	CacheAdminHandler *handlers.CacheAdminHandler

	CronSecret   string
	HealthSecret string
	JWTSecret    string
	AllowOrigins []string
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	if observability.TracingEnabled() {
		router.Use(otelgin.Middleware("gallery-backend"))
	}

	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: true,
	}))

	// ===============
	// || Public    ||
	// ===============
	router.GET("/healthcheck", cfg.HealthHandler.HealthCheck)

	api := router.Group("/api")
	{
		items := api.Group("/items")
		items.Use(middleware.ActorHint(cfg.Log, cfg.JWTSecret))
		items.GET("", cfg.ItemHandler.ListItems)
		items.GET("/:id", cfg.ItemHandler.GetItem)
		items.POST("/:id/track", cfg.ItemHandler.Track)
	}

	// ===============
	// || Scheduled ||
	// ===============
	cron := router.Group("/api/cron")
	cron.Use(middleware.RequireSecret(cfg.Log, cfg.CronSecret))
	cron.POST("/flush", cfg.TaskHandler.Flush)
	cron.POST("/cleanup", cfg.TaskHandler.Cleanup)

	// ===============
	// || Admin     ||
	// ===============
	admin := router.Group("/api/admin")
	admin.Use(middleware.RequireSecret(cfg.Log, cfg.HealthSecret))
	admin.GET("/migration-health", cfg.HealthHandler.MigrationHealth)
	admin.GET("/divergence", cfg.HealthHandler.RecentDivergence)
	admin.POST("/cache/invalidate", cfg.CacheAdminHandler.Invalidate)
	admin.GET("/cache/metrics", cfg.CacheAdminHandler.Metrics)
	admin.POST("/cache/metrics/reset", cfg.CacheAdminHandler.ResetMetrics)

	return router
}
