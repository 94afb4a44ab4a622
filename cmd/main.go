package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/openmuse/gallery-backend/internal/cache"
	"github.com/openmuse/gallery-backend/internal/config"
	"github.com/openmuse/gallery-backend/internal/counters"
	"github.com/openmuse/gallery-backend/internal/db"
	"github.com/openmuse/gallery-backend/internal/divergence"
	"github.com/openmuse/gallery-backend/internal/handlers"
	"github.com/openmuse/gallery-backend/internal/health"
	"github.com/openmuse/gallery-backend/internal/observability"
	"github.com/openmuse/gallery-backend/internal/platform/envutil"
	"github.com/openmuse/gallery-backend/internal/platform/logger"
	"github.com/openmuse/gallery-backend/internal/repos"
	"github.com/openmuse/gallery-backend/internal/scheduler"
	"github.com/openmuse/gallery-backend/internal/server"
	"github.com/openmuse/gallery-backend/internal/store"
)

func main() {
	// Logger
	logMode := envutil.String("LOG_MODE", "development")
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx := context.Background()

	// Tracing
	shutdownOtel := observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: "gallery-backend",
		Environment: envutil.String("DEPLOY_ENV", "development"),
		Version:     envutil.String("SERVICE_VERSION", "dev"),
	})
	if shutdownOtel != nil {
		defer func() { _ = shutdownOtel(ctx) }()
	}

	// Feature flags (read once; changes require a restart)
	flags := config.LoadFlags()
	log.Info("Feature flags loaded",
		"primary_backend", flags.PrimaryBackend,
		"dual_write", flags.DualWriteEnabled,
		"shadow_read", flags.ShadowReadEnabled,
		"realtime", flags.RealtimeEnabled,
	)

	// Legacy Postgres
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Fatal("Postgres init failed", "error", err)
	}
	if err := postgresService.AutoMigrateAll(); err != nil {
		log.Fatal("Postgres auto migration failed", "error", err)
	}
	legacyDB := postgresService.DB()
	legacyPing := func(ctx context.Context) error {
		sqlDB, err := legacyDB.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	}

	// Repos
	log.Info("Setting up Repos from main...")
	itemRepo := repos.NewGalleryItemRepo(legacyDB, log)
	eventRepo := repos.NewCounterEventRepo(legacyDB, log)
	divergenceRepo := repos.NewDivergenceRepo(legacyDB, log)

	// Divergence log
	divLogger := divergence.NewLogger(divergenceRepo, log)

	// Stores
	legacyStore := store.NewLegacyStore(itemRepo, eventRepo, legacyPing, log)
	var targetStore store.ContentStore
	if flags.SecondaryActive() || flags.PrimaryBackend == config.BackendTarget {
		pool, err := db.NewTargetPool(ctx, log)
		if err != nil {
			log.Fatal("Target store init failed", "error", err)
		}
		defer pool.Close()
		targetStore = store.NewTargetStore(pool, log)
	}

	policy, err := store.LoadComparePolicy(envutil.String("COMPARE_POLICY_PATH", ""))
	if err != nil {
		log.Fatal("Compare policy load failed", "error", err)
	}
	selector := store.NewSelector(flags, legacyStore, targetStore, divLogger, store.NewComparator(policy), log)

	// Cache
	cacheLayer, err := cache.New(log)
	if err != nil {
		log.Fatal("Cache init failed", "error", err)
	}

	// Counter engine
	engine := counters.NewEngine(selector, log)

	// Health
	var secondaryStore store.ContentStore
	if targetStore != nil && flags.SecondaryActive() {
		if flags.PrimaryBackend == config.BackendTarget {
			secondaryStore = legacyStore
		} else {
			secondaryStore = targetStore
		}
	}
	collector := health.NewCollector(string(flags.PrimaryBackend), selector.Primary(), secondaryStore, cacheLayer, engine, divLogger, log)

	// Handlers
	log.Info("Setting up Handlers from main...")
	itemHandler := handlers.NewItemHandler(engine, selector, cacheLayer, flags, log)
	taskHandler := handlers.NewTaskHandler(engine, divLogger, log)
	healthHandler := handlers.NewHealthHandler(collector, divLogger, log)
	cacheAdminHandler := handlers.NewCacheAdminHandler(cacheLayer, log)

	// Optional in-process scheduler
	if envutil.Bool("SCHEDULER_ENABLED", false) {
		sched := scheduler.New(engine, log)
		go sched.Run(ctx)
	}

	// Router
	router := server.NewRouter(server.RouterConfig{
		Log:               log,
		ItemHandler:       itemHandler,
		TaskHandler:       taskHandler,
		HealthHandler:     healthHandler,
		CacheAdminHandler: cacheAdminHandler,
		CronSecret:        envutil.String("CRON_SECRET", ""),
		HealthSecret:      envutil.String("HEALTH_SECRET", ""),
		JWTSecret:         envutil.String("JWT_SECRET_KEY", ""),
		AllowOrigins:      strings.Split(envutil.String("CORS_ALLOW_ORIGINS", "http://localhost:3000"), ","),
	})

	port := envutil.String("PORT", "8080")
	log.Info("Starting server", "port", port)
	if err := router.Run(":" + port); err != nil {
		log.Fatal("Server exited", "error", err)
	}
}
