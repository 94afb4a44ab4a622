package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openmuse/gallery-backend/internal/platform/envutil"
	"github.com/openmuse/gallery-backend/internal/platform/logger"
)

// NewTargetPool connects to the migration-target database through pgx.
// The target schema is provisioned out of band (the migration tooling owns
// it); this process only reads and writes it.
func NewTargetPool(ctx context.Context, log *logger.Logger) (*pgxpool.Pool, error) {
	serviceLog := log.With("service", "TargetPool")

	url := envutil.String("TARGET_DATABASE_URL", "")
	if url == "" {
		return nil, fmt.Errorf("missing TARGET_DATABASE_URL")
	}

	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse target database url: %w", err)
	}
	cfg.MaxConns = int32(envutil.Int("TARGET_MAX_CONNS", 8))

	serviceLog.Info("Connecting to target Postgres...")
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		serviceLog.Error("Failed to connect to target Postgres", "error", err)
		return nil, fmt.Errorf("failed to connect to target postgres: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("target postgres ping: %w", err)
	}

	return pool, nil
}
