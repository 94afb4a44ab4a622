package scheduler

import (
	"context"
	"time"

	"github.com/openmuse/gallery-backend/internal/counters"
	"github.com/openmuse/gallery-backend/internal/platform/envutil"
	"github.com/openmuse/gallery-backend/internal/platform/logger"
	"github.com/openmuse/gallery-backend/internal/types"
)

// Scheduler is the in-process fallback cadence for deployments without an
// external cron. Production keeps using the authenticated cron endpoints;
// this ticker exists for local and single-node setups. Flush and cleanup
// stay safe under overlap either way, so both schedulers can coexist.
type Scheduler struct {
	engine       counters.Engine
	log          *logger.Logger
	flushEvery   time.Duration
	cleanupEvery time.Duration
}

func New(engine counters.Engine, baseLog *logger.Logger) *Scheduler {
	return &Scheduler{
		engine:       engine,
		log:          baseLog.With("service", "Scheduler"),
		flushEvery:   envutil.Duration("FLUSH_INTERVAL_SECONDS", 60, time.Second),
		cleanupEvery: envutil.Duration("CLEANUP_INTERVAL_SECONDS", 3600, time.Second),
	}
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	flushTicker := time.NewTicker(s.flushEvery)
	defer flushTicker.Stop()
	cleanupTicker := time.NewTicker(s.cleanupEvery)
	defer cleanupTicker.Stop()

	s.log.Info("in-process scheduler started", "flush_every", s.flushEvery.String(), "cleanup_every", s.cleanupEvery.String())
	for {
		select {
		case <-ctx.Done():
			s.log.Info("in-process scheduler stopped")
			return
		case <-flushTicker.C:
			for _, kind := range types.CounterKinds {
				if _, err := s.engine.Flush(ctx, kind); err != nil {
					s.log.Warn("scheduled flush failed", "kind", kind, "error", err)
				}
			}
		case <-cleanupTicker.C:
			for _, kind := range types.CounterKinds {
				if _, err := s.engine.Cleanup(ctx, kind); err != nil {
					s.log.Warn("scheduled cleanup failed", "kind", kind, "error", err)
				}
			}
		}
	}
}
