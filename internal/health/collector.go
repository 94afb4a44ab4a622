package health

import (
	"context"
	"time"

	"github.com/openmuse/gallery-backend/internal/cache"
	"github.com/openmuse/gallery-backend/internal/counters"
	"github.com/openmuse/gallery-backend/internal/platform/envutil"
	"github.com/openmuse/gallery-backend/internal/platform/logger"
	"github.com/openmuse/gallery-backend/internal/store"
	"github.com/openmuse/gallery-backend/internal/types"
)

type divergenceCounter interface {
	CountSince(ctx context.Context, since time.Time) (int64, error)
}

// Collector gathers the migration-health inputs from every component.
// Probe failures degrade the corresponding input instead of failing the
// collection: a health report about broken stores must still render.
type Collector struct {
	primaryName string
	primary     store.ContentStore
	secondary   store.ContentStore
	cache       cache.Cache
	engine      counters.Engine
	div         divergenceCounter
	threshold   int64
	log         *logger.Logger
}

func NewCollector(primaryName string, primary, secondary store.ContentStore, c cache.Cache, engine counters.Engine, div divergenceCounter, baseLog *logger.Logger) *Collector {
	return &Collector{
		primaryName: primaryName,
		primary:     primary,
		secondary:   secondary,
		cache:       c,
		engine:      engine,
		div:         div,
		threshold:   envutil.Int64("DIVERGENCE_ALERT_THRESHOLD", 10),
		log:         baseLog.With("service", "HealthCollector"),
	}
}

func (c *Collector) Collect(ctx context.Context) Inputs {
	in := Inputs{
		PrimaryBackend:      c.primaryName,
		SecondaryConfigured: c.secondary != nil,
		DivergenceThreshold: c.threshold,
	}

	in.PrimaryOK, in.PrimaryLatencyMS, in.PrimaryItemCount = c.probeStore(ctx, c.primary)
	if c.secondary != nil {
		in.SecondaryOK, in.SecondaryLatencyMS, in.SecondaryItemCount = c.probeStore(ctx, c.secondary)
	}

	if err := c.cache.HealthCheck(ctx); err != nil {
		c.log.Warn("cache healthcheck failed", "error", err)
	} else {
		in.CacheOK = true
	}
	if metrics, err := c.cache.CurrentMetrics(ctx); err == nil {
		in.CacheHitRate = metrics.HitRate
		in.CacheRequests = metrics.Requests
	}

	if pending, err := c.engine.Pending(ctx, types.CounterKindView); err == nil {
		in.PendingViewEvents = pending
	}
	if pending, err := c.engine.Pending(ctx, types.CounterKindCopy); err == nil {
		in.PendingCopyEvents = pending
	}

	if count, err := c.div.CountSince(ctx, time.Now().UTC().Add(-24*time.Hour)); err == nil {
		in.Divergences24h = count
	} else {
		c.log.Warn("divergence count failed", "error", err)
	}

	return in
}

func (c *Collector) Report(ctx context.Context) Report {
	return Evaluate(c.Collect(ctx))
}

func (c *Collector) probeStore(ctx context.Context, s store.ContentStore) (ok bool, latencyMS int64, items int64) {
	start := time.Now()
	if err := s.Ping(ctx); err != nil {
		c.log.Warn("store ping failed", "store", s.Name(), "error", err)
		return false, time.Since(start).Milliseconds(), 0
	}
	latencyMS = time.Since(start).Milliseconds()
	count, err := s.CountItems(ctx)
	if err != nil {
		c.log.Warn("store count failed", "store", s.Name(), "error", err)
		return false, latencyMS, 0
	}
	return true, latencyMS, count
}
