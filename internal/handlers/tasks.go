package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/openmuse/gallery-backend/internal/counters"
	"github.com/openmuse/gallery-backend/internal/divergence"
	"github.com/openmuse/gallery-backend/internal/platform/envutil"
	"github.com/openmuse/gallery-backend/internal/platform/logger"
	"github.com/openmuse/gallery-backend/internal/types"
)

// TaskHandler backs the externally scheduled cron endpoints. Each entry
// point is idempotent; the scheduler itself lives outside this process.
type TaskHandler struct {
	engine       counters.Engine
	div          *divergence.Logger
	divRetention time.Duration
	log          *logger.Logger
}

func NewTaskHandler(engine counters.Engine, div *divergence.Logger, baseLog *logger.Logger) *TaskHandler {
	return &TaskHandler{
		engine:       engine,
		div:          div,
		divRetention: envutil.Duration("DIVERGENCE_RETENTION_DAYS", 30, 24*time.Hour),
		log:          baseLog.With("handler", "TaskHandler"),
	}
}

// Flush aggregates every counter kind. Kinds run concurrently and
// independently: one kind failing never blocks the others, and a partial
// failure reports per-kind errors under a multi-status code. Nothing that
// succeeded is rolled back.
func (h *TaskHandler) Flush(c *gin.Context) {
	start := time.Now()

	results := make([]counters.FlushResult, len(types.CounterKinds))
	errs := make([]error, len(types.CounterKinds))

	var g errgroup.Group
	for i, kind := range types.CounterKinds {
		g.Go(func() error {
			results[i], errs[i] = h.engine.Flush(c.Request.Context(), kind)
			return nil
		})
	}
	_ = g.Wait()

	resp := gin.H{
		"duration_ms": time.Since(start).Milliseconds(),
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	}
	failures := gin.H{}
	for i, kind := range types.CounterKinds {
		resp[string(kind)+"_updated"] = results[i].EntitiesUpdated
		resp[string(kind)+"_flushed"] = results[i].EventsFlushed
		if errs[i] != nil {
			failures[string(kind)] = errs[i].Error()
		}
	}
	resp["success"] = len(failures) == 0

	switch len(failures) {
	case 0:
		c.JSON(http.StatusOK, resp)
	case len(types.CounterKinds):
		resp["errors"] = failures
		c.JSON(http.StatusInternalServerError, resp)
	default:
		resp["errors"] = failures
		c.JSON(http.StatusMultiStatus, resp)
	}
}

// Cleanup prunes stale unflushed counter events for every kind and ages
// out old divergence records. Runs on a slower cadence than Flush.
func (h *TaskHandler) Cleanup(c *gin.Context) {
	start := time.Now()

	resp := gin.H{}
	failures := gin.H{}
	for _, kind := range types.CounterKinds {
		removed, err := h.engine.Cleanup(c.Request.Context(), kind)
		resp[string(kind)+"_removed"] = removed
		if err != nil {
			failures[string(kind)] = err.Error()
		}
	}

	pruned, err := h.div.PruneBefore(c.Request.Context(), time.Now().UTC().Add(-h.divRetention))
	resp["divergence_pruned"] = pruned
	if err != nil {
		failures["divergence"] = err.Error()
	}

	resp["duration_ms"] = time.Since(start).Milliseconds()
	resp["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	resp["success"] = len(failures) == 0

	switch len(failures) {
	case 0:
		c.JSON(http.StatusOK, resp)
	case len(types.CounterKinds) + 1:
		resp["errors"] = failures
		c.JSON(http.StatusInternalServerError, resp)
	default:
		resp["errors"] = failures
		c.JSON(http.StatusMultiStatus, resp)
	}
}
