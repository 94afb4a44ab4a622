package counters

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/openmuse/gallery-backend/internal/platform/envutil"
	"github.com/openmuse/gallery-backend/internal/platform/logger"
	"github.com/openmuse/gallery-backend/internal/store"
	"github.com/openmuse/gallery-backend/internal/types"
)

// FlushResult is the caller-facing summary of one flush invocation.
type FlushResult struct {
	EntitiesUpdated int64 `json:"entities_updated"`
	EventsFlushed   int64 `json:"events_flushed"`
}

// BufferStore is the slice of the backend selector the engine drives.
type BufferStore interface {
	AppendCounterEvent(ctx context.Context, event *types.CounterEvent) error
	FlushCounterEvents(ctx context.Context, kind types.CounterKind) (store.FlushOutcome, error)
	DeleteCounterEventsBefore(ctx context.Context, kind types.CounterKind, cutoff time.Time) (int64, error)
	PendingCounterEvents(ctx context.Context, kind types.CounterKind) (int64, error)
}

// Engine owns the counter lifecycle: buffering increments, aggregating
// them into the authoritative counters, and pruning what never flushed.
type Engine interface {
	// Record buffers one increment. View/copy events are not worth a user
	// facing failure, so recording errors are logged and dropped here.
	Record(ctx context.Context, itemID uuid.UUID, kind types.CounterKind, sourceHint string)
	// Flush aggregates and consumes all pending events of one kind in a
	// single atomic storage step. Overlapping flushes are safe; an empty
	// buffer is a zero-result no-op.
	Flush(ctx context.Context, kind types.CounterKind) (FlushResult, error)
	// Cleanup removes events that sat unflushed past the retention window
	// (orphans from deleted items, repeated aggregation failures).
	Cleanup(ctx context.Context, kind types.CounterKind) (int64, error)
	Pending(ctx context.Context, kind types.CounterKind) (int64, error)
	Retention() time.Duration
}

type engine struct {
	buf       BufferStore
	log       *logger.Logger
	retention time.Duration
}

func NewEngine(buf BufferStore, baseLog *logger.Logger) Engine {
	return &engine{
		buf:       buf,
		log:       baseLog.With("service", "CounterEngine"),
		retention: envutil.Duration("COUNTER_RETENTION_HOURS", 24, time.Hour),
	}
}

func (e *engine) Record(ctx context.Context, itemID uuid.UUID, kind types.CounterKind, sourceHint string) {
	if itemID == uuid.Nil || !kind.Valid() {
		e.log.Warn("counter event dropped", "item_id", itemID, "kind", kind, "reason", "invalid input")
		return
	}
	event := &types.CounterEvent{
		ID:         uuid.New(),
		ItemID:     itemID,
		Kind:       kind,
		SourceHint: sourceHint,
		CreatedAt:  time.Now().UTC(),
	}
	if err := e.buf.AppendCounterEvent(ctx, event); err != nil {
		e.log.Warn("counter event dropped", "item_id", itemID, "kind", kind, "error", err)
	}
}

func (e *engine) Flush(ctx context.Context, kind types.CounterKind) (FlushResult, error) {
	out, err := e.buf.FlushCounterEvents(ctx, kind)
	if err != nil {
		e.log.Error("counter flush failed", "kind", kind, "error", err)
		return FlushResult{}, err
	}
	res := FlushResult{EntitiesUpdated: out.EntitiesUpdated, EventsFlushed: out.EventsFlushed}
	if res.EventsFlushed > 0 {
		e.log.Info("counter flush applied", "kind", kind, "entities_updated", res.EntitiesUpdated, "events_flushed", res.EventsFlushed)
	}
	return res, nil
}

// Cleanup runs against a cutoff strictly older than the retention window,
// so it only ever touches events a concurrent flush has had no reason to
// leave behind. Age windows keep cleanup and flush disjoint without locks.
func (e *engine) Cleanup(ctx context.Context, kind types.CounterKind) (int64, error) {
	cutoff := time.Now().UTC().Add(-e.retention)
	removed, err := e.buf.DeleteCounterEventsBefore(ctx, kind, cutoff)
	if err != nil {
		e.log.Error("counter cleanup failed", "kind", kind, "error", err)
		return 0, err
	}
	if removed > 0 {
		e.log.Info("stale counter events removed", "kind", kind, "removed", removed)
	}
	return removed, nil
}

func (e *engine) Pending(ctx context.Context, kind types.CounterKind) (int64, error) {
	return e.buf.PendingCounterEvents(ctx, kind)
}

func (e *engine) Retention() time.Duration { return e.retention }
