package counters

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/openmuse/gallery-backend/internal/platform/logger"
	"github.com/openmuse/gallery-backend/internal/store"
	"github.com/openmuse/gallery-backend/internal/types"
)

// memoryBuffer is an in-memory BufferStore. Flush consumes atomically
// under one lock, mirroring the single-statement semantics of the real
// storage layer.
type memoryBuffer struct {
	mu        sync.Mutex
	events    []*types.CounterEvent
	items     map[uuid.UUID]bool
	appendErr error
	flushErr  error

	lastCleanupCutoff time.Time
}

func newMemoryBuffer(itemIDs ...uuid.UUID) *memoryBuffer {
	items := make(map[uuid.UUID]bool, len(itemIDs))
	for _, id := range itemIDs {
		items[id] = true
	}
	return &memoryBuffer{items: items}
}

func (b *memoryBuffer) AppendCounterEvent(ctx context.Context, event *types.CounterEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.appendErr != nil {
		return b.appendErr
	}
	b.events = append(b.events, event)
	return nil
}

func (b *memoryBuffer) FlushCounterEvents(ctx context.Context, kind types.CounterKind) (store.FlushOutcome, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.flushErr != nil {
		return store.FlushOutcome{}, b.flushErr
	}

	grouped := make(map[uuid.UUID]int64)
	remaining := b.events[:0]
	for _, ev := range b.events {
		if ev.Kind == kind {
			grouped[ev.ItemID]++
			continue
		}
		remaining = append(remaining, ev)
	}
	b.events = remaining

	var out store.FlushOutcome
	for itemID, n := range grouped {
		applied := b.items[itemID]
		out.Deltas = append(out.Deltas, store.CounterDelta{ItemID: itemID, Count: n, Applied: applied})
		out.EventsFlushed += n
		if applied {
			out.EntitiesUpdated++
		}
	}
	return out, nil
}

func (b *memoryBuffer) DeleteCounterEventsBefore(ctx context.Context, kind types.CounterKind, cutoff time.Time) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastCleanupCutoff = cutoff

	var removed int64
	remaining := b.events[:0]
	for _, ev := range b.events {
		if ev.Kind == kind && ev.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		remaining = append(remaining, ev)
	}
	b.events = remaining
	return removed, nil
}

func (b *memoryBuffer) PendingCounterEvents(ctx context.Context, kind types.CounterKind) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var count int64
	for _, ev := range b.events {
		if ev.Kind == kind {
			count++
		}
	}
	return count, nil
}

func TestRecordThenFlush(t *testing.T) {
	itemID := uuid.New()
	buf := newMemoryBuffer(itemID)
	engine := NewEngine(buf, logger.NewNop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		engine.Record(ctx, itemID, types.CounterKindView, "home")
	}
	engine.Record(ctx, itemID, types.CounterKindCopy, "home")

	pending, err := engine.Pending(ctx, types.CounterKindView)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if pending != 3 {
		t.Fatalf("pending views: want=3 got=%d", pending)
	}

	res, err := engine.Flush(ctx, types.CounterKindView)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if res.EventsFlushed != 3 || res.EntitiesUpdated != 1 {
		t.Fatalf("flush result: want={3 events, 1 entity} got=%+v", res)
	}

	// The copy event is untouched by the view flush.
	pending, _ = engine.Pending(ctx, types.CounterKindCopy)
	if pending != 1 {
		t.Fatalf("copy events must survive a view flush, pending=%d", pending)
	}

	// A second flush finds nothing left to consume.
	res, err = engine.Flush(ctx, types.CounterKindView)
	if err != nil {
		t.Fatalf("second Flush: %v", err)
	}
	if res.EventsFlushed != 0 || res.EntitiesUpdated != 0 {
		t.Fatalf("second flush must be a no-op, got=%+v", res)
	}
}

func TestFlushEmptyBufferIsNoOp(t *testing.T) {
	engine := NewEngine(newMemoryBuffer(), logger.NewNop())
	res, err := engine.Flush(context.Background(), types.CounterKindView)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if res.EventsFlushed != 0 || res.EntitiesUpdated != 0 {
		t.Fatalf("empty buffer flush: got=%+v", res)
	}
}

func TestConcurrentFlushesCountOnce(t *testing.T) {
	itemID := uuid.New()
	buf := newMemoryBuffer(itemID)
	engine := NewEngine(buf, logger.NewNop())
	ctx := context.Background()

	const events = 50
	for i := 0; i < events; i++ {
		engine.Record(ctx, itemID, types.CounterKindView, "")
	}

	const flushers = 8
	results := make([]FlushResult, flushers)
	var wg sync.WaitGroup
	for i := 0; i < flushers; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			res, err := engine.Flush(ctx, types.CounterKindView)
			if err != nil {
				t.Errorf("Flush: %v", err)
				return
			}
			results[slot] = res
		}(i)
	}
	wg.Wait()

	var total int64
	for _, res := range results {
		total += res.EventsFlushed
	}
	if total != events {
		t.Fatalf("competing flushes consumed %d events, want exactly %d", total, events)
	}
	pending, _ := engine.Pending(ctx, types.CounterKindView)
	if pending != 0 {
		t.Fatalf("buffer not drained, pending=%d", pending)
	}
}

func TestFlushCountsOrphanedEvents(t *testing.T) {
	// Events for a deleted item are consumed but update nothing.
	buf := newMemoryBuffer()
	engine := NewEngine(buf, logger.NewNop())
	ctx := context.Background()

	engine.Record(ctx, uuid.New(), types.CounterKindView, "")
	res, err := engine.Flush(ctx, types.CounterKindView)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if res.EventsFlushed != 1 || res.EntitiesUpdated != 0 {
		t.Fatalf("orphan flush: want={1 event, 0 entities} got=%+v", res)
	}
}

func TestRecordDropsInvalidInput(t *testing.T) {
	buf := newMemoryBuffer()
	engine := NewEngine(buf, logger.NewNop())
	ctx := context.Background()

	engine.Record(ctx, uuid.Nil, types.CounterKindView, "")
	engine.Record(ctx, uuid.New(), types.CounterKind("like"), "")

	pending, _ := engine.Pending(ctx, types.CounterKindView)
	if pending != 0 {
		t.Fatalf("invalid events must be dropped, pending=%d", pending)
	}
}

func TestRecordSwallowsStoreErrors(t *testing.T) {
	buf := newMemoryBuffer()
	buf.appendErr = errors.New("buffer unavailable")
	engine := NewEngine(buf, logger.NewNop())

	// Must not panic or surface anything.
	engine.Record(context.Background(), uuid.New(), types.CounterKindView, "")
}

func TestFlushErrorPropagates(t *testing.T) {
	buf := newMemoryBuffer()
	buf.flushErr = errors.New("flush failed")
	engine := NewEngine(buf, logger.NewNop())

	if _, err := engine.Flush(context.Background(), types.CounterKindView); !errors.Is(err, buf.flushErr) {
		t.Fatalf("want flush error, got %v", err)
	}
}

func TestCleanupUsesRetentionCutoff(t *testing.T) {
	t.Setenv("COUNTER_RETENTION_HOURS", "48")
	buf := newMemoryBuffer()
	engine := NewEngine(buf, logger.NewNop())

	if engine.Retention() != 48*time.Hour {
		t.Fatalf("retention: want=48h got=%s", engine.Retention())
	}

	before := time.Now().UTC().Add(-engine.Retention())
	if _, err := engine.Cleanup(context.Background(), types.CounterKindView); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	after := time.Now().UTC().Add(-engine.Retention())

	buf.mu.Lock()
	cutoff := buf.lastCleanupCutoff
	buf.mu.Unlock()
	if cutoff.Before(before) || cutoff.After(after) {
		t.Fatalf("cleanup cutoff %s outside retention window [%s, %s]", cutoff, before, after)
	}
}
