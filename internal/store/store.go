package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/openmuse/gallery-backend/internal/types"
)

// ItemRecord is the backend-agnostic result shape for a single gallery
// item. Callers never learn which backend produced it. A lookup that finds
// nothing returns Exists=false with a nil error; absence is a comparable
// fact during migration, not a failure.
type ItemRecord struct {
	Exists    bool      `json:"exists"`
	ID        uuid.UUID `json:"id"`
	Slug      string    `json:"slug"`
	Title     string    `json:"title"`
	ViewCount int64     `json:"view_count"`
	CopyCount int64     `json:"copy_count"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CounterDelta is one per-item increment produced by a flush. Applied is
// false when the events were consumed but the item no longer exists.
type CounterDelta struct {
	ItemID  uuid.UUID `json:"item_id"`
	Count   int64     `json:"count"`
	Applied bool      `json:"applied"`
}

// FlushOutcome reports one atomic consume-and-apply step.
type FlushOutcome struct {
	Deltas          []CounterDelta `json:"-"`
	EventsFlushed   int64          `json:"events_flushed"`
	EntitiesUpdated int64          `json:"entities_updated"`
}

// ContentStore is the capability surface both migration backends expose:
// item reads, counter writes, row counts, and the counter-event buffer.
// The buffer always lives next to the authoritative counters, so every
// backend carries the full surface.
type ContentStore interface {
	Name() string
	Ping(ctx context.Context) error

	GetItem(ctx context.Context, id uuid.UUID) (ItemRecord, error)
	ListItems(ctx context.Context, limit, offset int) ([]ItemRecord, error)
	CountItems(ctx context.Context) (int64, error)
	ApplyCounterDeltas(ctx context.Context, kind types.CounterKind, deltas []CounterDelta) (int64, error)

	AppendCounterEvent(ctx context.Context, event *types.CounterEvent) error
	FlushCounterEvents(ctx context.Context, kind types.CounterKind) (FlushOutcome, error)
	DeleteCounterEventsBefore(ctx context.Context, kind types.CounterKind, cutoff time.Time) (int64, error)
	PendingCounterEvents(ctx context.Context, kind types.CounterKind) (int64, error)
}

func outcomeFromDeltas(deltas []CounterDelta) FlushOutcome {
	out := FlushOutcome{Deltas: deltas}
	for _, d := range deltas {
		out.EventsFlushed += d.Count
		if d.Applied {
			out.EntitiesUpdated++
		}
	}
	return out
}
