package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/openmuse/gallery-backend/internal/platform/logger"
	"github.com/openmuse/gallery-backend/internal/repos"
	"github.com/openmuse/gallery-backend/internal/types"
)

// legacyStore serves the GORM-managed database the product launched on.
// It delegates to the repo layer rather than issuing SQL itself.
type legacyStore struct {
	items  repos.GalleryItemRepo
	events repos.CounterEventRepo
	log    *logger.Logger
	ping   func(ctx context.Context) error
}

func NewLegacyStore(items repos.GalleryItemRepo, events repos.CounterEventRepo, ping func(ctx context.Context) error, baseLog *logger.Logger) ContentStore {
	return &legacyStore{
		items:  items,
		events: events,
		log:    baseLog.With("store", "legacy"),
		ping:   ping,
	}
}

func (s *legacyStore) Name() string { return "legacy" }

func (s *legacyStore) Ping(ctx context.Context) error {
	if s.ping == nil {
		_, err := s.items.Count(ctx, nil)
		return err
	}
	return s.ping(ctx)
}

func (s *legacyStore) GetItem(ctx context.Context, id uuid.UUID) (ItemRecord, error) {
	item, err := s.items.GetByID(ctx, nil, id)
	if err != nil {
		return ItemRecord{}, err
	}
	if item == nil {
		return ItemRecord{Exists: false, ID: id}, nil
	}
	return recordFromItem(item), nil
}

func (s *legacyStore) ListItems(ctx context.Context, limit, offset int) ([]ItemRecord, error) {
	items, err := s.items.List(ctx, nil, limit, offset)
	if err != nil {
		return nil, err
	}
	records := make([]ItemRecord, 0, len(items))
	for _, item := range items {
		records = append(records, recordFromItem(item))
	}
	return records, nil
}

func (s *legacyStore) CountItems(ctx context.Context) (int64, error) {
	return s.items.Count(ctx, nil)
}

func (s *legacyStore) ApplyCounterDeltas(ctx context.Context, kind types.CounterKind, deltas []CounterDelta) (int64, error) {
	byItem := make(map[uuid.UUID]int64, len(deltas))
	for _, d := range deltas {
		byItem[d.ItemID] += d.Count
	}
	return s.items.AddToCounters(ctx, nil, kind, byItem)
}

func (s *legacyStore) AppendCounterEvent(ctx context.Context, event *types.CounterEvent) error {
	return s.events.Append(ctx, nil, []*types.CounterEvent{event})
}

func (s *legacyStore) FlushCounterEvents(ctx context.Context, kind types.CounterKind) (FlushOutcome, error) {
	rows, err := s.events.ConsumeAndApply(ctx, nil, kind)
	if err != nil {
		return FlushOutcome{}, err
	}
	deltas := make([]CounterDelta, 0, len(rows))
	for _, row := range rows {
		deltas = append(deltas, CounterDelta{ItemID: row.ItemID, Count: row.Count, Applied: row.Applied})
	}
	return outcomeFromDeltas(deltas), nil
}

func (s *legacyStore) DeleteCounterEventsBefore(ctx context.Context, kind types.CounterKind, cutoff time.Time) (int64, error) {
	return s.events.DeleteUnflushedBefore(ctx, nil, kind, cutoff)
}

func (s *legacyStore) PendingCounterEvents(ctx context.Context, kind types.CounterKind) (int64, error) {
	return s.events.PendingCount(ctx, nil, kind)
}

func recordFromItem(item *types.GalleryItem) ItemRecord {
	return ItemRecord{
		Exists:    true,
		ID:        item.ID,
		Slug:      item.Slug,
		Title:     item.Title,
		ViewCount: item.ViewCount,
		CopyCount: item.CopyCount,
		UpdatedAt: item.UpdatedAt,
	}
}
