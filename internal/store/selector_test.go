package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/openmuse/gallery-backend/internal/config"
	"github.com/openmuse/gallery-backend/internal/divergence"
	"github.com/openmuse/gallery-backend/internal/platform/logger"
	"github.com/openmuse/gallery-backend/internal/types"
)

// fakeStore lets each test script the backend behavior per operation.
// Unset operations succeed with zero values.
type fakeStore struct {
	name string

	getItem     func(ctx context.Context, id uuid.UUID) (ItemRecord, error)
	countItems  func(ctx context.Context) (int64, error)
	applyDeltas func(ctx context.Context, kind types.CounterKind, deltas []CounterDelta) (int64, error)
	flush       func(ctx context.Context, kind types.CounterKind) (FlushOutcome, error)
}

func (f *fakeStore) Name() string { return f.name }

func (f *fakeStore) Ping(ctx context.Context) error { return nil }

func (f *fakeStore) GetItem(ctx context.Context, id uuid.UUID) (ItemRecord, error) {
	if f.getItem != nil {
		return f.getItem(ctx, id)
	}
	return ItemRecord{}, nil
}

func (f *fakeStore) ListItems(ctx context.Context, limit, offset int) ([]ItemRecord, error) {
	return nil, nil
}

func (f *fakeStore) CountItems(ctx context.Context) (int64, error) {
	if f.countItems != nil {
		return f.countItems(ctx)
	}
	return 0, nil
}

func (f *fakeStore) ApplyCounterDeltas(ctx context.Context, kind types.CounterKind, deltas []CounterDelta) (int64, error) {
	if f.applyDeltas != nil {
		return f.applyDeltas(ctx, kind, deltas)
	}
	return int64(len(deltas)), nil
}

func (f *fakeStore) AppendCounterEvent(ctx context.Context, event *types.CounterEvent) error {
	return nil
}

func (f *fakeStore) FlushCounterEvents(ctx context.Context, kind types.CounterKind) (FlushOutcome, error) {
	if f.flush != nil {
		return f.flush(ctx, kind)
	}
	return FlushOutcome{}, nil
}

func (f *fakeStore) DeleteCounterEventsBefore(ctx context.Context, kind types.CounterKind, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeStore) PendingCounterEvents(ctx context.Context, kind types.CounterKind) (int64, error) {
	return 0, nil
}

type recordedDivergence struct {
	op    string
	diffs []divergence.FieldDiff
}

type recorderSpy struct {
	mu      sync.Mutex
	records []recordedDivergence
}

func (r *recorderSpy) Record(operation string, diffs []divergence.FieldDiff) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, recordedDivergence{op: operation, diffs: diffs})
}

func (r *recorderSpy) snapshot() []recordedDivergence {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]recordedDivergence, len(r.records))
	copy(out, r.records)
	return out
}

func (r *recorderSpy) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

func testFlags(mutate func(*config.FeatureFlagSet)) config.FeatureFlagSet {
	flags := config.FeatureFlagSet{
		PrimaryBackend:   config.BackendLegacy,
		SecondaryTimeout: 200 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&flags)
	}
	return flags
}

func newTestSelector(flags config.FeatureFlagSet, legacy, target ContentStore, spy *recorderSpy) *Selector {
	return NewSelector(flags, legacy, target, spy, NewComparator(DefaultComparePolicy()), logger.NewNop())
}

func TestGetItemShadowReadRecordsMismatch(t *testing.T) {
	id := uuid.New()
	primaryRec := ItemRecord{Exists: true, ID: id, Slug: "sunset", ViewCount: 10}
	secondaryRec := ItemRecord{Exists: true, ID: id, Slug: "sunset", ViewCount: 7}

	legacy := &fakeStore{name: "legacy", getItem: func(ctx context.Context, got uuid.UUID) (ItemRecord, error) {
		require.Equal(t, id, got)
		return primaryRec, nil
	}}
	target := &fakeStore{name: "target", getItem: func(ctx context.Context, got uuid.UUID) (ItemRecord, error) {
		return secondaryRec, nil
	}}
	spy := &recorderSpy{}
	sel := newTestSelector(testFlags(func(f *config.FeatureFlagSet) { f.ShadowReadEnabled = true }), legacy, target, spy)

	rec, err := sel.GetItem(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, primaryRec, rec, "primary result must be returned unchanged")

	require.Eventually(t, func() bool { return spy.count() == 1 }, time.Second, 5*time.Millisecond)
	got := spy.snapshot()[0]
	require.Equal(t, "get_item", got.op)
	require.Len(t, got.diffs, 1)
	require.Equal(t, "view_count", got.diffs[0].Field)
}

func TestGetItemShadowReadSilentOnAgreement(t *testing.T) {
	id := uuid.New()
	rec := ItemRecord{Exists: true, ID: id, Slug: "sunset", ViewCount: 10}
	legacy := &fakeStore{name: "legacy", getItem: func(ctx context.Context, _ uuid.UUID) (ItemRecord, error) { return rec, nil }}
	target := &fakeStore{name: "target", getItem: func(ctx context.Context, _ uuid.UUID) (ItemRecord, error) { return rec, nil }}
	spy := &recorderSpy{}
	sel := newTestSelector(testFlags(func(f *config.FeatureFlagSet) { f.ShadowReadEnabled = true }), legacy, target, spy)

	_, err := sel.GetItem(context.Background(), id)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	require.Zero(t, spy.count(), "matching reads must not log divergence")
}

func TestGetItemShadowReadTimeoutRecorded(t *testing.T) {
	id := uuid.New()
	legacy := &fakeStore{name: "legacy", getItem: func(ctx context.Context, _ uuid.UUID) (ItemRecord, error) {
		return ItemRecord{Exists: true, ID: id}, nil
	}}
	target := &fakeStore{name: "target", getItem: func(ctx context.Context, _ uuid.UUID) (ItemRecord, error) {
		select {
		case <-ctx.Done():
			return ItemRecord{}, ctx.Err()
		case <-time.After(5 * time.Second):
			return ItemRecord{Exists: true, ID: id}, nil
		}
	}}
	spy := &recorderSpy{}
	sel := newTestSelector(testFlags(func(f *config.FeatureFlagSet) {
		f.ShadowReadEnabled = true
		f.SecondaryTimeout = 20 * time.Millisecond
	}), legacy, target, spy)

	_, err := sel.GetItem(context.Background(), id)
	require.NoError(t, err, "a slow secondary must never fail the primary read")

	require.Eventually(t, func() bool { return spy.count() >= 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, "timeout", spy.snapshot()[0].diffs[0].Field)
}

func TestGetItemPrimaryErrorPropagates(t *testing.T) {
	boom := errors.New("primary down")
	legacy := &fakeStore{name: "legacy", getItem: func(ctx context.Context, _ uuid.UUID) (ItemRecord, error) {
		return ItemRecord{}, boom
	}}
	secondaryCalled := false
	target := &fakeStore{name: "target", getItem: func(ctx context.Context, _ uuid.UUID) (ItemRecord, error) {
		secondaryCalled = true
		return ItemRecord{}, nil
	}}
	spy := &recorderSpy{}
	sel := newTestSelector(testFlags(func(f *config.FeatureFlagSet) { f.ShadowReadEnabled = true }), legacy, target, spy)

	_, err := sel.GetItem(context.Background(), uuid.New())
	require.ErrorIs(t, err, boom)

	time.Sleep(50 * time.Millisecond)
	require.False(t, secondaryCalled, "no shadow read after a primary failure")
}

func TestCountItemsShadowReadUsesRowCountPolicy(t *testing.T) {
	legacy := &fakeStore{name: "legacy", countItems: func(ctx context.Context) (int64, error) { return 100, nil }}
	target := &fakeStore{name: "target", countItems: func(ctx context.Context) (int64, error) { return 97, nil }}
	spy := &recorderSpy{}
	sel := newTestSelector(testFlags(func(f *config.FeatureFlagSet) { f.ShadowReadEnabled = true }), legacy, target, spy)

	count, err := sel.CountItems(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 100, count)

	require.Eventually(t, func() bool { return spy.count() == 1 }, time.Second, 5*time.Millisecond)
	got := spy.snapshot()[0]
	require.Equal(t, "count_items", got.op)
	require.Equal(t, "row_count", got.diffs[0].Field)
}

func TestFlushDualWriteReplaysAppliedDeltasOnly(t *testing.T) {
	applied := CounterDelta{ItemID: uuid.New(), Count: 3, Applied: true}
	orphaned := CounterDelta{ItemID: uuid.New(), Count: 2, Applied: false}
	outcome := outcomeFromDeltas([]CounterDelta{applied, orphaned})

	legacy := &fakeStore{name: "legacy", flush: func(ctx context.Context, kind types.CounterKind) (FlushOutcome, error) {
		return outcome, nil
	}}

	var mu sync.Mutex
	var replayed []CounterDelta
	target := &fakeStore{name: "target", applyDeltas: func(ctx context.Context, kind types.CounterKind, deltas []CounterDelta) (int64, error) {
		mu.Lock()
		replayed = append(replayed, deltas...)
		mu.Unlock()
		return int64(len(deltas)), nil
	}}
	spy := &recorderSpy{}
	sel := newTestSelector(testFlags(func(f *config.FeatureFlagSet) { f.DualWriteEnabled = true }), legacy, target, spy)

	out, err := sel.FlushCounterEvents(context.Background(), types.CounterKindView)
	require.NoError(t, err)
	require.EqualValues(t, 5, out.EventsFlushed)
	require.EqualValues(t, 1, out.EntitiesUpdated)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(replayed) == 1
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	require.Equal(t, applied.ItemID, replayed[0].ItemID, "orphaned deltas must not be replayed")
	mu.Unlock()

	time.Sleep(50 * time.Millisecond)
	require.Zero(t, spy.count(), "matching replay must not log divergence")
}

func TestFlushDualWriteSecondaryFailureInvisible(t *testing.T) {
	outcome := outcomeFromDeltas([]CounterDelta{{ItemID: uuid.New(), Count: 4, Applied: true}})
	legacy := &fakeStore{name: "legacy", flush: func(ctx context.Context, kind types.CounterKind) (FlushOutcome, error) {
		return outcome, nil
	}}
	target := &fakeStore{name: "target", applyDeltas: func(ctx context.Context, kind types.CounterKind, deltas []CounterDelta) (int64, error) {
		return 0, errors.New("target down")
	}}
	spy := &recorderSpy{}
	sel := newTestSelector(testFlags(func(f *config.FeatureFlagSet) { f.DualWriteEnabled = true }), legacy, target, spy)

	out, err := sel.FlushCounterEvents(context.Background(), types.CounterKindCopy)
	require.NoError(t, err, "secondary failure must not surface to the caller")
	require.EqualValues(t, 4, out.EventsFlushed)

	require.Eventually(t, func() bool { return spy.count() == 1 }, time.Second, 5*time.Millisecond)
	got := spy.snapshot()[0]
	require.Equal(t, "flush_copy", got.op)
	require.Equal(t, "secondary_error", got.diffs[0].Field)
}

func TestFlushDualWriteRecordsAffectedMismatch(t *testing.T) {
	outcome := outcomeFromDeltas([]CounterDelta{
		{ItemID: uuid.New(), Count: 1, Applied: true},
		{ItemID: uuid.New(), Count: 1, Applied: true},
	})
	legacy := &fakeStore{name: "legacy", flush: func(ctx context.Context, kind types.CounterKind) (FlushOutcome, error) {
		return outcome, nil
	}}
	target := &fakeStore{name: "target", applyDeltas: func(ctx context.Context, kind types.CounterKind, deltas []CounterDelta) (int64, error) {
		return 1, nil
	}}
	spy := &recorderSpy{}
	sel := newTestSelector(testFlags(func(f *config.FeatureFlagSet) { f.DualWriteEnabled = true }), legacy, target, spy)

	_, err := sel.FlushCounterEvents(context.Background(), types.CounterKindView)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return spy.count() == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, "entities_updated", spy.snapshot()[0].diffs[0].Field)
}

func TestSingleBackendModeNeverTouchesSecondary(t *testing.T) {
	legacy := &fakeStore{name: "legacy", getItem: func(ctx context.Context, _ uuid.UUID) (ItemRecord, error) {
		return ItemRecord{Exists: true}, nil
	}}
	target := &fakeStore{name: "target", getItem: func(ctx context.Context, _ uuid.UUID) (ItemRecord, error) {
		t.Errorf("secondary touched in single-backend mode")
		return ItemRecord{}, nil
	}}
	spy := &recorderSpy{}
	sel := newTestSelector(testFlags(nil), legacy, target, spy)

	_, err := sel.GetItem(context.Background(), uuid.New())
	require.NoError(t, err)
	_, err = sel.FlushCounterEvents(context.Background(), types.CounterKindView)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	require.Zero(t, spy.count())
}

func TestShadowModeWithoutTargetConfigured(t *testing.T) {
	legacy := &fakeStore{name: "legacy", getItem: func(ctx context.Context, _ uuid.UUID) (ItemRecord, error) {
		return ItemRecord{Exists: true}, nil
	}}
	spy := &recorderSpy{}
	sel := newTestSelector(testFlags(func(f *config.FeatureFlagSet) { f.ShadowReadEnabled = true }), legacy, nil, spy)

	_, err := sel.GetItem(context.Background(), uuid.New())
	require.NoError(t, err)
	require.Same(t, sel.Legacy(), sel.Primary())
}

func TestPrimaryFollowsFlag(t *testing.T) {
	legacy := &fakeStore{name: "legacy"}
	target := &fakeStore{name: "target"}
	spy := &recorderSpy{}

	sel := newTestSelector(testFlags(func(f *config.FeatureFlagSet) { f.PrimaryBackend = config.BackendTarget }), legacy, target, spy)
	require.Equal(t, "target", sel.Primary().Name())

	// A target flag without a configured target store falls back to legacy.
	sel = newTestSelector(testFlags(func(f *config.FeatureFlagSet) { f.PrimaryBackend = config.BackendTarget }), legacy, nil, spy)
	require.Equal(t, "legacy", sel.Primary().Name())
}
