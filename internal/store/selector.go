package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/openmuse/gallery-backend/internal/config"
	"github.com/openmuse/gallery-backend/internal/divergence"
	"github.com/openmuse/gallery-backend/internal/platform/logger"
	"github.com/openmuse/gallery-backend/internal/types"
)

// Selector routes every operation to the flag-chosen primary backend and,
// depending on mode, mirrors it against the secondary:
//
//   - single-backend: only the primary is touched.
//   - shadow-read: reads are re-issued against the secondary off the
//     critical path, compared, and mismatches logged as divergence. The
//     secondary result is never returned to a caller.
//   - dual-write: flush deltas are replayed onto the secondary; the
//     primary result stays authoritative and secondary failures are
//     logged, never surfaced.
//
// Secondary calls carry a bounded timeout detached from the caller's
// context; a late result is discarded and logged as a timeout divergence.
// Primary errors always propagate.
type Selector struct {
	flags  config.FeatureFlagSet
	legacy ContentStore
	target ContentStore
	div    divergence.Recorder
	cmp    *Comparator
	log    *logger.Logger
}

func NewSelector(flags config.FeatureFlagSet, legacy, target ContentStore, div divergence.Recorder, cmp *Comparator, baseLog *logger.Logger) *Selector {
	return &Selector{
		flags:  flags,
		legacy: legacy,
		target: target,
		div:    div,
		cmp:    cmp,
		log:    baseLog.With("service", "BackendSelector"),
	}
}

func (s *Selector) Flags() config.FeatureFlagSet { return s.flags }

// Legacy and Target expose the raw stores for read-only health probes.
func (s *Selector) Legacy() ContentStore { return s.legacy }
func (s *Selector) Target() ContentStore { return s.target }

// Primary returns the authoritative store for this process lifetime.
func (s *Selector) Primary() ContentStore {
	if s.flags.PrimaryBackend == config.BackendTarget && s.target != nil {
		return s.target
	}
	return s.legacy
}

// secondary returns nil unless a dual-backend mode is on and the other
// store is actually configured.
func (s *Selector) secondary() ContentStore {
	if !s.flags.SecondaryActive() {
		return nil
	}
	if s.flags.PrimaryBackend == config.BackendTarget {
		return s.legacy
	}
	return s.target
}

func (s *Selector) GetItem(ctx context.Context, id uuid.UUID) (ItemRecord, error) {
	rec, err := s.Primary().GetItem(ctx, id)
	if err != nil {
		return ItemRecord{}, err
	}
	if s.flags.ShadowReadEnabled {
		if sec := s.secondary(); sec != nil {
			s.shadowItem(sec, "get_item", id, rec)
		}
	}
	return rec, nil
}

// ListItems reads from the primary only. Paged listings are too
// order-sensitive to shadow usefully; CountItems covers the bulk check.
func (s *Selector) ListItems(ctx context.Context, limit, offset int) ([]ItemRecord, error) {
	return s.Primary().ListItems(ctx, limit, offset)
}

func (s *Selector) CountItems(ctx context.Context) (int64, error) {
	count, err := s.Primary().CountItems(ctx)
	if err != nil {
		return 0, err
	}
	if s.flags.ShadowReadEnabled {
		if sec := s.secondary(); sec != nil {
			s.shadowCount(sec, "count_items", count)
		}
	}
	return count, nil
}

// AppendCounterEvent buffers an increment in the primary store only. The
// secondary's counters are kept current by dual-written flush deltas, so
// mirroring raw events would double count.
func (s *Selector) AppendCounterEvent(ctx context.Context, event *types.CounterEvent) error {
	return s.Primary().AppendCounterEvent(ctx, event)
}

func (s *Selector) FlushCounterEvents(ctx context.Context, kind types.CounterKind) (FlushOutcome, error) {
	out, err := s.Primary().FlushCounterEvents(ctx, kind)
	if err != nil {
		return FlushOutcome{}, err
	}
	if s.flags.DualWriteEnabled && len(out.Deltas) > 0 {
		if sec := s.secondary(); sec != nil {
			s.replayDeltas(sec, kind, out)
		}
	}
	return out, nil
}

func (s *Selector) DeleteCounterEventsBefore(ctx context.Context, kind types.CounterKind, cutoff time.Time) (int64, error) {
	return s.Primary().DeleteCounterEventsBefore(ctx, kind, cutoff)
}

func (s *Selector) PendingCounterEvents(ctx context.Context, kind types.CounterKind) (int64, error) {
	return s.Primary().PendingCounterEvents(ctx, kind)
}

// shadowItem re-reads id from the secondary off the critical path and
// records any material difference.
func (s *Selector) shadowItem(sec ContentStore, op string, id uuid.UUID, primary ItemRecord) {
	go s.withSecondary(op, func(ctx context.Context) []divergence.FieldDiff {
		rec, err := sec.GetItem(ctx, id)
		if err != nil {
			return secondaryErrorDiff(err)
		}
		return s.cmp.CompareItems(primary, rec)
	})
}

func (s *Selector) shadowCount(sec ContentStore, op string, primary int64) {
	go s.withSecondary(op, func(ctx context.Context) []divergence.FieldDiff {
		count, err := sec.CountItems(ctx)
		if err != nil {
			return secondaryErrorDiff(err)
		}
		return s.cmp.CompareRowCounts(primary, count)
	})
}

// replayDeltas applies a flush's applied deltas to the secondary and
// records a divergence when the secondary touched a different number of
// rows than the primary did.
func (s *Selector) replayDeltas(sec ContentStore, kind types.CounterKind, out FlushOutcome) {
	applied := make([]CounterDelta, 0, len(out.Deltas))
	for _, d := range out.Deltas {
		if d.Applied {
			applied = append(applied, d)
		}
	}
	if len(applied) == 0 {
		return
	}
	op := "flush_" + string(kind)
	go s.withSecondary(op, func(ctx context.Context) []divergence.FieldDiff {
		affected, err := sec.ApplyCounterDeltas(ctx, kind, applied)
		if err != nil {
			return secondaryErrorDiff(err)
		}
		if affected != out.EntitiesUpdated {
			return []divergence.FieldDiff{{Field: "entities_updated", Primary: out.EntitiesUpdated, Secondary: affected}}
		}
		return nil
	})
}

// withSecondary runs one secondary call inside its own error boundary with
// a bounded timeout detached from the caller. When the bound is exceeded
// the eventual result is discarded and the timeout itself is recorded as
// divergence.
func (s *Selector) withSecondary(op string, call func(ctx context.Context) []divergence.FieldDiff) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("secondary call panicked", "operation", op, "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.flags.SecondaryTimeout)
	defer cancel()

	done := make(chan []divergence.FieldDiff, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("secondary call panicked", "operation", op, "panic", r)
			}
		}()
		done <- call(ctx)
	}()

	select {
	case diffs := <-done:
		if len(diffs) > 0 {
			s.div.Record(op, diffs)
		}
	case <-ctx.Done():
		s.div.Record(op, []divergence.FieldDiff{{
			Field:     "timeout",
			Secondary: "secondary call exceeded " + s.flags.SecondaryTimeout.String(),
		}})
	}
}

func secondaryErrorDiff(err error) []divergence.FieldDiff {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return []divergence.FieldDiff{{Field: "timeout", Secondary: err.Error()}}
	}
	return []divergence.FieldDiff{{Field: "secondary_error", Secondary: err.Error()}}
}
