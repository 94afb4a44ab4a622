package divergence

import (
	"context"
	"encoding/json"
	"time"

	"github.com/openmuse/gallery-backend/internal/platform/logger"
	"github.com/openmuse/gallery-backend/internal/repos"
	"github.com/openmuse/gallery-backend/internal/types"
)

// FieldDiff is one materially-different field between the two backends.
type FieldDiff struct {
	Field     string      `json:"field"`
	Primary   interface{} `json:"primary"`
	Secondary interface{} `json:"secondary"`
}

// Recorder is the write side of the divergence log. Record must never
// block the caller and must never surface an error; implementations own
// their failure handling.
type Recorder interface {
	Record(operation string, diffs []FieldDiff)
}

// Logger persists divergence records to the legacy database. Writes are
// dispatched on their own goroutine with their own deadline so a slow or
// broken log can never stall the primary operation.
type Logger struct {
	repo    repos.DivergenceRepo
	log     *logger.Logger
	timeout time.Duration
}

func NewLogger(repo repos.DivergenceRepo, baseLog *logger.Logger) *Logger {
	return &Logger{
		repo:    repo,
		log:     baseLog.With("service", "DivergenceLogger"),
		timeout: 5 * time.Second,
	}
}

func (l *Logger) Record(operation string, diffs []FieldDiff) {
	if len(diffs) == 0 {
		return
	}
	raw, err := json.Marshal(diffs)
	if err != nil {
		l.log.Warn("divergence diff marshal failed", "operation", operation, "error", err)
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				l.log.Error("divergence record panicked", "operation", operation, "panic", r)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
		defer cancel()
		rec := &types.DivergenceRecord{Operation: operation, Diff: raw}
		if err := l.repo.Create(ctx, nil, []*types.DivergenceRecord{rec}); err != nil {
			l.log.Warn("divergence record write failed", "operation", operation, "error", err)
			return
		}
		l.log.Info("backend divergence detected", "operation", operation, "fields", len(diffs))
	}()
}

// Recent returns the n most recent records, newest first.
func (l *Logger) Recent(ctx context.Context, n int) ([]*types.DivergenceRecord, error) {
	return l.repo.Recent(ctx, nil, n)
}

func (l *Logger) CountSince(ctx context.Context, since time.Time) (int64, error) {
	return l.repo.CountSince(ctx, nil, since)
}

func (l *Logger) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return l.repo.PruneBefore(ctx, nil, cutoff)
}
