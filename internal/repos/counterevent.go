package repos

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/openmuse/gallery-backend/internal/pkg/apperr"
	"github.com/openmuse/gallery-backend/internal/platform/logger"
	"github.com/openmuse/gallery-backend/internal/types"
)

// FlushRow is one per-item group produced by ConsumeAndApply. Applied is
// false when the consumed events pointed at an item that no longer exists.
type FlushRow struct {
	ItemID  uuid.UUID `gorm:"column:item_id"`
	Count   int64     `gorm:"column:n"`
	Applied bool      `gorm:"column:applied"`
}

type CounterEventRepo interface {
	Append(ctx context.Context, tx *gorm.DB, events []*types.CounterEvent) error
	PendingCount(ctx context.Context, tx *gorm.DB, kind types.CounterKind) (int64, error)
	DeleteUnflushedBefore(ctx context.Context, tx *gorm.DB, kind types.CounterKind, cutoff time.Time) (int64, error)
	ConsumeAndApply(ctx context.Context, tx *gorm.DB, kind types.CounterKind) ([]FlushRow, error)
}

type counterEventRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewCounterEventRepo(db *gorm.DB, baseLog *logger.Logger) CounterEventRepo {
	repoLog := baseLog.With("repo", "CounterEventRepo")
	return &counterEventRepo{db: db, log: repoLog}
}

func (r *counterEventRepo) Append(ctx context.Context, tx *gorm.DB, events []*types.CounterEvent) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	if len(events) == 0 {
		return nil
	}

	if err := transaction.WithContext(ctx).Create(&events).Error; err != nil {
		return err
	}
	return nil
}

func (r *counterEventRepo) PendingCount(ctx context.Context, tx *gorm.DB, kind types.CounterKind) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	var count int64
	if err := transaction.WithContext(ctx).
		Model(&types.CounterEvent{}).
		Where("kind = ?", kind).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

func (r *counterEventRepo) DeleteUnflushedBefore(ctx context.Context, tx *gorm.DB, kind types.CounterKind, cutoff time.Time) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	res := transaction.WithContext(ctx).
		Where("kind = ? AND created_at < ?", kind, cutoff).
		Delete(&types.CounterEvent{})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

// ConsumeAndApply groups pending events of one kind, adds the increments to
// each item's counter and deletes the consumed events, all in one
// server-side statement. The data-modifying CTE is what makes concurrent
// flushes safe: a second flush sees no rows left to delete, so nothing is
// ever double counted.
func (r *counterEventRepo) ConsumeAndApply(ctx context.Context, tx *gorm.DB, kind types.CounterKind) ([]FlushRow, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	column, ok := kind.Column()
	if !ok {
		return nil, fmt.Errorf("%w: counter kind %q", apperr.ErrInvalidArgument, kind)
	}

	query := fmt.Sprintf(`
		WITH consumed AS (
			DELETE FROM counter_event WHERE kind = ? RETURNING item_id
		), grouped AS (
			SELECT item_id, COUNT(*)::bigint AS n FROM consumed GROUP BY item_id
		), applied AS (
			UPDATE gallery_item AS gi
			SET %s = gi.%s + g.n, updated_at = NOW()
			FROM grouped AS g
			WHERE gi.id = g.item_id AND gi.deleted_at IS NULL
			RETURNING gi.id
		)
		SELECT g.item_id, g.n, (a.id IS NOT NULL) AS applied
		FROM grouped AS g
		LEFT JOIN applied AS a ON a.id = g.item_id
	`, column, column)

	var rows []FlushRow
	if err := transaction.WithContext(ctx).Raw(query, kind).Scan(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
