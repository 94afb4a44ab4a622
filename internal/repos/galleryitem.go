package repos

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/openmuse/gallery-backend/internal/pkg/apperr"
	"github.com/openmuse/gallery-backend/internal/platform/logger"
	"github.com/openmuse/gallery-backend/internal/types"
)

type GalleryItemRepo interface {
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.GalleryItem, error)
	List(ctx context.Context, tx *gorm.DB, limit, offset int) ([]*types.GalleryItem, error)
	Count(ctx context.Context, tx *gorm.DB) (int64, error)
	AddToCounters(ctx context.Context, tx *gorm.DB, kind types.CounterKind, deltas map[uuid.UUID]int64) (int64, error)
}

type galleryItemRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewGalleryItemRepo(db *gorm.DB, baseLog *logger.Logger) GalleryItemRepo {
	repoLog := baseLog.With("repo", "GalleryItemRepo")
	return &galleryItemRepo{db: db, log: repoLog}
}

// GetByID returns (nil, nil) for a missing item so that the dual-backend
// comparison can treat absence as a material field rather than an error.
func (r *galleryItemRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.GalleryItem, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	if id == uuid.Nil {
		return nil, nil
	}

	var item types.GalleryItem
	if err := transaction.WithContext(ctx).
		Where("id = ?", id).
		First(&item).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &item, nil
}

func (r *galleryItemRepo) List(ctx context.Context, tx *gorm.DB, limit, offset int) ([]*types.GalleryItem, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	var results []*types.GalleryItem
	if limit <= 0 {
		return results, nil
	}

	if err := transaction.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (r *galleryItemRepo) Count(ctx context.Context, tx *gorm.DB) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	var count int64
	if err := transaction.WithContext(ctx).
		Model(&types.GalleryItem{}).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// AddToCounters applies pre-aggregated increments to the counter column of
// the given kind. Used for the dual-write replay of flush deltas onto the
// secondary side; items deleted since the delta was computed are skipped.
func (r *galleryItemRepo) AddToCounters(ctx context.Context, tx *gorm.DB, kind types.CounterKind, deltas map[uuid.UUID]int64) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	if len(deltas) == 0 {
		return 0, nil
	}

	column, ok := kind.Column()
	if !ok {
		return 0, fmt.Errorf("%w: counter kind %q", apperr.ErrInvalidArgument, kind)
	}

	var affected int64
	err := transaction.WithContext(ctx).Transaction(func(inner *gorm.DB) error {
		for itemID, n := range deltas {
			if n == 0 {
				continue
			}
			res := inner.Model(&types.GalleryItem{}).
				Where("id = ?", itemID).
				Update(column, gorm.Expr(column+" + ?", n))
			if res.Error != nil {
				return res.Error
			}
			affected += res.RowsAffected
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return affected, nil
}
