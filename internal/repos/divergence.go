package repos

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/openmuse/gallery-backend/internal/platform/logger"
	"github.com/openmuse/gallery-backend/internal/types"
)

type DivergenceRepo interface {
	Create(ctx context.Context, tx *gorm.DB, records []*types.DivergenceRecord) error
	Recent(ctx context.Context, tx *gorm.DB, limit int) ([]*types.DivergenceRecord, error)
	CountSince(ctx context.Context, tx *gorm.DB, since time.Time) (int64, error)
	PruneBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time) (int64, error)
}

type divergenceRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewDivergenceRepo(db *gorm.DB, baseLog *logger.Logger) DivergenceRepo {
	repoLog := baseLog.With("repo", "DivergenceRepo")
	return &divergenceRepo{db: db, log: repoLog}
}

func (r *divergenceRepo) Create(ctx context.Context, tx *gorm.DB, records []*types.DivergenceRecord) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	if len(records) == 0 {
		return nil
	}

	if err := transaction.WithContext(ctx).Create(&records).Error; err != nil {
		return err
	}
	return nil
}

func (r *divergenceRepo) Recent(ctx context.Context, tx *gorm.DB, limit int) ([]*types.DivergenceRecord, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	var results []*types.DivergenceRecord
	if limit <= 0 {
		return results, nil
	}

	if err := transaction.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (r *divergenceRepo) CountSince(ctx context.Context, tx *gorm.DB, since time.Time) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	var count int64
	if err := transaction.WithContext(ctx).
		Model(&types.DivergenceRecord{}).
		Where("created_at >= ?", since).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

func (r *divergenceRepo) PruneBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	res := transaction.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&types.DivergenceRecord{})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
