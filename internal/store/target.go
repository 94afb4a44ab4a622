package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openmuse/gallery-backend/internal/pkg/apperr"
	"github.com/openmuse/gallery-backend/internal/platform/logger"
	"github.com/openmuse/gallery-backend/internal/types"
)

// targetStore serves the migration-target database through pgx with raw
// SQL. The schema mirrors the legacy tables; the migration tooling keeps
// the historical rows in sync, this store handles live traffic.
type targetStore struct {
	pool *pgxpool.Pool
	log  *logger.Logger
}

func NewTargetStore(pool *pgxpool.Pool, baseLog *logger.Logger) ContentStore {
	return &targetStore{pool: pool, log: baseLog.With("store", "target")}
}

func (s *targetStore) Name() string { return "target" }

func (s *targetStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const targetItemColumns = `id, slug, title, view_count, copy_count, updated_at`

func (s *targetStore) GetItem(ctx context.Context, id uuid.UUID) (ItemRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+targetItemColumns+` FROM gallery_item WHERE id = $1 AND deleted_at IS NULL`, id)
	rec, err := scanItemRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ItemRecord{Exists: false, ID: id}, nil
		}
		return ItemRecord{}, err
	}
	return rec, nil
}

func (s *targetStore) ListItems(ctx context.Context, limit, offset int) ([]ItemRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+targetItemColumns+` FROM gallery_item WHERE deleted_at IS NULL
		 ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []ItemRecord
	for rows.Next() {
		rec, err := scanItemRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *targetStore) CountItems(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM gallery_item WHERE deleted_at IS NULL`).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *targetStore) ApplyCounterDeltas(ctx context.Context, kind types.CounterKind, deltas []CounterDelta) (int64, error) {
	if len(deltas) == 0 {
		return 0, nil
	}
	column, ok := kind.Column()
	if !ok {
		return 0, fmt.Errorf("%w: counter kind %q", apperr.ErrInvalidArgument, kind)
	}

	ids := make([]string, 0, len(deltas))
	counts := make([]int64, 0, len(deltas))
	for _, d := range deltas {
		if d.Count == 0 {
			continue
		}
		ids = append(ids, d.ItemID.String())
		counts = append(counts, d.Count)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	query := fmt.Sprintf(`
		UPDATE gallery_item AS gi
		SET %s = gi.%s + d.n, updated_at = NOW()
		FROM (SELECT unnest($1::uuid[]) AS id, unnest($2::bigint[]) AS n) AS d
		WHERE gi.id = d.id AND gi.deleted_at IS NULL
	`, column, column)

	tag, err := s.pool.Exec(ctx, query, ids, counts)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *targetStore) AppendCounterEvent(ctx context.Context, event *types.CounterEvent) error {
	id := event.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO counter_event (id, item_id, kind, source_hint, created_at)
		 VALUES ($1, $2, $3, $4, NOW())`,
		id, event.ItemID, string(event.Kind), event.SourceHint)
	return err
}

func (s *targetStore) FlushCounterEvents(ctx context.Context, kind types.CounterKind) (FlushOutcome, error) {
	column, ok := kind.Column()
	if !ok {
		return FlushOutcome{}, fmt.Errorf("%w: counter kind %q", apperr.ErrInvalidArgument, kind)
	}

	query := fmt.Sprintf(`
		WITH consumed AS (
			DELETE FROM counter_event WHERE kind = $1 RETURNING item_id
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

	rows, err := s.pool.Query(ctx, query, string(kind))
	if err != nil {
		return FlushOutcome{}, err
	}
	defer rows.Close()

	var deltas []CounterDelta
	for rows.Next() {
		var d CounterDelta
		if err := rows.Scan(&d.ItemID, &d.Count, &d.Applied); err != nil {
			return FlushOutcome{}, err
		}
		deltas = append(deltas, d)
	}
	if err := rows.Err(); err != nil {
		return FlushOutcome{}, err
	}
	return outcomeFromDeltas(deltas), nil
}

func (s *targetStore) DeleteCounterEventsBefore(ctx context.Context, kind types.CounterKind, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM counter_event WHERE kind = $1 AND created_at < $2`, string(kind), cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *targetStore) PendingCounterEvents(ctx context.Context, kind types.CounterKind) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM counter_event WHERE kind = $1`, string(kind)).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

func scanItemRecord(row pgx.Row) (ItemRecord, error) {
	var rec ItemRecord
	if err := row.Scan(&rec.ID, &rec.Slug, &rec.Title, &rec.ViewCount, &rec.CopyCount, &rec.UpdatedAt); err != nil {
		return ItemRecord{}, err
	}
	rec.Exists = true
	return rec, nil
}
