package repos

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/yungbote/ipsibridge-backend/internal/logger"
	"github.com/yungbote/ipsibridge-backend/internal/types"
)

type UsageCounterRepo interface {
	// IncrementIfBelow atomically bumps the (kind, key, day) counter and
	// reports whether the increment was admitted. The whole decision is
	// one SQL statement: a lost race can never overshoot the limit.
	IncrementIfBelow(ctx context.Context, kind, keyID, day string, limit int64) (count int64, allowed bool, err error)
	Get(ctx context.Context, kind, keyID, day string) (int64, error)
	PruneBefore(ctx context.Context, day string) (int64, error)
}

type usageCounterRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewUsageCounterRepo(db *gorm.DB, baseLog *logger.Logger) UsageCounterRepo {
	return &usageCounterRepo{db: db, log: baseLog.With("repo", "UsageCounterRepo")}
}

func (r *usageCounterRepo) IncrementIfBelow(ctx context.Context, kind, keyID, day string, limit int64) (int64, bool, error) {
	if kind == "" || keyID == "" || day == "" {
		return 0, false, fmt.Errorf("missing counter key")
	}
	if limit <= 0 {
		count, err := r.Get(ctx, kind, keyID, day)
		return count, false, err
	}

	// Upsert with a guarded DO UPDATE: when the row is already at the
	// limit the WHERE clause fails, nothing is written and RETURNING
	// yields no row. First insert admits count=1 (limit >= 1 here).
	now := nowUTC()
	row := r.db.WithContext(ctx).Raw(`
		INSERT INTO usage_counters (id, key_kind, key_id, day, count, created_at, updated_at)
		VALUES (?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT (key_kind, key_id, day)
		DO UPDATE SET count = usage_counters.count + 1, updated_at = ?
		WHERE usage_counters.count < ?
		RETURNING count
	`, uuid.New(), kind, keyID, day, now, now, now, limit).Row()

	var count int64
	if err := row.Scan(&count); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Denied: read back the standing count for the caller.
			current, gerr := r.Get(ctx, kind, keyID, day)
			if gerr != nil {
				return limit, false, nil
			}
			return current, false, nil
		}
		// A concurrent first insert can surface as a unique violation on
		// some drivers instead of taking the conflict path; retry once.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return r.IncrementIfBelow(ctx, kind, keyID, day, limit)
		}
		return 0, false, err
	}
	return count, true, nil
}

func (r *usageCounterRepo) Get(ctx context.Context, kind, keyID, day string) (int64, error) {
	var row types.UsageCounter
	err := r.db.WithContext(ctx).
		Where("key_kind = ? AND key_id = ? AND day = ?", kind, keyID, day).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return row.Count, nil
}

func (r *usageCounterRepo) PruneBefore(ctx context.Context, day string) (int64, error) {
	res := r.db.WithContext(ctx).Where("day < ?", day).Delete(&types.UsageCounter{})
	return res.RowsAffected, res.Error
}
