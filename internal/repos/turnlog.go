package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/ipsibridge-backend/internal/logger"
	"github.com/yungbote/ipsibridge-backend/internal/types"
)

type TurnLogRepo interface {
	Create(ctx context.Context, tx *gorm.DB, log *types.TurnLog) error
}

type turnLogRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTurnLogRepo(db *gorm.DB, baseLog *logger.Logger) TurnLogRepo {
	return &turnLogRepo{db: db, log: baseLog.With("repo", "TurnLogRepo")}
}

func (r *turnLogRepo) Create(ctx context.Context, tx *gorm.DB, entry *types.TurnLog) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	return transaction.WithContext(ctx).Create(entry).Error
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
