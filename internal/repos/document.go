package repos

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/ipsibridge-backend/internal/logger"
	"github.com/yungbote/ipsibridge-backend/internal/types"
)

type DocumentRepo interface {
	ListBySchool(ctx context.Context, tx *gorm.DB, schoolName string) ([]*types.Document, error)
	GetByIDs(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) ([]*types.Document, error)
	ListSchoolNames(ctx context.Context, tx *gorm.DB) ([]string, error)
}

type documentRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewDocumentRepo(db *gorm.DB, baseLog *logger.Logger) DocumentRepo {
	return &documentRepo{db: db, log: baseLog.With("repo", "DocumentRepo")}
}

func (r *documentRepo) ListBySchool(ctx context.Context, tx *gorm.DB, schoolName string) ([]*types.Document, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	schoolName = strings.TrimSpace(schoolName)
	var out []*types.Document
	if schoolName == "" {
		return out, nil
	}
	if err := transaction.WithContext(ctx).
		Where("school_name = ?", schoolName).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *documentRepo) GetByIDs(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) ([]*types.Document, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.Document
	if len(ids) == 0 {
		return out, nil
	}
	if err := transaction.WithContext(ctx).
		Where("id IN ?", ids).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *documentRepo) ListSchoolNames(ctx context.Context, tx *gorm.DB) ([]string, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []string
	if err := transaction.WithContext(ctx).
		Model(&types.Document{}).
		Distinct("school_name").
		Order("school_name ASC").
		Pluck("school_name", &out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
