package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/ipsibridge-backend/internal/logger"
	"github.com/yungbote/ipsibridge-backend/internal/types"
)

type SessionRepo interface {
	Create(ctx context.Context, tx *gorm.DB, session *types.Session) (*types.Session, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Session, error)
	ListByPrincipal(ctx context.Context, tx *gorm.DB, kind, principalID string, limit int) ([]*types.Session, error)
	UpdateTitle(ctx context.Context, tx *gorm.DB, id uuid.UUID, title string) error
	Touch(ctx context.Context, tx *gorm.DB, id uuid.UUID, at time.Time) error
	Delete(ctx context.Context, tx *gorm.DB, id uuid.UUID) error
}

type sessionRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewSessionRepo(db *gorm.DB, baseLog *logger.Logger) SessionRepo {
	return &sessionRepo{db: db, log: baseLog.With("repo", "SessionRepo")}
}

func (r *sessionRepo) Create(ctx context.Context, tx *gorm.DB, session *types.Session) (*types.Session, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if session.ID == uuid.Nil {
		session.ID = uuid.New()
	}
	// Assign timestamps here rather than leaning on the column default:
	// gorm omits zero values for defaulted columns, which would hand the
	// caller a session with zero created_at.
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	if session.UpdatedAt.IsZero() {
		session.UpdatedAt = now
	}
	if err := transaction.WithContext(ctx).Create(session).Error; err != nil {
		return nil, err
	}
	return session, nil
}

func (r *sessionRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Session, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out types.Session
	err := transaction.WithContext(ctx).Where("id = ?", id).First(&out).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &out, nil
}

func (r *sessionRepo) ListByPrincipal(ctx context.Context, tx *gorm.DB, kind, principalID string, limit int) ([]*types.Session, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if limit <= 0 || limit > 200 {
		limit = 100
	}
	var out []*types.Session
	err := transaction.WithContext(ctx).
		Where("principal_kind = ? AND principal_id = ?", kind, principalID).
		Order("updated_at DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *sessionRepo) UpdateTitle(ctx context.Context, tx *gorm.DB, id uuid.UUID, title string) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(ctx).
		Model(&types.Session{}).
		Where("id = ?", id).
		Updates(map[string]any{"title": title, "updated_at": time.Now().UTC()}).Error
}

func (r *sessionRepo) Touch(ctx context.Context, tx *gorm.DB, id uuid.UUID, at time.Time) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(ctx).
		Model(&types.Session{}).
		Where("id = ? AND updated_at < ?", id, at).
		Update("updated_at", at).Error
}

func (r *sessionRepo) Delete(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	// Messages cascade via FK; delete explicitly as well so SQLite test
	// databases without the constraint behave the same.
	if err := transaction.WithContext(ctx).Where("session_id = ?", id).Delete(&types.Message{}).Error; err != nil {
		return err
	}
	return transaction.WithContext(ctx).Where("id = ?", id).Delete(&types.Session{}).Error
}
