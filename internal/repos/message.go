package repos

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/yungbote/ipsibridge-backend/internal/logger"
	"github.com/yungbote/ipsibridge-backend/internal/types"
)

type MessageRepo interface {
	// Append inserts a message with the next per-session sequence number.
	// Appends within one session are serialized by the row-level write
	// lock taken when next_seq is bumped, so seq and created_at are
	// strictly increasing per session.
	Append(ctx context.Context, sessionID uuid.UUID, role, content string, sources, sourceURLs []string) (*types.Message, error)
	ListBySession(ctx context.Context, tx *gorm.DB, sessionID uuid.UUID, limit int, afterSeq *int64) ([]*types.Message, error)
	ListRecent(ctx context.Context, tx *gorm.DB, sessionID uuid.UUID, n int) ([]*types.Message, error)
}

type messageRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewMessageRepo(db *gorm.DB, baseLog *logger.Logger) MessageRepo {
	return &messageRepo{db: db, log: baseLog.With("repo", "MessageRepo")}
}

func (r *messageRepo) Append(ctx context.Context, sessionID uuid.UUID, role, content string, sources, sourceURLs []string) (*types.Message, error) {
	if sessionID == uuid.Nil {
		return nil, fmt.Errorf("missing session id")
	}
	if role != types.MessageRoleUser && role != types.MessageRoleAssistant {
		return nil, fmt.Errorf("invalid role %q", role)
	}

	var msg *types.Message
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()

		// Bump next_seq first: the write lock on the session row holds
		// until commit and serializes concurrent appends.
		var seq int64
		row := tx.Raw(
			`UPDATE sessions SET next_seq = next_seq + 1, updated_at = ? WHERE id = ? RETURNING next_seq`,
			now, sessionID,
		).Row()
		if err := row.Scan(&seq); err != nil {
			return fmt.Errorf("session not found: %w", err)
		}

		// created_at must be strictly increasing even when the clock
		// resolution collapses two appends onto the same instant. Read
		// the latest message through the model (not an aggregate) so the
		// timestamp is converted via the struct field type on drivers
		// that report no declared type for expressions (SQLite).
		var lastMsg types.Message
		lastErr := tx.Model(&types.Message{}).
			Where("session_id = ?", sessionID).
			Order("seq DESC").
			Limit(1).
			First(&lastMsg).Error
		if lastErr != nil && !errors.Is(lastErr, gorm.ErrRecordNotFound) {
			return lastErr
		}
		createdAt := now
		if lastErr == nil && !createdAt.After(lastMsg.CreatedAt) {
			createdAt = lastMsg.CreatedAt.Add(time.Microsecond)
		}

		srcJSON, err := marshalStrings(sources)
		if err != nil {
			return err
		}
		urlJSON, err := marshalStrings(sourceURLs)
		if err != nil {
			return err
		}

		msg = &types.Message{
			ID:         uuid.New(),
			SessionID:  sessionID,
			Seq:        seq,
			Role:       role,
			Content:    content,
			Sources:    srcJSON,
			SourceURLs: urlJSON,
			CreatedAt:  createdAt,
		}
		return tx.Create(msg).Error
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (r *messageRepo) ListBySession(ctx context.Context, tx *gorm.DB, sessionID uuid.UUID, limit int, afterSeq *int64) ([]*types.Message, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := transaction.WithContext(ctx).
		Model(&types.Message{}).
		Where("session_id = ?", sessionID)
	if afterSeq != nil {
		q = q.Where("seq > ?", *afterSeq)
	}
	var out []*types.Message
	if err := q.Order("seq ASC").Limit(limit).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *messageRepo) ListRecent(ctx context.Context, tx *gorm.DB, sessionID uuid.UUID, n int) ([]*types.Message, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if n <= 0 {
		return []*types.Message{}, nil
	}
	var out []*types.Message
	if err := transaction.WithContext(ctx).
		Model(&types.Message{}).
		Where("session_id = ?", sessionID).
		Order("seq DESC").
		Limit(n).
		Find(&out).Error; err != nil {
		return nil, err
	}
	// Oldest-first for callers.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func marshalStrings(in []string) (datatypes.JSON, error) {
	if in == nil {
		in = []string{}
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}
