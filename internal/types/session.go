package types

import (
	"time"

	"github.com/google/uuid"
)

// Session is one conversation owned by exactly one principal.
type Session struct {
	ID            uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	PrincipalKind string    `gorm:"column:principal_kind;not null;index:idx_session_principal" json:"-"`
	PrincipalID   string    `gorm:"column:principal_id;not null;index:idx_session_principal" json:"-"`
	Title         string    `gorm:"column:title;not null" json:"title"`
	// NextSeq hands out per-session message sequence numbers under a row lock.
	NextSeq   int64     `gorm:"column:next_seq;not null;default:0" json:"-"`
	CreatedAt time.Time `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (Session) TableName() string {
	return "sessions"
}
