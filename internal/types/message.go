package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	MessageRoleUser      = "user"
	MessageRoleAssistant = "assistant"
)

// Message is immutable after insert. Seq and CreatedAt are strictly
// increasing within a session (appends are serialized per session).
type Message struct {
	ID         uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	SessionID  uuid.UUID      `gorm:"type:uuid;not null;uniqueIndex:idx_message_session_seq" json:"session_id"`
	Session    *Session       `gorm:"constraint:OnDelete:CASCADE;foreignKey:SessionID;references:ID" json:"-"`
	Seq        int64          `gorm:"column:seq;not null;uniqueIndex:idx_message_session_seq" json:"seq"`
	Role       string         `gorm:"column:role;not null" json:"role"`
	Content    string         `gorm:"column:content;not null" json:"content"`
	Sources    datatypes.JSON `gorm:"type:jsonb;column:sources" json:"sources"`
	SourceURLs datatypes.JSON `gorm:"type:jsonb;column:source_urls" json:"source_urls"`
	CreatedAt  time.Time      `gorm:"not null;default:now()" json:"created_at"`
}

func (Message) TableName() string {
	return "messages"
}
