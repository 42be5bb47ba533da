package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// TurnLog records one executed turn: the router plan, per-call outcomes
// and timings. Best-effort; never blocks the reply to the client.
type TurnLog struct {
	ID            uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	SessionID     uuid.UUID      `gorm:"type:uuid;not null;index" json:"session_id"`
	UserMessageID uuid.UUID      `gorm:"type:uuid" json:"user_message_id"`
	Plan          datatypes.JSON `gorm:"type:jsonb;column:plan" json:"plan"`
	Timing        datatypes.JSON `gorm:"type:jsonb;column:timing" json:"timing"`
	CreatedAt     time.Time      `gorm:"not null;default:now()" json:"created_at"`
}

func (TurnLog) TableName() string {
	return "turn_logs"
}
