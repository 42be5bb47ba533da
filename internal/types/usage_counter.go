package types

import (
	"time"

	"github.com/google/uuid"
)

// UsageCounter is one row per (principal, day). The DB row is the
// authority for quota decisions; there is no in-process counter cache.
// Count is only ever incremented by the single-statement upsert in
// the usage counter repo, so it is non-decreasing within a day.
type UsageCounter struct {
	ID      uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	KeyKind string    `gorm:"column:key_kind;not null;uniqueIndex:idx_usage_counter_key_day" json:"key_kind"`
	KeyID   string    `gorm:"column:key_id;not null;uniqueIndex:idx_usage_counter_key_day" json:"key_id"`
	// Day is the calendar day in the service reference time zone, "2006-01-02".
	Day       string    `gorm:"column:day;not null;uniqueIndex:idx_usage_counter_key_day" json:"day"`
	Count     int64     `gorm:"column:count;not null;default:0" json:"count"`
	CreatedAt time.Time `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (UsageCounter) TableName() string {
	return "usage_counters"
}
