package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Document is the per-file metadata row for one ingested admissions
// document. Immutable once ingested; chunks reference it.
type Document struct {
	ID               uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	SchoolName       string         `gorm:"column:school_name;not null;index" json:"school_name"`
	Filename         string         `gorm:"column:filename;not null" json:"filename"`
	Title            string         `gorm:"column:title;not null" json:"title"`
	SummaryText      string         `gorm:"column:summary_text" json:"summary_text"`
	SummaryEmbedding datatypes.JSON `gorm:"type:jsonb;column:summary_embedding" json:"-"`
	FileURL          string         `gorm:"column:file_url" json:"file_url"`
	Tags             datatypes.JSON `gorm:"type:jsonb;column:tags" json:"tags"`
	CreatedAt        time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt        time.Time      `gorm:"not null;default:now()" json:"updated_at"`
}

func (Document) TableName() string {
	return "documents"
}
