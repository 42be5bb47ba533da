package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type DocumentChunk struct {
	ID         uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	DocumentID uuid.UUID      `gorm:"type:uuid;not null;index" json:"document_id"`
	Document   *Document      `gorm:"constraint:OnDelete:CASCADE;foreignKey:DocumentID;references:ID" json:"document,omitempty"`
	SectionID  *string        `gorm:"column:section_id" json:"section_id,omitempty"`
	PageNumber *int           `gorm:"column:page_number" json:"page_number,omitempty"`
	ChunkType  string         `gorm:"column:chunk_type;not null;default:text" json:"chunk_type"`
	Content    string         `gorm:"column:content;not null" json:"content"`
	Embedding  datatypes.JSON `gorm:"type:jsonb;column:embedding" json:"-"`
	RawData    datatypes.JSON `gorm:"type:jsonb;column:raw_data" json:"raw_data,omitempty"`
	CreatedAt  time.Time      `gorm:"not null;default:now()" json:"created_at"`
}

func (DocumentChunk) TableName() string {
	return "document_chunks"
}
