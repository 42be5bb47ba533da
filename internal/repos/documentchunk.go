package repos

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/ipsibridge-backend/internal/logger"
	"github.com/yungbote/ipsibridge-backend/internal/pkg/vecmath"
	"github.com/yungbote/ipsibridge-backend/internal/types"
)

type ChunkMatch struct {
	Chunk *types.DocumentChunk
	Score float64
}

type DocumentChunkRepo interface {
	GetByIDs(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) ([]*types.DocumentChunk, error)
	GetByDocumentIDs(ctx context.Context, tx *gorm.DB, docIDs []uuid.UUID) ([]*types.DocumentChunk, error)
	// SearchByCosine is the SQL fallback when the vector index is
	// unreachable: scan stored embeddings for the given documents and
	// rank by cosine in process.
	SearchByCosine(ctx context.Context, tx *gorm.DB, docIDs []uuid.UUID, qVec []float32, topK int) ([]ChunkMatch, error)
	// SampleEmbeddingDim returns the dimension of one stored chunk
	// embedding, or 0 when the corpus is empty.
	SampleEmbeddingDim(ctx context.Context, tx *gorm.DB) (int, error)
}

type documentChunkRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewDocumentChunkRepo(db *gorm.DB, baseLog *logger.Logger) DocumentChunkRepo {
	return &documentChunkRepo{db: db, log: baseLog.With("repo", "DocumentChunkRepo")}
}

func (r *documentChunkRepo) GetByIDs(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) ([]*types.DocumentChunk, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.DocumentChunk
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

func (r *documentChunkRepo) GetByDocumentIDs(ctx context.Context, tx *gorm.DB, docIDs []uuid.UUID) ([]*types.DocumentChunk, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.DocumentChunk
	if len(docIDs) == 0 {
		return out, nil
	}
	if err := transaction.WithContext(ctx).
		Where("document_id IN ?", docIDs).
		Order("document_id, page_number ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *documentChunkRepo) SearchByCosine(ctx context.Context, tx *gorm.DB, docIDs []uuid.UUID, qVec []float32, topK int) ([]ChunkMatch, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(docIDs) == 0 || len(qVec) == 0 || topK <= 0 {
		return nil, nil
	}

	const candidateLimit = 2000
	var rows []*types.DocumentChunk
	if err := transaction.WithContext(ctx).
		Model(&types.DocumentChunk{}).
		Where("document_id IN ?", docIDs).
		Limit(candidateLimit).
		Find(&rows).Error; err != nil {
		return nil, err
	}

	matches := make([]ChunkMatch, 0, len(rows))
	for _, ch := range rows {
		if ch == nil || ch.ID == uuid.Nil {
			continue
		}
		emb, err := vecmath.ParseEmbeddingJSON(ch.Embedding)
		if err != nil || len(emb) != len(qVec) {
			continue
		}
		matches = append(matches, ChunkMatch{Chunk: ch, Score: vecmath.Cosine(qVec, emb)})
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

func (r *documentChunkRepo) SampleEmbeddingDim(ctx context.Context, tx *gorm.DB) (int, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var row types.DocumentChunk
	err := transaction.WithContext(ctx).
		Where("embedding IS NOT NULL").
		Limit(1).
		Find(&row).Error
	if err != nil {
		return 0, err
	}
	if row.ID == uuid.Nil {
		return 0, nil
	}
	emb, err := vecmath.ParseEmbeddingJSON(row.Embedding)
	if err != nil {
		return 0, err
	}
	return len(emb), nil
}
