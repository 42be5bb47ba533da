package functions

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/yungbote/ipsibridge-backend/internal/clients/openai"
	"github.com/yungbote/ipsibridge-backend/internal/clients/pinecone"
	"github.com/yungbote/ipsibridge-backend/internal/clients/redis"
	"github.com/yungbote/ipsibridge-backend/internal/logger"
	"github.com/yungbote/ipsibridge-backend/internal/pkg/vecmath"
	"github.com/yungbote/ipsibridge-backend/internal/repos"
	"github.com/yungbote/ipsibridge-backend/internal/types"
)

const (
	univTopK = 30
	// Chunk vs document similarity mix.
	chunkWeight = 0.7
	docWeight   = 0.3
)

// UnivFunc retrieves token-budgeted evidence chunks for one university.
type UnivFunc interface {
	Retrieve(ctx context.Context, university, query string) (*Output, error)
}

type univFunc struct {
	log        *logger.Logger
	client     openai.Client
	embedCache redis.EmbedCache // optional
	vectors    pinecone.VectorStore
	docRepo    repos.DocumentRepo
	chunkRepo  repos.DocumentChunkRepo
}

func NewUnivFunc(
	log *logger.Logger,
	client openai.Client,
	embedCache redis.EmbedCache,
	vectors pinecone.VectorStore,
	docRepo repos.DocumentRepo,
	chunkRepo repos.DocumentChunkRepo,
) UnivFunc {
	return &univFunc{
		log:        log.With("service", "UnivFunc"),
		client:     client,
		embedCache: embedCache,
		vectors:    vectors,
		docRepo:    docRepo,
		chunkRepo:  chunkRepo,
	}
}

type scoredChunk struct {
	chunk    *types.DocumentChunk
	doc      *types.Document
	chunkSim float64
	weighted float64
}

func (f *univFunc) Retrieve(ctx context.Context, university, query string) (*Output, error) {
	university = strings.TrimSpace(university)
	query = strings.TrimSpace(query)
	out := &Output{
		Function:   "univ",
		University: university,
		Query:      query,
		Chunks:     []Chunk{},
	}
	if university == "" || query == "" {
		out.Note = "missing university or query"
		return out, nil
	}

	docs, err := f.docRepo.ListBySchool(ctx, nil, university)
	if err != nil {
		return nil, fmt.Errorf("list documents for %q: %w", university, err)
	}
	if len(docs) == 0 {
		return out, nil
	}
	docByID := make(map[uuid.UUID]*types.Document, len(docs))
	docIDs := make([]uuid.UUID, 0, len(docs))
	for _, d := range docs {
		docByID[d.ID] = d
		docIDs = append(docIDs, d.ID)
	}

	qVec, err := f.embedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	candidates := f.vectorCandidates(ctx, qVec, university, docByID)
	if candidates == nil {
		candidates, err = f.sqlCandidates(ctx, qVec, docIDs, docByID)
		if err != nil {
			return nil, err
		}
	}

	// Document-level rescore: blend chunk similarity with the owning
	// document's summary similarity.
	docSim := map[uuid.UUID]float64{}
	for _, c := range candidates {
		if _, done := docSim[c.doc.ID]; done {
			continue
		}
		sum, err := vecmath.ParseEmbeddingJSON(c.doc.SummaryEmbedding)
		if err != nil || len(sum) != len(qVec) {
			docSim[c.doc.ID] = 0
			continue
		}
		docSim[c.doc.ID] = vecmath.Cosine(qVec, sum)
	}

	kept := make([]scoredChunk, 0, len(candidates))
	for _, c := range candidates {
		if c.chunkSim <= 0 {
			continue
		}
		c.weighted = chunkWeight*c.chunkSim + docWeight*docSim[c.doc.ID]
		kept = append(kept, c)
	}
	if len(kept) == 0 {
		return out, nil
	}

	// Rank by weighted score; ties resolve to the earlier chunk.
	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].weighted != kept[j].weighted {
			return kept[i].weighted > kept[j].weighted
		}
		return pageOf(kept[i].chunk) < pageOf(kept[j].chunk)
	})

	// Admit whole chunks until the next one would break the budget.
	used := 0
	for _, c := range kept {
		cost := TokenProxy(c.chunk.Content)
		if used+cost > TokenBudget {
			break
		}
		used += cost
		out.Chunks = append(out.Chunks, Chunk{
			Content:    c.chunk.Content,
			Title:      c.doc.Title,
			Source:     sourceOf(c.doc),
			FileURL:    c.doc.FileURL,
			Page:       c.chunk.PageNumber,
			Similarity: c.weighted,
		})
	}
	out.Count = len(out.Chunks)
	return out, nil
}

func (f *univFunc) embedQuery(ctx context.Context, query string) ([]float32, error) {
	if f.embedCache != nil {
		if vec, ok := f.embedCache.Get(ctx, query); ok {
			return vec, nil
		}
	}
	vecs, err := f.client.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 || len(vecs[0]) == 0 {
		return nil, fmt.Errorf("embedding response shape: got %d vectors", len(vecs))
	}
	if f.embedCache != nil {
		f.embedCache.Set(ctx, query, vecs[0])
	}
	return vecs[0], nil
}

// vectorCandidates queries the vector index. nil means "index path
// unavailable, use the SQL fallback"; an empty slice is a real miss.
func (f *univFunc) vectorCandidates(ctx context.Context, qVec []float32, university string, docByID map[uuid.UUID]*types.Document) []scoredChunk {
	if f.vectors == nil {
		return nil
	}
	matches, err := f.vectors.QueryMatches(ctx, qVec, univTopK, university)
	if err != nil {
		f.log.Warn("vector index query failed; falling back to SQL scan",
			"university", university, "error", err)
		return nil
	}

	ids := make([]uuid.UUID, 0, len(matches))
	simByID := make(map[uuid.UUID]float64, len(matches))
	for _, m := range matches {
		id, err := uuid.Parse(m.ID)
		if err != nil {
			continue
		}
		ids = append(ids, id)
		simByID[id] = m.Score
	}
	if len(ids) == 0 {
		return []scoredChunk{}
	}

	chunks, err := f.chunkRepo.GetByIDs(ctx, nil, ids)
	if err != nil {
		f.log.Warn("chunk hydration failed; falling back to SQL scan", "error", err)
		return nil
	}

	out := make([]scoredChunk, 0, len(chunks))
	for _, ch := range chunks {
		doc := docByID[ch.DocumentID]
		if doc == nil {
			// Index hit outside the school filter; drop it.
			continue
		}
		out = append(out, scoredChunk{chunk: ch, doc: doc, chunkSim: simByID[ch.ID]})
	}
	return out
}

func (f *univFunc) sqlCandidates(ctx context.Context, qVec []float32, docIDs []uuid.UUID, docByID map[uuid.UUID]*types.Document) ([]scoredChunk, error) {
	matches, err := f.chunkRepo.SearchByCosine(ctx, nil, docIDs, qVec, univTopK)
	if err != nil {
		return nil, fmt.Errorf("cosine fallback: %w", err)
	}
	out := make([]scoredChunk, 0, len(matches))
	for _, m := range matches {
		doc := docByID[m.Chunk.DocumentID]
		if doc == nil {
			continue
		}
		out = append(out, scoredChunk{chunk: m.Chunk, doc: doc, chunkSim: m.Score})
	}
	return out, nil
}

func pageOf(ch *types.DocumentChunk) int {
	if ch.PageNumber == nil {
		return 1 << 30
	}
	return *ch.PageNumber
}

func sourceOf(doc *types.Document) string {
	if strings.TrimSpace(doc.Filename) != "" {
		return doc.Filename
	}
	return doc.SchoolName
}
