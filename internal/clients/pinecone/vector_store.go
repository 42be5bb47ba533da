package pinecone

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/yungbote/ipsibridge-backend/internal/logger"
)

// VectorStore wraps the data-plane client with index resolution and a
// namespace for the admissions chunk corpus. IDs are document chunk UUIDs;
// school scoping happens through a metadata filter on school_name.
type VectorStore interface {
	// QueryMatches returns chunk IDs with their similarity scores
	// (higher is better), optionally restricted to one school.
	QueryMatches(ctx context.Context, q []float32, topK int, schoolName string) ([]VectorMatch, error)
	// Dimension reports the index dimension seen at startup (0 when the
	// host was configured directly and never described).
	Dimension() int
}

type VectorMatch struct {
	ID    string
	Score float64
}

type vectorStore struct {
	log       *logger.Logger
	pc        Client
	indexName string
	indexHost string
	namespace string
	dimension int
}

func NewVectorStore(log *logger.Logger, pc Client) (VectorStore, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if pc == nil {
		return nil, fmt.Errorf("pinecone client required")
	}

	indexName := strings.TrimSpace(os.Getenv("VECTOR_INDEX_NAME"))
	if indexName == "" {
		return nil, fmt.Errorf("missing VECTOR_INDEX_NAME")
	}

	host := strings.TrimSpace(os.Getenv("VECTOR_INDEX_HOST"))

	namespace := strings.TrimSpace(os.Getenv("VECTOR_NAMESPACE"))
	if namespace == "" {
		namespace = "admissions"
	}

	dimension := 0

	// If host missing, bootstrap via describe_index (fine for local/dev; avoid in prod).
	if host == "" {
		desc, err := pc.DescribeIndex(context.Background(), indexName)
		if err != nil {
			return nil, fmt.Errorf("pinecone describe_index failed: %w", err)
		}
		host = strings.TrimSpace(desc.Host)
		if host == "" {
			return nil, fmt.Errorf("pinecone describe_index returned empty host")
		}
		dimension = desc.Dimension
		log.Warn("VECTOR_INDEX_HOST not set; resolved via describe_index (avoid this in production)",
			"index_name", indexName,
			"index_host", host,
		)
	}

	return &vectorStore{
		log:       log.With("service", "PineconeVectorStore"),
		pc:        pc,
		indexName: indexName,
		indexHost: host,
		namespace: namespace,
		dimension: dimension,
	}, nil
}

func (s *vectorStore) QueryMatches(ctx context.Context, q []float32, topK int, schoolName string) ([]VectorMatch, error) {
	if s == nil || s.pc == nil {
		return nil, fmt.Errorf("vector store unavailable")
	}
	var filter map[string]any
	if name := strings.TrimSpace(schoolName); name != "" {
		filter = map[string]any{"school_name": map[string]any{"$eq": name}}
	}
	resp, err := s.pc.Query(ctx, s.indexHost, QueryRequest{
		Namespace:       s.namespace,
		Vector:          q,
		TopK:            topK,
		Filter:          filter,
		IncludeValues:   false,
		IncludeMetadata: false,
	})
	if err != nil {
		return nil, err
	}
	out := make([]VectorMatch, 0, len(resp.Matches))
	for _, m := range resp.Matches {
		if strings.TrimSpace(m.ID) == "" {
			continue
		}
		out = append(out, VectorMatch{ID: m.ID, Score: m.Score})
	}
	return out, nil
}

func (s *vectorStore) Dimension() int {
	if s == nil {
		return 0
	}
	return s.dimension
}
