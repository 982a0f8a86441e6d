// Package embedding implements C6: turning chapter text and dialog queries
// into normalized vectors, batching calls to the embedding backend and
// caching per-query results to avoid redundant upstream round trips.
package embedding

import (
	"context"
	"fmt"
	"math"

	"github.com/flowreader/flowreader-backend/internal/accounting"
	"github.com/flowreader/flowreader-backend/internal/cache"
)

// Service generates vector embeddings for chapter chunks and dialog queries.
type Service struct {
	client     Client
	queryCache *cache.EmbeddingCache
	sink       accounting.Sink
	batchSize  int
	dimensions int
}

// Option configures a Service at construction time.
type Option func(*Service)

// WithQueryCache attaches a cache for repeated dialog queries.
func WithQueryCache(c *cache.EmbeddingCache) Option {
	return func(s *Service) { s.queryCache = c }
}

// WithAccounting attaches a usage sink. Without one, usage is not recorded.
func WithAccounting(sink accounting.Sink) Option {
	return func(s *Service) { s.sink = sink }
}

// New builds a Service around a Client.
func New(client Client, batchSize, dimensions int, opts ...Option) *Service {
	s := &Service{client: client, batchSize: batchSize, dimensions: dimensions}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EmbedChapterChunks embeds a batch of chapter chunk texts for storage,
// splitting into upstream-sized batches and L2-normalizing every vector so
// later cosine-distance search reduces to a dot product.
func (s *Service) EmbedChapterChunks(ctx context.Context, userID string, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("embedding.EmbedChapterChunks: no texts provided")
	}

	out := make([][]float32, 0, len(texts))
	for i := 0; i < len(texts); i += s.batchSize {
		end := i + s.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := texts[i:end]

		vecs, err := s.client.EmbedDocuments(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("embedding.EmbedChapterChunks: batch %d-%d: %w", i, end, err)
		}
		if len(vecs) != len(batch) {
			return nil, fmt.Errorf("embedding.EmbedChapterChunks: got %d vectors for %d texts", len(vecs), len(batch))
		}

		for j, vec := range vecs {
			if len(vec) != s.dimensions {
				return nil, fmt.Errorf("embedding.EmbedChapterChunks: vector %d has %d dims, want %d", i+j, len(vec), s.dimensions)
			}
			vecs[j] = l2Normalize(vec)
		}
		out = append(out, vecs...)

		s.record(ctx, "embed_document", userID, sumLen(batch))
	}

	return out, nil
}

// EmbedQuery embeds a single dialog query, serving from the per-query cache
// when the normalized query was seen within the cache's TTL.
func (s *Service) EmbedQuery(ctx context.Context, userID, text string) ([]float32, error) {
	var cacheKey string
	if s.queryCache != nil {
		cacheKey = cache.EmbeddingQueryHash(text)
		if vec, ok := s.queryCache.Get(cacheKey); ok {
			return vec, nil
		}
	}

	vec, err := s.client.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding.EmbedQuery: %w", err)
	}
	if len(vec) != s.dimensions {
		return nil, fmt.Errorf("embedding.EmbedQuery: vector has %d dims, want %d", len(vec), s.dimensions)
	}
	vec = l2Normalize(vec)

	if s.queryCache != nil {
		s.queryCache.Set(cacheKey, vec)
	}
	s.record(ctx, "embed_query", userID, len(text))

	return vec, nil
}

func (s *Service) record(ctx context.Context, op, userID string, units int) {
	if s.sink == nil {
		return
	}
	s.sink.Record(ctx, accounting.Usage{Operation: op, UserID: userID, InputUnits: units})
}

func sumLen(texts []string) int {
	total := 0
	for _, t := range texts {
		total += len(t)
	}
	return total
}

// l2Normalize scales a vector to unit length so cosine similarity between two
// normalized vectors equals their dot product.
func l2Normalize(vec []float32) []float32 {
	var sumSq float64
	for _, v := range vec {
		sumSq += float64(v) * float64(v)
	}
	norm := math.Sqrt(sumSq)
	if norm == 0 {
		return vec
	}

	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out
}
