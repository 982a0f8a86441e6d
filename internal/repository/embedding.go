package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/flowreader/flowreader-backend/internal/ingest"
	"github.com/flowreader/flowreader-backend/internal/retrieval"
)

// EmbeddingRepo implements ingest.EmbeddingStore (bulk chunk-vector writes
// at the end of the pipeline) and retrieval.Searcher (the cosine-distance
// read path the dialog engine queries per turn).
type EmbeddingRepo struct {
	pool *pgxpool.Pool
}

// NewEmbeddingRepo creates an EmbeddingRepo.
func NewEmbeddingRepo(pool *pgxpool.Pool) *EmbeddingRepo {
	return &EmbeddingRepo{pool: pool}
}

var (
	_ ingest.EmbeddingStore  = (*EmbeddingRepo)(nil)
	_ retrieval.Searcher     = (*EmbeddingRepo)(nil)
)

// BulkInsert stores a chapter's chunk vectors in one batch, the same
// pattern as the teacher's document-chunk insert.
func (r *EmbeddingRepo) BulkInsert(ctx context.Context, chapterID, bookID string, chunks []ingest.Chunk, vectors [][]float32) error {
	if len(chunks) == 0 {
		return nil
	}
	if len(chunks) != len(vectors) {
		return fmt.Errorf("repository.BulkInsert: chunk count (%d) != vector count (%d)", len(chunks), len(vectors))
	}

	batch := &pgx.Batch{}
	now := time.Now().UTC()

	for i, c := range chunks {
		id := uuid.NewString()
		embedding := pgvector.NewVector(vectors[i])
		batch.Queue(`
			INSERT INTO chapter_embeddings (id, chapter_id, book_id, chunk_ordinal, content, embedding, span_start, span_end, token_count, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			id, chapterID, bookID, c.Ordinal, c.Content, embedding, c.SpanStart, c.SpanEnd, c.TokenCount, now,
		)
	}

	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()
	for i := range chunks {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("repository.BulkInsert: chunk %d: %w", i, err)
		}
	}
	return nil
}

// SimilaritySearch finds the top-K chunks most similar to queryVec within
// one book, via pgvector's cosine distance operator.
func (r *EmbeddingRepo) SimilaritySearch(ctx context.Context, bookID string, queryVec []float32, topK int) ([]retrieval.Candidate, error) {
	embedding := pgvector.NewVector(queryVec)

	rows, err := r.pool.Query(ctx, `
		SELECT chapter_id, chunk_ordinal, content, span_start, span_end,
			1 - (embedding <=> $1::vector) AS similarity
		FROM chapter_embeddings
		WHERE book_id = $2
		ORDER BY embedding <=> $1::vector
		LIMIT $3`,
		embedding, bookID, topK,
	)
	if err != nil {
		return nil, fmt.Errorf("repository.SimilaritySearch: %w", err)
	}
	defer rows.Close()

	var results []retrieval.Candidate
	for rows.Next() {
		var c retrieval.Candidate
		if err := rows.Scan(&c.ChapterID, &c.ChunkOrdinal, &c.Content, &c.SpanStart, &c.SpanEnd, &c.Similarity); err != nil {
			return nil, fmt.Errorf("repository.SimilaritySearch: scan: %w", err)
		}
		results = append(results, c)
	}
	return results, nil
}

// DeleteByBookID removes every embedding for a book, used when re-ingesting.
func (r *EmbeddingRepo) DeleteByBookID(ctx context.Context, bookID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM chapter_embeddings WHERE book_id = $1`, bookID)
	if err != nil {
		return fmt.Errorf("repository.DeleteByBookID: %w", err)
	}
	return nil
}

// ChapterIDsWithEmbeddings reports which of a book's chapters already have
// at least one stored chunk vector, so a resumed pipeline run only embeds
// the chapters a crash interrupted rather than redoing finished ones.
func (r *EmbeddingRepo) ChapterIDsWithEmbeddings(ctx context.Context, bookID string) (map[string]bool, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT chapter_id FROM chapter_embeddings WHERE book_id = $1`, bookID)
	if err != nil {
		return nil, fmt.Errorf("repository.ChapterIDsWithEmbeddings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("repository.ChapterIDsWithEmbeddings: scan: %w", err)
		}
		out[id] = true
	}
	return out, nil
}

// CountByBookID reports how many chunk vectors a book has indexed.
func (r *EmbeddingRepo) CountByBookID(ctx context.Context, bookID string) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `SELECT count(*) FROM chapter_embeddings WHERE book_id = $1`, bookID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("repository.CountByBookID: %w", err)
	}
	return count, nil
}
