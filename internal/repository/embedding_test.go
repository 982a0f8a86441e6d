package repository

import (
	"context"
	"testing"

	"github.com/flowreader/flowreader-backend/internal/ingest"
	"github.com/flowreader/flowreader-backend/internal/model"
)

func TestEmbeddingRepo_BulkInsertMismatchedLengths(t *testing.T) {
	repo := NewEmbeddingRepo(nil)
	err := repo.BulkInsert(context.Background(), "ch1", "b1",
		[]ingest.Chunk{{Ordinal: 0, Content: "x"}},
		[][]float32{{1}, {2}},
	)
	if err == nil {
		t.Fatal("expected error for mismatched chunk/vector counts")
	}
}

func TestEmbeddingRepo_BulkInsertEmptyIsNoop(t *testing.T) {
	repo := NewEmbeddingRepo(nil)
	if err := repo.BulkInsert(context.Background(), "ch1", "b1", nil, nil); err != nil {
		t.Fatalf("BulkInsert(empty) should succeed without touching the pool: %v", err)
	}
}

func TestEmbeddingRepo_BulkInsertThenSimilaritySearch(t *testing.T) {
	pool, cleanup := setupRepo(t)
	defer cleanup()

	books := NewBookRepo(pool)
	repo := NewEmbeddingRepo(pool)
	ctx := context.Background()

	book := newTestBook("user-embed-1")
	if err := books.Create(ctx, book); err != nil {
		t.Fatalf("Create book: %v", err)
	}
	created, err := books.CreateChapters(ctx, book.ID, []model.Chapter{
		{Idx: 0, Title: "Chapter One", Content: "once upon a time", WordCount: 4},
	})
	if err != nil {
		t.Fatalf("CreateChapters: %v", err)
	}
	chapterID := created[0].ID

	vec1 := make([]float32, 768)
	vec1[100] = 1.0
	vec2 := make([]float32, 768)
	vec2[200] = 1.0

	err = repo.BulkInsert(ctx, chapterID, book.ID,
		[]ingest.Chunk{
			{Ordinal: 0, Content: "about dragons", SpanStart: 0, SpanEnd: 12},
			{Ordinal: 1, Content: "about legal contracts", SpanStart: 13, SpanEnd: 34},
		},
		[][]float32{vec1, vec2},
	)
	if err != nil {
		t.Fatalf("BulkInsert: %v", err)
	}

	query := make([]float32, 768)
	query[100] = 1.0

	results, err := repo.SimilaritySearch(ctx, book.ID, query, 5)
	if err != nil {
		t.Fatalf("SimilaritySearch: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected at least one result")
	}
	if results[0].Similarity < 0.99 {
		t.Fatalf("top result similarity = %f, want ~1.0 for the matching vector", results[0].Similarity)
	}
}
