package ingest

import (
	"strings"
	"testing"
)

func TestChunk_EmptyContent(t *testing.T) {
	c := NewChunker(512, 0.15)
	if _, err := c.Chunk("   "); err == nil {
		t.Fatal("expected error for blank content")
	}
}

func TestChunk_SingleParagraphStaysOneChunk(t *testing.T) {
	c := NewChunker(512, 0.15)
	text := "A short chapter opening paragraph with only a handful of words."
	chunks, err := c.Chunk(text)
	if err != nil {
		t.Fatalf("Chunk() error: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if chunks[0].Ordinal != 0 {
		t.Errorf("ordinal = %d, want 0", chunks[0].Ordinal)
	}
}

func TestChunk_SpansResolveBackIntoOriginalContent(t *testing.T) {
	c := NewChunker(20, 0.15)
	text := strings.Repeat("word ", 5) + "\n\n" + strings.Repeat("other ", 80)

	chunks, err := c.Chunk(text)
	if err != nil {
		t.Fatalf("Chunk() error: %v", err)
	}
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks from long content, got %d", len(chunks))
	}
	for i, ch := range chunks {
		if ch.SpanStart < 0 || ch.SpanEnd > len(text) || ch.SpanStart >= ch.SpanEnd {
			t.Errorf("chunk %d has invalid span [%d,%d) for content of length %d", i, ch.SpanStart, ch.SpanEnd, len(text))
		}
	}
}

func TestChunk_OrdinalsAreDenseFromZero(t *testing.T) {
	c := NewChunker(10, 0.15)
	text := strings.Repeat("sentence number word filler text here. ", 60)

	chunks, err := c.Chunk(text)
	if err != nil {
		t.Fatalf("Chunk() error: %v", err)
	}
	for i, ch := range chunks {
		if ch.Ordinal != i {
			t.Errorf("chunk %d has ordinal %d", i, ch.Ordinal)
		}
	}
}

func TestChunk_OverlapDuplicatesTailOfPreviousChunk(t *testing.T) {
	c := NewChunker(15, 0.5)
	text := "alpha beta gamma delta epsilon\n\nzeta eta theta iota kappa lambda mu nu xi omicron pi rho sigma tau"

	chunks, err := c.Chunk(text)
	if err != nil {
		t.Fatalf("Chunk() error: %v", err)
	}
	if len(chunks) < 2 {
		t.Fatalf("expected at least 2 chunks, got %d", len(chunks))
	}
	if !strings.Contains(chunks[1].Content, "epsilon") {
		t.Errorf("expected second chunk to carry overlap from first, got: %q", chunks[1].Content)
	}
}
