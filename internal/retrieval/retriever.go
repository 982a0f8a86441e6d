// Package retrieval implements C8: assembling the passages a dialog turn
// grounds its answer in, from a single book's chapter embeddings.
package retrieval

import (
	"context"
	"fmt"
	"sort"

	"github.com/flowreader/flowreader-backend/internal/model"
)

// Candidate is one chapter-embedding chunk returned by similarity search.
type Candidate struct {
	ChapterID    string
	ChunkOrdinal int
	Content      string
	Vector       []float32
	Similarity   float64
	SpanStart    int
	SpanEnd      int
}

// Searcher restricts vector similarity search to a single book.
type Searcher interface {
	SimilaritySearch(ctx context.Context, bookID string, queryVec []float32, topK int) ([]Candidate, error)
}

// QueryEmbedder embeds the dialog query.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, userID, text string) ([]float32, error)
}

// Passage is a selected context chunk with its citation coordinates.
type Passage struct {
	ChapterID    string  `json:"chapterId"`
	ChunkOrdinal int     `json:"chunkOrdinal"`
	Content      string  `json:"content"`
	Score        float64 `json:"score"`
	SpanStart    int     `json:"spanStart"`
	SpanEnd      int     `json:"spanEnd"`
}

// Context is the assembled retrieval result for one dialog turn. QueryVector
// is the embedded query that produced it, carried along so callers caching
// on retrieval context can also key a semantic cache off the same vector
// without re-embedding the query.
type Context struct {
	Passages    []Passage
	TokensUsed  int
	QueryVector []float32
}

// Config bounds the retrieval algorithm's constants, all independently
// tunable from the defaults the spec names.
type Config struct {
	TopKInitial     int
	SimilarityFloor float64
	DedupThreshold  float64
	RelevanceDelta  float64
	TopKFinal       int
	TokenBudget     int
}

// Engine assembles retrieval context for a dialog turn.
type Engine struct {
	embedder QueryEmbedder
	searcher Searcher
	cfg      Config
}

// New builds an Engine.
func New(embedder QueryEmbedder, searcher Searcher, cfg Config) *Engine {
	return &Engine{embedder: embedder, searcher: searcher, cfg: cfg}
}

// AssembleContext embeds the query, over-retrieves, floors, deduplicates,
// relevance-filters, and selects a token-budgeted final passage set for the
// given book, per the spec's seven-step algorithm.
func (e *Engine) AssembleContext(ctx context.Context, userID, bookID, query string) (*Context, error) {
	if bookID == "" {
		return nil, fmt.Errorf("retrieval.AssembleContext: bookId is required")
	}
	if query == "" {
		return nil, fmt.Errorf("retrieval.AssembleContext: query is required")
	}

	queryVec, err := e.embedder.EmbedQuery(ctx, userID, query)
	if err != nil {
		return nil, fmt.Errorf("retrieval.AssembleContext: embed query: %w", err)
	}

	candidates, err := e.searcher.SimilaritySearch(ctx, bookID, queryVec, e.cfg.TopKInitial)
	if err != nil {
		return nil, fmt.Errorf("retrieval.AssembleContext: search: %w", err)
	}

	floored := aboveFloor(candidates, e.cfg.SimilarityFloor)
	sort.Slice(floored, func(i, j int) bool { return floored[i].Similarity > floored[j].Similarity })

	deduped := semanticDedup(floored, e.cfg.DedupThreshold)
	relevant := relativeRelevanceFilter(deduped, e.cfg.RelevanceDelta)

	passages, tokens := selectUnderBudget(relevant, e.cfg.TopKFinal, e.cfg.TokenBudget)

	return &Context{Passages: passages, TokensUsed: tokens, QueryVector: queryVec}, nil
}

func aboveFloor(candidates []Candidate, floor float64) []Candidate {
	out := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Similarity >= floor {
			out = append(out, c)
		}
	}
	return out
}

// semanticDedup greedily keeps candidates (already sorted by descending
// score) whose vector is not too similar to any already-kept candidate, so
// near-duplicate passages from overlapping chunks don't crowd the context.
func semanticDedup(sorted []Candidate, threshold float64) []Candidate {
	var kept []Candidate
	for _, c := range sorted {
		tooClose := false
		for _, k := range kept {
			if cosineSimilarity(c.Vector, k.Vector) >= threshold {
				tooClose = true
				break
			}
		}
		if !tooClose {
			kept = append(kept, c)
		}
	}
	return kept
}

// relativeRelevanceFilter drops passages scoring more than delta below the
// top score, so a query with one strong match doesn't get padded with
// marginal filler just to fill TopKFinal slots.
func relativeRelevanceFilter(sorted []Candidate, delta float64) []Candidate {
	if len(sorted) == 0 {
		return sorted
	}
	topScore := sorted[0].Similarity
	floor := topScore - delta

	out := make([]Candidate, 0, len(sorted))
	for _, c := range sorted {
		if c.Similarity >= floor {
			out = append(out, c)
		}
	}
	return out
}

// selectUnderBudget takes the top-scoring candidates up to topKFinal, within
// a token budget, tie-breaking equal scores by earlier chunk ordinal so
// identical queries against an unchanged book produce identical output.
func selectUnderBudget(sorted []Candidate, topKFinal, tokenBudget int) ([]Passage, int) {
	ordered := make([]Candidate, len(sorted))
	copy(ordered, sorted)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Similarity != ordered[j].Similarity {
			return ordered[i].Similarity > ordered[j].Similarity
		}
		return ordered[i].ChunkOrdinal < ordered[j].ChunkOrdinal
	})

	var passages []Passage
	tokensUsed := 0
	for _, c := range ordered {
		if len(passages) >= topKFinal {
			break
		}
		tokens := estimateTokens(c.Content)
		if tokensUsed+tokens > tokenBudget {
			continue
		}
		passages = append(passages, Passage{
			ChapterID:    c.ChapterID,
			ChunkOrdinal: c.ChunkOrdinal,
			Content:      c.Content,
			Score:        c.Similarity,
			SpanStart:    c.SpanStart,
			SpanEnd:      c.SpanEnd,
		})
		tokensUsed += tokens
	}
	return passages, tokensUsed
}

func estimateTokens(text string) int {
	words := 0
	inWord := false
	for _, r := range text {
		if r == ' ' || r == '\n' || r == '\t' {
			inWord = false
			continue
		}
		if !inWord {
			words++
			inWord = true
		}
	}
	if words == 0 {
		return 0
	}
	return words + words/3
}

// cosineSimilarity assumes both vectors are already L2-normalized (as C6
// guarantees), so their dot product equals cosine similarity directly.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

// IsBookReady reports whether dialog against a book should be permitted,
// used by the dialog engine before it calls AssembleContext: a processing
// book returns NotReady rather than an empty or partial answer.
func IsBookReady(status model.BookStatus) bool {
	return status == model.BookReady
}
