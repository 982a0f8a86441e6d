// Package ingest implements C7: the upload processing pipeline that turns a
// stored EPUB into chapters and searchable chunk embeddings.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/flowreader/flowreader-backend/internal/epub"
	"github.com/flowreader/flowreader-backend/internal/model"
)

// resumeStaleness is how long a book may sit in "processing" before
// ResumeIncomplete treats it as crashed mid-pipeline rather than
// legitimately in flight on another worker.
const resumeStaleness = 10 * time.Minute

// BookRepository is the persistence surface the pipeline needs for books.
type BookRepository interface {
	GetByID(ctx context.Context, id string) (*model.Book, error)
	// TryClaim atomically marks a book still in "processing" and not yet
	// claimed as claimed, and reports whether this call won the race. At-least-once delivery
	// from the ingestion transport means the same book ID can arrive twice;
	// TryClaim is the idempotency boundary, not an in-process map.
	TryClaim(ctx context.Context, id string) (bool, error)
	// ReclaimStale re-claims a book still marked "processing" and claimed
	// whose updated_at hasn't moved in olderThan — the case a worker that
	// crashed mid-pipeline leaves behind, which TryClaim's "NOT claimed"
	// guard would otherwise skip forever.
	ReclaimStale(ctx context.Context, id string, olderThan time.Duration) (bool, error)
	UpdateStatus(ctx context.Context, id string, status model.BookStatus) error
	MarkFailed(ctx context.Context, id string, stage, reason string) error
	CreateChapters(ctx context.Context, bookID string, chapters []model.Chapter) ([]model.Chapter, error)
	// ChaptersByBookID returns chapters already persisted for a book, so a
	// resumed run can tell they exist instead of re-inserting and colliding
	// with them.
	ChaptersByBookID(ctx context.Context, bookID string) ([]model.Chapter, error)
	UpdateChapterCount(ctx context.Context, id string, count int) error
	// ListIncomplete returns books stuck in "processing" for longer than
	// olderThan, so the worker can resume them on boot after a crash
	// mid-pipeline or a dropped transport message.
	ListIncomplete(ctx context.Context, olderThan time.Duration) ([]model.Book, error)
}

// EmbeddingStore persists chunk embeddings for a chapter.
type EmbeddingStore interface {
	BulkInsert(ctx context.Context, chapterID, bookID string, chunks []Chunk, vectors [][]float32) error
	// ChapterIDsWithEmbeddings reports which chapters of a book already have
	// at least one stored chunk vector, so a resumed run only embeds the
	// chapters a crash left unfinished.
	ChapterIDsWithEmbeddings(ctx context.Context, bookID string) (map[string]bool, error)
}

// Downloader fetches the raw uploaded file.
type Downloader interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Size(ctx context.Context, key string) (int64, error)
}

// Embedder produces vectors for chapter chunk text.
type Embedder interface {
	EmbedChapterChunks(ctx context.Context, userID string, texts []string) ([][]float32, error)
}

// Pipeline orchestrates: download -> parse -> chunk -> embed -> persist.
type Pipeline struct {
	books      BookRepository
	embeddings EmbeddingStore
	store      Downloader
	embedder   Embedder
	chunker    *Chunker
	limits     epub.Limits
	maxBytes   int64
}

// Config bounds a Pipeline's resource limits.
type Config struct {
	MaxEPUBEntries           int
	MaxEPUBUncompressedBytes int64
	MaxUploadSizeBytes       int64
	ChunkSizeTokens          int
	ChunkOverlapPercent      float64
}

// New builds a Pipeline.
func New(books BookRepository, embeddings EmbeddingStore, store Downloader, embedder Embedder, cfg Config) *Pipeline {
	return &Pipeline{
		books:      books,
		embeddings: embeddings,
		store:      store,
		embedder:   embedder,
		chunker:    NewChunker(cfg.ChunkSizeTokens, cfg.ChunkOverlapPercent),
		limits:     epub.Limits{MaxEntries: cfg.MaxEPUBEntries, MaxUncompressedBytes: cfg.MaxEPUBUncompressedBytes},
		maxBytes:   cfg.MaxUploadSizeBytes,
	}
}

// Process runs the full pipeline for one book, identified by ID. Safe to
// call more than once for the same book: only the call that wins TryClaim
// does any work.
func (p *Pipeline) Process(ctx context.Context, bookID string) error {
	claimed, err := p.books.TryClaim(ctx, bookID)
	if err != nil {
		return fmt.Errorf("ingest.Process: claim: %w", err)
	}
	if !claimed {
		slog.Info("ingest skip: already claimed", "book_id", bookID)
		return nil
	}
	return p.runClaimed(ctx, bookID)
}

// runClaimed does the actual work, assuming the caller already won the
// claim. It tolerates chapters already having been persisted by an earlier,
// crashed attempt: rather than re-running CreateChapters (which would
// collide on the existing rows), it reuses them and only embeds chapters
// that don't already have stored vectors.
func (p *Pipeline) runClaimed(ctx context.Context, bookID string) error {
	slog.Info("ingest starting", "book_id", bookID)

	book, err := p.books.GetByID(ctx, bookID)
	if err != nil {
		return fmt.Errorf("ingest.Process: get book: %w", err)
	}

	existing, err := p.books.ChaptersByBookID(ctx, bookID)
	if err != nil {
		return fmt.Errorf("ingest.Process: load existing chapters: %w", err)
	}

	chapters := existing
	if len(chapters) == 0 {
		chapters, err = p.parseAndStoreChapters(ctx, bookID, book)
		if err != nil {
			return err
		}
	} else {
		slog.Info("ingest resuming: chapters already persisted", "book_id", bookID, "count", len(chapters))
	}

	embedded, err := p.embeddings.ChapterIDsWithEmbeddings(ctx, bookID)
	if err != nil {
		p.fail(ctx, bookID, "embed_failed", err)
		return fmt.Errorf("ingest.Process: check existing embeddings: %w", err)
	}

	for _, chapter := range chapters {
		if embedded[chapter.ID] {
			continue
		}
		if err := p.embedChapter(ctx, book.OwnerUserID, chapter); err != nil {
			p.fail(ctx, bookID, "embed_failed", err)
			return fmt.Errorf("ingest.Process: embed chapter %d: %w", chapter.Idx, err)
		}
	}

	if err := p.books.UpdateChapterCount(ctx, bookID, len(chapters)); err != nil {
		return fmt.Errorf("ingest.Process: update chapter count: %w", err)
	}
	if err := p.books.UpdateStatus(ctx, bookID, model.BookReady); err != nil {
		return fmt.Errorf("ingest.Process: set ready: %w", err)
	}

	slog.Info("ingest completed", "book_id", bookID, "chapters", len(chapters))
	return nil
}

// parseAndStoreChapters downloads and parses the EPUB and persists the
// resulting chapters, the first-attempt path taken only when no chapter
// rows exist yet for this book.
func (p *Pipeline) parseAndStoreChapters(ctx context.Context, bookID string, book *model.Book) ([]model.Chapter, error) {
	size, err := p.store.Size(ctx, book.UploadKey)
	if err != nil {
		p.fail(ctx, bookID, "download_failed", err)
		return nil, fmt.Errorf("ingest.Process: size: %w", err)
	}
	if size > p.maxBytes {
		err := fmt.Errorf("upload is %d bytes, exceeds limit %d", size, p.maxBytes)
		p.fail(ctx, bookID, "too_large", err)
		return nil, fmt.Errorf("ingest.Process: %w", err)
	}

	raw, err := p.store.Download(ctx, book.UploadKey)
	if err != nil {
		p.fail(ctx, bookID, "download_failed", err)
		return nil, fmt.Errorf("ingest.Process: download: %w", err)
	}

	parsedChapters, _, err := epub.Parse(raw, p.limits)
	if err != nil {
		stage := "parse_failed"
		var perr *epub.ParseError
		if errors.As(err, &perr) {
			stage = string(perr.Kind)
		}
		p.fail(ctx, bookID, stage, err)
		return nil, fmt.Errorf("ingest.Process: parse: %w", err)
	}
	if len(parsedChapters) == 0 {
		err := fmt.Errorf("no chapters extracted")
		p.fail(ctx, bookID, "empty_book", err)
		return nil, fmt.Errorf("ingest.Process: %w", err)
	}

	toCreate := make([]model.Chapter, len(parsedChapters))
	for i, c := range parsedChapters {
		toCreate[i] = model.Chapter{BookID: bookID, Idx: c.Idx, Title: c.Title, Content: c.Content}
	}
	chapters, err := p.books.CreateChapters(ctx, bookID, toCreate)
	if err != nil {
		p.fail(ctx, bookID, "store_chapters_failed", err)
		return nil, fmt.Errorf("ingest.Process: create chapters: %w", err)
	}
	return chapters, nil
}

func (p *Pipeline) embedChapter(ctx context.Context, ownerUserID string, chapter model.Chapter) error {
	chunks, err := p.chunker.Chunk(chapter.Content)
	if err != nil {
		return fmt.Errorf("chunk chapter %s: %w", chapter.ID, err)
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}

	vectors, err := p.embedder.EmbedChapterChunks(ctx, ownerUserID, texts)
	if err != nil {
		return fmt.Errorf("embed chapter %s: %w", chapter.ID, err)
	}

	if err := p.embeddings.BulkInsert(ctx, chapter.ID, chapter.BookID, chunks, vectors); err != nil {
		return fmt.Errorf("store embeddings for chapter %s: %w", chapter.ID, err)
	}
	return nil
}

// ResumeIncomplete re-claims books left stuck in "processing" by a crashed
// worker, called on worker boot to recover from a crash mid-pipeline or a
// dropped transport message.
func (p *Pipeline) ResumeIncomplete(ctx context.Context) error {
	books, err := p.books.ListIncomplete(ctx, resumeStaleness)
	if err != nil {
		return fmt.Errorf("ingest.ResumeIncomplete: list: %w", err)
	}
	slog.Info("ingest resuming incomplete books", "count", len(books))
	for _, b := range books {
		if err := p.resumeClaimed(ctx, b.ID); err != nil {
			slog.Error("ingest resume failed", "book_id", b.ID, "error", err)
		}
	}
	return nil
}

// resumeClaimed re-claims a book stuck in "processing" via ReclaimStale —
// TryClaim's "NOT claimed" guard would skip it forever since the crashed
// worker that left it behind already set claimed=true — then runs the same
// resume-aware body Process uses, which reuses chapters already persisted
// and only embeds the ones still missing vectors.
func (p *Pipeline) resumeClaimed(ctx context.Context, bookID string) error {
	claimed, err := p.books.ReclaimStale(ctx, bookID, resumeStaleness)
	if err != nil {
		return fmt.Errorf("ingest.resumeClaimed: reclaim: %w", err)
	}
	if !claimed {
		slog.Info("ingest resume skip: not stale or already reclaimed", "book_id", bookID)
		return nil
	}
	return p.runClaimed(ctx, bookID)
}

func (p *Pipeline) fail(ctx context.Context, bookID, stage string, cause error) {
	slog.Error("ingest failed", "book_id", bookID, "stage", stage, "error", cause)
	if err := p.books.MarkFailed(ctx, bookID, stage, cause.Error()); err != nil {
		slog.Error("ingest failed to record failure", "book_id", bookID, "error", err)
	}
}
