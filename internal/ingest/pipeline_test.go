package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/flowreader/flowreader-backend/internal/epub"
	"github.com/flowreader/flowreader-backend/internal/model"
)

type mockBookRepo struct {
	book             *model.Book
	claimed          bool
	claimErr         error
	reclaimed        bool
	reclaimErr       error
	getErr           error
	failedStage      string
	failedReason     string
	statuses         []model.BookStatus
	createdCount     int
	chapterCount     int
	incomplete       []model.Book
	createErr        error
	existingChapters []model.Chapter
}

func (m *mockBookRepo) GetByID(_ context.Context, _ string) (*model.Book, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	return m.book, nil
}

func (m *mockBookRepo) TryClaim(_ context.Context, _ string) (bool, error) {
	return m.claimed, m.claimErr
}

func (m *mockBookRepo) ReclaimStale(_ context.Context, _ string, _ time.Duration) (bool, error) {
	return m.reclaimed, m.reclaimErr
}

func (m *mockBookRepo) ChaptersByBookID(_ context.Context, _ string) ([]model.Chapter, error) {
	return m.existingChapters, nil
}

func (m *mockBookRepo) UpdateStatus(_ context.Context, _ string, status model.BookStatus) error {
	m.statuses = append(m.statuses, status)
	return nil
}

func (m *mockBookRepo) MarkFailed(_ context.Context, _ string, stage, reason string) error {
	m.failedStage = stage
	m.failedReason = reason
	return nil
}

func (m *mockBookRepo) CreateChapters(_ context.Context, bookID string, chapters []model.Chapter) ([]model.Chapter, error) {
	if m.createErr != nil {
		return nil, m.createErr
	}
	m.createdCount = len(chapters)
	out := make([]model.Chapter, len(chapters))
	for i, c := range chapters {
		c.ID = "chapter-id"
		c.BookID = bookID
		out[i] = c
	}
	return out, nil
}

func (m *mockBookRepo) UpdateChapterCount(_ context.Context, _ string, count int) error {
	m.chapterCount = count
	return nil
}

func (m *mockBookRepo) ListIncomplete(_ context.Context, _ time.Duration) ([]model.Book, error) {
	return m.incomplete, nil
}

type mockEmbeddingStore struct {
	calls    int
	embedded map[string]bool
}

func (m *mockEmbeddingStore) BulkInsert(_ context.Context, _, _ string, chunks []Chunk, vectors [][]float32) error {
	m.calls++
	if len(chunks) != len(vectors) {
		return errors.New("chunk/vector count mismatch")
	}
	return nil
}

func (m *mockEmbeddingStore) ChapterIDsWithEmbeddings(_ context.Context, _ string) (map[string]bool, error) {
	return m.embedded, nil
}

type mockDownloader struct {
	data []byte
	size int64
	err  error
}

func (m *mockDownloader) Download(_ context.Context, _ string) ([]byte, error) {
	return m.data, m.err
}

func (m *mockDownloader) Size(_ context.Context, _ string) (int64, error) {
	return m.size, nil
}

type mockEmbedder struct{}

func (mockEmbedder) EmbedChapterChunks(_ context.Context, _ string, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2, 0.3}
	}
	return out, nil
}

func testConfig() Config {
	return Config{
		MaxEPUBEntries:           10000,
		MaxEPUBUncompressedBytes: 100 << 20,
		MaxUploadSizeBytes:       50 << 20,
		ChunkSizeTokens:          200,
		ChunkOverlapPercent:      0.15,
	}
}

func TestProcess_SkipsWhenNotClaimed(t *testing.T) {
	repo := &mockBookRepo{claimed: false}
	p := New(repo, &mockEmbeddingStore{}, &mockDownloader{}, mockEmbedder{}, testConfig())

	if err := p.Process(context.Background(), "book-1"); err != nil {
		t.Fatalf("Process() error: %v", err)
	}
	if repo.createdCount != 0 {
		t.Fatal("expected no work to happen when claim fails")
	}
}

func TestProcess_HappyPath(t *testing.T) {
	repo := &mockBookRepo{
		claimed: true,
		book:    &model.Book{ID: "book-1", OwnerUserID: "user-1", UploadKey: "users/user-1/uploads/x/book.epub"},
	}
	embStore := &mockEmbeddingStore{}
	valid := validEPUBBytes(t)
	dl := &mockDownloader{data: valid, size: int64(len(valid))}
	p := New(repo, embStore, dl, mockEmbedder{}, testConfig())

	if err := p.Process(context.Background(), "book-1"); err != nil {
		t.Fatalf("Process() error: %v", err)
	}
	if repo.createdCount == 0 {
		t.Fatal("expected chapters to be created")
	}
	if embStore.calls == 0 {
		t.Fatal("expected embeddings to be stored")
	}
	last := repo.statuses[len(repo.statuses)-1]
	if last != model.BookReady {
		t.Fatalf("final status = %v, want ready", last)
	}
}

func TestProcess_OversizedUploadFailsFast(t *testing.T) {
	repo := &mockBookRepo{
		claimed: true,
		book:    &model.Book{ID: "book-1", OwnerUserID: "user-1", UploadKey: "k"},
	}
	dl := &mockDownloader{size: 1 << 40}
	p := New(repo, &mockEmbeddingStore{}, dl, mockEmbedder{}, testConfig())

	if err := p.Process(context.Background(), "book-1"); err == nil {
		t.Fatal("expected error for oversized upload")
	}
	if repo.failedStage != "too_large" {
		t.Fatalf("failed stage = %q, want too_large", repo.failedStage)
	}
}

func TestProcess_MalformedArchiveRecordsParseStage(t *testing.T) {
	repo := &mockBookRepo{
		claimed: true,
		book:    &model.Book{ID: "book-1", OwnerUserID: "user-1", UploadKey: "k"},
	}
	dl := &mockDownloader{data: []byte("not a zip"), size: 9}
	p := New(repo, &mockEmbeddingStore{}, dl, mockEmbedder{}, testConfig())

	if err := p.Process(context.Background(), "book-1"); err == nil {
		t.Fatal("expected parse error")
	}
	if repo.failedStage != string(epub.ErrMalformedArchive) {
		t.Fatalf("failed stage = %q, want %q", repo.failedStage, epub.ErrMalformedArchive)
	}
}

func TestResumeIncomplete_ReprocessesEachBook(t *testing.T) {
	repo := &mockBookRepo{
		reclaimed:  true,
		book:       &model.Book{ID: "book-1", OwnerUserID: "user-1", UploadKey: "k"},
		incomplete: []model.Book{{ID: "book-1"}, {ID: "book-2"}},
	}
	valid := validEPUBBytes(t)
	dl := &mockDownloader{data: valid, size: int64(len(valid))}
	p := New(repo, &mockEmbeddingStore{}, dl, mockEmbedder{}, testConfig())

	if err := p.ResumeIncomplete(context.Background()); err != nil {
		t.Fatalf("ResumeIncomplete() error: %v", err)
	}
}

func TestResumeIncomplete_SkipsChaptersAlreadyEmbedded(t *testing.T) {
	repo := &mockBookRepo{
		reclaimed: true,
		book:      &model.Book{ID: "book-1", OwnerUserID: "user-1", UploadKey: "k"},
		existingChapters: []model.Chapter{
			{ID: "chapter-1", BookID: "book-1", Idx: 0, Content: "already here"},
		},
		incomplete: []model.Book{{ID: "book-1"}},
	}
	embStore := &mockEmbeddingStore{embedded: map[string]bool{"chapter-1": true}}
	p := New(repo, embStore, &mockDownloader{}, mockEmbedder{}, testConfig())

	if err := p.ResumeIncomplete(context.Background()); err != nil {
		t.Fatalf("ResumeIncomplete() error: %v", err)
	}
	if repo.createdCount != 0 {
		t.Fatal("expected no new chapters created when chapters already persisted")
	}
	if embStore.calls != 0 {
		t.Fatal("expected no embedding calls when chapter already has embeddings")
	}
	last := repo.statuses[len(repo.statuses)-1]
	if last != model.BookReady {
		t.Fatalf("final status = %v, want ready", last)
	}
}

func TestResumeIncomplete_SkipsWhenNotReclaimable(t *testing.T) {
	repo := &mockBookRepo{
		reclaimed:  false,
		incomplete: []model.Book{{ID: "book-1"}},
	}
	p := New(repo, &mockEmbeddingStore{}, &mockDownloader{}, mockEmbedder{}, testConfig())

	if err := p.ResumeIncomplete(context.Background()); err != nil {
		t.Fatalf("ResumeIncomplete() error: %v", err)
	}
	if len(repo.statuses) != 0 {
		t.Fatal("expected no work when reclaim loses the race")
	}
}
