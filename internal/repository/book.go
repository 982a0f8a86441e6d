package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flowreader/flowreader-backend/internal/apierr"
	"github.com/flowreader/flowreader-backend/internal/dialog"
	"github.com/flowreader/flowreader-backend/internal/ingest"
	"github.com/flowreader/flowreader-backend/internal/model"
)

// BookRepo implements ingest.BookRepository, dialog.BookLookup, and
// notegen's book-adjacent lookups with a single pgx-backed type, mirroring
// the teacher's one-repo-per-aggregate shape.
type BookRepo struct {
	pool *pgxpool.Pool
}

// NewBookRepo creates a BookRepo.
func NewBookRepo(pool *pgxpool.Pool) *BookRepo {
	return &BookRepo{pool: pool}
}

var (
	_ ingest.BookRepository = (*BookRepo)(nil)
	_ dialog.BookLookup     = (*BookRepo)(nil)
)

// Create inserts a new book row in the "processing" state.
func (r *BookRepo) Create(ctx context.Context, b *model.Book) error {
	now := time.Now().UTC()
	b.CreatedAt, b.UpdatedAt = now, now
	_, err := r.pool.Exec(ctx, `
		INSERT INTO books (id, owner_user_id, title, author, upload_key, status, chapter_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		b.ID, b.OwnerUserID, b.Title, b.Author, b.UploadKey, string(b.Status), b.ChapterCount, b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("repository.Create: %w", err)
	}
	return nil
}

// GetByID returns a pointer so the same method satisfies
// ingest.BookRepository, dialog.BookLookup, and notegen's chapter-adjacent
// lookups without diverging signatures across packages.
func (r *BookRepo) GetByID(ctx context.Context, id string) (*model.Book, error) {
	b := &model.Book{}
	var status string
	err := r.pool.QueryRow(ctx, `
		SELECT id, owner_user_id, title, author, upload_key, status,
			failed_stage, failed_reason, chapter_count, created_at, updated_at
		FROM books WHERE id = $1`, id,
	).Scan(
		&b.ID, &b.OwnerUserID, &b.Title, &b.Author, &b.UploadKey, &status,
		&b.FailedStage, &b.FailedReason, &b.ChapterCount, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apierr.New(apierr.NotFound, "book not found")
		}
		return nil, fmt.Errorf("repository.GetByID: %w", err)
	}
	b.Status = model.BookStatus(status)
	return b, nil
}

// GetByUploadKey finds a book already created for this owner's upload key,
// the idempotency check POST /api/upload/process uses so redelivering the
// same uploadKey returns the original bookId instead of creating another
// book row.
func (r *BookRepo) GetByUploadKey(ctx context.Context, ownerUserID, uploadKey string) (*model.Book, error) {
	b := &model.Book{}
	var status string
	err := r.pool.QueryRow(ctx, `
		SELECT id, owner_user_id, title, author, upload_key, status,
			failed_stage, failed_reason, chapter_count, created_at, updated_at
		FROM books WHERE owner_user_id = $1 AND upload_key = $2`, ownerUserID, uploadKey,
	).Scan(
		&b.ID, &b.OwnerUserID, &b.Title, &b.Author, &b.UploadKey, &status,
		&b.FailedStage, &b.FailedReason, &b.ChapterCount, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apierr.New(apierr.NotFound, "book not found")
		}
		return nil, fmt.Errorf("repository.GetByUploadKey: %w", err)
	}
	b.Status = model.BookStatus(status)
	return b, nil
}

// TryClaim atomically moves a book from "processing" to itself, guarding
// against two workers racing the same at-least-once delivery. The update
// only matches a book still in "processing" with no prior claim marker; a
// second delivery of the same message finds zero rows affected and loses
// the race cleanly instead of double-running the pipeline.
func (r *BookRepo) TryClaim(ctx context.Context, id string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE books SET updated_at = $2
		WHERE id = $1 AND status = 'processing' AND NOT claimed`,
		id, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("repository.TryClaim: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	if _, err := r.pool.Exec(ctx, `UPDATE books SET claimed = true WHERE id = $1`, id); err != nil {
		return false, fmt.Errorf("repository.TryClaim: mark claimed: %w", err)
	}
	return true, nil
}

// ReclaimStale re-claims a book still marked "processing" and claimed whose
// updated_at has not moved in olderThan, the case a crashed worker leaves
// behind: TryClaim's "NOT claimed" guard would skip it forever since the
// crashed worker already set claimed=true and never got to finish. The
// staleness check is re-evaluated inside the same UPDATE that performs the
// claim, so two workers racing ResumeIncomplete on the same book can't both
// win it.
func (r *BookRepo) ReclaimStale(ctx context.Context, id string, olderThan time.Duration) (bool, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	tag, err := r.pool.Exec(ctx, `
		UPDATE books SET claimed = true, updated_at = $2
		WHERE id = $1 AND status = 'processing' AND updated_at < $3`,
		id, time.Now().UTC(), cutoff,
	)
	if err != nil {
		return false, fmt.Errorf("repository.ReclaimStale: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *BookRepo) UpdateStatus(ctx context.Context, id string, status model.BookStatus) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE books SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("repository.UpdateStatus: %w", err)
	}
	return nil
}

func (r *BookRepo) MarkFailed(ctx context.Context, id string, stage, reason string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE books SET status = 'failed', failed_stage = $1, failed_reason = $2, updated_at = $3 WHERE id = $4`,
		stage, reason, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("repository.MarkFailed: %w", err)
	}
	return nil
}

// CreateChapters bulk-inserts parsed chapters via pgx batching, the same
// pattern the embedding store uses for chunk vectors.
func (r *BookRepo) CreateChapters(ctx context.Context, bookID string, chapters []model.Chapter) ([]model.Chapter, error) {
	if len(chapters) == 0 {
		return nil, nil
	}

	batch := &pgx.Batch{}
	now := time.Now().UTC()
	out := make([]model.Chapter, len(chapters))

	for i, c := range chapters {
		c.ID = uuid.NewString()
		c.BookID = bookID
		c.CreatedAt = now
		out[i] = c
		batch.Queue(`
			INSERT INTO chapters (id, book_id, idx, title, content, word_count, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			c.ID, c.BookID, c.Idx, c.Title, c.Content, c.WordCount, c.CreatedAt,
		)
	}

	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()
	for i := range out {
		if _, err := br.Exec(); err != nil {
			return nil, fmt.Errorf("repository.CreateChapters: chapter %d: %w", i, err)
		}
	}

	return out, nil
}

func (r *BookRepo) UpdateChapterCount(ctx context.Context, id string, count int) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE books SET chapter_count = $1, updated_at = $2 WHERE id = $3`,
		count, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("repository.UpdateChapterCount: %w", err)
	}
	return nil
}

// ListIncomplete finds books a crashed or lost-delivery worker left behind,
// for the boot-time resume sweep.
func (r *BookRepo) ListIncomplete(ctx context.Context, olderThan time.Duration) ([]model.Book, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	rows, err := r.pool.Query(ctx, `
		SELECT id, owner_user_id, title, author, upload_key, status,
			failed_stage, failed_reason, chapter_count, created_at, updated_at
		FROM books
		WHERE status = 'processing' AND updated_at < $1
		ORDER BY created_at ASC`, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("repository.ListIncomplete: %w", err)
	}
	defer rows.Close()

	var books []model.Book
	for rows.Next() {
		var b model.Book
		var status string
		if err := rows.Scan(
			&b.ID, &b.OwnerUserID, &b.Title, &b.Author, &b.UploadKey, &status,
			&b.FailedStage, &b.FailedReason, &b.ChapterCount, &b.CreatedAt, &b.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("repository.ListIncomplete: scan: %w", err)
		}
		b.Status = model.BookStatus(status)
		books = append(books, b)
	}
	return books, nil
}

// ChaptersByBookID returns a book's already-persisted chapters in reading
// order, so a resumed pipeline run can tell whether chapter rows already
// exist instead of re-inserting and colliding with them.
func (r *BookRepo) ChaptersByBookID(ctx context.Context, bookID string) ([]model.Chapter, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, book_id, idx, title, content, word_count, created_at
		FROM chapters WHERE book_id = $1 ORDER BY idx ASC`, bookID,
	)
	if err != nil {
		return nil, fmt.Errorf("repository.ChaptersByBookID: %w", err)
	}
	defer rows.Close()

	var chapters []model.Chapter
	for rows.Next() {
		var c model.Chapter
		if err := rows.Scan(&c.ID, &c.BookID, &c.Idx, &c.Title, &c.Content, &c.WordCount, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("repository.ChaptersByBookID: scan: %w", err)
		}
		chapters = append(chapters, c)
	}
	return chapters, nil
}

// ListByUser paginates a user's library, newest first, the same
// count-then-page shape the teacher used for its document listing.
func (r *BookRepo) ListByUser(ctx context.Context, userID string, limit, offset int) ([]model.Book, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx,
		`SELECT count(*) FROM books WHERE owner_user_id = $1`, userID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("repository.ListByUser: count: %w", err)
	}

	if limit <= 0 {
		limit = 20
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, owner_user_id, title, author, upload_key, status,
			failed_stage, failed_reason, chapter_count, created_at, updated_at
		FROM books WHERE owner_user_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, userID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("repository.ListByUser: query: %w", err)
	}
	defer rows.Close()

	var books []model.Book
	for rows.Next() {
		var b model.Book
		var status string
		if err := rows.Scan(
			&b.ID, &b.OwnerUserID, &b.Title, &b.Author, &b.UploadKey, &status,
			&b.FailedStage, &b.FailedReason, &b.ChapterCount, &b.CreatedAt, &b.UpdatedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("repository.ListByUser: scan: %w", err)
		}
		b.Status = model.BookStatus(status)
		books = append(books, b)
	}
	return books, total, nil
}
