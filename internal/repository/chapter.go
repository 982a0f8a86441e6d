package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flowreader/flowreader-backend/internal/apierr"
	"github.com/flowreader/flowreader-backend/internal/model"
	"github.com/flowreader/flowreader-backend/internal/notegen"
)

// ChapterRepo implements notegen.ChapterLookup and the reading-surface
// chapter-by-chapter fetch the handlers need.
type ChapterRepo struct {
	pool *pgxpool.Pool
}

// NewChapterRepo creates a ChapterRepo.
func NewChapterRepo(pool *pgxpool.Pool) *ChapterRepo {
	return &ChapterRepo{pool: pool}
}

var _ notegen.ChapterLookup = (*ChapterRepo)(nil)

func (r *ChapterRepo) GetByID(ctx context.Context, id string) (*model.Chapter, error) {
	c := &model.Chapter{}
	err := r.pool.QueryRow(ctx, `
		SELECT id, book_id, idx, title, content, word_count, created_at
		FROM chapters WHERE id = $1`, id,
	).Scan(&c.ID, &c.BookID, &c.Idx, &c.Title, &c.Content, &c.WordCount, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apierr.New(apierr.NotFound, "chapter not found")
		}
		return nil, fmt.Errorf("repository.GetByID: %w", err)
	}
	return c, nil
}

// ListByBook returns a book's chapters in reading order.
func (r *ChapterRepo) ListByBook(ctx context.Context, bookID string) ([]model.Chapter, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, book_id, idx, title, content, word_count, created_at
		FROM chapters WHERE book_id = $1 ORDER BY idx ASC`, bookID,
	)
	if err != nil {
		return nil, fmt.Errorf("repository.ListByBook: %w", err)
	}
	defer rows.Close()

	var chapters []model.Chapter
	for rows.Next() {
		var c model.Chapter
		if err := rows.Scan(&c.ID, &c.BookID, &c.Idx, &c.Title, &c.Content, &c.WordCount, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("repository.ListByBook: scan: %w", err)
		}
		chapters = append(chapters, c)
	}
	return chapters, nil
}
