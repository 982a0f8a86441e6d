package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flowreader/flowreader-backend/internal/apierr"
	"github.com/flowreader/flowreader-backend/internal/model"
)

// PositionRepo tracks a reader's last-read chapter and offset per book, a
// single upserted row the way the teacher tracks per-user settings rather
// than an append-only log.
type PositionRepo struct {
	pool *pgxpool.Pool
}

// NewPositionRepo creates a PositionRepo.
func NewPositionRepo(pool *pgxpool.Pool) *PositionRepo {
	return &PositionRepo{pool: pool}
}

// Upsert records the reader's current position, overwriting any prior one
// for this (user, book) pair.
func (r *PositionRepo) Upsert(ctx context.Context, p model.ReadPosition) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO read_positions (owner_user_id, book_id, chapter_id, offset_chars, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (owner_user_id, book_id)
		DO UPDATE SET chapter_id = $3, offset_chars = $4, updated_at = $5`,
		p.OwnerUserID, p.BookID, p.ChapterID, p.Offset, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("repository.Upsert: %w", err)
	}
	return nil
}

// GetByBook returns the reader's last saved position for a book.
func (r *PositionRepo) GetByBook(ctx context.Context, ownerUserID, bookID string) (*model.ReadPosition, error) {
	p := &model.ReadPosition{}
	err := r.pool.QueryRow(ctx, `
		SELECT owner_user_id, book_id, chapter_id, offset_chars, updated_at
		FROM read_positions WHERE owner_user_id = $1 AND book_id = $2`, ownerUserID, bookID,
	).Scan(&p.OwnerUserID, &p.BookID, &p.ChapterID, &p.Offset, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apierr.New(apierr.NotFound, "no saved position")
		}
		return nil, fmt.Errorf("repository.GetByBook: %w", err)
	}
	return p, nil
}
