package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flowreader/flowreader-backend/internal/dialog"
	"github.com/flowreader/flowreader-backend/internal/model"
	"github.com/flowreader/flowreader-backend/internal/notegen"
)

// DialogRepo implements dialog.MessageRecorder and notegen.History,
// persisting and replaying a book's chat transcript. Grounded on the
// teacher's thread-message persistence shape, collapsed from a
// multi-channel thread model to one row per book per user.
type DialogRepo struct {
	pool *pgxpool.Pool
}

// NewDialogRepo creates a DialogRepo.
func NewDialogRepo(pool *pgxpool.Pool) *DialogRepo {
	return &DialogRepo{pool: pool}
}

var (
	_ dialog.MessageRecorder = (*DialogRepo)(nil)
	_ notegen.History        = (*DialogRepo)(nil)
)

// Record persists one dialog turn.
func (r *DialogRepo) Record(ctx context.Context, msg model.DialogMessage) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	var intent *string
	if msg.Intent != nil {
		s := string(*msg.Intent)
		intent = &s
	}

	var metricsJSON []byte
	if msg.Metrics != nil {
		b, err := json.Marshal(msg.Metrics)
		if err != nil {
			return fmt.Errorf("repository.Record: marshal metrics: %w", err)
		}
		metricsJSON = b
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO dialog_messages (id, book_id, owner_user_id, role, content, intent, metrics, completed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		msg.ID, msg.BookID, msg.OwnerUserID, string(msg.Role), msg.Content, intent, metricsJSON, msg.Completed, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("repository.Record: %w", err)
	}
	return nil
}

// Recent returns the last limit turns for a book, oldest first, the order
// notegen's dialog_summary method renders them in.
func (r *DialogRepo) Recent(ctx context.Context, userID, bookID string, limit int) ([]model.DialogMessage, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, book_id, owner_user_id, role, content, intent, metrics, completed, created_at
		FROM dialog_messages
		WHERE owner_user_id = $1 AND book_id = $2
		ORDER BY created_at DESC
		LIMIT $3`, userID, bookID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("repository.Recent: %w", err)
	}
	defer rows.Close()

	var msgs []model.DialogMessage
	for rows.Next() {
		var m model.DialogMessage
		var role string
		var intent *string
		var metricsJSON []byte
		if err := rows.Scan(&m.ID, &m.BookID, &m.OwnerUserID, &role, &m.Content, &intent, &metricsJSON, &m.Completed, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("repository.Recent: scan: %w", err)
		}
		m.Role = model.DialogRole(role)
		if intent != nil {
			i := model.Intent(*intent)
			m.Intent = &i
		}
		if len(metricsJSON) > 0 {
			var metrics model.DialogMetrics
			if err := json.Unmarshal(metricsJSON, &metrics); err != nil {
				return nil, fmt.Errorf("repository.Recent: unmarshal metrics: %w", err)
			}
			m.Metrics = &metrics
		}
		msgs = append(msgs, m)
	}

	// Reverse to oldest-first; the query fetched newest-first to bound the
	// scan to the most recent `limit` rows cheaply.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	return msgs, nil
}
