package repository

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flowreader/flowreader-backend/internal/model"
	"github.com/flowreader/flowreader-backend/internal/ratelimit"
)

// SecurityEventRepo persists the append-only security log a narrower
// replacement for the teacher's general-purpose audit trail, scoped to the
// handful of event kinds spec's security-observability requirements
// actually call for (auth failures, rate-limit denials, a degraded limiter
// store, ownership-check denials).
type SecurityEventRepo struct {
	pool *pgxpool.Pool
}

// NewSecurityEventRepo creates a SecurityEventRepo.
func NewSecurityEventRepo(pool *pgxpool.Pool) *SecurityEventRepo {
	return &SecurityEventRepo{pool: pool}
}

// Record appends one security event. Never updated or deleted afterward.
func (r *SecurityEventRepo) Record(ctx context.Context, e model.SecurityEvent) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO security_events (id, kind, user_id, endpoint, detail, created_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), $6)`,
		e.ID, string(e.Kind), e.UserID, e.Endpoint, e.Detail, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("repository.Record: %w", err)
	}
	return nil
}

// NotifyDegraded satisfies ratelimit.DegradedNotifier, so a SecurityEventRepo
// can be wired directly as the limiter's fail-open hook without a middleman
// adapter. Uses context.Background() since the limiter calls this from
// inside its own request-scoped check, which may already be unwinding.
func (r *SecurityEventRepo) NotifyDegraded(identityID string, class ratelimit.Class, cause error) {
	err := r.Record(context.Background(), model.SecurityEvent{
		Kind:   model.EventLimiterDegraded,
		UserID: identityID,
		Detail: fmt.Sprintf("class=%s: %v", class, cause),
	})
	if err != nil {
		slog.Error("security event: failed to record limiter degradation", "error", err)
	}
}

// ListByKind returns the most recent events of a kind, newest first, for an
// operator inspecting a specific class of denial.
func (r *SecurityEventRepo) ListByKind(ctx context.Context, kind model.SecurityEventKind, limit int) ([]model.SecurityEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, kind, coalesce(user_id, ''), coalesce(endpoint, ''), coalesce(detail, ''), created_at
		FROM security_events WHERE kind = $1 ORDER BY created_at DESC LIMIT $2`, string(kind), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("repository.ListByKind: %w", err)
	}
	defer rows.Close()

	var events []model.SecurityEvent
	for rows.Next() {
		var e model.SecurityEvent
		var kindStr string
		if err := rows.Scan(&e.ID, &kindStr, &e.UserID, &e.Endpoint, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("repository.ListByKind: scan: %w", err)
		}
		e.Kind = model.SecurityEventKind(kindStr)
		events = append(events, e)
	}
	return events, nil
}
