package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flowreader/flowreader-backend/internal/apierr"
	"github.com/flowreader/flowreader-backend/internal/model"
)

// TaskRepo persists the asynchronous ingestion job handles GET
// /api/tasks/{taskId}/status polls, generalized from the teacher's
// Document.IndexStatus state machine into its own table since FlowReader's
// pipeline is queue-driven rather than an in-process goroutine.
type TaskRepo struct {
	pool *pgxpool.Pool
}

func NewTaskRepo(pool *pgxpool.Pool) *TaskRepo {
	return &TaskRepo{pool: pool}
}

// Create records a newly enqueued ingestion job.
func (r *TaskRepo) Create(ctx context.Context, t model.Task) (model.Task, error) {
	if t.State == "" {
		t.State = model.TaskQueued
	}
	row := r.pool.QueryRow(ctx, `
		INSERT INTO tasks (id, book_id, owner_user_id, state, progress, error_kind)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))
		RETURNING id, book_id, owner_user_id, state, progress, coalesce(error_kind, ''), created_at, updated_at`,
		t.ID, t.BookID, t.OwnerUserID, string(t.State), t.Progress, t.ErrorKind,
	)
	return scanTask(row)
}

// GetByID loads one task by ID, scoped to its owner by the caller.
func (r *TaskRepo) GetByID(ctx context.Context, id string) (*model.Task, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, book_id, owner_user_id, state, progress, coalesce(error_kind, ''), created_at, updated_at
		FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apierr.New(apierr.NotFound, "task not found")
		}
		return nil, err
	}
	return &t, nil
}

// UpdateProgress advances a running task's state and progress; the worker
// calls this as the pipeline moves through its stages.
func (r *TaskRepo) UpdateProgress(ctx context.Context, id string, state model.TaskState, progress int) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE tasks SET state = $2, progress = $3, updated_at = now() WHERE id = $1`,
		id, string(state), progress,
	)
	if err != nil {
		return fmt.Errorf("repository.UpdateProgress: %w", err)
	}
	return nil
}

// MarkFailed records the terminal failed state with its error kind.
func (r *TaskRepo) MarkFailed(ctx context.Context, id, errorKind string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE tasks SET state = $2, error_kind = $3, updated_at = now() WHERE id = $1`,
		id, string(model.TaskFailed), errorKind,
	)
	if err != nil {
		return fmt.Errorf("repository.MarkFailed: %w", err)
	}
	return nil
}

type taskRowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row taskRowScanner) (model.Task, error) {
	var t model.Task
	var state string
	err := row.Scan(&t.ID, &t.BookID, &t.OwnerUserID, &state, &t.Progress, &t.ErrorKind, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return model.Task{}, fmt.Errorf("repository.scanTask: %w", err)
	}
	t.State = model.TaskState(state)
	return t, nil
}
