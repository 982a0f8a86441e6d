package repository

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/flowreader/flowreader-backend/internal/apierr"
	"github.com/flowreader/flowreader-backend/internal/model"
)

func newTestTask(ownerID, bookID string) model.Task {
	return model.Task{
		ID:          uuid.NewString(),
		BookID:      bookID,
		OwnerUserID: ownerID,
		State:       model.TaskQueued,
	}
}

func TestTaskRepo_CreateThenGetByID(t *testing.T) {
	pool, cleanup := setupRepo(t)
	defer cleanup()

	books := NewBookRepo(pool)
	book := newTestBook("user-task-1")
	ctx := context.Background()
	if err := books.Create(ctx, book); err != nil {
		t.Fatalf("Create book: %v", err)
	}

	tasks := NewTaskRepo(pool)
	task := newTestTask("user-task-1", book.ID)
	created, err := tasks.Create(ctx, task)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.State != model.TaskQueued {
		t.Fatalf("created state = %v, want queued", created.State)
	}

	got, err := tasks.GetByID(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.BookID != book.ID || got.OwnerUserID != "user-task-1" {
		t.Fatalf("got %+v, want matching %+v", got, task)
	}
}

func TestTaskRepo_GetByID_MissingReturnsNotFound(t *testing.T) {
	pool, cleanup := setupRepo(t)
	defer cleanup()

	tasks := NewTaskRepo(pool)
	_, err := tasks.GetByID(context.Background(), uuid.NewString())
	if err == nil {
		t.Fatal("expected error for missing task")
	}

	var ae *apierr.Error
	if !errors.As(err, &ae) || ae.K != apierr.NotFound {
		t.Fatalf("err = %v, want apierr.NotFound", err)
	}
}

func TestTaskRepo_UpdateProgressThenMarkFailed(t *testing.T) {
	pool, cleanup := setupRepo(t)
	defer cleanup()

	books := NewBookRepo(pool)
	book := newTestBook("user-task-2")
	ctx := context.Background()
	if err := books.Create(ctx, book); err != nil {
		t.Fatalf("Create book: %v", err)
	}

	tasks := NewTaskRepo(pool)
	task := newTestTask("user-task-2", book.ID)
	if _, err := tasks.Create(ctx, task); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := tasks.UpdateProgress(ctx, task.ID, model.TaskRunning, 42); err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}
	got, err := tasks.GetByID(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.State != model.TaskRunning || got.Progress != 42 {
		t.Fatalf("got %+v, want running/42", got)
	}

	if err := tasks.MarkFailed(ctx, task.ID, "parse_failed"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	got, err = tasks.GetByID(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.State != model.TaskFailed || got.ErrorKind != "parse_failed" {
		t.Fatalf("got %+v, want failed/parse_failed", got)
	}
}
