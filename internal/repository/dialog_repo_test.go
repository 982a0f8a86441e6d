package repository

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/flowreader/flowreader-backend/internal/model"
)

func TestDialogRepo_RecordThenRecentReturnsOldestFirst(t *testing.T) {
	pool, cleanup := setupRepo(t)
	defer cleanup()

	books := NewBookRepo(pool)
	repo := NewDialogRepo(pool)
	ctx := context.Background()

	book := newTestBook("user-dialog-1")
	if err := books.Create(ctx, book); err != nil {
		t.Fatalf("Create book: %v", err)
	}

	first := model.DialogMessage{ID: uuid.NewString(), BookID: book.ID, OwnerUserID: book.OwnerUserID, Role: model.RoleUser, Content: "what happens first"}
	second := model.DialogMessage{ID: uuid.NewString(), BookID: book.ID, OwnerUserID: book.OwnerUserID, Role: model.RoleAssistant, Content: "the hero arrives"}

	if err := repo.Record(ctx, first); err != nil {
		t.Fatalf("Record first: %v", err)
	}
	if err := repo.Record(ctx, second); err != nil {
		t.Fatalf("Record second: %v", err)
	}

	turns, err := repo.Recent(ctx, book.OwnerUserID, book.ID, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("got %d turns, want 2", len(turns))
	}
	if turns[0].Content != first.Content || turns[1].Content != second.Content {
		t.Fatalf("turns out of order: %+v", turns)
	}
}

func TestDialogRepo_RecentCapsAtLimit(t *testing.T) {
	pool, cleanup := setupRepo(t)
	defer cleanup()

	books := NewBookRepo(pool)
	repo := NewDialogRepo(pool)
	ctx := context.Background()

	book := newTestBook("user-dialog-2")
	if err := books.Create(ctx, book); err != nil {
		t.Fatalf("Create book: %v", err)
	}

	for i := 0; i < 5; i++ {
		msg := model.DialogMessage{ID: uuid.NewString(), BookID: book.ID, OwnerUserID: book.OwnerUserID, Role: model.RoleUser, Content: "turn"}
		if err := repo.Record(ctx, msg); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	turns, err := repo.Recent(ctx, book.OwnerUserID, book.ID, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("got %d turns, want 2 (limit)", len(turns))
	}
}
