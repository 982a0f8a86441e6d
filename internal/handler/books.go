package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/flowreader/flowreader-backend/internal/apierr"
	"github.com/flowreader/flowreader-backend/internal/identity"
	"github.com/flowreader/flowreader-backend/internal/model"
	"github.com/flowreader/flowreader-backend/internal/validate"
)

// BookLister paginates a user's library.
type BookLister interface {
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]model.Book, int, error)
}

// BookLookup resolves a single book, used both for the detail endpoint and
// as the ownership check's backing lookup.
type BookLookup interface {
	GetByID(ctx context.Context, id string) (*model.Book, error)
}

// ChapterLister returns a book's chapters in reading order.
type ChapterLister interface {
	ListByBook(ctx context.Context, bookID string) ([]model.Chapter, error)
}

// ChapterLookup resolves a single chapter.
type ChapterLookup interface {
	GetByID(ctx context.Context, id string) (*model.Chapter, error)
}

// PositionStore reads and writes a reader's saved position.
type PositionStore interface {
	Upsert(ctx context.Context, p model.ReadPosition) error
	GetByBook(ctx context.Context, ownerUserID, bookID string) (*model.ReadPosition, error)
}

func bookOwnerChecker(books BookLookup) identity.OwnerChecker {
	return func(ctx context.Context, resourceID string) (string, bool, error) {
		b, err := books.GetByID(ctx, resourceID)
		if err != nil {
			if ae := apierr.As(err); ae.K == apierr.NotFound {
				return "", false, nil
			}
			return "", false, err
		}
		return b.OwnerUserID, true, nil
	}
}

// ListBooks handles GET /api/books.
func ListBooks(books BookLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}

		limit, offset := parsePagination(r)
		if verr := validate.Pagination(limit, offset); verr != nil {
			verr.WriteJSON(w)
			return
		}

		items, total, err := books.ListByUser(r.Context(), userID, limit, offset)
		if err != nil {
			writeErr(w, r, apierr.Wrap(apierr.Internal, "failed to list books", err))
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"items":   items,
			"total":   total,
			"hasMore": offset+len(items) < total,
		})
	}
}

// GetBook handles GET /api/books/{bookId}.
func GetBook(books BookLookup) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}

		bookID := chi.URLParam(r, "bookId")
		if !validateUUID(bookID) {
			apierr.New(apierr.ValidationError, "invalid book id").WriteJSON(w)
			return
		}

		if err := identity.AssertOwnership(r.Context(), userID, bookID, bookOwnerChecker(books)); err != nil {
			notFoundFromOwnership(err).WriteJSON(w)
			return
		}

		book, err := books.GetByID(r.Context(), bookID)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, book)
	}
}

type chapterSummary struct {
	ChapterID string `json:"chapterId"`
	Idx       int    `json:"idx"`
	Title     string `json:"title"`
}

// ListChapters handles GET /api/books/{bookId}/chapters.
func ListChapters(books BookLookup, chapters ChapterLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}

		bookID := chi.URLParam(r, "bookId")
		if !validateUUID(bookID) {
			apierr.New(apierr.ValidationError, "invalid book id").WriteJSON(w)
			return
		}

		if err := identity.AssertOwnership(r.Context(), userID, bookID, bookOwnerChecker(books)); err != nil {
			notFoundFromOwnership(err).WriteJSON(w)
			return
		}

		list, err := chapters.ListByBook(r.Context(), bookID)
		if err != nil {
			writeErr(w, r, apierr.Wrap(apierr.Internal, "failed to list chapters", err))
			return
		}

		out := make([]chapterSummary, len(list))
		for i, c := range list {
			out[i] = chapterSummary{ChapterID: c.ID, Idx: c.Idx, Title: c.Title}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func chapterOwnerChecker(chapters ChapterLookup, books BookLookup) identity.OwnerChecker {
	return func(ctx context.Context, resourceID string) (string, bool, error) {
		c, err := chapters.GetByID(ctx, resourceID)
		if err != nil {
			if ae := apierr.As(err); ae.K == apierr.NotFound {
				return "", false, nil
			}
			return "", false, err
		}
		b, err := books.GetByID(ctx, c.BookID)
		if err != nil {
			if ae := apierr.As(err); ae.K == apierr.NotFound {
				return "", false, nil
			}
			return "", false, err
		}
		return b.OwnerUserID, true, nil
	}
}

// GetChapter handles GET /api/chapters/{chapterId}.
func GetChapter(chapters ChapterLookup, books BookLookup) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}

		chapterID := chi.URLParam(r, "chapterId")
		if !validateUUID(chapterID) {
			apierr.New(apierr.ValidationError, "invalid chapter id").WriteJSON(w)
			return
		}

		if err := identity.AssertOwnership(r.Context(), userID, chapterID, chapterOwnerChecker(chapters, books)); err != nil {
			notFoundFromOwnership(err).WriteJSON(w)
			return
		}

		chapter, err := chapters.GetByID(r.Context(), chapterID)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, chapter)
	}
}

type positionRequest struct {
	BookID    string `json:"bookId"`
	ChapterID string `json:"chapterId"`
	Offset    int    `json:"offset"`
}

// UpdatePosition handles POST /api/position.
func UpdatePosition(books BookLookup, positions PositionStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}

		var req positionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			apierr.New(apierr.ValidationError, "invalid request body").WriteJSON(w)
			return
		}
		if !validateUUID(req.BookID) || !validateUUID(req.ChapterID) {
			apierr.New(apierr.ValidationError, "bookId and chapterId are required").WriteJSON(w)
			return
		}
		if req.Offset < 0 {
			apierr.Validation(apierr.ValidationFailure{Field: "offset", Reason: "must be non-negative"}).WriteJSON(w)
			return
		}

		if err := identity.AssertOwnership(r.Context(), userID, req.BookID, bookOwnerChecker(books)); err != nil {
			notFoundFromOwnership(err).WriteJSON(w)
			return
		}

		err := positions.Upsert(r.Context(), model.ReadPosition{
			OwnerUserID: userID,
			BookID:      req.BookID,
			ChapterID:   req.ChapterID,
			Offset:      req.Offset,
		})
		if err != nil {
			writeErr(w, r, apierr.Wrap(apierr.Internal, "failed to save position", err))
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}
