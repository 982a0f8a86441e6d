package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/flowreader/flowreader-backend/internal/apierr"
	"github.com/flowreader/flowreader-backend/internal/middleware"
	"github.com/flowreader/flowreader-backend/internal/model"
)

type stubBookLister struct {
	items []model.Book
	total int
	err   error
}

func (s *stubBookLister) ListByUser(ctx context.Context, userID string, limit, offset int) ([]model.Book, int, error) {
	return s.items, s.total, s.err
}

type stubBookLookup struct {
	book *model.Book
	err  error
}

func (s *stubBookLookup) GetByID(ctx context.Context, id string) (*model.Book, error) {
	return s.book, s.err
}

type stubChapterLister struct {
	items []model.Chapter
	err   error
}

func (s *stubChapterLister) ListByBook(ctx context.Context, bookID string) ([]model.Chapter, error) {
	return s.items, s.err
}

type stubChapterLookup struct {
	chapter *model.Chapter
	err     error
}

func (s *stubChapterLookup) GetByID(ctx context.Context, id string) (*model.Chapter, error) {
	return s.chapter, s.err
}

type stubPositionStore struct {
	upserted *model.ReadPosition
	err      error
}

func (s *stubPositionStore) Upsert(ctx context.Context, p model.ReadPosition) error {
	s.upserted = &p
	return s.err
}

func (s *stubPositionStore) GetByBook(ctx context.Context, ownerUserID, bookID string) (*model.ReadPosition, error) {
	return nil, apierr.New(apierr.NotFound, "no saved position")
}

func withRouteParam(req *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func TestListBooks_RequiresAuth(t *testing.T) {
	handler := ListBooks(&stubBookLister{})
	req := httptest.NewRequest(http.MethodGet, "/api/books", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestListBooks_Success(t *testing.T) {
	lister := &stubBookLister{items: []model.Book{{ID: "b1", OwnerUserID: "user-1"}}, total: 1}
	handler := ListBooks(lister)

	req := withAuth(httptest.NewRequest(http.MethodGet, "/api/books?limit=10&offset=0", nil), "user-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestGetBook_CrossUserGets404(t *testing.T) {
	bookID := "11111111-1111-1111-1111-111111111111"
	lookup := &stubBookLookup{book: &model.Book{ID: bookID, OwnerUserID: "owner"}}
	handler := GetBook(lookup)

	req := withAuth(httptest.NewRequest(http.MethodGet, "/api/books/"+bookID, nil), "someone-else")
	req = withRouteParam(req, "bookId", bookID)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestGetBook_MissingBookGets404(t *testing.T) {
	bookID := "11111111-1111-1111-1111-111111111111"
	lookup := &stubBookLookup{err: apierr.New(apierr.NotFound, "book not found")}
	handler := GetBook(lookup)

	req := withAuth(httptest.NewRequest(http.MethodGet, "/api/books/"+bookID, nil), "user-1")
	req = withRouteParam(req, "bookId", bookID)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestGetBook_Success(t *testing.T) {
	bookID := "11111111-1111-1111-1111-111111111111"
	lookup := &stubBookLookup{book: &model.Book{ID: bookID, OwnerUserID: "user-1"}}
	handler := GetBook(lookup)

	req := withAuth(httptest.NewRequest(http.MethodGet, "/api/books/"+bookID, nil), "user-1")
	req = withRouteParam(req, "bookId", bookID)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestListChapters_CrossUserGets404(t *testing.T) {
	bookID := "11111111-1111-1111-1111-111111111111"
	books := &stubBookLookup{book: &model.Book{ID: bookID, OwnerUserID: "owner"}}
	chapters := &stubChapterLister{}
	handler := ListChapters(books, chapters)

	req := withAuth(httptest.NewRequest(http.MethodGet, "/api/books/"+bookID+"/chapters", nil), "someone-else")
	req = withRouteParam(req, "bookId", bookID)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestGetChapter_CrossUserGets404(t *testing.T) {
	chapterID := "22222222-2222-2222-2222-222222222222"
	bookID := "11111111-1111-1111-1111-111111111111"
	chapters := &stubChapterLookup{chapter: &model.Chapter{ID: chapterID, BookID: bookID}}
	books := &stubBookLookup{book: &model.Book{ID: bookID, OwnerUserID: "owner"}}
	handler := GetChapter(chapters, books)

	req := withAuth(httptest.NewRequest(http.MethodGet, "/api/chapters/"+chapterID, nil), "someone-else")
	req = withRouteParam(req, "chapterId", chapterID)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestUpdatePosition_RejectsMissingIDs(t *testing.T) {
	books := &stubBookLookup{}
	positions := &stubPositionStore{}
	handler := UpdatePosition(books, positions)

	body, _ := json.Marshal(map[string]any{"bookId": "", "chapterId": "", "offset": 0})
	req := withAuth(httptest.NewRequest(http.MethodPost, "/api/position", bytes.NewReader(body)), "user-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestUpdatePosition_Success(t *testing.T) {
	bookID := "11111111-1111-1111-1111-111111111111"
	chapterID := "22222222-2222-2222-2222-222222222222"
	books := &stubBookLookup{book: &model.Book{ID: bookID, OwnerUserID: "user-1"}}
	positions := &stubPositionStore{}
	handler := UpdatePosition(books, positions)

	body, _ := json.Marshal(map[string]any{"bookId": bookID, "chapterId": chapterID, "offset": 42})
	req := withAuth(httptest.NewRequest(http.MethodPost, "/api/position", bytes.NewReader(body)), "user-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if positions.upserted == nil || positions.upserted.Offset != 42 {
		t.Fatalf("expected position to be upserted with offset 42")
	}
}
