package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/flowreader/flowreader-backend/internal/apierr"
	"github.com/flowreader/flowreader-backend/internal/middleware"
	"github.com/flowreader/flowreader-backend/internal/model"
)

type stubSigner struct {
	uploadKey string
	signedURL string
	expiresAt time.Time
	err       error
}

func (s *stubSigner) SignedUpload(userID, fileName string, expiry time.Duration) (string, string, time.Time, error) {
	return s.uploadKey, s.signedURL, s.expiresAt, s.err
}

type stubBookCreator struct {
	existing *model.Book
	getErr   error
	created  *model.Book
	createErr error
}

func (s *stubBookCreator) GetByUploadKey(ctx context.Context, ownerUserID, uploadKey string) (*model.Book, error) {
	return s.existing, s.getErr
}

func (s *stubBookCreator) Create(ctx context.Context, b *model.Book) error {
	s.created = b
	return s.createErr
}

type stubTaskCreator struct {
	calls int
	err   error
}

func (s *stubTaskCreator) Create(ctx context.Context, t model.Task) (model.Task, error) {
	s.calls++
	return t, s.err
}

type stubIngestPublisher struct {
	calls int
	err   error
}

func (s *stubIngestPublisher) Publish(ctx context.Context, bookID string) error {
	s.calls++
	return s.err
}

func withAuth(req *http.Request, userID string) *http.Request {
	if userID == "" {
		return req
	}
	return req.WithContext(middleware.WithUserID(req.Context(), userID))
}

func TestSignedUploadURL_RejectsNonEpub(t *testing.T) {
	handler := SignedUploadURL(&stubSigner{}, 1<<20)

	body, _ := json.Marshal(map[string]any{"fileName": "book.pdf", "fileSize": 1024})
	req := withAuth(httptest.NewRequest(http.MethodPost, "/api/upload/signed-url", bytes.NewReader(body)), "user-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestSignedUploadURL_RejectsOversizedFile(t *testing.T) {
	handler := SignedUploadURL(&stubSigner{}, 1024)

	body, _ := json.Marshal(map[string]any{"fileName": "book.epub", "fileSize": 999999})
	req := withAuth(httptest.NewRequest(http.MethodPost, "/api/upload/signed-url", bytes.NewReader(body)), "user-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestSignedUploadURL_Success(t *testing.T) {
	signer := &stubSigner{uploadKey: "key-1", signedURL: "https://example.com/upload", expiresAt: time.Now().Add(15 * time.Minute)}
	handler := SignedUploadURL(signer, 1<<20)

	body, _ := json.Marshal(map[string]any{"fileName": "book.epub", "fileSize": 1024})
	req := withAuth(httptest.NewRequest(http.MethodPost, "/api/upload/signed-url", bytes.NewReader(body)), "user-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestProcessUpload_IdempotentOnUploadKey(t *testing.T) {
	existing := &model.Book{ID: "book-1", OwnerUserID: "user-1", Status: model.BookReady}
	books := &stubBookCreator{existing: existing}
	tasks := &stubTaskCreator{}
	publisher := &stubIngestPublisher{}
	handler := ProcessUpload(books, tasks, publisher)

	body, _ := json.Marshal(map[string]any{"uploadKey": "key-1", "fileName": "book.epub"})
	req := withAuth(httptest.NewRequest(http.MethodPost, "/api/upload/process", bytes.NewReader(body)), "user-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	if tasks.calls != 0 {
		t.Errorf("tasks.calls = %d, want 0 on idempotent replay", tasks.calls)
	}
	if publisher.calls != 0 {
		t.Errorf("publisher.calls = %d, want 0 on idempotent replay", publisher.calls)
	}
	if books.created != nil {
		t.Errorf("expected no new book to be created on idempotent replay")
	}
}

func TestProcessUpload_CreatesBookOnFirstCall(t *testing.T) {
	books := &stubBookCreator{getErr: apierr.New(apierr.NotFound, "book not found")}
	tasks := &stubTaskCreator{}
	publisher := &stubIngestPublisher{}
	handler := ProcessUpload(books, tasks, publisher)

	body, _ := json.Marshal(map[string]any{"uploadKey": "key-1", "fileName": "book.epub"})
	req := withAuth(httptest.NewRequest(http.MethodPost, "/api/upload/process", bytes.NewReader(body)), "user-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	if books.created == nil {
		t.Fatal("expected a book to be created")
	}
	if tasks.calls != 1 {
		t.Errorf("tasks.calls = %d, want 1", tasks.calls)
	}
	if publisher.calls != 1 {
		t.Errorf("publisher.calls = %d, want 1", publisher.calls)
	}
}
