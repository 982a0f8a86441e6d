package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/flowreader/flowreader-backend/internal/dialog"
	"github.com/flowreader/flowreader-backend/internal/middleware"
)

func newTestEngine() *dialog.Engine {
	return dialog.New(nil, nil, nil, nil, "primary-model", "cost-optimized-model")
}

func TestChatStream_RequiresAuth(t *testing.T) {
	handler := ChatStream(newTestEngine())

	body, _ := json.Marshal(map[string]any{"bookId": "b1", "query": "hi"})
	req := httptest.NewRequest(http.MethodPost, "/api/chat/stream", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestChatStream_RejectsInvalidBookID(t *testing.T) {
	handler := ChatStream(newTestEngine())

	body, _ := json.Marshal(map[string]any{"bookId": "not-a-uuid", "query": "hi"})
	req := httptest.NewRequest(http.MethodPost, "/api/chat/stream", bytes.NewReader(body))
	req = req.WithContext(middleware.WithUserID(req.Context(), "user-1"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestChatStream_RejectsUnknownIntent(t *testing.T) {
	handler := ChatStream(newTestEngine())

	body, _ := json.Marshal(map[string]any{
		"bookId": "11111111-1111-1111-1111-111111111111",
		"intent": "not-a-real-intent",
		"query":  "hi",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/chat/stream", bytes.NewReader(body))
	req = req.WithContext(middleware.WithUserID(req.Context(), "user-1"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestChatStream_RejectsOversizedSelection(t *testing.T) {
	handler := ChatStream(newTestEngine())

	longText := make([]byte, 1001)
	for i := range longText {
		longText[i] = 'a'
	}
	body, _ := json.Marshal(map[string]any{
		"bookId":    "11111111-1111-1111-1111-111111111111",
		"query":     "hi",
		"selection": map[string]any{"text": string(longText), "start": 0, "end": 1001},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/chat/stream", bytes.NewReader(body))
	req = req.WithContext(middleware.WithUserID(req.Context(), "user-1"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}
