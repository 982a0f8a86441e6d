package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/flowreader/flowreader-backend/internal/apierr"
	"github.com/flowreader/flowreader-backend/internal/model"
	"github.com/flowreader/flowreader-backend/internal/validate"
)

// uploadURLExpiry is how long a signed upload URL stays valid. The spec's
// happy-path scenario requires an expiry at least 14 minutes out.
const uploadURLExpiry = 15 * time.Minute

// UploadSigner issues a signed URL a client uploads an EPUB directly to.
type UploadSigner interface {
	SignedUpload(userID, fileName string, expiry time.Duration) (uploadKey, signedURL string, expiresAt time.Time, err error)
}

// BookCreator is the subset of BookRepo the upload flow needs: look up an
// existing book by its idempotency key, or create a new one.
type BookCreator interface {
	GetByUploadKey(ctx context.Context, ownerUserID, uploadKey string) (*model.Book, error)
	Create(ctx context.Context, b *model.Book) error
}

// IngestPublisher hands a newly created book off to the ingestion transport.
type IngestPublisher interface {
	Publish(ctx context.Context, bookID string) error
}

// TaskCreator records the client-visible handle for an ingest job.
type TaskCreator interface {
	Create(ctx context.Context, t model.Task) (model.Task, error)
}

type signedUploadRequest struct {
	FileName string `json:"fileName"`
	FileSize int64  `json:"fileSize"`
}

// SignedUploadURL handles POST /api/upload/signed-url.
func SignedUploadURL(signer UploadSigner, maxUploadSizeBytes int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}

		var req signedUploadRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			apierr.New(apierr.ValidationError, "invalid request body").WriteJSON(w)
			return
		}
		if verr := validate.FileName(req.FileName); verr != nil {
			verr.WriteJSON(w)
			return
		}
		if verr := validate.FileSize(req.FileSize, maxUploadSizeBytes); verr != nil {
			verr.WriteJSON(w)
			return
		}

		uploadKey, signedURL, expiresAt, err := signer.SignedUpload(userID, req.FileName, uploadURLExpiry)
		if err != nil {
			writeErr(w, r, apierr.Wrap(apierr.Internal, "failed to create signed upload", err))
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"signedUrl": signedURL,
			"uploadKey": uploadKey,
			"expiresAt": expiresAt,
		})
	}
}

type processUploadRequest struct {
	UploadKey string `json:"uploadKey"`
	FileName  string `json:"fileName"`
}

// ProcessUpload handles POST /api/upload/process: creates the book row and
// enqueues ingestion. Idempotent on (owner, uploadKey): a redelivered
// request with the same uploadKey returns the bookId from the first call
// instead of creating a second book or re-enqueueing a completed ingest.
func ProcessUpload(books BookCreator, tasks TaskCreator, publisher IngestPublisher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r)
		if !ok {
			return
		}

		var req processUploadRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			apierr.New(apierr.ValidationError, "invalid request body").WriteJSON(w)
			return
		}
		if req.UploadKey == "" {
			apierr.Validation(apierr.ValidationFailure{Field: "uploadKey", Reason: "required"}).WriteJSON(w)
			return
		}
		if verr := validate.FileName(req.FileName); verr != nil {
			verr.WriteJSON(w)
			return
		}

		existing, err := books.GetByUploadKey(r.Context(), userID, req.UploadKey)
		if err == nil {
			writeJSON(w, http.StatusAccepted, map[string]any{"bookId": existing.ID, "status": string(existing.Status)})
			return
		}
		if ae := apierr.As(err); ae.K != apierr.NotFound {
			writeErr(w, r, apierr.Wrap(apierr.Internal, "failed to check for existing book", err))
			return
		}

		book := &model.Book{
			ID:          uuid.NewString(),
			OwnerUserID: userID,
			Title:       validate.Sanitize(req.FileName),
			UploadKey:   req.UploadKey,
			Status:      model.BookProcessing,
		}
		if err := books.Create(r.Context(), book); err != nil {
			writeErr(w, r, apierr.Wrap(apierr.Internal, "failed to create book", err))
			return
		}

		if _, err := tasks.Create(r.Context(), model.Task{
			ID:          uuid.NewString(),
			BookID:      book.ID,
			OwnerUserID: userID,
			State:       model.TaskQueued,
		}); err != nil {
			writeErr(w, r, apierr.Wrap(apierr.Internal, "failed to record ingest task", err))
			return
		}

		if err := publisher.Publish(r.Context(), book.ID); err != nil {
			writeErr(w, r, apierr.Wrap(apierr.Internal, "failed to enqueue ingest", err))
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]any{"bookId": book.ID, "status": string(book.Status)})
	}
}
