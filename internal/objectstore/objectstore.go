// Package objectstore implements C4: signed upload URL issuance and
// download against the object store, scoped to a per-user key prefix.
package objectstore

import (
	"context"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"

	"github.com/flowreader/flowreader-backend/internal/validate"
)

// Adapter wraps the object-store client.
type Adapter struct {
	client *storage.Client
	bucket string
}

// New creates an Adapter against the given bucket.
func New(ctx context.Context, bucket string) (*Adapter, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("objectstore.New: %w", err)
	}
	return &Adapter{client: client, bucket: bucket}, nil
}

// SignedUpload issues a time-limited signed URL scoped to
// users/{userID}/uploads/{uuid}/{fileName}. The caller cannot choose
// another user's prefix because userID comes from the authenticated
// identity, never from request input.
func (a *Adapter) SignedUpload(userID, fileName string, expiry time.Duration) (uploadKey, signedURL string, expiresAt time.Time, err error) {
	if expiry > 15*time.Minute {
		expiry = 15 * time.Minute
	}
	if verr := validate.FileName(fileName); verr != nil {
		return "", "", time.Time{}, fmt.Errorf("objectstore.SignedUpload: %w", verr)
	}

	key := fmt.Sprintf("users/%s/uploads/%s/%s", userID, uuid.NewString(), fileName)
	expires := time.Now().Add(expiry)

	url, err := a.client.Bucket(a.bucket).SignedURL(key, &storage.SignedURLOptions{
		Method:      "PUT",
		Expires:     expires,
		ContentType: "application/epub+zip",
	})
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("objectstore.SignedUpload: %w", err)
	}
	return key, url, expires, nil
}

// Download reads an object by key.
func (a *Adapter) Download(ctx context.Context, key string) ([]byte, error) {
	r, err := a.client.Bucket(a.bucket).Object(key).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("objectstore.Download: %w", err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

// Size returns the object's size in bytes without downloading it, used by
// the ingestion pipeline to reject oversized uploads before reading them.
func (a *Adapter) Size(ctx context.Context, key string) (int64, error) {
	attrs, err := a.client.Bucket(a.bucket).Object(key).Attrs(ctx)
	if err != nil {
		return 0, fmt.Errorf("objectstore.Size: %w", err)
	}
	return attrs.Size, nil
}

// Close closes the underlying client.
func (a *Adapter) Close() error {
	return a.client.Close()
}
