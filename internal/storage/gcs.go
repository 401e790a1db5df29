// Package storage uploads chat image attachments to Google Cloud Storage.
// Stored objects are addressed by gs:// URIs that flow through the rest of
// the system as opaque references; nothing outside this package ever opens
// or inspects them.
package storage

import (
	"context"
	"fmt"
	"mime"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"

	"github.com/tbourn/go-plant-backend/internal/sysutil"
)

// uploadTimeout bounds a single object write.
const uploadTimeout = 2 * time.Minute

// Uploader is the attachment-storage capability consumed by the HTTP layer.
type Uploader interface {
	// UploadChatImage stores one image and returns its gs:// URI.
	UploadChatImage(ctx context.Context, data []byte, contentType, userID, conversationID string, idx int) (string, error)
}

// GCS is the Google Cloud Storage implementation of Uploader.
type GCS struct {
	client *storage.Client
	bucket string
}

// NewGCS creates an uploader writing into the given bucket. Credentials are
// resolved from the ambient environment (ADC).
func NewGCS(ctx context.Context, bucket string) (*GCS, error) {
	if strings.TrimSpace(bucket) == "" {
		return nil, fmt.Errorf("storage: bucket name is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: create client: %w", err)
	}
	return &GCS{client: client, bucket: bucket}, nil
}

// UploadChatImage stores one chat attachment under a per-conversation prefix
// and returns its gs:// URI. idx keeps the original attachment order visible
// in the object name.
func (g *GCS) UploadChatImage(ctx context.Context, data []byte, contentType, userID, conversationID string, idx int) (string, error) {
	userID = sysutil.FirstNonEmpty(userID, "anonimo")
	conversationID = sysutil.FirstNonEmpty(conversationID, "pending")
	key := fmt.Sprintf("fotos_chat/user-%s/session-%s/%d_%d_%s%s",
		userID, conversationID, time.Now().UTC().Unix(), idx, uuid.NewString()[:8], extensionFor(contentType))

	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	w := g.client.Bucket(g.bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("storage: write object: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("storage: close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", g.bucket, key), nil
}

// extensionFor maps a content type to an object-name extension; unknown types
// get .bin so names stay well-formed.
func extensionFor(contentType string) string {
	switch strings.ToLower(strings.TrimSpace(contentType)) {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	}
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}
