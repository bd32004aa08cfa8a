// Package blobstore provides content-addressed storage for raw document
// bytes. Keys are derived from the SHA-256 of the content, so writes are
// idempotent and identical uploads share one blob.
package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned when no blob exists for a key
var ErrNotFound = errors.New("blob not found")

// Store is the interface for blob backends
type Store interface {
	// Put writes the blob under its content-addressed key and returns the
	// key. Writing an existing key is a no-op.
	Put(ctx context.Context, key string, contentType string, body io.Reader) error

	// Get opens the blob for reading. The caller closes the reader.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes the blob. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// SignedURL returns a time-limited download URL for the blob.
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Key computes the content-addressed key for a blob
func Key(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
