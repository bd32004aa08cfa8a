package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// FSStore stores blobs on the local filesystem. Blobs are fanned out into
// two-character shard directories to keep directory sizes bounded.
type FSStore struct {
	root       string
	baseURL    string
	signingKey []byte
}

// NewFSStore creates a filesystem-backed store rooted at dir. baseURL is the
// externally reachable prefix for download URLs and signingKey signs the
// download tokens embedded in them.
func NewFSStore(dir, baseURL string, signingKey []byte) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob root: %w", err)
	}
	return &FSStore{root: dir, baseURL: baseURL, signingKey: signingKey}, nil
}

func (s *FSStore) path(key string) string {
	if len(key) < 2 {
		return filepath.Join(s.root, key)
	}
	return filepath.Join(s.root, key[:2], key)
}

// Put writes the blob atomically via a temp file rename
func (s *FSStore) Put(ctx context.Context, key string, contentType string, body io.Reader) error {
	dst := s.path(key)
	if _, err := os.Stat(dst); err == nil {
		// Content-addressed: the bytes are already here.
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create shard dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("failed to finalize blob: %w", err)
	}
	return nil
}

// Get opens the blob for reading
func (s *FSStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(s.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to open blob: %w", err)
	}
	return f, nil
}

// Delete removes the blob
func (s *FSStore) Delete(ctx context.Context, key string) error {
	err := os.Remove(s.path(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}

// SignedURL returns a download URL carrying a signed, expiring token. The
// HTTP layer verifies the token before streaming the blob.
func (s *FSStore) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token, err := s.signToken(key, ttl)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/api/v1/blobs/%s?token=%s", s.baseURL, key, url.QueryEscape(token)), nil
}

func (s *FSStore) signToken(key string, ttl time.Duration) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   key,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.signingKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign download token: %w", err)
	}
	return signed, nil
}

// VerifyToken validates a download token and checks it was issued for key
func (s *FSStore) VerifyToken(tokenString, key string) error {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.signingKey, nil
	})
	if err != nil {
		return fmt.Errorf("invalid download token: %w", err)
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || !token.Valid {
		return errors.New("invalid download token")
	}
	if claims.Subject != key {
		return errors.New("download token does not match blob")
	}
	return nil
}

// Ensure FSStore implements the interface
var _ Store = (*FSStore)(nil)
