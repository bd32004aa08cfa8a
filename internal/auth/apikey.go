// Package auth implements user registration and API key authentication.
// Keys are bearer credentials: the raw key is returned exactly once at
// issuance, and only a bcrypt hash plus a lookup prefix are ever stored.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	// keyScheme prefixes every issued key so leaked keys are recognizable
	// in scanners and logs.
	keyScheme = "mn_"

	// keyBytes of entropy per key. 32 bytes encodes to 43 base64url chars.
	keyBytes = 32

	// prefixLen is how many characters after the scheme are stored in
	// plaintext for indexed lookup. 8 chars of base64url is 48 bits, enough
	// to make prefix collisions rare without weakening the key.
	prefixLen = 8
)

// GeneratedKey is the one-time result of key issuance
type GeneratedKey struct {
	// Raw is the full key, shown to the caller exactly once.
	Raw string

	// Prefix is the plaintext lookup prefix that gets persisted.
	Prefix string

	// Hash is the bcrypt hash that gets persisted.
	Hash string
}

// GenerateKey mints a new API key
func GenerateKey() (*GeneratedKey, error) {
	buf := make([]byte, keyBytes)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}

	raw := keyScheme + base64.RawURLEncoding.EncodeToString(buf)

	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash key: %w", err)
	}

	return &GeneratedKey{
		Raw:    raw,
		Prefix: KeyPrefix(raw),
		Hash:   string(hash),
	}, nil
}

// KeyPrefix extracts the lookup prefix from a raw key. Returns "" for keys
// too short to carry one.
func KeyPrefix(raw string) string {
	body := strings.TrimPrefix(raw, keyScheme)
	if body == raw || len(body) < prefixLen {
		return ""
	}
	return body[:prefixLen]
}

// VerifyKey checks a raw key against a stored hash
func VerifyKey(raw, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(raw)) == nil
}

// HashPassword hashes a user password for storage
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword checks a password against a stored hash
func VerifyPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
