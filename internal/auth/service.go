package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"time"

	"github.com/google/uuid"
	"github.com/mnemosyne-ai/mnemosyne/internal/apperr"
	"github.com/mnemosyne-ai/mnemosyne/internal/repository"
)

// Scopes an API key can carry
const (
	ScopeRead  = "read"
	ScopeWrite = "write"
	ScopeAdmin = "admin"
)

// DefaultScopes for newly issued keys
var DefaultScopes = []string{ScopeRead, ScopeWrite}

// Principal is the authenticated caller attached to request contexts
type Principal struct {
	UserID uuid.UUID
	KeyID  uuid.UUID
	Scopes []string
}

// HasScope reports whether the principal carries the scope. Admin implies
// everything.
func (p *Principal) HasScope(scope string) bool {
	for _, s := range p.Scopes {
		if s == scope || s == ScopeAdmin {
			return true
		}
	}
	return false
}

// Service implements registration, key issuance, and key verification
type Service struct {
	users  repository.UserRepository
	logger *slog.Logger
}

// NewService creates an auth service
func NewService(users repository.UserRepository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{users: users, logger: logger}
}

// Register creates a user and issues their first API key. The raw key
// appears only in the return value.
func (s *Service) Register(ctx context.Context, email, password string) (*repository.User, string, error) {
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, "", apperr.Validation("invalid_email", "email address is not valid")
	}
	if len(password) < 8 {
		return nil, "", apperr.Validation("invalid_password", "password must be at least 8 characters")
	}

	if _, err := s.users.GetByEmail(ctx, email); err == nil {
		return nil, "", apperr.New(apperr.KindValidation, "email_taken", "email is already registered")
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, "", apperr.Internal(fmt.Errorf("check email: %w", err))
	}

	passwordHash, err := HashPassword(password)
	if err != nil {
		return nil, "", apperr.Internal(fmt.Errorf("hash password: %w", err))
	}

	user := &repository.User{
		ID:           uuid.New(),
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now(),
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, "", apperr.Internal(fmt.Errorf("create user: %w", err))
	}

	raw, err := s.IssueKey(ctx, user.ID, DefaultScopes)
	if err != nil {
		return nil, "", err
	}

	s.logger.Info("user registered", "user_id", user.ID)
	return user, raw, nil
}

// IssueKey mints a new API key for a user and returns the raw key once
func (s *Service) IssueKey(ctx context.Context, userID uuid.UUID, scopes []string) (string, error) {
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}

	generated, err := GenerateKey()
	if err != nil {
		return "", apperr.Internal(fmt.Errorf("generate key: %w", err))
	}

	key := &repository.APIKey{
		ID:        uuid.New(),
		UserID:    userID,
		KeyHash:   generated.Hash,
		KeyPrefix: generated.Prefix,
		Scopes:    scopes,
		CreatedAt: time.Now(),
	}
	if err := s.users.CreateAPIKey(ctx, key); err != nil {
		return "", apperr.Internal(fmt.Errorf("store key: %w", err))
	}

	s.logger.Info("api key issued", "user_id", userID, "key_id", key.ID)
	return generated.Raw, nil
}

// Authenticate resolves a raw bearer key to a principal. All failure modes
// return the same error so callers cannot probe for valid prefixes.
func (s *Service) Authenticate(ctx context.Context, raw string) (*Principal, error) {
	invalid := apperr.Authentication("invalid or missing API key")

	prefix := KeyPrefix(raw)
	if prefix == "" {
		return nil, invalid
	}

	candidates, err := s.users.GetAPIKeysByPrefix(ctx, prefix)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("look up key: %w", err))
	}

	for _, candidate := range candidates {
		if !VerifyKey(raw, candidate.KeyHash) {
			continue
		}
		if err := s.users.TouchAPIKey(ctx, candidate.ID); err != nil {
			s.logger.Warn("failed to update key last_used_at", "key_id", candidate.ID, "error", err)
		}
		return &Principal{
			UserID: candidate.UserID,
			KeyID:  candidate.ID,
			Scopes: candidate.Scopes,
		}, nil
	}

	return nil, invalid
}
