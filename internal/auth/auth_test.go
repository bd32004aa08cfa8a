package auth

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/mnemosyne-ai/mnemosyne/internal/apperr"
	"github.com/mnemosyne-ai/mnemosyne/internal/repository"
)

func TestGenerateKey(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}

	if !strings.HasPrefix(key.Raw, "mn_") {
		t.Errorf("raw key %q missing scheme prefix", key.Raw)
	}
	if len(key.Raw) != len("mn_")+43 {
		t.Errorf("raw key length = %d, want %d", len(key.Raw), len("mn_")+43)
	}
	if key.Prefix != KeyPrefix(key.Raw) {
		t.Errorf("Prefix = %q, want %q", key.Prefix, KeyPrefix(key.Raw))
	}
	if len(key.Prefix) != 8 {
		t.Errorf("prefix length = %d, want 8", len(key.Prefix))
	}
	if strings.Contains(key.Hash, key.Raw) {
		t.Error("hash must not embed the raw key")
	}

	if !VerifyKey(key.Raw, key.Hash) {
		t.Error("VerifyKey rejected its own key")
	}
	if VerifyKey(key.Raw+"x", key.Hash) {
		t.Error("VerifyKey accepted a tampered key")
	}
}

func TestGenerateKeyUnique(t *testing.T) {
	a, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	b, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	if a.Raw == b.Raw {
		t.Error("two generated keys are identical")
	}
}

func TestKeyPrefix(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"mn_abcdefghijk", "abcdefgh"},
		{"mn_short", ""},
		{"wrongscheme_abcdefghijk", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := KeyPrefix(tt.raw); got != tt.want {
			t.Errorf("KeyPrefix(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestHasScope(t *testing.T) {
	tests := []struct {
		name   string
		scopes []string
		check  string
		want   bool
	}{
		{"direct match", []string{ScopeRead}, ScopeRead, true},
		{"missing scope", []string{ScopeRead}, ScopeWrite, false},
		{"admin implies read", []string{ScopeAdmin}, ScopeRead, true},
		{"admin implies write", []string{ScopeAdmin}, ScopeWrite, true},
		{"empty scopes", nil, ScopeRead, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Principal{Scopes: tt.scopes}
			if got := p.HasScope(tt.check); got != tt.want {
				t.Errorf("HasScope(%q) = %v, want %v", tt.check, got, tt.want)
			}
		})
	}
}

// fakeUserRepo is an in-memory UserRepository
type fakeUserRepo struct {
	users map[uuid.UUID]*repository.User
	keys  map[uuid.UUID]*repository.APIKey
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{
		users: make(map[uuid.UUID]*repository.User),
		keys:  make(map[uuid.UUID]*repository.APIKey),
	}
}

func (f *fakeUserRepo) Create(ctx context.Context, user *repository.User) error {
	f.users[user.ID] = user
	return nil
}

func (f *fakeUserRepo) GetByID(ctx context.Context, id uuid.UUID) (*repository.User, error) {
	if u, ok := f.users[id]; ok {
		return u, nil
	}
	return nil, repository.ErrNotFound
}

func (f *fakeUserRepo) GetByEmail(ctx context.Context, email string) (*repository.User, error) {
	for _, u := range f.users {
		if u.Email == email {
			return u, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeUserRepo) Delete(ctx context.Context, id uuid.UUID) error {
	delete(f.users, id)
	return nil
}

func (f *fakeUserRepo) CreateAPIKey(ctx context.Context, key *repository.APIKey) error {
	f.keys[key.ID] = key
	return nil
}

func (f *fakeUserRepo) GetAPIKeysByPrefix(ctx context.Context, prefix string) ([]*repository.APIKey, error) {
	var out []*repository.APIKey
	for _, k := range f.keys {
		if k.KeyPrefix == prefix {
			out = append(out, k)
		}
	}
	return out, nil
}

func (f *fakeUserRepo) TouchAPIKey(ctx context.Context, id uuid.UUID) error {
	return nil
}

func TestRegisterAndAuthenticate(t *testing.T) {
	repo := newFakeUserRepo()
	svc := NewService(repo, nil)
	ctx := context.Background()

	user, rawKey, err := svc.Register(ctx, "alice@example.com", "correct horse battery")
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if user.PasswordHash == "correct horse battery" {
		t.Fatal("password stored in plaintext")
	}

	// The raw key must never land in storage.
	for _, k := range repo.keys {
		if strings.Contains(k.KeyHash, rawKey) || k.KeyPrefix == rawKey {
			t.Fatal("raw key persisted")
		}
	}

	principal, err := svc.Authenticate(ctx, rawKey)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if principal.UserID != user.ID {
		t.Errorf("principal.UserID = %v, want %v", principal.UserID, user.ID)
	}
	if !principal.HasScope(ScopeRead) || !principal.HasScope(ScopeWrite) {
		t.Errorf("default scopes missing, got %v", principal.Scopes)
	}
}

func TestRegisterValidation(t *testing.T) {
	svc := NewService(newFakeUserRepo(), nil)
	ctx := context.Background()

	tests := []struct {
		name     string
		email    string
		password string
		wantCode string
	}{
		{"bad email", "not-an-email", "longenough", "invalid_email"},
		{"short password", "bob@example.com", "short", "invalid_password"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := svc.Register(ctx, tt.email, tt.password)
			e := apperr.AsError(err)
			if e.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", e.Code, tt.wantCode)
			}
		})
	}
}

func TestRegisterDuplicateEmail(t *testing.T) {
	repo := newFakeUserRepo()
	svc := NewService(repo, nil)
	ctx := context.Background()

	if _, _, err := svc.Register(ctx, "carol@example.com", "password123"); err != nil {
		t.Fatal(err)
	}
	_, _, err := svc.Register(ctx, "carol@example.com", "password123")
	if e := apperr.AsError(err); e.Code != "email_taken" {
		t.Errorf("code = %q, want email_taken", e.Code)
	}
}

func TestAuthenticateFailuresAreUniform(t *testing.T) {
	repo := newFakeUserRepo()
	svc := NewService(repo, nil)
	ctx := context.Background()

	_, rawKey, err := svc.Register(ctx, "dave@example.com", "password123")
	if err != nil {
		t.Fatal(err)
	}

	// Same error text for a malformed key, an unknown key, and a key with a
	// known prefix but wrong body.
	inputs := []string{
		"",
		"garbage",
		"mn_AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA",
		rawKey + "x",
	}
	var messages []string
	for _, input := range inputs {
		_, err := svc.Authenticate(ctx, input)
		if err == nil {
			t.Fatalf("Authenticate(%q) succeeded", input)
		}
		messages = append(messages, err.Error())
	}
	for i := 1; i < len(messages); i++ {
		if messages[i] != messages[0] {
			t.Errorf("failure messages differ: %q vs %q", messages[0], messages[i])
		}
	}
}
