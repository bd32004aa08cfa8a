package server

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/mnemosyne-ai/mnemosyne/internal/apperr"
	"github.com/mnemosyne-ai/mnemosyne/internal/auth"
	"golang.org/x/time/rate"
)

type contextKey string

const principalKey contextKey = "principal"

// principalFrom extracts the authenticated principal from the context
func principalFrom(ctx context.Context) *auth.Principal {
	p, _ := ctx.Value(principalKey).(*auth.Principal)
	return p
}

// authMiddleware resolves the bearer API key to a principal
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			writeError(w, s.logger, apperr.Authentication("missing bearer API key"))
			return
		}

		principal, err := s.auth.Authenticate(r.Context(), strings.TrimSpace(raw))
		if err != nil {
			writeError(w, s.logger, err)
			return
		}

		ctx := context.WithValue(r.Context(), principalKey, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireScope guards a handler behind a key scope
func (s *Server) requireScope(scope string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal := principalFrom(r.Context())
		if principal == nil || !principal.HasScope(scope) {
			writeError(w, s.logger, apperr.Permission("API key lacks the required scope"))
			return
		}
		next(w, r)
	}
}

// keyLimiter tracks a token bucket per API key
type keyLimiter struct {
	rps   rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newKeyLimiter(rps float64, burst int) *keyLimiter {
	if rps <= 0 {
		rps = 10
	}
	if burst <= 0 {
		burst = 20
	}
	return &keyLimiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (kl *keyLimiter) allow(key string) bool {
	kl.mu.Lock()
	limiter, ok := kl.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(kl.rps, kl.burst)
		kl.limiters[key] = limiter
	}
	kl.mu.Unlock()
	return limiter.Allow()
}

// rateLimitMiddleware applies the per-key token bucket. Runs after auth so
// the bucket key is the API key id, not the caller's address.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal := principalFrom(r.Context())
		if principal != nil && !s.limiter.allow(principal.KeyID.String()) {
			w.Header().Set("Retry-After", "1")
			writeError(w, s.logger, apperr.New(apperr.KindRateLimited, "rate_limited",
				"request rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
