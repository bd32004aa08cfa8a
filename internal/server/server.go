// Package server exposes the REST and SSE surface over chi
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mnemosyne-ai/mnemosyne/internal/auth"
	"github.com/mnemosyne-ai/mnemosyne/internal/blobstore"
	"github.com/mnemosyne-ai/mnemosyne/internal/cache"
	"github.com/mnemosyne-ai/mnemosyne/internal/chat"
	"github.com/mnemosyne-ai/mnemosyne/internal/ingestion"
	"github.com/mnemosyne-ai/mnemosyne/internal/repository"
	"github.com/mnemosyne-ai/mnemosyne/internal/repository/postgres"
	"github.com/mnemosyne-ai/mnemosyne/internal/retrieval"
	"github.com/mnemosyne-ai/mnemosyne/internal/vectorstore"
)

// Config holds server configuration
type Config struct {
	Port           int
	AllowedOrigins []string
	MaxUploadSize  int64
	SignedURLTTL   time.Duration
	RateLimitRPS   float64
	RateLimitBurst int

	// Defaults applied to new collections that leave config fields unset.
	DefaultEmbedModel   string
	DefaultEmbedDim     int
	DefaultChunkTokens  int
	DefaultChunkOverlap int
}

// Server wires the HTTP surface to the domain services
type Server struct {
	server *http.Server
	router *chi.Mux
	logger *slog.Logger
	config Config

	auth    *auth.Service
	users   repository.UserRepository
	cols    repository.CollectionRepository
	docs    repository.DocumentRepository
	chats   repository.ChatRepository
	jobs    repository.JobRepository
	blobs   blobstore.Store
	ingest  *ingestion.Service
	engine  *retrieval.Engine
	chat    *chat.Service
	vectors vectorstore.VectorStore
	db      *postgres.DB
	cache   *cache.Cache

	limiter *keyLimiter
}

// Deps carries the services the server fronts
type Deps struct {
	Auth    *auth.Service
	Users   repository.UserRepository
	Cols    repository.CollectionRepository
	Docs    repository.DocumentRepository
	Chats   repository.ChatRepository
	Jobs    repository.JobRepository
	Blobs   blobstore.Store
	Ingest  *ingestion.Service
	Engine  *retrieval.Engine
	Chat    *chat.Service
	Vectors vectorstore.VectorStore
	DB      *postgres.DB
	Cache   *cache.Cache
}

// New creates the server and mounts all routes
func New(cfg Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		logger:  logger,
		config:  cfg,
		auth:    deps.Auth,
		users:   deps.Users,
		cols:    deps.Cols,
		docs:    deps.Docs,
		chats:   deps.Chats,
		jobs:    deps.Jobs,
		blobs:   deps.Blobs,
		ingest:  deps.Ingest,
		engine:  deps.Engine,
		chat:    deps.Chat,
		vectors: deps.Vectors,
		db:      deps.DB,
		cache:   deps.Cache,
		limiter: newKeyLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requestLoggingMiddleware(logger))
	router.Use(middleware.Recoverer)
	router.Use(corsMiddleware(cfg.AllowedOrigins))

	router.Get("/healthz", s.handleHealthz)
	router.Get("/readyz", s.handleReadyz)

	router.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/register", s.handleRegister)
		r.Get("/blobs/{key}", s.handleBlobDownload)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.Use(s.rateLimitMiddleware)

			r.Post("/auth/keys", s.requireScope(auth.ScopeWrite, s.handleIssueKey))

			r.Route("/collections", func(r chi.Router) {
				r.Post("/", s.requireScope(auth.ScopeWrite, s.handleCreateCollection))
				r.Get("/", s.requireScope(auth.ScopeRead, s.handleListCollections))
				r.Route("/{collectionID}", func(r chi.Router) {
					r.Get("/", s.requireScope(auth.ScopeRead, s.handleGetCollection))
					r.Patch("/", s.requireScope(auth.ScopeWrite, s.handleUpdateCollection))
					r.Delete("/", s.requireScope(auth.ScopeWrite, s.handleDeleteCollection))
				})
			})

			r.Route("/documents", func(r chi.Router) {
				r.Post("/", s.requireScope(auth.ScopeWrite, s.handleUploadDocument))
				r.Get("/", s.requireScope(auth.ScopeRead, s.handleListDocuments))
				r.Route("/{documentID}", func(r chi.Router) {
					r.Get("/", s.requireScope(auth.ScopeRead, s.handleGetDocument))
					r.Patch("/", s.requireScope(auth.ScopeWrite, s.handlePatchDocument))
					r.Delete("/", s.requireScope(auth.ScopeWrite, s.handleDeleteDocument))
					r.Get("/status", s.requireScope(auth.ScopeRead, s.handleDocumentStatus))
					r.Get("/url", s.requireScope(auth.ScopeRead, s.handleDocumentDownloadURL))
					r.Get("/chunks", s.requireScope(auth.ScopeRead, s.handleGetDocumentChunks))
					r.Post("/cancel", s.requireScope(auth.ScopeWrite, s.handleCancelDocument))
					r.Post("/reprocess", s.requireScope(auth.ScopeWrite, s.handleReprocessDocument))
				})
			})

			r.Post("/retrievals", s.requireScope(auth.ScopeRead, s.handleSearch))
			r.Post("/chat", s.requireScope(auth.ScopeRead, s.handleChat))

			r.Route("/chat/sessions", func(r chi.Router) {
				r.Get("/", s.requireScope(auth.ScopeRead, s.handleListSessions))
				r.Get("/{sessionID}/messages", s.requireScope(auth.ScopeRead, s.handleGetSessionMessages))
				r.Delete("/{sessionID}", s.requireScope(auth.ScopeWrite, s.handleDeleteSession))
			})
		})
	})

	s.router = router
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // Increased for streaming chat responses
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "address", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}

	s.logger.Info("HTTP server stopped")
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

// handleReadyz verifies the dependencies the data path cannot live without
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]string{}
	ready := true

	if err := s.db.Ping(ctx); err != nil {
		checks["postgres"] = err.Error()
		ready = false
	} else {
		checks["postgres"] = "ok"
	}

	if s.cache != nil {
		if err := s.cache.Ping(ctx); err != nil {
			// Cache is an accelerator; report but stay ready.
			checks["redis"] = err.Error()
		} else {
			checks["redis"] = "ok"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(map[string]any{"ready": ready, "checks": checks})
}

// requestLoggingMiddleware logs HTTP requests
func requestLoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"remote_addr", r.RemoteAddr,
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// corsMiddleware handles CORS headers
func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed := false
			if len(allowedOrigins) == 0 {
				// If no origins specified, allow all in development
				allowed = true
				origin = "*"
			} else {
				for _, o := range allowedOrigins {
					if o == "*" || o == origin {
						allowed = true
						break
					}
				}
			}

			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID")
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
