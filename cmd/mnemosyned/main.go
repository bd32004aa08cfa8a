// mnemosyned is the Mnemosyne RAG service daemon.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mnemosyne-ai/mnemosyne/internal/auth"
	"github.com/mnemosyne-ai/mnemosyne/internal/blobstore"
	"github.com/mnemosyne-ai/mnemosyne/internal/cache"
	"github.com/mnemosyne-ai/mnemosyne/internal/chat"
	"github.com/mnemosyne-ai/mnemosyne/internal/config"
	"github.com/mnemosyne-ai/mnemosyne/internal/embedder"
	"github.com/mnemosyne-ai/mnemosyne/internal/graph"
	"github.com/mnemosyne-ai/mnemosyne/internal/ingestion"
	"github.com/mnemosyne-ai/mnemosyne/internal/llm"
	"github.com/mnemosyne-ai/mnemosyne/internal/parser"
	"github.com/mnemosyne-ai/mnemosyne/internal/repository/postgres"
	"github.com/mnemosyne-ai/mnemosyne/internal/reranker"
	"github.com/mnemosyne-ai/mnemosyne/internal/retrieval"
	"github.com/mnemosyne-ai/mnemosyne/internal/server"
	"github.com/mnemosyne-ai/mnemosyne/internal/vectorstore"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("starting mnemosyned", "environment", cfg.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	users := postgres.NewUserRepo(db)
	cols := postgres.NewCollectionRepo(db)
	docs := postgres.NewDocumentRepo(db)
	chats := postgres.NewChatRepo(db)
	jobs := postgres.NewJobRepo(db)
	graphs := postgres.NewGraphRepo(db)

	vectors, err := vectorstore.NewQdrantStore(ctx, cfg.QdrantGRPCURL)
	if err != nil {
		return err
	}

	blobs, err := newBlobStore(ctx, cfg)
	if err != nil {
		return err
	}

	// The cache is an accelerator. Refusing to start without Redis would
	// turn a cache outage into a full outage.
	resultCache, err := cache.New(cfg.RedisURL, cache.Options{
		SearchTTL:    cfg.SearchCacheTTL,
		EmbeddingTTL: cfg.EmbeddingCacheTTL,
		OpTimeout:    cfg.CacheOpTimeout,
		Logger:       logger,
	})
	if err != nil {
		logger.Warn("redis unavailable, running without cache", "error", err)
		resultCache = nil
	} else {
		defer resultCache.Close()
	}

	emb := newEmbedder(cfg)
	cachedEmb := cache.NewCachedEmbedder(emb, resultCache)
	llmClient := newLLM(cfg)

	engine := retrieval.NewEngine(
		docs,
		vectors,
		cachedEmb,
		resultCache,
		reranker.NewLLMReranker(llmClient),
		graph.NewExpander(graphs),
		retrieval.EngineConfig{
			DefaultTopK: cfg.DefaultTopK,
			FilterKeys:  cfg.FilterKeys,
			Timeout:     cfg.RetrievalTimeout,
		},
		logger,
	)

	pipeline := ingestion.NewPipeline(
		blobs,
		parser.NewRegistry(),
		docs,
		graphs,
		vectors,
		cachedEmb,
		resultCache,
		ingestion.PipelineConfig{
			EmbedBatchSize:    cfg.EmbedBatchSize,
			EmbedBatchTimeout: cfg.EmbedBatchTimeout,
		},
		logger,
	)
	ingest := ingestion.NewService(pipeline, docs, cols, jobs, ingestion.WorkerConfig{
		Workers:     cfg.IngestWorkers,
		QueueDepth:  cfg.IngestQueueDepth,
		MaxAttempts: cfg.IngestMaxAttempts,
		BackoffBase: cfg.IngestBackoffBase,
	}, logger)
	ingest.Start()

	authService := auth.NewService(users, logger)
	chatService := chat.NewService(chats, engine, llmClient, cfg.LLMModel, logger)

	srv := server.New(server.Config{
		Port:                cfg.HTTPPort,
		AllowedOrigins:      cfg.AllowedOrigins,
		MaxUploadSize:       cfg.MaxUploadSize,
		SignedURLTTL:        cfg.SignedURLTTL,
		RateLimitRPS:        cfg.RateLimitRPS,
		RateLimitBurst:      cfg.RateLimitBurst,
		DefaultEmbedModel:   cfg.EmbeddingModel,
		DefaultEmbedDim:     cfg.EmbeddingDim,
		DefaultChunkTokens:  cfg.DefaultChunkTargetTokens,
		DefaultChunkOverlap: cfg.DefaultChunkOverlap,
	}, server.Deps{
		Auth:    authService,
		Users:   users,
		Cols:    cols,
		Docs:    docs,
		Chats:   chats,
		Jobs:    jobs,
		Blobs:   blobs,
		Ingest:  ingest,
		Engine:  engine,
		Chat:    chatService,
		Vectors: vectors,
		DB:      db,
		Cache:   resultCache,
	}, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}
	ingest.Stop()

	logger.Info("mnemosyned stopped")
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func newBlobStore(ctx context.Context, cfg *config.Config) (blobstore.Store, error) {
	if cfg.BlobBackend == "s3" {
		return blobstore.NewS3Store(ctx, cfg.BlobS3Bucket, cfg.BlobS3Region, cfg.BlobS3Endpoint,
			cfg.BlobS3AccessKey, cfg.BlobS3SecretKey)
	}
	return blobstore.NewFSStore(cfg.BlobFSRoot, cfg.PublicBaseURL, []byte(cfg.URLSigningKey))
}

func newEmbedder(cfg *config.Config) embedder.Embedder {
	if cfg.EmbeddingProvider == "openai" {
		return embedder.NewOpenAIEmbedder(embedder.OpenAIConfig{
			APIKey:    cfg.OpenAIAPIKey,
			Model:     cfg.EmbeddingModel,
			Dimension: cfg.EmbeddingDim,
		})
	}
	return embedder.NewOllamaEmbedder(embedder.OllamaConfig{
		BaseURL:   cfg.OllamaURL,
		Model:     cfg.EmbeddingModel,
		Dimension: cfg.EmbeddingDim,
	})
}

func newLLM(cfg *config.Config) llm.LLM {
	if cfg.LLMProvider == "openai" {
		return llm.NewOpenAIClient(cfg.OpenAIAPIKey, llm.WithOpenAIModel(cfg.LLMModel))
	}
	return llm.NewOllamaClient(llm.OllamaConfig{
		BaseURL: cfg.OllamaURL,
		Model:   cfg.LLMModel,
	})
}
