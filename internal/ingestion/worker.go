package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mnemosyne-ai/mnemosyne/internal/repository"
)

// ErrQueueFull is returned when the ingestion queue cannot accept more work
var ErrQueueFull = errors.New("ingestion queue full")

// ErrNotCancellable is returned when a document is already in a terminal state
var ErrNotCancellable = errors.New("document is not in a cancellable state")

// Processor runs one document through the ingestion pipeline
type Processor interface {
	Process(ctx context.Context, doc *repository.Document, col *repository.Collection) error
}

// WorkerConfig controls the worker pool
type WorkerConfig struct {
	// Workers is the number of concurrent pipeline runners.
	Workers int

	// QueueDepth is the buffered queue capacity.
	QueueDepth int

	// MaxAttempts caps transient retries per document.
	MaxAttempts int

	// BackoffBase is the first retry delay; it doubles per attempt.
	BackoffBase time.Duration
}

// Service owns the ingestion queue and worker pool. Documents move through
// pending -> queued -> running -> completed | failed | cancelled, every
// transition a compare-and-set so concurrent workers and cancellation can
// never corrupt the state machine.
type Service struct {
	pipeline Processor
	docs     repository.DocumentRepository
	cols     repository.CollectionRepository
	jobs     repository.JobRepository
	config   WorkerConfig
	logger   *slog.Logger

	queue chan uuid.UUID
	wg    sync.WaitGroup

	mu      sync.Mutex
	running map[uuid.UUID]context.CancelFunc

	baseCtx  context.Context
	shutdown context.CancelFunc
}

// NewService creates the ingestion service
func NewService(
	pipeline Processor,
	docs repository.DocumentRepository,
	cols repository.CollectionRepository,
	jobs repository.JobRepository,
	config WorkerConfig,
	logger *slog.Logger,
) *Service {
	if config.Workers <= 0 {
		config.Workers = 4
	}
	if config.QueueDepth <= 0 {
		config.QueueDepth = 256
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.BackoffBase <= 0 {
		config.BackoffBase = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		pipeline: pipeline,
		docs:     docs,
		cols:     cols,
		jobs:     jobs,
		config:   config,
		logger:   logger,
		queue:    make(chan uuid.UUID, config.QueueDepth),
		running:  make(map[uuid.UUID]context.CancelFunc),
		baseCtx:  ctx,
		shutdown: cancel,
	}
}

// Start reclaims work a previous process left queued or running, then
// launches the worker pool
func (s *Service) Start() {
	s.reclaim()
	for i := 0; i < s.config.Workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	s.logger.Info("ingestion workers started", "workers", s.config.Workers, "queue_depth", s.config.QueueDepth)
}

// reclaim resets stale in-flight documents to pending and resubmits them.
// Runs before the workers and the HTTP surface, so every queued or running
// row it sees was abandoned by an earlier process. A document that does not
// fit in the queue stays pending and is picked up by a later reprocess.
func (s *Service) reclaim() {
	ids, err := s.docs.ListInFlight(s.baseCtx)
	if err != nil {
		s.logger.Error("failed to list in-flight documents", "error", err)
		return
	}
	for _, id := range ids {
		for _, from := range []string{repository.DocStatusQueued, repository.DocStatusRunning} {
			if err := s.docs.TransitionStatus(s.baseCtx, id, from, repository.DocStatusPending); err == nil {
				break
			}
		}
		if err := s.Submit(s.baseCtx, id); err != nil {
			s.logger.Error("failed to resubmit reclaimed document", "document_id", id, "error", err)
		}
	}
	if len(ids) > 0 {
		s.logger.Info("reclaimed in-flight documents", "count", len(ids))
	}
}

// Stop cancels in-flight work and waits for workers to drain
func (s *Service) Stop() {
	s.shutdown()
	s.wg.Wait()
}

// Submit moves a pending document onto the queue. Submitting a document that
// is already queued or running is a no-op. Returns ErrQueueFull when the
// queue is at capacity; the document stays pending and the caller maps that
// to a retryable error.
func (s *Service) Submit(ctx context.Context, docID uuid.UUID) error {
	if err := s.docs.TransitionStatus(ctx, docID, repository.DocStatusPending, repository.DocStatusQueued); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			doc, getErr := s.docs.GetByID(ctx, docID)
			if getErr == nil && (doc.Status == repository.DocStatusQueued || doc.Status == repository.DocStatusRunning) {
				return nil
			}
		}
		return err
	}

	attempts, err := s.jobs.CountAttempts(ctx, docID)
	if err != nil {
		return err
	}
	job := &repository.Job{
		ID:         uuid.New(),
		DocumentID: docID,
		State:      repository.JobStateQueued,
		Attempt:    attempts + 1,
		CreatedAt:  time.Now(),
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		return err
	}

	select {
	case s.queue <- docID:
		return nil
	default:
		// Put the document back so a later submit can retry, and drop the
		// job row for the attempt that never started.
		if err := s.docs.TransitionStatus(ctx, docID, repository.DocStatusQueued, repository.DocStatusPending); err != nil {
			s.logger.Error("failed to requeue document after full queue", "document_id", docID, "error", err)
		}
		if err := s.jobs.Delete(ctx, job.ID); err != nil {
			s.logger.Warn("failed to delete job after full queue", "document_id", docID, "error", err)
		}
		return ErrQueueFull
	}
}

// Resubmit moves a failed document back through the queue for another run
func (s *Service) Resubmit(ctx context.Context, docID uuid.UUID) error {
	if err := s.docs.TransitionStatus(ctx, docID, repository.DocStatusFailed, repository.DocStatusPending); err != nil {
		return err
	}
	return s.Submit(ctx, docID)
}

// Cancel stops processing for a document. Queued documents are cancelled
// directly; running documents get their context cancelled and the worker
// finalizes the transition.
func (s *Service) Cancel(ctx context.Context, docID uuid.UUID) error {
	// Running first: the worker owns the terminal transition.
	s.mu.Lock()
	cancel, isRunning := s.running[docID]
	s.mu.Unlock()
	if isRunning {
		cancel()
		return nil
	}

	for _, from := range []string{repository.DocStatusQueued, repository.DocStatusPending} {
		err := s.docs.TransitionStatus(ctx, docID, from, repository.DocStatusCancelled)
		if err == nil {
			s.finishJob(ctx, docID, repository.JobStateCancelled, "")
			return nil
		}
		if errors.Is(err, repository.ErrNotFound) {
			return err
		}
		if !errors.Is(err, repository.ErrConflict) {
			return err
		}
	}
	return ErrNotCancellable
}

func (s *Service) worker(id int) {
	defer s.wg.Done()
	for {
		select {
		case <-s.baseCtx.Done():
			return
		case docID := <-s.queue:
			s.process(docID)
		}
	}
}

func (s *Service) process(docID uuid.UUID) {
	ctx := s.baseCtx

	if err := s.docs.TransitionStatus(ctx, docID, repository.DocStatusQueued, repository.DocStatusRunning); err != nil {
		// Cancelled while queued, or another worker claimed it.
		if !errors.Is(err, repository.ErrConflict) && !errors.Is(err, repository.ErrNotFound) {
			s.logger.Error("failed to claim document", "document_id", docID, "error", err)
		}
		return
	}

	now := time.Now()
	if job, err := s.jobs.GetLatestByDocument(ctx, docID); err == nil {
		job.State = repository.JobStateRunning
		job.StartedAt = &now
		if err := s.jobs.Update(ctx, job); err != nil {
			s.logger.Warn("failed to mark job running", "document_id", docID, "error", err)
		}
	}

	docCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.running[docID] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, docID)
		s.mu.Unlock()
		cancel()
	}()

	err := s.run(docCtx, docID)
	switch {
	case err == nil:
		s.finishJob(ctx, docID, repository.JobStateSucceeded, "")

	case errors.Is(err, context.Canceled) && ctx.Err() == nil:
		// Per-document cancellation. Chunks were not persisted; the CAS in
		// the persist transaction guards against a late commit.
		if err := s.docs.TransitionStatus(ctx, docID, repository.DocStatusRunning, repository.DocStatusCancelled); err != nil {
			s.logger.Error("failed to finalize cancellation", "document_id", docID, "error", err)
		}
		s.finishJob(ctx, docID, repository.JobStateCancelled, "")

	case ctx.Err() != nil:
		// Shutdown. Leave the document running; on restart an operator
		// resubmits stuck documents.
		return

	default:
		s.handleFailure(ctx, docID, err)
	}
}

func (s *Service) run(ctx context.Context, docID uuid.UUID) error {
	doc, err := s.docs.GetByID(ctx, docID)
	if err != nil {
		return fmt.Errorf("load document: %w", err)
	}
	col, err := s.cols.GetByID(ctx, doc.CollectionID)
	if err != nil {
		return fmt.Errorf("load collection: %w", err)
	}
	return s.pipeline.Process(ctx, doc, col)
}

func (s *Service) handleFailure(ctx context.Context, docID uuid.UUID, procErr error) {
	attempts, err := s.jobs.CountAttempts(ctx, docID)
	if err != nil {
		s.logger.Error("failed to count attempts", "document_id", docID, "error", err)
		attempts = s.config.MaxAttempts
	}

	retryable := !IsPermanent(procErr) && attempts < s.config.MaxAttempts
	if !retryable {
		s.fail(ctx, docID, procErr)
		return
	}

	if err := s.docs.TransitionStatus(ctx, docID, repository.DocStatusRunning, repository.DocStatusPending); err != nil {
		s.logger.Error("failed to reset document for retry", "document_id", docID, "error", err)
		return
	}
	s.finishJob(ctx, docID, repository.JobStateFailed, procErr.Error())

	delay := s.config.BackoffBase << (attempts - 1)
	s.logger.Warn("transient ingestion failure, retrying",
		"document_id", docID, "attempt", attempts, "retry_in", delay, "error", procErr)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-s.baseCtx.Done():
			return
		case <-time.After(delay):
		}
		if err := s.Submit(s.baseCtx, docID); err != nil {
			s.logger.Error("retry submit failed", "document_id", docID, "error", err)
		}
	}()
}

func (s *Service) fail(ctx context.Context, docID uuid.UUID, procErr error) {
	if err := s.docs.TransitionStatus(ctx, docID, repository.DocStatusRunning, repository.DocStatusFailed); err != nil {
		s.logger.Error("failed to mark document failed", "document_id", docID, "error", err)
		return
	}

	// Record the failure reason on the document for status queries.
	if doc, err := s.docs.GetByID(ctx, docID); err == nil {
		doc.ProcessingInfo.Error = procErr.Error()
		if err := s.docs.Update(ctx, doc); err != nil {
			s.logger.Warn("failed to record failure reason", "document_id", docID, "error", err)
		}
	}

	s.finishJob(ctx, docID, repository.JobStateFailed, procErr.Error())
	s.logger.Error("document ingestion failed", "document_id", docID, "error", procErr)
}

func (s *Service) finishJob(ctx context.Context, docID uuid.UUID, state, lastError string) {
	job, err := s.jobs.GetLatestByDocument(ctx, docID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			s.logger.Warn("failed to load job", "document_id", docID, "error", err)
		}
		return
	}
	now := time.Now()
	job.State = state
	job.FinishedAt = &now
	job.LastError = lastError
	if err := s.jobs.Update(ctx, job); err != nil {
		s.logger.Warn("failed to finish job", "document_id", docID, "error", err)
	}
}
