package ingestion

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mnemosyne-ai/mnemosyne/internal/repository"
)

// fakeDocRepo implements the DocumentRepository state machine in memory
type fakeDocRepo struct {
	mu   sync.Mutex
	docs map[uuid.UUID]*repository.Document
}

func newFakeDocRepo() *fakeDocRepo {
	return &fakeDocRepo{docs: make(map[uuid.UUID]*repository.Document)}
}

func (f *fakeDocRepo) add(status string) uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc := &repository.Document{
		ID:           uuid.New(),
		OwnerID:      uuid.New(),
		CollectionID: uuid.New(),
		Status:       status,
	}
	f.docs[doc.ID] = doc
	return doc.ID
}

func (f *fakeDocRepo) status(id uuid.UUID) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.docs[id].Status
}

func (f *fakeDocRepo) Create(ctx context.Context, doc *repository.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[doc.ID] = doc
	return nil
}

func (f *fakeDocRepo) GetByID(ctx context.Context, id uuid.UUID) (*repository.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if doc, ok := f.docs[id]; ok {
		copied := *doc
		return &copied, nil
	}
	return nil, repository.ErrNotFound
}

func (f *fakeDocRepo) GetCompletedByHash(ctx context.Context, ownerID uuid.UUID, hash string) (*repository.Document, error) {
	return nil, repository.ErrNotFound
}

func (f *fakeDocRepo) List(ctx context.Context, collectionID uuid.UUID, status string, limit, offset int) ([]*repository.Document, int, error) {
	return nil, 0, nil
}

func (f *fakeDocRepo) Update(ctx context.Context, doc *repository.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[doc.ID] = doc
	return nil
}

func (f *fakeDocRepo) Delete(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.docs, id)
	return nil
}

func (f *fakeDocRepo) TransitionStatus(ctx context.Context, id uuid.UUID, expected, next string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		return repository.ErrNotFound
	}
	if doc.Status != expected {
		return repository.ErrConflict
	}
	doc.Status = next
	return nil
}

func (f *fakeDocRepo) ListInFlight(ctx context.Context) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []uuid.UUID
	for id, doc := range f.docs {
		if doc.Status == repository.DocStatusQueued || doc.Status == repository.DocStatusRunning {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (f *fakeDocRepo) ReplaceChunks(ctx context.Context, doc *repository.Document, chunks []*repository.Chunk) error {
	return f.TransitionStatus(ctx, doc.ID, repository.DocStatusRunning, repository.DocStatusCompleted)
}

func (f *fakeDocRepo) GetChunks(ctx context.Context, documentID uuid.UUID, limit, offset int) ([]*repository.Chunk, error) {
	return nil, nil
}

func (f *fakeDocRepo) GetChunksByIDs(ctx context.Context, ids []uuid.UUID) ([]*repository.Chunk, error) {
	return nil, nil
}

func (f *fakeDocRepo) DeleteChunks(ctx context.Context, documentID uuid.UUID) error {
	return nil
}

func (f *fakeDocRepo) KeywordSearch(ctx context.Context, ownerID uuid.UUID, collectionID *uuid.UUID, query string, limit int) ([]repository.KeywordResult, error) {
	return nil, nil
}

// fakeColRepo serves one collection for every id
type fakeColRepo struct{}

func (f *fakeColRepo) Create(ctx context.Context, c *repository.Collection) error { return nil }
func (f *fakeColRepo) GetByID(ctx context.Context, id uuid.UUID) (*repository.Collection, error) {
	return &repository.Collection{ID: id}, nil
}
func (f *fakeColRepo) List(ctx context.Context, ownerID uuid.UUID, limit, offset int) ([]*repository.Collection, int, error) {
	return nil, 0, nil
}
func (f *fakeColRepo) Update(ctx context.Context, c *repository.Collection) error { return nil }
func (f *fakeColRepo) Delete(ctx context.Context, id uuid.UUID) error             { return nil }

// fakeJobRepo records ingestion attempts in memory
type fakeJobRepo struct {
	mu   sync.Mutex
	jobs map[uuid.UUID][]*repository.Job
}

func newFakeJobRepo() *fakeJobRepo {
	return &fakeJobRepo{jobs: make(map[uuid.UUID][]*repository.Job)}
}

func (f *fakeJobRepo) Create(ctx context.Context, job *repository.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *job
	f.jobs[job.DocumentID] = append(f.jobs[job.DocumentID], &copied)
	return nil
}

func (f *fakeJobRepo) Update(ctx context.Context, job *repository.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, existing := range f.jobs[job.DocumentID] {
		if existing.ID == job.ID {
			copied := *job
			f.jobs[job.DocumentID][i] = &copied
		}
	}
	return nil
}

func (f *fakeJobRepo) Delete(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for docID, jobs := range f.jobs {
		for i, job := range jobs {
			if job.ID == id {
				f.jobs[docID] = append(jobs[:i], jobs[i+1:]...)
				return nil
			}
		}
	}
	return repository.ErrNotFound
}

func (f *fakeJobRepo) GetLatestByDocument(ctx context.Context, documentID uuid.UUID) (*repository.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	jobs := f.jobs[documentID]
	if len(jobs) == 0 {
		return nil, repository.ErrNotFound
	}
	copied := *jobs[len(jobs)-1]
	return &copied, nil
}

func (f *fakeJobRepo) CountAttempts(ctx context.Context, documentID uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs[documentID]), nil
}

// stubProcessor runs a scripted result per call. On success it transitions
// the document to completed, matching the pipeline contract.
type stubProcessor struct {
	mu      sync.Mutex
	docs    *fakeDocRepo
	results []error
	calls   int
	block   chan struct{} // when set, Process waits for ctx or release
}

func (p *stubProcessor) Process(ctx context.Context, doc *repository.Document, col *repository.Collection) error {
	p.mu.Lock()
	call := p.calls
	p.calls++
	block := p.block
	var result error
	if call < len(p.results) {
		result = p.results[call]
	}
	p.mu.Unlock()

	if block != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-block:
		}
	}
	if result == nil && p.docs != nil {
		return p.docs.TransitionStatus(ctx, doc.ID, repository.DocStatusRunning, repository.DocStatusCompleted)
	}
	return result
}

func (p *stubProcessor) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func newTestService(t *testing.T, proc Processor, docs *fakeDocRepo, jobs *fakeJobRepo, cfg WorkerConfig) *Service {
	t.Helper()
	if cfg.Workers == 0 {
		cfg.Workers = 2
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = time.Millisecond
	}
	if sp, ok := proc.(*stubProcessor); ok && sp.docs == nil {
		sp.docs = docs
	}
	svc := NewService(proc, docs, &fakeColRepo{}, jobs, cfg, nil)
	svc.Start()
	t.Cleanup(svc.Stop)
	return svc
}

func waitStatus(t *testing.T, docs *fakeDocRepo, id uuid.UUID, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if docs.status(id) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("document never reached %q, stuck at %q", want, docs.status(id))
}

func TestSubmitRequiresPendingStatus(t *testing.T) {
	docs := newFakeDocRepo()
	jobs := newFakeJobRepo()
	svc := NewService(&stubProcessor{}, docs, &fakeColRepo{}, jobs, WorkerConfig{}, nil)

	// Workers not started, so the document parks in the queue.
	id := docs.add(repository.DocStatusCompleted)
	if err := svc.Submit(context.Background(), id); !errors.Is(err, repository.ErrConflict) {
		t.Errorf("Submit(completed) = %v, want ErrConflict", err)
	}

	if err := svc.Submit(context.Background(), uuid.New()); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("Submit(unknown) = %v, want ErrNotFound", err)
	}
}

func TestSubmitQueueFullRevertsToPending(t *testing.T) {
	docs := newFakeDocRepo()
	jobs := newFakeJobRepo()
	svc := NewService(&stubProcessor{}, docs, &fakeColRepo{}, jobs, WorkerConfig{QueueDepth: 1}, nil)
	ctx := context.Background()

	first := docs.add(repository.DocStatusPending)
	if err := svc.Submit(ctx, first); err != nil {
		t.Fatalf("first Submit() = %v", err)
	}

	second := docs.add(repository.DocStatusPending)
	if err := svc.Submit(ctx, second); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("second Submit() = %v, want ErrQueueFull", err)
	}
	if got := docs.status(second); got != repository.DocStatusPending {
		t.Errorf("status after full queue = %q, want pending", got)
	}
	// The rolled-back enqueue must not leave a job row or inflate the
	// attempt count.
	if attempts, _ := jobs.CountAttempts(ctx, second); attempts != 0 {
		t.Errorf("attempts after full queue = %d, want 0", attempts)
	}
}

func TestProcessSuccess(t *testing.T) {
	docs := newFakeDocRepo()
	jobs := newFakeJobRepo()
	svc := newTestService(t, &stubProcessor{}, docs, jobs, WorkerConfig{})

	id := docs.add(repository.DocStatusPending)
	if err := svc.Submit(context.Background(), id); err != nil {
		t.Fatal(err)
	}

	waitStatus(t, docs, id, repository.DocStatusCompleted)

	job, err := jobs.GetLatestByDocument(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if job.State != repository.JobStateSucceeded {
		t.Errorf("job state = %q, want succeeded", job.State)
	}
	if job.Attempt != 1 {
		t.Errorf("attempt = %d, want 1", job.Attempt)
	}
}

func TestProcessTransientFailureRetries(t *testing.T) {
	docs := newFakeDocRepo()
	jobs := newFakeJobRepo()
	proc := &stubProcessor{results: []error{errors.New("upstream flake"), nil}}
	svc := newTestService(t, proc, docs, jobs, WorkerConfig{})

	id := docs.add(repository.DocStatusPending)
	if err := svc.Submit(context.Background(), id); err != nil {
		t.Fatal(err)
	}

	waitStatus(t, docs, id, repository.DocStatusCompleted)

	if got := proc.callCount(); got != 2 {
		t.Errorf("process calls = %d, want 2", got)
	}
	attempts, _ := jobs.CountAttempts(context.Background(), id)
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestProcessPermanentFailureDoesNotRetry(t *testing.T) {
	docs := newFakeDocRepo()
	jobs := newFakeJobRepo()
	proc := &stubProcessor{results: []error{Permanent(errors.New("unparseable"))}}
	svc := newTestService(t, proc, docs, jobs, WorkerConfig{})

	id := docs.add(repository.DocStatusPending)
	if err := svc.Submit(context.Background(), id); err != nil {
		t.Fatal(err)
	}

	waitStatus(t, docs, id, repository.DocStatusFailed)
	// Give any retry goroutine a chance to fire wrongly.
	time.Sleep(20 * time.Millisecond)

	if got := proc.callCount(); got != 1 {
		t.Errorf("process calls = %d, want 1", got)
	}
	doc, _ := docs.GetByID(context.Background(), id)
	if doc.ProcessingInfo.Error == "" {
		t.Error("failure reason not recorded on the document")
	}
}

func TestProcessExhaustsAttempts(t *testing.T) {
	docs := newFakeDocRepo()
	jobs := newFakeJobRepo()
	flake := errors.New("always failing")
	proc := &stubProcessor{results: []error{flake, flake, flake, flake}}
	svc := newTestService(t, proc, docs, jobs, WorkerConfig{MaxAttempts: 2})

	id := docs.add(repository.DocStatusPending)
	if err := svc.Submit(context.Background(), id); err != nil {
		t.Fatal(err)
	}

	waitStatus(t, docs, id, repository.DocStatusFailed)
	time.Sleep(20 * time.Millisecond)

	if got := proc.callCount(); got != 2 {
		t.Errorf("process calls = %d, want 2", got)
	}
}

func TestCancelQueuedDocument(t *testing.T) {
	docs := newFakeDocRepo()
	jobs := newFakeJobRepo()
	// No workers running: submitted documents stay queued.
	svc := NewService(&stubProcessor{}, docs, &fakeColRepo{}, jobs, WorkerConfig{}, nil)
	ctx := context.Background()

	id := docs.add(repository.DocStatusPending)
	if err := svc.Submit(ctx, id); err != nil {
		t.Fatal(err)
	}

	if err := svc.Cancel(ctx, id); err != nil {
		t.Fatalf("Cancel() = %v", err)
	}
	if got := docs.status(id); got != repository.DocStatusCancelled {
		t.Errorf("status = %q, want cancelled", got)
	}

	job, _ := jobs.GetLatestByDocument(ctx, id)
	if job.State != repository.JobStateCancelled {
		t.Errorf("job state = %q, want cancelled", job.State)
	}
}

func TestCancelRunningDocument(t *testing.T) {
	docs := newFakeDocRepo()
	jobs := newFakeJobRepo()
	proc := &stubProcessor{block: make(chan struct{})}
	svc := newTestService(t, proc, docs, jobs, WorkerConfig{})
	ctx := context.Background()

	id := docs.add(repository.DocStatusPending)
	if err := svc.Submit(ctx, id); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, docs, id, repository.DocStatusRunning)

	// The worker registers its cancel func just after the running
	// transition, so retry across that window.
	deadline := time.Now().Add(time.Second)
	for {
		err := svc.Cancel(ctx, id)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrNotCancellable) {
			t.Fatalf("Cancel() = %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatal("Cancel() kept returning ErrNotCancellable")
		}
		time.Sleep(time.Millisecond)
	}
	waitStatus(t, docs, id, repository.DocStatusCancelled)

	if got := proc.callCount(); got != 1 {
		t.Errorf("process calls = %d, want 1", got)
	}
}

func TestCancelTerminalDocument(t *testing.T) {
	docs := newFakeDocRepo()
	jobs := newFakeJobRepo()
	svc := NewService(&stubProcessor{}, docs, &fakeColRepo{}, jobs, WorkerConfig{}, nil)

	id := docs.add(repository.DocStatusCompleted)
	if err := svc.Cancel(context.Background(), id); !errors.Is(err, ErrNotCancellable) {
		t.Errorf("Cancel(completed) = %v, want ErrNotCancellable", err)
	}
}

func TestResubmitFailedDocument(t *testing.T) {
	docs := newFakeDocRepo()
	jobs := newFakeJobRepo()
	svc := newTestService(t, &stubProcessor{}, docs, jobs, WorkerConfig{})
	ctx := context.Background()

	id := docs.add(repository.DocStatusFailed)
	if err := svc.Resubmit(ctx, id); err != nil {
		t.Fatalf("Resubmit() = %v", err)
	}
	waitStatus(t, docs, id, repository.DocStatusCompleted)

	pending := docs.add(repository.DocStatusPending)
	if err := svc.Resubmit(ctx, pending); !errors.Is(err, repository.ErrConflict) {
		t.Errorf("Resubmit(pending) = %v, want ErrConflict", err)
	}
}

func TestSubmitInFlightIsNoOp(t *testing.T) {
	docs := newFakeDocRepo()
	jobs := newFakeJobRepo()
	svc := NewService(&stubProcessor{}, docs, &fakeColRepo{}, jobs, WorkerConfig{}, nil)
	ctx := context.Background()

	queued := docs.add(repository.DocStatusQueued)
	if err := svc.Submit(ctx, queued); err != nil {
		t.Errorf("Submit(queued) = %v, want nil", err)
	}
	if got := docs.status(queued); got != repository.DocStatusQueued {
		t.Errorf("status = %q, want queued", got)
	}

	running := docs.add(repository.DocStatusRunning)
	if err := svc.Submit(ctx, running); err != nil {
		t.Errorf("Submit(running) = %v, want nil", err)
	}
	if got := docs.status(running); got != repository.DocStatusRunning {
		t.Errorf("status = %q, want running", got)
	}

	if _, err := jobs.GetLatestByDocument(ctx, queued); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("no-op submit created a job: %v", err)
	}
}

func TestStartReclaimsAbandonedDocuments(t *testing.T) {
	docs := newFakeDocRepo()
	jobs := newFakeJobRepo()

	stuckRunning := docs.add(repository.DocStatusRunning)
	stuckQueued := docs.add(repository.DocStatusQueued)

	newTestService(t, &stubProcessor{}, docs, jobs, WorkerConfig{})

	waitStatus(t, docs, stuckRunning, repository.DocStatusCompleted)
	waitStatus(t, docs, stuckQueued, repository.DocStatusCompleted)
}
