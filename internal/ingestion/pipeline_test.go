package ingestion

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mnemosyne-ai/mnemosyne/internal/blobstore"
	"github.com/mnemosyne-ai/mnemosyne/internal/parser"
	"github.com/mnemosyne-ai/mnemosyne/internal/repository"
	"github.com/mnemosyne-ai/mnemosyne/internal/vectorstore"
)

// callLog records the order of side-effecting calls across fakes
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, name)
}

func (l *callLog) index(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, c := range l.calls {
		if c == name {
			return i
		}
	}
	return -1
}

// fakeBlobs serves blobs from memory
type fakeBlobs struct {
	blobs map[string][]byte
}

func (f *fakeBlobs) Put(ctx context.Context, key, contentType string, body io.Reader) error {
	return nil
}

func (f *fakeBlobs) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	content, ok := f.blobs[key]
	if !ok {
		return nil, blobstore.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(content)), nil
}

func (f *fakeBlobs) Delete(ctx context.Context, key string) error { return nil }

func (f *fakeBlobs) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return "", nil
}

// fakeVectors records vector-store calls and can fail the upsert
type fakeVectors struct {
	log       *callLog
	exists    bool
	upsertErr error

	mu       sync.Mutex
	upserted []vectorstore.Point
	deletes  int
}

func (f *fakeVectors) CreateCollection(ctx context.Context, collectionID uuid.UUID, dimension int) error {
	f.log.add("CreateCollection")
	return nil
}

func (f *fakeVectors) DeleteCollection(ctx context.Context, collectionID uuid.UUID) error {
	return nil
}

func (f *fakeVectors) CollectionExists(ctx context.Context, collectionID uuid.UUID) (bool, error) {
	return f.exists, nil
}

func (f *fakeVectors) Upsert(ctx context.Context, collectionID uuid.UUID, points []vectorstore.Point) error {
	f.log.add("Upsert")
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.mu.Lock()
	f.upserted = append(f.upserted, points...)
	f.mu.Unlock()
	return nil
}

func (f *fakeVectors) Search(ctx context.Context, collectionID uuid.UUID, vector []float32, topK int, filters map[string][]string) ([]vectorstore.SearchResult, error) {
	return nil, nil
}

func (f *fakeVectors) DeleteDocument(ctx context.Context, collectionID, documentID uuid.UUID) error {
	f.log.add("DeleteDocument")
	f.mu.Lock()
	f.deletes++
	f.mu.Unlock()
	return nil
}

func (f *fakeVectors) DeleteByIDs(ctx context.Context, collectionID uuid.UUID, ids []uuid.UUID) error {
	return nil
}

func (f *fakeVectors) deleteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deletes
}

// fakeGraphRepo records graph writes
type fakeGraphRepo struct {
	log   *callLog
	mu    sync.Mutex
	calls int
}

func (f *fakeGraphRepo) ReplaceDocumentGraph(ctx context.Context, collectionID, documentID uuid.UUID, entities []*repository.GraphEntity, edges []*repository.GraphEdge) error {
	f.log.add("ReplaceDocumentGraph")
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return nil
}

func (f *fakeGraphRepo) FindEntities(ctx context.Context, collectionID uuid.UUID, names []string) ([]*repository.GraphEntity, error) {
	return nil, nil
}

func (f *fakeGraphRepo) NeighbourChunkIDs(ctx context.Context, collectionID uuid.UUID, entityIDs []uuid.UUID, limit int) ([]uuid.UUID, error) {
	return nil, nil
}

func (f *fakeGraphRepo) DeleteByDocument(ctx context.Context, documentID uuid.UUID) error {
	return nil
}

// pipelineDocs layers call recording and failure injection over fakeDocRepo
type pipelineDocs struct {
	*fakeDocRepo
	log       *callLog
	existing  *repository.Document
	chunksErr error

	mu        sync.Mutex
	gotDoc    *repository.Document
	gotChunks []*repository.Chunk
}

func (d *pipelineDocs) GetCompletedByHash(ctx context.Context, ownerID uuid.UUID, hash string) (*repository.Document, error) {
	if d.existing != nil {
		return d.existing, nil
	}
	return nil, repository.ErrNotFound
}

func (d *pipelineDocs) ReplaceChunks(ctx context.Context, doc *repository.Document, chunks []*repository.Chunk) error {
	d.log.add("ReplaceChunks")
	if d.chunksErr != nil {
		return d.chunksErr
	}
	d.mu.Lock()
	d.gotDoc = doc
	d.gotChunks = chunks
	d.mu.Unlock()
	return nil
}

// fixedEmbedder produces constant-width vectors and records batch sizes
type fixedEmbedder struct {
	dim int

	mu      sync.Mutex
	batches []int
}

func (e *fixedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return make([]float32, e.dim), nil
}

func (e *fixedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.batches = append(e.batches, len(texts))
	e.mu.Unlock()
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = make([]float32, e.dim)
	}
	return out, nil
}

func (e *fixedEmbedder) Dimension() int    { return e.dim }
func (e *fixedEmbedder) ModelName() string { return "fixed-test-model" }

type pipelineFixture struct {
	pipeline *Pipeline
	docs     *pipelineDocs
	vectors  *fakeVectors
	graphs   *fakeGraphRepo
	emb      *fixedEmbedder
	log      *callLog
	doc      *repository.Document
	col      *repository.Collection
}

func newPipelineFixture(t *testing.T, text string, cfg PipelineConfig) *pipelineFixture {
	t.Helper()
	log := &callLog{}
	owner := uuid.New()
	col := &repository.Collection{
		ID:      uuid.New(),
		OwnerID: owner,
		Config: repository.CollectionConfig{
			ChunkTargetTokens: 8,
			EmbeddingDim:      4,
			GraphEnabled:      true,
		},
	}
	doc := &repository.Document{
		ID:           uuid.New(),
		OwnerID:      owner,
		CollectionID: col.ID,
		MIMEType:     "text/plain",
		BlobKey:      "blob-1",
		Status:       repository.DocStatusRunning,
	}

	docs := &pipelineDocs{fakeDocRepo: newFakeDocRepo(), log: log}
	vectors := &fakeVectors{log: log}
	graphs := &fakeGraphRepo{log: log}
	emb := &fixedEmbedder{dim: 4}
	blobs := &fakeBlobs{blobs: map[string][]byte{"blob-1": []byte(text)}}

	return &pipelineFixture{
		pipeline: NewPipeline(blobs, parser.NewRegistry(), docs, graphs, vectors, emb, nil, cfg, nil),
		docs:     docs,
		vectors:  vectors,
		graphs:   graphs,
		emb:      emb,
		log:      log,
		doc:      doc,
		col:      col,
	}
}

const sampleText = `Alpine glaciers feed the upper river basin in spring.
Hydroelectric turbines downstream convert the flow into power.
Migratory storks nest along the irrigation canals every summer.
Farmers rotate barley and sunflowers across the eastern terraces.`

func TestProcessPersistsGraphAfterChunks(t *testing.T) {
	f := newPipelineFixture(t, sampleText, PipelineConfig{})

	if err := f.pipeline.Process(context.Background(), f.doc, f.col); err != nil {
		t.Fatalf("Process() = %v", err)
	}

	upsert := f.log.index("Upsert")
	persist := f.log.index("ReplaceChunks")
	graph := f.log.index("ReplaceDocumentGraph")
	if upsert == -1 || persist == -1 || graph == -1 {
		t.Fatalf("missing calls, log = %v", f.log.calls)
	}
	// Graph edges reference chunk rows by id, so the chunk transaction must
	// commit first.
	if graph < persist {
		t.Errorf("graph persisted before chunks: %v", f.log.calls)
	}
	if upsert > persist {
		t.Errorf("vectors upserted after the persist transaction: %v", f.log.calls)
	}
}

func TestProcessPersistFailureRemovesVectors(t *testing.T) {
	f := newPipelineFixture(t, sampleText, PipelineConfig{})
	f.docs.chunksErr = errors.New("connection reset")

	err := f.pipeline.Process(context.Background(), f.doc, f.col)
	if err == nil {
		t.Fatal("Process() succeeded despite persist failure")
	}
	if IsPermanent(err) {
		t.Errorf("transient persist failure classified permanent: %v", err)
	}
	if got := f.vectors.deleteCount(); got != 1 {
		t.Errorf("vector cleanup calls = %d, want 1", got)
	}
	if f.graphs.calls != 0 {
		t.Error("graph rows written for a document that never completed")
	}
}

func TestProcessUniqueViolationIsPermanentDuplicate(t *testing.T) {
	f := newPipelineFixture(t, sampleText, PipelineConfig{})
	f.docs.chunksErr = &pgconn.PgError{Code: "23505"}

	err := f.pipeline.Process(context.Background(), f.doc, f.col)
	if !IsPermanent(err) {
		t.Fatalf("unique violation not permanent: %v", err)
	}
	if got := f.vectors.deleteCount(); got != 1 {
		t.Errorf("vector cleanup calls = %d, want 1", got)
	}
}

func TestProcessDuplicateContentShortCircuits(t *testing.T) {
	f := newPipelineFixture(t, sampleText, PipelineConfig{})
	twin := &repository.Document{ID: uuid.New(), OwnerID: f.doc.OwnerID, Status: repository.DocStatusCompleted}
	f.docs.existing = twin

	err := f.pipeline.Process(context.Background(), f.doc, f.col)
	if !IsPermanent(err) {
		t.Fatalf("duplicate content not permanent: %v", err)
	}
	var dup *DuplicateError
	if !errors.As(err, &dup) || dup.ExistingID != twin.ID {
		t.Errorf("error = %v, want DuplicateError for %s", err, twin.ID)
	}
	if f.log.index("Upsert") != -1 {
		t.Error("duplicate document was embedded and upserted")
	}
}

func TestProcessDimensionMismatchIsPermanent(t *testing.T) {
	f := newPipelineFixture(t, sampleText, PipelineConfig{})
	f.col.Config.EmbeddingDim = 8 // embedder produces 4

	err := f.pipeline.Process(context.Background(), f.doc, f.col)
	if !IsPermanent(err) {
		t.Fatalf("dimension mismatch not permanent: %v", err)
	}
}

func TestProcessMissingBlobIsPermanent(t *testing.T) {
	f := newPipelineFixture(t, sampleText, PipelineConfig{})
	f.doc.BlobKey = "gone"

	err := f.pipeline.Process(context.Background(), f.doc, f.col)
	if !IsPermanent(err) {
		t.Fatalf("missing blob not permanent: %v", err)
	}
}

func TestProcessUnparseableContentIsPermanent(t *testing.T) {
	f := newPipelineFixture(t, "{not json", PipelineConfig{})
	f.doc.MIMEType = "application/json"

	err := f.pipeline.Process(context.Background(), f.doc, f.col)
	if !IsPermanent(err) {
		t.Fatalf("parse failure not permanent: %v", err)
	}
}

func TestProcessEmbedsInBoundedBatches(t *testing.T) {
	f := newPipelineFixture(t, sampleText, PipelineConfig{EmbedBatchSize: 2})

	if err := f.pipeline.Process(context.Background(), f.doc, f.col); err != nil {
		t.Fatalf("Process() = %v", err)
	}

	if len(f.emb.batches) < 2 {
		t.Fatalf("batches = %v, want the corpus split across >= 2 calls", f.emb.batches)
	}
	for _, size := range f.emb.batches {
		if size > 2 {
			t.Errorf("batch size %d exceeds the configured bound", size)
		}
	}
	for i, chunk := range f.docs.gotChunks {
		if len(chunk.Embedding) != 4 {
			t.Errorf("chunk %d embedding width = %d, want 4", i, len(chunk.Embedding))
		}
	}
}

func TestProcessSetsCanonicalContentHash(t *testing.T) {
	f := newPipelineFixture(t, sampleText, PipelineConfig{})

	if err := f.pipeline.Process(context.Background(), f.doc, f.col); err != nil {
		t.Fatalf("Process() = %v", err)
	}

	hash := f.docs.gotDoc.ContentHash
	if len(hash) != 64 || strings.ToLower(hash) != hash {
		t.Errorf("content hash = %q, want lowercase sha256 hex", hash)
	}
	if f.docs.gotDoc.ProcessingInfo.EmbedModel != "fixed-test-model" {
		t.Errorf("embed model = %q", f.docs.gotDoc.ProcessingInfo.EmbedModel)
	}
}
