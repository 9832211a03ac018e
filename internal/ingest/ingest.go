// Package ingest runs embedding jobs: chunk a book, embed the chunks in
// bounded-concurrency batches, upsert them into the vector index, and track
// job progress through the pending → processing → completed/failed
// lifecycle.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bookcompanion/bookcompanion/internal/chunker"
	"github.com/bookcompanion/bookcompanion/internal/embed"
	"github.com/bookcompanion/bookcompanion/internal/observability"
	"github.com/bookcompanion/bookcompanion/internal/ragerr"
	"github.com/bookcompanion/bookcompanion/internal/vector"
)

// Status is the lifecycle state of an embedding job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Defaults mirror the ingestion parameters the API applies when the caller
// leaves them unset.
const (
	DefaultChunkSize = 1000
	DefaultOverlap   = 200
)

// Config tunes the ingestion pipeline.
type Config struct {
	BatchSize   int           // chunks embedded+upserted per batch
	Concurrency int           // batches in flight at once
	JobTimeout  time.Duration // 0 = no deadline
	Retention   time.Duration // how long finished jobs stay queryable; 0 = 1h
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 16
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.Retention <= 0 {
		c.Retention = time.Hour
	}
	return c
}

// Snapshot is a point-in-time view of a job, safe to hand to callers.
type Snapshot struct {
	JobID           string    `json:"jobId"`
	BookID          string    `json:"bookId"`
	OwnerID         string    `json:"-"`
	Status          Status    `json:"status"`
	TotalChunks     int       `json:"totalChunks"`
	ProcessedChunks int       `json:"processedChunks"`
	Error           string    `json:"error,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Progress returns completion as a fraction in [0, 1].
func (s Snapshot) Progress() float64 {
	if s.TotalChunks == 0 {
		return 1
	}
	return float64(s.ProcessedChunks) / float64(s.TotalChunks)
}

type job struct {
	id      string
	bookID  string
	ownerID string

	mu        sync.Mutex
	status    Status
	total     int
	errMsg    string
	createdAt time.Time
	updatedAt time.Time

	processed atomic.Int64
	cancel    context.CancelFunc
	done      chan struct{}
}

func (j *job) snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	return Snapshot{
		JobID:           j.id,
		BookID:          j.bookID,
		OwnerID:         j.ownerID,
		Status:          j.status,
		TotalChunks:     j.total,
		ProcessedChunks: int(j.processed.Load()),
		Error:           j.errMsg,
		CreatedAt:       j.createdAt,
		UpdatedAt:       j.updatedAt,
	}
}

func (j *job) setStatus(s Status, errMsg string) {
	j.mu.Lock()
	j.status = s
	if errMsg != "" {
		j.errMsg = errMsg
	}
	j.updatedAt = time.Now().UTC()
	j.mu.Unlock()
}

// BookRecord remembers the parameters of a book's most recent completed
// ingestion, surfaced by the embeddings-info endpoint.
type BookRecord struct {
	BookID      string    `json:"bookId"`
	TotalChunks int       `json:"totalChunks"`
	ChunkSize   int       `json:"chunkSize"`
	Overlap     int       `json:"overlap"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// Manager owns embedding jobs. Job state lives in memory; durable job
// metadata belongs to the surrounding application's relational store.
// Finished jobs stay queryable for the retention window and are swept when
// new jobs start, so a long-lived process does not accumulate them.
type Manager struct {
	embedder *embed.Embedder
	index    vector.Index
	config   Config
	logger   *slog.Logger

	mu    sync.RWMutex
	jobs  map[string]*job
	books map[string]BookRecord // keyed by ownerID + "\x00" + bookID
	seq   atomic.Int64
}

// NewManager creates a job manager.
func NewManager(embedder *embed.Embedder, index vector.Index, config Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		embedder: embedder,
		index:    index,
		config:   config.withDefaults(),
		logger:   logger,
		jobs:     make(map[string]*job),
		books:    make(map[string]BookRecord),
	}
}

// Start validates the request, registers a pending job and launches the
// pipeline. The returned snapshot reflects the job at creation time; callers
// poll Get (or block on Wait) for progress.
//
// Each ingestion deletes the book's previous vectors before upserting, so a
// re-ingest that produces fewer chunks leaves no stale trailing chunks
// behind.
func (m *Manager) Start(ctx context.Context, ownerID, bookID, text string, chunkSize, overlap int) (Snapshot, error) {
	m.prune()
	if err := vector.CheckOwner(ownerID); err != nil {
		return Snapshot{}, err
	}
	if bookID == "" {
		return Snapshot{}, fmt.Errorf("%w: missing book id", ragerr.ErrInvalidParameter)
	}
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}
	if overlap == 0 && chunkSize > DefaultOverlap {
		overlap = DefaultOverlap
	}

	chunks, err := chunker.Split(text, chunkSize, overlap)
	if err != nil {
		return Snapshot{}, err
	}
	chunker.Stamp(chunks, ownerID, bookID)

	now := time.Now().UTC()
	j := &job{
		id:        fmt.Sprintf("job-%d-%d", now.UnixNano(), m.seq.Add(1)),
		bookID:    bookID,
		ownerID:   ownerID,
		status:    StatusPending,
		total:     len(chunks),
		createdAt: now,
		updatedAt: now,
		done:      make(chan struct{}),
	}

	jobCtx := context.Background()
	var cancel context.CancelFunc
	if m.config.JobTimeout > 0 {
		jobCtx, cancel = context.WithTimeout(jobCtx, m.config.JobTimeout)
	} else {
		jobCtx, cancel = context.WithCancel(jobCtx)
	}
	j.cancel = cancel

	m.mu.Lock()
	m.jobs[j.id] = j
	m.mu.Unlock()

	go m.run(jobCtx, j, chunks, chunkSize, overlap)

	return j.snapshot(), nil
}

// Get returns the job's current state. Jobs belonging to a different owner
// are reported as not found, indistinguishable from jobs that never existed.
func (m *Manager) Get(jobID, ownerID string) (Snapshot, error) {
	m.mu.RLock()
	j, ok := m.jobs[jobID]
	m.mu.RUnlock()
	if !ok || j.ownerID != ownerID {
		return Snapshot{}, fmt.Errorf("%w: job %s", ragerr.ErrNotFound, jobID)
	}
	return j.snapshot(), nil
}

// Cancel requests cooperative cancellation. The pipeline checks between
// batches; chunks already upserted stay in the index.
func (m *Manager) Cancel(jobID, ownerID string) error {
	m.mu.RLock()
	j, ok := m.jobs[jobID]
	m.mu.RUnlock()
	if !ok || j.ownerID != ownerID {
		return fmt.Errorf("%w: job %s", ragerr.ErrNotFound, jobID)
	}
	j.cancel()
	return nil
}

// Wait blocks until the job reaches a terminal state or ctx expires.
func (m *Manager) Wait(ctx context.Context, jobID, ownerID string) (Snapshot, error) {
	m.mu.RLock()
	j, ok := m.jobs[jobID]
	m.mu.RUnlock()
	if !ok || j.ownerID != ownerID {
		return Snapshot{}, fmt.Errorf("%w: job %s", ragerr.ErrNotFound, jobID)
	}

	select {
	case <-j.done:
		return j.snapshot(), nil
	case <-ctx.Done():
		return j.snapshot(), ragerr.FromContext(ctx.Err())
	}
}

// Book returns the record of a book's most recent completed ingestion.
func (m *Manager) Book(ownerID, bookID string) (BookRecord, error) {
	m.mu.RLock()
	rec, ok := m.books[ownerID+"\x00"+bookID]
	m.mu.RUnlock()
	if !ok {
		return BookRecord{}, fmt.Errorf("%w: no embeddings for book %s", ragerr.ErrNotFound, bookID)
	}
	return rec, nil
}

// Forget drops a book's ingestion record, used after its vectors are
// deleted.
func (m *Manager) Forget(ownerID, bookID string) {
	m.mu.Lock()
	delete(m.books, ownerID+"\x00"+bookID)
	m.mu.Unlock()
}

// prune drops completed and failed jobs whose retention window has passed.
// Running jobs are never dropped.
func (m *Manager) prune() {
	cutoff := time.Now().UTC().Add(-m.config.Retention)
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, j := range m.jobs {
		snap := j.snapshot()
		if snap.Status != StatusCompleted && snap.Status != StatusFailed {
			continue
		}
		if snap.UpdatedAt.Before(cutoff) {
			delete(m.jobs, id)
		}
	}
}

func (m *Manager) run(ctx context.Context, j *job, chunks []chunker.Chunk, chunkSize, overlap int) {
	defer close(j.done)
	defer j.cancel()

	ctx, span := observability.StartIngestSpan(ctx, j.bookID, j.total)
	defer span.End()
	defer func() {
		snap := j.snapshot()
		observability.RecordIngestResult(span, string(snap.Status), snap.ProcessedChunks)
		observability.Metrics().RecordIngestJob(time.Since(snap.CreatedAt), snap.ProcessedChunks, snap.Status == StatusFailed)
	}()
	observability.Audit().LogIngestStart(ctx, j.ownerID, j.bookID, j.id, j.total)

	j.setStatus(StatusProcessing, "")

	if err := m.index.DeleteByBook(ctx, j.ownerID, j.bookID); err != nil {
		m.fail(j, fmt.Errorf("clear previous chunks: %w", err))
		return
	}

	if len(chunks) == 0 {
		m.finish(j, chunkSize, overlap)
		return
	}

	var (
		wg       sync.WaitGroup
		sem      = make(chan struct{}, m.config.Concurrency)
		errOnce  sync.Once
		firstErr error
	)
	batchCtx, cancelBatches := context.WithCancel(ctx)
	defer cancelBatches()

	// Only the first unrecoverable failure is recorded; it also cancels
	// the batches still in flight.
	record := func(err error) {
		errOnce.Do(func() {
			firstErr = err
			cancelBatches()
		})
	}

	for start := 0; start < len(chunks); start += m.config.BatchSize {
		// Cooperative cancellation point between batch dispatches.
		if err := batchCtx.Err(); err != nil {
			record(ragerr.FromContext(err))
			break
		}

		end := start + m.config.BatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]

		sem <- struct{}{}
		wg.Add(1)
		go func(batch []chunker.Chunk) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := m.processBatch(batchCtx, j, batch); err != nil {
				record(err)
				return
			}
			j.processed.Add(int64(len(batch)))
		}(batch)
	}

	wg.Wait()

	if firstErr != nil {
		m.fail(j, firstErr)
		return
	}
	m.finish(j, chunkSize, overlap)
}

func (m *Manager) processBatch(ctx context.Context, j *job, batch []chunker.Chunk) error {
	texts := make([]string, len(batch))
	for i, c := range batch {
		texts[i] = c.Text
	}

	vectors, err := m.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed chunks %d..%d: %w", batch[0].Index, batch[len(batch)-1].Index, err)
	}

	entries := make([]vector.Entry, len(batch))
	for i, c := range batch {
		entries[i] = vector.Entry{
			Text:   c.Text,
			Vector: vectors[i],
			Meta: vector.Metadata{
				OwnerID:    c.OwnerID,
				BookID:     c.BookID,
				ChunkIndex: c.Index,
				Page:       c.Page,
				Hash:       c.Hash,
			},
		}
	}

	if err := m.index.Upsert(ctx, j.ownerID, j.bookID, entries); err != nil {
		return fmt.Errorf("upsert chunks %d..%d: %w", batch[0].Index, batch[len(batch)-1].Index, err)
	}
	return nil
}

func (m *Manager) fail(j *job, err error) {
	if errors.Is(err, context.Canceled) {
		err = fmt.Errorf("ingestion cancelled: %w", err)
	}
	j.setStatus(StatusFailed, err.Error())
	observability.Audit().LogIngestError(context.Background(), j.ownerID, j.bookID, j.id, err)
	m.logger.Error("ingestion failed",
		"job", j.id, "book", j.bookID,
		"processed", j.processed.Load(), "total", j.total,
		"error", err)
}

func (m *Manager) finish(j *job, chunkSize, overlap int) {
	j.setStatus(StatusCompleted, "")
	m.mu.Lock()
	m.books[j.ownerID+"\x00"+j.bookID] = BookRecord{
		BookID:      j.bookID,
		TotalChunks: j.total,
		ChunkSize:   chunkSize,
		Overlap:     overlap,
		LastUpdated: time.Now().UTC(),
	}
	m.mu.Unlock()
	observability.Audit().LogIngestComplete(context.Background(), j.ownerID, j.bookID, j.id, j.total, time.Since(j.snapshot().CreatedAt))
	m.logger.Info("ingestion completed", "job", j.id, "book", j.bookID, "chunks", j.total)
}
