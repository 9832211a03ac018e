// Package memory implements vector.Index with an in-process brute-force
// cosine store. It backs tests and single-process development runs.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/bookcompanion/bookcompanion/internal/vector"
)

type record struct {
	entry     vector.Entry
	indexedAt int64
}

// Index is an in-memory vector.Index.
type Index struct {
	mu      sync.RWMutex
	records map[string]record // keyed by vector.PointID
	clock   func() int64
}

// New creates an empty in-memory index.
func New() *Index {
	return &Index{
		records: make(map[string]record),
		clock:   func() int64 { return time.Now().UnixNano() },
	}
}

func (ix *Index) Upsert(_ context.Context, ownerID, bookID string, entries []vector.Entry) error {
	if err := vector.CheckOwner(ownerID); err != nil {
		return err
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, e := range entries {
		e.Meta.OwnerID = ownerID
		e.Meta.BookID = bookID
		key := vector.PointID(ownerID, bookID, e.Meta.ChunkIndex)
		ix.records[key] = record{entry: e, indexedAt: ix.clock()}
	}
	return nil
}

func (ix *Index) Query(_ context.Context, ownerID string, vec []float32, topK int, bookFilter []string) ([]vector.Result, error) {
	if err := vector.CheckOwner(ownerID); err != nil {
		return nil, err
	}
	if topK <= 0 {
		return nil, nil
	}

	books := make(map[string]bool, len(bookFilter))
	for _, b := range bookFilter {
		books[b] = true
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var results []vector.Result
	for _, r := range ix.records {
		if r.entry.Meta.OwnerID != ownerID {
			continue
		}
		if len(books) > 0 && !books[r.entry.Meta.BookID] {
			continue
		}
		results = append(results, vector.Result{
			Text:      r.entry.Text,
			Score:     vector.Cosine(vec, r.entry.Vector),
			Meta:      r.entry.Meta,
			IndexedAt: r.indexedAt,
		})
	}

	vector.SortResults(results)
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

func (ix *Index) DeleteByBook(_ context.Context, ownerID, bookID string) error {
	if err := vector.CheckOwner(ownerID); err != nil {
		return err
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	for key, r := range ix.records {
		if r.entry.Meta.OwnerID == ownerID && r.entry.Meta.BookID == bookID {
			delete(ix.records, key)
		}
	}
	return nil
}

func (ix *Index) Stats(_ context.Context, ownerID string) (vector.Stats, error) {
	if err := vector.CheckOwner(ownerID); err != nil {
		return vector.Stats{}, err
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	stats := vector.Stats{PerBookCounts: make(map[string]int)}
	for _, r := range ix.records {
		if r.entry.Meta.OwnerID != ownerID {
			continue
		}
		stats.TotalVectors++
		stats.PerBookCounts[r.entry.Meta.BookID]++
	}
	return stats, nil
}

func (ix *Index) Close() error { return nil }

var _ vector.Index = (*Index)(nil)
