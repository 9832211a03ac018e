// Package bolt implements vector.Index on a local bbolt file. Search is
// brute-force cosine over the owner's records, which holds up fine for the
// personal-library scale this service targets.
package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/bookcompanion/bookcompanion/internal/ragerr"
	"github.com/bookcompanion/bookcompanion/internal/vector"
)

var bucketVectors = []byte("vectors")

type record struct {
	Text      string          `json:"text"`
	Vector    []float32       `json:"vector"`
	Meta      vector.Metadata `json:"meta"`
	IndexedAt int64           `json:"indexed_at"`
}

// Index is a bbolt-backed vector.Index.
type Index struct {
	db *bbolt.DB
}

// Open opens (or creates) the store at path.
func Open(path string) (*Index, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ragerr.ErrIndexUnavailable, path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketVectors)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: create bucket: %v", ragerr.ErrIndexUnavailable, err)
	}

	return &Index{db: db}, nil
}

func (ix *Index) Upsert(_ context.Context, ownerID, bookID string, entries []vector.Entry) error {
	if err := vector.CheckOwner(ownerID); err != nil {
		return err
	}

	err := ix.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketVectors)
		now := time.Now().UnixNano()
		for _, e := range entries {
			e.Meta.OwnerID = ownerID
			e.Meta.BookID = bookID
			data, err := json.Marshal(record{
				Text:      e.Text,
				Vector:    e.Vector,
				Meta:      e.Meta,
				IndexedAt: now,
			})
			if err != nil {
				return err
			}
			key := []byte(vector.PointID(ownerID, bookID, e.Meta.ChunkIndex))
			if err := b.Put(key, data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: upsert: %v", ragerr.ErrIndexUnavailable, err)
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

	var results []vector.Result
	err := ix.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketVectors).ForEach(func(_, v []byte) error {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.Meta.OwnerID != ownerID {
				return nil
			}
			if len(books) > 0 && !books[rec.Meta.BookID] {
				return nil
			}
			results = append(results, vector.Result{
				Text:      rec.Text,
				Score:     vector.Cosine(vec, rec.Vector),
				Meta:      rec.Meta,
				IndexedAt: rec.IndexedAt,
			})
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: query: %v", ragerr.ErrIndexUnavailable, err)
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

	err := ix.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketVectors)
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.Meta.OwnerID == ownerID && rec.Meta.BookID == bookID {
				key := make([]byte, len(k))
				copy(key, k)
				stale = append(stale, key)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: delete: %v", ragerr.ErrIndexUnavailable, err)
	}
	return nil
}

func (ix *Index) Stats(_ context.Context, ownerID string) (vector.Stats, error) {
	if err := vector.CheckOwner(ownerID); err != nil {
		return vector.Stats{}, err
	}

	stats := vector.Stats{PerBookCounts: make(map[string]int)}
	err := ix.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketVectors).ForEach(func(_, v []byte) error {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.Meta.OwnerID != ownerID {
				return nil
			}
			stats.TotalVectors++
			stats.PerBookCounts[rec.Meta.BookID]++
			return nil
		})
	})
	if err != nil {
		return vector.Stats{}, fmt.Errorf("%w: stats: %v", ragerr.ErrIndexUnavailable, err)
	}
	return stats, nil
}

func (ix *Index) Close() error { return ix.db.Close() }

var _ vector.Index = (*Index)(nil)
