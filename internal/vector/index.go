// Package vector defines the vector index abstraction: storage of
// (vector, text, metadata) tuples partitioned by owner and book, with
// similarity search scoped server-side to a single owner.
//
// Backends (Qdrant, bbolt, in-memory) are interchangeable implementations
// selected at construction time.
package vector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"

	"github.com/bookcompanion/bookcompanion/internal/ragerr"
)

// Metadata is the structured record carried by every stored vector. The core
// depends on the typed fields; Extra is an open extension map for
// provider-specific values.
type Metadata struct {
	OwnerID    string            `json:"owner_id"`
	BookID     string            `json:"book_id"`
	ChunkIndex int               `json:"chunk_index"`
	Page       int               `json:"page,omitempty"`
	Hash       string            `json:"hash,omitempty"`
	Extra      map[string]string `json:"extra,omitempty"`
}

// Entry is one chunk ready for indexing.
type Entry struct {
	Text   string
	Vector []float32
	Meta   Metadata
}

// Result is a single match from a similarity search, ranked by Score
// (higher = more relevant).
type Result struct {
	Text      string
	Score     float32
	Meta      Metadata
	IndexedAt int64 // unix nanos, used for deterministic tie-breaking
}

// Stats describes an owner's slice of the index.
type Stats struct {
	TotalVectors  int
	PerBookCounts map[string]int
}

// Index stores embeddings partitioned by owner and book.
//
// Upsert is idempotent per (bookID, chunkIndex): re-upserting the same chunk
// index overwrites, never duplicates. Query applies the owner filter inside
// the backend, never by post-filtering on the client. An empty ownerID fails
// closed before any backend call.
type Index interface {
	Upsert(ctx context.Context, ownerID, bookID string, entries []Entry) error
	Query(ctx context.Context, ownerID string, vec []float32, topK int, bookFilter []string) ([]Result, error)
	DeleteByBook(ctx context.Context, ownerID, bookID string) error
	Stats(ctx context.Context, ownerID string) (Stats, error)
	Close() error
}

// CheckOwner rejects requests that arrive without an owner scope.
func CheckOwner(ownerID string) error {
	if ownerID == "" {
		return fmt.Errorf("%w: missing owner id", ragerr.ErrUnauthorized)
	}
	return nil
}

// PointID derives the stable storage key for a chunk. Identical
// (owner, book, index) triples always map to the same UUID, which is what
// makes re-upserting a chunk an overwrite rather than a duplicate.
func PointID(ownerID, bookID string, chunkIndex int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s\x00%s\x00%d", ownerID, bookID, chunkIndex)))

	var b [16]byte
	copy(b[:], sum[:16])
	b[6] = (b[6] & 0x0f) | 0x40 // version 4 layout
	b[8] = (b[8] & 0x3f) | 0x80 // variant 10

	var out [36]byte
	hex.Encode(out[0:8], b[0:4])
	out[8] = '-'
	hex.Encode(out[9:13], b[4:6])
	out[13] = '-'
	hex.Encode(out[14:18], b[6:8])
	out[18] = '-'
	hex.Encode(out[19:23], b[8:10])
	out[23] = '-'
	hex.Encode(out[24:36], b[10:16])
	return string(out[:])
}

// SortResults orders matches by score descending, ties broken by most
// recently indexed first so identical queries always return identical
// orderings.
func SortResults(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].IndexedAt > results[j].IndexedAt
	})
}

// Cosine returns the cosine similarity of two vectors. Mismatched or zero
// vectors score zero rather than erroring; a malformed stored vector should
// lose the ranking, not kill the query.
func Cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
