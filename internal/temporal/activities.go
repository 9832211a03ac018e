package temporal

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bookcompanion/bookcompanion/internal/chunker"
	"github.com/bookcompanion/bookcompanion/internal/embed"
	"github.com/bookcompanion/bookcompanion/internal/ingest"
	"github.com/bookcompanion/bookcompanion/internal/ragerr"
	"github.com/bookcompanion/bookcompanion/internal/vector"
)

// ChunkResult is the serializable result passed from chunking to embedding.
type ChunkResult struct {
	ChunksJSON string
	Total      int
}

// BatchInput selects one half-open slice [Start, End) of the chunk list for
// embedding and indexing.
type BatchInput struct {
	OwnerID    string
	BookID     string
	ChunksJSON string
	Start      int
	End        int
}

// BatchResult reports how many chunks a batch indexed.
type BatchResult struct {
	Indexed int
}

// Dependencies holds shared resources injected into activities.
type Dependencies struct {
	Embedder *embed.Embedder
	Index    vector.Index
}

var deps *Dependencies

// SetDependencies injects shared resources (called during worker setup).
func SetDependencies(d *Dependencies) {
	deps = d
}

// DeleteBookActivity removes every vector a previous ingestion of the book
// left in the index.
func DeleteBookActivity(ctx context.Context, ownerID, bookID string) error {
	if err := vector.CheckOwner(ownerID); err != nil {
		return err
	}
	if bookID == "" {
		return fmt.Errorf("%w: missing book id", ragerr.ErrInvalidParameter)
	}
	return deps.Index.DeleteByBook(ctx, ownerID, bookID)
}

// ChunkActivity splits the book text into owner-stamped chunks.
func ChunkActivity(ctx context.Context, input IngestionInput) (ChunkResult, error) {
	if err := vector.CheckOwner(input.OwnerID); err != nil {
		return ChunkResult{}, err
	}
	if input.BookID == "" {
		return ChunkResult{}, fmt.Errorf("%w: missing book id", ragerr.ErrInvalidParameter)
	}

	chunkSize := input.ChunkSize
	if chunkSize == 0 {
		chunkSize = ingest.DefaultChunkSize
	}
	overlap := input.Overlap
	if overlap == 0 && chunkSize > ingest.DefaultOverlap {
		overlap = ingest.DefaultOverlap
	}

	chunks, err := chunker.Split(input.Text, chunkSize, overlap)
	if err != nil {
		return ChunkResult{}, err
	}
	for i := range chunks {
		chunks[i].OwnerID = input.OwnerID
		chunks[i].BookID = input.BookID
	}

	chunksJSON, err := json.Marshal(chunks)
	if err != nil {
		return ChunkResult{}, fmt.Errorf("marshal chunks: %w", err)
	}
	return ChunkResult{ChunksJSON: string(chunksJSON), Total: len(chunks)}, nil
}

// EmbedBatchActivity embeds one slice of chunks and upserts the resulting
// vectors. Point IDs derive from (owner, book, chunk index), so retrying a
// batch overwrites its own rows instead of duplicating them.
func EmbedBatchActivity(ctx context.Context, input BatchInput) (BatchResult, error) {
	var chunks []chunker.Chunk
	if err := json.Unmarshal([]byte(input.ChunksJSON), &chunks); err != nil {
		return BatchResult{}, fmt.Errorf("unmarshal chunks: %w", err)
	}
	if input.Start < 0 || input.End > len(chunks) || input.Start >= input.End {
		return BatchResult{}, fmt.Errorf("%w: batch range [%d, %d) out of bounds for %d chunks",
			ragerr.ErrInvalidParameter, input.Start, input.End, len(chunks))
	}

	batch := chunks[input.Start:input.End]
	texts := make([]string, len(batch))
	for i, c := range batch {
		texts[i] = c.Text
	}

	vectors, err := deps.Embedder.Embed(ctx, texts)
	if err != nil {
		return BatchResult{}, err
	}

	entries := make([]vector.Entry, len(batch))
	for i, c := range batch {
		entries[i] = vector.Entry{
			Text:   c.Text,
			Vector: vectors[i],
			Meta: vector.Metadata{
				OwnerID:    input.OwnerID,
				BookID:     input.BookID,
				ChunkIndex: c.Index,
				Page:       c.Page,
				Hash:       c.Hash,
			},
		}
	}

	if err := deps.Index.Upsert(ctx, input.OwnerID, input.BookID, entries); err != nil {
		return BatchResult{}, err
	}
	return BatchResult{Indexed: len(entries)}, nil
}
