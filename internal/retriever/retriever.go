// Package retriever turns a query string into ranked passages: embed the
// query, search the vector index under the caller's owner/book scope, drop
// low-relevance matches.
package retriever

import (
	"context"
	"fmt"
	"strings"

	"github.com/bookcompanion/bookcompanion/internal/embed"
	"github.com/bookcompanion/bookcompanion/internal/ragerr"
	"github.com/bookcompanion/bookcompanion/internal/vector"
)

// DefaultTopK bounds how many passages a retrieval returns when the caller
// does not say otherwise.
const DefaultTopK = 10

// Passage is one retrieved span with its provenance and similarity score.
type Passage struct {
	BookID     string
	Text       string
	Page       int
	ChunkIndex int
	Score      float32
}

// Config tunes retrieval behavior.
type Config struct {
	// MinScore drops matches scoring below it even when topK is unfilled.
	// Returning fewer than topK passages is valid and expected when
	// relevance is poor.
	MinScore float32
}

// Retriever ranks indexed passages against queries.
type Retriever struct {
	embedder *embed.Embedder
	index    vector.Index
	config   Config
}

// New creates a Retriever.
func New(embedder *embed.Embedder, index vector.Index, config Config) *Retriever {
	return &Retriever{embedder: embedder, index: index, config: config}
}

// Retrieve returns up to topK passages for the query, scoped to ownerID and
// optionally to bookIDs, ordered by descending score. topK <= 0 falls back
// to DefaultTopK.
func (r *Retriever) Retrieve(ctx context.Context, ownerID, query string, bookIDs []string, topK int) ([]Passage, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: empty query", ragerr.ErrInvalidParameter)
	}
	if err := vector.CheckOwner(ownerID); err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = DefaultTopK
	}

	queryVec, err := r.embedder.EmbedOne(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	results, err := r.index.Query(ctx, ownerID, queryVec, topK, bookIDs)
	if err != nil {
		return nil, fmt.Errorf("index query: %w", err)
	}

	passages := make([]Passage, 0, len(results))
	for _, res := range results {
		if res.Score < r.config.MinScore {
			continue
		}
		passages = append(passages, Passage{
			BookID:     res.Meta.BookID,
			Text:       res.Text,
			Page:       res.Meta.Page,
			ChunkIndex: res.Meta.ChunkIndex,
			Score:      res.Score,
		})
	}
	return passages, nil
}
