// Package embed converts text segments and queries into fixed-dimension
// vectors via an llm.Provider, splitting work into provider-sized batches
// and reassembling results in input order.
package embed

import (
	"context"
	"fmt"

	"github.com/bookcompanion/bookcompanion/internal/llm"
	"github.com/bookcompanion/bookcompanion/internal/observability"
	"github.com/bookcompanion/bookcompanion/internal/ragerr"
)

// DefaultBatchSize bounds how many texts go into one provider call. OpenAI
// accepts far larger arrays, but smaller batches keep individual requests
// under token limits for book-sized chunks.
const DefaultBatchSize = 64

// Embedder batches embedding requests against a provider. Retry/backoff of
// individual calls is the provider wrapper's job; the Embedder maps
// exhausted failures onto the pipeline's error taxonomy.
type Embedder struct {
	provider  llm.Provider
	batchSize int
	dimension int // expected vector width, 0 = unchecked
}

// Option customizes an Embedder.
type Option func(*Embedder)

// WithBatchSize overrides the per-call batch limit.
func WithBatchSize(n int) Option {
	return func(e *Embedder) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithDimension makes the Embedder verify every returned vector's width.
func WithDimension(d int) Option {
	return func(e *Embedder) { e.dimension = d }
}

// New creates an Embedder on top of a provider.
func New(provider llm.Provider, opts ...Option) *Embedder {
	e := &Embedder{provider: provider, batchSize: DefaultBatchSize}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Embed returns one vector per input text, order-preserving. Inputs larger
// than the batch limit are split into multiple provider calls.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	ctx, span := observability.StartEmbedSpan(ctx, e.provider.Name(), len(texts))
	defer span.End()

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.batchSize {
		end := start + e.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := texts[start:end]

		vectors, err := e.provider.Embed(ctx, batch)
		if err != nil {
			observability.RecordError(span, err)
			if ctxErr := ragerr.FromContext(ctx.Err()); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("%w: batch starting at %d: %w", ragerr.ErrEmbeddingProvider, start, err)
		}
		if len(vectors) != len(batch) {
			return nil, fmt.Errorf("%w: batch starting at %d: got %d vectors for %d texts",
				ragerr.ErrEmbeddingProvider, start, len(vectors), len(batch))
		}
		if e.dimension > 0 {
			for i, v := range vectors {
				if len(v) != e.dimension {
					return nil, fmt.Errorf("%w: vector %d has dimension %d, want %d",
						ragerr.ErrEmbeddingProvider, start+i, len(v), e.dimension)
				}
			}
		}
		out = append(out, vectors...)
	}
	return out, nil
}

// EmbedOne embeds a single text, typically a query.
func (e *Embedder) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("%w: expected one vector, got %d", ragerr.ErrEmbeddingProvider, len(vectors))
	}
	return vectors[0], nil
}
