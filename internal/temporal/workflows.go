package temporal

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/workflow"
)

const defaultBatchSize = 16

// IngestionInput holds the workflow parameters.
type IngestionInput struct {
	OwnerID   string
	BookID    string
	Text      string
	ChunkSize int // 0 means the default chunk size
	Overlap   int // 0 means the default overlap when ChunkSize allows it
	BatchSize int // chunks embedded per activity call
}

// IngestionOutput holds the workflow result.
type IngestionOutput struct {
	BookID      string
	TotalChunks int
	Indexed     int
}

// IngestionWorkflow ingests one book: it drops any vectors left over from a
// previous ingestion, splits the text into chunks, then embeds and indexes
// the chunks batch by batch. Each batch is its own activity so a worker crash
// mid-book resumes at the failed batch instead of re-embedding everything.
func IngestionWorkflow(ctx workflow.Context, input IngestionInput) (*IngestionOutput, error) {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: 5 * time.Minute,
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	// Step 1: clear stale vectors so a replaced book never serves chunks
	// from two generations at once.
	if err := workflow.ExecuteActivity(ctx, DeleteBookActivity, input.OwnerID, input.BookID).Get(ctx, nil); err != nil {
		return nil, fmt.Errorf("delete previous vectors: %w", err)
	}

	// Step 2: chunk
	var chunks ChunkResult
	if err := workflow.ExecuteActivity(ctx, ChunkActivity, input).Get(ctx, &chunks); err != nil {
		return nil, fmt.Errorf("chunk: %w", err)
	}

	output := &IngestionOutput{
		BookID:      input.BookID,
		TotalChunks: chunks.Total,
	}
	if chunks.Total == 0 {
		return output, nil
	}

	// Step 3: embed and index, one batch per activity
	batchSize := input.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	for start := 0; start < chunks.Total; start += batchSize {
		end := start + batchSize
		if end > chunks.Total {
			end = chunks.Total
		}

		batch := BatchInput{
			OwnerID:    input.OwnerID,
			BookID:     input.BookID,
			ChunksJSON: chunks.ChunksJSON,
			Start:      start,
			End:        end,
		}

		var result BatchResult
		if err := workflow.ExecuteActivity(ctx, EmbedBatchActivity, batch).Get(ctx, &result); err != nil {
			return nil, fmt.Errorf("embed batch %d-%d: %w", start, end, err)
		}
		output.Indexed += result.Indexed
	}

	return output, nil
}
