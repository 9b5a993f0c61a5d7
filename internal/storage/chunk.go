package storage

import (
	"context"

	"lmodingest/internal/metrics"
	"lmodingest/internal/schema"
)

// ChunkSize derives how many rows fit in one statement given a parameter
// budget and the column count: chunkSize × columns stays under the budget.
// rowBudget == 0 falls back to the backend's ceiling; the result is never
// below one row.
func ChunkSize(rowBudget, ceiling, columns int) int {
	budget := rowBudget
	if budget <= 0 || budget > ceiling {
		budget = ceiling
	}
	if columns <= 0 {
		columns = 1
	}
	n := budget / columns
	if n < 1 {
		n = 1
	}
	return n
}

// ForEachChunk splits recs into fixed-size chunks and invokes fn for each,
// recording a chunk metric per successful call, labeled with the target
// table. Each chunk is expected to commit independently; a failure leaves
// the already-committed prefix durable, which is safe because ingestion is
// idempotent per record. Cancellation is honored only at chunk boundaries.
func ForEachChunk(ctx context.Context, recs []schema.Usage, size int, table string, fn func(chunk []schema.Usage) error) error {
	for start := 0; start < len(recs); start += size {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := start + size
		if end > len(recs) {
			end = len(recs)
		}
		if err := fn(recs[start:end]); err != nil {
			return err
		}
		metrics.RecordChunks(table, 1)
	}
	return nil
}
