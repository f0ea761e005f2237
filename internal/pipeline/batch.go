package pipeline

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/cadenza-audio/cadenza/internal/backend"
	"github.com/cadenza-audio/cadenza/internal/ratelimit"
)

// BatchResult pairs one request's outcome with its input position. Exactly
// one of Audio and Err is set.
type BatchResult struct {
	Audio *backend.Audio
	Err   error
}

// BatchProcessor runs synchronous bulk generation: fixed-size chunks of
// requests execute concurrently, and results preserve input order. Used when
// the caller wants bulk submission rather than a queue.
type BatchProcessor struct {
	gen       backend.Generator
	limiter   *ratelimit.Limiter
	logger    *slog.Logger
	chunkSize int
}

// NewBatchProcessor constructs a batch processor with defaults applied.
func NewBatchProcessor(gen backend.Generator, limiter *ratelimit.Limiter, logger *slog.Logger, chunkSize int) *BatchProcessor {
	if chunkSize <= 0 {
		chunkSize = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BatchProcessor{gen: gen, limiter: limiter, logger: logger, chunkSize: chunkSize}
}

// Process runs all requests, chunkSize at a time. A failed item records its
// error in place and never aborts the rest of the batch.
func (b *BatchProcessor) Process(ctx context.Context, requests []backend.Request) []BatchResult {
	results := make([]BatchResult, len(requests))

	for start := 0; start < len(requests); start += b.chunkSize {
		end := start + b.chunkSize
		if end > len(requests) {
			end = len(requests)
		}

		g, gctx := errgroup.WithContext(ctx)
		for i := start; i < end; i++ {
			g.Go(func() error {
				results[i] = b.one(gctx, requests[i])
				return nil
			})
		}
		_ = g.Wait()

		b.logger.Info("batch chunk processed",
			"chunk", start/b.chunkSize+1, "size", end-start)
	}

	return results
}

func (b *BatchProcessor) one(ctx context.Context, req backend.Request) BatchResult {
	if b.limiter != nil {
		if err := b.limiter.AwaitSlot(ctx); err != nil {
			return BatchResult{Err: err}
		}
	}
	audio, err := b.gen.Generate(ctx, req)
	if err != nil {
		b.logger.Warn("batch item failed", "error", err)
		return BatchResult{Err: err}
	}
	return BatchResult{Audio: audio}
}
