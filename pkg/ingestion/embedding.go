// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package ingestion

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// EmbeddingConfig configures batching, concurrency and retries of embedding requests.
type EmbeddingConfig struct {
	// Model is passed to the provider; empty selects the provider default.
	Model string

	// BatchSize is the maximum number of chunks per request.
	BatchSize int

	// BatchMaxBytes bounds the total snippet bytes per request. Zero disables it.
	BatchMaxBytes int

	// Workers is the number of concurrent requests.
	Workers int

	// RequestsPerSecond paces requests across workers. Zero disables pacing.
	RequestsPerSecond float64

	Retry RetryPolicy

	// QueryTimeout bounds EmbedQuery.
	QueryTimeout time.Duration
}

func (c EmbeddingConfig) withDefaults() EmbeddingConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 64
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = 30 * time.Second
	}
	c.Retry = c.Retry.withDefaults()
	return c
}

// EmbedResult reports the outcome of an Embed call. Chunks is always the
// full input, with vectors attached where they were obtained.
type EmbedResult struct {
	Chunks []Chunk

	Embedded      int // chunks that received a vector in this call
	AlreadyHad    int // chunks that carried a vector on input
	Blank         int // chunks skipped because their snippet is blank
	Batches       int // requests planned
	FailedBatches int
	Dimension     int
	Duration      time.Duration
}

// Missing returns the number of chunks that still lack a vector.
func (r *EmbedResult) Missing() int {
	n := 0
	for _, c := range r.Chunks {
		if !c.HasEmbedding() {
			n++
		}
	}
	return n
}

// EmbeddingGenerator attaches vectors to chunks with a bounded worker pool.
type EmbeddingGenerator struct {
	provider EmbeddingProvider
	cfg      EmbeddingConfig
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// NewEmbeddingGenerator creates a new embedding generator.
func NewEmbeddingGenerator(provider EmbeddingProvider, cfg EmbeddingConfig, logger *slog.Logger) *EmbeddingGenerator {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	eg := &EmbeddingGenerator{
		provider: provider,
		cfg:      cfg,
		logger:   logger,
	}
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		eg.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return eg
}

// Model returns the model name vectors are requested with.
func (eg *EmbeddingGenerator) Model() string {
	if eg.cfg.Model != "" {
		return eg.cfg.Model
	}
	return eg.provider.Model()
}

type batchResult struct {
	batch   int
	vectors [][]float32
	err     error
}

// Embed returns a copy of chunks with vectors attached to those that lack
// one. Chunks that already carry a vector are never re-requested.
//
// When a batch fails (retries exhausted or a non-retryable error), no
// further batch is dispatched, batches already in flight complete and keep
// their vectors, and Embed returns the partial result together with an
// *EmbeddingError for the lowest failing batch.
func (eg *EmbeddingGenerator) Embed(ctx context.Context, chunks []Chunk) (*EmbedResult, error) {
	start := time.Now()
	out := make([]Chunk, len(chunks))
	result := &EmbedResult{Chunks: out}

	var pending []int
	for i, c := range chunks {
		out[i] = c.clone()
		switch {
		case c.HasEmbedding():
			result.AlreadyHad++
			if result.Dimension == 0 {
				result.Dimension = len(c.Embedding)
			}
		case strings.TrimSpace(c.Snippet) == "":
			result.Blank++
		default:
			pending = append(pending, i)
		}
	}
	recordEmbedSkipped(result.AlreadyHad)

	if len(pending) == 0 {
		result.Duration = time.Since(start)
		return result, nil
	}

	sizes := make([]int, len(pending))
	for i, idx := range pending {
		sizes[i] = len(out[idx].Snippet)
	}
	batches := NewBatcher(eg.cfg.BatchSize, eg.cfg.BatchMaxBytes).Batch(sizes)
	result.Batches = len(batches)

	eg.logger.Info("embedding.start",
		"chunks", len(chunks),
		"pending", len(pending),
		"already_embedded", result.AlreadyHad,
		"batches", len(batches),
		"workers", eg.cfg.Workers,
		"model", eg.Model(),
	)

	texts := func(b int) []string {
		t := make([]string, len(batches[b]))
		for j, k := range batches[b] {
			t[j] = out[pending[k]].Snippet
		}
		return t
	}

	jobs := make(chan int)
	results := make(chan batchResult, len(batches))
	var failed atomic.Bool

	workers := eg.cfg.Workers
	if workers > len(batches) {
		workers = len(batches)
	}
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for b := range jobs {
				if failed.Load() {
					// Drain jobs handed over before the failure was seen.
					continue
				}
				vectors, err := eg.embedBatch(ctx, b, texts(b))
				if err != nil {
					failed.Store(true)
				}
				results <- batchResult{batch: b, vectors: vectors, err: err}
			}
		}()
	}

	// Dispatch until the first failure or cancellation.
	go func() {
		defer close(jobs)
		for b := range batches {
			if failed.Load() {
				return
			}
			select {
			case <-ctx.Done():
				return
			case jobs <- b:
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	failedAt := -1
	var failure error
	fail := func(b int, err error) {
		result.FailedBatches++
		if failedAt == -1 || b < failedAt {
			failedAt, failure = b, err
		}
	}

	completed := 0
	for r := range results {
		completed++
		if r.err != nil {
			fail(r.batch, r.err)
			continue
		}
		if err := eg.validate(r.vectors, len(batches[r.batch]), &result.Dimension); err != nil {
			failed.Store(true)
			fail(r.batch, err)
			continue
		}
		for j, k := range batches[r.batch] {
			out[pending[k]].Embedding = r.vectors[j]
		}
		result.Embedded += len(r.vectors)
	}
	recordEmbedComputed(result.Embedded)

	result.Duration = time.Since(start)

	if failure == nil && completed < len(batches) {
		// Dispatch stopped on cancellation.
		if err := ctx.Err(); err != nil {
			return result, err
		}
	}
	if failure != nil {
		recordEmbedError()
		eg.logger.Error("embedding.failed",
			"batch", failedAt,
			"failed_batches", result.FailedBatches,
			"embedded", result.Embedded,
			"missing", result.Missing(),
			"err", failure,
		)
		return result, &EmbeddingError{Batch: failedAt, Size: len(batches[failedAt]), Cause: failure}
	}

	eg.logger.Info("embedding.complete",
		"embedded", result.Embedded,
		"already_embedded", result.AlreadyHad,
		"blank", result.Blank,
		"dimension", result.Dimension,
		"duration_ms", result.Duration.Milliseconds(),
	)
	return result, nil
}

// embedBatch requests one batch with pacing and retries.
func (eg *EmbeddingGenerator) embedBatch(ctx context.Context, batch int, texts []string) ([][]float32, error) {
	start := time.Now()
	defer func() { observeEmbedBatch(time.Since(start)) }()

	onRetry := func(attempt int, delay time.Duration, err error) {
		recordEmbedRetry()
		eg.logger.Warn("embedding.batch.retry",
			"batch", batch,
			"size", len(texts),
			"attempt", attempt,
			"sleep_ms", delay.Milliseconds(),
			"err", err,
		)
	}
	return Retry(ctx, eg.cfg.Retry, onRetry, func(ctx context.Context) ([][]float32, error) {
		if eg.limiter != nil {
			if err := eg.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		return eg.provider.EmbedBatch(ctx, texts, eg.cfg.Model)
	})
}

// validate checks the vector count of a batch and that every vector shares
// the dimension seen so far.
func (eg *EmbeddingGenerator) validate(vectors [][]float32, want int, dim *int) error {
	if len(vectors) != want {
		return fmt.Errorf("provider returned %d vectors for %d inputs", len(vectors), want)
	}
	for _, v := range vectors {
		if len(v) == 0 {
			return fmt.Errorf("provider returned an empty vector")
		}
		if *dim == 0 {
			*dim = len(v)
		}
		if len(v) != *dim {
			return &DimensionMismatchError{Expected: *dim, Actual: len(v)}
		}
	}
	return nil
}

// EmbedQuery embeds a single query text. It makes one attempt bounded by
// the query timeout; callers decide whether to retry.
func (eg *EmbeddingGenerator) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("query text is empty")
	}
	ctx, cancel := context.WithTimeout(ctx, eg.cfg.QueryTimeout)
	defer cancel()

	if eg.limiter != nil {
		if err := eg.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	vectors, err := eg.provider.EmbedBatch(ctx, []string{text}, eg.cfg.Model)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) != 1 || len(vectors[0]) == 0 {
		return nil, fmt.Errorf("embed query: provider returned %d vectors", len(vectors))
	}
	return vectors[0], nil
}
