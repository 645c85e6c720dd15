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
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fastRetry keeps retry tests quick.
func fastRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

// scriptedProvider returns vectors of a fixed dimension and fails calls
// for which failOn returns an error.
type scriptedProvider struct {
	mu     sync.Mutex
	dim    int
	calls  int
	inputs [][]string
	failOn func(call int, texts []string) error
	dimFor func(text string) int
}

func (p *scriptedProvider) Model() string { return "scripted" }

func (p *scriptedProvider) EmbedBatch(ctx context.Context, texts []string, _ string) ([][]float32, error) {
	p.mu.Lock()
	p.calls++
	call := p.calls
	p.inputs = append(p.inputs, append([]string(nil), texts...))
	p.mu.Unlock()

	if p.failOn != nil {
		if err := p.failOn(call, texts); err != nil {
			return nil, err
		}
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		dim := p.dim
		if p.dimFor != nil {
			dim = p.dimFor(text)
		}
		out[i] = mockVector(text, dim)
	}
	return out, nil
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// testChunks returns byte-adjacent function chunks in one file.
func testChunks(snippets ...string) []Chunk {
	chunks := make([]Chunk, len(snippets))
	offset := 0
	for i, s := range snippets {
		chunks[i] = newChunk(CodeEntity{
			Kind:      KindFunction,
			Name:      "f" + string(rune('a'+i)),
			Language:  LangGo,
			FilePath:  "pkg/x.go",
			FileName:  "x.go",
			ByteRange: ByteRange{Start: offset, End: offset + len(s)},
			LineRange: LineRange{Start: i + 1, End: i + 1},
			Line:      i + 1,
			Snippet:   s,
		})
		offset += len(s)
	}
	return chunks
}

func TestEmbed_SkipsChunksWithVectors(t *testing.T) {
	chunks := testChunks("func a() {}\n", "func b() {}\n", "func c() {}\n")
	chunks[0].Embedding = []float32{0.5, 0.5, 0.5, 0.5}
	chunks[1].Embedding = []float32{1, 0, 0, 0}

	provider := NewMockEmbeddingProvider(4, nil)
	gen := NewEmbeddingGenerator(provider, EmbeddingConfig{}, nil)

	result, err := gen.Embed(context.Background(), chunks)

	require.NoError(t, err)
	assert.Equal(t, int64(1), provider.Calls(), "only the chunk without a vector is requested")
	assert.Equal(t, 1, result.Embedded)
	assert.Equal(t, 2, result.AlreadyHad)
	assert.Equal(t, 0, result.Missing())
	assert.Equal(t, 4, result.Dimension)

	require.Len(t, result.Chunks, 3)
	assert.Equal(t, []float32{0.5, 0.5, 0.5, 0.5}, result.Chunks[0].Embedding)
	assert.Equal(t, []float32{1, 0, 0, 0}, result.Chunks[1].Embedding)
	assert.Len(t, result.Chunks[2].Embedding, 4)

	assert.Empty(t, chunks[2].Embedding, "the input slice is not modified")
}

func TestEmbed_SecondRunMakesNoCalls(t *testing.T) {
	provider := NewMockEmbeddingProvider(8, nil)
	gen := NewEmbeddingGenerator(provider, EmbeddingConfig{BatchSize: 2}, nil)

	first, err := gen.Embed(context.Background(), testChunks("a\n", "b\n", "c\n"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), provider.Calls())
	assert.Equal(t, 2, first.Batches)

	second, err := gen.Embed(context.Background(), first.Chunks)
	require.NoError(t, err)
	assert.Equal(t, int64(2), provider.Calls())
	assert.Equal(t, 0, second.Embedded)
	assert.Equal(t, 3, second.AlreadyHad)
}

func TestEmbed_PreservesOrderAcrossWorkers(t *testing.T) {
	snippets := make([]string, 40)
	for i := range snippets {
		snippets[i] = strings.Repeat(string(rune('a'+i%26)), i+1) + "\n"
	}
	provider := &scriptedProvider{dim: 6}
	gen := NewEmbeddingGenerator(provider, EmbeddingConfig{BatchSize: 3, Workers: 4}, nil)

	result, err := gen.Embed(context.Background(), testChunks(snippets...))

	require.NoError(t, err)
	assert.Equal(t, 14, provider.callCount())
	for i, c := range result.Chunks {
		assert.Equal(t, mockVector(snippets[i], 6), c.Embedding, "chunk %d got another chunk's vector", i)
	}
}

func TestEmbed_BlankSnippetsAreSkipped(t *testing.T) {
	provider := &scriptedProvider{dim: 4}
	gen := NewEmbeddingGenerator(provider, EmbeddingConfig{}, nil)

	result, err := gen.Embed(context.Background(), testChunks("  \n\t\n", "func a() {}\n"))

	require.NoError(t, err)
	assert.Equal(t, 1, result.Blank)
	assert.Equal(t, 1, result.Embedded)
	require.Len(t, provider.inputs, 1)
	assert.Equal(t, []string{"func a() {}\n"}, provider.inputs[0])
}

func TestEmbed_RetriesTransientErrors(t *testing.T) {
	provider := &scriptedProvider{
		dim: 4,
		failOn: func(call int, _ []string) error {
			if call == 1 {
				return &TransportError{Op: "test", StatusCode: 429, Retryable: true, Err: errors.New("slow down")}
			}
			return nil
		},
	}
	gen := NewEmbeddingGenerator(provider, EmbeddingConfig{Retry: fastRetry()}, nil)

	result, err := gen.Embed(context.Background(), testChunks("func a() {}\n"))

	require.NoError(t, err)
	assert.Equal(t, 2, provider.callCount())
	assert.Equal(t, 1, result.Embedded)
}

func TestEmbed_NonRetryableFailsFast(t *testing.T) {
	provider := &scriptedProvider{
		dim: 4,
		failOn: func(int, []string) error {
			return &TransportError{Op: "test", StatusCode: 401, Retryable: false, Err: errors.New("bad key")}
		},
	}
	gen := NewEmbeddingGenerator(provider, EmbeddingConfig{Retry: fastRetry()}, nil)

	result, err := gen.Embed(context.Background(), testChunks("func a() {}\n"))

	require.Error(t, err)
	assert.Equal(t, 1, provider.callCount(), "authentication failures are not retried")

	var embErr *EmbeddingError
	require.ErrorAs(t, err, &embErr)
	assert.Equal(t, 0, embErr.Batch)
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 401, te.StatusCode)

	require.NotNil(t, result)
	assert.Equal(t, 1, result.Missing())
}

func TestEmbed_RetriesExhausted(t *testing.T) {
	provider := &scriptedProvider{
		dim: 4,
		failOn: func(int, []string) error {
			return &TransportError{Op: "test", StatusCode: 503, Retryable: true, Err: errors.New("unavailable")}
		},
	}
	gen := NewEmbeddingGenerator(provider, EmbeddingConfig{Retry: fastRetry()}, nil)

	_, err := gen.Embed(context.Background(), testChunks("func a() {}\n"))

	var embErr *EmbeddingError
	require.ErrorAs(t, err, &embErr)
	assert.Equal(t, 3, provider.callCount())
	assert.Contains(t, err.Error(), "giving up after 3 attempts")
}

func TestEmbed_PartialResultOnFailure(t *testing.T) {
	provider := &scriptedProvider{
		dim: 4,
		failOn: func(_ int, texts []string) error {
			if strings.Contains(texts[0], "boom") {
				return errors.New("rejected input")
			}
			return nil
		},
	}
	gen := NewEmbeddingGenerator(provider, EmbeddingConfig{BatchSize: 1, Workers: 1, Retry: fastRetry()}, nil)

	result, err := gen.Embed(context.Background(), testChunks("a\n", "b\n", "boom\n", "d\n"))

	var embErr *EmbeddingError
	require.ErrorAs(t, err, &embErr)
	assert.Equal(t, 2, embErr.Batch)
	assert.Equal(t, 1, embErr.Size)

	require.NotNil(t, result)
	assert.Equal(t, 2, result.Embedded)
	assert.Equal(t, 1, result.FailedBatches)
	assert.True(t, result.Chunks[0].HasEmbedding())
	assert.True(t, result.Chunks[1].HasEmbedding())
	assert.False(t, result.Chunks[2].HasEmbedding())
	assert.False(t, result.Chunks[3].HasEmbedding(), "no batch is dispatched after a failure")
	assert.Equal(t, 3, provider.callCount())
}

func TestEmbed_DimensionMismatchWithinRun(t *testing.T) {
	provider := &scriptedProvider{
		dimFor: func(text string) int {
			if strings.HasPrefix(text, "wide") {
				return 8
			}
			return 4
		},
	}
	gen := NewEmbeddingGenerator(provider, EmbeddingConfig{BatchSize: 1, Workers: 1}, nil)

	_, err := gen.Embed(context.Background(), testChunks("narrow\n", "wide\n"))

	var dimErr *DimensionMismatchError
	require.ErrorAs(t, err, &dimErr)
	assert.Equal(t, 4, dimErr.Expected)
	assert.Equal(t, 8, dimErr.Actual)
}

func TestEmbed_DimensionMismatchWithExistingVectors(t *testing.T) {
	chunks := testChunks("a\n", "b\n")
	chunks[0].Embedding = []float32{1, 0}
	gen := NewEmbeddingGenerator(&scriptedProvider{dim: 3}, EmbeddingConfig{}, nil)

	_, err := gen.Embed(context.Background(), chunks)

	var dimErr *DimensionMismatchError
	require.ErrorAs(t, err, &dimErr)
	assert.Equal(t, 2, dimErr.Expected)
	assert.Equal(t, 3, dimErr.Actual)
}

type shortProvider struct{ scriptedProvider }

func (p *shortProvider) EmbedBatch(ctx context.Context, texts []string, model string) ([][]float32, error) {
	out, err := p.scriptedProvider.EmbedBatch(ctx, texts, model)
	if err != nil {
		return nil, err
	}
	return out[:len(out)-1], nil
}

func TestEmbed_VectorCountMismatch(t *testing.T) {
	gen := NewEmbeddingGenerator(&shortProvider{scriptedProvider{dim: 4}}, EmbeddingConfig{}, nil)

	_, err := gen.Embed(context.Background(), testChunks("a\n", "b\n"))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "returned 1 vectors for 2 inputs")
}

func TestEmbed_NothingToDo(t *testing.T) {
	provider := &scriptedProvider{dim: 4}
	gen := NewEmbeddingGenerator(provider, EmbeddingConfig{}, nil)

	result, err := gen.Embed(context.Background(), nil)

	require.NoError(t, err)
	assert.Empty(t, result.Chunks)
	assert.Equal(t, 0, provider.callCount())
}

func TestEmbed_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	gen := NewEmbeddingGenerator(&scriptedProvider{dim: 4}, EmbeddingConfig{Retry: fastRetry()}, nil)

	result, err := gen.Embed(ctx, testChunks("a\n", "b\n"))

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, result.Missing())
}

func TestEmbedQuery(t *testing.T) {
	provider := &scriptedProvider{
		dim: 4,
		failOn: func(call int, _ []string) error {
			if call == 2 {
				return &TransportError{Op: "test", StatusCode: 503, Retryable: true, Err: errors.New("unavailable")}
			}
			return nil
		},
	}
	gen := NewEmbeddingGenerator(provider, EmbeddingConfig{Retry: fastRetry()}, nil)

	vec, err := gen.EmbedQuery(context.Background(), "parse a file")
	require.NoError(t, err)
	assert.Len(t, vec, 4)

	_, err = gen.EmbedQuery(context.Background(), "again")
	require.Error(t, err)
	assert.Equal(t, 2, provider.callCount(), "queries are attempted once")

	_, err = gen.EmbedQuery(context.Background(), "   ")
	require.Error(t, err)
	assert.Equal(t, 2, provider.callCount())
}

func TestEmbeddingGenerator_Model(t *testing.T) {
	provider := &scriptedProvider{dim: 4}

	assert.Equal(t, "scripted", NewEmbeddingGenerator(provider, EmbeddingConfig{}, nil).Model())
	assert.Equal(t, "custom", NewEmbeddingGenerator(provider, EmbeddingConfig{Model: "custom"}, nil).Model())
}

func TestEmbed_RateLimited(t *testing.T) {
	provider := &scriptedProvider{dim: 4}
	gen := NewEmbeddingGenerator(provider, EmbeddingConfig{BatchSize: 1, Workers: 4, RequestsPerSecond: 20}, nil)

	start := time.Now()
	result, err := gen.Embed(context.Background(), testChunks("a\n", "b\n", "c\n", "d\n", "e\n"))

	require.NoError(t, err)
	assert.Equal(t, 5, result.Embedded)
	// A burst of 20 covers all five requests.
	assert.Less(t, time.Since(start), 5*time.Second)
}
