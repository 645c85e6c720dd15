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
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kraklabs/cindex/pkg/storage"
)

// UpsertConfig configures how points are written.
type UpsertConfig struct {
	BatchSize int
	Workers   int

	// Distance is used when the collection has to be created.
	Distance storage.Distance

	// Model is recorded in every payload as embedding_model.
	Model string

	Retry RetryPolicy
}

func (c UpsertConfig) withDefaults() UpsertConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 128
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Distance == "" {
		c.Distance = storage.DistanceCosine
	}
	c.Retry = c.Retry.withDefaults()
	return c
}

// UpsertResult reports the outcome of an Upsert call.
type UpsertResult struct {
	Collection    string
	Created       bool
	Dimension     int
	Upserted      int
	SkippedNoVec  int
	Batches       int
	FailedBatches int
	Duration      time.Duration
}

// Upserter writes embedded chunks to a vector store as points keyed by
// their deterministic ID, so repeated writes overwrite instead of duplicating.
type Upserter struct {
	store  storage.VectorStore
	cfg    UpsertConfig
	logger *slog.Logger
}

// NewUpserter creates an upserter over store.
func NewUpserter(store storage.VectorStore, cfg UpsertConfig, logger *slog.Logger) *Upserter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Upserter{store: store, cfg: cfg.withDefaults(), logger: logger}
}

func (u *Upserter) onRetry(op string) RetryFunc {
	return func(attempt int, delay time.Duration, err error) {
		recordUpsertRetry()
		u.logger.Warn("upsert.retry",
			"op", op,
			"attempt", attempt,
			"sleep_ms", delay.Milliseconds(),
			"err", err,
		)
	}
}

// EnsureCollection creates the collection when it is absent and otherwise
// checks that it has the requested dimension and distance. It reports
// whether the collection was created by this call.
//
// A concurrent creator winning the race is not an error: the existing
// collection is read back and validated like any other.
func (u *Upserter) EnsureCollection(ctx context.Context, desc storage.CollectionDescriptor) (bool, error) {
	if desc.Distance == "" {
		desc.Distance = u.cfg.Distance
	}
	if desc.Dimension == 0 {
		return false, &ConfigurationError{Field: "dimension", Reason: "collection dimension must be positive"}
	}

	info, err := u.collectionInfo(ctx, desc.Name)
	if errors.Is(err, storage.ErrCollectionNotFound) {
		_, err = Retry(ctx, u.cfg.Retry, u.onRetry("create_collection"), func(ctx context.Context) (struct{}, error) {
			return struct{}{}, u.store.CreateCollection(ctx, desc)
		})
		if err == nil {
			u.logger.Info("upsert.collection.created",
				"collection", desc.Name,
				"dimension", desc.Dimension,
				"distance", string(desc.Distance),
			)
			return true, nil
		}
		if !errors.Is(err, storage.ErrCollectionExists) {
			return false, fmt.Errorf("create collection %q: %w", desc.Name, err)
		}
		info, err = u.collectionInfo(ctx, desc.Name)
	}
	if err != nil {
		return false, fmt.Errorf("inspect collection %q: %w", desc.Name, err)
	}
	return false, validateCollection(*info, desc)
}

func (u *Upserter) collectionInfo(ctx context.Context, name string) (*storage.CollectionDescriptor, error) {
	return Retry(ctx, u.cfg.Retry, u.onRetry("collection_info"), func(ctx context.Context) (*storage.CollectionDescriptor, error) {
		return u.store.CollectionInfo(ctx, name)
	})
}

func validateCollection(have, want storage.CollectionDescriptor) error {
	if have.Dimension != want.Dimension {
		return &DimensionMismatchError{Collection: want.Name, Expected: int(have.Dimension), Actual: int(want.Dimension)}
	}
	if have.Distance != want.Distance {
		return &ConfigurationError{
			Field:  "vector_store.distance",
			Reason: fmt.Sprintf("collection %q uses %s distance, %s requested", want.Name, have.Distance, want.Distance),
		}
	}
	return nil
}

// Upsert writes every chunk that carries a vector. Chunks without one are
// skipped and counted. All vectors must share one dimension, which must
// match the collection; otherwise nothing is written.
//
// Batches run concurrently, each under the retry policy. A failed batch
// does not cancel its siblings; the error of the lowest failing batch is
// returned together with the result.
func (u *Upserter) Upsert(ctx context.Context, collection string, chunks []Chunk) (*UpsertResult, error) {
	start := time.Now()
	result := &UpsertResult{Collection: collection}

	points := make([]storage.Point, 0, len(chunks))
	for _, c := range chunks {
		if !c.HasEmbedding() {
			result.SkippedNoVec++
			continue
		}
		if result.Dimension == 0 {
			result.Dimension = len(c.Embedding)
		}
		if len(c.Embedding) != result.Dimension {
			return result, &DimensionMismatchError{Collection: collection, Expected: result.Dimension, Actual: len(c.Embedding)}
		}
		points = append(points, storage.Point{
			ID:      c.PointID(),
			Vector:  c.Embedding,
			Payload: chunkPayload(c, u.cfg.Model),
		})
	}
	if len(points) == 0 {
		u.logger.Warn("upsert.nothing_to_write", "collection", collection, "skipped", result.SkippedNoVec)
		result.Duration = time.Since(start)
		return result, nil
	}

	created, err := u.EnsureCollection(ctx, storage.CollectionDescriptor{
		Name:      collection,
		Dimension: uint64(result.Dimension),
		Distance:  u.cfg.Distance,
	})
	if err != nil {
		return result, err
	}
	result.Created = created

	var batches [][]storage.Point
	for i := 0; i < len(points); i += u.cfg.BatchSize {
		end := min(i+u.cfg.BatchSize, len(points))
		batches = append(batches, points[i:end])
	}
	result.Batches = len(batches)

	u.logger.Info("upsert.start",
		"collection", collection,
		"points", len(points),
		"skipped", result.SkippedNoVec,
		"batches", len(batches),
		"workers", u.cfg.Workers,
	)

	errs := make([]error, len(batches))
	var written atomic.Int64

	var g errgroup.Group
	g.SetLimit(u.cfg.Workers)
	for i, batch := range batches {
		g.Go(func() error {
			batchStart := time.Now()
			_, err := Retry(ctx, u.cfg.Retry, u.onRetry("upsert_points"), func(ctx context.Context) (struct{}, error) {
				return struct{}{}, u.store.UpsertPoints(ctx, collection, batch)
			})
			observeUpsertBatch(time.Since(batchStart))
			if err != nil {
				errs[i] = err
				u.logger.Error("upsert.batch.failed", "collection", collection, "batch", i, "size", len(batch), "err", err)
				return err
			}
			written.Add(int64(len(batch)))
			return nil
		})
	}
	_ = g.Wait()

	result.Upserted = int(written.Load())
	result.Duration = time.Since(start)
	recordUpserted(result.Upserted)

	first := -1
	for i, err := range errs {
		if err != nil {
			result.FailedBatches++
			if first == -1 {
				first = i
			}
		}
	}
	if first >= 0 {
		u.logger.Error("upsert.failed",
			"collection", collection,
			"failed_batches", result.FailedBatches,
			"upserted", result.Upserted,
			"first_batch", first,
		)
		return result, fmt.Errorf("upsert batch %d (%d points): %w", first, len(batches[first]), errs[first])
	}

	u.logger.Info("upsert.complete",
		"collection", collection,
		"upserted", result.Upserted,
		"created", result.Created,
		"duration_ms", result.Duration.Milliseconds(),
	)
	return result, nil
}

// chunkPayload flattens a chunk into the payload stored next to its vector.
func chunkPayload(c Chunk, model string) map[string]any {
	p := map[string]any{
		"kind":                string(c.Kind),
		"name":                c.Name,
		"qualified_name":      c.QualifiedName(),
		"language":            string(c.Language),
		"file_path":           c.FilePath,
		"file_name":           c.FileName,
		"module":              c.Module,
		"start_byte":          c.ByteRange.Start,
		"end_byte":            c.ByteRange.End,
		"start_line":          c.LineRange.Start,
		"end_line":            c.LineRange.End,
		"line":                c.Line,
		"snippet":             c.Snippet,
		"source_entity_count": c.SourceEntityCount,
	}
	if c.CodeType != "" {
		p["code_type"] = c.CodeType
	}
	if c.Signature != "" {
		p["signature"] = c.Signature
	}
	if c.Docstring != "" {
		p["docstring"] = c.Docstring
	}
	if len(c.ParentPath) > 0 {
		p["parent_path"] = append([]string(nil), c.ParentPath...)
	}
	if c.Part != nil {
		p["part_index"] = c.Part.Index
		p["part_count"] = c.Part.Count
	}
	if model != "" {
		p["embedding_model"] = model
	}
	return p
}

// chunkFromPayload rebuilds a chunk (without vector) from a stored payload.
// Numbers may come back as int, int64 or float64 depending on the store.
func chunkFromPayload(p map[string]any) Chunk {
	c := Chunk{
		CodeEntity: CodeEntity{
			Kind:       EntityKind(payloadString(p, "kind")),
			CodeType:   payloadString(p, "code_type"),
			Name:       payloadString(p, "name"),
			Signature:  payloadString(p, "signature"),
			Docstring:  payloadString(p, "docstring"),
			Language:   Language(payloadString(p, "language")),
			FilePath:   payloadString(p, "file_path"),
			FileName:   payloadString(p, "file_name"),
			Module:     payloadString(p, "module"),
			ByteRange:  ByteRange{Start: payloadInt(p, "start_byte"), End: payloadInt(p, "end_byte")},
			LineRange:  LineRange{Start: payloadInt(p, "start_line"), End: payloadInt(p, "end_line")},
			Line:       payloadInt(p, "line"),
			Snippet:    payloadString(p, "snippet"),
			ParentPath: payloadStrings(p, "parent_path"),
		},
		SourceEntityCount: payloadInt(p, "source_entity_count"),
	}
	if _, ok := p["part_count"]; ok {
		c.Part = &Part{Index: payloadInt(p, "part_index"), Count: payloadInt(p, "part_count")}
	}
	return c
}

func payloadString(p map[string]any, key string) string {
	if s, ok := p[key].(string); ok {
		return s
	}
	return ""
}

func payloadInt(p map[string]any, key string) int {
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

func payloadStrings(p map[string]any, key string) []string {
	switch v := p[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
