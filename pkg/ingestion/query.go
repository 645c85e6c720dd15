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
	"sort"
	"time"

	"github.com/kraklabs/cindex/pkg/storage"
)

// DefaultTopK is the number of hits returned when the caller asks for none.
const DefaultTopK = 10

// SearchHit is one ranked query result.
type SearchHit struct {
	ID    string  `json:"id"`
	Score float32 `json:"score"`
	Chunk Chunk   `json:"chunk"`

	// Model is the embedding model recorded when the point was written.
	Model string `json:"model,omitempty"`
}

// QueryEngine runs similarity searches. It never writes to the store.
type QueryEngine struct {
	store    storage.VectorStore
	embedder *EmbeddingGenerator
	timeout  time.Duration
	logger   *slog.Logger
}

// NewQueryEngine creates a query engine. A zero timeout selects 30s.
func NewQueryEngine(store storage.VectorStore, embedder *EmbeddingGenerator, timeout time.Duration, logger *slog.Logger) *QueryEngine {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &QueryEngine{store: store, embedder: embedder, timeout: timeout, logger: logger}
}

// Query embeds text and returns up to topK hits ordered by non-increasing
// score; equal scores keep the store's order. Every step is attempted once:
// a timeout is returned to the caller rather than retried.
func (q *QueryEngine) Query(ctx context.Context, collection, text string, topK int) ([]SearchHit, error) {
	start := time.Now()
	defer func() { observeQuery(time.Since(start)) }()

	if topK <= 0 {
		topK = DefaultTopK
	}

	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	info, err := q.store.CollectionInfo(ctx, collection)
	if err != nil {
		return nil, fmt.Errorf("collection %q: %w", collection, err)
	}

	vector, err := q.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, err
	}
	if uint64(len(vector)) != info.Dimension {
		return nil, &DimensionMismatchError{Collection: collection, Expected: int(info.Dimension), Actual: len(vector)}
	}

	points, err := q.store.Search(ctx, collection, vector, topK)
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", collection, err)
	}

	hits := make([]SearchHit, 0, len(points))
	model := q.embedder.Model()
	for _, p := range points {
		hit := SearchHit{
			ID:    p.ID,
			Score: p.Score,
			Chunk: chunkFromPayload(p.Payload),
			Model: payloadString(p.Payload, "embedding_model"),
		}
		if hit.Model != "" && hit.Model != model {
			q.logger.Warn("query.model_mismatch",
				"collection", collection,
				"indexed_with", hit.Model,
				"query_model", model,
			)
			model = hit.Model // warn once
		}
		hits = append(hits, hit)
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}

	q.logger.Debug("query.complete",
		"collection", collection,
		"hits", len(hits),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return hits, nil
}
