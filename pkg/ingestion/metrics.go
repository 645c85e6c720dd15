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
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// metricsIngestion holds Prometheus metrics for the indexing pipeline.
type metricsIngestion struct {
	once sync.Once

	// Parse
	filesParsed       prometheus.Counter
	parseErrors       prometheus.Counter
	entitiesExtracted prometheus.Counter
	chunksProduced    prometheus.Counter
	fragments         prometheus.Counter
	mergedChunks      prometheus.Counter

	// Embeddings
	embedComputed prometheus.Counter
	embedSkipped  prometheus.Counter
	embedErrors   prometheus.Counter
	embedRetries  prometheus.Counter

	// Vector store
	pointsUpserted prometheus.Counter
	upsertRetries  prometheus.Counter

	// Durations
	embedBatchDuration  prometheus.Histogram
	upsertBatchDuration prometheus.Histogram
	queryDuration       prometheus.Histogram
	stageDuration       *prometheus.HistogramVec
}

var ingMetrics metricsIngestion

func (m *metricsIngestion) init() {
	m.once.Do(func() {
		m.filesParsed = prometheus.NewCounter(prometheus.CounterOpts{Name: "cindex_ing_files_parsed_total", Help: "Files parsed successfully"})
		m.parseErrors = prometheus.NewCounter(prometheus.CounterOpts{Name: "cindex_ing_parse_errors_total", Help: "Files skipped because of parse or language errors"})
		m.entitiesExtracted = prometheus.NewCounter(prometheus.CounterOpts{Name: "cindex_ing_entities_extracted_total", Help: "Code entities extracted"})
		m.chunksProduced = prometheus.NewCounter(prometheus.CounterOpts{Name: "cindex_ing_chunks_total", Help: "Chunks produced by reconciliation"})
		m.fragments = prometheus.NewCounter(prometheus.CounterOpts{Name: "cindex_ing_split_fragments_total", Help: "Fragments produced by splitting oversized entities"})
		m.mergedChunks = prometheus.NewCounter(prometheus.CounterOpts{Name: "cindex_ing_merged_chunks_total", Help: "Chunks built from more than one entity"})

		m.embedComputed = prometheus.NewCounter(prometheus.CounterOpts{Name: "cindex_ing_embeddings_computed_total", Help: "Embeddings computed"})
		m.embedSkipped = prometheus.NewCounter(prometheus.CounterOpts{Name: "cindex_ing_embeddings_skipped_total", Help: "Chunks that already carried an embedding"})
		m.embedErrors = prometheus.NewCounter(prometheus.CounterOpts{Name: "cindex_ing_embeddings_errors_total", Help: "Embedding stages that failed"})
		m.embedRetries = prometheus.NewCounter(prometheus.CounterOpts{Name: "cindex_ing_embeddings_retries_total", Help: "Embedding request retries"})

		m.pointsUpserted = prometheus.NewCounter(prometheus.CounterOpts{Name: "cindex_ing_points_upserted_total", Help: "Points written to the vector store"})
		m.upsertRetries = prometheus.NewCounter(prometheus.CounterOpts{Name: "cindex_ing_upsert_retries_total", Help: "Upsert batch retries"})

		buckets := []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
		m.embedBatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "cindex_ing_embed_batch_seconds", Help: "Duration of one embedding batch including retries", Buckets: buckets})
		m.upsertBatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "cindex_ing_upsert_batch_seconds", Help: "Duration of one upsert batch including retries", Buckets: buckets})
		m.queryDuration = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "cindex_query_seconds", Help: "Duration of similarity queries", Buckets: buckets})
		m.stageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "cindex_ing_stage_seconds", Help: "Duration of pipeline stages", Buckets: buckets}, []string{"stage"})

		prometheus.MustRegister(
			m.filesParsed, m.parseErrors, m.entitiesExtracted, m.chunksProduced, m.fragments, m.mergedChunks,
			m.embedComputed, m.embedSkipped, m.embedErrors, m.embedRetries,
			m.pointsUpserted, m.upsertRetries,
			m.embedBatchDuration, m.upsertBatchDuration, m.queryDuration, m.stageDuration,
		)
	})
}

// record helpers - used by the pipeline stages for metrics tracking
func recordFileParsed()  { ingMetrics.init(); ingMetrics.filesParsed.Inc() }
func recordParseError()  { ingMetrics.init(); ingMetrics.parseErrors.Inc() }
func recordEmbedError()  { ingMetrics.init(); ingMetrics.embedErrors.Inc() }
func recordEmbedRetry()  { ingMetrics.init(); ingMetrics.embedRetries.Inc() }
func recordUpsertRetry() { ingMetrics.init(); ingMetrics.upsertRetries.Inc() }

func recordEntitiesExtracted(n int) { ingMetrics.init(); ingMetrics.entitiesExtracted.Add(float64(n)) }
func recordChunks(n int)            { ingMetrics.init(); ingMetrics.chunksProduced.Add(float64(n)) }
func recordFragments(n int)         { ingMetrics.init(); ingMetrics.fragments.Add(float64(n)) }
func recordMergedChunks(n int)      { ingMetrics.init(); ingMetrics.mergedChunks.Add(float64(n)) }
func recordEmbedComputed(n int)     { ingMetrics.init(); ingMetrics.embedComputed.Add(float64(n)) }
func recordEmbedSkipped(n int)      { ingMetrics.init(); ingMetrics.embedSkipped.Add(float64(n)) }
func recordUpserted(n int)          { ingMetrics.init(); ingMetrics.pointsUpserted.Add(float64(n)) }

func observeEmbedBatch(d time.Duration) {
	ingMetrics.init()
	ingMetrics.embedBatchDuration.Observe(d.Seconds())
}

func observeUpsertBatch(d time.Duration) {
	ingMetrics.init()
	ingMetrics.upsertBatchDuration.Observe(d.Seconds())
}

func observeQuery(d time.Duration) {
	ingMetrics.init()
	ingMetrics.queryDuration.Observe(d.Seconds())
}

func observeStage(stage string, d time.Duration) {
	ingMetrics.init()
	ingMetrics.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}
