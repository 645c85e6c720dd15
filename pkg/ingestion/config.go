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
	"fmt"
	"runtime"
	"strings"

	"github.com/kraklabs/cindex/pkg/storage"
)

// DefaultCollection is the collection name used when none is configured.
const DefaultCollection = "code_chunks"

// RepoSource identifies the tree to index. Only "local_path" is supported.
type RepoSource struct {
	Type  string
	Value string
}

// Config is the configuration of one pipeline run.
type Config struct {
	ProjectID       string
	RepoSource      RepoSource
	IngestionConfig IngestionConfig
}

// IngestionConfig holds the knobs of every stage.
type IngestionConfig struct {
	// File discovery
	ExcludeDirs      []string
	ExcludeGlobs     []string
	MaxFileSizeBytes int64

	// Extraction and reconciliation
	MaxParseErrorRatio float64
	MaxSnippetSize     int
	Granularity        Granularity

	// IntermediatePath, when set, receives the chunk file after parsing and
	// again after embedding.
	IntermediatePath string

	Provider   ProviderConfig
	Embedding  EmbeddingConfig
	Upsert     UpsertConfig
	Collection string

	Concurrency ConcurrencyConfig

	// Retry is the default policy for stages that do not set their own.
	Retry RetryPolicy
}

// ConcurrencyConfig bounds the worker pools.
type ConcurrencyConfig struct {
	ParseWorkers int
}

// DefaultExcludeDirs are directory names never descended into.
var DefaultExcludeDirs = []string{
	".git", ".hg", ".svn",
	"node_modules", "bower_components",
	"target", "dist", "build", "out",
	"vendor", "third_party",
	".venv", "venv", "__pycache__", ".mypy_cache", ".pytest_cache", ".tox",
	".next", ".nuxt", "coverage",
	".idea", ".vscode",
	".cindex",
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() IngestionConfig {
	return IngestionConfig{
		ExcludeDirs:        append([]string(nil), DefaultExcludeDirs...),
		ExcludeGlobs:       []string{"*.min.js", "*.bundle.js", "*.d.ts", "*_pb2.py"},
		MaxFileSizeBytes:   1 << 20,
		MaxParseErrorRatio: DefaultMaxParseErrorRatio,
		MaxSnippetSize:     2000,
		Granularity:        GranularityFine,
		Provider: ProviderConfig{
			Provider:  "openai",
			Dimension: DefaultEmbedDimension,
		},
		Embedding: EmbeddingConfig{
			BatchSize: 64,
			Workers:   4,
		},
		Upsert: UpsertConfig{
			BatchSize: 128,
			Workers:   4,
			Distance:  storage.DistanceCosine,
		},
		Collection: DefaultCollection,
		Concurrency: ConcurrencyConfig{
			ParseWorkers: runtime.NumCPU(),
		},
		Retry: DefaultRetryPolicy(),
	}
}

// SizePolicy returns the reconciliation policy of the configuration.
func (c IngestionConfig) SizePolicy() SizePolicy {
	return SizePolicy{MaxSnippetSize: c.MaxSnippetSize, Granularity: c.Granularity}
}

// Validate checks every setting that would otherwise fail mid-run. It is
// called before any file is read.
func (c Config) Validate() error {
	ic := c.IngestionConfig
	if c.RepoSource.Type != "" && c.RepoSource.Type != "local_path" {
		return &ConfigurationError{Field: "repo_source.type", Reason: fmt.Sprintf("unsupported source type %q", c.RepoSource.Type)}
	}
	if _, err := ParseGranularity(string(ic.Granularity)); err != nil {
		return err
	}
	if err := ic.SizePolicy().Validate(); err != nil {
		return err
	}
	if ic.MaxParseErrorRatio < 0 || ic.MaxParseErrorRatio > 1 {
		return &ConfigurationError{Field: "max_parse_error_ratio", Reason: "must be between 0 and 1"}
	}
	if ic.MaxFileSizeBytes < 0 {
		return &ConfigurationError{Field: "max_file_size", Reason: "must not be negative"}
	}
	if ic.Embedding.BatchSize < 0 || ic.Embedding.Workers < 0 || ic.Embedding.BatchMaxBytes < 0 {
		return &ConfigurationError{Field: "embedding", Reason: "batch size, batch bytes and workers must not be negative"}
	}
	if ic.Embedding.RequestsPerSecond < 0 {
		return &ConfigurationError{Field: "embedding.requests_per_second", Reason: "must not be negative"}
	}
	if ic.Upsert.BatchSize < 0 || ic.Upsert.Workers < 0 {
		return &ConfigurationError{Field: "vector_store", Reason: "batch size and workers must not be negative"}
	}
	if ic.Upsert.Distance != "" {
		if _, err := storage.ParseDistance(string(ic.Upsert.Distance)); err != nil {
			return &ConfigurationError{Field: "vector_store.distance", Reason: err.Error()}
		}
	}
	// An empty name selects DefaultCollection; a blank one is a typo.
	if ic.Collection != "" && strings.TrimSpace(ic.Collection) == "" {
		return &ConfigurationError{Field: "vector_store.collection", Reason: "must not be blank"}
	}
	switch strings.ToLower(ic.Provider.Provider) {
	case "", "openai", "ollama", "mock":
	default:
		return &ConfigurationError{Field: "embedding.provider", Reason: fmt.Sprintf("unknown provider %q (supported: openai, ollama, mock)", ic.Provider.Provider)}
	}
	if err := ic.Retry.Validate(); err != nil {
		return err
	}
	if err := ic.Embedding.Retry.Validate(); err != nil {
		return err
	}
	return ic.Upsert.Retry.Validate()
}

// withDefaults fills zero values the stages would otherwise default
// independently, so that one Retry setting reaches every stage.
func (c IngestionConfig) withDefaults() IngestionConfig {
	if c.Granularity == "" {
		c.Granularity = GranularityFine
	}
	if c.Collection == "" {
		c.Collection = DefaultCollection
	}
	if c.Concurrency.ParseWorkers <= 0 {
		c.Concurrency.ParseWorkers = runtime.NumCPU()
	}
	if c.Retry == (RetryPolicy{}) {
		c.Retry = DefaultRetryPolicy()
	}
	if c.Embedding.Retry == (RetryPolicy{}) {
		c.Embedding.Retry = c.Retry
	}
	if c.Upsert.Retry == (RetryPolicy{}) {
		c.Upsert.Retry = c.Retry
	}
	if c.Embedding.Model == "" {
		c.Embedding.Model = c.Provider.Model
	}
	return c
}
