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
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cindextest "github.com/kraklabs/cindex/internal/testing"
)

func testConfig(root string) Config {
	ic := DefaultConfig()
	ic.Provider = ProviderConfig{Provider: "mock", Dimension: 16}
	ic.Retry = fastRetry()
	ic.Concurrency.ParseWorkers = 4
	return Config{
		ProjectID:       "test",
		RepoSource:      RepoSource{Type: "local_path", Value: root},
		IngestionConfig: ic,
	}
}

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
}

func TestPipeline_ParseDirectory(t *testing.T) {
	p, err := NewPipeline(testConfig("testdata/sample_project"), nil, nil, nil)
	require.NoError(t, err)

	result, err := p.ParseDirectory(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 2, result.FilesFound, "go.mod has no grammar")
	assert.Equal(t, 2, result.FilesParsed)
	assert.Empty(t, result.FileErrors)
	assert.Equal(t, 10, result.Entities)
	// The package clause and imports of each file merge into one chunk.
	require.Len(t, result.Chunks, 8)

	assert.Equal(t, "handlers/handler.go", result.Chunks[0].FilePath)
	assert.Equal(t, KindImport, result.Chunks[0].Kind)
	assert.Equal(t, 2, result.Chunks[0].SourceEntityCount)
	assert.Equal(t, "main.go", result.Chunks[len(result.Chunks)-1].FilePath)
	assert.Equal(t, "setupLogging", result.Chunks[len(result.Chunks)-1].Name)

	for _, c := range result.Chunks {
		assert.False(t, c.HasEmbedding())
	}
	assert.Equal(t, 1, result.SkipReasons["unsupported_language"])
}

func TestPipeline_FileErrorsDoNotStopTheRun(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"good.py":   "def ok():\n    return 1\n",
		"broken.go": strings.Repeat("@@ $$ ?? ", 50),
		"also.rs":   "fn fine() {}\n",
	})
	p, err := NewPipeline(testConfig(root), nil, nil, nil)
	require.NoError(t, err)

	result, err := p.ParseDirectory(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 3, result.FilesFound)
	assert.Equal(t, 2, result.FilesParsed)
	require.Len(t, result.FileErrors, 1)
	assert.Equal(t, "broken.go", result.FileErrors[0].Path)
	var pe *ParseError
	assert.ErrorAs(t, result.FileErrors[0].Err, &pe)
	assert.InDelta(t, 1.0/3.0, result.ParseErrorRate, 1e-9)
}

func TestPipeline_ParseFilesKeepsOrderWithWorkers(t *testing.T) {
	root := t.TempDir()
	files := make(map[string]string)
	for i := 0; i < 25; i++ {
		files[fmt.Sprintf("mod_%02d.py", i)] = fmt.Sprintf("def f%d():\n    return %d\n", i, i)
	}
	writeFiles(t, root, files)

	p, err := NewPipeline(testConfig(root), nil, nil, nil)
	require.NoError(t, err)
	var calls atomic.Int32
	var last atomic.Int32
	p.SetProgress(func(done, total int) {
		calls.Add(1)
		assert.Equal(t, 25, total)
		last.Store(int32(done))
	})

	result, err := p.ParseDirectory(context.Background())

	require.NoError(t, err)
	require.Len(t, result.Chunks, 25)
	paths := make([]string, len(result.Chunks))
	for i, c := range result.Chunks {
		paths[i] = c.FilePath
	}
	assert.True(t, sort.StringsAreSorted(paths), "chunks follow file path order")
	assert.Equal(t, int32(25), calls.Load())
}

func TestPipeline_Run(t *testing.T) {
	store := cindextest.SetupTestStore(t)
	provider := NewMockEmbeddingProvider(16, nil)
	cfg := testConfig("testdata/sample_project")
	cfg.IngestionConfig.IntermediatePath = filepath.Join(t.TempDir(), "chunks.json")

	p, err := NewPipeline(cfg, provider, store, nil)
	require.NoError(t, err)

	result, err := p.Run(context.Background())

	require.NoError(t, err)
	assert.NotEmpty(t, result.RunID)
	assert.Equal(t, "test", result.ProjectID)
	require.NotNil(t, result.Parse)
	require.NotNil(t, result.Embed)
	require.NotNil(t, result.Upsert)
	assert.Equal(t, 8, result.Embed.Embedded)
	assert.Equal(t, 8, result.Upsert.Upserted)
	assert.True(t, result.Upsert.Created)
	assert.Equal(t, uint64(8), cindextest.CountPoints(t, store, DefaultCollection))

	f, err := ReadChunkFile(cfg.IngestionConfig.IntermediatePath)
	require.NoError(t, err)
	assert.Len(t, f.Chunks, 8)
	assert.Equal(t, 8, f.Embedded())
	assert.Equal(t, "mock", f.Model)

	// A second run overwrites the same points.
	_, err = p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(8), cindextest.CountPoints(t, store, DefaultCollection))
}

func TestPipeline_EmbedFailureKeepsPartialChunkFile(t *testing.T) {
	store := cindextest.SetupTestStore(t)
	provider := &scriptedProvider{
		dim: 8,
		failOn: func(call int, _ []string) error {
			if call > 1 {
				return &TransportError{Op: "test", StatusCode: 401, Err: errors.New("invalid api key")}
			}
			return nil
		},
	}
	cfg := testConfig("testdata/sample_project")
	cfg.IngestionConfig.IntermediatePath = filepath.Join(t.TempDir(), "chunks.json")
	cfg.IngestionConfig.Embedding.BatchSize = 3
	cfg.IngestionConfig.Embedding.Workers = 1

	p, err := NewPipeline(cfg, provider, store, nil)
	require.NoError(t, err)

	result, err := p.Run(context.Background())

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageEmbed, stageErr.Stage)
	var embErr *EmbeddingError
	assert.ErrorAs(t, err, &embErr)
	assert.Nil(t, result.Upsert, "nothing is upserted after a failed embed stage")

	f, err := ReadChunkFile(cfg.IngestionConfig.IntermediatePath)
	require.NoError(t, err)
	assert.Equal(t, 3, f.Embedded(), "vectors of the successful batch are kept")

	// Resuming from the chunk file only requests the missing vectors.
	provider.failOn = nil
	embedded, err := p.GenerateEmbeddings(context.Background(), f.Chunks)
	require.NoError(t, err)
	assert.Equal(t, 5, embedded.Embedded)
	assert.Equal(t, 3, embedded.AlreadyHad)
}

func TestPipeline_StagesWithoutBackends(t *testing.T) {
	p, err := NewPipeline(testConfig("testdata/sample_project"), nil, nil, nil)
	require.NoError(t, err)

	_, err = p.GenerateEmbeddings(context.Background(), testChunks("a\n"))
	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageEmbed, stageErr.Stage)

	_, err = p.UpsertEmbeddings(context.Background(), embeddedChunks(1, 4))
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageUpsert, stageErr.Stage)
}

func TestPipeline_MissingRoot(t *testing.T) {
	p, err := NewPipeline(testConfig(filepath.Join(t.TempDir(), "absent")), nil, nil, nil)
	require.NoError(t, err)

	_, err = p.ParseDirectory(context.Background())

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageParse, stageErr.Stage)
}

func TestNewPipeline_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig("testdata/sample_project")
	cfg.IngestionConfig.Granularity = GranularityCoarse
	cfg.IngestionConfig.MaxSnippetSize = 0

	_, err := NewPipeline(cfg, nil, nil, nil)

	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "granularity", cfgErr.Field)
}
