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
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kraklabs/cindex/pkg/storage"
)

// ProgressFunc is called after each file is parsed.
type ProgressFunc func(done, total int)

// Pipeline composes file discovery, extraction, reconciliation, embedding
// and upsert. Each stage can also be run on its own.
type Pipeline struct {
	config     Config
	ic         IngestionConfig
	logger     *slog.Logger
	repoLoader *RepoLoader
	registry   *Registry
	extractor  *Extractor
	reconciler *Reconciler
	embedder   *EmbeddingGenerator
	upserter   *Upserter
	progress   ProgressFunc
}

// NewPipeline validates config and wires the stages. provider and store
// may be nil when only the stages that do not need them are run.
func NewPipeline(config Config, provider EmbeddingProvider, store storage.VectorStore, logger *slog.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	ic := config.IngestionConfig.withDefaults()

	reconciler, err := NewReconciler(ic.SizePolicy())
	if err != nil {
		return nil, err
	}
	if ic.Granularity == GranularityFine && ic.MaxSnippetSize == 0 {
		logger.Warn("pipeline.config.unbounded_merge",
			"granularity", string(ic.Granularity),
			"hint", "set indexing.max_snippet_size to bound merged and split chunks")
	}

	registry := DefaultRegistry()
	p := &Pipeline{
		config:     config,
		ic:         ic,
		logger:     logger,
		repoLoader: NewRepoLoader(logger),
		registry:   registry,
		extractor:  NewExtractor(registry, ic.MaxParseErrorRatio, logger),
		reconciler: reconciler,
	}
	if provider != nil {
		p.embedder = NewEmbeddingGenerator(provider, ic.Embedding, logger)
		p.ic.Upsert.Model = p.embedder.Model()
	}
	if store != nil {
		p.upserter = NewUpserter(store, p.ic.Upsert, logger)
	}
	return p, nil
}

// SetProgress installs a per-file progress callback for ParseDirectory.
func (p *Pipeline) SetProgress(fn ProgressFunc) { p.progress = fn }

// Collection returns the configured collection name.
func (p *Pipeline) Collection() string { return p.ic.Collection }

// ParseResult summarizes the parse stage.
type ParseResult struct {
	Root           string
	FilesFound     int
	FilesParsed    int
	Entities       int
	Chunks         []Chunk
	FileErrors     []FileError
	ParseErrorRate float64 // 0.0-1.0
	SkipReasons    map[string]int
	Duration       time.Duration
}

// RunResult summarizes a full run. Stages that did not run are nil.
type RunResult struct {
	ProjectID string
	RunID     string
	Parse     *ParseResult
	Embed     *EmbedResult
	Upsert    *UpsertResult
	Duration  time.Duration
}

// ParseDirectory finds the files of the configured tree and turns each one
// into chunks. Per-file failures are collected in FileErrors and never
// stop the stage; chunks are concatenated in path order.
func (p *Pipeline) ParseDirectory(ctx context.Context) (*ParseResult, error) {
	start := time.Now()
	defer func() { observeStage(StageParse, time.Since(start)) }()

	loadResult, err := p.repoLoader.LoadRepository(p.config.RepoSource, LoadOptions{
		Registry:         p.registry,
		ExcludeDirs:      p.ic.ExcludeDirs,
		ExcludeGlobs:     p.ic.ExcludeGlobs,
		MaxFileSizeBytes: p.ic.MaxFileSizeBytes,
	})
	if err != nil {
		return nil, &StageError{Stage: StageParse, Err: fmt.Errorf("load repository: %w", err)}
	}

	result := p.ParseFiles(ctx, loadResult.Files)
	result.Root = loadResult.RootPath
	result.SkipReasons = loadResult.SkipReasons
	result.Duration = time.Since(start)

	p.logger.Info("pipeline.parse.complete",
		"root", result.Root,
		"files", result.FilesFound,
		"parsed", result.FilesParsed,
		"entities", result.Entities,
		"chunks", len(result.Chunks),
		"file_errors", len(result.FileErrors),
		"duration_ms", result.Duration.Milliseconds(),
	)
	if err := ctx.Err(); err != nil {
		return result, &StageError{Stage: StageParse, Err: err}
	}
	return result, nil
}

type fileOutcome struct {
	chunks   []Chunk
	entities int
	err      error
}

// ParseFiles extracts and reconciles files on a worker pool. The result
// keeps the order of files.
func (p *Pipeline) ParseFiles(ctx context.Context, files []FileInfo) *ParseResult {
	outcomes := make([]*fileOutcome, len(files))
	var done atomic.Int64
	report := func() {
		n := int(done.Add(1))
		if p.progress != nil {
			p.progress(n, len(files))
		}
	}

	workers := p.ic.Concurrency.ParseWorkers
	if len(files) < 10 || workers <= 1 {
		for i, f := range files {
			if ctx.Err() != nil {
				break
			}
			outcomes[i] = p.parseFile(ctx, f)
			report()
		}
	} else {
		jobs := make(chan int, len(files))
		var wg sync.WaitGroup
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := range jobs {
					select {
					case <-ctx.Done():
						return
					default:
					}
					// Each index is written by exactly one worker.
					outcomes[i] = p.parseFile(ctx, files[i])
					report()
				}
			}()
		}
		for i := range files {
			jobs <- i
		}
		close(jobs)
		wg.Wait()
	}

	result := &ParseResult{FilesFound: len(files)}
	for i, o := range outcomes {
		if o == nil {
			continue
		}
		if o.err != nil {
			result.FileErrors = append(result.FileErrors, FileError{Path: files[i].Path, Err: o.err})
			continue
		}
		result.FilesParsed++
		result.Entities += o.entities
		result.Chunks = append(result.Chunks, o.chunks...)
	}
	if len(files) > 0 {
		result.ParseErrorRate = float64(len(result.FileErrors)) / float64(len(files))
	}
	return result
}

func (p *Pipeline) parseFile(ctx context.Context, f FileInfo) *fileOutcome {
	src, err := os.ReadFile(f.FullPath)
	if err != nil {
		recordParseError()
		p.logger.Warn("pipeline.parse_file.error", "path", f.Path, "err", err)
		return &fileOutcome{err: fmt.Errorf("read: %w", err)}
	}

	entities, err := p.extractor.Extract(ctx, f.Path, f.Language, src)
	if err != nil {
		recordParseError()
		p.logger.Warn("pipeline.parse_file.error", "path", f.Path, "err", err)
		return &fileOutcome{err: err}
	}

	chunks := p.reconciler.Reconcile(entities)
	recordFileParsed()
	recordEntitiesExtracted(len(entities))
	recordChunks(len(chunks))
	var fragments, merged int
	for _, c := range chunks {
		switch {
		case c.IsFragment():
			fragments++
		case c.SourceEntityCount > 1:
			merged++
		}
	}
	recordFragments(fragments)
	recordMergedChunks(merged)

	p.logger.Debug("pipeline.parse_file",
		"path", f.Path,
		"language", string(f.Language),
		"entities", len(entities),
		"chunks", len(chunks),
		"fragments", fragments,
		"merged", merged,
	)
	return &fileOutcome{chunks: chunks, entities: len(entities)}
}

// GenerateEmbeddings attaches vectors to the chunks that lack one. On
// failure the partial result is returned with a *StageError.
func (p *Pipeline) GenerateEmbeddings(ctx context.Context, chunks []Chunk) (*EmbedResult, error) {
	if p.embedder == nil {
		return nil, &StageError{Stage: StageEmbed, Err: errors.New("no embedding provider configured")}
	}
	start := time.Now()
	defer func() { observeStage(StageEmbed, time.Since(start)) }()

	result, err := p.embedder.Embed(ctx, chunks)
	if err != nil {
		return result, &StageError{Stage: StageEmbed, Err: err}
	}
	return result, nil
}

// UpsertEmbeddings writes the embedded chunks to the configured collection.
func (p *Pipeline) UpsertEmbeddings(ctx context.Context, chunks []Chunk) (*UpsertResult, error) {
	if p.upserter == nil {
		return nil, &StageError{Stage: StageUpsert, Err: errors.New("no vector store configured")}
	}
	start := time.Now()
	defer func() { observeStage(StageUpsert, time.Since(start)) }()

	result, err := p.upserter.Upsert(ctx, p.ic.Collection, chunks)
	if err != nil {
		return result, &StageError{Stage: StageUpsert, Err: err}
	}
	return result, nil
}

// Run executes every stage in memory. When IntermediatePath is set the
// chunk file is written after parsing and again after embedding, including
// when embedding fails, so a rerun only requests the missing vectors.
func (p *Pipeline) Run(ctx context.Context) (*RunResult, error) {
	start := time.Now()
	result := &RunResult{
		ProjectID: p.config.ProjectID,
		RunID:     uuid.NewString(),
	}
	finish := func(err error) (*RunResult, error) {
		result.Duration = time.Since(start)
		if err != nil {
			p.logger.Error("pipeline.failed", "run_id", result.RunID, "err", err)
		}
		return result, err
	}

	p.logger.Info("pipeline.start",
		"project_id", result.ProjectID,
		"run_id", result.RunID,
		"root", p.config.RepoSource.Value,
		"collection", p.ic.Collection,
	)

	parsed, err := p.ParseDirectory(ctx)
	result.Parse = parsed
	if err != nil {
		return finish(err)
	}
	if err := p.writeIntermediate(parsed.Root, parsed.Chunks); err != nil {
		return finish(&StageError{Stage: StageParse, Err: err})
	}

	embedded, err := p.GenerateEmbeddings(ctx, parsed.Chunks)
	result.Embed = embedded
	if embedded != nil {
		if werr := p.writeIntermediate(parsed.Root, embedded.Chunks); werr != nil && err == nil {
			err = &StageError{Stage: StageEmbed, Err: werr}
		}
	}
	if err != nil {
		return finish(err)
	}

	upserted, err := p.UpsertEmbeddings(ctx, embedded.Chunks)
	result.Upsert = upserted
	if err != nil {
		return finish(err)
	}

	result.Duration = time.Since(start)
	p.logger.Info("pipeline.complete",
		"run_id", result.RunID,
		"files", parsed.FilesParsed,
		"file_errors", len(parsed.FileErrors),
		"chunks", len(parsed.Chunks),
		"embedded", embedded.Embedded,
		"upserted", upserted.Upserted,
		"total_duration_ms", result.Duration.Milliseconds(),
	)
	return result, nil
}

func (p *Pipeline) writeIntermediate(root string, chunks []Chunk) error {
	if p.ic.IntermediatePath == "" {
		return nil
	}
	model := ""
	if p.embedder != nil {
		model = p.embedder.Model()
	}
	err := WriteChunkFile(p.ic.IntermediatePath, &ChunkFile{Root: root, Model: model, Chunks: chunks})
	if err != nil {
		return err
	}
	p.logger.Debug("pipeline.intermediate.written", "path", p.ic.IntermediatePath, "chunks", len(chunks))
	return nil
}
