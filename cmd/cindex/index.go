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

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/cindex/internal/errors"
	"github.com/kraklabs/cindex/internal/output"
	"github.com/kraklabs/cindex/internal/ui"
	"github.com/kraklabs/cindex/pkg/ingestion"
)

// commandEnv is what every command needs once its flags are parsed.
type commandEnv struct {
	cfg      *Config
	root     string
	logger   *slog.Logger
	progress ProgressConfig
	ctx      context.Context
	cancel   context.CancelFunc
}

// setupCommand loads the configuration, builds the logger and installs
// signal handling. pathArg is the optional source tree argument; without it
// the tree is the configuration root, or the working directory when no
// configuration exists.
func setupCommand(globals GlobalFlags, pathArg string) *commandEnv {
	logger := newLogger(globals)

	root, err := resolveRoot(pathArg)
	if err != nil {
		fatal(err, globals)
	}
	cfg, err := loadConfigOrDefault(globals.Config, root)
	if err != nil {
		fatal(err, globals)
	}
	if pathArg == "" && cfg.Root() != "" {
		root = cfg.Root()
	}

	startMetrics(globals.MetricsAddr, logger)
	ctx, cancel := signalContext(logger)

	return &commandEnv{
		cfg:      cfg,
		root:     root,
		logger:   logger,
		progress: NewProgressConfig(globals),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// resolveRoot returns the absolute source tree path.
func resolveRoot(pathArg string) (string, error) {
	if pathArg == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", errors.NewInternalError("Cannot determine the working directory", err.Error(), "", err)
		}
		return cwd, nil
	}
	abs, err := filepath.Abs(pathArg)
	if err != nil {
		return "", errors.NewInputError("Invalid path", err.Error(), "Check the PATH argument", err)
	}
	return abs, nil
}

// resolveOutputPath makes an --output path absolute. It is resolved against
// the working directory, not the repository.
func resolveOutputPath(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", errors.NewInputError("Invalid output path", err.Error(), "Pass an absolute --output path", err)
	}
	return abs, nil
}

// pathArgument returns the single optional positional argument.
func pathArgument(fs *flag.FlagSet, globals GlobalFlags) string {
	switch fs.NArg() {
	case 0:
		return ""
	case 1:
		return fs.Arg(0)
	default:
		fatal(errors.NewInputError(
			"Too many arguments",
			fmt.Sprintf("expected at most one PATH, got %d", fs.NArg()),
			fmt.Sprintf("Run 'cindex %s --help'", fs.Name()),
			nil,
		), globals)
		return ""
	}
}

// stageFlags are the chunking and collection overrides shared by the
// commands that run a pipeline stage.
type stageFlags struct {
	collection     string
	granularity    string
	maxSnippetSize int
	embedWorkers   int
}

func (s *stageFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&s.collection, "collection", "", "Vector store collection (default: vector_store.collection)")
	fs.StringVar(&s.granularity, "granularity", "", "Chunk granularity: fine, medium or coarse (default: indexing.granularity)")
	fs.IntVar(&s.maxSnippetSize, "max-snippet-size", 0, "Maximum chunk size in bytes (default: indexing.max_snippet_size)")
	fs.IntVar(&s.embedWorkers, "embed-workers", 0, "Concurrent embedding requests (default: embedding.workers)")
}

// apply writes the flags that were set over the loaded configuration.
func (s *stageFlags) apply(cfg *Config) {
	if s.collection != "" {
		cfg.VectorStore.Collection = s.collection
	}
	if s.granularity != "" {
		cfg.Indexing.Granularity = s.granularity
	}
	if s.maxSnippetSize > 0 {
		cfg.Indexing.MaxSnippetSize = s.maxSnippetSize
	}
	if s.embedWorkers > 0 {
		cfg.Embedding.Workers = s.embedWorkers
	}
}

// indexSummary is the --json output of 'cindex index'.
type indexSummary struct {
	ProjectID   string         `json:"project_id"`
	RunID       string         `json:"run_id"`
	Root        string         `json:"root"`
	Collection  string         `json:"collection"`
	Files       int            `json:"files"`
	FilesParsed int            `json:"files_parsed"`
	FileErrors  []fileError    `json:"file_errors"`
	Skipped     map[string]int `json:"skipped,omitempty"`
	Entities    int            `json:"entities"`
	Chunks      int            `json:"chunks"`
	Embedded    int            `json:"embedded"`
	Upserted    int            `json:"upserted"`
	Created     bool           `json:"collection_created"`
	DurationMS  int64          `json:"duration_ms"`
}

type fileError struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

func fileErrors(errs []ingestion.FileError) []fileError {
	out := make([]fileError, len(errs))
	for i, fe := range errs {
		out[i] = fileError{Path: fe.Path, Error: fe.Err.Error()}
	}
	return out
}

// runIndex executes the 'index' CLI command: parse, embed and upsert in
// one process.
//
// Flags:
//   - -o, --output: Also write the chunk file here (default: indexing.intermediate_path)
//   - --collection, --granularity, --max-snippet-size, --embed-workers: overrides
//
// Examples:
//
//	cindex index                         Index the configured repository
//	cindex index ./service -o chunks.json
//	cindex index --collection my_code --granularity medium
func runIndex(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("index", flag.ExitOnError)
	outputPath := fs.StringP("output", "o", "", "Write the chunk file to this path as well")
	var sf stageFlags
	sf.register(fs)

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: cindex index [options] [PATH]

Parses PATH (default: the repository holding .cindex/project.yaml), embeds
every chunk and writes the vectors to the configured collection. Files that
fail to parse are reported and skipped.

Options:
`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	env := setupCommand(globals, pathArgument(fs, globals))
	defer env.cancel()
	sf.apply(env.cfg)

	pcfg := env.cfg.toIngestionConfig(env.root)
	if *outputPath != "" {
		abs, err := resolveOutputPath(*outputPath)
		if err != nil {
			fatal(err, globals)
		}
		pcfg.IngestionConfig.IntermediatePath = abs
	}

	provider, err := ingestion.CreateEmbeddingProvider(pcfg.IngestionConfig.Provider, env.logger)
	if err != nil {
		fatal(err, globals)
	}
	store, err := env.cfg.openStore(env.logger)
	if err != nil {
		fatal(err, globals)
	}
	defer func() { _ = store.Close() }()

	pipeline, err := ingestion.NewPipeline(pcfg, provider, store, env.logger)
	if err != nil {
		fatal(err, globals)
	}
	progress, finishProgress := parseProgress(env.progress)
	pipeline.SetProgress(progress)

	result, err := pipeline.Run(env.ctx)
	finishProgress()
	if err != nil {
		if result != nil && result.Parse != nil && !globals.JSON {
			printFileErrors(result.Parse.FileErrors)
		}
		fatal(err, globals)
	}

	summary := indexSummary{
		ProjectID:   result.ProjectID,
		RunID:       result.RunID,
		Root:        result.Parse.Root,
		Collection:  pipeline.Collection(),
		Files:       result.Parse.FilesFound,
		FilesParsed: result.Parse.FilesParsed,
		FileErrors:  fileErrors(result.Parse.FileErrors),
		Skipped:     result.Parse.SkipReasons,
		Entities:    result.Parse.Entities,
		Chunks:      len(result.Parse.Chunks),
		Embedded:    result.Embed.Embedded + result.Embed.AlreadyHad,
		Upserted:    result.Upsert.Upserted,
		Created:     result.Upsert.Created,
		DurationMS:  result.Duration.Milliseconds(),
	}
	if globals.JSON {
		if err := output.JSON(summary); err != nil {
			fatal(err, globals)
		}
		return
	}

	printFileErrors(result.Parse.FileErrors)
	ui.Header("Index complete")
	ui.Stat("Project", summary.ProjectID)
	ui.Stat("Collection", summary.Collection)
	ui.Stat("Files", fmt.Sprintf("%d parsed of %d", summary.FilesParsed, summary.Files))
	if n := len(summary.FileErrors); n > 0 {
		ui.Stat("File errors", n)
	}
	ui.Stat("Entities", summary.Entities)
	ui.Stat("Chunks", summary.Chunks)
	ui.Stat("Embedded", summary.Embedded)
	ui.Stat("Upserted", summary.Upserted)
	ui.Stat("Duration", result.Duration.Round(time.Millisecond))
	if summary.Created {
		ui.Infof("Created collection %q (%d dimensions)", summary.Collection, result.Upsert.Dimension)
	}
	if pcfg.IngestionConfig.IntermediatePath != "" {
		ui.Infof("Chunk file: %s", pcfg.IngestionConfig.IntermediatePath)
	}
}

// printFileErrors lists the files that could not be parsed.
func printFileErrors(errs []ingestion.FileError) {
	if len(errs) == 0 {
		return
	}
	ui.Warningf("%s files could not be parsed:", ui.CountText(len(errs)))
	for _, fe := range errs {
		ui.Errorf("  %s: %v", fe.Path, fe.Err)
	}
}

// parseSummary is the --json output of 'cindex parse-directory'.
type parseSummary struct {
	Root        string         `json:"root"`
	Output      string         `json:"output"`
	Files       int            `json:"files"`
	FilesParsed int            `json:"files_parsed"`
	FileErrors  []fileError    `json:"file_errors"`
	ErrorRate   float64        `json:"parse_error_rate"`
	Skipped     map[string]int `json:"skipped,omitempty"`
	Entities    int            `json:"entities"`
	Chunks      int            `json:"chunks"`
	DurationMS  int64          `json:"duration_ms"`
}

// runParseDirectory executes the 'parse-directory' CLI command. It writes
// the reconciled chunks of PATH to a chunk file without contacting any
// embedding provider or vector store. Per-file failures are reported and
// do not change the exit status.
//
// Examples:
//
//	cindex parse-directory -o chunks.json
//	cindex parse-directory ./src --granularity coarse --max-snippet-size 4000 -o chunks.json
func runParseDirectory(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("parse-directory", flag.ExitOnError)
	outputPath := fs.StringP("output", "o", "chunks.json", "Chunk file to write")
	var sf stageFlags
	sf.register(fs)

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: cindex parse-directory [options] [PATH]

Extracts entities from every supported file under PATH, reconciles them
into size-bounded chunks and writes the chunks to a JSON chunk file.

Options:
`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	env := setupCommand(globals, pathArgument(fs, globals))
	defer env.cancel()
	sf.apply(env.cfg)

	pcfg := env.cfg.toIngestionConfig(env.root)
	pcfg.IngestionConfig.IntermediatePath = ""
	pipeline, err := ingestion.NewPipeline(pcfg, nil, nil, env.logger)
	if err != nil {
		fatal(err, globals)
	}
	progress, finishProgress := parseProgress(env.progress)
	pipeline.SetProgress(progress)

	result, err := pipeline.ParseDirectory(env.ctx)
	finishProgress()
	if err != nil {
		fatal(err, globals)
	}

	err = ingestion.WriteChunkFile(*outputPath, &ingestion.ChunkFile{
		Root:   result.Root,
		Chunks: result.Chunks,
	})
	if err != nil {
		fatal(err, globals)
	}

	summary := parseSummary{
		Root:        result.Root,
		Output:      *outputPath,
		Files:       result.FilesFound,
		FilesParsed: result.FilesParsed,
		FileErrors:  fileErrors(result.FileErrors),
		ErrorRate:   result.ParseErrorRate,
		Skipped:     result.SkipReasons,
		Entities:    result.Entities,
		Chunks:      len(result.Chunks),
		DurationMS:  result.Duration.Milliseconds(),
	}
	if globals.JSON {
		if err := output.JSON(summary); err != nil {
			fatal(err, globals)
		}
		return
	}

	printFileErrors(result.FileErrors)
	ui.Header("Parse complete")
	ui.Stat("Files", fmt.Sprintf("%d parsed of %d", summary.FilesParsed, summary.Files))
	ui.Stat("Entities", summary.Entities)
	ui.Stat("Chunks", summary.Chunks)
	printSkipped(summary.Skipped)
	ui.Stat("Duration", result.Duration.Round(time.Millisecond))
	ui.Successf("Wrote %s", *outputPath)
}

// printSkipped lists skip reasons in a stable order.
func printSkipped(reasons map[string]int) {
	if len(reasons) == 0 {
		return
	}
	keys := make([]string, 0, len(reasons))
	for k := range reasons {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ui.SubHeader("Skipped")
	for _, k := range keys {
		ui.Stat(k, reasons[k])
	}
}

// readChunkFile loads the chunk file named by a required --input flag.
func readChunkFile(path string, globals GlobalFlags) *ingestion.ChunkFile {
	if path == "" {
		fatal(errors.NewInputError(
			"Missing --input",
			"a chunk file is required",
			"Create one with 'cindex parse-directory -o chunks.json'",
			nil,
		), globals)
	}
	f, err := ingestion.ReadChunkFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			fatal(errors.NewNotFoundError("Chunk file not found", err.Error(), "Check the --input path", err), globals)
		}
		fatal(errors.NewInputError("Cannot read chunk file", err.Error(), "Regenerate it with 'cindex parse-directory'", err), globals)
	}
	return f
}

// embedSummary is the --json output of 'cindex generate-embeddings'.
type embedSummary struct {
	Input      string `json:"input"`
	Output     string `json:"output"`
	Model      string `json:"model"`
	Chunks     int    `json:"chunks"`
	Embedded   int    `json:"embedded"`
	AlreadyHad int    `json:"already_had"`
	Blank      int    `json:"blank"`
	Missing    int    `json:"missing"`
	Dimension  int    `json:"dimension"`
	Batches    int    `json:"batches"`
	DurationMS int64  `json:"duration_ms"`
}

// runGenerateEmbeddings executes the 'generate-embeddings' CLI command. It
// attaches vectors to the chunks of a chunk file that lack one. The output
// file is written even when some batches fail, so rerunning on it only
// requests the missing vectors.
//
// Examples:
//
//	cindex generate-embeddings -i chunks.json -o embedded.json
//	cindex generate-embeddings -i embedded.json              Resume in place
func runGenerateEmbeddings(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("generate-embeddings", flag.ExitOnError)
	inputPath := fs.StringP("input", "i", "", "Chunk file to read (required)")
	outputPath := fs.StringP("output", "o", "", "Chunk file to write (default: overwrite --input)")
	workers := fs.Int("embed-workers", 0, "Concurrent embedding requests (default: embedding.workers)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: cindex generate-embeddings -i FILE [options]

Requests an embedding for every chunk of FILE that has none and writes the
result. Chunks that already carry a vector are left untouched.

Options:
`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if *outputPath == "" {
		*outputPath = *inputPath
	}

	env := setupCommand(globals, "")
	defer env.cancel()
	if *workers > 0 {
		env.cfg.Embedding.Workers = *workers
	}
	file := readChunkFile(*inputPath, globals)

	pcfg := env.cfg.toIngestionConfig(env.root)
	provider, err := ingestion.CreateEmbeddingProvider(pcfg.IngestionConfig.Provider, env.logger)
	if err != nil {
		fatal(err, globals)
	}
	pipeline, err := ingestion.NewPipeline(pcfg, provider, nil, env.logger)
	if err != nil {
		fatal(err, globals)
	}

	result, err := spin(env.progress, ingestion.StageEmbed, func() (*ingestion.EmbedResult, error) {
		return pipeline.GenerateEmbeddings(env.ctx, file.Chunks)
	})
	model := provider.Model()
	if pcfg.IngestionConfig.Embedding.Model != "" {
		model = pcfg.IngestionConfig.Embedding.Model
	}
	if result != nil {
		out := &ingestion.ChunkFile{Root: file.Root, Model: model, Chunks: result.Chunks}
		if werr := ingestion.WriteChunkFile(*outputPath, out); werr != nil {
			if err == nil {
				err = werr
			} else {
				env.logger.Error("chunkfile.write.failed", "path", *outputPath, "err", werr)
			}
		}
	}
	if err != nil {
		if result != nil && !globals.JSON {
			ui.Warningf("%d of %d chunks still need an embedding; rerun with -i %s to resume",
				result.Missing(), len(result.Chunks), *outputPath)
		}
		fatal(err, globals)
	}

	summary := embedSummary{
		Input:      *inputPath,
		Output:     *outputPath,
		Model:      model,
		Chunks:     len(result.Chunks),
		Embedded:   result.Embedded,
		AlreadyHad: result.AlreadyHad,
		Blank:      result.Blank,
		Missing:    result.Missing(),
		Dimension:  result.Dimension,
		Batches:    result.Batches,
		DurationMS: result.Duration.Milliseconds(),
	}
	if globals.JSON {
		if err := output.JSON(summary); err != nil {
			fatal(err, globals)
		}
		return
	}

	ui.Header("Embeddings complete")
	ui.Stat("Model", summary.Model)
	ui.Stat("Chunks", summary.Chunks)
	ui.Stat("Embedded", summary.Embedded)
	if summary.AlreadyHad > 0 {
		ui.Stat("Already had", summary.AlreadyHad)
	}
	if summary.Blank > 0 {
		ui.Stat("Blank", summary.Blank)
	}
	ui.Stat("Dimension", summary.Dimension)
	ui.Stat("Requests", summary.Batches)
	ui.Stat("Duration", result.Duration.Round(time.Millisecond))
	ui.Successf("Wrote %s", *outputPath)
}

// upsertSummary is the --json output of 'cindex upsert-embeddings'.
type upsertSummary struct {
	Input        string `json:"input"`
	Collection   string `json:"collection"`
	Created      bool   `json:"collection_created"`
	Dimension    int    `json:"dimension"`
	Upserted     int    `json:"upserted"`
	SkippedNoVec int    `json:"skipped_without_vector"`
	Batches      int    `json:"batches"`
	DurationMS   int64  `json:"duration_ms"`
}

// runUpsertEmbeddings executes the 'upsert-embeddings' CLI command. It
// writes every embedded chunk of a chunk file to the vector store, creating
// the collection on first use. Chunks are keyed by a deterministic ID, so
// running it twice overwrites instead of duplicating.
//
// Examples:
//
//	cindex upsert-embeddings -i embedded.json
//	cindex upsert-embeddings -i embedded.json --collection my_code
func runUpsertEmbeddings(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("upsert-embeddings", flag.ExitOnError)
	inputPath := fs.StringP("input", "i", "", "Embedded chunk file to read (required)")
	collection := fs.String("collection", "", "Vector store collection (default: vector_store.collection)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: cindex upsert-embeddings -i FILE [options]

Writes the embedded chunks of FILE to the vector store. Chunks without a
vector are skipped.

Options:
`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	env := setupCommand(globals, "")
	defer env.cancel()
	if *collection != "" {
		env.cfg.VectorStore.Collection = *collection
	}
	file := readChunkFile(*inputPath, globals)
	if file.Embedded() == 0 {
		fatal(errors.NewInputError(
			"Nothing to upsert",
			fmt.Sprintf("%s has %d chunks and none carries an embedding", *inputPath, len(file.Chunks)),
			fmt.Sprintf("Run 'cindex generate-embeddings -i %s' first", *inputPath),
			nil,
		), globals)
	}

	pcfg := env.cfg.toIngestionConfig(env.root)
	pcfg.IngestionConfig.Upsert.Model = file.Model
	store, err := env.cfg.openStore(env.logger)
	if err != nil {
		fatal(err, globals)
	}
	defer func() { _ = store.Close() }()

	pipeline, err := ingestion.NewPipeline(pcfg, nil, store, env.logger)
	if err != nil {
		fatal(err, globals)
	}

	result, err := spin(env.progress, ingestion.StageUpsert, func() (*ingestion.UpsertResult, error) {
		return pipeline.UpsertEmbeddings(env.ctx, file.Chunks)
	})
	if err != nil {
		if result != nil && result.Upserted > 0 && !globals.JSON {
			ui.Warningf("%d points were written before the failure; rerunning overwrites them", result.Upserted)
		}
		fatal(err, globals)
	}

	summary := upsertSummary{
		Input:        *inputPath,
		Collection:   result.Collection,
		Created:      result.Created,
		Dimension:    result.Dimension,
		Upserted:     result.Upserted,
		SkippedNoVec: result.SkippedNoVec,
		Batches:      result.Batches,
		DurationMS:   result.Duration.Milliseconds(),
	}
	if globals.JSON {
		if err := output.JSON(summary); err != nil {
			fatal(err, globals)
		}
		return
	}

	ui.Header("Upsert complete")
	ui.Stat("Collection", summary.Collection)
	ui.Stat("Upserted", summary.Upserted)
	if summary.SkippedNoVec > 0 {
		ui.Stat("No vector", summary.SkippedNoVec)
	}
	ui.Stat("Dimension", summary.Dimension)
	ui.Stat("Duration", result.Duration.Round(time.Millisecond))
	if summary.Created {
		ui.Successf("Created collection %q", summary.Collection)
	}
}
