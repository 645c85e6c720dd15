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

// Package ingestion provides the code indexing pipeline for cindex.
//
// The ingestion package turns a source tree into chunks of code, attaches
// vector embeddings to them and writes them to a vector store where they
// can be found by similarity search.
//
// # Pipeline Overview
//
// The pipeline processes code in five stages:
//
//  1. Discovery: RepoLoader finds source files by extension and exclude rules
//  2. Extraction: Extractor parses each file with Tree-sitter and emits
//     CodeEntity values whose ranges tile the file
//  3. Reconciliation: Reconciler splits oversized entities and merges small
//     adjacent ones according to a SizePolicy
//  4. Embedding: EmbeddingGenerator batches chunks that lack a vector and
//     requests them from an EmbeddingProvider
//  5. Upsert: Upserter writes every embedded chunk as a point keyed by a
//     deterministic id
//
// Stages 2 and 3 run per file on a worker pool. A file that fails to parse
// is recorded as a FileError and skipped. Later stages return a *StageError
// naming the stage together with whatever they produced.
//
// # Supported Languages
//
//   - Rust (.rs)
//   - TypeScript (.ts, .mts, .cts) and TSX (.tsx)
//   - JavaScript (.js, .jsx, .mjs, .cjs)
//   - Go (.go)
//   - Python (.py, .pyi)
//
// # Quick Start
//
//	config := ingestion.Config{
//	    ProjectID: "my-project",
//	    RepoSource: ingestion.RepoSource{
//	        Type:  "local_path",
//	        Value: "/path/to/repo",
//	    },
//	    IngestionConfig: ingestion.DefaultConfig(),
//	}
//
//	provider, err := ingestion.CreateEmbeddingProvider(config.IngestionConfig.Provider, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	pipeline, err := ingestion.NewPipeline(config, provider, store, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	result, err := pipeline.Run(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	fmt.Printf("Indexed %d files, %d chunks\n",
//	    result.Parse.FilesParsed, len(result.Parse.Chunks))
//
// # Chunk Files
//
// The stages can also run one at a time. ParseDirectory output is written
// with WriteChunkFile, GenerateEmbeddings reads it back with ReadChunkFile
// and only requests vectors for chunks that still lack one, and
// UpsertEmbeddings writes the result. Point ids depend only on file path,
// byte range and language, so repeating a stage never duplicates points.
package ingestion
