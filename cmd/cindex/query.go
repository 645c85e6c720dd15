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
	"fmt"
	"os"
	"strings"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/cindex/internal/errors"
	"github.com/kraklabs/cindex/internal/output"
	"github.com/kraklabs/cindex/internal/ui"
	"github.com/kraklabs/cindex/pkg/ingestion"
)

// queryResult is the --json output of 'cindex query'.
type queryResult struct {
	Query      string                `json:"query"`
	Collection string                `json:"collection"`
	Hits       []ingestion.SearchHit `json:"hits"`
}

// runQuery executes the 'query' CLI command, a similarity search over the
// indexed chunks. The query text is embedded with the configured provider
// and must therefore use the model the collection was built with.
//
// Flags:
//   - -k, --top-k: Number of hits (default: 10)
//   - --collection: Collection to search (default: vector_store.collection)
//   - --timeout: Bound on the whole query (default: 30s)
//   - --snippets: Print the source of each hit
//   - --json: Output as JSON
//
// Examples:
//
//	cindex query "where are retries configured"
//	cindex query "parse yaml config" -k 3 --snippets
//	cindex query "http middleware" --json
func runQuery(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("query", flag.ExitOnError)
	topK := fs.IntP("top-k", "k", ingestion.DefaultTopK, "Number of hits to return")
	collection := fs.String("collection", "", "Collection to search (default: vector_store.collection)")
	timeout := fs.Duration("timeout", 30*time.Second, "Query timeout")
	snippets := fs.Bool("snippets", false, "Print the source of each hit")
	jsonOutput := fs.Bool("json", false, "Output as JSON (same as the global --json)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: cindex query [options] TEXT

Embeds TEXT and returns the most similar chunks of the collection, best
match first.

Options:
`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if *jsonOutput {
		globals.JSON = true
		globals.Quiet = true
	}

	text := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if text == "" {
		fatal(errors.NewInputError(
			"Query text required",
			"no TEXT argument was given",
			`Run 'cindex query "what you are looking for"'`,
			nil,
		), globals)
	}
	if *topK <= 0 {
		fatal(errors.NewInputError(
			"Invalid --top-k",
			fmt.Sprintf("%d is not a positive number of hits", *topK),
			"Pass --top-k 1 or more",
			nil,
		), globals)
	}

	env := setupCommand(globals, "")
	defer env.cancel()
	if *collection != "" {
		env.cfg.VectorStore.Collection = *collection
	}

	pcfg := env.cfg.toIngestionConfig(env.root)
	if err := pcfg.Validate(); err != nil {
		fatal(err, globals)
	}
	ic := pcfg.IngestionConfig

	provider, err := ingestion.CreateEmbeddingProvider(ic.Provider, env.logger)
	if err != nil {
		fatal(err, globals)
	}
	store, err := env.cfg.openStore(env.logger)
	if err != nil {
		fatal(err, globals)
	}
	defer func() { _ = store.Close() }()

	embedder := ingestion.NewEmbeddingGenerator(provider, ingestion.EmbeddingConfig{Model: ic.Embedding.Model}, env.logger)
	engine := ingestion.NewQueryEngine(store, embedder, *timeout, env.logger)

	hits, err := spin(env.progress, ingestion.StageQuery, func() ([]ingestion.SearchHit, error) {
		return engine.Query(env.ctx, ic.Collection, text, *topK)
	})
	if err != nil {
		fatal(err, globals)
	}

	if globals.JSON {
		if hits == nil {
			hits = []ingestion.SearchHit{}
		}
		if err := output.JSON(queryResult{Query: text, Collection: ic.Collection, Hits: hits}); err != nil {
			fatal(err, globals)
		}
		return
	}

	if len(hits) == 0 {
		ui.Info("No results")
		return
	}
	if *snippets {
		printSnippets(hits)
		return
	}
	if err := output.Table([]string{"score", "name", "kind", "location"}, hitRows(hits)); err != nil {
		fatal(err, globals)
	}
}

// hitRows renders hits as table rows.
func hitRows(hits []ingestion.SearchHit) [][]string {
	rows := make([][]string, len(hits))
	for i, h := range hits {
		rows[i] = []string{
			fmt.Sprintf("%.3f", h.Score),
			hitName(h.Chunk),
			string(h.Chunk.Kind),
			hitLocation(h.Chunk),
		}
	}
	return rows
}

func hitName(c ingestion.Chunk) string {
	name := c.QualifiedName()
	if name == "" {
		name = "(anonymous)"
	}
	if c.Part != nil {
		name = fmt.Sprintf("%s [%d/%d]", name, c.Part.Index+1, c.Part.Count)
	}
	return name
}

func hitLocation(c ingestion.Chunk) string {
	if c.LineRange.Start == c.LineRange.End {
		return fmt.Sprintf("%s:%d", c.FilePath, c.LineRange.Start)
	}
	return fmt.Sprintf("%s:%d-%d", c.FilePath, c.LineRange.Start, c.LineRange.End)
}

// printSnippets writes each hit with its source.
func printSnippets(hits []ingestion.SearchHit) {
	for i, h := range hits {
		if i > 0 {
			fmt.Fprintln(ui.Out)
		}
		fmt.Fprintf(ui.Out, "%s %s %s\n",
			ui.CountText(i+1)+".",
			ui.Label(hitName(h.Chunk)),
			ui.DimText(fmt.Sprintf("%s (%.3f)", hitLocation(h.Chunk), h.Score)))
		fmt.Fprintln(ui.Out, strings.TrimRight(h.Chunk.Snippet, "\n"))
	}
}
