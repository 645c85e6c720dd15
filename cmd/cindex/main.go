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

// Package main implements the cindex CLI, which indexes source trees into
// a vector store and searches them by meaning.
//
// Usage:
//
//	cindex init                                  Create .cindex/project.yaml
//	cindex index [PATH]                          Parse, embed and upsert a tree
//	cindex parse-directory [PATH] -o chunks.json Extract and reconcile chunks
//	cindex generate-embeddings -i chunks.json    Attach vectors to a chunk file
//	cindex upsert-embeddings -i embedded.json    Write a chunk file to the store
//	cindex query TEXT                            Search the indexed chunks
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/kraklabs/cindex/internal/ui"
)

// Version information (set via ldflags during build)
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// GlobalFlags are the flags accepted before the command name.
type GlobalFlags struct {
	JSON        bool
	Quiet       bool
	NoColor     bool
	Verbose     int
	Debug       bool
	Config      string
	MetricsAddr string
}

func main() {
	var globals GlobalFlags
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.BoolVar(&globals.JSON, "json", false, "Write results as JSON (implies --quiet)")
	flag.BoolVarP(&globals.Quiet, "quiet", "q", false, "Suppress progress output")
	flag.BoolVar(&globals.NoColor, "no-color", false, "Disable colored output")
	flag.CountVarP(&globals.Verbose, "verbose", "v", "Increase log verbosity (-v info, -vv debug)")
	flag.BoolVar(&globals.Debug, "debug", false, "Enable debug logging")
	flag.StringVar(&globals.Config, "config", "", "Path to .cindex/project.yaml (default: nearest above the working directory)")
	flag.StringVar(&globals.MetricsAddr, "metrics-addr", "", "HTTP listen address for Prometheus metrics (empty to disable)")

	// Flags after the command name belong to the command.
	flag.CommandLine.SetInterspersed(false)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `cindex - semantic code indexing

cindex parses a source tree with Tree-sitter, cuts it into size-bounded
chunks, embeds them and stores the vectors in Qdrant for similarity search.

Usage:
  cindex [global options] <command> [options]

Commands:
  init                 Create .cindex/project.yaml configuration
  index                Run every stage on a source tree
  parse-directory      Extract and reconcile chunks into a chunk file
  generate-embeddings  Attach embeddings to the chunks of a chunk file
  upsert-embeddings    Write an embedded chunk file to the vector store
  query                Search the indexed chunks

Global Options:
`)
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  cindex init -y
  cindex index
  cindex parse-directory ./src -o chunks.json
  cindex generate-embeddings -i chunks.json -o embedded.json
  cindex upsert-embeddings -i embedded.json --collection my_code
  cindex query "where are retries configured" --top-k 5

Environment Variables:
  OPENAI_API_KEY    API key for the openai provider
  OPENAI_API_BASE   Base URL of an OpenAI-compatible endpoint
  OLLAMA_HOST       Ollama URL (default: http://localhost:11434)
  QDRANT_HOST       Qdrant host (default: localhost)
  QDRANT_PORT       Qdrant gRPC port (default: 6334)
  QDRANT_API_KEY    Qdrant API key

For detailed command help: cindex <command> --help
`)
	}

	flag.Parse()

	if *showVersion {
		fmt.Printf("cindex version %s\n", version)
		fmt.Printf("commit: %s\n", commit)
		fmt.Printf("built: %s\n", date)
		os.Exit(0)
	}

	if globals.JSON {
		globals.Quiet = true
	}
	ui.InitColors(globals.NoColor || os.Getenv("NO_COLOR") != "")

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(1)
	}

	command := args[0]
	cmdArgs := args[1:]

	switch command {
	case "init":
		runInit(cmdArgs, globals)
	case "index":
		runIndex(cmdArgs, globals)
	case "parse-directory":
		runParseDirectory(cmdArgs, globals)
	case "generate-embeddings":
		runGenerateEmbeddings(cmdArgs, globals)
	case "upsert-embeddings":
		runUpsertEmbeddings(cmdArgs, globals)
	case "query":
		runQuery(cmdArgs, globals)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		flag.Usage()
		os.Exit(1)
	}
}

// logLevel maps --debug and -v to a slog level. Without either, only
// warnings reach stderr so that progress bars stay readable.
func logLevel(globals GlobalFlags) slog.Level {
	switch {
	case globals.Debug || globals.Verbose >= 2:
		return slog.LevelDebug
	case globals.Verbose == 1:
		return slog.LevelInfo
	default:
		return slog.LevelWarn
	}
}

// newLogger builds the stderr text logger and installs it as the default.
func newLogger(globals GlobalFlags) *slog.Logger {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(globals),
	}))
	slog.SetDefault(logger)
	return logger
}

// startMetrics serves /metrics on addr until the process exits. An empty
// addr disables it.
func startMetrics(addr string, logger *slog.Logger) {
	if addr == "" {
		return
	}
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		logger.Info("metrics.http.start", "addr", addr, "path", "/metrics")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics.http.error", "err", err)
		}
	}()
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(logger *slog.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Warn("shutdown.signal", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()
	return ctx, cancel
}
