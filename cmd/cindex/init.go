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
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/cindex/internal/errors"
	"github.com/kraklabs/cindex/internal/ui"
)

// initFlags holds parsed flags for the init command.
type initFlags struct {
	force, nonInteractive bool

	projectID         string
	embeddingProvider string
	embeddingModel    string
	vectorStore       string
	qdrantHost        string
	collection        string
	granularity       string
}

// runInit executes the 'init' CLI command, creating .cindex/project.yaml in
// the working directory.
//
// Flags:
//   - --force: Overwrite existing configuration (default: false)
//   - -y, --yes: Non-interactive mode, use all defaults (default: false)
//   - --project-id: Project identifier (default: directory name)
//   - --embedding-provider: openai, ollama or mock
//   - --embedding-model: Model passed to the provider
//   - --vector-store: qdrant or memory
//   - --qdrant-host: Qdrant host
//   - --collection: Collection name
//   - --granularity: fine, medium or coarse
//
// Examples:
//
//	cindex init                                     Interactive setup
//	cindex init -y                                  Use all defaults
//	cindex init -y --embedding-provider ollama --embedding-model nomic-embed-text
func runInit(args []string, globals GlobalFlags) {
	flags := parseInitFlags(args)

	cwd, err := os.Getwd()
	if err != nil {
		fatal(err, globals)
	}

	configPath := ConfigPath(cwd)
	if _, err := os.Stat(configPath); err == nil && !flags.force {
		fatal(errors.NewConfigError(
			"Configuration already exists",
			configPath,
			"Use --force to overwrite it",
			nil,
		), globals)
	}

	cfg := createInitConfig(cwd, flags)
	if !flags.nonInteractive && !globals.JSON {
		runInteractiveConfig(bufio.NewReader(os.Stdin), os.Stdout, cfg)
	}

	if err := saveInitConfig(cwd, configPath, cfg); err != nil {
		fatal(err, globals)
	}
	if !globals.JSON {
		ui.Successf("Created %s", configPath)
	}
	if addToGitignore(cwd) && !globals.JSON {
		ui.Info("Added .cindex/ to .gitignore")
	}
	if !globals.JSON {
		printNextSteps(cfg)
	}
}

func parseInitFlags(args []string) initFlags {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	var f initFlags
	fs.BoolVar(&f.force, "force", false, "Overwrite existing configuration")
	fs.BoolVarP(&f.nonInteractive, "yes", "y", false, "Non-interactive mode (use defaults)")
	fs.StringVar(&f.projectID, "project-id", "", "Project identifier (default: directory name)")
	fs.StringVar(&f.embeddingProvider, "embedding-provider", "", "Embedding provider (openai, ollama, mock)")
	fs.StringVar(&f.embeddingModel, "embedding-model", "", "Embedding model (default: provider default)")
	fs.StringVar(&f.vectorStore, "vector-store", "", "Vector store (qdrant, memory)")
	fs.StringVar(&f.qdrantHost, "qdrant-host", "", "Qdrant host")
	fs.StringVar(&f.collection, "collection", "", "Collection name")
	fs.StringVar(&f.granularity, "granularity", "", "Chunk granularity (fine, medium, coarse)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: cindex init [options]

Creates .cindex/project.yaml configuration file.

Examples:
  cindex init -y
  cindex init -y --embedding-provider ollama --embedding-model nomic-embed-text
  cindex init --qdrant-host qdrant.internal --collection my_code

Options:
`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	return f
}

func createInitConfig(cwd string, f initFlags) *Config {
	pid := f.projectID
	if pid == "" {
		pid = filepath.Base(cwd)
	}
	cfg := DefaultConfig(pid)
	if f.embeddingProvider != "" {
		cfg.Embedding.Provider = strings.ToLower(f.embeddingProvider)
	}
	if f.embeddingModel != "" {
		cfg.Embedding.Model = f.embeddingModel
	}
	if cfg.Embedding.Provider == "openai" {
		// Written as a reference so the key never lands in the file.
		cfg.Embedding.APIKey = "${OPENAI_API_KEY}"
	}
	if f.vectorStore != "" {
		cfg.VectorStore.Provider = strings.ToLower(f.vectorStore)
	}
	if f.qdrantHost != "" {
		cfg.VectorStore.Host = f.qdrantHost
	}
	if f.collection != "" {
		cfg.VectorStore.Collection = f.collection
	}
	if f.granularity != "" {
		cfg.Indexing.Granularity = strings.ToLower(f.granularity)
	}
	return cfg
}

func runInteractiveConfig(reader *bufio.Reader, out io.Writer, cfg *Config) {
	fmt.Fprintln(out, "cindex Project Configuration")
	fmt.Fprintln(out, "============================")
	fmt.Fprintln(out)

	cfg.ProjectID = prompt(reader, out, "Project ID", cfg.ProjectID)

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Embedding providers: openai, ollama, mock")
	provider := strings.ToLower(prompt(reader, out, "Embedding provider", cfg.Embedding.Provider))
	if provider != cfg.Embedding.Provider && cfg.Embedding.APIKey == "${OPENAI_API_KEY}" {
		cfg.Embedding.APIKey = ""
	}
	cfg.Embedding.Provider = provider
	switch provider {
	case "ollama":
		cfg.Embedding.BaseURL = prompt(reader, out, "Ollama URL", firstNonEmpty(cfg.Embedding.BaseURL, "http://localhost:11434"))
		cfg.Embedding.Model = prompt(reader, out, "Embedding model", firstNonEmpty(cfg.Embedding.Model, "nomic-embed-text"))
	case "openai":
		cfg.Embedding.Model = prompt(reader, out, "Embedding model", firstNonEmpty(cfg.Embedding.Model, "text-embedding-3-small"))
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Vector stores: qdrant, memory")
	cfg.VectorStore.Provider = strings.ToLower(prompt(reader, out, "Vector store", cfg.VectorStore.Provider))
	if cfg.VectorStore.Provider == "qdrant" {
		cfg.VectorStore.Host = prompt(reader, out, "Qdrant host", cfg.VectorStore.Host)
		portStr := prompt(reader, out, "Qdrant gRPC port", strconv.Itoa(cfg.VectorStore.Port))
		if port, err := strconv.Atoi(portStr); err == nil && port > 0 {
			cfg.VectorStore.Port = port
		}
	}
	cfg.VectorStore.Collection = prompt(reader, out, "Collection", cfg.VectorStore.Collection)

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Granularity: fine (one chunk per entity), medium or coarse (merge neighbours)")
	cfg.Indexing.Granularity = strings.ToLower(prompt(reader, out, "Granularity", cfg.Indexing.Granularity))
	sizeStr := prompt(reader, out, "Max snippet size (bytes)", strconv.Itoa(cfg.Indexing.MaxSnippetSize))
	if size, err := strconv.Atoi(sizeStr); err == nil && size > 0 {
		cfg.Indexing.MaxSnippetSize = size
	}
	fmt.Fprintln(out)
}

func saveInitConfig(cwd, configPath string, cfg *Config) error {
	if err := os.MkdirAll(ConfigDir(cwd), 0750); err != nil {
		return errors.NewPermissionError(
			"Cannot create .cindex directory",
			err.Error(),
			"Check the permissions of the working directory",
			err,
		)
	}
	if err := SaveConfig(cfg, configPath); err != nil {
		return errors.NewPermissionError(
			"Cannot save configuration",
			err.Error(),
			"Check the permissions of the .cindex directory",
			err,
		)
	}
	return nil
}

func printNextSteps(cfg *Config) {
	fmt.Fprintln(ui.Out)
	ui.SubHeader("Next steps:")
	fmt.Fprintln(ui.Out, "  1. Review and edit .cindex/project.yaml if needed")
	step := 2
	switch cfg.Embedding.Provider {
	case "openai":
		fmt.Fprintf(ui.Out, "  %d. Export OPENAI_API_KEY\n", step)
		step++
	case "ollama":
		fmt.Fprintf(ui.Out, "  %d. Run 'ollama pull %s'\n", step, firstNonEmpty(cfg.Embedding.Model, "nomic-embed-text"))
		step++
	}
	if cfg.VectorStore.Provider == "qdrant" {
		fmt.Fprintf(ui.Out, "  %d. Start Qdrant: docker run -p 6333:6333 -p 6334:6334 qdrant/qdrant\n", step)
		step++
	}
	fmt.Fprintf(ui.Out, "  %d. Run 'cindex index' to index your repository\n", step)
}

// prompt writes label to out and reads a line from reader. An empty answer
// returns defaultValue, shown in brackets.
func prompt(reader *bufio.Reader, out io.Writer, label, defaultValue string) string {
	if defaultValue != "" {
		fmt.Fprintf(out, "%s [%s]: ", label, defaultValue)
	} else {
		fmt.Fprintf(out, "%s: ", label)
	}

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultValue
	}
	return input
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// addToGitignore adds .cindex/ to the .gitignore of dir if it exists and
// does not list it yet. It reports whether the file was changed.
func addToGitignore(dir string) bool {
	gitignorePath := filepath.Join(dir, ".gitignore")

	content, err := os.ReadFile(gitignorePath) //nolint:gosec // G304: gitignorePath built from repo dir
	if err != nil {
		return false
	}

	for _, line := range strings.Split(string(content), "\n") {
		switch strings.TrimSpace(line) {
		case ".cindex/", ".cindex", "/.cindex/", "/.cindex":
			return false
		}
	}

	f, err := os.OpenFile(gitignorePath, os.O_APPEND|os.O_WRONLY, 0600) //nolint:gosec // G304: gitignorePath built from repo dir
	if err != nil {
		return false
	}
	defer func() { _ = f.Close() }()

	if len(content) > 0 && content[len(content)-1] != '\n' {
		_, _ = f.WriteString("\n")
	}
	_, err = f.WriteString("\n# cindex configuration and chunk files\n.cindex/\n")
	return err == nil
}
