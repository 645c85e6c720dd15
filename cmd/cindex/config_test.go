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
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	clierrors "github.com/kraklabs/cindex/internal/errors"
	"github.com/kraklabs/cindex/pkg/ingestion"
	"github.com/kraklabs/cindex/pkg/storage"
)

// clearEnv blanks every variable applyEnvOverrides reads.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"OPENAI_API_KEY", "OPENAI_API_BASE", "OLLAMA_HOST", "QDRANT_HOST", "QDRANT_PORT", "QDRANT_API_KEY"} {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T, root, content string) string {
	t.Helper()
	if err := os.MkdirAll(ConfigDir(root), 0750); err != nil {
		t.Fatal(err)
	}
	path := ConfigPath(root)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("CINDEX_TEST_KEY", "sk-123")
	t.Setenv("CINDEX_TEST_EMPTY", "")

	tests := []struct {
		in, want string
	}{
		{"api_key: ${CINDEX_TEST_KEY}", "api_key: sk-123"},
		{"a: ${CINDEX_TEST_EMPTY}", "a: "},
		{"price: $5 and $CINDEX_TEST_KEY", "price: $5 and $CINDEX_TEST_KEY"},
		{"${CINDEX_TEST_KEY}/${CINDEX_TEST_KEY}", "sk-123/sk-123"},
		{"${not valid}", "${not valid}"},
	}
	for _, tt := range tests {
		if got := expandEnv(tt.in); got != tt.want {
			t.Errorf("expandEnv(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLoadConfig(t *testing.T) {
	clearEnv(t)
	root := t.TempDir()
	path := writeConfig(t, root, `version: "1"
indexing:
  granularity: medium
  max_snippet_size: 3000
  exclude: ["*.gen.go"]
embedding:
  provider: ollama
  model: nomic-embed-text
  timeout: 45s
vector_store:
  provider: qdrant
  host: qdrant.internal
  collection: svc_chunks
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Root() != root {
		t.Errorf("Root() = %q, want %q", cfg.Root(), root)
	}
	if cfg.ProjectID != filepath.Base(root) {
		t.Errorf("ProjectID = %q, want the directory name %q", cfg.ProjectID, filepath.Base(root))
	}
	if cfg.Indexing.Granularity != "medium" || cfg.Indexing.MaxSnippetSize != 3000 {
		t.Errorf("Indexing = %+v", cfg.Indexing)
	}
	if cfg.Embedding.Provider != "ollama" || cfg.Embedding.Model != "nomic-embed-text" {
		t.Errorf("Embedding = %+v", cfg.Embedding)
	}
	if cfg.Embedding.Timeout != 45*time.Second {
		t.Errorf("Embedding.Timeout = %v, want 45s", cfg.Embedding.Timeout)
	}
	if cfg.VectorStore.Host != "qdrant.internal" || cfg.VectorStore.Collection != "svc_chunks" {
		t.Errorf("VectorStore = %+v", cfg.VectorStore)
	}
	// Unset keys keep their defaults.
	if cfg.VectorStore.Port != 6334 {
		t.Errorf("VectorStore.Port = %d, want default 6334", cfg.VectorStore.Port)
	}
	if cfg.Indexing.MaxFileSize != ingestion.DefaultConfig().MaxFileSizeBytes {
		t.Errorf("Indexing.MaxFileSize = %d, want the default", cfg.Indexing.MaxFileSize)
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("OLLAMA_HOST", "http://gpu-box:11434")
	t.Setenv("QDRANT_HOST", "qdrant.prod")
	t.Setenv("QDRANT_PORT", "7334")
	t.Setenv("QDRANT_API_KEY", "qk")
	t.Setenv("OPENAI_API_KEY", "ignored-for-ollama")

	root := t.TempDir()
	path := writeConfig(t, root, `embedding:
  provider: ollama
  base_url: http://localhost:11434
vector_store:
  host: localhost
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Embedding.BaseURL != "http://gpu-box:11434" {
		t.Errorf("Embedding.BaseURL = %q, want OLLAMA_HOST", cfg.Embedding.BaseURL)
	}
	if cfg.Embedding.APIKey != "" {
		t.Errorf("Embedding.APIKey = %q, OPENAI_API_KEY must not apply to ollama", cfg.Embedding.APIKey)
	}
	if cfg.VectorStore.Host != "qdrant.prod" || cfg.VectorStore.Port != 7334 || cfg.VectorStore.APIKey != "qk" {
		t.Errorf("VectorStore = %+v", cfg.VectorStore)
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	clearEnv(t)

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(t.TempDir(), ".cindex", "project.yaml"))
		if err == nil {
			t.Fatal("LoadConfig() should fail for a missing file")
		}
		if code := toUserError(err).ExitCode; code != clierrors.ExitConfig {
			t.Errorf("exit code = %d, want %d", code, clierrors.ExitConfig)
		}
	})

	t.Run("invalid yaml", func(t *testing.T) {
		path := writeConfig(t, t.TempDir(), "indexing: [unclosed\n")
		_, err := LoadConfig(path)
		if err == nil {
			t.Fatal("LoadConfig() should fail for invalid YAML")
		}
		if !strings.Contains(err.Error(), "Invalid cindex configuration") {
			t.Errorf("error = %q", err.Error())
		}
	})
}

func TestLoadConfigOrDefault(t *testing.T) {
	clearEnv(t)

	t.Run("defaults when nothing is found", func(t *testing.T) {
		root := t.TempDir()
		cfg, err := loadConfigOrDefault("", root)
		if err != nil {
			t.Fatalf("loadConfigOrDefault() error = %v", err)
		}
		if cfg.Root() != root || cfg.ProjectID != filepath.Base(root) {
			t.Errorf("got root %q project %q", cfg.Root(), cfg.ProjectID)
		}
		if cfg.VectorStore.Collection != ingestion.DefaultCollection {
			t.Errorf("Collection = %q", cfg.VectorStore.Collection)
		}
	})

	t.Run("finds configuration above the directory", func(t *testing.T) {
		root := t.TempDir()
		writeConfig(t, root, "project_id: parent\n")
		sub := filepath.Join(root, "pkg", "api")
		if err := os.MkdirAll(sub, 0750); err != nil {
			t.Fatal(err)
		}
		cfg, err := loadConfigOrDefault("", sub)
		if err != nil {
			t.Fatalf("loadConfigOrDefault() error = %v", err)
		}
		if cfg.ProjectID != "parent" || cfg.Root() != root {
			t.Errorf("got project %q root %q, want parent %q", cfg.ProjectID, cfg.Root(), root)
		}
	})
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	clearEnv(t)
	t.Setenv("CINDEX_TEST_KEY", "sk-roundtrip")

	root := t.TempDir()
	if err := os.MkdirAll(ConfigDir(root), 0750); err != nil {
		t.Fatal(err)
	}
	cfg := DefaultConfig("roundtrip")
	cfg.Embedding.APIKey = "${CINDEX_TEST_KEY}"
	cfg.Indexing.Exclude = []string{"*.gen.go"}
	cfg.Retry = ingestion.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Second, MaxDelay: 4 * time.Second}

	path := ConfigPath(root)
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig() error = %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("config mode = %o, want 600", perm)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if loaded.ProjectID != "roundtrip" {
		t.Errorf("ProjectID = %q", loaded.ProjectID)
	}
	if loaded.Embedding.APIKey != "sk-roundtrip" {
		t.Errorf("APIKey = %q, want the expanded reference", loaded.Embedding.APIKey)
	}
	if !slices.Equal(loaded.Indexing.Exclude, []string{"*.gen.go"}) {
		t.Errorf("Exclude = %v", loaded.Indexing.Exclude)
	}
	if loaded.Retry != cfg.Retry {
		t.Errorf("Retry = %+v, want %+v", loaded.Retry, cfg.Retry)
	}
}

func TestToIngestionConfig(t *testing.T) {
	root := t.TempDir()
	cfg := DefaultConfig("svc")
	cfg.Indexing.Exclude = []string{"*.gen.go"}
	cfg.Indexing.ExcludeDirs = []string{"fixtures"}
	cfg.Indexing.IntermediatePath = ".cindex/chunks.json"
	cfg.Indexing.Granularity = "COARSE"
	cfg.Embedding.Model = "text-embedding-3-large"
	cfg.VectorStore.Collection = "svc_chunks"
	cfg.VectorStore.Distance = "Euclidean"

	pc := cfg.toIngestionConfig(root)
	ic := pc.IngestionConfig

	if err := pc.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if pc.ProjectID != "svc" || pc.RepoSource.Value != root {
		t.Errorf("ProjectID = %q, RepoSource = %+v", pc.ProjectID, pc.RepoSource)
	}
	if !slices.Contains(ic.ExcludeGlobs, "*.gen.go") || !slices.Contains(ic.ExcludeGlobs, "*.min.js") {
		t.Errorf("ExcludeGlobs = %v, want defaults plus *.gen.go", ic.ExcludeGlobs)
	}
	if !slices.Contains(ic.ExcludeDirs, "fixtures") || !slices.Contains(ic.ExcludeDirs, "node_modules") {
		t.Errorf("ExcludeDirs = %v, want defaults plus fixtures", ic.ExcludeDirs)
	}
	if want := filepath.Join(root, ".cindex", "chunks.json"); ic.IntermediatePath != want {
		t.Errorf("IntermediatePath = %q, want %q", ic.IntermediatePath, want)
	}
	if ic.Granularity != ingestion.GranularityCoarse {
		t.Errorf("Granularity = %q", ic.Granularity)
	}
	if ic.Provider.Model != "text-embedding-3-large" || ic.Embedding.Model != "text-embedding-3-large" {
		t.Errorf("model not propagated: provider %q embedding %q", ic.Provider.Model, ic.Embedding.Model)
	}
	if ic.Collection != "svc_chunks" {
		t.Errorf("Collection = %q", ic.Collection)
	}
	if ic.Upsert.Distance != storage.DistanceEuclidean {
		t.Errorf("Distance = %q, want %q", ic.Upsert.Distance, storage.DistanceEuclidean)
	}
	if ic.Retry != ingestion.DefaultRetryPolicy() {
		t.Errorf("Retry = %+v, want the default policy", ic.Retry)
	}
}

func TestToIngestionConfig_UnknownDistanceFailsValidation(t *testing.T) {
	cfg := DefaultConfig("svc")
	cfg.VectorStore.Distance = "manhattan"

	err := cfg.toIngestionConfig(t.TempDir()).Validate()

	var cfgErr *ingestion.ConfigurationError
	if !errors.As(err, &cfgErr) || cfgErr.Field != "vector_store.distance" {
		t.Errorf("Validate() error = %v, want vector_store.distance", err)
	}
}

func TestOpenStore(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("memory", func(t *testing.T) {
		cfg := DefaultConfig("p")
		cfg.VectorStore.Provider = "memory"
		store, err := cfg.openStore(logger)
		if err != nil {
			t.Fatalf("openStore() error = %v", err)
		}
		defer func() { _ = store.Close() }()
		if _, ok := store.(*storage.MemoryStore); !ok {
			t.Errorf("openStore() = %T, want *storage.MemoryStore", store)
		}
	})

	t.Run("unknown provider", func(t *testing.T) {
		cfg := DefaultConfig("p")
		cfg.VectorStore.Provider = "pinecone"
		_, err := cfg.openStore(logger)
		var cfgErr *ingestion.ConfigurationError
		if !errors.As(err, &cfgErr) || cfgErr.Field != "vector_store.provider" {
			t.Errorf("openStore() error = %v, want vector_store.provider", err)
		}
	})
}
