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
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kraklabs/cindex/internal/errors"
	"github.com/kraklabs/cindex/pkg/ingestion"
	"github.com/kraklabs/cindex/pkg/storage"
)

const (
	configDirName  = ".cindex"
	configFileName = "project.yaml"
	configVersion  = "1"
)

// Config is the content of .cindex/project.yaml.
type Config struct {
	Version     string                `yaml:"version"`
	ProjectID   string                `yaml:"project_id"`
	Indexing    IndexingConfig        `yaml:"indexing"`
	Embedding   EmbeddingConfig       `yaml:"embedding"`
	VectorStore VectorStoreConfig     `yaml:"vector_store"`
	Retry       ingestion.RetryPolicy `yaml:"retry,omitempty"`

	// root is the directory holding .cindex, set by LoadConfig.
	root string
}

// IndexingConfig controls file discovery, extraction and chunk sizing.
type IndexingConfig struct {
	MaxSnippetSize     int      `yaml:"max_snippet_size"`
	Granularity        string   `yaml:"granularity"`
	Exclude            []string `yaml:"exclude,omitempty"`
	ExcludeDirs        []string `yaml:"exclude_dirs,omitempty"`
	MaxFileSize        int64    `yaml:"max_file_size"`
	MaxParseErrorRatio float64  `yaml:"max_parse_error_ratio,omitempty"`
	ParseWorkers       int      `yaml:"parse_workers,omitempty"`
	IntermediatePath   string   `yaml:"intermediate_path,omitempty"`
}

// EmbeddingConfig selects the embedding provider and how it is called.
type EmbeddingConfig struct {
	Provider          string        `yaml:"provider"`
	Model             string        `yaml:"model,omitempty"`
	BaseURL           string        `yaml:"base_url,omitempty"`
	APIKey            string        `yaml:"api_key,omitempty"`
	Dimension         int           `yaml:"dimension,omitempty"`
	BatchSize         int           `yaml:"batch_size,omitempty"`
	BatchMaxBytes     int           `yaml:"batch_max_bytes,omitempty"`
	Workers           int           `yaml:"workers,omitempty"`
	RequestsPerSecond float64       `yaml:"requests_per_second,omitempty"`
	Timeout           time.Duration `yaml:"timeout,omitempty"`
}

// VectorStoreConfig selects the vector store and collection.
type VectorStoreConfig struct {
	Provider   string `yaml:"provider"` // qdrant or memory
	Host       string `yaml:"host,omitempty"`
	Port       int    `yaml:"port,omitempty"`
	APIKey     string `yaml:"api_key,omitempty"`
	UseTLS     bool   `yaml:"use_tls,omitempty"`
	Collection string `yaml:"collection"`
	Distance   string `yaml:"distance,omitempty"`
	BatchSize  int    `yaml:"batch_size,omitempty"`
	Workers    int    `yaml:"workers,omitempty"`
}

// DefaultConfig returns the configuration written by 'cindex init'.
func DefaultConfig(projectID string) *Config {
	d := ingestion.DefaultConfig()
	return &Config{
		Version:   configVersion,
		ProjectID: projectID,
		Indexing: IndexingConfig{
			MaxSnippetSize: d.MaxSnippetSize,
			Granularity:    string(d.Granularity),
			MaxFileSize:    d.MaxFileSizeBytes,
		},
		Embedding: EmbeddingConfig{
			Provider:  "openai",
			BatchSize: d.Embedding.BatchSize,
			Workers:   d.Embedding.Workers,
		},
		VectorStore: VectorStoreConfig{
			Provider:   "qdrant",
			Host:       "localhost",
			Port:       6334,
			Collection: ingestion.DefaultCollection,
			Distance:   string(storage.DistanceCosine),
		},
	}
}

// ConfigDir returns the .cindex directory of a repository root.
func ConfigDir(root string) string {
	return filepath.Join(root, configDirName)
}

// ConfigPath returns the project.yaml path of a repository root.
func ConfigPath(root string) string {
	return filepath.Join(ConfigDir(root), configFileName)
}

// Root returns the repository root the configuration belongs to.
func (c *Config) Root() string { return c.root }

// findConfig walks up from dir looking for .cindex/project.yaml.
func findConfig(dir string) (string, bool) {
	for {
		path := ConfigPath(dir)
		if _, err := os.Stat(path); err == nil {
			return path, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}

// LoadConfig reads the configuration at path, or the nearest
// .cindex/project.yaml above the working directory when path is empty.
// ${VAR} references are expanded and environment overrides applied.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, errors.NewInternalError("Cannot determine the working directory", err.Error(), "", err)
		}
		found, ok := findConfig(cwd)
		if !ok {
			return nil, errors.NewConfigError(
				"Cannot load cindex configuration",
				fmt.Sprintf("No %s found in %s or its parents", filepath.Join(configDirName, configFileName), cwd),
				"Run 'cindex init' in the repository root, or pass --config",
				os.ErrNotExist,
			)
		}
		path = found
	}

	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from the user
	if err != nil {
		return nil, errors.NewConfigError(
			"Cannot read cindex configuration",
			err.Error(),
			"Check the --config path, or run 'cindex init'",
			err,
		)
	}

	cfg, err := parseConfig(data)
	if err != nil {
		return nil, errors.NewConfigError(
			"Invalid cindex configuration",
			fmt.Sprintf("%s: %v", path, err),
			"Fix the YAML syntax, or regenerate it with 'cindex init --force'",
			err,
		)
	}

	abs, err := filepath.Abs(path)
	if err == nil {
		path = abs
	}
	// <root>/.cindex/project.yaml
	cfg.root = filepath.Dir(filepath.Dir(path))
	if cfg.ProjectID == "" {
		cfg.ProjectID = filepath.Base(cfg.root)
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// loadConfigOrDefault loads the configuration like LoadConfig, except that
// when no path was given and none is found, defaults for root are used.
func loadConfigOrDefault(path, root string) (*Config, error) {
	if path == "" {
		found, ok := findConfig(root)
		if !ok {
			cfg := DefaultConfig(filepath.Base(root))
			cfg.root = root
			applyEnvOverrides(cfg)
			return cfg, nil
		}
		path = found
	}
	return LoadConfig(path)
}

func parseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig("")
	if err := yaml.Unmarshal([]byte(expandEnv(string(data))), cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${VAR} with the value of VAR. Bare $VAR is left alone
// so that values containing dollar signs survive.
func expandEnv(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(m string) string {
		return os.Getenv(envRef.FindStringSubmatch(m)[1])
	})
}

// applyEnvOverrides lets the environment override file values.
func applyEnvOverrides(cfg *Config) {
	switch strings.ToLower(cfg.Embedding.Provider) {
	case "openai", "":
		if v := os.Getenv("OPENAI_API_KEY"); v != "" {
			cfg.Embedding.APIKey = v
		}
		if v := os.Getenv("OPENAI_API_BASE"); v != "" {
			cfg.Embedding.BaseURL = v
		}
	case "ollama":
		if v := os.Getenv("OLLAMA_HOST"); v != "" {
			cfg.Embedding.BaseURL = v
		}
	}

	if v := os.Getenv("QDRANT_HOST"); v != "" {
		cfg.VectorStore.Host = v
	}
	if v := os.Getenv("QDRANT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.VectorStore.Port = port
		}
	}
	if v := os.Getenv("QDRANT_API_KEY"); v != "" {
		cfg.VectorStore.APIKey = v
	}
}

// SaveConfig writes cfg to path as YAML.
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	header := "# cindex project configuration\n# ${VAR} references are expanded from the environment.\n\n"
	if err := os.WriteFile(path, append([]byte(header), data...), 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// toIngestionConfig maps the file configuration onto the pipeline's.
// Exclusions extend the defaults rather than replace them.
func (c *Config) toIngestionConfig(root string) ingestion.Config {
	ic := ingestion.DefaultConfig()

	ix := c.Indexing
	ic.ExcludeGlobs = append(ic.ExcludeGlobs, ix.Exclude...)
	ic.ExcludeDirs = append(ic.ExcludeDirs, ix.ExcludeDirs...)
	ic.MaxSnippetSize = ix.MaxSnippetSize
	if ix.Granularity != "" {
		ic.Granularity = ingestion.Granularity(strings.ToLower(ix.Granularity))
	}
	if ix.MaxFileSize != 0 {
		ic.MaxFileSizeBytes = ix.MaxFileSize
	}
	if ix.MaxParseErrorRatio != 0 {
		ic.MaxParseErrorRatio = ix.MaxParseErrorRatio
	}
	if ix.ParseWorkers > 0 {
		ic.Concurrency.ParseWorkers = ix.ParseWorkers
	}
	if ix.IntermediatePath != "" {
		ic.IntermediatePath = ix.IntermediatePath
		if !filepath.IsAbs(ic.IntermediatePath) {
			ic.IntermediatePath = filepath.Join(root, ic.IntermediatePath)
		}
	}

	e := c.Embedding
	ic.Provider = ingestion.ProviderConfig{
		Provider:  e.Provider,
		Model:     e.Model,
		BaseURL:   e.BaseURL,
		APIKey:    e.APIKey,
		Dimension: e.Dimension,
		Timeout:   e.Timeout,
	}
	ic.Embedding.Model = e.Model
	if e.BatchSize > 0 {
		ic.Embedding.BatchSize = e.BatchSize
	}
	if e.Workers > 0 {
		ic.Embedding.Workers = e.Workers
	}
	ic.Embedding.BatchMaxBytes = e.BatchMaxBytes
	ic.Embedding.RequestsPerSecond = e.RequestsPerSecond

	vs := c.VectorStore
	if vs.Collection != "" {
		ic.Collection = vs.Collection
	}
	if vs.Distance != "" {
		// An unknown metric is passed through for Validate to report.
		d, err := storage.ParseDistance(vs.Distance)
		if err != nil {
			d = storage.Distance(vs.Distance)
		}
		ic.Upsert.Distance = d
	}
	if vs.BatchSize > 0 {
		ic.Upsert.BatchSize = vs.BatchSize
	}
	if vs.Workers > 0 {
		ic.Upsert.Workers = vs.Workers
	}

	if c.Retry != (ingestion.RetryPolicy{}) {
		ic.Retry = c.Retry
	}

	return ingestion.Config{
		ProjectID:       c.ProjectID,
		RepoSource:      ingestion.RepoSource{Type: "local_path", Value: root},
		IngestionConfig: ic,
	}
}

// openStore connects to the configured vector store.
func (c *Config) openStore(logger *slog.Logger) (storage.VectorStore, error) {
	vs := c.VectorStore
	switch strings.ToLower(vs.Provider) {
	case "qdrant", "":
		store, err := storage.NewQdrantStore(storage.QdrantConfig{
			Host:   vs.Host,
			Port:   vs.Port,
			APIKey: vs.APIKey,
			UseTLS: vs.UseTLS,
		}, logger)
		if err != nil {
			return nil, errors.NewStoreError(
				"Cannot connect to Qdrant",
				fmt.Sprintf("%s:%d: %v", vs.Host, vs.Port, err),
				"Start Qdrant or set vector_store.host / QDRANT_HOST",
				err,
			)
		}
		return store, nil
	case "memory":
		logger.Warn("store.memory.ephemeral", "collection", vs.Collection)
		return storage.NewMemoryStore(), nil
	default:
		return nil, &ingestion.ConfigurationError{
			Field:  "vector_store.provider",
			Reason: fmt.Sprintf("unknown provider %q (supported: qdrant, memory)", vs.Provider),
		}
	}
}
