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
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// RepoLoader finds the source files of a local tree.
type RepoLoader struct {
	logger *slog.Logger
}

// NewRepoLoader creates a new repository loader.
func NewRepoLoader(logger *slog.Logger) *RepoLoader {
	if logger == nil {
		logger = slog.Default()
	}
	return &RepoLoader{logger: logger}
}

// LoadOptions filters the files returned by LoadRepository.
type LoadOptions struct {
	// Registry resolves languages; nil selects DefaultRegistry.
	Registry *Registry

	// Suffixes restricts files by extension. Empty selects every extension
	// the registry knows.
	Suffixes []string

	// ExcludeDirs are directory base names, or name patterns such as
	// "tmp-*", that are never descended into.
	ExcludeDirs []string

	// ExcludeGlobs are .gitignore-style patterns matched against
	// slash-separated relative paths.
	ExcludeGlobs []string

	// MaxFileSizeBytes skips larger files. Zero disables the limit.
	MaxFileSizeBytes int64
}

// LoadResult contains the loaded repository information.
type LoadResult struct {
	RootPath    string // Absolute path to repository root
	Files       []FileInfo
	FileCount   int
	TotalSize   int64
	Languages   map[Language]int // Language -> file count
	SkipReasons map[string]int   // Reason -> count (e.g., "excluded", "too_large", "unsupported_language")
}

// FileInfo represents a file in the repository.
type FileInfo struct {
	Path     string // Relative, slash-separated path from repo root
	FullPath string // Absolute path
	Size     int64
	Language Language
}

// LoadRepository walks source and returns the matching files sorted by path.
func (rl *RepoLoader) LoadRepository(source RepoSource, opts LoadOptions) (*LoadResult, error) {
	switch source.Type {
	case "", "local_path":
	default:
		return nil, &ConfigurationError{Field: "repo_source.type", Reason: fmt.Sprintf("unsupported source type %q", source.Type)}
	}

	rootPath, err := filepath.Abs(source.Value)
	if err != nil {
		return nil, fmt.Errorf("resolve local path: %w", err)
	}
	info, err := os.Stat(rootPath)
	if err != nil {
		return nil, fmt.Errorf("stat local path: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("local path is not a directory: %s", rootPath)
	}

	if opts.Registry == nil {
		opts.Registry = DefaultRegistry()
	}
	if len(opts.Suffixes) == 0 {
		opts.Suffixes = opts.Registry.Extensions()
	}

	filter, err := newPathFilter(opts.ExcludeDirs, opts.ExcludeGlobs)
	if err != nil {
		return nil, err
	}

	rl.logger.Info("repo.load.start", "root", rootPath)

	files, skipReasons, err := rl.walkRepository(rootPath, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("walk repository: %w", err)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	totalSize := int64(0)
	languages := make(map[Language]int)
	for _, f := range files {
		totalSize += f.Size
		languages[f.Language]++
	}

	result := &LoadResult{
		RootPath:    rootPath,
		Files:       files,
		FileCount:   len(files),
		TotalSize:   totalSize,
		Languages:   languages,
		SkipReasons: skipReasons,
	}

	rl.logger.Info("repo.load.complete",
		"files", result.FileCount,
		"total_size", totalSize,
		"languages", languages,
	)
	return result, nil
}

// walkRepository walks the repository directory and collects files.
func (rl *RepoLoader) walkRepository(rootPath string, filter *pathFilter, opts LoadOptions) ([]FileInfo, map[string]int, error) {
	var files []FileInfo
	skipReasons := make(map[string]int)

	suffixes := make([]string, len(opts.Suffixes))
	for i, s := range opts.Suffixes {
		suffixes[i] = strings.ToLower(s)
	}

	err := filepath.WalkDir(rootPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Log but continue on permission errors
			rl.logger.Warn("repo.walk.error", "path", path, "err", err)
			return nil
		}

		relPath, err := filepath.Rel(rootPath, path)
		if err != nil {
			return nil
		}
		relPath = filepath.ToSlash(relPath)

		if d.IsDir() {
			if path == rootPath {
				return nil
			}
			if filter.skipDir(relPath) {
				skipReasons["excluded_dir"]++
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			skipReasons["not_regular"]++
			return nil
		}

		if !hasSuffix(relPath, suffixes) {
			skipReasons["unsupported_language"]++
			return nil
		}
		if filter.skipFile(relPath) {
			skipReasons["excluded"]++
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		if opts.MaxFileSizeBytes > 0 && info.Size() > opts.MaxFileSizeBytes {
			skipReasons["too_large"]++
			rl.logger.Warn("repo.walk.skip_large_file",
				"path", relPath,
				"size", info.Size(),
				"limit", opts.MaxFileSizeBytes,
			)
			return nil
		}

		grammar, err := opts.Registry.ForPath(relPath)
		if err != nil {
			skipReasons["unsupported_language"]++
			return nil
		}

		files = append(files, FileInfo{
			Path:     relPath,
			FullPath: path,
			Size:     info.Size(),
			Language: grammar.Language,
		})
		return nil
	})

	return files, skipReasons, err
}

func hasSuffix(path string, suffixes []string) bool {
	lower := strings.ToLower(path)
	for _, s := range suffixes {
		if strings.HasSuffix(lower, s) {
			return true
		}
	}
	return false
}
