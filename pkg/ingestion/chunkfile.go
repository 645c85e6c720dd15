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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ChunkFileVersion is the format version written by WriteChunkFile.
const ChunkFileVersion = 1

// ChunkFile is the intermediate form exchanged between the standalone
// stages: parse-directory writes it, generate-embeddings fills in vectors
// and upsert-embeddings reads it.
type ChunkFile struct {
	Version     int       `json:"version"`
	Root        string    `json:"root,omitempty"`
	GeneratedAt time.Time `json:"generated_at"`
	Model       string    `json:"model,omitempty"`
	Chunks      []Chunk   `json:"chunks"`
}

// Embedded returns the number of chunks that carry a vector.
func (f *ChunkFile) Embedded() int {
	n := 0
	for _, c := range f.Chunks {
		if c.HasEmbedding() {
			n++
		}
	}
	return n
}

// WriteChunkFile writes f to path atomically (temp file + rename).
func WriteChunkFile(path string, f *ChunkFile) error {
	if f.Version == 0 {
		f.Version = ChunkFileVersion
	}
	if f.GeneratedAt.IsZero() {
		f.GeneratedAt = time.Now().UTC()
	}
	if f.Chunks == nil {
		f.Chunks = []Chunk{}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create chunk file dir: %w", err)
	}

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal chunk file: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create chunk file temp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write chunk file temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close chunk file temp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath) // Cleanup on error (ignore error as rename already failed)
		return fmt.Errorf("rename chunk file: %w", err)
	}
	return nil
}

// ReadChunkFile loads and validates a chunk file.
func ReadChunkFile(path string) (*ChunkFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read chunk file: %w", err)
	}

	var f ChunkFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse chunk file %s: %w", path, err)
	}
	if f.Version != ChunkFileVersion {
		return nil, fmt.Errorf("chunk file %s: unsupported version %d (want %d)", path, f.Version, ChunkFileVersion)
	}

	for i := range f.Chunks {
		c := &f.Chunks[i]
		if _, err := ParseEntityKind(string(c.Kind)); err != nil {
			return nil, fmt.Errorf("chunk file %s: chunk %d: %w", path, i, err)
		}
		if c.FilePath == "" {
			return nil, fmt.Errorf("chunk file %s: chunk %d: missing file_path", path, i)
		}
		if c.ByteRange.End < c.ByteRange.Start {
			return nil, fmt.Errorf("chunk file %s: chunk %d: invalid byte range [%d, %d)", path, i, c.ByteRange.Start, c.ByteRange.End)
		}
		if c.SourceEntityCount == 0 {
			c.SourceEntityCount = 1
		}
	}
	return &f, nil
}
