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
	"path/filepath"

	"github.com/google/uuid"
)

// pointNamespace scopes point IDs so they cannot collide with UUIDv5 values
// derived from the same strings elsewhere.
var pointNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://kraklabs.com/cindex/point"))

// GeneratePointID returns the deterministic point ID of a chunk location.
// Strategy: UUIDv5(normalized path|start|end|language). The snippet is not
// part of the key, so re-indexing a changed file overwrites its points.
func GeneratePointID(filePath string, r ByteRange, lang Language) string {
	key := fmt.Sprintf("%s|%d|%d|%s", normalizePath(filePath), r.Start, r.End, lang)
	return uuid.NewSHA1(pointNamespace, []byte(key)).String()
}

// PointID returns the ID the chunk is stored under.
func (c Chunk) PointID() string {
	return GeneratePointID(c.FilePath, c.ByteRange, c.Language)
}

// normalizePath normalizes a file path for consistent ID generation.
// Ensures cross-platform consistency by:
//   - Removing leading ./
//   - Normalizing path separators to forward slashes
//   - Cleaning the path (removing redundant separators, etc.)
//   - Dropping a leading slash
func normalizePath(path string) string {
	if len(path) >= 2 && path[0:2] == "./" {
		path = path[2:]
	}
	path = filepath.Clean(path)
	path = filepath.ToSlash(path)
	if len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}
	return path
}
