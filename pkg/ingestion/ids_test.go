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
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneratePointID_Deterministic(t *testing.T) {
	r := ByteRange{Start: 10, End: 42}
	id1 := GeneratePointID("src/lib.rs", r, LangRust)
	id2 := GeneratePointID("src/lib.rs", r, LangRust)
	assert.Equal(t, id1, id2)

	parsed, err := uuid.Parse(id1)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(5), parsed.Version())
}

func TestGeneratePointID_NormalizesPath(t *testing.T) {
	r := ByteRange{Start: 0, End: 5}
	assert.Equal(t,
		GeneratePointID("src/lib.rs", r, LangRust),
		GeneratePointID("./src//lib.rs", r, LangRust))
	assert.Equal(t,
		GeneratePointID("src/lib.rs", r, LangRust),
		GeneratePointID("/src/lib.rs", r, LangRust))
}

func TestGeneratePointID_Distinguishes(t *testing.T) {
	base := GeneratePointID("a.ts", ByteRange{Start: 0, End: 10}, LangTypeScript)

	tests := []struct {
		name string
		path string
		r    ByteRange
		lang Language
	}{
		{"other path", "b.ts", ByteRange{Start: 0, End: 10}, LangTypeScript},
		{"other start", "a.ts", ByteRange{Start: 1, End: 10}, LangTypeScript},
		{"other end", "a.ts", ByteRange{Start: 0, End: 11}, LangTypeScript},
		{"other language", "a.ts", ByteRange{Start: 0, End: 10}, LangTSX},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotEqual(t, base, GeneratePointID(tt.path, tt.r, tt.lang))
		})
	}
}

func TestChunkPointID_IgnoresContent(t *testing.T) {
	a := newChunk(CodeEntity{FilePath: "x.py", Language: LangPython, ByteRange: ByteRange{Start: 3, End: 9}, Snippet: "old"})
	b := a
	b.Snippet = "new"
	b.Name = "renamed"
	assert.Equal(t, a.PointID(), b.PointID())
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"./a/b.go", "a/b.go"},
		{"a//b.go", "a/b.go"},
		{"/abs/c.go", "abs/c.go"},
		{"a/../b.go", "b.go"},
		{"plain.go", "plain.go"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, normalizePath(tt.in))
		})
	}
}
