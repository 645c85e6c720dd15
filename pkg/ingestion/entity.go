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
	"strings"
)

// EntityKind is the coarse classification of a CodeEntity.
type EntityKind string

const (
	KindFunction EntityKind = "function"
	KindType     EntityKind = "type"
	KindImport   EntityKind = "import"
	KindConstant EntityKind = "constant"
	KindVariable EntityKind = "variable"
	KindOther    EntityKind = "other"
)

// ParseEntityKind converts a serialized kind back into an EntityKind.
func ParseEntityKind(s string) (EntityKind, error) {
	switch k := EntityKind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindFunction, KindType, KindImport, KindConstant, KindVariable, KindOther:
		return k, nil
	default:
		return "", fmt.Errorf("unknown entity kind %q", s)
	}
}

// ByteRange is a half-open [Start, End) range of byte offsets into a file.
type ByteRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len returns the number of bytes covered by the range.
func (r ByteRange) Len() int { return r.End - r.Start }

// LineRange is an inclusive, 1-based range of source lines.
type LineRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// CodeEntity is one semantically meaningful unit extracted from a source file.
//
// Entities are produced by the Extractor and never modified afterwards; the
// Reconciler derives new Chunk values from them.
type CodeEntity struct {
	Kind EntityKind `json:"kind"`

	// CodeType is a finer, language-flavoured label such as "Method",
	// "Function Component", "Struct" or "Trait".
	CodeType string `json:"code_type,omitempty"`

	Name      string `json:"name"`
	Signature string `json:"signature,omitempty"`
	Docstring string `json:"docstring,omitempty"`

	Language Language `json:"language"`
	FilePath string   `json:"file_path"`
	FileName string   `json:"file_name,omitempty"`
	Module   string   `json:"module,omitempty"`

	ByteRange ByteRange `json:"byte_range"`
	LineRange LineRange `json:"line_range"`

	// Line is the line where the declaration itself starts, after any
	// leading comments and whitespace that the range absorbed.
	Line int `json:"line,omitempty"`

	Snippet string `json:"snippet"`

	// ParentPath lists enclosing scope names, outermost first.
	ParentPath []string `json:"parent_path,omitempty"`

	Embedding []float32 `json:"embedding,omitempty"`
}

// QualifiedName joins the parent path and the entity name with "::".
func (e CodeEntity) QualifiedName() string {
	if len(e.ParentPath) == 0 {
		return e.Name
	}
	if e.Name == "" {
		return strings.Join(e.ParentPath, "::")
	}
	return strings.Join(e.ParentPath, "::") + "::" + e.Name
}

// HasEmbedding reports whether a vector has already been attached.
func (e CodeEntity) HasEmbedding() bool { return len(e.Embedding) > 0 }

// Part identifies a fragment produced by splitting an oversized entity.
type Part struct {
	Index int `json:"index"`
	Count int `json:"count"`
}

// Chunk is the unit that is embedded and stored. It is derived from one
// entity (possibly split into several fragments) or from several adjacent
// entities merged together.
type Chunk struct {
	CodeEntity

	SourceEntityCount int   `json:"source_entity_count"`
	Part              *Part `json:"part,omitempty"`
}

// newChunk wraps a single entity as an unmerged, unsplit chunk.
func newChunk(e CodeEntity) Chunk {
	return Chunk{CodeEntity: e, SourceEntityCount: 1}
}

// IsFragment reports whether the chunk is one part of a split entity.
func (c Chunk) IsFragment() bool { return c.Part != nil }

// clone returns a copy whose slices do not alias the receiver's.
func (c Chunk) clone() Chunk {
	out := c
	if c.ParentPath != nil {
		out.ParentPath = append([]string(nil), c.ParentPath...)
	}
	if c.Embedding != nil {
		out.Embedding = append([]float32(nil), c.Embedding...)
	}
	if c.Part != nil {
		p := *c.Part
		out.Part = &p
	}
	return out
}
