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
	"unicode/utf8"
)

// Granularity controls how aggressively adjacent chunks are merged.
type Granularity string

const (
	// GranularityFine merges only runs of imports, constants and variables.
	GranularityFine Granularity = "fine"
	// GranularityMedium merges any adjacent chunks up to half the size limit.
	GranularityMedium Granularity = "medium"
	// GranularityCoarse merges any adjacent chunks up to the size limit.
	GranularityCoarse Granularity = "coarse"
)

// ParseGranularity converts a configuration value. The empty string selects fine.
func ParseGranularity(s string) (Granularity, error) {
	switch g := Granularity(strings.ToLower(strings.TrimSpace(s))); g {
	case "":
		return GranularityFine, nil
	case GranularityFine, GranularityMedium, GranularityCoarse:
		return g, nil
	default:
		return "", &ConfigurationError{
			Field:  "granularity",
			Reason: fmt.Sprintf("unknown value %q (supported: fine, medium, coarse)", s),
		}
	}
}

// SizePolicy holds the two reconciliation knobs.
type SizePolicy struct {
	// MaxSnippetSize is the upper bound on a chunk's snippet in bytes.
	// Zero means no bound.
	MaxSnippetSize int
	Granularity    Granularity
}

// Validate rejects policies that cannot be applied.
func (p SizePolicy) Validate() error {
	if p.MaxSnippetSize < 0 {
		return &ConfigurationError{Field: "max_snippet_size", Reason: "must not be negative"}
	}
	switch p.Granularity {
	case "", GranularityFine:
	case GranularityMedium, GranularityCoarse:
		if p.MaxSnippetSize == 0 {
			return &ConfigurationError{
				Field:  "granularity",
				Reason: fmt.Sprintf("%s granularity requires max_snippet_size", p.Granularity),
			}
		}
	default:
		_, err := ParseGranularity(string(p.Granularity))
		return err
	}
	return nil
}

// mergeBound returns the largest merged snippet allowed, 0 meaning unbounded.
func (p SizePolicy) mergeBound() int {
	if p.Granularity == GranularityMedium {
		return p.MaxSnippetSize / 2
	}
	return p.MaxSnippetSize
}

// eligible reports whether c may join a merge buffer. Medium and coarse
// take any chunk, split fragments included; fine keeps fragments apart.
func (p SizePolicy) eligible(c Chunk) bool {
	switch p.Granularity {
	case GranularityMedium, GranularityCoarse:
		return true
	default:
		if c.IsFragment() {
			return false
		}
		switch c.Kind {
		case KindImport, KindConstant, KindVariable:
			return true
		}
		return false
	}
}

// Reconciler turns one file's entities into chunks that honor a SizePolicy.
// It holds no mutable state and is safe for concurrent use.
type Reconciler struct {
	policy SizePolicy
}

// NewReconciler validates policy and returns a reconciler.
func NewReconciler(policy SizePolicy) (*Reconciler, error) {
	if policy.Granularity == "" {
		policy.Granularity = GranularityFine
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &Reconciler{policy: policy}, nil
}

// Policy returns the policy the reconciler applies.
func (r *Reconciler) Policy() SizePolicy { return r.policy }

// Reconcile splits oversized entities, then merges adjacent chunks.
// The entities must come from one file, in source order.
func (r *Reconciler) Reconcile(entities []CodeEntity) []Chunk {
	split := make([]Chunk, 0, len(entities))
	for _, e := range entities {
		split = append(split, Split(e, r.policy.MaxSnippetSize)...)
	}
	return Merge(split, r.policy)
}

// =============================================================================
// SPLIT
// =============================================================================

// Split partitions an entity whose snippet exceeds maxSize into fragments.
// Whole lines are packed while they fit; a line longer than maxSize is cut
// at a byte boundary, backed off to the start of a UTF-8 sequence. The
// fragments' ranges partition the entity's range exactly.
func Split(e CodeEntity, maxSize int) []Chunk {
	if maxSize <= 0 || len(e.Snippet) <= maxSize {
		return []Chunk{newChunk(e)}
	}

	pieces := splitSnippet(e.Snippet, maxSize)
	chunks := make([]Chunk, 0, len(pieces))
	offset := 0
	line := e.LineRange.Start
	for i, piece := range pieces {
		c := newChunk(e)
		c.Embedding = nil
		c.ByteRange = ByteRange{Start: e.ByteRange.Start + offset, End: e.ByteRange.Start + offset + len(piece)}
		c.Snippet = piece
		c.LineRange = LineRange{Start: line, End: line + strings.Count(strings.TrimSuffix(piece, "\n"), "\n")}
		if i > 0 {
			c.Line = line
		}
		c.Part = &Part{Index: i, Count: len(pieces)}
		chunks = append(chunks, c)

		offset += len(piece)
		line += strings.Count(piece, "\n")
	}
	return chunks
}

func splitSnippet(snippet string, maxSize int) []string {
	var pieces []string
	var buf strings.Builder

	flush := func() {
		if buf.Len() > 0 {
			pieces = append(pieces, buf.String())
			buf.Reset()
		}
	}

	for _, line := range strings.SplitAfter(snippet, "\n") {
		for len(line) > 0 {
			if buf.Len()+len(line) <= maxSize {
				buf.WriteString(line)
				break
			}
			if buf.Len() > 0 {
				flush()
				continue
			}
			// A single line longer than the limit.
			cut := runeBoundary(line, maxSize)
			pieces = append(pieces, line[:cut])
			line = line[cut:]
		}
	}
	flush()
	return pieces
}

// runeBoundary returns the largest cut <= limit that does not split a UTF-8
// sequence, or limit itself when the window holds no sequence start.
// len(s) must exceed limit.
func runeBoundary(s string, limit int) int {
	for cut := limit; cut > 0; cut-- {
		if utf8.RuneStart(s[cut]) {
			return cut
		}
	}
	return limit
}

// =============================================================================
// MERGE
// =============================================================================

// mergeState is the accumulator of the merge fold.
type mergeState struct {
	out  []Chunk
	buf  []Chunk
	size int
}

// flush finalizes the buffer: a single chunk passes through unchanged,
// several become one merged chunk.
func (s mergeState) flush() mergeState {
	switch len(s.buf) {
	case 0:
		return s
	case 1:
		s.out = append(s.out, s.buf[0])
	default:
		s.out = append(s.out, mergeChunks(s.buf))
	}
	s.buf = nil
	s.size = 0
	return s
}

// foldChunks applies step to every chunk in order, threading the state.
func foldChunks(chunks []Chunk, init mergeState, step func(mergeState, Chunk) mergeState) mergeState {
	state := init
	for _, c := range chunks {
		state = step(state, c)
	}
	return state
}

// Merge combines runs of adjacent eligible chunks under policy. An
// ineligible chunk flushes the buffer and passes through alone; a chunk that
// would push the buffer past the bound flushes it and starts a new one.
func Merge(chunks []Chunk, policy SizePolicy) []Chunk {
	bound := policy.mergeBound()

	final := foldChunks(chunks, mergeState{out: make([]Chunk, 0, len(chunks))}, func(s mergeState, c Chunk) mergeState {
		if !policy.eligible(c) {
			s = s.flush()
			s.out = append(s.out, c)
			return s
		}
		if n := len(s.buf); n > 0 {
			overflow := bound > 0 && s.size+len(c.Snippet) > bound
			if overflow || !adjacent(s.buf[n-1], c) {
				s = s.flush()
			}
		}
		s.buf = append(s.buf, c)
		s.size += len(c.Snippet)
		return s
	})
	return final.flush().out
}

func adjacent(prev, next Chunk) bool {
	return prev.FilePath == next.FilePath && prev.ByteRange.End == next.ByteRange.Start
}

// mergeChunks builds one chunk covering members, which must be adjacent.
func mergeChunks(members []Chunk) Chunk {
	first, last := members[0], members[len(members)-1]

	var snippet strings.Builder
	count := 0
	kind, codeType := first.Kind, first.CodeType
	sameKind, sameType := true, true
	parent := first.ParentPath

	for _, m := range members {
		snippet.WriteString(m.Snippet)
		count += m.SourceEntityCount
		if m.Kind != kind {
			sameKind = false
		}
		if m.CodeType != codeType {
			sameType = false
		}
		parent = commonPrefix(parent, m.ParentPath)
	}

	label := codeType
	if !sameKind {
		kind = KindOther
	}
	if !sameKind || !sameType || codeType == "" {
		codeType = "Merged Chunk"
		label = "Chunk"
		if sameKind {
			label = string(kind)
		}
	}

	return Chunk{
		CodeEntity: CodeEntity{
			Kind:       kind,
			CodeType:   codeType,
			Name:       fmt.Sprintf("Merged %s [lines %d-%d]", label, first.LineRange.Start, last.LineRange.End),
			Language:   first.Language,
			FilePath:   first.FilePath,
			FileName:   first.FileName,
			Module:     first.Module,
			ByteRange:  ByteRange{Start: first.ByteRange.Start, End: last.ByteRange.End},
			LineRange:  LineRange{Start: first.LineRange.Start, End: last.LineRange.End},
			Line:       first.Line,
			Snippet:    snippet.String(),
			ParentPath: parent,
		},
		SourceEntityCount: count,
	}
}

func commonPrefix(a, b []string) []string {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	if n == 0 {
		return nil
	}
	return append([]string(nil), a[:n]...)
}
