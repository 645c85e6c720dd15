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
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// entitySeq lays out entities back to back in one file, one line each,
// so that consecutive entities are byte-adjacent.
type entitySeq struct {
	offset int
	line   int
	out    []CodeEntity
}

func (s *entitySeq) add(kind EntityKind, name, snippet string) *entitySeq {
	if s.line == 0 {
		s.line = 1
	}
	lines := strings.Count(strings.TrimSuffix(snippet, "\n"), "\n")
	s.out = append(s.out, CodeEntity{
		Kind:      kind,
		Name:      name,
		Language:  LangRust,
		FilePath:  "src/lib.rs",
		FileName:  "lib.rs",
		ByteRange: ByteRange{Start: s.offset, End: s.offset + len(snippet)},
		LineRange: LineRange{Start: s.line, End: s.line + lines},
		Line:      s.line,
		Snippet:   snippet,
	})
	s.offset += len(snippet)
	s.line += strings.Count(snippet, "\n")
	return s
}

// sized returns a snippet of exactly n bytes ending in a newline.
func sized(prefix string, n int) string {
	if n <= len(prefix)+1 {
		return strings.Repeat("x", n-1) + "\n"
	}
	return prefix + strings.Repeat("x", n-len(prefix)-1) + "\n"
}

func scenarioEntities() []CodeEntity {
	seq := &entitySeq{}
	seq.add(KindImport, "std::fmt", sized("use a;", 10))
	seq.add(KindImport, "std::io", sized("use b;", 10))
	seq.add(KindFunction, "run", sized("fn run() {", 300))
	return seq.out
}

func TestReconcile_FineMergesImportsOnly(t *testing.T) {
	r, err := NewReconciler(SizePolicy{MaxSnippetSize: 500, Granularity: GranularityFine})
	require.NoError(t, err)

	chunks := r.Reconcile(scenarioEntities())

	require.Len(t, chunks, 2)
	assert.Len(t, chunks[0].Snippet, 20)
	assert.Equal(t, KindImport, chunks[0].Kind)
	assert.Equal(t, 2, chunks[0].SourceEntityCount)
	assert.Equal(t, "Merged Chunk", chunks[0].CodeType)
	assert.Equal(t, "Merged import [lines 1-2]", chunks[0].Name)

	assert.Len(t, chunks[1].Snippet, 300)
	assert.Equal(t, "run", chunks[1].Name)
	assert.Equal(t, 1, chunks[1].SourceEntityCount)
	assert.Nil(t, chunks[1].Part)
}

func TestReconcile_CoarseMergesEverything(t *testing.T) {
	r, err := NewReconciler(SizePolicy{MaxSnippetSize: 500, Granularity: GranularityCoarse})
	require.NoError(t, err)

	chunks := r.Reconcile(scenarioEntities())

	require.Len(t, chunks, 1)
	assert.Len(t, chunks[0].Snippet, 320)
	assert.Equal(t, 3, chunks[0].SourceEntityCount)
	assert.Equal(t, KindOther, chunks[0].Kind, "mixed kinds collapse to other")
	assert.Equal(t, ByteRange{Start: 0, End: 320}, chunks[0].ByteRange)
	assert.Equal(t, LineRange{Start: 1, End: 3}, chunks[0].LineRange)
}

func TestReconcile_MediumUsesHalfTheLimit(t *testing.T) {
	r, err := NewReconciler(SizePolicy{MaxSnippetSize: 500, Granularity: GranularityMedium})
	require.NoError(t, err)

	chunks := r.Reconcile(scenarioEntities())

	// 20 + 300 exceeds 250, so the function stays alone.
	require.Len(t, chunks, 2)
	assert.Len(t, chunks[0].Snippet, 20)
	assert.Len(t, chunks[1].Snippet, 300)
}

func TestSplit_PartitionsOversizedEntity(t *testing.T) {
	// 24 lines of 50 bytes.
	var b strings.Builder
	for i := 0; i < 24; i++ {
		b.WriteString(sized("let v = 1;", 50))
	}
	seq := &entitySeq{}
	seq.add(KindFunction, "big", b.String())
	entity := seq.out[0]
	require.Len(t, entity.Snippet, 1200)

	chunks := Split(entity, 500)

	require.Len(t, chunks, 3)
	var joined strings.Builder
	for i, c := range chunks {
		require.NotNil(t, c.Part)
		assert.Equal(t, i, c.Part.Index)
		assert.Equal(t, 3, c.Part.Count)
		assert.LessOrEqual(t, len(c.Snippet), 500)
		assert.Equal(t, "big", c.Name)
		assert.Equal(t, c.ByteRange.Len(), len(c.Snippet))
		joined.WriteString(c.Snippet)
	}
	assert.Equal(t, entity.Snippet, joined.String())

	assert.Equal(t, entity.ByteRange.Start, chunks[0].ByteRange.Start)
	assert.Equal(t, chunks[0].ByteRange.End, chunks[1].ByteRange.Start)
	assert.Equal(t, chunks[1].ByteRange.End, chunks[2].ByteRange.Start)
	assert.Equal(t, entity.ByteRange.End, chunks[2].ByteRange.End)

	assert.Equal(t, LineRange{Start: 1, End: 10}, chunks[0].LineRange)
	assert.Equal(t, LineRange{Start: 11, End: 20}, chunks[1].LineRange)
	assert.Equal(t, LineRange{Start: 21, End: 24}, chunks[2].LineRange)
}

func TestSplit_LongLineCutsOnRuneBoundary(t *testing.T) {
	// A single line of 3-byte runes; 10 is not a multiple of 3.
	snippet := strings.Repeat("世", 20)
	seq := &entitySeq{}
	seq.add(KindConstant, "TABLE", snippet)

	chunks := Split(seq.out[0], 10)

	var joined strings.Builder
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c.Snippet), 10)
		assert.True(t, utf8.ValidString(c.Snippet), "fragment %q is not valid UTF-8", c.Snippet)
		joined.WriteString(c.Snippet)
	}
	assert.Equal(t, snippet, joined.String())
}

func TestSplit_SmallEntityUnchanged(t *testing.T) {
	seq := &entitySeq{}
	seq.add(KindFunction, "small", sized("fn small() {", 40))
	seq.out[0].Embedding = []float32{0.1, 0.2}

	chunks := Split(seq.out[0], 500)

	require.Len(t, chunks, 1)
	assert.Nil(t, chunks[0].Part)
	assert.Equal(t, seq.out[0].Snippet, chunks[0].Snippet)
	assert.Equal(t, []float32{0.1, 0.2}, chunks[0].Embedding)
}

func TestMerge_CoarseJoinsTrailingFragment(t *testing.T) {
	// Three 30-byte lines split into fragments of 60 and 30 bytes.
	var b strings.Builder
	for i := 0; i < 3; i++ {
		b.WriteString(sized("x := 1", 30))
	}
	seq := &entitySeq{}
	seq.add(KindFunction, "f", b.String())
	seq.add(KindImport, "g", sized("import g", 20))

	r, err := NewReconciler(SizePolicy{MaxSnippetSize: 60, Granularity: GranularityCoarse})
	require.NoError(t, err)

	chunks := r.Reconcile(seq.out)

	require.Len(t, chunks, 2)
	assert.Equal(t, &Part{Index: 0, Count: 2}, chunks[0].Part)
	assert.Len(t, chunks[0].Snippet, 60)

	merged := chunks[1]
	assert.Nil(t, merged.Part, "a merged chunk is not a fragment")
	assert.Equal(t, 2, merged.SourceEntityCount)
	assert.Equal(t, ByteRange{Start: 60, End: 110}, merged.ByteRange)
	assert.Equal(t, LineRange{Start: 3, End: 4}, merged.LineRange)
	assert.Equal(t, KindOther, merged.Kind)
}

func TestMerge_CoarseKeepsFragmentThatDoesNotFit(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 4; i++ {
		b.WriteString(sized("x := 1", 30))
	}
	seq := &entitySeq{}
	seq.add(KindFunction, "f", b.String())
	seq.add(KindFunction, "g", sized("fn g() {", 20))

	r, err := NewReconciler(SizePolicy{MaxSnippetSize: 60, Granularity: GranularityCoarse})
	require.NoError(t, err)

	chunks := r.Reconcile(seq.out)

	// 60 + 20 exceeds the bound.
	require.Len(t, chunks, 3)
	assert.NotNil(t, chunks[0].Part)
	assert.NotNil(t, chunks[1].Part)
	assert.Equal(t, "g", chunks[2].Name)
}

func TestMerge_FineKeepsFragmentsApart(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 3; i++ {
		b.WriteString(sized("const A = 1", 30))
	}
	seq := &entitySeq{}
	seq.add(KindConstant, "A", b.String())
	seq.add(KindConstant, "B", sized("const B = 2", 20))

	r, err := NewReconciler(SizePolicy{MaxSnippetSize: 60, Granularity: GranularityFine})
	require.NoError(t, err)

	chunks := r.Reconcile(seq.out)

	require.Len(t, chunks, 3)
	assert.Equal(t, &Part{Index: 1, Count: 2}, chunks[1].Part)
	assert.Equal(t, "B", chunks[2].Name)
}

func TestMerge_RequiresAdjacency(t *testing.T) {
	seq := &entitySeq{}
	seq.add(KindImport, "a", sized("use a;", 10))
	seq.offset += 5 // gap the extractor did not cover
	seq.add(KindImport, "b", sized("use b;", 10))

	chunks := Merge([]Chunk{newChunk(seq.out[0]), newChunk(seq.out[1])}, SizePolicy{Granularity: GranularityFine})

	assert.Len(t, chunks, 2)
}

func TestMerge_FineWithoutLimitIsUnbounded(t *testing.T) {
	seq := &entitySeq{}
	for i := 0; i < 50; i++ {
		seq.add(KindConstant, "C", sized("const C = 1;", 100))
	}
	chunks := make([]Chunk, len(seq.out))
	for i, e := range seq.out {
		chunks[i] = newChunk(e)
	}

	merged := Merge(chunks, SizePolicy{Granularity: GranularityFine})

	require.Len(t, merged, 1)
	assert.Equal(t, 50, merged[0].SourceEntityCount)
	assert.Len(t, merged[0].Snippet, 5000)
}

func TestMerge_SameCodeTypeKeepsLabel(t *testing.T) {
	seq := &entitySeq{}
	seq.add(KindImport, "a", sized("use a;", 10))
	seq.add(KindImport, "b", sized("use b;", 10))
	seq.out[0].CodeType, seq.out[1].CodeType = "Use Declaration", "Use Declaration"
	seq.out[0].ParentPath = []string{"outer", "inner"}
	seq.out[1].ParentPath = []string{"outer"}

	merged := Merge([]Chunk{newChunk(seq.out[0]), newChunk(seq.out[1])}, SizePolicy{})

	require.Len(t, merged, 1)
	assert.Equal(t, "Use Declaration", merged[0].CodeType)
	assert.Equal(t, "Merged Use Declaration [lines 1-2]", merged[0].Name)
	assert.Equal(t, []string{"outer"}, merged[0].ParentPath)
}

func TestReconcile_Properties(t *testing.T) {
	seq := &entitySeq{}
	seq.add(KindImport, "a", sized("use a;", 12))
	seq.add(KindImport, "b", sized("use b;", 17))
	seq.add(KindConstant, "C", sized("const C: u8 = 1;", 40))
	seq.add(KindFunction, "f", strings.Repeat(sized("    f();", 45), 9))
	seq.add(KindType, "S", sized("struct S;", 25))
	seq.add(KindVariable, "v", sized("static V: u8 = 0;", 33))
	seq.add(KindFunction, "g", sized("fn g() {}", 60))

	for _, g := range []Granularity{GranularityFine, GranularityMedium, GranularityCoarse} {
		t.Run(string(g), func(t *testing.T) {
			policy := SizePolicy{MaxSnippetSize: 128, Granularity: g}
			r, err := NewReconciler(policy)
			require.NoError(t, err)

			chunks := r.Reconcile(seq.out)

			pieces := 0
			for _, e := range seq.out {
				pieces += len(Split(e, policy.MaxSnippetSize))
			}

			var joined strings.Builder
			counted := 0
			prevEnd := 0
			for _, c := range chunks {
				assert.LessOrEqual(t, len(c.Snippet), policy.MaxSnippetSize)
				assert.Equal(t, prevEnd, c.ByteRange.Start, "chunks must be ordered and contiguous")
				prevEnd = c.ByteRange.End
				joined.WriteString(c.Snippet)
				counted += c.SourceEntityCount
			}
			assert.Equal(t, seq.offset, prevEnd)
			assert.Equal(t, pieces, counted, "every split piece is accounted for once")

			var original strings.Builder
			for _, e := range seq.out {
				original.WriteString(e.Snippet)
			}
			assert.Equal(t, original.String(), joined.String())
		})
	}
}

func TestReconcile_Empty(t *testing.T) {
	r, err := NewReconciler(SizePolicy{})
	require.NoError(t, err)
	assert.Empty(t, r.Reconcile(nil))
}

func TestNewReconciler_InvalidPolicy(t *testing.T) {
	tests := []struct {
		name   string
		policy SizePolicy
		field  string
	}{
		{"negative size", SizePolicy{MaxSnippetSize: -1}, "max_snippet_size"},
		{"coarse without size", SizePolicy{Granularity: GranularityCoarse}, "granularity"},
		{"medium without size", SizePolicy{Granularity: GranularityMedium}, "granularity"},
		{"unknown granularity", SizePolicy{MaxSnippetSize: 100, Granularity: "huge"}, "granularity"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewReconciler(tt.policy)
			var cfgErr *ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestParseGranularity(t *testing.T) {
	g, err := ParseGranularity("")
	require.NoError(t, err)
	assert.Equal(t, GranularityFine, g)

	g, err = ParseGranularity(" Coarse ")
	require.NoError(t, err)
	assert.Equal(t, GranularityCoarse, g)

	_, err = ParseGranularity("tiny")
	assert.Error(t, err)
}
