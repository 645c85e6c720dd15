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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

// DefaultMaxParseErrorRatio is the share of a file that may sit under
// syntax error nodes before the file is rejected.
const DefaultMaxParseErrorRatio = 0.5

// Extractor turns one source file into an ordered sequence of CodeEntity.
//
// Entity ranges tile the file: gaps between declarations (whitespace,
// comments, attributes, container headers) are attached to the following
// entity, the tail of a container to its last member and the tail of the
// file to the last entity. Concatenating the snippets of a file therefore
// reproduces the file.
type Extractor struct {
	registry      *Registry
	maxErrorRatio float64
	logger        *slog.Logger
}

// NewExtractor creates an extractor. A maxErrorRatio of 0 selects
// DefaultMaxParseErrorRatio.
func NewExtractor(registry *Registry, maxErrorRatio float64, logger *slog.Logger) *Extractor {
	if registry == nil {
		registry = DefaultRegistry()
	}
	if maxErrorRatio <= 0 {
		maxErrorRatio = DefaultMaxParseErrorRatio
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{registry: registry, maxErrorRatio: maxErrorRatio, logger: logger}
}

// Extract parses src and returns its entities in source order.
//
// It returns *UnsupportedLanguageError when lang has no grammar and
// *ParseError when no usable tree can be built.
func (x *Extractor) Extract(ctx context.Context, filePath string, lang Language, src []byte) ([]CodeEntity, error) {
	grammar, err := x.registry.ForLanguage(lang)
	if err != nil {
		var ule *UnsupportedLanguageError
		if errors.As(err, &ule) {
			ule.FilePath = filePath
		}
		return nil, err
	}
	if len(src) == 0 {
		return nil, nil
	}

	tree, err := grammar.Parse(ctx, src)
	if err != nil {
		return nil, &ParseError{FilePath: filePath, Cause: err}
	}
	defer tree.Close()

	root := tree.RootNode()
	if root == nil {
		return nil, &ParseError{FilePath: filePath, Cause: fmt.Errorf("empty syntax tree")}
	}
	if root.Type() == "ERROR" {
		return nil, &ParseError{FilePath: filePath, Cause: fmt.Errorf("file does not parse as %s", lang)}
	}
	if root.HasError() {
		errBytes := errorBytes(root)
		ratio := float64(errBytes) / float64(len(src))
		x.logger.Warn("extractor.syntax_errors",
			"path", filePath,
			"language", string(lang),
			"error_count", countErrors(root),
			"error_ratio", ratio,
		)
		if ratio > x.maxErrorRatio {
			return nil, &ParseError{
				FilePath: filePath,
				Cause:    fmt.Errorf("syntax errors cover %.0f%% of the file (limit %.0f%%)", ratio*100, x.maxErrorRatio*100),
			}
		}
	}

	w := &walker{
		src:      src,
		taxonomy: grammar.Taxonomy(),
	}
	w.walk(root, nil, Scope{})

	entities := w.tile(filePath, lang)
	return entities, nil
}

// ExtractFile resolves the grammar from the file extension and extracts.
func (x *Extractor) ExtractFile(ctx context.Context, filePath string, src []byte) ([]CodeEntity, error) {
	grammar, err := x.registry.ForPath(filePath)
	if err != nil {
		return nil, err
	}
	return x.Extract(ctx, filePath, grammar.Language, src)
}

// anchor is an entity before ranges are tiled.
type anchor struct {
	end        int // exclusive, may be extended to the end of an enclosing container
	line       int
	kind       EntityKind
	codeType   string
	name       string
	signature  string
	docstring  string
	parentPath []string
}

type walker struct {
	src      []byte
	taxonomy Taxonomy
	anchors  []anchor
}

// walk classifies the named children of container in order.
func (w *walker) walk(container *sitter.Node, parentPath []string, scope Scope) {
	var docs []string
	lastDocRow := -1

	for i := 0; i < int(container.NamedChildCount()); i++ {
		node := container.NamedChild(i)
		c := w.taxonomy.Classify(node, w.src, scope)
		startRow := int(node.StartPoint().Row)

		switch c.Action {
		case ActionComment:
			if len(docs) > 0 && startRow > lastDocRow+1 {
				docs = nil
			}
			docs = append(docs, cleanComment(nodeText(node, w.src)))
			lastDocRow = int(node.EndPoint().Row)
			continue
		case ActionAbsorb:
			// Attributes and decorators sit between a doc comment and its item.
			if len(docs) > 0 {
				lastDocRow = int(node.EndPoint().Row)
			}
			continue
		}

		docstring := c.Docstring
		if docstring == "" && len(docs) > 0 && startRow <= lastDocRow+1 {
			docstring = strings.Join(docs, "\n")
		}
		docs = nil

		if c.Action == ActionDescend && c.Body != nil {
			before := len(w.anchors)
			path := appendPath(parentPath, c.Name)
			w.walk(c.Body, path, Scope{Container: c.CodeType})
			if len(w.anchors) > before {
				last := &w.anchors[len(w.anchors)-1]
				if end := int(node.EndByte()); end > last.end {
					last.end = end
				}
				continue
			}
		}

		w.add(node, c, parentPath, docstring)
	}
}

func (w *walker) add(node *sitter.Node, c Classification, parentPath []string, docstring string) {
	end := int(node.EndByte())
	if n := len(w.anchors); n > 0 && end <= w.anchors[n-1].end {
		return
	}

	kind := c.Kind
	if kind == "" || c.Action == ActionOther {
		kind = KindOther
	}
	if c.Action == ActionDescend {
		kind = KindType
	}

	decl := c.Decl
	if decl == nil {
		decl = node
	}

	w.anchors = append(w.anchors, anchor{
		end:        end,
		line:       int(node.StartPoint().Row) + 1,
		kind:       kind,
		codeType:   c.CodeType,
		name:       c.Name,
		signature:  signatureOf(node, decl, w.src),
		docstring:  docstring,
		parentPath: appendPath(parentPath, c.Parent),
	})
}

// tile assigns each anchor the range from the previous anchor's end to its
// own end, and the final anchor the rest of the file.
func (w *walker) tile(filePath string, lang Language) []CodeEntity {
	src := w.src
	base := filepath.Base(filePath)
	module := strings.TrimSuffix(base, filepath.Ext(base))
	lines := newLineIndex(src)

	if len(w.anchors) == 0 {
		if strings.TrimSpace(string(src)) == "" {
			return nil
		}
		return []CodeEntity{{
			Kind:      KindOther,
			Language:  lang,
			FilePath:  filePath,
			FileName:  base,
			Module:    module,
			ByteRange: ByteRange{Start: 0, End: len(src)},
			LineRange: lines.rangeOf(0, len(src)),
			Line:      1,
			Snippet:   string(src),
		}}
	}

	entities := make([]CodeEntity, 0, len(w.anchors))
	prev := 0
	for i, a := range w.anchors {
		end := a.end
		if i == len(w.anchors)-1 {
			end = len(src)
		}
		entities = append(entities, CodeEntity{
			Kind:       a.kind,
			CodeType:   a.codeType,
			Name:       a.name,
			Signature:  a.signature,
			Docstring:  a.docstring,
			Language:   lang,
			FilePath:   filePath,
			FileName:   base,
			Module:     module,
			ByteRange:  ByteRange{Start: prev, End: end},
			LineRange:  lines.rangeOf(prev, end),
			Line:       a.line,
			Snippet:    string(src[prev:end]),
			ParentPath: a.parentPath,
		})
		prev = end
	}
	return entities
}

// signatureOf returns the header of a declaration: the text from the start
// of node up to the body of decl, or the first line when there is no body.
func signatureOf(node, decl *sitter.Node, src []byte) string {
	start := int(node.StartByte())
	var text string
	if body := decl.ChildByFieldName("body"); body != nil && int(body.StartByte()) > start {
		text = string(src[start:body.StartByte()])
	} else {
		text = nodeText(node, src)
		if idx := strings.IndexByte(text, '\n'); idx >= 0 {
			text = text[:idx]
		}
	}
	text = strings.Join(strings.Fields(text), " ")
	return strings.TrimSuffix(text, " =>")
}

// cleanComment strips comment markers from a comment node's text.
func cleanComment(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "/*") {
		text = strings.TrimSuffix(strings.TrimPrefix(text, "/*"), "*/")
		text = strings.TrimPrefix(text, "*")
		text = strings.TrimPrefix(text, "!")
	}
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		for _, prefix := range []string{"///", "//!", "//", "#", "*"} {
			if strings.HasPrefix(line, prefix) {
				line = strings.TrimPrefix(line, prefix)
				break
			}
		}
		out = append(out, strings.TrimSpace(line))
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

func appendPath(path []string, name string) []string {
	if name == "" {
		if len(path) == 0 {
			return nil
		}
		return append([]string(nil), path...)
	}
	out := make([]string, 0, len(path)+1)
	out = append(out, path...)
	return append(out, name)
}

// errorBytes sums the bytes covered by outermost ERROR nodes.
func errorBytes(node *sitter.Node) int {
	if node == nil {
		return 0
	}
	if node.Type() == "ERROR" {
		return int(node.EndByte() - node.StartByte())
	}
	if !node.HasError() {
		return 0
	}
	total := 0
	for i := 0; i < int(node.ChildCount()); i++ {
		total += errorBytes(node.Child(i))
	}
	return total
}

// countErrors counts ERROR and MISSING nodes in the tree.
func countErrors(node *sitter.Node) int {
	if node == nil || !node.HasError() {
		return 0
	}
	count := 0
	if node.Type() == "ERROR" || node.IsMissing() {
		count++
	}
	for i := 0; i < int(node.ChildCount()); i++ {
		count += countErrors(node.Child(i))
	}
	return count
}

// lineIndex maps byte offsets to 1-based line numbers.
type lineIndex struct {
	starts []int
}

func newLineIndex(src []byte) lineIndex {
	starts := []int{0}
	for i, b := range src {
		if b == '\n' {
			starts = append(starts, i+1)
		}
	}
	return lineIndex{starts: starts}
}

// lineOf returns the line containing offset.
func (l lineIndex) lineOf(offset int) int {
	return sort.Search(len(l.starts), func(i int) bool { return l.starts[i] > offset })
}

// rangeOf returns the lines touched by [start, end).
func (l lineIndex) rangeOf(start, end int) LineRange {
	if end <= start {
		line := l.lineOf(start)
		return LineRange{Start: line, End: line}
	}
	return LineRange{Start: l.lineOf(start), End: l.lineOf(end - 1)}
}
