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
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/rust"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// Language is the tag of a supported source language.
type Language string

const (
	LangRust       Language = "rust"
	LangTypeScript Language = "typescript"
	LangTSX        Language = "tsx"
	LangJavaScript Language = "javascript"
	LangGo         Language = "go"
	LangPython     Language = "python"
)

// Action tells the extractor what to do with an AST node.
type Action int

const (
	// ActionOther turns the node into an unclassified entity spanning the node.
	ActionOther Action = iota
	// ActionEmit turns the node into one entity.
	ActionEmit
	// ActionDescend walks the node's body for members.
	ActionDescend
	// ActionComment folds the node into the next entity and keeps its text as documentation.
	ActionComment
	// ActionAbsorb folds the node into the next entity.
	ActionAbsorb
)

// Scope describes where a node sits during the walk.
type Scope struct {
	// Container is the CodeType of the enclosing container, empty at file level.
	Container string
}

// InContainer reports whether the walk is inside a class, impl, trait or module body.
func (s Scope) InContainer() bool { return s.Container != "" }

// Classification is a taxonomy's verdict for one node.
type Classification struct {
	Action   Action
	Kind     EntityKind
	CodeType string
	Name     string

	// Decl is the declaration node when it differs from the walked node,
	// such as the declaration wrapped by an export statement.
	Decl *sitter.Node

	// Body holds the members of a container for ActionDescend.
	Body *sitter.Node

	// Parent is appended to the parent path of the emitted entity. Go
	// methods use it for the receiver type.
	Parent string

	// Docstring overrides documentation gathered from preceding comments.
	Docstring string
}

// Taxonomy classifies the AST nodes of one language.
type Taxonomy interface {
	Classify(node *sitter.Node, src []byte, scope Scope) Classification
}

// TaxonomyFunc adapts a function to the Taxonomy interface.
type TaxonomyFunc func(node *sitter.Node, src []byte, scope Scope) Classification

// Classify calls f.
func (f TaxonomyFunc) Classify(node *sitter.Node, src []byte, scope Scope) Classification {
	return f(node, src, scope)
}

// Grammar bundles a tree-sitter language with its entity taxonomy.
type Grammar struct {
	Language   Language
	Extensions []string

	lang     *sitter.Language
	taxonomy Taxonomy
}

// Parse parses src into a syntax tree. Each call uses its own parser, so
// Parse is safe for concurrent use. The caller must close the tree.
func (g *Grammar) Parse(ctx context.Context, src []byte) (*sitter.Tree, error) {
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(g.lang)

	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, fmt.Errorf("tree-sitter parse: %w", err)
	}
	if tree == nil {
		return nil, fmt.Errorf("tree-sitter parse: no tree produced")
	}
	return tree, nil
}

// Taxonomy returns the entity taxonomy for the grammar's language.
func (g *Grammar) Taxonomy() Taxonomy { return g.taxonomy }

// Registry resolves languages and file extensions to grammars.
// It is built once and never mutated afterwards.
type Registry struct {
	byLanguage  map[Language]*Grammar
	byExtension map[string]*Grammar
}

// NewRegistry builds a registry from grammars. A later grammar claiming an
// extension already registered replaces the earlier one.
func NewRegistry(grammars ...*Grammar) *Registry {
	r := &Registry{
		byLanguage:  make(map[Language]*Grammar, len(grammars)),
		byExtension: make(map[string]*Grammar),
	}
	for _, g := range grammars {
		r.byLanguage[g.Language] = g
		for _, ext := range g.Extensions {
			r.byExtension[strings.ToLower(ext)] = g
		}
	}
	return r
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// DefaultRegistry returns the process-wide registry of built-in grammars.
func DefaultRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry(
			&Grammar{Language: LangRust, Extensions: []string{".rs"}, lang: rust.GetLanguage(), taxonomy: TaxonomyFunc(classifyRust)},
			&Grammar{Language: LangTypeScript, Extensions: []string{".ts", ".mts", ".cts"}, lang: typescript.GetLanguage(), taxonomy: TaxonomyFunc(classifyTypeScript)},
			&Grammar{Language: LangTSX, Extensions: []string{".tsx"}, lang: tsx.GetLanguage(), taxonomy: TaxonomyFunc(classifyTypeScript)},
			&Grammar{Language: LangJavaScript, Extensions: []string{".js", ".jsx", ".mjs", ".cjs"}, lang: javascript.GetLanguage(), taxonomy: TaxonomyFunc(classifyTypeScript)},
			&Grammar{Language: LangGo, Extensions: []string{".go"}, lang: golang.GetLanguage(), taxonomy: TaxonomyFunc(classifyGo)},
			&Grammar{Language: LangPython, Extensions: []string{".py", ".pyi"}, lang: python.GetLanguage(), taxonomy: TaxonomyFunc(classifyPython)},
		)
	})
	return defaultRegistry
}

// ForLanguage returns the grammar registered for lang.
func (r *Registry) ForLanguage(lang Language) (*Grammar, error) {
	if g, ok := r.byLanguage[lang]; ok {
		return g, nil
	}
	return nil, &UnsupportedLanguageError{Language: string(lang)}
}

// ForPath returns the grammar registered for the file's extension.
func (r *Registry) ForPath(path string) (*Grammar, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if g, ok := r.byExtension[ext]; ok {
		return g, nil
	}
	return nil, &UnsupportedLanguageError{FilePath: path, Language: strings.TrimPrefix(ext, ".")}
}

// Extensions returns every registered extension, sorted.
func (r *Registry) Extensions() []string {
	exts := make([]string, 0, len(r.byExtension))
	for ext := range r.byExtension {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

// Languages returns every registered language, sorted.
func (r *Registry) Languages() []Language {
	langs := make([]Language, 0, len(r.byLanguage))
	for l := range r.byLanguage {
		langs = append(langs, l)
	}
	sort.Slice(langs, func(i, j int) bool { return langs[i] < langs[j] })
	return langs
}

// =============================================================================
// NODE HELPERS shared by the taxonomies
// =============================================================================

func nodeText(n *sitter.Node, src []byte) string {
	if n == nil {
		return ""
	}
	return string(src[n.StartByte():n.EndByte()])
}

func fieldText(n *sitter.Node, field string, src []byte) string {
	if n == nil {
		return ""
	}
	return nodeText(n.ChildByFieldName(field), src)
}

// firstNamedChildOfType returns the first named child whose type is one of types.
func firstNamedChildOfType(n *sitter.Node, types ...string) *sitter.Node {
	if n == nil {
		return nil
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		child := n.NamedChild(i)
		for _, t := range types {
			if child.Type() == t {
				return child
			}
		}
	}
	return nil
}

// hasChildToken reports whether n has an anonymous child token with the given text.
func hasChildToken(n *sitter.Node, token string) bool {
	for i := 0; i < int(n.ChildCount()); i++ {
		child := n.Child(i)
		if !child.IsNamed() && child.Type() == token {
			return true
		}
	}
	return false
}

// containsNodeType reports whether any descendant of n has one of types.
func containsNodeType(n *sitter.Node, types ...string) bool {
	if n == nil {
		return false
	}
	for _, t := range types {
		if n.Type() == t {
			return true
		}
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		if containsNodeType(n.NamedChild(i), types...) {
			return true
		}
	}
	return false
}

func emit(kind EntityKind, codeType, name string) Classification {
	return Classification{Action: ActionEmit, Kind: kind, CodeType: codeType, Name: name}
}

func other(codeType string) Classification {
	return Classification{Action: ActionOther, Kind: KindOther, CodeType: codeType}
}
