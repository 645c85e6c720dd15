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

	sitter "github.com/smacker/go-tree-sitter"
)

// =============================================================================
// TYPESCRIPT / TSX / JAVASCRIPT TAXONOMY
// =============================================================================

// classifyTypeScript maps TypeScript, TSX and JavaScript nodes to entities.
// The three grammars share node names for everything handled here.
//
// Handles:
//   - Imports and re-exports (export { x } from "y")
//   - export statements, unwrapped to the exported declaration
//   - Function declarations and signatures, arrow functions and function
//     expressions bound to const/let/var (Function Component when the body
//     renders JSX)
//   - Classes and namespaces (walked for members)
//   - Interfaces, type aliases and enums
//   - Class methods, constructors and fields
//   - Comments and decorators (folded into the next node)
func classifyTypeScript(node *sitter.Node, src []byte, scope Scope) Classification {
	switch node.Type() {
	case "comment":
		return Classification{Action: ActionComment}
	case "decorator":
		return Classification{Action: ActionAbsorb}

	case "import_statement":
		return emit(KindImport, "Import", unquote(fieldText(node, "source", src)))

	case "export_statement":
		return classifyTSExport(node, src, scope)

	case "ambient_declaration":
		inner := node.NamedChild(0)
		if inner == nil {
			return other("Declare")
		}
		c := classifyTypeScript(inner, src, scope)
		if c.Decl == nil {
			c.Decl = inner
		}
		return c

	case "function_declaration", "generator_function_declaration":
		codeType := "Function"
		if isJSXFunction(node) {
			codeType = "Function Component"
		}
		return emit(KindFunction, codeType, fieldText(node, "name", src))
	case "function_signature":
		return emit(KindFunction, "Function Signature", fieldText(node, "name", src))

	case "lexical_declaration", "variable_declaration":
		return classifyTSVariable(node, src)

	case "class_declaration", "class":
		return tsContainer(node, "Class", fieldText(node, "name", src))
	case "abstract_class_declaration":
		return tsContainer(node, "Abstract Class", fieldText(node, "name", src))
	case "internal_module":
		return tsContainer(node, "Namespace", fieldText(node, "name", src))
	case "module":
		return tsContainer(node, "Module", fieldText(node, "name", src))
	case "expression_statement":
		// namespace Foo { } parses as an expression statement in some grammar versions.
		if inner := firstNamedChildOfType(node, "internal_module"); inner != nil && node.NamedChildCount() == 1 {
			c := classifyTypeScript(inner, src, scope)
			c.Decl = inner
			return c
		}
		return other("Statement")

	case "interface_declaration":
		return emit(KindType, "Interface", fieldText(node, "name", src))
	case "type_alias_declaration":
		return emit(KindType, "Type Alias", fieldText(node, "name", src))
	case "enum_declaration":
		return emit(KindType, "Enum", fieldText(node, "name", src))

	// Class members.
	case "method_definition", "method_signature", "abstract_method_signature":
		name := fieldText(node, "name", src)
		codeType := "Method"
		if name == "constructor" {
			codeType = "Constructor"
		}
		return emit(KindFunction, codeType, name)
	case "public_field_definition", "field_definition":
		nameNode := node.ChildByFieldName("name")
		if nameNode == nil {
			nameNode = node.ChildByFieldName("property")
		}
		if isFunctionValue(node.ChildByFieldName("value")) {
			return emit(KindFunction, "Method", nodeText(nameNode, src))
		}
		return emit(KindVariable, "Field", nodeText(nameNode, src))
	case "index_signature":
		return emit(KindType, "Index Signature", "")
	case "class_static_block":
		return other("Static Block")
	}
	return other("")
}

func classifyTSExport(node *sitter.Node, src []byte, scope Scope) Classification {
	if decl := node.ChildByFieldName("declaration"); decl != nil {
		c := classifyTypeScript(decl, src, scope)
		if c.Decl == nil {
			c.Decl = decl
		}
		if c.Action == ActionComment || c.Action == ActionAbsorb {
			c.Action = ActionOther
		}
		return c
	}
	if source := node.ChildByFieldName("source"); source != nil {
		return emit(KindImport, "Re-export", unquote(nodeText(source, src)))
	}
	if value := node.ChildByFieldName("value"); value != nil && isFunctionValue(value) {
		codeType := "Function"
		if isJSXFunction(value) {
			codeType = "Function Component"
		}
		c := emit(KindFunction, codeType, "default")
		c.Decl = value
		return c
	}
	return other("Export")
}

func classifyTSVariable(node *sitter.Node, src []byte) Classification {
	declarator := firstNamedChildOfType(node, "variable_declarator")
	if declarator == nil {
		return other("Variable")
	}
	name := fieldText(declarator, "name", src)
	value := declarator.ChildByFieldName("value")

	if isFunctionValue(value) {
		codeType := "Arrow Function"
		if value.Type() != "arrow_function" {
			codeType = "Function"
		}
		if isJSXFunction(value) {
			codeType = "Function Component"
		}
		c := emit(KindFunction, codeType, name)
		c.Decl = value
		return c
	}

	switch {
	case hasChildToken(node, "const"):
		return emit(KindConstant, "Const", name)
	case hasChildToken(node, "let"):
		return emit(KindVariable, "Let", name)
	default:
		return emit(KindVariable, "Var", name)
	}
}

func tsContainer(node *sitter.Node, codeType, name string) Classification {
	return Classification{
		Action:   ActionDescend,
		Kind:     KindType,
		CodeType: codeType,
		Name:     name,
		Body:     node.ChildByFieldName("body"),
	}
}

func isFunctionValue(n *sitter.Node) bool {
	if n == nil {
		return false
	}
	switch n.Type() {
	case "arrow_function", "function_expression", "function", "generator_function":
		return true
	}
	return false
}

// isJSXFunction reports whether a function's body renders JSX.
func isJSXFunction(fn *sitter.Node) bool {
	body := fn.ChildByFieldName("body")
	if body == nil {
		return false
	}
	return containsNodeType(body, "jsx_element", "jsx_self_closing_element", "jsx_fragment")
}

func unquote(s string) string {
	return strings.Trim(s, "\"'`")
}
