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
	"unicode"

	sitter "github.com/smacker/go-tree-sitter"
)

// =============================================================================
// PYTHON TAXONOMY
// =============================================================================

// classifyPython maps Python statements to entities.
//
// Handles:
//   - import, from-import and __future__ imports
//   - Functions (Method inside a class), with the body docstring
//   - Decorated definitions, unwrapped to the decorated function or class
//   - Classes (walked for members)
//   - Assignments: UPPER_CASE targets are constants, the rest variables
//   - Comments and bare string statements (folded into the next node)
func classifyPython(node *sitter.Node, src []byte, scope Scope) Classification {
	switch node.Type() {
	case "comment":
		return Classification{Action: ActionComment}

	case "import_statement", "import_from_statement", "future_import_statement":
		name := fieldText(node, "module_name", src)
		if name == "" {
			name = fieldText(node, "name", src)
		}
		return emit(KindImport, "Import", name)

	case "function_definition":
		codeType := "Function"
		if scope.InContainer() {
			codeType = "Method"
		}
		c := emit(KindFunction, codeType, fieldText(node, "name", src))
		c.Docstring = pythonDocstring(node, src)
		return c

	case "decorated_definition":
		def := node.ChildByFieldName("definition")
		if def == nil {
			return other("Decorated")
		}
		c := classifyPython(def, src, scope)
		c.Decl = def
		return c

	case "class_definition":
		return Classification{
			Action:    ActionDescend,
			Kind:      KindType,
			CodeType:  "Class",
			Name:      fieldText(node, "name", src),
			Body:      node.ChildByFieldName("body"),
			Docstring: pythonDocstring(node, src),
		}

	case "expression_statement":
		return classifyPythonExpression(node, src, scope)
	}
	return other("")
}

func classifyPythonExpression(node *sitter.Node, src []byte, scope Scope) Classification {
	expr := node.NamedChild(0)
	if expr == nil {
		return other("Statement")
	}
	switch expr.Type() {
	case "string", "concatenated_string":
		// Module and class docstrings. Function and class docstrings are
		// read from the body instead, so these are not documentation for
		// the next statement.
		return Classification{Action: ActionAbsorb}
	case "assignment", "augmented_assignment":
		name := fieldText(expr, "left", src)
		codeType := "Variable"
		if scope.InContainer() {
			codeType = "Attribute"
		}
		if isUpperSnake(name) {
			return emit(KindConstant, "Constant", name)
		}
		return emit(KindVariable, codeType, name)
	}
	return other("Statement")
}

// pythonDocstring returns the first string statement of a function or class body.
func pythonDocstring(def *sitter.Node, src []byte) string {
	body := def.ChildByFieldName("body")
	if body == nil || body.NamedChildCount() == 0 {
		return ""
	}
	first := body.NamedChild(0)
	if first.Type() != "expression_statement" {
		return ""
	}
	str := first.NamedChild(0)
	if str == nil || str.Type() != "string" {
		return ""
	}
	return cleanPythonString(nodeText(str, src))
}

func cleanPythonString(s string) string {
	s = strings.TrimLeft(s, "rRbBuUfF")
	for _, q := range []string{`"""`, `'''`, `"`, `'`} {
		if strings.HasPrefix(s, q) && strings.HasSuffix(s, q) && len(s) >= 2*len(q) {
			s = s[len(q) : len(s)-len(q)]
			break
		}
	}
	return strings.TrimSpace(s)
}

func isUpperSnake(name string) bool {
	hasLetter := false
	for _, r := range name {
		switch {
		case unicode.IsUpper(r):
			hasLetter = true
		case r == '_' || unicode.IsDigit(r):
		default:
			return false
		}
	}
	return hasLetter
}
