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
	sitter "github.com/smacker/go-tree-sitter"
)

// =============================================================================
// RUST TAXONOMY
// =============================================================================

// classifyRust maps Rust items to entities.
//
// Handles:
//   - Functions and signatures (fn foo() {}, fn foo();), methods inside impl/trait
//   - Structs, enums, unions, type aliases
//   - impl, trait and inline mod blocks (walked for members)
//   - use declarations, extern crate, out-of-line mod declarations
//   - const and static items (static mut is a variable)
//   - macro_rules! definitions
//   - Comments and attributes (folded into the next item)
func classifyRust(node *sitter.Node, src []byte, scope Scope) Classification {
	switch node.Type() {
	case "line_comment", "block_comment":
		return Classification{Action: ActionComment}
	case "attribute_item", "inner_attribute_item":
		return Classification{Action: ActionAbsorb}

	case "function_item", "function_signature_item":
		codeType := "Function"
		if scope.Container == "Impl" || scope.Container == "Trait" {
			codeType = "Method"
		}
		return emit(KindFunction, codeType, fieldText(node, "name", src))

	case "struct_item":
		return emit(KindType, "Struct", fieldText(node, "name", src))
	case "enum_item":
		return emit(KindType, "Enum", fieldText(node, "name", src))
	case "union_item":
		return emit(KindType, "Union", fieldText(node, "name", src))
	case "type_item", "associated_type":
		return emit(KindType, "Type Alias", fieldText(node, "name", src))

	case "impl_item":
		return rustContainer(node, "Impl", rustImplName(node, src))
	case "trait_item":
		return rustContainer(node, "Trait", fieldText(node, "name", src))
	case "mod_item":
		if node.ChildByFieldName("body") == nil {
			// mod foo; pulls in another file.
			return emit(KindImport, "Module Declaration", fieldText(node, "name", src))
		}
		return rustContainer(node, "Module", fieldText(node, "name", src))

	case "use_declaration":
		return emit(KindImport, "Use", fieldText(node, "argument", src))
	case "extern_crate_declaration":
		return emit(KindImport, "Extern Crate", fieldText(node, "name", src))

	case "const_item":
		return emit(KindConstant, "Const", fieldText(node, "name", src))
	case "static_item":
		if firstNamedChildOfType(node, "mutable_specifier") != nil {
			return emit(KindVariable, "Static", fieldText(node, "name", src))
		}
		return emit(KindConstant, "Static", fieldText(node, "name", src))

	case "macro_definition":
		return emit(KindFunction, "Macro", fieldText(node, "name", src))
	case "macro_invocation":
		c := other("Macro Invocation")
		c.Name = fieldText(node, "macro", src)
		return c
	case "foreign_mod_item":
		return other("Extern Block")
	}
	return other("")
}

func rustContainer(node *sitter.Node, codeType, name string) Classification {
	return Classification{
		Action:   ActionDescend,
		Kind:     KindType,
		CodeType: codeType,
		Name:     name,
		Body:     node.ChildByFieldName("body"),
	}
}

// rustImplName returns the implementing type without generic arguments,
// e.g. "Parser" for impl<'a> Display for Parser<'a>.
func rustImplName(node *sitter.Node, src []byte) string {
	typeNode := node.ChildByFieldName("type")
	if typeNode == nil {
		return ""
	}
	if typeNode.Type() == "generic_type" {
		if inner := typeNode.ChildByFieldName("type"); inner != nil {
			return nodeText(inner, src)
		}
	}
	return nodeText(typeNode, src)
}
