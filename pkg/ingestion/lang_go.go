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
// GO TAXONOMY
// =============================================================================

// classifyGo maps top-level Go declarations to entities. Go has no nested
// declarations worth walking, so nothing descends; methods carry their
// receiver type as parent instead.
func classifyGo(node *sitter.Node, src []byte, _ Scope) Classification {
	switch node.Type() {
	case "comment":
		return Classification{Action: ActionComment}

	case "package_clause":
		name := nodeText(firstNamedChildOfType(node, "package_identifier"), src)
		return emit(KindImport, "Package", name)
	case "import_declaration":
		return emit(KindImport, "Import", goImportName(node, src))

	case "function_declaration":
		return emit(KindFunction, "Function", fieldText(node, "name", src))
	case "method_declaration":
		c := emit(KindFunction, "Method", fieldText(node, "name", src))
		c.Parent = extractReceiverType(node.ChildByFieldName("receiver"), src)
		return c

	case "type_declaration":
		return classifyGoTypeDecl(node, src)
	case "const_declaration":
		return emit(KindConstant, "Const", goSpecNames(node, src, "const_spec"))
	case "var_declaration":
		return emit(KindVariable, "Var", goSpecNames(node, src, "var_spec"))
	}
	return other("")
}

func classifyGoTypeDecl(node *sitter.Node, src []byte) Classification {
	var specs []*sitter.Node
	for i := 0; i < int(node.NamedChildCount()); i++ {
		child := node.NamedChild(i)
		switch child.Type() {
		case "type_spec", "type_alias":
			specs = append(specs, child)
		case "type_spec_list":
			for j := 0; j < int(child.NamedChildCount()); j++ {
				if s := child.NamedChild(j); s.Type() == "type_spec" || s.Type() == "type_alias" {
					specs = append(specs, s)
				}
			}
		}
	}
	if len(specs) == 0 {
		return emit(KindType, "Type", "")
	}
	if len(specs) > 1 {
		names := make([]string, 0, len(specs))
		for _, s := range specs {
			names = append(names, fieldText(s, "name", src))
		}
		return emit(KindType, "Type Group", strings.Join(names, ", "))
	}
	spec := specs[0]
	return emit(KindType, goTypeCodeType(spec), fieldText(spec, "name", src))
}

// goTypeCodeType labels a type by its definition: struct, interface or alias.
func goTypeCodeType(spec *sitter.Node) string {
	if spec.Type() == "type_alias" {
		return "Type Alias"
	}
	typeNode := spec.ChildByFieldName("type")
	if typeNode == nil {
		return "Type"
	}
	switch typeNode.Type() {
	case "struct_type":
		return "Struct"
	case "interface_type":
		return "Interface"
	default:
		return "Type Alias"
	}
}

// goSpecNames joins the declared identifiers of a const or var declaration.
func goSpecNames(node *sitter.Node, src []byte, specType string) string {
	var names []string
	var collect func(n *sitter.Node)
	collect = func(n *sitter.Node) {
		for i := 0; i < int(n.NamedChildCount()); i++ {
			child := n.NamedChild(i)
			switch child.Type() {
			case specType:
				for j := 0; j < int(child.NamedChildCount()); j++ {
					if id := child.NamedChild(j); id.Type() == "identifier" {
						names = append(names, nodeText(id, src))
					}
				}
			case specType + "_list":
				collect(child)
			}
		}
	}
	collect(node)
	return strings.Join(names, ", ")
}

// goImportName joins the import paths of a single or grouped import.
func goImportName(node *sitter.Node, src []byte) string {
	var paths []string
	if spec := firstNamedChildOfType(node, "import_spec"); spec != nil {
		paths = append(paths, strings.Trim(fieldText(spec, "path", src), "\"`"))
	}
	if list := firstNamedChildOfType(node, "import_spec_list"); list != nil {
		for i := 0; i < int(list.NamedChildCount()); i++ {
			if spec := list.NamedChild(i); spec.Type() == "import_spec" {
				paths = append(paths, strings.Trim(fieldText(spec, "path", src), "\"`"))
			}
		}
	}
	return strings.Join(paths, ", ")
}

// extractReceiverType extracts the type name from a receiver parameter.
// e.g., from "(s *Server)" extracts "Server", from "(s Server[T])" extracts "Server"
func extractReceiverType(receiverNode *sitter.Node, content []byte) string {
	if receiverNode == nil {
		return ""
	}
	param := firstNamedChildOfType(receiverNode, "parameter_declaration")
	if param == nil {
		return ""
	}
	return extractBaseTypeName(param.ChildByFieldName("type"), content)
}

// extractBaseTypeName extracts the base type name, handling pointers and generics.
// e.g., *Server -> Server, Server[T] -> Server, *Server[T] -> Server
func extractBaseTypeName(typeNode *sitter.Node, content []byte) string {
	if typeNode == nil {
		return ""
	}
	switch typeNode.Type() {
	case "pointer_type":
		if inner := typeNode.NamedChild(0); inner != nil {
			return extractBaseTypeName(inner, content)
		}
	case "generic_type":
		if name := typeNode.ChildByFieldName("type"); name != nil {
			return nodeText(name, content)
		}
	case "type_identifier":
		return nodeText(typeNode, content)
	}

	typeName := strings.TrimPrefix(nodeText(typeNode, content), "*")
	if idx := strings.Index(typeName, "["); idx > 0 {
		typeName = typeName[:idx]
	}
	return typeName
}
