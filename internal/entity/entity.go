// Package entity collects the attribute references in a formula that may
// name a column and are therefore subject to renaming.
package entity

import (
	"slices"

	"github.com/stefanvanburen/dropcond/internal/formula"
)

const (
	// ChoiceRoot denotes the row being offered as a dropdown choice. Its
	// attributes are columns of the table the dropdown column references.
	ChoiceRoot = "choice"
	// RecordRoot denotes the row being edited. Its attributes are columns of
	// the column's own table.
	RecordRoot = formula.RecordName
)

// NamedEntity is one occurrence of root.Name in a formula.
type NamedEntity struct {
	// TableContext is the table whose column Name refers to. Empty means the
	// table is decided by the caller from the column's type.
	TableContext string `json:"tableContext,omitempty"`
	// Root is the reserved name the attribute was accessed on.
	Root string `json:"root"`
	// StartPos is the byte offset of Name in the parsed text.
	StartPos int `json:"startPos"`
	Name     string `json:"name"`
	// Extra is the attribute node the entity was collected from.
	Extra *formula.Attribute `json:"-"`
}

// Span returns the byte range occupied by the entity's name.
func (e NamedEntity) Span() formula.Span {
	return formula.Span{Start: e.StartPos, End: e.StartPos + len(e.Name)}
}

// Collect walks tree and returns every attribute accessed directly on one of
// roots, in order of appearance. Only the first attribute of a chain is
// collected: for choice.A.B, A is an entity and B is not. Attributes whose
// source text is not their name cannot be patched and are left out.
func Collect(tree *formula.Tree, roots ...string) []NamedEntity {
	if tree == nil || tree.Root == nil || len(roots) == 0 {
		return nil
	}
	var entities []NamedEntity
	formula.Inspect(tree.Root, func(n formula.Node) bool {
		attr, ok := n.(*formula.Attribute)
		if !ok {
			return true
		}
		root, ok := rootOf(attr.Value, roots)
		if !ok {
			return true
		}
		if tree.Text(attr.AttrPos) == attr.Attr {
			entities = append(entities, NamedEntity{
				Root:     root,
				StartPos: attr.AttrPos.Start,
				Name:     attr.Attr,
				Extra:    attr,
			})
		}
		return false
	})
	slices.SortStableFunc(entities, func(a, b NamedEntity) int {
		return a.StartPos - b.StartPos
	})
	return entities
}

// CollectText parses src and collects its entities. A formula that does not
// parse has no entities.
func CollectText(p formula.Parser, src string, roots ...string) []NamedEntity {
	tree, err := p.Parse(src)
	if err != nil {
		return nil
	}
	return Collect(tree, roots...)
}

// rootOf returns the reserved root n denotes, looking through parentheses.
func rootOf(n formula.Node, roots []string) (string, bool) {
	for {
		switch v := n.(type) {
		case *formula.Paren:
			n = v.X
		case *formula.Name:
			return v.ID, slices.Contains(roots, v.ID)
		default:
			return "", false
		}
	}
}
