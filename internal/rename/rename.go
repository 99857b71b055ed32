// Package rename resolves collected entities against a batch of column
// renames.
package rename

import (
	"fmt"
	"strings"

	"github.com/stefanvanburen/dropcond/internal/entity"
)

// Key identifies a column by table and column id.
type Key struct {
	TableID string `json:"tableId"`
	ColID   string `json:"colId"`
}

func (k Key) String() string { return k.TableID + "." + k.ColID }

// Map maps a column to its new column id.
type Map map[Key]string

// Add records that tableID.colID is renamed to newColID.
func (m Map) Add(tableID, colID, newColID string) {
	m[Key{TableID: tableID, ColID: colID}] = newColID
}

// Lookup returns the new id of tableID.colID.
func (m Map) Lookup(tableID, colID string) (string, bool) {
	newColID, ok := m[Key{TableID: tableID, ColID: colID}]
	return newColID, ok
}

// ParseMap parses renames written as Table.Old=New.
func ParseMap(args []string) (Map, error) {
	m := make(Map, len(args))
	for _, arg := range args {
		lhs, newColID, ok := strings.Cut(arg, "=")
		if !ok {
			return nil, fmt.Errorf("invalid rename %q: want Table.Old=New", arg)
		}
		tableID, colID, ok := strings.Cut(lhs, ".")
		if !ok || tableID == "" || colID == "" || newColID == "" {
			return nil, fmt.Errorf("invalid rename %q: want Table.Old=New", arg)
		}
		key := Key{TableID: tableID, ColID: colID}
		if _, dup := m[key]; dup {
			return nil, fmt.Errorf("duplicate rename of %s", key)
		}
		m[key] = newColID
	}
	return m, nil
}

// refPrefixes are the column type prefixes naming a referenced table.
var refPrefixes = []string{"Ref:", "RefList:"}

// TableContext returns the table referenced by a column of type colType,
// e.g. "Ref:People" or "RefList:People" give "People". Other types reference
// no table.
func TableContext(colType string) (string, bool) {
	for _, prefix := range refPrefixes {
		if tableID, ok := strings.CutPrefix(colType, prefix); ok && tableID != "" {
			return tableID, true
		}
	}
	return "", false
}

// Accepted is an entity together with the name it is renamed to.
type Accepted struct {
	Entity  entity.NamedEntity
	NewName string
}

// OldName returns the name being replaced.
func (a Accepted) OldName() string { return a.Entity.Name }

// Resolve returns the entities that name a renamed column, in the order
// given. An entity's own TableContext takes precedence over tableID.
func Resolve(entities []entity.NamedEntity, tableID string, renames Map) []Accepted {
	var accepted []Accepted
	for _, e := range entities {
		table := tableID
		if e.TableContext != "" {
			table = e.TableContext
		}
		if table == "" {
			continue
		}
		if newName, ok := renames.Lookup(table, e.Name); ok {
			accepted = append(accepted, Accepted{Entity: e, NewName: newName})
		}
	}
	return accepted
}
