// Package dropdown keeps dropdown-condition formulas stored in column widget
// options in step with column renames, and keeps each condition's cached
// structured form in step with its text.
//
// A widget-options blob carrying a condition looks like
//
//	{"choices": [...], "dropdownCondition": {"text": "choice.Status == 'Active'", "parsed": "[...]"}}
//
// Only the dropdownCondition object is interpreted; every other key is
// carried through untouched.
package dropdown

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"

	"github.com/stefanvanburen/dropcond/internal/entity"
	"github.com/stefanvanburen/dropcond/internal/formula"
	"github.com/stefanvanburen/dropcond/internal/patch"
	"github.com/stefanvanburen/dropcond/internal/predicate"
	"github.com/stefanvanburen/dropcond/internal/rename"
)

// Column is a column record as enumerated by the host document.
type Column struct {
	ID            int64  `json:"id"`
	TableID       string `json:"tableId"`
	ColID         string `json:"colId"`
	Type          string `json:"type"`
	WidgetOptions string `json:"widgetOptions"`
}

// Update is new widget options for one column.
type Update struct {
	ColumnID      int64  `json:"columnId"`
	WidgetOptions string `json:"widgetOptions"`
}

// Skip records a column left out of a batch and why.
type Skip struct {
	ColumnID int64 `json:"columnId"`
	Err      error `json:"-"`
}

// Result is the outcome of a rename batch.
type Result struct {
	Updates []Update `json:"updates"`
	Skipped []Skip   `json:"skipped,omitempty"`
}

// Scope says which table the attributes of a reserved root belong to.
type Scope int

const (
	// ScopeRef is the table referenced by the column's type.
	ScopeRef Scope = iota
	// ScopeSelf is the column's own table.
	ScopeSelf
)

func (s Scope) String() string {
	switch s {
	case ScopeRef:
		return "ref"
	case ScopeSelf:
		return "self"
	}
	return fmt.Sprintf("Scope(%d)", int(s))
}

// ParseScope parses "ref" or "self".
func ParseScope(s string) (Scope, error) {
	switch strings.ToLower(s) {
	case "ref":
		return ScopeRef, nil
	case "self":
		return ScopeSelf, nil
	}
	return 0, fmt.Errorf("unknown scope %q: want ref or self", s)
}

// DefaultRoots is the root set used when Options.Roots is empty.
func DefaultRoots() map[string]Scope {
	return map[string]Scope{entity.ChoiceRoot: ScopeRef}
}

// StructuredParser computes the JSON text of a formula's structured form.
type StructuredParser interface {
	ParseJSON(text string) (string, error)
}

// Options configure an Engine. The zero value uses the Python dialect, the
// predicate package and the choice root.
type Options struct {
	Parser    formula.Parser
	Predicate StructuredParser
	Roots     map[string]Scope
	Logger    *slog.Logger
}

// Engine rewrites dropdown conditions. It holds no document state and is
// safe for concurrent use if its parsers are.
type Engine struct {
	parser    formula.Parser
	predicate StructuredParser
	roots     map[string]Scope
	rootNames []string
	logger    *slog.Logger
}

// New returns an Engine configured by opts.
func New(opts Options) *Engine {
	e := &Engine{
		parser:    opts.Parser,
		predicate: opts.Predicate,
		roots:     maps.Clone(opts.Roots),
		logger:    opts.Logger,
	}
	if e.parser == nil {
		e.parser = formula.PythonParser{}
	}
	if e.predicate == nil {
		e.predicate = predicate.Parser{Formula: e.parser}
	}
	if len(e.roots) == 0 {
		e.roots = DefaultRoots()
	}
	if e.logger == nil {
		e.logger = slog.New(slog.DiscardHandler)
	}
	e.rootNames = slices.Sorted(maps.Keys(e.roots))
	return e
}

// Entities parses text and returns its renameable entities. TableContext is
// left empty; it depends on the column the formula belongs to.
func (e *Engine) Entities(text string) ([]entity.NamedEntity, error) {
	tree, err := e.parser.Parse(text)
	if err != nil {
		return nil, err
	}
	return entity.Collect(tree, e.rootNames...), nil
}

// Rename rewrites the dropdown conditions of columns that refer to a renamed
// column and returns the new widget options for each of them.
//
// Columns are processed independently. A column whose options do not decode
// or whose condition does not parse is recorded in Result.Skipped and the
// batch continues. A column none of whose references is renamed produces no
// update. A patch set that cannot be applied halts that column only; such
// failures are also returned joined as the error, alongside the updates
// computed for the healthy columns.
func (e *Engine) Rename(columns []Column, renames rename.Map) (Result, error) {
	var (
		res        Result
		invariants []error
	)
	for _, col := range columns {
		upd, ok, err := e.renameColumn(col, renames)
		if err != nil {
			res.Skipped = append(res.Skipped, Skip{ColumnID: col.ID, Err: err})
			var invariant *patch.InvariantError
			if errors.As(err, &invariant) {
				e.logger.Error("refusing to rewrite dropdown condition",
					"column", col.ID, "table", col.TableID, "col", col.ColID, "err", err)
				invariants = append(invariants, fmt.Errorf("column %s.%s: %w", col.TableID, col.ColID, err))
				continue
			}
			e.logger.Debug("skipping dropdown condition",
				"column", col.ID, "table", col.TableID, "col", col.ColID, "err", err)
			continue
		}
		if ok {
			res.Updates = append(res.Updates, upd)
		}
	}
	return res, errors.Join(invariants...)
}

func (e *Engine) renameColumn(col Column, renames rename.Map) (Update, bool, error) {
	opts, cond, text, err := decodeCondition(col.WidgetOptions)
	if err != nil {
		return Update{}, false, err
	}
	if cond == nil {
		return Update{}, false, nil
	}

	entities, err := e.Entities(text)
	if err != nil {
		return Update{}, false, err
	}
	refTable, _ := rename.TableContext(col.Type)
	for i := range entities {
		switch e.roots[entities[i].Root] {
		case ScopeRef:
			entities[i].TableContext = refTable
		case ScopeSelf:
			entities[i].TableContext = col.TableID
		}
	}

	accepted := rename.Resolve(entities, "", renames)
	if len(accepted) == 0 {
		return Update{}, false, nil
	}
	b := patch.ForRenames(text, accepted)
	newText, err := b.Apply()
	if err != nil {
		return Update{}, false, err
	}
	for _, a := range accepted {
		e.logger.Debug("renaming dropdown condition reference",
			"column", col.ID, "root", a.Entity.Root, "old", a.OldName(), "new", a.NewName)
	}
	e.logger.Debug("rewrote dropdown condition", "column", col.ID, "patches", b.Len())

	if err := cond.setText(newText); err != nil {
		return Update{}, false, err
	}
	if err := e.syncParsed(cond, newText); err != nil {
		cond.dropParsed()
		e.logger.Warn("dropping stale parsed dropdown condition",
			"column", col.ID, "table", col.TableID, "col", col.ColID, "err", err)
	}
	blob, err := opts.encode(cond)
	if err != nil {
		return Update{}, false, err
	}
	return Update{ColumnID: col.ID, WidgetOptions: blob}, true, nil
}

// ParseCondition fills in the parsed form of the dropdown condition in the
// widget-options blob if it is missing.
//
// A blob that is not a JSON object with a dropdownCondition object holding a
// text string is returned unchanged, as is one that already has a parsed
// form. A condition whose text does not parse is returned unchanged along
// with the parse error.
func (e *Engine) ParseCondition(blob string) (string, error) {
	opts, cond, text, err := decodeCondition(blob)
	if err != nil || cond == nil || cond.hasParsed() {
		return blob, nil
	}
	if err := e.syncParsed(cond, text); err != nil {
		return blob, err
	}
	out, err := opts.encode(cond)
	if err != nil {
		return blob, nil
	}
	return out, nil
}

// ParseConditions applies ParseCondition to each blob. Every output is
// returned; errors are joined and name the offending index.
func (e *Engine) ParseConditions(blobs []string) ([]string, error) {
	out := make([]string, len(blobs))
	var errs []error
	for i, blob := range blobs {
		parsed, err := e.ParseCondition(blob)
		if err != nil {
			errs = append(errs, fmt.Errorf("widget options %d: %w", i, err))
		}
		out[i] = parsed
	}
	return out, errors.Join(errs...)
}

func (e *Engine) syncParsed(cond *condition, text string) error {
	parsed, err := e.predicate.ParseJSON(text)
	if err != nil {
		return err
	}
	return cond.setParsed(parsed)
}
