package dropdown_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/nalgeon/be"
	"github.com/stefanvanburen/dropcond/internal/dropdown"
	"github.com/stefanvanburen/dropcond/internal/formula"
	"github.com/stefanvanburen/dropcond/internal/patch"
	"github.com/stefanvanburen/dropcond/internal/predicate"
	"github.com/stefanvanburen/dropcond/internal/rename"
)

type decoded struct {
	Options   map[string]json.RawMessage
	Condition map[string]json.RawMessage
	Text      string
	Parsed    string
	HasParsed bool
}

func decode(t *testing.T, blob string) decoded {
	t.Helper()
	var d decoded
	be.Err(t, json.Unmarshal([]byte(blob), &d.Options), nil)
	be.Err(t, json.Unmarshal(d.Options["dropdownCondition"], &d.Condition), nil)
	be.Err(t, json.Unmarshal(d.Condition["text"], &d.Text), nil)
	if raw, ok := d.Condition["parsed"]; ok {
		d.HasParsed = true
		be.Err(t, json.Unmarshal(raw, &d.Parsed), nil)
	}
	return d
}

func options(text string, parsed ...string) string {
	cond := map[string]any{"text": text}
	if len(parsed) > 0 {
		cond["parsed"] = parsed[0]
	}
	data, err := json.Marshal(map[string]any{"dropdownCondition": cond})
	if err != nil {
		panic(err)
	}
	return string(data)
}

func renames(t *testing.T, args ...string) rename.Map {
	t.Helper()
	m, err := rename.ParseMap(args)
	be.Err(t, err, nil)
	return m
}

func structured(t *testing.T, text string) string {
	t.Helper()
	parsed, err := predicate.Parser{Formula: formula.PythonParser{}}.ParseJSON(text)
	be.Err(t, err, nil)
	return parsed
}

func TestRename(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		colType string
		text    string
		renames []string
		want    string // new text; empty means no update
	}{
		{
			name:    "single",
			colType: "Ref:People",
			text:    "choice.Foo > 3",
			renames: []string{"People.Foo=Bar"},
			want:    "choice.Bar > 3",
		},
		{
			name:    "differing_lengths",
			colType: "Ref:People",
			text:    "choice.A == choice.BB",
			renames: []string{"People.A=XXXX", "People.BB=Y"},
			want:    "choice.XXXX == choice.Y",
		},
		{
			name:    "repeated_reference",
			colType: "Ref:People",
			text:    "choice.Foo > 1 and choice.Foo < 10",
			renames: []string{"People.Foo=Quantity"},
			want:    "choice.Quantity > 1 and choice.Quantity < 10",
		},
		{
			name:    "whitespace_and_comment_preserved",
			colType: "Ref:People",
			text:    "(  choice . Foo   in  ['a','b'] )  # Foo",
			renames: []string{"People.Foo=Bar"},
			want:    "(  choice . Bar   in  ['a','b'] )  # Foo",
		},
		{
			name:    "reflist",
			colType: "RefList:People",
			text:    "choice.Foo",
			renames: []string{"People.Foo=Bar"},
			want:    "choice.Bar",
		},
		{
			name:    "no_match",
			colType: "Ref:People",
			text:    "choice.Foo > 3",
			renames: []string{"People.Baz=Bar"},
		},
		{
			name:    "other_table",
			colType: "Ref:People",
			text:    "choice.Foo > 3",
			renames: []string{"Projects.Foo=Bar"},
		},
		{
			name:    "non_reserved_root",
			colType: "Ref:People",
			text:    "other.Foo > 3",
			renames: []string{"People.Foo=Bar"},
		},
		{
			name:    "nested_attribute",
			colType: "Ref:People",
			text:    "choice.Manager.Foo > 3",
			renames: []string{"People.Foo=Bar"},
		},
		{
			name:    "not_a_reference_column",
			colType: "Text",
			text:    "choice.Foo > 3",
			renames: []string{"Text.Foo=Bar"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			engine := dropdown.New(dropdown.Options{})
			col := dropdown.Column{ID: 1, TableID: "Projects", ColID: "Owner", Type: tc.colType, WidgetOptions: options(tc.text, "stale")}
			res, err := engine.Rename([]dropdown.Column{col}, renames(t, tc.renames...))
			be.Err(t, err, nil)
			be.Equal(t, len(res.Skipped), 0)

			if tc.want == "" {
				be.Equal(t, len(res.Updates), 0)
				return
			}
			be.Equal(t, len(res.Updates), 1)
			be.Equal(t, res.Updates[0].ColumnID, int64(1))

			got := decode(t, res.Updates[0].WidgetOptions)
			be.Equal(t, got.Text, tc.want)
			be.True(t, got.HasParsed)
			be.Equal(t, got.Parsed, structured(t, tc.want))
		})
	}
}

func TestRenameScopes(t *testing.T) {
	t.Parallel()

	engine := dropdown.New(dropdown.Options{
		Roots: map[string]dropdown.Scope{"choice": dropdown.ScopeRef, "rec": dropdown.ScopeSelf},
	})
	col := dropdown.Column{ID: 7, TableID: "Tasks", ColID: "Assignee", Type: "Ref:People", WidgetOptions: options("$Team == choice.Team and rec.Team != ''")}
	res, err := engine.Rename([]dropdown.Column{col}, renames(t, "People.Team=Squad", "Tasks.Team=Group"))
	be.Err(t, err, nil)
	be.Equal(t, len(res.Updates), 1)
	be.Equal(t, decode(t, res.Updates[0].WidgetOptions).Text, "$Group == choice.Squad and rec.Group != ''")
}

func TestRenameFaultIsolation(t *testing.T) {
	t.Parallel()

	var logs bytes.Buffer
	engine := dropdown.New(dropdown.Options{
		Logger: slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug})),
	})
	columns := []dropdown.Column{
		{ID: 1, TableID: "T", ColID: "A", Type: "Ref:People", WidgetOptions: options("choice.Foo >")},
		{ID: 2, TableID: "T", ColID: "B", Type: "Ref:People", WidgetOptions: `{"dropdownCondition": `},
		{ID: 3, TableID: "T", ColID: "C", Type: "Ref:People", WidgetOptions: `{"dropdownCondition": {"parsed": "x"}}`},
		{ID: 4, TableID: "T", ColID: "D", Type: "Ref:People", WidgetOptions: `{"choices": ["a"]}`},
		{ID: 5, TableID: "T", ColID: "E", Type: "Ref:People", WidgetOptions: ""},
		{ID: 6, TableID: "T", ColID: "F", Type: "Ref:People", WidgetOptions: options("choice.Foo == 1")},
	}
	res, err := engine.Rename(columns, renames(t, "People.Foo=Bar"))
	be.Err(t, err, nil)

	be.Equal(t, len(res.Updates), 1)
	be.Equal(t, res.Updates[0].ColumnID, int64(6))
	be.Equal(t, decode(t, res.Updates[0].WidgetOptions).Text, "choice.Bar == 1")

	be.Equal(t, len(res.Skipped), 3)
	be.Equal(t, res.Skipped[0].ColumnID, int64(1))
	be.True(t, errors.Is(res.Skipped[0].Err, formula.ErrSyntax))
	be.Equal(t, res.Skipped[1].ColumnID, int64(2))
	be.True(t, errors.Is(res.Skipped[1].Err, dropdown.ErrOptionsDecode))
	be.Equal(t, res.Skipped[2].ColumnID, int64(3))
	be.Err(t, res.Skipped[2].Err, "dropdownCondition.text")

	be.True(t, bytes.Contains(logs.Bytes(), []byte("skipping dropdown condition")))
}

func TestRenamePreservesOtherKeys(t *testing.T) {
	t.Parallel()

	blob := `{"alignment":"left","choices":["a","b"],"dropdownCondition":{"text":"choice.Foo < 3","parsed":"old","extra":{"x":1}}}`
	engine := dropdown.New(dropdown.Options{})
	res, err := engine.Rename([]dropdown.Column{{ID: 1, Type: "Ref:People", WidgetOptions: blob}}, renames(t, "People.Foo=Bar"))
	be.Err(t, err, nil)
	be.Equal(t, len(res.Updates), 1)

	got := decode(t, res.Updates[0].WidgetOptions)
	be.Equal(t, string(got.Options["alignment"]), `"left"`)
	be.Equal(t, string(got.Options["choices"]), `["a","b"]`)
	be.Equal(t, string(got.Condition["extra"]), `{"x":1}`)
	be.Equal(t, got.Text, "choice.Bar < 3")
	// Formulas are stored without HTML escaping.
	be.True(t, bytes.Contains([]byte(res.Updates[0].WidgetOptions), []byte(`"choice.Bar < 3"`)))
}

func TestRenameKeepsUntouchedValuesVerbatim(t *testing.T) {
	t.Parallel()

	blob := `{"choices": [1, 2,  3], "style": { "a" : 1 }, "dropdownCondition": {"text": "choice.Foo", "extra": [ true ]}}`
	engine := dropdown.New(dropdown.Options{})
	res, err := engine.Rename([]dropdown.Column{{ID: 1, Type: "Ref:People", WidgetOptions: blob}}, renames(t, "People.Foo=Bar"))
	be.Err(t, err, nil)
	be.Equal(t, len(res.Updates), 1)

	out := res.Updates[0].WidgetOptions
	be.True(t, bytes.Contains([]byte(out), []byte(`"choices":[1, 2,  3]`)))
	be.True(t, bytes.Contains([]byte(out), []byte(`"style":{ "a" : 1 }`)))
	be.True(t, bytes.Contains([]byte(out), []byte(`"extra":[ true ]`)))
	be.True(t, json.Valid([]byte(out)))
	be.Equal(t, decode(t, out).Text, "choice.Bar")
}

func TestRenamePythonForms(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name       string
		text       string
		renames    []string
		want       string
		wantParsed bool // whether the structured form is kept
	}{
		{
			name:       "is_not",
			text:       "choice.Foo is not None",
			want:       "choice.Bar is not None",
			wantParsed: true,
		},
		{
			name:       "is",
			text:       "choice.Foo is None or choice.Foo is True",
			want:       "choice.Bar is None or choice.Bar is True",
			wantParsed: true,
		},
		{
			name:       "not_in",
			text:       "choice.Foo not in ['a', 'b']",
			want:       "choice.Bar not in ['a', 'b']",
			wantParsed: true,
		},
		{
			name:       "keyword_named_attribute",
			text:       "choice.load == 1 and choice.Foo",
			renames:    []string{"People.load=Weight", "People.Foo=Bar"},
			want:       "choice.Weight == 1 and choice.Bar",
			wantParsed: true,
		},
		{
			name:       "keyword_named_value",
			text:       "choice.Foo == load",
			want:       "choice.Bar == load",
			wantParsed: true,
		},
		{
			name:       "unicode_string_prefix",
			text:       "u'x' == choice.Foo",
			want:       "u'x' == choice.Bar",
			wantParsed: true,
		},
		{
			name:       "multi_line_parenthesized",
			text:       "(choice.Foo > 1 and\n    choice.Foo < 5)",
			want:       "(choice.Bar > 1 and\n    choice.Bar < 5)",
			wantParsed: true,
		},
		{
			name: "generator_argument",
			text: "any(x == choice.Foo for x in [1])",
			want: "any(x == choice.Bar for x in [1])",
		},
		{
			name: "list_comprehension",
			text: "choice.Foo in [x for x in choice.Foo if x]",
			want: "choice.Bar in [x for x in choice.Bar if x]",
		},
		{
			name: "dict_comprehension",
			text: "{k: choice.Foo for k in 'ab'}",
			want: "{k: choice.Bar for k in 'ab'}",
		},
		{
			name: "set_literal",
			text: "choice.Foo in {'a', 'b'}",
			want: "choice.Bar in {'a', 'b'}",
		},
		{
			name: "lambda",
			text: "(lambda x=choice.Foo: x == choice.Foo)()",
			want: "(lambda x=choice.Bar: x == choice.Bar)()",
		},
		{
			name: "chained_comparison",
			text: "1 < choice.Foo < 5",
			want: "1 < choice.Bar < 5",
		},
		{
			name: "chained_membership",
			text: "'a' < choice.Foo not in ['b']",
			want: "'a' < choice.Bar not in ['b']",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			rs := tc.renames
			if rs == nil {
				rs = []string{"People.Foo=Bar"}
			}
			engine := dropdown.New(dropdown.Options{})
			col := dropdown.Column{ID: 1, TableID: "Projects", ColID: "Owner", Type: "Ref:People", WidgetOptions: options(tc.text, "stale")}
			res, err := engine.Rename([]dropdown.Column{col}, renames(t, rs...))
			be.Err(t, err, nil)
			be.Equal(t, len(res.Skipped), 0)
			be.Equal(t, len(res.Updates), 1)

			got := decode(t, res.Updates[0].WidgetOptions)
			be.Equal(t, got.Text, tc.want)
			be.Equal(t, got.HasParsed, tc.wantParsed)
			if tc.wantParsed {
				be.Equal(t, got.Parsed, structured(t, tc.want))
			}
		})
	}
}

func TestRenameLogsReferences(t *testing.T) {
	t.Parallel()

	var logs bytes.Buffer
	engine := dropdown.New(dropdown.Options{
		Logger: slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug})),
	})
	col := dropdown.Column{ID: 3, Type: "Ref:People", WidgetOptions: options("choice.Foo > 1 and choice.Foo < 5")}
	_, err := engine.Rename([]dropdown.Column{col}, renames(t, "People.Foo=Bar"))
	be.Err(t, err, nil)

	be.True(t, bytes.Contains(logs.Bytes(), []byte("old=Foo new=Bar")))
	be.True(t, bytes.Contains(logs.Bytes(), []byte("patches=2")))
}

type failingPredicate struct{}

func (failingPredicate) ParseJSON(string) (string, error) {
	return "", errors.New("no structured form")
}

func TestRenameDropsParsedWhenStructuredParseFails(t *testing.T) {
	t.Parallel()

	var logs bytes.Buffer
	engine := dropdown.New(dropdown.Options{
		Predicate: failingPredicate{},
		Logger:    slog.New(slog.NewTextHandler(&logs, nil)),
	})
	col := dropdown.Column{ID: 1, Type: "Ref:People", WidgetOptions: options("choice.Foo", "stale")}
	res, err := engine.Rename([]dropdown.Column{col}, renames(t, "People.Foo=Bar"))
	be.Err(t, err, nil)
	be.Equal(t, len(res.Updates), 1)

	got := decode(t, res.Updates[0].WidgetOptions)
	be.Equal(t, got.Text, "choice.Bar")
	be.True(t, !got.HasParsed)
	be.True(t, bytes.Contains(logs.Bytes(), []byte("dropping stale parsed dropdown condition")))
}

// overlappingParser reports two references to the same source bytes, which
// the collector never produces from a real parse.
type overlappingParser struct{}

func (overlappingParser) Parse(src string) (*formula.Tree, error) {
	attr := func() *formula.Attribute {
		return &formula.Attribute{
			Value:   &formula.Name{ID: "choice", Pos: formula.Span{Start: 0, End: 6}},
			Attr:    "Foo",
			AttrPos: formula.Span{Start: 7, End: 10},
			Pos:     formula.Span{Start: 0, End: 10},
		}
	}
	return &formula.Tree{
		Source:  src,
		Root:    &formula.BinOp{Op: formula.OpEq, X: attr(), Y: attr(), Pos: formula.Span{Start: 0, End: 10}},
		Dialect: formula.Python,
	}, nil
}

func TestRenameOverlapHaltsColumn(t *testing.T) {
	t.Parallel()

	engine := dropdown.New(dropdown.Options{Parser: overlappingParser{}, Predicate: failingPredicate{}})
	columns := []dropdown.Column{
		{ID: 1, TableID: "T", ColID: "A", Type: "Ref:People", WidgetOptions: options("choice.Foo")},
	}
	res, err := engine.Rename(columns, renames(t, "People.Foo=Bar"))
	be.True(t, errors.Is(err, patch.ErrOverlap))
	be.Err(t, err, "column T.A")
	be.Equal(t, len(res.Updates), 0)
	be.Equal(t, len(res.Skipped), 1)
	be.True(t, errors.Is(res.Skipped[0].Err, patch.ErrOverlap))
}

func TestParseCondition(t *testing.T) {
	t.Parallel()

	engine := dropdown.New(dropdown.Options{})

	blob := options("choice.Foo > 3")
	once, err := engine.ParseCondition(blob)
	be.Err(t, err, nil)
	got := decode(t, once)
	be.Equal(t, got.Text, "choice.Foo > 3")
	be.Equal(t, got.Parsed, `["Gt",["Attr",["Name","choice"],"Foo"],["Const",3]]`)

	// Already parsed: returned as is.
	twice, err := engine.ParseCondition(once)
	be.Err(t, err, nil)
	be.Equal(t, twice, once)

	// Untouched inputs.
	for _, blob := range []string{
		"",
		"not json",
		"null",
		"[1, 2]",
		`{"choices": ["a"]}`,
		`{"dropdownCondition": null}`,
		`{"dropdownCondition": "choice.Foo"}`,
		`{"dropdownCondition": {"text": 3}}`,
		`{"dropdownCondition": {"text": "choice.Foo >", "parsed": "x"}}`,
	} {
		out, err := engine.ParseCondition(blob)
		be.Err(t, err, nil)
		be.Equal(t, out, blob)
	}

	// A text that does not parse is reported.
	bad := options("choice.Foo >")
	out, err := engine.ParseCondition(bad)
	be.True(t, errors.Is(err, formula.ErrSyntax))
	be.Equal(t, out, bad)
}

func TestParseConditions(t *testing.T) {
	t.Parallel()

	engine := dropdown.New(dropdown.Options{})
	blobs := []string{options("choice.A == 1"), options("choice.B >"), `{"choices": []}`}
	out, err := engine.ParseConditions(blobs)
	be.Err(t, err, "widget options 1")
	be.True(t, errors.Is(err, formula.ErrSyntax))

	be.Equal(t, len(out), 3)
	be.Equal(t, decode(t, out[0]).Parsed, structured(t, "choice.A == 1"))
	be.Equal(t, out[1], blobs[1])
	be.Equal(t, out[2], blobs[2])
}

func TestEntities(t *testing.T) {
	t.Parallel()

	engine := dropdown.New(dropdown.Options{
		Roots: map[string]dropdown.Scope{"choice": dropdown.ScopeRef, "rec": dropdown.ScopeSelf},
	})
	entities, err := engine.Entities("choice.A == $B")
	be.Err(t, err, nil)
	be.Equal(t, len(entities), 2)
	be.Equal(t, entities[0].Name, "A")
	be.Equal(t, entities[1].Root, "rec")

	_, err = engine.Entities("choice.A ==")
	be.True(t, errors.Is(err, formula.ErrSyntax))
}

func TestParseScope(t *testing.T) {
	t.Parallel()

	s, err := dropdown.ParseScope("Self")
	be.Err(t, err, nil)
	be.Equal(t, s, dropdown.ScopeSelf)
	be.Equal(t, s.String(), "self")

	_, err = dropdown.ParseScope("other")
	be.Err(t, err, "unknown scope")
}

func TestSkipJSON(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(dropdown.Result{
		Updates: []dropdown.Update{{ColumnID: 1, WidgetOptions: "{}"}},
		Skipped: []dropdown.Skip{{ColumnID: 2, Err: errors.New("bad")}},
	})
	be.Err(t, err, nil)
	be.Equal(t, string(data), `{"updates":[{"columnId":1,"widgetOptions":"{}"}],"skipped":[{"columnId":2,"error":"bad"}]}`)
}
