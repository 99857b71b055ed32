package predicate_test

import (
	"errors"
	"testing"

	"github.com/nalgeon/be"
	"github.com/stefanvanburen/dropcond/internal/formula"
	"github.com/stefanvanburen/dropcond/internal/predicate"
)

func TestParseJSON(t *testing.T) {
	t.Parallel()

	cel, err := formula.NewCELParser()
	be.Err(t, err, nil)

	testCases := []struct {
		name   string
		parser formula.Parser
		text   string
		want   string
	}{
		{
			name:   "empty",
			parser: formula.PythonParser{},
			text:   "",
			want:   "",
		},
		{
			name:   "comparison",
			parser: formula.PythonParser{},
			text:   "choice.Foo > 3",
			want:   `["Gt",["Attr",["Name","choice"],"Foo"],["Const",3]]`,
		},
		{
			name:   "flattened_and",
			parser: formula.PythonParser{},
			text:   "choice.A and choice.B and not choice.C",
			want:   `["And",["Attr",["Name","choice"],"A"],["Attr",["Name","choice"],"B"],["Not",["Attr",["Name","choice"],"C"]]]`,
		},
		{
			name:   "constants_and_lists",
			parser: formula.PythonParser{},
			text:   "choice.Status in ['Open', None, True, -2]",
			want:   `["In",["Attr",["Name","choice"],"Status"],["List",["Const","Open"],["Const",null],["Const",true],["Const",-2]]]`,
		},
		{
			name:   "parentheses_are_transparent",
			parser: formula.PythonParser{},
			text:   "(choice.A + 1) * 2 <= rec.B",
			want:   `["LtE",["Mult",["Add",["Attr",["Name","choice"],"A"],["Const",1]],["Const",2]],["Attr",["Name","rec"],"B"]]`,
		},
		{
			name:   "rec_shorthand",
			parser: formula.PythonParser{},
			text:   "choice.Team == $Team",
			want:   `["Eq",["Attr",["Name","choice"],"Team"],["Attr",["Name","rec"],"Team"]]`,
		},
		{
			name:   "comment",
			parser: formula.PythonParser{},
			text:   "choice.A != 'x' # keep <b>",
			want:   `["Comment",["NotEq",["Attr",["Name","choice"],"A"],["Const","x"]],"keep <b>"]`,
		},
		{
			name:   "is_none",
			parser: formula.PythonParser{},
			text:   "choice.Foo is None or choice.Bar is not None",
			want:   `["Or",["Is",["Attr",["Name","choice"],"Foo"],["Const",null]],["IsNot",["Attr",["Name","choice"],"Bar"],["Const",null]]]`,
		},
		{
			name:   "floats_keep_their_point",
			parser: formula.PythonParser{},
			text:   "choice.A in [1.5e3, 3.0, -0.5, 1e16, 0.0001, 1e-5]",
			want:   `["In",["Attr",["Name","choice"],"A"],["List",["Const",1500.0],["Const",3.0],["Const",-0.5],["Const",1e+16],["Const",0.0001],["Const",1e-05]]]`,
		},
		{
			name:   "cel",
			parser: cel,
			text:   "choice.A == 'x' || choice.B < 2.5",
			want:   `["Or",["Eq",["Attr",["Name","choice"],"A"],["Const","x"]],["Lt",["Attr",["Name","choice"],"B"],["Const",2.5]]]`,
		},
		{
			name:   "cel_literals",
			parser: cel,
			text:   "choice.A in [true, null]",
			want:   `["In",["Attr",["Name","choice"],"A"],["List",["Const",true],["Const",null]]]`,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := predicate.Parser{Formula: tc.parser}.ParseJSON(tc.text)
			be.Err(t, err, nil)
			be.Equal(t, got, tc.want)
		})
	}
}

func TestParseJSONErrors(t *testing.T) {
	t.Parallel()

	p := predicate.Parser{Formula: formula.PythonParser{}}

	_, err := p.ParseJSON("choice.Foo >")
	be.True(t, errors.Is(err, formula.ErrSyntax))

	testCases := []struct {
		name string
		text string
		want string
	}{
		{"call", "len(choice.Items) > 0", "Unsupported syntax at 1:1"},
		{"index", "choice.Items[0]", "Unsupported syntax at 1:1"},
		{"conditional", "1 if choice.A else 2", "Unsupported syntax at 1:1"},
		{"floor_division", "choice.A // 2", "Unsupported syntax at 1:1"},
		{"nested", "(choice.A and\n  f(choice.B))", "Unsupported syntax at 2:3"},
		{"chained_comparison", "1 < choice.A < 5", "Unsupported syntax at 1:1"},
		{"generator", "any(x == choice.A for x in [1])", "Unsupported syntax at 1:1"},
		{"lambda", "choice.A and (lambda x: x)(1)", "Unsupported syntax at 1:14"},
		{"set", "choice.A in {1, 2}", "Unsupported syntax at 1:13"},
		{"bitwise", "choice.A & 1", "Unsupported syntax at 1:1"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := p.ParseJSON(tc.text)
			be.True(t, errors.Is(err, predicate.ErrUnsupported))
			be.Err(t, err, tc.want)
		})
	}
}
