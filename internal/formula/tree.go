// Package formula parses the small predicate expressions stored in column
// options (dropdown conditions and similar) into a syntax tree whose every
// node carries its exact byte span in the source text.
//
// Two dialects are supported: a Python dialect built on go.starlark.net's
// parser, and a CEL dialect built on cel-go. Both produce the same closed
// set of node kinds.
package formula

import "fmt"

// Span is a half-open byte range [Start, End) into the Source of the Tree it
// was produced for. A Span is meaningless against any other text.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len returns the number of bytes covered by the span.
func (s Span) Len() int { return s.End - s.Start }

// Contains reports whether other lies entirely within s.
func (s Span) Contains(other Span) bool {
	return s.Start <= other.Start && other.End <= s.End
}

func (s Span) String() string { return fmt.Sprintf("[%d,%d)", s.Start, s.End) }

// Node is one of *Name, *Attribute, *Call, *Literal, *UnaryOp, *BinOp,
// *Compare, *Paren, *List, *Dict, *Index, *Cond, *Comprehension or *Lambda.
// The set is closed: consumers switch over all kinds and treat anything else
// as a programming error.
type Node interface {
	// Span returns the smallest span covering the node's source text.
	Span() Span
	node()
}

// Name is a bare identifier, e.g. "choice".
type Name struct {
	ID  string
	Pos Span
}

// Attribute is an attribute access Value.Attr. AttrPos covers only the final
// identifier, which is the part a rename replaces.
type Attribute struct {
	Value   Node
	Attr    string
	AttrPos Span
	Pos     Span
}

// Keyword is a keyword argument name=Value of a call.
type Keyword struct {
	Name    string
	NamePos Span
	Value   Node
}

// Call is a function or method call. Method calls have an *Attribute Func.
type Call struct {
	Func     Node
	Args     []Node
	Keywords []Keyword
	Pos      Span
}

// Literal is a constant. Value holds a string, bool, nil, int64, uint64,
// *big.Int, float64 or []byte.
type Literal struct {
	Value any
	Raw   string
	Pos   Span
}

// UnaryOp is a prefix operator applied to X.
type UnaryOp struct {
	Op  Op
	X   Node
	Pos Span
}

// BinOp is an infix operator, including comparisons and boolean operators.
type BinOp struct {
	Op   Op
	X, Y Node
	Pos  Span
}

// Compare is a chain of two or more comparisons sharing operands, e.g.
// "1 < a <= 5". A single comparison is a *BinOp.
type Compare struct {
	Left        Node
	Ops         []Op
	Comparators []Node
	Pos         Span
}

// Paren is a parenthesized expression.
type Paren struct {
	X   Node
	Pos Span
}

// List is a list, tuple or set display.
type List struct {
	Elts  []Node
	Tuple bool
	Set   bool
	Pos   Span
}

// DictEntry is one key: value pair of a Dict.
type DictEntry struct {
	Key, Value Node
}

// Dict is a dict (python) or map (cel) display.
type Dict struct {
	Entries []DictEntry
	Pos     Span
}

// Index is X[Index].
type Index struct {
	X, Index Node
	Pos      Span
}

// Cond is a conditional expression: "a if c else b" or "c ? a : b".
type Cond struct {
	Test, Then, Else Node
	Pos              Span
}

// CompKind says what a comprehension builds.
type CompKind int

const (
	CompList CompKind = iota
	CompSet
	CompDict
	CompGenerator
)

// CompClause is one "for Target in Iter" clause of a comprehension, or an
// "if Cond" clause when Cond is set.
type CompClause struct {
	Target, Iter Node
	Cond         Node
}

// Comprehension is a list, set, dict or generator comprehension. Dict
// comprehensions have both Elt (the key) and Value.
type Comprehension struct {
	Kind    CompKind
	Elt     Node
	Value   Node
	Clauses []CompClause
	Pos     Span
}

// Param is a lambda parameter. Star is "*" or "**" for variadic parameters.
type Param struct {
	Name    string
	NamePos Span
	Star    string
	Default Node
}

// Lambda is an anonymous function "lambda params: Body".
type Lambda struct {
	Params []Param
	Body   Node
	Pos    Span
}

func (n *Name) Span() Span          { return n.Pos }
func (n *Attribute) Span() Span     { return n.Pos }
func (n *Call) Span() Span          { return n.Pos }
func (n *Literal) Span() Span       { return n.Pos }
func (n *UnaryOp) Span() Span       { return n.Pos }
func (n *BinOp) Span() Span         { return n.Pos }
func (n *Compare) Span() Span       { return n.Pos }
func (n *Paren) Span() Span         { return n.Pos }
func (n *List) Span() Span          { return n.Pos }
func (n *Dict) Span() Span          { return n.Pos }
func (n *Index) Span() Span         { return n.Pos }
func (n *Cond) Span() Span          { return n.Pos }
func (n *Comprehension) Span() Span { return n.Pos }
func (n *Lambda) Span() Span        { return n.Pos }

func (*Name) node()          {}
func (*Attribute) node()     {}
func (*Call) node()          {}
func (*Literal) node()       {}
func (*UnaryOp) node()       {}
func (*BinOp) node()         {}
func (*Compare) node()       {}
func (*Paren) node()         {}
func (*List) node()          {}
func (*Dict) node()          {}
func (*Index) node()         {}
func (*Cond) node()          {}
func (*Comprehension) node() {}
func (*Lambda) node()        {}

// Op names an operator. The names match the structured predicate form.
type Op string

const (
	OpAnd      Op = "And"
	OpOr       Op = "Or"
	OpNot      Op = "Not"
	OpEq       Op = "Eq"
	OpNotEq    Op = "NotEq"
	OpLt       Op = "Lt"
	OpLtE      Op = "LtE"
	OpGt       Op = "Gt"
	OpGtE      Op = "GtE"
	OpIn       Op = "In"
	OpNotIn    Op = "NotIn"
	OpIs       Op = "Is"
	OpIsNot    Op = "IsNot"
	OpAdd      Op = "Add"
	OpSub      Op = "Sub"
	OpMult     Op = "Mult"
	OpDiv      Op = "Div"
	OpFloorDiv Op = "FloorDiv"
	OpMod      Op = "Mod"
	OpBitAnd   Op = "BitAnd"
	OpBitOr    Op = "BitOr"
	OpBitXor   Op = "BitXor"
	OpLShift   Op = "LShift"
	OpRShift   Op = "RShift"
	OpUSub     Op = "USub"
	OpUAdd     Op = "UAdd"
	OpInvert   Op = "Invert"
)

// IsCompare reports whether op is a comparison operator.
func (op Op) IsCompare() bool {
	switch op {
	case OpEq, OpNotEq, OpLt, OpLtE, OpGt, OpGtE, OpIn, OpNotIn, OpIs, OpIsNot:
		return true
	}
	return false
}

// IsBool reports whether op is a binary boolean operator.
func (op Op) IsBool() bool { return op == OpAnd || op == OpOr }

// Tree is a parsed formula. Spans of every node index into Source.
type Tree struct {
	Source  string
	Root    Node
	Dialect Dialect
	// Comment is the text of the first line comment outside string
	// literals, without its marker and surrounding space.
	Comment string
}

// Text returns the source text covered by s.
func (t *Tree) Text(s Span) string {
	if s.Start > s.End || !(Span{0, len(t.Source)}).Contains(s) {
		return ""
	}
	return t.Source[s.Start:s.End]
}

// LineCol returns the 1-based line and rune column of byte offset off.
func (t *Tree) LineCol(off int) (line, col int) {
	return byteOffsetToLineCol(t.Source, off)
}

// Inspect calls fn for n and then, depth first, for every descendant of n.
// Returning false from fn skips the node's children. Children are visited in
// structural order, which is not always source order (see Cond).
func Inspect(n Node, fn func(Node) bool) {
	if n == nil || !fn(n) {
		return
	}
	switch n := n.(type) {
	case *Name, *Literal:
	case *Attribute:
		Inspect(n.Value, fn)
	case *Call:
		Inspect(n.Func, fn)
		for _, arg := range n.Args {
			Inspect(arg, fn)
		}
		for _, kw := range n.Keywords {
			Inspect(kw.Value, fn)
		}
	case *UnaryOp:
		Inspect(n.X, fn)
	case *BinOp:
		Inspect(n.X, fn)
		Inspect(n.Y, fn)
	case *Compare:
		Inspect(n.Left, fn)
		for _, c := range n.Comparators {
			Inspect(c, fn)
		}
	case *Paren:
		Inspect(n.X, fn)
	case *List:
		for _, elt := range n.Elts {
			Inspect(elt, fn)
		}
	case *Dict:
		for _, e := range n.Entries {
			Inspect(e.Key, fn)
			Inspect(e.Value, fn)
		}
	case *Index:
		Inspect(n.X, fn)
		Inspect(n.Index, fn)
	case *Cond:
		Inspect(n.Test, fn)
		Inspect(n.Then, fn)
		Inspect(n.Else, fn)
	case *Comprehension:
		Inspect(n.Elt, fn)
		Inspect(n.Value, fn)
		for _, c := range n.Clauses {
			Inspect(c.Target, fn)
			Inspect(c.Iter, fn)
			Inspect(c.Cond, fn)
		}
	case *Lambda:
		for _, p := range n.Params {
			Inspect(p.Default, fn)
		}
		Inspect(n.Body, fn)
	default:
		panic(fmt.Sprintf("formula: unhandled node %T", n))
	}
}
