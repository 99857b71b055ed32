package formula

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/cel-go/cel"
	celast "github.com/google/cel-go/common/ast"
	"github.com/google/cel-go/common/operators"
	"github.com/google/cel-go/common/types"
)

// CELParser parses formulas written in the Common Expression Language.
//
// Macros are cleared from the environment so that has(), all(), exists()
// and friends stay ordinary calls and every argument keeps its source
// position.
type CELParser struct {
	env *cel.Env
}

// NewCELParser returns a CEL parser.
func NewCELParser() (*CELParser, error) {
	env, err := cel.NewEnv(cel.ClearMacros())
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &CELParser{env: env}, nil
}

// Parse implements Parser.
func (p *CELParser) Parse(src string) (tree *Tree, err error) {
	parsed, issues := p.env.Parse(src)
	if issues.Err() != nil {
		return nil, issuesToParseError(src, issues)
	}
	native := parsed.NativeRep()

	c := &celConverter{
		src:   src,
		info:  native.SourceInfo(),
		runes: runeStarts(src),
	}
	// Spans are reconstructed from cel-go start offsets by scanning the
	// source; a mismatch surfaces as a ParseError rather than a panic.
	defer func() {
		if r := recover(); r != nil {
			tree, err = nil, newParseError(CEL, src, 0, "cannot locate expression: %v", r)
		}
	}()

	root, err := c.convert(native.Expr())
	if err != nil {
		return nil, err
	}
	comment, _ := scanCode(src, "//", nil)
	return &Tree{Source: src, Root: c.group(root, -1), Dialect: CEL, Comment: comment}, nil
}

// issuesToParseError converts the first cel.Issues error into a ParseError.
func issuesToParseError(src string, issues *cel.Issues) *ParseError {
	errs := issues.Errors()
	if len(errs) == 0 {
		return newParseError(CEL, src, 0, "%s", issues.Err())
	}
	e := errs[0]
	// cel-go uses 1-based line, 0-based column.
	line, col := e.Location.Line(), e.Location.Column()
	if line < 1 {
		line = 1
	}
	if col < 0 {
		col = 0
	}
	off := lineColToByteOffset(src, line, col+1)
	return newParseError(CEL, src, off, "%s", cleanMessage(e.Message))
}

// operatorNameRe matches quoted cel-go internal operator names like '_+_', '-_', '!_', '@in'.
var operatorNameRe = regexp.MustCompile(`'([^']+)'`)

// cleanMessage rewrites cel-go internal operator names to user-friendly forms.
func cleanMessage(msg string) string {
	return operatorNameRe.ReplaceAllStringFunc(msg, func(match string) string {
		symbol := match[1 : len(match)-1]
		if display, ok := operators.FindReverse(symbol); ok && display != "" {
			return "'" + display + "'"
		}
		return match
	})
}

var celBinaryOps = map[string]Op{
	operators.LogicalAnd:    OpAnd,
	operators.LogicalOr:     OpOr,
	operators.Equals:        OpEq,
	operators.NotEquals:     OpNotEq,
	operators.Less:          OpLt,
	operators.LessEquals:    OpLtE,
	operators.Greater:       OpGt,
	operators.GreaterEquals: OpGtE,
	operators.In:            OpIn,
	operators.OldIn:         OpIn,
	operators.Add:           OpAdd,
	operators.Subtract:      OpSub,
	operators.Multiply:      OpMult,
	operators.Divide:        OpDiv,
	operators.Modulo:        OpMod,
}

type celConverter struct {
	src   string
	info  *celast.SourceInfo
	runes []int
}

// start returns the byte offset cel-go recorded for e.
func (c *celConverter) start(e celast.Expr) int {
	r, ok := c.info.GetOffsetRange(e.ID())
	if !ok {
		panic(fmt.Sprintf("no offset for expression %d", e.ID()))
	}
	if r.Start < 0 || int(r.Start) >= len(c.runes) {
		return len(c.src)
	}
	return c.runes[r.Start]
}

func (c *celConverter) unsupported(e celast.Expr, what string) error {
	off := 0
	if r, ok := c.info.GetOffsetRange(e.ID()); ok && r.Start >= 0 && int(r.Start) < len(c.runes) {
		off = c.runes[r.Start]
	}
	return newParseError(CEL, c.src, off, "unsupported syntax: %s", what)
}

// expect returns the offset of ch at or after i, skipping whitespace and
// comments, and panics if something else is found.
func (c *celConverter) expect(i int, ch byte) int {
	i = skipSpace(c.src, i, "//")
	if i >= len(c.src) || c.src[i] != ch {
		panic(fmt.Sprintf("expected %q at offset %d", ch, i))
	}
	return i
}

// closeAfter finds the closing delimiter ch after the last element of a
// list-like construct, skipping a trailing comma.
func (c *celConverter) closeAfter(i int, ch byte) int {
	i = skipSpace(c.src, i, "//")
	if i < len(c.src) && c.src[i] == ',' {
		i++
	}
	return c.expect(i, ch)
}

// name locates identifier name at or after i and returns its span.
func (c *celConverter) name(i int, name string) Span {
	i = skipSpace(c.src, i, "//")
	if !strings.HasPrefix(c.src[i:], name) {
		panic(fmt.Sprintf("expected %q at offset %d", name, i))
	}
	return Span{i, i + len(name)}
}

// group wraps n in a Paren for every pair of parentheses that directly
// encloses it. An opening parenthesis at or before lo belongs to an
// enclosing call and is left alone.
func (c *celConverter) group(n Node, lo int) Node {
	for {
		sp := n.Span()
		l := prevNonSpace(c.src, sp.Start)
		if l <= lo || c.src[l] != '(' {
			return n
		}
		r := skipSpace(c.src, sp.End, "//")
		if r >= len(c.src) || c.src[r] != ')' {
			return n
		}
		n = &Paren{X: n, Pos: Span{l, r + 1}}
	}
}

func (c *celConverter) operand(e celast.Expr) (Node, error) {
	n, err := c.convert(e)
	if err != nil {
		return nil, err
	}
	return c.group(n, -1), nil
}

func (c *celConverter) convert(e celast.Expr) (Node, error) {
	switch e.Kind() {
	case celast.IdentKind:
		id := e.AsIdent()
		return &Name{ID: id, Pos: c.name(c.start(e), id)}, nil

	case celast.LiteralKind:
		start := c.start(e)
		end := scanCELLiteral(c.src, start)
		return &Literal{
			Value: celLiteralValue(e),
			Raw:   c.src[start:end],
			Pos:   Span{start, end},
		}, nil

	case celast.SelectKind:
		sel := e.AsSelect()
		if sel.IsTestOnly() {
			return nil, c.unsupported(e, "presence test")
		}
		x, err := c.operand(sel.Operand())
		if err != nil {
			return nil, err
		}
		dot := c.expect(x.Span().End, '.')
		if next := skipSpace(c.src, dot+1, "//"); next < len(c.src) && c.src[next] == '?' {
			return nil, c.unsupported(e, "optional field selection")
		}
		attrPos := c.name(dot+1, sel.FieldName())
		return &Attribute{
			Value:   x,
			Attr:    sel.FieldName(),
			AttrPos: attrPos,
			Pos:     Span{x.Span().Start, attrPos.End},
		}, nil

	case celast.CallKind:
		return c.call(e)

	case celast.ListKind:
		list := e.AsList()
		if len(list.OptionalIndices()) > 0 {
			return nil, c.unsupported(e, "optional list element")
		}
		open := c.expect(c.start(e), '[')
		l := &List{}
		end := open + 1
		for _, elt := range list.Elements() {
			n, err := c.operand(elt)
			if err != nil {
				return nil, err
			}
			l.Elts = append(l.Elts, n)
			end = n.Span().End
		}
		l.Pos = Span{open, c.closeAfter(end, ']') + 1}
		return l, nil

	case celast.MapKind:
		open := c.expect(c.start(e), '{')
		d := &Dict{}
		end := open + 1
		for _, entry := range e.AsMap().Entries() {
			me := entry.AsMapEntry()
			if me.IsOptional() {
				return nil, c.unsupported(e, "optional map entry")
			}
			k, err := c.operand(me.Key())
			if err != nil {
				return nil, err
			}
			v, err := c.operand(me.Value())
			if err != nil {
				return nil, err
			}
			d.Entries = append(d.Entries, DictEntry{Key: k, Value: v})
			end = v.Span().End
		}
		d.Pos = Span{open, c.closeAfter(end, '}') + 1}
		return d, nil

	case celast.StructKind:
		return nil, c.unsupported(e, "message construction")
	case celast.ComprehensionKind:
		return nil, c.unsupported(e, "comprehension")
	default:
		return nil, c.unsupported(e, "expression")
	}
}

func (c *celConverter) call(e celast.Expr) (Node, error) {
	call := e.AsCall()
	fn := call.FunctionName()
	args := call.Args()

	if op, ok := celBinaryOps[fn]; ok && len(args) == 2 {
		x, err := c.operand(args[0])
		if err != nil {
			return nil, err
		}
		y, err := c.operand(args[1])
		if err != nil {
			return nil, err
		}
		return &BinOp{Op: op, X: x, Y: y, Pos: Span{x.Span().Start, y.Span().End}}, nil
	}

	switch fn {
	case operators.LogicalNot, operators.Negate:
		if len(args) != 1 {
			break
		}
		x, err := c.operand(args[0])
		if err != nil {
			return nil, err
		}
		op := OpNot
		sym := byte('!')
		if fn == operators.Negate {
			op, sym = OpUSub, '-'
		}
		start := prevNonSpace(c.src, x.Span().Start)
		if start < 0 || c.src[start] != sym {
			panic(fmt.Sprintf("expected %q before offset %d", sym, x.Span().Start))
		}
		return &UnaryOp{Op: op, X: x, Pos: Span{start, x.Span().End}}, nil

	case operators.Conditional:
		if len(args) != 3 {
			break
		}
		parts := make([]Node, 3)
		for i, arg := range args {
			n, err := c.operand(arg)
			if err != nil {
				return nil, err
			}
			parts[i] = n
		}
		return &Cond{
			Test: parts[0],
			Then: parts[1],
			Else: parts[2],
			Pos:  Span{parts[0].Span().Start, parts[2].Span().End},
		}, nil

	case operators.Index:
		if len(args) != 2 {
			break
		}
		x, err := c.operand(args[0])
		if err != nil {
			return nil, err
		}
		idx, err := c.operand(args[1])
		if err != nil {
			return nil, err
		}
		end := c.expect(idx.Span().End, ']')
		return &Index{X: x, Index: idx, Pos: Span{x.Span().Start, end + 1}}, nil

	case operators.OptIndex, operators.OptSelect:
		return nil, c.unsupported(e, "optional access")
	}

	var (
		fnNode Node
		open   int
	)
	if call.IsMemberFunction() {
		target, err := c.operand(call.Target())
		if err != nil {
			return nil, err
		}
		dot := c.expect(target.Span().End, '.')
		attrPos := c.name(dot+1, fn)
		fnNode = &Attribute{
			Value:   target,
			Attr:    fn,
			AttrPos: attrPos,
			Pos:     Span{target.Span().Start, attrPos.End},
		}
		open = c.expect(attrPos.End, '(')
	} else {
		// cel-go records a global call at its opening parenthesis; the
		// function name precedes it.
		start := c.start(e)
		if start < len(c.src) && c.src[start] == '(' {
			open = start
			end := prevNonSpace(c.src, open) + 1
			fnNode = &Name{ID: fn, Pos: c.name(end-len(fn), fn)}
		} else {
			namePos := c.name(start, fn)
			fnNode = &Name{ID: fn, Pos: namePos}
			open = c.expect(namePos.End, '(')
		}
	}

	n := &Call{Func: fnNode}
	end := open + 1
	for _, arg := range args {
		a, err := c.convert(arg)
		if err != nil {
			return nil, err
		}
		a = c.group(a, open)
		n.Args = append(n.Args, a)
		end = a.Span().End
	}
	n.Pos = Span{fnNode.Span().Start, c.closeAfter(end, ')') + 1}
	return n, nil
}

func celLiteralValue(e celast.Expr) any {
	switch v := e.AsLiteral().(type) {
	case types.Bool:
		return bool(v)
	case types.Int:
		return int64(v)
	case types.Uint:
		return uint64(v)
	case types.Double:
		return float64(v)
	case types.String:
		return string(v)
	case types.Bytes:
		return []byte(v)
	case types.Null:
		return nil
	default:
		return v.Value()
	}
}

// scanCELLiteral returns the offset just past the literal token starting at
// i: a string or bytes literal with optional r/b prefixes, a number with an
// optional sign and unsigned suffix, or true, false and null.
func scanCELLiteral(src string, i int) int {
	if i < len(src) && src[i] == '-' {
		i = skipSpace(src, i+1, "//")
	}
	j := i
	for j < len(src) && j-i < 2 && strings.IndexByte("rRbB", src[j]) >= 0 {
		j++
	}
	if j < len(src) && (src[j] == '"' || src[j] == '\'') {
		return skipString(src, j)
	}
	if i < len(src) && (isDigit(src[i]) || src[i] == '.') {
		return scanNumber(src, i)
	}
	return identEnd(src, i)
}

func isDigit(c byte) bool { return '0' <= c && c <= '9' }

func isHexDigit(c byte) bool {
	return isDigit(c) || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

func scanNumber(src string, i int) int {
	if strings.HasPrefix(src[i:], "0x") || strings.HasPrefix(src[i:], "0X") {
		i += 2
		for i < len(src) && isHexDigit(src[i]) {
			i++
		}
	} else {
		for i < len(src) && isDigit(src[i]) {
			i++
		}
		if i+1 < len(src) && src[i] == '.' && isDigit(src[i+1]) {
			i++
			for i < len(src) && isDigit(src[i]) {
				i++
			}
		}
		if i < len(src) && (src[i] == 'e' || src[i] == 'E') {
			j := i + 1
			if j < len(src) && (src[j] == '+' || src[j] == '-') {
				j++
			}
			if j < len(src) && isDigit(src[j]) {
				i = j
				for i < len(src) && isDigit(src[i]) {
					i++
				}
			}
		}
	}
	if i < len(src) && (src[i] == 'u' || src[i] == 'U') {
		i++
	}
	return i
}
