package formula

import (
	"errors"
	"strings"

	"go.starlark.net/syntax"
)

// RecordName is the root that the $Col shorthand expands to.
const RecordName = "rec"

// recMarker stands in for '$' while the Starlark scanner runs. It is an
// identifier letter, so $Col scans as a single identifier.
const recMarker = "ᐅ"

// PythonParser parses formulas written in Python expression syntax.
//
// The grammar is the Starlark expression grammar. Python constructs it lacks
// (is, is not, chained comparisons, generator expressions, set displays,
// names Starlark reserves) are rewritten before parsing, with positions
// mapped back to the formula.
type PythonParser struct{}

// Parse implements Parser.
func (PythonParser) Parse(src string) (*Tree, error) {
	ps := newPySource(src)

	var expr syntax.Expr
	for {
		var err error
		expr, err = syntax.ParseExpr("formula", ps.text, 0)
		if err == nil {
			break
		}
		var serr syntax.Error
		if !errors.As(err, &serr) {
			return nil, newParseError(Python, src, 0, "%v", err)
		}
		off := ps.offset(int(serr.Pos.Line), int(serr.Pos.Col))
		if strings.Contains(serr.Msg, "does not associate with") && ps.chain(off) {
			continue
		}
		return nil, newParseError(Python, src, off, "%s", serr.Msg)
	}

	c := pyConverter{src: src, ps: ps}
	root, err := c.convert(expr)
	if err != nil {
		return nil, err
	}
	comment, _ := scanCode(src, "#", nil)
	return &Tree{Source: src, Root: root, Dialect: Python, Comment: comment}, nil
}

type pyConverter struct {
	src string
	ps  *pySource
}

// off converts a Starlark position to a byte offset into the original text.
func (c *pyConverter) off(p syntax.Position) int {
	return c.ps.offset(int(p.Line), int(p.Col))
}

func (c *pyConverter) unsupported(n syntax.Node, what string) error {
	start, _ := n.Span()
	return newParseError(Python, c.src, c.off(start), "unsupported syntax: %s", what)
}

func (c *pyConverter) convert(e syntax.Expr) (Node, error) {
	switch e := e.(type) {
	case *syntax.Ident:
		return c.ident(e)

	case *syntax.Literal:
		start := c.off(e.TokenPos)
		lit := &Literal{Raw: e.Raw, Pos: Span{start, start + len(e.Raw)}}
		switch e.Token {
		case syntax.BYTES:
			s, _ := e.Value.(string)
			lit.Value = []byte(s)
		default:
			lit.Value = e.Value
		}
		return lit, nil

	case *syntax.DotExpr:
		x, err := c.convert(e.X)
		if err != nil {
			return nil, err
		}
		attr := restoreName(e.Name.Name)
		nameStart := c.off(e.Name.NamePos)
		attrPos := Span{nameStart, nameStart + len(attr)}
		return &Attribute{
			Value:   x,
			Attr:    attr,
			AttrPos: attrPos,
			Pos:     Span{x.Span().Start, attrPos.End},
		}, nil

	case *syntax.CallExpr:
		fn, err := c.convert(e.Fn)
		if err != nil {
			return nil, err
		}
		call := &Call{Func: fn, Pos: Span{fn.Span().Start, c.off(e.Rparen) + 1}}
		for _, arg := range e.Args {
			switch a := arg.(type) {
			case *syntax.BinaryExpr:
				if a.Op == syntax.EQ {
					name, ok := a.X.(*syntax.Ident)
					if !ok {
						return nil, c.unsupported(a, "keyword argument")
					}
					v, err := c.convert(a.Y)
					if err != nil {
						return nil, err
					}
					kw := restoreName(name.Name)
					nameStart := c.off(name.NamePos)
					call.Keywords = append(call.Keywords, Keyword{
						Name:    kw,
						NamePos: Span{nameStart, nameStart + len(kw)},
						Value:   v,
					})
					continue
				}
			case *syntax.UnaryExpr:
				if a.Op == syntax.STAR || a.Op == syntax.STARSTAR {
					return nil, c.unsupported(a, "argument unpacking")
				}
			}
			v, err := c.convert(arg)
			if err != nil {
				return nil, err
			}
			call.Args = append(call.Args, v)
		}
		return call, nil

	case *syntax.UnaryExpr:
		var op Op
		switch e.Op {
		case syntax.NOT:
			op = OpNot
		case syntax.MINUS:
			op = OpUSub
		case syntax.PLUS:
			op = OpUAdd
		case syntax.TILDE:
			op = OpInvert
		default:
			return nil, c.unsupported(e, "operator "+e.Op.String())
		}
		if e.X == nil {
			return nil, c.unsupported(e, "operator "+e.Op.String())
		}
		x, err := c.convert(e.X)
		if err != nil {
			return nil, err
		}
		return &UnaryOp{Op: op, X: x, Pos: Span{c.off(e.OpPos), x.Span().End}}, nil

	case *syntax.BinaryExpr:
		return c.binary(e)

	case *syntax.ParenExpr:
		x, err := c.convert(e.X)
		if err != nil {
			return nil, err
		}
		return &Paren{X: x, Pos: Span{c.off(e.Lparen), c.off(e.Rparen) + 1}}, nil

	case *syntax.TupleExpr:
		elts, err := c.convertAll(e.List)
		if err != nil {
			return nil, err
		}
		t := &List{Elts: elts, Tuple: true}
		switch {
		case e.Lparen.IsValid():
			t.Pos = Span{c.off(e.Lparen), c.off(e.Rparen) + 1}
		case len(elts) > 0:
			t.Pos = Span{elts[0].Span().Start, elts[len(elts)-1].Span().End}
		}
		return t, nil

	case *syntax.ListExpr:
		elts, err := c.convertAll(e.List)
		if err != nil {
			return nil, err
		}
		lb := c.off(e.Lbrack)
		return &List{Elts: elts, Set: c.ps.brackets[lb] == markSet, Pos: Span{lb, c.off(e.Rbrack) + 1}}, nil

	case *syntax.DictExpr:
		d := &Dict{Pos: Span{c.off(e.Lbrace), c.off(e.Rbrace) + 1}}
		for _, item := range e.List {
			entry, ok := item.(*syntax.DictEntry)
			if !ok {
				return nil, c.unsupported(item, "dict item")
			}
			k, err := c.convert(entry.Key)
			if err != nil {
				return nil, err
			}
			v, err := c.convert(entry.Value)
			if err != nil {
				return nil, err
			}
			d.Entries = append(d.Entries, DictEntry{Key: k, Value: v})
		}
		return d, nil

	case *syntax.IndexExpr:
		x, err := c.convert(e.X)
		if err != nil {
			return nil, err
		}
		idx, err := c.convert(e.Y)
		if err != nil {
			return nil, err
		}
		return &Index{X: x, Index: idx, Pos: Span{x.Span().Start, c.off(e.Rbrack) + 1}}, nil

	case *syntax.CondExpr:
		then, err := c.convert(e.True)
		if err != nil {
			return nil, err
		}
		test, err := c.convert(e.Cond)
		if err != nil {
			return nil, err
		}
		els, err := c.convert(e.False)
		if err != nil {
			return nil, err
		}
		return &Cond{
			Test: test,
			Then: then,
			Else: els,
			Pos:  Span{then.Span().Start, els.Span().End},
		}, nil

	case *syntax.Comprehension:
		return c.comprehension(e)

	case *syntax.LambdaExpr:
		return c.lambda(e)

	case *syntax.SliceExpr:
		return nil, c.unsupported(e, "slice")
	default:
		return nil, c.unsupported(e, "expression")
	}
}

// binary converts an infix operator. Comparisons that were rewritten to |
// to get past Starlark's non-associative comparisons become one *Compare.
func (c *pyConverter) binary(e *syntax.BinaryExpr) (Node, error) {
	if e.Op == syntax.PIPE {
		if _, ok := c.ps.chainOps[c.off(e.OpPos)]; ok {
			return nil, c.unsupported(e, "comparison")
		}
	}
	op, ok := pyBinaryOps[e.Op]
	if !ok {
		return nil, c.unsupported(e, "operator "+e.Op.String())
	}
	if isOp, ok := c.ps.isOps[c.off(e.OpPos)]; ok && (e.Op == syntax.EQL || e.Op == syntax.NEQ) {
		op = isOp
	}
	x, err := c.convert(e.X)
	if err != nil {
		return nil, err
	}

	if op.IsCompare() {
		ops, operands := c.chainOf(e.Y)
		if len(ops) > 0 {
			cmp := &Compare{Left: x, Ops: append([]Op{op}, ops...)}
			for _, operand := range operands {
				y, err := c.convert(operand)
				if err != nil {
					return nil, err
				}
				cmp.Comparators = append(cmp.Comparators, y)
			}
			cmp.Pos = Span{x.Span().Start, cmp.Comparators[len(cmp.Comparators)-1].Span().End}
			return cmp, nil
		}
	}

	y, err := c.convert(e.Y)
	if err != nil {
		return nil, err
	}
	return &BinOp{Op: op, X: x, Y: y, Pos: Span{x.Span().Start, y.Span().End}}, nil
}

// chainOf unpicks the rewritten comparisons in the right operand of a
// comparison. a < b | c, with | standing for <, yields [<] and [b, c].
func (c *pyConverter) chainOf(y syntax.Expr) ([]Op, []syntax.Expr) {
	var ops []Op
	var operands []syntax.Expr
	var walk func(e syntax.Expr)
	walk = func(e syntax.Expr) {
		if b, ok := e.(*syntax.BinaryExpr); ok && b.Op == syntax.PIPE {
			if op, ok := c.ps.chainOps[c.off(b.OpPos)]; ok {
				walk(b.X)
				ops = append(ops, op)
				operands = append(operands, b.Y)
				return
			}
		}
		operands = append(operands, e)
	}
	walk(y)
	return ops, operands
}

func (c *pyConverter) comprehension(e *syntax.Comprehension) (Node, error) {
	lb, rb := c.off(e.Lbrack), c.off(e.Rbrack)
	comp := &Comprehension{Kind: CompList, Pos: Span{lb, rb + 1}}
	switch {
	case e.Curly:
		comp.Kind = CompDict
	case c.ps.brackets[lb] == markSet:
		comp.Kind = CompSet
	case c.ps.brackets[lb] == markGenerator:
		comp.Kind = CompGenerator
	case c.ps.brackets[lb] == markCallGenerator:
		// The brackets were inserted inside the call's parentheses.
		comp.Kind = CompGenerator
		comp.Pos = Span{lb, rb}
	}

	var err error
	if entry, ok := e.Body.(*syntax.DictEntry); ok {
		if comp.Elt, err = c.convert(entry.Key); err != nil {
			return nil, err
		}
		if comp.Value, err = c.convert(entry.Value); err != nil {
			return nil, err
		}
	} else if comp.Elt, err = c.convert(e.Body); err != nil {
		return nil, err
	}

	for _, clause := range e.Clauses {
		switch cl := clause.(type) {
		case *syntax.ForClause:
			target, err := c.convert(cl.Vars)
			if err != nil {
				return nil, err
			}
			iter, err := c.convert(cl.X)
			if err != nil {
				return nil, err
			}
			comp.Clauses = append(comp.Clauses, CompClause{Target: target, Iter: iter})
		case *syntax.IfClause:
			cond, err := c.convert(cl.Cond)
			if err != nil {
				return nil, err
			}
			comp.Clauses = append(comp.Clauses, CompClause{Cond: cond})
		default:
			return nil, c.unsupported(clause, "comprehension clause")
		}
	}
	return comp, nil
}

func (c *pyConverter) lambda(e *syntax.LambdaExpr) (Node, error) {
	l := &Lambda{}
	for _, p := range e.Params {
		param, err := c.param(p)
		if err != nil {
			return nil, err
		}
		l.Params = append(l.Params, param)
	}
	body, err := c.convert(e.Body)
	if err != nil {
		return nil, err
	}
	l.Body = body
	l.Pos = Span{c.off(e.Lambda), body.Span().End}
	return l, nil
}

// param converts one lambda parameter: name, name=default, *name, **name
// or a bare *.
func (c *pyConverter) param(p syntax.Expr) (Param, error) {
	var param Param
	switch v := p.(type) {
	case *syntax.BinaryExpr:
		if v.Op != syntax.EQ {
			return Param{}, c.unsupported(p, "parameter")
		}
		def, err := c.convert(v.Y)
		if err != nil {
			return Param{}, err
		}
		param.Default = def
		p = v.X
	case *syntax.UnaryExpr:
		if v.Op != syntax.STAR && v.Op != syntax.STARSTAR {
			return Param{}, c.unsupported(p, "parameter")
		}
		param.Star = v.Op.String()
		if v.X == nil {
			return param, nil
		}
		p = v.X
	}
	id, ok := p.(*syntax.Ident)
	if !ok {
		return Param{}, c.unsupported(p, "parameter")
	}
	param.Name = restoreName(id.Name)
	start := c.off(id.NamePos)
	param.NamePos = Span{start, start + len(param.Name)}
	return param, nil
}

func (c *pyConverter) convertAll(exprs []syntax.Expr) ([]Node, error) {
	nodes := make([]Node, 0, len(exprs))
	for _, e := range exprs {
		n, err := c.convert(e)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// ident converts an identifier, expanding the $Col shorthand into rec.Col
// with the rec name spanning the '$'.
func (c *pyConverter) ident(e *syntax.Ident) (Node, error) {
	start := c.off(e.NamePos)
	name, shorthand := strings.CutPrefix(restoreName(e.Name), recMarker)
	if strings.Contains(name, recMarker) || (shorthand && name == "") {
		return nil, newParseError(Python, c.src, start, "unexpected '$'")
	}
	if !shorthand {
		return &Name{ID: name, Pos: Span{start, start + len(name)}}, nil
	}
	attrPos := Span{start + 1, start + 1 + len(name)}
	return &Attribute{
		Value:   &Name{ID: RecordName, Pos: Span{start, start + 1}},
		Attr:    name,
		AttrPos: attrPos,
		Pos:     Span{start, attrPos.End},
	}, nil
}

var pyBinaryOps = map[syntax.Token]Op{
	syntax.AND:        OpAnd,
	syntax.OR:         OpOr,
	syntax.EQL:        OpEq,
	syntax.NEQ:        OpNotEq,
	syntax.LT:         OpLt,
	syntax.LE:         OpLtE,
	syntax.GT:         OpGt,
	syntax.GE:         OpGtE,
	syntax.IN:         OpIn,
	syntax.NOT_IN:     OpNotIn,
	syntax.PLUS:       OpAdd,
	syntax.MINUS:      OpSub,
	syntax.STAR:       OpMult,
	syntax.SLASH:      OpDiv,
	syntax.SLASHSLASH: OpFloorDiv,
	syntax.PERCENT:    OpMod,
	syntax.AMP:        OpBitAnd,
	syntax.PIPE:       OpBitOr,
	syntax.CIRCUMFLEX: OpBitXor,
	syntax.LTLT:       OpLShift,
	syntax.GTGT:       OpRShift,
}
