// Package predicate converts formula trees to the structured predicate form
// cached next to a formula's text, e.g.
//
//	choice.Status == "Active"  =>  ["Eq", ["Attr", ["Name", "choice"], "Status"], ["Const", "Active"]]
package predicate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"

	"github.com/stefanvanburen/dropcond/internal/formula"
)

// ErrUnsupported is the target of errors.Is for every *UnsupportedError.
var ErrUnsupported = errors.New("predicate: unsupported syntax")

// UnsupportedError reports a construct that parses but has no structured
// form, such as a function call.
type UnsupportedError struct {
	Line, Column int
	Node         formula.Node
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("Unsupported syntax at %d:%d", e.Line, e.Column)
}

func (e *UnsupportedError) Is(target error) bool { return target == ErrUnsupported }

// Convert returns the structured form of tree: nested []any values whose
// first element names the node.
func Convert(tree *formula.Tree) (any, error) {
	c := converter{tree: tree}
	result, err := c.convert(tree.Root)
	if err != nil {
		return nil, err
	}
	if tree.Comment != "" {
		result = []any{"Comment", result, tree.Comment}
	}
	return result, nil
}

// Parser produces the structured form of formula text.
type Parser struct {
	Formula formula.Parser
}

// Parse parses text and converts it.
func (p Parser) Parse(text string) (any, error) {
	tree, err := p.Formula.Parse(text)
	if err != nil {
		return nil, err
	}
	return Convert(tree)
}

// ParseJSON returns the JSON encoding of the structured form of text. Empty
// text has the empty string as its form.
func (p Parser) ParseJSON(text string) (string, error) {
	if text == "" {
		return "", nil
	}
	v, err := p.Parse(text)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", fmt.Errorf("failed to encode predicate: %w", err)
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// pyConstants are names the Python dialect treats as constants.
var pyConstants = map[string]any{
	"True":  true,
	"False": false,
	"None":  nil,
}

type converter struct {
	tree *formula.Tree
}

func (c *converter) unsupported(n formula.Node) error {
	line, col := c.tree.LineCol(n.Span().Start)
	return &UnsupportedError{Line: line, Column: col, Node: n}
}

func (c *converter) convert(n formula.Node) (any, error) {
	switch n := n.(type) {
	case *formula.Name:
		if c.tree.Dialect == formula.Python {
			if v, ok := pyConstants[n.ID]; ok {
				return []any{"Const", v}, nil
			}
		}
		return []any{"Name", n.ID}, nil

	case *formula.Literal:
		return []any{"Const", constant(n.Value)}, nil

	case *formula.Attribute:
		v, err := c.convert(n.Value)
		if err != nil {
			return nil, err
		}
		return []any{"Attr", v, n.Attr}, nil

	case *formula.Paren:
		return c.convert(n.X)

	case *formula.UnaryOp:
		switch n.Op {
		case formula.OpNot:
			x, err := c.convert(n.X)
			if err != nil {
				return nil, err
			}
			return []any{"Not", x}, nil
		case formula.OpUSub:
			if lit, ok := unparen(n.X).(*formula.Literal); ok {
				if v, ok := negate(lit.Value); ok {
					return []any{"Const", constant(v)}, nil
				}
			}
		}
		return nil, c.unsupported(n)

	case *formula.BinOp:
		switch {
		case n.Op.IsBool():
			return c.boolOp(n)
		case n.Op.IsCompare(), n.Op == formula.OpAdd, n.Op == formula.OpSub,
			n.Op == formula.OpMult, n.Op == formula.OpDiv, n.Op == formula.OpMod:
			x, err := c.convert(n.X)
			if err != nil {
				return nil, err
			}
			y, err := c.convert(n.Y)
			if err != nil {
				return nil, err
			}
			return []any{string(n.Op), x, y}, nil
		}
		return nil, c.unsupported(n)

	case *formula.List:
		if n.Set {
			return nil, c.unsupported(n)
		}
		out := []any{"List"}
		for _, elt := range n.Elts {
			v, err := c.convert(elt)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil

	case *formula.Call, *formula.Compare, *formula.Dict, *formula.Index, *formula.Cond,
		*formula.Comprehension, *formula.Lambda:
		return nil, c.unsupported(n)

	default:
		panic(fmt.Sprintf("predicate: unhandled node %T", n))
	}
}

// boolOp flattens a chain of the same boolean operator into one list, so
// that a and b and c becomes ["And", a, b, c].
func (c *converter) boolOp(n *formula.BinOp) (any, error) {
	out := []any{string(n.Op)}
	var add func(formula.Node) error
	add = func(x formula.Node) error {
		if b, ok := x.(*formula.BinOp); ok && b.Op == n.Op {
			if err := add(b.X); err != nil {
				return err
			}
			return add(b.Y)
		}
		v, err := c.convert(x)
		if err != nil {
			return err
		}
		out = append(out, v)
		return nil
	}
	if err := add(n.X); err != nil {
		return nil, err
	}
	if err := add(n.Y); err != nil {
		return nil, err
	}
	return out, nil
}

func unparen(n formula.Node) formula.Node {
	for {
		p, ok := n.(*formula.Paren)
		if !ok {
			return n
		}
		n = p.X
	}
}

// constant returns the JSON form of a literal value.
func constant(v any) any {
	if f, ok := v.(float64); ok {
		return pyFloat(f)
	}
	return v
}

// pyFloat encodes the way Python's repr does, so 3.0 stays 3.0 and 1.5e3
// is 1500.0 rather than an integer.
type pyFloat float64

func (f pyFloat) MarshalJSON() ([]byte, error) {
	v := float64(f)
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return nil, fmt.Errorf("unsupported float %v", v)
	}
	e := strconv.FormatFloat(v, 'e', -1, 64)
	exp, err := strconv.Atoi(e[strings.IndexByte(e, 'e')+1:])
	if err != nil {
		return nil, err
	}
	if exp < -4 || exp >= 16 {
		return []byte(e), nil
	}
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return []byte(s), nil
}

func negate(v any) (any, bool) {
	switch v := v.(type) {
	case int64:
		return -v, true
	case float64:
		return -v, true
	case *big.Int:
		return new(big.Int).Neg(v), true
	}
	return nil, false
}
