package formula

import (
	"errors"
	"fmt"
	"strings"
)

// Dialect selects the surface syntax of formulas.
type Dialect string

const (
	// Python is the default dialect: Python expression syntax as accepted by
	// the Starlark parser, plus the $Col shorthand for rec.Col.
	Python Dialect = "python"
	// CEL is the Common Expression Language.
	CEL Dialect = "cel"
)

// ParseDialect returns the dialect named by s. The empty string selects
// Python.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(Python):
		return Python, nil
	case string(CEL):
		return CEL, nil
	}
	return "", fmt.Errorf("unknown formula dialect %q", s)
}

// Parser turns formula text into a Tree.
//
// Parse must not panic for any input. Every failure is a *ParseError.
type Parser interface {
	Parse(src string) (*Tree, error)
}

// NewParser returns the parser for d.
func NewParser(d Dialect) (Parser, error) {
	switch d {
	case Python, "":
		return PythonParser{}, nil
	case CEL:
		return NewCELParser()
	}
	return nil, fmt.Errorf("unknown formula dialect %q", d)
}

// ErrSyntax is the target of errors.Is for every *ParseError.
var ErrSyntax = errors.New("formula: syntax error")

// ParseError reports malformed formula source. Line and Column are 1-based;
// Offset is a byte offset into the parsed text.
type ParseError struct {
	Dialect Dialect
	Offset  int
	Line    int
	Column  int
	Msg     string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s formula: %s on line %d col %d", e.Dialect, e.Msg, e.Line, e.Column)
}

// Is makes errors.Is(err, ErrSyntax) true for any *ParseError.
func (e *ParseError) Is(target error) bool { return target == ErrSyntax }

// newParseError builds a ParseError located at byte offset off of src.
func newParseError(d Dialect, src string, off int, format string, args ...any) *ParseError {
	line, col := byteOffsetToLineCol(src, off)
	return &ParseError{
		Dialect: d,
		Offset:  off,
		Line:    line,
		Column:  col,
		Msg:     fmt.Sprintf(format, args...),
	}
}
