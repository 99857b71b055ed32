package formula

import (
	"slices"
	"strings"
	"unicode/utf8"
)

// Python expressions that Starlark's grammar lacks are rewritten into
// equivalents it accepts before parsing. Every rewrite is recorded as an
// edit so positions in the rewritten text map back to the formula.

// keywordMarker prefixes names that are Starlark keywords but plain
// identifiers in Python.
const keywordMarker = "ᐸ"

// starlarkOnlyKeywords are reserved by Starlark but not by Python.
var starlarkOnlyKeywords = map[string]bool{"load": true}

// pyKeywords are the Python keywords that can precede "(" without making
// it a call.
var pyKeywords = map[string]bool{
	"and": true, "or": true, "not": true, "in": true, "is": true,
	"if": true, "else": true, "for": true, "lambda": true,
}

type pyTokenKind int

const (
	pyWord pyTokenKind = iota
	pyPunct
	pyString
)

type pyToken struct {
	kind       pyTokenKind
	start, end int
	text       string
}

// pyTokenize splits src into words, punctuation and string literals,
// dropping whitespace and comments. Numbers come out as words.
func pyTokenize(src string) []pyToken {
	var toks []pyToken
	add := func(kind pyTokenKind, start, end int) {
		toks = append(toks, pyToken{kind: kind, start: start, end: end, text: src[start:end]})
	}
	for i := 0; i < len(src); {
		c := src[i]
		switch {
		case c == '\'' || c == '"':
			end := skipString(src, i)
			add(pyString, i, end)
			i = end
		case c == '#':
			nl := strings.IndexByte(src[i:], '\n')
			if nl < 0 {
				return toks
			}
			i += nl
		case isSpace(c) || c == '\\':
			i++
		default:
			r, size := utf8.DecodeRuneInString(src[i:])
			if isIdentRune(r) {
				end := identEnd(src, i)
				add(pyWord, i, end)
				i = end
				continue
			}
			end := i + size
			if i+1 < len(src) {
				switch src[i : i+2] {
				case "<=", ">=", "==", "!=", "**", "//", "<<", ">>", "->", ":=":
					end = i + 2
				}
			}
			add(pyPunct, i, end)
			i = end
		}
	}
	return toks
}

type pyEdit struct {
	start, end int
	repl       string
}

// bracketMark records what a rewritten bracket stands for.
type bracketMark int

const (
	markGenerator     bracketMark = iota + 1 // (x for x in y) written as [...]
	markCallGenerator                        // f(x for x in y) written as f([...])
	markSet                                  // {a, b} written as [a, b]
)

// pyCompareToken is a comparison operator in the formula. errEnd is the
// offset Starlark reports when the operator breaks its comparison rule.
type pyCompareToken struct {
	op      Op
	start   int
	errEnd  int
	parts   []pyToken
	chained bool
}

// pySource is a formula together with the rewritten text handed to
// Starlark. All offsets in its maps are offsets into src.
type pySource struct {
	src   string
	text  string
	edits []pyEdit

	isOps    map[int]Op
	chainOps map[int]Op
	brackets map[int]bracketMark
	compares []*pyCompareToken
	// chainable is false when the formula uses | itself, which would make
	// rewritten comparison chains ambiguous.
	chainable bool
}

func newPySource(src string) *pySource {
	ps := &pySource{
		src:       src,
		isOps:     map[int]Op{},
		chainOps:  map[int]Op{},
		brackets:  map[int]bracketMark{},
		chainable: true,
	}
	toks := pyTokenize(src)
	rewriteRec := !strings.Contains(src, recMarker)
	rewriteKeywords := !strings.Contains(src, keywordMarker)

	type open struct {
		tok      pyToken
		call     bool
		hasFor   bool
		hasColon bool
	}
	var stack []*open

	for i, t := range toks {
		var prev, next *pyToken
		if i > 0 {
			prev = &toks[i-1]
		}
		if i+1 < len(toks) {
			next = &toks[i+1]
		}
		switch t.kind {
		case pyWord:
			switch {
			case t.text == "is":
				if next != nil && next.kind == pyWord && next.text == "not" {
					ps.edit(t.start, t.end, "!=")
					ps.edit(next.start, next.end, "")
					ps.isOps[t.start] = OpIsNot
					ps.compares = append(ps.compares, &pyCompareToken{op: OpIsNot, start: t.start, errEnd: t.end, parts: []pyToken{t, *next}})
				} else {
					ps.edit(t.start, t.end, "==")
					ps.isOps[t.start] = OpIs
					ps.compares = append(ps.compares, &pyCompareToken{op: OpIs, start: t.start, errEnd: t.end, parts: []pyToken{t}})
				}
			case t.text == "not" && next != nil && next.kind == pyWord && next.text == "in":
				if prev == nil || prev.text != "is" {
					ps.compares = append(ps.compares, &pyCompareToken{op: OpNotIn, start: t.start, errEnd: next.end, parts: []pyToken{t, *next}})
				}
			case t.text == "in":
				if prev == nil || prev.text != "not" {
					ps.compares = append(ps.compares, &pyCompareToken{op: OpIn, start: t.start, errEnd: t.end, parts: []pyToken{t}})
				}
			case t.text == "for":
				if len(stack) > 0 {
					stack[len(stack)-1].hasFor = true
				}
			case starlarkOnlyKeywords[t.text] && rewriteKeywords:
				ps.edit(t.start, t.end, keywordMarker+t.text)
			case (t.text == "u" || t.text == "U") && next != nil && next.kind == pyString && next.start == t.end:
				ps.edit(t.start, t.end, "")
			}

		case pyPunct:
			switch t.text {
			case "$":
				if rewriteRec {
					ps.edit(t.start, t.end, recMarker)
				}
			case "|":
				ps.chainable = false
			case "<", ">", "<=", ">=", "==", "!=":
				ps.compares = append(ps.compares, &pyCompareToken{op: pyCompareOps[t.text], start: t.start, errEnd: t.end, parts: []pyToken{t}})
			case ":":
				if len(stack) > 0 {
					stack[len(stack)-1].hasColon = true
				}
			case "(", "[", "{":
				call := t.text == "(" && prev != nil &&
					(prev.kind == pyString || prev.text == ")" || prev.text == "]" ||
						(prev.kind == pyWord && !pyKeywords[prev.text]))
				stack = append(stack, &open{tok: t, call: call})
			case ")", "]", "}":
				if len(stack) == 0 {
					break
				}
				o := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				empty := prev.start == o.tok.start
				switch {
				case o.tok.text == "(" && t.text == ")" && o.hasFor && o.call:
					ps.edit(o.tok.end, o.tok.end, "[")
					ps.edit(t.start, t.start, "]")
					ps.brackets[o.tok.end] = markCallGenerator
				case o.tok.text == "(" && t.text == ")" && o.hasFor:
					ps.edit(o.tok.start, o.tok.end, "[")
					ps.edit(t.start, t.end, "]")
					ps.brackets[o.tok.start] = markGenerator
				case o.tok.text == "{" && t.text == "}" && !o.hasColon && !empty:
					ps.edit(o.tok.start, o.tok.end, "[")
					ps.edit(t.start, t.end, "]")
					ps.brackets[o.tok.start] = markSet
				}
			}
		}
	}
	ps.apply()
	return ps
}

var pyCompareOps = map[string]Op{
	"<": OpLt, ">": OpGt, "<=": OpLtE, ">=": OpGtE, "==": OpEq, "!=": OpNotEq,
}

// edit replaces src[start:end] with repl, overriding an earlier edit of the
// same range.
func (ps *pySource) edit(start, end int, repl string) {
	for i, e := range ps.edits {
		if e.start == start && e.end == end {
			ps.edits[i].repl = repl
			return
		}
	}
	ps.edits = append(ps.edits, pyEdit{start: start, end: end, repl: repl})
}

// apply rebuilds text from src and the edits. Insertions sort before a
// replacement starting at the same offset.
func (ps *pySource) apply() {
	slices.SortFunc(ps.edits, func(a, b pyEdit) int {
		if a.start != b.start {
			return a.start - b.start
		}
		return a.end - b.end
	})
	var b strings.Builder
	last := 0
	for _, e := range ps.edits {
		b.WriteString(ps.src[last:e.start])
		b.WriteString(e.repl)
		last = e.end
	}
	b.WriteString(ps.src[last:])
	ps.text = b.String()
}

// srcOffset maps a byte offset in text to the formula. Offsets inside a
// replacement map into the replaced range, clamped to its end.
func (ps *pySource) srcOffset(off int) int {
	delta := 0
	for _, e := range ps.edits {
		ts := e.start + delta
		if off < ts {
			break
		}
		if off < ts+len(e.repl) {
			return e.start + min(off-ts, e.end-e.start)
		}
		delta += len(e.repl) - (e.end - e.start)
	}
	return off - delta
}

// offset maps a Starlark line and rune column in text to the formula.
func (ps *pySource) offset(line, col int) int {
	return ps.srcOffset(lineColToByteOffset(ps.text, line, col))
}

// chain rewrites the comparison ending at errEnd into |, so that Starlark
// accepts a chained comparison such as a < b < c. It reports false when
// there is nothing to rewrite.
func (ps *pySource) chain(errEnd int) bool {
	if !ps.chainable {
		return false
	}
	for _, ct := range ps.compares {
		if ct.errEnd != errEnd || ct.chained {
			continue
		}
		for i, p := range ct.parts {
			repl := ""
			if i == 0 {
				repl = "|"
			}
			ps.edit(p.start, p.end, repl)
		}
		ct.chained = true
		ps.chainOps[ct.start] = ct.op
		ps.apply()
		return true
	}
	return false
}

// restoreName undoes the keyword rewrite in an identifier.
func restoreName(name string) string {
	return strings.ReplaceAll(name, keywordMarker, "")
}
