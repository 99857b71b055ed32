package formula

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// runeStarts returns the byte offset of every rune of s, followed by len(s),
// so that runeStarts(s)[i] is the byte offset of rune i.
func runeStarts(s string) []int {
	starts := make([]int, 0, len(s)+1)
	for i := range s {
		starts = append(starts, i)
	}
	return append(starts, len(s))
}

// lineColToByteOffset converts a 1-based line and 1-based rune column to a
// byte offset in s. Out of range positions are clamped.
func lineColToByteOffset(s string, line, col int) int {
	i := 0
	for l := 1; l < line && i < len(s); i++ {
		if s[i] == '\n' {
			l++
		}
	}
	for c := 1; c < col && i < len(s) && s[i] != '\n'; c++ {
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
	}
	return i
}

// byteOffsetToLineCol converts a byte offset in s to a 1-based line and
// 1-based rune column.
func byteOffsetToLineCol(s string, offset int) (line, col int) {
	line, col = 1, 1
	for i, r := range s {
		if i >= offset {
			break
		}
		if r == '\n' {
			line++
			col = 1
		} else {
			col++
		}
	}
	return line, col
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f' || c == '\v'
}

// skipSpace returns the offset of the first byte at or after i that is
// neither whitespace nor part of a comment introduced by marker.
func skipSpace(src string, i int, marker string) int {
	for i < len(src) {
		switch {
		case isSpace(src[i]):
			i++
		case marker != "" && strings.HasPrefix(src[i:], marker):
			nl := strings.IndexByte(src[i:], '\n')
			if nl < 0 {
				return len(src)
			}
			i += nl + 1
		default:
			return i
		}
	}
	return i
}

// prevNonSpace returns the offset of the last non-whitespace byte before i,
// or -1.
func prevNonSpace(src string, i int) int {
	for i--; i >= 0; i-- {
		if !isSpace(src[i]) {
			return i
		}
	}
	return -1
}

func isIdentRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}

// identEnd returns the offset just past the identifier starting at i.
func identEnd(src string, i int) int {
	for i < len(src) {
		r, size := utf8.DecodeRuneInString(src[i:])
		if !isIdentRune(r) {
			break
		}
		i += size
	}
	return i
}

// skipString returns the offset just past the string literal whose opening
// quote is at i. Triple-quoted strings and backslash escapes are honored;
// an unterminated literal runs to the end of its line (or of src, for
// triple quotes).
func skipString(src string, i int) int {
	q := src[i : i+1]
	delim := q
	if strings.HasPrefix(src[i:], q+q+q) {
		delim = q + q + q
	}
	j := i + len(delim)
	for j < len(src) {
		switch {
		case src[j] == '\\':
			j += 2
		case strings.HasPrefix(src[j:], delim):
			return j + len(delim)
		case len(delim) == 1 && src[j] == '\n':
			return j
		default:
			j++
		}
	}
	return len(src)
}

// scanCode walks src, calling visit with the offset of every byte that lies
// outside string literals and line comments. Comments start with marker and
// run to the end of the line. It returns the trimmed text of the first
// comment, if any.
func scanCode(src, marker string, visit func(i int)) (comment string, found bool) {
	for i := 0; i < len(src); {
		switch c := src[i]; {
		case c == '\'' || c == '"':
			i = skipString(src, i)
		case strings.HasPrefix(src[i:], marker):
			end := len(src)
			if nl := strings.IndexByte(src[i:], '\n'); nl >= 0 {
				end = i + nl
			}
			if !found {
				comment, found = strings.TrimSpace(src[i+len(marker):end]), true
			}
			i = end
		default:
			if visit != nil {
				visit(i)
			}
			i++
		}
	}
	return comment, found
}
