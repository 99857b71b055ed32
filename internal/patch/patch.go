// Package patch applies sets of non-overlapping text replacements to a
// formula in a single forward pass.
package patch

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/stefanvanburen/dropcond/internal/rename"
)

// Patch replaces the bytes [Start, End) of one specific text with
// Replacement. Old, when set, is the text the range held when the patch was
// made.
type Patch struct {
	Start       int    `json:"start"`
	End         int    `json:"end"`
	Old         string `json:"old,omitempty"`
	Replacement string `json:"replacement"`
}

// Make returns a patch replacing text[start:end] with replacement.
func Make(text string, start, end int, replacement string) Patch {
	p := Patch{Start: start, End: end, Replacement: replacement}
	if 0 <= start && start <= end && end <= len(text) {
		p.Old = text[start:end]
	}
	return p
}

var (
	// ErrOverlap reports two patches touching the same bytes.
	ErrOverlap = errors.New("patch: overlapping patches")
	// ErrOutOfRange reports a patch outside its text.
	ErrOutOfRange = errors.New("patch: range outside text")
	// ErrStale reports a patch whose range no longer holds the text it was
	// made against.
	ErrStale = errors.New("patch: text does not match patch")
)

// InvariantError describes a patch set that cannot be applied. It always
// indicates a defect in whatever produced the patches.
type InvariantError struct {
	Patch Patch
	Prev  *Patch
	Err   error
}

func (e *InvariantError) Error() string {
	if e.Prev != nil {
		return fmt.Sprintf("%v: [%d,%d) and [%d,%d)", e.Err, e.Prev.Start, e.Prev.End, e.Patch.Start, e.Patch.End)
	}
	return fmt.Sprintf("%v: [%d,%d)", e.Err, e.Patch.Start, e.Patch.End)
}

func (e *InvariantError) Unwrap() error { return e.Err }

// Validate checks that patches are sorted by start, lie within text, do not
// overlap and still match text.
func Validate(text string, patches []Patch) error {
	for i, p := range patches {
		if p.Start < 0 || p.End < p.Start || p.End > len(text) {
			return &InvariantError{Patch: p, Err: ErrOutOfRange}
		}
		if p.Old != "" && text[p.Start:p.End] != p.Old {
			return &InvariantError{Patch: p, Err: ErrStale}
		}
		if i > 0 {
			prev := patches[i-1]
			if p.Start < prev.End || p.Start < prev.Start {
				return &InvariantError{Patch: p, Prev: &prev, Err: ErrOverlap}
			}
		}
	}
	return nil
}

// Apply returns text with every patch applied. Offsets are interpreted
// against text itself; the output is produced by copying the unpatched gaps
// and the replacements in order, so differing replacement lengths need no
// re-indexing.
func Apply(text string, patches []Patch) (string, error) {
	if len(patches) == 0 {
		return text, nil
	}
	if err := Validate(text, patches); err != nil {
		return "", err
	}

	var b strings.Builder
	b.Grow(len(text))
	last := 0
	for _, p := range patches {
		b.WriteString(text[last:p.Start])
		b.WriteString(p.Replacement)
		last = p.End
	}
	b.WriteString(text[last:])
	return b.String(), nil
}

// Builder accumulates patches for one text.
type Builder struct {
	text    string
	patches []Patch
}

// NewBuilder returns a Builder for text.
func NewBuilder(text string) *Builder {
	return &Builder{text: text}
}

// Replace adds a patch replacing [start, end) with replacement.
func (b *Builder) Replace(start, end int, replacement string) {
	b.patches = append(b.patches, Make(b.text, start, end, replacement))
}

// Len returns the number of patches added.
func (b *Builder) Len() int { return len(b.patches) }

// Patches returns the accumulated patches sorted by start offset.
func (b *Builder) Patches() []Patch {
	sorted := slices.Clone(b.patches)
	slices.SortStableFunc(sorted, func(x, y Patch) int { return x.Start - y.Start })
	return sorted
}

// Apply applies the accumulated patches to the builder's text.
func (b *Builder) Apply() (string, error) {
	return Apply(b.text, b.Patches())
}

// ForRenames returns a Builder holding the patches that replace each
// accepted entity's name with its new name.
func ForRenames(text string, accepted []rename.Accepted) *Builder {
	b := NewBuilder(text)
	for _, a := range accepted {
		span := a.Entity.Span()
		b.Replace(span.Start, span.End, a.NewName)
	}
	return b
}
