// Package paramid maps structured parameter paths to flat identifiers and back.
//
// An identifier has the form block___group___i1__i2 where block and group are
// identifiers made of alphanumerics joined by single underscores, and the
// index is a non-empty list of non-negative integers.
package paramid

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

const (
	// Sep separates block, group and index segments.
	Sep = "___"
	// IndexSep separates index elements.
	IndexSep = "__"
)

// ErrMalformedPath is matched by every *MalformedPathError.
var ErrMalformedPath = errors.New("malformed parameter path")

var identRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9]*(_[A-Za-z0-9]+)*$`)

// MalformedPathError reports an identifier or path that cannot be decoded or built.
type MalformedPathError struct {
	Input  string
	Reason string
}

func (e *MalformedPathError) Error() string {
	return fmt.Sprintf("malformed parameter path %q: %s", e.Input, e.Reason)
}

// Is reports whether target is ErrMalformedPath.
func (e *MalformedPathError) Is(target error) bool {
	return target == ErrMalformedPath
}

// Path addresses one value slot in the model dictionary.
type Path struct {
	Block string
	Group string
	Index []int
}

// New builds a validated Path.
func New(block, group string, index ...int) (Path, error) {
	p := Path{Block: block, Group: group, Index: slices.Clone(index)}
	if err := p.Validate(); err != nil {
		return Path{}, err
	}
	return p, nil
}

// MustNew is New that panics on error. Intended for constants and tests.
func MustNew(block, group string, index ...int) Path {
	p, err := New(block, group, index...)
	if err != nil {
		panic(err)
	}
	return p
}

// Validate checks the path shape.
func (p Path) Validate() error {
	in := p.debugString()
	if !ValidIdent(p.Block) {
		return &MalformedPathError{Input: in, Reason: "invalid block identifier"}
	}
	if !ValidIdent(p.Group) {
		return &MalformedPathError{Input: in, Reason: "invalid group identifier"}
	}
	if len(p.Index) == 0 {
		return &MalformedPathError{Input: in, Reason: "empty index"}
	}
	for _, i := range p.Index {
		if i < 0 {
			return &MalformedPathError{Input: in, Reason: "negative index"}
		}
	}
	return nil
}

// ValidIdent reports whether s can be used as a block or group identifier.
func ValidIdent(s string) bool {
	return identRe.MatchString(s)
}

// Encode returns the flat identifier for p. p must be valid.
func Encode(p Path) string {
	var b strings.Builder
	b.Grow(len(p.Block) + len(p.Group) + 2*len(Sep) + 4*len(p.Index))
	b.WriteString(p.Block)
	b.WriteString(Sep)
	b.WriteString(p.Group)
	b.WriteString(Sep)
	for i, idx := range p.Index {
		if i > 0 {
			b.WriteString(IndexSep)
		}
		b.WriteString(strconv.Itoa(idx))
	}
	return b.String()
}

// Decode parses an identifier produced by Encode.
func Decode(s string) (Path, error) {
	parts := strings.Split(s, Sep)
	if len(parts) != 3 {
		return Path{}, &MalformedPathError{Input: s, Reason: fmt.Sprintf("expected 3 segments, got %d", len(parts))}
	}
	block, group, rawIndex := parts[0], parts[1], parts[2]
	if !ValidIdent(block) {
		return Path{}, &MalformedPathError{Input: s, Reason: "invalid block identifier"}
	}
	if !ValidIdent(group) {
		return Path{}, &MalformedPathError{Input: s, Reason: "invalid group identifier"}
	}
	if rawIndex == "" {
		return Path{}, &MalformedPathError{Input: s, Reason: "empty index"}
	}
	elems := strings.Split(rawIndex, IndexSep)
	index := make([]int, 0, len(elems))
	for _, e := range elems {
		n, ok := parseIndex(e)
		if !ok {
			return Path{}, &MalformedPathError{Input: s, Reason: fmt.Sprintf("index element %q is not a non-negative integer", e)}
		}
		index = append(index, n)
	}
	return Path{Block: block, Group: group, Index: index}, nil
}

// parseIndex accepts canonical decimal only, so Encode(Decode(s)) == s.
func parseIndex(s string) (int, bool) {
	if s == "" || (len(s) > 1 && s[0] == '0') {
		return 0, false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Key returns the map key form of p (same as Encode).
func (p Path) Key() string { return Encode(p) }

// String implements fmt.Stringer.
func (p Path) String() string { return Encode(p) }

// Equal reports whether p and o address the same slot.
func (p Path) Equal(o Path) bool {
	return p.Block == o.Block && p.Group == o.Group && slices.Equal(p.Index, o.Index)
}

func (p Path) debugString() string {
	idx := make([]string, len(p.Index))
	for i, v := range p.Index {
		idx[i] = strconv.Itoa(v)
	}
	return p.Block + Sep + p.Group + Sep + strings.Join(idx, IndexSep)
}
