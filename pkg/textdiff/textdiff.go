// Package textdiff turns two observations of a plain text buffer into the
// offset addressed insert and delete operations that transform one into the
// other.
//
// Only a single contiguous replace region is produced. Several disjoint
// edits made between two observations collapse into one region that spans
// all of them, which is exact for the usual case of one caret typing or
// deleting.
package textdiff

import (
	"fmt"
	"unicode/utf8"
)

type Kind int

const (
	Insert Kind = iota
	Delete
)

// Op is a primitive edit. Offsets and lengths count runes.
type Op struct {
	Kind Kind
	Pos  int
	// Len is the number of runes removed by a Delete.
	Len int
	// Text is the value added by an Insert.
	Text string
}

// String encodes the op as "i<pos>:<text>" or "d<pos>:<len>".
func (op Op) String() string {
	if op.Kind == Insert {
		return fmt.Sprintf("i%d:%s", op.Pos, op.Text)
	}
	return fmt.Sprintf("d%d:%d", op.Pos, op.Len)
}

// Edit is a single replace region: Delete runes are removed at Pos and
// Insert is written in their place.
type Edit struct {
	Pos    int
	Delete int
	Insert string
}

func (e Edit) Empty() bool {
	return e.Delete == 0 && e.Insert == ""
}

// Ops expands the edit into at most one delete followed by at most one
// insert, both addressed against the text the edit was computed from.
func (e Edit) Ops() []Op {
	ops := make([]Op, 0, 2)
	if e.Delete > 0 {
		ops = append(ops, Op{Kind: Delete, Pos: e.Pos, Len: e.Delete})
	}
	if e.Insert != "" {
		ops = append(ops, Op{Kind: Insert, Pos: e.Pos, Text: e.Insert})
	}
	return ops
}

// Translate computes the replace region between old and new.
//
// caret is the caret offset observed together with new. When it is a valid
// offset into new, the common prefix is not allowed to extend past the point
// where the edit must have happened, so typing "a" into "aa" at offset 1
// inserts at 0 or 1 rather than appending. Pass -1 when no caret is known.
func Translate(old, new string, caret int) Edit {
	if old == new {
		return Edit{}
	}
	o, n := []rune(old), []rune(new)

	limit := min(len(o), len(n))
	if caret >= 0 && caret <= len(n) {
		bound := caret - max(0, len(n)-len(o))
		if bound < 0 {
			bound = 0
		}
		limit = min(limit, bound)
	}

	prefix := 0
	for prefix < limit && o[prefix] == n[prefix] {
		prefix++
	}

	suffix := 0
	maxSuffix := min(len(o), len(n)) - prefix
	for suffix < maxSuffix && o[len(o)-1-suffix] == n[len(n)-1-suffix] {
		suffix++
	}

	return Edit{
		Pos:    prefix,
		Delete: len(o) - suffix - prefix,
		Insert: string(n[prefix : len(n)-suffix]),
	}
}

// Apply runs ops against text in order.
func Apply(text string, ops []Op) (string, error) {
	r := []rune(text)
	for _, op := range ops {
		switch op.Kind {
		case Insert:
			if op.Pos < 0 || op.Pos > len(r) {
				return "", fmt.Errorf("insert %s out of range for length %d", op, len(r))
			}
			ins := []rune(op.Text)
			out := make([]rune, 0, len(r)+len(ins))
			out = append(out, r[:op.Pos]...)
			out = append(out, ins...)
			r = append(out, r[op.Pos:]...)
		case Delete:
			if op.Pos < 0 || op.Len < 0 || op.Pos+op.Len > len(r) {
				return "", fmt.Errorf("delete %s out of range for length %d", op, len(r))
			}
			r = append(r[:op.Pos:op.Pos], r[op.Pos+op.Len:]...)
		default:
			return "", fmt.Errorf("unknown op kind %d", op.Kind)
		}
	}
	return string(r), nil
}

// ClampCaret restricts caret to the valid offsets of text.
func ClampCaret(caret int, text string) int {
	if caret < 0 {
		return 0
	}
	if l := utf8.RuneCountInString(text); caret > l {
		return l
	}
	return caret
}
