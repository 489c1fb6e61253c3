// Package textdelta implements the body stream's delta algebra: a
// Quill-style sequence of insert/retain/delete runs over plain text,
// satisfying the delta.Delta contract (internal/delta).
package textdelta

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/inful/bayou/internal/delta"
)

// TextDelta is an ordered list of Op. The zero value is the identity
// delta: empty, and IsDocument (it represents the empty document).
type TextDelta []Op

var _ delta.Delta = TextDelta(nil)

// Insert builds a single-op delta that inserts s at the current
// cursor (position 0 unless preceded by Retain).
func Insert(s string) TextDelta { return TextDelta{insertOp(s)} }

// Retain builds a single-op delta that leaves the first n runes of
// the base document unchanged.
func Retain(n int) TextDelta { return TextDelta{retainOp(n)} }

// Delete builds a single-op delta that removes the first n runes of
// the base document.
func Delete(n int) TextDelta { return TextDelta{deleteOp(n)} }

// Document builds the document delta whose content is s (a single
// Insert op — the canonical form IsDocument expects).
func Document(s string) TextDelta {
	if s == "" {
		return TextDelta{}
	}
	return TextDelta{insertOp(s)}
}

// Then returns a new delta with op appended after d's ops, merging
// into the trailing op where possible.
func (d TextDelta) Then(op Op) TextDelta {
	b := &builder{ops: append([]Op(nil), d...)}
	b.push(op)
	return TextDelta(b.ops)
}

func (d TextDelta) IsEmpty() bool {
	for _, op := range d {
		if op.isInsert() || op.isDelete() {
			return false
		}
	}
	return true
}

func (d TextDelta) IsDocument() bool {
	for _, op := range d {
		if !op.isInsert() {
			return false
		}
	}
	return true
}

// PlainText returns the document's text. Only valid when IsDocument.
func (d TextDelta) PlainText() (string, error) {
	if !d.IsDocument() {
		return "", errors.New("textdelta: PlainText called on a non-document delta")
	}
	var s string
	for _, op := range d {
		s += op.Insert
	}
	return s, nil
}

// producedLength is the length of the document this delta yields when
// applied to a base of matching length: inserts add new content,
// retains carry base content forward.
func (d TextDelta) producedLength() int {
	n := 0
	for _, op := range d {
		if op.isInsert() || op.isRetain() {
			n += op.length()
		}
	}
	return n
}

// requiredBaseLength is how much base content this delta's retain and
// delete ops expect to find.
func (d TextDelta) requiredBaseLength() int {
	n := 0
	for _, op := range d {
		if op.isRetain() || op.isDelete() {
			n += op.length()
		}
	}
	return n
}

func asTextDelta(other delta.Delta) (TextDelta, error) {
	td, ok := other.(TextDelta)
	if !ok {
		return nil, fmt.Errorf("textdelta: expected TextDelta, got %T", other)
	}
	return td, nil
}

// Compose implements delta.Delta. other's required base length must not
// exceed this delta's produced length — a longer other was not built
// against the document this delta describes. A shorter other implicitly
// retains the rest, which is how Diff/Transform/Invert output reads
// once its trailing retain is chopped.
func (d TextDelta) Compose(otherDelta delta.Delta) (delta.Delta, error) {
	other, err := asTextDelta(otherDelta)
	if err != nil {
		return nil, err
	}
	if other.requiredBaseLength() > d.producedLength() {
		return nil, fmt.Errorf("textdelta: compose length mismatch: this produces %d, other expects %d",
			d.producedLength(), other.requiredBaseLength())
	}

	thisIter := newOpIterator(d)
	otherIter := newOpIterator(other)
	out := &builder{}

	// Mirror Quill: if other opens with a retain, any leading inserts
	// from this pass straight through unconsumed by it.
	if len(other) > 0 && other[0].isRetain() {
		firstLeft := other[0].Retain
		for thisIter.peekIsInsert() && thisIter.peekLength() <= firstLeft {
			firstLeft -= thisIter.peekLength()
			out.push(thisIter.next(0))
		}
		if other[0].Retain-firstLeft > 0 {
			otherIter.next(other[0].Retain - firstLeft)
		}
	}

	for thisIter.hasNext() || otherIter.hasNext() {
		if otherIter.peekIsInsert() {
			out.push(otherIter.next(0))
			continue
		}
		if thisIter.peekIsDelete() {
			out.push(thisIter.next(0))
			continue
		}

		length := min(thisIter.peekLength(), otherIter.peekLength())
		thisOp := thisIter.next(length)
		otherOp := otherIter.next(length)

		switch {
		case otherOp.isRetain():
			if thisOp.isRetain() {
				out.retain(length)
			} else {
				out.push(sliceOp(thisOp, length))
			}
		case otherOp.isDelete() && thisOp.isRetain():
			out.push(otherOp)
		// otherOp.isDelete() && thisOp.isInsert(): the insert and the
		// delete cancel; push nothing.
		default:
		}
	}

	return TextDelta(out.chop()), nil
}

// Transform implements delta.Delta: rebases otherDelta against d so
// it can be applied after d without re-applying d's intent.
func (d TextDelta) Transform(otherDelta delta.Delta, priority bool) (delta.Delta, error) {
	other, err := asTextDelta(otherDelta)
	if err != nil {
		return nil, err
	}

	thisIter := newOpIterator(d)
	otherIter := newOpIterator(other)
	out := &builder{}

	for thisIter.hasNext() || otherIter.hasNext() {
		if thisIter.peekIsInsert() && (priority || !otherIter.peekIsInsert()) {
			out.retain(thisIter.next(0).length())
			continue
		}
		if otherIter.peekIsInsert() {
			out.push(otherIter.next(0))
			continue
		}

		length := min(thisIter.peekLength(), otherIter.peekLength())
		thisOp := thisIter.next(length)
		otherOp := otherIter.next(length)

		switch {
		case thisOp.isDelete():
			// d already removed this range; other's op over the same
			// range has nothing left to act on.
		case otherOp.isDelete():
			out.push(otherOp)
		default:
			out.retain(length)
		}
	}

	return TextDelta(out.chop()), nil
}

// Diff implements delta.Delta for two document deltas. It returns a
// prefix/suffix-trimmed replace, not a minimal edit script — sufficient
// to make composing this delta's content with the diff yield other's
// content, which is all the correction-delta use in BodyControl needs.
func (d TextDelta) Diff(otherDelta delta.Delta) (delta.Delta, error) {
	other, err := asTextDelta(otherDelta)
	if err != nil {
		return nil, err
	}
	if !d.IsDocument() || !other.IsDocument() {
		return nil, errors.New("textdelta: Diff requires both deltas to be documents")
	}
	a, err := d.PlainText()
	if err != nil {
		return nil, err
	}
	b, err := other.PlainText()
	if err != nil {
		return nil, err
	}

	ar, br := []rune(a), []rune(b)
	prefix := 0
	for prefix < len(ar) && prefix < len(br) && ar[prefix] == br[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(ar)-prefix && suffix < len(br)-prefix &&
		ar[len(ar)-1-suffix] == br[len(br)-1-suffix] {
		suffix++
	}

	out := &builder{}
	out.retain(prefix)
	if removed := len(ar) - prefix - suffix; removed > 0 {
		out.delete(removed)
	}
	if added := string(br[prefix : len(br)-suffix]); added != "" {
		out.insert(added)
	}
	out.retain(suffix)

	return TextDelta(out.chop()), nil
}

// Invert implements delta.Delta: base must be the document state d
// was applied to.
func (d TextDelta) Invert(baseDelta delta.Delta) (delta.Delta, error) {
	base, err := asTextDelta(baseDelta)
	if err != nil {
		return nil, err
	}
	baseIter := newOpIterator(base)
	out := &builder{}

	for _, op := range d {
		switch {
		case op.isInsert():
			out.delete(op.length())
		case op.isRetain():
			out.retain(op.Retain)
			baseIter.next(op.Retain)
		case op.isDelete():
			remaining := op.Delete
			for remaining > 0 {
				baseOp := baseIter.next(remaining)
				out.push(baseOp)
				remaining -= baseOp.length()
			}
		}
	}

	return TextDelta(out.chop()), nil
}

func (d TextDelta) Encode() ([]byte, error) {
	return json.Marshal([]Op(d))
}

// Decode parses bytes previously produced by TextDelta.Encode.
func Decode(data []byte) (delta.Delta, error) {
	var ops []Op
	if err := json.Unmarshal(data, &ops); err != nil {
		return nil, fmt.Errorf("textdelta: decode: %w", err)
	}
	return TextDelta(ops), nil
}
