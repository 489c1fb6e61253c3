// Package delta defines the algebraic contract every stream's delta
// type (textdelta, caretdelta, propdelta) implements. The control-
// stream core (internal/control) depends only on this interface — it
// never inspects a delta's internal structure.
package delta

// Delta is an opaque value in the OT algebra. All three control
// variants (body, caret, property) have their own concrete type but
// share this contract; the laws it must satisfy are spelled out
// alongside each method.
type Delta interface {
	// Compose returns the delta equivalent to applying this delta then
	// other. Associative: a.Compose(b).Compose(c) == a.Compose(b.Compose(c)).
	// Composing with an algebra's Identity() is a no-op.
	Compose(other Delta) (Delta, error)

	// Transform rebases other so that, when composed after this delta,
	// it preserves this delta's intent instead of duplicating or
	// undoing it. priority is true when this delta (the receiver) was
	// committed first and should win tie-breaks against other.
	Transform(other Delta, priority bool) (Delta, error)

	// Diff returns the delta that composes this delta into other. Only
	// meaningful when both deltas satisfy IsDocument.
	Diff(other Delta) (Delta, error)

	// Invert returns the delta that undoes this delta's effect when
	// composed after it, given base was the document state this delta
	// was applied to.
	Invert(base Delta) (Delta, error)

	// IsEmpty reports whether applying this delta changes nothing.
	IsEmpty() bool

	// IsDocument reports whether this delta fully describes a document
	// state on its own, with no retain/delete against prior content.
	IsDocument() bool

	// Encode serializes the delta for storage.
	Encode() ([]byte, error)
}

// Algebra produces and decodes deltas for one stream kind. A
// control-stream adapter is constructed around one Algebra
// implementation.
type Algebra interface {
	// Identity returns the empty document delta: IsDocument() is true
	// and IsEmpty() is true.
	Identity() Delta

	// Decode parses bytes previously produced by Delta.Encode.
	Decode(data []byte) (Delta, error)
}
