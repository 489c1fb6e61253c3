package textdelta

import "github.com/inful/bayou/internal/delta"

// Algebra is the delta.Algebra for the body stream.
type Algebra struct{}

var _ delta.Algebra = Algebra{}

func (Algebra) Identity() delta.Delta { return TextDelta{} }

func (Algebra) Decode(data []byte) (delta.Delta, error) { return Decode(data) }
