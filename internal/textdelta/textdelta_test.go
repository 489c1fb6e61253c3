package textdelta

import (
	"testing"

	"github.com/inful/bayou/internal/delta"
	"github.com/stretchr/testify/require"
)

func compose(t *testing.T, a, b delta.Delta) TextDelta {
	t.Helper()
	res, err := a.Compose(b)
	require.NoError(t, err)
	return res.(TextDelta)
}

func TestComposeLinearEdits(t *testing.T) {
	doc := Document("")
	doc = compose(t, doc, Insert("hi"))
	text, err := doc.PlainText()
	require.NoError(t, err)
	require.Equal(t, "hi", text)

	doc = compose(t, doc, Retain(2).Then(insertOp("!")))
	text, err = doc.PlainText()
	require.NoError(t, err)
	require.Equal(t, "hi!", text)
}

func TestTransformServerFirstPriority(t *testing.T) {
	// Scenario C: both clients read base="" (rev 0). X inserts "X" and
	// commits first; Y's concurrent Insert("Y") must be rebased against
	// X's delta with the server (X) given priority.
	base := Document("")
	serverDelta := Insert("X")
	clientDelta := Insert("Y")

	rebased, err := serverDelta.Transform(clientDelta, true)
	require.NoError(t, err)

	expected := compose(t, base, clientDelta) // "Y" alone, client's optimistic view
	afterServer := compose(t, base, serverDelta)
	actual := compose(t, afterServer, rebased)

	text, err := actual.PlainText()
	require.NoError(t, err)
	require.Equal(t, "XY", text)

	expectedText, err := expected.PlainText()
	require.NoError(t, err)
	require.Equal(t, "Y", expectedText)
}

func TestDiffRoundTrips(t *testing.T) {
	a := Document("hello world")
	b := Document("hello there, world")

	d, err := a.Diff(b)
	require.NoError(t, err)

	composed := compose(t, a, d)
	text, err := composed.PlainText()
	require.NoError(t, err)
	require.Equal(t, "hello there, world", text)
}

func TestInvertUndoesInsert(t *testing.T) {
	base := Document("hello")
	edit := Retain(5).Then(insertOp(" world"))

	after := compose(t, base, edit)

	inv, err := edit.Invert(base)
	require.NoError(t, err)

	undone := compose(t, after, inv)
	text, err := undone.PlainText()
	require.NoError(t, err)
	require.Equal(t, "hello", text)
}

func TestIsEmptyAndIsDocument(t *testing.T) {
	require.True(t, TextDelta{}.IsEmpty())
	require.True(t, TextDelta{}.IsDocument())

	require.False(t, Insert("x").IsEmpty())
	require.True(t, Insert("x").IsDocument())

	require.True(t, Retain(3).IsEmpty())
	require.False(t, Retain(3).IsDocument())
}

func TestComposeRejectsLengthMismatch(t *testing.T) {
	doc := Document("hi")
	_, err := doc.Compose(Retain(5))
	require.Error(t, err)
}
