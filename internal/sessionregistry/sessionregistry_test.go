package sessionregistry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/inful/bayou/internal/caretdelta"
	"github.com/inful/bayou/internal/changereader"
	"github.com/inful/bayou/internal/control"
	"github.com/inful/bayou/internal/metrics"
	"github.com/inful/bayou/internal/storage"
	"github.com/inful/bayou/internal/storage/memstore"
	"github.com/inful/bayou/internal/textdelta"
)

func newStreams(t *testing.T, docID string) (*control.Stream, *control.Stream) {
	t.Helper()
	store := memstore.New()
	require.NoError(t, store.Create(context.Background(), docID))
	_, err := store.Transact(context.Background(), docID, []storage.Op{
		storage.WritePath("/body/change/0", mustEncodeBody(t)),
		storage.WritePath("/body/revision_number", []byte("0")),
		storage.WritePath("/caret/change/0", mustEncodeCaret(t)),
		storage.WritePath("/caret/revision_number", []byte("0")),
	})
	require.NoError(t, err)

	body := control.New(store, docID, control.Adapter{Algebra: textdelta.Algebra{}, PathPrefix: "/body", Name: metrics.StreamBody})
	caret := control.New(store, docID, control.Adapter{Algebra: caretdelta.Algebra{}, PathPrefix: "/caret", Name: metrics.StreamCaret})
	return body, caret
}

func mustEncodeBody(t *testing.T) []byte {
	t.Helper()
	data, err := changereader.EncodeChange(control.Change{RevNum: 0, Delta: textdelta.Document("")})
	require.NoError(t, err)
	return data
}

func mustEncodeCaret(t *testing.T) []byte {
	t.Helper()
	data, err := changereader.EncodeChange(control.Change{RevNum: 0, Delta: caretdelta.CaretDelta{}})
	require.NoError(t, err)
	return data
}

func TestMakeNewSessionAssignsDistinctCarets(t *testing.T) {
	body, caret := newStreams(t, "doc-1")
	r := New(body, caret)
	ctx := context.Background()

	s1, err := r.MakeNewSession(ctx, "alice")
	require.NoError(t, err)
	s2, err := r.MakeNewSession(ctx, "bob")
	require.NoError(t, err)

	require.NotEqual(t, s1.CaretID, s2.CaretID)
	require.Equal(t, 2, r.ActiveCount())
}

func TestFindExistingSessionWrongAuthorFails(t *testing.T) {
	body, caret := newStreams(t, "doc-2")
	r := New(body, caret)
	ctx := context.Background()

	s, err := r.MakeNewSession(ctx, "alice")
	require.NoError(t, err)

	_, err = r.FindExistingSession("bob", s.CaretID)
	require.Error(t, err)
}

func TestFindExistingSessionUnknownCaretFails(t *testing.T) {
	body, caret := newStreams(t, "doc-3")
	r := New(body, caret)

	_, err := r.FindExistingSession("alice", "no-such-caret")
	require.Error(t, err)
}

func TestEndSessionRemovesFromRegistry(t *testing.T) {
	body, caret := newStreams(t, "doc-4")
	r := New(body, caret)
	ctx := context.Background()

	s, err := r.MakeNewSession(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, s.EndSession(ctx))
	require.Equal(t, 0, r.ActiveCount())

	_, err = r.FindExistingSession("alice", s.CaretID)
	require.Error(t, err)
}

func TestSessionApplyChangeStampsAuthor(t *testing.T) {
	body, caret := newStreams(t, "doc-5")
	r := New(body, caret)
	ctx := context.Background()

	s, err := r.MakeNewSession(ctx, "alice")
	require.NoError(t, err)

	_, err = s.ApplyChange(ctx, 0, textdelta.Insert("hi"))
	require.NoError(t, err)

	change, err := body.GetChange(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "alice", change.AuthorID)
}
