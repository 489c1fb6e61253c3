package sqlitestore

import (
	"testing"

	"github.com/inful/bayou/internal/storage"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateExistsDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := t.Context()

	ok, err := s.Exists(ctx, "doc-1")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Create(ctx, "doc-1"))

	ok, err = s.Exists(ctx, "doc-1")
	require.NoError(t, err)
	require.True(t, ok)

	err = s.Create(ctx, "doc-1")
	require.Error(t, err)

	require.NoError(t, s.Delete(ctx, "doc-1"))
	ok, err = s.Exists(ctx, "doc-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTransactConditionalAppend(t *testing.T) {
	s := openTestStore(t)
	ctx := t.Context()
	require.NoError(t, s.Create(ctx, "doc-1"))

	_, err := s.Transact(ctx, "doc-1", []storage.Op{
		storage.CheckPathEmpty("/body/change/0"),
		storage.WritePath("/body/change/0", []byte("empty")),
		storage.WritePath("/body/revision_number", []byte("0")),
	})
	require.NoError(t, err)

	_, err = s.Transact(ctx, "doc-1", []storage.Op{
		storage.CheckPathEmpty("/body/change/0"),
	})
	require.Error(t, err)
	require.True(t, storage.IsKind(err, storage.KindPathNotEmpty))

	res, err := s.Transact(ctx, "doc-1", []storage.Op{
		storage.ReadPath("/body/revision_number"),
	})
	require.NoError(t, err)
	require.Equal(t, "0", string(res.Data["/body/revision_number"]))
}

func TestTransactListPath(t *testing.T) {
	s := openTestStore(t)
	ctx := t.Context()
	require.NoError(t, s.Create(ctx, "doc-1"))

	_, err := s.Transact(ctx, "doc-1", []storage.Op{
		storage.WritePath("/body/change/0", []byte("a")),
		storage.WritePath("/body/change/1", []byte("b")),
		storage.WritePath("/caret/change/0", []byte("c")),
	})
	require.NoError(t, err)

	res, err := s.Transact(ctx, "doc-1", []storage.Op{
		storage.ListPath("/body/change/"),
	})
	require.NoError(t, err)
	require.Len(t, res.Paths["/body/change/"], 2)
}
