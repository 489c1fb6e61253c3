package changereader

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/inful/bayou/internal/storage"
	"github.com/inful/bayou/internal/storage/memstore"
	"github.com/inful/bayou/internal/textdelta"
	"github.com/stretchr/testify/require"
)

func seedDoc(t *testing.T, store *memstore.Store, docID string, changes []Change) {
	t.Helper()
	require.NoError(t, store.Create(context.Background(), docID))
	var spec []storage.Op
	for _, c := range changes {
		data, err := EncodeChange(c)
		require.NoError(t, err)
		spec = append(spec, storage.WritePath(storage.Path("/body/change/"+strconv.FormatInt(c.RevNum, 10)), data))
	}
	spec = append(spec, storage.WritePath("/body/revision_number", []byte(strconv.FormatInt(int64(len(changes)-1), 10))))
	_, err := store.Transact(context.Background(), docID, spec)
	require.NoError(t, err)
}

func TestReadRangeReturnsDecodedChanges(t *testing.T) {
	store := memstore.New()
	docID := "doc-1"
	seedDoc(t, store, docID, []Change{
		{RevNum: 0, Delta: textdelta.Document("")},
		{RevNum: 1, Delta: textdelta.Insert("hi"), Timestamp: 100, AuthorID: "a1"},
	})

	r := New(store, docID, "/body", textdelta.Algebra{})
	changes, err := r.ReadRange(context.Background(), 0, 2)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	require.Equal(t, "a1", changes[1].AuthorID)
}

func TestReadRangeEmptyWhenBoundsEqual(t *testing.T) {
	store := memstore.New()
	docID := "doc-1"
	seedDoc(t, store, docID, []Change{{RevNum: 0, Delta: textdelta.Document("")}})

	r := New(store, docID, "/body", textdelta.Algebra{})
	changes, err := r.ReadRange(context.Background(), 5, 5)
	require.NoError(t, err)
	require.Empty(t, changes)
}

func TestReadRangeFailsOnMissingRevision(t *testing.T) {
	store := memstore.New()
	docID := "doc-1"
	seedDoc(t, store, docID, []Change{{RevNum: 0, Delta: textdelta.Document("")}})

	r := New(store, docID, "/body", textdelta.Algebra{})
	_, err := r.ReadRange(context.Background(), 0, 3)
	require.Error(t, err)
}

func TestWaitForChangeAfterResolvesOnWrite(t *testing.T) {
	store := memstore.New()
	docID := "doc-1"
	seedDoc(t, store, docID, []Change{{RevNum: 0, Delta: textdelta.Document("")}})

	r := New(store, docID, "/body", textdelta.Algebra{})
	_, fileRev, err := r.ReadHead(context.Background())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- r.WaitForChangeAfter(context.Background(), fileRev, 2*time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	data, err := EncodeChange(Change{RevNum: 1, Delta: textdelta.Insert("x"), AuthorID: "a1"})
	require.NoError(t, err)
	_, err = store.Transact(context.Background(), docID, []storage.Op{
		storage.WritePath("/body/change/1", data),
		storage.WritePath("/body/revision_number", []byte("1")),
	})
	require.NoError(t, err)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForChangeAfter did not resolve")
	}
}

func TestWaitForChangeAfterTimesOut(t *testing.T) {
	store := memstore.New()
	docID := "doc-1"
	seedDoc(t, store, docID, []Change{{RevNum: 0, Delta: textdelta.Document("")}})

	r := New(store, docID, "/body", textdelta.Algebra{})
	_, fileRev, err := r.ReadHead(context.Background())
	require.NoError(t, err)

	err = r.WaitForChangeAfter(context.Background(), fileRev, 30*time.Millisecond)
	require.Error(t, err)
}
