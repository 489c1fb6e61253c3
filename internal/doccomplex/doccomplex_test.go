package doccomplex

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/inful/bayou/internal/foundation/errors"
	"github.com/inful/bayou/internal/storage"
	"github.com/inful/bayou/internal/storage/memstore"
	"github.com/inful/bayou/internal/textdelta"
)

func TestCreateThenOpenReturnsStatusOK(t *testing.T) {
	store := memstore.New()
	r := NewRegistry(store)
	ctx := context.Background()

	dc, err := r.Create(ctx, "doc-1", nil)
	require.NoError(t, err)
	require.Equal(t, "doc-1", dc.DocID)

	rev, err := dc.Body.CurrentRevNum(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), rev)

	opened, status, err := r.Open(ctx, "doc-1")
	require.NoError(t, err)
	require.Equal(t, StatusOK, status)
	require.Same(t, dc, opened)
}

func TestCreateWithInitialBodySeedsRevisionOne(t *testing.T) {
	store := memstore.New()
	r := NewRegistry(store)
	ctx := context.Background()

	dc, err := r.Create(ctx, "doc-2", []byte("hello"))
	require.NoError(t, err)

	rev, err := dc.Body.CurrentRevNum(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), rev)
}

func TestOpenAbsentDocumentReturnsStatusNotFound(t *testing.T) {
	store := memstore.New()
	r := NewRegistry(store)

	dc, status, err := r.Open(context.Background(), "no-such-doc")
	require.NoError(t, err)
	require.Nil(t, dc)
	require.Equal(t, StatusNotFound, status)
}

func TestOpenWithMismatchedFormatVersionReturnsStatusMigrate(t *testing.T) {
	store := memstore.New()
	r := NewRegistry(store)
	ctx := context.Background()

	_, err := r.Create(ctx, "doc-3", nil)
	require.NoError(t, err)

	_, err = store.Transact(ctx, "doc-3", []storage.Op{
		storage.WritePath(formatVersionPath, []byte("0")),
	})
	require.NoError(t, err)

	r.Evict("doc-3")
	_, status, err := r.Open(ctx, "doc-3")
	require.NoError(t, err)
	require.Equal(t, StatusMigrate, status)
}

func TestOpenWithDanglingChangeReturnsStatusError(t *testing.T) {
	store := memstore.New()
	r := NewRegistry(store)
	ctx := context.Background()

	_, err := r.Create(ctx, "doc-4", nil)
	require.NoError(t, err)

	// Simulate a torn write: a change exists past the recorded head.
	_, err = store.Transact(ctx, "doc-4", []storage.Op{
		storage.WritePath("/body/change/1", []byte(`{"revNum":1,"delta":[{"insert":"orphan"}]}`)),
	})
	require.NoError(t, err)

	r.Evict("doc-4")
	dc, status, err := r.Open(ctx, "doc-4")
	require.NoError(t, err)
	require.Equal(t, StatusError, status)
	require.Error(t, dc.Failed())
}

func TestOpenTwiceReturnsSameInstance(t *testing.T) {
	store := memstore.New()
	r := NewRegistry(store)
	ctx := context.Background()

	created, err := r.Create(ctx, "doc-5", nil)
	require.NoError(t, err)

	first, _, err := r.Open(ctx, "doc-5")
	require.NoError(t, err)
	second, _, err := r.Open(ctx, "doc-5")
	require.NoError(t, err)

	require.Same(t, created, first)
	require.Same(t, first, second)
}

func TestStatsReportsRevisionsAndActiveSessions(t *testing.T) {
	store := memstore.New()
	r := NewRegistry(store)
	ctx := context.Background()

	dc, err := r.Create(ctx, "doc-6", nil)
	require.NoError(t, err)

	_, err = dc.Sessions.MakeNewSession(ctx, "alice")
	require.NoError(t, err)

	stats, err := dc.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, "doc-6", stats.DocID)
	require.Equal(t, int64(0), stats.BodyRevNum)
	require.Equal(t, int64(1), stats.CaretRevNum)
	require.Equal(t, int64(0), stats.PropertyRevNum)
	require.Equal(t, 1, stats.ActiveSessions)
}

func TestDeleteRemovesFromStorageAndRegistry(t *testing.T) {
	store := memstore.New()
	r := NewRegistry(store)
	ctx := context.Background()

	_, err := r.Create(ctx, "doc-7", nil)
	require.NoError(t, err)

	require.NoError(t, r.Delete(ctx, "doc-7"))

	_, status, err := r.Open(ctx, "doc-7")
	require.NoError(t, err)
	require.Equal(t, StatusNotFound, status)
}

func TestActiveListsRegisteredDocuments(t *testing.T) {
	store := memstore.New()
	r := NewRegistry(store)
	ctx := context.Background()

	_, err := r.Create(ctx, "doc-8", nil)
	require.NoError(t, err)
	_, err = r.Create(ctx, "doc-9", nil)
	require.NoError(t, err)

	require.Len(t, r.Active(), 2)

	r.Evict("doc-8")
	require.Len(t, r.Active(), 1)
}

func TestMigrateStampsFormatVersionForward(t *testing.T) {
	store := memstore.New()
	r := NewRegistry(store)
	ctx := context.Background()

	_, err := r.Create(ctx, "doc-10", nil)
	require.NoError(t, err)

	_, err = store.Transact(ctx, "doc-10", []storage.Op{
		storage.WritePath(formatVersionPath, []byte("0")),
	})
	require.NoError(t, err)
	r.Evict("doc-10")

	dc, status, err := r.Migrate(ctx, "doc-10")
	require.NoError(t, err)
	require.Equal(t, StatusOK, status)
	require.NotNil(t, dc)
}

func TestStatusMigrateDocumentRefusesMutations(t *testing.T) {
	store := memstore.New()
	r := NewRegistry(store)
	ctx := context.Background()

	_, err := r.Create(ctx, "doc-12", nil)
	require.NoError(t, err)

	_, err = store.Transact(ctx, "doc-12", []storage.Op{
		storage.WritePath(formatVersionPath, []byte("0")),
	})
	require.NoError(t, err)
	r.Evict("doc-12")

	dc, status, err := r.Open(ctx, "doc-12")
	require.NoError(t, err)
	require.Equal(t, StatusMigrate, status)

	_, err = dc.Body.ApplyChange(ctx, 0, textdelta.Insert("hi"), "alice")
	require.Error(t, err)
	require.Equal(t, errors.CategoryMigrationRequired, errors.GetCategory(err))

	_, err = dc.Sessions.MakeNewSession(ctx, "alice")
	require.Error(t, err)
	require.Equal(t, errors.CategoryMigrationRequired, errors.GetCategory(err))

	_, status, err = r.Migrate(ctx, "doc-12")
	require.NoError(t, err)
	require.Equal(t, StatusOK, status)

	dc, status, err = r.Open(ctx, "doc-12")
	require.NoError(t, err)
	require.Equal(t, StatusOK, status)
	_, err = dc.Body.ApplyChange(ctx, 0, textdelta.Insert("hi"), "alice")
	require.NoError(t, err)
}

func TestMigrateOnNonMigrateDocumentIsNoop(t *testing.T) {
	store := memstore.New()
	r := NewRegistry(store)
	ctx := context.Background()

	_, err := r.Create(ctx, "doc-11", nil)
	require.NoError(t, err)

	dc, status, err := r.Migrate(ctx, "doc-11")
	require.NoError(t, err)
	require.Equal(t, StatusOK, status)
	require.NotNil(t, dc)
}
