package control

import (
	"context"
	"testing"
	"time"

	"github.com/inful/bayou/internal/changereader"
	"github.com/inful/bayou/internal/foundation/errors"
	"github.com/inful/bayou/internal/metrics"
	"github.com/inful/bayou/internal/retry"
	"github.com/inful/bayou/internal/storage"
	"github.com/inful/bayou/internal/storage/memstore"
	"github.com/inful/bayou/internal/textdelta"
	"github.com/stretchr/testify/require"
)

func newBodyStream(t *testing.T, store *memstore.Store, docID string) *Stream {
	t.Helper()
	require.NoError(t, store.Create(context.Background(), docID))
	spec := []storage.Op{
		storage.WritePath("/body/change/0", mustEncode(t, Change{RevNum: 0, Delta: textdelta.Document("")})),
		storage.WritePath("/body/revision_number", []byte("0")),
	}
	_, err := store.Transact(context.Background(), docID, spec)
	require.NoError(t, err)

	return New(store, docID, Adapter{Algebra: textdelta.Algebra{}, PathPrefix: "/body", Name: metrics.StreamBody},
		WithMetrics(metrics.NoopRecorder{}))
}

func mustEncode(t *testing.T, c Change) []byte {
	t.Helper()
	data, err := changereader.EncodeChange(c)
	require.NoError(t, err)
	return data
}

func TestScenarioA_EmptyCreate(t *testing.T) {
	store := memstore.New()
	s := newBodyStream(t, store, "doc-a")

	rev, err := s.CurrentRevNum(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(0), rev)

	snap, err := s.GetSnapshot(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, int64(0), snap.RevNum)
	require.True(t, snap.Contents.IsDocument())
	require.True(t, snap.Contents.IsEmpty())
}

func TestScenarioB_LinearEdits(t *testing.T) {
	store := memstore.New()
	s := newBodyStream(t, store, "doc-b")
	ctx := context.Background()

	_, err := s.ApplyChange(ctx, 0, textdelta.Insert("hello"), "alice")
	require.NoError(t, err)

	_, err = s.ApplyChange(ctx, 1, textdelta.Retain(5).Then(textdelta.Insert(" world")[0]), "alice")
	require.NoError(t, err)

	snap, err := s.GetSnapshot(ctx, nil)
	require.NoError(t, err)
	text, err := snap.Contents.(textdelta.TextDelta).PlainText()
	require.NoError(t, err)
	require.Equal(t, "hello world", text)
	require.Equal(t, int64(2), snap.RevNum)
}

func TestScenarioC_ConcurrentEditCorrection(t *testing.T) {
	store := memstore.New()
	s := newBodyStream(t, store, "doc-c")
	ctx := context.Background()

	_, err := s.ApplyChange(ctx, 0, textdelta.Insert("abc"), "alice")
	require.NoError(t, err)

	// Both alice and bob base their edit on rev 1 ("abc").
	_, err = s.ApplyChange(ctx, 1, textdelta.Retain(3).Then(textdelta.Insert("-alice")[0]), "alice")
	require.NoError(t, err)

	correction, err := s.ApplyChange(ctx, 1, textdelta.Retain(3).Then(textdelta.Insert("-bob")[0]), "bob")
	require.NoError(t, err)
	require.Equal(t, int64(3), correction.RevNum)
	require.False(t, correction.Delta.IsEmpty())

	snap, err := s.GetSnapshot(ctx, nil)
	require.NoError(t, err)
	text, err := snap.Contents.(textdelta.TextDelta).PlainText()
	require.NoError(t, err)
	require.Contains(t, text, "abc-alice")
	require.Contains(t, text, "-bob")
}

func TestScenarioD_LongPollResolvesOnWrite(t *testing.T) {
	store := memstore.New()
	s := newBodyStream(t, store, "doc-d")
	ctx := context.Background()

	done := make(chan Change, 1)
	errCh := make(chan error, 1)
	go func() {
		c, err := s.GetChangeAfter(context.Background(), 0, 2*time.Second)
		if err != nil {
			errCh <- err
			return
		}
		done <- c
	}()

	time.Sleep(20 * time.Millisecond)
	_, err := s.ApplyChange(ctx, 0, textdelta.Insert("hi"), "alice")
	require.NoError(t, err)

	select {
	case c := <-done:
		require.Equal(t, int64(1), c.RevNum)
	case err := <-errCh:
		t.Fatalf("GetChangeAfter failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("GetChangeAfter did not resolve")
	}
}

func TestScenarioD_LongPollTimesOut(t *testing.T) {
	store := memstore.New()
	s := newBodyStream(t, store, "doc-d2")

	_, err := s.GetChangeAfter(context.Background(), 0, 30*time.Millisecond)
	require.Error(t, err)
}

func TestScenarioE_RetryBudgetExhausted(t *testing.T) {
	store := memstore.New()
	docID := "doc-e"
	require.NoError(t, store.Create(context.Background(), docID))
	_, err := store.Transact(context.Background(), docID, []storage.Op{
		storage.WritePath("/body/change/0", mustEncode(t, Change{RevNum: 0, Delta: textdelta.Document("")})),
		storage.WritePath("/body/revision_number", []byte("0")),
	})
	require.NoError(t, err)

	// Fake clock that jumps well past the retry budget on each read,
	// so the very first loop iteration already looks expired.
	jumpedOnce := false
	fakeNow := func() time.Time {
		base := time.Unix(0, 0)
		if jumpedOnce {
			return base.Add(30 * time.Second)
		}
		jumpedOnce = true
		return base
	}

	s := New(store, docID, Adapter{Algebra: textdelta.Algebra{}, PathPrefix: "/body", Name: metrics.StreamBody},
		WithClock(fakeNow), WithRetryPolicy(retry.AppendRetryPolicy()))

	// Prime the cache under a base rev that will mismatch current by
	// forcing a conflicting write in between via another stream handle.
	other := New(store, docID, Adapter{Algebra: textdelta.Algebra{}, PathPrefix: "/body", Name: metrics.StreamBody})
	_, err = other.ApplyChange(context.Background(), 0, textdelta.Insert("x"), "racer")
	require.NoError(t, err)

	_, err = s.ApplyChange(context.Background(), 0, textdelta.Insert("y"), "alice")
	require.Error(t, err)
	require.Equal(t, errors.CategoryRetryExhausted, errors.GetCategory(err))
}

func TestGetChangeReturnsRevisionNotAvailable(t *testing.T) {
	store := memstore.New()
	s := newBodyStream(t, store, "doc-f")

	_, err := s.GetChange(context.Background(), 5)
	require.Error(t, err)
}

func TestApplyChangeRejectsDeltaThatDoesNotMatchBaseLength(t *testing.T) {
	store := memstore.New()
	s := newBodyStream(t, store, "doc-g")

	// Retain(5) expects 5 runes of base content, but the document is
	// still empty at rev 0 — compose must fail with a caller error.
	_, err := s.ApplyChange(context.Background(), 0, textdelta.Retain(5), "alice")
	require.Error(t, err)
}

func TestApplyChangeEmptyDeltaShortCircuits(t *testing.T) {
	store := memstore.New()
	s := newBodyStream(t, store, "doc-h")

	c, err := s.ApplyChange(context.Background(), 0, textdelta.TextDelta{}, "alice")
	require.NoError(t, err)
	require.Equal(t, int64(0), c.RevNum)

	rev, err := s.CurrentRevNum(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(0), rev)
}

func TestValidatePassesOnHealthyLog(t *testing.T) {
	store := memstore.New()
	s := newBodyStream(t, store, "doc-i")
	ctx := context.Background()

	_, err := s.ApplyChange(ctx, 0, textdelta.Insert("hi"), "alice")
	require.NoError(t, err)

	require.NoError(t, s.Validate(ctx))
}

func TestValidateDetectsDanglingChangeBeyondHead(t *testing.T) {
	store := memstore.New()
	docID := "doc-j"
	require.NoError(t, store.Create(context.Background(), docID))
	_, err := store.Transact(context.Background(), docID, []storage.Op{
		storage.WritePath("/body/change/0", mustEncode(t, Change{RevNum: 0, Delta: textdelta.Document("")})),
		storage.WritePath("/body/revision_number", []byte("0")),
		// Simulates a torn write: a change exists past the recorded head.
		storage.WritePath("/body/change/2", mustEncode(t, Change{RevNum: 2, Delta: textdelta.Insert("orphan")})),
	})
	require.NoError(t, err)

	s := New(store, docID, Adapter{Algebra: textdelta.Algebra{}, PathPrefix: "/body", Name: metrics.StreamBody})
	err = s.Validate(context.Background())
	require.Error(t, err)
}
