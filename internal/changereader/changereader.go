// Package changereader implements batched range reads and
// wait-for-change polling against the storage layer, shared by every
// control stream (spec §4.5).
package changereader

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/inful/bayou/internal/delta"
	"github.com/inful/bayou/internal/foundation/errors"
	"github.com/inful/bayou/internal/storage"
)

// MaxReadsPerTx bounds how many change keys a single transaction reads.
const MaxReadsPerTx = 20

// Change is one entry in a stream's append-only log.
type Change struct {
	RevNum    int64
	Delta     delta.Delta
	Timestamp int64
	AuthorID  string
}

type wireChange struct {
	RevNum    int64           `json:"revNum"`
	Delta     json.RawMessage `json:"delta"`
	Timestamp int64           `json:"timestamp,omitempty"`
	AuthorID  string          `json:"authorId,omitempty"`
}

// EncodeChange serializes a Change for storage.
func EncodeChange(c Change) ([]byte, error) {
	encodedDelta, err := c.Delta.Encode()
	if err != nil {
		return nil, fmt.Errorf("changereader: encode delta: %w", err)
	}
	return json.Marshal(wireChange{
		RevNum:    c.RevNum,
		Delta:     encodedDelta,
		Timestamp: c.Timestamp,
		AuthorID:  c.AuthorID,
	})
}

// DecodeChange parses bytes previously produced by EncodeChange, using
// algebra to decode the embedded delta.
func DecodeChange(algebra delta.Algebra, data []byte) (Change, error) {
	var w wireChange
	if err := json.Unmarshal(data, &w); err != nil {
		return Change{}, errors.WrapError(err, errors.CategoryCorrupt, "changereader: decode change envelope").Build()
	}
	d, err := algebra.Decode(w.Delta)
	if err != nil {
		return Change{}, errors.WrapError(err, errors.CategoryCorrupt, "changereader: decode change delta").Build()
	}
	return Change{RevNum: w.RevNum, Delta: d, Timestamp: w.Timestamp, AuthorID: w.AuthorID}, nil
}

// Reader batches log reads against one stream's storage namespace
// (e.g. "/body", "/caret", "/property").
type Reader struct {
	store   storage.Store
	docID   string
	prefix  storage.Path
	algebra delta.Algebra
}

// New builds a Reader for one stream within one document.
func New(store storage.Store, docID string, prefix storage.Path, algebra delta.Algebra) *Reader {
	return &Reader{store: store, docID: docID, prefix: prefix, algebra: algebra}
}

// ChangePath returns the storage path of change N for this stream.
func (r *Reader) ChangePath(rev int64) storage.Path {
	return storage.Path(fmt.Sprintf("%s/change/%d", r.prefix, rev))
}

// RevisionNumberPath returns the storage path of this stream's head counter.
func (r *Reader) RevisionNumberPath() storage.Path {
	return storage.Path(fmt.Sprintf("%s/revision_number", r.prefix))
}

// ReadRange fetches changes [startInc, endExc). startInc == endExc
// always succeeds with an empty, non-nil-checked result. Fails
// revision_not_available if any requested key is absent.
func (r *Reader) ReadRange(ctx context.Context, startInc, endExc int64) ([]Change, error) {
	if startInc == endExc {
		return nil, nil
	}
	if startInc > endExc {
		return nil, errors.BadValueError("changereader: startInc must be <= endExc").
			WithContext("startInc", startInc).WithContext("endExc", endExc).Build()
	}

	out := make([]Change, 0, endExc-startInc)
	for batchStart := startInc; batchStart < endExc; batchStart += MaxReadsPerTx {
		batchEnd := batchStart + MaxReadsPerTx
		if batchEnd > endExc {
			batchEnd = endExc
		}

		spec := make([]storage.Op, 0, batchEnd-batchStart)
		for rev := batchStart; rev < batchEnd; rev++ {
			spec = append(spec, storage.ReadPath(r.ChangePath(rev)))
		}
		result, err := r.store.Transact(ctx, r.docID, spec)
		if err != nil {
			return nil, ClassifyStoreError(err)
		}

		for rev := batchStart; rev < batchEnd; rev++ {
			raw, ok := result.Data[r.ChangePath(rev)]
			if !ok {
				return nil, errors.RevisionRangeError(
					fmt.Sprintf("changereader: revision %d not available", rev)).
					WithContext("rev", rev).Build()
			}
			change, err := DecodeChange(r.algebra, raw)
			if err != nil {
				return nil, err
			}
			out = append(out, change)
		}
	}
	return out, nil
}

// ReadHead reads the stream's current revision number plus the
// store's file-revision counter observed at the same instant, so a
// caller can pass the latter to WaitForChangeAfter without a race.
func (r *Reader) ReadHead(ctx context.Context) (revNum int64, fileRev int64, err error) {
	result, err := r.store.Transact(ctx, r.docID, []storage.Op{storage.ReadPath(r.RevisionNumberPath())})
	if err != nil {
		return 0, 0, ClassifyStoreError(err)
	}
	raw, ok := result.Data[r.RevisionNumberPath()]
	if !ok {
		return 0, 0, errors.CorruptError("changereader: revision_number missing").
			WithContext("stream", string(r.prefix)).Build()
	}
	n, convErr := strconv.ParseInt(string(raw), 10, 64)
	if convErr != nil {
		return 0, 0, errors.WrapError(convErr, errors.CategoryCorrupt, "changereader: revision_number not an integer").Build()
	}
	return n, result.FileRev, nil
}

// WaitForChangeAfter suspends until this stream's revision_number has
// been written after afterFileRev, or timeout elapses. timeout <= 0
// means no timeout.
func (r *Reader) WaitForChangeAfter(ctx context.Context, afterFileRev int64, timeout time.Duration) error {
	if err := r.store.WhenChange(ctx, r.docID, r.RevisionNumberPath(), afterFileRev, timeout); err != nil {
		return ClassifyStoreError(err)
	}
	return nil
}

// ClassifyStoreError maps a storage.StoreError into the classified
// wire-error taxonomy, preserving kind per spec §7's propagation policy.
func ClassifyStoreError(err error) error {
	if storage.IsKind(err, storage.KindTimedOut) {
		return errors.WrapError(err, errors.CategoryTimeout, "storage operation timed out").Build()
	}
	if storage.IsKind(err, storage.KindTransactionAborted) {
		return errors.WrapError(err, errors.CategoryAborted, "storage operation aborted").Build()
	}
	if storage.IsKind(err, storage.KindPathNotEmpty) {
		return errors.WrapError(err, errors.CategoryPathConflict, "conditional write conflict").Build()
	}
	if storage.IsKind(err, storage.KindPathHashMismatch) {
		return errors.WrapError(err, errors.CategoryPathConflict, "conditional write conflict").Build()
	}
	return errors.WrapError(err, errors.CategoryInternal, "storage operation failed").Build()
}
