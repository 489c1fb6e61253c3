// Package storage defines the transactional file-store contract the
// document control engine consumes. The core never touches a concrete
// backend directly — it only depends on the Store interface, so a
// sqlite-backed store and an in-memory store (storage/sqlitestore,
// storage/memstore) are interchangeable behind it.
package storage

import (
	"context"
	"errors"
	"time"
)

// Path is a slash-prefixed, '/'-separated storage key. Components match
// [a-zA-Z0-9_]+; the root "/" alone is not a valid path.
type Path string

// Kind distinguishes the typed storage-layer failures the core must be
// able to tell apart from each other and from ordinary Go errors.
type Kind string

const (
	// KindPathNotEmpty signals a checkPathEmpty op found an existing
	// value — the lost-append-race conflict BodyControl's retry loop
	// consumes internally.
	KindPathNotEmpty Kind = "path_not_empty"

	// KindPathHashMismatch signals a checkPathIs op found a different
	// value than expected.
	KindPathHashMismatch Kind = "path_hash_mismatch"

	// KindTimedOut signals the transaction or wait exceeded its deadline.
	KindTimedOut Kind = "timed_out"

	// KindTransactionAborted signals caller-initiated cancellation, and
	// also a transaction that could not run: a missing or already
	// existing document, a failed checkPathExists, or a backend error.
	KindTransactionAborted Kind = "transaction_aborted"
)

// StoreError carries one of the Kind values above so callers can branch
// on failure kind without string matching.
type StoreError struct {
	Kind Kind
	Path Path
	Err  error
}

func (e *StoreError) Error() string {
	if e.Path != "" {
		return string(e.Kind) + ": " + string(e.Path)
	}
	return string(e.Kind)
}

func (e *StoreError) Unwrap() error { return e.Err }

// IsKind reports whether err is a *StoreError of the given kind.
func IsKind(err error, kind Kind) bool {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Kind == kind
	}
	return false
}

// OpKind selects which field of an Op is meaningful. Backends switch
// on this to interpret a transaction spec.
type OpKind int

const (
	OpCheckExists OpKind = iota
	OpCheckEmpty
	OpCheckIs
	OpRead
	OpWrite
	OpDelete
	OpList
	OpTimeout
)

// Op is one operation within an ordered transaction spec. Exactly one
// of the typed fields is meaningful, selected by Kind.
type Op struct {
	kind OpKind

	path    Path
	value   []byte
	prefix  Path
	timeout time.Duration
}

// Kind reports which operation this is.
func (o Op) Kind() OpKind { return o.kind }

// Path returns the op's target path (valid for all kinds but OpList
// and OpTimeout).
func (o Op) Path() Path { return o.path }

// Value returns the op's comparison or write value (valid for
// OpCheckIs and OpWrite).
func (o Op) Value() []byte { return o.value }

// Prefix returns the op's list prefix (valid for OpList).
func (o Op) Prefix() Path { return o.prefix }

// TimeoutDuration returns the op's bound (valid for OpTimeout).
func (o Op) TimeoutDuration() time.Duration { return o.timeout }

// CheckPathExists fails the transaction with KindTransactionAborted
// unless the path currently holds a value. Used to assert
// preconditions (e.g. the document's format_version already exists).
func CheckPathExists(p Path) Op { return Op{kind: OpCheckExists, path: p} }

// CheckPathEmpty fails the transaction with KindPathNotEmpty if the
// path already holds a value. This is the conditional-append primitive
// BodyControl/CaretControl/PropertyControl build their optimistic
// concurrency on.
func CheckPathEmpty(p Path) Op { return Op{kind: OpCheckEmpty, path: p} }

// CheckPathIs fails the transaction with KindPathHashMismatch unless
// the path currently holds exactly value.
func CheckPathIs(p Path, value []byte) Op { return Op{kind: OpCheckIs, path: p, value: value} }

// ReadPath reads a path's current value into the transaction result.
func ReadPath(p Path) Op { return Op{kind: OpRead, path: p} }

// WritePath sets a path's value, creating or overwriting it.
func WritePath(p Path, value []byte) Op { return Op{kind: OpWrite, path: p, value: value} }

// DeletePath removes a path. Deleting an absent path is not an error.
func DeletePath(p Path) Op { return Op{kind: OpDelete, path: p} }

// ListPath lists all paths with the given prefix into the transaction
// result, in no particular order.
func ListPath(prefix Path) Op { return Op{kind: OpList, prefix: prefix} }

// Timeout bounds how long the whole transaction may take. A
// transaction spec mixing a Timeout op with wait-only ops is not the
// same as a blocking WhenChange call — Timeout here only bounds
// transaction execution, never a suspension on change.
func Timeout(d time.Duration) Op { return Op{kind: OpTimeout, timeout: d} }

// Result is what a committed transaction hands back: the store's
// file-revision counter after the commit, any values read via
// ReadPath, and any path lists gathered via ListPath.
type Result struct {
	// FileRev is the store's monotonically increasing revision counter,
	// bumped on every committed write. WhenChange polls this.
	FileRev int64

	// Data holds the bytes read by each ReadPath op, keyed by path.
	Data map[Path][]byte

	// Paths holds the path lists gathered by each ListPath op, keyed by
	// the prefix passed to ListPath.
	Paths map[Path][]Path
}

// Store is the transactional file-store contract spec'd in §6. The
// core depends only on this interface.
type Store interface {
	// Create brings a fresh, empty document file into existence.
	// Returns a *StoreError{Kind: KindTransactionAborted} if one
	// already exists.
	Create(ctx context.Context, docID string) error

	// Delete discards a document file. Deleting an absent document is
	// not an error.
	Delete(ctx context.Context, docID string) error

	// Exists reports whether a document file exists.
	Exists(ctx context.Context, docID string) (bool, error)

	// Transact executes spec as a single all-or-nothing transaction
	// against docID's file. The first failing check op aborts the
	// whole transaction with its *StoreError; no writes in spec take
	// effect.
	Transact(ctx context.Context, docID string, spec []Op) (Result, error)

	// WhenChange suspends until path has been written after
	// afterFileRev, or timeout elapses (timeout <= 0 means no
	// timeout). It returns without waiting when the document's file
	// revision is already past afterFileRev, whichever path that write
	// touched. Returns promptly on ctx cancellation with a
	// *StoreError{Kind: KindTransactionAborted}.
	WhenChange(ctx context.Context, docID string, path Path, afterFileRev int64, timeout time.Duration) error

	// Close releases resources held by the store.
	Close() error
}
