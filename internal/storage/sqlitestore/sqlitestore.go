// Package sqlitestore is the reference storage.Store backend: one
// SQLite database file holds every document this process serves, in a
// single paths table keyed by (doc_id, path), plus a doc_meta row per
// document tracking the file-revision counter WhenChange polls.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	_ "modernc.org/sqlite"

	"github.com/inful/bayou/internal/storage"
)

// Store is a sqlite-backed storage.Store. The write path serializes
// through mu because SQLite allows only one writer at a time; readers
// inside a transaction still see a consistent snapshot via SQLite's
// own transaction isolation.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.Mutex

	notifyMu sync.Mutex
	waiters  map[string]map[storage.Path][]chan struct{}

	watcher  *fsnotify.Watcher // nil for ":memory:" or if the watch failed to register
	watchEnd chan struct{}
	watchWg  sync.WaitGroup
}

// Open opens (creating if absent) the sqlite database at path. Use
// ":memory:" for tests. For a file-backed database, Open also starts
// an fsnotify watch on the file: if it is truncated or replaced out
// from under this process (a deployment restoring a backup, or a
// misbehaving second writer), every in-flight WhenChange returns
// immediately instead of blocking out the change until its poll
// tick.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers anyway

	s := &Store{db: db, path: path, waiters: make(map[string]map[storage.Path][]chan struct{})}
	if err := s.initialize(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	if path != ":memory:" {
		if watcher, err := fsnotify.NewWatcher(); err == nil {
			if err := watcher.Add(path); err == nil {
				s.watcher = watcher
				s.watchEnd = make(chan struct{})
				s.watchWg.Add(1)
				go s.watchExternalChanges()
			} else {
				_ = watcher.Close()
			}
		}
	}
	return s, nil
}

// watchExternalChanges wakes every registered waiter on any fsnotify
// event for the database file, so an external writer's change isn't
// discovered only on the next poll tick.
func (s *Store) watchExternalChanges() {
	defer s.watchWg.Done()
	for {
		select {
		case <-s.watchEnd:
			return
		case _, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.wakeAllWaiters()
		case _, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (s *Store) wakeAllWaiters() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	for docID, perPath := range s.waiters {
		for path, chans := range perPath {
			for _, ch := range chans {
				close(ch)
			}
			delete(perPath, path)
		}
		if len(perPath) == 0 {
			delete(s.waiters, docID)
		}
	}
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS paths (
		doc_id TEXT NOT NULL,
		path   TEXT NOT NULL,
		value  BLOB NOT NULL,
		PRIMARY KEY (doc_id, path)
	);
	CREATE TABLE IF NOT EXISTS doc_meta (
		doc_id   TEXT PRIMARY KEY,
		file_rev INTEGER NOT NULL DEFAULT 0
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) Create(ctx context.Context, docID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO doc_meta (doc_id, file_rev) VALUES (?, 0)", docID)
	if err != nil {
		return fmt.Errorf("create document: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("create document: %w", err)
	}
	if n == 0 {
		return &storage.StoreError{Kind: storage.KindTransactionAborted, Err: errors.New("document already exists")}
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, docID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM paths WHERE doc_id = ?", docID); err != nil {
		return fmt.Errorf("delete document paths: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM doc_meta WHERE doc_id = ?", docID); err != nil {
		return fmt.Errorf("delete document meta: %w", err)
	}
	return tx.Commit()
}

func (s *Store) Exists(ctx context.Context, docID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM doc_meta WHERE doc_id = ?", docID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check document existence: %w", err)
	}
	return n > 0, nil
}

// Transact executes spec as one SQL transaction. The first failing
// check op rolls back and returns its *storage.StoreError.
func (s *Store) Transact(ctx context.Context, docID string, spec []storage.Op) (storage.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, op := range spec {
		if op.Kind() == storage.OpTimeout && op.TimeoutDuration() > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, op.TimeoutDuration())
			defer cancel()
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return storage.Result{}, &storage.StoreError{Kind: storage.KindTimedOut, Err: err}
		}
		return storage.Result{}, &storage.StoreError{Kind: storage.KindTransactionAborted, Err: err}
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var exists int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(1) FROM doc_meta WHERE doc_id = ?", docID).Scan(&exists); err != nil {
		return storage.Result{}, &storage.StoreError{Kind: storage.KindTransactionAborted, Err: err}
	}
	if exists == 0 {
		return storage.Result{}, &storage.StoreError{Kind: storage.KindTransactionAborted, Err: errors.New("no such document")}
	}

	res := storage.Result{Data: make(map[storage.Path][]byte), Paths: make(map[storage.Path][]storage.Path)}
	wrote := false
	var touched []storage.Path

	for _, op := range spec {
		switch op.Kind() {
		case storage.OpCheckExists:
			var n int
			if err := tx.QueryRowContext(ctx, "SELECT COUNT(1) FROM paths WHERE doc_id=? AND path=?", docID, string(op.Path())).Scan(&n); err != nil {
				return storage.Result{}, classify(err)
			}
			if n == 0 {
				return storage.Result{}, &storage.StoreError{Kind: storage.KindTransactionAborted, Path: op.Path()}
			}
		case storage.OpCheckEmpty:
			var n int
			if err := tx.QueryRowContext(ctx, "SELECT COUNT(1) FROM paths WHERE doc_id=? AND path=?", docID, string(op.Path())).Scan(&n); err != nil {
				return storage.Result{}, classify(err)
			}
			if n > 0 {
				return storage.Result{}, &storage.StoreError{Kind: storage.KindPathNotEmpty, Path: op.Path()}
			}
		case storage.OpCheckIs:
			var v []byte
			err := tx.QueryRowContext(ctx, "SELECT value FROM paths WHERE doc_id=? AND path=?", docID, string(op.Path())).Scan(&v)
			if errors.Is(err, sql.ErrNoRows) || (err == nil && string(v) != string(op.Value())) {
				return storage.Result{}, &storage.StoreError{Kind: storage.KindPathHashMismatch, Path: op.Path()}
			}
			if err != nil {
				return storage.Result{}, classify(err)
			}
		case storage.OpRead:
			var v []byte
			err := tx.QueryRowContext(ctx, "SELECT value FROM paths WHERE doc_id=? AND path=?", docID, string(op.Path())).Scan(&v)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return storage.Result{}, classify(err)
			}
			res.Data[op.Path()] = v
		case storage.OpWrite:
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO paths (doc_id, path, value) VALUES (?, ?, ?)
				 ON CONFLICT(doc_id, path) DO UPDATE SET value = excluded.value`,
				docID, string(op.Path()), op.Value()); err != nil {
				return storage.Result{}, classify(err)
			}
			wrote = true
			touched = append(touched, op.Path())
		case storage.OpDelete:
			if _, err := tx.ExecContext(ctx, "DELETE FROM paths WHERE doc_id=? AND path=?", docID, string(op.Path())); err != nil {
				return storage.Result{}, classify(err)
			}
			wrote = true
			touched = append(touched, op.Path())
		case storage.OpList:
			rows, err := tx.QueryContext(ctx, "SELECT path FROM paths WHERE doc_id=? AND substr(path, 1, length(?)) = ?", docID, string(op.Prefix()), string(op.Prefix()))
			if err != nil {
				return storage.Result{}, classify(err)
			}
			var matches []storage.Path
			for rows.Next() {
				var p string
				if err := rows.Scan(&p); err != nil {
					_ = rows.Close()
					return storage.Result{}, classify(err)
				}
				matches = append(matches, storage.Path(p))
			}
			_ = rows.Close()
			res.Paths[op.Prefix()] = matches
		case storage.OpTimeout:
			// handled above via context deadline.
		}
	}

	var fileRev int64
	if wrote {
		if _, err := tx.ExecContext(ctx, "UPDATE doc_meta SET file_rev = file_rev + 1 WHERE doc_id = ?", docID); err != nil {
			return storage.Result{}, classify(err)
		}
	}
	if err := tx.QueryRowContext(ctx, "SELECT file_rev FROM doc_meta WHERE doc_id = ?", docID).Scan(&fileRev); err != nil {
		return storage.Result{}, classify(err)
	}

	if err := tx.Commit(); err != nil {
		return storage.Result{}, classify(err)
	}
	committed = true
	res.FileRev = fileRev

	if wrote {
		s.notify(docID, touched)
	}
	return res, nil
}

func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &storage.StoreError{Kind: storage.KindTimedOut, Err: err}
	}
	return &storage.StoreError{Kind: storage.KindTransactionAborted, Err: err}
}

func (s *Store) notify(docID string, paths []storage.Path) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	perPath := s.waiters[docID]
	for _, p := range paths {
		for _, ch := range perPath[p] {
			close(ch)
		}
		delete(perPath, p)
	}
}

// WhenChange polls doc_meta.file_rev rather than relying on a SQLite
// notification mechanism (there isn't one) — the in-process waiter
// list above resolves instantly for same-process writers, and a short
// poll loop catches writes from another process sharing the file.
func (s *Store) WhenChange(ctx context.Context, docID string, path storage.Path, afterFileRev int64, timeout time.Duration) error {
	cur, err := s.currentFileRev(ctx, docID)
	if err != nil {
		return err
	}
	if cur > afterFileRev {
		return nil
	}

	s.notifyMu.Lock()
	if s.waiters[docID] == nil {
		s.waiters[docID] = make(map[storage.Path][]chan struct{})
	}
	ch := make(chan struct{})
	s.waiters[docID][path] = append(s.waiters[docID][path], ch)
	s.notifyMu.Unlock()

	var timerC <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timerC = t.C
	}
	poll := time.NewTicker(500 * time.Millisecond)
	defer poll.Stop()

	for {
		select {
		case <-ch:
			return nil
		case <-timerC:
			return &storage.StoreError{Kind: storage.KindTimedOut, Path: path}
		case <-ctx.Done():
			return &storage.StoreError{Kind: storage.KindTransactionAborted, Path: path, Err: ctx.Err()}
		case <-poll.C:
			cur, err := s.currentFileRev(ctx, docID)
			if err == nil && cur > afterFileRev {
				return nil
			}
		}
	}
}

func (s *Store) currentFileRev(ctx context.Context, docID string) (int64, error) {
	var rev int64
	err := s.db.QueryRowContext(ctx, "SELECT file_rev FROM doc_meta WHERE doc_id = ?", docID).Scan(&rev)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, &storage.StoreError{Kind: storage.KindTransactionAborted, Err: errors.New("no such document")}
	}
	if err != nil {
		return 0, classify(err)
	}
	return rev, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher != nil {
		close(s.watchEnd)
		_ = s.watcher.Close()
		s.watchWg.Wait()
	}
	return s.db.Close()
}
