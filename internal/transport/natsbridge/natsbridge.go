// Package natsbridge implements the optional cross-process fanout for
// getChangeAfter wakeups (spec §5, §9's multi-node Open Question): when
// more than one bayoud process shares a document, a write committed on
// one node needs to wake ChangeReader.waitForChangeAfter callers
// blocked on another node's in-memory WhenChange waiters. A single
// process never constructs this bridge — storage.Store's own WhenChange
// already covers every local caller.
//
// Bridge wraps a storage.Store and republishes every committed write to
// a stream path on a per-document, per-stream NATS subject
// (bayou.doc.<docId>.<stream>), satisfying §5's "no ordering guaranteed
// across different controls" by publishing per-stream rather than
// per-document.
package natsbridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/inful/bayou/internal/logfields"
	"github.com/inful/bayou/internal/storage"
)

// RemoteChange is one head-advance notification received from another node.
type RemoteChange struct {
	DocID   string
	Stream  string
	FileRev int64
}

// Store decorates a storage.Store, publishing a RemoteChange on every
// Transact call that writes to a recognized stream path.
type Store struct {
	storage.Store

	conn   *nats.Conn
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger overrides the bridge's logger; default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Wrap builds a Store that publishes head-advance notifications for
// underlying's writes over conn. Callers that never configure NATS
// (config.NATSConfig.Enabled == false) should pass underlying through
// unwrapped instead of calling Wrap.
func Wrap(underlying storage.Store, conn *nats.Conn, opts ...Option) *Store {
	s := &Store{Store: underlying, conn: conn, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Transact runs the underlying transaction, then publishes a
// notification for every stream prefix the spec touched with a write.
func (s *Store) Transact(ctx context.Context, docID string, spec []storage.Op) (storage.Result, error) {
	result, err := s.Store.Transact(ctx, docID, spec)
	if err != nil {
		return result, err
	}
	for _, stream := range writtenStreams(spec) {
		s.publish(ctx, docID, stream, result.FileRev)
	}
	return result, nil
}

// streamPrefixes are the three well-known top-level storage namespaces
// a control.Stream writes under (spec §3).
var streamPrefixes = []string{"body", "caret", "property"}

// writtenStreams returns the distinct stream names (without duplicates)
// any OpWrite in spec targets.
func writtenStreams(spec []storage.Op) []string {
	seen := make(map[string]bool)
	var out []string
	for _, op := range spec {
		if op.Kind() != storage.OpWrite {
			continue
		}
		stream := streamOfPath(op.Path())
		if stream == "" || seen[stream] {
			continue
		}
		seen[stream] = true
		out = append(out, stream)
	}
	return out
}

func streamOfPath(p storage.Path) string {
	trimmed := strings.TrimPrefix(string(p), "/")
	for _, prefix := range streamPrefixes {
		if trimmed == prefix || strings.HasPrefix(trimmed, prefix+"/") {
			return prefix
		}
	}
	return ""
}

// subject returns the NATS subject a document/stream pair publishes on.
func subject(docID, stream string) string {
	return "bayou.doc." + docID + "." + stream
}

func (s *Store) publish(ctx context.Context, docID, stream string, fileRev int64) {
	if s.conn == nil {
		return
	}
	data, err := json.Marshal(RemoteChange{DocID: docID, Stream: stream, FileRev: fileRev})
	if err != nil {
		return
	}
	if err := s.conn.Publish(subject(docID, stream), data); err != nil {
		s.logger.WarnContext(ctx, "natsbridge: publish failed",
			logfields.DocID(docID), logfields.Stream(stream), logfields.Error(err))
	}
}

// Subscribe delivers every RemoteChange published for docID (by any
// node, including this one) until ctx is cancelled. The returned
// channel is closed once the subscription is torn down.
func (s *Store) Subscribe(ctx context.Context, docID string) (<-chan RemoteChange, error) {
	out := make(chan RemoteChange, 16)
	if s.conn == nil {
		close(out)
		return out, nil
	}

	sub, err := s.conn.Subscribe(subject(docID, "*"), func(msg *nats.Msg) {
		var change RemoteChange
		if err := json.Unmarshal(msg.Data, &change); err != nil {
			return
		}
		select {
		case out <- change:
		default:
		}
	})
	if err != nil {
		close(out)
		return nil, err
	}

	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
		close(out)
	}()
	return out, nil
}
