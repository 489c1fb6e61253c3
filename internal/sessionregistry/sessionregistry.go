// Package sessionregistry maps authors to their live editing sessions
// (spec §4.6). A Session stamps its authorId onto every edit it
// submits, so callers never pass authorId through the control layer
// directly once a session is open.
package sessionregistry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/inful/bayou/internal/caretcolor"
	"github.com/inful/bayou/internal/caretdelta"
	"github.com/inful/bayou/internal/control"
	"github.com/inful/bayou/internal/delta"
	"github.com/inful/bayou/internal/foundation/errors"
)

// Session is a live binding of (authorId, caretId) through which a
// client submits edits. All methods stamp the session's authorId.
type Session struct {
	AuthorID string
	CaretID  string

	registry *Registry
	lastSeen time.Time
	mu       sync.Mutex
}

// ApplyChange submits a body edit on this session's behalf.
func (s *Session) ApplyChange(ctx context.Context, baseRev int64, d delta.Delta) (control.Change, error) {
	s.touch()
	return s.registry.body.ApplyChange(ctx, baseRev, d, s.AuthorID)
}

// UpdateCaret moves this session's caret (spec §6 session operations).
func (s *Session) UpdateCaret(ctx context.Context, index, length int, docRev int64) error {
	s.touch()
	snap, err := s.registry.caret.GetSnapshot(ctx, nil)
	if err != nil {
		return err
	}
	d := caretdelta.CaretDelta{
		caretdelta.SetIndex(s.CaretID, index)[0],
		caretdelta.SetLength(s.CaretID, length)[0],
		caretdelta.SetDocRev(s.CaretID, docRev)[0],
	}
	_, err = s.registry.caret.ApplyChange(ctx, snap.RevNum, d, s.AuthorID)
	return err
}

// EndSession terminates this session's caret and removes it from the registry.
func (s *Session) EndSession(ctx context.Context) error {
	snap, err := s.registry.caret.GetSnapshot(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := s.registry.caret.ApplyChange(ctx, snap.RevNum, caretdelta.End(s.CaretID), s.AuthorID); err != nil {
		return err
	}
	s.registry.remove(s.AuthorID, s.CaretID)
	return nil
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

// LastSeen reports when this session last submitted a body edit or
// caret update, for the idle reaper (spec §4.2).
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// Registry maps authorId to the set of sessions that author has open,
// backed by one document's caret and body controls.
type Registry struct {
	mu       sync.RWMutex
	byAuthor map[string]map[string]*Session // authorId -> caretId -> Session

	body  *control.Stream
	caret *control.Stream
}

// New builds a Registry bound to one document's body and caret streams.
func New(body, caret *control.Stream) *Registry {
	return &Registry{
		byAuthor: make(map[string]map[string]*Session),
		body:     body,
		caret:    caret,
	}
}

// MakeNewSession allocates a fresh caretId, assigns a color minimizing
// hue distance from existing caret colors, and appends a begin-session
// change (spec §4.2).
func (r *Registry) MakeNewSession(ctx context.Context, authorID string) (*Session, error) {
	snap, err := r.caret.GetSnapshot(ctx, nil)
	if err != nil {
		return nil, err
	}
	carets, ok := snap.Contents.(caretdelta.CaretDelta)
	if !ok {
		return nil, errors.InvariantError("sessionregistry: caret snapshot is not a CaretDelta").Build()
	}

	var inUse []string
	for _, op := range carets {
		if op.Color != "" {
			inUse = append(inUse, op.Color)
		}
	}
	color := caretcolor.Next(inUse)

	caretID := uuid.NewString()
	beginDelta := caretdelta.Begin(caretID, authorID, 0, color)
	if _, err := r.caret.ApplyChange(ctx, snap.RevNum, beginDelta, authorID); err != nil {
		return nil, err
	}

	session := &Session{AuthorID: authorID, CaretID: caretID, registry: r, lastSeen: time.Now()}
	r.mu.Lock()
	if r.byAuthor[authorID] == nil {
		r.byAuthor[authorID] = make(map[string]*Session)
	}
	r.byAuthor[authorID][caretID] = session
	r.mu.Unlock()
	return session, nil
}

// FindExistingSession looks up a session by (authorId, caretId),
// failing unknown_session if the caretId isn't live or wrong_author if
// it belongs to a different author.
func (r *Registry) FindExistingSession(authorID, caretID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for owner, sessions := range r.byAuthor {
		if s, ok := sessions[caretID]; ok {
			if owner != authorID {
				return nil, errors.WrongAuthorError("sessionregistry: caret belongs to a different author").
					WithContext("caretId", caretID).Build()
			}
			return s, nil
		}
	}
	return nil, errors.UnknownSessionError("sessionregistry: no such session").
		WithContext("caretId", caretID).Build()
}

// Sessions returns every currently registered session, for the idle reaper.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Session
	for _, sessions := range r.byAuthor {
		for _, s := range sessions {
			out = append(out, s)
		}
	}
	return out
}

// ActiveCount reports the number of live sessions, for metrics and Stats().
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, sessions := range r.byAuthor {
		n += len(sessions)
	}
	return n
}

func (r *Registry) remove(authorID, caretID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sessions, ok := r.byAuthor[authorID]; ok {
		delete(sessions, caretID)
		if len(sessions) == 0 {
			delete(r.byAuthor, authorID)
		}
	}
}
