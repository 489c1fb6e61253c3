// Package server implements the minimal debug transport spec §1 names
// as the one non-goal surface worth exercising: it is not a full
// editor API, just enough HTTP/websocket plumbing to demonstrate the
// session operations of spec §6 (open session, applyChange,
// updateCaret, getChangeAfter, endSession) end to end. A real editor
// frontend would speak a richer protocol; bayoud serve's websocket
// endpoint exists so this repo has something a client can connect to.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/inful/bayou/internal/control"
	"github.com/inful/bayou/internal/doccomplex"
	derrors "github.com/inful/bayou/internal/foundation/errors"
	"github.com/inful/bayou/internal/logfields"
	"github.com/inful/bayou/internal/sessionregistry"
	"github.com/inful/bayou/internal/textdelta"
)

// Server hosts the debug HTTP surface: a health endpoint and the
// one-connection-per-session websocket transport.
type Server struct {
	registry     *doccomplex.Registry
	httpServer   *http.Server
	errorAdapter *derrors.HTTPErrorAdapter
	logger       *slog.Logger
	upgrader     websocket.Upgrader
}

// Option configures a Server.
type Option func(*Server)

// WithLogger overrides the server's logger; default is slog.Default().
func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = l } }

// New builds a Server listening on addr, serving sessions against registry.
func New(registry *doccomplex.Registry, addr string, opts ...Option) *Server {
	s := &Server{
		registry:     registry,
		errorAdapter: derrors.NewHTTPErrorAdapter(slog.Default()),
		logger:       slog.Default(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWebSocket)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}
	return s
}

// ListenAndServe blocks serving HTTP until ctx is cancelled, then shuts
// the server down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.ListenAndServe() }()

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// wsRequest is one client-to-server message on the debug transport.
type wsRequest struct {
	Type      string          `json:"type"`
	DocID     string          `json:"docId,omitempty"`
	AuthorID  string          `json:"authorId,omitempty"`
	BaseRev   int64           `json:"baseRev,omitempty"`
	Delta     json.RawMessage `json:"delta,omitempty"`
	Index     int             `json:"index,omitempty"`
	Length    int             `json:"length,omitempty"`
	DocRev    int64           `json:"docRev,omitempty"`
	TimeoutMs int64           `json:"timeoutMs,omitempty"`
}

// wsResponse is one server-to-client message on the debug transport.
type wsResponse struct {
	Type    string `json:"type"`
	CaretID string `json:"caretId,omitempty"`
	RevNum  int64  `json:"revNum,omitempty"`
	Delta   []byte `json:"delta,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WarnContext(r.Context(), "server: websocket upgrade failed", logfields.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	var (
		session *sessionregistry.Session
		dc      *doccomplex.DocComplex
	)
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	var writeMu sync.Mutex
	writeJSON := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(v)
	}

	for {
		var req wsRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}

		switch req.Type {
		case "open_session":
			openedDC, status, err := s.registry.Open(ctx, req.DocID)
			if err != nil || status != doccomplex.StatusOK {
				s.sendError(writeJSON, "open_session failed or document not ready")
				continue
			}
			opened, err := openedDC.Sessions.MakeNewSession(ctx, req.AuthorID)
			if err != nil {
				s.sendError(writeJSON, err.Error())
				continue
			}
			dc, session = openedDC, opened
			_ = writeJSON(wsResponse{Type: "session_opened", CaretID: session.CaretID})

		case "apply_change":
			if session == nil {
				s.sendError(writeJSON, "no open session")
				continue
			}
			d, err := textdelta.Decode(req.Delta)
			if err != nil {
				s.sendError(writeJSON, err.Error())
				continue
			}
			change, err := session.ApplyChange(ctx, req.BaseRev, d)
			if err != nil {
				s.sendError(writeJSON, err.Error())
				continue
			}
			s.sendChange(writeJSON, "change_applied", change)

		case "update_caret":
			if session == nil {
				s.sendError(writeJSON, "no open session")
				continue
			}
			if err := session.UpdateCaret(ctx, req.Index, req.Length, req.DocRev); err != nil {
				s.sendError(writeJSON, err.Error())
				continue
			}
			_ = writeJSON(wsResponse{Type: "caret_updated"})

		case "get_change_after":
			if dc == nil {
				s.sendError(writeJSON, "no open session")
				continue
			}
			timeout := time.Duration(req.TimeoutMs) * time.Millisecond
			go func(baseRev int64, timeout time.Duration) {
				change, err := dc.Body.GetChangeAfter(ctx, baseRev, timeout)
				if err != nil {
					s.sendError(writeJSON, err.Error())
					return
				}
				s.sendChange(writeJSON, "change_after", change)
			}(req.BaseRev, timeout)

		case "end_session":
			if session == nil {
				s.sendError(writeJSON, "no open session")
				continue
			}
			if err := session.EndSession(ctx); err != nil {
				s.sendError(writeJSON, err.Error())
				continue
			}
			_ = writeJSON(wsResponse{Type: "session_ended"})
			session = nil

		default:
			s.sendError(writeJSON, "unknown message type: "+req.Type)
		}
	}
}

func (s *Server) sendError(writeJSON func(any) error, msg string) {
	_ = writeJSON(wsResponse{Type: "error", Error: msg})
}

func (s *Server) sendChange(writeJSON func(any) error, msgType string, c control.Change) {
	encoded, err := c.Delta.Encode()
	if err != nil {
		s.sendError(writeJSON, err.Error())
		return
	}
	_ = writeJSON(wsResponse{Type: msgType, RevNum: c.RevNum, Delta: encoded})
}
