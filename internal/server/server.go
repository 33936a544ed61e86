// Package server exposes the realtime command channel: one websocket per
// panel terminal, plus a small operator HTTP surface. Each connection gets a
// session registered on connect and force-cleaned on disconnect.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/clouddeck/shellbox/internal/audit"
	"github.com/clouddeck/shellbox/internal/backend"
	"github.com/clouddeck/shellbox/internal/executor"
	"github.com/clouddeck/shellbox/internal/policy"
	"github.com/clouddeck/shellbox/internal/session"
)

type Options struct {
	Addr        string
	Logger      *slog.Logger
	Policy      *policy.Tables
	Backend     backend.Backend
	Executor    *executor.Executor
	Registry    *session.Registry
	Audit       *audit.Recorder
	Identity    Identity
	Sites       SiteRegistry
	Notifier    Notifier
	ExecTimeout time.Duration
}

type Server struct {
	addr        string
	logger      *slog.Logger
	policy      *policy.Tables
	backend     backend.Backend
	exec        *executor.Executor
	registry    *session.Registry
	audit       *audit.Recorder
	identity    Identity
	sites       SiteRegistry
	notifier    Notifier
	execTimeout time.Duration

	upgrader websocket.Upgrader
}

func New(opts Options) *Server {
	if opts.Notifier == nil {
		opts.Notifier = NopNotifier{}
	}
	if opts.Identity == nil {
		opts.Identity = HeaderIdentity{}
	}
	return &Server{
		addr:        opts.Addr,
		logger:      opts.Logger,
		policy:      opts.Policy,
		backend:     opts.Backend,
		exec:        opts.Executor,
		registry:    opts.Registry,
		audit:       opts.Audit,
		identity:    opts.Identity,
		sites:       opts.Sites,
		notifier:    opts.Notifier,
		execTimeout: opts.ExecTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The fronting proxy enforces origin; the daemon never faces
			// browsers directly.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/terminal", s.handleTerminal).Methods("GET")
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/api/sessions", s.handleSessions).Methods("GET")
	return r
}

// Start serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	httpSrv := &http.Server{Addr: s.addr, Handler: s.Router()}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server_listening", "addr", s.addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// BusyUser reports whether any session of the user has an invocation in
// flight. The idle reaper consults it before stopping a container.
func (s *Server) BusyUser(userID string) bool {
	for _, snap := range s.registry.List() {
		if snap.UserID == userID && s.exec.Active(snap.ID) {
			return true
		}
	}
	return false
}

func (s *Server) handleTerminal(w http.ResponseWriter, r *http.Request) {
	user, err := s.identity.Resolve(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket_upgrade_failed", "error", err)
		return
	}

	sess := s.registry.Add(user)
	s.logger.Info("session_start", "session", sess.ID, "user", user.ID)

	// gorilla/websocket permits one concurrent writer; all sends funnel
	// through this lock.
	var writeMu sync.Mutex
	send := func(ev serverEvent) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := ws.WriteJSON(ev); err != nil {
			s.logger.Debug("websocket_write_failed", "session", sess.ID, "error", err)
		}
	}

	connCtx, cancel := context.WithCancel(r.Context())
	c := newConn(s, sess, send)

	defer func() {
		cancel()
		c.close()
		s.registry.Remove(sess.ID)
		_ = ws.Close()
		s.logger.Info("session_end", "session", sess.ID, "user", user.ID)
	}()

	for {
		var ev clientEvent
		if err := ws.ReadJSON(&ev); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket_read_failed", "session", sess.ID, "error", err)
			}
			return
		}
		c.handleEvent(connCtx, ev)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"sessions": s.registry.Len(),
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.registry.List())
}
