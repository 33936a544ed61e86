// Package session tracks per-connection state: the logical working directory
// and the site binding. The realtime transport has no process affinity, so
// every non-cd invocation is executed as `cd "<cwd>" && <command>` and the
// logical directory lives here rather than in shell state.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clouddeck/shellbox/internal/types"
)

// Session is the per-connection record. Created on connect, destroyed on
// disconnect; at most one invocation runs against it at a time (enforced by
// the executor).
type Session struct {
	ID          string
	User        types.User
	ConnectedAt time.Time

	mu     sync.Mutex
	siteID string
	root   string
	cwd    string
}

// SetRoot binds the sandbox root reported by the backend. The cwd defaults
// to the root until a site is bound or cd moves it.
func (s *Session) SetRoot(root string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.root = root
	if s.cwd == "" {
		s.cwd = root
	}
}

// BindSite re-derives the default cwd from the site's project folder.
func (s *Session) BindSite(siteID, folder string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.siteID = siteID
	if folder == "" {
		s.cwd = s.root
		return
	}
	s.cwd = s.root + "/" + folder
}

func (s *Session) SiteID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.siteID
}

func (s *Session) Cwd() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cwd
}

func (s *Session) Root() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.root
}

// DirProber checks that a directory exists inside the user's running
// environment. The path string alone is never trusted.
type DirProber func(ctx context.Context, path string) (bool, error)

// ChangeDir resolves target against the current cwd and commits it only if
// the resolved directory stays inside the sandbox root and exists in the
// backend. On rejection the cwd is left unchanged.
func (s *Session) ChangeDir(ctx context.Context, target string, probe DirProber) (string, error) {
	s.mu.Lock()
	root, cwd := s.root, s.cwd
	s.mu.Unlock()

	if root == "" {
		return "", fmt.Errorf("session has no workspace yet")
	}

	resolved, err := Resolve(root, cwd, target)
	if err != nil {
		return "", &types.ValidationError{Reason: err.Error()}
	}

	exists, err := probe(ctx, resolved)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", &types.ValidationError{Reason: fmt.Sprintf("no such directory: %s", target)}
	}

	s.mu.Lock()
	s.cwd = resolved
	s.mu.Unlock()
	return resolved, nil
}

// ResolvedCommand prefixes a command with the session's logical directory.
func (s *Session) ResolvedCommand(command string) string {
	return fmt.Sprintf("cd %q && %s", s.Cwd(), command)
}

// Snapshot is a read-only view for the operator API.
type Snapshot struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Username    string    `json:"username"`
	SiteID      string    `json:"siteId,omitempty"`
	Cwd         string    `json:"cwd"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// Registry holds all live sessions keyed by connection id. Entries are
// inserted on connect and removed, with forced invocation cleanup, on
// disconnect; there is no other lifecycle.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

func (r *Registry) Add(user types.User) *Session {
	s := &Session{
		ID:          uuid.NewString(),
		User:        user,
		ConnectedAt: time.Now(),
	}
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
	return s
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) List() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, 0, len(r.sessions))
	for _, s := range r.sessions {
		s.mu.Lock()
		out = append(out, Snapshot{
			ID:          s.ID,
			UserID:      s.User.ID,
			Username:    s.User.Username,
			SiteID:      s.siteID,
			Cwd:         s.cwd,
			ConnectedAt: s.ConnectedAt,
		})
		s.mu.Unlock()
	}
	return out
}
