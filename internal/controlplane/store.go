package controlplane

import (
	"sync"
	"time"

	"github.com/marionet-dev/marionet/internal/errs"
	"github.com/marionet-dev/marionet/internal/shared/id"
)

// Session is the control plane's view of one browsing context.
type Session struct {
	ID              id.SessionID `json:"id"`
	Status          string       `json:"status"`
	ControlEndpoint string       `json:"controlEndpoint"`
	Viewport        Viewport     `json:"viewport"`
	CreatedAt       time.Time    `json:"createdAt"`
	LastActivity    time.Time    `json:"lastActivity"`
}

// Viewport is a session's page dimensions.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

var defaultViewport = Viewport{Width: 1280, Height: 720}

// Store tracks live sessions with a hard capacity limit.
type Store struct {
	capacity int

	mu       sync.Mutex
	sessions map[id.SessionID]*Session
}

// NewStore creates a store with the given capacity; zero or negative
// means 16.
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = 16
	}
	return &Store{
		capacity: capacity,
		sessions: make(map[id.SessionID]*Session),
	}
}

// Create allocates a new session, rejecting at capacity.
func (s *Store) Create(viewport *Viewport) (*Session, error) {
	vp := defaultViewport
	if viewport != nil && viewport.Width > 0 && viewport.Height > 0 {
		vp = *viewport
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sessions) >= s.capacity {
		return nil, errs.New(errs.KindSessionLimit, "store.Create", "session capacity reached")
	}

	now := time.Now()
	sess := &Session{
		ID:           id.NewSessionID(),
		Status:       "ready",
		Viewport:     vp,
		CreatedAt:    now,
		LastActivity: now,
	}
	s.sessions[sess.ID] = sess
	return sess, nil
}

// Get returns the session or nil.
func (s *Store) Get(sessionID id.SessionID) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[sessionID]
}

// List returns a snapshot of all sessions.
func (s *Store) List() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// Delete removes a session, reporting whether it existed.
func (s *Store) Delete(sessionID id.SessionID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return false
	}
	delete(s.sessions, sessionID)
	return true
}

// Touch bumps a session's activity timestamp.
func (s *Store) Touch(sessionID id.SessionID) {
	s.mu.Lock()
	if sess, ok := s.sessions[sessionID]; ok {
		sess.LastActivity = time.Now()
	}
	s.mu.Unlock()
}

// Count returns the number of live sessions.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Capacity returns the configured limit.
func (s *Store) Capacity() int {
	return s.capacity
}
