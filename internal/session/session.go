// Package session holds ephemeral conversation state: the current dialogue
// state, a bounded turn history, and the per-session locks that keep turn
// processing single-writer.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dialogd/internal/config"
)

// ErrNotFound indicates the session does not exist or has expired.
var ErrNotFound = errors.New("session not found")

// Turn is one completed utterance/response exchange.
type Turn struct {
	// User is the end-user utterance.
	User string `json:"user"`

	// Response is what the service answered.
	Response string `json:"response"`

	// Passages are the ids of the retrieved entries behind the response,
	// empty for canned replies.
	Passages []string `json:"passages,omitempty"`

	// At is when the turn completed.
	At time.Time `json:"at"`
}

// Session is one end-user conversation. Owned by the orchestrator for the
// lifetime of the conversation; all mutation happens under the session's
// keyed lock.
type Session struct {
	// ID identifies the session. Generated on first utterance.
	ID string `json:"id"`

	// ProjectID scopes the session to its tenant.
	ProjectID string `json:"project_id"`

	// Language is the conversation language, fixed at creation.
	Language string `json:"language"`

	// State is the current dialogue state id.
	State string `json:"state"`

	// History holds the most recent turns, oldest first, bounded by the
	// orchestrator's history window.
	History []Turn `json:"history"`

	// Done marks a conversation that reached a terminal state.
	Done bool `json:"done"`

	// CreatedAt is when the session was created.
	CreatedAt time.Time `json:"created_at"`

	// LastActive is when the session last processed a turn. Drives TTL
	// expiry.
	LastActive time.Time `json:"last_active"`
}

// Append records a turn and evicts the oldest entries past the window.
// A window of zero keeps no history.
func (s *Session) Append(turn Turn, window int) {
	s.History = append(s.History, turn)
	if window >= 0 && len(s.History) > window {
		s.History = s.History[len(s.History)-window:]
	}
}

// clone returns an independent copy, history included.
func (s *Session) clone() *Session {
	cp := *s
	cp.History = make([]Turn, len(s.History))
	copy(cp.History, s.History)
	return &cp
}

// Store keeps sessions in memory and expires idle ones. Safe for
// concurrent use; callers that read-modify-write a session serialize
// through Locks.
type Store struct {
	cfg    config.SessionConfig
	logger *zap.Logger
	now    func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session

	locks *KeyedMutex
}

// NewStore creates an empty session store.
func NewStore(cfg config.SessionConfig, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		sessions: make(map[string]*Session),
		locks:    NewKeyedMutex(),
	}
}

// Locks returns the per-session mutex set. One conversation, one writer.
func (s *Store) Locks() *KeyedMutex {
	return s.locks
}

// UtteranceLimit returns the configured per-utterance character cap.
func (s *Store) UtteranceLimit() int {
	return s.cfg.MaxUtteranceChars
}

// Get returns a copy of the session.
func (s *Store) Get(id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return sess.clone(), nil
}

// GetOrCreate returns the session with the given id, creating it in the
// given entry state when it does not exist. An empty id always creates a
// fresh session. The second return value reports whether a session was
// created.
//
// A session id is only valid for the project that created it; a matching
// id under a different project is treated as unknown rather than shared.
func (s *Store) GetOrCreate(id, projectID, language, entryState string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id != "" {
		if sess, ok := s.sessions[id]; ok {
			if sess.ProjectID == projectID {
				return sess.clone(), false
			}
			// Another project owns this id. Never reuse it: the owner's
			// session must survive untouched.
			id = ""
		}
	}

	now := s.now().UTC()
	sess := &Session{
		ID:         id,
		ProjectID:  projectID,
		Language:   language,
		State:      entryState,
		CreatedAt:  now,
		LastActive: now,
	}
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	s.sessions[sess.ID] = sess

	s.logger.Debug("session created",
		zap.String("session_id", sess.ID),
		zap.String("project_id", projectID),
		zap.String("state", entryState),
	)
	return sess.clone(), true
}

// Save persists the session state. The stored copy is independent of the
// caller's.
func (s *Store) Save(sess *Session) {
	cp := sess.clone()
	cp.LastActive = s.now().UTC()

	s.mu.Lock()
	s.sessions[cp.ID] = cp
	s.mu.Unlock()
}

// Delete closes a session explicitly. Deleting an unknown session is an
// error so callers can distinguish a double close.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.sessions, id)
	return nil
}

// DeleteByProject drops every session of a deleted project. Wired as a
// registry delete cascade.
func (s *Store) DeleteByProject(projectID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	dropped := 0
	for id, sess := range s.sessions {
		if sess.ProjectID == projectID {
			delete(s.sessions, id)
			dropped++
		}
	}
	return dropped
}

// Len reports the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// RunJanitor sweeps expired sessions until the context is canceled.
func (s *Store) RunJanitor(ctx context.Context) {
	interval := s.cfg.SweepInterval.Duration()
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep removes sessions idle past the TTL.
func (s *Store) sweep() {
	ttl := s.cfg.TTL.Duration()
	if ttl <= 0 {
		return
	}
	cutoff := s.now().UTC().Add(-ttl)

	s.mu.Lock()
	expired := 0
	for id, sess := range s.sessions {
		if sess.LastActive.Before(cutoff) {
			delete(s.sessions, id)
			expired++
		}
	}
	s.mu.Unlock()

	if expired > 0 {
		s.logger.Info("expired sessions swept", zap.Int("count", expired))
	}
}
