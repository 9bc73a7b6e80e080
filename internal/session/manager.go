package session

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/crucible-gg/crucible/internal/core/client"
	"github.com/crucible-gg/crucible/internal/integrity"
)

var (
	ErrNotFound          = errors.New("session not found")
	ErrNotConnected      = errors.New("session has no attached connection")
	ErrSessionConflict   = errors.New("session already resumed")
	ErrInvalidToken      = errors.New("invalid or expired resume token")
	ErrInvalidTransition = errors.New("invalid session state transition")
)

// Manager owns every Session in the server. It serializes lifecycle
// operations per session and arbitrates reconnect races: of two concurrent
// resume attempts for the same session exactly one wins.
type Manager struct {
	logger      *logrus.Logger
	monitor     *integrity.Monitor
	graceWindow time.Duration

	mu       sync.Mutex
	sessions map[string]*Session

	// tokens maps single-use resume tokens to session IDs. Entries expire
	// with the grace window so a token can never outlive the session slot
	// it protects.
	tokens *gocache.Cache

	// OnClosed is invoked (on the manager's goroutine) whenever a session
	// reaches Closed, so the party and match layers can release references.
	OnClosed func(sessionID string)
}

func NewManager(logger *logrus.Logger, monitor *integrity.Monitor, graceWindow time.Duration) *Manager {
	return &Manager{
		logger:      logger,
		monitor:     monitor,
		graceWindow: graceWindow,
		sessions:    make(map[string]*Session),
		tokens:      gocache.New(graceWindow, 2*graceWindow),
	}
}

// Create registers a new session for a freshly accepted connection. The
// session starts in Connecting and moves to Authenticating once the welcome
// handshake completes.
func (m *Manager) Create(c *client.Client) *Session {
	s := &Session{
		ID:       uuid.New().String(),
		state:    StateConnecting,
		lastSeen: time.Now(),
		Tracker:  m.monitor.NewTracker(),
		client:   c,
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	return s
}

// Find returns the session with the given ID or nil if none exists.
func (m *Manager) Find(sessionID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[sessionID]
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// StartAuthentication moves a connecting session into Authenticating once
// the welcome packet has been delivered.
func (m *Manager) StartAuthentication(s *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateConnecting {
		return fmt.Errorf("%w: %s -> Authenticating", ErrInvalidTransition, s.state)
	}
	s.state = StateAuthenticating
	return nil
}

// Authenticate binds the account to the session and moves it to Idle.
func (m *Manager) Authenticate(s *Session, accountID uint64, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateAuthenticating {
		return fmt.Errorf("%w: %s -> Idle", ErrInvalidTransition, s.state)
	}
	s.accountID = accountID
	s.username = username
	s.state = StateIdle
	s.lastSeen = time.Now()
	return nil
}

// IssueResumeToken mints a new single-use token that can reattach a
// connection to this session within the grace window.
func (m *Manager) IssueResumeToken(s *Session) string {
	token := newToken()
	m.tokens.Set(token, s.ID, gocache.DefaultExpiration)
	return token
}

// SetParty records the session's party membership.
func (m *Manager) SetParty(s *Session, partyID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partyID = partyID
	if s.state == StateIdle {
		s.state = StateInParty
	}
}

// ClearParty removes the session's party reference.
func (m *Manager) ClearParty(s *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partyID = ""
	if s.state == StateInParty {
		s.state = StateIdle
	}
}

// SetMatch records the session's match assignment.
func (m *Manager) SetMatch(s *Session, matchID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.matchID = matchID
	if s.state == StateInParty || s.state == StateIdle {
		s.state = StateInMatch
	}
}

// ClearMatch removes the session's match reference.
func (m *Manager) ClearMatch(s *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.matchID = ""
	if s.state == StateInMatch {
		if s.partyID != "" {
			s.state = StateInParty
		} else {
			s.state = StateIdle
		}
	}
}

// HandleDisconnect is called when a session's connection drops unexpectedly.
// The session enters the grace window; if no resume arrives before it ends
// the session is closed and its references released.
func (m *Manager) HandleDisconnect(s *Session) {
	s.mu.Lock()

	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}

	// Sessions that never authenticated have nothing worth preserving.
	if s.state == StateConnecting || s.state == StateAuthenticating {
		s.mu.Unlock()
		m.Close(s)
		return
	}

	s.client = nil
	s.state = StateDisconnected
	s.graceTimer = time.AfterFunc(m.graceWindow, func() {
		m.expire(s)
	})
	s.mu.Unlock()

	m.logger.Infof("[SESSION] %s disconnected, holding for %s", s.ID, m.graceWindow)
}

// Resume reattaches a new connection to a disconnected session. The token is
// single use: it is consumed under the manager lock so concurrent resume
// attempts serialize and the loser receives ErrSessionConflict.
func (m *Manager) Resume(sessionID, token string, c *client.Client) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}

	storedID, found := m.tokens.Get(token)
	if !found || storedID.(string) != sessionID {
		m.mu.Unlock()
		// A missing token with a live session means someone already used
		// it; report the conflict distinctly from an unknown session.
		if s.State() != StateDisconnected {
			return nil, ErrSessionConflict
		}
		return nil, ErrInvalidToken
	}
	m.tokens.Delete(token)
	m.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateDisconnected {
		return nil, ErrSessionConflict
	}

	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}

	s.client = c
	s.lastSeen = time.Now()
	switch {
	case s.matchID != "":
		s.state = StateInMatch
	case s.partyID != "":
		s.state = StateInParty
	default:
		s.state = StateIdle
	}

	m.logger.Infof("[SESSION] %s resumed in state %s", s.ID, s.state)
	return s, nil
}

// Close transitions a session to Closed, removes it from the registry, and
// releases its references through OnClosed.
func (m *Manager) Close(s *Session) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
	s.state = StateClosed
	s.client = nil
	s.mu.Unlock()

	m.mu.Lock()
	delete(m.sessions, s.ID)
	m.mu.Unlock()

	if m.OnClosed != nil {
		m.OnClosed(s.ID)
	}
}

func (m *Manager) expire(s *Session) {
	if s.State() != StateDisconnected {
		return
	}
	m.logger.Infof("[SESSION] %s grace window expired", s.ID)
	m.Close(s)
}

func newToken() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Errorf("error generating resume token: %w", err))
	}
	return hex.EncodeToString(b)
}
