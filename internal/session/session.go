// Package session owns the connection-to-identity state machine for every
// connected client. Sessions are owned exclusively by the Manager; all other
// components refer to them by ID.
package session

import (
	"sync"
	"time"

	"github.com/crucible-gg/crucible/internal/core/client"
	"github.com/crucible-gg/crucible/internal/integrity"
)

// State is a session's position in its lifecycle.
type State int

const (
	StateConnecting State = iota
	StateAuthenticating
	StateIdle
	StateInParty
	StateInMatch
	StateDisconnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateAuthenticating:
		return "Authenticating"
	case StateIdle:
		return "Idle"
	case StateInParty:
		return "InParty"
	case StateInMatch:
		return "InMatch"
	case StateDisconnected:
		return "Disconnected"
	case StateClosed:
		return "Closed"
	}
	return "Unknown"
}

// Session is the identity of one connected client. All field access goes
// through the mutex so that a session's own transitions never race, while
// different sessions proceed fully concurrently.
type Session struct {
	ID string

	mu        sync.Mutex
	state     State
	accountID uint64
	username  string
	partyID   string
	matchID   string
	lastSeen  time.Time

	// Tracker carries the sequence-number and strike state across
	// reconnects so a resumed session continues where it left off.
	Tracker *integrity.Tracker

	client     *client.Client
	graceTimer *time.Timer

	// outSeq is the server-side sequence counter for packets to this client.
	outSeq uint32
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) AccountID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accountID
}

func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

func (s *Session) PartyID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.partyID
}

func (s *Session) MatchID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.matchID
}

func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// Touch refreshes the session's last-seen timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen = time.Now()
}

// NextSequence returns the next server-side sequence number for this session.
func (s *Session) NextSequence() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outSeq++
	return s.outSeq
}

// Send queues a packet on the session's current connection, if one is attached.
func (s *Session) Send(packet interface{}) error {
	s.mu.Lock()
	c := s.client
	s.mu.Unlock()

	if c == nil {
		return ErrNotConnected
	}
	return c.Send(packet)
}

// Client returns the currently attached connection, or nil if the session is
// in its disconnect grace window.
func (s *Session) Client() *client.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}
