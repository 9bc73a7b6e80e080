// Package party implements the pre-game grouping flow: parties with a leader,
// invitations, ready checks, and the queue lock that keeps membership stable
// while the matchmaker holds a ticket for the party.
package party

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	ErrPartyNotFound  = errors.New("party not found")
	ErrAlreadyInParty = errors.New("session already belongs to a party")
	ErrNotInParty     = errors.New("session does not belong to a party")
	ErrNotLeader      = errors.New("operation requires the party leader")
	ErrNotInvited     = errors.New("session has no invitation to this party")
	ErrPartyFull      = errors.New("party is at its member limit")
	ErrPartyQueued    = errors.New("party is locked in the matchmaking queue")
	ErrReadyCheckBusy = errors.New("a ready check is already in progress")
	ErrNoReadyCheck   = errors.New("no ready check is in progress")
	ErrNotReady       = errors.New("party has not passed a ready check")
)

// Info is an immutable snapshot of a party, safe to hand to broadcast code
// without holding the service lock.
type Info struct {
	ID       string
	LeaderID string
	Locked   bool
	Ready    bool
	Members  []string
}

type party struct {
	id       string
	leaderID string
	members  []string
	invited  map[string]struct{}
	locked   bool
	ready    bool

	readyCheck    *readyCheck
	onReadyResult func(info Info, ready bool)
}

type readyCheck struct {
	pending map[string]struct{}
	timer   *time.Timer
}

// Service owns every party. One mutex guards all parties, which makes
// membership changes atomic with respect to queue locking: a lock attempt and
// a membership change can never interleave.
type Service struct {
	logger  *logrus.Logger
	maxSize int

	mu       sync.Mutex
	parties  map[string]*party
	memberOf map[string]string
}

func NewService(logger *logrus.Logger, maxSize int) *Service {
	return &Service{
		logger:   logger,
		maxSize:  maxSize,
		parties:  make(map[string]*party),
		memberOf: make(map[string]string),
	}
}

// Create makes a new single-member party led by sessionID.
func (s *Service) Create(sessionID string) (Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.memberOf[sessionID]; ok {
		return Info{}, ErrAlreadyInParty
	}

	p := &party{
		id:       uuid.New().String(),
		leaderID: sessionID,
		members:  []string{sessionID},
		invited:  make(map[string]struct{}),
	}
	s.parties[p.id] = p
	s.memberOf[sessionID] = p.id

	s.logger.Infof("[PARTY] %s created by %s", p.id, sessionID)
	return s.snapshot(p), nil
}

// Invite records an invitation from the party leader to another session.
func (s *Service) Invite(fromSessionID, targetSessionID string) (Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.partyOf(fromSessionID)
	if err != nil {
		return Info{}, err
	}
	if p.leaderID != fromSessionID {
		return Info{}, ErrNotLeader
	}
	if p.locked {
		return Info{}, ErrPartyQueued
	}
	if len(p.members) >= s.maxSize {
		return Info{}, ErrPartyFull
	}

	p.invited[targetSessionID] = struct{}{}
	return s.snapshot(p), nil
}

// Join accepts an invitation, adding the session to the party.
func (s *Service) Join(sessionID, partyID string) (Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.memberOf[sessionID]; ok {
		return Info{}, ErrAlreadyInParty
	}
	p, ok := s.parties[partyID]
	if !ok {
		return Info{}, ErrPartyNotFound
	}
	if _, ok := p.invited[sessionID]; !ok {
		return Info{}, ErrNotInvited
	}
	if p.locked {
		return Info{}, ErrPartyQueued
	}
	if len(p.members) >= s.maxSize {
		return Info{}, ErrPartyFull
	}

	delete(p.invited, sessionID)
	p.members = append(p.members, sessionID)
	s.memberOf[sessionID] = p.id
	s.resetReadyLocked(p)

	s.logger.Infof("[PARTY] %s joined %s", sessionID, p.id)
	return s.snapshot(p), nil
}

// Leave removes the session from its party. If the leader leaves, leadership
// passes to the longest-standing remaining member; an empty party dissolves.
func (s *Service) Leave(sessionID string) (Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.partyOf(sessionID)
	if err != nil {
		return Info{}, err
	}
	if p.locked {
		return Info{}, ErrPartyQueued
	}
	return s.removeLocked(p, sessionID), nil
}

// Kick removes another member. Leader only.
func (s *Service) Kick(leaderSessionID, targetSessionID string) (Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.partyOf(leaderSessionID)
	if err != nil {
		return Info{}, err
	}
	if p.leaderID != leaderSessionID {
		return Info{}, ErrNotLeader
	}
	if p.locked {
		return Info{}, ErrPartyQueued
	}
	if s.memberOf[targetSessionID] != p.id {
		return Info{}, ErrNotInParty
	}
	return s.removeLocked(p, targetSessionID), nil
}

// Remove force-removes a session from whatever party it is in, regardless of
// the queue lock. Used when a session closes for good.
func (s *Service) Remove(sessionID string) (Info, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.partyOf(sessionID)
	if err != nil {
		return Info{}, false
	}
	return s.removeLocked(p, sessionID), true
}

// StartReadyCheck begins a ready check. Every member must answer ready within
// the timeout; onResult receives the outcome exactly once. The leader's own
// answer is implied.
func (s *Service) StartReadyCheck(leaderSessionID string, timeout time.Duration, onResult func(info Info, ready bool)) (Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.partyOf(leaderSessionID)
	if err != nil {
		return Info{}, err
	}
	if p.leaderID != leaderSessionID {
		return Info{}, ErrNotLeader
	}
	if p.locked {
		return Info{}, ErrPartyQueued
	}
	if p.readyCheck != nil {
		return Info{}, ErrReadyCheckBusy
	}

	pending := make(map[string]struct{})
	for _, id := range p.members {
		if id != leaderSessionID {
			pending[id] = struct{}{}
		}
	}

	if len(pending) == 0 {
		p.ready = true
		info := s.snapshot(p)
		if onResult != nil {
			go onResult(info, true)
		}
		return info, nil
	}

	check := &readyCheck{pending: pending}
	check.timer = time.AfterFunc(timeout, func() {
		s.failReadyCheck(p.id, check, onResult)
	})
	p.readyCheck = check
	p.onReadyResult = onResult
	return s.snapshot(p), nil
}

// AckReady records a member's answer to an active ready check. A negative
// answer fails the check immediately.
func (s *Service) AckReady(sessionID string, ready bool) error {
	s.mu.Lock()

	p, err := s.partyOf(sessionID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	check := p.readyCheck
	if check == nil {
		s.mu.Unlock()
		return ErrNoReadyCheck
	}
	if _, ok := check.pending[sessionID]; !ok {
		s.mu.Unlock()
		return ErrNoReadyCheck
	}

	onResult := p.onReadyResult

	if !ready {
		check.timer.Stop()
		p.readyCheck = nil
		p.onReadyResult = nil
		p.ready = false
		info := s.snapshot(p)
		s.mu.Unlock()
		if onResult != nil {
			onResult(info, false)
		}
		return nil
	}

	delete(check.pending, sessionID)
	if len(check.pending) > 0 {
		s.mu.Unlock()
		return nil
	}

	check.timer.Stop()
	p.readyCheck = nil
	p.onReadyResult = nil
	p.ready = true
	info := s.snapshot(p)
	s.mu.Unlock()
	if onResult != nil {
		onResult(info, true)
	}
	return nil
}

// Lock marks the party as queued, freezing membership. Requires a passed
// ready check unless the party has a single member.
func (s *Service) Lock(partyID string) (Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.parties[partyID]
	if !ok {
		return Info{}, ErrPartyNotFound
	}
	if p.locked {
		return Info{}, ErrPartyQueued
	}
	if !p.ready && len(p.members) > 1 {
		return Info{}, ErrNotReady
	}

	p.locked = true
	return s.snapshot(p), nil
}

// Unlock releases the queue lock, e.g. after a cancel or a matchmaking
// timeout. The ready state is consumed with the lock.
func (s *Service) Unlock(partyID string) (Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.parties[partyID]
	if !ok {
		return Info{}, ErrPartyNotFound
	}
	p.locked = false
	p.ready = false
	return s.snapshot(p), nil
}

// Find returns a snapshot of the party, if it exists.
func (s *Service) Find(partyID string) (Info, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.parties[partyID]
	if !ok {
		return Info{}, false
	}
	return s.snapshot(p), true
}

// PartyOf returns a snapshot of the party the session belongs to.
func (s *Service) PartyOf(sessionID string) (Info, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.partyOf(sessionID)
	if err != nil {
		return Info{}, false
	}
	return s.snapshot(p), true
}

func (s *Service) partyOf(sessionID string) (*party, error) {
	partyID, ok := s.memberOf[sessionID]
	if !ok {
		return nil, ErrNotInParty
	}
	p, ok := s.parties[partyID]
	if !ok {
		return nil, ErrPartyNotFound
	}
	return p, nil
}

func (s *Service) removeLocked(p *party, sessionID string) Info {
	for i, id := range p.members {
		if id == sessionID {
			p.members = append(p.members[:i], p.members[i+1:]...)
			break
		}
	}
	delete(s.memberOf, sessionID)
	s.resetReadyLocked(p)

	if len(p.members) == 0 {
		delete(s.parties, p.id)
		s.logger.Infof("[PARTY] %s dissolved", p.id)
		return Info{ID: p.id}
	}

	if p.leaderID == sessionID {
		p.leaderID = p.members[0]
		s.logger.Infof("[PARTY] %s leadership passed to %s", p.id, p.leaderID)
	}
	return s.snapshot(p)
}

// resetReadyLocked cancels any active ready check and clears the ready flag.
// Membership changed, so previous answers no longer speak for the party.
func (s *Service) resetReadyLocked(p *party) {
	if p.readyCheck != nil {
		p.readyCheck.timer.Stop()
		p.readyCheck = nil
		p.onReadyResult = nil
	}
	p.ready = false
}

func (s *Service) failReadyCheck(partyID string, check *readyCheck, onResult func(info Info, ready bool)) {
	s.mu.Lock()
	p, ok := s.parties[partyID]
	if !ok || p.readyCheck != check {
		s.mu.Unlock()
		return
	}
	p.readyCheck = nil
	p.onReadyResult = nil
	p.ready = false
	info := s.snapshot(p)
	s.mu.Unlock()

	s.logger.Infof("[PARTY] %s ready check timed out", partyID)
	if onResult != nil {
		onResult(info, false)
	}
}

func (s *Service) snapshot(p *party) Info {
	members := make([]string, len(p.members))
	copy(members, p.members)
	return Info{
		ID:       p.id,
		LeaderID: p.leaderID,
		Locked:   p.locked,
		Ready:    p.ready,
		Members:  members,
	}
}
