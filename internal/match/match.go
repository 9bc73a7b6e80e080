// Package match drives a match through its lifecycle: forming while the
// participants load, running while the simulation advances, then ending with
// a persisted result. The orchestrator owns the registry of live matches and
// the simulation engine behind each one.
package match

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/crucible-gg/crucible/internal/data"
	"github.com/crucible-gg/crucible/internal/matchmaker"
	"github.com/crucible-gg/crucible/internal/rules"
	"github.com/crucible-gg/crucible/internal/sim"
)

var (
	ErrMatchNotFound  = errors.New("match not found")
	ErrNotParticipant = errors.New("session is not a participant in this match")
	ErrNotRunning     = errors.New("match is not running")
)

// Phase is a match's position in its lifecycle.
type Phase int

const (
	PhaseForming Phase = iota
	PhaseRunning
	PhaseEnding
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseForming:
		return "Forming"
	case PhaseRunning:
		return "Running"
	case PhaseEnding:
		return "Ending"
	case PhaseClosed:
		return "Closed"
	}
	return "Unknown"
}

// End reasons recorded with the match result.
const (
	ReasonCompleted = "completed"
	ReasonAborted   = "aborted"
	ReasonAbandoned = "abandoned"
	ReasonError     = "error"
)

type participant struct {
	sessionID string
	ticket    matchmaker.Ticket
	loaded    bool
}

// Match is one live match.
type Match struct {
	ID   string
	Mode string

	mu           sync.Mutex
	phase        Phase
	participants map[string]*participant
	engine       *sim.Engine
	loadTimer    *time.Timer
	startedAt    time.Time
}

// Phase returns the match's current phase.
func (m *Match) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Participants returns the session IDs of every participant.
func (m *Match) Participants() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.participants))
	for id := range m.participants {
		ids = append(ids, id)
	}
	return ids
}

// Requeuer puts the survivors of an aborted match back at the front of the
// matchmaking line.
type Requeuer interface {
	EnqueueWithPriority(partyID, mode string, members []string, skill float64) (matchmaker.Ticket, error)
}

// Orchestrator creates matches from formed candidates and walks each one
// through its phases.
type Orchestrator struct {
	logger      *logrus.Logger
	registry    *rules.Registry
	db          *gorm.DB
	requeuer    Requeuer
	simConfig   sim.Config
	loadTimeout time.Duration

	mu      sync.Mutex
	matches map[string]*Match

	// OnMatchFound tells a participant their match formed and loading may
	// begin. OnMatchStart and OnMatchEnd bracket the running phase.
	// OnMatchAborted fires instead of OnMatchStart when loading failed.
	OnMatchFound   func(sessionID string, m *Match)
	OnMatchStart   func(sessionID string, m *Match)
	OnMatchEnd     func(sessionID string, m *Match, reason string)
	OnMatchAborted func(sessionID string, m *Match)

	// OnSnapshot and OnResync forward the engines' delivery hooks.
	OnSnapshot func(sessionID string, snapshot sim.Snapshot)
	OnResync   func(sessionID string)
}

func NewOrchestrator(logger *logrus.Logger, registry *rules.Registry, db *gorm.DB, requeuer Requeuer, simConfig sim.Config, loadTimeout time.Duration) *Orchestrator {
	return &Orchestrator{
		logger:      logger,
		registry:    registry,
		db:          db,
		requeuer:    requeuer,
		simConfig:   simConfig,
		loadTimeout: loadTimeout,
		matches:     make(map[string]*Match),
	}
}

// CreateMatch reserves the formed tickets into a new match and notifies the
// participants to start loading.
func (o *Orchestrator) CreateMatch(mode string, tickets []matchmaker.Ticket) (*Match, error) {
	if _, err := o.registry.Get(mode); err != nil {
		return nil, err
	}

	m := &Match{
		ID:           uuid.New().String(),
		Mode:         mode,
		phase:        PhaseForming,
		participants: make(map[string]*participant),
	}
	for _, ticket := range tickets {
		for _, sessionID := range ticket.Members {
			m.participants[sessionID] = &participant{sessionID: sessionID, ticket: ticket}
		}
	}

	o.mu.Lock()
	o.matches[m.ID] = m
	o.mu.Unlock()

	m.mu.Lock()
	m.loadTimer = time.AfterFunc(o.loadTimeout, func() {
		o.abortIfStillForming(m)
	})
	m.mu.Unlock()

	o.logger.Infof("[MATCH] %s created for %s with %d participants", m.ID, mode, len(m.participants))

	if o.OnMatchFound != nil {
		for sessionID := range m.participants {
			o.OnMatchFound(sessionID, m)
		}
	}
	return m, nil
}

// Find returns the match with the given ID.
func (o *Orchestrator) Find(matchID string) (*Match, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	m, ok := o.matches[matchID]
	if !ok {
		return nil, ErrMatchNotFound
	}
	return m, nil
}

// MatchesFor returns every live match the session participates in. Used by
// the session teardown path, which may run after the session registry entry
// is already gone.
func (o *Orchestrator) MatchesFor(sessionID string) []*Match {
	o.mu.Lock()
	candidates := make([]*Match, 0, len(o.matches))
	for _, m := range o.matches {
		candidates = append(candidates, m)
	}
	o.mu.Unlock()

	var matches []*Match
	for _, m := range candidates {
		m.mu.Lock()
		_, ok := m.participants[sessionID]
		m.mu.Unlock()
		if ok {
			matches = append(matches, m)
		}
	}
	return matches
}

// HandleLoadAck records a participant's load completion. The match starts as
// soon as every participant has acked.
func (o *Orchestrator) HandleLoadAck(matchID, sessionID string) error {
	m, err := o.Find(matchID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.phase != PhaseForming {
		m.mu.Unlock()
		return ErrNotRunning
	}
	p, ok := m.participants[sessionID]
	if !ok {
		m.mu.Unlock()
		return ErrNotParticipant
	}
	p.loaded = true

	for _, p := range m.participants {
		if !p.loaded {
			m.mu.Unlock()
			return nil
		}
	}
	m.loadTimer.Stop()
	m.mu.Unlock()

	return o.startMatch(m)
}

func (o *Orchestrator) startMatch(m *Match) error {
	m.mu.Lock()
	if m.phase != PhaseForming {
		m.mu.Unlock()
		return ErrNotRunning
	}

	ruleset, err := o.registry.Get(m.Mode)
	if err != nil {
		m.mu.Unlock()
		return err
	}

	participants := make([]string, 0, len(m.participants))
	for id := range m.participants {
		participants = append(participants, id)
	}

	engine, err := sim.NewEngine(o.logger, m.ID, ruleset, participants, o.simConfig)
	if err != nil {
		m.mu.Unlock()
		o.logger.Errorf("[MATCH] %s engine allocation failed: %s", m.ID, err)
		o.abort(m)
		return err
	}
	engine.OnSnapshot = func(sessionID string, snapshot sim.Snapshot) {
		if o.OnSnapshot != nil {
			o.OnSnapshot(sessionID, snapshot)
		}
	}
	engine.OnResync = func(sessionID string) {
		if o.OnResync != nil {
			o.OnResync(sessionID)
		}
	}
	engine.OnFinished = func(tick uint64, reason string, final rules.State) {
		o.endMatch(m, tick, ReasonCompleted, reason, final)
	}

	m.engine = engine
	m.phase = PhaseRunning
	m.startedAt = time.Now()
	m.mu.Unlock()

	engine.Start()
	o.logger.Infof("[MATCH] %s running", m.ID)

	if o.OnMatchStart != nil {
		for _, sessionID := range m.Participants() {
			o.OnMatchStart(sessionID, m)
		}
	}
	return nil
}

func (o *Orchestrator) abortIfStillForming(m *Match) {
	m.mu.Lock()
	if m.phase != PhaseForming {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	o.abort(m)
}

// abort tears down a match that never started. Survivors who finished
// loading go back to the front of the matchmaking line, one ticket per
// original party.
func (o *Orchestrator) abort(m *Match) {
	m.mu.Lock()
	if m.phase != PhaseForming {
		m.mu.Unlock()
		return
	}
	m.phase = PhaseClosed
	if m.loadTimer != nil {
		m.loadTimer.Stop()
	}

	survivors := make(map[string]matchmaker.Ticket)
	var notify []string
	for sessionID, p := range m.participants {
		notify = append(notify, sessionID)
		if p.loaded {
			survivors[p.ticket.ID] = p.ticket
		}
	}
	m.mu.Unlock()

	o.mu.Lock()
	delete(o.matches, m.ID)
	o.mu.Unlock()

	o.logger.Infof("[MATCH] %s aborted during loading; requeueing %d tickets", m.ID, len(survivors))

	if o.requeuer != nil {
		for _, ticket := range survivors {
			if _, err := o.requeuer.EnqueueWithPriority(ticket.PartyID, ticket.Mode, ticket.Members, ticket.Skill); err != nil {
				o.logger.Errorf("[MATCH] error requeueing party %s: %s", ticket.PartyID, err)
			}
		}
	}
	if o.OnMatchAborted != nil {
		for _, sessionID := range notify {
			o.OnMatchAborted(sessionID, m)
		}
	}
}

// SubmitInput routes a participant's input command to the match engine.
func (o *Orchestrator) SubmitInput(matchID, sessionID string, sequence uint32, targetTick uint64, payload []byte) error {
	engine, err := o.runningEngine(matchID, sessionID)
	if err != nil {
		return err
	}
	return engine.SubmitInput(sessionID, sequence, targetTick, payload)
}

// HandleSnapshotAck records the participant's applied snapshot version.
func (o *Orchestrator) HandleSnapshotAck(matchID, sessionID string, version uint64) error {
	engine, err := o.runningEngine(matchID, sessionID)
	if err != nil {
		return err
	}
	return engine.Ack(sessionID, version)
}

// HandleRejoin reattaches a resumed session to its running match; its next
// update is a full snapshot.
func (o *Orchestrator) HandleRejoin(matchID, sessionID string) error {
	engine, err := o.runningEngine(matchID, sessionID)
	if err != nil {
		return err
	}
	return engine.Join(sessionID)
}

// HandleLeave removes a participant for good. The last departure ends the
// match as abandoned.
func (o *Orchestrator) HandleLeave(matchID, sessionID string) error {
	m, err := o.Find(matchID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if _, ok := m.participants[sessionID]; !ok {
		m.mu.Unlock()
		return ErrNotParticipant
	}
	delete(m.participants, sessionID)
	engine := m.engine
	phase := m.phase
	remaining := len(m.participants)
	m.mu.Unlock()

	if phase == PhaseForming {
		// A departure during loading can never complete the ack set.
		o.abort(m)
		return nil
	}
	if engine == nil {
		return nil
	}

	if err := engine.Leave(sessionID); err != nil && !errors.Is(err, sim.ErrStopped) {
		return err
	}
	if remaining == 0 {
		engine.Stop()
		o.endMatch(m, 0, ReasonAbandoned, "every participant left", nil)
	}
	return nil
}

func (o *Orchestrator) runningEngine(matchID, sessionID string) (*sim.Engine, error) {
	m, err := o.Find(matchID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != PhaseRunning {
		return nil, ErrNotRunning
	}
	if _, ok := m.participants[sessionID]; !ok {
		return nil, ErrNotParticipant
	}
	return m.engine, nil
}

// endMatch flushes the result and releases the match. Runs at most once per
// match; later calls find the phase already past Running.
func (o *Orchestrator) endMatch(m *Match, tick uint64, reason, detail string, final rules.State) {
	m.mu.Lock()
	if m.phase != PhaseRunning {
		m.mu.Unlock()
		return
	}
	m.phase = PhaseEnding
	startedAt := m.startedAt
	engine := m.engine
	m.mu.Unlock()

	if engine != nil {
		engine.Stop()
	}

	summary := "{}"
	if final != nil {
		if encoded, err := json.Marshal(final); err == nil {
			summary = string(encoded)
		}
	}

	if o.db != nil {
		result := &data.MatchResult{
			MatchID:   m.ID,
			Mode:      m.Mode,
			Reason:    reason,
			StartedAt: startedAt,
			EndedAt:   time.Now(),
			FinalTick: tick,
			Summary:   summary,
		}
		if err := data.CreateMatchResult(o.db, result); err != nil {
			o.logger.Errorf("[MATCH] %s error persisting result: %s", m.ID, err)
		}
	}

	notify := m.Participants()

	m.mu.Lock()
	m.phase = PhaseClosed
	m.mu.Unlock()

	o.mu.Lock()
	delete(o.matches, m.ID)
	o.mu.Unlock()

	o.logger.Infof("[MATCH] %s ended (%s: %s) at tick %d", m.ID, reason, detail, tick)

	if o.OnMatchEnd != nil {
		for _, sessionID := range notify {
			o.OnMatchEnd(sessionID, m, reason)
		}
	}
}
