// Package sim runs the authoritative simulation for one match. Each Engine
// owns its world on a single goroutine: inputs, joins, leaves, and snapshot
// acks arrive over an event channel and take effect at tick boundaries, so
// the ruleset only ever sees a consistent world.
package sim

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/crucible-gg/crucible/internal/rules"
)

var ErrStopped = errors.New("engine is not running")

// Config holds the per-match simulation tuning.
type Config struct {
	// TickInterval is the wall-clock duration of one tick.
	TickInterval time.Duration
	// LagCompensationTicks is how many ticks in the past an input may target
	// and still be applied.
	LagCompensationTicks uint64
	// DeltaHistorySize bounds how many versioned states are retained for
	// delta computation.
	DeltaHistorySize int
	// KeyframeInterval forces a full snapshot every this many versions.
	KeyframeInterval uint64
}

// Snapshot is one versioned world update addressed to one recipient. Payload
// is the JSON document the client applies; for deltas it holds only the
// entities that changed since BaseVersion plus the removals.
type Snapshot struct {
	Version     uint64
	BaseVersion uint64
	Tick        uint64
	Full        bool
	Payload     []byte
}

// snapshotDoc is the wire shape of a snapshot payload. Applying a delta is
// idempotent: entities are whole replacements and removals are set deletes.
type snapshotDoc struct {
	Entities map[string]json.RawMessage `json:"entities"`
	Removed  []string                   `json:"removed,omitempty"`
}

type versionedState struct {
	version uint64
	tick    uint64
	state   rules.State
}

type recipient struct {
	ackedVersion uint64
	needsFull    bool
}

// Engine drives one match's world.
type Engine struct {
	logger  *logrus.Logger
	matchID string
	ruleset rules.Ruleset
	config  Config

	events   chan event
	done     chan struct{}
	stopOnce sync.Once

	// Everything below is owned by the run goroutine.
	state      rules.State
	tick       uint64
	version    uint64
	history    []versionedState
	pending    []rules.Command
	recipients map[string]*recipient

	// OnSnapshot delivers one recipient's update. Called from the run
	// goroutine; implementations must not block on the engine.
	OnSnapshot func(sessionID string, snapshot Snapshot)
	// OnResync fires when a recipient's ack lagged out of the delta history
	// and a forced full snapshot was sent.
	OnResync func(sessionID string)
	// OnFinished fires once when the ruleset reports a terminal state or the
	// world errors out, then the engine stops ticking.
	OnFinished func(tick uint64, reason string, final rules.State)
}

type event struct {
	execute func()
	done    chan struct{}
}

// NewEngine builds an engine with the world initialized for the given
// participants, all of whom start as snapshot recipients.
func NewEngine(logger *logrus.Logger, matchID string, ruleset rules.Ruleset, participants []string, config Config) (*Engine, error) {
	state, err := ruleset.Initial(participants)
	if err != nil {
		return nil, fmt.Errorf("error building initial state: %w", err)
	}

	e := &Engine{
		logger:     logger,
		matchID:    matchID,
		ruleset:    ruleset,
		config:     config,
		events:     make(chan event),
		done:       make(chan struct{}),
		state:      state,
		recipients: make(map[string]*recipient),
	}
	for _, id := range participants {
		e.recipients[id] = &recipient{needsFull: true}
	}

	// Version 1 is the initial world; joining clients always start from a
	// full snapshot of it.
	e.version = 1
	e.pushHistory()
	return e, nil
}

// Start launches the run goroutine and publishes the initial full snapshot
// to every participant.
func (e *Engine) Start() {
	go e.run()
	_ = e.submit(func() { e.broadcast() })
}

// Stop ends the run goroutine. Safe to call more than once.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.done) })
}

func (e *Engine) run() {
	ticker := time.NewTicker(e.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.done:
			return
		case ev := <-e.events:
			ev.execute()
			close(ev.done)
		case <-ticker.C:
			e.step()
		}
	}
}

func (e *Engine) submit(fn func()) error {
	ev := event{execute: fn, done: make(chan struct{})}
	select {
	case e.events <- ev:
	case <-e.done:
		return ErrStopped
	}
	<-ev.done
	return nil
}

// SubmitInput queues one player command for the tick it targets.
func (e *Engine) SubmitInput(sessionID string, sequence uint32, targetTick uint64, payload []byte) error {
	return e.submit(func() {
		e.pending = append(e.pending, rules.Command{
			SessionID:  sessionID,
			Sequence:   sequence,
			TargetTick: targetTick,
			Payload:    append([]byte(nil), payload...),
		})
	})
}

// Ack records the highest snapshot version the recipient has applied.
func (e *Engine) Ack(sessionID string, version uint64) error {
	return e.submit(func() {
		r, ok := e.recipients[sessionID]
		if !ok {
			return
		}
		if version > r.ackedVersion && version <= e.version {
			r.ackedVersion = version
		}
	})
}

// Join adds a recipient mid-match, e.g. after a resume. Their first update
// is a full snapshot.
func (e *Engine) Join(sessionID string) error {
	return e.submit(func() {
		e.recipients[sessionID] = &recipient{needsFull: true}
	})
}

// Leave removes a recipient. The world keeps their entity; the ruleset
// decides what an absent player's entity does.
func (e *Engine) Leave(sessionID string) error {
	return e.submit(func() {
		delete(e.recipients, sessionID)
	})
}

// Participants returns the current recipient count.
func (e *Engine) Participants() (count int) {
	_ = e.submit(func() { count = len(e.recipients) })
	return count
}

// RunTick forces one immediate tick. Drives the engine deterministically
// when the real ticker is configured slow.
func (e *Engine) RunTick() error {
	return e.submit(e.step)
}

func (e *Engine) step() {
	e.tick++

	commands := e.takeCommands()
	next, err := e.ruleset.Advance(e.state, e.tick, commands)
	if err != nil {
		e.logger.Errorf("[SIM] match %s ruleset error at tick %d: %s", e.matchID, e.tick, err)
		e.finish(fmt.Sprintf("ruleset evaluation failed: %s", err))
		return
	}
	e.state = next
	e.version++
	e.pushHistory()
	e.broadcast()

	if done, reason := e.ruleset.Finished(e.state); done {
		e.finish(reason)
	}
}

// takeCommands drains the pending buffer of every command eligible for the
// current tick, ordered by sequence number. Inputs older than the lag
// compensation window are discarded; future-tick inputs stay buffered.
func (e *Engine) takeCommands() []rules.Command {
	var oldest uint64
	if e.tick > e.config.LagCompensationTicks {
		oldest = e.tick - e.config.LagCompensationTicks
	}

	var eligible []rules.Command
	kept := e.pending[:0]
	for _, cmd := range e.pending {
		switch {
		case cmd.TargetTick > e.tick:
			kept = append(kept, cmd)
		case cmd.TargetTick >= oldest:
			eligible = append(eligible, cmd)
		default:
			e.logger.Debugf("[SIM] match %s discarding input seq=%d for tick %d at tick %d",
				e.matchID, cmd.Sequence, cmd.TargetTick, e.tick)
		}
	}
	e.pending = kept

	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].Sequence < eligible[j].Sequence
	})
	return eligible
}

func (e *Engine) pushHistory() {
	e.history = append(e.history, versionedState{version: e.version, tick: e.tick, state: e.state})
	if len(e.history) > e.config.DeltaHistorySize {
		e.history = e.history[len(e.history)-e.config.DeltaHistorySize:]
	}
}

func (e *Engine) broadcast() {
	if e.OnSnapshot == nil {
		return
	}

	for sessionID, r := range e.recipients {
		snapshot, resync := e.snapshotFor(r)
		if resync && e.OnResync != nil {
			e.OnResync(sessionID)
		}
		e.OnSnapshot(sessionID, snapshot)
		if snapshot.Full {
			r.needsFull = false
		}
	}
}

// snapshotFor builds the update for one recipient: a delta against their
// acked version when it is still in history, a full snapshot otherwise.
func (e *Engine) snapshotFor(r *recipient) (Snapshot, bool) {
	if r.needsFull || r.ackedVersion == 0 {
		return e.fullSnapshot(), false
	}
	if e.config.KeyframeInterval > 0 && e.version%e.config.KeyframeInterval == 0 {
		return e.fullSnapshot(), false
	}

	base, ok := e.lookupHistory(r.ackedVersion)
	if !ok {
		// The ack fell behind the retained history; the only safe recovery
		// is a forced full snapshot.
		return e.fullSnapshot(), true
	}
	return e.deltaSnapshot(base), false
}

func (e *Engine) lookupHistory(version uint64) (versionedState, bool) {
	for _, entry := range e.history {
		if entry.version == version {
			return entry, true
		}
	}
	return versionedState{}, false
}

func (e *Engine) fullSnapshot() Snapshot {
	doc := snapshotDoc{Entities: e.state}
	payload, err := json.Marshal(doc)
	if err != nil {
		e.logger.Errorf("[SIM] match %s error encoding snapshot: %s", e.matchID, err)
		payload = []byte(`{"entities":{}}`)
	}
	return Snapshot{Version: e.version, Tick: e.tick, Full: true, Payload: payload}
}

func (e *Engine) deltaSnapshot(base versionedState) Snapshot {
	doc := snapshotDoc{Entities: make(map[string]json.RawMessage)}
	for id, entity := range e.state {
		if prior, ok := base.state[id]; !ok || string(prior) != string(entity) {
			doc.Entities[id] = entity
		}
	}
	for id := range base.state {
		if _, ok := e.state[id]; !ok {
			doc.Removed = append(doc.Removed, id)
		}
	}
	sort.Strings(doc.Removed)

	payload, err := json.Marshal(doc)
	if err != nil {
		e.logger.Errorf("[SIM] match %s error encoding delta: %s", e.matchID, err)
		return e.fullSnapshot()
	}
	return Snapshot{Version: e.version, BaseVersion: base.version, Tick: e.tick, Payload: payload}
}

func (e *Engine) finish(reason string) {
	tick := e.tick
	final := e.state
	e.Stop()
	if e.OnFinished != nil {
		e.OnFinished(tick, reason, final)
	}
}

// ApplySnapshot mirrors the client-side application of a snapshot document
// onto a world. Applying the same document twice yields the same world.
func ApplySnapshot(world rules.State, snapshot Snapshot) (rules.State, error) {
	var doc snapshotDoc
	if err := json.Unmarshal(snapshot.Payload, &doc); err != nil {
		return nil, fmt.Errorf("error decoding snapshot payload: %w", err)
	}

	var next rules.State
	if snapshot.Full {
		next = make(rules.State, len(doc.Entities))
	} else {
		next = world.Clone()
	}
	for id, entity := range doc.Entities {
		next[id] = entity
	}
	for _, id := range doc.Removed {
		delete(next, id)
	}
	return next, nil
}
