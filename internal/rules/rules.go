// Package rules defines the game-mode capability the simulation engine is
// parameterized by. A Ruleset advances an entity-map world one tick at a time
// as a pure function of the prior state and the tick's commands, so replaying
// the same inputs always rebuilds the same world.
package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrUnknownMode    = errors.New("no ruleset registered for mode")
	ErrMalformedInput = errors.New("malformed command payload")
)

// State is the full world at one tick: entity ID to entity document. Entity
// documents are mode-specific JSON; the engine diffs them byte-wise without
// interpreting them.
type State map[string]json.RawMessage

// Clone returns an independent copy of the state.
func (s State) Clone() State {
	next := make(State, len(s))
	for id, doc := range s {
		next[id] = doc
	}
	return next
}

// EntityIDs returns the state's entity IDs in sorted order.
func (s State) EntityIDs() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Command is one validated player input, already sequenced by the engine.
type Command struct {
	SessionID  string
	Sequence   uint32
	TargetTick uint64
	Payload    []byte
}

// Ruleset evaluates one game mode.
type Ruleset interface {
	// Mode is the queue key this ruleset serves.
	Mode() string
	// PlayersPerMatch is the participant total a match of this mode requires.
	PlayersPerMatch() int
	// Initial builds the world for the given participants.
	Initial(participants []string) (State, error)
	// Advance computes the next state. It must not mutate the prior state and
	// must be deterministic in (state, tick, commands).
	Advance(state State, tick uint64, commands []Command) (State, error)
	// Finished reports whether the state is terminal, with a reason.
	Finished(state State) (bool, string)
}

// Registry holds the rulesets available to the matchmaker and orchestrator.
type Registry struct {
	mu       sync.RWMutex
	rulesets map[string]Ruleset
}

func NewRegistry() *Registry {
	return &Registry{rulesets: make(map[string]Ruleset)}
}

// DefaultRegistry returns a registry with every built-in ruleset.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(NewTeamDeathmatch())
	r.Register(NewMoba())
	r.Register(NewQuestWorld())
	return r
}

func (r *Registry) Register(ruleset Ruleset) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rulesets[ruleset.Mode()] = ruleset
}

func (r *Registry) Get(mode string) (Ruleset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ruleset, ok := r.rulesets[mode]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMode, mode)
	}
	return ruleset, nil
}

// ModeSizes maps every registered mode to its match size, the shape the
// matchmaker consumes.
func (r *Registry) ModeSizes() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sizes := make(map[string]int, len(r.rulesets))
	for mode, ruleset := range r.rulesets {
		sizes[mode] = ruleset.PlayersPerMatch()
	}
	return sizes
}

// putEntity marshals doc into the state under id.
func putEntity(state State, id string, doc interface{}) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("error encoding entity %s: %w", id, err)
	}
	state[id] = raw
	return nil
}

// getEntity unmarshals the entity under id into doc.
func getEntity(state State, id string, doc interface{}) error {
	raw, ok := state[id]
	if !ok {
		return fmt.Errorf("entity %s not in state", id)
	}
	if err := json.Unmarshal(raw, doc); err != nil {
		return fmt.Errorf("error decoding entity %s: %w", id, err)
	}
	return nil
}
