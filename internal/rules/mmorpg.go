package rules

import (
	"encoding/json"
	"fmt"
)

const (
	questWorldPlayers  = 4
	questLineLength    = 3
	questStepsRequired = 5
)

// questWorld is a small cooperative mode: each player works through a fixed
// quest line, one step at a time. The match ends when every player finishes
// the line.
type questWorld struct{}

func NewQuestWorld() Ruleset {
	return &questWorld{}
}

func (r *questWorld) Mode() string         { return "mmorpg" }
func (r *questWorld) PlayersPerMatch() int { return questWorldPlayers }

type questAdventurer struct {
	Quest     int `json:"quest"`
	Steps     int `json:"steps"`
	Completed int `json:"completed"`
}

type questCommand struct {
	Type string `json:"type"`
}

func (r *questWorld) Initial(participants []string) (State, error) {
	if len(participants) != questWorldPlayers {
		return nil, fmt.Errorf("quest world requires %d players, got %d", questWorldPlayers, len(participants))
	}

	state := make(State)
	for _, id := range participants {
		if err := putEntity(state, id, questAdventurer{}); err != nil {
			return nil, err
		}
	}
	return state, nil
}

func (r *questWorld) Advance(state State, tick uint64, commands []Command) (State, error) {
	next := state.Clone()

	for _, command := range commands {
		var cmd questCommand
		if err := json.Unmarshal(command.Payload, &cmd); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrMalformedInput, err)
		}
		if cmd.Type != "progress" {
			return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedInput, cmd.Type)
		}

		var adventurer questAdventurer
		if err := getEntity(next, command.SessionID, &adventurer); err != nil {
			continue
		}
		if adventurer.Completed >= questLineLength {
			continue // quest line already finished
		}

		adventurer.Steps++
		if adventurer.Steps >= questStepsRequired {
			adventurer.Steps = 0
			adventurer.Quest++
			adventurer.Completed++
		}
		if err := putEntity(next, command.SessionID, adventurer); err != nil {
			return nil, err
		}
	}

	return next, nil
}

func (r *questWorld) Finished(state State) (bool, string) {
	for _, id := range state.EntityIDs() {
		var adventurer questAdventurer
		if err := getEntity(state, id, &adventurer); err != nil {
			return false, ""
		}
		if adventurer.Completed < questLineLength {
			return false, ""
		}
	}
	return true, "every quest line completed"
}
