package rules

import (
	"encoding/json"
	"fmt"
)

const (
	mobaPlayers        = 2
	mobaNexusHealth    = 500
	mobaCreepInterval  = 30
	mobaCreepLimit     = 6
	mobaXPPerLastHit   = 40
	mobaXPPerLevel     = 100
	mobaBaseNexusHit   = 5
	mobaNexusHitPerLvl = 5
)

// moba is a one-lane duel: creeps spawn on a fixed cadence, last hits grant
// experience, and the match ends when either nexus falls.
type moba struct{}

func NewMoba() Ruleset {
	return &moba{}
}

func (r *moba) Mode() string         { return "moba" }
func (r *moba) PlayersPerMatch() int { return mobaPlayers }

type mobaHero struct {
	Side  int `json:"side"`
	XP    int `json:"xp"`
	Level int `json:"level"`
}

type mobaNexus struct {
	Side   int `json:"side"`
	Health int `json:"health"`
}

type mobaCreep struct {
	Side int `json:"side"`
}

type mobaCommand struct {
	Type   string `json:"type"`
	Target string `json:"target"`
}

func (r *moba) Initial(participants []string) (State, error) {
	if len(participants) != mobaPlayers {
		return nil, fmt.Errorf("moba requires %d players, got %d", mobaPlayers, len(participants))
	}

	state := make(State)
	for i, id := range participants {
		if err := putEntity(state, id, mobaHero{Side: i, Level: 1}); err != nil {
			return nil, err
		}
	}
	for side := 0; side < 2; side++ {
		id := fmt.Sprintf("nexus-%d", side)
		if err := putEntity(state, id, mobaNexus{Side: side, Health: mobaNexusHealth}); err != nil {
			return nil, err
		}
	}
	return state, nil
}

func (r *moba) Advance(state State, tick uint64, commands []Command) (State, error) {
	next := state.Clone()

	// Creep waves spawn on the tick cadence, one per side, before commands so
	// a wave can be last-hit the tick it appears.
	if tick > 0 && tick%mobaCreepInterval == 0 {
		for side := 0; side < 2; side++ {
			if countCreeps(next, side) < mobaCreepLimit {
				id := fmt.Sprintf("creep-%d-%d", side, tick)
				if err := putEntity(next, id, mobaCreep{Side: side}); err != nil {
					return nil, err
				}
			}
		}
	}

	for _, command := range commands {
		var cmd mobaCommand
		if err := json.Unmarshal(command.Payload, &cmd); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrMalformedInput, err)
		}

		var hero mobaHero
		if err := getEntity(next, command.SessionID, &hero); err != nil {
			continue
		}

		switch cmd.Type {
		case "lasthit":
			var creep mobaCreep
			if err := getEntity(next, cmd.Target, &creep); err != nil {
				continue // creep already dead
			}
			if creep.Side == hero.Side {
				continue // own creeps yield nothing
			}
			delete(next, cmd.Target)
			hero.XP += mobaXPPerLastHit
			for hero.XP >= hero.Level*mobaXPPerLevel {
				hero.XP -= hero.Level * mobaXPPerLevel
				hero.Level++
			}
			if err := putEntity(next, command.SessionID, hero); err != nil {
				return nil, err
			}
		case "attack_nexus":
			enemy := fmt.Sprintf("nexus-%d", 1-hero.Side)
			var nexus mobaNexus
			if err := getEntity(next, enemy, &nexus); err != nil {
				return nil, err
			}
			if nexus.Health <= 0 {
				continue
			}
			nexus.Health -= mobaBaseNexusHit + mobaNexusHitPerLvl*hero.Level
			if nexus.Health < 0 {
				nexus.Health = 0
			}
			if err := putEntity(next, enemy, nexus); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedInput, cmd.Type)
		}
	}

	return next, nil
}

func (r *moba) Finished(state State) (bool, string) {
	for side := 0; side < 2; side++ {
		var nexus mobaNexus
		if err := getEntity(state, fmt.Sprintf("nexus-%d", side), &nexus); err != nil {
			continue
		}
		if nexus.Health <= 0 {
			return true, fmt.Sprintf("side %d nexus destroyed", side)
		}
	}
	return false, ""
}

func countCreeps(state State, side int) int {
	count := 0
	for id := range state {
		if len(id) < 6 || id[:6] != "creep-" {
			continue
		}
		var creep mobaCreep
		if err := getEntity(state, id, &creep); err == nil && creep.Side == side {
			count++
		}
	}
	return count
}
