package rules

import (
	"encoding/json"
	"fmt"
)

const (
	tdmPlayers      = 4
	tdmMaxHealth    = 100
	tdmScoreLimit   = 30
	tdmRespawnTicks = 90
)

// teamDeathmatch is a two-team shooter mode. Kills score for the killer's
// team; the first team to the score limit ends the match.
type teamDeathmatch struct{}

func NewTeamDeathmatch() Ruleset {
	return &teamDeathmatch{}
}

func (r *teamDeathmatch) Mode() string         { return "fps_tdm" }
func (r *teamDeathmatch) PlayersPerMatch() int { return tdmPlayers }

type tdmPlayer struct {
	Team        int     `json:"team"`
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	Health      int     `json:"health"`
	Kills       int     `json:"kills"`
	Deaths      int     `json:"deaths"`
	RespawnTick uint64  `json:"respawnTick,omitempty"`
}

type tdmScoreboard struct {
	TeamScores [2]int `json:"teamScores"`
}

type tdmCommand struct {
	Type   string  `json:"type"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Target string  `json:"target"`
	Damage int     `json:"damage"`
}

func (r *teamDeathmatch) Initial(participants []string) (State, error) {
	if len(participants) != tdmPlayers {
		return nil, fmt.Errorf("team deathmatch requires %d players, got %d", tdmPlayers, len(participants))
	}

	state := make(State)
	for i, id := range participants {
		if err := putEntity(state, id, tdmPlayer{Team: i % 2, Health: tdmMaxHealth}); err != nil {
			return nil, err
		}
	}
	if err := putEntity(state, "scoreboard", tdmScoreboard{}); err != nil {
		return nil, err
	}
	return state, nil
}

func (r *teamDeathmatch) Advance(state State, tick uint64, commands []Command) (State, error) {
	next := state.Clone()

	for _, command := range commands {
		var cmd tdmCommand
		if err := json.Unmarshal(command.Payload, &cmd); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrMalformedInput, err)
		}

		var actor tdmPlayer
		if err := getEntity(next, command.SessionID, &actor); err != nil {
			continue // sender already left the match
		}
		if actor.Health <= 0 {
			continue // dead players have no agency until they respawn
		}

		switch cmd.Type {
		case "move":
			actor.X, actor.Y = cmd.X, cmd.Y
			if err := putEntity(next, command.SessionID, actor); err != nil {
				return nil, err
			}
		case "fire":
			if err := r.resolveHit(next, tick, command.SessionID, actor, cmd); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedInput, cmd.Type)
		}
	}

	// Respawns happen after the tick's commands so a kill always lands.
	for _, id := range next.EntityIDs() {
		if id == "scoreboard" {
			continue
		}
		var p tdmPlayer
		if err := getEntity(next, id, &p); err != nil {
			return nil, err
		}
		if p.Health <= 0 && tick >= p.RespawnTick {
			p.Health = tdmMaxHealth
			p.RespawnTick = 0
			p.X, p.Y = 0, 0
			if err := putEntity(next, id, p); err != nil {
				return nil, err
			}
		}
	}

	return next, nil
}

func (r *teamDeathmatch) resolveHit(state State, tick uint64, shooterID string, shooter tdmPlayer, cmd tdmCommand) error {
	if cmd.Target == shooterID {
		return fmt.Errorf("%w: self-target", ErrMalformedInput)
	}
	if cmd.Damage <= 0 || cmd.Damage > tdmMaxHealth {
		return fmt.Errorf("%w: damage %d", ErrMalformedInput, cmd.Damage)
	}

	var target tdmPlayer
	if err := getEntity(state, cmd.Target, &target); err != nil {
		return nil // target already left
	}
	if target.Health <= 0 || target.Team == shooter.Team {
		return nil
	}

	target.Health -= cmd.Damage
	if target.Health <= 0 {
		target.Health = 0
		target.Deaths++
		target.RespawnTick = tick + tdmRespawnTicks
		shooter.Kills++
		if err := putEntity(state, shooterID, shooter); err != nil {
			return err
		}

		var board tdmScoreboard
		if err := getEntity(state, "scoreboard", &board); err != nil {
			return err
		}
		board.TeamScores[shooter.Team]++
		if err := putEntity(state, "scoreboard", board); err != nil {
			return err
		}
	}
	return putEntity(state, cmd.Target, target)
}

func (r *teamDeathmatch) Finished(state State) (bool, string) {
	var board tdmScoreboard
	if err := getEntity(state, "scoreboard", &board); err != nil {
		return false, ""
	}
	for team, score := range board.TeamScores {
		if score >= tdmScoreLimit {
			return true, fmt.Sprintf("team %d reached the score limit", team)
		}
	}
	return false, ""
}
