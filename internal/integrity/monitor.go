// Package integrity validates inbound messages against protocol and rate
// bounds before they reach any stateful component. Checks are pure functions
// of the message, the tracker state, and the clock; nothing here performs I/O.
package integrity

import (
	"errors"
	"fmt"
	"time"

	"github.com/crucible-gg/crucible/internal/packets"
)

var (
	ErrUnexpectedType   = errors.New("message type not valid for session state")
	ErrStaleSequence    = errors.New("sequence number below the acceptance window")
	ErrReplayedSequence = errors.New("sequence number repeats an accepted value")
	ErrSequenceTooFar   = errors.New("sequence number beyond the acceptance window")
	ErrPayloadTooLarge  = errors.New("payload exceeds declared bounds")
	ErrRateExceeded     = errors.New("message rate exceeds ceiling")
	ErrStrikeThreshold  = errors.New("strike threshold crossed")
)

// Stage is the coarse session state used to decide which message types are
// acceptable. The gateway maps the session manager's state onto it.
type Stage int

const (
	StageAuthenticating Stage = iota
	StageIdle
	StageInParty
	StageInMatch
)

// stageTypes lists the packet types acceptable at each stage. Types listed
// for StageIdle are implicitly acceptable at every later stage.
var stageTypes = map[Stage][]uint16{
	StageAuthenticating: {
		packets.LoginType, packets.ResumeType, packets.DisconnectType, packets.PingType,
	},
	StageIdle: {
		packets.DisconnectType, packets.PingType,
		packets.PartyCreateType, packets.PartyJoinType,
		// Solo queueing is allowed; the gateway wraps the session in a
		// single-member party when it enqueues without one.
		packets.EnqueueType, packets.TicketStatusType,
	},
	StageInParty: {
		packets.PartyInviteType, packets.PartyLeaveType, packets.PartyKickType,
		packets.PartyReadyCheckType, packets.PartyReadyAckType,
		packets.EnqueueType, packets.CancelTicketType,
		packets.ChatType,
	},
	StageInMatch: {
		packets.PartyLeaveType,
		packets.LoadAckType, packets.InputType, packets.SnapshotAckType,
		packets.ChatType,
	},
}

// Config holds the protocol bounds enforced per message.
type Config struct {
	// SequenceWindow is the width of the sequence acceptance window: how far
	// behind the highest accepted value an out-of-order message may arrive.
	SequenceWindow uint32
	// RateCeiling is the maximum messages per second per session.
	RateCeiling int
	// StrikeThreshold is the number of violations that forces a disconnect.
	StrikeThreshold int
	// MaxPayloadSize is the largest acceptable packet in bytes.
	MaxPayloadSize int
}

// Monitor builds per-session Trackers sharing one set of bounds.
type Monitor struct {
	config Config
}

func NewMonitor(config Config) *Monitor {
	return &Monitor{config: config}
}

// NewTracker returns a fresh Tracker for one session.
func (m *Monitor) NewTracker() *Tracker {
	return &Tracker{
		config:   m.config,
		accepted: make(map[uint32]struct{}),
	}
}

// Tracker holds the small amount of per-session state the checks need: the
// accepted sequence numbers inside the window, a rolling rate window, and the
// strike counter. A Tracker is owned by one connection and never shared.
type Tracker struct {
	config Config

	highest  uint32
	accepted map[uint32]struct{}

	rateWindow []time.Time
	strikes    int
}

// Check validates one inbound message. A nil return means the message may
// proceed to the session manager. Any non-nil return is a protocol violation
// the caller should record with RecordViolation, except where the caller
// decides the condition is non-fatal.
func (t *Tracker) Check(stage Stage, header packets.Header, packetSize int, now time.Time) error {
	if !typeAllowed(stage, header.Type) {
		return fmt.Errorf("%w: type=0x%02x", ErrUnexpectedType, header.Type)
	}

	if packetSize > t.config.MaxPayloadSize {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, packetSize)
	}

	if err := t.checkSequence(header.Sequence); err != nil {
		return err
	}

	if err := t.checkRate(now); err != nil {
		return err
	}

	t.acceptSequence(header.Sequence)
	return nil
}

func (t *Tracker) checkSequence(seq uint32) error {
	if seq <= t.highest {
		if t.highest-seq >= t.config.SequenceWindow {
			return fmt.Errorf("%w: seq=%d highest=%d", ErrStaleSequence, seq, t.highest)
		}
		if _, ok := t.accepted[seq]; ok {
			return fmt.Errorf("%w: seq=%d", ErrReplayedSequence, seq)
		}
		return nil
	}

	if seq-t.highest > t.config.SequenceWindow {
		return fmt.Errorf("%w: seq=%d highest=%d", ErrSequenceTooFar, seq, t.highest)
	}
	return nil
}

func (t *Tracker) acceptSequence(seq uint32) {
	t.accepted[seq] = struct{}{}
	if seq > t.highest {
		t.highest = seq
	}

	// Prune accepted values that fell out of the window; they are already
	// unacceptable as stale so there is no need to remember them.
	for s := range t.accepted {
		if t.highest >= t.config.SequenceWindow && s < t.highest-t.config.SequenceWindow {
			delete(t.accepted, s)
		}
	}
}

func (t *Tracker) checkRate(now time.Time) error {
	cutoff := now.Add(-time.Second)
	kept := t.rateWindow[:0]
	for _, ts := range t.rateWindow {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	t.rateWindow = append(kept, now)

	if len(t.rateWindow) > t.config.RateCeiling {
		return ErrRateExceeded
	}
	return nil
}

// RecordViolation increments the strike counter and reports whether the
// session crossed the disconnect threshold.
func (t *Tracker) RecordViolation() (strikes int, exceeded bool) {
	t.strikes++
	return t.strikes, t.strikes >= t.config.StrikeThreshold
}

// Strikes returns the current strike count.
func (t *Tracker) Strikes() int {
	return t.strikes
}

func typeAllowed(stage Stage, packetType uint16) bool {
	if stage > StageAuthenticating {
		for _, allowed := range stageTypes[StageIdle] {
			if allowed == packetType {
				return true
			}
		}
	}
	for _, allowed := range stageTypes[stage] {
		if allowed == packetType {
			return true
		}
	}
	return false
}
