// Packets used by the match lifecycle and state synchronization.
package packets

// Match and sim packet types.
const (
	LoadAckType     = 0x30
	MatchStartType  = 0x31
	MatchEndType    = 0x32
	InputType       = 0x40
	SnapshotType    = 0x41
	SnapshotAckType = 0x42
	ChatType        = 0x50
)

// Match end reasons.
const (
	MatchEndVictory = iota
	MatchEndTimeout
	MatchEndAbort
	MatchEndParticipantsLeft
)

// LoadAck confirms that the client finished loading the match and is ready
// for the first tick.
type LoadAck struct {
	Header  Header
	MatchID [IDLength]byte
}

// MatchStart announces the transition to Running and the first authoritative tick.
type MatchStart struct {
	Header  Header
	MatchID [IDLength]byte
	Tick    uint64
}

// MatchEnd announces the terminal state of the client's current match.
type MatchEnd struct {
	Header  Header
	MatchID [IDLength]byte
	Reason  uint32
}

// Input carries one intended action for a tick. The payload is opaque to the
// core and interpreted by the mode's ruleset. Payload bytes follow the fixed
// fields and run to the end of the packet body.
type Input struct {
	Header      Header
	TargetTick  uint64
	PayloadSize uint16
	Payload     []byte
}

// Snapshot carries authoritative world state, either as a full snapshot
// (Full=1) or as a delta against BaseVersion. The payload is the JSON
// encoding produced by the sim engine and runs to the end of the packet body.
type Snapshot struct {
	Header      Header
	Version     uint64
	BaseVersion uint64
	Tick        uint64
	Full        uint8
	PayloadSize uint32
	Payload     []byte
}

// SnapshotAck acknowledges the highest snapshot version the client has applied.
type SnapshotAck struct {
	Header  Header
	Version uint64
}

// Chat scopes.
const (
	ChatScopeParty = iota
	ChatScopeMatch
)

// Chat relays a text message to the sender's party or match. Message bytes
// follow the fixed fields.
type Chat struct {
	Header      Header
	Scope       uint8
	MessageSize uint16
	Message     []byte
}
