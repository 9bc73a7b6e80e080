// Packets used by the party and lobby flow.
package packets

// Party packet types.
const (
	PartyCreateType     = 0x10
	PartyInviteType     = 0x11
	PartyJoinType       = 0x12
	PartyLeaveType      = 0x13
	PartyKickType       = 0x14
	PartyReadyCheckType = 0x15
	PartyReadyAckType   = 0x16
	PartyUpdateType     = 0x17
)

// MaxPartyMembers bounds the member list in PartyUpdate. Modes may define a
// smaller maximum; the packet reserves room for the largest.
const MaxPartyMembers = 8

// PartyCreate asks the server to create a new party with the sender as leader.
type PartyCreate struct {
	Header Header
}

// PartyInvite invites another session into the sender's party.
type PartyInvite struct {
	Header   Header
	TargetID [IDLength]byte
}

// PartyJoin accepts an invitation to the given party.
type PartyJoin struct {
	Header  Header
	PartyID [IDLength]byte
}

// PartyLeave removes the sender from their current party.
type PartyLeave struct {
	Header Header
}

// PartyKick removes another member from the sender's party. Leader only.
type PartyKick struct {
	Header   Header
	TargetID [IDLength]byte
}

// PartyReadyCheck starts a ready check for the sender's party. Leader only.
type PartyReadyCheck struct {
	Header Header
}

// PartyReadyAck is a member's answer to an active ready check.
type PartyReadyAck struct {
	Header Header
	Ready  uint8
}

// PartyUpdate is broadcast to every member whenever party state changes.
type PartyUpdate struct {
	Header      Header
	PartyID     [IDLength]byte
	LeaderID    [IDLength]byte
	Locked      uint8
	MemberCount uint8
	Members     [MaxPartyMembers][IDLength]byte
}
