// Packets used by the matchmaking flow.
package packets

// Matchmaking packet types.
const (
	EnqueueType            = 0x20
	EnqueueAckType         = 0x21
	CancelTicketType       = 0x22
	TicketStatusType       = 0x23
	TicketStatusUpdateType = 0x24
	MatchFoundType         = 0x25
)

// Enqueue results.
const (
	EnqueueResultOK = iota
	EnqueueResultNotLeader
	EnqueueResultPartyBusy
	EnqueueResultUnknownMode
)

// Ticket statuses shared with the HTTP API.
const (
	TicketStatusQueued = iota
	TicketStatusMatched
	TicketStatusCancelled
	TicketStatusExpired
)

// Enqueue submits the sender's party for matchmaking in the given mode. Only
// the party leader may enqueue.
type Enqueue struct {
	Header Header
	Mode   [ModeLength]byte
}

// EnqueueAck reports the ticket created for an Enqueue, or why it failed.
type EnqueueAck struct {
	Header   Header
	Result   uint32
	TicketID [IDLength]byte
}

// CancelTicket withdraws a queued ticket. Races against match formation are
// resolved by the matchmaker; a claimed ticket cannot be cancelled.
type CancelTicket struct {
	Header   Header
	TicketID [IDLength]byte
}

// TicketStatus requests the current status of a ticket.
type TicketStatus struct {
	Header   Header
	TicketID [IDLength]byte
}

// TicketStatusUpdate reports a ticket's status. MatchID is only meaningful
// when Status is TicketStatusMatched.
type TicketStatusUpdate struct {
	Header   Header
	TicketID [IDLength]byte
	Status   uint32
	MatchID  [IDLength]byte
}

// MatchFound notifies a queued session that its ticket was claimed by a
// forming match. The client should load the mode and respond with LoadAck.
type MatchFound struct {
	Header  Header
	MatchID [IDLength]byte
	Mode    [ModeLength]byte
}
