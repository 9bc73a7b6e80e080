// Packets exchanged between game clients and the gateway.
package packets

import "github.com/crucible-gg/crucible/internal/encryption"

const (
	// HeaderSize is the length of the header on every packet. Packet bodies
	// are padded out to a multiple of this size.
	HeaderSize = 0x08

	// IDLength is the length of the string form of the UUIDs used for
	// session, party, ticket, and match identifiers.
	IDLength = 36

	// ModeLength is the length of the field holding a game mode name.
	ModeLength = 16
)

// Header precedes every packet sent in either direction. Sequence carries the
// sender's per-session monotonically increasing sequence number; the server
// echoes the triggering sequence number in direct responses.
type Header struct {
	Size     uint16
	Type     uint16
	Sequence uint32
}

// Packet types common to multiple components.
const (
	WelcomeType       = 0x01
	LoginType         = 0x02
	LoginResponseType = 0x03
	ResumeType        = 0x04
	DisconnectType    = 0x05
	PingType          = 0x06
	PongType          = 0x07
	NoticeType        = 0x08
)

// Welcome is the first packet sent to a client after the TCP connection is
// established. It is sent unencrypted and carries the vectors seeding the
// ciphers for both directions; everything after it is encrypted.
type Welcome struct {
	Header       Header
	Copyright    [64]byte
	ServerVector [encryption.VectorSize]byte
	ClientVector [encryption.VectorSize]byte
}

// Login carries the client's credentials. Sent once per connection while the
// session is in the authenticating state.
type Login struct {
	Header   Header
	Username [32]byte
	Password [32]byte
}

// Resume asks the gateway to reattach this connection to a previously
// established session using the single-use token from the last LoginResponse.
type Resume struct {
	Header    Header
	SessionID [IDLength]byte
	Token     [32]byte
}

// Error codes used by the LoginResponse packet.
const (
	LoginErrorNone = iota
	LoginErrorUnknown
	LoginErrorPassword
	LoginErrorBanned
	LoginErrorSessionConflict
)

// LoginResponse reports the result of a Login or Resume attempt. ResumeToken
// is a fresh single-use token the client must present to resume the session
// after an unexpected disconnect.
type LoginResponse struct {
	Header      Header
	Result      uint32
	SessionID   [IDLength]byte
	ResumeToken [32]byte
	Message     [64]byte
}

// Disconnect tells the peer the connection is about to be torn down.
type Disconnect struct {
	Header Header
	Reason uint32
}

// Disconnect reasons.
const (
	DisconnectReasonLogout = iota
	DisconnectReasonIntegrity
	DisconnectReasonStalledWrite
	DisconnectReasonShutdown
)

// Ping and Pong keep idle connections alive and update the session's
// last-seen timestamp.
type Ping struct {
	Header Header
}

type Pong struct {
	Header Header
}

// Notice codes delivered to clients for non-fatal conditions.
const (
	NoticeRateExceeded = iota
	NoticeMatchmakingTimeout
	NoticeMatchAborted
	NoticeDesyncResync
	NoticeOperationFailed
)

// Notice is a non-fatal, server-initiated signal such as an admission control
// drop or a matchmaking timeout.
type Notice struct {
	Header  Header
	Code    uint32
	Message [64]byte
}
