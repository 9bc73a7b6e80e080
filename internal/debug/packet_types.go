package debug

import (
	"encoding/binary"
	"fmt"
	"reflect"

	"github.com/davecgh/go-spew/spew"

	"github.com/crucible-gg/crucible/internal/core/bytes"
	"github.com/crucible-gg/crucible/internal/packets"
)

// Simple method of associating packet types with their struct definitions.
// Whenever new packet types are defined they must also be added here in order
// for the dump to name them correctly. Variable-length packets dump as their
// headers; the payload bytes follow in the hex block.
var packetTypes = map[uint16]interface{}{
	packets.WelcomeType:            packets.Welcome{},
	packets.LoginType:              packets.Login{},
	packets.LoginResponseType:      packets.LoginResponse{},
	packets.ResumeType:             packets.Resume{},
	packets.DisconnectType:         packets.Disconnect{},
	packets.PingType:               packets.Ping{},
	packets.PongType:               packets.Pong{},
	packets.NoticeType:             packets.Notice{},
	packets.PartyCreateType:        packets.PartyCreate{},
	packets.PartyInviteType:        packets.PartyInvite{},
	packets.PartyJoinType:          packets.PartyJoin{},
	packets.PartyLeaveType:         packets.PartyLeave{},
	packets.PartyKickType:          packets.PartyKick{},
	packets.PartyReadyCheckType:    packets.PartyReadyCheck{},
	packets.PartyReadyAckType:      packets.PartyReadyAck{},
	packets.PartyUpdateType:        packets.PartyUpdate{},
	packets.EnqueueType:            packets.Enqueue{},
	packets.EnqueueAckType:         packets.EnqueueAck{},
	packets.CancelTicketType:       packets.CancelTicket{},
	packets.TicketStatusType:       packets.TicketStatus{},
	packets.TicketStatusUpdateType: packets.TicketStatusUpdate{},
	packets.MatchFoundType:         packets.MatchFound{},
	packets.LoadAckType:            packets.LoadAck{},
	packets.MatchStartType:         packets.MatchStart{},
	packets.MatchEndType:           packets.MatchEnd{},
	packets.InputType:              packets.Header{},
	packets.SnapshotType:           packets.Header{},
	packets.SnapshotAckType:        packets.SnapshotAck{},
	packets.ChatType:               packets.Header{},
}

var spewConfig = spew.ConfigState{
	Indent:                  "  ",
	DisablePointerAddresses: true,
	DisableCapacities:       true,
	SortKeys:                true,
}

// PrintPacket dumps one decrypted packet to the writer: direction, type name,
// the decoded struct when the type is known, and a hex block of the raw bytes.
func PrintPacket(params PrintPacketParams) {
	defer params.Writer.Flush()

	if len(params.Data) < int(packets.HeaderSize) {
		fmt.Fprintf(params.Writer, "[%s] short packet (%d bytes)\n", params.ServerName, len(params.Data))
		return
	}

	var header packets.Header
	bytes.StructFromBytes(params.Data[:packets.HeaderSize], &header)

	direction := "server->client"
	if params.ClientPacket {
		direction = "client->server"
	}
	fmt.Fprintf(params.Writer, "[%s] %s type=0x%02x size=%d seq=%d\n",
		params.ServerName, direction, header.Type, header.Size, header.Sequence)

	if packet := newPacket(header.Type); packet != nil {
		if binary.Size(packet) <= len(params.Data) {
			bytes.StructFromBytes(params.Data, packet)
			spewConfig.Fdump(params.Writer, packet)
		}
	}
	printHex(params)
}

func newPacket(packetType uint16) interface{} {
	t, found := packetTypes[packetType]
	if !found {
		return nil
	}
	return reflect.New(reflect.TypeOf(t)).Interface()
}

func printHex(params PrintPacketParams) {
	data := params.Data
	for offset := 0; offset < len(data); offset += 16 {
		end := offset + 16
		if end > len(data) {
			end = len(data)
		}

		fmt.Fprintf(params.Writer, "%04x  ", offset)
		for i := offset; i < end; i++ {
			fmt.Fprintf(params.Writer, "%02x ", data[i])
		}
		fmt.Fprint(params.Writer, " ")
		for i := offset; i < end; i++ {
			if data[i] >= 0x20 && data[i] < 0x7f {
				fmt.Fprintf(params.Writer, "%c", data[i])
			} else {
				fmt.Fprint(params.Writer, ".")
			}
		}
		fmt.Fprintln(params.Writer)
	}
}
