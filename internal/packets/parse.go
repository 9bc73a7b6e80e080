package packets

import (
	"encoding/binary"
	"fmt"
)

// The packets with trailing variable-length payloads can't be decoded by the
// reflection codec, so they get explicit parse helpers. Each validates that
// the declared payload length fits inside the decrypted packet body.

const inputFixedSize = HeaderSize + 8 + 2
const snapshotFixedSize = HeaderSize + 8 + 8 + 8 + 1 + 4
const chatFixedSize = HeaderSize + 1 + 2

// ParseInput decodes an Input packet from a decrypted packet body.
func ParseInput(data []byte) (*Input, error) {
	if len(data) < inputFixedSize {
		return nil, fmt.Errorf("input packet too short: %d bytes", len(data))
	}

	pkt := &Input{
		Header:      parseHeader(data),
		TargetTick:  binary.LittleEndian.Uint64(data[8:16]),
		PayloadSize: binary.LittleEndian.Uint16(data[16:18]),
	}

	end := inputFixedSize + int(pkt.PayloadSize)
	if end > len(data) {
		return nil, fmt.Errorf("input payload length %d exceeds packet size", pkt.PayloadSize)
	}
	pkt.Payload = data[inputFixedSize:end]
	return pkt, nil
}

// ParseSnapshot decodes a Snapshot packet from a decrypted packet body.
func ParseSnapshot(data []byte) (*Snapshot, error) {
	if len(data) < snapshotFixedSize {
		return nil, fmt.Errorf("snapshot packet too short: %d bytes", len(data))
	}

	pkt := &Snapshot{
		Header:      parseHeader(data),
		Version:     binary.LittleEndian.Uint64(data[8:16]),
		BaseVersion: binary.LittleEndian.Uint64(data[16:24]),
		Tick:        binary.LittleEndian.Uint64(data[24:32]),
		Full:        data[32],
		PayloadSize: binary.LittleEndian.Uint32(data[33:37]),
	}

	end := snapshotFixedSize + int(pkt.PayloadSize)
	if end > len(data) {
		return nil, fmt.Errorf("snapshot payload length %d exceeds packet size", pkt.PayloadSize)
	}
	pkt.Payload = data[snapshotFixedSize:end]
	return pkt, nil
}

// ParseChat decodes a Chat packet from a decrypted packet body.
func ParseChat(data []byte) (*Chat, error) {
	if len(data) < chatFixedSize {
		return nil, fmt.Errorf("chat packet too short: %d bytes", len(data))
	}

	pkt := &Chat{
		Header:      parseHeader(data),
		Scope:       data[8],
		MessageSize: binary.LittleEndian.Uint16(data[9:11]),
	}

	end := chatFixedSize + int(pkt.MessageSize)
	if end > len(data) {
		return nil, fmt.Errorf("chat message length %d exceeds packet size", pkt.MessageSize)
	}
	pkt.Message = data[chatFixedSize:end]
	return pkt, nil
}

func parseHeader(data []byte) Header {
	return Header{
		Size:     binary.LittleEndian.Uint16(data[0:2]),
		Type:     binary.LittleEndian.Uint16(data[2:4]),
		Sequence: binary.LittleEndian.Uint32(data[4:8]),
	}
}

// CopyID writes a string identifier into a fixed-size ID field.
func CopyID(dst *[IDLength]byte, id string) {
	copy(dst[:], id)
}

// CopyMode writes a mode name into a fixed-size mode field.
func CopyMode(dst *[ModeLength]byte, mode string) {
	copy(dst[:], mode)
}
