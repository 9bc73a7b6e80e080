package packets

import (
	"testing"

	"github.com/crucible-gg/crucible/internal/core/bytes"
	"github.com/google/go-cmp/cmp"
)

func TestParseInput(t *testing.T) {
	payload := []byte(`{"move":"north"}`)
	pkt := &Input{
		Header:      Header{Size: 0, Type: InputType, Sequence: 12},
		TargetTick:  400,
		PayloadSize: uint16(len(payload)),
		Payload:     payload,
	}
	data, _ := bytes.BytesFromStruct(pkt)

	parsed, err := ParseInput(data)
	if err != nil {
		t.Fatalf("ParseInput() returned an unexpected error: %s", err)
	}

	if parsed.TargetTick != 400 {
		t.Errorf("ParseInput() TargetTick want = 400, got = %d", parsed.TargetTick)
	}
	if parsed.Header.Sequence != 12 {
		t.Errorf("ParseInput() Sequence want = 12, got = %d", parsed.Header.Sequence)
	}
	if diff := cmp.Diff(payload, parsed.Payload); diff != "" {
		t.Errorf("ParseInput() payload diff:\n%s", diff)
	}
}

func TestParseInput_RejectsDeclaredLengthPastEnd(t *testing.T) {
	pkt := &Input{
		Header:      Header{Type: InputType},
		TargetTick:  1,
		PayloadSize: 64,
		Payload:     []byte("short"),
	}
	data, _ := bytes.BytesFromStruct(pkt)

	if _, err := ParseInput(data); err == nil {
		t.Error("ParseInput() accepted a payload length larger than the packet")
	}
}

func TestParseSnapshot(t *testing.T) {
	payload := []byte(`{"entities":{}}`)
	pkt := &Snapshot{
		Header:      Header{Type: SnapshotType, Sequence: 3},
		Version:     17,
		BaseVersion: 15,
		Tick:        1000,
		Full:        0,
		PayloadSize: uint32(len(payload)),
		Payload:     payload,
	}
	data, _ := bytes.BytesFromStruct(pkt)

	parsed, err := ParseSnapshot(data)
	if err != nil {
		t.Fatalf("ParseSnapshot() returned an unexpected error: %s", err)
	}

	if parsed.Version != 17 || parsed.BaseVersion != 15 || parsed.Tick != 1000 {
		t.Errorf("ParseSnapshot() fixed fields incorrect: %+v", parsed)
	}
	if diff := cmp.Diff(payload, parsed.Payload); diff != "" {
		t.Errorf("ParseSnapshot() payload diff:\n%s", diff)
	}
}

func TestParseChat(t *testing.T) {
	message := []byte("gg")
	pkt := &Chat{
		Header:      Header{Type: ChatType},
		Scope:       ChatScopeMatch,
		MessageSize: uint16(len(message)),
		Message:     message,
	}
	data, _ := bytes.BytesFromStruct(pkt)

	parsed, err := ParseChat(data)
	if err != nil {
		t.Fatalf("ParseChat() returned an unexpected error: %s", err)
	}
	if parsed.Scope != ChatScopeMatch {
		t.Errorf("ParseChat() Scope want = %d, got = %d", ChatScopeMatch, parsed.Scope)
	}
	if diff := cmp.Diff(message, parsed.Message); diff != "" {
		t.Errorf("ParseChat() message diff:\n%s", diff)
	}
}
