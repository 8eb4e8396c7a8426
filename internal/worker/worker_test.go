package worker

import (
	"bytes"
	"strings"
	"testing"

	"github.com/vaultkeep/vaultkeep/internal/wire"
)

func runScript(t *testing.T, wk *Worker, msgs ...wire.Message) []wire.Message {
	t.Helper()
	var in bytes.Buffer
	enc := wire.NewEncoder(&in)
	for _, m := range msgs {
		if err := enc.Encode(m); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}

	var out bytes.Buffer
	if err := wk.Run(&in, &out); err != nil {
		t.Fatalf("Run: %v", err)
	}

	dec := wire.NewDecoder(strings.NewReader(out.String()))
	var replies []wire.Message
	for {
		m, err := dec.Decode()
		if err != nil {
			break
		}
		replies = append(replies, m)
	}
	return replies
}

func TestHandshakeNegotiatesCommonVersion(t *testing.T) {
	wk := &Worker{SupportedProtocolVersions: []uint32{1, 2}, ReportedCapabilities: []string{"fs.read"}}
	replies := runScript(t, wk, wire.Handshake("p1", "1.0.0", 2, []uint32{2, 1}, []string{"fs.read"}))

	if len(replies) != 2 || replies[0].Kind != wire.KindLog || replies[1].Kind != wire.KindHandshakeAck {
		t.Fatalf("expected a log message followed by one handshake_ack, got %+v", replies)
	}
	ack := replies[1]
	if ack.Accepted == nil || !*ack.Accepted {
		t.Fatal("expected accepted=true")
	}
	if ack.NegotiatedProtocolVersion != 2 {
		t.Fatalf("expected negotiated version 2, got %d", ack.NegotiatedProtocolVersion)
	}
}

func TestHandshakeRejectsDisjointVersions(t *testing.T) {
	wk := &Worker{SupportedProtocolVersions: []uint32{5}}
	replies := runScript(t, wk, wire.Handshake("p1", "1.0.0", 1, []uint32{1}, nil))

	if len(replies) != 2 || replies[0].Kind != wire.KindLog {
		t.Fatalf("expected a log message followed by the reply, got %+v", replies)
	}
	ack := replies[1]
	if ack.Accepted == nil || *ack.Accepted {
		t.Fatalf("expected accepted=false, got %+v", ack)
	}
	if ack.Reason != "protocol_mismatch" {
		t.Fatalf("expected protocol_mismatch reason, got %q", ack.Reason)
	}
}

func TestActivateDefaultsToOk(t *testing.T) {
	wk := &Worker{SupportedProtocolVersions: []uint32{1}}
	replies := runScript(t, wk, wire.Activate("act-1", "on_startup_finished", nil))

	if len(replies) != 2 || replies[0].Kind != wire.KindLog || replies[1].Kind != wire.KindActivateResult {
		t.Fatalf("expected a log message followed by one activate_result, got %+v", replies)
	}
	result := replies[1]
	if result.Ok == nil || !*result.Ok {
		t.Fatal("expected default ok=true")
	}
}

func TestPingAnswersWithMatchingPong(t *testing.T) {
	wk := &Worker{}
	replies := runScript(t, wk, wire.Ping("r1"))

	if len(replies) != 1 || replies[0].Kind != wire.KindPong || replies[0].RequestID != "r1" {
		t.Fatalf("expected matching pong, got %+v", replies)
	}
}
