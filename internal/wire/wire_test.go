package wire

import (
	"bytes"
	"io"
	"testing"
)

func roundTrip(t *testing.T, m Message) Message {
	t.Helper()
	var buf bytes.Buffer
	if err := NewEncoder(&buf).Encode(m); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if n := bytes.Count(buf.Bytes(), []byte("\n")); n != 1 {
		t.Fatalf("expected exactly one newline, got %d", n)
	}
	got, err := NewDecoder(&buf).Decode()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return got
}

func TestRoundTripHandshake(t *testing.T) {
	m := Handshake("p1", "1.0.0", 2, []uint32{2, 1}, []string{"fs.read"})
	got := roundTrip(t, m)
	if got.Kind != KindHandshake || got.PluginID != "p1" || got.ProtocolVersion != 2 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if len(got.SupportedProtocolVersions) != 2 {
		t.Fatalf("expected supported versions preserved, got %+v", got)
	}
}

func TestRoundTripHandshakeAck(t *testing.T) {
	m := HandshakeAck(true, 2, "", []string{"fs.read"})
	got := roundTrip(t, m)
	if got.Kind != KindHandshakeAck || got.Accepted == nil || !*got.Accepted {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestRoundTripActivateResult(t *testing.T) {
	m := ActivateResult("act-p1-1", true, "", 7)
	got := roundTrip(t, m)
	if got.Kind != KindActivateResult || got.DurationMs != 7 || got.Ok == nil || !*got.Ok {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestRoundTripPingPong(t *testing.T) {
	p := roundTrip(t, Ping("r1"))
	if p.Kind != KindPing || p.RequestID != "r1" {
		t.Fatalf("ping mismatch: %+v", p)
	}
	g := roundTrip(t, Pong("r1"))
	if g.Kind != KindPong || g.RequestID != "r1" {
		t.Fatalf("pong mismatch: %+v", g)
	}
}

func TestDecodeUnknownFieldsTolerated(t *testing.T) {
	raw := `{"kind":"ping","request_id":"r1","totally_unknown_field":42}` + "\n"
	m, err := NewDecoder(bytes.NewBufferString(raw)).Decode()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.Kind != KindPing || m.RequestID != "r1" {
		t.Fatalf("unexpected decode: %+v", m)
	}
}

func TestDecodeUnparsableIsProtocolViolation(t *testing.T) {
	raw := "not json at all\n"
	_, err := NewDecoder(bytes.NewBufferString(raw)).Decode()
	if err == nil {
		t.Fatal("expected an error")
	}
	if !bytes.Contains([]byte(err.Error()), []byte("protocol violation")) {
		t.Fatalf("expected protocol violation error, got %v", err)
	}
}

func TestDecodeEOF(t *testing.T) {
	_, err := NewDecoder(bytes.NewBufferString("")).Decode()
	if err != io.EOF {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestEncodeRejectsEmbeddedNewline(t *testing.T) {
	m := Log(LogInfo, "line one\nline two")
	var buf bytes.Buffer
	if err := NewEncoder(&buf).Encode(m); err == nil {
		t.Fatal("expected error for embedded newline")
	}
}

func TestNegotiateHighestMutual(t *testing.T) {
	host := []uint32{3, 2, 1}
	worker := []uint32{2, 1}
	v, ok := Negotiate(host, worker)
	if !ok || v != 2 {
		t.Fatalf("expected negotiated version 2, got %d ok=%v", v, ok)
	}
}

func TestNegotiateDisjoint(t *testing.T) {
	_, ok := Negotiate([]uint32{5}, []uint32{1, 2})
	if ok {
		t.Fatal("expected no common version")
	}
}

func TestEffectiveSupportedVersionsDefaultsToProtocolVersion(t *testing.T) {
	m := Message{ProtocolVersion: 4}
	got := m.EffectiveSupportedVersions()
	if len(got) != 1 || got[0] != 4 {
		t.Fatalf("expected [4], got %v", got)
	}
}
