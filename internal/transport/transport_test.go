package transport

import (
	"context"
	"testing"
	"time"

	"github.com/vaultkeep/vaultkeep/internal/rterror"
	"github.com/vaultkeep/vaultkeep/internal/wire"
)

var (
	_ Transport = (*ProcessTransport)(nil)
	_ Transport = (*Scripted)(nil)
)

func TestSpawnEmptyCommandIsInvalidConfig(t *testing.T) {
	_, err := Spawn(Command{})
	if err != ErrEmptyCommand {
		t.Fatalf("expected ErrEmptyCommand, got %v", err)
	}
	rte, ok := err.(*rterror.RuntimeError)
	if !ok || rte.Code != rterror.InvalidConfig {
		t.Fatalf("expected InvalidConfig, got %v", err)
	}
}

func TestScriptedTerminateIdempotent(t *testing.T) {
	calls := 0
	s := &Scripted{OnTerminate: func() { calls++ }}
	s.Terminate()
	s.Terminate()
	s.Terminate()
	if calls != 1 {
		t.Fatalf("expected OnTerminate called once, got %d", calls)
	}
	if !s.Terminated() {
		t.Fatal("expected Terminated() true")
	}
}

func TestScriptedSendAfterTerminateFails(t *testing.T) {
	s := &Scripted{}
	s.Terminate()
	if err := s.Send(wire.Ping("r1")); err == nil {
		t.Fatal("expected error sending after terminate")
	}
}

func TestScriptedRecvTimesOutWhenNoReplyQueued(t *testing.T) {
	s := &Scripted{}
	_, err := s.Recv(context.Background(), time.Now().Add(20*time.Millisecond))
	if err != context.DeadlineExceeded {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestScriptedHandshakeReply(t *testing.T) {
	s := &Scripted{
		Handle: func(sent wire.Message) (wire.Message, bool, error) {
			if sent.Kind != wire.KindHandshake {
				t.Fatalf("unexpected message kind: %v", sent.Kind)
			}
			return wire.HandshakeAck(true, sent.ProtocolVersion, "", sent.DeclaredCapabilities), true, nil
		},
	}
	if err := s.Send(wire.Handshake("p1", "1.0.0", 1, []uint32{1}, []string{"fs.read"})); err != nil {
		t.Fatalf("send: %v", err)
	}
	reply, err := s.Recv(context.Background(), time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if reply.Kind != wire.KindHandshakeAck || reply.Accepted == nil || !*reply.Accepted {
		t.Fatalf("unexpected reply: %+v", reply)
	}
}
