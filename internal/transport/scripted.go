package transport

import (
	"context"
	"time"

	"github.com/vaultkeep/vaultkeep/internal/rterror"
	"github.com/vaultkeep/vaultkeep/internal/wire"
)

// Scripted is a test-mode Transport that exchanges messages with an
// in-process handler function instead of a real child process. It
// implements the same Transport interface the activation engine drives a
// ProcessTransport through, so tests can substitute it without the engine
// knowing the difference.
type Scripted struct {
	// Handle is invoked for every Send; it returns the reply the next Recv
	// call should deliver (or an error), or ok=false to mean "no reply
	// queued, Recv should block until the deadline".
	Handle func(sent wire.Message) (reply wire.Message, ok bool, err error)

	// OnTerminate, if set, is invoked exactly once by the first Terminate call.
	OnTerminate func()

	pending    []wire.Message
	terminated bool
}

// QueueReply appends m to the pending reply queue directly, ahead of
// whatever Handle returns for the next Send — used to simulate a worker
// that interleaves an unsolicited message (e.g. a Log) before its real
// reply.
func (s *Scripted) QueueReply(m wire.Message) {
	s.pending = append(s.pending, m)
}

// Send records the outgoing message and lets Handle decide the reply.
func (s *Scripted) Send(m wire.Message) error {
	if s.terminated {
		return rterror.New(rterror.TransportIo, "transport already terminated")
	}
	if s.Handle == nil {
		return nil
	}
	reply, ok, err := s.Handle(m)
	if err != nil {
		return err
	}
	if ok {
		s.pending = append(s.pending, reply)
	}
	return nil
}

// Recv returns the next queued reply, or blocks (honouring deadline/ctx) if
// none is queued — simulating a worker that never responds, for timeout
// tests.
func (s *Scripted) Recv(ctx context.Context, deadline time.Time) (wire.Message, error) {
	if len(s.pending) > 0 {
		m := s.pending[0]
		s.pending = s.pending[1:]
		return m, nil
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case <-timer.C:
		return wire.Message{}, context.DeadlineExceeded
	case <-ctx.Done():
		return wire.Message{}, ctx.Err()
	}
}

// Terminate marks the scripted transport as terminated; idempotent.
func (s *Scripted) Terminate() {
	if s.terminated {
		return
	}
	s.terminated = true
	if s.OnTerminate != nil {
		s.OnTerminate()
	}
}

// Terminated reports whether Terminate has been called, for test assertions.
func (s *Scripted) Terminated() bool {
	return s.terminated
}
