// Package transport abstracts "launch, exchange framed messages with, and
// terminate" a worker process behind a small capability interface, so the
// activation engine never needs to know whether it is driving a real OS
// process or a scripted stand-in used by tests.
package transport

import (
	"context"
	"time"

	"github.com/vaultkeep/vaultkeep/internal/rterror"
	"github.com/vaultkeep/vaultkeep/internal/wire"
)

// Transport is the capability set the activation engine drives a worker
// through: spawn once (via a constructor, not part of this interface),
// then send/recv/terminate.
type Transport interface {
	// Send writes one framed message to the worker's input stream.
	Send(m wire.Message) error

	// Recv blocks until a framed message arrives or deadline elapses,
	// returning rterror.ProtocolViolation on unparsable input and
	// context.DeadlineExceeded itself on timeout.
	Recv(ctx context.Context, deadline time.Time) (wire.Message, error)

	// Terminate signals the worker to exit, waits briefly, then force-kills.
	// Idempotent: calling it more than once is a no-op after the first.
	Terminate()
}

// Command describes how to launch a worker process.
type Command struct {
	Path string
	Args []string
	Env  []string
}

// Empty reports whether the command has no executable path, which the
// caller must treat as InvalidConfig rather than attempting to spawn.
func (c Command) Empty() bool {
	return c.Path == ""
}

// ErrEmptyCommand is returned by Spawn implementations when given an empty
// Command.
var ErrEmptyCommand = rterror.New(rterror.InvalidConfig, "command is empty")
