package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vaultkeep/vaultkeep/internal/logging"
	"github.com/vaultkeep/vaultkeep/internal/rterror"
	"github.com/vaultkeep/vaultkeep/internal/wire"
)

// killGrace is how long Terminate waits for a clean exit after closing
// stdin before force-killing the process.
const killGrace = 2 * time.Second

// ProcessTransport is the default Transport, backed by a real child
// process's standard input/output streams.
type ProcessTransport struct {
	cmd         *exec.Cmd
	stdin       io.WriteCloser
	enc         *wire.Encoder
	dec         *wire.Decoder
	stderrBuf   *bytes.Buffer
	correlation string

	mu         sync.Mutex
	terminated bool
}

type recvResult struct {
	msg wire.Message
	err error
}

// Spawn starts the worker process named by cmd and wires its stdio to the
// framed protocol. Returns ErrEmptyCommand (InvalidConfig) if cmd.Path is
// empty, or a SpawnFailed RuntimeError if the OS refuses to start it.
func Spawn(cmd Command) (*ProcessTransport, error) {
	if cmd.Empty() {
		return nil, ErrEmptyCommand
	}

	c := exec.Command(cmd.Path, cmd.Args...)
	if len(cmd.Env) > 0 {
		c.Env = cmd.Env
	}

	stdin, err := c.StdinPipe()
	if err != nil {
		return nil, rterror.Wrap(rterror.SpawnFailed, err)
	}
	stdout, err := c.StdoutPipe()
	if err != nil {
		return nil, rterror.Wrap(rterror.SpawnFailed, err)
	}
	var stderrBuf bytes.Buffer
	c.Stderr = &stderrBuf

	if err := c.Start(); err != nil {
		return nil, rterror.Wrap(rterror.SpawnFailed, err)
	}

	pt := &ProcessTransport{
		cmd:         c,
		stdin:       stdin,
		enc:         wire.NewEncoder(stdin),
		dec:         wire.NewDecoder(stdout),
		stderrBuf:   &stderrBuf,
		correlation: uuid.NewString(),
	}

	logging.Transport().Debug().
		Str("correlation_id", pt.correlation).
		Str("path", cmd.Path).
		Msg("spawned worker process")

	return pt, nil
}

// Send writes one framed message to the worker's stdin.
func (pt *ProcessTransport) Send(m wire.Message) error {
	pt.mu.Lock()
	terminated := pt.terminated
	pt.mu.Unlock()
	if terminated {
		return rterror.New(rterror.TransportIo, "transport already terminated")
	}
	if err := pt.enc.Encode(m); err != nil {
		return rterror.Wrap(rterror.TransportIo, err)
	}
	return nil
}

// Recv blocks until a framed message is available on stdout or deadline
// elapses. Each call starts a fresh blocking read in a goroutine; callers
// never issue overlapping Recv calls on the same transport (the activation
// engine serializes per-session I/O), so at most one reader goroutine is
// ever in flight.
func (pt *ProcessTransport) Recv(ctx context.Context, deadline time.Time) (wire.Message, error) {
	result := make(chan recvResult, 1)
	go func() {
		m, err := pt.dec.Decode()
		if err != nil {
			if err == wire.ErrProtocolViolation || isWrappedProtocolViolation(err) {
				result <- recvResult{err: rterror.Wrap(rterror.ProtocolViolation, err)}
				return
			}
			result <- recvResult{err: rterror.Wrap(rterror.TransportIo, err)}
			return
		}
		result <- recvResult{msg: m}
	}()

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case r := <-result:
		return r.msg, r.err
	case <-timer.C:
		return wire.Message{}, context.DeadlineExceeded
	case <-ctx.Done():
		return wire.Message{}, ctx.Err()
	}
}

func isWrappedProtocolViolation(err error) bool {
	return err != nil && bytes.Contains([]byte(err.Error()), []byte("protocol violation"))
}

// Terminate signals the worker to exit, waits briefly, then force-kills.
// Idempotent.
func (pt *ProcessTransport) Terminate() {
	pt.mu.Lock()
	if pt.terminated {
		pt.mu.Unlock()
		return
	}
	pt.terminated = true
	pt.mu.Unlock()

	_ = pt.stdin.Close()

	done := make(chan error, 1)
	go func() { done <- pt.cmd.Wait() }()

	select {
	case <-done:
	case <-time.After(killGrace):
		if pt.cmd.Process != nil {
			_ = pt.cmd.Process.Kill()
		}
		<-done
	}

	logging.Transport().Debug().
		Str("correlation_id", pt.correlation).
		Msg("terminated worker process")
}

// StderrTail returns up to the last 4KB written to the worker's stderr,
// for inclusion in SpawnFailed/TransportIo error details.
func (pt *ProcessTransport) StderrTail() string {
	b := pt.stderrBuf.Bytes()
	const max = 4096
	if len(b) > max {
		b = b[len(b)-max:]
	}
	return string(b)
}

// ResolveWorkerBinary resolves the default worker binary: an environment
// override first, then a conventional built-in name resolved via PATH.
func ResolveWorkerBinary(envOverride, builtinName string, lookup func(string) (string, error)) (string, error) {
	if envOverride != "" {
		return envOverride, nil
	}
	path, err := lookup(builtinName)
	if err != nil {
		return "", fmt.Errorf("could not resolve default worker binary %q: %w", builtinName, err)
	}
	return path, nil
}
