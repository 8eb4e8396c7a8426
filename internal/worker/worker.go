// Package worker implements the runtime side of the wire protocol: the
// reference worker used by default (when a manifest's command is empty).
// Its tests drive Run over in-memory buffers; no test spawns it as a
// separate process.
package worker

import (
	"bufio"
	"io"
	"time"

	"github.com/vaultkeep/vaultkeep/internal/wire"
)

// Worker answers the host's framed protocol on stdin/stdout: negotiates a
// protocol version, reports a fixed capability set, and simulates
// configurable activation work.
type Worker struct {
	// SupportedProtocolVersions is this worker's own supported set, used
	// to negotiate against the host's Handshake.
	SupportedProtocolVersions []uint32

	// ReportedCapabilities is what this worker claims in its HandshakeAck.
	ReportedCapabilities []string

	// ActivationWork, if set, is invoked for every Activate and decides
	// the ActivateResult. A nil ActivationWork always reports ok=true
	// with zero duration — suitable as a default test fixture.
	ActivationWork func(triggerTag string) (ok bool, reason string, duration time.Duration)
}

// Run reads framed Handshake/Activate/Ping/Cancel messages from r and
// writes replies to w, until r reaches EOF.
func (wk *Worker) Run(r io.Reader, w io.Writer) error {
	dec := wire.NewDecoder(r)
	enc := wire.NewEncoder(w)

	for {
		msg, err := dec.Decode()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		switch msg.Kind {
		case wire.KindHandshake:
			if err := enc.Encode(wire.Log(wire.LogInfo, "handshake received")); err != nil {
				return err
			}
			negotiated, ok := wire.Negotiate(msg.EffectiveSupportedVersions(), wk.SupportedProtocolVersions)
			if !ok {
				if err := enc.Encode(wire.HandshakeAck(false, 0, "protocol_mismatch", nil)); err != nil {
					return err
				}
				continue
			}
			if err := enc.Encode(wire.HandshakeAck(true, negotiated, "", wk.ReportedCapabilities)); err != nil {
				return err
			}

		case wire.KindActivate:
			if err := enc.Encode(wire.Log(wire.LogInfo, "activating for trigger "+msg.TriggerTag)); err != nil {
				return err
			}
			ok, reason, duration := true, "", time.Duration(0)
			if wk.ActivationWork != nil {
				ok, reason, duration = wk.ActivationWork(msg.TriggerTag)
			}
			if err := enc.Encode(wire.ActivateResult(msg.RequestID, ok, reason, uint32(duration.Milliseconds()))); err != nil {
				return err
			}

		case wire.KindPing:
			if err := enc.Encode(wire.Pong(msg.RequestID)); err != nil {
				return err
			}

		case wire.KindCancel:
			// advisory; nothing in-flight to cancel in this reference worker.

		default:
			// unknown kind from the host: ignored per the wire format's
			// forward-compatibility rule for non-awaited traffic.
		}
	}
}

// RunStdio is a convenience wrapper for cmd/pluginworker, buffering stdin.
func (wk *Worker) RunStdio(stdin io.Reader, stdout io.Writer) error {
	return wk.Run(bufio.NewReader(stdin), stdout)
}
