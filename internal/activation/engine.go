// Package activation implements the core spawn-or-reuse, handshake,
// negotiate, activate algorithm of spec.md §4.5: the single largest and
// most load-bearing component of the plugin runtime host.
package activation

import (
	"context"
	"sync"
	"time"

	"github.com/vaultkeep/vaultkeep/internal/logging"
	"github.com/vaultkeep/vaultkeep/internal/policy"
	"github.com/vaultkeep/vaultkeep/internal/registry"
	"github.com/vaultkeep/vaultkeep/internal/rterror"
	"github.com/vaultkeep/vaultkeep/internal/session"
	"github.com/vaultkeep/vaultkeep/internal/telemetry"
	"github.com/vaultkeep/vaultkeep/internal/transport"
	"github.com/vaultkeep/vaultkeep/internal/wire"
)

// Spawner starts a worker process and returns a live transport, or a
// SpawnFailed/InvalidConfig RuntimeError.
type Spawner func(cmd transport.Command) (transport.Transport, error)

// Outcome tags the result of an activation attempt.
type Outcome int

const (
	OutcomeReady Outcome = iota
	OutcomeCancelled
	OutcomeFailed
)

// Result is what the engine reports back to its caller (the runtime
// orchestrator, which applies the corresponding registry transition).
type Result struct {
	Outcome        Outcome
	Err            *rterror.RuntimeError
	DurationMillis uint32
	Reused         bool
}

// LogSink receives a worker's Log messages as they arrive, interleaved
// with any awaited protocol reply. pluginID identifies which plugin's
// worker emitted it.
type LogSink func(pluginID string, level wire.LogLevel, message string)

// Engine drives a single activation attempt end to end. It holds no
// registry state of its own — state transitions remain the registry's
// exclusive responsibility (spec.md §4.8) — but it does own the session
// cache and telemetry writes that happen along the way.
type Engine struct {
	registry  *registry.Registry
	sessions  *session.Cache
	telemetry *telemetry.RuntimeTelemetry
	spawn     Spawner
	now       func() time.Time
	onLog     LogSink

	keyLocks sync.Map // session.Key -> *sync.Mutex
}

// New constructs an Engine. nowFunc defaults to time.Now when nil (tests
// may supply a deterministic clock). onLog may be nil, in which case Log
// messages are still skipped while awaiting a reply but otherwise discarded.
func New(reg *registry.Registry, sessions *session.Cache, tel *telemetry.RuntimeTelemetry, spawn Spawner, nowFunc func() time.Time, onLog LogSink) *Engine {
	if nowFunc == nil {
		nowFunc = time.Now
	}
	return &Engine{registry: reg, sessions: sessions, telemetry: tel, spawn: spawn, now: nowFunc, onLog: onLog}
}

// recvAwaiting receives from tp until a message other than Log arrives, the
// deadline passes, or ctx is done. An interleaved Log message (spec.md line
// 204: "informational only", skippable while awaiting a real reply) is
// handed to onLog, if set, and never treated as a protocol violation.
func (e *Engine) recvAwaiting(ctx context.Context, tp transport.Transport, deadline time.Time, pluginID string) (wire.Message, error) {
	for {
		msg, err := tp.Recv(ctx, deadline)
		if err != nil {
			return wire.Message{}, err
		}
		if msg.Kind != wire.KindLog {
			return msg, nil
		}
		if e.onLog != nil {
			e.onLog(pluginID, msg.Level, msg.Message)
		}
	}
}

func (e *Engine) lockFor(key session.Key) *sync.Mutex {
	v, _ := e.keyLocks.LoadOrStore(key, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Activate runs one activation attempt for manifest in response to
// triggerTag, under pol. Only one activation is ever in flight per
// session key at a time; a second caller for the same key blocks until
// the first completes (spec.md §5 "serialise per-key").
func (e *Engine) Activate(ctx context.Context, manifest registry.Manifest, triggerTag string, pol policy.Policy) Result {
	start := e.now()
	key := session.NewKey(manifest.PluginID, manifest.Version, manifest.DeclaredCapabilities)

	lock := e.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	log := logging.Activation()

	// Step 1: pre-check.
	if err := policy.Check(manifest.DeclaredCapabilities, pol); err != nil {
		log.Warn().Str("plugin_id", manifest.PluginID).Str("code", string(err.Code)).Msg("activation rejected at pre-check")
		return Result{Outcome: OutcomeFailed, Err: err}
	}

	deadline := start.Add(time.Duration(pol.ActivationTimeoutMillis) * time.Millisecond)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	// Step 2: idle sweep, then session lookup + health probe.
	if pol.KeepAliveSession {
		e.sessions.SweepIdle(e.now())
	}

	var (
		tp                   transport.Transport
		reused               bool
		negotiatedProtocol   uint32
		reportedCapabilities []string
	)

	if pol.KeepAliveSession {
		if sess, ok := e.sessions.Get(key); ok {
			if e.probeHealthy(ctx, sess, pol) {
				tp = sess.Transport
				reused = true
				negotiatedProtocol = sess.NegotiatedProtocol
				reportedCapabilities = sess.ReportedCapabilities
				e.telemetry.IncReusedSession()
			} else {
				e.telemetry.IncSessionPingFailure()
				sess.Transport.Terminate()
				e.sessions.Remove(key)
			}
		}
	}

	// Step 3: spawn, if no live reusable session.
	if !reused {
		cmd := resolveCommand(manifest)
		spawned, err := e.spawn(cmd)
		if err != nil {
			return Result{Outcome: OutcomeFailed, Err: asRuntimeError(err, rterror.SpawnFailed)}
		}
		tp = spawned
		e.telemetry.IncSpawn()

		// Step 4: handshake.
		negotiated, reported, hsErr := e.handshake(ctx, tp, manifest, pol)
		if hsErr != nil {
			tp.Terminate()
			return Result{Outcome: OutcomeFailed, Err: hsErr}
		}
		negotiatedProtocol = negotiated
		reportedCapabilities = reported
		e.telemetry.IncHandshake()

		if err := policy.Check(reportedCapabilities, pol); err != nil {
			tp.Terminate()
			return Result{Outcome: OutcomeFailed, Err: err}
		}
		if !policy.Subset(reportedCapabilities, manifest.DeclaredCapabilities) {
			tp.Terminate()
			return Result{Outcome: OutcomeFailed, Err: rterror.New(rterror.CapabilityViolation, "reported capabilities exceed declared capabilities")}
		}
	}

	// Step 5: activate.
	reqID, idErr := e.registry.NextRequestID(manifest.PluginID, "act")
	if idErr != nil {
		tp.Terminate()
		return Result{Outcome: OutcomeFailed, Err: asRuntimeError(idErr, rterror.InvalidConfig)}
	}

	if err := tp.Send(wire.Activate(reqID, triggerTag, reportedCapabilities)); err != nil {
		tp.Terminate()
		e.sessions.Remove(key)
		return Result{Outcome: OutcomeFailed, Err: asRuntimeError(err, rterror.TransportIo)}
	}
	e.telemetry.IncActivationRequest()

	reply, err := e.recvAwaiting(ctx, tp, deadline, manifest.PluginID)
	if err != nil {
		if err == context.DeadlineExceeded || ctx.Err() != nil {
			_ = tp.Send(wire.Cancel(reqID))
			tp.Terminate()
			e.sessions.Remove(key)
			return Result{Outcome: OutcomeCancelled, DurationMillis: millisSince(start, e.now())}
		}
		tp.Terminate()
		e.sessions.Remove(key)
		return Result{Outcome: OutcomeFailed, Err: asRuntimeError(err, rterror.TransportIo)}
	}

	if reply.Kind != wire.KindActivateResult || reply.RequestID != reqID {
		tp.Terminate()
		e.sessions.Remove(key)
		return Result{Outcome: OutcomeFailed, Err: rterror.New(rterror.ProtocolViolation, "expected activate_result for matching request id")}
	}

	now := e.now()
	duration := millisSince(start, now)

	if reply.Ok == nil || !*reply.Ok {
		// Worker-level rejection: the worker itself is healthy, so the
		// session survives for reuse.
		e.putSession(key, manifest.PluginID, tp, negotiatedProtocol, reportedCapabilities, now, reused)
		return Result{Outcome: OutcomeFailed, Err: rterror.New(rterror.ActivationRejected, reply.Reason), DurationMillis: duration}
	}

	e.putSession(key, manifest.PluginID, tp, negotiatedProtocol, reportedCapabilities, now, reused)
	return Result{Outcome: OutcomeReady, DurationMillis: duration, Reused: reused}
}

func (e *Engine) putSession(key session.Key, pluginID string, tp transport.Transport, negotiated uint32, reported []string, now time.Time, reused bool) {
	var createdAt time.Time
	if existing, ok := e.sessions.Get(key); ok && reused {
		createdAt = existing.CreatedAt
	} else {
		createdAt = now
	}
	e.sessions.Put(key, &session.Session{
		Key:                  key,
		PluginID:             pluginID,
		Transport:            tp,
		NegotiatedProtocol:   negotiated,
		ReportedCapabilities: reported,
		CreatedAt:            createdAt,
		LastUsedAt:           now,
	})
}

// probeHealthy sends a Ping and waits for a matching Pong within
// session_ping_timeout_millis.
func (e *Engine) probeHealthy(ctx context.Context, sess *session.Session, pol policy.Policy) bool {
	reqID, err := e.registry.NextRequestID(sess.PluginID, "ping")
	if err != nil {
		return false
	}
	if err := sess.Transport.Send(wire.Ping(reqID)); err != nil {
		return false
	}
	deadline := e.now().Add(time.Duration(pol.SessionPingTimeoutMillis) * time.Millisecond)
	reply, err := e.recvAwaiting(ctx, sess.Transport, deadline, sess.PluginID)
	if err != nil {
		return false
	}
	return reply.Kind == wire.KindPong && reply.RequestID == reqID
}

// handshake sends a Handshake and interprets the HandshakeAck, mapping
// every failure mode named in spec.md §4.5 step 4 to its RuntimeError code.
func (e *Engine) handshake(ctx context.Context, tp transport.Transport, manifest registry.Manifest, pol policy.Policy) (negotiated uint32, reported []string, rerr *rterror.RuntimeError) {
	hs := wire.Handshake(manifest.PluginID, manifest.Version, pol.SupportedProtocolVersions[0], pol.SupportedProtocolVersions, manifest.DeclaredCapabilities)
	if err := tp.Send(hs); err != nil {
		return 0, nil, asRuntimeError(err, rterror.TransportIo)
	}

	reply, err := e.recvAwaiting(ctx, tp, e.now().Add(time.Duration(pol.ActivationTimeoutMillis)*time.Millisecond), manifest.PluginID)
	if err != nil {
		return 0, nil, asRuntimeError(err, rterror.ProtocolViolation)
	}
	if reply.Kind != wire.KindHandshakeAck {
		return 0, nil, rterror.New(rterror.ProtocolViolation, "expected handshake_ack")
	}
	if reply.Accepted == nil || !*reply.Accepted {
		if reply.Reason == "protocol_mismatch" {
			return 0, nil, rterror.New(rterror.ProtocolMismatch, reply.Reason)
		}
		return 0, nil, rterror.New(rterror.HandshakeRejected, reply.Reason)
	}
	return reply.NegotiatedProtocolVersion, reply.ReportedCapabilities, nil
}

func resolveCommand(manifest registry.Manifest) transport.Command {
	return transport.Command{Path: manifest.Command, Args: manifest.CommandArgs}
}

func asRuntimeError(err error, fallback rterror.Code) *rterror.RuntimeError {
	if rte, ok := err.(*rterror.RuntimeError); ok {
		return rte
	}
	return rterror.Wrap(fallback, err)
}

func millisSince(start, end time.Time) uint32 {
	d := end.Sub(start).Milliseconds()
	if d < 0 {
		return 0
	}
	return uint32(d)
}
