// Package host wires the registry, session cache, telemetry and
// activation engine into the single shared runtime object described in
// spec.md §9 "Shared runtime object with interior mutability": three
// independently lockable containers owned by one value, exposing the
// host-visible surface of spec.md §6.3.
package host

import (
	"context"
	"sync"
	"time"

	"github.com/vaultkeep/vaultkeep/internal/activation"
	"github.com/vaultkeep/vaultkeep/internal/logging"
	"github.com/vaultkeep/vaultkeep/internal/policy"
	"github.com/vaultkeep/vaultkeep/internal/registry"
	"github.com/vaultkeep/vaultkeep/internal/rterror"
	"github.com/vaultkeep/vaultkeep/internal/session"
	"github.com/vaultkeep/vaultkeep/internal/telemetry"
	"github.com/vaultkeep/vaultkeep/internal/transport"
	"github.com/vaultkeep/vaultkeep/internal/wire"
)

// maxRecentLogs bounds the in-memory ring of worker Log messages kept for
// the diagnostics stream; older entries are dropped.
const maxRecentLogs = 200

// LogEntry is one worker Log message, as surfaced to diagnostics.
type LogEntry struct {
	PluginID string        `json:"plugin_id"`
	Level    wire.LogLevel `json:"level"`
	Message  string        `json:"message"`
	At       time.Time     `json:"at"`
}

// Host is the runtime object: it owns the registry, session cache and
// telemetry, and drives the activation engine on every Trigger call.
type Host struct {
	Registry  *registry.Registry
	Sessions  *session.Cache
	Telemetry *telemetry.RuntimeTelemetry
	engine    *activation.Engine

	mu     sync.RWMutex
	policy policy.Policy

	logMu   sync.Mutex
	logs    []LogEntry
	nowFunc func() time.Time
}

// New constructs a Host. store may be nil to skip manifest persistence.
func New(store registry.ManifestStore, pol policy.Policy, spawn activation.Spawner) *Host {
	return newHost(store, pol, spawn, telemetry.New(nil))
}

// WithTelemetry constructs a Host sharing a pre-built telemetry instance
// (used when the diagnostics surface wants a Prometheus-backed one).
func WithTelemetry(store registry.ManifestStore, pol policy.Policy, spawn activation.Spawner, tel *telemetry.RuntimeTelemetry) *Host {
	return newHost(store, pol, spawn, tel)
}

func newHost(store registry.ManifestStore, pol policy.Policy, spawn activation.Spawner, tel *telemetry.RuntimeTelemetry) *Host {
	reg := registry.New(store)
	sessions := session.New(pol.MaxKeepAliveSessions, time.Duration(pol.SessionIdleTTLMillis)*time.Millisecond, tel)

	h := &Host{
		Registry:  reg,
		Sessions:  sessions,
		Telemetry: tel,
		policy:    pol,
		nowFunc:   time.Now,
	}
	h.engine = activation.New(reg, sessions, tel, spawn, nil, h.recordLog)
	return h
}

// recordLog appends a worker Log message to the bounded recent-log ring,
// dropping the oldest entry past capacity.
func (h *Host) recordLog(pluginID string, level wire.LogLevel, message string) {
	h.logMu.Lock()
	defer h.logMu.Unlock()
	h.logs = append(h.logs, LogEntry{PluginID: pluginID, Level: level, Message: message, At: h.nowFunc()})
	if len(h.logs) > maxRecentLogs {
		h.logs = h.logs[len(h.logs)-maxRecentLogs:]
	}
}

// RecordLogForTest appends a Log entry as if a worker had emitted it,
// exposed for tests exercising the diagnostics surface without a real
// activation round trip.
func (h *Host) RecordLogForTest(pluginID string, level wire.LogLevel, message string) {
	h.recordLog(pluginID, level, message)
}

// RecentLogs returns a copy of the worker Log messages received so far,
// oldest first, for the diagnostics stream.
func (h *Host) RecentLogs() []LogEntry {
	h.logMu.Lock()
	defer h.logMu.Unlock()
	out := make([]LogEntry, len(h.logs))
	copy(out, h.logs)
	return out
}

// Policy returns the currently effective policy.
func (h *Host) Policy() policy.Policy {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.policy
}

// SetPolicy atomically replaces the effective policy (e.g. on a settings
// reload from the loader collaborator, spec.md §6.4).
func (h *Host) SetPolicy(pol policy.Policy) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.policy = pol
}

// Register adds a plugin manifest to the registry in the Registered state.
// Returns rterror.AlreadyRegistered if the plugin id is already known.
func (h *Host) Register(m registry.Manifest) error {
	return h.Registry.Register(m)
}

// TriggerOutcome reports one plugin's result from a Trigger call.
type TriggerOutcome struct {
	PluginID string
	Result   activation.Result
}

// Trigger applies to every registered plugin whose activation_events
// include tag and whose state allows activation, invoking the activation
// engine for each and applying the corresponding registry transition.
// Plugins are activated concurrently; Trigger blocks until all complete.
func (h *Host) Trigger(ctx context.Context, tag string) []TriggerOutcome {
	pol := h.Policy()
	all := h.Registry.All()

	var candidates []registry.Manifest
	for _, rec := range all {
		if rec.State.Kind == registry.StateDisabled {
			continue
		}
		if hasTag(rec.Manifest.ActivationEvents, tag) {
			candidates = append(candidates, rec.Manifest)
		}
	}

	outcomes := make([]TriggerOutcome, len(candidates))
	var wg sync.WaitGroup
	for i, m := range candidates {
		wg.Add(1)
		go func(i int, m registry.Manifest) {
			defer wg.Done()
			outcomes[i] = TriggerOutcome{PluginID: m.PluginID, Result: h.activateOne(ctx, m, tag, pol)}
		}(i, m)
	}
	wg.Wait()
	return outcomes
}

func (h *Host) activateOne(ctx context.Context, m registry.Manifest, tag string, pol policy.Policy) activation.Result {
	log := logging.Registry()

	if err := h.Registry.BeginActivation(m.PluginID); err != nil {
		return activation.Result{Outcome: activation.OutcomeFailed, Err: err.(*rterror.RuntimeError)}
	}

	res := h.engine.Activate(ctx, m, tag, pol)

	switch res.Outcome {
	case activation.OutcomeReady:
		h.Registry.CompleteActivation(m.PluginID, time.Now())
	case activation.OutcomeCancelled:
		h.Registry.CancelActivation(m.PluginID, pol.MaxFailedActivations, pol.CountCancelledAsFailure)
	case activation.OutcomeFailed:
		h.Registry.FailActivation(m.PluginID, res.Err, pol.MaxFailedActivations)
	}

	log.Debug().Str("plugin_id", m.PluginID).Str("trigger", tag).Int("outcome", int(res.Outcome)).Msg("activation attempt complete")
	return res
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

// LifecycleState returns the plugin's current lifecycle state.
func (h *Host) LifecycleState(pluginID string) (registry.State, error) {
	rec, ok := h.Registry.Get(pluginID)
	if !ok {
		return registry.State{}, rterror.New(rterror.InvalidConfig, "unknown plugin: "+pluginID)
	}
	return rec.State, nil
}

// RuntimeMetrics returns the plugin's accumulated metrics.
func (h *Host) RuntimeMetrics(pluginID string) (registry.Metrics, error) {
	rec, ok := h.Registry.Get(pluginID)
	if !ok {
		return registry.Metrics{}, rterror.New(rterror.InvalidConfig, "unknown plugin: "+pluginID)
	}
	return rec.Metrics, nil
}

// ActiveSessionsSnapshot returns every live session, sorted by key.
func (h *Host) ActiveSessionsSnapshot() []session.Snapshot {
	return h.Sessions.Snapshot()
}

// TelemetrySnapshot returns a copy of every runtime counter.
func (h *Host) TelemetrySnapshot() telemetry.Snapshot {
	return h.Telemetry.Snapshot()
}

// Reset clears a plugin's Failed/Cancelled/Disabled state back to
// Registered.
func (h *Host) Reset(pluginID string) error {
	return h.Registry.Reset(pluginID)
}

// SweepIdleSessions runs the idle-TTL sweep outside of an activation
// attempt, for the scheduled maintenance ticker.
func (h *Host) SweepIdleSessions() int {
	return h.Sessions.SweepIdle(time.Now())
}

// Shutdown terminates every cached transport before returning, per the
// drop semantics of spec.md §3 "Lifecycle".
func (h *Host) Shutdown() {
	for _, snap := range h.Sessions.Snapshot() {
		if sess, ok := h.Sessions.Get(snap.Key); ok && sess.Transport != nil {
			sess.Transport.Terminate()
		}
	}
}

// DefaultSpawner returns an activation.Spawner that launches a real OS
// process via transport.Spawn, resolving an empty manifest command to the
// default worker binary.
func DefaultSpawner(resolveDefault func() (string, error)) activation.Spawner {
	return func(cmd transport.Command) (transport.Transport, error) {
		if cmd.Empty() {
			path, err := resolveDefault()
			if err != nil {
				return nil, rterror.Wrap(rterror.InvalidConfig, err)
			}
			cmd.Path = path
		}
		return transport.Spawn(cmd)
	}
}
