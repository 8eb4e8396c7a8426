// Package registry implements plugin registration and the lifecycle state
// machine: Registered -> Activating -> Active|Cancelled|Failed -> Disabled.
// The registry lock only ever guards O(1) bookkeeping; engine I/O (spawn,
// handshake, activate) happens outside the lock, in the activation engine.
package registry

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vaultkeep/vaultkeep/internal/rterror"
)

// Manifest describes a registered plugin: its identity, activation
// triggers, declared capabilities, and how to launch its worker.
type Manifest struct {
	PluginID             string
	Name                 string
	Version              string
	ActivationEvents     []string
	DeclaredCapabilities []string
	Command              string
	CommandArgs          []string
}

// StateKind tags which variant of State is populated.
type StateKind string

const (
	StateRegistered StateKind = "registered"
	StateActivating StateKind = "activating"
	StateActive     StateKind = "active"
	StateCancelled  StateKind = "cancelled"
	StateFailed     StateKind = "failed"
	StateDisabled   StateKind = "disabled"
)

// State is the plugin lifecycle state, a tagged value: only Err is
// meaningful when Kind is StateFailed.
type State struct {
	Kind StateKind
	Err  *rterror.RuntimeError
}

func Registered() State { return State{Kind: StateRegistered} }
func Activating() State { return State{Kind: StateActivating} }
func Active() State     { return State{Kind: StateActive} }
func Cancelled() State  { return State{Kind: StateCancelled} }
func Failed(err *rterror.RuntimeError) State {
	return State{Kind: StateFailed, Err: err}
}
func Disabled() State { return State{Kind: StateDisabled} }

// Metrics tracks per-plugin runtime counters used to decide the
// failure-threshold -> Disabled transition.
type Metrics struct {
	ActivationCount uint64
	FailureCount    uint64
	LastActivatedAt time.Time
}

// Record is one plugin's full registry entry.
type Record struct {
	Manifest Manifest
	State    State
	Metrics  Metrics

	mu       sync.Mutex
	sequence uint64
}

// ManifestStore persists plugin registrations across host restarts.
// Telemetry and session state are never persisted; only the manifest is.
// A nil ManifestStore is valid and simply skips persistence.
type ManifestStore interface {
	Upsert(m Manifest, registeredAt time.Time) error
}

// Registry holds every known plugin's Record, keyed by plugin id.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record
	store   ManifestStore
}

// New constructs an empty Registry. store may be nil.
func New(store ManifestStore) *Registry {
	return &Registry{records: make(map[string]*Record), store: store}
}

// Register adds a plugin manifest in the Registered state. A plugin id is
// unique within a registry: registering an id that already exists is
// rejected with rterror.AlreadyRegistered rather than overwriting the
// existing record.
func (r *Registry) Register(m Manifest) error {
	r.mu.Lock()
	if _, exists := r.records[m.PluginID]; exists {
		r.mu.Unlock()
		return rterror.New(rterror.AlreadyRegistered, "plugin id already registered: "+m.PluginID)
	}
	r.records[m.PluginID] = &Record{Manifest: m, State: Registered()}
	r.mu.Unlock()

	if r.store != nil {
		go func() {
			_ = r.store.Upsert(m, time.Now())
		}()
	}
	return nil
}

// Get returns a snapshot copy of a plugin's Record, or false if unknown.
func (r *Registry) Get(pluginID string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[pluginID]
	if !ok {
		return Record{}, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return Record{Manifest: rec.Manifest, State: rec.State, Metrics: rec.Metrics}, true
}

// NextRequestID generates the next monotonic request id for a plugin, of
// the form "{prefix}-{plugin_id}-{sequence}".
func (r *Registry) NextRequestID(pluginID, prefix string) (string, error) {
	r.mu.RLock()
	rec, ok := r.records[pluginID]
	r.mu.RUnlock()
	if !ok {
		return "", rterror.New(rterror.InvalidConfig, "unknown plugin: "+pluginID)
	}
	seq := atomic.AddUint64(&rec.sequence, 1)
	return fmt.Sprintf("%s-%s-%d", prefix, pluginID, seq), nil
}

// BeginActivation transitions a plugin from Registered, Active, Failed or
// Cancelled into Activating, rejecting the transition if the plugin is
// Disabled or already Activating (single in-flight activation per plugin).
func (r *Registry) BeginActivation(pluginID string) error {
	r.mu.RLock()
	rec, ok := r.records[pluginID]
	r.mu.RUnlock()
	if !ok {
		return rterror.New(rterror.InvalidConfig, "unknown plugin: "+pluginID)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	switch rec.State.Kind {
	case StateDisabled:
		return rterror.New(rterror.ActivationRejected, "plugin is disabled")
	case StateActivating:
		return rterror.New(rterror.ActivationRejected, "activation already in progress")
	}
	rec.State = Activating()
	return nil
}

// CompleteActivation transitions a plugin out of Activating into Active,
// updating activation metrics and clearing the consecutive-failure count.
func (r *Registry) CompleteActivation(pluginID string, at time.Time) {
	r.mu.RLock()
	rec, ok := r.records[pluginID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.State = Active()
	rec.Metrics.FailureCount = 0
	rec.Metrics.ActivationCount++
	rec.Metrics.LastActivatedAt = at
}

// CancelActivation transitions a plugin out of Activating into Cancelled.
// If countCancelledAsFailure is true, the cancellation also counts toward
// the failure threshold (SPEC_FULL §11's open-question decision).
func (r *Registry) CancelActivation(pluginID string, maxFailedActivations int, countCancelledAsFailure bool) {
	r.mu.RLock()
	rec, ok := r.records[pluginID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.State = Cancelled()
	if countCancelledAsFailure {
		rec.Metrics.FailureCount++
		r.maybeDisableLocked(rec, maxFailedActivations)
	}
}

// FailActivation transitions a plugin out of Activating into Failed(err),
// incrementing the failure counter and disabling the plugin once
// maxFailedActivations consecutive failures accumulate.
func (r *Registry) FailActivation(pluginID string, err *rterror.RuntimeError, maxFailedActivations int) {
	r.mu.RLock()
	rec, ok := r.records[pluginID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.State = Failed(err)
	rec.Metrics.FailureCount++
	r.maybeDisableLocked(rec, maxFailedActivations)
}

func (r *Registry) maybeDisableLocked(rec *Record, maxFailedActivations int) {
	if rec.Metrics.FailureCount >= uint64(maxFailedActivations) {
		rec.State = Disabled()
	}
}

// Reset clears a plugin's failure count and returns it to Registered,
// re-enabling a Disabled plugin. This is the "reset" host-visible
// operation from spec.md §6.3.
func (r *Registry) Reset(pluginID string) error {
	r.mu.RLock()
	rec, ok := r.records[pluginID]
	r.mu.RUnlock()
	if !ok {
		return rterror.New(rterror.InvalidConfig, "unknown plugin: "+pluginID)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.Metrics.FailureCount = 0
	rec.State = Registered()
	return nil
}

// LoadStoredManifests installs a batch of previously persisted manifests
// as Registered records on host startup, never as Active (a fresh
// handshake/activation is always required after a restart since sessions
// are process-local).
func (r *Registry) LoadStoredManifests(manifests []Manifest) {
	for _, m := range manifests {
		_ = r.Register(m)
	}
}

// All returns a snapshot of every registered plugin's Record, for the
// diagnostics surface.
func (r *Registry) All() map[string]Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Record, len(r.records))
	for id, rec := range r.records {
		rec.mu.Lock()
		out[id] = Record{Manifest: rec.Manifest, State: rec.State, Metrics: rec.Metrics}
		rec.mu.Unlock()
	}
	return out
}
