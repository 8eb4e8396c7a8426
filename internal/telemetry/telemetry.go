// Package telemetry implements the host's monotonic runtime counters and
// mirrors them into Prometheus instruments for external scraping. The
// counters themselves are the source of truth (spec.md §4.7); the
// Prometheus mirror is a read-only additional channel (SPEC_FULL §4.7).
package telemetry

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Snapshot is a point-in-time copy of every counter, returned by
// RuntimeTelemetry.Snapshot.
type Snapshot struct {
	SpawnCount               uint64 `json:"spawn_count"`
	HandshakeCount           uint64 `json:"handshake_count"`
	ActivationRequestCount   uint64 `json:"activation_request_count"`
	ReusedSessionCount       uint64 `json:"reused_session_count"`
	SessionPingFailureCount  uint64 `json:"session_ping_failure_count"`
	EvictedByLimitCount      uint64 `json:"evicted_by_limit_count"`
	EvictedByIdleTTLCount    uint64 `json:"evicted_by_idle_ttl_count"`
}

// RuntimeTelemetry holds the host's process-lifetime monotonic counters.
// Never persisted across restarts, per spec.md non-goals.
type RuntimeTelemetry struct {
	spawnCount              uint64
	handshakeCount          uint64
	activationRequestCount  uint64
	reusedSessionCount      uint64
	sessionPingFailureCount uint64
	evictedByLimitCount     uint64
	evictedByIdleTTLCount   uint64

	mirror *mirror
}

// New constructs a RuntimeTelemetry. If reg is non-nil, counters are also
// registered as Prometheus instruments under it; a nil registry is valid
// and simply skips the mirror (no scrape endpoint configured).
func New(reg prometheus.Registerer) *RuntimeTelemetry {
	rt := &RuntimeTelemetry{}
	if reg != nil {
		rt.mirror = newMirror(reg)
	}
	return rt
}

func (rt *RuntimeTelemetry) IncSpawn() {
	atomic.AddUint64(&rt.spawnCount, 1)
	rt.mirror.inc(rt.mirror.spawn)
}

func (rt *RuntimeTelemetry) IncHandshake() {
	atomic.AddUint64(&rt.handshakeCount, 1)
	rt.mirror.inc(rt.mirror.handshake)
}

func (rt *RuntimeTelemetry) IncActivationRequest() {
	atomic.AddUint64(&rt.activationRequestCount, 1)
	rt.mirror.inc(rt.mirror.activationRequest)
}

func (rt *RuntimeTelemetry) IncReusedSession() {
	atomic.AddUint64(&rt.reusedSessionCount, 1)
	rt.mirror.inc(rt.mirror.reusedSession)
}

func (rt *RuntimeTelemetry) IncSessionPingFailure() {
	atomic.AddUint64(&rt.sessionPingFailureCount, 1)
	rt.mirror.inc(rt.mirror.sessionPingFailure)
}

func (rt *RuntimeTelemetry) IncEvictedByLimit() {
	atomic.AddUint64(&rt.evictedByLimitCount, 1)
	rt.mirror.inc(rt.mirror.evictedByLimit)
}

func (rt *RuntimeTelemetry) IncEvictedByIdleTTL() {
	atomic.AddUint64(&rt.evictedByIdleTTLCount, 1)
	rt.mirror.inc(rt.mirror.evictedByIdleTTL)
}

// Snapshot returns a point-in-time copy of every counter.
func (rt *RuntimeTelemetry) Snapshot() Snapshot {
	return Snapshot{
		SpawnCount:              atomic.LoadUint64(&rt.spawnCount),
		HandshakeCount:          atomic.LoadUint64(&rt.handshakeCount),
		ActivationRequestCount:  atomic.LoadUint64(&rt.activationRequestCount),
		ReusedSessionCount:      atomic.LoadUint64(&rt.reusedSessionCount),
		SessionPingFailureCount: atomic.LoadUint64(&rt.sessionPingFailureCount),
		EvictedByLimitCount:     atomic.LoadUint64(&rt.evictedByLimitCount),
		EvictedByIdleTTLCount:   atomic.LoadUint64(&rt.evictedByIdleTTLCount),
	}
}

// mirror wraps the Prometheus counters and tolerates a nil receiver so
// callers never need a "do we have a registry" branch at every call site.
type mirror struct {
	mu                  sync.Mutex
	spawn               prometheus.Counter
	handshake           prometheus.Counter
	activationRequest   prometheus.Counter
	reusedSession       prometheus.Counter
	sessionPingFailure  prometheus.Counter
	evictedByLimit      prometheus.Counter
	evictedByIdleTTL    prometheus.Counter
}

func newMirror(reg prometheus.Registerer) *mirror {
	newCounter := func(name string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vaultkeep_plugin_host_" + name,
			Help: "Mirror of the plugin host's " + name + " runtime counter.",
		})
		reg.MustRegister(c)
		return c
	}
	return &mirror{
		spawn:              newCounter("spawn_count"),
		handshake:          newCounter("handshake_count"),
		activationRequest:  newCounter("activation_request_count"),
		reusedSession:      newCounter("reused_session_count"),
		sessionPingFailure: newCounter("session_ping_failure_count"),
		evictedByLimit:     newCounter("evicted_by_limit_count"),
		evictedByIdleTTL:   newCounter("evicted_by_idle_ttl_count"),
	}
}

func (m *mirror) inc(c prometheus.Counter) {
	if m == nil || c == nil {
		return
	}
	c.Inc()
}
