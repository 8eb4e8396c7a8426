// Package policy implements configuration normalisation (clamping raw
// operator-supplied values into safe bounds) and the capability allow-set
// gate consulted at trigger dispatch and handshake.
package policy

import (
	"sort"

	"github.com/vaultkeep/vaultkeep/internal/rterror"
)

// RuntimeMode selects how a worker is executed. The spec names both values;
// only Process is implemented by this host (InProcess is reserved for a
// future in-process worker harness and is accepted but currently behaves
// identically to Process — no component in this repository implements
// in-process execution, per the sandboxing/hot-reload non-goals).
type RuntimeMode string

const (
	ModeInProcess RuntimeMode = "in_process"
	ModeProcess   RuntimeMode = "process"
)

// Raw holds policy fields exactly as supplied by the settings loader,
// before clamping. Zero values mean "use default".
type Raw struct {
	AllowedCapabilities        []string
	MaxFailedActivations       int
	ActivationTimeoutMillis    int64
	RuntimeMode                RuntimeMode
	SessionPingTimeoutMillis   int64
	MaxKeepAliveSessions       int
	SessionIdleTTLMillis       int64
	SupportedProtocolVersions  []uint32
	KeepAliveSession           bool
	CountCancelledAsFailure    *bool // nil means default true, per SPEC_FULL §11
}

// Policy holds normalised (clamped, defaulted) configuration. All values are
// guaranteed to lie within the bounds documented in spec.md §4.3.
type Policy struct {
	AllowedCapabilities       map[string]struct{}
	MaxFailedActivations      int
	ActivationTimeoutMillis   int64
	RuntimeMode               RuntimeMode
	SessionPingTimeoutMillis  int64
	MaxKeepAliveSessions      int
	SessionIdleTTLMillis      int64
	SupportedProtocolVersions []uint32 // deduplicated, sorted descending (preference order)
	KeepAliveSession          bool
	CountCancelledAsFailure   bool
}

const (
	minActivationTimeoutMillis = 100
	maxActivationTimeoutMillis = 600_000
	defaultActivationTimeoutMillis = 5_000

	minSessionPingTimeoutMillis = 50
	maxSessionPingTimeoutMillis = 10_000
	defaultSessionPingTimeoutMillis = 500

	minMaxKeepAliveSessions = 1
	maxMaxKeepAliveSessions = 1024
	defaultMaxKeepAliveSessions = 8

	minSessionIdleTTLMillis = 1_000
	maxSessionIdleTTLMillis = 3_600_000
	defaultSessionIdleTTLMillis = 300_000

	minMaxFailedActivations = 1
	maxMaxFailedActivations = 256
	defaultMaxFailedActivations = 3

	defaultProtocolVersion uint32 = 1
)

func clampInt64(v, lo, hi, def int64) int64 {
	if v == 0 {
		return def
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInt(v, lo, hi, def int) int {
	if v == 0 {
		return def
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Normalize clamps raw into a Policy whose every field lies within the
// bounds of spec.md §4.3. It never fails: out-of-range or absent input is
// clamped or defaulted, never rejected.
func Normalize(raw Raw) Policy {
	allowed := make(map[string]struct{}, len(raw.AllowedCapabilities))
	for _, c := range raw.AllowedCapabilities {
		allowed[c] = struct{}{}
	}

	mode := raw.RuntimeMode
	if mode != ModeInProcess {
		mode = ModeProcess
	}

	versions := normalizeSupportedVersions(raw.SupportedProtocolVersions)

	countCancelled := true
	if raw.CountCancelledAsFailure != nil {
		countCancelled = *raw.CountCancelledAsFailure
	}

	return Policy{
		AllowedCapabilities: allowed,
		MaxFailedActivations: clampInt(raw.MaxFailedActivations,
			minMaxFailedActivations, maxMaxFailedActivations, defaultMaxFailedActivations),
		ActivationTimeoutMillis: clampInt64(raw.ActivationTimeoutMillis,
			minActivationTimeoutMillis, maxActivationTimeoutMillis, defaultActivationTimeoutMillis),
		RuntimeMode: mode,
		SessionPingTimeoutMillis: clampInt64(raw.SessionPingTimeoutMillis,
			minSessionPingTimeoutMillis, maxSessionPingTimeoutMillis, defaultSessionPingTimeoutMillis),
		MaxKeepAliveSessions: clampInt(raw.MaxKeepAliveSessions,
			minMaxKeepAliveSessions, maxMaxKeepAliveSessions, defaultMaxKeepAliveSessions),
		SessionIdleTTLMillis: clampInt64(raw.SessionIdleTTLMillis,
			minSessionIdleTTLMillis, maxSessionIdleTTLMillis, defaultSessionIdleTTLMillis),
		SupportedProtocolVersions: versions,
		KeepAliveSession:          raw.KeepAliveSession,
		CountCancelledAsFailure:   countCancelled,
	}
}

func normalizeSupportedVersions(in []uint32) []uint32 {
	if len(in) == 0 {
		return []uint32{defaultProtocolVersion}
	}
	seen := make(map[uint32]struct{}, len(in))
	out := make([]uint32, 0, len(in))
	for _, v := range in {
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] > out[j] })
	return out
}

// Check verifies that every capability in capabilities is present in the
// policy's allow-set. Returns a CapabilityViolation RuntimeError naming the
// first disallowed capability, or nil if all are allowed.
func Check(capabilities []string, p Policy) *rterror.RuntimeError {
	for _, c := range capabilities {
		if _, ok := p.AllowedCapabilities[c]; !ok {
			return rterror.New(rterror.CapabilityViolation, "capability not allowed: "+c)
		}
	}
	return nil
}

// Subset reports whether every element of sub appears in super.
func Subset(sub, super []string) bool {
	superSet := make(map[string]struct{}, len(super))
	for _, s := range super {
		superSet[s] = struct{}{}
	}
	for _, s := range sub {
		if _, ok := superSet[s]; !ok {
			return false
		}
	}
	return true
}
