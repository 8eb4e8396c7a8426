// Package session implements the plugin host's session cache: reusable
// worker handles keyed by (plugin id, plugin version, declared capabilities),
// evicted either by capacity (LRU) or by idle time (explicit sweep).
package session

import (
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/vaultkeep/vaultkeep/internal/telemetry"
	"github.com/vaultkeep/vaultkeep/internal/transport"
)

// Key deterministically identifies a reusable session: same plugin,
// version and declared-capability set always resolve to the same key,
// independent of the order declared capabilities were supplied in.
type Key string

// NewKey derives a Key from a plugin id, version, and its declared
// capabilities (sorted, so caller-supplied order never matters).
func NewKey(pluginID, pluginVersion string, declaredCapabilities []string) Key {
	caps := append([]string(nil), declaredCapabilities...)
	sort.Strings(caps)
	return Key(pluginID + "@" + pluginVersion + "#" + strings.Join(caps, ","))
}

// Session is a live, reusable worker handle.
type Session struct {
	Key                  Key
	PluginID             string
	Transport            transport.Transport
	NegotiatedProtocol   uint32
	ReportedCapabilities []string
	CreatedAt            time.Time
	LastUsedAt           time.Time
}

// Snapshot is the read-only view returned by Cache.Snapshot, sorted
// lexicographically by key for deterministic output.
type Snapshot struct {
	Key                Key       `json:"key"`
	PluginID           string    `json:"plugin_id"`
	NegotiatedProtocol uint32    `json:"negotiated_protocol_version"`
	CreatedAt          time.Time `json:"created_at"`
	LastUsedAt         time.Time `json:"last_used_at"`
}

// Cache holds at most maxEntries live sessions, evicting the
// least-recently-used entry past capacity. Idle-TTL eviction is a
// separate, explicit pass (SweepIdle) since LRU recency and idle-time are
// different axes — see SPEC_FULL §4.6.
type Cache struct {
	mu        sync.Mutex
	lru       *lru.Cache[Key, *Session]
	idleTTL   time.Duration
	telemetry *telemetry.RuntimeTelemetry
}

// New constructs a Cache with the given capacity and idle-TTL.
func New(maxEntries int, idleTTL time.Duration, tel *telemetry.RuntimeTelemetry) *Cache {
	c := &Cache{idleTTL: idleTTL, telemetry: tel}
	// onEvict only terminates the evicted transport. It fires on every
	// removal path the library shares (capacity eviction, Remove, Purge),
	// so counter accounting must not live here — see Put and Remove.
	onEvict := func(_ Key, s *Session) {
		if s != nil && s.Transport != nil {
			s.Transport.Terminate()
		}
	}
	l, _ := lru.NewWithEvict[Key, *Session](maxEntries, onEvict)
	c.lru = l
	return c
}

// Get returns the session for key, if one is cached, and marks it most
// recently used.
func (c *Cache) Get(key Key) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.lru.Get(key)
	return s, ok
}

// Put inserts or replaces the session for key, marking it most recently
// used. If inserting exceeds capacity, the least-recently-used session is
// evicted and its transport terminated by the eviction callback registered
// in New; evicted_by_limit_count is incremented here when Add reports that
// eviction.
func (c *Cache) Put(key Key, s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	evicted := c.lru.Add(key, s)
	if evicted && c.telemetry != nil {
		c.telemetry.IncEvictedByLimit()
	}
}

// Touch updates LastUsedAt on the cached session for key, if present.
func (c *Cache) Touch(key Key, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.lru.Peek(key); ok {
		s.LastUsedAt = now
	}
}

// Remove evicts key without counting it against either eviction counter —
// used when a session is discovered dead by a health probe rather than by
// capacity or idle time.
func (c *Cache) Remove(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(key)
}

// SweepIdle terminates and removes every session whose LastUsedAt is idleTTL
// or more before now, incrementing evicted_by_idle_ttl_count for
// each. Returns the number of sessions evicted.
func (c *Cache) SweepIdle(now time.Time) int {
	c.mu.Lock()
	var stale []Key
	for _, key := range c.lru.Keys() {
		s, ok := c.lru.Peek(key)
		if !ok {
			continue
		}
		if now.Sub(s.LastUsedAt) >= c.idleTTL {
			stale = append(stale, key)
		}
	}
	for _, key := range stale {
		if s, ok := c.lru.Peek(key); ok && s.Transport != nil {
			s.Transport.Terminate()
		}
		c.lru.Remove(key)
		if c.telemetry != nil {
			c.telemetry.IncEvictedByIdleTTL()
		}
	}
	c.mu.Unlock()
	return len(stale)
}

// Snapshot returns every cached session as a read-only view, sorted
// lexicographically by key.
func (c *Cache) Snapshot() []Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := c.lru.Keys()
	out := make([]Snapshot, 0, len(keys))
	for _, key := range keys {
		s, ok := c.lru.Peek(key)
		if !ok {
			continue
		}
		out = append(out, Snapshot{
			Key:                s.Key,
			PluginID:           s.PluginID,
			NegotiatedProtocol: s.NegotiatedProtocol,
			CreatedAt:          s.CreatedAt,
			LastUsedAt:         s.LastUsedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Len reports the current number of cached sessions.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
