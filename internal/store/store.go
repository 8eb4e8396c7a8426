// Package store persists plugin manifest registrations across host
// restarts in PostgreSQL. Only the manifest is persisted — lifecycle
// state, runtime metrics and telemetry all remain process-lifetime only,
// per the non-goal of persisting telemetry across restarts.
package store

import (
	"database/sql"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/vaultkeep/vaultkeep/internal/logging"
	"github.com/vaultkeep/vaultkeep/internal/registry"
	"github.com/vaultkeep/vaultkeep/internal/rterror"
)

const schema = `
CREATE TABLE IF NOT EXISTS stored_manifests (
	plugin_id             TEXT PRIMARY KEY,
	name                  TEXT NOT NULL,
	version               TEXT NOT NULL,
	activation_events     TEXT NOT NULL,
	declared_capabilities TEXT NOT NULL,
	command               TEXT NOT NULL,
	command_args          TEXT NOT NULL,
	registered_at         TIMESTAMPTZ NOT NULL
)`

// Store is a registry.ManifestStore backed by a *sql.DB, opened against a
// lib/pq connection string.
type Store struct {
	db *sql.DB
}

// Open connects to dsn and ensures the stored_manifests table exists.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, rterror.Wrap(rterror.InvalidConfig, err)
	}
	if err := db.Ping(); err != nil {
		return nil, rterror.Wrap(rterror.InvalidConfig, err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, rterror.Wrap(rterror.InvalidConfig, err)
	}
	return &Store{db: db}, nil
}

// New wraps an already-open *sql.DB (used by tests with go-sqlmock).
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Upsert persists m, replacing any existing row for the same plugin id.
// Satisfies registry.ManifestStore.
func (s *Store) Upsert(m registry.Manifest, registeredAt time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO stored_manifests
			(plugin_id, name, version, activation_events, declared_capabilities, command, command_args, registered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (plugin_id) DO UPDATE SET
			name = EXCLUDED.name,
			version = EXCLUDED.version,
			activation_events = EXCLUDED.activation_events,
			declared_capabilities = EXCLUDED.declared_capabilities,
			command = EXCLUDED.command,
			command_args = EXCLUDED.command_args,
			registered_at = EXCLUDED.registered_at`,
		m.PluginID, m.Name, m.Version,
		strings.Join(m.ActivationEvents, ","),
		strings.Join(m.DeclaredCapabilities, ","),
		m.Command, strings.Join(m.CommandArgs, ","),
		registeredAt,
	)
	if err != nil {
		logging.Store().Error().Err(err).Str("plugin_id", m.PluginID).Msg("manifest upsert failed")
		return rterror.Wrap(rterror.InvalidConfig, err)
	}
	return nil
}

// LoadAll returns every persisted manifest, for loading back into the
// registry as Registered records on host startup.
func (s *Store) LoadAll() ([]registry.Manifest, error) {
	rows, err := s.db.Query(`SELECT plugin_id, name, version, activation_events, declared_capabilities, command, command_args FROM stored_manifests`)
	if err != nil {
		return nil, rterror.Wrap(rterror.InvalidConfig, err)
	}
	defer rows.Close()

	var out []registry.Manifest
	for rows.Next() {
		var m registry.Manifest
		var events, caps, args string
		if err := rows.Scan(&m.PluginID, &m.Name, &m.Version, &events, &caps, &m.Command, &args); err != nil {
			return nil, rterror.Wrap(rterror.InvalidConfig, err)
		}
		m.ActivationEvents = splitNonEmpty(events)
		m.DeclaredCapabilities = splitNonEmpty(caps)
		m.CommandArgs = splitNonEmpty(args)
		out = append(out, m)
	}
	return out, rows.Err()
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
