package store

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/vaultkeep/vaultkeep/internal/registry"
)

func TestUpsertRunsExpectedStatement(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	s := New(db)
	m := registry.Manifest{
		PluginID:             "p1",
		Name:                 "Exporter",
		Version:              "1.0.0",
		ActivationEvents:     []string{"on_startup_finished"},
		DeclaredCapabilities: []string{"fs.read"},
		Command:              "worker",
	}

	mock.ExpectExec("INSERT INTO stored_manifests").
		WithArgs(m.PluginID, m.Name, m.Version, "on_startup_finished", "fs.read", "worker", "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := s.Upsert(m, time.Now()); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestLoadAllParsesRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	rows := sqlmock.NewRows([]string{"plugin_id", "name", "version", "activation_events", "declared_capabilities", "command", "command_args"}).
		AddRow("p1", "Exporter", "1.0.0", "on_startup_finished", "fs.read,net", "worker", "--flag")

	mock.ExpectQuery("SELECT plugin_id, name, version").WillReturnRows(rows)

	s := New(db)
	manifests, err := s.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(manifests) != 1 {
		t.Fatalf("expected 1 manifest, got %d", len(manifests))
	}
	got := manifests[0]
	if got.PluginID != "p1" || len(got.DeclaredCapabilities) != 2 || got.DeclaredCapabilities[1] != "net" {
		t.Fatalf("unexpected manifest: %+v", got)
	}
}
