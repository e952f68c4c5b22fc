package db

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			t.Fatalf("failed to write test file %s: %v", name, err)
		}
	}
}

func TestLoadMigrations(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"002_records.sql":     "CREATE TABLE records (id UUID PRIMARY KEY);",
		"001_connections.sql": "CREATE TABLE connections (id UUID PRIMARY KEY);",
		"010_pending.sql":     "CREATE TABLE pending_changes (id UUID PRIMARY KEY);",
		"README.md":           "not a migration",
		"notes.sql":           "-- no version prefix",
		"abc_bad.sql":         "-- non-numeric prefix",
	})

	m, err := NewMigrator(nil, dir, "")
	if err != nil {
		t.Fatalf("NewMigrator() error: %v", err)
	}
	migrations, err := m.LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(migrations))
	}
	want := []int{1, 2, 10}
	for i, v := range want {
		if migrations[i].Version != v {
			t.Errorf("migration %d: expected version %d, got %d", i, v, migrations[i].Version)
		}
	}
	if migrations[0].SQL != "CREATE TABLE connections (id UUID PRIMARY KEY);" {
		t.Errorf("unexpected SQL content: %s", migrations[0].SQL)
	}
}

func TestLoadMigrations_DuplicateVersion(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"001_a.sql":  "SELECT 1;",
		"0001_b.sql": "SELECT 2;",
	})
	m, _ := NewMigrator(nil, dir, "")
	if _, err := m.LoadMigrations(); err == nil {
		t.Fatal("expected error for duplicate versions")
	}
}

func TestLoadMigrations_NonExistentDir(t *testing.T) {
	m, _ := NewMigrator(nil, filepath.Join(t.TempDir(), "missing"), "")
	if _, err := m.LoadMigrations(); err == nil {
		t.Fatal("expected error for missing directory")
	}
}

func TestNewMigrator_SchemaValidation(t *testing.T) {
	if _, err := NewMigrator(nil, "migrations", "fhirsync"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if _, err := NewMigrator(nil, "migrations", "public; DROP TABLE x"); err == nil {
		t.Error("expected error for unsafe schema name")
	}
}

func TestMergeStatus(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	statuses := mergeStatus(
		[]Migration{{Version: 1, Name: "001_a.sql"}, {Version: 2, Name: "002_b.sql"}},
		map[int]time.Time{1: at},
	)
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if !statuses[0].Applied || !statuses[0].AppliedAt.Equal(at) {
		t.Errorf("expected first migration applied at %v, got %+v", at, statuses[0])
	}
	if statuses[1].Applied || statuses[1].AppliedAt != nil {
		t.Errorf("expected second migration pending, got %+v", statuses[1])
	}
}
