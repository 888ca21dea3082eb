package persistence_test

import (
	"path/filepath"
	"testing"

	"github.com/basket/go-claw/internal/persistence"
)

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "coordinator.db")
	store, err := persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpen_CreatesSchemaOnFreshDatabase(t *testing.T) {
	store := openTestStore(t)
	if store.DB() == nil {
		t.Fatal("expected non-nil *sql.DB")
	}
	var count int
	if err := store.DB().QueryRow(`SELECT COUNT(1) FROM schema_migrations;`).Scan(&count); err != nil {
		t.Fatalf("query schema_migrations: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one migration row, got %d", count)
	}
}

func TestOpen_ReopeningExistingDatabaseSucceeds(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "coordinator.db")
	s1, err := persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer s2.Close()
}

func TestOpen_UsesDefaultPathWhenEmpty(t *testing.T) {
	// DefaultDBPath must not panic and must return a non-empty path under
	// the user's home directory convention.
	if got := persistence.DefaultDBPath(); got == "" {
		t.Fatal("expected non-empty default path")
	}
}
