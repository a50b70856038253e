package persistence

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func openSQLiteDB(t *testing.T, dsn string) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSQLiteStore_InMemory(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		s, err := NewSQLiteStore(openSQLiteDB(t, ":memory:"))
		if err != nil {
			t.Fatalf("NewSQLiteStore failed: %v", err)
		}
		return s
	})
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registrar.db")

	db := openSQLiteDB(t, path)
	s, err := NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	inst := newInstance("reopen")
	if err := s.SaveInstance(inst); err != nil {
		t.Fatalf("SaveInstance failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Schema creation is idempotent.
	s2, err := NewSQLiteStore(openSQLiteDB(t, path))
	if err != nil {
		t.Fatalf("NewSQLiteStore on reopen failed: %v", err)
	}
	got, err := s2.GetInstance(inst.ID)
	if err != nil {
		t.Fatalf("GetInstance after reopen failed: %v", err)
	}
	if got.Input != inst.Input {
		t.Fatalf("expected input %v, got %v", inst.Input, got.Input)
	}
}
