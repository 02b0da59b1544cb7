package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/HerbHall/carbonsight/pkg/plugin"
)

func tempDB(t *testing.T) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := New(path)
	if err != nil {
		t.Fatalf("New(%q): %v", path, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func createTable(tb testing.TB, name string) plugin.Migration {
	tb.Helper()
	return plugin.Migration{
		Description: "create " + name,
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec("CREATE TABLE " + name + " (id INTEGER PRIMARY KEY, label TEXT)")
			return err
		},
	}
}

func countRows(t *testing.T, s *SQLiteStore, query string, args ...any) int {
	t.Helper()
	var n int
	if err := s.DB().QueryRowContext(context.Background(), query, args...).Scan(&n); err != nil {
		t.Fatalf("%s: %v", query, err)
	}
	return n
}

func TestNew_CreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "new.db")
	s, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestNew_InvalidPath(t *testing.T) {
	if _, err := New("/nonexistent/path/to/db"); err == nil {
		t.Error("expected error for invalid path, got nil")
	}
}

func TestOpen_Pragmas(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()

	tests := []struct {
		pragma string
		want   string
	}{
		{"journal_mode", "wal"},
		{"foreign_keys", "1"},
		{"busy_timeout", "5000"},
		{"cache_size", "-20000"},
	}
	for _, tt := range tests {
		t.Run(tt.pragma, func(t *testing.T) {
			var got string
			if err := s.DB().QueryRowContext(ctx, "PRAGMA "+tt.pragma).Scan(&got); err != nil {
				t.Fatalf("PRAGMA %s: %v", tt.pragma, err)
			}
			if got != tt.want {
				t.Errorf("%s = %q, want %q", tt.pragma, got, tt.want)
			}
		})
	}
}

func TestTx(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()
	if _, err := s.DB().ExecContext(ctx, "CREATE TABLE readings (id INTEGER PRIMARY KEY, value REAL)"); err != nil {
		t.Fatalf("create table: %v", err)
	}

	err := s.Tx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "INSERT INTO readings (id, value) VALUES (1, 4.2)")
		return err
	})
	if err != nil {
		t.Fatalf("Tx commit: %v", err)
	}

	errBoom := errors.New("boom")
	err = s.Tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "INSERT INTO readings (id, value) VALUES (2, 1.0)"); err != nil {
			return err
		}
		return errBoom
	})
	if !errors.Is(err, errBoom) {
		t.Fatalf("Tx error = %v, want errBoom", err)
	}

	func() {
		defer func() {
			if recover() == nil {
				t.Error("expected panic to propagate")
			}
		}()
		_ = s.Tx(ctx, func(tx *sql.Tx) error {
			_, _ = tx.ExecContext(ctx, "INSERT INTO readings (id, value) VALUES (3, 1.0)")
			panic("inside tx")
		})
	}()

	if got := countRows(t, s, "SELECT COUNT(*) FROM readings"); got != 1 {
		t.Errorf("rows = %d, want only the committed one", got)
	}
}

func TestMigrate_AppliesOnce(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()

	calls := 0
	m1 := createTable(t, "analytics_usage")
	m1.Version = 1
	up := m1.Up
	m1.Up = func(tx *sql.Tx) error { calls++; return up(tx) }
	m2 := plugin.Migration{Version: 2, Description: "add unit", Up: func(tx *sql.Tx) error {
		_, err := tx.Exec("ALTER TABLE analytics_usage ADD COLUMN unit TEXT")
		return err
	}}

	for range 2 {
		if err := s.Migrate(ctx, "analytics", []plugin.Migration{m1, m2}); err != nil {
			t.Fatalf("Migrate: %v", err)
		}
	}
	if calls != 1 {
		t.Errorf("migration 1 ran %d times, want 1", calls)
	}
	if _, err := s.DB().ExecContext(ctx, "INSERT INTO analytics_usage (id, label, unit) VALUES (1, 'a', 'kg')"); err != nil {
		t.Fatalf("insert after migration: %v", err)
	}

	applied, err := s.AppliedMigrations(ctx, "analytics")
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(applied) != 2 || applied[0].Version != 1 || applied[1].Version != 2 {
		t.Fatalf("applied = %+v, want versions 1 and 2", applied)
	}
	if applied[1].Description != "add unit" {
		t.Errorf("description = %q", applied[1].Description)
	}
	if applied[0].AppliedAt.IsZero() {
		t.Error("applied_at not recorded")
	}
}

func TestMigrate_PluginsIsolated(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()

	a, b := createTable(t, "analytics_data"), createTable(t, "billing_data")
	a.Version, b.Version = 1, 1
	if err := s.Migrate(ctx, "analytics", []plugin.Migration{a}); err != nil {
		t.Fatalf("analytics Migrate: %v", err)
	}
	if err := s.Migrate(ctx, "billing", []plugin.Migration{b}); err != nil {
		t.Fatalf("billing Migrate: %v", err)
	}
	for _, table := range []string{"analytics_data", "billing_data"} {
		if got := countRows(t, s, "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table); got != 1 {
			t.Errorf("table %s not created", table)
		}
	}
}

func TestMigrate_FailureKeepsEarlierVersions(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()

	ok := createTable(t, "partial_test")
	ok.Version = 1
	bad := plugin.Migration{Version: 2, Description: "bad", Up: func(tx *sql.Tx) error {
		_, err := tx.Exec("INVALID SQL")
		return err
	}}

	err := s.Migrate(ctx, "partial", []plugin.Migration{ok, bad})
	if err == nil {
		t.Fatal("expected error from bad migration")
	}
	if !strings.Contains(err.Error(), "partial/2") {
		t.Errorf("error %q does not name the failing migration", err)
	}
	if got := countRows(t, s, "SELECT COUNT(*) FROM _migrations WHERE plugin_name = 'partial'"); got != 1 {
		t.Errorf("ledger rows = %d, want 1", got)
	}
}

func TestMigrate_RejectsOutOfOrder(t *testing.T) {
	s := tempDB(t)
	a, b := createTable(t, "one"), createTable(t, "two")
	a.Version, b.Version = 2, 1

	if err := s.Migrate(context.Background(), "analytics", []plugin.Migration{a, b}); err == nil {
		t.Fatal("expected error for descending versions")
	}
	applied, err := s.AppliedMigrations(context.Background(), "analytics")
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(applied) != 0 {
		t.Errorf("applied %d migrations, want none", len(applied))
	}
}

func TestClose(t *testing.T) {
	s, err := New(filepath.Join(t.TempDir(), "close.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Ping(context.Background()); err == nil {
		t.Error("expected error after Close, got nil")
	}
}

func TestCheckVersion(t *testing.T) {
	tests := []struct {
		name    string
		steps   []string
		wantErr error
		stored  string
	}{
		{name: "first run", steps: []string{"0.4.0"}, stored: "0.4.0"},
		{name: "same version", steps: []string{"0.4.0", "0.4.0"}, stored: "0.4.0"},
		{name: "upgrade", steps: []string{"0.4.0", "0.5.0"}, stored: "0.5.0"},
		{name: "patch upgrade", steps: []string{"0.4.0", "v0.4.1"}, stored: "v0.4.1"},
		{name: "downgrade rejected", steps: []string{"0.5.0", "0.4.0"}, wantErr: ErrNewerSchema, stored: "0.5.0"},
		{name: "dev always passes", steps: []string{"dev", "0.5.0", "dev"}, stored: "dev"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := tempDB(t)
			ctx := context.Background()

			var err error
			for _, v := range tt.steps {
				if err = s.CheckVersion(ctx, v); err != nil {
					break
				}
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("CheckVersion error = %v, want %v", err, tt.wantErr)
			}
			got, err := s.StoredVersion(ctx)
			if err != nil {
				t.Fatalf("StoredVersion: %v", err)
			}
			if got != tt.stored {
				t.Errorf("stored = %q, want %q", got, tt.stored)
			}
		})
	}
}

func TestStoredVersion_Fresh(t *testing.T) {
	s := tempDB(t)
	got, err := s.StoredVersion(context.Background())
	if err != nil {
		t.Fatalf("StoredVersion: %v", err)
	}
	if got != "" {
		t.Errorf("stored = %q, want empty", got)
	}
}

func TestSnapshot(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()
	m := createTable(t, "usage")
	m.Version = 1
	if err := s.Migrate(ctx, "analytics", []plugin.Migration{m}); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if _, err := s.DB().ExecContext(ctx, "INSERT INTO usage (id) VALUES (1), (2)"); err != nil {
		t.Fatalf("insert: %v", err)
	}

	dest := filepath.Join(t.TempDir(), "snap.db")
	if err := s.Snapshot(ctx, dest); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if err := s.Snapshot(ctx, dest); err == nil {
		t.Error("expected error snapshotting over an existing file")
	}

	snap, err := New(dest)
	if err != nil {
		t.Fatalf("open snapshot: %v", err)
	}
	defer snap.Close()
	if err := snap.IntegrityCheck(ctx); err != nil {
		t.Errorf("IntegrityCheck: %v", err)
	}
	if n := countRows(t, snap, "SELECT COUNT(*) FROM usage"); n != 2 {
		t.Errorf("snapshot rows = %d, want 2", n)
	}
}
