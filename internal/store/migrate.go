package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/HerbHall/carbonsight/pkg/plugin"
)

// AppliedMigration is one row of the migration ledger.
type AppliedMigration struct {
	Version     int
	Description string
	AppliedAt   time.Time
}

// Migrate applies the plugin's pending migrations, each in its own
// transaction. Versions already in the ledger are skipped, so a failure
// leaves earlier migrations committed. Versions must be strictly ascending.
func (s *SQLiteStore) Migrate(ctx context.Context, pluginName string, migrations []plugin.Migration) error {
	for i := 1; i < len(migrations); i++ {
		if migrations[i].Version <= migrations[i-1].Version {
			return fmt.Errorf("migrations for %s out of order: version %d follows %d",
				pluginName, migrations[i].Version, migrations[i-1].Version)
		}
	}
	if err := s.ensureLedger(ctx); err != nil {
		return err
	}

	s.migrateMu.Lock()
	defer s.migrateMu.Unlock()

	applied, err := s.appliedVersions(ctx, pluginName)
	if err != nil {
		return err
	}
	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}
		if err := s.apply(ctx, pluginName, m); err != nil {
			return fmt.Errorf("migration %s/%d (%s): %w", pluginName, m.Version, m.Description, err)
		}
	}
	return nil
}

// AppliedMigrations lists the plugin's applied migrations by version.
func (s *SQLiteStore) AppliedMigrations(ctx context.Context, pluginName string) ([]AppliedMigration, error) {
	if err := s.ensureLedger(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT version, description, applied_at FROM _migrations WHERE plugin_name = ? ORDER BY version`,
		pluginName,
	)
	if err != nil {
		return nil, fmt.Errorf("list migrations for %s: %w", pluginName, err)
	}
	defer rows.Close()

	var out []AppliedMigration
	for rows.Next() {
		var m AppliedMigration
		if err := rows.Scan(&m.Version, &m.Description, &m.AppliedAt); err != nil {
			return nil, fmt.Errorf("scan migration: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ensureLedger(ctx context.Context) error {
	s.trackOnce.Do(func() {
		_, s.trackErr = s.db.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS _migrations (
				plugin_name TEXT     NOT NULL,
				version     INTEGER  NOT NULL,
				description TEXT     NOT NULL,
				applied_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				PRIMARY KEY (plugin_name, version)
			)`)
		if s.trackErr != nil {
			s.trackErr = fmt.Errorf("create migration ledger: %w", s.trackErr)
		}
	})
	return s.trackErr
}

func (s *SQLiteStore) appliedVersions(ctx context.Context, pluginName string) (map[int]bool, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT version FROM _migrations WHERE plugin_name = ?", pluginName)
	if err != nil {
		return nil, fmt.Errorf("read migration ledger for %s: %w", pluginName, err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan migration version: %w", err)
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

func (s *SQLiteStore) apply(ctx context.Context, pluginName string, m plugin.Migration) error {
	return s.Tx(ctx, func(tx *sql.Tx) error {
		if err := m.Up(tx); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			"INSERT INTO _migrations (plugin_name, version, description) VALUES (?, ?, ?)",
			pluginName, m.Version, m.Description,
		)
		return err
	})
}
