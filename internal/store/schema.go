package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/mod/semver"
)

// ErrNewerSchema is returned when the database was last opened by a newer
// CarbonSight release than the running binary.
var ErrNewerSchema = errors.New("database was created by a newer version of CarbonSight")

// devVersion is the build version of unreleased binaries. It never blocks
// and is never blocked.
const devVersion = "dev"

// CheckVersion records the running release in the database and refuses to
// continue when the database belongs to a newer one.
func (s *SQLiteStore) CheckVersion(ctx context.Context, current string) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS _meta (
			key        TEXT     PRIMARY KEY,
			value      TEXT     NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`); err != nil {
		return fmt.Errorf("ensure meta table: %w", err)
	}

	var stored string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM _meta WHERE key = 'app_version'").Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return s.recordVersion(ctx, current)
	case err != nil:
		return fmt.Errorf("read schema version: %w", err)
	}

	if stored == devVersion || current == devVersion {
		return s.recordVersion(ctx, current)
	}
	switch semver.Compare(canonical(current), canonical(stored)) {
	case -1:
		return fmt.Errorf("%w: database=%s, binary=%s", ErrNewerSchema, stored, current)
	case 1:
		return s.recordVersion(ctx, current)
	}
	return nil
}

// StoredVersion returns the release recorded by CheckVersion, or "" if none.
func (s *SQLiteStore) StoredVersion(ctx context.Context) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM _meta WHERE key = 'app_version'").Scan(&v)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || isNoTable(err) {
			return "", nil
		}
		return "", fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

func (s *SQLiteStore) recordVersion(ctx context.Context, v string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO _meta (key, value) VALUES ('app_version', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`, v)
	if err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return nil
}

// canonical adds the "v" prefix semver expects.
func canonical(v string) string {
	if v != "" && v[0] != 'v' {
		return "v" + v
	}
	return v
}

func isNoTable(err error) bool {
	return strings.Contains(err.Error(), "no such table")
}
