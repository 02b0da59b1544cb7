// Package store provides the shared SQLite database plugins persist to.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/HerbHall/carbonsight/pkg/plugin"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// Compile-time interface guard.
var _ plugin.Store = (*SQLiteStore)(nil)

// Options tunes the connection. The zero value is not useful; start from
// DefaultOptions.
type Options struct {
	BusyTimeout  time.Duration // How long a writer waits on a locked database
	CacheSizeKiB int           // Page cache size per connection
	MaxOpenConns int           // 1 serializes writes; WAL keeps readers unblocked
}

// DefaultOptions returns the settings New uses.
func DefaultOptions() Options {
	return Options{
		BusyTimeout:  5 * time.Second,
		CacheSizeKiB: 20000,
		MaxOpenConns: 1,
	}
}

// SQLiteStore implements plugin.Store backed by SQLite via modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB

	migrateMu sync.Mutex
	trackOnce sync.Once
	trackErr  error
}

// New opens (or creates) the database at path with DefaultOptions.
// Use ":memory:" for a throwaway database.
func New(path string) (*SQLiteStore, error) {
	return Open(path, DefaultOptions())
}

// Open opens (or creates) the database at path and applies pragmas for WAL
// journaling, foreign keys and the busy timeout.
func Open(path string, opts Options) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	if opts.MaxOpenConns > 0 {
		// Each connection to ":memory:" is a separate database, so tests rely on this being 1.
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite %q: %w", path, err)
	}

	// modernc.org/sqlite takes pragmas as statements rather than DSN parameters.
	for _, p := range pragmas(opts) {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q: %w", p, err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func pragmas(opts Options) []string {
	return []string{
		"PRAGMA journal_mode=WAL",
		fmt.Sprintf("PRAGMA busy_timeout=%d", opts.BusyTimeout.Milliseconds()),
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		fmt.Sprintf("PRAGMA cache_size=-%d", opts.CacheSizeKiB),
	}
}

// DB returns the underlying *sql.DB for direct queries.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Ping reports whether the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Tx runs fn in a transaction, committing when it returns nil. A panic in fn
// rolls back before propagating.
func (s *SQLiteStore) Tx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original: %w)", rbErr, err)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
