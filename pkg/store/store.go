// Package store provides SQLite-backed persistence for conversations,
// messages, escalation records, knowledge entries, and the durable job
// queue tables.
package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver

	"zapflow/pkg/logx"
)

// Store owns one database connection. It is constructed explicitly and
// injected into every component that persists data.
type Store struct {
	db     *sql.DB
	logger *logx.Logger
}

// Open opens (creating if needed) the SQLite database at path with WAL mode
// and foreign keys enabled, and ensures the schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)",
		path,
	))
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database %s: %w", path, err)
	}

	if err := initializeSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	// SQLite supports a single writer; serializing through one connection
	// avoids SQLITE_BUSY churn under the worker pool.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, logger: logx.NewLogger("store")}
	s.logger.Info("Database ready: %s", path)
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// DB exposes the underlying connection for the queue package, which shares
// the same database file.
func (s *Store) DB() *sql.DB {
	return s.db
}
