// Package store is the SQLite layer of two databases with separate
// schemas: each session's cache.db (chats, messages and contacts observed
// on the wire, removed with the session) and the daemon's leadsync.db
// journal of follow-up attempts.
package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps a SQLite database connection.
type DB struct {
	*sql.DB
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{db}, nil
}

// OpenCache opens a session's cache database and brings its schema up to date.
func OpenCache(path string) (*DB, error) {
	return openMigrated(path, CacheSchema)
}

// OpenJournal opens the follow-up journal and brings its schema up to date.
func OpenJournal(path string) (*DB, error) {
	return openMigrated(path, JournalSchema)
}

func openMigrated(path string, schema Schema) (*DB, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Migrate(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
