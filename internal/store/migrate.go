package store

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/matheus3301/leadsync/internal/store/migrations"
)

// MigrateResult describes what happened during migration.
type MigrateResult struct {
	Version uint
	Dirty   bool
	Changed bool
}

// Schema selects one of the migration sets.
type Schema int

const (
	// CacheSchema is a session's chats, messages and contacts.
	CacheSchema Schema = iota
	// JournalSchema is the daemon's follow-up journal.
	JournalSchema
)

func (s Schema) String() string {
	if s == JournalSchema {
		return "journal"
	}
	return "cache"
}

func (s Schema) source() (fs.FS, string) {
	if s == JournalSchema {
		return migrations.Journal, "journal"
	}
	return migrations.Cache, "cache"
}

// Migrate runs all pending migrations of schema on the database.
func (db *DB) Migrate(schema Schema) (*MigrateResult, error) {
	fsys, dir := schema.source()
	source, err := iofs.New(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return nil, fmt.Errorf("migration instance: %w", err)
	}

	changed := true
	if err := m.Up(); err != nil {
		if !errors.Is(err, migrate.ErrNoChange) {
			return nil, fmt.Errorf("migration up: %w", err)
		}
		changed = false
	}

	version, dirty, _ := m.Version()
	return &MigrateResult{Version: version, Dirty: dirty, Changed: changed}, nil
}
