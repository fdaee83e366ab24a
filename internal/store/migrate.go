package store

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/matheus3301/huddle/internal/store/migrations"
)

// ErrDirtySchema is returned when a previous migration stopped halfway. The
// cache is disposable; deleting huddle.db recovers it.
var ErrDirtySchema = errors.New("cache schema is dirty")

// MigrateResult describes what a Migrate call did.
type MigrateResult struct {
	From    uint
	Version uint
	Changed bool
}

// Migrate brings the cache schema up to date.
func (db *DB) Migrate() (*MigrateResult, error) {
	m, err := db.migrator()
	if err != nil {
		return nil, err
	}

	from, err := schemaVersion(m)
	if err != nil {
		return nil, err
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return nil, fmt.Errorf("migrate cache from v%d: %w", from, err)
	}

	to, err := schemaVersion(m)
	if err != nil {
		return nil, err
	}
	return &MigrateResult{From: from, Version: to, Changed: to != from}, nil
}

func (db *DB) migrator() (*migrate.Migrate, error) {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("cache migrations: %w", err)
	}
	driver, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("cache migration driver: %w", err)
	}
	return migrate.NewWithInstance("iofs", source, "sqlite3", driver)
}

// schemaVersion returns 0 for a fresh cache.
func schemaVersion(m *migrate.Migrate) (uint, error) {
	v, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		return 0, nil
	case err != nil:
		return 0, fmt.Errorf("cache schema version: %w", err)
	case dirty:
		return v, fmt.Errorf("%w at v%d", ErrDirtySchema, v)
	}
	return v, nil
}
