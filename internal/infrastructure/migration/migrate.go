// Package migration applies and authors the goal schema migrations with golang-migrate.
package migration

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
)

// MigrationsTable keeps the goal schema version apart from other services
// sharing the CRM database.
const MigrationsTable = "goal_schema_migrations"

// Source says where migration files are read from.
type Source struct {
	fsys fs.FS
	dir  string
}

// Embedded reads migrations compiled into the binary
func Embedded(fsys fs.FS) Source { return Source{fsys: fsys} }

// Directory reads migrations from a directory on disk
func Directory(path string) Source { return Source{dir: path} }

// Migrator runs goal schema migrations against PostgreSQL.
type Migrator struct {
	migrate *migrate.Migrate
	logger  *zap.Logger
}

// New creates a Migrator over src. db stays owned by the caller until Close.
func New(db *sql.DB, src Source, logger *zap.Logger) (*Migrator, error) {
	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: MigrationsTable})
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres driver: %w", err)
	}

	var m *migrate.Migrate
	if src.fsys != nil {
		var sourceDriver source.Driver
		if sourceDriver, err = iofs.New(src.fsys, "."); err != nil {
			return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", sourceDriver, "postgres", driver)
	} else {
		abs, absErr := filepath.Abs(src.dir)
		if absErr != nil {
			return nil, fmt.Errorf("failed to resolve migrations path: %w", absErr)
		}
		m, err = migrate.NewWithDatabaseInstance("file://"+abs, "postgres", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	return &Migrator{migrate: m, logger: logger.Named("migration")}, nil
}

// run executes one golang-migrate operation, treating ErrNoChange as success,
// and logs the resulting version.
func (m *Migrator) run(op string, fn func() error) error {
	m.logger.Info("Running goal schema migration", zap.String("op", op))

	if err := fn(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			m.logger.Info("Goal schema unchanged", zap.String("op", op))
			return nil
		}
		return fmt.Errorf("migration %s failed: %w", op, err)
	}

	version, dirty, err := m.Version()
	if err != nil {
		return err
	}
	m.logger.Info("Goal schema migrated",
		zap.String("op", op),
		zap.Uint("version", version),
		zap.Bool("dirty", dirty),
	)
	return nil
}

// Up applies every pending migration
func (m *Migrator) Up() error { return m.run("up", m.migrate.Up) }

// Down rolls back every migration
func (m *Migrator) Down() error { return m.run("down", m.migrate.Down) }

// Steps applies n migrations, rolling back when n is negative
func (m *Migrator) Steps(n int) error {
	return m.run(fmt.Sprintf("steps %d", n), func() error { return m.migrate.Steps(n) })
}

// GoTo migrates up or down to version
func (m *Migrator) GoTo(version uint) error {
	return m.run(fmt.Sprintf("goto %d", version), func() error { return m.migrate.Migrate(version) })
}

// Version returns the applied version; 0 when nothing has been applied
func (m *Migrator) Version() (uint, bool, error) {
	version, dirty, err := m.migrate.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get migration version: %w", err)
	}
	return version, dirty, nil
}

// Force records version as applied without running anything, clearing a dirty state
func (m *Migrator) Force(version int) error {
	m.logger.Warn("Forcing goal schema version", zap.Int("version", version))
	if err := m.migrate.Force(version); err != nil {
		return fmt.Errorf("failed to force version %d: %w", version, err)
	}
	return nil
}

// Close releases the source and database drivers
func (m *Migrator) Close() error {
	sourceErr, dbErr := m.migrate.Close()
	return errors.Join(sourceErr, dbErr)
}
