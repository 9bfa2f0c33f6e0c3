package db

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations
var migrations embed.FS

// newMigrate builds a migrate instance over the embedded files for driver.
// Migration files follow the golang-migrate convention:
//
//	000001_description.up.sql
//	000001_description.down.sql
func newMigrate(db *sql.DB, driver string) (*migrate.Migrate, error) {
	var (
		inst database.Driver
		dir  string
		err  error
	)
	switch driver {
	case DriverPostgres:
		dir = "migrations/postgres"
		inst, err = postgres.WithInstance(db, &postgres.Config{})
	case DriverSQLite:
		dir = "migrations/sqlite"
		inst, err = sqlite.WithInstance(db, &sqlite.Config{})
	default:
		return nil, fmt.Errorf("%w: %q", ErrDriver, driver)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s migration driver: %w", driver, err)
	}
	src, err := iofs.New(migrations, dir)
	if err != nil {
		return nil, fmt.Errorf("open embedded migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, driver, inst)
	if err != nil {
		return nil, fmt.Errorf("create migrate instance: %w", err)
	}
	return m, nil
}

// RunMigrations applies every pending migration. It is idempotent.
func RunMigrations(db *sql.DB, driver string) error {
	m, err := newMigrate(db, driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			slog.Info("database schema is up to date", slog.String("component", "db_migrate"))
			return nil
		}
		return fmt.Errorf("run migrations: %w", err)
	}
	version, dirty, err := m.Version()
	if err != nil {
		slog.Warn("could not determine migration version", slog.Any("error", err), slog.String("component", "db_migrate"))
		return nil
	}
	if dirty {
		return fmt.Errorf("database is dirty at version %d; manual intervention required", version)
	}
	slog.Info("migrations applied",
		slog.Uint64("version", uint64(version)),
		slog.String("driver", driver),
		slog.String("component", "db_migrate"))
	return nil
}

// MigrateDown rolls back the most recent migration. Development use only.
func MigrateDown(db *sql.DB, driver string) error {
	m, err := newMigrate(db, driver)
	if err != nil {
		return err
	}
	if err := m.Steps(-1); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return nil
		}
		return fmt.Errorf("roll back migration: %w", err)
	}
	return nil
}

// MigrationVersion returns the applied version; zero when none is applied.
func MigrationVersion(db *sql.DB, driver string) (version uint, dirty bool, err error) {
	m, err := newMigrate(db, driver)
	if err != nil {
		return 0, false, err
	}
	v, d, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("migration version: %w", err)
	}
	return v, d, nil
}
