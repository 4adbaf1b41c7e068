package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/httpfs"
	"github.com/rs/zerolog/log"
)

// LatestMigrationVersion is the latest migration version of the database.
// This is used to implement downgrade protection for the daemon.
//
// NOTE: This MUST be updated when a new migration is added.
const LatestMigrationVersion uint = 1

// ErrMigrationDowngrade is returned when a database downgrade is detected.
var ErrMigrationDowngrade = errors.New("database downgrade detected")

// migrationLogger adapts the global zerolog logger to the migrate.Logger
// interface.
type migrationLogger struct{}

// Printf implements the migrate.Logger interface.
func (migrationLogger) Printf(format string, v ...any) {
	format = strings.TrimRight(format, "\n")
	log.Info().Msgf(format, v...)
}

// Verbose returns true when verbose logging is enabled.
func (migrationLogger) Verbose() bool {
	return true
}

// applyMigrations executes the embedded migration files against the given
// database, up to the latest known version. Downgrades are refused: a
// database stamped with a newer version than this binary knows about must
// not be migrated down implicitly.
func applyMigrations(db *sql.DB) error {
	driver, err := migratesqlite.WithInstance(
		db, &migratesqlite.Config{},
	)
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	// Create a new migration source using the embedded file system.
	src, err := httpfs.New(http.FS(sqlSchemas), "migrations")
	if err != nil {
		return fmt.Errorf("failed to open migration source: %w", err)
	}

	mig, err := migrate.NewWithInstance(
		"migrations", src, "sqlite3", driver,
	)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	mig.Log = migrationLogger{}

	version, dirty, err := mig.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("unable to determine current migration "+
			"version: %w", err)
	}

	// A dirty database means a previous migration did not complete and
	// needs manual intervention before further migrations run.
	if dirty {
		return fmt.Errorf("database is in a dirty state at version "+
			"%v, manual intervention required", version)
	}

	if version > LatestMigrationVersion {
		return fmt.Errorf("%w: db_version=%v, "+
			"latest_migration_version=%v", ErrMigrationDowngrade,
			version, LatestMigrationVersion)
	}

	if err := mig.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	return nil
}
