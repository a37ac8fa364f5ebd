package database

import (
	"os"
	"path/filepath"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// MigrationConfig picks the schema version the migrator brings the database to
type MigrationConfig struct {
	// Dir holds the numbered .up.sql/.down.sql files, absolute or relative to the working directory
	Dir string
	// Version is the target version; 0 means the latest file in Dir
	Version uint
	// Force pins this version before migrating, clearing a dirty flag left by a crash
	Force int
	// AutoRollback pins the last clean version when a migration fails half-applied
	AutoRollback bool
}

// Migrator applies the schema migrations under db/migrations
type Migrator struct {
	config MigrationConfig
	logger ectologger.Logger
}

func NewMigrator(config MigrationConfig, logger ectologger.Logger) *Migrator {
	return &Migrator{config: config, logger: logger}
}

// migrateLog routes golang-migrate's own output to debug
type migrateLog struct {
	logger ectologger.Logger
}

func (l migrateLog) Printf(format string, v ...any) { l.logger.Debugf(format, v...) }

func (l migrateLog) Verbose() bool { return false }

// Up brings the postgres schema to the configured version
func (m *Migrator) Up(db *sqlx.DB, databaseName string) error {
	dir, err := filepath.Abs(m.config.Dir)
	if err != nil {
		return errors.Wrapf(err, "resolve migration dir %s", m.config.Dir)
	}
	if _, err := os.Stat(dir); err != nil {
		return errors.Wrapf(err, "migration dir %s", dir)
	}

	driver, err := postgres.WithInstance(db.DB, &postgres.Config{DatabaseName: databaseName})
	if err != nil {
		return errors.Wrap(err, "create postgres migration driver")
	}
	mg, err := migrate.NewWithDatabaseInstance("file://"+dir, databaseName, driver)
	if err != nil {
		return errors.Wrap(err, "open migrations")
	}
	mg.Log = migrateLog{logger: m.logger}

	if m.config.Force != 0 {
		m.logger.Warnf("Forcing schema version %d", m.config.Force)
		if err := mg.Force(m.config.Force); err != nil {
			return errors.Wrapf(err, "force schema version %d", m.config.Force)
		}
	}

	before, dirty, err := mg.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		before = 0
	case err != nil:
		return errors.Wrap(err, "read schema version")
	case dirty:
		return errors.Errorf("schema is dirty at version %d, set DB_MIGRATION_FORCE to the last good version", before)
	}

	start := time.Now()
	if m.config.Version != 0 {
		err = mg.Migrate(m.config.Version)
	} else {
		err = mg.Up()
	}

	logger := m.logger.WithFields(map[string]any{
		"from_version": before,
		"elapsed":      time.Since(start).String(),
	})
	switch {
	case err == nil:
		after, _, _ := mg.Version()
		logger.WithField("to_version", after).Info("Schema migrated")
		return nil
	case errors.Is(err, migrate.ErrNoChange):
		logger.Info("Schema already current")
		return nil
	default:
		return m.recoverFailed(mg, before, err)
	}
}

// recoverFailed handles a migration that stopped partway. The error is always returned
// so the process does not start against a schema it does not expect.
func (m *Migrator) recoverFailed(mg *migrate.Migrate, before uint, cause error) error {
	failed, dirty, err := mg.Version()
	logger := m.logger.WithError(cause).WithFields(map[string]any{
		"from_version":   before,
		"failed_version": failed,
		"dirty":          dirty,
	})
	if err != nil || !dirty || !m.config.AutoRollback {
		logger.Error("Schema migration failed")
		return errors.Wrap(cause, "migrate schema")
	}

	pin := int(before)
	if before == 0 {
		pin = migratedb.NilVersion
	}
	if err := mg.Force(pin); err != nil {
		logger.WithField("force_error", err.Error()).Error("Schema migration failed and the version could not be reset")
		return errors.Wrap(cause, "migrate schema")
	}
	logger.Warn("Schema migration failed, version reset to the last clean one")
	return errors.Wrapf(cause, "migration %d failed, schema version reset to %d", failed, before)
}
