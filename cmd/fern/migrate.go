package main

import (
	"github.com/spf13/cobra"

	"github.com/Ramsey-B/fern/pkg/database"
)

var migrateVersion int

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE:  runMigrate,
}

func init() {
	migrateCmd.Flags().IntVar(&migrateVersion, "version", -1, "target version (default DB_MIGRATION_VERSION, 0 for latest)")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, logger, flush, err := bootstrap()
	if err != nil {
		return err
	}
	defer flush()

	ctx, cancel := signalContext()
	defer cancel()

	version := cfg.DatabaseMigrationVersion
	if migrateVersion >= 0 {
		version = migrateVersion
	}

	db, err := database.Connect(ctx, database.Config{
		Driver:     cfg.DatabaseDriver,
		Host:       cfg.DatabaseHost,
		Port:       cfg.DatabasePort,
		User:       cfg.DatabaseUserName,
		Password:   cfg.DatabasePassword,
		Name:       cfg.DatabaseName,
		SSLMode:    cfg.DatabaseSSLMode,
		RetryCount: cfg.DatabaseReconnectRetryCount,
	}, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	migrator := database.NewMigrator(database.MigrationConfig{
		Dir:          cfg.DatabaseMigrationFolderPath,
		Version:      uint(version),
		Force:        cfg.DatabaseMigrationForce,
		AutoRollback: cfg.DatabaseMigrationAutoRollback,
	}, logger)
	return migrator.Up(db, cfg.DatabaseName)
}
