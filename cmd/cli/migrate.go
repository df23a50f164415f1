package cli

import (
	"errors"
	"fmt"

	"ledgerflow/internal/config"
	"ledgerflow/internal/services"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the record tables used by data actions",
	RunE:  migrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func migrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := config.InitLogger(cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	if !cfg.Database.Enabled {
		return errors.New("database.enabled is false; nothing to migrate")
	}

	db := openDatabase(cfg, log)
	if db == nil {
		return fmt.Errorf("connect to %s:%d failed", cfg.Database.Host, cfg.Database.Port)
	}

	log.Info("Starting database migration...")
	if err := services.NewGormRecordStore(db).AutoMigrate(); err != nil {
		return err
	}
	log.Info("Database migration completed")
	return nil
}
