package main

import (
	"fmt"

	"github.com/mwhitten/ingestd/internal/config"
	"github.com/mwhitten/ingestd/internal/db"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Manage the ingestd database",
	}
	cmd.AddCommand(newDBMigrateCmd())
	cmd.AddCommand(newDBResetCmd())
	return cmd
}

func newDBMigrateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update all tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			gdb, err := openDB(cfg)
			if err != nil {
				return err
			}
			if err := db.AutoMigrate(gdb); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Migration complete.")
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to config file")
	return cmd
}

func newDBResetCmd() *cobra.Command {
	var configPath string
	var force bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Drop and recreate all tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				return fmt.Errorf("db reset drops all operation and document rows; re-run with --force")
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			gdb, err := openDB(cfg)
			if err != nil {
				return err
			}
			if err := gdb.Migrator().DropTable(db.AllModels()...); err != nil {
				return fmt.Errorf("drop tables: %w", err)
			}
			if err := db.AutoMigrate(gdb); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Database reset.")
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to config file")
	cmd.Flags().BoolVar(&force, "force", false, "confirm the destructive reset")
	return cmd
}

// openDB opens the configured database backend.
func openDB(cfg *config.Config) (*gorm.DB, error) {
	if cfg.DB.Driver == "mysql" {
		return db.Connect(cfg.DB.Host, cfg.DB.Port, cfg.DB.User, cfg.DB.Password, cfg.DB.Database)
	}
	return db.ConnectSQLite(cfg.DB.Path)
}
