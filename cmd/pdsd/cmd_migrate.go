package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/meridian-pds/meridian/pkg/config"
	"github.com/meridian-pds/meridian/pkg/servicedb"
	"github.com/meridian-pds/meridian/pkg/servicedb/migrations"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Bring the service database schema up to date",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
				return err
			}
			db, err := servicedb.Open(filepath.Join(cfg.DataDir, "account.sqlite"))
			if err != nil {
				return err
			}
			defer db.Close()

			version, dirty, err := migrations.Status(db.DB)
			if err != nil {
				return err
			}
			if dirty {
				return fmt.Errorf("database is dirty at version %d", version)
			}
			fmt.Printf("schema at version %d\n", version)
			return nil
		},
	}
}
