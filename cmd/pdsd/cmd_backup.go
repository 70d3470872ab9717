package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/meridian-pds/meridian/pkg/car"
	"github.com/meridian-pds/meridian/pkg/config"
	"github.com/meridian-pds/meridian/pkg/pds"
)

func newBackupCmd() *cobra.Command {
	var outDir string
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Write compressed CAR snapshots of every repository",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			log := logrus.New()
			ctx := context.Background()

			svc, err := pds.New(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer svc.Close()

			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return err
			}

			dids, err := svc.Accounts.ListDids(ctx)
			if err != nil {
				return err
			}
			for _, did := range dids {
				if err := backupOne(ctx, svc, did, outDir); err != nil {
					log.WithError(err).WithField("did", did).Warn("backup failed")
					continue
				}
				fmt.Printf("backed up %s\n", did)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&outDir, "out", "o", "./backups", "output directory")
	return cmd
}

func backupOne(ctx context.Context, svc *pds.Service, did, outDir string) error {
	head, rev, err := svc.Engine.Head(ctx, did)
	if err != nil {
		return err
	}
	store, err := svc.Engine.Store(did)
	if err != nil {
		return err
	}

	name := strings.NewReplacer(":", "_").Replace(did) + "-" + rev + ".car.zst"
	f, err := os.Create(filepath.Join(outDir, name))
	if err != nil {
		return err
	}
	if err := car.ExportCompressed(ctx, store, head, f); err != nil {
		f.Close()
		os.Remove(f.Name())
		return err
	}
	return f.Close()
}
