package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/meridian-pds/meridian/pkg/config"
	"github.com/meridian-pds/meridian/pkg/pds"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			log := logrus.New()
			log.SetFormatter(&logrus.JSONFormatter{})

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			svc, err := pds.New(ctx, cfg, log)
			if err != nil {
				return err
			}
			return svc.Run(ctx)
		},
	}
}
