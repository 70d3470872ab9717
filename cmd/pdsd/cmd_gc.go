package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/meridian-pds/meridian/pkg/pds"
)

func newGcCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Prune blocks unreachable from each repository HEAD",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, svc *pds.Service) error {
				dids, err := svc.Accounts.ListDids(ctx)
				if err != nil {
					return err
				}
				total := 0
				for _, did := range dids {
					removed, err := svc.Engine.GC(ctx, did)
					if err != nil {
						fmt.Printf("gc %s: %v\n", did, err)
						continue
					}
					total += removed
				}
				fmt.Printf("pruned %d blocks across %d repositories\n", total, len(dids))
				return nil
			})
		},
	}
}
