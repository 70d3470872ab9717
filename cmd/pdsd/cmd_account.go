package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/meridian-pds/meridian/pkg/account"
	"github.com/meridian-pds/meridian/pkg/config"
	"github.com/meridian-pds/meridian/pkg/pds"
)

func newAccountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Account administration",
	}
	cmd.AddCommand(newAccountCreateCmd())
	cmd.AddCommand(newAccountStatusCmd("takedown", account.StatusTakendown, "Take down an account"))
	cmd.AddCommand(newAccountStatusCmd("reactivate", account.StatusActive, "Reactivate an account"))
	cmd.AddCommand(newAccountDeleteCmd())
	cmd.AddCommand(newAccountInviteCmd())
	return cmd
}

func withService(fn func(ctx context.Context, svc *pds.Service) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)
	ctx := context.Background()
	svc, err := pds.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer svc.Close()
	return fn(ctx, svc)
}

func newAccountCreateCmd() *cobra.Command {
	var email, invite string
	cmd := &cobra.Command{
		Use:   "create <handle> <password>",
		Short: "Create an account with its genesis commit",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, svc *pds.Service) error {
				acct, err := svc.Accounts.CreateAccount(ctx, args[0], email, args[1], invite)
				if err != nil {
					return err
				}
				if _, err := svc.Engine.InitRepo(ctx, acct.Did); err != nil {
					return err
				}
				fmt.Printf("created %s (%s)\n", acct.Handle, acct.Did)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&invite, "invite", "", "invite code")
	return cmd
}

func newAccountStatusCmd(use string, status account.Status, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <did>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, svc *pds.Service) error {
				if err := svc.Accounts.SetStatus(ctx, args[0], status); err != nil {
					return err
				}
				fmt.Printf("%s -> %s\n", args[0], status)
				return nil
			})
		},
	}
}

func newAccountDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <did>",
		Short: "Permanently delete an account and its repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, svc *pds.Service) error {
				if err := svc.DeleteAccount(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("deleted %s\n", args[0])
				return nil
			})
		},
	}
}

func newAccountInviteCmd() *cobra.Command {
	var uses int
	cmd := &cobra.Command{
		Use:   "invite",
		Short: "Mint an invite code",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, svc *pds.Service) error {
				code, err := svc.Accounts.CreateInvite(ctx, "", uses)
				if err != nil {
					return err
				}
				fmt.Println(code)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&uses, "uses", 1, "number of uses")
	return cmd
}
