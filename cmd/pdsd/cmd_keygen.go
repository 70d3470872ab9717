package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/meridian-pds/meridian/pkg/keys"
)

func newKeygenCmd() *cobra.Command {
	var keyType string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a repository signing key",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch keyType {
			case "secp256k1":
				signer, hexKey, err := keys.GenerateSecp256k1()
				if err != nil {
					return err
				}
				fmt.Printf("REPO_SIGNING_KEY_HEX=%s\n", hexKey)
				fmt.Printf("public: %s\n", signer.DidKey())
			case "p256":
				signer, hexKey, err := keys.GenerateP256()
				if err != nil {
					return err
				}
				fmt.Printf("REPO_SIGNING_KEY_HEX=%s\n", hexKey)
				fmt.Printf("public: %s\n", signer.DidKey())
			default:
				return fmt.Errorf("unknown key type %q", keyType)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&keyType, "type", "secp256k1", "key type: secp256k1 or p256")
	return cmd
}
