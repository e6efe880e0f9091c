package main

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/FROSTR-ORG/igloo-broker/internal/nostrid"
)

// newResetTransportKeyCmd rotates the broker's transport keypair. Every
// connected client's session becomes unreachable until it re-issues a
// connect URI against the new transport pubkey (spec §4.2 "dual identity").
func newResetTransportKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-transport-key",
		Short: "Rotate the broker's NIP-46 transport keypair",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, db, err := loadEverything()
			if err != nil {
				return err
			}
			defer db.Close()

			priv, err := nostrid.GeneratePrivateKey()
			if err != nil {
				return fmt.Errorf("generate transport key: %w", err)
			}
			pub, err := nostrid.PublicKey(priv)
			if err != nil {
				return err
			}
			if err := db.SaveTransportKey(defaultUserID, hex.EncodeToString(priv)); err != nil {
				return fmt.Errorf("persist transport key: %w", err)
			}

			fmt.Printf("new transport pubkey: %s\n", hex.EncodeToString(pub))
			return nil
		},
	}
}

// newOnboardStatusCmd reports whether the one-time admin onboarding flow
// has already been consumed (spec §4.8).
func newOnboardStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard-status",
		Short: "Report whether the first-admin onboarding flow has run",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, db, err := loadEverything()
			if err != nil {
				return err
			}
			defer db.Close()

			exists, err := db.AnyUserExists(cmd.Context())
			if err != nil {
				return fmt.Errorf("check onboarding state: %w", err)
			}
			if exists {
				fmt.Println("onboarding: complete")
			} else {
				fmt.Println("onboarding: pending")
			}
			return nil
		},
	}
}
