package main

import (
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"voice-sync/internal/trust"
)

var identityRegenerate bool

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Show this device's id and certificate fingerprint",
	Long: `Show the device id and certificate fingerprint to register on other
devices. --regenerate replaces the key pair; every peer must then re-pin
it with 'voicesync peers trust'.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		device, err := cfg.ResolveDevice()
		if err != nil {
			return err
		}
		id, err := loadIdentity(device, identityRegenerate)
		if err != nil {
			return err
		}

		if identityRegenerate {
			pterm.Warning.Println("Generated a new key pair; peers must pin the new fingerprint")
		}
		certPath, _ := trust.IdentityPaths(cfg.Device.DataDir)
		fmt.Printf("device id:   %s\n", device.ID)
		fmt.Printf("device name: %s\n", device.Name)
		fmt.Printf("fingerprint: %s\n", id.Fingerprint)
		fmt.Printf("valid until: %s\n", id.Certificate.NotAfter.Local().Format(time.DateOnly))
		fmt.Printf("certificate: %s\n", certPath)
		return nil
	},
}

func init() {
	identityCmd.Flags().BoolVar(&identityRegenerate, "regenerate", false, "Replace the key pair and certificate")
	rootCmd.AddCommand(identityCmd)
}
