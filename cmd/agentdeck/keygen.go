package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alecgard/agentdeck/internal/auth"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an admin key and the hashed form for the config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		plaintext, hash, err := auth.GenerateAPIKey()
		if err != nil {
			return err
		}
		fmt.Printf("Admin key:   %s\n", plaintext)
		fmt.Printf("Config:      auth.admin_key: \"sha256:%s\"\n", hash)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
}
