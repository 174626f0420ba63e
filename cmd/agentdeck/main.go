package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "agentdeck",
	Short: "Agentdeck — agent deployment and execution server",
	Long:  "Agentdeck stores agent and tool definitions, deploys agents as self-contained snapshots, and executes them against third-party HTTP tools with per-tool auth, caching, retry and rate limiting.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: built-in defaults and AGENTDECK_* env)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
