package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/alecgard/agentdeck/internal/config"
	"github.com/alecgard/agentdeck/internal/deploy"
)

var skipValidation bool

var deployCmd = &cobra.Command{
	Use:   "deploy <agentId>",
	Short: "Deploy an agent from its stored definition",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeploy,
}

var undeployCmd = &cobra.Command{
	Use:   "undeploy <agentId>",
	Short: "Remove an agent's deployment",
	Args:  cobra.ExactArgs(1),
	RunE:  runUndeploy,
}

func init() {
	deployCmd.Flags().BoolVar(&skipValidation, "skip-validation", false, "deploy without validating the configuration")
	rootCmd.AddCommand(deployCmd, undeployCmd)
}

func persistentBackend(ctx context.Context) (*backend, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	b, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if !b.persistent() {
		b.Close()
		return nil, errors.New("this command requires database.url (or AGENTDECK_DATABASE_URL)")
	}
	return b, nil
}

func runDeploy(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	b, err := persistentBackend(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	validate := !skipValidation
	// Handles are process-local; the server resolves them on first execution.
	preResolve := false
	res, err := b.deployer.Deploy(ctx, orgFlag, args[0], deploy.Options{
		ValidateConfigurations: &validate,
		PreResolveDependencies: &preResolve,
	})
	if res != nil && len(res.Errors) > 0 {
		enc := json.NewEncoder(os.Stderr)
		enc.SetIndent("", "  ")
		_ = enc.Encode(res.Errors)
	}
	if err != nil {
		return err
	}

	fmt.Printf("deployed %s version %d with %d tools\n", args[0], res.Snapshot.Version, len(res.Snapshot.Tools))
	for _, w := range res.Warnings {
		fmt.Printf("warning: %s\n", w)
	}
	return nil
}

func runUndeploy(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	b, err := persistentBackend(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	cleared, err := b.deployer.Undeploy(ctx, orgFlag, args[0])
	if err != nil {
		return err
	}
	if !cleared {
		return fmt.Errorf("agent %s is not deployed", args[0])
	}
	fmt.Printf("undeployed %s\n", args[0])
	return nil
}
