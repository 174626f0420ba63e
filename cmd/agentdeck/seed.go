package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/alecgard/agentdeck/internal/auth"
	"github.com/alecgard/agentdeck/internal/config"
	"github.com/alecgard/agentdeck/internal/registry"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed demo tools and a demo agent",
	RunE:  runSeed,
}

var orgFlag string

func init() {
	rootCmd.PersistentFlags().StringVar(&orgFlag, "org", auth.DefaultOrganization, "organization id")
	rootCmd.AddCommand(seedCmd)
}

func stringSchema(required []string, props ...string) map[string]any {
	p := make(map[string]any, len(props))
	for _, name := range props {
		p[name] = map[string]any{"type": "string"}
	}
	req := make([]any, len(required))
	for i, r := range required {
		req[i] = r
	}
	return map[string]any{"type": "object", "properties": p, "required": req}
}

var demoTools = []registry.CreateToolInput{
	{
		ID:          "open-meteo-forecast",
		Name:        "weather",
		Description: "Current weather for a latitude/longitude from Open-Meteo.",
		Endpoint:    "https://api.open-meteo.com/v1/forecast",
		Method:      "GET",
		InputSchema: stringSchema([]string{"latitude", "longitude"}, "latitude", "longitude", "current"),
		Cache:       registry.CachePolicy{Enabled: true, TTL: 300},
		Validation:  registry.ValidationPolicy{Enabled: true},
		Retries:     2,
	},
	{
		ID:          "rest-countries",
		Name:        "country",
		Description: "Country data by name: population, currencies, languages and timezones.",
		Endpoint:    "https://restcountries.com/v3.1/name/{name}",
		Method:      "GET",
		InputSchema: stringSchema([]string{"name"}, "name"),
		Cache:       registry.CachePolicy{Enabled: true, TTL: 3600},
		Validation:  registry.ValidationPolicy{Enabled: true},
	},
	{
		ID:          "frankfurter-rates",
		Name:        "exchange_rates",
		Description: "Latest foreign exchange rates published by the European Central Bank.",
		Endpoint:    "https://api.frankfurter.app/latest",
		Method:      "GET",
		InputSchema: stringSchema(nil, "from", "to"),
		Cache:       registry.CachePolicy{Enabled: true, TTL: 600},
	},
	{
		ID:          "httpbin-post",
		Name:        "echo_form",
		Description: "Posts form fields to httpbin and returns what it received.",
		Endpoint:    "https://httpbin.org/post",
		Method:      "POST",
		BodyFormat:  registry.BodyForm,
		InputSchema: stringSchema(nil, "message"),
		Auth: &registry.AuthDescriptor{
			Type:   registry.AuthAPIKey,
			APIKey: &registry.APIKeyAuth{Name: "X-Demo-Key", Value: "demo"},
		},
		RateLimit: 30,
	},
}

var demoAgent = registry.CreateAgentInput{
	ID:           "demo-agent",
	Name:         "Travel assistant",
	Description:  "Answers questions about weather, countries and exchange rates.",
	Instructions: "You help travellers. Use the tools to look up weather, country facts and exchange rates before answering.",
	Model:        "echo/demo",
	Tools:        []string{"open-meteo-forecast", "rest-countries", "frankfurter-rates"},
}

func runSeed(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	ctx := context.Background()
	b, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()
	if !b.persistent() {
		return errors.New("seed requires database.url (or AGENTDECK_DATABASE_URL)")
	}

	// Check if seed has already run.
	if _, err := b.service.GetAgent(ctx, orgFlag, demoAgent.ID); err == nil {
		slog.Info("demo data already exists, skipping seed")
		return nil
	} else if !errors.Is(err, registry.ErrNotFound) {
		return fmt.Errorf("checking existing agent: %w", err)
	}

	for _, input := range demoTools {
		t, err := b.service.CreateTool(ctx, orgFlag, input)
		if errors.Is(err, registry.ErrAlreadyExists) {
			continue
		}
		if err != nil {
			return fmt.Errorf("creating tool %q: %w", input.Name, err)
		}
		slog.Info("created tool", "name", t.Name, "id", t.ID)
	}

	ag, err := b.service.CreateAgent(ctx, orgFlag, demoAgent)
	if err != nil {
		return fmt.Errorf("creating demo agent: %w", err)
	}
	slog.Info("created demo agent", "id", ag.ID, "name", ag.Name)

	fmt.Printf("\n=== Demo Data Seeded ===\n")
	fmt.Printf("Tools:  %d registered\n", len(demoTools))
	fmt.Printf("Agent:  %s (%s)\n", ag.Name, ag.ID)
	fmt.Printf("\nTry it:\n")
	fmt.Printf("  agentdeck deploy %s\n", ag.ID)
	fmt.Printf("  curl -X POST -H '%s: me' -d '{\"message\":\"hello\"}' http://localhost:%d/execute/agents/%s\n",
		auth.HeaderCaller, cfg.Server.Port, ag.ID)

	return nil
}
