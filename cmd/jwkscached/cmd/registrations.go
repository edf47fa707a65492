package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hack-ink/jwks-cache/internal/config"
	"github.com/hack-ink/jwks-cache/internal/jwkscache"
)

var registrationsCmd = &cobra.Command{
	Use:   "registrations",
	Short: "Inspect and validate provider registrations",
}

var registrationsValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a registration set without starting a server",
	RunE:  runRegistrationsValidate,
}

func init() {
	registrationsCmd.AddCommand(registrationsValidateCmd)
}

// runRegistrationsValidate loads the configured registrations and runs each
// one through the same defaulting and validation path the server uses,
// failing fast on the first fatal error rather than starting anything.
func runRegistrationsValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	defaults := cfg.Defaults.ToDefaults()
	registry := jwkscache.NewRegistry(defaults, defaults.RequireHTTPS, defaults.AllowedDomains, jwkscache.NoopPersistence{}, nil)
	defer registry.Close()

	ctx := context.Background()
	for _, rc := range cfg.Registrations {
		reg := rc.ToRegistration()
		if err := registry.Register(ctx, reg); err != nil {
			return fmt.Errorf("tenant=%q provider=%q: %w", reg.TenantID, reg.ProviderID, err)
		}
		fmt.Printf("ok: tenant=%s provider=%s jwks_url=%s\n", reg.TenantID, reg.ProviderID, reg.JWKSURL)
	}

	fmt.Printf("%d registration(s) valid\n", len(cfg.Registrations))
	return nil
}
