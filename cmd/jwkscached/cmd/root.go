package cmd

import (
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "jwkscached",
	Short: "Multi-tenant JWKS cache service",
	Long: `jwkscached fetches, caches, and serves JSON Web Key Sets on behalf of
multiple tenants and providers, with single-flight refresh coordination, HTTP
cache-semantics-aware revalidation, retry/backoff, and stale-while-error
fallback.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the YAML configuration file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(registrationsCmd)
}
