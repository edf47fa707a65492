// Command jwkscached runs the multi-tenant JWKS cache's admin/resolve HTTP
// API, or validates a registration set without starting a server.
package main

import (
	"fmt"
	"os"

	"github.com/hack-ink/jwks-cache/cmd/jwkscached/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
